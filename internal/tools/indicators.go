package tools

import (
	"fmt"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"

	"github.com/dyike/CortexFlow/internal/models"
)

// indicatorGuide describes each supported indicator for the model. The key
// set doubles as the validation whitelist.
var indicatorGuide = map[string]string{
	"close_50_sma":  "50 SMA: A medium-term trend indicator. Usage: Identify trend direction and serve as dynamic support/resistance. Tips: It lags price; combine with faster indicators for timely signals.",
	"close_200_sma": "200 SMA: A long-term trend benchmark. Usage: Confirm overall market trend and identify golden/death cross setups. Tips: It reacts slowly; best for strategic trend confirmation.",
	"close_10_ema":  "10 EMA: A responsive short-term average. Usage: Capture quick shifts in momentum and potential entry points. Tips: Prone to noise in choppy markets; filter with longer averages.",
	"rsi":           "RSI: Measures momentum to flag overbought/oversold conditions. Usage: Apply 70/30 thresholds and watch for divergence to signal reversals. Tips: In strong trends RSI may stay extreme; cross-check with trend analysis.",
	"macd":          "MACD: Computes momentum via differences of EMAs. Usage: Look for crossovers and divergence as signals of trend changes. Tips: Confirm with other indicators in sideways markets.",
	"macds":         "MACD Signal: An EMA smoothing of the MACD line. Usage: Use crossovers with the MACD line to trigger trades.",
	"boll":          "Bollinger Middle: A 20 SMA serving as the basis for Bollinger Bands. Usage: Acts as a dynamic benchmark for price movement.",
	"boll_ub":       "Bollinger Upper Band: 2 standard deviations above the middle line. Usage: Signals potential overbought conditions and breakout zones.",
	"boll_lb":       "Bollinger Lower Band: 2 standard deviations below the middle line. Usage: Indicates potential oversold conditions.",
	"atr":           "ATR: Averages true range to measure volatility. Usage: Set stop-loss levels and size positions to current volatility.",
}

// computeIndicator evaluates one named indicator over the candle series and
// returns dated values, oldest first. The series must be in ascending date
// order.
func computeIndicator(candles []models.Candle, name string) ([]models.IndicatorValue, error) {
	if _, ok := indicatorGuide[name]; !ok {
		return nil, fmt.Errorf("indicator %s is not supported", name)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candle data")
	}

	closings := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		closings[i] = c.Close.InexactFloat64()
		highs[i] = c.High.InexactFloat64()
		lows[i] = c.Low.InexactFloat64()
	}

	var (
		values []float64
		idle   int
	)
	switch name {
	case "close_50_sma":
		sma := trend.NewSmaWithPeriod[float64](50)
		idle = sma.IdlePeriod()
		values = helper.ChanToSlice(sma.Compute(helper.SliceToChan(closings)))
	case "close_200_sma":
		sma := trend.NewSmaWithPeriod[float64](200)
		idle = sma.IdlePeriod()
		values = helper.ChanToSlice(sma.Compute(helper.SliceToChan(closings)))
	case "close_10_ema":
		ema := trend.NewEmaWithPeriod[float64](10)
		idle = ema.IdlePeriod()
		values = helper.ChanToSlice(ema.Compute(helper.SliceToChan(closings)))
	case "rsi":
		rsi := momentum.NewRsi[float64]()
		idle = rsi.IdlePeriod()
		values = helper.ChanToSlice(rsi.Compute(helper.SliceToChan(closings)))
	case "macd":
		macd := trend.NewMacd[float64]()
		idle = macd.IdlePeriod()
		macdCh, signalCh := macd.Compute(helper.SliceToChan(closings))
		go helper.Drain(signalCh)
		values = helper.ChanToSlice(macdCh)
	case "macds":
		macd := trend.NewMacd[float64]()
		idle = macd.IdlePeriod()
		macdCh, signalCh := macd.Compute(helper.SliceToChan(closings))
		go helper.Drain(macdCh)
		values = helper.ChanToSlice(signalCh)
	case "boll", "boll_ub", "boll_lb":
		bb := volatility.NewBollingerBands[float64]()
		idle = bb.IdlePeriod()
		upper, middle, lower := bb.Compute(helper.SliceToChan(closings))
		switch name {
		case "boll_ub":
			go helper.Drain(middle)
			go helper.Drain(lower)
			values = helper.ChanToSlice(upper)
		case "boll_lb":
			go helper.Drain(upper)
			go helper.Drain(middle)
			values = helper.ChanToSlice(lower)
		default:
			go helper.Drain(upper)
			go helper.Drain(lower)
			values = helper.ChanToSlice(middle)
		}
	case "atr":
		atr := volatility.NewAtr[float64]()
		idle = atr.IdlePeriod()
		values = helper.ChanToSlice(atr.Compute(
			helper.SliceToChan(highs),
			helper.SliceToChan(lows),
			helper.SliceToChan(closings)))
	}

	if len(values) == 0 {
		return nil, fmt.Errorf("insufficient data for %s: %d bars", name, len(candles))
	}

	out := make([]models.IndicatorValue, 0, len(values))
	for i, v := range values {
		di := i + idle
		if di >= len(candles) {
			break
		}
		out = append(out, models.IndicatorValue{Date: candles[di].Date, Value: v})
	}
	return out, nil
}
