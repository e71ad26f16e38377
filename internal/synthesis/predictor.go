package synthesis

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dyike/CortexFlow/internal/dataflows"
	"github.com/dyike/CortexFlow/internal/models"
)

// agentKey versions the decision chain that produced a prediction, so later
// accuracy queries can segment by pipeline generation.
const agentKey = "cortexflow/pipeline-v1"

// PredictionSink persists prediction records. Outcome fields are filled in
// later by an evaluation job, never by the runner.
type PredictionSink interface {
	AppendPrediction(ctx context.Context, rec models.PredictionRecord) error
}

// Predictor logs one prediction per completed session.
type Predictor struct {
	sink   PredictionSink
	market dataflows.MarketDataSource
	log    *zap.Logger
}

func NewPredictor(sink PredictionSink, market dataflows.MarketDataSource, log *zap.Logger) *Predictor {
	return &Predictor{sink: sink, market: market, log: log.Named("predictor")}
}

// Record appends the prediction derived from a verdict. Failures are logged
// and swallowed; prediction logging never fails a session.
func (p *Predictor) Record(ctx context.Context, sessionID string, st *models.AnalysisState, v *models.Verdict) {
	if p == nil || p.sink == nil || v == nil {
		return
	}
	rec := models.PredictionRecord{
		SessionID:  sessionID,
		Symbol:     st.Symbol,
		TradeDate:  st.TradeDate,
		Signal:     v.Signal,
		Confidence: v.Confidence,
		AgentKey:   agentKey,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	if v.TradeSetup != nil {
		rec.TargetPrice = v.TradeSetup.TargetPrice
		rec.StopLoss = v.TradeSetup.StopLoss
	}
	rec.EntryPrice = p.lastClose(ctx, st.Symbol)

	if err := p.sink.AppendPrediction(ctx, rec); err != nil {
		p.log.Warn("prediction append failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// lastClose resolves the entry reference price, best effort.
func (p *Predictor) lastClose(ctx context.Context, symbol string) float64 {
	if p.market == nil {
		return 0
	}
	candles, err := p.market.DailyCandles(ctx, symbol, 5)
	if err != nil || len(candles) == 0 {
		return 0
	}
	f, _ := candles[len(candles)-1].Close.Float64()
	return f
}
