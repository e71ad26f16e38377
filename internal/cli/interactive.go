package cli

import (
	"time"

	"github.com/AlecAivazis/survey/v2"

	"github.com/dyike/CortexFlow/consts"
)

// AnalyzeOptions collects everything the one-shot analyze command needs.
type AnalyzeOptions struct {
	Symbol     string
	TradeDate  string
	Market     string
	Level      string
	Analysts   []string
	UsePlanner bool
}

// PromptAnalyzeOptions asks for the run parameters interactively.
func PromptAnalyzeOptions() (*AnalyzeOptions, error) {
	opts := &AnalyzeOptions{UsePlanner: true}

	questions := []*survey.Question{
		{
			Name:     "symbol",
			Prompt:   &survey.Input{Message: "Ticker symbol:", Default: "AAPL"},
			Validate: survey.Required,
		},
		{
			Name: "tradedate",
			Prompt: &survey.Input{
				Message: "Trade date (YYYY-MM-DD):",
				Default: time.Now().Format("2006-01-02"),
			},
			Validate: survey.Required,
		},
		{
			Name: "market",
			Prompt: &survey.Select{
				Message: "Market:",
				Options: []string{"US", "HK", "CN"},
				Default: "US",
			},
		},
		{
			Name: "level",
			Prompt: &survey.Select{
				Message: "Analysis depth:",
				Options: []string{"L2 (full pipeline)", "L1 (quick scan)"},
				Default: "L2 (full pipeline)",
			},
		},
	}

	answers := struct {
		Symbol    string
		TradeDate string `survey:"tradedate"`
		Market    string
		Level     string
	}{}
	if err := survey.Ask(questions, &answers); err != nil {
		return nil, err
	}
	opts.Symbol = answers.Symbol
	opts.TradeDate = answers.TradeDate
	opts.Market = answers.Market
	if answers.Level == "L1 (quick scan)" {
		opts.Level = "L1"
	} else {
		opts.Level = "L2"
	}

	if opts.Level == "L2" {
		var pickRoster bool
		if err := survey.AskOne(&survey.Confirm{
			Message: "Pick the analyst roster yourself? (No lets the planner decide)",
			Default: false,
		}, &pickRoster); err != nil {
			return nil, err
		}
		if pickRoster {
			names := make([]string, 0, len(consts.AllAnalysts))
			for _, k := range consts.AllAnalysts {
				names = append(names, string(k))
			}
			if err := survey.AskOne(&survey.MultiSelect{
				Message: "Analysts:",
				Options: names,
				Default: []string{"market", "news", "fundamentals"},
			}, &opts.Analysts); err != nil {
				return nil, err
			}
			opts.UsePlanner = false
		}
	}
	return opts, nil
}
