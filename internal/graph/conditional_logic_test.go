package graph

import (
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"

	"github.com/dyike/CortexFlow/consts"
)

func TestAnalystRouteLoopsOnToolCalls(t *testing.T) {
	st := newState()
	msg := schema.AssistantMessage("", []schema.ToolCall{
		{ID: "1", Function: schema.FunctionCall{Name: "get_market_data"}},
	})
	msg.Name = consts.MarketAnalyst
	st.Messages = append(st.Messages, msg)

	route := AnalystRoute(consts.MarketAnalyst)
	assert.Equal(t, consts.ToolNode(consts.MarketAnalyst), route(st))
}

func TestAnalystRouteExitsWithoutToolCalls(t *testing.T) {
	st := newState()
	msg := schema.AssistantMessage("final report", nil)
	msg.Name = consts.MarketAnalyst
	st.Messages = append(st.Messages, msg)

	route := AnalystRoute(consts.MarketAnalyst)
	assert.Equal(t, consts.ClearNode(consts.MarketAnalyst), route(st))

	// An empty thread also exits; the agent node itself errors on that.
	assert.Equal(t, consts.ClearNode(consts.MarketAnalyst), route(newState()))
}

func TestAnalystRouteIgnoresOtherAuthors(t *testing.T) {
	st := newState()
	other := schema.AssistantMessage("", []schema.ToolCall{
		{ID: "1", Function: schema.FunctionCall{Name: "search_news"}},
	})
	other.Name = consts.NewsAnalyst
	st.Messages = append(st.Messages, other)

	route := AnalystRoute(consts.MarketAnalyst)
	assert.Equal(t, consts.ClearNode(consts.MarketAnalyst), route(st))
}

func TestDebateRouteAlternatesThenStops(t *testing.T) {
	route := DebateRoute(1)
	st := newState()

	// Nobody spoke yet: bull opens.
	assert.Equal(t, consts.BullResearcher, route(st))

	st.InvestmentDebateState.Count = 1
	st.InvestmentDebateState.CurrentResponse = "Bull Analyst: upside case"
	assert.Equal(t, consts.BearResearcher, route(st))

	st.InvestmentDebateState.Count = 2
	st.InvestmentDebateState.CurrentResponse = "Bear Analyst: downside case"
	assert.Equal(t, consts.ResearchManager, route(st), "budget of 2*maxRounds reached")
}

func TestDebateRouteTwoRounds(t *testing.T) {
	route := DebateRoute(2)
	st := newState()
	st.InvestmentDebateState.Count = 2
	st.InvestmentDebateState.CurrentResponse = "Bear Analyst: downside"
	assert.Equal(t, consts.BullResearcher, route(st))

	st.InvestmentDebateState.Count = 4
	assert.Equal(t, consts.ResearchManager, route(st))
}

func TestRiskRouteRotation(t *testing.T) {
	route := RiskRoute(1)
	st := newState()

	assert.Equal(t, consts.RiskyAnalyst, route(st))

	st.RiskDebateState.Count = 1
	st.RiskDebateState.LatestSpeaker = consts.SpeakerRisky
	assert.Equal(t, consts.SafeAnalyst, route(st))

	st.RiskDebateState.Count = 2
	st.RiskDebateState.LatestSpeaker = consts.SpeakerSafe
	assert.Equal(t, consts.NeutralAnalyst, route(st))

	st.RiskDebateState.Count = 3
	st.RiskDebateState.LatestSpeaker = consts.SpeakerNeutral
	assert.Equal(t, consts.RiskJudge, route(st), "every seat spoke once")
}

func TestRiskRouteSecondRoundWrapsToRisky(t *testing.T) {
	route := RiskRoute(2)
	st := newState()
	st.RiskDebateState.Count = 3
	st.RiskDebateState.LatestSpeaker = consts.SpeakerNeutral
	assert.Equal(t, consts.RiskyAnalyst, route(st))

	st.RiskDebateState.Count = 6
	assert.Equal(t, consts.RiskJudge, route(st))
}
