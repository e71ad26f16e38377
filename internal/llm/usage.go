package llm

import (
	"sync"
	"time"
)

// UsageEvent is emitted for every chat model invocation routed through the
// registry, including failed calls.
type UsageEvent struct {
	Role             RoleKey   `json:"role"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
	Success          bool      `json:"success"`
	ErrorKind        string    `json:"error_kind,omitempty"`
	At               time.Time `json:"at"`
}

// UsageSink receives usage events. Record must not block.
type UsageSink interface {
	Record(ev UsageEvent)
}

// UsageAggregator keeps in-process token totals per (role, model).
type UsageAggregator struct {
	mu     sync.Mutex
	totals map[string]*UsageTotals
}

// UsageTotals is one aggregated row.
type UsageTotals struct {
	Role             RoleKey `json:"role"`
	Model            string  `json:"model"`
	Calls            int64   `json:"calls"`
	Failures         int64   `json:"failures"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
}

func NewUsageAggregator() *UsageAggregator {
	return &UsageAggregator{totals: map[string]*UsageTotals{}}
}

func (a *UsageAggregator) Record(ev UsageEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := string(ev.Role) + "/" + ev.Model
	row, ok := a.totals[key]
	if !ok {
		row = &UsageTotals{Role: ev.Role, Model: ev.Model}
		a.totals[key] = row
	}
	row.Calls++
	if !ev.Success {
		row.Failures++
	}
	row.PromptTokens += int64(ev.PromptTokens)
	row.CompletionTokens += int64(ev.CompletionTokens)
}

// Snapshot returns a copy of the aggregated totals.
func (a *UsageAggregator) Snapshot() []UsageTotals {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]UsageTotals, 0, len(a.totals))
	for _, row := range a.totals {
		out = append(out, *row)
	}
	return out
}
