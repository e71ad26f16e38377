package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyike/CortexFlow/internal/models"
)

func TestStreamSequenceIsContiguous(t *testing.T) {
	s := newStream("sid", 64, nil)
	for i := 0; i < 5; i++ {
		s.Publish(models.EventNodeCompleted, "analyst", "market_analyst", "completed", nil)
	}
	s.Publish(models.EventTerminal, "", "", "completed", nil)

	events := s.Events()
	require.Len(t, events, 6)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.SequenceNo)
	}
	assert.Equal(t, models.EventTerminal, events[len(events)-1].Kind)
}

func TestStreamReplayAfterSequence(t *testing.T) {
	s := newStream("sid", 64, nil)
	for i := 0; i < 4; i++ {
		s.Publish(models.EventNodeCompleted, "analyst", "n", "completed", nil)
	}
	s.Publish(models.EventTerminal, "", "", "completed", nil)

	ch, cancel := s.Subscribe(2)
	defer cancel()

	var got []uint64
	for ev := range ch {
		got = append(got, ev.SequenceNo)
	}
	assert.Equal(t, []uint64{3, 4, 5}, got)
}

func TestStreamLiveDeliveryThenClose(t *testing.T) {
	s := newStream("sid", 64, nil)
	ch, cancel := s.Subscribe(0)
	defer cancel()

	s.Publish(models.EventStageStart, "planning", "", "started", nil)
	s.Publish(models.EventTerminal, "", "", "completed", nil)

	var kinds []models.EventKind
	for ev := range ch {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []models.EventKind{models.EventStageStart, models.EventTerminal}, kinds)
}

func TestStreamIgnoresEventsAfterTerminal(t *testing.T) {
	s := newStream("sid", 64, nil)
	s.Publish(models.EventTerminal, "", "", "completed", nil)
	s.Publish(models.EventNodeCompleted, "analyst", "n", "completed", nil)

	events := s.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTerminal, events[0].Kind)
}

func TestStreamOverflowInsertsDroppedMarker(t *testing.T) {
	drops := 0
	s := newStream("sid", 4, func() { drops++ })
	for i := 0; i < 8; i++ {
		s.Publish(models.EventNodeUpdate, "analyst", "n", "started", nil)
	}

	events := s.Events()
	require.Len(t, events, 4, "buffer bound holds")
	assert.Equal(t, models.EventDropped, events[0].Kind)
	assert.Equal(t, 4, events[0].Payload["dropped"], "marker folds consecutive evictions")
	assert.Equal(t, 4, drops)

	// The surviving tail keeps its original sequence numbers.
	last := events[len(events)-1]
	assert.Equal(t, uint64(8), last.SequenceNo)
}

func TestStreamOverflowNeverEvictsResult(t *testing.T) {
	s := newStream("sid", 3, nil)
	s.Publish(models.EventResult, "portfolio", "", "completed", map[string]any{"verdict": "v"})
	for i := 0; i < 6; i++ {
		s.Publish(models.EventNodeUpdate, "analyst", "n", "started", nil)
	}

	events := s.Events()
	found := false
	for _, ev := range events {
		if ev.Kind == models.EventResult {
			found = true
		}
	}
	assert.True(t, found, "result events survive eviction")
}

func TestStreamCloseIsIdempotentAndSynthesizesTerminal(t *testing.T) {
	s := newStream("sid", 16, nil)
	s.Publish(models.EventStageStart, "planning", "", "started", nil)
	s.Close()
	s.Close()

	events := s.Events()
	require.Len(t, events, 2)
	last := events[len(events)-1]
	assert.Equal(t, models.EventTerminal, last.Kind)
	assert.Equal(t, true, last.Payload["synthetic"])
}

func TestSubscribeAfterTerminalGetsClosedChannel(t *testing.T) {
	s := newStream("sid", 16, nil)
	s.Publish(models.EventTerminal, "", "", "completed", nil)

	ch, cancel := s.Subscribe(0)
	defer cancel()

	ev, open := <-ch
	require.True(t, open)
	assert.Equal(t, models.EventTerminal, ev.Kind)
	_, open = <-ch
	assert.False(t, open)
}

func TestHubReleaseReapsAfterRetention(t *testing.T) {
	h := NewHub(16, 30*time.Millisecond, nil)
	h.Create("sid")
	h.Release("sid")

	// Still reachable during the retention window for replay.
	_, ok := h.Get("sid")
	assert.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := h.Get("sid")
		return !ok
	}, time.Second, 10*time.Millisecond)
}
