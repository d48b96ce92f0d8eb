package eventbatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/meterline/meterline/internal/config"
)

type captureSink struct {
	name string
	fail bool

	mu      sync.Mutex
	batches [][]Event
}

func (s *captureSink) Name() string { return s.name }

func (s *captureSink) Deliver(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make([]Event, len(events))
	copy(batch, events)
	s.batches = append(s.batches, batch)
	if s.fail {
		return assert.AnError
	}
	return nil
}

func (s *captureSink) waitBatches(t *testing.T, n int) [][]Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		got := len(s.batches)
		s.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	require.GreaterOrEqual(t, len(s.batches), n)
	return s.batches
}

func newTestBatcher(t *testing.T, maxSize int, window time.Duration, sinks ...Sink) *Batcher {
	t.Helper()
	holder := config.NewStaticEngineConfigHolder(config.EngineConfig{
		BatchMaxSize:     maxSize,
		BatchFlushWindow: window,
	})
	return NewBatcher(Params{
		Log:    zap.NewNop(),
		Holder: holder,
		Sinks:  sinks,
	})
}

func event(customerID string) Event {
	return Event{Type: EventUsageTracked, CustomerID: customerID, At: time.Now().UTC()}
}

func TestBatcherFlushesAtMaxSize(t *testing.T) {
	sink := &captureSink{name: "capture"}
	b := newTestBatcher(t, 3, time.Hour, sink)

	b.Add(event("c1"))
	b.Add(event("c2"))
	assert.Equal(t, 2, b.Pending())
	b.Add(event("c3"))

	batches := sink.waitBatches(t, 1)
	require.Len(t, batches[0], 3)
	assert.Equal(t, 0, b.Pending())
}

func TestBatcherFlushesOnWindow(t *testing.T) {
	sink := &captureSink{name: "capture"}
	b := newTestBatcher(t, 100, 20*time.Millisecond, sink)

	b.Add(event("c1"))
	b.Add(event("c2"))

	batches := sink.waitBatches(t, 1)
	assert.Len(t, batches[0], 2)
	assert.Equal(t, 0, b.Pending())
}

func TestBatcherSizeFlushDoesNotCarryOver(t *testing.T) {
	sink := &captureSink{name: "capture"}
	b := newTestBatcher(t, 2, time.Hour, sink)

	for i := 0; i < 5; i++ {
		b.Add(event("c"))
	}

	batches := sink.waitBatches(t, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)
	// Fifth event waits for the next size or window trigger.
	assert.Equal(t, 1, b.Pending())
}

func TestBatcherDeliversToAllSinksIndependently(t *testing.T) {
	failing := &captureSink{name: "failing", fail: true}
	healthy := &captureSink{name: "healthy"}
	b := newTestBatcher(t, 1, time.Hour, failing, healthy)

	b.Add(event("c1"))

	assert.Len(t, failing.waitBatches(t, 1)[0], 1)
	assert.Len(t, healthy.waitBatches(t, 1)[0], 1)
}

func TestBatcherFailureLogSamplesEventIDs(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	holder := config.NewStaticEngineConfigHolder(config.EngineConfig{
		BatchMaxSize:     100,
		BatchFlushWindow: time.Hour,
	})
	sink := &captureSink{name: "failing", fail: true}
	b := NewBatcher(Params{Log: zap.New(core), Holder: holder, Sinks: []Sink{sink}})

	b.Add(Event{ID: "ev-1", Type: EventUsageTracked})
	b.Add(Event{ID: "ev-2", Type: EventUsageTracked})
	b.Add(Event{ID: "ev-3", Type: EventUsageTracked})
	b.Add(Event{ID: "ev-4", Type: EventUsageTracked})
	b.Flush(context.Background())

	entries := logs.FilterMessage("sink delivery failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "failing", fields["sink"])
	assert.EqualValues(t, 4, fields["events"])
	assert.Equal(t, []any{"ev-1", "ev-2", "ev-3"}, fields["sample_event_ids"])
}

func TestBatcherCloseFlushesRemainder(t *testing.T) {
	sink := &captureSink{name: "capture"}
	b := newTestBatcher(t, 100, time.Hour, sink)

	b.Add(event("c1"))
	b.Close(context.Background())

	batches := sink.waitBatches(t, 1)
	assert.Len(t, batches[0], 1)

	// Events after close are dropped, not queued forever.
	b.Add(event("c2"))
	assert.Equal(t, 0, b.Pending())
}
