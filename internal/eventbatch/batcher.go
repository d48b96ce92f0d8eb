package eventbatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/meterline/meterline/internal/config"
	obsmetrics "github.com/meterline/meterline/internal/observability/metrics"
)

const sinkDeliverTimeout = 10 * time.Second

type Params struct {
	fx.In

	Log     *zap.Logger
	Holder  *config.EngineConfigHolder
	Metrics *obsmetrics.Metrics `optional:"true"`
	Sinks   []Sink              `group:"event_sinks"`
}

// Batcher accumulates events and flushes them when the buffer reaches the
// configured max size or when the flush window passes without a new append,
// whichever comes first. The window re-arms on every append, so the size cap
// is what bounds latency under a steady stream. Flush size and window are
// read from the hot-reloaded engine config on every append.
type Batcher struct {
	log     *zap.Logger
	holder  *config.EngineConfigHolder
	metrics *obsmetrics.Metrics
	sinks   []Sink

	mu     sync.Mutex
	buf    []Event
	timer  *time.Timer
	closed bool
}

func NewBatcher(p Params) *Batcher {
	return &Batcher{
		log:     p.Log.Named("eventbatch"),
		holder:  p.Holder,
		metrics: p.Metrics,
		sinks:   p.Sinks,
	}
}

// Add buffers one event. Never blocks on sink delivery.
func (b *Batcher) Add(event Event) {
	cfg := b.holder.Get()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.log.Warn("event dropped after shutdown", zap.String("type", string(event.Type)))
		return
	}
	b.buf = append(b.buf, event)

	if len(b.buf) >= cfg.BatchMaxSize {
		events := b.snapshotLocked()
		b.mu.Unlock()
		go b.deliver(events, "size")
		return
	}

	if b.timer == nil {
		b.timer = time.AfterFunc(cfg.BatchFlushWindow, b.flushOnWindow)
	} else {
		b.timer.Reset(cfg.BatchFlushWindow)
	}
	b.mu.Unlock()
}

// Flush drains the buffer and waits for every sink to finish. Used on
// shutdown so accepted events are not lost.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	events := b.snapshotLocked()
	b.mu.Unlock()
	if len(events) == 0 {
		return
	}
	b.deliverCtx(ctx, events, "final")
}

// Close flushes and rejects further events.
func (b *Batcher) Close(ctx context.Context) {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Flush(ctx)
}

// Pending reports how many events are buffered. Test hook.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *Batcher) flushOnWindow() {
	b.mu.Lock()
	events := b.snapshotLocked()
	b.mu.Unlock()
	if len(events) == 0 {
		return
	}
	b.deliver(events, "window")
}

// snapshotLocked hands ownership of the buffer to the caller and resets the
// window timer. Callers must hold b.mu.
func (b *Batcher) snapshotLocked() []Event {
	events := b.buf
	b.buf = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return events
}

// sampleSize caps how many event ids a failure log carries. Enough to find
// the batch in the audit trail without flooding the log line.
const sampleSize = 3

// SampleIDs returns the first few event ids of a batch for failure logs.
func SampleIDs(events []Event) []string {
	n := len(events)
	if n > sampleSize {
		n = sampleSize
	}
	ids := make([]string, 0, n)
	for _, e := range events[:n] {
		ids = append(ids, e.ID)
	}
	return ids
}

func (b *Batcher) deliver(events []Event, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkDeliverTimeout)
	defer cancel()
	b.deliverCtx(ctx, events, reason)
}

func (b *Batcher) deliverCtx(ctx context.Context, events []Event, reason string) {
	b.metrics.RecordBatchFlush(ctx, reason, len(events))

	var wg sync.WaitGroup
	for _, sink := range b.sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			if err := s.Deliver(ctx, events); err != nil {
				b.log.Warn("sink delivery failed",
					zap.String("sink", s.Name()),
					zap.Int("events", len(events)),
					zap.Strings("sample_event_ids", SampleIDs(events)),
					zap.Error(err),
				)
			}
		}(sink)
	}
	wg.Wait()
}
