package eventbatch

import "context"

// Sink receives flushed event batches. Sinks are independent: one sink
// failing never blocks or fails the others, and delivery is at-most-once
// per sink.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, events []Event) error
}
