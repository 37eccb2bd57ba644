package progress

import "context"

// Sink receives batches of events from a Hub, one batch at a time. A batch
// is shared with the other sinks and must not be modified.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts single events. The Tracker writes to one; Hub is the
// usual implementation.
type Emitter interface {
	Emit(evt Event)
}
