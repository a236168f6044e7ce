package progress

import "context"

// Sink consumes batches of progress events. Implementations must honor ctx
// deadlines and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events without blocking. Broker, Hub and Fanout
// all satisfy it.
type Emitter interface {
	Emit(evt Event)
}

// Fanout forwards every event to each emitter in order.
type Fanout []Emitter

// Emit implements Emitter.
func (f Fanout) Emit(evt Event) {
	for _, e := range f {
		if e != nil {
			e.Emit(evt)
		}
	}
}
