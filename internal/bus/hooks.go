package bus

import (
	"context"
	"time"
)

// ConsumeContext describes one handler dispatch to lifecycle hooks.
type ConsumeContext struct {
	// Topic the message was received from.
	Topic string
	// Event is the parsed envelope.
	Event *Event
	// Context is the context associated with the message.
	Context context.Context
	// StartedAt is when dispatch began.
	StartedAt time.Time
	// Duration is how long dispatch took (only set in OnDone and OnError).
	Duration time.Duration
}

// ConsumeHooks defines optional callbacks around handler dispatch. Nil hooks
// are simply not called.
type ConsumeHooks struct {
	// OnStart is called before any handler runs.
	OnStart func(ctx ConsumeContext)

	// OnDone is called after every handler succeeded.
	OnDone func(ctx ConsumeContext)

	// OnError is called when at least one handler returned an error.
	OnError func(ctx ConsumeContext, err error)
}

// Merge combines two hook sets; hooks from other run after those from h.
func (h ConsumeHooks) Merge(other ConsumeHooks) ConsumeHooks {
	return ConsumeHooks{
		OnStart: chainStartHooks(h.OnStart, other.OnStart),
		OnDone:  chainDoneHooks(h.OnDone, other.OnDone),
		OnError: chainErrorHooks(h.OnError, other.OnError),
	}
}

func chainStartHooks(a, b func(ConsumeContext)) func(ConsumeContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx ConsumeContext) {
		a(ctx)
		b(ctx)
	}
}

func chainDoneHooks(a, b func(ConsumeContext)) func(ConsumeContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx ConsumeContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(ConsumeContext, error)) func(ConsumeContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx ConsumeContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}
