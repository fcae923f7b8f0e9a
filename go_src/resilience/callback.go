package resilience

import "context"

// Callback is the explicit sync/async split called for in the design
// notes: rather than reflecting on a returned value to guess whether it
// should be awaited, the caller states which variant it is registering.
//
//	resilience.Sync(func() error { ... })
//	resilience.Async(func(ctx context.Context) error { ... })
type Callback struct {
	sync  func() error
	async func(ctx context.Context) error
}

// Sync wraps a plain blocking callback.
func Sync(fn func() error) Callback {
	return Callback{sync: fn}
}

// Async wraps a context-aware callback that may itself block on I/O;
// the invoker is responsible for bounding it (see shutdown.Shutdown).
func Async(fn func(ctx context.Context) error) Callback {
	return Callback{async: fn}
}

// IsAsync reports which variant was registered.
func (c Callback) IsAsync() bool {
	return c.async != nil
}

// Invoke dispatches on the registered variant. Sync callbacks ignore ctx.
func (c Callback) Invoke(ctx context.Context) error {
	if c.async != nil {
		return c.async(ctx)
	}
	if c.sync != nil {
		return c.sync()
	}
	return nil
}

// IsZero reports whether no function was registered.
func (c Callback) IsZero() bool {
	return c.sync == nil && c.async == nil
}
