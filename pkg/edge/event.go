package edge

import (
	"context"
	"sync"
)

type eventKey struct{}

// Event accompanies a request through the middleware. Work registered with
// WaitUntil runs after the response has been written.
type Event struct {
	RequestID string

	mu     sync.Mutex
	tasks  []func(context.Context) error
	sealed bool
}

// WaitUntil registers fn to run once the response is complete. The context
// passed to fn is detached from the request and bounded by the middleware's
// WaitUntil timeout. Calls made after the response has completed are ignored
// and reported as false.
func (e *Event) WaitUntil(fn func(context.Context) error) bool {
	if fn == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed {
		return false
	}
	e.tasks = append(e.tasks, fn)
	return true
}

// seal stops accepting tasks and returns the registered ones.
func (e *Event) seal() []func(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sealed = true
	tasks := e.tasks
	e.tasks = nil
	return tasks
}

// EventFromContext returns the Event of the request handled by Wrap.
func EventFromContext(ctx context.Context) (*Event, bool) {
	ev, ok := ctx.Value(eventKey{}).(*Event)
	return ev, ok
}

func withEvent(ctx context.Context, ev *Event) context.Context {
	return context.WithValue(ctx, eventKey{}, ev)
}
