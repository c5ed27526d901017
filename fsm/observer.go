package fsm

import (
	"context"
	"sync"
	"time"
)

// CachedObserver remembers the last notifications of a state machine and
// lets callers block until a state is reached.
type CachedObserver struct {
	last    Notification
	history *ring[Notification]

	cond *sync.Cond
	mx   sync.Mutex
}

// NewCachedObserver creates an observer that keeps up to size
// notifications.
func NewCachedObserver(size int) *CachedObserver {
	observer := &CachedObserver{
		history: newRing[Notification](size),
	}
	observer.cond = sync.NewCond(&observer.mx)

	return observer
}

// Notify implements the Observer interface.
func (c *CachedObserver) Notify(notification Notification) {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.history.add(notification)
	c.last = notification
	c.cond.Broadcast()
}

// GetCachedNotifications returns a copy of the cached notifications, oldest
// first.
func (c *CachedObserver) GetCachedNotifications() []Notification {
	c.mx.Lock()
	defer c.mx.Unlock()

	return c.history.items()
}

// WaitForState blocks until the observed machine reaches state, the timeout
// expires or ctx is canceled. If abortOnError is set, the wait ends early
// with the action error as soon as an OnError transition is observed.
func (c *CachedObserver) WaitForState(ctx context.Context,
	timeout time.Duration, state StateType, abortOnError bool) error {

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	stop := make(chan struct{})

	go func() {
		c.mx.Lock()
		defer c.mx.Unlock()

		for {
			select {
			case <-stop:
				return
			default:
			}

			switch {
			case c.last.NextState == state:
				done <- nil
				return

			case abortOnError && c.last.Event == OnError:
				done <- c.last.LastActionError
				return
			}

			c.cond.Wait()
		}
	}()

	select {
	case err := <-done:
		return err

	case <-ctx.Done():
		// Wake up the waiter so that it can observe the stop signal.
		close(stop)
		c.mx.Lock()
		c.cond.Broadcast()
		c.mx.Unlock()

		return NewErrWaitingForStateTimeout(state)
	}
}

// ring is a fixed capacity list that drops its oldest element when full.
type ring[T any] struct {
	data []T
	size int
}

func newRing[T any](size int) *ring[T] {
	return &ring[T]{
		data: make([]T, 0, size),
		size: size,
	}
}

func (r *ring[T]) add(element T) {
	if len(r.data) == r.size {
		r.data = r.data[1:]
	}
	r.data = append(r.data, element)
}

func (r *ring[T]) items() []T {
	data := make([]T, len(r.data))
	copy(data, r.data)

	return data
}
