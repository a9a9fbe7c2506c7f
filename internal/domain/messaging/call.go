package messaging

import (
	"context"
	"sync"
	"time"
)

// Call is a pending request. It settles exactly once: with the first handler
// resolution or rejection, or with a timeout error. Settlements after the
// first are no-ops.
type Call struct {
	correlationID string

	once    sync.Once
	done    chan struct{}
	cleanup func()

	mu    sync.Mutex
	timer *time.Timer
	value any
	err   error
}

func newCall(correlationID string, cleanup func()) *Call {
	return &Call{
		correlationID: correlationID,
		done:          make(chan struct{}),
		cleanup:       cleanup,
	}
}

// CorrelationID returns the token linking this call to its responses.
func (c *Call) CorrelationID() string { return c.correlationID }

// Done is closed when the call has settled.
func (c *Call) Done() <-chan struct{} { return c.done }

// Value returns the response value. Valid only after Done is closed.
func (c *Call) Value() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Err returns the settlement error, nil on success. Valid only after Done is
// closed.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Await blocks until the call settles or ctx is done.
func (c *Call) Await(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.Value(), c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Call) startTimer(timeout time.Duration, timeoutErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = time.AfterFunc(timeout, func() {
		c.reject(timeoutErr)
	})
}

func (c *Call) resolve(value any) bool { return c.settle(value, nil) }

func (c *Call) reject(err error) bool { return c.settle(nil, err) }

// settle records the outcome, stops the timer, removes the pending record
// and closes Done. It returns true for the winning settlement.
func (c *Call) settle(value any, err error) bool {
	won := false
	c.once.Do(func() {
		won = true
		c.mu.Lock()
		c.value = value
		c.err = err
		if c.timer != nil {
			c.timer.Stop()
		}
		c.mu.Unlock()
		if c.cleanup != nil {
			c.cleanup()
		}
		close(c.done)
	})
	return won
}
