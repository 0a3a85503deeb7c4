// Package coord arbitrates exclusive locks over physical resources
// (serial devices, bridge endpoints, power units) between concurrently
// running provisioning jobs.
//
// Acquisition is all-or-nothing: a job either holds every key it asked for
// or none, checked under one critical section, so no job can ever be
// observed holding a partial subset. Waiters queue per key in FIFO order
// and the oldest eligible waiter is serviced first on release.
package coord

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/s7tools/provd/internal/model"
)

// Handle represents a granted set of keys. Release it exactly once.
type Handle struct {
	jobID    uuid.UUID
	keys     []model.ResourceKey
	released bool
}

// JobID returns the id of the job holding this handle.
func (h *Handle) JobID() uuid.UUID {
	return h.jobID
}

// Keys returns the keys held by this handle.
func (h *Handle) Keys() []model.ResourceKey {
	return h.keys
}

type waiter struct {
	jobID     uuid.UUID
	keys      []model.ResourceKey
	ready     chan *Handle // buffered, receives the granted handle
	granted   bool
	abandoned bool
}

// Coordinator is the only mutable shared state of the job engine. All of
// its tables are guarded by a single mutex.
type Coordinator struct {
	mu      sync.Mutex
	holders map[model.ResourceKey]uuid.UUID
	queues  map[model.ResourceKey][]*waiter
	wake    chan struct{}
}

func New() *Coordinator {
	return &Coordinator{
		holders: make(map[model.ResourceKey]uuid.UUID),
		queues:  make(map[model.ResourceKey][]*waiter),
		wake:    make(chan struct{}, 1),
	}
}

// Acquire grants all keys atomically or none. With timeout zero it returns
// model.ErrResourceBusy immediately when any key is held, otherwise it
// joins each key's FIFO wait queue for up to timeout. Context cancellation
// aborts the wait with ctx.Err().
func (c *Coordinator) Acquire(ctx context.Context, jobID uuid.UUID, keys []model.ResourceKey, timeout time.Duration) (*Handle, error) {
	c.mu.Lock()
	if c.allFreeLocked(keys) {
		h := c.grantLocked(jobID, keys)
		c.mu.Unlock()
		return h, nil
	}
	if timeout == 0 {
		c.mu.Unlock()
		return nil, model.ErrResourceBusy
	}

	w := &waiter{
		jobID: jobID,
		keys:  keys,
		ready: make(chan *Handle, 1),
	}
	for _, key := range keys {
		c.queues[key] = append(c.queues[key], w)
	}
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case h := <-w.ready:
		return h, nil
	case <-timer.C:
		if h, ok := c.abandon(w); ok {
			// granted in the same instant the timer fired
			return h, nil
		}
		return nil, model.ErrResourceBusy
	case <-ctx.Done():
		if h, ok := c.abandon(w); ok {
			c.Release(h)
		}
		return nil, ctx.Err()
	}
}

// abandon removes w from all wait queues. When the grant already happened
// it returns the delivered handle instead.
func (c *Coordinator) abandon(w *waiter) (*Handle, bool) {
	c.mu.Lock()
	if w.granted {
		c.mu.Unlock()
		return <-w.ready, true
	}
	w.abandoned = true
	c.removeWaiterLocked(w)
	c.mu.Unlock()
	return nil, false
}

// Release frees all keys of the handle atomically and services eligible
// waiters, oldest first per key. Releasing a handle twice is a programming
// error and panics.
func (c *Coordinator) Release(h *Handle) {
	c.mu.Lock()
	if h.released {
		c.mu.Unlock()
		panic("coord: release of already released handle")
	}
	h.released = true
	for _, key := range h.keys {
		delete(c.holders, key)
	}
	c.serviceLocked(h.keys)
	c.mu.Unlock()

	// coalescing wake signal for the scheduler
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// IsHeld reports whether any job currently holds the key. Diagnostics only.
func (c *Coordinator) IsHeld(key model.ResourceKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.holders[key]
	return ok
}

// Wake returns a channel signalled after every release. The signal is
// coalescing: one pending notification at most.
func (c *Coordinator) Wake() <-chan struct{} {
	return c.wake
}

func (c *Coordinator) allFreeLocked(keys []model.ResourceKey) bool {
	for _, key := range keys {
		if _, held := c.holders[key]; held {
			return false
		}
	}
	return true
}

func (c *Coordinator) grantLocked(jobID uuid.UUID, keys []model.ResourceKey) *Handle {
	for _, key := range keys {
		c.holders[key] = jobID
	}
	return &Handle{jobID: jobID, keys: keys}
}

// serviceLocked walks the wait queues of the freed keys in FIFO order and
// grants every waiter whose full key set became free.
func (c *Coordinator) serviceLocked(freed []model.ResourceKey) {
	for _, key := range freed {
		for _, w := range c.queues[key] {
			if w.abandoned || w.granted {
				continue
			}
			if !c.allFreeLocked(w.keys) {
				continue
			}
			w.granted = true
			h := c.grantLocked(w.jobID, w.keys)
			c.removeWaiterLocked(w)
			w.ready <- h
			break // key is taken again
		}
	}
}

func (c *Coordinator) removeWaiterLocked(w *waiter) {
	for _, key := range w.keys {
		q := c.queues[key]
		for i, cand := range q {
			if cand == w {
				c.queues[key] = append(q[:i], q[i+1:]...)
				break
			}
		}
		if len(c.queues[key]) == 0 {
			delete(c.queues, key)
		}
	}
}
