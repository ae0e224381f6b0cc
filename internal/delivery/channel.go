// Package delivery hands committed frames from a module to the consumer.
package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/jmylchreest/camplug/internal/buffer"
	"github.com/jmylchreest/camplug/pkg/plugin"
)

// BlockMode selects whether Get waits for a frame.
type BlockMode int

// Block modes.
const (
	NonBlocking BlockMode = iota
	Blocking
)

// DropMode selects which frame Get returns when several are ready.
type DropMode int

// Drop modes.
const (
	// DropStrict returns the oldest ready frame at or after the requested number.
	DropStrict DropMode = iota

	// DropLatest returns the newest ready frame and releases older ones.
	DropLatest
)

// ParseDropMode converts "strict" or "latest".
func ParseDropMode(s string) (DropMode, error) {
	switch s {
	case "strict", "":
		return DropStrict, nil
	case "latest":
		return DropLatest, nil
	default:
		return DropStrict, fmt.Errorf("%w: unknown drop mode %q", plugin.ErrInvalidParam, s)
	}
}

// String returns the mode name.
func (d DropMode) String() string {
	if d == DropLatest {
		return "latest"
	}
	return "strict"
}

// Delivery is a frame handed to the consumer. The frame data stays valid
// until the consumer releases the frame.
type Delivery struct {
	Frame plugin.Frame
	Lease *buffer.Lease
}

// Channel is the pull side of frame delivery.
//
// Ready frames wait in the channel until the consumer takes one or the
// producer needs the buffer back. Blocked readers are woken by Publish,
// Close and context cancellation.
type Channel struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buffers *buffer.Manager
	ready   map[uint32]plugin.Frame
	closed  bool

	current   atomic.Uint32
	delivered atomic.Uint64
	dropped   atomic.Uint64

	logger hclog.Logger
}

// NewChannel creates an open channel over buffers.
func NewChannel(buffers *buffer.Manager, logger hclog.Logger) *Channel {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	c := &Channel{
		buffers: buffers,
		ready:   make(map[uint32]plugin.Frame),
		logger:  logger,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Publish makes a committed frame available to readers.
func (c *Channel) Publish(f plugin.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("%w: channel closed", plugin.ErrInvalidState)
	}
	c.ready[f.Number] = f
	if f.Number > c.current.Load() {
		c.current.Store(f.Number)
	}
	c.cond.Broadcast()
	return nil
}

// Current returns the number of the latest published frame.
func (c *Channel) Current() uint32 {
	return c.current.Load()
}

// Get returns a ready frame with number n or later; n == 0 accepts any frame.
func (c *Channel) Get(ctx context.Context, n uint32, block BlockMode, drop DropMode) (Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if block == Blocking {
		stop := context.AfterFunc(ctx, func() {
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		})
		defer stop()
	}

	for {
		if c.closed {
			return Delivery{}, fmt.Errorf("%w: channel closed", plugin.ErrInvalidState)
		}
		if n != 0 {
			if st, ok := c.buffers.FrameState(n); ok && st == buffer.Locked {
				return Delivery{}, fmt.Errorf("%w: frame %d is held by the consumer", plugin.ErrBusy, n)
			}
		}

		if num, ok := c.pick(n, drop); ok {
			return c.take(num, drop)
		}

		if block == NonBlocking {
			return Delivery{}, fmt.Errorf("%w: no frame at or after %d", plugin.ErrPending, n)
		}
		if err := ctx.Err(); err != nil {
			return Delivery{}, fmt.Errorf("waiting for frame %d: %w", n, err)
		}
		c.cond.Wait()
	}
}

func (c *Channel) pick(n uint32, drop DropMode) (uint32, bool) {
	var (
		best  uint32
		found bool
	)
	for num := range c.ready {
		if num < n {
			continue
		}
		switch {
		case !found:
			best, found = num, true
		case drop == DropStrict && num < best:
			best = num
		case drop == DropLatest && num > best:
			best = num
		}
	}
	return best, found
}

func (c *Channel) take(num uint32, drop DropMode) (Delivery, error) {
	if drop == DropLatest {
		for _, older := range c.sortedReady() {
			if older >= num {
				break
			}
			c.dropLocked(older)
		}
	}

	lease, err := c.buffers.Lock(num)
	if err != nil {
		return Delivery{}, err
	}
	f := c.ready[num]
	delete(c.ready, num)
	c.delivered.Add(1)
	return Delivery{Frame: f, Lease: lease}, nil
}

// Release returns frame n to the producer. A frame that was published but
// never fetched is withdrawn from the channel.
func (c *Channel) Release(n uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.buffers.Release(n); err != nil {
		return err
	}
	delete(c.ready, n)
	return nil
}

// DropOldest releases the oldest ready frame so its buffer can be reused.
func (c *Channel) DropOldest() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nums := c.sortedReady()
	if len(nums) == 0 {
		return 0, false
	}
	c.dropLocked(nums[0])
	return nums[0], true
}

// Drop releases ready frame n without delivering it. It reports false if n
// is not waiting in the channel.
func (c *Channel) Drop(n uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.ready[n]; !ok {
		return false
	}
	c.dropLocked(n)
	return true
}

func (c *Channel) dropLocked(num uint32) {
	delete(c.ready, num)
	if err := c.buffers.Release(num); err != nil {
		c.logger.Warn("dropping ready frame", "frame", num, "error", err)
		return
	}
	c.dropped.Add(1)
	c.logger.Trace("frame dropped", "frame", num)
}

func (c *Channel) sortedReady() []uint32 {
	nums := make([]uint32, 0, len(c.ready))
	for num := range c.ready {
		nums = append(nums, num)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

// Close wakes every blocked reader and releases frames nobody fetched.
// Frames already held by the consumer stay valid until released.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for _, num := range c.sortedReady() {
		c.dropLocked(num)
	}
	c.cond.Broadcast()
}

// Reopen accepts frames again after Close.
func (c *Channel) Reopen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = false
}

// Pending returns the number of ready frames not yet fetched.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ready)
}

// Delivered returns the number of frames handed to the consumer.
func (c *Channel) Delivered() uint64 {
	return c.delivered.Load()
}

// Dropped returns the number of ready frames released without being fetched.
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}
