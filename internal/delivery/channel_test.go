package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmylchreest/camplug/internal/buffer"
	"github.com/jmylchreest/camplug/pkg/plugin"
)

// setup registers n buffers and returns a channel over them.
func setup(t *testing.T, n int) (*Channel, *buffer.Manager) {
	t.Helper()
	m := buffer.NewManager(nil)
	for i := 1; i <= n; i++ {
		if err := m.Register(plugin.BufferInfo{Handle: plugin.Handle(i), Len: 4}); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	return NewChannel(m, nil), m
}

// produce runs one frame through the producer side of the buffer cycle.
func produce(t *testing.T, c *Channel, m *buffer.Manager, num uint32) {
	t.Helper()
	lease, err := m.Acquire(num)
	if err != nil {
		t.Fatalf("Acquire(%d) error = %v", num, err)
	}
	h := lease.Info().Handle
	if err := m.Commit(num, h); err != nil {
		t.Fatalf("Commit(%d) error = %v", num, err)
	}
	if err := c.Publish(plugin.Frame{Number: num, Handle: h, Data: lease.Bytes()}); err != nil {
		t.Fatalf("Publish(%d) error = %v", num, err)
	}
}

func TestGetDropModes(t *testing.T) {
	tests := []struct {
		name        string
		want        uint32
		drop        DropMode
		request     uint32
		wantDropped uint64
		wantPending int
	}{
		{"strict any", 1, DropStrict, 0, 0, 2},
		{"strict from 2", 2, DropStrict, 2, 0, 2},
		{"latest any", 3, DropLatest, 0, 2, 0},
		{"latest from 2", 3, DropLatest, 2, 2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, m := setup(t, 3)
			for _, num := range []uint32{1, 2, 3} {
				produce(t, c, m, num)
			}

			d, err := c.Get(context.Background(), tt.request, NonBlocking, tt.drop)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if d.Frame.Number != tt.want {
				t.Errorf("Get() frame = %d, want %d", d.Frame.Number, tt.want)
			}
			if c.Dropped() != tt.wantDropped {
				t.Errorf("Dropped() = %d, want %d", c.Dropped(), tt.wantDropped)
			}
			if c.Pending() != tt.wantPending {
				t.Errorf("Pending() = %d, want %d", c.Pending(), tt.wantPending)
			}
			if c.Current() != 3 {
				t.Errorf("Current() = %d, want 3", c.Current())
			}
		})
	}
}

func TestGetNonBlockingEmpty(t *testing.T) {
	c, _ := setup(t, 1)
	_, err := c.Get(context.Background(), 0, NonBlocking, DropStrict)
	if !errors.Is(err, plugin.ErrPending) {
		t.Errorf("Get() error = %v, want ErrPending", err)
	}
}

func TestGetLockedFrameIsBusy(t *testing.T) {
	c, m := setup(t, 2)
	produce(t, c, m, 1)

	if _, err := c.Get(context.Background(), 1, NonBlocking, DropStrict); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, err := c.Get(context.Background(), 1, NonBlocking, DropStrict); !errors.Is(err, plugin.ErrBusy) {
		t.Errorf("Get() of held frame error = %v, want ErrBusy", err)
	}
}

func TestGetBlockingWakesOnPublish(t *testing.T) {
	c, m := setup(t, 1)

	got := make(chan uint32, 1)
	errc := make(chan error, 1)
	go func() {
		d, err := c.Get(context.Background(), 1, Blocking, DropStrict)
		if err != nil {
			errc <- err
			return
		}
		got <- d.Frame.Number
	}()

	time.Sleep(20 * time.Millisecond)
	produce(t, c, m, 1)

	select {
	case n := <-got:
		if n != 1 {
			t.Errorf("Get() frame = %d, want 1", n)
		}
	case err := <-errc:
		t.Fatalf("Get() error = %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Get() was not woken by Publish")
	}
}

func TestGetBlockingWakesOnClose(t *testing.T) {
	c, _ := setup(t, 1)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), 0, Blocking, DropStrict)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, plugin.ErrInvalidState) {
			t.Errorf("Get() error = %v, want ErrInvalidState", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Get() was not woken by Close")
	}
}

func TestGetBlockingHonoursContext(t *testing.T) {
	c, _ := setup(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Get(ctx, 0, Blocking, DropStrict)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Get() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestReleaseAndDropOldest(t *testing.T) {
	c, m := setup(t, 3)
	for _, num := range []uint32{1, 2, 3} {
		produce(t, c, m, num)
	}

	d, err := c.Get(context.Background(), 0, NonBlocking, DropStrict)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := c.Release(d.Frame.Number); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if d.Lease.Valid() {
		t.Error("lease must be invalid after Release")
	}
	if err := c.Release(d.Frame.Number); !errors.Is(err, plugin.ErrInvalidParam) {
		t.Errorf("double Release() error = %v, want ErrInvalidParam", err)
	}

	num, ok := c.DropOldest()
	if !ok || num != 2 {
		t.Errorf("DropOldest() = %d %v, want 2 true", num, ok)
	}
	if st := m.Stats(); st.Free != 2 || st.Ready != 1 {
		t.Errorf("Stats() = %+v, want 2 free 1 ready", st)
	}

	// Releasing an unfetched frame withdraws it.
	if err := c.Release(3); err != nil {
		t.Fatalf("Release(3) error = %v", err)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
	if _, ok := c.DropOldest(); ok {
		t.Error("DropOldest() on empty channel should report false")
	}
}

func TestCloseReleasesUnfetchedFrames(t *testing.T) {
	c, m := setup(t, 2)
	produce(t, c, m, 1)
	produce(t, c, m, 2)

	held, err := c.Get(context.Background(), 1, NonBlocking, DropStrict)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	c.Close()

	if !held.Lease.Valid() {
		t.Error("held frame must stay valid after Close")
	}
	if st := m.Stats(); st.Locked != 1 || st.Free != 1 {
		t.Errorf("Stats() = %+v, want 1 locked 1 free", st)
	}
	if err := c.Publish(plugin.Frame{Number: 3}); !errors.Is(err, plugin.ErrInvalidState) {
		t.Errorf("Publish() after Close error = %v, want ErrInvalidState", err)
	}

	c.Reopen()
	produce(t, c, m, 3)
	if c.Pending() != 1 {
		t.Errorf("Pending() after Reopen = %d, want 1", c.Pending())
	}
}

func TestParseDropMode(t *testing.T) {
	tests := []struct {
		in      string
		want    DropMode
		wantErr bool
	}{
		{"strict", DropStrict, false},
		{"", DropStrict, false},
		{"latest", DropLatest, false},
		{"newest", DropStrict, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDropMode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDropMode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseDropMode() = %v, want %v", got, tt.want)
			}
		})
	}
}
