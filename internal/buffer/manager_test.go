package buffer

import (
	"errors"
	"testing"

	"github.com/jmylchreest/camplug/pkg/plugin"
)

func newTestManager(t *testing.T, handles ...plugin.Handle) *Manager {
	t.Helper()
	m := NewManager(nil)
	for _, h := range handles {
		if err := m.Register(plugin.BufferInfo{Handle: h, Len: 16, FD: int32(h)}); err != nil {
			t.Fatalf("Register(%#x) error = %v", h, err)
		}
	}
	return m
}

func TestRegister(t *testing.T) {
	tests := []struct {
		name    string
		info    plugin.BufferInfo
		wantErr error
	}{
		{"valid", plugin.BufferInfo{Handle: 0x1000, Len: 4096, FD: 7}, nil},
		{"zero handle", plugin.BufferInfo{Len: 4096}, plugin.ErrInvalidParam},
		{"zero length", plugin.BufferInfo{Handle: 0x2000}, plugin.ErrInvalidParam},
		{"short memory", plugin.BufferInfo{Handle: 0x3000, Len: 8, Mem: make([]byte, 4)}, plugin.ErrInvalidParam},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(nil)
			err := m.Register(tt.info)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Register() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("duplicate", func(t *testing.T) {
		m := newTestManager(t, 0x1000)
		if err := m.Register(plugin.BufferInfo{Handle: 0x1000, Len: 16}); !errors.Is(err, plugin.ErrInvalidParam) {
			t.Errorf("duplicate Register() error = %v, want ErrInvalidParam", err)
		}
	})

	t.Run("host allocates", func(t *testing.T) {
		m := newTestManager(t, 0x1000)
		info, ok := m.Lookup(0x1000)
		if !ok || len(info.Mem) != 16 {
			t.Errorf("Lookup() = %+v %v, want 16 bytes of host memory", info, ok)
		}
	})
}

func TestOwnershipCycle(t *testing.T) {
	m := newTestManager(t, 0x1000)

	lease, err := m.Acquire(1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if st, _ := m.FrameState(1); st != Filling || st.Owner() != "producer" {
		t.Fatalf("state = %v owner %v, want filling/producer", st, st.Owner())
	}
	copy(lease.Bytes(), "payload")

	if err := m.Commit(1, 0x1000); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if st, _ := m.FrameState(1); st.Owner() != "host" {
		t.Fatalf("owner after commit = %v, want host", st.Owner())
	}

	read, err := m.Lock(1)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if string(read.Bytes()[:7]) != "payload" {
		t.Errorf("Bytes() = %q", read.Bytes())
	}

	if err := m.Release(1); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if read.Valid() || read.Bytes() != nil {
		t.Error("lease must be invalid after release")
	}
	if lease.Bytes() != nil {
		t.Error("producer lease must be invalid after release")
	}

	if err := m.Release(1); !errors.Is(err, plugin.ErrInvalidParam) {
		t.Errorf("double Release() error = %v, want ErrInvalidParam", err)
	}

	// The buffer is reusable.
	if _, err := m.Acquire(2); err != nil {
		t.Errorf("Acquire() after release error = %v", err)
	}
}

func TestAcquire(t *testing.T) {
	t.Run("exhausted", func(t *testing.T) {
		m := newTestManager(t, 0x1000, 0x2000)
		for _, f := range []uint32{1, 2} {
			if _, err := m.Acquire(f); err != nil {
				t.Fatalf("Acquire(%d) error = %v", f, err)
			}
		}
		if _, err := m.Acquire(3); !errors.Is(err, plugin.ErrBusy) {
			t.Errorf("Acquire(3) error = %v, want ErrBusy", err)
		}
	})

	t.Run("registration order", func(t *testing.T) {
		m := newTestManager(t, 0x3000, 0x1000, 0x2000)
		lease, err := m.Acquire(1)
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		if lease.Info().Handle != 0x3000 {
			t.Errorf("Acquire() handle = %#x, want 0x3000", lease.Info().Handle)
		}
	})

	t.Run("frame already bound", func(t *testing.T) {
		m := newTestManager(t, 0x1000, 0x2000)
		if _, err := m.Acquire(1); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		if _, err := m.Acquire(1); !errors.Is(err, plugin.ErrInvalidParam) {
			t.Errorf("second Acquire(1) error = %v, want ErrInvalidParam", err)
		}
	})

	t.Run("frame zero", func(t *testing.T) {
		m := newTestManager(t, 0x1000)
		if _, err := m.Acquire(0); !errors.Is(err, plugin.ErrInvalidParam) {
			t.Errorf("Acquire(0) error = %v, want ErrInvalidParam", err)
		}
	})
}

func TestBindAndCommit(t *testing.T) {
	m := newTestManager(t, 0x1000, 0x2000)

	if _, err := m.Bind(5, 0x2000); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if _, err := m.Bind(6, 0x2000); !errors.Is(err, plugin.ErrBusy) {
		t.Errorf("Bind() on filling buffer error = %v, want ErrBusy", err)
	}
	if _, err := m.Bind(6, 0x9999); !errors.Is(err, plugin.ErrInvalidParam) {
		t.Errorf("Bind() unknown handle error = %v, want ErrInvalidParam", err)
	}
	if err := m.Commit(5, 0x1000); !errors.Is(err, plugin.ErrInvalidParam) {
		t.Errorf("Commit() wrong handle error = %v, want ErrInvalidParam", err)
	}
	if err := m.Commit(5, 0x2000); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := m.Commit(5, 0x2000); !errors.Is(err, plugin.ErrInvalidParam) {
		t.Errorf("second Commit() error = %v, want ErrInvalidParam", err)
	}
}

func TestLock(t *testing.T) {
	m := newTestManager(t, 0x1000)
	if _, err := m.Acquire(1); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := m.Lock(1); !errors.Is(err, plugin.ErrInvalidParam) {
		t.Errorf("Lock() on filling buffer error = %v, want ErrInvalidParam", err)
	}
	if err := m.Commit(1, 0x1000); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if _, err := m.Lock(1); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if _, err := m.Lock(1); !errors.Is(err, plugin.ErrBusy) {
		t.Errorf("second Lock() error = %v, want ErrBusy", err)
	}
}

func TestUnregister(t *testing.T) {
	m := newTestManager(t, 0x1000)
	if _, err := m.Acquire(1); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := m.Unregister(0x1000); !errors.Is(err, plugin.ErrBusy) {
		t.Errorf("Unregister() while filling error = %v, want ErrBusy", err)
	}
	if err := m.Release(1); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := m.Unregister(0x1000); err != nil {
		t.Errorf("Unregister() error = %v", err)
	}
	if err := m.Unregister(0x1000); !errors.Is(err, plugin.ErrInvalidParam) {
		t.Errorf("second Unregister() error = %v, want ErrInvalidParam", err)
	}
	if _, err := m.Acquire(2); !errors.Is(err, plugin.ErrBusy) {
		t.Errorf("Acquire() with no buffers error = %v, want ErrBusy", err)
	}
}

func TestResetRevokesLeases(t *testing.T) {
	m := newTestManager(t, 0x1000, 0x2000)
	lease, err := m.Acquire(1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	m.Reset()
	if lease.Valid() {
		t.Error("lease must be invalid after Reset")
	}
	if st := m.Stats(); st != (Stats{}) {
		t.Errorf("Stats() after Reset = %+v", st)
	}
}

func TestStats(t *testing.T) {
	m := newTestManager(t, 0x1000, 0x2000, 0x3000, 0x4000)
	for _, f := range []uint32{1, 2, 3} {
		if _, err := m.Acquire(f); err != nil {
			t.Fatalf("Acquire(%d) error = %v", f, err)
		}
	}
	if err := m.Commit(2, 0x2000); err != nil {
		t.Fatal(err)
	}
	if err := m.Commit(3, 0x3000); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Lock(3); err != nil {
		t.Fatal(err)
	}

	want := Stats{Registered: 4, Free: 1, Filling: 1, Ready: 1, Locked: 1}
	if got := m.Stats(); got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}
}

func TestFill(t *testing.T) {
	m := newTestManager(t, 0x1000, 0x2000)
	lease, err := m.Acquire(1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	data := []byte{1, 2, 3, 4}
	got, err := m.Fill(1, 0x1000, data)
	if err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	if len(got) != 4 || &got[0] != &lease.Bytes()[0] || got[3] != 4 {
		t.Errorf("Fill() = %v, want the first 4 bytes of the buffer", got)
	}

	// Data already in the buffer is accepted in place.
	inPlace := lease.Bytes()[:8]
	if _, err := m.Fill(1, 0x1000, inPlace); err != nil {
		t.Errorf("Fill() in place error = %v", err)
	}

	if _, err := m.Fill(1, 0x1000, make([]byte, 17)); !errors.Is(err, plugin.ErrInvalidParam) {
		t.Errorf("Fill() oversized error = %v, want ErrInvalidParam", err)
	}
	if err := m.Commit(1, 0x1000); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if _, err := m.Lock(1); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	tests := []struct {
		name  string
		frame uint32
		h     plugin.Handle
	}{
		{"locked buffer", 1, 0x1000},
		{"wrong handle", 1, 0x2000},
		{"unbound frame", 2, 0x1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Fill(tt.frame, tt.h, []byte{0xFF, 0xFF}); !errors.Is(err, plugin.ErrInvalidParam) {
				t.Errorf("Fill() error = %v, want ErrInvalidParam", err)
			}
			if b := lease.Bytes(); b[0] != 1 || b[1] != 2 {
				t.Errorf("rejected Fill() wrote to the buffer: % x", b[:2])
			}
		})
	}
}
