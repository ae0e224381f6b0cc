//go:build linux || darwin

package synthetic

import (
	"context"
	"errors"
	"syscall"
	"testing"

	"github.com/jmylchreest/camplug/pkg/plugin"
)

func TestDataFd(t *testing.T) {
	ctx := context.Background()
	m := newManual(plugin.APIVersion3)

	want := make([]byte, 64)
	n, err := m.GetData(ctx, []byte(BlobCalibration), want)
	if err != nil {
		t.Fatalf("GetData() error = %v", err)
	}
	want = want[:n]

	rfd, err := m.GetFd(ctx, BlobCalibration, plugin.FdModeRead)
	if err != nil {
		t.Fatalf("GetFd(read) error = %v", err)
	}
	got := make([]byte, 64)
	read, err := syscall.Pread(int(rfd), got, 0)
	if err != nil || string(got[:read]) != string(want) {
		t.Errorf("read descriptor = %q, %v, want %q", got[:read], err, want)
	}
	if err := m.ReleaseFd(ctx, rfd); err != nil {
		t.Fatalf("ReleaseFd() error = %v", err)
	}
	if err := m.ReleaseFd(ctx, rfd); !errors.Is(err, plugin.ErrInvalidParam) {
		t.Errorf("second ReleaseFd() error = %v, want ErrInvalidParam", err)
	}

	wfd, err := m.GetFd(ctx, "profile", plugin.FdModeWrite)
	if err != nil {
		t.Fatalf("GetFd(write) error = %v", err)
	}
	if _, err := syscall.Pwrite(int(wfd), []byte("written"), 0); err != nil {
		t.Fatalf("Pwrite() error = %v", err)
	}
	if err := m.ReleaseFd(ctx, wfd); err != nil {
		t.Fatalf("ReleaseFd() error = %v", err)
	}
	dst := make([]byte, 16)
	if n, err := m.GetData(ctx, []byte("profile"), dst); err != nil || string(dst[:n]) != "written" {
		t.Errorf("GetData() after write = %q, %v", dst[:n], err)
	}

	if _, err := m.GetFd(ctx, "missing", plugin.FdModeRead); !errors.Is(err, plugin.ErrInvalidParam) {
		t.Errorf("GetFd(missing) error = %v, want ErrInvalidParam", err)
	}

	// Descriptors the host never returned are closed on Deinit.
	if _, err := m.GetFd(ctx, BlobCalibration, plugin.FdModeRead); err != nil {
		t.Fatalf("GetFd() error = %v", err)
	}
	if err := m.Deinit(ctx); err != nil {
		t.Fatalf("Deinit() error = %v", err)
	}
	if len(m.fds) != 0 {
		t.Errorf("%d descriptors left open after Deinit", len(m.fds))
	}
}
