// Package capture records delivered frames and writes still snapshots.
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"

	"github.com/jmylchreest/camplug/internal/security"
	"github.com/jmylchreest/camplug/pkg/plugin"
)

// magic opens every recording.
var magic = [8]byte{'C', 'A', 'M', 'P', 'L', 'U', 'G', '1'}

// Limits applied when reading recordings.
const (
	MaxFrameLen       = 64 << 20
	MaxRecordingBytes = 4 << 30
)

// frameHeader is the fixed-size record that precedes each frame payload.
type frameHeader struct {
	Number      uint32
	TimestampNs uint64
	ExposureNs  uint64
	Gain        int32
	PrimaryW    uint32
	PrimaryH    uint32
	SecondaryW  uint32
	SecondaryH  uint32
	SkewNs      uint64
	Len         uint32
}

// Recorder writes frames to an xz-compressed stream.
type Recorder struct {
	xw     *xz.Writer
	frames int
}

// NewRecorder starts a recording on w. Close must be called to flush it.
func NewRecorder(w io.Writer) (*Recorder, error) {
	xw, err := xz.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("failed to create xz writer: %w", err)
	}
	if _, err := xw.Write(magic[:]); err != nil {
		return nil, fmt.Errorf("failed to write recording header: %w", err)
	}
	return &Recorder{xw: xw}, nil
}

// Write appends f. The frame must satisfy its layout invariants.
func (r *Recorder) Write(f plugin.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	h := frameHeader{
		Number:      f.Number,
		TimestampNs: f.TimestampNs,
		ExposureNs:  f.ExposureNs,
		Gain:        f.Gain,
		PrimaryW:    f.Primary.Width,
		PrimaryH:    f.Primary.Height,
		SecondaryW:  f.Secondary.Width,
		SecondaryH:  f.Secondary.Height,
		SkewNs:      f.RollingShutterSkewNs,
		Len:         f.Len(),
	}
	if err := binary.Write(r.xw, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to write frame %d header: %w", f.Number, err)
	}
	if _, err := r.xw.Write(f.Data); err != nil {
		return fmt.Errorf("failed to write frame %d: %w", f.Number, err)
	}
	r.frames++
	return nil
}

// Frames returns the number of frames written.
func (r *Recorder) Frames() int {
	return r.frames
}

// Close flushes the compressed stream. It does not close the underlying writer.
func (r *Recorder) Close() error {
	return r.xw.Close()
}

// Reader reads frames back from a recording.
type Reader struct {
	r *bufio.Reader
}

// NewReader opens a recording. Decompressed data is capped at MaxRecordingBytes.
func NewReader(r io.Reader) (*Reader, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create xz reader: %w", err)
	}
	br := bufio.NewReader(security.NewLimitedReader(xr, MaxRecordingBytes))

	var got [8]byte
	if _, err := io.ReadFull(br, got[:]); err != nil {
		return nil, fmt.Errorf("failed to read recording header: %w", err)
	}
	if got != magic {
		return nil, fmt.Errorf("not a camplug recording")
	}
	return &Reader{r: br}, nil
}

// Next returns the next frame, or io.EOF after the last one.
func (r *Reader) Next() (plugin.Frame, error) {
	var h frameHeader
	if err := binary.Read(r.r, binary.LittleEndian, &h); err != nil {
		if errors.Is(err, io.EOF) {
			return plugin.Frame{}, io.EOF
		}
		return plugin.Frame{}, fmt.Errorf("failed to read frame header: %w", err)
	}
	if h.Len > MaxFrameLen {
		return plugin.Frame{}, fmt.Errorf("frame %d length %d exceeds limit", h.Number, h.Len)
	}

	f := plugin.Frame{
		Number:               h.Number,
		TimestampNs:          h.TimestampNs,
		ExposureNs:           h.ExposureNs,
		Gain:                 h.Gain,
		Primary:              plugin.Region{Width: h.PrimaryW, Height: h.PrimaryH},
		Secondary:            plugin.Region{Width: h.SecondaryW, Height: h.SecondaryH},
		RollingShutterSkewNs: h.SkewNs,
		Data:                 make([]byte, h.Len),
	}
	if _, err := io.ReadFull(r.r, f.Data); err != nil {
		return plugin.Frame{}, fmt.Errorf("failed to read frame %d: %w", h.Number, err)
	}
	if err := f.Validate(); err != nil {
		return plugin.Frame{}, fmt.Errorf("corrupt recording: %w", err)
	}
	return f, nil
}

// Summary describes a recording.
type Summary struct {
	Frames     int    `json:"frames"`
	Bytes      uint64 `json:"bytes"`
	First      uint32 `json:"first"`
	Last       uint32 `json:"last"`
	Gaps       int    `json:"gaps"`
	DualRegion int    `json:"dual_region"`
}

// Summarize reads every frame of a recording.
func Summarize(r io.Reader) (Summary, error) {
	rd, err := NewReader(r)
	if err != nil {
		return Summary{}, err
	}

	var s Summary
	for {
		f, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return s, nil
		}
		if err != nil {
			return s, err
		}
		if s.Frames == 0 {
			s.First = f.Number
		} else if f.Number > s.Last+1 {
			s.Gaps++
		}
		s.Frames++
		s.Last = f.Number
		s.Bytes += uint64(f.Len())
		if !f.Secondary.IsZero() {
			s.DualRegion++
		}
	}
}
