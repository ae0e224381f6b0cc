package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/camplug/internal/camera"
	"github.com/jmylchreest/camplug/internal/capture"
	"github.com/jmylchreest/camplug/internal/config"
	"github.com/jmylchreest/camplug/internal/delivery"
	"github.com/jmylchreest/camplug/internal/metrics"
	"github.com/jmylchreest/camplug/internal/stream"
	"github.com/jmylchreest/camplug/internal/synthetic"
	"github.com/jmylchreest/camplug/pkg/plugin"
)

// pollInterval is how often a non-blocking reader retries GetFrame.
const pollInterval = 2 * time.Millisecond

type streamFlags struct {
	frames      int
	block       bool
	drop        string
	crop        string
	timeout     time.Duration
	record      string
	snapshot    string
	metricsAddr string
}

func newStreamCmd(a *app) *cobra.Command {
	var fl streamFlags

	cmd := &cobra.Command{
		Use:   "stream [NAME...]",
		Short: "Run camera streams through their full lifecycle",
		Long: `Run one or more streams concurrently. NAME is a stream from the config
file or a module name. Without names every configured stream runs, or the
built-in synthetic module when none are configured.

Each stream is created (when the module supports it), initialised, given
its parameters and crop, started, read for --frames frames, then stopped
and torn down.`,
		Example: `  camplug stream synthetic --frames 10 --block
  camplug stream left right --drop latest --record capture.xz
  camplug stream synthetic --crop 0,0,32,64,0,32,32,64 --snapshot frame.tiff`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runStreams(cmd, args, fl)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&fl.frames, "frames", "n", config.DefaultFrames, "frames to read per stream")
	flags.BoolVarP(&fl.block, "block", "b", false, "block in GetFrame instead of polling")
	flags.StringVar(&fl.drop, "drop", "strict", "frame selection when several are ready (strict, latest)")
	flags.StringVar(&fl.crop, "crop", "", "crop as top,left,width,height[,top,left,width,height]")
	flags.DurationVar(&fl.timeout, "timeout", config.DefaultTimeout, "maximum wait for each frame")
	flags.StringVar(&fl.record, "record", "", "write delivered frames to an xz recording")
	flags.StringVar(&fl.snapshot, "snapshot", "", "write the last frame as an image (.bmp, .tiff)")
	flags.StringVar(&fl.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while streaming")
	return cmd
}

// streamResult summarises one stream run.
type streamResult struct {
	Name           string `json:"name"`
	Module         string `json:"module"`
	StreamID       string `json:"stream_id"`
	APIVersion     string `json:"api_version"`
	Vendor         string `json:"vendor,omitempty"`
	Frames         int    `json:"frames"`
	First          uint32 `json:"first"`
	Last           uint32 `json:"last"`
	Delivered      uint64 `json:"delivered"`
	Dropped        uint64 `json:"dropped"`
	MailboxDropped uint64 `json:"mailbox_dropped,omitempty"`
	Recording      string `json:"recording,omitempty"`
	Snapshot       string `json:"snapshot,omitempty"`
}

func (a *app) runStreams(cmd *cobra.Command, names []string, fl streamFlags) error {
	streams, err := a.selectStreams(names)
	if err != nil {
		return err
	}
	for i := range streams {
		if err := applyStreamFlags(&streams[i], fl, cmd.Flags().Changed); err != nil {
			return err
		}
	}
	if fl.snapshot != "" {
		if _, err := capture.FormatFromPath(fl.snapshot); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)
	addr := fl.metricsAddr
	if addr == "" {
		addr = a.cfg.MetricsAddr
	}
	if addr != "" {
		shutdown, err := a.serveMetrics(addr, registry)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	multi := len(streams) > 1
	results := make([]streamResult, len(streams))
	g, gctx := errgroup.WithContext(ctx)
	for i, sc := range streams {
		out := streamOutputs{
			record:   outputPath(fl.record, sc.Name, multi),
			snapshot: outputPath(fl.snapshot, sc.Name, multi),
		}
		g.Go(func() error {
			res, err := a.runStream(gctx, sc, m, out)
			results[i] = res
			if err != nil {
				return fmt.Errorf("stream %s: %w", sc.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return a.writeResults(cmd, results)
}

// selectStreams resolves command arguments to stream configurations.
func (a *app) selectStreams(names []string) ([]config.StreamConfig, error) {
	if len(names) == 0 {
		if len(a.cfg.Streams) > 0 {
			return slices.Clone(a.cfg.Streams), nil
		}
		names = []string{synthetic.Name}
	}

	var out []config.StreamConfig
	seen := make(map[string]bool)
	for _, name := range names {
		if seen[name] {
			return nil, fmt.Errorf("stream %q given twice", name)
		}
		seen[name] = true

		if sc, ok := a.cfg.Stream(name); ok {
			out = append(out, sc)
			continue
		}
		if _, ok := a.modules.Get(name); ok {
			out = append(out, config.StreamConfig{
				Name:    name,
				Module:  name,
				Frames:  config.DefaultFrames,
				Timeout: config.DefaultTimeout,
			})
			continue
		}
		return nil, fmt.Errorf("unknown stream or module %q", name)
	}
	return out, nil
}

// applyStreamFlags overrides sc with the flags the user set.
func applyStreamFlags(sc *config.StreamConfig, fl streamFlags, changed func(string) bool) error {
	if changed("frames") {
		if fl.frames < 0 {
			return fmt.Errorf("--frames must not be negative")
		}
		sc.Frames = fl.frames
	}
	if changed("block") {
		sc.Block = fl.block
	}
	if changed("drop") {
		if _, err := delivery.ParseDropMode(fl.drop); err != nil {
			return err
		}
		sc.Drop = fl.drop
	}
	if changed("timeout") {
		sc.Timeout = fl.timeout
	}
	if changed("crop") {
		crop, err := parseCrop(fl.crop)
		if err != nil {
			return err
		}
		sc.Crop = &crop
	}
	return nil
}

// parseCrop parses "top,left,width,height" with an optional second rectangle.
func parseCrop(s string) (plugin.CropRegion, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 && len(parts) != 8 {
		return plugin.CropRegion{}, fmt.Errorf("crop needs 4 or 8 comma separated values, got %d", len(parts))
	}
	var v [8]uint32
	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return plugin.CropRegion{}, fmt.Errorf("invalid crop value %q: %w", p, err)
		}
		v[i] = uint32(n)
	}
	crop := plugin.NewCropRegion(v[0], v[1], v[2], v[3], v[4], v[5], v[6], v[7])
	if err := crop.Validate(); err != nil {
		return plugin.CropRegion{}, err
	}
	return crop, nil
}

// outputPath derives a per-stream file name when several streams share a flag.
func outputPath(path, name string, multi bool) string {
	if path == "" || !multi {
		return path
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "-" + name + ext
}

func (a *app) serveMetrics(addr string, registry *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	metrics.RegisterMetricsEndpoint(mux, registry)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

type streamOutputs struct {
	record   string
	snapshot string
}

// runStream drives one stream through Create, Init, configuration, Start,
// frame reads, Stop, Deinit and Destroy.
func (a *app) runStream(ctx context.Context, sc config.StreamConfig, m *metrics.Metrics, out streamOutputs) (res streamResult, err error) {
	res = streamResult{Name: sc.Name, Module: sc.Module}
	logger := a.logger.With("stream", sc.Name)

	loaded, err := a.modules.Open(ctx, sc.Module)
	if err != nil {
		return res, err
	}
	defer loaded.Close()

	s, err := camera.New(loaded.Descriptor, camera.Options{
		Name:          sc.Name,
		CameraID:      sc.CameraID,
		MailboxSize:   sc.MailboxSize,
		LegacyBuffers: sc.LegacyBuffers,
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		return res, err
	}
	res.StreamID = s.ID()
	res.APIVersion = loaded.Descriptor.Version.String()
	watchNotifications(s, logger)

	caps := s.Capabilities()
	created := false
	defer func() {
		err = errors.Join(err, shutdown(context.WithoutCancel(ctx), s, created))
		st := s.Stats()
		res.Delivered, res.Dropped, res.MailboxDropped = st.Delivered, st.Dropped, st.MailboxDropped
	}()

	if caps.Supports(plugin.OpCreate) {
		if err := s.Create(ctx, plugin.CreateParams{Params: sc.Params, Transforms: sc.Transforms}); err != nil {
			return res, err
		}
		created = true
	}
	if err := s.Init(ctx, sc.Key); err != nil {
		return res, err
	}
	if !created {
		for _, p := range sc.Params {
			if err := s.SetParam(ctx, p.Name, p.Value); err != nil {
				return res, fmt.Errorf("setting %s: %w", p.Name, err)
			}
		}
	}
	if vendor, err := readParam(ctx, s, plugin.ParamVendorString); err == nil {
		res.Vendor = vendor
	}
	if sc.Crop != nil {
		if err := s.SetCropRegion(ctx, *sc.Crop); err != nil {
			return res, err
		}
	}

	var rec *capture.Recorder
	if out.record != "" {
		f, err := os.Create(out.record) // #nosec G304 -- user supplied output path
		if err != nil {
			return res, fmt.Errorf("failed to create recording: %w", err)
		}
		defer f.Close()
		if rec, err = capture.NewRecorder(f); err != nil {
			return res, err
		}
		res.Recording = out.record
	}

	if err := s.Start(ctx); err != nil {
		return res, err
	}
	logger.Info("stream started", "api_version", caps.Version(), "frames", sc.Frames)

	// In-process modules with no producer goroutine are stepped by hand.
	var emitter func(context.Context) (uint32, error)
	if loaded.Emitter != nil && a.cfg.Synthetic.Interval < 0 {
		emitter = loaded.Emitter.Emit
	}

	drop, _ := delivery.ParseDropMode(sc.Drop)
	block := delivery.NonBlocking
	if sc.Block {
		block = delivery.Blocking
	}

	var last plugin.Frame
	next := uint32(1)
	for res.Frames < sc.Frames {
		if emitter != nil {
			if _, err := emitter(ctx); err != nil {
				return res, fmt.Errorf("emitting frame: %w", err)
			}
		}
		d, err := waitFrame(ctx, s, next, block, drop, sc.Timeout)
		if err != nil {
			return res, err
		}
		f := d.Frame
		if rec != nil {
			if err := rec.Write(f); err != nil {
				_ = s.ReleaseFrame(f.Number)
				return res, err
			}
		}
		if out.snapshot != "" {
			last = f
			last.Data = bytes.Clone(f.Data)
		}
		if err := s.ReleaseFrame(f.Number); err != nil {
			return res, err
		}

		if res.Frames == 0 {
			res.First = f.Number
		}
		res.Last = f.Number
		res.Frames++
		next = f.Number + 1
		logger.Debug("frame", "number", f.Number, "len", f.Len(), "primary", f.Primary, "secondary", f.Secondary)
	}

	if rec != nil {
		if err := rec.Close(); err != nil {
			return res, err
		}
	}
	if out.snapshot != "" && res.Frames > 0 {
		if err := writeSnapshot(out.snapshot, last); err != nil {
			return res, err
		}
		res.Snapshot = out.snapshot
	}
	return res, nil
}

// shutdown stops and tears the stream down from whatever state it reached.
func shutdown(ctx context.Context, s *camera.Stream, created bool) error {
	var errs []error
	switch s.State() {
	case stream.Started, stream.Paused:
		errs = append(errs, s.Stop(ctx))
	}
	if s.State() != stream.Destroyed {
		errs = append(errs, s.Deinit(ctx))
	}
	if created {
		errs = append(errs, s.Destroy(ctx))
	}
	return errors.Join(errs...)
}

// waitFrame reads the next frame, polling when block is NonBlocking.
func waitFrame(ctx context.Context, s *camera.Stream, n uint32, block delivery.BlockMode, drop delivery.DropMode, timeout time.Duration) (delivery.Delivery, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if block == delivery.Blocking {
		d, err := s.GetFrame(ctx, n, block, drop)
		if err != nil {
			return d, fmt.Errorf("waiting for frame %d: %w", n, err)
		}
		return d, nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		d, err := s.GetFrame(ctx, n, block, drop)
		if !errors.Is(err, plugin.ErrPending) {
			return d, err
		}
		select {
		case <-ctx.Done():
			return d, fmt.Errorf("waiting for frame %d: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
}

// readParam reads a string parameter, probing its length first.
func readParam(ctx context.Context, s *camera.Stream, name string) (string, error) {
	n, err := s.GetParam(ctx, name, nil)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	n, err = s.GetParam(ctx, name, buf)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf[:n], "\x00")), nil
}

// watchNotifications logs module error notifications and state changes.
func watchNotifications(s *camera.Stream, logger hclog.Logger) {
	_, _ = s.SetHandler(delivery.ErrorRaised, func(n delivery.Notification) {
		logger.Warn("module error", "state", n.ErrorState, "param", n.Param, "error", n.Err)
	})
	_, _ = s.SetHandler(delivery.StateChanged, func(n delivery.Notification) {
		logger.Debug("state change", "from", n.Previous, "to", n.Current)
	})
}

func writeSnapshot(path string, f plugin.Frame) error {
	format, err := capture.FormatFromPath(path)
	if err != nil {
		return err
	}
	file, err := os.Create(path) // #nosec G304 -- user supplied output path
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	if err := capture.WriteSnapshot(file, f, format); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func (a *app) writeResults(cmd *cobra.Command, results []streamResult) error {
	out := cmd.OutOrStdout()
	if a.quiet {
		return nil
	}
	if !a.useTable(out) {
		return writeJSON(out, results)
	}
	table := NewTable("STREAM", "MODULE", "API", "FRAMES", "FIRST", "LAST", "DELIVERED", "DROPPED")
	for _, r := range results {
		table.AddRow(r.Name, r.Module, r.APIVersion, strconv.Itoa(r.Frames),
			strconv.FormatUint(uint64(r.First), 10), strconv.FormatUint(uint64(r.Last), 10),
			strconv.FormatUint(r.Delivered, 10), strconv.FormatUint(r.Dropped+r.MailboxDropped, 10))
	}
	return table.Write(out)
}
