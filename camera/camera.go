/*
DESCRIPTION
  camera.go provides Arbiter, the sole owner of the capture device, which
  serialises live preview and recording so that at most one capture process
  holds the device at a time.

AUTHORS
  The Australian Ocean Laboratory (AusOcean)

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package camera arbitrates access to the booth capture device between the
// live preview and recordings.
package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/ausocean/booth/codec/jpeg"
	"github.com/ausocean/booth/config"
	"github.com/ausocean/booth/device"
	"github.com/ausocean/booth/device/webcam"
	"github.com/ausocean/booth/metrics"
	"github.com/ausocean/booth/video"
	"github.com/ausocean/utils/logging"
)

// Used to indicate package in logging.
const pkg = "camera: "

// Capture timing defaults.
const (
	// DefaultSettle is the pause after releasing a capture process for the
	// driver to release the device.
	DefaultSettle = 500 * time.Millisecond

	// DefaultWarmUp is the start of each recording that is discarded.
	DefaultWarmUp = 3 * time.Second

	// recordSlack is allowed beyond duration and warm-up before a recording
	// process is considered hung.
	recordSlack = 10 * time.Second
)

// op is the operation currently holding the device.
type op int

const (
	opIdle op = iota
	opStartingLive
	opLive
	opRecording
)

// Artifact describes a finished recording.
type Artifact struct {
	InputPath  string // InputPath is where the capture was written.
	OutputPath string // OutputPath is the finalized recording.
	Rotation   uint
	Processed  bool // Processed is false if the raw capture was relocated unchanged.
}

// Status reports the camera state.
type Status struct {
	Device    string
	Found     bool
	Live      bool
	Recording bool
}

// Arbiter owns the capture device. Conflicting requests fail immediately with
// ErrBusy rather than queueing. A process is only started once the previous
// one has been reaped. The Arbiter mutex is never held while a process is
// being released.
type Arbiter struct {
	log      logging.Logger
	settings func() config.Config
	incoming string
	outgoing string

	// Command creates capture processes. It defaults to exec.Command.
	Command func(name string, args ...string) *exec.Cmd

	// Exists reports whether a device node is present.
	Exists func(path string) bool

	// Processor finalizes recordings.
	Processor *video.Processor

	Settle time.Duration
	WarmUp time.Duration

	slot chan struct{} // Held by the process owning the device.

	mu     sync.Mutex
	op     op
	handle *CaptureHandle
	device string // Probed device, cached for the life of the process.
}

// NewArbiter returns a new Arbiter. Captures are written to incoming and
// finalized recordings to outgoing. settings is consulted at the start of
// each operation.
func NewArbiter(l logging.Logger, settings func() config.Config, incoming, outgoing string) *Arbiter {
	return &Arbiter{
		log:       l,
		settings:  settings,
		incoming:  incoming,
		outgoing:  outgoing,
		Command:   exec.Command,
		Exists:    device.Exists,
		Processor: video.NewProcessor(l),
		Settle:    DefaultSettle,
		WarmUp:    DefaultWarmUp,
		slot:      make(chan struct{}, 1),
	}
}

// Incoming returns the capture directory.
func (a *Arbiter) Incoming() string { return a.incoming }

// Outgoing returns the finalized recording directory.
func (a *Arbiter) Outgoing() string { return a.outgoing }

// StartLive starts a live preview and returns its frame stream. ErrBusy is
// returned without side effects if a recording is active or another preview
// is starting. An existing preview is released and replaced.
func (a *Arbiter) StartLive(ctx context.Context) (*LiveStream, error) {
	a.mu.Lock()
	if a.op == opRecording || a.op == opStartingLive {
		a.mu.Unlock()
		a.reject(Preview)
		return nil, ErrBusy
	}
	old := a.handle
	a.handle = nil
	a.op = opStartingLive
	a.mu.Unlock()

	h, err := a.startLive(ctx, old)
	if err != nil {
		a.mu.Lock()
		if a.op == opStartingLive {
			a.op = opIdle
		}
		a.mu.Unlock()
		return nil, err
	}

	a.mu.Lock()
	if a.op != opStartingLive {
		// A recording claimed the device while the preview was starting.
		a.mu.Unlock()
		h.Release()
		a.reject(Preview)
		return nil, ErrBusy
	}
	a.handle = h
	a.op = opLive
	a.mu.Unlock()

	a.log.Info(pkg+"live preview started")
	metrics.LiveViewers.Inc()
	return &LiveStream{a: a, h: h, d: jpeg.NewDemuxer(h.stdout)}, nil
}

func (a *Arbiter) startLive(ctx context.Context, old *CaptureHandle) (*CaptureHandle, error) {
	if old != nil {
		a.log.Debug(pkg+"releasing previous capture", "kind", old.Kind.String())
		old.Release()
	}
	if a.claimed() {
		a.reject(Preview)
		return nil, ErrBusy
	}

	return a.spawn(ctx, Preview, true, func(w *webcam.Webcam, dev string) ([]string, error) {
		if a.claimed() {
			a.reject(Preview)
			return nil, ErrBusy
		}
		return w.LiveArgs(dev), nil
	})
}

// claimed reports whether a recording has claimed the device from a starting
// preview.
func (a *Arbiter) claimed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.op != opStartingLive
}

// spawn waits until no capture process holds the device, lets the device
// settle and starts ffmpeg with the arguments returned by args. The device is
// held until the returned handle has been released.
func (a *Arbiter) spawn(ctx context.Context, kind Kind, pipe bool, args func(w *webcam.Webcam, dev string) ([]string, error)) (*CaptureHandle, error) {
	select {
	case a.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h, err := a.spawnHeld(ctx, kind, pipe, args)
	if err != nil {
		<-a.slot
		return nil, err
	}
	h.onRelease = func() { <-a.slot }
	return h, nil
}

func (a *Arbiter) spawnHeld(ctx context.Context, kind Kind, pipe bool, args func(w *webcam.Webcam, dev string) ([]string, error)) (*CaptureHandle, error) {
	err := sleep(ctx, a.Settle)
	if err != nil {
		return nil, err
	}

	cfg := a.settings()
	dev, err := a.resolve(cfg)
	if err != nil {
		return nil, err
	}

	w := webcam.New(a.log)
	w.Set(cfg)
	argv, err := args(w, dev)
	if err != nil {
		return nil, err
	}
	return start(a.log, kind, a.Command("ffmpeg", argv...), pipe)
}

// Record captures d of video, after discarding the warm-up, into name in the
// incoming directory, and then finalizes it into the outgoing directory
// applying rotation. ErrBusy is returned if a recording is already active. An
// active preview is released first.
func (a *Arbiter) Record(ctx context.Context, d time.Duration, rotation uint, name string) (*Artifact, error) {
	a.mu.Lock()
	if a.op == opRecording {
		a.mu.Unlock()
		a.reject(Record)
		return nil, ErrBusy
	}
	old := a.handle
	a.handle = nil
	a.op = opRecording
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.handle = nil
		a.op = opIdle
		a.mu.Unlock()
	}()

	if old != nil {
		a.log.Info(pkg+"releasing capture for recording", "kind", old.Kind.String())
		old.Release()
	}

	art, err := a.record(ctx, d, rotation, name)
	switch {
	case err != nil:
		metrics.RecordingTotal.WithLabelValues("failed").Inc()
	case art.Processed:
		metrics.RecordingTotal.WithLabelValues("processed").Inc()
	default:
		metrics.RecordingTotal.WithLabelValues("raw").Inc()
	}
	return art, err
}

func (a *Arbiter) record(ctx context.Context, dur time.Duration, rotation uint, name string) (*Artifact, error) {
	in := filepath.Join(a.incoming, name)
	var dev string
	h, err := a.spawn(ctx, Record, false, func(w *webcam.Webcam, found string) ([]string, error) {
		err := os.MkdirAll(a.incoming, 0o755)
		if err != nil {
			return nil, fmt.Errorf("could not create incoming directory: %w", err)
		}
		dev = found
		return w.RecordArgs(dev, dur, a.WarmUp, in), nil
	})
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.handle = h
	a.mu.Unlock()

	a.log.Info(pkg+"recording", "device", dev, "duration", dur, "file", in)
	limit := time.NewTimer(dur + a.WarmUp + recordSlack)
	defer limit.Stop()
	select {
	case <-h.Done():
	case <-limit.C:
		h.Release()
		removePartial(a.log, in)
		return nil, &ProcessError{Op: Record.String(), Err: fmt.Errorf("no exit after %v", dur+a.WarmUp+recordSlack), Stderr: h.Stderr()}
	case <-ctx.Done():
		h.Release()
		removePartial(a.log, in)
		return nil, ctx.Err()
	}
	h.Release()

	if err := h.Err(); err != nil {
		removePartial(a.log, in)
		return nil, &ProcessError{Op: Record.String(), Err: err, Stderr: h.Stderr()}
	}
	if fi, err := os.Stat(in); err != nil || fi.Size() == 0 {
		removePartial(a.log, in)
		return nil, &ProcessError{Op: Record.String(), Err: fmt.Errorf("no output written to %s", in), Stderr: h.Stderr()}
	}

	art := &Artifact{
		InputPath:  in,
		OutputPath: filepath.Join(a.outgoing, name),
		Rotation:   rotation,
	}
	art.Processed = a.Processor.Process(art.InputPath, art.OutputPath, rotation)
	if art.Processed {
		return art, nil
	}

	a.log.Warning(pkg+"post-processing failed, keeping raw capture", "file", name)
	err = os.MkdirAll(a.outgoing, 0o755)
	if err != nil {
		return nil, fmt.Errorf("could not create outgoing directory: %w", err)
	}
	err = video.Move(art.InputPath, art.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("could not relocate raw capture: %w", err)
	}
	return art, nil
}

// Status returns the current camera state. Device discovery is performed if
// it has not been already.
func (a *Arbiter) Status() Status {
	dev, err := a.resolve(a.settings())

	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		Device:    dev,
		Found:     err == nil,
		Live:      a.op == opLive,
		Recording: a.op == opRecording,
	}
}

// Close releases any capture process.
func (a *Arbiter) Close() error {
	a.mu.Lock()
	h := a.handle
	a.handle = nil
	if a.op != opRecording {
		a.op = opIdle
	}
	a.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Release()
}

// resolve returns the configured device if present, otherwise the first
// probed device. The probe result is cached.
func (a *Arbiter) resolve(cfg config.Config) (string, error) {
	if cfg.Device != "" && a.Exists(cfg.Device) {
		return cfg.Device, nil
	}

	a.mu.Lock()
	dev := a.device
	a.mu.Unlock()
	if dev != "" {
		return dev, nil
	}

	dev, ok := webcam.Probe(a.Exists)
	if !ok {
		return "", ErrDeviceNotFound
	}
	a.log.Info(pkg+"found capture device", "device", dev)

	a.mu.Lock()
	a.device = dev
	a.mu.Unlock()
	return dev, nil
}

// releaseLive detaches h if it is still the current preview and releases it.
func (a *Arbiter) releaseLive(h *CaptureHandle) error {
	a.mu.Lock()
	if a.handle == h {
		a.handle = nil
		if a.op == opLive {
			a.op = opIdle
		}
	}
	a.mu.Unlock()
	return h.Release()
}

func (a *Arbiter) reject(k Kind) {
	metrics.CaptureRejectTotal.WithLabelValues(k.String()).Inc()
	a.log.Debug(pkg+"camera busy", "kind", k.String())
}

func removePartial(l logging.Logger, path string) {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		l.Warning(pkg+"could not remove partial capture", "file", path, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// LiveStream is a preview frame stream. Frames are read with Next and the
// underlying capture is released with Close.
type LiveStream struct {
	a *Arbiter
	h *CaptureHandle
	d *jpeg.Demuxer

	dropped int // Bytes of oversized frames already reported.

	once sync.Once
	err  error
}

// Next returns the next JPEG frame. When the capture ends or fails the stream
// is closed and the error, io.EOF at the end of the stream, is returned.
func (s *LiveStream) Next() ([]byte, error) {
	f, err := s.d.Next()
	if n := s.d.Dropped(); n > s.dropped {
		s.a.log.Warning(pkg+"discarded oversized preview frame", "bytes", n-s.dropped, "limit", s.d.MaxFrame)
		s.dropped = n
	}
	if err != nil {
		s.Close()
		return nil, err
	}
	return f, nil
}

// Close releases the preview capture. Close is idempotent.
func (s *LiveStream) Close() error {
	s.once.Do(func() {
		s.err = s.a.releaseLive(s.h)
		metrics.LiveViewers.Dec()
		s.a.log.Info(pkg + "live preview stopped")
	})
	return s.err
}
