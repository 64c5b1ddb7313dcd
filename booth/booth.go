/*
DESCRIPTION
  booth.go provides Controller, the poll loop sequencing the booth
  interaction: identity scan, confirmation, recording, processing and reset.

AUTHORS
  The Australian Ocean Laboratory (AusOcean)

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package booth provides the state machine driving an unattended video booth.
//
// A Controller polls at a fixed interval, running each stage's entry action
// once when the stage is first observed and then evaluating its transitions.
// The button is also delivered asynchronously through ButtonPressed, which can
// confirm a session between ticks.
package booth

import (
	"context"
	"errors"
	"time"

	"github.com/ausocean/booth/camera"
	"github.com/ausocean/booth/config"
	"github.com/ausocean/utils/logging"
)

// Used to indicate package in logging.
const pkg = "booth: "

// Controller timing.
const (
	TickInterval       = 100 * time.Millisecond
	StartupTimeout     = 30 * time.Second
	ConfirmationWindow = 30 * time.Second
	ScanWait           = 500 * time.Millisecond
)

// Indicator names.
const (
	IndicatorGreen  = "green"
	IndicatorYellow = "yellow"
	IndicatorRed    = "red"
	IndicatorBlue   = "blue"
	IndicatorButton = "button"
)

// ErrScanTimeout is returned by a Scanner when no tag was presented.
var ErrScanTimeout = errors.New("no identity scanned")

// Scanner reads identity tags.
type Scanner interface {
	// Scan waits up to timeout for a tag and returns its identity, or
	// ErrScanTimeout if none was presented.
	Scan(ctx context.Context, timeout time.Duration) (Identity, error)
}

// Display shows two lines of text. Implementations truncate or pad lines to
// their width and suppress renders of unchanged text.
type Display interface {
	Render(line1, line2 string) error
}

// Indicators are named feedback lights.
type Indicators interface {
	AllOn() error
	AllOff() error
	SetOnly(name string) error // SetOnly lights only the named stage indicator.
	On(name string) error
	Off(name string) error
}

// Button is the confirmation button.
type Button interface {
	Pressed() bool
}

// Recorder makes recordings.
type Recorder interface {
	Record(ctx context.Context, d time.Duration, rotation uint, name string) (*camera.Artifact, error)
}

// Uploader copies finalized recordings elsewhere.
type Uploader interface {
	Upload(ctx context.Context, path string) error
}

// Peripherals are the hardware collaborators of a Controller. Init, if
// non-nil, is called from the Init stage until it succeeds. Uploader may be
// nil.
type Peripherals struct {
	Init       func() error
	Scanner    Scanner
	Display    Display
	Indicators Indicators
	Button     Button
	Uploader   Uploader
}

// Controller runs the booth state machine.
type Controller struct {
	log      logging.Logger
	p        Peripherals
	recorder Recorder
	settings func() config.Config

	// now returns the current time and is replaced in tests.
	now func() time.Time

	st   state
	wake chan struct{}

	// Only accessed by the poll loop.
	epoch        uint64
	initFailures int
	artifact     *camera.Artifact
}

// NewController returns a Controller in the Init stage. settings is
// consulted for recording parameters at the start of each recording.
func NewController(l logging.Logger, p Peripherals, r Recorder, settings func() config.Config) *Controller {
	c := &Controller{
		log:      l,
		p:        p,
		recorder: r,
		settings: settings,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
	c.st.enteredAt = c.now()
	return c
}

// Stage returns the current stage.
func (c *Controller) Stage() Stage { return c.st.get().stage }

// Session returns a copy of the current session, or nil if there is none.
func (c *Controller) Session() *Session { return c.st.get().session }

// Run polls until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Info(pkg + "starting state machine")
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		c.Tick(ctx)
		select {
		case <-ctx.Done():
			c.log.Info(pkg + "state machine stopped")
			return nil
		case <-ticker.C:
		case <-c.wake:
		}
	}
}

// ButtonPressed handles a button interrupt. It confirms the session if the
// stage is exactly AwaitingConfirmation and the deadline has not passed, and
// wakes the poll loop. It is ignored in every other stage.
func (c *Controller) ButtonPressed() {
	if !c.st.confirm(c.now()) {
		c.log.Debug(pkg+"button press ignored", "stage", c.Stage().String())
		return
	}
	c.log.Info(pkg + "button pressed, recording")
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Tick evaluates the current stage once. Panics in stage handlers are
// recovered so that the next tick runs.
func (c *Controller) Tick(ctx context.Context) {
	snap := c.st.get()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		c.log.Error(pkg+"recovered from panic", "stage", snap.stage.String(), "panic", r)
		if snap.stage == StageRecording || snap.stage == StageProcessing {
			c.reset("panic")
		}
	}()

	if snap.epoch != c.epoch {
		c.epoch = snap.epoch
		c.enter(snap)
	}
	c.handle(ctx, snap)
}

// enter runs the entry action of the stage in snap.
func (c *Controller) enter(snap snapshot) {
	c.log.Info(pkg+"entering stage", "stage", snap.stage.String())
	switch snap.stage {
	case StageStartup:
		c.render("Alleycat", "Photobooth")
		c.indicate(func() error { return c.p.Indicators.AllOn() })
	case StageAwaitingIdentity:
		c.render("Scan RFID Band", "")
		c.indicate(func() error { return c.p.Indicators.SetOnly(IndicatorGreen) })
		c.indicate(func() error { return c.p.Indicators.Off(IndicatorButton) })
	case StageAwaitingConfirmation:
		name := "Unknown"
		if snap.session != nil && snap.session.Identity.Name != "" {
			name = snap.session.Identity.Name
		}
		c.render("Press Button", TruncateName(name))
		c.indicate(func() error { return c.p.Indicators.SetOnly(IndicatorYellow) })
		c.indicate(func() error { return c.p.Indicators.On(IndicatorButton) })
	case StageRecording:
		c.render("Recording...", "")
		c.indicate(func() error { return c.p.Indicators.SetOnly(IndicatorRed) })
		c.indicate(func() error { return c.p.Indicators.Off(IndicatorButton) })
	case StageProcessing:
		c.render("Processing...", "")
		c.indicate(func() error { return c.p.Indicators.SetOnly(IndicatorBlue) })
	}
}

// handle evaluates the transitions of the stage in snap.
func (c *Controller) handle(ctx context.Context, snap snapshot) {
	now := c.now()
	switch snap.stage {
	case StageInit:
		c.initialise(now)

	case StageStartup:
		// The button interrupt is ignored during startup; only a held button
		// observed by the poll loop advances.
		switch {
		case c.pressed():
			c.log.Info(pkg + "button pressed during startup")
			c.st.set(StageAwaitingIdentity, now)
		case now.Sub(snap.enteredAt) > StartupTimeout:
			c.log.Info(pkg + "startup timeout reached")
			c.st.set(StageAwaitingIdentity, now)
		}

	case StageAwaitingIdentity:
		if c.p.Scanner == nil {
			return
		}
		id, err := c.p.Scanner.Scan(ctx, ScanWait)
		switch {
		case errors.Is(err, ErrScanTimeout):
			return
		case err != nil:
			c.log.Warning(pkg+"identity scan failed", "error", err)
			return
		}
		if c.st.begin(id, c.now(), ConfirmationWindow) {
			c.log.Info(pkg+"identity scanned", "id", id.ID, "name", id.Name, "role", id.Role)
		}

	case StageAwaitingConfirmation:
		if c.st.expire(now) {
			c.log.Info(pkg + "confirmation deadline passed, session discarded")
			return
		}
		if c.pressed() && c.st.confirm(now) {
			c.log.Info(pkg + "button held, recording")
		}

	case StageRecording:
		c.record(ctx, snap)

	case StageProcessing:
		c.process(ctx)
	}
}

func (c *Controller) initialise(now time.Time) {
	if c.p.Init != nil {
		err := c.p.Init()
		if err != nil {
			c.initFailures++
			if c.initFailures == 1 {
				c.log.Error(pkg+"peripheral initialisation failed, retrying", "error", err)
				c.render("GPIO Init Failed", "Check Connections")
			}
			return
		}
	}
	c.log.Info(pkg+"peripherals initialised", "failures", c.initFailures)
	c.st.set(StageStartup, now)
}

func (c *Controller) record(ctx context.Context, snap snapshot) {
	cfg := c.settings()
	name := FileName(snap.session, c.now())
	c.log.Info(pkg+"recording", "file", name, "duration", cfg.Duration, "rotation", cfg.Rotation)

	art, err := c.recorder.Record(ctx, cfg.Duration, cfg.Rotation, name)
	switch {
	case errors.Is(err, camera.ErrBusy):
		c.log.Warning(pkg+"camera busy, recording abandoned", "file", name)
		c.reset("camera busy")
		return
	case err != nil:
		c.log.Error(pkg+"recording failed", "file", name, "error", err)
		c.reset("recording failed")
		return
	}

	c.log.Info(pkg+"recording complete", "file", art.OutputPath, "processed", art.Processed)
	c.artifact = art
	c.st.set(StageProcessing, c.now())
}

func (c *Controller) process(ctx context.Context) {
	art := c.artifact
	c.artifact = nil
	if art != nil && c.p.Uploader != nil {
		err := c.p.Uploader.Upload(ctx, art.OutputPath)
		if err != nil {
			c.log.Warning(pkg+"upload failed", "file", art.OutputPath, "error", err)
		}
	}
	c.reset("processing complete")
}

// reset discards any session and returns to AwaitingIdentity.
func (c *Controller) reset(reason string) {
	from := c.st.set(StageAwaitingIdentity, c.now())
	c.log.Info(pkg+"reset to awaiting identity", "from", from.String(), "reason", reason)
}

func (c *Controller) pressed() bool {
	return c.p.Button != nil && c.p.Button.Pressed()
}

func (c *Controller) render(line1, line2 string) {
	if c.p.Display == nil {
		return
	}
	err := c.p.Display.Render(line1, line2)
	if err != nil {
		c.log.Warning(pkg+"could not render display", "error", err)
	}
}

func (c *Controller) indicate(f func() error) {
	if c.p.Indicators == nil {
		return
	}
	err := f()
	if err != nil {
		c.log.Warning(pkg+"could not set indicators", "error", err)
	}
}
