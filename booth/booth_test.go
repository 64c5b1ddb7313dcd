/*
DESCRIPTION
  booth_test.go tests the booth state machine using fake peripherals and a
  controllable clock.

AUTHORS
  The Australian Ocean Laboratory (AusOcean)

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package booth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ausocean/booth/camera"
	"github.com/ausocean/booth/config"
	"github.com/ausocean/utils/logging"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeScanner struct {
	mu  sync.Mutex
	ids []Identity
}

func (s *fakeScanner) Scan(ctx context.Context, timeout time.Duration) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ids) == 0 {
		return Identity{}, ErrScanTimeout
	}
	id := s.ids[0]
	s.ids = s.ids[1:]
	return id, nil
}

func (s *fakeScanner) present(id Identity) {
	s.mu.Lock()
	s.ids = append(s.ids, id)
	s.mu.Unlock()
}

type fakeDisplay struct {
	lines [][2]string
}

func (d *fakeDisplay) Render(line1, line2 string) error {
	d.lines = append(d.lines, [2]string{line1, line2})
	return nil
}

func (d *fakeDisplay) last() [2]string {
	if len(d.lines) == 0 {
		return [2]string{}
	}
	return d.lines[len(d.lines)-1]
}

type fakeIndicators struct {
	calls []string
}

func (f *fakeIndicators) AllOn() error  { f.calls = append(f.calls, "all-on"); return nil }
func (f *fakeIndicators) AllOff() error { f.calls = append(f.calls, "all-off"); return nil }
func (f *fakeIndicators) SetOnly(name string) error {
	f.calls = append(f.calls, "only-"+name)
	return nil
}
func (f *fakeIndicators) On(name string) error  { f.calls = append(f.calls, "on-"+name); return nil }
func (f *fakeIndicators) Off(name string) error { f.calls = append(f.calls, "off-"+name); return nil }

type fakeButton struct{ held atomic.Bool }

func (b *fakeButton) Pressed() bool { return b.held.Load() }

type recordCall struct {
	d        time.Duration
	rotation uint
	name     string
}

type fakeRecorder struct {
	calls []recordCall
	err   error
	panic bool
}

func (r *fakeRecorder) Record(ctx context.Context, d time.Duration, rotation uint, name string) (*camera.Artifact, error) {
	r.calls = append(r.calls, recordCall{d, rotation, name})
	if r.panic {
		panic("recorder exploded")
	}
	if r.err != nil {
		return nil, r.err
	}
	return &camera.Artifact{InputPath: "/in/" + name, OutputPath: "/out/" + name, Rotation: rotation, Processed: true}, nil
}

type fakeUploader struct {
	paths []string
	err   error
}

func (u *fakeUploader) Upload(ctx context.Context, path string) error {
	u.paths = append(u.paths, path)
	return u.err
}

type harness struct {
	c        *Controller
	clk      *clock
	scanner  *fakeScanner
	display  *fakeDisplay
	leds     *fakeIndicators
	button   *fakeButton
	recorder *fakeRecorder
	uploader *fakeUploader
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		clk:      &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		scanner:  &fakeScanner{},
		display:  &fakeDisplay{},
		leds:     &fakeIndicators{},
		button:   &fakeButton{},
		recorder: &fakeRecorder{},
		uploader: &fakeUploader{},
	}
	p := Peripherals{
		Scanner:    h.scanner,
		Display:    h.display,
		Indicators: h.leds,
		Button:     h.button,
		Uploader:   h.uploader,
	}
	settings := func() config.Config {
		return config.Config{Duration: 5 * time.Second, Rotation: 90}
	}
	h.c = NewController((*logging.TestLogger)(t), p, h.recorder, settings)
	h.c.now = h.clk.Now
	return h
}

func (h *harness) tick() { h.c.Tick(context.Background()) }

// toAwaitingIdentity drives the controller through init and startup.
func (h *harness) toAwaitingIdentity(t *testing.T) {
	t.Helper()
	h.tick() // Init -> Startup.
	h.tick() // Startup entry.
	h.clk.Advance(StartupTimeout + time.Second)
	h.tick() // Startup -> AwaitingIdentity.
	h.tick() // AwaitingIdentity entry, no scan.
	if s := h.c.Stage(); s != StageAwaitingIdentity {
		t.Fatalf("expected %v, got %v", StageAwaitingIdentity, s)
	}
}

var ann = Identity{ID: "04-a1-b2-c3", Name: "Ann Example", Role: "bounty", Affiliation: "neutral", Faction: "faction5"}

// checkSession checks that a session exists exactly when the stage may hold
// one.
func checkSession(t *testing.T, c *Controller) {
	t.Helper()
	snap := c.st.get()
	if (snap.session != nil) != holdsSession(snap.stage) {
		t.Errorf("session presence %v does not match stage %v", snap.session != nil, snap.stage)
	}
}

func TestTruncateName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: ""},
		{in: "Ann", want: "Ann"},
		{in: "Sixteen Chars Ok", want: "Sixteen Chars Ok"},
		{in: "Seventeen Chars X", want: "Seventeen Cha..."},
		{in: "A Considerably Longer Name", want: "A Considerabl..."},
		{in: "Zoë Ångström-Ødegård", want: "Zoë Ångström-..."},
	}
	for i, test := range tests {
		got := TruncateName(test.in)
		if got != test.want {
			t.Errorf("test %d: got %q want %q", i, got, test.want)
		}
		if n := len([]rune(got)); n > DisplayWidth {
			t.Errorf("test %d: result %q longer than display", i, got)
		}
	}
}

func TestFileName(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 5, 7, 0, time.UTC)
	tests := []struct {
		sess *Session
		want string
	}{
		{sess: nil, want: "video-20240301-090507.mp4"},
		{sess: &Session{Identity: ann}, want: "bounty-Ann_Example-04-a1-b2-c3.mp4"},
		{sess: &Session{Identity: Identity{ID: "1", Name: "a/b", Role: "x\ty"}}, want: "x_y-a_b-1.mp4"},
	}
	for i, test := range tests {
		if got := FileName(test.sess, now); got != test.want {
			t.Errorf("test %d: got %q want %q", i, got, test.want)
		}
	}
}

func TestStageString(t *testing.T) {
	if got := StageAwaitingConfirmation.String(); got != "awaiting-confirmation" {
		t.Errorf("unexpected stage name: %s", got)
	}
	if got := Stage(42).String(); got != "stage(42)" {
		t.Errorf("unexpected unknown stage name: %s", got)
	}
}

func TestStateDropsSession(t *testing.T) {
	var s state
	now := time.Now()
	check := func(step string) {
		snap := s.get()
		if (snap.session != nil) != holdsSession(snap.stage) {
			t.Errorf("%s: session presence %v in stage %v", step, snap.session != nil, snap.stage)
		}
	}

	s.set(StageStartup, now)
	check("startup")
	if s.begin(ann, now, ConfirmationWindow) {
		t.Error("begin should fail outside awaiting identity")
	}
	s.set(StageAwaitingIdentity, now)
	check("awaiting identity")
	if !s.begin(ann, now, ConfirmationWindow) {
		t.Fatal("begin failed")
	}
	check("begin")
	if !s.confirm(now) || s.confirm(now) {
		t.Error("confirm should succeed exactly once")
	}
	check("confirm")
	s.set(StageProcessing, now)
	check("processing")
	s.set(StageAwaitingIdentity, now)
	check("reset")

	s.begin(ann, now, ConfirmationWindow)
	if s.expire(now.Add(ConfirmationWindow - time.Millisecond)) {
		t.Error("expired before deadline")
	}
	if s.confirm(now.Add(ConfirmationWindow)) {
		t.Error("confirmed at deadline")
	}
	if !s.expire(now.Add(ConfirmationWindow)) {
		t.Error("did not expire at deadline")
	}
	check("expire")
}

func TestInitRetry(t *testing.T) {
	h := newHarness(t)
	var attempts int
	h.c.p.Init = func() error {
		attempts++
		if attempts < 3 {
			return errors.New("no i2c")
		}
		return nil
	}

	for i := 0; i < 2; i++ {
		h.tick()
		if s := h.c.Stage(); s != StageInit {
			t.Fatalf("tick %d: expected init, got %v", i, s)
		}
	}
	h.tick()
	if s := h.c.Stage(); s != StageStartup {
		t.Fatalf("expected startup, got %v", s)
	}

	h.tick()
	want := [][2]string{
		{"GPIO Init Failed", "Check Connections"},
		{"Alleycat", "Photobooth"},
	}
	if diff := cmp.Diff(want, h.display.lines); diff != "" {
		t.Errorf("unexpected display (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"all-on"}, h.leds.calls); diff != "" {
		t.Errorf("unexpected indicators (-want +got):\n%s", diff)
	}
}

func TestStartupIgnoresInterrupt(t *testing.T) {
	h := newHarness(t)
	h.tick()
	h.tick()

	h.c.ButtonPressed()
	h.tick()
	if s := h.c.Stage(); s != StageStartup {
		t.Fatalf("interrupt should be ignored during startup, got %v", s)
	}

	h.clk.Advance(StartupTimeout)
	h.tick()
	if s := h.c.Stage(); s != StageStartup {
		t.Fatalf("startup should last more than %v, got %v", StartupTimeout, s)
	}

	h.button.held.Store(true)
	h.tick()
	if s := h.c.Stage(); s != StageAwaitingIdentity {
		t.Fatalf("held button should end startup, got %v", s)
	}
}

func TestEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.toAwaitingIdentity(t)
	h.leds.calls = nil
	h.display.lines = nil

	// Scan at t=0.
	h.scanner.present(ann)
	h.tick()
	if s := h.c.Stage(); s != StageAwaitingConfirmation {
		t.Fatalf("expected awaiting confirmation, got %v", s)
	}
	checkSession(t, h.c)
	h.tick()
	if got, want := h.display.last(), [2]string{"Press Button", "Ann Example"}; got != want {
		t.Errorf("unexpected display: got %v want %v", got, want)
	}

	// Button at t=5s.
	h.clk.Advance(5 * time.Second)
	h.c.ButtonPressed()
	if s := h.c.Stage(); s != StageRecording {
		t.Fatalf("expected recording after button, got %v", s)
	}
	checkSession(t, h.c)

	select {
	case <-h.c.wake:
	default:
		t.Error("button press did not wake the poll loop")
	}

	h.tick() // Record.
	if s := h.c.Stage(); s != StageProcessing {
		t.Fatalf("expected processing, got %v", s)
	}
	checkSession(t, h.c)

	h.tick() // Process and reset.
	if s := h.c.Stage(); s != StageAwaitingIdentity {
		t.Fatalf("expected awaiting identity, got %v", s)
	}
	if h.c.Session() != nil {
		t.Error("session should be nil after reset")
	}
	h.tick()

	wantRecord := []recordCall{{d: 5 * time.Second, rotation: 90, name: "bounty-Ann_Example-04-a1-b2-c3.mp4"}}
	if diff := cmp.Diff(wantRecord, h.recorder.calls, cmp.AllowUnexported(recordCall{})); diff != "" {
		t.Errorf("unexpected recordings (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"/out/bounty-Ann_Example-04-a1-b2-c3.mp4"}, h.uploader.paths); diff != "" {
		t.Errorf("unexpected uploads (-want +got):\n%s", diff)
	}

	wantLEDs := []string{
		"only-yellow", "on-button",
		"only-red", "off-button",
		"only-blue",
		"only-green", "off-button",
	}
	if diff := cmp.Diff(wantLEDs, h.leds.calls); diff != "" {
		t.Errorf("unexpected indicators (-want +got):\n%s", diff)
	}
	wantLines := [][2]string{
		{"Press Button", "Ann Example"},
		{"Recording...", ""},
		{"Processing...", ""},
		{"Scan RFID Band", ""},
	}
	if diff := cmp.Diff(wantLines, h.display.lines); diff != "" {
		t.Errorf("unexpected display (-want +got):\n%s", diff)
	}
}

func TestConfirmationTimeout(t *testing.T) {
	h := newHarness(t)
	h.toAwaitingIdentity(t)

	h.scanner.present(ann)
	h.tick()
	h.tick()

	h.clk.Advance(31 * time.Second)
	h.button.held.Store(true)
	h.c.ButtonPressed()
	if s := h.c.Stage(); s != StageAwaitingConfirmation {
		t.Fatalf("late button press should not record, got %v", s)
	}

	h.tick()
	if s := h.c.Stage(); s != StageAwaitingIdentity {
		t.Fatalf("expected reset after deadline, got %v", s)
	}
	if h.c.Session() != nil {
		t.Error("session should be discarded after deadline")
	}
	if len(h.recorder.calls) != 0 {
		t.Errorf("no recording expected, got %v", h.recorder.calls)
	}
}

func TestButtonHeldConfirms(t *testing.T) {
	h := newHarness(t)
	h.toAwaitingIdentity(t)
	h.scanner.present(ann)
	h.tick()

	h.button.held.Store(true)
	h.tick()
	if s := h.c.Stage(); s != StageRecording {
		t.Fatalf("expected recording, got %v", s)
	}
}

func TestConfirmIdempotent(t *testing.T) {
	h := newHarness(t)
	h.toAwaitingIdentity(t)
	h.scanner.present(ann)
	h.tick()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.c.ButtonPressed()
		}()
	}
	wg.Wait()

	h.tick()
	h.c.ButtonPressed()
	h.tick()
	if len(h.recorder.calls) != 1 {
		t.Errorf("expected exactly one recording, got %d", len(h.recorder.calls))
	}
}

func TestRecordingFailure(t *testing.T) {
	for _, err := range []error{camera.ErrBusy, &camera.ProcessError{Op: "record", Err: errors.New("exit status 1")}} {
		h := newHarness(t)
		h.recorder.err = err
		h.toAwaitingIdentity(t)
		h.scanner.present(ann)
		h.tick()
		h.c.ButtonPressed()
		h.tick()

		if s := h.c.Stage(); s != StageAwaitingIdentity {
			t.Errorf("%v: expected reset, got %v", err, s)
		}
		checkSession(t, h.c)
		if len(h.uploader.paths) != 0 {
			t.Errorf("%v: nothing should be uploaded", err)
		}
	}
}

func TestUploadFailureResets(t *testing.T) {
	h := newHarness(t)
	h.uploader.err = errors.New("share unavailable")
	h.toAwaitingIdentity(t)
	h.scanner.present(ann)
	h.tick()
	h.c.ButtonPressed()
	h.tick()
	h.tick()
	if s := h.c.Stage(); s != StageAwaitingIdentity {
		t.Errorf("expected reset despite upload failure, got %v", s)
	}
}

func TestPanicRecovered(t *testing.T) {
	h := newHarness(t)
	h.recorder.panic = true
	h.toAwaitingIdentity(t)
	h.scanner.present(ann)
	h.tick()
	h.c.ButtonPressed()

	h.tick()
	if s := h.c.Stage(); s != StageAwaitingIdentity {
		t.Fatalf("expected reset after panic, got %v", s)
	}
	checkSession(t, h.c)

	h.recorder.panic = false
	h.scanner.present(ann)
	h.tick()
	h.tick()
	if s := h.c.Stage(); s != StageAwaitingConfirmation {
		t.Errorf("controller should keep working after panic, got %v", s)
	}
}

func TestRun(t *testing.T) {
	h := newHarness(t)
	h.c.now = time.Now

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- h.c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.c.Stage() != StageStartup {
		if time.Now().After(deadline) {
			t.Fatal("controller did not reach startup")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("unexpected run error: %v", err)
	}
}
