/*
DESCRIPTION
  web_test.go tests the booth HTTP handlers using httptest.

AUTHORS
  The Australian Ocean Laboratory (AusOcean)

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ausocean/booth/booth"
	"github.com/ausocean/booth/camera"
	"github.com/ausocean/booth/config"
	"github.com/ausocean/utils/logging"
)

type fakeCamera struct {
	status  camera.Status
	liveErr error
	recErr  error

	name     string
	duration time.Duration
	rotation uint
}

func (c *fakeCamera) StartLive(ctx context.Context) (*camera.LiveStream, error) {
	return nil, c.liveErr
}

func (c *fakeCamera) Record(ctx context.Context, d time.Duration, rotation uint, name string) (*camera.Artifact, error) {
	c.name, c.duration, c.rotation = name, d, rotation
	if c.recErr != nil {
		return nil, c.recErr
	}
	return &camera.Artifact{OutputPath: filepath.Join("/data/videos/out", name), Rotation: rotation, Processed: true}, nil
}

func (c *fakeCamera) Status() camera.Status { return c.status }

func newTestServer(t *testing.T, cam Camera) (*Server, *config.Store) {
	t.Helper()
	store := config.NewStore(filepath.Join(t.TempDir(), "settings.json"), (*logging.TestLogger)(t))
	s := NewServer((*logging.TestLogger)(t), cam, store, func() booth.Stage { return booth.StageAwaitingIdentity }, t.TempDir())
	s.FreeSpace = func(string) (uint64, error) { return 1 << 30, nil }
	s.Now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s, store
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.1:40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	cam := &fakeCamera{status: camera.Status{Device: "/dev/video0", Found: true, Live: true}}
	s, store := newTestServer(t, cam)
	err := store.Save(map[string]string{config.KeySambaShare: "smb://nas/videos", config.KeyHostname: "booth-1"})
	if err != nil {
		t.Fatalf("could not save settings: %v", err)
	}

	rec := do(t, s.Handler(), http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusOK)
	}
	var got statusResponse
	err = json.NewDecoder(rec.Body).Decode(&got)
	if err != nil {
		t.Fatalf("could not decode body: %v", err)
	}
	want := statusResponse{
		Stage:           "awaiting-identity",
		WebcamFound:     true,
		WebcamDevice:    "/dev/video0",
		Live:            true,
		FreeSpace:       1 << 30,
		SambaConfigured: true,
		Hostname:        "booth-1",
	}
	if !cmp.Equal(got, want) {
		t.Errorf("unexpected status:\n%s", cmp.Diff(want, got))
	}
}

func TestVideo(t *testing.T) {
	cam := &fakeCamera{}
	s, store := newTestServer(t, cam)
	err := store.Save(map[string]string{config.KeyDuration: "8", config.KeyRotation: "90"})
	if err != nil {
		t.Fatalf("could not save settings: %v", err)
	}

	rec := do(t, s.Handler(), http.MethodPost, "/video", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	var got videoResponse
	json.NewDecoder(rec.Body).Decode(&got)
	want := videoResponse{Status: "success", Filename: "video-20240601-120000.mp4", Processed: true}
	if !cmp.Equal(got, want) {
		t.Errorf("unexpected response:\n%s", cmp.Diff(want, got))
	}
	if cam.duration != 8*time.Second || cam.rotation != 90 {
		t.Errorf("got duration %v rotation %d, want 8s 90", cam.duration, cam.rotation)
	}
}

func TestVideoErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: camera.ErrBusy, want: http.StatusConflict},
		{err: camera.ErrDeviceNotFound, want: http.StatusNotFound},
		{err: &camera.ProcessError{Op: "record", Err: errors.New("exit status 1")}, want: http.StatusInternalServerError},
	}
	for _, test := range tests {
		s, _ := newTestServer(t, &fakeCamera{recErr: test.err})
		rec := do(t, s.Handler(), http.MethodPost, "/video", "")
		if rec.Code != test.want {
			t.Errorf("%v: got status %d, want %d", test.err, rec.Code, test.want)
		}
		var got videoResponse
		json.NewDecoder(rec.Body).Decode(&got)
		if got.Status != "error" || got.Message == "" {
			t.Errorf("%v: unexpected body %+v", test.err, got)
		}
	}
}

func TestVideoRateLimit(t *testing.T) {
	s, _ := newTestServer(t, &fakeCamera{})
	h := s.Handler()
	for i := 0; i < RecordLimit; i++ {
		rec := do(t, h, http.MethodPost, "/video", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: got status %d, want %d", i, rec.Code, http.StatusOK)
		}
	}
	rec := do(t, h, http.MethodPost, "/video", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("got status %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
}

func TestLiveBusy(t *testing.T) {
	s, _ := newTestServer(t, &fakeCamera{liveErr: camera.ErrBusy})
	rec := do(t, s.Handler(), http.MethodGet, "/live", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestLive(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{Device: "/dev/video0"}
	a := camera.NewArbiter((*logging.TestLogger)(t), func() config.Config { return cfg }, filepath.Join(dir, "in"), filepath.Join(dir, "out"))
	a.Command = func(name string, args ...string) *exec.Cmd {
		return exec.Command("sh", "-c", `printf '\377\330AAA\377\331\377\330BB\377\331'`)
	}
	a.Exists = func(p string) bool { return p == "/dev/video0" }
	a.Settle = 0
	defer a.Close()

	s, _ := newTestServer(t, a)
	rec := do(t, s.Handler(), http.MethodGet, "/live", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Errorf("got content type %q", ct)
	}
	want := "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: 7\r\n\r\n\xff\xd8AAA\xff\xd9\r\n" +
		"--frame\r\nContent-Type: image/jpeg\r\nContent-Length: 6\r\n\r\n\xff\xd8BB\xff\xd9\r\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("unexpected body:\n%q\nwant:\n%q", got, want)
	}
	if a.Status().Live {
		t.Error("expected preview to be released")
	}
}

func TestSettings(t *testing.T) {
	s, store := newTestServer(t, &fakeCamera{})
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/settings", `{"video_duration": 10, "hostname": "booth-2", "samba_password": "secret"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	cur := store.Current()
	if cur.Duration != 10*time.Second || cur.Hostname != "booth-2" || cur.SambaPassword != "secret" {
		t.Errorf("settings not applied: %+v", cur)
	}

	rec = do(t, h, http.MethodGet, "/settings", "")
	var got map[string]string
	json.NewDecoder(rec.Body).Decode(&got)
	if got[config.KeySambaPassword] != redacted {
		t.Errorf("password not redacted: %q", got[config.KeySambaPassword])
	}
	if got[config.KeyDuration] != "10" {
		t.Errorf("got duration %q, want 10", got[config.KeyDuration])
	}

	// Posting back the redacted form keeps the stored password.
	rec = do(t, h, http.MethodPost, "/settings", `{"samba_password": "********"}`)
	if rec.Code != http.StatusOK || store.Current().SambaPassword != "secret" {
		t.Errorf("redacted password overwrote stored password")
	}
}

func TestSettingsRejects(t *testing.T) {
	s, _ := newTestServer(t, &fakeCamera{})
	h := s.Handler()
	for _, body := range []string{`{"bogus": "1"}`, `not json`, `{"video_duration": true}`, `{"video_duration": "ten"}`} {
		rec := do(t, h, http.MethodPost, "/settings", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: got status %d, want %d", body, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestMetrics(t *testing.T) {
	s, _ := newTestServer(t, &fakeCamera{})
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "booth_live_viewers") {
		t.Error("metrics missing booth_live_viewers")
	}
}
