/*
DESCRIPTION
  web.go provides the booth HTTP interface: status, live preview, manual
  recording, settings and metrics.

AUTHORS
  The Australian Ocean Laboratory (AusOcean)

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package web provides the HTTP interface of the booth.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"

	"github.com/ausocean/booth/booth"
	"github.com/ausocean/booth/camera"
	"github.com/ausocean/booth/config"
	"github.com/ausocean/utils/logging"
)

// Used to indicate package in logging.
const pkg = "web: "

// Server limits.
const (
	RecordLimit       = 10
	RecordWindow      = time.Minute
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
	boundary          = "frame"
	redacted          = "********"
)

// Camera is the capture device as seen by the HTTP interface.
type Camera interface {
	StartLive(ctx context.Context) (*camera.LiveStream, error)
	Record(ctx context.Context, d time.Duration, rotation uint, name string) (*camera.Artifact, error)
	Status() camera.Status
}

// Settings is the operator settings store.
type Settings interface {
	Current() config.Config
	Save(vars map[string]string) error
}

// Server serves the booth HTTP interface.
type Server struct {
	log      logging.Logger
	cam      Camera
	settings Settings
	stage    func() booth.Stage
	dataDir  string

	// FreeSpace returns the bytes available on the filesystem holding path.
	FreeSpace func(path string) (uint64, error)

	// Now is replaced in tests.
	Now func() time.Time
}

// NewServer returns a Server. stage may be nil if there is no controller.
func NewServer(l logging.Logger, cam Camera, settings Settings, stage func() booth.Stage, dataDir string) *Server {
	return &Server{
		log:       l,
		cam:       cam,
		settings:  settings,
		stage:     stage,
		dataDir:   dataDir,
		FreeSpace: freeSpace,
		Now:       time.Now,
	}
}

// Handler returns the router for the interface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/status", s.status)
	r.Get("/live", s.live)
	r.With(recordLimit()).Post("/video", s.video)
	r.Get("/settings", s.getSettings)
	r.Post("/settings", s.postSettings)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info(pkg+"listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		s.log.Info(pkg + "shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

// recordLimit limits recording requests per client address.
func recordLimit() func(http.Handler) http.Handler {
	return httprate.Limit(
		RecordLimit,
		RecordWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(RecordWindow.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, errorResponse("too many recording requests"))
		}),
	)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug(pkg+"request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start).String())
	})
}

// statusResponse is the body of GET /status.
type statusResponse struct {
	Stage           string `json:"stage,omitempty"`
	WebcamFound     bool   `json:"webcam_found"`
	WebcamDevice    string `json:"webcam_device"`
	Recording       bool   `json:"recording"`
	Live            bool   `json:"live"`
	FreeSpace       uint64 `json:"free_space"`
	SambaConfigured bool   `json:"samba_configured"`
	Hostname        string `json:"hostname"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	cs := s.cam.Status()
	cfg := s.settings.Current()
	resp := statusResponse{
		WebcamFound:     cs.Found,
		WebcamDevice:    cs.Device,
		Recording:       cs.Recording,
		Live:            cs.Live,
		SambaConfigured: cfg.SambaShare != "",
		Hostname:        cfg.Hostname,
	}
	if s.stage != nil {
		resp.Stage = s.stage().String()
	}
	free, err := s.FreeSpace(s.dataDir)
	if err != nil {
		s.log.Warning(pkg+"could not get free space", "path", s.dataDir, "error", err)
	}
	resp.FreeSpace = free
	writeJSON(w, http.StatusOK, resp)
}

// live streams preview frames as multipart JPEG until the client goes away
// or the capture ends.
func (s *Server) live(w http.ResponseWriter, r *http.Request) {
	stream, err := s.cam.StartLive(r.Context())
	if err != nil {
		s.writeCameraError(w, "live preview", err)
		return
	}
	defer stream.Close()

	// Closing the stream releases the capture, unblocking Next.
	stop := context.AfterFunc(r.Context(), func() { stream.Close() })
	defer stop()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for {
		frame, err := stream.Next()
		if err != nil {
			s.log.Debug(pkg+"live stream ended", "error", err)
			return
		}
		_, err = fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(frame))
		if err == nil {
			_, err = w.Write(frame)
		}
		if err == nil {
			_, err = w.Write([]byte("\r\n"))
		}
		if err != nil {
			s.log.Debug(pkg+"live client gone", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// videoResponse is the body of POST /video.
type videoResponse struct {
	Status    string `json:"status"`
	Filename  string `json:"filename,omitempty"`
	Processed bool   `json:"processed,omitempty"`
	Message   string `json:"message,omitempty"`
}

func errorResponse(msg string) videoResponse { return videoResponse{Status: "error", Message: msg} }

// video makes a recording named for the current time. The recording is not
// abandoned if the client disconnects.
func (s *Server) video(w http.ResponseWriter, r *http.Request) {
	cfg := s.settings.Current()
	name := booth.FileName(nil, s.Now())
	s.log.Info(pkg+"recording requested", "file", name, "remote", r.RemoteAddr)

	art, err := s.cam.Record(context.WithoutCancel(r.Context()), cfg.Duration, cfg.Rotation, name)
	if err != nil {
		s.writeCameraError(w, "recording", err)
		return
	}
	writeJSON(w, http.StatusOK, videoResponse{
		Status:    "success",
		Filename:  filepath.Base(art.OutputPath),
		Processed: art.Processed,
	})
}

func (s *Server) writeCameraError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, camera.ErrBusy):
		s.log.Debug(pkg+what+" rejected, camera busy")
		code := http.StatusConflict
		if what == "live preview" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, errorResponse(err.Error()))
	case errors.Is(err, camera.ErrDeviceNotFound):
		s.log.Warning(pkg+what+" failed", "error", err)
		writeJSON(w, http.StatusNotFound, errorResponse(err.Error()))
	default:
		s.log.Error(pkg+what+" failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
	}
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, redact(s.settings.Current().Vars()))
}

// postSettings merges a JSON object of settings into the store. Values may be
// strings or numbers. A redacted password leaves the stored one unchanged.
func (s *Server) postSettings(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.UseNumber()
	var body map[string]interface{}
	err := dec.Decode(&body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("bad settings body: "+err.Error()))
		return
	}

	vars := make(map[string]string, len(body))
	for k, v := range body {
		switch v := v.(type) {
		case string:
			vars[k] = v
		case json.Number:
			vars[k] = v.String()
		default:
			writeJSON(w, http.StatusBadRequest, errorResponse(fmt.Sprintf("setting %s: unsupported value %v", k, v)))
			return
		}
	}
	if vars[config.KeySambaPassword] == redacted {
		delete(vars, config.KeySambaPassword)
	}

	err = s.settings.Save(vars)
	if err != nil {
		s.log.Warning(pkg+"could not save settings", "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	s.log.Info(pkg+"settings updated", "keys", len(vars))
	writeJSON(w, http.StatusOK, redact(s.settings.Current().Vars()))
}

func redact(vars map[string]string) map[string]string {
	if vars[config.KeySambaPassword] != "" {
		vars[config.KeySambaPassword] = redacted
	}
	return vars
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func freeSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	err := unix.Statfs(path, &st)
	if err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
