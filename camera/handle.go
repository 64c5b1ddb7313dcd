/*
DESCRIPTION
  handle.go provides CaptureHandle, the single owner of a running capture
  process, and its release sequence.

AUTHORS
  The Australian Ocean Laboratory (AusOcean)

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package camera

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ausocean/booth/metrics"
	"github.com/ausocean/utils/logging"
)

// Release timing.
const (
	ReleaseGrace   = 1 * time.Second
	ReleaseCeiling = 2 * time.Second
)

// Amount of process stderr kept for errors and logs.
const stderrTail = 1024

// Kind identifies what a capture process is for.
type Kind int

// Capture kinds.
const (
	Preview Kind = iota
	Record
)

func (k Kind) String() string {
	switch k {
	case Preview:
		return "preview"
	case Record:
		return "record"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var errNotReaped = errors.New("capture process not reaped")

// CaptureHandle tracks one running capture process. Every started process is
// owned by exactly one CaptureHandle and is reaped by Release.
type CaptureHandle struct {
	Kind      Kind
	StartedAt time.Time

	log    logging.Logger
	cmd    *exec.Cmd
	stdout *os.File // Read end of the stdout pipe; nil if output goes to a file.
	stderr *tail

	done    chan struct{} // Closed once the process has been waited for.
	waitErr error

	once      sync.Once
	relErr    error
	onRelease func() // Called once the release sequence has finished.
}

// start runs cmd and returns its handle. If pipe is true the process stdout
// is available through h.stdout.
func start(l logging.Logger, kind Kind, cmd *exec.Cmd, pipe bool) (*CaptureHandle, error) {
	h := &CaptureHandle{
		Kind:   kind,
		log:    l,
		cmd:    cmd,
		stderr: newTail(stderrTail),
		done:   make(chan struct{}),
	}
	cmd.Stderr = h.stderr

	// os.Pipe is used rather than cmd.StdoutPipe so that Wait, which runs
	// concurrently with reads, does not close the read end.
	var w *os.File
	if pipe {
		r, pw, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("could not create pipe: %w", err)
		}
		h.stdout, w = r, pw
		cmd.Stdout = pw
	}

	err := cmd.Start()
	if w != nil {
		w.Close()
	}
	if err != nil {
		if h.stdout != nil {
			h.stdout.Close()
		}
		return nil, &ProcessError{Op: kind.String(), Err: err}
	}
	h.StartedAt = time.Now()
	metrics.CaptureStartTotal.WithLabelValues(kind.String()).Inc()
	l.Debug(pkg+"capture process started", "kind", kind.String(), "pid", cmd.Process.Pid)

	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

// Done returns a channel that is closed when the process has exited and been
// reaped.
func (h *CaptureHandle) Done() <-chan struct{} { return h.done }

// Err returns the result of waiting for the process. It is only valid once
// Done is closed.
func (h *CaptureHandle) Err() error { return h.waitErr }

// Stderr returns the tail of the process standard error.
func (h *CaptureHandle) Stderr() string { return h.stderr.String() }

// Release stops the process and reaps it: terminate, wait for the grace
// period, kill, then wait until the ceiling. Failure to reap is logged and
// returned. Release is safe to call more than once and from multiple
// goroutines; later calls return the first result.
func (h *CaptureHandle) Release() error {
	h.once.Do(func() {
		h.relErr = h.release()
		if h.onRelease != nil {
			h.onRelease()
		}
	})
	return h.relErr
}

func (h *CaptureHandle) release() error {
	if h.stdout != nil {
		defer h.stdout.Close()
	}

	select {
	case <-h.done:
		metrics.ProcessReapTotal.WithLabelValues("exited").Inc()
		return nil
	default:
	}

	err := h.cmd.Process.Signal(unix.SIGTERM)
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		h.log.Warning(pkg+"could not terminate capture process", "kind", h.Kind.String(), "error", err)
	}

	grace := time.NewTimer(ReleaseGrace)
	defer grace.Stop()
	select {
	case <-h.done:
		metrics.ProcessReapTotal.WithLabelValues("terminated").Inc()
		return nil
	case <-grace.C:
	}

	h.log.Warning(pkg+"capture process ignored terminate, killing", "kind", h.Kind.String())
	err = h.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		h.log.Warning(pkg+"could not kill capture process", "kind", h.Kind.String(), "error", err)
	}

	ceiling := time.NewTimer(ReleaseCeiling - ReleaseGrace)
	defer ceiling.Stop()
	select {
	case <-h.done:
		metrics.ProcessReapTotal.WithLabelValues("killed").Inc()
		return nil
	case <-ceiling.C:
	}

	metrics.ProcessReapTotal.WithLabelValues("unreaped").Inc()
	h.log.Error(pkg+"capture process not reaped", "kind", h.Kind.String(), "pid", h.cmd.Process.Pid)
	return errNotReaped
}

// tail is an io.Writer keeping the last n bytes written to it.
type tail struct {
	mu sync.Mutex
	b  []byte
	n  int
}

func newTail(n int) *tail { return &tail{n: n} }

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.b = append(t.b, p...)
	if len(t.b) > t.n {
		t.b = append(t.b[:0], t.b[len(t.b)-t.n:]...)
	}
	return len(p), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.b)
}
