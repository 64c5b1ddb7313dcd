/*
DESCRIPTION
  video.go provides Processor, which finalizes captured recordings by
  rotating and re-encoding them with ffmpeg, or relocating them unchanged
  when no rotation is required.

AUTHORS
  The Australian Ocean Laboratory (AusOcean)

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package video provides post-processing of captured recordings.
package video

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/ausocean/booth/device/webcam"
	"github.com/ausocean/utils/logging"
)

// Used to indicate package in logging.
const pkg = "video: "

// Transform defaults.
const (
	DefaultEncoder = "h264_v4l2m2m"
	defaultBitrate = "2M"
	defaultGOP     = 30
	defaultPixFmt  = "yuv420p"
)

// tailSize is the amount of ffmpeg stderr kept for logging.
const tailSize = 512

// Processor finalizes recordings. The zero value is not usable; use
// NewProcessor.
type Processor struct {
	log logging.Logger

	// Command creates the transform process. It defaults to exec.Command and
	// is replaced in tests.
	Command func(name string, args ...string) *exec.Cmd

	// Encoder is the ffmpeg video encoder used for rotated output.
	Encoder string
}

// NewProcessor returns a Processor using ffmpeg and the hardware H.264
// encoder.
func NewProcessor(l logging.Logger) *Processor {
	return &Processor{
		log:     l,
		Command: exec.Command,
		Encoder: DefaultEncoder,
	}
}

// Args returns the ffmpeg arguments rotating in by rotation degrees into out.
func (p *Processor) Args(in, out string, rotation uint) []string {
	return []string{
		"-y",
		"-i", in,
		"-vf", webcam.RotateFilter(rotation),
		"-c:v", p.Encoder,
		"-b:v", defaultBitrate,
		"-g", fmt.Sprint(defaultGOP),
		"-pix_fmt", defaultPixFmt,
		"-f", "mp4",
		out,
	}
}

// Process produces the finalized recording at out from in. With no rotation
// in is moved to out. Otherwise in is transformed into out and removed. On
// failure any partial output is removed, in is left in place and false is
// returned.
func (p *Processor) Process(in, out string, rotation uint) bool {
	err := os.MkdirAll(filepath.Dir(out), 0o755)
	if err != nil {
		p.log.Error(pkg+"could not create output directory", "error", err)
		return false
	}

	if rotation == 0 {
		err = Move(in, out)
		if err != nil {
			p.log.Error(pkg+"could not move recording", "in", in, "out", out, "error", err)
			return false
		}
		p.log.Info(pkg+"recording moved", "out", out)
		return true
	}

	if !webcam.ValidRotation(rotation) {
		p.log.Warning(pkg+"unsupported rotation", "rotation", rotation)
		return false
	}

	var stderr bytes.Buffer
	cmd := p.Command("ffmpeg", p.Args(in, out, rotation)...)
	cmd.Stderr = &stderr
	p.log.Info(pkg+"transforming recording", "in", in, "out", out, "rotation", rotation)
	err = cmd.Run()
	if err != nil {
		p.log.Error(pkg+"transform failed", "error", err, "stderr", Tail(stderr.Bytes(), tailSize))
		rmErr := os.Remove(out)
		if rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			p.log.Warning(pkg+"could not remove partial output", "error", rmErr)
		}
		return false
	}

	err = os.Remove(in)
	if err != nil {
		p.log.Warning(pkg+"could not remove transformed input", "in", in, "error", err)
	}
	p.log.Info(pkg+"recording transformed", "out", out)
	return true
}

// Move renames src to dst, falling back to copy and remove when they are on
// different filesystems.
func Move(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EXDEV) {
		return err
	}

	err = copyFile(src, dst)
	if err != nil {
		os.Remove(dst)
		return fmt.Errorf("could not copy across devices: %w", err)
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if err != nil {
		out.Close()
		return err
	}
	err = out.Sync()
	if err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Tail returns at most the last n bytes of b as a string.
func Tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(bytes.TrimSpace(b))
}
