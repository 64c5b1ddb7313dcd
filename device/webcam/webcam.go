/*
DESCRIPTION
  webcam.go provides Webcam, which validates capture settings and builds the
  ffmpeg command lines used to stream and record from a v4l2 webcam.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package webcam provides capture command construction and device discovery
// for v4l2 webcams driven through ffmpeg.
package webcam

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ausocean/booth/config"
	"github.com/ausocean/booth/device"
	"github.com/ausocean/utils/logging"
)

// Used to indicate package in logging.
const pkg = "webcam: "

// Configuration defaults.
const (
	defaultWidth     = 1280
	defaultHeight    = 720
	defaultFrameRate = 30
)

// Live preview parameters. The preview is captured at half the configured
// resolution and a low frame rate.
const (
	LiveFrameRate = 5
	LiveQuality   = 2
)

// Device probing.
const (
	probePattern = "/dev/video%d"
	probeMax     = 10
)

// Configuration field errors.
var (
	errBadFrameRate = errors.New("frame rate bad or unset, defaulting")
	errBadWidth     = errors.New("width bad or unset, defaulting")
	errBadHeight    = errors.New("height bad or unset, defaulting")
	errBadRotation  = errors.New("rotation bad, defaulting to 0")
)

// Webcam holds validated capture settings for a webcam and produces the ffmpeg
// arguments to drive it.
type Webcam struct {
	log logging.Logger
	cfg config.Config
}

// New returns a new Webcam with default settings.
func New(l logging.Logger) *Webcam {
	w := &Webcam{log: l}
	w.Set(config.Config{})
	return w
}

// Set will validate the relevant fields of the given Config struct and assign
// the struct to the Webcam's Config. If fields are not valid, an error is
// added to the MultiError and a default value is used.
func (w *Webcam) Set(c config.Config) error {
	var errs device.MultiError
	if c.Width == 0 {
		errs = append(errs, errBadWidth)
		c.Width = defaultWidth
	}

	if c.Height == 0 {
		errs = append(errs, errBadHeight)
		c.Height = defaultHeight
	}

	if c.FrameRate == 0 {
		errs = append(errs, errBadFrameRate)
		c.FrameRate = defaultFrameRate
	}

	if _, ok := rotations[c.Rotation]; !ok {
		errs = append(errs, errBadRotation)
		c.Rotation = 0
	}

	w.cfg = c
	if len(errs) != 0 {
		return errs
	}
	return nil
}

// Config returns the validated settings.
func (w *Webcam) Config() config.Config { return w.cfg }

// LiveArgs returns the ffmpeg arguments for a live MJPEG preview from dev,
// written to stdout.
func (w *Webcam) LiveArgs(dev string) []string {
	args := []string{
		"-f", "v4l2",
		"-input_format", "mjpeg",
		"-video_size", fmt.Sprintf("%dx%d", w.cfg.Width/2, w.cfg.Height/2),
		"-framerate", fmt.Sprint(LiveFrameRate),
		"-i", dev,
	}
	if f := RotateFilter(w.cfg.Rotation); f != "" {
		args = append(args, "-vf", f)
	}
	args = append(args,
		"-f", "mjpeg",
		"-q:v", fmt.Sprint(LiveQuality),
		"pipe:1",
	)
	w.log.Debug(pkg+"live args", "args", strings.Join(args, " "))
	return args
}

// RecordArgs returns the ffmpeg arguments for a recording from dev to out. The
// first warmup of the capture is discarded and d of video is kept. The stream
// is copied without re-encoding.
func (w *Webcam) RecordArgs(dev string, d, warmup time.Duration, out string) []string {
	args := []string{
		"-y",
		"-f", "v4l2",
		"-input_format", "mjpeg",
		"-video_size", w.cfg.Resolution(),
		"-framerate", fmt.Sprint(w.cfg.FrameRate),
		"-i", dev,
		"-ss", seconds(warmup),
		"-t", seconds(d),
		"-c:v", "copy",
		"-movflags", "+faststart",
		out,
	}
	w.log.Debug(pkg+"record args", "args", strings.Join(args, " "))
	return args
}

// rotations maps clockwise rotations in degrees to ffmpeg filters.
var rotations = map[uint]string{
	0:   "",
	90:  "transpose=1",
	180: "transpose=1,transpose=1",
	270: "transpose=2",
}

// RotateFilter returns the ffmpeg video filter rotating clockwise by deg
// degrees. An empty string is returned for 0 and for unsupported rotations.
func RotateFilter(deg uint) string { return rotations[deg] }

// ValidRotation reports whether deg is a supported rotation.
func ValidRotation(deg uint) bool {
	_, ok := rotations[deg]
	return ok
}

// Probe returns the first of /dev/video0 to /dev/video9 for which exists
// returns true.
func Probe(exists func(string) bool) (string, bool) {
	if exists == nil {
		exists = device.Exists
	}
	for i := 0; i < probeMax; i++ {
		p := fmt.Sprintf(probePattern, i)
		if exists(p) {
			return p, true
		}
	}
	return "", false
}

func seconds(d time.Duration) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", d.Seconds()), "0"), ".")
}
