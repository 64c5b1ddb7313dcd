/*
NAME
  config.go

DESCRIPTION
  config.go contains the kiosk settings, i.e. the operator adjustable
  parameters controlling capture and upload of recordings.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>
  Trek Hopton <trek@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package config contains the configuration settings for the booth.
package config

import (
	"fmt"
	"time"

	"github.com/ausocean/utils/logging"
)

// Config provides the operator settings of the booth. Values are normally
// populated from the settings store using Update and then checked with
// Validate. Default values for these fields are defined in variables.go.
type Config struct {
	// Device is the capture device path e.g. /dev/video0. If empty, the first
	// present device is probed for.
	Device string

	Width  uint // Width defines the capture width in pixels.
	Height uint // Height defines the capture height in pixels.

	// Rotation is the clockwise rotation applied to recordings and the live
	// view, in degrees. Valid values are 0, 90, 180 and 270.
	Rotation uint

	// Duration is the length of a recording, not including the warm-up
	// period that is skipped at the start of each capture.
	Duration time.Duration

	FrameRate uint // FrameRate defines the capture frame rate for recordings.

	// SambaShare is the destination for finalized recordings in the form
	// smb://server[:port]/share. Upload is disabled if this is empty.
	SambaShare    string
	SambaUsername string
	SambaPassword string

	Hostname string // Hostname is shown on the status page.

	// Logger holds an implementation of the Logger interface. This must be
	// set for Update and Validate to report bad fields.
	Logger logging.Logger
}

// Resolution returns the capture resolution in WxH form.
func (c Config) Resolution() string {
	return fmt.Sprintf("%dx%d", c.Width, c.Height)
}

// Validate checks for any errors in the config fields and defaults settings
// if particular parameters have not been defined.
func (c *Config) Validate() error {
	for _, v := range Variables {
		if v.Validate != nil {
			v.Validate(c)
		}
	}
	return nil
}

// Update takes a map of configuration variable names and their corresponding
// values, parses the string values and converting into correct type, and then
// sets the config struct fields as appropriate.
func (c *Config) Update(vars map[string]string) {
	for _, value := range Variables {
		if v, ok := vars[value.Name]; ok && value.Update != nil {
			value.Update(c, v)
		}
	}
}

// Vars returns the config as a map of variable names to string values, the
// inverse of Update.
func (c Config) Vars() map[string]string {
	vars := make(map[string]string, len(Variables))
	for _, v := range Variables {
		if v.Get != nil {
			vars[v.Name] = v.Get(&c)
		}
	}
	return vars
}

func (c *Config) LogInvalidField(name string, def interface{}) {
	if c.Logger == nil {
		return
	}
	c.Logger.Info(name+" bad or unset, defaulting", name, def)
}

func (c *Config) warn(msg string, args ...interface{}) {
	if c.Logger == nil {
		return
	}
	c.Logger.Warning(msg, args...)
}
