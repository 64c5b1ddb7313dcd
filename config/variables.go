/*
DESCRIPTION
  variables.go contains a list of structs that provide a variable Name, type in
  a string format, a function for updating the variable in the Config struct
  from a string, a function for reading it back, and finally, a validation
  function to check the validity of the corresponding field value in the
  Config.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Settings keys. These match the keys of the settings file.
const (
	KeyDevice        = "webcam_device"
	KeyResolution    = "webcam_resolution"
	KeyRotation      = "webcam_rotation"
	KeyDuration      = "video_duration"
	KeyFrameRate     = "video_framerate"
	KeySambaShare    = "samba_share"
	KeySambaUsername = "samba_username"
	KeySambaPassword = "samba_password"
	KeyHostname      = "hostname"
)

// Config map parameter types.
const (
	typeString = "string"
	typeUint   = "uint"
)

// Default variable values.
const (
	defaultWidth     = 1280
	defaultHeight    = 720
	defaultRotation  = 0
	defaultDuration  = 5 * time.Second
	defaultFrameRate = 30
	maxDuration      = 120 * time.Second
)

// Variables describes the variables that can be used for booth control.
// These structs provide the name and type of variable, a function for updating
// this variable in a Config, a function for reading it and a function for
// validating the value of the variable.
var Variables = []struct {
	Name     string
	Type     string
	Update   func(*Config, string)
	Get      func(*Config) string
	Validate func(*Config)
}{
	{
		Name:   KeyDevice,
		Type:   typeString,
		Update: func(c *Config, v string) { c.Device = strings.TrimSpace(v) },
		Get:    func(c *Config) string { return c.Device },
		Validate: func(c *Config) {
			if c.Device != "" && !strings.HasPrefix(c.Device, "/dev/") {
				c.LogInvalidField(KeyDevice, "")
				c.Device = ""
			}
		},
	},
	{
		Name: KeyResolution,
		Type: typeString,
		Update: func(c *Config, v string) {
			w, h, err := parseResolution(v)
			if err != nil {
				c.warn("invalid webcam_resolution param", "value", v, "error", err)
				return
			}
			c.Width, c.Height = w, h
		},
		Get: func(c *Config) string { return c.Resolution() },
		Validate: func(c *Config) {
			if c.Width == 0 || c.Height == 0 {
				c.LogInvalidField(KeyResolution, fmt.Sprintf("%dx%d", defaultWidth, defaultHeight))
				c.Width, c.Height = defaultWidth, defaultHeight
			}
		},
	},
	{
		Name:   KeyRotation,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.Rotation = parseUint(KeyRotation, v, c) },
		Get:    func(c *Config) string { return strconv.Itoa(int(c.Rotation)) },
		Validate: func(c *Config) {
			switch c.Rotation {
			case 0, 90, 180, 270:
			default:
				c.LogInvalidField(KeyRotation, defaultRotation)
				c.Rotation = defaultRotation
			}
		},
	},
	{
		Name: KeyDuration,
		Type: typeUint,
		Update: func(c *Config, v string) {
			c.Duration = time.Duration(parseUint(KeyDuration, v, c)) * time.Second
		},
		Get: func(c *Config) string { return strconv.Itoa(int(c.Duration / time.Second)) },
		Validate: func(c *Config) {
			if c.Duration <= 0 || c.Duration > maxDuration {
				c.LogInvalidField(KeyDuration, defaultDuration)
				c.Duration = defaultDuration
			}
		},
	},
	{
		Name:   KeyFrameRate,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.FrameRate = parseUint(KeyFrameRate, v, c) },
		Get:    func(c *Config) string { return strconv.Itoa(int(c.FrameRate)) },
		Validate: func(c *Config) {
			c.FrameRate = lessThanOrEqual(KeyFrameRate, c.FrameRate, 0, c, defaultFrameRate)
		},
	},
	{
		Name:   KeySambaShare,
		Type:   typeString,
		Update: func(c *Config, v string) { c.SambaShare = strings.TrimSpace(v) },
		Get:    func(c *Config) string { return c.SambaShare },
		Validate: func(c *Config) {
			if c.SambaShare != "" && !strings.HasPrefix(c.SambaShare, "smb://") {
				c.LogInvalidField(KeySambaShare, "")
				c.SambaShare = ""
			}
		},
	},
	{
		Name:   KeySambaUsername,
		Type:   typeString,
		Update: func(c *Config, v string) { c.SambaUsername = v },
		Get:    func(c *Config) string { return c.SambaUsername },
	},
	{
		Name:   KeySambaPassword,
		Type:   typeString,
		Update: func(c *Config, v string) { c.SambaPassword = v },
		Get:    func(c *Config) string { return c.SambaPassword },
	},
	{
		Name:   KeyHostname,
		Type:   typeString,
		Update: func(c *Config, v string) { c.Hostname = v },
		Get:    func(c *Config) string { return c.Hostname },
	},
}

// typeOf returns the declared type of the named variable, or "" if there is no
// such variable.
func typeOf(name string) string {
	for _, v := range Variables {
		if v.Name == name {
			return v.Type
		}
	}
	return ""
}

func parseResolution(v string) (uint, uint, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(v)), "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected WxH, got %q", v)
	}
	w, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("bad width: %w", err)
	}
	h, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("bad height: %w", err)
	}
	return uint(w), uint(h), nil
}

func parseUint(n, v string, c *Config) uint {
	_v, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		c.warn(fmt.Sprintf("expected unsigned int for param %s", n), "value", v)
	}
	return uint(_v)
}

func lessThanOrEqual(n string, v, cmp uint, c *Config, def uint) uint {
	if v <= cmp {
		c.LogInvalidField(n, def)
		return def
	}
	return v
}
