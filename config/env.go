/*
DESCRIPTION
  env.go provides Env, the process level configuration taken from the
  environment, such as data and log locations and hardware addresses.

AUTHORS
  The Australian Ocean Laboratory (AusOcean)

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
	"path/filepath"
	"strconv"

	"github.com/caarlos0/env/v11"
)

// Env holds configuration that is fixed for the life of the process.
type Env struct {
	DataDir string `env:"BOOTH_DATA_DIR" envDefault:"/data"`
	Addr    string `env:"BOOTH_ADDR" envDefault:":5000"`
	LogPath string `env:"BOOTH_LOG_PATH" envDefault:"/var/log/booth/booth.log"`
	Debug   bool   `env:"DEBUG" envDefault:"false"`

	// NoHardware disables the GPIO, display and RFID peripherals so that the
	// camera and web interface may be used on other machines.
	NoHardware bool `env:"BOOTH_NO_HARDWARE" envDefault:"false"`

	I2CBus     uint8  `env:"BOOTH_I2C_BUS" envDefault:"1"`
	LCDAddr    string `env:"BOOTH_LCD_ADDR" envDefault:"0x27"`
	SPIChannel uint8  `env:"BOOTH_SPI_CHANNEL" envDefault:"0"`
}

// ParseEnv loads an Env from environment variables.
func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	if _, err := e.LCDAddress(); err != nil {
		return Env{}, err
	}
	return e, nil
}

// LCDAddress returns the I2C address of the display backpack.
func (e Env) LCDAddress() (byte, error) {
	a, err := strconv.ParseUint(e.LCDAddr, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("bad BOOTH_LCD_ADDR %q: %w", e.LCDAddr, err)
	}
	return byte(a), nil
}

// SettingsPath returns the location of the settings file.
func (e Env) SettingsPath() string { return filepath.Join(e.DataDir, "settings.json") }

// IncomingDir returns the directory captures are staged in.
func (e Env) IncomingDir() string { return filepath.Join(e.DataDir, "videos", "in") }

// OutgoingDir returns the directory finalized recordings are placed in.
func (e Env) OutgoingDir() string { return filepath.Join(e.DataDir, "videos", "out") }

// ScanLogPath returns the location of the identity scan log.
func (e Env) ScanLogPath() string { return filepath.Join(e.DataDir, "rfid_log.csv") }
