/*
DESCRIPTION
  lcd.go provides LCD, a two line character display driven by an HD44780
  controller behind a PCF8574 I2C backpack.

AUTHORS
  The Australian Ocean Laboratory (AusOcean)

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package lcd provides a two line character display for booth prompts.
package lcd

import (
	"fmt"
	"strings"
	"sync"

	"github.com/kidoman/embd"
	"github.com/kidoman/embd/controller/hd44780"
	"github.com/kidoman/embd/interface/display/characterdisplay"

	"github.com/ausocean/utils/logging"
)

// Used to indicate package in logging.
const pkg = "lcd: "

// Display geometry.
const (
	Width = 16
	Rows  = 2
)

// DefaultAddr is the usual I2C address of a PCF8574 backpack.
const DefaultAddr = 0x27

// Screen is the character display being written to.
type Screen interface {
	SetCursor(col, row int) error
	Message(s string) error
	Clear() error
	Close() error
}

// LCD renders two lines of text, skipping lines that have not changed since
// they were last written.
type LCD struct {
	log logging.Logger

	mu    sync.Mutex
	s     Screen
	lines [Rows]string
	valid [Rows]bool
}

// Open initialises the HD44780 at addr on bus and returns an LCD for it.
func Open(bus embd.I2CBus, addr byte, l logging.Logger) (*LCD, error) {
	hd, err := hd44780.NewI2C(bus, addr, hd44780.PCF8574PinMap, hd44780.RowAddress16Col, hd44780.TwoLine)
	if err != nil {
		return nil, fmt.Errorf("could not initialise hd44780 at %#x: %w", addr, err)
	}
	err = hd.BacklightOn()
	if err != nil {
		hd.Close()
		return nil, fmt.Errorf("could not enable backlight: %w", err)
	}

	d := characterdisplay.New(hd, Width, Rows)
	err = d.Clear()
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("could not clear display: %w", err)
	}
	l.Info(pkg+"display initialised", "addr", fmt.Sprintf("%#x", addr))
	return New(d, l), nil
}

// New returns an LCD writing to s.
func New(s Screen, l logging.Logger) *LCD {
	return &LCD{log: l, s: s}
}

// Render shows line1 and line2. Each line is fitted to the display width.
func (d *LCD) Render(line1, line2 string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for row, text := range [Rows]string{line1, line2} {
		text = Fit(text)
		if d.valid[row] && d.lines[row] == text {
			continue
		}
		err := d.s.SetCursor(0, row)
		if err == nil {
			err = d.s.Message(text)
		}
		if err != nil {
			d.valid[row] = false
			return fmt.Errorf("could not write row %d: %w", row, err)
		}
		d.lines[row], d.valid[row] = text, true
		d.log.Debug(pkg+"rendered", "row", row, "text", text)
	}
	return nil
}

// Close clears and releases the display.
func (d *LCD) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.s.Clear()
	return d.s.Close()
}

// Fit truncates or pads s with spaces to exactly Width characters. Characters
// the display cannot show are replaced with '?'.
func Fit(s string) string {
	var b strings.Builder
	n := 0
	for _, r := range s {
		if n == Width {
			break
		}
		if r < 0x20 || r > 0x7e {
			r = '?'
		}
		b.WriteRune(r)
		n++
	}
	for ; n < Width; n++ {
		b.WriteByte(' ')
	}
	return b.String()
}
