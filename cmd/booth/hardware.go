/*
DESCRIPTION
  hardware.go provides the Raspberry Pi peripherals of the booth, opened
  lazily so that initialisation can be retried by the controller.

AUTHORS
  The Australian Ocean Laboratory (AusOcean)

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kidoman/embd"
	_ "github.com/kidoman/embd/host/rpi"

	"github.com/ausocean/booth/booth"
	"github.com/ausocean/booth/config"
	"github.com/ausocean/booth/device/gpio"
	"github.com/ausocean/booth/device/lcd"
	"github.com/ausocean/booth/device/rfid"
	"github.com/ausocean/utils/logging"
)

var errNotReady = errors.New("peripheral not initialised")

// hardware holds the booth peripherals. Each is opened by init until it
// succeeds; calls on peripherals that are not yet open fail with errNotReady.
type hardware struct {
	log     logging.Logger
	env     config.Env
	onPress func()

	mu     sync.Mutex
	i2c    bool
	leds   *gpio.LEDs
	button *gpio.Button
	lcd    *lcd.LCD
	reader *rfid.Reader
}

func newHardware(l logging.Logger, e config.Env) *hardware {
	return &hardware{log: l, env: e}
}

// peripherals returns the controller view of h.
func (h *hardware) peripherals() booth.Peripherals {
	return booth.Peripherals{
		Init:       h.init,
		Scanner:    h,
		Display:    h,
		Indicators: h,
		Button:     h,
	}
}

// init opens any peripherals not yet open. The display is opened first so
// that it can report failures of the others.
func (h *hardware) init() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	if h.lcd == nil {
		addr, _ := h.env.LCDAddress()
		err := h.openLCD(addr)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if h.leds == nil {
		leds, button, err := gpio.Open(h.log)
		if err != nil {
			errs = append(errs, err)
		} else {
			h.leds, h.button = leds, button
			err = button.Watch(h.pressed)
			if err != nil {
				h.log.Warning(pkg+"could not watch button, relying on polling", "error", err)
			}
		}
	}

	// The reader's reset line needs GPIO.
	if h.reader == nil && h.leds != nil {
		r, err := rfid.Open(h.log, h.env.SPIChannel, h.env.ScanLogPath())
		if err != nil {
			errs = append(errs, fmt.Errorf("could not open rfid reader: %w", err))
		} else {
			h.reader = r
		}
	}
	return errors.Join(errs...)
}

func (h *hardware) openLCD(addr byte) error {
	if !h.i2c {
		err := embd.InitI2C()
		if err != nil {
			return fmt.Errorf("could not initialise i2c: %w", err)
		}
		h.i2c = true
	}
	d, err := lcd.Open(embd.NewI2CBus(h.env.I2CBus), addr, h.log)
	if err != nil {
		return err
	}
	h.lcd = d
	return nil
}

func (h *hardware) pressed() {
	if h.onPress != nil {
		h.onPress()
	}
}

// Close releases all open peripherals.
func (h *hardware) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	if h.reader != nil {
		errs = append(errs, h.reader.Close())
	}
	if h.lcd != nil {
		errs = append(errs, h.lcd.Render("", ""), h.lcd.Close())
	}
	if h.leds != nil {
		errs = append(errs, h.leds.AllOff(), h.leds.Close(), h.button.Close(), gpio.Close())
	}
	if h.i2c {
		errs = append(errs, embd.CloseI2C())
	}
	return errors.Join(errs...)
}

func (h *hardware) Scan(ctx context.Context, timeout time.Duration) (booth.Identity, error) {
	h.mu.Lock()
	r := h.reader
	h.mu.Unlock()
	if r == nil {
		return booth.Identity{}, errNotReady
	}
	return r.Scan(ctx, timeout)
}

func (h *hardware) Render(line1, line2 string) error {
	h.mu.Lock()
	d := h.lcd
	h.mu.Unlock()
	if d == nil {
		return errNotReady
	}
	return d.Render(line1, line2)
}

func (h *hardware) Pressed() bool {
	h.mu.Lock()
	b := h.button
	h.mu.Unlock()
	return b != nil && b.Pressed()
}

func (h *hardware) AllOn() error  { return h.withLEDs(func(l *gpio.LEDs) error { return l.AllOn() }) }
func (h *hardware) AllOff() error { return h.withLEDs(func(l *gpio.LEDs) error { return l.AllOff() }) }

func (h *hardware) SetOnly(name string) error {
	return h.withLEDs(func(l *gpio.LEDs) error { return l.SetOnly(name) })
}

func (h *hardware) On(name string) error {
	return h.withLEDs(func(l *gpio.LEDs) error { return l.On(name) })
}

func (h *hardware) Off(name string) error {
	return h.withLEDs(func(l *gpio.LEDs) error { return l.Off(name) })
}

func (h *hardware) withLEDs(f func(*gpio.LEDs) error) error {
	h.mu.Lock()
	l := h.leds
	h.mu.Unlock()
	if l == nil {
		return errNotReady
	}
	return f(l)
}
