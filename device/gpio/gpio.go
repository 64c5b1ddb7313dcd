/*
DESCRIPTION
  gpio.go provides the booth indicator LEDs and confirmation button on
  Raspberry Pi GPIO pins.

AUTHORS
  The Australian Ocean Laboratory (AusOcean)

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package gpio provides the booth indicator LEDs and confirmation button.
package gpio

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kidoman/embd"

	"github.com/ausocean/booth/booth"
	"github.com/ausocean/utils/logging"
)

// Used to indicate package in logging.
const pkg = "gpio: "

// BCM pin numbers.
const (
	ButtonPin    = 16
	ButtonLEDPin = 20
	GreenPin     = 21
	YellowPin    = 23
	RedPin       = 15
	BluePin      = 24
)

// Debounce is the minimum interval between reported button presses.
const Debounce = 300 * time.Millisecond

// stagePins maps stage indicator names to pins.
var stagePins = map[string]int{
	booth.IndicatorGreen:  GreenPin,
	booth.IndicatorYellow: YellowPin,
	booth.IndicatorRed:    RedPin,
	booth.IndicatorBlue:   BluePin,
}

// OutputPin is a digital output.
type OutputPin interface {
	Write(val int) error
	Close() error
}

// InputPin is a digital input that can report edges.
type InputPin interface {
	Read() (int, error)
	Watch(edge embd.Edge, handler func(embd.DigitalPin)) error
	StopWatching() error
	Close() error
}

// Open initialises GPIO and returns the indicators and button.
func Open(l logging.Logger) (*LEDs, *Button, error) {
	err := embd.InitGPIO()
	if err != nil {
		return nil, nil, fmt.Errorf("could not initialise gpio: %w", err)
	}

	pins := make(map[string]OutputPin, len(stagePins)+1)
	names := make([]string, 0, len(stagePins))
	for name := range stagePins {
		names = append(names, name)
	}
	names = append(names, booth.IndicatorButton)

	for _, name := range names {
		n := ButtonLEDPin
		if name != booth.IndicatorButton {
			n = stagePins[name]
		}
		p, err := openOutput(n)
		if err != nil {
			closeAll(pins)
			embd.CloseGPIO()
			return nil, nil, fmt.Errorf("could not open %s led on pin %d: %w", name, n, err)
		}
		pins[name] = p
	}

	in, err := embd.NewDigitalPin(ButtonPin)
	if err == nil {
		err = in.SetDirection(embd.In)
	}
	if err != nil {
		closeAll(pins)
		embd.CloseGPIO()
		return nil, nil, fmt.Errorf("could not open button on pin %d: %w", ButtonPin, err)
	}
	err = in.PullUp()
	if err != nil {
		l.Warning(pkg+"could not enable button pull-up, relying on external resistor", "error", err)
	}

	l.Info(pkg + "gpio initialised")
	return NewLEDs(pins, l), NewButton(in, l), nil
}

// Close releases GPIO.
func Close() error { return embd.CloseGPIO() }

func openOutput(n int) (OutputPin, error) {
	p, err := embd.NewDigitalPin(n)
	if err != nil {
		return nil, err
	}
	err = p.SetDirection(embd.Out)
	if err == nil {
		err = p.Write(embd.Low)
	}
	if err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func closeAll(pins map[string]OutputPin) {
	for _, p := range pins {
		p.Close()
	}
}

// LEDs are the stage indicators and the button light, addressed by name.
type LEDs struct {
	log   logging.Logger
	mu    sync.Mutex
	pins  map[string]OutputPin
	names []string // Sorted for a stable write order.
}

// NewLEDs returns LEDs driving pins, keyed by indicator name.
func NewLEDs(pins map[string]OutputPin, l logging.Logger) *LEDs {
	names := make([]string, 0, len(pins))
	for name := range pins {
		names = append(names, name)
	}
	sort.Strings(names)
	return &LEDs{log: l, pins: pins, names: names}
}

// AllOn lights every indicator.
func (d *LEDs) AllOn() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setAll(embd.High)
}

// AllOff turns every indicator off.
func (d *LEDs) AllOff() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setAll(embd.Low)
}

// SetOnly turns every indicator off and then lights name.
func (d *LEDs) SetOnly(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.setAll(embd.Low)
	if err != nil {
		return err
	}
	return d.set(name, embd.High)
}

// On lights name.
func (d *LEDs) On(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.set(name, embd.High)
}

// Off turns name off.
func (d *LEDs) Off(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.set(name, embd.Low)
}

// Close turns the indicators off and releases their pins.
func (d *LEDs) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setAll(embd.Low)
	var first error
	for _, name := range d.names {
		err := d.pins[name].Close()
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (d *LEDs) setAll(v int) error {
	for _, name := range d.names {
		err := d.set(name, v)
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *LEDs) set(name string, v int) error {
	p, ok := d.pins[name]
	if !ok {
		return fmt.Errorf("unknown indicator: %s", name)
	}
	err := p.Write(v)
	if err != nil {
		return fmt.Errorf("could not write %s indicator: %w", name, err)
	}
	return nil
}

// Button is the active low confirmation button.
type Button struct {
	log logging.Logger
	pin InputPin

	// now returns the current time and is replaced in tests.
	now func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewButton returns a Button read from pin.
func NewButton(pin InputPin, l logging.Logger) *Button {
	return &Button{log: l, pin: pin, now: time.Now}
}

// Pressed reports whether the button is currently held.
func (b *Button) Pressed() bool {
	v, err := b.pin.Read()
	if err != nil {
		b.log.Warning(pkg+"could not read button", "error", err)
		return false
	}
	return v == embd.Low
}

// Watch calls fn on each press, ignoring presses within Debounce of the last
// one reported.
func (b *Button) Watch(fn func()) error {
	return b.pin.Watch(embd.EdgeFalling, func(embd.DigitalPin) {
		if b.debounced() {
			fn()
		}
	})
}

// debounced reports whether an edge now should be reported.
func (b *Button) debounced() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if !b.last.IsZero() && now.Sub(b.last) < Debounce {
		b.log.Debug(pkg + "button bounce ignored")
		return false
	}
	b.last = now
	return true
}

// Close stops watching and releases the pin.
func (b *Button) Close() error {
	b.pin.StopWatching()
	return b.pin.Close()
}
