package led

import (
	"log/slog"
	"sync"

	"lautenbacher.net/spiled/packet"
)

// Level is the electrical level last driven onto the LED pin.
type Level int

const (
	Unknown Level = iota
	Low
	High
)

func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Pin is a GPIO output. rpio.Pin satisfies it.
type Pin interface {
	High()
	Low()
}

// Driver maps LED commands onto a pin. With activeLow set (the usual board
// wiring) the LED is switched on by clearing the pin.
type Driver struct {
	pin       Pin
	activeLow bool
	mu        sync.Mutex
	level     Level
}

func NewDriver(pin Pin, activeLow bool) *Driver {
	return &Driver{pin: pin, activeLow: activeLow}
}

// Update drives the LED according to cmd. Commands other than LedOn and
// LedOff are ignored.
func (d *Driver) Update(cmd byte) {
	switch cmd {
	case packet.LedOn:
		d.drive(d.onLevel())
	case packet.LedOff:
		d.drive(d.offLevel())
	default:
		slog.Debug("Ignoring unknown LED command", "cmd", packet.CommandName(cmd))
	}
}

// Restore drives the LED to a logical state carried over from a previous
// driver. The level follows this driver's polarity.
func (d *Driver) Restore(on bool) {
	if on {
		d.drive(d.onLevel())
	} else {
		d.drive(d.offLevel())
	}
}

// Level returns the level last driven, Unknown before the first command.
func (d *Driver) Level() Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

// IsOn reports whether the LED is currently lit.
func (d *Driver) IsOn() bool {
	return d.Level() == d.onLevel()
}

func (d *Driver) onLevel() Level {
	if d.activeLow {
		return Low
	}
	return High
}

func (d *Driver) offLevel() Level {
	if d.activeLow {
		return High
	}
	return Low
}

func (d *Driver) drive(l Level) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l == Low {
		d.pin.Low()
	} else {
		d.pin.High()
	}
	d.level = l
}
