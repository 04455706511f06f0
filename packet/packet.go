package packet

import (
	"errors"
	"fmt"
)

// Wire layout of a packet exchanged with the SPI master.
const (
	SOPPos = 0
	CmdPos = 1
	EOPPos = 2
	Size   = 3
)

// Frame sentinels.
const (
	SOP byte = 0x01
	EOP byte = 0x17
)

// Recognized commands. The values match the board LED states, so the LED on
// command is the active (low) level of an active-low LED.
const (
	LedOn  byte = 0x00
	LedOff byte = 0x01
)

var (
	ErrShortPacket = errors.New("packet length mismatch")
	ErrBadSOP      = errors.New("bad start-of-packet marker")
	ErrBadEOP      = errors.New("bad end-of-packet marker")
)

// Packet is one fixed-size frame: SOP, command, EOP.
type Packet [Size]byte

// New creates a framed packet carrying cmd.
func New(cmd byte) Packet {
	return Packet{SOP, cmd, EOP}
}

// Frame rewrites the sentinels and the command in place.
func (p *Packet) Frame(cmd byte) {
	p[SOPPos] = SOP
	p[CmdPos] = cmd
	p[EOPPos] = EOP
}

func (p Packet) Cmd() byte {
	return p[CmdPos]
}

func (p Packet) String() string {
	return fmt.Sprintf("[%02X %02X %02X]", p[SOPPos], p[CmdPos], p[EOPPos])
}

// Validate checks that b is exactly one packet framed by SOP and EOP.
func Validate(b []byte) error {
	if len(b) != Size {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrShortPacket, len(b), Size)
	}
	if b[SOPPos] != SOP {
		return fmt.Errorf("%w: 0x%02X", ErrBadSOP, b[SOPPos])
	}
	if b[EOPPos] != EOP {
		return fmt.Errorf("%w: 0x%02X", ErrBadEOP, b[EOPPos])
	}
	return nil
}

// CommandName returns a human readable name for cmd.
func CommandName(cmd byte) string {
	switch cmd {
	case LedOn:
		return "LED_ON"
	case LedOff:
		return "LED_OFF"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", cmd)
	}
}
