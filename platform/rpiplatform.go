package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stianeikeland/go-rpio/v4"
	"lautenbacher.net/spiled/config"
	"lautenbacher.net/spiled/led"
)

// RaspberryPiBoard drives the LED and the bit-banged slave bus through
// /dev/gpiomem.
type RaspberryPiBoard struct {
	config config.HardwareConfig
	ledPin rpio.Pin
	ledOn  bool
	slave  *RaspberryPiSlave
	opened bool
}

// NewRaspberryPiBoard returns a board whose LED comes up lit when ledOn is
// set, dark otherwise.
func NewRaspberryPiBoard(conf config.HardwareConfig, ledOn bool) *RaspberryPiBoard {
	inst := &RaspberryPiBoard{
		config: conf,
		ledPin: rpio.Pin(conf.LedPin),
		ledOn:  ledOn,
	}
	inst.slave = &RaspberryPiSlave{board: inst}
	return inst
}

func (s *RaspberryPiBoard) Init() error {
	slog.Info("Initialise GPIO...")
	if err := rpio.Open(); err != nil {
		return fmt.Errorf("%w: failed to open rpio: %v", ErrBoardInit, err)
	}
	s.opened = true
	// latch the level first so switching to output does not glitch the LED
	s.ledPin.Write(initialLedState(s.ledOn, s.config.LedActiveLow))
	s.ledPin.Output()
	return nil
}

func initialLedState(on, activeLow bool) rpio.State {
	if on != activeLow {
		return rpio.High
	}
	return rpio.Low
}

func (s *RaspberryPiBoard) Slave() Slave {
	return s.slave
}

func (s *RaspberryPiBoard) LedPin() led.Pin {
	return s.ledPin
}

func (s *RaspberryPiBoard) Close() error {
	if !s.opened {
		return nil
	}
	s.opened = false
	if s.slave.bus != nil {
		pins := s.config.SlavePins
		rpio.Pin(pins.MISO).Input()
	}
	if err := rpio.Close(); err != nil {
		return fmt.Errorf("failed to close rpio: %w", err)
	}
	return nil
}

// RaspberryPiSlave is an SPI slave bit-banged on four GPIO lines.
type RaspberryPiSlave struct {
	board *RaspberryPiBoard
	bus   *bitBangSlave
}

func (s *RaspberryPiSlave) Init() error {
	if !s.board.opened {
		return fmt.Errorf("%w: gpio not open", ErrInitFailure)
	}
	pins := s.board.config.SlavePins
	slog.Info("Initialise SPI slave...", "cs", pins.CS, "sclk", pins.SCLK, "mosi", pins.MOSI, "miso", pins.MISO)

	cs := rpio.Pin(pins.CS)
	cs.Input()
	cs.PullUp()
	sclk := rpio.Pin(pins.SCLK)
	sclk.Input()
	sclk.PullDown()
	mosi := rpio.Pin(pins.MOSI)
	mosi.Input()
	miso := rpio.Pin(pins.MISO)
	miso.Output()
	miso.Low()

	if cs.Read() == rpio.Low && sclk.Read() == rpio.High {
		return fmt.Errorf("%w: bus not idle (CS low, SCLK high); SPI mode 0 expected", ErrInitFailure)
	}

	s.bus = &bitBangSlave{
		cs:           cs,
		sclk:         sclk,
		mosi:         mosi,
		miso:         miso,
		pollInterval: s.board.config.PollInterval,
	}
	return nil
}

func (s *RaspberryPiSlave) Exchange(ctx context.Context, tx, rx []byte) error {
	if s.bus == nil {
		return transferError(StatusBusError, fmt.Errorf("slave not initialised"))
	}
	if err := checkBuffers(tx, rx); err != nil {
		return err
	}
	n, err := s.bus.transfer(ctx, tx, rx)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, errDeselected):
		return transferError(StatusIncomplete, fmt.Errorf("%d of %d bytes: %w", n, len(rx), err))
	default:
		return transferError(StatusBusError, err)
	}
	return checkFrame(rx)
}

// Local Variables:
// compile-command: "cd .. && go build"
// End:
