package platform

import (
	"context"
	"errors"
	"fmt"

	"lautenbacher.net/spiled/led"
	"lautenbacher.net/spiled/packet"
)

// Board abstracts the real hardware away from the simulation. Init brings up
// the board peripherals; the slave bus is configured separately by
// Slave().Init so both steps can fail independently.
type Board interface {
	Init() error
	Slave() Slave
	LedPin() led.Pin
	Close() error
}

// Slave is the SPI slave transfer primitive.
type Slave interface {
	// Init configures the peripheral as SPI slave. Failures wrap ErrInitFailure.
	Init() error

	// Exchange blocks until the master has clocked one full-duplex transfer
	// of len(tx) bytes. tx is shifted out while rx is filled. A nil return
	// means transfer complete with valid framing; otherwise a *TransferError
	// describes the failure. On cancellation ctx.Err() is returned as is.
	Exchange(ctx context.Context, tx, rx []byte) error
}

// Transactor is the master side of an exchange: it sends one frame and
// returns what the slave shifted out at the same time.
type Transactor interface {
	Transact(ctx context.Context, frame []byte) ([]byte, error)
}

var (
	ErrInitFailure = errors.New("spi slave init failed")
	ErrBoardInit   = errors.New("board init failed")
	ErrClosed      = errors.New("platform closed")
)

// Status is the result code of a transfer.
type Status uint32

const (
	StatusComplete       Status = 0x00
	StatusFramingError   Status = 0x01
	StatusIncomplete     Status = 0x02
	StatusBusError       Status = 0x03
	StatusLengthMismatch Status = 0x04
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "transfer complete"
	case StatusFramingError:
		return "framing error"
	case StatusIncomplete:
		return "incomplete transfer"
	case StatusBusError:
		return "bus error"
	case StatusLengthMismatch:
		return "length mismatch"
	default:
		return fmt.Sprintf("status 0x%02X", uint32(s))
	}
}

// Code is the numeric value printed on the diagnostic channel.
func (s Status) Code() uint32 {
	return uint32(s)
}

// TransferError is returned by Exchange for any status but StatusComplete.
type TransferError struct {
	Status Status
	Err    error
}

func (e *TransferError) Error() string {
	if e.Err == nil {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %v", e.Status, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func transferError(status Status, err error) error {
	return &TransferError{Status: status, Err: err}
}

// checkBuffers rejects buffer pairs that can never make up a packet exchange.
func checkBuffers(tx, rx []byte) error {
	if len(tx) != len(rx) || len(rx) != packet.Size {
		return transferError(StatusLengthMismatch,
			fmt.Errorf("tx %d bytes, rx %d bytes, packet %d bytes", len(tx), len(rx), packet.Size))
	}
	return nil
}

// checkFrame validates the framing of a received packet.
func checkFrame(rx []byte) error {
	if err := packet.Validate(rx); err != nil {
		return transferError(StatusFramingError, err)
	}
	return nil
}
