package platform

import (
	"context"
	"errors"
	"time"

	"github.com/stianeikeland/go-rpio/v4"
)

// errDeselected means the master released chip select mid transfer.
var errDeselected = errors.New("chip select released")

type inputPin interface {
	Read() rpio.State
}

type outputPin interface {
	High()
	Low()
}

// bitBangSlave is an SPI mode 0 slave on plain GPIO: MISO is set while SCLK
// is low, MOSI is sampled on the rising edge, MSB first.
type bitBangSlave struct {
	cs, sclk, mosi inputPin
	miso           outputPin
	pollInterval   time.Duration
}

// transfer runs one chip select cycle and returns the number of complete
// bytes received.
func (b *bitBangSlave) transfer(ctx context.Context, tx, rx []byte) (int, error) {
	if err := b.waitCS(ctx, rpio.Low); err != nil {
		return 0, err
	}
	defer b.miso.Low()

	for i := range rx {
		var in byte
		for bit := 7; bit >= 0; bit-- {
			if tx[i]&(1<<bit) != 0 {
				b.miso.High()
			} else {
				b.miso.Low()
			}
			if err := b.waitClock(ctx, rpio.High); err != nil {
				return i, err
			}
			if b.mosi.Read() == rpio.High {
				in |= 1 << bit
			}
			last := i == len(rx)-1 && bit == 0
			if err := b.waitClock(ctx, rpio.Low); err != nil {
				// the master may release CS right after the final edge
				if !(last && errors.Is(err, errDeselected)) {
					return i, err
				}
			}
		}
		rx[i] = in
	}

	if err := b.waitCS(ctx, rpio.High); err != nil {
		return len(rx), err
	}
	return len(rx), nil
}

func (b *bitBangSlave) waitCS(ctx context.Context, want rpio.State) error {
	for b.cs.Read() != want {
		if err := b.pause(ctx); err != nil {
			return err
		}
	}
	return nil
}

// waitClock waits for SCLK to reach want while CS stays asserted.
func (b *bitBangSlave) waitClock(ctx context.Context, want rpio.State) error {
	for b.sclk.Read() != want {
		if b.cs.Read() == rpio.High {
			return errDeselected
		}
		if err := b.pause(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (b *bitBangSlave) pause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.pollInterval > 0 {
		time.Sleep(b.pollInterval)
	}
	return nil
}
