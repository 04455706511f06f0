package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gammazero/deque"
	"lautenbacher.net/spiled/led"
)

// SimulatedBoard stands in for the hardware in the simulation TUI and in
// tests. The master side is driven through Transact.
type SimulatedBoard struct {
	slave   *SimulatedSlave
	pin     *SimulatedPin
	initErr error
}

func NewSimulatedBoard() *SimulatedBoard {
	return &SimulatedBoard{
		slave: NewSimulatedSlave(),
		pin:   &SimulatedPin{},
	}
}

// FailInit makes the next Init return err.
func (s *SimulatedBoard) FailInit(err error) {
	s.initErr = err
}

func (s *SimulatedBoard) Init() error {
	if s.initErr != nil {
		return fmt.Errorf("%w: %v", ErrBoardInit, s.initErr)
	}
	slog.Info("Simulated board ready")
	return nil
}

func (s *SimulatedBoard) Slave() Slave {
	return s.slave
}

// Simulated returns the concrete slave for driving the master side.
func (s *SimulatedBoard) Simulated() *SimulatedSlave {
	return s.slave
}

func (s *SimulatedBoard) LedPin() led.Pin {
	return s.pin
}

func (s *SimulatedBoard) Pin() *SimulatedPin {
	return s.pin
}

func (s *SimulatedBoard) Close() error {
	return s.slave.Close()
}

type simFrame struct {
	mosi  []byte
	reply chan []byte
}

// SimulatedSlave queues frames from a simulated master and hands them to
// Exchange in order.
type SimulatedSlave struct {
	mu        sync.Mutex
	pending   deque.Deque[*simFrame]
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	initErr   error
}

func NewSimulatedSlave() *SimulatedSlave {
	return &SimulatedSlave{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// FailInit makes Init report err.
func (s *SimulatedSlave) FailInit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initErr = err
}

func (s *SimulatedSlave) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initErr != nil {
		return fmt.Errorf("%w: %v", ErrInitFailure, s.initErr)
	}
	return nil
}

func (s *SimulatedSlave) Exchange(ctx context.Context, tx, rx []byte) error {
	if err := checkBuffers(tx, rx); err != nil {
		return err
	}
	frame, err := s.next(ctx)
	if err != nil {
		return err
	}

	// Full duplex: the master reads as many bytes as it clocks.
	miso := make([]byte, len(frame.mosi))
	n := copy(miso, tx)
	copy(rx, frame.mosi[:min(n, len(rx))])
	frame.reply <- miso

	switch {
	case len(frame.mosi) < len(rx):
		return transferError(StatusIncomplete,
			fmt.Errorf("%d of %d bytes: %w", len(frame.mosi), len(rx), errDeselected))
	case len(frame.mosi) > len(rx):
		return transferError(StatusLengthMismatch,
			fmt.Errorf("master clocked %d bytes, expected %d", len(frame.mosi), len(rx)))
	}
	return checkFrame(rx)
}

func (s *SimulatedSlave) next(ctx context.Context) (*simFrame, error) {
	for {
		s.mu.Lock()
		if s.pending.Len() > 0 {
			frame := s.pending.PopFront()
			s.mu.Unlock()
			return frame, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, transferError(StatusBusError, ErrClosed)
		case <-s.notify:
		}
	}
}

// Transact queues frame as if a master had selected the slave and waits for
// the slave to shift out its response.
func (s *SimulatedSlave) Transact(ctx context.Context, frame []byte) ([]byte, error) {
	f := &simFrame{
		mosi:  append([]byte(nil), frame...),
		reply: make(chan []byte, 1),
	}
	s.mu.Lock()
	s.pending.PushBack(f)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	case miso := <-f.reply:
		return miso, nil
	}
}

// queued returns the number of frames not yet taken by Exchange.
func (s *SimulatedSlave) queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

func (s *SimulatedSlave) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// SimulatedPin records the level driven by the LED driver.
type SimulatedPin struct {
	mu     sync.Mutex
	high   bool
	writes int
}

func (p *SimulatedPin) High() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.high = true
	p.writes++
}

func (p *SimulatedPin) Low() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.high = false
	p.writes++
}

func (p *SimulatedPin) IsHigh() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.high
}

// writeCount counts the level changes requested so far.
func (p *SimulatedPin) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}
