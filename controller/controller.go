package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"lautenbacher.net/spiled/diag"
	"lautenbacher.net/spiled/led"
	"lautenbacher.net/spiled/packet"
	"lautenbacher.net/spiled/platform"
	"lautenbacher.net/spiled/util"
)

// State of the controller. Halted is terminal.
type State int32

const (
	StateInit State = iota
	StateRunning
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Codes reported for failures that carry no transfer status.
const (
	CodeBoardInit uint32 = 0x10
	CodeSlaveInit uint32 = 0x11
)

var (
	ErrHalted     = errors.New("controller halted")
	ErrNotStarted = errors.New("controller not started")
)

// HaltError is returned when the controller enters StateHalted.
type HaltError struct {
	Op   string
	Code uint32
	Err  error
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("halted in %s (code 0x%08X): %v", e.Op, e.Code, e.Err)
}

func (e *HaltError) Unwrap() []error {
	return []error{ErrHalted, e.Err}
}

// Snapshot is a copy of the controller's observable state.
type Snapshot struct {
	Seq       uint64    `json:"seq"`
	State     State     `json:"state"`
	Transfers uint64    `json:"transfers"`
	LastRx    string    `json:"lastRx"`
	LastTx    string    `json:"lastTx"`
	Cmd       byte      `json:"cmd"`
	LastCmd   string    `json:"lastCmd"`
	LedOn     bool      `json:"ledOn"`
	LedLevel  led.Level `json:"ledLevel"`
	Halt      string    `json:"halt,omitempty"`
	Updated   time.Time `json:"updated"`
}

// Controller runs the receive, echo and actuate loop on top of a board.
type Controller struct {
	board     platform.Board
	slave     platform.Slave
	activeLow bool
	reporter  *diag.Reporter
	led       *led.Driver

	state     atomic.Int32
	transfers uint64
	halt      *HaltError
	mu        sync.Mutex

	// owned by the goroutine calling Step
	tx packet.Packet
	rx packet.Packet

	// LED state to re-drive on Start, nil for a cold start
	restoreLed *bool

	updates *util.AtomicEvent[Snapshot]
}

func New(board platform.Board, activeLow bool, reporter *diag.Reporter) *Controller {
	inst := &Controller{
		board:     board,
		activeLow: activeLow,
		reporter:  reporter,
		updates:   util.NewAtomicEvent[Snapshot](),
	}
	inst.publish()
	return inst
}

// Resume carries the state of a previous controller over to this one, so a
// restart keeps echoing the last received command and keeps the LED as it
// was. It must be called before Start and is ignored afterwards.
func (c *Controller) Resume(prev Snapshot) {
	if c.State() != StateInit {
		return
	}
	if prev.Transfers > 0 {
		c.rx.Frame(prev.Cmd)
		c.mu.Lock()
		c.transfers = prev.Transfers
		c.mu.Unlock()
	}
	if prev.LedLevel != led.Unknown {
		on := prev.LedOn
		c.restoreLed = &on
	}
	c.publish()
}

// Start brings up the board and the slave. Any failure halts the controller.
func (c *Controller) Start() error {
	if c.State() != StateInit {
		if c.State() == StateHalted {
			return c.haltErr()
		}
		return fmt.Errorf("controller already started")
	}

	if err := c.board.Init(); err != nil {
		return c.enterHalt("board init", CodeBoardInit, "Board init failed", err)
	}
	c.reporter.Banner()

	c.slave = c.board.Slave()
	if err := c.slave.Init(); err != nil {
		return c.enterHalt("slave init", CodeSlaveInit, "API init_slave failed with error code", err)
	}
	c.led = led.NewDriver(c.board.LedPin(), c.activeLow)
	if c.restoreLed != nil {
		c.led.Restore(*c.restoreLed)
	}

	c.state.Store(int32(StateRunning))
	slog.Info("SPI slave ready, waiting for master")
	c.publish()
	return nil
}

// Run repeats Step until the controller halts or ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if err := c.Step(ctx); err != nil {
			return err
		}
	}
}

// Step performs one exchange: send the status packet echoing the last
// received command, receive the next packet and apply its command to the LED.
func (c *Controller) Step(ctx context.Context) error {
	switch c.State() {
	case StateInit:
		return ErrNotStarted
	case StateHalted:
		return c.haltErr()
	}

	c.tx.Frame(c.rx.Cmd())

	if err := c.slave.Exchange(ctx, c.tx[:], c.rx[:]); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return err
		}
		code := platform.StatusBusError.Code()
		var terr *platform.TransferError
		if errors.As(err, &terr) {
			code = terr.Status.Code()
		}
		return c.enterHalt("exchange", code, "SPI transfer failed", err)
	}

	c.led.Update(c.rx.Cmd())
	c.mu.Lock()
	c.transfers++
	c.mu.Unlock()
	slog.Debug("Packet received", "rx", c.rx.String(), "tx", c.tx.String(), "cmd", packet.CommandName(c.rx.Cmd()))
	c.publish()

	c.reporter.EnteredLoop()
	return nil
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

// Snapshot returns the latest published state.
func (c *Controller) Snapshot() Snapshot {
	return c.updates.Value()
}

// Updates signals whenever a new Snapshot has been published.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates.Channel()
}

// Halt returns the cause of the halt, or nil while not halted.
func (c *Controller) Halt() *HaltError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halt
}

func (c *Controller) haltErr() error {
	if h := c.Halt(); h != nil {
		return h
	}
	return ErrHalted
}

func (c *Controller) enterHalt(op string, code uint32, message string, err error) error {
	h := &HaltError{Op: op, Code: code, Err: err}
	c.mu.Lock()
	c.halt = h
	c.mu.Unlock()
	c.state.Store(int32(StateHalted))

	slog.Error("Controller halted", "op", op, "code", fmt.Sprintf("0x%08X", code), "error", err)
	c.reporter.Failure(message, code)
	c.publish()
	return h
}

// publish must only be called from the goroutine owning tx and rx.
func (c *Controller) publish() {
	c.mu.Lock()
	snap := Snapshot{
		Seq:       c.updates.Version() + 1,
		State:     c.State(),
		Transfers: c.transfers,
		LastRx:    c.rx.String(),
		LastTx:    c.tx.String(),
		Cmd:       c.rx.Cmd(),
		LastCmd:   packet.CommandName(c.rx.Cmd()),
		Updated:   time.Now(),
	}
	if c.halt != nil {
		snap.Halt = c.halt.Error()
	}
	c.mu.Unlock()
	if c.led != nil {
		snap.LedOn = c.led.IsOn()
		snap.LedLevel = c.led.Level()
	}
	c.updates.Send(snap)
}
