package controller

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lautenbacher.net/spiled/diag"
	"lautenbacher.net/spiled/led"
	"lautenbacher.net/spiled/packet"
	"lautenbacher.net/spiled/platform"
)

// scriptedSlave answers each Exchange with the next scripted step and
// records the tx buffers it was given.
type scriptedSlave struct {
	initErr error
	steps   []scriptStep
	sent    []packet.Packet
}

type scriptStep struct {
	rx  packet.Packet
	err error
}

func (s *scriptedSlave) Init() error { return s.initErr }

func (s *scriptedSlave) Exchange(ctx context.Context, tx, rx []byte) error {
	var p packet.Packet
	copy(p[:], tx)
	s.sent = append(s.sent, p)
	if len(s.steps) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	copy(rx, step.rx[:])
	return step.err
}

type recordingPin struct {
	calls []led.Level
}

func (p *recordingPin) High() { p.calls = append(p.calls, led.High) }
func (p *recordingPin) Low()  { p.calls = append(p.calls, led.Low) }

type fakeBoard struct {
	initErr error
	slave   platform.Slave
	pin     *recordingPin
}

func (b *fakeBoard) Init() error           { return b.initErr }
func (b *fakeBoard) Slave() platform.Slave { return b.slave }
func (b *fakeBoard) LedPin() led.Pin       { return b.pin }
func (b *fakeBoard) Close() error          { return nil }

func newFakeBoard(steps ...scriptStep) (*fakeBoard, *scriptedSlave) {
	s := &scriptedSlave{steps: steps}
	return &fakeBoard{slave: s, pin: &recordingPin{}}, s
}

func ok(cmd byte) scriptStep {
	return scriptStep{rx: packet.New(cmd)}
}

func TestStep_LedOnAndOff(t *testing.T) {
	board, _ := newFakeBoard(ok(packet.LedOn), ok(packet.LedOff))
	c := New(board, true, nil)
	require.NoError(t, c.Start())
	assert.Equal(t, StateRunning, c.State())

	require.NoError(t, c.Step(context.Background()))
	assert.Equal(t, []led.Level{led.Low}, board.pin.calls, "LED on drives the active (clear) level")

	require.NoError(t, c.Step(context.Background()))
	assert.Equal(t, []led.Level{led.Low, led.High}, board.pin.calls, "LED off drives the inactive (set) level")
}

func TestStep_UnknownCommandLeavesLed(t *testing.T) {
	board, _ := newFakeBoard(ok(packet.LedOn), ok(0x55), ok(0xFF))
	c := New(board, true, nil)
	require.NoError(t, c.Start())

	for range 3 {
		require.NoError(t, c.Step(context.Background()))
	}
	assert.Equal(t, []led.Level{led.Low}, board.pin.calls)
	assert.True(t, c.Snapshot().LedOn)
}

func TestStep_EchoesPreviousCommand(t *testing.T) {
	board, slave := newFakeBoard(ok(packet.LedOff), ok(0x33), ok(packet.LedOn))
	c := New(board, true, nil)
	require.NoError(t, c.Start())

	for range 3 {
		require.NoError(t, c.Step(context.Background()))
	}
	require.Len(t, slave.sent, 3)
	assert.Equal(t, packet.New(0x00), slave.sent[0], "nothing received yet, echo the zeroed buffer")
	assert.Equal(t, packet.New(packet.LedOff), slave.sent[1])
	assert.Equal(t, packet.New(0x33), slave.sent[2])
	for _, p := range slave.sent {
		assert.Equal(t, packet.SOP, p[packet.SOPPos])
		assert.Equal(t, packet.EOP, p[packet.EOPPos])
	}
}

func TestStep_TransferFailureHalts(t *testing.T) {
	failure := &platform.TransferError{Status: platform.StatusFramingError, Err: packet.ErrBadEOP}
	board, slave := newFakeBoard(
		ok(packet.LedOn),
		scriptStep{rx: packet.Packet{packet.SOP, packet.LedOff, 0x00}, err: failure},
		ok(packet.LedOff),
	)
	var out bytes.Buffer
	c := New(board, true, diag.NewReporter(&out))
	require.NoError(t, c.Start())
	require.NoError(t, c.Step(context.Background()))

	err := c.Step(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHalted)
	assert.ErrorIs(t, err, packet.ErrBadEOP)
	var halt *HaltError
	require.True(t, errors.As(err, &halt))
	assert.Equal(t, platform.StatusFramingError.Code(), halt.Code)

	assert.Equal(t, StateHalted, c.State())
	assert.Equal(t, []led.Level{led.Low}, board.pin.calls, "LED state unchanged by the failed iteration")
	assert.Contains(t, out.String(), "Error Code: 0x00000001")

	// Halted is terminal: no further exchanges, no actuation.
	err = c.Step(context.Background())
	assert.ErrorIs(t, err, ErrHalted)
	assert.Len(t, slave.sent, 2)
	assert.Equal(t, []led.Level{led.Low}, board.pin.calls)
	assert.ErrorIs(t, c.Start(), ErrHalted)
}

func TestStart_SlaveInitFailureHalts(t *testing.T) {
	board, slave := newFakeBoard(ok(packet.LedOn))
	slave.initErr = errors.New("scb busy")
	var out bytes.Buffer
	c := New(board, true, diag.NewReporter(&out))

	err := c.Start()
	assert.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, StateHalted, c.State())
	assert.Contains(t, out.String(), "FAIL: API init_slave failed with error code")
	assert.Contains(t, out.String(), "Error Code: 0x00000011")

	assert.ErrorIs(t, c.Run(context.Background()), ErrHalted)
	assert.Empty(t, slave.sent)
	assert.Empty(t, board.pin.calls, "LED update never invoked")
}

func TestStart_BoardInitFailureHalts(t *testing.T) {
	board, slave := newFakeBoard()
	board.initErr = errors.New("clock failure")
	var out bytes.Buffer
	c := New(board, true, diag.NewReporter(&out))

	err := c.Start()
	var halt *HaltError
	require.True(t, errors.As(err, &halt))
	assert.Equal(t, CodeBoardInit, halt.Code)
	assert.Equal(t, "board init", halt.Op)
	assert.NotContains(t, out.String(), "SPI slave", "banner is printed only after the board is up")
	assert.Empty(t, slave.sent)
}

func TestStep_BeforeStart(t *testing.T) {
	board, _ := newFakeBoard(ok(packet.LedOn))
	c := New(board, true, nil)
	assert.ErrorIs(t, c.Step(context.Background()), ErrNotStarted)
	assert.Equal(t, StateInit, c.State())
}

func TestRun_CancelIsNotAHalt(t *testing.T) {
	board, _ := newFakeBoard(ok(packet.LedOn))
	c := New(board, true, nil)
	require.NoError(t, c.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrHalted)
	assert.Equal(t, StateRunning, c.State())
	assert.Equal(t, uint64(1), c.Snapshot().Transfers)
}

func TestEnteredLoopPrintedOnce(t *testing.T) {
	board, _ := newFakeBoard(ok(packet.LedOn), ok(packet.LedOff), ok(packet.LedOn))
	var out bytes.Buffer
	c := New(board, true, diag.NewReporter(&out))
	require.NoError(t, c.Start())
	for range 3 {
		require.NoError(t, c.Step(context.Background()))
	}
	assert.Equal(t, 1, strings.Count(out.String(), "Entered for loop"))
	assert.True(t, strings.HasPrefix(out.String(), "\x1b[2J"), "banner comes first")
}

func TestRunWithSimulatedBoard(t *testing.T) {
	board := platform.NewSimulatedBoard()
	c := New(board, true, nil)
	require.NoError(t, c.Start())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	master := board.Simulated()
	reply, err := master.Transact(ctx, []byte{packet.SOP, packet.LedOff, packet.EOP})
	require.NoError(t, err)
	assert.Equal(t, []byte{packet.SOP, 0x00, packet.EOP}, reply)
	require.Eventually(t, func() bool { return board.Pin().IsHigh() }, time.Second, time.Millisecond)

	reply, err = master.Transact(ctx, []byte{packet.SOP, packet.LedOn, packet.EOP})
	require.NoError(t, err)
	assert.Equal(t, []byte{packet.SOP, packet.LedOff, packet.EOP}, reply, "status packet echoes the previous command")
	require.Eventually(t, func() bool { return !board.Pin().IsHigh() }, time.Second, time.Millisecond)

	// A short frame is an incomplete transfer and stops the device.
	_, err = master.Transact(ctx, []byte{packet.SOP})
	require.NoError(t, err)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrHalted)
	case <-time.After(time.Second):
		t.Fatal("controller did not halt")
	}
	assert.False(t, board.Pin().IsHigh(), "LED keeps its last state")

	snap := c.Snapshot()
	assert.Equal(t, StateHalted, snap.State)
	assert.Equal(t, uint64(2), snap.Transfers)
	assert.True(t, snap.LedOn)
	assert.Contains(t, snap.Halt, "incomplete transfer")
}

func TestResume_KeepsEchoAndLed(t *testing.T) {
	prev := Snapshot{
		State:     StateRunning,
		Transfers: 5,
		Cmd:       packet.LedOff,
		LedOn:     false,
		LedLevel:  led.High,
	}
	board, slave := newFakeBoard(ok(packet.LedOn))
	c := New(board, true, nil)
	c.Resume(prev)
	assert.Empty(t, board.pin.calls, "nothing is driven before Start")
	assert.Equal(t, "LED_OFF", c.Snapshot().LastCmd)

	require.NoError(t, c.Start())
	assert.Equal(t, []led.Level{led.High}, board.pin.calls, "LED re-driven to its previous state")
	assert.False(t, c.Snapshot().LedOn)

	require.NoError(t, c.Step(context.Background()))
	require.Len(t, slave.sent, 1)
	assert.Equal(t, packet.New(packet.LedOff), slave.sent[0], "first status packet echoes the command from before the restart")
	assert.Equal(t, uint64(6), c.Snapshot().Transfers)
	assert.Equal(t, []led.Level{led.High, led.Low}, board.pin.calls)
}

func TestResume_ColdSnapshotChangesNothing(t *testing.T) {
	board, slave := newFakeBoard(ok(packet.LedOn))
	c := New(board, true, nil)
	c.Resume(Snapshot{})
	require.NoError(t, c.Start())
	assert.Empty(t, board.pin.calls)

	require.NoError(t, c.Step(context.Background()))
	assert.Equal(t, packet.New(0x00), slave.sent[0])
}

func TestResume_IgnoredAfterStart(t *testing.T) {
	board, slave := newFakeBoard(ok(packet.LedOn))
	c := New(board, true, nil)
	require.NoError(t, c.Start())
	c.Resume(Snapshot{Transfers: 1, Cmd: packet.LedOff, LedLevel: led.High})

	require.NoError(t, c.Step(context.Background()))
	assert.Equal(t, packet.New(0x00), slave.sent[0])
	assert.Equal(t, []led.Level{led.Low}, board.pin.calls)
}

func TestSnapshotSequence(t *testing.T) {
	board, _ := newFakeBoard(ok(packet.LedOn))
	c := New(board, true, nil)
	first := c.Snapshot().Seq
	require.NoError(t, c.Start())
	require.NoError(t, c.Step(context.Background()))
	assert.Equal(t, first+2, c.Snapshot().Seq)
}
