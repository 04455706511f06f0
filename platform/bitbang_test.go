package platform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stianeikeland/go-rpio/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMaster clocks a mode 0 transfer one edge per SCLK read.
type fakeMaster struct {
	mosi       []byte
	bits       int // bits the master clocks before releasing CS
	idleReads  int // CS reads before the master selects the slave
	edges      int
	misoHigh   bool
	misoBits   []bool
	neverStart bool
}

func newFakeMaster(mosi []byte) *fakeMaster {
	return &fakeMaster{mosi: mosi, bits: 8 * len(mosi), idleReads: 3}
}

type pinFunc func() rpio.State

func (f pinFunc) Read() rpio.State { return f() }

type fakeMiso struct{ m *fakeMaster }

func (p fakeMiso) High() { p.m.misoHigh = true }
func (p fakeMiso) Low()  { p.m.misoHigh = false }

func (m *fakeMaster) done() bool {
	return m.edges >= 2*m.bits
}

func (m *fakeMaster) readCS() rpio.State {
	if m.neverStart {
		return rpio.High
	}
	if m.idleReads > 0 {
		m.idleReads--
		return rpio.High
	}
	if m.done() {
		return rpio.High
	}
	return rpio.Low
}

func (m *fakeMaster) readSCLK() rpio.State {
	if m.done() {
		return rpio.Low
	}
	m.edges++
	if m.edges%2 == 1 {
		m.misoBits = append(m.misoBits, m.misoHigh)
		return rpio.High
	}
	return rpio.Low
}

func (m *fakeMaster) readMOSI() rpio.State {
	bit := (m.edges - 1) / 2
	b := m.mosi[bit/8]
	if b&(0x80>>(bit%8)) != 0 {
		return rpio.High
	}
	return rpio.Low
}

// received assembles the bytes sampled from MISO.
func (m *fakeMaster) received() []byte {
	out := make([]byte, len(m.misoBits)/8)
	for i, high := range m.misoBits[:8*len(out)] {
		if high {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return out
}

func (m *fakeMaster) slave() *bitBangSlave {
	return &bitBangSlave{
		cs:   pinFunc(m.readCS),
		sclk: pinFunc(m.readSCLK),
		mosi: pinFunc(m.readMOSI),
		miso: fakeMiso{m},
	}
}

func TestBitBang_FullDuplexTransfer(t *testing.T) {
	m := newFakeMaster([]byte{0x01, 0x00, 0x17})
	rx := make([]byte, 3)

	n, err := m.slave().transfer(context.Background(), []byte{0x01, 0xA5, 0x17}, rx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{0x01, 0x00, 0x17}, rx, "slave samples MOSI")
	assert.Equal(t, []byte{0x01, 0xA5, 0x17}, m.received(), "master samples MISO")
	assert.False(t, m.misoHigh, "MISO is released low after the transfer")
}

func TestBitBang_IncompleteTransfer(t *testing.T) {
	m := newFakeMaster([]byte{0x01, 0x00, 0x17})
	m.bits = 12
	rx := make([]byte, 3)

	n, err := m.slave().transfer(context.Background(), []byte{0x01, 0x00, 0x17}, rx)
	assert.True(t, errors.Is(err, errDeselected), "got %v", err)
	assert.Equal(t, 1, n)
	assert.Equal(t, byte(0x01), rx[0])
}

func TestBitBang_CancelWhileIdle(t *testing.T) {
	m := newFakeMaster([]byte{0x01, 0x00, 0x17})
	m.neverStart = true
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.slave().transfer(ctx, make([]byte, 3), make([]byte, 3))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRaspberryPiSlave_Exchange(t *testing.T) {
	tests := []struct {
		name   string
		mosi   []byte
		bits   int
		status Status
	}{
		{"complete", []byte{0x01, 0x00, 0x17}, 24, StatusComplete},
		{"bad framing", []byte{0x55, 0x00, 0x17}, 24, StatusFramingError},
		{"released early", []byte{0x01, 0x00, 0x17}, 20, StatusIncomplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newFakeMaster(tt.mosi)
			m.bits = tt.bits
			s := &RaspberryPiSlave{bus: m.slave()}

			err := s.Exchange(context.Background(), []byte{0x01, 0x00, 0x17}, make([]byte, 3))
			if tt.status == StatusComplete {
				assert.NoError(t, err)
				return
			}
			var terr *TransferError
			require.True(t, errors.As(err, &terr), "got %v", err)
			assert.Equal(t, tt.status, terr.Status)
		})
	}
}

func TestRaspberryPiSlave_ExchangeRejectsBadBuffers(t *testing.T) {
	s := &RaspberryPiSlave{bus: newFakeMaster([]byte{1, 2, 3}).slave()}
	err := s.Exchange(context.Background(), make([]byte, 3), make([]byte, 2))

	var terr *TransferError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, StatusLengthMismatch, terr.Status)
}

func TestRaspberryPiSlave_ExchangeBeforeInit(t *testing.T) {
	s := &RaspberryPiSlave{}
	err := s.Exchange(context.Background(), make([]byte, 3), make([]byte, 3))

	var terr *TransferError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, StatusBusError, terr.Status)
}
