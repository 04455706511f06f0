package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"lautenbacher.net/spiled/config"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Master talks to the slave from a Linux spidev port, e.g. a second
// Raspberry Pi wired to the slave's bus.
type Master struct {
	port spi.PortCloser
	conn spi.Conn
	mu   sync.Mutex
}

func OpenMaster(conf config.MasterConfig) (*Master, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to init periph: %w", err)
	}
	port, err := spireg.Open(conf.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to open spi %s: %w", conf.Device, err)
	}
	conn, err := port.Connect(physic.Frequency(conf.Frequency)*physic.Hertz, spi.Mode(conf.Mode), 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to connect to spi device: %w", err)
	}
	slog.Info("SPI master ready", "device", conf.Device, "frequency", conf.Frequency, "mode", conf.Mode)
	return &Master{port: port, conn: conn}, nil
}

// Transact runs one chip select cycle. spidev transfers cannot be
// interrupted, so ctx is only checked before the transfer starts.
func (m *Master) Transact(ctx context.Context, frame []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	read := make([]byte, len(frame))
	if err := m.conn.Tx(frame, read); err != nil {
		return nil, fmt.Errorf("spi transaction failed: %w", err)
	}
	return read, nil
}

func (m *Master) Close() error {
	return m.port.Close()
}
