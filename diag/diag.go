package diag

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.bug.st/serial"
	"lautenbacher.net/spiled/util"
)

const (
	clearScreen = "\x1b[2J\x1b[;H"
	title       = "PMG1 MCU: SPI slave"
	separator   = "\r\n=====================================================\r\n"
)

// Reporter writes the human readable diagnostic stream, usually to a UART.
// A Reporter without a writer is disabled and drops everything.
type Reporter struct {
	mu      sync.Mutex
	w       io.Writer
	entered util.Latch
}

func NewReporter(w io.Writer) *Reporter {
	return &Reporter{w: w}
}

// Enabled reports whether output goes anywhere.
func (r *Reporter) Enabled() bool {
	return r != nil && r.w != nil
}

// Banner clears the terminal and prints the title.
func (r *Reporter) Banner() {
	r.write(clearScreen,
		"****************** ",
		title,
		"****************** \r\n\n")
}

// Failure prints message framed by separators together with code in hex.
func (r *Reporter) Failure(message string, code uint32) {
	r.write(separator,
		"\nFAIL: ", message, "\r\n",
		fmt.Sprintf("Error Code: 0x%08X\n", code),
		separator)
}

// EnteredLoop prints a note the first time it is called.
func (r *Reporter) EnteredLoop() {
	if !r.Enabled() || !r.entered.Fire() {
		return
	}
	r.write("Entered for loop\r\n")
}

func (r *Reporter) write(parts ...string) {
	if !r.Enabled() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range parts {
		if _, err := io.WriteString(r.w, s); err != nil {
			slog.Warn("Diagnostic output failed", "error", err)
			return
		}
	}
}

// OpenSerial opens the diagnostic UART, 8N1.
func OpenSerial(portName string, baudRate int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open diagnostic port %s: %w", portName, err)
	}
	return port, nil
}
