package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"lautenbacher.net/spiled/controller"
	"lautenbacher.net/spiled/logging"
	"lautenbacher.net/spiled/packet"
	"lautenbacher.net/spiled/platform"
)

const (
	maxHistory      = 50
	title           = " SPILED Simulation "
	transactTimeout = 500 * time.Millisecond
)

type binding struct {
	label string
	frame []byte
}

// bindings maps keys to the frames the simulated master sends.
var bindings = map[rune]binding{
	'1': {"LED on", []byte{packet.SOP, packet.LedOn, packet.EOP}},
	'0': {"LED off", []byte{packet.SOP, packet.LedOff, packet.EOP}},
	'u': {"unknown command", []byte{packet.SOP, 0x5A, packet.EOP}},
	'b': {"bad framing", []byte{packet.EOP, packet.LedOn, packet.SOP}},
	's': {"short frame", []byte{packet.SOP, packet.LedOn}},
}

// Simulation is the TUI playing the SPI master against a simulated slave.
type Simulation struct {
	app      *tview.Application
	status   *tview.TextView
	history  *tview.TextView
	logView  *tview.TextView
	ctrl     *controller.Controller
	master   platform.Transactor
	ossignal chan os.Signal

	mu      sync.Mutex
	entries deque.Deque[string]
}

func NewSimulation(ctrl *controller.Controller, master platform.Transactor, ossignal chan os.Signal) *Simulation {
	s := &Simulation{
		app:      tview.NewApplication(),
		ctrl:     ctrl,
		master:   master,
		ossignal: ossignal,
	}
	s.entries.Grow(maxHistory)
	return s
}

// Start runs the TUI until stopSignal is closed. It should be called as a
// goroutine.
func (s *Simulation) Start(stopSignal chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	s.setupUI()
	if err := logging.SetOutput(s.logView); err != nil {
		slog.Error("Failed to attach log pane", "error", err)
	}

	go func() {
		for {
			select {
			case <-stopSignal:
				slog.Info("Stopping simulation TUI...")
				logging.BufferOutput()
				s.app.Stop()
				return
			case <-s.ctrl.Updates():
				snap := s.ctrl.Snapshot()
				s.app.QueueUpdateDraw(func() {
					s.status.SetText(renderStatus(snap))
				})
			}
		}
	}()

	if err := s.app.Run(); err != nil {
		slog.Error("Error running simulation TUI", "error", err)
		os.Exit(1)
	}
	slog.Info("Simulation TUI has stopped.")
}

func (s *Simulation) setupUI() {
	intro := tview.NewTextView()
	intro.SetBorder(true).SetTitle(title).SetTitleColor(tcell.ColorLightBlue)
	intro.SetText(legend())
	intro.SetTextAlign(tview.AlignCenter)
	intro.SetDynamicColors(true)
	intro.SetBackgroundColor(tcell.ColorDarkSlateGray)

	s.status = tview.NewTextView()
	s.status.SetBorder(true).SetTitle(" Slave ")
	s.status.SetDynamicColors(true)
	s.status.SetText(renderStatus(s.ctrl.Snapshot()))

	s.history = tview.NewTextView()
	s.history.SetBorder(true).SetTitle(" Exchanges ")
	s.history.SetDynamicColors(true)

	s.logView = tview.NewTextView()
	s.logView.SetBorder(true).SetTitle(" Log ")
	s.logView.SetChangedFunc(func() { s.app.Draw() })
	s.logView.ScrollToEnd()

	top := tview.NewFlex().
		AddItem(s.status, 0, 1, false).
		AddItem(s.history, 0, 2, false)

	layout := tview.NewFlex().SetDirection(tview.FlexRow)
	layout.AddItem(intro, 4, 1, false)
	layout.AddItem(top, 10, 1, false)
	layout.AddItem(s.logView, 0, 1, false)

	s.app.SetRoot(layout, true)
	s.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		key := event.Rune()
		if b, ok := bindings[key]; ok {
			go s.send(b)
			return nil
		}
		switch key {
		case 'q', 'Q':
			s.ossignal <- os.Interrupt
			return nil
		}
		return event
	})
}

// send performs one master transaction and records it in the history pane.
func (s *Simulation) send(b binding) {
	ctx, cancel := context.WithTimeout(context.Background(), transactTimeout)
	defer cancel()

	reply, err := s.master.Transact(ctx, b.frame)
	line := historyLine(time.Now(), b, reply, err)
	text := s.record(line)
	s.app.QueueUpdateDraw(func() {
		s.history.SetText(text)
	})
}

// record appends line to the bounded history and returns its rendering,
// newest first.
func (s *Simulation) record(line string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries.Len() == maxHistory {
		s.entries.PopBack()
	}
	s.entries.PushFront(line)

	var buf strings.Builder
	for i := range s.entries.Len() {
		buf.WriteString(s.entries.At(i))
		buf.WriteString("\n")
	}
	return buf.String()
}

func legend() string {
	keys := maps.Keys(bindings)
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("[blue]%c[-] %s", k, bindings[k].label))
	}
	return strings.Join(parts, ", ") + "\nHit [#ff0000]q[-] to exit"
}

func renderStatus(snap controller.Snapshot) string {
	var buf strings.Builder
	state := snap.State.String()
	switch snap.State {
	case controller.StateRunning:
		state = "[green]" + state + "[-]"
	case controller.StateHalted:
		state = "[red]" + state + "[-]"
	}
	ledText := "[#404040]○ off[-]"
	if snap.LedOn {
		ledText = "[yellow]● on[-]"
	}
	fmt.Fprintf(&buf, " State:     %s\n", state)
	fmt.Fprintf(&buf, " LED:       %s (pin %s)\n", ledText, snap.LedLevel)
	fmt.Fprintf(&buf, " Transfers: %d (update #%d)\n", snap.Transfers, snap.Seq)
	fmt.Fprintf(&buf, " Last rx:   %s %s\n", tview.Escape(snap.LastRx), snap.LastCmd)
	fmt.Fprintf(&buf, " Last tx:   %s\n", tview.Escape(snap.LastTx))
	if snap.Halt != "" {
		fmt.Fprintf(&buf, " [red]%s[-]\n", tview.Escape(snap.Halt))
	}
	return buf.String()
}

func historyLine(at time.Time, b binding, reply []byte, err error) string {
	prefix := fmt.Sprintf("%s %-16s %-8X", at.Format("15:04:05"), b.label, b.frame)
	if err != nil {
		return fmt.Sprintf("%s -> [red]%s[-]", prefix, tview.Escape(describeError(err)))
	}
	return fmt.Sprintf("%s <- %X", prefix, reply)
}

func describeError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "no response, slave not listening"
	}
	return err.Error()
}
