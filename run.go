package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"lautenbacher.net/spiled/config"
	"lautenbacher.net/spiled/controller"
	"lautenbacher.net/spiled/diag"
	"lautenbacher.net/spiled/led"
	"lautenbacher.net/spiled/logging"
	"lautenbacher.net/spiled/platform"
)

const reloadDebounce = 200 * time.Millisecond

var errReload = errors.New("config changed")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the SPI slave loop on the configured hardware",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runSlave(ctx, configFile)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runSlave(ctx context.Context, cfile string) error {
	conf, err := config.ReadConfig(cfile)
	if err != nil {
		return err
	}
	if err := logging.Init(conf.Logging, false); err != nil {
		return fmt.Errorf("failed to init logging: %w", err)
	}
	defer logging.Close()

	reload, err := watchConfig(ctx, cfile)
	if err != nil {
		slog.Warn("Config reload disabled", "error", err)
	}

	var last controller.Snapshot
	for {
		var err error
		last, err = serve(ctx, conf, reload, last)
		switch {
		case errors.Is(err, errReload):
			newConf, rerr := config.ReadConfig(cfile)
			if rerr != nil {
				slog.Error("Keeping previous config", "error", rerr)
				continue
			}
			slog.Info("Restarting with new config", "file", cfile)
			conf = newConf
		case ctx.Err() != nil:
			slog.Info("Shutting down")
			return nil
		default:
			return err
		}
	}
}

// serve runs one controller lifetime on a fresh board, resuming from prev. It
// returns the final snapshot together with errReload when the config file
// changed, ctx.Err() on shutdown or the halt error when OnHalt is exit.
func serve(ctx context.Context, conf *config.Config, reload <-chan struct{}, prev controller.Snapshot) (controller.Snapshot, error) {
	board := newBoard(conf.Hardware, prev.LedLevel != led.Unknown && prev.LedOn)
	defer func() {
		if err := board.Close(); err != nil {
			slog.Error("Error closing board", "error", err)
		}
	}()

	reporter, closer := openReporter(conf.Diagnostics)
	defer closer.Close()

	ctrl := controller.New(board, conf.Hardware.LedActiveLow, reporter)
	ctrl.Resume(prev)
	if conf.Status.Enabled {
		srv := controller.NewStatusServer(conf.Status.Listen, ctrl)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Status endpoint failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		if err := ctrl.Start(); err != nil {
			errc <- err
			return
		}
		errc <- ctrl.Run(runCtx)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, controller.ErrHalted) {
			return ctrl.Snapshot(), halt(ctx, conf.OnHalt, reload, err)
		}
		return ctrl.Snapshot(), err
	case <-reload:
		cancel()
		if err := <-errc; errors.Is(err, controller.ErrHalted) {
			return ctrl.Snapshot(), halt(ctx, conf.OnHalt, reload, err)
		}
		return ctrl.Snapshot(), errReload
	case <-ctx.Done():
		cancel()
		<-errc
		return ctrl.Snapshot(), ctx.Err()
	}
}

// halt keeps the device inert after a fatal fault. Reloads are refused; only
// a restart of the process leaves this state.
func halt(ctx context.Context, onHalt string, reload <-chan struct{}, cause error) error {
	if onHalt == config.OnHaltExit {
		return cause
	}
	slog.Error("Device halted, waiting for restart", "error", cause)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reload:
			slog.Warn("Ignoring config change while halted")
		}
	}
}

var newBoard = func(conf config.HardwareConfig, ledOn bool) platform.Board {
	if conf.Platform == config.PlatformSim {
		return platform.NewSimulatedBoard()
	}
	return platform.NewRaspberryPiBoard(conf, ledOn)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openReporter returns a disabled reporter when diagnostics are off or the
// UART cannot be opened; diagnostics never stop the device.
func openReporter(conf config.DiagnosticsConfig) (*diag.Reporter, io.Closer) {
	if !conf.Enabled {
		return diag.NewReporter(nil), nopCloser{}
	}
	port, err := diag.OpenSerial(conf.Port, conf.BaudRate)
	if err != nil {
		slog.Warn("Diagnostics disabled", "error", err)
		return diag.NewReporter(nil), nopCloser{}
	}
	return diag.NewReporter(port), port
}

// watchConfig signals on the returned channel when cfile is written.
// The directory is watched so editors replacing the file are noticed too.
func watchConfig(ctx context.Context, cfile string) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(cfile)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, err
	}

	reload := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs || !event.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watcher error", "error", err)
			}
		}
	}()
	return reload, nil
}
