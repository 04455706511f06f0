package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"lautenbacher.net/spiled/config"
	"lautenbacher.net/spiled/controller"
	"lautenbacher.net/spiled/diag"
	"lautenbacher.net/spiled/logging"
	"lautenbacher.net/spiled/platform"
	"lautenbacher.net/spiled/tui"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated slave driven from a terminal UI",
	RunE: func(cmd *cobra.Command, args []string) error {
		return simulate(configFile)
	},
}

func init() {
	rootCmd.AddCommand(simulateCmd)
}

func simulate(cfile string) error {
	conf, err := config.ReadConfig(cfile)
	if err != nil {
		return err
	}
	if err := logging.Init(conf.Logging, true); err != nil {
		return fmt.Errorf("failed to init logging: %w", err)
	}
	defer logging.Close()

	ossignal := make(chan os.Signal, 1)
	signal.Notify(ossignal, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(ossignal)

	board := platform.NewSimulatedBoard()
	defer board.Close()

	// there is no UART in the simulation, the diagnostic stream goes to the log
	reporter := diag.NewReporter(diagLogWriter{})
	ctrl := controller.New(board, conf.Hardware.LedActiveLow, reporter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ctrl.Start(); err != nil {
			return
		}
		if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Simulated device stopped", "error", err)
		}
	}()

	stopTUI := make(chan struct{})
	wg.Add(1)
	go tui.NewSimulation(ctrl, board.Simulated(), ossignal).Start(stopTUI, &wg)

	sig := <-ossignal
	slog.Info("Received signal", "signal", sig)
	close(stopTUI)
	cancel()
	wg.Wait()
	return nil
}

// diagLogWriter forwards diagnostic output to the log.
type diagLogWriter struct{}

func (diagLogWriter) Write(p []byte) (int, error) {
	slog.Debug("diag", "out", string(p))
	return len(p), nil
}
