package main

import (
	"os"

	"github.com/spf13/cobra"
	"lautenbacher.net/spiled/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "spiled",
	Short: "SPI slave LED controller",
	Long: `spiled - receives 3 byte packets [SOP][CMD][EOP] as SPI slave and switches
an LED on or off. The status packet shifted back to the master echoes the
previously received command. Any transfer failure halts the device.

Commands:
  run       drive the real hardware
  simulate  simulated slave with a terminal UI acting as master
  master    send one packet from a Linux spidev master`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.CONFILE, "Config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
