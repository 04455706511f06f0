package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"lautenbacher.net/spiled/config"
	"lautenbacher.net/spiled/packet"
	"lautenbacher.net/spiled/platform"
)

var (
	rawFrame      string
	masterTimeout time.Duration
)

var masterCmd = &cobra.Command{
	Use:   "master [on|off|<byte>]",
	Short: "Send one packet to the slave from a Linux SPI master",
	Long: `Sends [SOP][CMD][EOP] from the spidev device configured under Master and
prints the status packet shifted back by the slave. The slave answers with the
command it received in the previous transfer.

Use --raw to send arbitrary bytes, e.g. --raw "01 5A" to provoke a halt.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		frame, err := masterFrame(args, rawFrame)
		if err != nil {
			return err
		}
		conf, err := config.ReadConfig(configFile)
		if err != nil {
			return err
		}
		m, err := platform.OpenMaster(conf.Master)
		if err != nil {
			return err
		}
		defer m.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, masterTimeout)
		defer cancel()
		return sendFrame(ctx, m, frame, cmd.OutOrStdout())
	},
}

func init() {
	masterCmd.Flags().StringVar(&rawFrame, "raw", "", "hex bytes to send instead of a framed command")
	masterCmd.Flags().DurationVar(&masterTimeout, "timeout", 2*time.Second, "give up after this long")
	rootCmd.AddCommand(masterCmd)
}

// masterFrame builds the bytes to send from the positional argument or the
// --raw flag.
func masterFrame(args []string, raw string) ([]byte, error) {
	if raw != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("give either a command or --raw, not both")
		}
		b, err := hex.DecodeString(strings.NewReplacer(" ", "", ":", "").Replace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid --raw %q: %w", raw, err)
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("--raw needs at least one byte")
		}
		return b, nil
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("missing command: on, off or a byte value")
	}
	cmd, err := parseCommand(args[0])
	if err != nil {
		return nil, err
	}
	p := packet.New(cmd)
	return p[:], nil
}

func parseCommand(arg string) (byte, error) {
	switch strings.ToLower(arg) {
	case "on":
		return packet.LedOn, nil
	case "off":
		return packet.LedOff, nil
	}
	v, err := strconv.ParseUint(arg, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid command %q: want on, off or a byte value", arg)
	}
	return byte(v), nil
}

func sendFrame(ctx context.Context, t platform.Transactor, frame []byte, out io.Writer) error {
	reply, err := t.Transact(ctx, frame)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "sent     % X\n", frame)
	fmt.Fprintf(out, "received % X\n", reply)
	if err := packet.Validate(reply); err != nil {
		fmt.Fprintf(out, "status packet invalid (%v), the slave may be halted\n", err)
		return nil
	}
	fmt.Fprintf(out, "slave's previous command: %s\n", packet.CommandName(reply[packet.CmdPos]))
	return nil
}
