//go:build linux

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/rte/internal/source"
	"firestige.xyz/rte/internal/source/afpacket"
)

var liveCfg = afpacket.DefaultConfig()

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Time the exchanges of live traffic on an interface",
	Long: `Capture from a network interface until interrupted, reporting each
exchange as it completes. On SIGINT/SIGTERM the open exchanges are
finalized and reported as orphaned.

Requires CAP_NET_RAW.

Examples:
  rte capture -i eth0 -c rte.yaml
  rte capture -i eth0 --buffer-mb 256 --fanout-id 7`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, sinks := setup()
		report, err := run(ctx, cfg, liveCfg.Device, func() (source.PacketSource, error) {
			return afpacket.Open(liveCfg)
		}, sinks)
		if err != nil {
			exitWithError("capture failed", err)
		}
		report.log()
	},
}

func init() {
	f := captureCmd.Flags()
	f.StringVarP(&liveCfg.Device, "interface", "i", "", "interface to capture on (required)")
	f.IntVar(&liveCfg.SnapLen, "snaplen", liveCfg.SnapLen, "bytes captured per packet")
	f.IntVar(&liveCfg.BufferSizeMB, "buffer-mb", liveCfg.BufferSizeMB, "ring buffer size in MB")
	f.DurationVar(&liveCfg.PollTimeout, "poll-timeout", liveCfg.PollTimeout, "ring poll interval")
	f.Uint16Var(&liveCfg.FanoutID, "fanout-id", 0, "AF_PACKET fanout group, 0 disables")
	f.StringVar(&consoleFormat, "format", "", "console sink format: text, json or csv")
	captureCmd.MarkFlagRequired("interface")

	rootCmd.AddCommand(captureCmd)
}
