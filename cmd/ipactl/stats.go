package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/emergingrobotics/go-ipa/pkg/device"
	"github.com/emergingrobotics/go-ipa/pkg/hal"
)

func newStatsCommand() *cobra.Command {
	var (
		queues  int
		powered bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Attach a loopback device and print its stats snapshot as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := device.DefaultConfig()
			cfg.RxQueues = queues

			lb := hal.NewLoopback()
			d, err := device.Attach(lb, lb, cfg)
			if err != nil {
				return err
			}
			defer d.Detach()

			if powered {
				ctx := cmd.Context()
				if ctx == nil {
					ctx = context.Background()
				}
				if err := powerOn(ctx, d, 5*time.Second); err != nil {
					return err
				}
			}

			data, err := d.Stats().JSON()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().IntVar(&queues, "rx-queues", 2, "receive queues")
	cmd.Flags().BoolVar(&powered, "power-on", true, "power the device up before the snapshot")
	return cmd
}
