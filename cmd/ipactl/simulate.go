package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/emergingrobotics/go-ipa/pkg/device"
	"github.com/emergingrobotics/go-ipa/pkg/driver"
	"github.com/emergingrobotics/go-ipa/pkg/hal"
	"github.com/emergingrobotics/go-ipa/pkg/power"
)

type simOptions struct {
	bursts   []int
	size     int
	queues   int
	depth    int
	high     uint64
	low      uint64
	pin      bool
	json     bool
	cycle    bool
	deadline time.Duration
}

func (o *simOptions) config() device.Config {
	cfg := device.DefaultConfig()
	cfg.RxQueues = o.queues
	cfg.RxDepth = o.depth
	cfg.HighWater = o.high
	cfg.LowWater = o.low
	cfg.Pin = o.pin
	// Placement is evaluated once per burst below.
	cfg.SchedInterval = 24 * time.Hour
	return cfg
}

func newSimulateCommand() *cobra.Command {
	o := &simOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive a loopback device through traffic bursts and a suspend cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context(), cmd.OutOrStdout(), o)
		},
	}
	f := cmd.Flags()
	f.IntSliceVar(&o.bursts, "bursts", []int{0, 1500, 3000, 100, 0}, "packets delivered per scheduler tick")
	f.IntVar(&o.size, "size", 256, "payload size in bytes")
	f.IntVar(&o.queues, "rx-queues", 2, "receive queues")
	f.IntVar(&o.depth, "rx-depth", 256, "receive ring depth")
	f.Uint64Var(&o.high, "high", 1000, "rate high water mark")
	f.Uint64Var(&o.low, "low", 200, "rate low water mark")
	f.BoolVar(&o.pin, "pin", false, "pin receive workers to placement cores")
	f.BoolVar(&o.json, "json", false, "print the final stats as JSON")
	f.BoolVar(&o.cycle, "suspend-cycle", true, "run a suspend/resume cycle after the bursts")
	f.DurationVar(&o.deadline, "timeout", 10*time.Second, "bound on each power transition")
	return cmd
}

// sources cycles traffic over the USB, WiFi and WWAN interfaces.
var sources = []struct {
	src   driver.Term
	netid int
}{
	{driver.TermUSB, 0},
	{driver.TermWifi, 0},
	{driver.TermCP0, 0},
	{driver.TermCP0, 1},
	{driver.TermVCP, 2},
	{driver.TermCP1, 7},
}

func runSimulate(ctx context.Context, out io.Writer, o *simOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	lb := hal.NewLoopback()
	d, err := device.Attach(lb, lb, o.config())
	if err != nil {
		return err
	}
	defer d.Detach()

	if err := powerOn(ctx, d, o.deadline); err != nil {
		return err
	}
	fmt.Fprintf(out, "device %s powered on\n", d.ID())

	for id := driver.NicID(0); id < driver.NicMax; id++ {
		if err := d.NicOpen(id, nil); err != nil {
			return fmt.Errorf("open %s: %w", id, err)
		}
	}

	received := make(map[driver.NicID]int)
	drain := func() {
		for id := driver.NicID(0); id < driver.NicMax; id++ {
			for {
				if _, _, err := d.NicRx(id); err != nil {
					break
				}
				received[id]++
			}
		}
	}

	seq := 0
	for i, n := range o.bursts {
		for j := 0; j < n; j++ {
			s := sources[seq%len(sources)]
			pkt := hal.Packet{
				Src:      s.src,
				Dst:      driver.TermAP,
				NetID:    s.netid,
				Payload:  payload(seq, o.size),
				Checksum: driver.ChecksumGood,
				Hash:     uint32(seq),
			}
			if err := deliver(ctx, lb, pkt, drain); err != nil {
				return err
			}
			seq++
		}
		if err := settle(ctx, d, uint64(seq), o.deadline); err != nil {
			return err
		}
		drain()

		from := d.Scheduler().Placement()
		to, err := d.Scheduler().Tick()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "tick %d: %d packets, placement %s -> %s\n", i, n, from, to)
	}

	for id := driver.NicID(0); id < driver.NicMax; id++ {
		if received[id] > 0 {
			fmt.Fprintf(out, "  %-6s %d packets\n", id, received[id])
		}
	}

	if o.cycle {
		if err := d.PowerOff(); err != nil {
			return err
		}
		if err := waitMask(ctx, d, power.BitAll, o.deadline); err != nil {
			return err
		}
		fmt.Fprintf(out, "suspended: mask %s\n", d.Machine().Mask())
		if err := powerOn(ctx, d, o.deadline); err != nil {
			return err
		}
		fmt.Fprintf(out, "resumed: mask %s\n", d.Machine().Mask())
	}

	if o.json {
		data, err := d.Stats().JSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	}
	return nil
}

func payload(seq, size int) []byte {
	p := make([]byte, size)
	for i := range p {
		p[i] = byte(seq + i)
	}
	return p
}

// deliver retries while the receive queues are out of free buffers,
// draining the interfaces in between.
func deliver(ctx context.Context, lb *hal.Loopback, pkt hal.Packet, drain func()) error {
	for {
		err := lb.Deliver(pkt)
		if err == nil {
			return nil
		}
		if !errors.Is(err, driver.ErrAgain) {
			return err
		}
		drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Microsecond):
		}
	}
}

func settle(ctx context.Context, d *device.Device, want uint64, timeout time.Duration) error {
	return poll(ctx, timeout, func() bool { return d.Receiver().Stats().Received >= want },
		fmt.Sprintf("receive of %d packets", want))
}

func waitMask(ctx context.Context, d *device.Device, mask power.Bit, timeout time.Duration) error {
	return poll(ctx, timeout, func() bool { return d.Machine().Mask() == mask },
		fmt.Sprintf("suspend mask %s", mask))
}

func poll(ctx context.Context, timeout time.Duration, cond func() bool, what string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", what, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func powerOn(ctx context.Context, d *device.Device, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.PowerOn(ctx)
}
