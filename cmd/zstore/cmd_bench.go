package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/zstore/zstore/internal/session"
	"github.com/zstore/zstore/internal/workload"
)

func init() {
	cmdMain.AddCommand(cmdBench)

	cmdBench.Flags().IntVarP(&flagBench.Count, "count", "n", 1000, "Appends to submit per device")
	cmdBench.Flags().StringVar(&flagBench.Device, "device", "", "Only benchmark this device")
}

var cmdBench = &cobra.Command{
	Use:   "bench",
	Short: "Submit back-to-back appends to each device at full queue depth",
	Long: "Appends single-block patterns to each configured device independently, " +
		"keeping the queue full, and reports append IOPS and latency per device. " +
		"Devices are not mirrored; use run for lockstep appends.",
	Args: cobra.NoArgs,
	RunE: runBench,
}

var flagBench struct {
	Count  int
	Device string
}

func runBench(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	sessOpts, err := a.sessionOptions()
	if err != nil {
		return err
	}

	return a.start("bench", func(ctx context.Context) error {
		var errs error
		for _, dev := range a.cfg.Devices {
			if flagBench.Device != "" && dev.Name != flagBench.Device {
				continue
			}
			o := sessOpts
			o.Name = dev.Name
			s, err := session.Open(ctx, a.drv, dev.Target, o)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}

			lbas, err := workload.Burst(ctx, s, a.cfg.Workload.Prefix, uint64(a.cfg.Workload.StartValue), flagBench.Count, nil)
			errs = multierr.Append(errs, err)
			errs = multierr.Append(errs, s.Drain())
			a.logger.Info("bench finished", "device", dev.Name, "appended", len(lbas))

			for _, sum := range workload.Summaries([]*session.Session{s}) {
				fmt.Fprint(os.Stdout, sum.String())
			}
		}
		return errs
	})
}
