package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/zstore/zstore/internal/workload"
)

func init() {
	cmdMain.AddCommand(cmdRun)

	cmdRun.Flags().IntVarP(&flagRun.Appends, "appends", "n", -1, "Number of mirrored appends (default from config)")
	cmdRun.Flags().StringVar(&flagRun.Prefix, "prefix", "", "Pattern prefix (default from config)")
	cmdRun.Flags().BoolVar(&flagRun.RollOver, "roll-over", false, "Advance to the next zone when the active one is full")
	cmdRun.Flags().BoolVar(&flagRun.NoVerify, "no-verify", false, "Skip reading the appends back")
}

var cmdRun = &cobra.Command{
	Use:   "run",
	Short: "Append patterns to every replica, read them back and report",
	Args:  cobra.NoArgs,
	RunE:  runWorkload,
}

var flagRun struct {
	Appends  int
	Prefix   string
	RollOver bool
	NoVerify bool
}

func runWorkload(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	w := a.cfg.Workload
	opts := workload.Options{
		Appends:      w.Appends,
		Prefix:       w.Prefix,
		StartValue:   uint64(w.StartValue),
		AppendBlocks: w.AppendBlocks,
		RollOver:     w.RollOver || flagRun.RollOver,
		Verify:       a.cfg.Mirror.VerifyReads && !flagRun.NoVerify,
		Logger:       a.logger,
		Recorder:     a,
	}
	if flagRun.Appends >= 0 {
		opts.Appends = flagRun.Appends
	}
	if flagRun.Prefix != "" {
		opts.Prefix = flagRun.Prefix
	}

	return a.start("run", func(ctx context.Context) (err error) {
		c, err := a.openReplicaSet(ctx)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, c.Close())
			if err == nil {
				a.logger.Info("zstore exits gracefully")
			}
		}()

		for _, s := range c.Sessions() {
			a.logger.Info("replica ready",
				"device", s.Name(),
				"zone", s.ZoneIndex(),
				"zone_start", fmt.Sprintf("%#x", s.ZoneStart()),
				"write_pointer", fmt.Sprintf("%#x", s.WritePointer()))
		}

		report, err := workload.Run(ctx, c, opts)
		if report != nil {
			for _, d := range report.Devices {
				fmt.Fprint(os.Stdout, d.String())
			}
		}
		return err
	})
}
