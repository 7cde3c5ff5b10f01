package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/zstore/zstore/pkg/errors"
)

func init() {
	cmdMain.AddCommand(cmdReset)

	cmdReset.Flags().BoolVar(&flagReset.Yes, "yes", false, "Confirm that the active zone may be erased on every replica")
}

var cmdReset = &cobra.Command{
	Use:   "reset",
	Short: "Reset the active zone on every replica (destructive)",
	Long: "Erases the active zone on every replica and clears the divergence fence. " +
		"This is the only way to recover a replica set that has diverged.",
	Args: cobra.NoArgs,
	RunE: runReset,
}

var flagReset struct {
	Yes bool
}

func runReset(cmd *cobra.Command, _ []string) error {
	if !flagReset.Yes {
		return errors.NewError(errors.ErrCodeInvalidArgument, "reset erases the active zone; pass --yes to confirm").
			WithComponent("main")
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	return a.start("reset", func(ctx context.Context) (err error) {
		c, err := a.openReplicaSet(ctx)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, c.Close()) }()

		zone := c.Zone()
		if err := c.Reset(ctx); err != nil {
			a.collector.RecordError(err)
			return err
		}
		a.SetDiverged(false)
		a.logger.Info("zone reset on every replica", "zone", zone, "replicas", len(c.Sessions()))
		return nil
	})
}
