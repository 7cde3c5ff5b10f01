package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zstore/zstore/internal/session"
)

func init() {
	cmdMain.AddCommand(cmdInfo)

	cmdInfo.Flags().BoolVar(&flagInfo.JSON, "json", false, "Print descriptors as JSON")
}

var cmdInfo = &cobra.Command{
	Use:   "info",
	Short: "Connect to every device and print its zone geometry",
	Args:  cobra.NoArgs,
	RunE:  runInfo,
}

var flagInfo struct {
	JSON bool
}

type deviceInfo struct {
	Name         string `json:"name"`
	Target       string `json:"target"`
	BlockSize    uint32 `json:"lba_bytes"`
	ZoneCapacity uint64 `json:"zone_cap"`
	ZoneSize     uint64 `json:"zone_size"`
	Zones        uint64 `json:"zones"`
	Zone         uint64 `json:"zone"`
	WritePointer uint64 `json:"write_pointer"`
	QueueDepth   int    `json:"queue_depth"`
}

func runInfo(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	sessOpts, err := a.sessionOptions()
	if err != nil {
		return err
	}

	return a.start("info", func(ctx context.Context) error {
		store, err := a.cursorStore(ctx)
		if err != nil {
			return err
		}
		zone, err := store.Load(ctx)
		if err != nil {
			a.logger.Warn("no saved zone cursor, showing zone 0", "error", err)
		}

		infos := make([]deviceInfo, 0, len(a.cfg.Devices))
		for _, dev := range a.cfg.Devices {
			o := sessOpts
			o.Name = dev.Name
			o.ZoneIndex = zone
			s, err := session.Open(ctx, a.drv, dev.Target, o)
			if err != nil {
				return err
			}
			desc := s.Descriptor()
			infos = append(infos, deviceInfo{
				Name:         dev.Name,
				Target:       dev.Target.String(),
				BlockSize:    desc.BlockSize,
				ZoneCapacity: desc.ZoneCapacity,
				ZoneSize:     desc.ZoneSize,
				Zones:        desc.NumZones,
				Zone:         s.ZoneIndex(),
				WritePointer: s.WritePointer() - s.ZoneStart(),
				QueueDepth:   s.QueueDepth(),
			})
			if err := s.Drain(); err != nil {
				return err
			}
		}

		if flagInfo.JSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(infos)
		}
		for _, info := range infos {
			fmt.Printf("%s (%s)\n", info.Name, info.Target)
			fmt.Printf("  zone cap:   %#x blocks (%s)\n", info.ZoneCapacity,
				humanize.IBytes(info.ZoneCapacity*uint64(info.BlockSize)))
			fmt.Printf("  lba bytes:  %d\n", info.BlockSize)
			fmt.Printf("  zones:      %d of %#x blocks\n", info.Zones, info.ZoneSize)
			fmt.Printf("  zone %d wp: %#x\n", info.Zone, info.WritePointer)
			fmt.Printf("  queue depth: %d\n", info.QueueDepth)
		}
		return nil
	})
}
