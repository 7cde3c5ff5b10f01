// Package driver defines the boundary between the zone session layer and the
// transport stack that discovers controllers and namespaces and executes I/O.
//
// The session layer consumes these interfaces read-only: it never reaches below
// a QueuePair. Completions are delivered through callbacks invoked from
// ProcessCompletions on the goroutine that drives the queue pair, in submission
// order.
package driver

import (
	"context"
	"fmt"
)

// Target addresses a controller through a transport (for NVMe-oF: trtype,
// traddr and trsvcid) plus the namespace id on that controller.
type Target struct {
	Transport   string `yaml:"transport"`
	Address     string `yaml:"address"`
	ServiceID   string `yaml:"service_id"`
	NamespaceID uint32 `yaml:"namespace_id"`
}

// String renders the target the way transport ids are usually printed.
func (t Target) String() string {
	return fmt.Sprintf("trtype:%s traddr:%s trsvcid:%s ns:%d", t.Transport, t.Address, t.ServiceID, t.NamespaceID)
}

// Descriptor describes a namespace's geometry and capabilities.
type Descriptor struct {
	BlockSize         uint32 `json:"block_size"`
	ZoneSize          uint64 `json:"zone_size"`
	ZoneCapacity      uint64 `json:"zone_capacity"`
	NumZones          uint64 `json:"num_zones"`
	FirstZoneLBA      uint64 `json:"first_zone_lba"`
	MetadataSupported bool   `json:"metadata_supported"`
	MaxQueueDepth     int    `json:"max_queue_depth"`
	ZoneAppend        bool   `json:"zone_append"`
	MaxAppendBlocks   uint64 `json:"max_append_blocks"`
}

// ZoneStart returns the first LBA of zone index.
func (d Descriptor) ZoneStart(index uint64) uint64 {
	return d.FirstZoneLBA + index*d.ZoneSize
}

// ZoneState mirrors the zone states a zoned namespace reports.
type ZoneState int

const (
	ZoneEmpty ZoneState = iota
	ZoneOpen
	ZoneFull
	ZoneOffline
)

func (s ZoneState) String() string {
	switch s {
	case ZoneEmpty:
		return "EMPTY"
	case ZoneOpen:
		return "OPEN"
	case ZoneFull:
		return "FULL"
	case ZoneOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// ZoneReport is the device's authoritative view of one zone.
type ZoneReport struct {
	Index        uint64
	Start        uint64
	WritePointer uint64
	Capacity     uint64
	State        ZoneState
}

// Completion is delivered once per submitted command.
type Completion struct {
	// LBA is the address the device assigned to an append; for reads it echoes
	// the requested address.
	LBA uint64
	Err error
}

// Callback receives a command's completion.
type Callback func(Completion)

// Driver connects to targets.
type Driver interface {
	Connect(ctx context.Context, target Target) (Namespace, error)
}

// Namespace is a connected zoned namespace.
type Namespace interface {
	Describe() Descriptor
	ReportZone(ctx context.Context, index uint64) (ZoneReport, error)
	AllocQueuePair(depth int) (QueuePair, error)
	Close() error
}

// QueuePair is one submission/completion queue pair. It is not safe for
// concurrent use; one goroutine submits and polls.
type QueuePair interface {
	// SubmitAppend appends buf to the zone starting at zoneStart. The device
	// picks the LBA.
	SubmitAppend(zoneStart uint64, buf []byte, cb Callback) error
	SubmitRead(lba uint64, buf []byte, cb Callback) error
	SubmitZoneReset(zoneStart uint64, cb Callback) error
	// ProcessCompletions reaps up to max completions (0 means all available)
	// and returns how many callbacks ran.
	ProcessCompletions(max int) (int, error)
	Free() error
}
