// Package emulator implements an in-memory zoned namespace behind the
// driver interfaces. Commands execute at submission and their completions are
// delivered in submission order by ProcessCompletions, the way a polled
// hardware queue pair behaves. Faults can be injected per namespace.
package emulator

import (
	"context"
	"fmt"
	"sync"

	"github.com/zstore/zstore/internal/driver"
)

// DefaultDescriptor returns the geometry of a typical ZNS drive with 4KiB
// blocks.
func DefaultDescriptor() driver.Descriptor {
	return driver.Descriptor{
		BlockSize:         4096,
		ZoneSize:          0x80000,
		ZoneCapacity:      0x43500,
		NumZones:          904,
		FirstZoneLBA:      0,
		MetadataSupported: true,
		MaxQueueDepth:     1024,
		ZoneAppend:        true,
		MaxAppendBlocks:   64,
	}
}

// Driver is an emulated transport holding registered namespaces by target.
type Driver struct {
	mu         sync.Mutex
	namespaces map[string]*Namespace
}

// NewDriver creates an empty emulated driver.
func NewDriver() *Driver {
	return &Driver{namespaces: make(map[string]*Namespace)}
}

// Register exposes a new namespace at target.
func (d *Driver) Register(target driver.Target, desc driver.Descriptor) *Namespace {
	d.mu.Lock()
	defer d.mu.Unlock()

	ns := &Namespace{
		desc:   desc,
		zones:  make(map[uint64]*zone),
		blocks: make(map[uint64][]byte),
	}
	d.namespaces[target.String()] = ns
	return ns
}

// Namespace returns the namespace registered at target, if any.
func (d *Driver) Namespace(target driver.Target) (*Namespace, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ns, ok := d.namespaces[target.String()]
	return ns, ok
}

// Connect implements driver.Driver.
func (d *Driver) Connect(ctx context.Context, target driver.Target) (driver.Namespace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ns, ok := d.Namespace(target)
	if !ok {
		return nil, fmt.Errorf("no controller at %s", target)
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.unreachable {
		return nil, fmt.Errorf("controller at %s is unreachable", target)
	}
	ns.connections++
	ns.closed = false
	return ns, nil
}

type zone struct {
	wp    uint64
	state driver.ZoneState
}

// Namespace is an emulated zoned namespace.
type Namespace struct {
	mu          sync.Mutex
	desc        driver.Descriptor
	zones       map[uint64]*zone
	blocks      map[uint64][]byte
	unreachable bool
	closed      bool
	connections int

	failAppends int
	failReads   int
	hold        bool

	appends uint64
	reads   uint64
	resets  uint64
}

// Describe implements driver.Namespace.
func (n *Namespace) Describe() driver.Descriptor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.desc
}

// ReportZone implements driver.Namespace.
func (n *Namespace) ReportZone(ctx context.Context, index uint64) (driver.ZoneReport, error) {
	if err := ctx.Err(); err != nil {
		return driver.ZoneReport{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if index >= n.desc.NumZones {
		return driver.ZoneReport{}, fmt.Errorf("zone %d out of range (%d zones)", index, n.desc.NumZones)
	}
	z := n.zoneLocked(index)
	return driver.ZoneReport{
		Index:        index,
		Start:        n.desc.ZoneStart(index),
		WritePointer: z.wp,
		Capacity:     n.desc.ZoneCapacity,
		State:        z.state,
	}, nil
}

// AllocQueuePair implements driver.Namespace.
func (n *Namespace) AllocQueuePair(depth int) (driver.QueuePair, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, fmt.Errorf("namespace closed")
	}
	if depth <= 0 || (n.desc.MaxQueueDepth > 0 && depth > n.desc.MaxQueueDepth) {
		return nil, fmt.Errorf("invalid queue depth %d", depth)
	}
	return &queuePair{ns: n, depth: depth}, nil
}

// Close implements driver.Namespace.
func (n *Namespace) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

// SetUnreachable makes further Connect calls fail.
func (n *Namespace) SetUnreachable(v bool) {
	n.mu.Lock()
	n.unreachable = v
	n.mu.Unlock()
}

// FailNextAppends makes the next count appends complete with a media error.
func (n *Namespace) FailNextAppends(count int) {
	n.mu.Lock()
	n.failAppends = count
	n.mu.Unlock()
}

// FailNextReads makes the next count reads complete with a media error.
func (n *Namespace) FailNextReads(count int) {
	n.mu.Lock()
	n.failReads = count
	n.mu.Unlock()
}

// HoldCompletions stops ProcessCompletions from delivering anything until
// released.
func (n *Namespace) HoldCompletions(hold bool) {
	n.mu.Lock()
	n.hold = hold
	n.mu.Unlock()
}

// CorruptBlock overwrites a written block in place, bypassing zone rules.
func (n *Namespace) CorruptBlock(lba uint64, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	block := make([]byte, n.desc.BlockSize)
	copy(block, data)
	n.blocks[lba] = block
}

// SetWritePointer forces the write pointer of a zone, as an external writer
// or a crash mid-append would leave it.
func (n *Namespace) SetWritePointer(index, wp uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	z := n.zoneLocked(index)
	z.wp = wp
	z.state = driver.ZoneOpen
}

// Counters returns how many appends, reads and zone resets the namespace executed.
func (n *Namespace) Counters() (appends, reads, resets uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.appends, n.reads, n.resets
}

func (n *Namespace) zoneLocked(index uint64) *zone {
	z, ok := n.zones[index]
	if !ok {
		z = &zone{wp: n.desc.ZoneStart(index), state: driver.ZoneEmpty}
		n.zones[index] = z
	}
	return z
}

func (n *Namespace) zoneIndexLocked(lba uint64) (uint64, bool) {
	if lba < n.desc.FirstZoneLBA || n.desc.ZoneSize == 0 {
		return 0, false
	}
	index := (lba - n.desc.FirstZoneLBA) / n.desc.ZoneSize
	return index, index < n.desc.NumZones
}

func (n *Namespace) appendLocked(zoneStart uint64, buf []byte) (uint64, error) {
	bs := uint64(n.desc.BlockSize)
	if len(buf) == 0 || uint64(len(buf))%bs != 0 {
		return 0, fmt.Errorf("invalid append length %d", len(buf))
	}
	index, ok := n.zoneIndexLocked(zoneStart)
	if !ok || n.desc.ZoneStart(index) != zoneStart {
		return 0, fmt.Errorf("invalid zone start lba %#x", zoneStart)
	}

	n.appends++
	if n.failAppends > 0 {
		n.failAppends--
		return 0, fmt.Errorf("media error on append to zone %d", index)
	}

	blocks := uint64(len(buf)) / bs
	if n.desc.MaxAppendBlocks > 0 && blocks > n.desc.MaxAppendBlocks {
		return 0, fmt.Errorf("append of %d blocks exceeds max append size", blocks)
	}
	z := n.zoneLocked(index)
	if z.wp+blocks > zoneStart+n.desc.ZoneCapacity {
		return 0, fmt.Errorf("zone boundary error: zone %d", index)
	}

	lba := z.wp
	for i := uint64(0); i < blocks; i++ {
		block := make([]byte, bs)
		copy(block, buf[i*bs:(i+1)*bs])
		n.blocks[lba+i] = block
	}
	z.wp += blocks
	z.state = driver.ZoneOpen
	if z.wp == zoneStart+n.desc.ZoneCapacity {
		z.state = driver.ZoneFull
	}
	return lba, nil
}

func (n *Namespace) readLocked(lba uint64, buf []byte) error {
	bs := uint64(n.desc.BlockSize)
	if len(buf) == 0 || uint64(len(buf))%bs != 0 {
		return fmt.Errorf("invalid read length %d", len(buf))
	}
	if _, ok := n.zoneIndexLocked(lba); !ok {
		return fmt.Errorf("lba %#x outside namespace", lba)
	}

	n.reads++
	if n.failReads > 0 {
		n.failReads--
		return fmt.Errorf("media error on read at lba %#x", lba)
	}

	for i := uint64(0); i < uint64(len(buf))/bs; i++ {
		dst := buf[i*bs : (i+1)*bs]
		if block, ok := n.blocks[lba+i]; ok {
			copy(dst, block)
		} else {
			for j := range dst {
				dst[j] = 0
			}
		}
	}
	return nil
}

func (n *Namespace) resetLocked(zoneStart uint64) error {
	index, ok := n.zoneIndexLocked(zoneStart)
	if !ok || n.desc.ZoneStart(index) != zoneStart {
		return fmt.Errorf("invalid zone start lba %#x", zoneStart)
	}
	z := n.zoneLocked(index)
	for lba := zoneStart; lba < z.wp; lba++ {
		delete(n.blocks, lba)
	}
	z.wp = zoneStart
	z.state = driver.ZoneEmpty
	n.resets++
	return nil
}

type pendingCompletion struct {
	cb         driver.Callback
	completion driver.Completion
}

// queuePair queues completions in submission order.
type queuePair struct {
	ns      *Namespace
	depth   int
	pending []pendingCompletion
	freed   bool
}

func (q *queuePair) submit(exec func() (uint64, error), cb driver.Callback) error {
	if q.freed {
		return fmt.Errorf("queue pair freed")
	}
	if len(q.pending) >= q.depth {
		return fmt.Errorf("submission queue full (%d)", q.depth)
	}

	q.ns.mu.Lock()
	lba, err := exec()
	q.ns.mu.Unlock()

	q.pending = append(q.pending, pendingCompletion{cb: cb, completion: driver.Completion{LBA: lba, Err: err}})
	return nil
}

func (q *queuePair) SubmitAppend(zoneStart uint64, buf []byte, cb driver.Callback) error {
	return q.submit(func() (uint64, error) {
		return q.ns.appendLocked(zoneStart, buf)
	}, cb)
}

func (q *queuePair) SubmitRead(lba uint64, buf []byte, cb driver.Callback) error {
	return q.submit(func() (uint64, error) {
		return lba, q.ns.readLocked(lba, buf)
	}, cb)
}

func (q *queuePair) SubmitZoneReset(zoneStart uint64, cb driver.Callback) error {
	return q.submit(func() (uint64, error) {
		return zoneStart, q.ns.resetLocked(zoneStart)
	}, cb)
}

func (q *queuePair) ProcessCompletions(max int) (int, error) {
	if q.freed {
		return 0, fmt.Errorf("queue pair freed")
	}

	q.ns.mu.Lock()
	hold := q.ns.hold
	q.ns.mu.Unlock()
	if hold {
		return 0, nil
	}

	n := len(q.pending)
	if max > 0 && max < n {
		n = max
	}
	batch := q.pending[:n]
	q.pending = append([]pendingCompletion(nil), q.pending[n:]...)
	for _, p := range batch {
		if p.cb != nil {
			p.cb(p.completion)
		}
	}
	return n, nil
}

func (q *queuePair) Free() error {
	q.freed = true
	q.pending = nil
	return nil
}
