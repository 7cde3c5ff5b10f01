// Package session implements the device session: one connected zoned
// namespace with its queue pair, the cached write pointer of the active zone,
// queue-depth accounting and the append/read/drain/reset operations.
//
// A Session is driven by a single goroutine. Append and Read never block;
// they return a Pending handle whose result becomes observable after Poll
// has processed the corresponding completion. Drain and Pending.Wait are the
// blocking operations and poll cooperatively until their condition holds.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/zstore/zstore/internal/buffer"
	"github.com/zstore/zstore/internal/driver"
	"github.com/zstore/zstore/internal/stats"
	"github.com/zstore/zstore/pkg/errors"
)

// DefaultQueueDepth is used when Options.QueueDepth is not set.
const DefaultQueueDepth = 32

// Options configure a session.
type Options struct {
	// Name identifies the device in logs, errors and metrics. Defaults to the
	// target address.
	Name string
	// QueueDepth is the maximum number of outstanding commands. It is clamped
	// to the device's maximum.
	QueueDepth int
	// ZoneIndex is the zone to open, usually the persisted zone cursor.
	ZoneIndex uint64
	// OperationTimeout bounds every command. Zero disables deadlines.
	OperationTimeout time.Duration
	// BufferBudget caps pinned buffer memory in bytes. Zero is unlimited.
	BufferBudget int64
	Logger       *slog.Logger
	Observers    []stats.Observer
}

// Session is one device's connection and zone state.
type Session struct {
	name    string
	target  driver.Target
	ns      driver.Namespace
	qp      driver.QueuePair
	desc    driver.Descriptor
	alloc   *buffer.Allocator
	tracker *stats.Tracker
	logger  *slog.Logger

	blockSize    uint64
	queueDepth   int
	timeout      time.Duration
	zoneIndex    uint64
	zoneStart    uint64
	zoneCapacity uint64
	writePointer uint64
	// reserved counts the blocks of appends submitted but not yet completed.
	reserved    uint64
	outstanding int
	inflight    []*Pending
	// orphans are buffers of abandoned commands retired without a device
	// completion. The device may still touch them until the queue pair is freed.
	orphans []*buffer.Buffer

	draining   bool
	drained    bool
	diverged   bool
	needsReset bool
}

// Open connects to target, validates the namespace's zoned capabilities,
// allocates a queue pair and loads the active zone's write pointer from the
// device.
func Open(ctx context.Context, drv driver.Driver, target driver.Target, opts Options) (*Session, error) {
	name := opts.Name
	if name == "" {
		name = target.Address
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session", "device", name)

	ns, err := drv.Connect(ctx, target)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeConnectionFailed, "failed to connect to %s", target).
			WithComponent("session").WithOperation("open").WithDevice(name).WithCause(err)
	}

	desc := ns.Describe()
	if err := checkCapabilities(desc); err != nil {
		_ = ns.Close()
		return nil, err.WithComponent("session").WithOperation("open").WithDevice(name)
	}

	depth := opts.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if desc.MaxQueueDepth > 0 && depth > desc.MaxQueueDepth {
		logger.Warn("queue depth clamped to device maximum", "requested", depth, "max", desc.MaxQueueDepth)
		depth = desc.MaxQueueDepth
	}

	qp, err := ns.AllocQueuePair(depth)
	if err != nil {
		_ = ns.Close()
		return nil, errors.NewError(errors.ErrCodeConnectionFailed, "failed to allocate queue pair").
			WithComponent("session").WithOperation("open").WithDevice(name).WithCause(err)
	}

	alloc, err := buffer.NewAllocator(int(desc.BlockSize), opts.BufferBudget)
	if err != nil {
		_ = qp.Free()
		_ = ns.Close()
		return nil, err
	}

	s := &Session{
		name:       name,
		target:     target,
		ns:         ns,
		qp:         qp,
		desc:       desc,
		alloc:      alloc,
		tracker:    stats.NewTracker(name, opts.Observers...),
		logger:     logger,
		blockSize:  uint64(desc.BlockSize),
		queueDepth: depth,
		timeout:    opts.OperationTimeout,
	}

	if err := s.OpenZone(ctx, opts.ZoneIndex); err != nil {
		_ = alloc.Close()
		_ = qp.Free()
		_ = ns.Close()
		return nil, err
	}

	logger.Info("session opened",
		"target", target.String(),
		"zone", s.zoneIndex,
		"zone_cap", desc.ZoneCapacity,
		"lba_bytes", desc.BlockSize,
		"zslba", fmt.Sprintf("%#x", s.zoneStart),
		"write_pointer", fmt.Sprintf("%#x", s.writePointer),
		"queue_depth", depth,
		"metadata", desc.MetadataSupported)
	return s, nil
}

func checkCapabilities(desc driver.Descriptor) *errors.ZStoreError {
	switch {
	case !desc.ZoneAppend:
		return errors.NewError(errors.ErrCodeCapabilityUnsupported, "namespace does not support zone append")
	case desc.BlockSize == 0:
		return errors.NewError(errors.ErrCodeCapabilityUnsupported, "namespace reports a zero block size")
	case desc.ZoneCapacity == 0 || desc.NumZones == 0:
		return errors.NewError(errors.ErrCodeCapabilityUnsupported, "namespace reports no zones")
	case desc.ZoneCapacity > desc.ZoneSize:
		return errors.Newf(errors.ErrCodeCapabilityUnsupported,
			"zone capacity %d exceeds zone size %d", desc.ZoneCapacity, desc.ZoneSize)
	}
	return nil
}

// OpenZone makes index the active zone. The write pointer is taken from the
// device's zone report, never from a cached value.
func (s *Session) OpenZone(ctx context.Context, index uint64) error {
	if s.drained || s.draining {
		return s.newError(errors.ErrCodeDraining, "open_zone", "session is draining")
	}
	if s.outstanding > 0 {
		return s.newError(errors.ErrCodeInvalidState, "open_zone",
			fmt.Sprintf("%d commands outstanding", s.outstanding))
	}

	report, err := s.ns.ReportZone(ctx, index)
	if err != nil {
		return s.newError(errors.ErrCodeIO, "open_zone", fmt.Sprintf("zone report for zone %d failed", index)).
			WithCause(err)
	}
	if report.State == driver.ZoneOffline {
		return s.newError(errors.ErrCodeIO, "open_zone", fmt.Sprintf("zone %d is offline", index))
	}
	if report.WritePointer < report.Start || report.WritePointer-report.Start > report.Capacity {
		return s.newError(errors.ErrCodeIO, "open_zone",
			fmt.Sprintf("zone %d reports write pointer %#x outside [%#x, %#x]",
				index, report.WritePointer, report.Start, report.Start+report.Capacity))
	}

	s.zoneIndex = index
	s.zoneStart = report.Start
	s.zoneCapacity = report.Capacity
	s.writePointer = report.WritePointer
	s.reserved = 0
	return nil
}

// Allocate returns a buffer sized for this device.
func (s *Session) Allocate(size int) (*buffer.Buffer, error) {
	buf, err := s.alloc.Allocate(size)
	if err != nil {
		if zerr, ok := err.(*errors.ZStoreError); ok {
			zerr.WithDevice(s.name)
		}
		return nil, err
	}
	return buf, nil
}

// CheckAppend reports whether an append of length bytes would be accepted
// right now, without submitting anything.
func (s *Session) CheckAppend(length int) error {
	if err := s.admit("append"); err != nil {
		return err
	}
	if s.diverged {
		return s.newError(errors.ErrCodeMirrorDivergence, "append", "session is fenced after replica divergence")
	}
	blocks, err := s.blocksFor(length, "append")
	if err != nil {
		return err
	}
	if s.desc.MaxAppendBlocks > 0 && blocks > s.desc.MaxAppendBlocks {
		return s.newError(errors.ErrCodeInvalidArgument, "append",
			fmt.Sprintf("append of %d blocks exceeds device maximum of %d", blocks, s.desc.MaxAppendBlocks))
	}
	if blocks > s.Remaining() {
		return s.newError(errors.ErrCodeZoneFull, "append",
			fmt.Sprintf("zone %d has %d blocks left, append needs %d", s.zoneIndex, s.Remaining(), blocks)).
			WithDetail("zone", s.zoneIndex)
	}
	return nil
}

// Append submits buf as a zone append at the current write pointer. The
// whole buffer is written. The returned handle yields the LBA the device
// assigned.
func (s *Session) Append(buf *buffer.Buffer) (*Pending, error) {
	if buf == nil {
		return nil, s.newError(errors.ErrCodeInvalidArgument, "append", "nil buffer")
	}
	if err := s.CheckAppend(buf.Len()); err != nil {
		return nil, err
	}

	blocks := uint64(buf.Len()) / s.blockSize
	p := s.newPending(stats.OpAppend, buf, blocks)
	s.reserved += blocks
	if err := s.qp.SubmitAppend(s.zoneStart, buf.Bytes(), func(c driver.Completion) {
		s.completeAppend(p, c)
	}); err != nil {
		s.reserved -= blocks
		return nil, s.submitFailed(p, err)
	}
	s.submitted(p)
	return p, nil
}

// Read submits a read of len(buf) bytes starting at lba. The range must lie
// within the written part of the active zone.
func (s *Session) Read(lba uint64, buf *buffer.Buffer) (*Pending, error) {
	if buf == nil {
		return nil, s.newError(errors.ErrCodeInvalidArgument, "read", "nil buffer")
	}
	if err := s.admit("read"); err != nil {
		return nil, err
	}
	blocks, err := s.blocksFor(buf.Len(), "read")
	if err != nil {
		return nil, err
	}
	if lba < s.zoneStart || lba > s.writePointer || blocks > s.writePointer-lba {
		return nil, s.newError(errors.ErrCodeOutOfRange, "read",
			fmt.Sprintf("read of %d blocks at %#x outside written extent [%#x, %#x)",
				blocks, lba, s.zoneStart, s.writePointer))
	}

	p := s.newPending(stats.OpRead, buf, blocks)
	if err := s.qp.SubmitRead(lba, buf.Bytes(), func(c driver.Completion) {
		s.completeRead(p, lba, c)
	}); err != nil {
		return nil, s.submitFailed(p, err)
	}
	s.submitted(p)
	return p, nil
}

// Poll processes available completions and expires commands whose deadline
// has passed. It returns how many completions were processed.
func (s *Session) Poll() (int, error) {
	if s.qp == nil {
		return 0, nil
	}
	n, err := s.qp.ProcessCompletions(0)
	s.expire(time.Now())
	if err != nil {
		return n, s.newError(errors.ErrCodeIO, "poll", "processing completions failed").WithCause(err)
	}
	return n, nil
}

// Drain rejects new submissions, waits until every outstanding command has
// completed, then releases the queue pair and the connection. It cannot be
// cancelled and is idempotent.
func (s *Session) Drain() error {
	if s.drained {
		return nil
	}
	s.draining = true
	s.logger.Info("draining session", "outstanding", s.outstanding)

	var errs error
	var idle backoff
	for s.outstanding > 0 {
		n, err := s.Poll()
		if err != nil {
			// The queue pair cannot deliver the rest; fail what is left.
			errs = multierr.Append(errs, err)
			s.abortInflight(err)
			break
		}
		if n == 0 {
			idle.wait()
		} else {
			idle.reset()
		}
	}

	if s.qp != nil {
		errs = multierr.Append(errs, s.qp.Free())
		s.qp = nil
	}
	s.releaseOrphans()
	errs = multierr.Append(errs, s.ns.Close())
	errs = multierr.Append(errs, s.alloc.Close())
	s.drained = true

	snap := s.tracker.Snapshot()
	s.logger.Info("session drained",
		"queued", snap.Queued,
		"completed", snap.Completed,
		"success", snap.Success,
		"failure", snap.Failure)
	return errs
}

// ResetZone resets the active zone on the device. All data in the zone is
// lost; the write pointer returns to the zone start and the divergence fence
// is lifted. A queue pair left unusable by a timeout is re-created first.
func (s *Session) ResetZone(ctx context.Context) error {
	if s.drained || s.draining {
		return s.newError(errors.ErrCodeDraining, "reset_zone", "session is draining")
	}
	if s.outstanding > 0 {
		return s.newError(errors.ErrCodeInvalidState, "reset_zone",
			fmt.Sprintf("%d commands outstanding", s.outstanding))
	}

	if s.needsReset {
		if err := s.recreateQueuePair(); err != nil {
			return err
		}
	}

	p := s.newPending(stats.OpReset, nil, 0)
	if err := s.qp.SubmitZoneReset(s.zoneStart, func(c driver.Completion) {
		s.completeReset(p, c)
	}); err != nil {
		return s.submitFailed(p, err)
	}
	s.submitted(p)

	if _, err := p.Wait(ctx); err != nil {
		return err
	}

	s.writePointer = s.zoneStart
	s.reserved = 0
	s.diverged = false
	s.logger.Warn("zone reset", "zone", s.zoneIndex, "zslba", fmt.Sprintf("%#x", s.zoneStart))
	return nil
}

func (s *Session) recreateQueuePair() error {
	if err := s.qp.Free(); err != nil {
		s.logger.Warn("freeing timed out queue pair failed", "error", err)
	}
	s.inflight = nil
	s.outstanding = 0
	s.releaseOrphans()
	qp, err := s.ns.AllocQueuePair(s.queueDepth)
	if err != nil {
		s.qp = nil
		return s.newError(errors.ErrCodeConnectionFailed, "reset_zone", "failed to re-create queue pair").WithCause(err)
	}
	s.qp = qp
	s.needsReset = false
	s.logger.Info("queue pair re-created")
	return nil
}

// MarkDiverged fences the session after its replica set diverged. Only
// ResetZone lifts the fence.
func (s *Session) MarkDiverged() {
	if !s.diverged {
		s.logger.Error("session fenced after replica divergence",
			"zone", s.zoneIndex, "write_pointer", fmt.Sprintf("%#x", s.writePointer))
	}
	s.diverged = true
}

// Diverged reports whether the session is fenced.
func (s *Session) Diverged() bool { return s.diverged }

// NeedsReset reports whether a timed out command left the queue pair in need
// of a hard reset.
func (s *Session) NeedsReset() bool { return s.needsReset }

func (s *Session) Name() string                  { return s.name }
func (s *Session) Target() driver.Target         { return s.target }
func (s *Session) Descriptor() driver.Descriptor { return s.desc }
func (s *Session) BlockSize() int                { return int(s.blockSize) }
func (s *Session) QueueDepth() int               { return s.queueDepth }
func (s *Session) Outstanding() int              { return s.outstanding }
func (s *Session) ZoneIndex() uint64             { return s.zoneIndex }
func (s *Session) ZoneStart() uint64             { return s.zoneStart }
func (s *Session) ZoneCapacity() uint64          { return s.zoneCapacity }
func (s *Session) WritePointer() uint64          { return s.writePointer }
func (s *Session) Draining() bool                { return s.draining }
func (s *Session) Tracker() *stats.Tracker       { return s.tracker }
func (s *Session) Allocator() *buffer.Allocator  { return s.alloc }

// Remaining returns how many blocks of the active zone are still free for
// new appends, accounting for appends in flight.
func (s *Session) Remaining() uint64 {
	end := s.zoneStart + s.zoneCapacity
	used := s.writePointer + s.reserved
	if used >= end {
		return 0
	}
	return end - used
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() stats.Snapshot { return s.tracker.Snapshot() }

func (s *Session) admit(op string) error {
	switch {
	case s.draining || s.drained:
		return s.newError(errors.ErrCodeDraining, op, "session is draining")
	case s.needsReset:
		return s.newError(errors.ErrCodeOperationTimeout, op, "queue pair requires a hard reset after a timeout")
	case s.outstanding >= s.queueDepth:
		return s.newError(errors.ErrCodeQueueFull, op,
			fmt.Sprintf("%d of %d queue slots in use", s.outstanding, s.queueDepth))
	}
	return nil
}

func (s *Session) blocksFor(length int, op string) (uint64, error) {
	if length <= 0 || uint64(length)%s.blockSize != 0 {
		return 0, s.newError(errors.ErrCodeInvalidArgument, op,
			fmt.Sprintf("length %d is not a positive multiple of block size %d", length, s.blockSize))
	}
	return uint64(length) / s.blockSize, nil
}

func (s *Session) newPending(op stats.OpKind, buf *buffer.Buffer, blocks uint64) *Pending {
	now := time.Now()
	p := &Pending{
		s:         s,
		op:        op,
		buf:       buf,
		blocks:    blocks,
		submitted: now,
	}
	if buf != nil {
		p.bytes = buf.Len()
	}
	if s.timeout > 0 {
		p.deadline = now.Add(s.timeout)
	}
	return p
}

func (s *Session) submitted(p *Pending) {
	s.outstanding++
	s.inflight = append(s.inflight, p)
	s.tracker.OnSubmit(p.op)
}

func (s *Session) submitFailed(p *Pending, err error) error {
	return s.newError(errors.ErrCodeIO, string(p.op), "driver rejected submission").WithCause(err)
}

// retire removes p from the in-flight set. It reports false when p had
// already been retired by a timeout, in which case the late completion must
// be ignored.
func (s *Session) retire(p *Pending) bool {
	if p.done {
		return false
	}
	for i, q := range s.inflight {
		if q == p {
			s.inflight = append(s.inflight[:i], s.inflight[i+1:]...)
			break
		}
	}
	s.outstanding--
	if p.op == stats.OpAppend {
		s.reserved -= p.blocks
	}
	return true
}

func (s *Session) completeAppend(p *Pending, c driver.Completion) {
	if !s.retire(p) {
		s.logger.Debug("ignoring late append completion", "lba", c.LBA)
		return
	}
	now := time.Now()

	if c.Err != nil {
		s.tracker.OnComplete(p.op, false, p.submitted, now, p.bytes)
		p.finish(0, s.newError(errors.ErrCodeIO, "append", "device reported append failure").WithCause(c.Err))
		return
	}

	end := s.zoneStart + s.zoneCapacity
	if c.LBA < s.zoneStart || c.LBA+p.blocks > end {
		s.tracker.OnComplete(p.op, false, p.submitted, now, p.bytes)
		p.finish(0, s.newError(errors.ErrCodeIO, "append",
			fmt.Sprintf("device assigned lba %#x outside zone [%#x, %#x)", c.LBA, s.zoneStart, end)))
		return
	}
	if c.LBA != s.writePointer {
		s.logger.Warn("device assigned unexpected lba",
			"expected", fmt.Sprintf("%#x", s.writePointer), "assigned", fmt.Sprintf("%#x", c.LBA))
	}
	if next := c.LBA + p.blocks; next > s.writePointer {
		s.writePointer = next
	}
	s.tracker.OnComplete(p.op, true, p.submitted, now, p.bytes)
	p.finish(c.LBA, nil)
}

func (s *Session) completeRead(p *Pending, lba uint64, c driver.Completion) {
	if !s.retire(p) {
		return
	}
	now := time.Now()
	if c.Err != nil {
		s.tracker.OnComplete(p.op, false, p.submitted, now, p.bytes)
		p.finish(0, s.newError(errors.ErrCodeIO, "read", "device reported read failure").WithCause(c.Err))
		return
	}
	s.tracker.OnComplete(p.op, true, p.submitted, now, p.bytes)
	p.finish(lba, nil)
}

func (s *Session) completeReset(p *Pending, c driver.Completion) {
	if !s.retire(p) {
		return
	}
	now := time.Now()
	if c.Err != nil {
		s.tracker.OnComplete(p.op, false, p.submitted, now, 0)
		p.finish(0, s.newError(errors.ErrCodeIO, "reset_zone", "device reported zone reset failure").WithCause(c.Err))
		return
	}
	s.tracker.OnComplete(p.op, true, p.submitted, now, 0)
	p.finish(s.zoneStart, nil)
}

func (s *Session) expire(now time.Time) {
	if s.timeout <= 0 || len(s.inflight) == 0 {
		return
	}
	var expired []*Pending
	for _, p := range s.inflight {
		if !p.deadline.IsZero() && now.After(p.deadline) {
			expired = append(expired, p)
		}
	}
	for _, p := range expired {
		s.retire(p)
		p.stranded = true
		s.tracker.OnComplete(p.op, false, p.submitted, now, p.bytes)
		p.finish(0, s.newError(errors.ErrCodeOperationTimeout, string(p.op),
			fmt.Sprintf("command exceeded deadline of %v", s.timeout)))
		s.needsReset = true
	}
	if len(expired) > 0 {
		s.logger.Error("commands timed out, queue pair needs a hard reset", "count", len(expired))
	}
}

func (s *Session) abortInflight(cause error) {
	now := time.Now()
	for _, p := range append([]*Pending(nil), s.inflight...) {
		s.retire(p)
		p.stranded = true
		s.tracker.OnComplete(p.op, false, p.submitted, now, p.bytes)
		p.finish(0, s.newError(errors.ErrCodeIO, string(p.op), "command aborted").WithCause(cause))
	}
}

func (s *Session) releaseOrphans() {
	for _, buf := range s.orphans {
		_ = buf.Release()
	}
	s.orphans = nil
}

func (s *Session) newError(code errors.ErrorCode, op, msg string) *errors.ZStoreError {
	return errors.NewError(code, msg).WithComponent("session").WithOperation(op).WithDevice(s.name)
}
