// Package mirror presents N device sessions as one logical append stream.
//
// Every mirrored append is submitted to all replicas and joined before the
// outcome is decided. Replicas must agree on the zone and on the offset the
// device assigned; when they do not, the set is diverged and refuses further
// work until every replica has been reset explicitly.
package mirror

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/zstore/zstore/internal/buffer"
	"github.com/zstore/zstore/internal/cursor"
	"github.com/zstore/zstore/internal/driver"
	"github.com/zstore/zstore/internal/session"
	"github.com/zstore/zstore/pkg/errors"
)

// Result describes a successful mirrored append. Offsets are in blocks,
// relative to the start of the zone.
type Result struct {
	Zone uint64 `json:"zone"`
	// Offset is where the appended data starts.
	Offset uint64 `json:"offset"`
	// WritePointer is the offset of the write pointer after the append.
	WritePointer uint64 `json:"write_pointer"`
}

// Options configure a coordinator.
type Options struct {
	Logger *slog.Logger
}

// Coordinator drives a fixed replica set from a single goroutine.
type Coordinator struct {
	sessions []*session.Session
	store    cursor.Store
	logger   *slog.Logger
	diverged bool
	closed   bool
}

// New creates a coordinator over sessions. All sessions must share one block
// size. Sessions that disagree on zone or write pointer start out diverged.
func New(sessions []*session.Session, store cursor.Store, opts Options) (*Coordinator, error) {
	if len(sessions) == 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "replica set needs at least one session").
			WithComponent("mirror")
	}
	bs := sessions[0].BlockSize()
	for _, s := range sessions[1:] {
		if s.BlockSize() != bs {
			return nil, errors.Newf(errors.ErrCodeInvalidArgument,
				"replica %s has block size %d, %s has %d", s.Name(), s.BlockSize(), sessions[0].Name(), bs).
				WithComponent("mirror")
		}
	}
	if store == nil {
		store = &cursor.Memory{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		sessions: sessions,
		store:    store,
		logger:   logger.With("component", "mirror"),
	}
	if err := c.checkAgreement(); err != nil {
		c.logger.Error("replicas disagree at open", "error", err)
		c.fence()
	}
	return c, nil
}

// Open loads the zone cursor, opens one session per target at that zone and
// returns the coordinator. A missing cursor is logged and zone 0 is used.
func Open(ctx context.Context, drv driver.Driver, targets []driver.Target, names []string,
	store cursor.Store, sessOpts session.Options, opts Options) (*Coordinator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = &cursor.Memory{}
	}

	zone, err := store.Load(ctx)
	if err != nil {
		if !errors.IsWarning(err) {
			return nil, err
		}
		logger.Warn("starting without a saved zone cursor", "error", err)
	}

	sessions := make([]*session.Session, 0, len(targets))
	for i, target := range targets {
		o := sessOpts
		o.ZoneIndex = zone
		if i < len(names) {
			o.Name = names[i]
		}
		s, err := session.Open(ctx, drv, target, o)
		if err != nil {
			for _, opened := range sessions {
				err = multierr.Append(err, opened.Drain())
			}
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return New(sessions, store, opts)
}

// Sessions returns the replicas in order.
func (c *Coordinator) Sessions() []*session.Session { return c.sessions }

// Diverged reports whether the set is fenced.
func (c *Coordinator) Diverged() bool { return c.diverged }

// Zone returns the active zone index.
func (c *Coordinator) Zone() uint64 { return c.sessions[0].ZoneIndex() }

// WritePointer returns the active zone's write pointer offset.
func (c *Coordinator) WritePointer() uint64 {
	s := c.sessions[0]
	return s.WritePointer() - s.ZoneStart()
}

// BlockSize returns the replicas' common block size.
func (c *Coordinator) BlockSize() int { return c.sessions[0].BlockSize() }

// AppendMirrored appends pattern, zero-padded to length bytes, to every
// replica and waits for all of them.
func (c *Coordinator) AppendMirrored(ctx context.Context, pattern []byte, length int) (Result, error) {
	if err := c.admit("append"); err != nil {
		return Result{}, err
	}
	if len(pattern) > length {
		return Result{}, c.newError(errors.ErrCodeInvalidArgument, "append",
			fmt.Sprintf("pattern of %d bytes does not fit in %d", len(pattern), length))
	}

	if err := c.precheck(length); err != nil {
		return Result{}, err
	}

	bufs := make([]*buffer.Buffer, len(c.sessions))
	defer func() {
		for _, b := range bufs {
			if b != nil {
				_ = b.Release()
			}
		}
	}()
	for i, s := range c.sessions {
		b, err := s.Allocate(length)
		if err != nil {
			return Result{}, err
		}
		copy(b.Bytes(), pattern)
		bufs[i] = b
	}

	pending := make([]*session.Pending, len(c.sessions))
	errs := make([]error, len(c.sessions))
	accepted := 0
	for i, s := range c.sessions {
		p, err := s.Append(bufs[i])
		if err != nil {
			errs[i] = err
			if accepted == 0 {
				// Nothing reached a device yet.
				return Result{}, err
			}
			continue
		}
		pending[i] = p
		accepted++
	}

	lbas, joinErr := c.join(ctx, pending, errs)
	if joinErr != nil {
		// Outcome unknown on at least one replica. The sessions release the
		// buffers once the device is done with them.
		for i, p := range pending {
			if p != nil {
				p.Abandon()
				bufs[i] = nil
			}
		}
		c.fence()
		return Result{}, c.newError(errors.ErrCodeMirrorDivergence, "append",
			"mirrored append abandoned before every replica completed").WithCause(joinErr)
	}

	return c.decide(lbas, errs)
}

// precheck rejects appends that some replica would refuse before anything is
// submitted.
func (c *Coordinator) precheck(length int) error {
	errs := make([]error, len(c.sessions))
	failed := 0
	zoneFull := 0
	for i, s := range c.sessions {
		if err := s.CheckAppend(length); err != nil {
			errs[i] = err
			failed++
			if errors.HasCode(err, errors.ErrCodeZoneFull) {
				zoneFull++
			}
		}
	}
	switch {
	case failed == 0:
		return nil
	case zoneFull == len(c.sessions):
		return errs[0]
	case zoneFull > 0:
		// Some replicas have room and others do not: their write pointers differ.
		c.fence()
		return c.newError(errors.ErrCodeMirrorDivergence, "append",
			"replicas disagree on remaining zone capacity").WithCause(multierr.Combine(errs...))
	}
	return multierr.Combine(errs...)
}

func (c *Coordinator) join(ctx context.Context, pending []*session.Pending, errs []error) ([]uint64, error) {
	lbas := make([]uint64, len(pending))
	for i, p := range pending {
		if p == nil {
			continue
		}
		lba, err := p.Wait(ctx)
		if err != nil && !p.Done() {
			return nil, err
		}
		lbas[i] = lba
		errs[i] = err
	}
	return lbas, nil
}

func (c *Coordinator) decide(lbas []uint64, errs []error) (Result, error) {
	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}

	if failed == len(c.sessions) {
		code := errors.CodeOf(errs[0])
		for _, err := range errs[1:] {
			if errors.CodeOf(err) != code {
				c.fence()
				return Result{}, c.newError(errors.ErrCodeMirrorDivergence, "append",
					"replicas failed differently").WithCause(multierr.Combine(errs...))
			}
		}
		return Result{}, errs[0]
	}
	if failed > 0 {
		c.fence()
		return Result{}, c.newError(errors.ErrCodeMirrorDivergence, "append",
			fmt.Sprintf("%d of %d replicas failed", failed, len(c.sessions))).
			WithCause(multierr.Combine(errs...))
	}

	first := c.sessions[0]
	res := Result{
		Zone:         first.ZoneIndex(),
		Offset:       lbas[0] - first.ZoneStart(),
		WritePointer: first.WritePointer() - first.ZoneStart(),
	}
	for i, s := range c.sessions[1:] {
		offset := lbas[i+1] - s.ZoneStart()
		wp := s.WritePointer() - s.ZoneStart()
		if s.ZoneIndex() != res.Zone || offset != res.Offset || wp != res.WritePointer {
			c.fence()
			return Result{}, c.newError(errors.ErrCodeMirrorDivergence, "append",
				fmt.Sprintf("replica %s at zone %d offset %#x wp %#x, %s at zone %d offset %#x wp %#x",
					first.Name(), res.Zone, res.Offset, res.WritePointer,
					s.Name(), s.ZoneIndex(), offset, wp))
		}
	}
	return res, nil
}

// ReadFromAny reads len(dst) bytes at offset blocks into the active zone from
// the first replica that serves it.
func (c *Coordinator) ReadFromAny(ctx context.Context, offset uint64, dst []byte) error {
	if err := c.admit("read"); err != nil {
		return err
	}
	var errs error
	for _, s := range c.sessions {
		err := readInto(ctx, s, offset, dst)
		if err == nil {
			return nil
		}
		c.logger.Warn("replica read failed, trying next", "device", s.Name(), "error", err)
		errs = multierr.Append(errs, err)
		if errors.HasCode(err, errors.ErrCodeOutOfRange) || errors.HasCode(err, errors.ErrCodeInvalidArgument) {
			break
		}
	}
	return errs
}

// ReadMirroredAndCompare reads the same range from every replica, checks the
// contents are identical and copies them into dst.
func (c *Coordinator) ReadMirroredAndCompare(ctx context.Context, offset uint64, dst []byte) error {
	if err := c.admit("read"); err != nil {
		return err
	}

	bufs := make([]*buffer.Buffer, len(c.sessions))
	pending := make([]*session.Pending, len(c.sessions))
	defer func() {
		for _, b := range bufs {
			if b != nil {
				_ = b.Release()
			}
		}
	}()

	var errs error
	for i, s := range c.sessions {
		b, err := s.Allocate(len(dst))
		if err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		bufs[i] = b
		lba, err := lbaAt(s, offset)
		if err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		p, err := s.Read(lba, b)
		if err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		pending[i] = p
	}
	for i, p := range pending {
		if p == nil {
			continue
		}
		if _, err := p.Wait(ctx); err != nil {
			if !p.Done() {
				p.Abandon()
				bufs[i] = nil
			}
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return errs
	}

	for i, b := range bufs[1:] {
		if !bytes.Equal(bufs[0].Bytes(), b.Bytes()) {
			return c.newError(errors.ErrCodeConsistencyMismatch, "read",
				fmt.Sprintf("replica %s differs from %s at offset %#x",
					c.sessions[i+1].Name(), c.sessions[0].Name(), offset)).
				WithDetail("offset", offset)
		}
	}
	copy(dst, bufs[0].Bytes())
	return nil
}

func readInto(ctx context.Context, s *session.Session, offset uint64, dst []byte) error {
	lba, err := lbaAt(s, offset)
	if err != nil {
		return err
	}
	b, err := s.Allocate(len(dst))
	if err != nil {
		return err
	}
	p, err := s.Read(lba, b)
	if err != nil {
		_ = b.Release()
		return err
	}
	if _, err := p.Wait(ctx); err != nil {
		if !p.Done() {
			p.Abandon()
		} else {
			_ = b.Release()
		}
		return err
	}
	copy(dst, b.Bytes())
	return b.Release()
}

// lbaAt converts a block offset into the active zone of s to an LBA.
func lbaAt(s *session.Session, offset uint64) (uint64, error) {
	if written := s.WritePointer() - s.ZoneStart(); offset > written {
		return 0, errors.NewError(errors.ErrCodeOutOfRange,
			fmt.Sprintf("offset %#x is past the written extent of %#x blocks", offset, written)).
			WithComponent("mirror").WithOperation("read").WithDevice(s.Name())
	}
	return s.ZoneStart() + offset, nil
}

// AdvanceZone moves every replica and the cursor to the next zone. Every
// replica must report that an append of length bytes no longer fits.
func (c *Coordinator) AdvanceZone(ctx context.Context, length int) (uint64, error) {
	if err := c.admit("advance_zone"); err != nil {
		return 0, err
	}
	for _, s := range c.sessions {
		err := s.CheckAppend(length)
		if !errors.HasCode(err, errors.ErrCodeZoneFull) {
			return 0, c.newError(errors.ErrCodeInvalidState, "advance_zone",
				fmt.Sprintf("replica %s is not full (%d blocks left)", s.Name(), s.Remaining())).
				WithCause(err)
		}
	}

	current := c.Zone()
	next := current + 1
	if next >= c.sessions[0].Descriptor().NumZones {
		return 0, c.newError(errors.ErrCodeOutOfRange, "advance_zone",
			fmt.Sprintf("zone %d is the last zone of the namespace", current))
	}

	var errs error
	opened := 0
	for _, s := range c.sessions {
		if err := s.OpenZone(ctx, next); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		opened++
	}
	if errs != nil {
		if opened > 0 {
			c.fence()
			return 0, c.newError(errors.ErrCodeMirrorDivergence, "advance_zone",
				"replicas rolled over to different zones").WithCause(errs)
		}
		return 0, errs
	}
	if err := c.checkAgreement(); err != nil {
		c.fence()
		return 0, err
	}

	if err := c.store.Save(ctx, next); err != nil {
		c.logger.Warn("zone cursor not persisted after rollover", "zone", next, "error", err)
	}
	c.logger.Info("advanced to next zone", "from", current, "to", next)
	return next, nil
}

// Reset destructively resets the active zone on every replica and lifts the
// divergence fence once all of them agree again. Replicas left behind by a
// partial rollover are first moved to the zone of the furthest replica.
func (c *Coordinator) Reset(ctx context.Context) error {
	if c.closed {
		return c.newError(errors.ErrCodeDraining, "reset", "replica set is closed")
	}
	leader := c.sessions[0].ZoneIndex()
	for _, s := range c.sessions[1:] {
		if s.ZoneIndex() > leader {
			leader = s.ZoneIndex()
		}
	}
	var errs error
	for _, s := range c.sessions {
		if s.ZoneIndex() == leader {
			continue
		}
		c.logger.Warn("re-aligning lagging replica", "device", s.Name(), "from", s.ZoneIndex(), "to", leader)
		errs = multierr.Append(errs, s.OpenZone(ctx, leader))
	}
	if errs != nil {
		return errs
	}
	for _, s := range c.sessions {
		errs = multierr.Append(errs, s.ResetZone(ctx))
	}
	if errs != nil {
		return errs
	}
	return c.ClearDivergence()
}

// ClearDivergence lifts the fence. Every replica must have been reset and
// the replicas must agree on zone and write pointer.
func (c *Coordinator) ClearDivergence() error {
	for _, s := range c.sessions {
		if s.Diverged() {
			return c.newError(errors.ErrCodeInvalidState, "clear_divergence",
				fmt.Sprintf("replica %s has not been reset", s.Name()))
		}
	}
	if err := c.checkAgreement(); err != nil {
		return c.newError(errors.ErrCodeInvalidState, "clear_divergence", "replicas still disagree").WithCause(err)
	}
	if c.diverged {
		c.logger.Info("divergence cleared", "zone", c.Zone())
	}
	c.diverged = false
	return nil
}

// Checkpoint persists the active zone index.
func (c *Coordinator) Checkpoint(ctx context.Context) error {
	return c.store.Save(ctx, c.Zone())
}

// Close drains every replica and checkpoints the cursor.
func (c *Coordinator) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var errs error
	for _, s := range c.sessions {
		errs = multierr.Append(errs, s.Drain())
	}
	if err := c.Checkpoint(context.Background()); err != nil {
		c.logger.Warn("zone cursor not persisted at shutdown", "error", err)
		if !errors.IsWarning(err) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (c *Coordinator) admit(op string) error {
	if c.closed {
		return c.newError(errors.ErrCodeDraining, op, "replica set is closed")
	}
	if c.diverged {
		return c.newError(errors.ErrCodeMirrorDivergence, op, "replica set is fenced until every replica is reset")
	}
	return nil
}

func (c *Coordinator) checkAgreement() error {
	first := c.sessions[0]
	zone := first.ZoneIndex()
	wp := first.WritePointer() - first.ZoneStart()
	for _, s := range c.sessions[1:] {
		if s.ZoneIndex() != zone || s.WritePointer()-s.ZoneStart() != wp {
			return c.newError(errors.ErrCodeMirrorDivergence, "check",
				fmt.Sprintf("replica %s at zone %d wp %#x, %s at zone %d wp %#x",
					first.Name(), zone, wp, s.Name(), s.ZoneIndex(), s.WritePointer()-s.ZoneStart()))
		}
	}
	return nil
}

func (c *Coordinator) fence() {
	if !c.diverged {
		c.logger.Error("replica set diverged, refusing further appends until reset")
	}
	c.diverged = true
	for _, s := range c.sessions {
		s.MarkDiverged()
	}
}

func (c *Coordinator) newError(code errors.ErrorCode, op, msg string) *errors.ZStoreError {
	return errors.NewError(code, msg).WithComponent("mirror").WithOperation(op)
}
