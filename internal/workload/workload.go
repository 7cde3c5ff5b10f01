// Package workload drives a replica set the way the zstore example program
// does: a run of mirrored pattern appends, an optional read-back of every
// append from every replica, and a per-device throughput report.
package workload

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/zstore/zstore/internal/buffer"
	"github.com/zstore/zstore/internal/mirror"
	"github.com/zstore/zstore/internal/session"
	"github.com/zstore/zstore/internal/stats"
	"github.com/zstore/zstore/pkg/errors"
	"github.com/zstore/zstore/pkg/retry"
)

// Recorder receives progress updates. *metrics.Collector satisfies it.
type Recorder interface {
	UpdateZone(device string, zone, writePointer uint64)
	SetDiverged(diverged bool)
	RecordError(err error)
}

type nopRecorder struct{}

func (nopRecorder) UpdateZone(string, uint64, uint64) {}
func (nopRecorder) SetDiverged(bool)                  {}
func (nopRecorder) RecordError(error)                 {}

// Options configure a run
type Options struct {
	Appends      int
	Prefix       string
	StartValue   uint64
	AppendBlocks int

	// RollOver advances every replica to the next zone when the active one is full.
	RollOver bool

	// Verify reads every append back from all replicas and compares.
	Verify bool

	// Retry governs QUEUE_FULL handling. Defaults to retry.QueueFullConfig.
	Retry *retry.Config

	Logger   *slog.Logger
	Recorder Recorder
}

// Written locates one append of the run
type Written struct {
	Value  uint64 `json:"value"`
	Zone   uint64 `json:"zone"`
	Offset uint64 `json:"offset"`
}

// Report is the outcome of a run
type Report struct {
	Appended     int             `json:"appended"`
	Verified     int             `json:"verified"`
	Skipped      int             `json:"skipped"`
	Rollovers    int             `json:"rollovers"`
	Retries      int64           `json:"retries"`
	Zone         uint64          `json:"zone"`
	WritePointer uint64          `json:"write_pointer"`
	Elapsed      time.Duration   `json:"elapsed"`
	Written      []Written       `json:"-"`
	Devices      []stats.Summary `json:"devices"`
}

// Run appends opts.Appends patterns to the replica set and, if asked, reads
// them back. The report is returned even when the run stops early.
func Run(ctx context.Context, c *mirror.Coordinator, opts Options) (*Report, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "workload")
	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	if opts.AppendBlocks <= 0 {
		opts.AppendBlocks = 1
	}

	length := opts.AppendBlocks * c.BlockSize()
	retryer := newRetryer(opts.Retry, c.Sessions()...)
	report := &Report{}
	start := time.Now()

	err := appendAll(ctx, c, opts, length, retryer, report, logger, rec)
	if err == nil && opts.Verify {
		err = verify(ctx, c, opts, length, report)
	}
	if err != nil {
		rec.RecordError(err)
	}

	report.Elapsed = time.Since(start)
	report.Retries = retryer.Retries()
	report.Zone = c.Zone()
	report.WritePointer = c.WritePointer()
	report.Devices = Summaries(c.Sessions())
	rec.SetDiverged(c.Diverged())
	publishZones(c, rec)

	logger.Info("workload finished",
		"appended", report.Appended,
		"verified", report.Verified,
		"rollovers", report.Rollovers,
		"retries", report.Retries,
		"zone", report.Zone,
		"elapsed", report.Elapsed)
	return report, err
}

func appendAll(ctx context.Context, c *mirror.Coordinator, opts Options, length int,
	retryer *retry.Retryer, report *Report, logger *slog.Logger, rec Recorder) error {
	for i := 0; i < opts.Appends; i++ {
		value := opts.StartValue + uint64(i)
		payload := Pattern(opts.Prefix, value)

		var res mirror.Result
		appendOnce := func(ctx context.Context) error {
			var err error
			res, err = c.AppendMirrored(ctx, payload, length)
			return err
		}

		err := retryer.DoWithContext(ctx, appendOnce)
		if errors.HasCode(err, errors.ErrCodeZoneFull) && opts.RollOver {
			zone, advErr := c.AdvanceZone(ctx, length)
			if advErr != nil {
				return advErr
			}
			report.Rollovers++
			publishZones(c, rec)
			logger.Info("rolled over", "zone", zone, "value", value)
			err = retryer.DoWithContext(ctx, appendOnce)
		}
		if err != nil {
			rec.SetDiverged(c.Diverged())
			return fmt.Errorf("append %q: %w", payload, err)
		}

		report.Appended++
		report.Written = append(report.Written, Written{Value: value, Zone: res.Zone, Offset: res.Offset})
		logger.Debug("append completed", "value", value, "zone", res.Zone, "offset", res.Offset)
		publishZones(c, rec)
	}
	return nil
}

// verify reads back the appends that live in the active zone. Earlier zones
// are no longer open on the sessions and are counted as skipped.
func verify(ctx context.Context, c *mirror.Coordinator, opts Options, length int, report *Report) error {
	dst := make([]byte, length)
	for _, w := range report.Written {
		if w.Zone != c.Zone() {
			report.Skipped++
			continue
		}
		if err := c.ReadMirroredAndCompare(ctx, w.Offset, dst); err != nil {
			return fmt.Errorf("read back %d: %w", w.Value, err)
		}
		prefix, value, ok := ParsePattern(dst)
		if !ok || prefix != opts.Prefix || value != w.Value {
			return errors.Newf(errors.ErrCodeConsistencyMismatch,
				"offset %#x holds %q, expected %s:%d", w.Offset, trimmed(dst), opts.Prefix, w.Value).
				WithComponent("workload").WithOperation("verify").WithDetail("offset", w.Offset)
		}
		report.Verified++
	}
	return nil
}

// Burst submits count single-block pattern appends to one session without
// waiting between them, keeping up to the queue depth in flight, then waits
// for all of them. QUEUE_FULL is handled by polling completions and retrying.
// The LBAs of the appends that completed are returned in submission order.
func Burst(ctx context.Context, s *session.Session, prefix string, start uint64, count int, cfg *retry.Config) ([]uint64, error) {
	retryer := newRetryer(cfg, s)
	length := s.BlockSize()
	pending := make([]*session.Pending, 0, count)
	bufs := make([]*buffer.Buffer, 0, count)

	var submitErr error
	for i := 0; i < count; i++ {
		buf, err := s.Allocate(length)
		if err != nil {
			submitErr = err
			break
		}
		if err := Fill(buf.Bytes(), prefix, start+uint64(i)); err != nil {
			_ = buf.Release()
			submitErr = err
			break
		}

		var p *session.Pending
		submitErr = retryer.DoWithContext(ctx, func(context.Context) error {
			var err error
			p, err = s.Append(buf)
			return err
		})
		if submitErr != nil {
			_ = buf.Release()
			break
		}
		pending = append(pending, p)
		bufs = append(bufs, buf)
	}

	lbas := make([]uint64, 0, len(pending))
	errs := submitErr
	for i, p := range pending {
		lba, err := p.Wait(ctx)
		if p.Done() {
			_ = bufs[i].Release()
		} else {
			p.Abandon()
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		lbas = append(lbas, lba)
	}
	return lbas, errs
}

// Summaries computes the throughput report of every session
func Summaries(sessions []*session.Session) []stats.Summary {
	out := make([]stats.Summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, stats.Summarize(s.Name(), s.Tracker().Records()))
	}
	return out
}

func newRetryer(cfg *retry.Config, sessions ...*session.Session) *retry.Retryer {
	config := retry.QueueFullConfig()
	if cfg != nil {
		config = *cfg
	}
	poll := func(int, error, time.Duration) {
		for _, s := range sessions {
			_, _ = s.Poll()
		}
	}
	if next := config.OnRetry; next != nil {
		config.OnRetry = func(attempt int, err error, delay time.Duration) {
			poll(attempt, err, delay)
			next(attempt, err, delay)
		}
	} else {
		config.OnRetry = poll
	}
	return retry.New(config)
}

func publishZones(c *mirror.Coordinator, rec Recorder) {
	for _, s := range c.Sessions() {
		rec.UpdateZone(s.Name(), s.ZoneIndex(), s.WritePointer()-s.ZoneStart())
	}
}

func trimmed(block []byte) []byte {
	for i, b := range block {
		if b == 0 {
			return block[:i]
		}
	}
	return block
}
