package session

import (
	"context"
	"runtime"
	"time"

	"github.com/zstore/zstore/internal/buffer"
	"github.com/zstore/zstore/internal/stats"
	"github.com/zstore/zstore/pkg/errors"
)

// Pending is the handle of a submitted command. Its result becomes
// observable once the driving goroutine has processed the completion.
type Pending struct {
	s         *Session
	op        stats.OpKind
	buf       *buffer.Buffer
	bytes     int
	blocks    uint64
	submitted time.Time
	deadline  time.Time

	done   bool
	result uint64
	err    error

	abandoned bool
	// stranded commands were retired without a device completion.
	stranded bool
}

// Op returns the kind of command.
func (p *Pending) Op() stats.OpKind { return p.op }

// Done reports whether the command has completed (successfully, with an
// error, or by timing out).
func (p *Pending) Done() bool { return p.done }

// Result returns the command's outcome: the LBA assigned to an append or the
// LBA a read was served from.
func (p *Pending) Result() (uint64, error) {
	if !p.done {
		return 0, errors.NewError(errors.ErrCodeInvalidState, "command still pending").
			WithComponent("session").WithOperation(string(p.op)).WithDevice(p.s.name)
	}
	return p.result, p.err
}

// Wait polls the owning session until the command completes. Cancelling ctx
// stops waiting but does not cancel the command on the device.
func (p *Pending) Wait(ctx context.Context) (uint64, error) {
	var idle backoff
	for !p.done {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := p.s.Poll()
		if err != nil && !p.done {
			return 0, err
		}
		if n == 0 {
			idle.wait()
		} else {
			idle.reset()
		}
	}
	return p.result, p.err
}

// Abandon gives up on the command and hands its buffer back to the session.
// The buffer is released once the device can no longer touch it: at once if
// the command completed, at its completion if it is still in flight, and when
// the queue pair is freed if it timed out or was aborted. The caller must not
// use or release the buffer afterwards.
func (p *Pending) Abandon() {
	if p.buf == nil || p.abandoned {
		return
	}
	p.abandoned = true
	if p.done {
		p.releaseBuffer()
	}
}

func (p *Pending) finish(result uint64, err error) {
	p.done = true
	p.result = result
	p.err = err
	if p.abandoned {
		p.releaseBuffer()
	}
}

func (p *Pending) releaseBuffer() {
	if p.stranded && !p.s.drained {
		p.s.orphans = append(p.s.orphans, p.buf)
		return
	}
	_ = p.buf.Release()
}

// backoff yields to the scheduler first, then sleeps with exponential growth,
// the way an idle reactor spins down.
type backoff struct {
	spins int
	sleep time.Duration
}

const (
	spinsBeforeSleep = 64
	maxIdleSleep     = time.Millisecond
)

func (b *backoff) wait() {
	if b.spins < spinsBeforeSleep {
		b.spins++
		runtime.Gosched()
		return
	}
	if b.sleep == 0 {
		b.sleep = time.Microsecond
	} else if b.sleep < maxIdleSleep {
		b.sleep *= 2
	}
	time.Sleep(b.sleep)
}

func (b *backoff) reset() {
	b.spins = 0
	b.sleep = 0
}
