package session

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zstore/zstore/internal/buffer"
	"github.com/zstore/zstore/internal/driver"
	"github.com/zstore/zstore/internal/driver/emulator"
	"github.com/zstore/zstore/pkg/errors"
)

var testTarget = driver.Target{Transport: "tcp", Address: "192.168.1.121", ServiceID: "4420", NamespaceID: 1}

func newTestSession(t *testing.T, desc driver.Descriptor, opts Options) (*Session, *emulator.Namespace) {
	t.Helper()
	drv := emulator.NewDriver()
	ns := drv.Register(testTarget, desc)
	s, err := Open(context.Background(), drv, testTarget, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Drain() })
	return s, ns
}

func patternBuffer(t *testing.T, s *Session, payload string) *buffer.Buffer {
	t.Helper()
	buf, err := s.Allocate(s.BlockSize())
	require.NoError(t, err)
	copy(buf.Bytes(), payload)
	return buf
}

func TestOpen_LoadsZoneGeometry(t *testing.T) {
	desc := emulator.DefaultDescriptor()
	desc.FirstZoneLBA = 0x5780267
	s, _ := newTestSession(t, desc, Options{Name: "m1"})

	assert.Equal(t, "m1", s.Name())
	assert.Equal(t, 4096, s.BlockSize())
	assert.Equal(t, uint64(0x5780267), s.ZoneStart())
	assert.Equal(t, uint64(0x5780267), s.WritePointer())
	assert.Equal(t, uint64(0x43500), s.ZoneCapacity())
	assert.Equal(t, uint64(0x43500), s.Remaining())
	assert.Equal(t, DefaultQueueDepth, s.QueueDepth())
}

func TestOpen_ResumesFromDeviceWritePointer(t *testing.T) {
	drv := emulator.NewDriver()
	desc := emulator.DefaultDescriptor()
	ns := drv.Register(testTarget, desc)
	ns.SetWritePointer(3, desc.ZoneStart(3)+5)

	s, err := Open(context.Background(), drv, testTarget, Options{ZoneIndex: 3})
	require.NoError(t, err)
	defer s.Drain()

	assert.Equal(t, uint64(3), s.ZoneIndex())
	assert.Equal(t, desc.ZoneStart(3)+5, s.WritePointer())
}

func TestOpen_ConnectionFailed(t *testing.T) {
	drv := emulator.NewDriver()
	ns := drv.Register(testTarget, emulator.DefaultDescriptor())
	ns.SetUnreachable(true)

	_, err := Open(context.Background(), drv, testTarget, Options{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConnectionFailed))

	other := testTarget
	other.Address = "10.0.0.1"
	_, err = Open(context.Background(), drv, other, Options{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeConnectionFailed))
}

func TestOpen_CapabilityUnsupported(t *testing.T) {
	desc := emulator.DefaultDescriptor()
	desc.ZoneAppend = false
	drv := emulator.NewDriver()
	drv.Register(testTarget, desc)

	_, err := Open(context.Background(), drv, testTarget, Options{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCapabilityUnsupported))
	assert.True(t, errors.IsFatal(err))
}

func TestOpen_ClampsQueueDepth(t *testing.T) {
	desc := emulator.DefaultDescriptor()
	desc.MaxQueueDepth = 8
	s, _ := newTestSession(t, desc, Options{QueueDepth: 64})
	assert.Equal(t, 8, s.QueueDepth())
}

func TestAppend_AssignsConsecutiveAddresses(t *testing.T) {
	s, _ := newTestSession(t, emulator.DefaultDescriptor(), Options{})
	ctx := context.Background()
	start := s.ZoneStart()

	var pending []*Pending
	for i := 0; i < 10; i++ {
		p, err := s.Append(patternBuffer(t, s, fmt.Sprintf("test_zstore1:%d", i)))
		require.NoError(t, err)
		pending = append(pending, p)
	}
	assert.Equal(t, 10, s.Outstanding())
	assert.Equal(t, uint64(0x43500-10), s.Remaining())

	for i, p := range pending {
		lba, err := p.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, start+uint64(i), lba)
	}
	assert.Equal(t, start+10, s.WritePointer())
	assert.Equal(t, 0, s.Outstanding())
}

func TestAppendRead_RoundTrip(t *testing.T) {
	desc := emulator.DefaultDescriptor()
	desc.FirstZoneLBA = 0x5780267
	s, _ := newTestSession(t, desc, Options{})
	ctx := context.Background()

	p, err := s.Append(patternBuffer(t, s, "test_zstore1:5"))
	require.NoError(t, err)
	lba, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x5780267), lba)
	assert.Equal(t, uint64(0x5780268), s.WritePointer())

	dst, err := s.Allocate(4096)
	require.NoError(t, err)
	r, err := s.Read(lba, dst)
	require.NoError(t, err)
	_, err = r.Wait(ctx)
	require.NoError(t, err)

	want := make([]byte, 4096)
	copy(want, "test_zstore1:5")
	assert.True(t, bytes.Equal(want, dst.Bytes()))
	assert.Equal(t, uint64(0x5780268), s.WritePointer(), "reads never move the write pointer")
}

func TestAppend_QueueFull(t *testing.T) {
	s, ns := newTestSession(t, emulator.DefaultDescriptor(), Options{QueueDepth: 32})
	ns.HoldCompletions(true)

	for i := 0; i < 32; i++ {
		_, err := s.Append(patternBuffer(t, s, "x"))
		require.NoError(t, err)
	}
	_, err := s.Append(patternBuffer(t, s, "x"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeQueueFull))
	assert.True(t, errors.IsRetryable(err))

	ns.HoldCompletions(false)
	require.NoError(t, s.Drain())

	snap := s.Stats()
	assert.Equal(t, uint64(32), snap.Queued)
	assert.Equal(t, uint64(32), snap.Completed)
	assert.Equal(t, snap.Completed, snap.Success+snap.Failure)
	assert.Equal(t, 0, snap.Outstanding)
}

func TestAppend_ZoneFull(t *testing.T) {
	desc := emulator.DefaultDescriptor()
	desc.ZoneCapacity = 4
	s, _ := newTestSession(t, desc, Options{})
	ctx := context.Background()

	buf, err := s.Allocate(3 * 4096)
	require.NoError(t, err)
	p, err := s.Append(buf)
	require.NoError(t, err)

	// One block left, but the in-flight append is reserved against it.
	err = s.CheckAppend(2 * 4096)
	assert.True(t, errors.HasCode(err, errors.ErrCodeZoneFull))

	_, err = p.Wait(ctx)
	require.NoError(t, err)

	p, err = s.Append(patternBuffer(t, s, "last"))
	require.NoError(t, err)
	_, err = p.Wait(ctx)
	require.NoError(t, err)
	assert.Zero(t, s.Remaining())

	_, err = s.Append(patternBuffer(t, s, "overflow"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeZoneFull))
	assert.Equal(t, s.ZoneStart()+4, s.WritePointer())
}

func TestAppend_InvalidLength(t *testing.T) {
	s, _ := newTestSession(t, emulator.DefaultDescriptor(), Options{})

	small, err := buffer.NewAllocator(512, 0)
	require.NoError(t, err)
	buf, err := small.Allocate(512)
	require.NoError(t, err)

	_, err = s.Append(buf)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))

	big, err := s.Allocate(65 * 4096)
	require.NoError(t, err)
	_, err = s.Append(big)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))
	assert.Equal(t, 0, s.Outstanding())
}

func TestAppend_DeviceErrorIsIOError(t *testing.T) {
	s, ns := newTestSession(t, emulator.DefaultDescriptor(), Options{})
	ns.FailNextAppends(1)

	p, err := s.Append(patternBuffer(t, s, "x"))
	require.NoError(t, err)
	_, err = p.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeIO))
	assert.Equal(t, s.ZoneStart(), s.WritePointer())
	assert.Equal(t, uint64(1), s.Stats().Failure)
}

func TestRead_OutOfRange(t *testing.T) {
	s, _ := newTestSession(t, emulator.DefaultDescriptor(), Options{})
	ctx := context.Background()

	dst, err := s.Allocate(4096)
	require.NoError(t, err)

	_, err = s.Read(s.ZoneStart(), dst)
	assert.True(t, errors.HasCode(err, errors.ErrCodeOutOfRange), "nothing written yet")

	p, err := s.Append(patternBuffer(t, s, "x"))
	require.NoError(t, err)
	_, err = p.Wait(ctx)
	require.NoError(t, err)

	_, err = s.Read(s.ZoneStart()+1, dst)
	assert.True(t, errors.HasCode(err, errors.ErrCodeOutOfRange))

	two, err := s.Allocate(2 * 4096)
	require.NoError(t, err)
	_, err = s.Read(s.ZoneStart(), two)
	assert.True(t, errors.HasCode(err, errors.ErrCodeOutOfRange))
}

func TestRead_OutOfRangeNearMaxLBA(t *testing.T) {
	s, ns := newTestSession(t, emulator.DefaultDescriptor(), Options{})

	p, err := s.Append(patternBuffer(t, s, "x"))
	require.NoError(t, err)
	_, err = p.Wait(context.Background())
	require.NoError(t, err)

	dst, err := s.Allocate(4096)
	require.NoError(t, err)
	for _, lba := range []uint64{math.MaxUint64, math.MaxUint64 - 1, s.WritePointer() + 1} {
		_, err = s.Read(lba, dst)
		assert.True(t, errors.HasCode(err, errors.ErrCodeOutOfRange), "lba %#x", lba)
	}

	_, reads, _ := ns.Counters()
	assert.Zero(t, reads, "rejected reads never reach the device")
	assert.Zero(t, s.Stats().Failure)
	assert.Equal(t, 0, s.Outstanding())
}

func TestRead_DeviceError(t *testing.T) {
	s, ns := newTestSession(t, emulator.DefaultDescriptor(), Options{})
	ctx := context.Background()

	p, err := s.Append(patternBuffer(t, s, "x"))
	require.NoError(t, err)
	lba, err := p.Wait(ctx)
	require.NoError(t, err)

	ns.FailNextReads(1)
	dst, err := s.Allocate(4096)
	require.NoError(t, err)
	r, err := s.Read(lba, dst)
	require.NoError(t, err)
	_, err = r.Wait(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeIO))
}

func TestPending_ResultBeforeCompletion(t *testing.T) {
	s, ns := newTestSession(t, emulator.DefaultDescriptor(), Options{})
	ns.HoldCompletions(true)

	p, err := s.Append(patternBuffer(t, s, "x"))
	require.NoError(t, err)
	assert.False(t, p.Done())
	_, err = p.Result()
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, s.Outstanding(), "cancelling a wait does not cancel the command")

	ns.HoldCompletions(false)
	lba, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s.ZoneStart(), lba)
}

func TestPending_AbandonReleasesOnCompletion(t *testing.T) {
	s, ns := newTestSession(t, emulator.DefaultDescriptor(), Options{})
	ns.HoldCompletions(true)

	p, err := s.Append(patternBuffer(t, s, "x"))
	require.NoError(t, err)
	p.Abandon()
	assert.Equal(t, int64(4096), s.Allocator().Stats().InUseBytes, "device still owns the buffer")

	ns.HoldCompletions(false)
	_, err = p.Wait(context.Background())
	require.NoError(t, err)
	assert.Zero(t, s.Allocator().Stats().InUseBytes)

	done, err := s.Append(patternBuffer(t, s, "y"))
	require.NoError(t, err)
	_, err = done.Wait(context.Background())
	require.NoError(t, err)
	done.Abandon()
	done.Abandon()
	stats := s.Allocator().Stats()
	assert.Zero(t, stats.InUseBytes)
	assert.Equal(t, stats.Allocations, stats.Releases)
}

func TestPending_AbandonAfterTimeoutWaitsForQueuePair(t *testing.T) {
	s, ns := newTestSession(t, emulator.DefaultDescriptor(), Options{OperationTimeout: 5 * time.Millisecond})
	ctx := context.Background()
	ns.HoldCompletions(true)

	p, err := s.Append(patternBuffer(t, s, "x"))
	require.NoError(t, err)
	_, err = p.Wait(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeOperationTimeout))

	p.Abandon()
	assert.Equal(t, int64(4096), s.Allocator().Stats().InUseBytes, "held until the queue pair is freed")

	ns.HoldCompletions(false)
	require.NoError(t, s.ResetZone(ctx))
	assert.Zero(t, s.Allocator().Stats().InUseBytes)
}

func TestDrain_ReleasesAbandonedBuffers(t *testing.T) {
	drv := emulator.NewDriver()
	ns := drv.Register(testTarget, emulator.DefaultDescriptor())
	s, err := Open(context.Background(), drv, testTarget, Options{OperationTimeout: 5 * time.Millisecond})
	require.NoError(t, err)
	ns.HoldCompletions(true)

	p, err := s.Append(patternBuffer(t, s, "x"))
	require.NoError(t, err)
	_, err = p.Wait(context.Background())
	require.Error(t, err)
	p.Abandon()

	stats := s.Allocator().Stats()
	require.Equal(t, stats.Allocations-1, stats.Releases)
	require.NoError(t, s.Drain())
	stats = s.Allocator().Stats()
	assert.Equal(t, stats.Allocations, stats.Releases)
}

func TestDrain_RejectsNewWork(t *testing.T) {
	s, ns := newTestSession(t, emulator.DefaultDescriptor(), Options{})
	for i := 0; i < 5; i++ {
		_, err := s.Append(patternBuffer(t, s, "x"))
		require.NoError(t, err)
	}
	require.NoError(t, s.Drain())
	require.NoError(t, s.Drain())

	_, err := s.Append(&buffer.Buffer{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeDraining))
	_, err = s.Read(s.ZoneStart(), &buffer.Buffer{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeDraining))

	snap := s.Stats()
	assert.Equal(t, uint64(5), snap.Completed)
	assert.Equal(t, uint64(5), snap.Success)
	assert.Equal(t, 0, snap.Outstanding)
	appends, _, _ := ns.Counters()
	assert.Equal(t, uint64(5), appends)
}

func TestTimeout_RequiresReset(t *testing.T) {
	s, ns := newTestSession(t, emulator.DefaultDescriptor(), Options{OperationTimeout: 5 * time.Millisecond})
	ctx := context.Background()
	ns.HoldCompletions(true)

	p, err := s.Append(patternBuffer(t, s, "x"))
	require.NoError(t, err)
	_, err = p.Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeOperationTimeout))
	assert.True(t, s.NeedsReset())
	assert.Equal(t, 0, s.Outstanding())

	_, err = s.Append(patternBuffer(t, s, "y"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeOperationTimeout))

	ns.HoldCompletions(false)
	require.NoError(t, s.ResetZone(ctx))
	assert.False(t, s.NeedsReset())
	assert.Equal(t, s.ZoneStart(), s.WritePointer())

	p, err = s.Append(patternBuffer(t, s, "z"))
	require.NoError(t, err)
	lba, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.ZoneStart(), lba)

	snap := s.Stats()
	assert.Equal(t, snap.Completed, snap.Success+snap.Failure)
	assert.Equal(t, uint64(1), snap.Failure)
}

func TestResetZone_LiftsDivergenceFence(t *testing.T) {
	s, ns := newTestSession(t, emulator.DefaultDescriptor(), Options{})
	ctx := context.Background()

	p, err := s.Append(patternBuffer(t, s, "x"))
	require.NoError(t, err)
	_, err = p.Wait(ctx)
	require.NoError(t, err)

	s.MarkDiverged()
	assert.True(t, s.Diverged())
	_, err = s.Append(patternBuffer(t, s, "y"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeMirrorDivergence))

	require.NoError(t, s.ResetZone(ctx))
	assert.False(t, s.Diverged())
	assert.Equal(t, s.ZoneStart(), s.WritePointer())
	_, _, resets := ns.Counters()
	assert.Equal(t, uint64(1), resets)

	report, err := ns.ReportZone(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, driver.ZoneEmpty, report.State)
}

func TestOpenZone_RequiresIdleSession(t *testing.T) {
	s, ns := newTestSession(t, emulator.DefaultDescriptor(), Options{})
	ns.HoldCompletions(true)

	_, err := s.Append(patternBuffer(t, s, "x"))
	require.NoError(t, err)
	err = s.OpenZone(context.Background(), 1)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))

	ns.HoldCompletions(false)
	_, err = s.Poll()
	require.NoError(t, err)
	require.NoError(t, s.OpenZone(context.Background(), 1))
	assert.Equal(t, uint64(1), s.ZoneIndex())
	assert.Equal(t, emulator.DefaultDescriptor().ZoneStart(1), s.WritePointer())
}
