package workload

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zstore/zstore/internal/cursor"
	"github.com/zstore/zstore/internal/driver"
	"github.com/zstore/zstore/internal/driver/emulator"
	"github.com/zstore/zstore/internal/mirror"
	"github.com/zstore/zstore/internal/session"
	"github.com/zstore/zstore/internal/stats"
	"github.com/zstore/zstore/pkg/errors"
	"github.com/zstore/zstore/pkg/retry"
)

type fakeRecorder struct {
	zones    map[string]uint64
	wps      map[string]uint64
	diverged bool
	errs     []error
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{zones: map[string]uint64{}, wps: map[string]uint64{}}
}

func (f *fakeRecorder) UpdateZone(device string, zone, wp uint64) {
	f.zones[device] = zone
	f.wps[device] = wp
}
func (f *fakeRecorder) SetDiverged(d bool)    { f.diverged = d }
func (f *fakeRecorder) RecordError(err error) { f.errs = append(f.errs, err) }

func target(i int) driver.Target {
	return driver.Target{Transport: "tcp", Address: "192.168.1.121", ServiceID: fmt.Sprint(4420 + 1100*i), NamespaceID: 1}
}

func openSet(t *testing.T, n int, desc driver.Descriptor) (*mirror.Coordinator, []*emulator.Namespace, cursor.Store) {
	t.Helper()
	drv := emulator.NewDriver()
	var (
		targets []driver.Target
		names   []string
		ns      []*emulator.Namespace
	)
	for i := 0; i < n; i++ {
		targets = append(targets, target(i))
		names = append(names, fmt.Sprintf("m%d", i+1))
		ns = append(ns, drv.Register(target(i), desc))
	}
	store := &cursor.Memory{}
	c, err := mirror.Open(context.Background(), drv, targets, names, store, session.Options{}, mirror.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, ns, store
}

func TestPattern(t *testing.T) {
	assert.Equal(t, []byte("test_zstore1:5"), Pattern("test_zstore1", 5))

	block := make([]byte, 4096)
	block[100] = 0xff
	require.NoError(t, Fill(block, "test_zstore1", 5))
	assert.Equal(t, byte(0), block[100], "Fill must zero the padding")

	prefix, n, ok := ParsePattern(block)
	require.True(t, ok)
	assert.Equal(t, "test_zstore1", prefix)
	assert.Equal(t, uint64(5), n)

	prefix, n, ok = ParsePattern([]byte("host:port:42"))
	require.True(t, ok)
	assert.Equal(t, "host:port", prefix)
	assert.Equal(t, uint64(42), n)

	_, _, ok = ParsePattern(make([]byte, 16))
	assert.False(t, ok)
	_, _, ok = ParsePattern([]byte("test_zstore1:x"))
	assert.False(t, ok)

	assert.Error(t, Fill(make([]byte, 4), "test_zstore1", 5))
}

func TestRun_AppendsAndVerifies(t *testing.T) {
	c, _, _ := openSet(t, 2, emulator.DefaultDescriptor())
	rec := newFakeRecorder()

	report, err := Run(context.Background(), c, Options{
		Appends:  5,
		Prefix:   "test_zstore1",
		Verify:   true,
		Recorder: rec,
	})
	require.NoError(t, err)

	assert.Equal(t, 5, report.Appended)
	assert.Equal(t, 5, report.Verified)
	assert.Zero(t, report.Skipped)
	assert.Equal(t, uint64(5), report.WritePointer)
	for i, w := range report.Written {
		assert.Equal(t, uint64(i), w.Offset)
		assert.Equal(t, uint64(i), w.Value)
	}

	require.Len(t, report.Devices, 2)
	for _, d := range report.Devices {
		assert.Equal(t, 5, d.Ops[stats.OpAppend].Count)
		assert.Equal(t, 5, d.Ops[stats.OpRead].Count)
	}
	assert.Equal(t, uint64(5), rec.wps["m1"])
	assert.Equal(t, uint64(5), rec.wps["m2"])
	assert.False(t, rec.diverged)
	assert.Empty(t, rec.errs)
}

func TestRun_RollsOverFullZones(t *testing.T) {
	desc := emulator.DefaultDescriptor()
	desc.ZoneCapacity = 2
	c, _, store := openSet(t, 2, desc)

	report, err := Run(context.Background(), c, Options{
		Appends:  5,
		Prefix:   "test_zstore1",
		RollOver: true,
		Verify:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Rollovers)
	assert.Equal(t, uint64(2), report.Zone)
	zones := make([]uint64, 0, len(report.Written))
	for _, w := range report.Written {
		zones = append(zones, w.Zone)
	}
	assert.Equal(t, []uint64{0, 0, 1, 1, 2}, zones)
	assert.Equal(t, 1, report.Verified)
	assert.Equal(t, 4, report.Skipped)

	zone, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), zone)
}

func TestRun_ZoneFullWithoutRollOver(t *testing.T) {
	desc := emulator.DefaultDescriptor()
	desc.ZoneCapacity = 2
	c, _, _ := openSet(t, 2, desc)

	report, err := Run(context.Background(), c, Options{Appends: 3, Prefix: "test_zstore1"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeZoneFull), "got %v", err)
	assert.Equal(t, 2, report.Appended)
	assert.False(t, c.Diverged())
}

func TestRun_ReplicaFailureIsReported(t *testing.T) {
	c, ns, _ := openSet(t, 2, emulator.DefaultDescriptor())
	ns[1].FailNextAppends(1)
	rec := newFakeRecorder()

	report, err := Run(context.Background(), c, Options{Appends: 3, Prefix: "test_zstore1", Recorder: rec})
	assert.True(t, errors.HasCode(err, errors.ErrCodeMirrorDivergence), "got %v", err)
	assert.Zero(t, report.Appended)
	assert.True(t, rec.diverged)
	assert.Len(t, rec.errs, 1)
}

func TestBurst_RetriesQueueFull(t *testing.T) {
	drv := emulator.NewDriver()
	desc := emulator.DefaultDescriptor()
	desc.FirstZoneLBA = 0x5780267
	drv.Register(target(0), desc)

	s, err := session.Open(context.Background(), drv, target(0), session.Options{Name: "m1", QueueDepth: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Drain() })

	cfg := retry.QueueFullConfig()
	cfg.InitialDelay = time.Microsecond
	retries := 0
	cfg.OnRetry = func(int, error, time.Duration) { retries++ }

	lbas, err := Burst(context.Background(), s, "test_zstore1", 0, 10, &cfg)
	require.NoError(t, err)
	require.Len(t, lbas, 10)
	for i, lba := range lbas {
		assert.Equal(t, uint64(0x5780267+i), lba)
	}
	assert.Positive(t, retries)
	assert.Zero(t, s.Outstanding())
	assert.Zero(t, s.Allocator().Stats().InUseBytes)
}

func TestBurst_StopsAtZoneFull(t *testing.T) {
	drv := emulator.NewDriver()
	desc := emulator.DefaultDescriptor()
	desc.ZoneCapacity = 3
	drv.Register(target(0), desc)

	s, err := session.Open(context.Background(), drv, target(0), session.Options{Name: "m1"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Drain() })

	lbas, err := Burst(context.Background(), s, "test_zstore1", 0, 5, nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeZoneFull), "got %v", err)
	assert.Len(t, lbas, 3)
	assert.Zero(t, s.Outstanding())
}
