// Package stats tracks per-session submission and completion counters and
// keeps the timestamped completion log used for throughput and latency
// accounting.
package stats

import (
	"sync"
	"time"
)

// OpKind names the kind of I/O a record describes.
type OpKind string

const (
	OpAppend OpKind = "append"
	OpRead   OpKind = "read"
	OpReset  OpKind = "reset"
)

// CompletionRecord is one completed command. Records are immutable once
// appended to the log.
type CompletionRecord struct {
	Op        OpKind    `json:"op"`
	Submitted time.Time `json:"submitted"`
	Completed time.Time `json:"completed"`
	Success   bool      `json:"success"`
	Bytes     int       `json:"bytes"`
}

// Latency is the time between submission and completion.
func (r CompletionRecord) Latency() time.Duration {
	return r.Completed.Sub(r.Submitted)
}

// Snapshot is a read-only copy of a tracker's counters.
type Snapshot struct {
	Queued       uint64 `json:"queued"`
	Completed    uint64 `json:"completed"`
	Success      uint64 `json:"success"`
	Failure      uint64 `json:"failure"`
	Outstanding  int    `json:"outstanding"`
	Records      int    `json:"records"`
	BytesWritten uint64 `json:"bytes_written"`
	BytesRead    uint64 `json:"bytes_read"`
}

// Observer is notified of every submission and completion, e.g. to export
// metrics.
type Observer interface {
	ObserveSubmit(device string, op OpKind, outstanding int)
	ObserveCompletion(device string, rec CompletionRecord, outstanding int)
}

// Tracker accumulates counters for one device session. Mutation happens on
// the goroutine driving the session; snapshots may be taken from anywhere.
type Tracker struct {
	mu        sync.RWMutex
	device    string
	snap      Snapshot
	records   []CompletionRecord
	observers []Observer
}

// NewTracker creates a tracker for device.
func NewTracker(device string, observers ...Observer) *Tracker {
	return &Tracker{device: device, observers: observers}
}

// Device returns the name of the tracked device.
func (t *Tracker) Device() string { return t.device }

// OnSubmit counts a submitted command.
func (t *Tracker) OnSubmit(op OpKind) {
	t.mu.Lock()
	t.snap.Queued++
	t.snap.Outstanding++
	outstanding := t.snap.Outstanding
	t.mu.Unlock()

	for _, o := range t.observers {
		o.ObserveSubmit(t.device, op, outstanding)
	}
}

// OnComplete counts a completed command and appends it to the completion log.
func (t *Tracker) OnComplete(op OpKind, success bool, submitted, completed time.Time, bytes int) {
	rec := CompletionRecord{
		Op:        op,
		Submitted: submitted,
		Completed: completed,
		Success:   success,
		Bytes:     bytes,
	}

	t.mu.Lock()
	t.snap.Completed++
	if success {
		t.snap.Success++
		switch op {
		case OpAppend:
			t.snap.BytesWritten += uint64(bytes)
		case OpRead:
			t.snap.BytesRead += uint64(bytes)
		}
	} else {
		t.snap.Failure++
	}
	if t.snap.Outstanding > 0 {
		t.snap.Outstanding--
	}
	t.records = append(t.records, rec)
	t.snap.Records = len(t.records)
	outstanding := t.snap.Outstanding
	t.mu.Unlock()

	for _, o := range t.observers {
		o.ObserveCompletion(t.device, rec, outstanding)
	}
}

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}

// Records returns a copy of the completion log.
func (t *Tracker) Records() []CompletionRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]CompletionRecord, len(t.records))
	copy(out, t.records)
	return out
}
