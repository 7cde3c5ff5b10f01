package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// OpSummary aggregates the completion records of one op kind.
type OpSummary struct {
	Count    int           `json:"count"`
	Failures int           `json:"failures"`
	Bytes    uint64        `json:"bytes"`
	Elapsed  time.Duration `json:"elapsed"`
	IOPS     float64       `json:"iops"`
	Mean     time.Duration `json:"mean_latency"`
	P50      time.Duration `json:"p50_latency"`
	P99      time.Duration `json:"p99_latency"`
	Max      time.Duration `json:"max_latency"`
}

// Summary holds per-op aggregates for one device.
type Summary struct {
	Device string               `json:"device"`
	Ops    map[OpKind]OpSummary `json:"ops"`
}

// Summarize computes IOPS and latency figures from a completion log. Elapsed
// time runs from the first submission to the last completion of each kind.
func Summarize(device string, records []CompletionRecord) Summary {
	byOp := make(map[OpKind][]CompletionRecord)
	for _, rec := range records {
		byOp[rec.Op] = append(byOp[rec.Op], rec)
	}

	summary := Summary{Device: device, Ops: make(map[OpKind]OpSummary, len(byOp))}
	for op, recs := range byOp {
		summary.Ops[op] = summarizeOp(recs)
	}
	return summary
}

func summarizeOp(recs []CompletionRecord) OpSummary {
	var s OpSummary
	if len(recs) == 0 {
		return s
	}

	first := recs[0].Submitted
	last := recs[0].Completed
	latencies := make([]time.Duration, 0, len(recs))
	var total time.Duration

	for _, rec := range recs {
		s.Count++
		if !rec.Success {
			s.Failures++
		} else {
			s.Bytes += uint64(rec.Bytes)
		}
		if rec.Submitted.Before(first) {
			first = rec.Submitted
		}
		if rec.Completed.After(last) {
			last = rec.Completed
		}
		lat := rec.Latency()
		latencies = append(latencies, lat)
		total += lat
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	s.Mean = total / time.Duration(len(latencies))
	s.P50 = percentile(latencies, 0.50)
	s.P99 = percentile(latencies, 0.99)
	s.Max = latencies[len(latencies)-1]
	s.Elapsed = last.Sub(first)
	if s.Elapsed > 0 {
		s.IOPS = float64(s.Count) / s.Elapsed.Seconds()
	}
	return s
}

// percentile picks the nearest-rank value from sorted latencies.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// String renders the summary as a short multi-line report.
func (s Summary) String() string {
	ops := make([]string, 0, len(s.Ops))
	for op := range s.Ops {
		ops = append(ops, string(op))
	}
	sort.Strings(ops)

	var sb strings.Builder
	fmt.Fprintf(&sb, "device %s\n", s.Device)
	for _, name := range ops {
		op := s.Ops[OpKind(name)]
		fmt.Fprintf(&sb, "  %-6s count=%s failures=%d bytes=%s iops=%s mean=%v p50=%v p99=%v max=%v\n",
			name,
			humanize.Comma(int64(op.Count)),
			op.Failures,
			humanize.IBytes(op.Bytes),
			humanize.CommafWithDigits(op.IOPS, 1),
			op.Mean, op.P50, op.P99, op.Max)
	}
	return sb.String()
}
