// Tracks engine-wide and per-request performance metrics: completions by
// reason, token counts, queue wait, time to first token and end-to-end latency.

package serve

import (
	"fmt"
	"io"
	"math"
	"slices"
	"sync"
	"time"
)

// StepStats describes one scheduler step.
type StepStats struct {
	Step            int64
	BatchSize       int // requests that took part in the forward pass
	PrefillRequests int
	PrefillTokens   int
	DecodeRequests  int
	Paused          int
	Running         int
	QueueDepth      int
	ReservedBlocks  int64
	UsedBlocks      int64
	TotalBlocks     int64
	Duration        time.Duration
	Failed          bool
}

// Observer receives engine events. Calls are made from the scheduler loop
// (admission, steps, completions) and from Submit callers (queued, rejected),
// so implementations must be safe for concurrent use and must not block.
type Observer interface {
	RequestQueued(req *Request, queueDepth int)
	RequestRejected(reason string)
	RequestAdmitted(req *Request, queueWait time.Duration)
	StepCompleted(stats StepStats)
	RequestFinished(req *Request, reason CompletionReason, e2e time.Duration)
}

// MaxLatencySamples bounds each latency series kept by Metrics. Once full, new
// samples overwrite the oldest, so percentiles describe recent traffic while
// counts and totals stay exact.
const MaxLatencySamples = 1 << 14

// Metrics aggregates statistics for final reporting. It implements Observer.
type Metrics struct {
	mu sync.Mutex

	Submitted         int
	Rejected          map[string]int
	Completed         map[CompletionReason]int
	TotalPromptTokens int
	TotalOutputTokens int
	Steps             int64
	FailedSteps       int64
	ReservedBlockSum  int64 // integral of reserved blocks over steps
	PeakReserved      int64
	PeakBatchSize     int
	TotalBlocks       int64

	QueueWaits []float64 // seconds, at most MaxLatencySamples
	TTFTs      []float64 // seconds, at most MaxLatencySamples
	E2Es       []float64 // seconds, at most MaxLatencySamples

	queueWaitNext, ttftNext, e2eNext int
}

// addSample appends v to series, or overwrites the oldest sample once the
// series holds MaxLatencySamples values.
func addSample(series []float64, next *int, v float64) []float64 {
	if len(series) < MaxLatencySamples {
		return append(series, v)
	}
	series[*next] = v
	*next = (*next + 1) % MaxLatencySamples
	return series
}

// NewMetrics creates an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Rejected:  make(map[string]int),
		Completed: make(map[CompletionReason]int),
	}
}

func (m *Metrics) RequestQueued(_ *Request, _ int) {
	m.mu.Lock()
	m.Submitted++
	m.mu.Unlock()
}

func (m *Metrics) RequestRejected(reason string) {
	m.mu.Lock()
	m.Rejected[reason]++
	m.mu.Unlock()
}

func (m *Metrics) RequestAdmitted(_ *Request, queueWait time.Duration) {
	m.mu.Lock()
	m.QueueWaits = addSample(m.QueueWaits, &m.queueWaitNext, queueWait.Seconds())
	m.mu.Unlock()
}

func (m *Metrics) StepCompleted(s StepStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Steps++
	if s.Failed {
		m.FailedSteps++
	}
	m.ReservedBlockSum += s.ReservedBlocks
	m.PeakReserved = max(m.PeakReserved, s.ReservedBlocks)
	m.PeakBatchSize = max(m.PeakBatchSize, s.BatchSize)
	m.TotalBlocks = s.TotalBlocks
}

func (m *Metrics) RequestFinished(req *Request, reason CompletionReason, e2e time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Completed[reason]++
	m.TotalPromptTokens += len(req.Prompt)
	m.TotalOutputTokens += req.Generated()
	if !req.FirstTokenTime.IsZero() {
		m.TTFTs = addSample(m.TTFTs, &m.ttftNext, req.FirstTokenTime.Sub(req.ArrivalTime).Seconds())
	}
	if reason == ReasonStopped || reason == ReasonMaxTokens {
		m.E2Es = addSample(m.E2Es, &m.e2eNext, e2e.Seconds())
	}
}

// Snapshot returns a copy that is safe to read while the engine runs.
func (m *Metrics) Snapshot() *Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := &Metrics{
		Submitted:         m.Submitted,
		Rejected:          make(map[string]int, len(m.Rejected)),
		Completed:         make(map[CompletionReason]int, len(m.Completed)),
		TotalPromptTokens: m.TotalPromptTokens,
		TotalOutputTokens: m.TotalOutputTokens,
		Steps:             m.Steps,
		FailedSteps:       m.FailedSteps,
		ReservedBlockSum:  m.ReservedBlockSum,
		PeakReserved:      m.PeakReserved,
		PeakBatchSize:     m.PeakBatchSize,
		TotalBlocks:       m.TotalBlocks,
		QueueWaits:        slices.Clone(m.QueueWaits),
		TTFTs:             slices.Clone(m.TTFTs),
		E2Es:              slices.Clone(m.E2Es),
	}
	for k, v := range m.Rejected {
		cp.Rejected[k] = v
	}
	for k, v := range m.Completed {
		cp.Completed[k] = v
	}
	return cp
}

// Print writes the aggregated metrics in a human-readable block.
func (m *Metrics) Print(w io.Writer, elapsed time.Duration) {
	s := m.Snapshot()
	completed := s.Completed[ReasonStopped] + s.Completed[ReasonMaxTokens]
	fmt.Fprintln(w, "=== Engine Metrics ===")
	fmt.Fprintf(w, "Submitted Requests   : %d\n", s.Submitted)
	fmt.Fprintf(w, "Completed Requests   : %d\n", completed)
	for _, r := range []CompletionReason{ReasonCancelled, ReasonTimeout, ReasonFailed} {
		if n := s.Completed[r]; n > 0 {
			fmt.Fprintf(w, "%-21s: %d\n", "Finished "+string(r), n)
		}
	}
	for reason, n := range s.Rejected {
		fmt.Fprintf(w, "%-21s: %d\n", "Rejected ("+reason+")", n)
	}
	fmt.Fprintf(w, "Steps                : %d (%d failed)\n", s.Steps, s.FailedSteps)
	fmt.Fprintf(w, "Output Tokens        : %d\n", s.TotalOutputTokens)
	if elapsed > 0 {
		fmt.Fprintf(w, "Output Throughput    : %.2f tok/s\n", float64(s.TotalOutputTokens)/elapsed.Seconds())
	}
	if s.Steps > 0 {
		fmt.Fprintf(w, "Average Reserved     : %.2f blocks\n", float64(s.ReservedBlockSum)/float64(s.Steps))
		fmt.Fprintf(w, "Peak Reserved        : %d / %d blocks\n", s.PeakReserved, s.TotalBlocks)
		fmt.Fprintf(w, "Peak Batch Size      : %d\n", s.PeakBatchSize)
	}
	printDistribution(w, "Queue Wait", s.QueueWaits)
	printDistribution(w, "TTFT", s.TTFTs)
	printDistribution(w, "E2E Latency", s.E2Es)
}

func printDistribution(w io.Writer, name string, seconds []float64) {
	if len(seconds) == 0 {
		return
	}
	fmt.Fprintf(w, "%-21s: mean %.2f ms, p50 %.2f ms, p99 %.2f ms\n", name,
		CalculateMean(seconds)*1000, CalculatePercentile(seconds, 50)*1000, CalculatePercentile(seconds, 99)*1000)
}

// CalculatePercentile returns the p-th percentile of data by linear interpolation.
// data need not be sorted; it is not modified.
func CalculatePercentile(data []float64, p float64) float64 {
	n := len(data)
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(data)
	slices.Sort(sorted)

	rank := p / 100.0 * float64(n-1)
	lowerIdx := int(math.Floor(rank))
	upperIdx := int(math.Ceil(rank))
	if upperIdx >= n {
		return sorted[n-1]
	}
	return sorted[lowerIdx] + (sorted[upperIdx]-sorted[lowerIdx])*(rank-float64(lowerIdx))
}

// CalculateMean returns the arithmetic mean of data, or 0 when empty.
func CalculateMean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

type multiObserver []Observer

func (mo multiObserver) RequestQueued(req *Request, depth int) {
	for _, o := range mo {
		o.RequestQueued(req, depth)
	}
}

func (mo multiObserver) RequestRejected(reason string) {
	for _, o := range mo {
		o.RequestRejected(reason)
	}
}

func (mo multiObserver) RequestAdmitted(req *Request, wait time.Duration) {
	for _, o := range mo {
		o.RequestAdmitted(req, wait)
	}
}

func (mo multiObserver) StepCompleted(s StepStats) {
	for _, o := range mo {
		o.StepCompleted(s)
	}
}

func (mo multiObserver) RequestFinished(req *Request, reason CompletionReason, e2e time.Duration) {
	for _, o := range mo {
		o.RequestFinished(req, reason, e2e)
	}
}
