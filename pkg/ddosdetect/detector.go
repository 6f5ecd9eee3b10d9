// Package ddosdetect implements the statistical multi-signal DDoS detector:
// a periodic aggregator that turns cumulative connection counters into
// per-interval deltas, and an analyzer that flags the current interval as
// an attack using simple time-series anomaly rules over recent history.
package ddosdetect

import (
	"errors"
	"math"
	"sort"
	"sync"
)

// ErrInsufficientData is returned by the statistics helpers when asked to
// summarize an empty series. The analyzer treats it as a no-op cycle.
var ErrInsufficientData = errors.New("ddosdetect: insufficient data")

// ConnectionMetrics is one sample of cumulative counters taken straight from
// the metrics registry.
type ConnectionMetrics struct {
	TotalConns       uint64
	IncomingAttempts uint64
	RequestTotal     uint64
}

// AggregatedMetrics is one interval's delta, appended to the detector's
// history after every Ingest.
type AggregatedMetrics struct {
	TotalConns       uint64
	IncomingAttempts uint64
	SuccessRate      float64
	RequestTotal     uint64
}

// Thresholds configures the analyzer's anomaly rules; the zero value is not
// meaningful, use DefaultThresholds.
type Thresholds struct {
	// PacketFloodThreshold: attack if current RequestTotal exceeds the
	// historical median by this factor.
	PacketFloodThreshold float64
	// Sigma: number of standard deviations past the mean that counts as an
	// anomaly for the rate/success/packet checks.
	Sigma float64
}

// DefaultThresholds returns the production detection thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{PacketFloodThreshold: 5.0, Sigma: 3.0}
}

// Detector ingests periodic metrics snapshots and, on demand, analyzes
// recent history for statistical signs of a DDoS attack.
//
// The history append (Ingest) and the analysis read (Analyze) are both
// guarded by the same mutex so they never observe a torn history, but
// neither blocks the rest of the system beyond that critical section.
type Detector struct {
	mu         sync.Mutex
	history    []AggregatedMetrics
	maxHistory int

	prev    ConnectionMetrics
	hasPrev bool

	thresholds Thresholds
}

// New creates a Detector retaining up to maxHistory aggregated samples.
func New(maxHistory int, thresholds Thresholds) *Detector {
	return &Detector{
		maxHistory: maxHistory,
		thresholds: thresholds,
	}
}

// Ingest converts cumulative into a delta against the previous sample (the
// first call's delta is the raw values), appends the resulting
// AggregatedMetrics to the bounded FIFO history (evicting oldest on
// overflow), and returns it.
func (d *Detector) Ingest(cumulative ConnectionMetrics) AggregatedMetrics {
	d.mu.Lock()
	defer d.mu.Unlock()

	delta := cumulative
	if d.hasPrev {
		delta = ConnectionMetrics{
			TotalConns:       subClamped(cumulative.TotalConns, d.prev.TotalConns),
			IncomingAttempts: subClamped(cumulative.IncomingAttempts, d.prev.IncomingAttempts),
			RequestTotal:     subClamped(cumulative.RequestTotal, d.prev.RequestTotal),
		}
	}
	d.prev = cumulative
	d.hasPrev = true

	agg := AggregatedMetrics{
		TotalConns:       delta.TotalConns,
		IncomingAttempts: delta.IncomingAttempts,
		SuccessRate:      successRate(delta),
		RequestTotal:     delta.RequestTotal,
	}

	d.history = append(d.history, agg)
	if len(d.history) > d.maxHistory {
		d.history = d.history[len(d.history)-d.maxHistory:]
	}

	return agg
}

// subClamped returns a-b, clamped to 0 if the counters ever appear to go
// backwards (e.g. a process restart resetting the registry), so ingested
// deltas are always nonnegative.
func subClamped(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

func successRate(m ConnectionMetrics) float64 {
	if m.IncomingAttempts == 0 {
		return 100
	}
	return float64(m.TotalConns) / float64(m.IncomingAttempts) * 100
}

// HistoryLen returns the current history length, always <= maxHistory.
func (d *Detector) HistoryLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.history)
}

// Analyze examines the most recent sample in history against the rest of
// the history (the "baseline") and returns true if it looks like an attack.
//
// The baseline used for mean/stddev/median excludes the current (most
// recent) sample: including it dilutes the anomaly it's supposed to detect
// (the current sample pulls its own comparison statistics toward itself), an
// effect sometimes called self-masking. See the package tests for a concrete
// scenario where this choice changes the verdict.
func (d *Detector) Analyze() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.history) == 0 {
		return false
	}
	current := d.history[len(d.history)-1]
	baseline := d.history[:len(d.history)-1]

	if len(baseline) < 2 {
		return false
	}

	if packetFlood(current, baseline, d.thresholds.PacketFloodThreshold) {
		return true
	}
	if rateAnomaly(current, baseline, d.thresholds.Sigma) {
		return true
	}
	if successAnomaly(current, baseline, d.thresholds.Sigma) {
		return true
	}
	if packetAnomaly(current, baseline, d.thresholds.Sigma) {
		return true
	}
	if combinedModerateAttack(current, baseline) {
		return true
	}
	return false
}

func packetFlood(current AggregatedMetrics, baseline []AggregatedMetrics, threshold float64) bool {
	if len(baseline) == 0 {
		return false
	}
	vals := make([]uint64, len(baseline))
	for i, m := range baseline {
		vals[i] = m.RequestTotal
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	median := float64(vals[len(vals)/2])

	return float64(current.RequestTotal) > median*threshold
}

func rateAnomaly(current AggregatedMetrics, baseline []AggregatedMetrics, sigma float64) bool {
	vals := extract(baseline, func(m AggregatedMetrics) float64 { return float64(m.IncomingAttempts) })
	mean, stddev, err := meanStddev(vals)
	if err != nil {
		return false
	}
	return float64(current.IncomingAttempts) > mean+sigma*stddev
}

func successAnomaly(current AggregatedMetrics, baseline []AggregatedMetrics, sigma float64) bool {
	vals := extract(baseline, func(m AggregatedMetrics) float64 { return m.SuccessRate })
	mean, stddev, err := meanStddev(vals)
	if err != nil {
		return false
	}
	return current.SuccessRate < mean-sigma*stddev
}

func packetAnomaly(current AggregatedMetrics, baseline []AggregatedMetrics, sigma float64) bool {
	vals := extract(baseline, func(m AggregatedMetrics) float64 { return float64(m.RequestTotal) })
	mean, stddev, err := meanStddev(vals)
	if err != nil {
		return false
	}
	return float64(current.RequestTotal) > mean+sigma*stddev
}

// combinedModerateAttack flags a "death by a thousand cuts" pattern: no
// single signal crosses its sigma threshold, but at least 2 of 3 moderate
// thresholds are crossed at once. Requires at least 3 samples of baseline
// history.
func combinedModerateAttack(current AggregatedMetrics, baseline []AggregatedMetrics) bool {
	if len(baseline) < 3 {
		return false
	}

	rateMean, err := mean(extract(baseline, func(m AggregatedMetrics) float64 { return float64(m.IncomingAttempts) }))
	if err != nil {
		return false
	}
	successMean, err := mean(extract(baseline, func(m AggregatedMetrics) float64 { return m.SuccessRate }))
	if err != nil {
		return false
	}
	packetMean, err := mean(extract(baseline, func(m AggregatedMetrics) float64 { return float64(m.RequestTotal) }))
	if err != nil {
		return false
	}

	score := 0
	if float64(current.IncomingAttempts) > rateMean*1.5 {
		score++
	}
	if current.SuccessRate < successMean*0.6 {
		score++
	}
	if float64(current.RequestTotal) > packetMean*2.0 {
		score++
	}
	return score >= 2
}

func extract(baseline []AggregatedMetrics, f func(AggregatedMetrics) float64) []float64 {
	vals := make([]float64, len(baseline))
	for i, m := range baseline {
		vals[i] = f(m)
	}
	return vals
}

// mean returns the arithmetic mean of data, or ErrInsufficientData if data
// is empty.
func mean(data []float64) (float64, error) {
	if len(data) == 0 {
		return 0, ErrInsufficientData
	}
	var sum float64
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data)), nil
}

// meanStddev returns the arithmetic mean and population standard deviation
// of data, or ErrInsufficientData if data is empty.
func meanStddev(data []float64) (float64, float64, error) {
	m, err := mean(data)
	if err != nil {
		return 0, 0, err
	}
	var sumSq float64
	for _, v := range data {
		d := v - m
		sumSq += d * d
	}
	return m, math.Sqrt(sumSq / float64(len(data))), nil
}
