package proxy

import (
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/emberguard/emberguard/pkg/metricsx"
)

// Metrics is the process-wide registry of counters and gauges the admission
// pipeline and DDoS detector report to. It's built on a dedicated
// github.com/VictoriaMetrics/metrics.Set so exposition doesn't pick up the
// package-level default set's metrics from unrelated imports.
type Metrics struct {
	set *metrics.Set

	incomingAttempts *metrics.Counter
	incomingBytes    *metrics.Counter
	outgoingBytes    *metrics.Counter
	requestTotal     *metrics.Counter
	ddosMode         *metrics.Gauge
	cpuUsage         *metrics.Gauge
	ramUsage         *metrics.Gauge

	mu               sync.Mutex
	requestPerIP     map[string]*metrics.Counter
	requestPerRegion map[string]*metrics.Counter

	acceptedGeohash *metricsx.GeoCounter2
	rejectedGeohash *metricsx.GeoCounter2

	connCount     atomic.Int64
	acceptedTotal atomic.Uint64 // cumulative, never decremented; fed to the DDoS detector
	mode          atomic.Int32
	cpuPercent    atomic.Int64 // fixed-point, hundredths of a percent
	ramBytes      atomic.Int64
}

// NewMetrics constructs an empty Metrics registry.
func NewMetrics() *Metrics {
	set := metrics.NewSet()
	m := &Metrics{
		set:              set,
		incomingAttempts: set.NewCounter("incoming_connections_attempts"),
		incomingBytes:    set.NewCounter("incoming_bytes_total"),
		outgoingBytes:    set.NewCounter("outgoing_bytes_total"),
		requestTotal:     set.NewCounter("request_total"),
		requestPerIP:     make(map[string]*metrics.Counter),
		requestPerRegion: make(map[string]*metrics.Counter),
		acceptedGeohash:  metricsx.NewGeoCounter2(`accepted_connections_by_geohash`),
		rejectedGeohash:  metricsx.NewGeoCounter2(`rejected_connections_by_geohash`),
	}
	set.NewGauge("total_connections", func() float64 { return float64(m.connCount.Load()) })
	m.ddosMode = set.NewGauge("ddos_mode", func() float64 { return float64(m.mode.Load()) })
	m.cpuUsage = set.NewGauge("cpu_usage_total", func() float64 { return float64(m.cpuPercent.Load()) / 100 })
	m.ramUsage = set.NewGauge("ram_usage_total", func() float64 { return float64(m.ramBytes.Load()) })
	return m
}

// Handler returns an http.Handler exposing the registry in Prometheus text
// format, for use on METRICS_ADDR.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.set.WritePrometheus(w)
		m.acceptedGeohash.WritePrometheus(w)
		m.rejectedGeohash.WritePrometheus(w)
	})
}

// IncomingAttempt records one accepted TCP connection attempt, regardless of
// whether admission ultimately allows it.
func (m *Metrics) IncomingAttempt() { m.incomingAttempts.Inc() }

// ConnectionOpened and ConnectionClosed track total_connections as a gauge
// around the lifetime of a successfully dialed upstream connection.
// ConnectionOpened also bumps the cumulative count the DDoS detector samples.
func (m *Metrics) ConnectionOpened() {
	m.connCount.Add(1)
	m.acceptedTotal.Add(1)
}
func (m *Metrics) ConnectionClosed() { m.connCount.Add(-1) }

// Snapshot is a point-in-time read of the cumulative counters the DDoS
// detector ingests, named generically here so this package doesn't need to
// import pkg/ddosdetect.
type Snapshot struct {
	TotalConns       uint64
	IncomingAttempts uint64
	RequestTotal     uint64
}

// Snapshot reads the current cumulative counters for the detector.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		TotalConns:       m.acceptedTotal.Load(),
		IncomingAttempts: m.incomingAttempts.Get(),
		RequestTotal:     m.requestTotal.Get(),
	}
}

// AddIncomingBytes and AddOutgoingBytes track relay throughput.
func (m *Metrics) AddIncomingBytes(n int) { m.incomingBytes.Add(n) }
func (m *Metrics) AddOutgoingBytes(n int) { m.outgoingBytes.Add(n) }

// ObserveRequest increments request_total and the per-IP and per-region
// breakdowns for one relayed read from the client.
func (m *Metrics) ObserveRequest(ip, region string) {
	m.requestTotal.Inc()

	m.mu.Lock()
	ctr, ok := m.requestPerIP[ip]
	if !ok {
		ctr = m.set.NewCounter(`request_per_ip{ip="` + ip + `"}`)
		m.requestPerIP[ip] = ctr
	}
	var rctr *metrics.Counter
	if region != "" {
		rctr, ok = m.requestPerRegion[region]
		if !ok {
			rctr = m.set.NewCounter(`request_per_region{region="` + region + `"}`)
			m.requestPerRegion[region] = rctr
		}
	}
	m.mu.Unlock()

	ctr.Inc()
	if rctr != nil {
		rctr.Inc()
	}
}

// AcceptedGeohash and RejectedGeohash bucket an admission decision by the
// client's approximate location, using the City database's lat/lon when
// available.
func (m *Metrics) AcceptedGeohash(lat, lon float64, found bool) {
	if !found {
		m.acceptedGeohash.IncUnknown()
		return
	}
	m.acceptedGeohash.Inc(lat, lon)
}

func (m *Metrics) RejectedGeohash(lat, lon float64, found bool) {
	if !found {
		m.rejectedGeohash.IncUnknown()
		return
	}
	m.rejectedGeohash.Inc(lat, lon)
}

// SetDDOSMode updates the ddos_mode gauge; called by the detector after each
// analysis cycle.
func (m *Metrics) SetDDOSMode(on bool) {
	if on {
		m.mode.Store(1)
	} else {
		m.mode.Store(0)
	}
}

// DDOSMode reports the current protection-mode gauge value, consulted by the
// admission pipeline to decide whether to apply country-based filtering.
func (m *Metrics) DDOSMode() bool {
	return m.mode.Load() != 0
}

// SampleProcessStats updates cpu_usage_total and ram_usage_total from the
// current process's resource usage. Call it periodically (e.g. every few
// seconds) from the server's lifecycle goroutine.
func (m *Metrics) SampleProcessStats(cpuPercent float64) {
	m.cpuPercent.Store(int64(cpuPercent * 100))

	// Sys, not Alloc: ram_usage_total tracks what the process holds from the
	// OS, not what the Go heap currently has live.
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.ramBytes.Store(int64(ms.Sys))
}

// StatsSampler drives SampleProcessStats on an interval, computing CPU
// percentage from successive process CPU-time snapshots (via processCPUTime,
// platform-specific).
type StatsSampler struct {
	m        *Metrics
	lastCPU  time.Duration
	lastWall time.Time
}

// NewStatsSampler creates a sampler reporting into m.
func NewStatsSampler(m *Metrics) *StatsSampler {
	return &StatsSampler{m: m, lastCPU: processCPUTime(), lastWall: timeNow()}
}

// Sample takes a new CPU-time snapshot, computes the percentage of available
// CPU time consumed since the last call (normalized by GOMAXPROCS), and
// updates the registry.
func (s *StatsSampler) Sample() {
	now := timeNow()
	cpu := processCPUTime()

	wallDelta := now.Sub(s.lastWall)
	cpuDelta := cpu - s.lastCPU
	s.lastWall, s.lastCPU = now, cpu

	var pct float64
	if wallDelta > 0 {
		pct = float64(cpuDelta) / float64(wallDelta) / float64(runtime.GOMAXPROCS(0)) * 100
	}
	s.m.SampleProcessStats(pct)
}

// timeNow is indirected so the sampler's cadence math is table-testable.
var timeNow = time.Now
