package emberguard

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/emberguard/emberguard/pkg/blockcache"
	"github.com/emberguard/emberguard/pkg/ddosdetect"
	"github.com/emberguard/emberguard/pkg/geoip"
	"github.com/emberguard/emberguard/pkg/proxy"
	"github.com/emberguard/emberguard/pkg/ratelimit"
)

// sampleInterval and analyzeInterval are the DDoS detector's two cadences:
// history is appended every 10s, and judged for an attack verdict every 60s.
const (
	sampleInterval  = 10 * time.Second
	analyzeInterval = 60 * time.Second
	statsInterval   = 5 * time.Second
)

// Downloader fetches a GeoIP database from a URL to a local path. This
// package never performs the download itself; the interface exists so a
// deployment-specific fetcher can be plugged in ahead of NewServer.
type Downloader interface {
	Download(ctx context.Context, url, path string) error
}

// Server wires together the block cache, GeoIP resolver, rate limiters,
// DDoS detector, metrics registry, and admission engine into a runnable
// proxy.
type Server struct {
	Logger zerolog.Logger

	l4Addr      string
	metricsAddr string

	cache    *blockcache.Client
	geo      *geoip.Resolver
	detector *ddosdetect.Detector
	proxy    *proxy.Server

	reloadSignal chan struct{}
	closed       bool
}

// NewServer configures a new Server from c. The GeoIP databases are opened
// eagerly; a missing or corrupt database is an error, and the process should
// not come up without them.
func NewServer(log zerolog.Logger, c *Config) (*Server, error) {
	asns, err := c.ASNs()
	if err != nil {
		return nil, fmt.Errorf("parse blocked asns: %w", err)
	}

	if c.MMDBAutomode {
		for _, p := range []string{c.MMDBASN, c.MMDBCity} {
			if _, err := os.Stat(p); err != nil {
				log.Warn().Str("path", p).Msg("MMDB_AUTOMODE is set, but automatic database downloading is not implemented by this build; fetch the database before starting")
			}
		}
	}

	geo, err := geoip.New(log, c.MMDBASN, c.MMDBCity, asns, c.BlockedCountry)
	if err != nil {
		return nil, fmt.Errorf("initialize geoip resolver: %w", err)
	}

	cache := blockcache.New(log, c.MemcachedAddrs...)

	s := &Server{
		Logger:       log,
		l4Addr:       net.JoinHostPort(c.L4IP, strconv.Itoa(c.L4Port)),
		metricsAddr:  c.MetricsAddr,
		cache:        cache,
		geo:          geo,
		detector:     ddosdetect.New(50, ddosdetect.DefaultThresholds()),
		reloadSignal: make(chan struct{}, 1),
	}

	s.proxy = &proxy.Server{
		Upstream:       net.JoinHostPort(c.OutboundIP, strconv.Itoa(c.OutboundPort)),
		HAProxyHeaders: c.HAProxyHeaders,
		Cache:          cache,
		Geo:            geo,
		Limiter:        ratelimit.New(c.RateLimit),
		ConnLimiter:    ratelimit.New(c.ConnectRateLimit),
		Metrics:        proxy.NewMetrics(),
		Log:            log,
	}

	return s, nil
}

// Reload requests an out-of-cadence GeoIP database reload, e.g. in response
// to SIGHUP. Non-blocking: a reload already pending is not duplicated.
func (s *Server) Reload() {
	select {
	case s.reloadSignal <- struct{}{}:
	default:
	}
}

// Run starts the admission listener, the metrics HTTP server, the detector's
// timers, and the GeoIP reload worker, blocking until ctx is canceled. It
// must only be called once.
func (s *Server) Run(ctx context.Context) error {
	if s.closed {
		return net.ErrClosed
	}

	ln, err := listen(ctx, s.l4Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.l4Addr, err)
	}

	s.geo.ReloadDaily(s.reloadSignal)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.proxy.Serve(ctx, ln); err != nil {
			s.Logger.Err(err).Msg("admission listener stopped")
		}
	}()

	metricsSrv := &http.Server{
		Addr:    s.metricsAddr,
		Handler: s.proxy.Metrics.Handler(),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Logger.Info().Str("addr", s.metricsAddr).Msg("serving metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.Logger.Err(err).Msg("metrics listener stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runDetector(ctx)
	}()

	stats := proxy.NewStatsSampler(s.proxy.Metrics)
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runStatsSampler(ctx, stats)
	}()

	s.Logger.Info().Str("addr", s.l4Addr).Str("upstream", s.proxy.Upstream).Msg("starting emberguard")

	<-ctx.Done()
	s.closed = true

	metricsSrv.Shutdown(context.Background())
	ln.Close()
	s.geo.Close()
	wg.Wait()

	return nil
}

// runDetector drives the DDoS detector's two timers: Ingest every 10s from a
// live metrics snapshot, Analyze every 60s, publishing the verdict to the
// ddos_mode gauge the admission pipeline consults.
func (s *Server) runDetector(ctx context.Context) {
	sampleTk := time.NewTicker(sampleInterval)
	defer sampleTk.Stop()
	analyzeTk := time.NewTicker(analyzeInterval)
	defer analyzeTk.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sampleTk.C:
			snap := s.proxy.Metrics.Snapshot()
			s.detector.Ingest(ddosdetect.ConnectionMetrics{
				TotalConns:       snap.TotalConns,
				IncomingAttempts: snap.IncomingAttempts,
				RequestTotal:     snap.RequestTotal,
			})
		case <-analyzeTk.C:
			attack := s.detector.Analyze()
			s.proxy.Metrics.SetDDOSMode(attack)
			if attack {
				s.Logger.Warn().Msg("ddos detector tripped, enabling country-based filtering")
			}
		}
	}
}

func (s *Server) runStatsSampler(ctx context.Context, stats *proxy.StatsSampler) {
	tk := time.NewTicker(statsInterval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			stats.Sample()
		}
	}
}
