// Package proxy implements the per-connection admission and relay engine:
// validate a client against the block cache and geo/ASN blacklists, then
// tunnel allowed connections to a fixed upstream address.
package proxy

import (
	"context"
	"io"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/emberguard/emberguard/pkg/blockcache"
	"github.com/emberguard/emberguard/pkg/geoip"
	"github.com/emberguard/emberguard/pkg/ratelimit"
	"github.com/emberguard/emberguard/pkg/regionmap"
	"github.com/emberguard/emberguard/pkg/wire"
)

const (
	blockTTL    = 3600
	relayBufSz  = 1024
	rejectDelay = 50 * time.Millisecond
)

// CacheClient is the block cache dependency Server validates connections
// against. *blockcache.Client satisfies this; tests substitute a fake.
type CacheClient interface {
	Get(ip string) (blockcache.Status, error)
	Block(ip string, ttlSeconds int32)
	Allow(ip string, ttlSeconds int32)
}

// GeoResolver is the GeoIP dependency Server consults for ASN/country
// classification and metrics enrichment. *geoip.Resolver satisfies this;
// tests substitute a fake so they don't need real MaxMind database files.
type GeoResolver interface {
	Lookup(ip net.IP) geoip.Record
	ASNBlacklisted(ip net.IP) bool
	CountryBlacklisted(ip net.IP) bool
}

// Server is the admission & relay engine. Each accepted connection runs
// through Handle independently; Server itself holds no per-connection
// state.
type Server struct {
	Upstream       string
	HAProxyHeaders bool

	Cache       CacheClient
	Geo         GeoResolver
	Limiter     *ratelimit.Limiter // per-IP request rate limit (RATE_LIMIT)
	ConnLimiter *ratelimit.Limiter // per-IP connection-attempt rate limit (CONNECT_RATE_LIMIT)
	Metrics     *Metrics
	Log         zerolog.Logger
}

// Serve accepts connections on ln until ctx is canceled, handing each one to
// Handle as an independent goroutine. The listener's socket options (e.g.
// TCP_FASTOPEN, keepalive) are the caller's responsibility, typically set up
// via a net.ListenConfig.Control callback before Serve is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.Log.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		go s.Handle(ctx, conn)
	}
}

// Handle runs one accepted connection through the admission pipeline and, if
// allowed, relays it to the upstream until either side closes or ctx is
// canceled.
func (s *Server) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	s.Metrics.IncomingAttempt()

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	ip := net.ParseIP(host)
	if err != nil || ip == nil {
		s.reject(conn, ErrInvalidConnection)
		return
	}

	if s.ConnLimiter != nil {
		count := s.ConnLimiter.Observe(ip.String())
		if s.ConnLimiter.Exceeded(count) {
			s.Cache.Block(ip.String(), blockTTL)
			s.reject(conn, ErrConnectRateLimited)
			return
		}
	}

	rec := s.Geo.Lookup(ip)

	if rejErr := s.validate(ip); rejErr != nil {
		s.Metrics.RejectedGeohash(rec.Lat, rec.Lon, rec.Found)
		s.reject(conn, rejErr)
		return
	}

	upstream, err := net.Dial("tcp", s.Upstream)
	if err != nil {
		s.Log.Warn().Err(err).Msg("dial upstream failed")
		return
	}
	defer upstream.Close()

	s.Metrics.ConnectionOpened()
	defer s.Metrics.ConnectionClosed()

	if s.HAProxyHeaders {
		if err := s.writeProxyHeader(conn, upstream); err != nil {
			s.Log.Warn().Err(err).Msg("write PROXY header failed")
			s.reject(conn, ErrIO)
			return
		}
	}

	s.Metrics.AcceptedGeohash(rec.Lat, rec.Lon, rec.Found)

	region := ""
	if addr, ok := netip.AddrFromSlice(ip.To16()); ok {
		region, _ = regionmap.GetRegion(addr, rec.Country, rec.Subdivision)
	}

	s.relay(ctx, conn, upstream, ip.String(), region)
}

// validate runs the admission checks in order and returns the rejection
// cause, or nil to allow the connection.
func (s *Server) validate(ip net.IP) error {
	status, err := s.Cache.Get(ip.String())
	if err != nil {
		s.Log.Warn().Err(err).Str("ip", ip.String()).Msg("block cache lookup failed, failing open")
	}
	switch status {
	case blockcache.Blocked:
		return ErrIPBlockedInCache
	case blockcache.AllowListed:
		return nil
	}

	if s.Geo.ASNBlacklisted(ip) {
		s.Cache.Block(ip.String(), blockTTL)
		return ErrASNBlocked
	}

	if s.Metrics.DDOSMode() && s.Geo.CountryBlacklisted(ip) {
		s.Cache.Block(ip.String(), blockTTL)
		return ErrCountryBlocked
	}

	return nil
}

// reject writes a Disconnect frame carrying cause's message, gives the
// client a moment to render it, then returns so the caller can close the
// socket.
func (s *Server) reject(conn net.Conn, cause error) {
	frame, err := wire.Disconnect(cause.Error())
	if err != nil {
		s.Log.Warn().Err(err).Msg("build disconnect frame failed")
		return
	}
	if _, err := conn.Write(frame); err != nil {
		s.Log.Warn().Err(err).Msg("write disconnect frame failed")
	}
	time.Sleep(rejectDelay)
}

func (s *Server) writeProxyHeader(client, upstream net.Conn) error {
	srcIP, srcPort, err := hostPortToIPPort(client.RemoteAddr().String())
	if err != nil {
		return err
	}
	dstIP, dstPort, err := hostPortToIPPort(client.LocalAddr().String())
	if err != nil {
		return err
	}
	_, err = upstream.Write(proxyHeader(srcIP, srcPort, dstIP, dstPort))
	return err
}

func hostPortToIPPort(addr string) (net.IP, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, ErrInvalidConnection
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, err
	}
	return ip, port, nil
}

// relay copies bytes bidirectionally between client and upstream until
// either side closes, an I/O error occurs, the per-IP rate limit trips, or
// ctx is canceled.
func (s *Server) relay(ctx context.Context, client, upstream net.Conn, ip, region string) {
	done := make(chan struct{}, 2)

	go func() {
		s.copyClientToUpstream(client, upstream, ip, region)
		done <- struct{}{}
	}()
	go func() {
		s.copyUpstreamToClient(upstream, client)
		done <- struct{}{}
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
	client.Close()
	upstream.Close()
	<-done
}

func (s *Server) copyClientToUpstream(client, upstream net.Conn, ip, region string) {
	buf := make([]byte, relayBufSz)
	for {
		n, err := client.Read(buf)
		if n > 0 {
			if _, werr := upstream.Write(buf[:n]); werr != nil {
				s.Log.Warn().Err(werr).Msg("relay write to upstream failed")
				return
			}

			s.Metrics.AddIncomingBytes(n)
			s.Metrics.ObserveRequest(ip, region)

			count := s.Limiter.Observe(ip)
			if s.Limiter.Exceeded(count) {
				s.Cache.Block(ip, blockTTL)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				s.Log.Debug().Err(err).Msg("relay read from client ended")
			}
			return
		}
	}
}

func (s *Server) copyUpstreamToClient(upstream, client net.Conn) {
	buf := make([]byte, relayBufSz)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			if _, werr := client.Write(buf[:n]); werr != nil {
				s.Log.Warn().Err(werr).Msg("relay write to client failed")
				return
			}
			s.Metrics.AddOutgoingBytes(n)
		}
		if err != nil {
			if err != io.EOF {
				s.Log.Debug().Err(err).Msg("relay read from upstream ended")
			}
			return
		}
	}
}
