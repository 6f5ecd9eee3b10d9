package proxy

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/emberguard/emberguard/pkg/blockcache"
	"github.com/emberguard/emberguard/pkg/geoip"
	"github.com/emberguard/emberguard/pkg/ratelimit"
	"github.com/emberguard/emberguard/pkg/wire"
)

// fakeCache is an in-memory CacheClient for admission pipeline tests.
type fakeCache struct {
	mu      sync.Mutex
	status  map[string]blockcache.Status
	blocked []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{status: map[string]blockcache.Status{}}
}

func (c *fakeCache) Get(ip string) (blockcache.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status[ip], nil
}

func (c *fakeCache) Block(ip string, ttlSeconds int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[ip] = blockcache.Blocked
	c.blocked = append(c.blocked, ip)
}

func (c *fakeCache) Allow(ip string, ttlSeconds int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[ip] = blockcache.AllowListed
}

func (c *fakeCache) wasBlocked(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.blocked {
		if b == ip {
			return true
		}
	}
	return false
}

// fakeGeo is a configurable GeoResolver for admission pipeline tests.
type fakeGeo struct {
	asnBlocked     bool
	countryBlocked bool
	rec            geoip.Record
}

func (g *fakeGeo) Lookup(ip net.IP) geoip.Record     { return g.rec }
func (g *fakeGeo) ASNBlacklisted(ip net.IP) bool     { return g.asnBlocked }
func (g *fakeGeo) CountryBlacklisted(ip net.IP) bool { return g.countryBlocked }

func newTestServer(t *testing.T, cache CacheClient, geo GeoResolver, upstream string) *Server {
	t.Helper()
	return &Server{
		Upstream: upstream,
		Cache:    cache,
		Geo:      geo,
		Limiter:  ratelimit.New(1 << 20),
		Metrics:  NewMetrics(),
		Log:      zerolog.Nop(),
	}
}

// startEchoUpstream starts a TCP listener that echoes everything it reads
// back to the caller, and returns its address plus a channel receiving every
// chunk of bytes it reads, across all connections.
func startEchoUpstream(t *testing.T) (addr string, chunks chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	chunks = make(chan []byte, 64)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1024)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						got := append([]byte(nil), buf[:n]...)
						chunks <- got
						c.Write(got)
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), chunks
}

func startAdmission(t *testing.T, s *Server) (addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen admission: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})
	go s.Serve(ctx, ln)
	return ln.Addr().String()
}

func readDisconnectText(t *testing.T, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)

	if _, err := wire.ReadVarInt(r); err != nil {
		t.Fatalf("read frame length: %v", err)
	}
	pktID, err := wire.ReadVarInt(r)
	if err != nil {
		t.Fatalf("read packet id: %v", err)
	}
	if pktID != 0x19 {
		t.Fatalf("packet id = 0x%x, want 0x19", pktID)
	}
	strLen, err := wire.ReadVarInt(r)
	if err != nil {
		t.Fatalf("read string length: %v", err)
	}
	body := make([]byte, strLen)
	if _, err := readFull(r, body); err != nil {
		t.Fatalf("read string body: %v", err)
	}
	return string(body)
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func TestHappyPath(t *testing.T) {
	upstreamAddr, chunks := startEchoUpstream(t)
	cache := newFakeCache()
	geo := &fakeGeo{}
	s := newTestServer(t, cache, geo, upstreamAddr)
	addr := startAdmission(t, s)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial admission: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-chunks:
		if string(got) != "hello" {
			t.Fatalf("upstream saw %q, want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never saw the client's bytes")
	}

	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFullConn(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("echo = %q, want hello", buf)
	}

	if got := s.Metrics.incomingBytes.Get(); got != 5 {
		t.Errorf("incoming_bytes_total = %d, want 5", got)
	}
	if got := s.Metrics.requestTotal.Get(); got != 1 {
		t.Errorf("request_total = %d, want 1", got)
	}
}

func readFullConn(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func TestCacheBlocked(t *testing.T) {
	upstreamAddr, _ := startEchoUpstream(t)
	cache := newFakeCache()
	cache.status["127.0.0.1"] = blockcache.Blocked
	geo := &fakeGeo{}
	s := newTestServer(t, cache, geo, upstreamAddr)
	addr := startAdmission(t, s)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	text := readDisconnectText(t, conn)
	if !strings.Contains(text, "blocked") {
		t.Errorf("disconnect text %q does not mention being blocked", text)
	}

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if n, err := conn.Read(buf); err == nil && n > 0 {
		t.Fatal("expected socket to be closed after the disconnect frame, got more data")
	}
}

func TestASNBlocked(t *testing.T) {
	upstreamAddr, _ := startEchoUpstream(t)
	cache := newFakeCache()
	geo := &fakeGeo{asnBlocked: true}
	s := newTestServer(t, cache, geo, upstreamAddr)
	addr := startAdmission(t, s)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = readDisconnectText(t, conn)

	if !cache.wasBlocked("127.0.0.1") {
		t.Error("expected cache to receive a Block write for the ASN-blocked IP")
	}
}

func TestCountryCheckGatedByDDOSMode(t *testing.T) {
	upstreamAddr, chunks := startEchoUpstream(t)
	cache := newFakeCache()
	geo := &fakeGeo{countryBlocked: true}
	s := newTestServer(t, cache, geo, upstreamAddr)
	addr := startAdmission(t, s)

	// ddos_mode is off by default: country check must not run.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Write([]byte("x"))
	select {
	case <-chunks:
	case <-time.After(2 * time.Second):
		t.Fatal("expected connection to be admitted while ddos_mode is off")
	}
	conn.Close()

	// now flip ddos_mode on: the same country-blocked IP must be rejected.
	s.Metrics.SetDDOSMode(true)
	conn2, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn2.Close()
	text := readDisconnectText(t, conn2)
	if !strings.Contains(text, "region") {
		t.Errorf("disconnect text %q does not mention region", text)
	}
}

func TestRateLimitTrip(t *testing.T) {
	upstreamAddr, chunks := startEchoUpstream(t)
	cache := newFakeCache()
	geo := &fakeGeo{}
	s := newTestServer(t, cache, geo, upstreamAddr)
	s.Limiter = ratelimit.New(5)
	addr := startAdmission(t, s)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 6; i++ {
		if _, err := conn.Write([]byte("x")); err != nil {
			break
		}
		select {
		case <-chunks:
		case <-time.After(2 * time.Second):
			t.Fatalf("upstream never saw byte %d", i)
		}
	}

	if !cache.wasBlocked("127.0.0.1") {
		t.Error("expected the 6th observation over the limit to block the IP in cache")
	}

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if n, err := conn.Read(buf); err == nil && n > 0 {
		t.Fatal("expected client connection to be shut down after the rate limit trips")
	}
}

func TestProxyHeaderEmitted(t *testing.T) {
	upstreamAddr, chunks := startEchoUpstream(t)
	cache := newFakeCache()
	geo := &fakeGeo{}
	s := newTestServer(t, cache, geo, upstreamAddr)
	s.HAProxyHeaders = true
	addr := startAdmission(t, s)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("y"))

	var got []byte
	select {
	case got = <-chunks:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received anything")
	}

	localAddr := conn.LocalAddr().(*net.TCPAddr)
	want := "PROXY TCP4 127.0.0.1 127.0.0.1 " + strconv.Itoa(localAddr.Port)
	if !strings.HasPrefix(string(got), want) {
		t.Errorf("upstream's first bytes = %q, want prefix %q", got, want)
	}
	if !strings.Contains(string(got), "\r\n") {
		t.Error("PROXY header must be CRLF-terminated")
	}
}
