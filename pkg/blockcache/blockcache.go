// Package blockcache is a thin client over a memcached-compatible text
// protocol cluster, used to share IP block/allow decisions across proxy
// instances. Values are the 16-bit status enumeration a game-proxy-style
// deployment expects other tools to be able to read directly.
package blockcache

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/rs/zerolog"
)

// Status is the block/allow decision recorded for an IP.
type Status int16

const (
	// Absent means the cache has no opinion about the IP; this is also what
	// Get returns on a cache-miss or read error (fail-open on read).
	Absent Status = 0
	// Blocked means the IP must be rejected before it reaches the relay.
	Blocked Status = 1
	// AllowListed means the IP skips ASN/country checks entirely.
	AllowListed Status = 2
)

func (s Status) String() string {
	switch s {
	case Blocked:
		return "blocked"
	case AllowListed:
		return "allow-listed"
	default:
		return "absent"
	}
}

// ErrCache wraps a non-miss transport failure from the backing store.
var ErrCache = errors.New("blockcache: cache error")

// Client is a thread-safe block cache client. The zero value is not usable;
// construct one with New.
type Client struct {
	mc  *memcache.Client
	log zerolog.Logger
}

// New creates a client pooling connections to the given memcached-compatible
// addrs (host:port).
func New(log zerolog.Logger, addrs ...string) *Client {
	return &Client{
		mc:  memcache.New(addrs...),
		log: log.With().Str("component", "blockcache").Logger(),
	}
}

// Get fetches the status recorded for ip. A cache-miss is not an error and
// returns Absent. Any other transport failure is reported as ErrCache; per
// policy, callers should treat that the same as Absent (fail-open on read)
// rather than blocking admission on a cache outage.
func (c *Client) Get(ip string) (Status, error) {
	item, err := c.mc.Get(ip)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return Absent, nil
	}
	if err != nil {
		return Absent, fmt.Errorf("%w: %v", ErrCache, err)
	}
	if len(item.Value) != 2 {
		return Absent, fmt.Errorf("%w: malformed value for %q (%d bytes)", ErrCache, ip, len(item.Value))
	}
	return Status(int16(binary.LittleEndian.Uint16(item.Value))), nil
}

// Block records ip as Blocked for ttlSeconds. Write failures are logged and
// dropped: the caller already rejected this connection, and the offense
// will simply be re-evaluated (and re-cached) on the IP's next attempt.
func (c *Client) Block(ip string, ttlSeconds int32) {
	c.set(ip, Blocked, ttlSeconds)
}

// Allow records ip as AllowListed for ttlSeconds.
func (c *Client) Allow(ip string, ttlSeconds int32) {
	c.set(ip, AllowListed, ttlSeconds)
}

func (c *Client) set(ip string, status Status, ttlSeconds int32) {
	var v [2]byte
	binary.LittleEndian.PutUint16(v[:], uint16(status))

	if err := c.mc.Set(&memcache.Item{
		Key:        ip,
		Value:      v[:],
		Expiration: ttlSeconds,
	}); err != nil {
		c.log.Warn().Err(err).Str("ip", ip).Stringer("status", status).Msg("dropping cache write")
	}
}
