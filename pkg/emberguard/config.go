// Package emberguard wires together the proxy's components (config,
// geoip, block cache, rate limiting, DDoS detection, metrics) into a
// runnable server.
package emberguard

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Config contains the configuration for emberguard. The env struct tag
// contains the environment variable name and the default value if missing,
// or empty (if not ?=). Comma-separated fields are split on ",".
type Config struct {
	// Whether MMDB_ASN/MMDB_CITY should be downloaded automatically if
	// missing. The core never performs the download itself; this is read
	// for completeness and logged as a warning if set with missing files.
	MMDBAutomode bool `env:"MMDB_AUTOMODE=true"`

	// Whether to emit a PROXY protocol v1 header to the upstream before
	// relaying.
	HAProxyHeaders bool `env:"HAPROXY_HEADERS"`

	// Paths to the MaxMind ASN and City databases.
	MMDBASN  string `env:"MMDB_ASN=/etc/emberguard/GeoLite2-ASN.mmdb"`
	MMDBCity string `env:"MMDB_CITY=/etc/emberguard/GeoLite2-City.mmdb"`

	// The address and port to accept client connections on.
	L4IP   string `env:"L4_IP=0.0.0.0"`
	L4Port int    `env:"L4_PORT=25565"`

	// The upstream address and port to relay accepted connections to.
	OutboundIP   string `env:"OUTBOUND_IP=127.0.0.1"`
	OutboundPort int    `env:"OUTBOUND_PORT=25566"`

	// Comma-separated list of blocked ASNs (numeric) and ISO 3166-1
	// country codes.
	BlockedASN     []string `env:"BLOCKED_ASN"`
	BlockedCountry []string `env:"BLOCKED_COUNTRY"`

	// Per-IP request rate limit (requests/minute) and connection rate
	// limit (connections/minute).
	RateLimit        int `env:"RATE_LIMIT=50"`
	ConnectRateLimit int `env:"CONNECT_RATE_LIMIT=15"`

	// Comma-separated list of memcached-compatible block cache endpoints.
	MemcachedAddrs []string `env:"MEMCACHED_ADDRS=127.0.0.1:11211"`

	// The address to expose Prometheus-format metrics on.
	MetricsAddr string `env:"METRICS_ADDR=0.0.0.0:6150"`

	// The minimum log level (e.g., trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"LOG_LEVEL=info"`
}

// parseBool is strconv.ParseBool plus the yes/no forms commonly found in
// container env files.
func parseBool(val string) (bool, error) {
	switch strings.ToLower(val) {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	}
	return strconv.ParseBool(val)
}

// ASNs parses BlockedASN into numeric autonomous system numbers, skipping
// empty entries. The first entry that doesn't parse is returned as an error.
func (c *Config) ASNs() ([]uint32, error) {
	out := make([]uint32, 0, len(c.BlockedASN))
	for _, s := range c.BlockedASN {
		if s == "" {
			continue
		}
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse blocked asn %q: %w", s, err)
		}
		out = append(out, uint32(v))
	}
	return out, nil
}

// envPrefixes are the variable namespaces this config owns. Unknown
// variables under them are rejected; everything else in the process
// environment (PATH, HOME, ...) is not ours to validate.
var envPrefixes = []string{
	"MMDB_", "HAPROXY_",
	"L4_", "OUTBOUND_",
	"BLOCKED_", "RATE_", "CONNECT_",
	"MEMCACHED_", "METRICS_", "LOG_",
}

// UnmarshalEnv unmarshals an array of "KEY=VALUE" environment variables into
// c, setting default values from the env struct tags as appropriate. If
// incremental is true, default values are only applied to fields that are
// explicitly set to empty, not to fields missing from es entirely. A
// non-empty variable under one of envPrefixes that doesn't match any field
// is an error.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		for _, p := range envPrefixes {
			if strings.HasPrefix(e, p) {
				if k, v, ok := strings.Cut(e, "="); ok {
					em[k] = v
				}
				break
			}
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}

		if v, exists := em[key]; exists {
			// if the value is non-empty or we are allowed to set it to an
			// empty value, set it, otherwise simply keep the default
			if unsettable || v != "" {
				val = v
			}

			// we're finished processing this var
			delete(em, key)
		} else if incremental {
			continue
		}

		cvf := cv.FieldByName(ctf.Name)
		switch cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := parseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case []string:
			if val == "" {
				cvf.Set(reflect.ValueOf([]string{}))
			} else {
				cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled config field type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}
