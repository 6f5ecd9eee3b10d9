package geoip

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestNewMissingDatabase(t *testing.T) {
	if _, err := New(zerolog.Nop(), "/nonexistent/asn.mmdb", "/nonexistent/city.mmdb", nil, nil); err == nil {
		t.Fatal("expected error opening missing databases")
	}
}

func TestInASNSet(t *testing.T) {
	set := map[uint32]struct{}{13335: {}, 65000: {}}

	if !inASNSet(set, 13335) {
		t.Error("expected 13335 to be in the blacklist")
	}
	if inASNSet(set, 1) {
		t.Error("expected 1 to not be in the blacklist")
	}
}

func TestInCountrySet(t *testing.T) {
	set := map[string]struct{}{"RU": {}, "CN": {}}

	if !inCountrySet(set, "RU") {
		t.Error("expected RU to be blacklisted")
	}
	if inCountrySet(set, "US") {
		t.Error("expected US to not be blacklisted")
	}
	if !inCountrySet(set, "") {
		t.Error("expected empty country to fail closed (treated as blacklisted)")
	}
}

// Full end-to-end lookups against real MaxMind binary databases are not
// exercised by these tests, since this repo doesn't vendor MaxMind's binary
// test databases.
