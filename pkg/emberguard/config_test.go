package emberguard

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestUnmarshalEnvDefaults(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv(nil, false); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.L4Port != 25565 {
		t.Errorf("L4Port = %d, want 25565", c.L4Port)
	}
	if c.RateLimit != 50 {
		t.Errorf("RateLimit = %d, want 50", c.RateLimit)
	}
	if c.ConnectRateLimit != 15 {
		t.Errorf("ConnectRateLimit = %d, want 15", c.ConnectRateLimit)
	}
	if c.MetricsAddr != "0.0.0.0:6150" {
		t.Errorf("MetricsAddr = %q, want 0.0.0.0:6150", c.MetricsAddr)
	}
	if c.HAProxyHeaders {
		t.Error("HAProxyHeaders default should be false")
	}
	if !c.MMDBAutomode {
		t.Error("MMDBAutomode default should be true")
	}
	if c.LogLevel != zerolog.InfoLevel {
		t.Errorf("LogLevel = %v, want info", c.LogLevel)
	}
}

func TestUnmarshalEnvOverrides(t *testing.T) {
	var c Config
	env := []string{
		"L4_PORT=9999",
		"RATE_LIMIT=100",
		"BLOCKED_ASN=13335,65000",
		"BLOCKED_COUNTRY=RU,CN",
		"HAPROXY_HEADERS=false",
		"LOG_LEVEL=debug",
	}
	if err := c.UnmarshalEnv(env, false); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.L4Port != 9999 {
		t.Errorf("L4Port = %d, want 9999", c.L4Port)
	}
	if c.RateLimit != 100 {
		t.Errorf("RateLimit = %d, want 100", c.RateLimit)
	}
	if len(c.BlockedASN) != 2 || c.BlockedASN[0] != "13335" || c.BlockedASN[1] != "65000" {
		t.Errorf("BlockedASN = %v, want [13335 65000]", c.BlockedASN)
	}
	if len(c.BlockedCountry) != 2 || c.BlockedCountry[0] != "RU" {
		t.Errorf("BlockedCountry = %v, want [RU CN]", c.BlockedCountry)
	}
	if c.HAProxyHeaders {
		t.Error("HAProxyHeaders should be false after explicit override")
	}
	if c.LogLevel != zerolog.DebugLevel {
		t.Errorf("LogLevel = %v, want debug", c.LogLevel)
	}
}

func TestUnmarshalEnvBoolForms(t *testing.T) {
	for _, c := range []struct {
		val  string
		want bool
	}{
		{"1", true}, {"true", true}, {"yes", true},
		{"0", false}, {"false", false}, {"no", false},
	} {
		var cfg Config
		if err := cfg.UnmarshalEnv([]string{"MMDB_AUTOMODE=" + c.val}, false); err != nil {
			t.Fatalf("UnmarshalEnv(MMDB_AUTOMODE=%s): %v", c.val, err)
		}
		if cfg.MMDBAutomode != c.want {
			t.Errorf("MMDB_AUTOMODE=%s parsed as %v, want %v", c.val, cfg.MMDBAutomode, c.want)
		}
	}

	var cfg Config
	if err := cfg.UnmarshalEnv([]string{"MMDB_AUTOMODE=maybe"}, false); err == nil {
		t.Error("expected error for unparseable boolean")
	}
}

func TestUnmarshalEnvUnknownKey(t *testing.T) {
	var c Config
	err := c.UnmarshalEnv([]string{"RATE_LMIT=999"}, false)
	if err == nil {
		t.Fatal("expected error for misspelled RATE_LMIT")
	}
	if !strings.Contains(err.Error(), "RATE_LMIT") {
		t.Errorf("error %q does not name the unknown variable", err)
	}

	// variables outside the config's namespaces are not ours to validate.
	var c2 Config
	if err := c2.UnmarshalEnv([]string{"PATH=/usr/bin", "HOME=/root"}, false); err != nil {
		t.Fatalf("unexpected error for unrelated environment variables: %v", err)
	}
}

func TestUnmarshalEnvIncremental(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv([]string{"L4_PORT=1234"}, true); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.L4Port != 1234 {
		t.Errorf("L4Port = %d, want 1234", c.L4Port)
	}
	if c.RateLimit != 0 {
		t.Errorf("incremental update should skip unset fields, RateLimit = %d, want 0", c.RateLimit)
	}
}

func TestASNs(t *testing.T) {
	c := Config{BlockedASN: []string{"13335", "65000", ""}}
	asns, err := c.ASNs()
	if err != nil {
		t.Fatalf("ASNs: %v", err)
	}
	if len(asns) != 2 || asns[0] != 13335 || asns[1] != 65000 {
		t.Errorf("ASNs() = %v, want [13335 65000]", asns)
	}
}

func TestASNsInvalid(t *testing.T) {
	c := Config{BlockedASN: []string{"not-a-number"}}
	if _, err := c.ASNs(); err == nil {
		t.Fatal("expected error for non-numeric ASN")
	}
}
