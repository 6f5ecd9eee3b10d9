package regionmap

import (
	"net/netip"
	"testing"
)

func TestGetRegionLocal(t *testing.T) {
	region, err := GetRegion(netip.MustParseAddr("192.168.1.1"), "US", "California")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if region != "Local" {
		t.Errorf("region = %q, want Local", region)
	}
}

func TestGetRegionUSCensus(t *testing.T) {
	for _, c := range []struct {
		subdivision string
		want        string
	}{
		{"California", "US West"},
		{"Texas", "US South"},
		{"New York", "US East"},
		{"Illinois", "US Central"},
		{"", "US"},
	} {
		region, err := GetRegion(netip.MustParseAddr("8.8.8.8"), "US", c.subdivision)
		if err != nil {
			t.Fatalf("subdivision %q: unexpected error: %v", c.subdivision, err)
		}
		if region != c.want {
			t.Errorf("subdivision %q: region = %q, want %q", c.subdivision, region, c.want)
		}
	}
}

func TestGetRegionCanada(t *testing.T) {
	region, err := GetRegion(netip.MustParseAddr("1.1.1.1"), "CA", "Ontario")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if region != "CA East" {
		t.Errorf("region = %q, want CA East", region)
	}
}

func TestGetRegionEuropeSubregion(t *testing.T) {
	region, err := GetRegion(netip.MustParseAddr("1.1.1.1"), "DE", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if region != "EU West" {
		t.Errorf("region = %q, want EU West", region)
	}
}

func TestGetRegionSpecialCased(t *testing.T) {
	for _, c := range []struct {
		country, want string
	}{
		{"CN", "CN"},
		{"RU", "RU"},
		{"TW", "Asia East"},
		{"AQ", "Antartica"},
	} {
		region, err := GetRegion(netip.MustParseAddr("1.1.1.1"), c.country, "")
		if err != nil {
			t.Fatalf("country %q: unexpected error: %v", c.country, err)
		}
		if region != c.want {
			t.Errorf("country %q: region = %q, want %q", c.country, region, c.want)
		}
	}
}

func TestGetRegionMissingCountry(t *testing.T) {
	if _, err := GetRegion(netip.MustParseAddr("1.1.1.1"), "", ""); err == nil {
		t.Fatal("expected error for missing country")
	}
}

func TestGetRegionUnknownCountry(t *testing.T) {
	if _, err := GetRegion(netip.MustParseAddr("1.1.1.1"), "ZZ", ""); err == nil {
		t.Fatal("expected error for unrecognized ISO 3166 country code")
	}
}
