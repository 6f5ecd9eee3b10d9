// Package geoip resolves client IPs against hot-reloadable MaxMind ASN and
// City databases, classifying them against fixed ASN/country blocklists.
package geoip

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/rs/zerolog"
)

// Record is the result of a combined ASN+City lookup, used both for the
// blacklist checks and for metrics enrichment (region, geohash).
type Record struct {
	ASN         uint32
	Org         string
	Country     string
	Subdivision string
	Lat, Lon    float64
	Found       bool
}

type asnRecord struct {
	AutonomousSystemNumber       uint32 `maxminddb:"autonomous_system_number"`
	AutonomousSystemOrganization string `maxminddb:"autonomous_system_organization"`
}

type cityRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Subdivisions []struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"subdivisions"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

// snapshot is one atomically-swappable pair of open MaxMind readers.
type snapshot struct {
	asn  *maxminddb.Reader
	city *maxminddb.Reader
}

// Resolver maps IPs to ASN/country/region data and answers blacklist
// queries. The zero value is not usable; use New.
type Resolver struct {
	snap atomic.Pointer[snapshot]

	asnPath, cityPath string
	asnBlacklist      map[uint32]struct{}
	countryBlacklist  map[string]struct{}

	log zerolog.Logger

	reloadOnce sync.Once
	stop       chan struct{}
}

// New opens the ASN and City databases at the given paths and returns a
// Resolver classifying IPs against the given blacklists. Both databases must
// open successfully; the proxy cannot make admission decisions without them,
// so callers treat a failure here as fatal.
func New(log zerolog.Logger, asnPath, cityPath string, asnBlacklist []uint32, countryBlacklist []string) (*Resolver, error) {
	snap, err := load(asnPath, cityPath)
	if err != nil {
		return nil, err
	}

	r := &Resolver{
		asnPath:          asnPath,
		cityPath:         cityPath,
		asnBlacklist:     make(map[uint32]struct{}, len(asnBlacklist)),
		countryBlacklist: make(map[string]struct{}, len(countryBlacklist)),
		log:              log.With().Str("component", "geoip").Logger(),
		stop:             make(chan struct{}),
	}
	for _, a := range asnBlacklist {
		r.asnBlacklist[a] = struct{}{}
	}
	for _, c := range countryBlacklist {
		r.countryBlacklist[c] = struct{}{}
	}
	r.snap.Store(snap)
	return r, nil
}

func load(asnPath, cityPath string) (*snapshot, error) {
	asn, err := maxminddb.Open(asnPath)
	if err != nil {
		return nil, fmt.Errorf("geoip: open asn database: %w", err)
	}
	city, err := maxminddb.Open(cityPath)
	if err != nil {
		asn.Close()
		return nil, fmt.Errorf("geoip: open city database: %w", err)
	}
	return &snapshot{asn: asn, city: city}, nil
}

// ReloadDaily starts a background worker that re-reads both database files
// every 24 hours, and whenever a value is sent on signal, atomically
// installing the new snapshot. It returns immediately; call Close to stop
// it. Only the first call per Resolver starts a worker; later calls are
// no-ops.
func (r *Resolver) ReloadDaily(signal <-chan struct{}) {
	r.reloadOnce.Do(func() {
		go r.reloadLoop(signal)
	})
}

func (r *Resolver) reloadLoop(signal <-chan struct{}) {
	t := time.NewTicker(24 * time.Hour)
	defer t.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			r.reload()
		case <-signal:
			r.reload()
		}
	}
}

func (r *Resolver) reload() {
	snap, err := load(r.asnPath, r.cityPath)
	if err != nil {
		r.log.Error().Err(err).Msg("reload failed, keeping existing databases")
		return
	}
	old := r.snap.Swap(snap)
	if old != nil {
		old.asn.Close()
		old.city.Close()
	}
	r.log.Info().Msg("reloaded geoip databases")
}

// Close stops the reload worker (if started) and closes the current
// database handles.
func (r *Resolver) Close() error {
	close(r.stop)
	if snap := r.snap.Load(); snap != nil {
		snap.asn.Close()
		snap.city.Close()
	}
	return nil
}

// Lookup resolves ip against both databases in one pass, for use by the
// admission pipeline's blacklist checks and by metrics enrichment. It never
// returns an error: fields from a database whose lookup fails are left zero,
// and Found is true only if an ASN or a country was resolved.
func (r *Resolver) Lookup(ip net.IP) Record {
	snap := r.snap.Load()
	if snap == nil {
		return Record{}
	}

	var rec Record

	var asn asnRecord
	if err := snap.asn.Lookup(ip, &asn); err == nil {
		rec.ASN = asn.AutonomousSystemNumber
		rec.Org = asn.AutonomousSystemOrganization
		if rec.ASN != 0 {
			rec.Found = true
		}
	}

	var city cityRecord
	if err := snap.city.Lookup(ip, &city); err == nil {
		if city.Country.ISOCode != "" {
			rec.Country = city.Country.ISOCode
			rec.Found = true
		}
		if len(city.Subdivisions) > 0 {
			rec.Subdivision = city.Subdivisions[0].Names["en"]
		}
		rec.Lat, rec.Lon = city.Location.Latitude, city.Location.Longitude
	}

	return rec
}

// ASNBlacklisted reports whether ip's resolved ASN is in the configured
// blacklist. Resolution failure, including an IP the database has no ASN
// for, fails closed (returns true), matching the policy callers rely on for
// admission decisions.
func (r *Resolver) ASNBlacklisted(ip net.IP) bool {
	snap := r.snap.Load()
	if snap == nil {
		return true
	}

	var rec asnRecord
	if err := snap.asn.Lookup(ip, &rec); err != nil {
		r.log.Warn().Err(err).Str("ip", ip.String()).Msg("asn lookup failed, failing closed")
		return true
	}

	return inASNSet(r.asnBlacklist, rec.AutonomousSystemNumber)
}

// inASNSet is split out from ASNBlacklisted so the set-membership policy can
// be tested without a MaxMind database fixture.
func inASNSet(set map[uint32]struct{}, asn uint32) bool {
	if asn == 0 {
		return true // fail closed: no ASN resolved
	}
	_, ok := set[asn]
	return ok
}

// inCountrySet mirrors inASNSet for country codes.
func inCountrySet(set map[string]struct{}, country string) bool {
	if country == "" {
		return true // fail closed: no country resolved
	}
	_, ok := set[country]
	return ok
}

// CountryBlacklisted reports whether ip's resolved country is in the
// configured blacklist. Resolution failure, or a missing country in the
// record, fails closed (returns true).
func (r *Resolver) CountryBlacklisted(ip net.IP) bool {
	snap := r.snap.Load()
	if snap == nil {
		return true
	}

	var rec cityRecord
	if err := snap.city.Lookup(ip, &rec); err != nil {
		r.log.Warn().Err(err).Str("ip", ip.String()).Msg("country lookup failed, failing closed")
		return true
	}

	return inCountrySet(r.countryBlacklist, rec.Country.ISOCode)
}
