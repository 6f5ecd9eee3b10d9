package metricsx

import (
	"io"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/mmcloughlin/geohash"
)

// geohashLevel is the geohash precision, in base-32 characters, used for the
// location-bucketed counters. Two characters is a ~1250km cell: coarse
// enough to bound cardinality at 1024 series per counter, fine enough to see
// where connections (and attacks) come from.
const geohashLevel = 2

// GeoCounter2 is a counter split by coarse location, one bucket per
// level-2 geohash cell, plus an "unknown" bucket for peers whose location
// could not be resolved. Increments are lock-free; it must not be copied.
type GeoCounter2 struct {
	name string
	ctr  [1 << (5 * geohashLevel)]uint64
	unk  uint64
}

// NewGeoCounter2 creates a new GeoCounter2 with the provided metric name.
// The name may already carry labels (`name{k="v"}`); the geohash label is
// appended to them.
func NewGeoCounter2(name string) *GeoCounter2 {
	b, a := splitName(name)
	n := formatName(b, a, "geohash", "")
	if !strings.HasSuffix(n, `geohash=""}`) {
		panic("wtf") // should never happen
	}
	return &GeoCounter2{name: n}
}

// Inc increments the counter for the specified latitude and longitude.
func (c *GeoCounter2) Inc(lat, lng float64) {
	if c != nil {
		// this should always be true, but we need it to satisfy the bounds checker
		if h := geohash2(lat, lng); h < 1<<(5*geohashLevel) {
			atomic.AddUint64(&c.ctr[h], 1)
		}
	}
}

// IncUnknown increments the unknown-location counter.
func (c *GeoCounter2) IncUnknown() {
	atomic.AddUint64(&c.unk, 1)
}

// WritePrometheus writes the nonzero buckets (and the unknown bucket) as
// Prometheus text metrics, the geohash cell as a label value. The label is
// patched into a single preformatted buffer rather than rebuilt per bucket,
// since this runs on every metrics scrape.
func (c *GeoCounter2) WritePrometheus(w io.Writer) {
	n := len(c.name)
	b := make([]byte, 0, n+2+1+20+1)
	b = append(b, c.name...)
	w.Write(append(strconv.AppendUint(append(b, ' '), atomic.LoadUint64(&c.unk), 10), '\n'))
	b = append(b, `"} `...)
	_ = b[n-2] // bounds check hint
	for h := uint64(0); h < 1<<(5*geohashLevel); h++ {
		if v := atomic.LoadUint64(&c.ctr[h]); v != 0 {
			b[n-1] = "0123456789bcdefghjkmnpqrstuvwxyz"[(h>>0)&0x1f]
			b[n-2] = "0123456789bcdefghjkmnpqrstuvwxyz"[(h>>5)&0x1f]
			w.Write(append(strconv.AppendUint(b, v, 10), '\n'))
		}
	}
}

func geohash2(lat, lng float64) uint64 {
	return geohash.EncodeIntWithPrecision(lat, lng, 5*geohashLevel)
}
