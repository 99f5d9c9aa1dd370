package geo

import (
	"math"
	"strings"
)

// LatLng is a bare coordinate pair.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// EncodePolyline encodes points with the Google encoded polyline algorithm
// at precision 5, the format map clients expect for route overlays.
func EncodePolyline(points []LatLng) string {
	var sb strings.Builder
	var prevLat, prevLng int64
	for _, p := range points {
		lat := int64(math.Round(p.Lat * 1e5))
		lng := int64(math.Round(p.Lng * 1e5))
		encodeValue(&sb, lat-prevLat)
		encodeValue(&sb, lng-prevLng)
		prevLat, prevLng = lat, lng
	}
	return sb.String()
}

func encodeValue(sb *strings.Builder, v int64) {
	v <<= 1
	if v < 0 {
		v = ^v
	}
	for v >= 0x20 {
		sb.WriteByte(byte((0x20 | (v & 0x1f)) + 63))
		v >>= 5
	}
	sb.WriteByte(byte(v + 63))
}
