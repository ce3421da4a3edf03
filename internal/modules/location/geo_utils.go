// README: Pure geographic helpers shared by the fast and durable paths.
package location

import (
	"math"
	"sort"

	"github.com/mmcloughlin/geohash"

	"supportcarr/internal/types"
)

// StoredPrecision is the geohash length persisted with every record.
const StoredPrecision uint = 12

// cellSizesKm holds approximate geohash cell height and width (at the equator)
// indexed by precision.
var cellSizesKm = [...]struct{ height, width float64 }{
	1: {4992.6, 5009.4},
	2: {624.1, 1252.3},
	3: {156.0, 156.5},
	4: {19.5, 39.1},
	5: {4.89, 4.89},
	6: {0.61, 1.22},
	7: {0.153, 0.153},
}

// searchPrecision returns the finest geohash precision whose 3x3 block around
// center is guaranteed to cover radiusKm. ok is false when no precision fits
// and the caller must scan every record.
func searchPrecision(center types.Point, radiusKm float64) (uint, bool) {
	cosLat := math.Cos(center.Lat * math.Pi / 180)
	for p := len(cellSizesKm) - 1; p >= 1; p-- {
		c := cellSizesKm[p]
		if math.Min(c.height, c.width*cosLat) >= radiusKm {
			return uint(p), true
		}
	}
	return 0, false
}

// searchCells lists the center cell and its eight neighbours at precision.
func searchCells(center types.Point, precision uint) []string {
	hash := geohash.EncodeWithPrecision(center.Lat, center.Lng, precision)
	return append([]string{hash}, geohash.Neighbors(hash)...)
}

func encode(p types.Point) string {
	return geohash.EncodeWithPrecision(p.Lat, p.Lng, StoredPrecision)
}

// filterAndSort measures every hit from center with the shared haversine,
// drops anything beyond radiusKm, keeps one hit per driver and orders by
// distance then driver id. At most limit hits are returned.
func filterAndSort(center types.Point, radiusKm float64, limit int, hits []Nearby) []Nearby {
	seen := make(map[types.ID]struct{}, len(hits))
	out := make([]Nearby, 0, len(hits))
	for _, h := range hits {
		if _, dup := seen[h.DriverID]; dup {
			continue
		}
		h.DistanceKm = types.DistanceKm(center, h.Position)
		if h.DistanceKm > radiusKm {
			continue
		}
		seen[h.DriverID] = struct{}{}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].DriverID < out[j].DriverID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
