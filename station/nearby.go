package station

import (
	"sort"

	"github.com/semanticallynull/fleetstate-backend/internal/geo"
)

// Distance is a station paired with its distance from a point.
type Distance struct {
	Station
	DistanceKM float64
}

// Nearest sorts stations by distance from (lat, lng) and returns at most limit of
// them. A limit of zero or less returns all stations. Stations without a
// location are skipped.
func Nearest(stations []Station, lat, lng float64, limit int) []Distance {
	out := make([]Distance, 0, len(stations))
	for _, s := range stations {
		if !s.Location.Valid {
			continue
		}
		out = append(out, Distance{
			Station:    s,
			DistanceKM: geo.DistanceKM(lat, lng, s.Lat(), s.Lng()),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DistanceKM < out[j].DistanceKM
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
