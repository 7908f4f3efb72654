// Package nearest answers "which dock is closest": a spatial index
// over the full station list, queried by bounding box and ranked by
// true distance.
package nearest

import (
	"sort"
	"sync"

	"github.com/tidwall/rtree"

	"dockwatch.citycycles.org/internal/models"
	"dockwatch.citycycles.org/internal/utils"
)

// DefaultSearchRadius is the walkable box a nearest query starts with.
const DefaultSearchRadius = 1500.0

// maxSearchRadius caps the widening search well past city scale.
const maxSearchRadius = 100000.0

// Ranked is a station with its distance from the query point.
type Ranked struct {
	Station models.Station
	Meters  float64
}

// Index is a rebuildable spatial index over stations. Reads and the
// periodic rebuild may run concurrently.
type Index struct {
	mu   sync.RWMutex
	tree rtree.RTreeG[models.Station]
	size int
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{}
}

// Rebuild replaces the index contents. Stations parked at (0, 0) are
// placeholders from the feed and are skipped so they cannot win a
// nearest query off the coast of Ghana.
func (x *Index) Rebuild(stations []models.Station) {
	var tree rtree.RTreeG[models.Station]
	size := 0
	for _, st := range stations {
		if st.Lat == 0 && st.Lon == 0 {
			continue
		}
		point := [2]float64{st.Lon, st.Lat}
		tree.Insert(point, point, st)
		size++
	}

	x.mu.Lock()
	x.tree = tree
	x.size = size
	x.mu.Unlock()
}

// Len returns the number of indexed stations.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.size
}

// Within returns the stations inside radius meters of the point,
// nearest first. Stations caught by the box's corners but beyond the
// radius are filtered out, keeping the ranking exact.
func (x *Index) Within(lat, lon, radius float64) []Ranked {
	bounds := utils.BoundsAround(lat, lon, radius)

	x.mu.RLock()
	var found []Ranked
	x.tree.Search(
		[2]float64{bounds.MinLon, bounds.MinLat},
		[2]float64{bounds.MaxLon, bounds.MaxLat},
		func(_, _ [2]float64, st models.Station) bool {
			if d := utils.Distance(lat, lon, st.Lat, st.Lon); d <= radius {
				found = append(found, Ranked{Station: st, Meters: d})
			}
			return true
		})
	x.mu.RUnlock()

	sort.Slice(found, func(i, j int) bool { return found[i].Meters < found[j].Meters })
	return found
}

// Nearest returns the closest station to the point. The search box
// widens until it finds something or exceeds the cap.
func (x *Index) Nearest(lat, lon float64) (Ranked, bool) {
	if x.Len() == 0 {
		return Ranked{}, false
	}
	for radius := DefaultSearchRadius; radius <= maxSearchRadius; radius *= 4 {
		if found := x.Within(lat, lon, radius); len(found) > 0 {
			return found[0], true
		}
	}
	return Ranked{}, false
}
