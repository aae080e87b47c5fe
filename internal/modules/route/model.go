// README: Delivery route aggregate: stops, courier assignments, map links.
package route

import (
	"errors"
	"time"

	"github.com/paulmach/orb"

	"entrega/internal/types"
)

var (
	ErrNotFound     = errors.New("route not found")
	ErrNoValidStops = errors.New("no geocodable delivery addresses")
	ErrBadRequest   = errors.New("bad request")
)

// Stop is one delivery destination. Identity within a build is the address
// string; a stop is immutable once assigned to a cluster.
type Stop struct {
	Address     string
	DisplayName string
	OrderRef    *types.ID
	Coord       *orb.Point
}

// Assignment is a stop placed on a courier's trip. Sequence is the visiting
// position within that courier's trip, starting at 0.
type Assignment struct {
	Stop
	CourierID int
	Sequence  int
	ArrivalAt *time.Time
}

// MapLink is a shareable driving-directions link covering a chunk of one
// courier's ordered stops.
type MapLink struct {
	CourierID int
	Label     string
	URL       string
}

// Route is the planned delivery run for one batch. Stops are stored in
// cluster-then-sequence order; a stop's index in this slice is the stable
// stop index used by completion marks for the route's epoch.
type Route struct {
	BatchID   types.ID
	Epoch     int64
	Stops     []Assignment
	Links     []MapLink
	Skipped   int
	CreatedAt time.Time
}

// CourierStops returns the assignments for one courier, preserving sequence
// order, together with their indices into Stops.
func (r *Route) CourierStops(courierID int) ([]Assignment, []int) {
	var stops []Assignment
	var indices []int
	for i, a := range r.Stops {
		if a.CourierID == courierID {
			stops = append(stops, a)
			indices = append(indices, i)
		}
	}
	return stops, indices
}

// CourierIDs returns the distinct courier ids present on the route, ascending.
func (r *Route) CourierIDs() []int {
	seen := map[int]bool{}
	var ids []int
	for _, a := range r.Stops {
		if !seen[a.CourierID] {
			seen[a.CourierID] = true
			ids = append(ids, a.CourierID)
		}
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}
