// README: Route builder: filter, geocode, cluster, optimize per courier, persist.
package route

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"entrega/internal/maps"
	"entrega/internal/types"
)

// minAddressLen filters obviously un-geocodable destinations before any
// provider call. Shorter strings are dropped, not errored.
const minAddressLen = 5

// linkWaypointLimit is the bound a single driving-directions link supports.
const linkWaypointLimit = 10

// Optimizer is the routing provider contract the builder consumes.
type Optimizer interface {
	Optimize(ctx context.Context, origin string, destinations []string, departAt time.Time) (*maps.Trip, error)
}

// OrderSync projects arrival estimates onto order records.
type OrderSync interface {
	ClearEstimatedArrival(ctx context.Context, batchID types.ID) error
	SetEstimatedArrival(ctx context.Context, orderID types.ID, at time.Time) error
}

// Repository persists the finished route. Upsert replaces any previous route
// for the batch and stamps the new epoch onto the value.
type Repository interface {
	Upsert(ctx context.Context, r *Route) error
}

type Builder struct {
	optimizer Optimizer
	repo      Repository
	orders    OrderSync
}

func NewBuilder(optimizer Optimizer, repo Repository, orders OrderSync) *Builder {
	return &Builder{optimizer: optimizer, repo: repo, orders: orders}
}

type BuildRequest struct {
	BatchID      types.ID
	Origin       string
	Restaurant   string // every courier trip ends back here
	Stops        []Stop
	CourierCount int
	DepartAt     time.Time // zero means now
}

// Build plans the batch's delivery run. The whole build is all-or-nothing: a
// provider failure on any cluster aborts the call and nothing is persisted.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*Route, error) {
	if req.BatchID == "" || req.Origin == "" || req.Restaurant == "" {
		return nil, ErrBadRequest
	}
	if req.CourierCount < 1 {
		req.CourierCount = 1
	}

	valid := make([]Stop, 0, len(req.Stops))
	skipped := 0
	for _, s := range req.Stops {
		if len(strings.TrimSpace(s.Address)) <= minAddressLen {
			skipped++
			continue
		}
		valid = append(valid, s)
	}
	if len(valid) == 0 {
		return nil, ErrNoValidStops
	}

	clusters, err := b.clusterStops(ctx, req, valid)
	if err != nil {
		return nil, err
	}

	r := &Route{
		BatchID:   req.BatchID,
		Skipped:   skipped,
		CreatedAt: time.Now(),
	}

	courierID := 0
	for _, cluster := range clusters {
		if len(cluster) == 0 {
			continue
		}
		courierID++

		ordered, err := b.optimizeCluster(ctx, req, cluster, courierID)
		if err != nil {
			return nil, fmt.Errorf("optimize courier %d trip: %w", courierID, err)
		}
		r.Stops = append(r.Stops, ordered...)
		r.Links = append(r.Links, buildLinks(req.Origin, req.Restaurant, ordered, courierID)...)
	}

	if err := b.projectArrivals(ctx, req.BatchID, r.Stops); err != nil {
		return nil, err
	}

	if err := b.repo.Upsert(ctx, r); err != nil {
		return nil, fmt.Errorf("persist route: %w", err)
	}
	log.Printf("route built for batch %s: %d stops, %d couriers, %d skipped",
		req.BatchID, len(r.Stops), courierID, skipped)
	return r, nil
}

// clusterStops splits the valid stops into courier groups. With one courier
// everything is a single group; otherwise a full optimizer pass over all
// stops supplies the coordinates the clusterer needs.
func (b *Builder) clusterStops(ctx context.Context, req BuildRequest, valid []Stop) ([][]Stop, error) {
	if req.CourierCount <= 1 {
		return [][]Stop{valid}, nil
	}

	trip, err := b.optimizer.Optimize(ctx, req.Origin, addresses(valid), req.DepartAt)
	if err != nil {
		return nil, fmt.Errorf("geocoding pass: %w", err)
	}
	for i := range valid {
		p := trip.Points[i]
		valid[i].Coord = &p
	}

	groups := Cluster(trip.Points, req.CourierCount)
	clusters := make([][]Stop, len(groups))
	for c, idxs := range groups {
		for _, i := range idxs {
			clusters[c] = append(clusters[c], valid[i])
		}
	}
	return clusters, nil
}

// optimizeCluster orders one courier's stops, appending the restaurant as
// the fixed final destination, and maps the provider's visiting order back
// onto assignments.
func (b *Builder) optimizeCluster(ctx context.Context, req BuildRequest, cluster []Stop, courierID int) ([]Assignment, error) {
	dests := append(addresses(cluster), req.Restaurant)
	trip, err := b.optimizer.Optimize(ctx, req.Origin, dests, req.DepartAt)
	if err != nil {
		return nil, err
	}

	restaurantIdx := len(cluster)
	ordered := make([]Assignment, 0, len(cluster))
	for pos, destIdx := range trip.Order {
		if destIdx == restaurantIdx {
			continue
		}
		at := trip.Arrivals[pos]
		point := trip.Points[destIdx]
		stop := cluster[destIdx]
		stop.Coord = &point
		ordered = append(ordered, Assignment{
			Stop:      stop,
			CourierID: courierID,
			Sequence:  len(ordered),
			ArrivalAt: &at,
		})
	}
	return ordered, nil
}

// projectArrivals clears stale estimates for the batch, then writes the new
// arrival time onto every order linked to a stop.
func (b *Builder) projectArrivals(ctx context.Context, batchID types.ID, stops []Assignment) error {
	if err := b.orders.ClearEstimatedArrival(ctx, batchID); err != nil {
		return fmt.Errorf("clear arrival estimates: %w", err)
	}
	for _, a := range stops {
		if a.OrderRef == nil || a.ArrivalAt == nil {
			continue
		}
		if err := b.orders.SetEstimatedArrival(ctx, *a.OrderRef, *a.ArrivalAt); err != nil {
			return fmt.Errorf("set arrival estimate for order %s: %w", *a.OrderRef, err)
		}
	}
	return nil
}

// buildLinks chunks a courier's ordered trip (ending at the restaurant) into
// shareable driving-directions links, each chunk picking up where the
// previous one left off.
func buildLinks(origin, restaurant string, ordered []Assignment, courierID int) []MapLink {
	seq := make([]string, 0, len(ordered)+1)
	for _, a := range ordered {
		seq = append(seq, a.Address)
	}
	seq = append(seq, restaurant)

	var links []MapLink
	from := origin
	for part := 0; len(seq) > 0; part++ {
		n := linkWaypointLimit
		if n > len(seq) {
			n = len(seq)
		}
		chunk := seq[:n]
		seq = seq[n:]

		links = append(links, MapLink{
			CourierID: courierID,
			Label:     fmt.Sprintf("Courier %d (part %d)", courierID, part+1),
			URL:       directionsURL(from, chunk),
		})
		from = chunk[len(chunk)-1]
	}
	return links
}

func directionsURL(origin string, stops []string) string {
	q := url.Values{}
	q.Set("api", "1")
	q.Set("origin", origin)
	q.Set("destination", stops[len(stops)-1])
	if len(stops) > 1 {
		q.Set("waypoints", strings.Join(stops[:len(stops)-1], "|"))
	}
	q.Set("travelmode", "driving")
	return "https://www.google.com/maps/dir/?" + q.Encode()
}

func addresses(stops []Stop) []string {
	out := make([]string, len(stops))
	for i, s := range stops {
		out[i] = s.Address
	}
	return out
}
