// Package maps wraps the Google Maps routing APIs used by route planning
// and dynamic ETA recomputation.
package maps

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/paulmach/orb"
	"googlemaps.github.io/maps"
)

// requestTimeout bounds every provider call so a slow upstream can never
// hang a route build or a location update.
const requestTimeout = 10 * time.Second

// ErrNoRoute is returned when the provider cannot route (or geocode) the
// requested destinations.
var ErrNoRoute = errors.New("no route found")

// ProviderError wraps an upstream routing failure, keeping the provider's
// status text for the API layer.
type ProviderError struct {
	Status string
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("routing provider: %s: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("routing provider: %s", e.Status)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Trip is an optimized visit of a destination list.
//
// Order holds destination indices in visiting sequence. Arrivals[i] is the
// estimated arrival at the i-th visited destination (Order[i]). Points is
// indexed by destination index and carries the geocoded coordinate of each
// destination; the provider is the only coordinate source in the system.
type Trip struct {
	Order    []int
	Arrivals []time.Time
	Points   []orb.Point
}

// Client wraps the Google Maps client behind the two calls the delivery
// engine needs.
type Client struct {
	gm *maps.Client
}

func NewClient(apiKey string) (*Client, error) {
	gm, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &Client{gm: gm}, nil
}

// Optimize asks the provider for the best visiting order of destinations
// starting at origin. The final destination stays fixed (the courier trip
// ends there); only intermediate waypoints are reordered. departAt may be
// zero, meaning "leave now".
func (c *Client) Optimize(ctx context.Context, origin string, destinations []string, departAt time.Time) (*Trip, error) {
	if len(destinations) == 0 {
		return nil, ErrNoRoute
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req := &maps.DirectionsRequest{
		Origin:      origin,
		Destination: destinations[len(destinations)-1],
		Mode:        maps.TravelModeDriving,
	}
	if len(destinations) > 1 {
		req.Waypoints = destinations[:len(destinations)-1]
		req.Optimize = true
	}
	if !departAt.IsZero() {
		req.DepartureTime = strconv.FormatInt(departAt.Unix(), 10)
	} else {
		req.DepartureTime = "now"
		departAt = time.Now()
	}

	routes, _, err := c.gm.Directions(ctx, req)
	if err != nil {
		return nil, &ProviderError{Status: "directions request failed", Err: err}
	}
	if len(routes) == 0 {
		return nil, ErrNoRoute
	}

	r := routes[0]
	if len(r.Legs) != len(destinations) {
		return nil, &ProviderError{Status: fmt.Sprintf("expected %d legs, got %d", len(destinations), len(r.Legs))}
	}

	// Visiting order: reordered waypoints first, fixed destination last.
	order := make([]int, 0, len(destinations))
	order = append(order, r.WaypointOrder...)
	order = append(order, len(destinations)-1)

	trip := &Trip{
		Order:    order,
		Arrivals: make([]time.Time, len(destinations)),
		Points:   make([]orb.Point, len(destinations)),
	}

	at := departAt
	for i, leg := range r.Legs {
		at = at.Add(leg.Duration)
		trip.Arrivals[i] = at
		trip.Points[order[i]] = orb.Point{leg.EndLocation.Lng, leg.EndLocation.Lat}
	}
	return trip, nil
}

// ETA returns the estimated arrival time at each destination, visiting them
// strictly in the given order starting from the courier's current position.
func (c *Client) ETA(ctx context.Context, from orb.Point, destinations []string) ([]time.Time, error) {
	if len(destinations) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req := &maps.DirectionsRequest{
		Origin:      fmt.Sprintf("%f,%f", from.Lat(), from.Lon()),
		Destination: destinations[len(destinations)-1],
		Mode:        maps.TravelModeDriving,
	}
	if len(destinations) > 1 {
		req.Waypoints = destinations[:len(destinations)-1]
	}

	routes, _, err := c.gm.Directions(ctx, req)
	if err != nil {
		return nil, &ProviderError{Status: "eta request failed", Err: err}
	}
	if len(routes) == 0 {
		return nil, ErrNoRoute
	}
	if len(routes[0].Legs) != len(destinations) {
		return nil, &ProviderError{Status: fmt.Sprintf("expected %d legs, got %d", len(destinations), len(routes[0].Legs))}
	}

	arrivals := make([]time.Time, len(destinations))
	at := time.Now()
	for i, leg := range routes[0].Legs {
		at = at.Add(leg.Duration)
		arrivals[i] = at
	}
	return arrivals, nil
}
