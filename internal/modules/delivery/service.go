// README: Delivery coordinator: the façade composing route building, stores,
// the tracking hub, and order-status sync.
package delivery

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/paulmach/orb"

	"entrega/internal/modules/route"
	"entrega/internal/modules/tracking"
	"entrega/internal/types"
)

var ErrBadRequest = errors.New("bad request")

// RouteBuilder plans and persists a batch's route.
type RouteBuilder interface {
	Build(ctx context.Context, req route.BuildRequest) (*route.Route, error)
}

// RouteRepo is the slice of the route store the coordinator needs.
type RouteRepo interface {
	Get(ctx context.Context, batchID types.ID) (*route.Route, error)
	Delete(ctx context.Context, batchID types.ID) error
	Mark(ctx context.Context, batchID types.ID, epoch int64, stopIndex int) error
	Unmark(ctx context.Context, batchID types.ID, epoch int64, stopIndex int) error
	Marks(ctx context.Context, batchID types.ID, epoch int64) ([]int, error)
}

// OrderSync is the order-status collaborator.
type OrderSync interface {
	SetDeliveryState(ctx context.Context, ids []types.ID, outForDelivery bool) error
	SetDelivered(ctx context.Context, id types.ID) error
	RestoreStatus(ctx context.Context, id types.ID) error
}

// ETAProvider answers sequential arrival estimates from a live position.
type ETAProvider interface {
	ETA(ctx context.Context, from orb.Point, destinations []string) ([]time.Time, error)
}

// Notifier pushes best-effort delivery notifications to back-office devices.
type Notifier interface {
	DeliveryCompleted(ctx context.Context, batchID types.ID, stop route.Assignment) error
}

// RestaurantInfo supplies the default origin/return address when a route
// request does not carry one.
type RestaurantInfo interface {
	Address(ctx context.Context) (string, error)
}

// StaticRestaurant is the config-backed RestaurantInfo.
type StaticRestaurant string

func (s StaticRestaurant) Address(ctx context.Context) (string, error) { return string(s), nil }

type Service struct {
	builder    RouteBuilder
	routes     RouteRepo
	orders     OrderSync
	hub        *tracking.Hub
	locations  tracking.LocationStore
	eta        ETAProvider
	notifier   Notifier
	restaurant RestaurantInfo
}

func NewService(
	builder RouteBuilder,
	routes RouteRepo,
	orders OrderSync,
	hub *tracking.Hub,
	locations tracking.LocationStore,
	eta ETAProvider,
	notifier Notifier,
	restaurant RestaurantInfo,
) *Service {
	s := &Service{
		builder:    builder,
		routes:     routes,
		orders:     orders,
		hub:        hub,
		locations:  locations,
		eta:        eta,
		notifier:   notifier,
		restaurant: restaurant,
	}
	hub.SetRecompute(s.RecomputeETAs)
	return s
}

type CreateRouteCommand struct {
	BatchID      types.ID
	Stops        []route.Stop
	Origin       string // empty means the restaurant address
	CourierCount int
	DepartAt     time.Time
}

// CreateRoute builds and persists the batch's route. All-or-nothing: any
// failure leaves the previously stored route untouched.
func (s *Service) CreateRoute(ctx context.Context, cmd CreateRouteCommand) (*route.Route, error) {
	if cmd.BatchID == "" || len(cmd.Stops) == 0 {
		return nil, ErrBadRequest
	}

	restaurant, err := s.restaurant.Address(ctx)
	if err != nil {
		return nil, err
	}
	origin := cmd.Origin
	if origin == "" {
		origin = restaurant
	}

	return s.builder.Build(ctx, route.BuildRequest{
		BatchID:      cmd.BatchID,
		Origin:       origin,
		Restaurant:   restaurant,
		Stops:        cmd.Stops,
		CourierCount: cmd.CourierCount,
		DepartAt:     cmd.DepartAt,
	})
}

func (s *Service) GetRoute(ctx context.Context, batchID types.ID) (*route.Route, error) {
	return s.routes.Get(ctx, batchID)
}

func (s *Service) DeleteRoute(ctx context.Context, batchID types.ID) error {
	return s.routes.Delete(ctx, batchID)
}

// UpdateLocation forwards the courier position into the hub, which persists,
// broadcasts, and possibly schedules an ETA recompute.
func (s *Service) UpdateLocation(ctx context.Context, batchID types.ID, courierID int, lat, lng float64, userID types.ID) (*tracking.Location, error) {
	if batchID == "" || courierID < 1 {
		return nil, ErrBadRequest
	}
	return s.hub.UpdateLocation(ctx, batchID, courierID, lat, lng, userID)
}

// MarkComplete records a stop as delivered. The completion mark is the
// source of truth for driver-visible progress; order-status sync and the
// push notification are best-effort.
func (s *Service) MarkComplete(ctx context.Context, batchID types.ID, stopIndex int) error {
	r, err := s.routes.Get(ctx, batchID)
	if err != nil {
		return err
	}
	if stopIndex < 0 || stopIndex >= len(r.Stops) {
		return ErrBadRequest
	}

	if err := s.routes.Mark(ctx, batchID, r.Epoch, stopIndex); err != nil {
		return err
	}

	stop := r.Stops[stopIndex]
	if stop.OrderRef != nil {
		if err := s.orders.SetDelivered(ctx, *stop.OrderRef); err != nil {
			log.Printf("set order %s delivered: %v", *stop.OrderRef, err)
		}
	}

	s.hub.Broadcast(tracking.Event{
		Type:      tracking.EventDelivery,
		BatchID:   batchID,
		CourierID: stop.CourierID,
		Payload:   map[string]any{"stop_index": stopIndex, "completed": true},
	})

	if s.notifier != nil {
		s.hub.Dispatch(func(taskCtx context.Context) {
			if err := s.notifier.DeliveryCompleted(taskCtx, batchID, stop); err != nil {
				log.Printf("delivery notification for %s stop %d: %v", batchID, stopIndex, err)
			}
		})
	}
	return nil
}

// UnmarkComplete removes the mark and restores the linked order's status via
// the deterministic rule.
func (s *Service) UnmarkComplete(ctx context.Context, batchID types.ID, stopIndex int) error {
	r, err := s.routes.Get(ctx, batchID)
	if err != nil {
		return err
	}
	if stopIndex < 0 || stopIndex >= len(r.Stops) {
		return ErrBadRequest
	}

	if err := s.routes.Unmark(ctx, batchID, r.Epoch, stopIndex); err != nil {
		return err
	}

	stop := r.Stops[stopIndex]
	if stop.OrderRef != nil {
		if err := s.orders.RestoreStatus(ctx, *stop.OrderRef); err != nil {
			log.Printf("restore order %s status: %v", *stop.OrderRef, err)
		}
	}

	s.hub.Broadcast(tracking.Event{
		Type:      tracking.EventDelivery,
		BatchID:   batchID,
		CourierID: stop.CourierID,
		Payload:   map[string]any{"stop_index": stopIndex, "completed": false},
	})
	return nil
}

// StartSharing claims the courier route for userID and flips that courier's
// orders to "out for delivery". The ownership decision itself lives in the
// hub; a clash surfaces as tracking.AlreadyTrackedError.
func (s *Service) StartSharing(ctx context.Context, batchID types.ID, courierID int, userID types.ID) (*tracking.Session, error) {
	if batchID == "" || courierID < 1 || userID == "" {
		return nil, ErrBadRequest
	}
	r, err := s.routes.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}

	session, err := s.hub.StartSharing(batchID, courierID, userID)
	if err != nil {
		return nil, err
	}

	if ids := courierOrderRefs(r, courierID); len(ids) > 0 {
		if err := s.orders.SetDeliveryState(ctx, ids, true); err != nil {
			log.Printf("mark courier %d orders out for delivery: %v", courierID, err)
		}
	}
	return session, nil
}

// StopSharing releases the session, deletes the live location, and clears
// the courier's "out for delivery" flags.
func (s *Service) StopSharing(ctx context.Context, batchID types.ID, courierID int, userID types.ID) error {
	if err := s.hub.StopSharing(ctx, batchID, courierID, userID); err != nil {
		return err
	}

	r, err := s.routes.Get(ctx, batchID)
	if err != nil {
		if errors.Is(err, route.ErrNotFound) {
			return nil
		}
		return err
	}
	if ids := courierOrderRefs(r, courierID); len(ids) > 0 {
		if err := s.orders.SetDeliveryState(ctx, ids, false); err != nil {
			log.Printf("clear courier %d delivery flags: %v", courierID, err)
		}
	}
	return nil
}

func (s *Service) GetTrackingStatus(ctx context.Context, batchID types.ID, courierID int) (*tracking.TrackingStatus, error) {
	return s.hub.Status(ctx, batchID, courierID)
}

// StopStatus is one stop's delivery progress within the current route epoch.
type StopStatus struct {
	StopIndex   int        `json:"stop_index"`
	Address     string     `json:"address"`
	DisplayName string     `json:"display_name,omitempty"`
	Sequence    int        `json:"sequence"`
	ArrivalAt   *time.Time `json:"arrival_at,omitempty"`
	Completed   bool       `json:"completed"`
}

type CourierProgress struct {
	CourierID int          `json:"courier_id"`
	Total     int          `json:"total"`
	Completed int          `json:"completed"`
	Stops     []StopStatus `json:"stops"`
}

// GetDeliveryStatus reports per-courier progress. courierID 0 means all
// couriers. Only marks of the current route epoch count; marks from a
// regenerated-away route never resurface.
func (s *Service) GetDeliveryStatus(ctx context.Context, batchID types.ID, courierID int) ([]CourierProgress, error) {
	r, err := s.routes.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	marks, err := s.routes.Marks(ctx, batchID, r.Epoch)
	if err != nil {
		return nil, err
	}
	done := make(map[int]bool, len(marks))
	for _, idx := range marks {
		done[idx] = true
	}

	byCourier := map[int]*CourierProgress{}
	var order []int
	for i, a := range r.Stops {
		if courierID != 0 && a.CourierID != courierID {
			continue
		}
		cp, ok := byCourier[a.CourierID]
		if !ok {
			cp = &CourierProgress{CourierID: a.CourierID}
			byCourier[a.CourierID] = cp
			order = append(order, a.CourierID)
		}
		cp.Total++
		if done[i] {
			cp.Completed++
		}
		cp.Stops = append(cp.Stops, StopStatus{
			StopIndex:   i,
			Address:     a.Address,
			DisplayName: a.DisplayName,
			Sequence:    a.Sequence,
			ArrivalAt:   a.ArrivalAt,
			Completed:   done[i],
		})
	}

	out := make([]CourierProgress, 0, len(order))
	for _, id := range order {
		out = append(out, *byCourier[id])
	}
	return out, nil
}

// RecomputeETAs asks the provider for fresh arrival estimates from the
// courier's current position to each remaining stop, preserving the planned
// sequence. Returns nil when no position is known yet, the normal state
// before sharing starts.
func (s *Service) RecomputeETAs(ctx context.Context, batchID types.ID, courierID int) ([]tracking.StopETA, error) {
	loc, err := s.locations.Get(ctx, batchID, courierID)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		return nil, nil
	}

	r, err := s.routes.Get(ctx, batchID)
	if err != nil {
		if errors.Is(err, route.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	marks, err := s.routes.Marks(ctx, batchID, r.Epoch)
	if err != nil {
		return nil, err
	}
	done := make(map[int]bool, len(marks))
	for _, idx := range marks {
		done[idx] = true
	}

	var indices []int
	var addrs []string
	for i, a := range r.Stops {
		if a.CourierID != courierID || done[i] {
			continue
		}
		indices = append(indices, i)
		addrs = append(addrs, a.Address)
	}
	if len(addrs) == 0 {
		return nil, nil
	}

	arrivals, err := s.eta.ETA(ctx, orb.Point{loc.Lng, loc.Lat}, addrs)
	if err != nil {
		return nil, err
	}

	etas := make([]tracking.StopETA, len(indices))
	for i, idx := range indices {
		etas[i] = tracking.StopETA{StopIndex: idx, ETA: arrivals[i]}
	}
	return etas, nil
}

func courierOrderRefs(r *route.Route, courierID int) []types.ID {
	var ids []types.ID
	for _, a := range r.Stops {
		if a.CourierID == courierID && a.OrderRef != nil {
			ids = append(ids, *a.OrderRef)
		}
	}
	return ids
}
