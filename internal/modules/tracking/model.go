// README: Live-tracking value types: locations, sharing sessions, hub events.
package tracking

import (
	"fmt"
	"time"

	"entrega/internal/types"
)

// Location is the latest known position of one courier on one batch. There
// is exactly one live row per (batch, courier); updates overwrite it.
type Location struct {
	BatchID   types.ID  `json:"batch_id"`
	CourierID int       `json:"courier_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is the in-memory claim that one user is the authoritative location
// source for a courier route. Sessions are not persisted; they self-heal
// from heartbeat timeout after a restart.
type Session struct {
	BatchID       types.ID
	CourierID     int
	OwnerID       types.ID
	StartedAt     time.Time
	LastHeartbeat time.Time
}

type EventType string

const (
	EventLocation EventType = "locationUpdate"
	EventETA      EventType = "etaUpdate"
	EventDelivery EventType = "deliveryUpdate"
	EventSharing  EventType = "sharingStatus"
)

// Event is what batch subscribers receive on the real-time channel.
type Event struct {
	Type      EventType `json:"type"`
	BatchID   types.ID  `json:"batch_id"`
	CourierID int       `json:"courier_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// StopETA is one recomputed arrival estimate for a not-yet-delivered stop.
type StopETA struct {
	StopIndex int       `json:"stop_index"`
	ETA       time.Time `json:"eta"`
}

// AlreadyTrackedError reports a tracking-ownership clash; the current owner
// is included so the caller can show who holds the session.
type AlreadyTrackedError struct {
	OwnerID types.ID
}

func (e *AlreadyTrackedError) Error() string {
	return fmt.Sprintf("courier route already tracked by %s", e.OwnerID)
}

// TrackingStatus is the advisory view of a courier's sharing session.
type TrackingStatus struct {
	Sharing       bool      `json:"sharing"`
	IsActive      bool      `json:"is_active"`
	OwnerID       types.ID  `json:"owner_id,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	Location      *Location `json:"location,omitempty"`
}
