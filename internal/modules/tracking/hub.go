// README: Tracking hub: subscriber membership, session arbitration, throttled
// ETA recomputation, heartbeat janitor.
package tracking

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"entrega/internal/config"
	"entrega/internal/types"
)

// RecomputeFunc produces fresh arrival estimates for a courier's remaining
// stops. A nil result with nil error means no position is known yet.
type RecomputeFunc func(ctx context.Context, batchID types.ID, courierID int) ([]StopETA, error)

// Subscriber receives one batch's events on C until Close is called. Slow
// subscribers have events dropped rather than blocking a broadcast.
type Subscriber struct {
	ID    string
	C     chan Event
	batch types.ID
	hub   *Hub

	// mu makes trySend and Close mutually exclusive: a broadcast that
	// snapshotted this subscriber may still be sending while the client
	// disconnects.
	mu     sync.Mutex
	closed bool
}

// Close is safe to call more than once and concurrently with broadcasts.
func (s *Subscriber) Close() {
	s.hub.unsubscribe(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.C)
}

// trySend delivers without blocking; a closed or full subscriber drops the
// event instead.
func (s *Subscriber) trySend(evt Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.C <- evt:
		return true
	default:
		return false
	}
}

// Hub owns all live-tracking state for the process. One instance is built at
// startup and injected where needed; none of its maps are package globals.
type Hub struct {
	cfg       config.TrackingConfig
	locations LocationStore
	recompute RecomputeFunc

	// mu guards sessions, throttle timestamps, and the monotonic clock per
	// courier route.
	mu       sync.Mutex
	sessions map[string]*Session
	throttle map[types.ID]time.Time
	lastSeen map[string]time.Time

	// keyMu guards the per-courier-route lock table; each courier route gets
	// its own lock so unrelated batches never contend.
	keyMu    sync.Mutex
	keyLocks map[string]*sync.Mutex

	subMu sync.RWMutex
	subs  map[types.ID]map[*Subscriber]struct{}

	tasks chan func(context.Context)
}

func NewHub(cfg config.TrackingConfig, locations LocationStore) *Hub {
	return &Hub{
		cfg:       cfg,
		locations: locations,
		sessions:  make(map[string]*Session),
		throttle:  make(map[types.ID]time.Time),
		lastSeen:  make(map[string]time.Time),
		keyLocks:  make(map[string]*sync.Mutex),
		subs:      make(map[types.ID]map[*Subscriber]struct{}),
		tasks:     make(chan func(context.Context), cfg.RecomputeQueueSize),
	}
}

// SetRecompute wires the ETA recomputation callback. Called once during
// startup, before any location update arrives.
func (h *Hub) SetRecompute(fn RecomputeFunc) { h.recompute = fn }

// ---------------------------------------------------------------------------
// Subscriptions and broadcast
// ---------------------------------------------------------------------------

// Subscribe joins the batch's broadcast group.
func (h *Hub) Subscribe(batchID types.ID) *Subscriber {
	sub := &Subscriber{
		ID:    uuid.NewString(),
		C:     make(chan Event, h.cfg.SubscriberQueueSize),
		batch: batchID,
		hub:   h,
	}
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if h.subs[batchID] == nil {
		h.subs[batchID] = make(map[*Subscriber]struct{})
	}
	h.subs[batchID][sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if set, ok := h.subs[sub.batch]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.batch)
		}
	}
}

// Broadcast delivers an event to every subscriber of the event's batch. The
// membership is snapshotted first so concurrent joins and leaves never
// corrupt an in-flight broadcast.
func (h *Hub) Broadcast(evt Event) {
	h.subMu.RLock()
	snapshot := make([]*Subscriber, 0, len(h.subs[evt.BatchID]))
	for sub := range h.subs[evt.BatchID] {
		snapshot = append(snapshot, sub)
	}
	h.subMu.RUnlock()

	for _, sub := range snapshot {
		if !sub.trySend(evt) {
			log.Printf("dropping %s event for subscriber %s (batch %s)", evt.Type, sub.ID, evt.BatchID)
		}
	}
}

// ---------------------------------------------------------------------------
// Sharing sessions
// ---------------------------------------------------------------------------

// StartSharing claims the courier route for ownerID. The check-then-set is a
// single critical section so two racing callers cannot both win; the loser
// gets AlreadyTrackedError carrying the winner's id. Re-claiming one's own
// session just refreshes the heartbeat.
func (h *Hub) StartSharing(batchID types.ID, courierID int, ownerID types.ID) (*Session, error) {
	key := routeKey(batchID, courierID)
	now := time.Now()

	h.mu.Lock()
	if existing, ok := h.sessions[key]; ok {
		if existing.OwnerID != ownerID {
			owner := existing.OwnerID
			h.mu.Unlock()
			return nil, &AlreadyTrackedError{OwnerID: owner}
		}
		existing.LastHeartbeat = now
		session := *existing
		h.mu.Unlock()
		return &session, nil
	}
	session := &Session{
		BatchID:       batchID,
		CourierID:     courierID,
		OwnerID:       ownerID,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	h.sessions[key] = session
	h.mu.Unlock()

	h.Broadcast(Event{
		Type:      EventSharing,
		BatchID:   batchID,
		CourierID: courierID,
		Payload:   map[string]any{"sharing": true, "owner_id": ownerID},
	})
	return session, nil
}

// StopSharing releases the session and deletes the live location row. It is
// idempotent; stopping a session that does not exist is a no-op.
func (h *Hub) StopSharing(ctx context.Context, batchID types.ID, courierID int, ownerID types.ID) error {
	key := routeKey(batchID, courierID)

	h.mu.Lock()
	existing, ok := h.sessions[key]
	if ok && existing.OwnerID != ownerID {
		owner := existing.OwnerID
		h.mu.Unlock()
		return &AlreadyTrackedError{OwnerID: owner}
	}
	delete(h.sessions, key)
	h.mu.Unlock()
	if !ok {
		return nil
	}

	if err := h.locations.Delete(ctx, batchID, courierID); err != nil {
		log.Printf("delete location for %s/%d: %v", batchID, courierID, err)
	}
	h.Broadcast(Event{
		Type:      EventSharing,
		BatchID:   batchID,
		CourierID: courierID,
		Payload:   map[string]any{"sharing": false},
	})
	return nil
}

// Status reports the advisory session view. A session is stale (IsActive
// false) after StaleSeconds of silence, but staleness alone never evicts it;
// the janitor handles abandoned sessions.
func (h *Hub) Status(ctx context.Context, batchID types.ID, courierID int) (*TrackingStatus, error) {
	key := routeKey(batchID, courierID)

	h.mu.Lock()
	session, ok := h.sessions[key]
	var st TrackingStatus
	if ok {
		st = TrackingStatus{
			Sharing:       true,
			IsActive:      time.Since(session.LastHeartbeat) <= h.staleAfter(),
			OwnerID:       session.OwnerID,
			LastHeartbeat: session.LastHeartbeat,
		}
	}
	h.mu.Unlock()

	loc, err := h.locations.Get(ctx, batchID, courierID)
	if err != nil {
		return nil, err
	}
	st.Location = loc
	return &st, nil
}

// ---------------------------------------------------------------------------
// Location updates
// ---------------------------------------------------------------------------

// UpdateLocation overwrites the courier's live position, broadcasts it, and
// at most once per throttle window per batch kicks off an ETA recompute on
// the worker pool. The primary broadcast never waits on recomputation.
func (h *Hub) UpdateLocation(ctx context.Context, batchID types.ID, courierID int, lat, lng float64, userID types.ID) (*Location, error) {
	key := routeKey(batchID, courierID)
	lock := h.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()

	h.mu.Lock()
	if session, ok := h.sessions[key]; ok {
		if userID != "" && session.OwnerID != userID {
			owner := session.OwnerID
			h.mu.Unlock()
			return nil, &AlreadyTrackedError{OwnerID: owner}
		}
		session.LastHeartbeat = now
	}
	// Timestamps per courier route never go backwards, even across a clock
	// step.
	if last := h.lastSeen[key]; now.Before(last) {
		now = last
	}
	h.lastSeen[key] = now
	h.mu.Unlock()

	loc := Location{BatchID: batchID, CourierID: courierID, Lat: lat, Lng: lng, UpdatedAt: now}
	if err := h.locations.Set(ctx, loc); err != nil {
		return nil, err
	}

	h.Broadcast(Event{
		Type:      EventLocation,
		BatchID:   batchID,
		CourierID: courierID,
		Payload:   loc,
	})

	if h.recompute != nil && h.tryThrottle(batchID) {
		queued := h.Dispatch(func(taskCtx context.Context) {
			etas, err := h.recompute(taskCtx, batchID, courierID)
			if err != nil {
				// Recompute failures never surface to the update call.
				log.Printf("eta recompute for %s/%d: %v", batchID, courierID, err)
				return
			}
			if len(etas) == 0 {
				return
			}
			h.Broadcast(Event{
				Type:      EventETA,
				BatchID:   batchID,
				CourierID: courierID,
				Payload:   etas,
			})
		})
		if !queued {
			// The window was never used; let the next update claim it.
			h.releaseThrottle(batchID)
		}
	}
	return &loc, nil
}

// tryThrottle is the compare-and-swap on the per-batch throttle timestamp;
// only one caller per window wins the right to recompute.
func (h *Hub) tryThrottle(batchID types.ID) bool {
	window := time.Duration(h.cfg.ETAThrottleSeconds) * time.Second
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()
	if last, ok := h.throttle[batchID]; ok && now.Sub(last) < window {
		return false
	}
	h.throttle[batchID] = now
	return true
}

func (h *Hub) releaseThrottle(batchID types.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.throttle, batchID)
}

// ---------------------------------------------------------------------------
// Background work
// ---------------------------------------------------------------------------

// Dispatch hands a task to the bounded worker pool and reports whether it
// was queued; when the queue is full the task is dropped and logged, never
// blocking the caller.
func (h *Hub) Dispatch(fn func(context.Context)) bool {
	select {
	case h.tasks <- fn:
		return true
	default:
		log.Printf("tracking task queue full, dropping task")
		return false
	}
}

// RunWorkers drains the task queue with a fixed-size pool; each task runs
// under its own timeout.
func (h *Hub) RunWorkers(ctx context.Context) {
	timeout := time.Duration(h.cfg.TaskTimeoutSeconds) * time.Second
	var wg sync.WaitGroup
	for i := 0; i < h.cfg.RecomputeWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case fn := <-h.tasks:
					taskCtx, cancel := context.WithTimeout(ctx, timeout)
					fn(taskCtx)
					cancel()
				}
			}
		}()
	}
	wg.Wait()
}

// RunJanitor evicts sessions that have been silent far beyond staleness.
// Staleness itself (60s) stays advisory; eviction only reclaims sessions
// whose owner clearly disappeared without calling StopSharing.
func (h *Hub) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	evictAfter := time.Duration(h.cfg.EvictMinutes) * time.Minute
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.evictAbandoned(ctx, evictAfter)
		}
	}
}

func (h *Hub) evictAbandoned(ctx context.Context, evictAfter time.Duration) {
	now := time.Now()

	h.mu.Lock()
	var abandoned []*Session
	for key, s := range h.sessions {
		if now.Sub(s.LastHeartbeat) > evictAfter {
			abandoned = append(abandoned, s)
			delete(h.sessions, key)
			delete(h.lastSeen, key)
		}
	}
	h.mu.Unlock()

	// Drop the per-route locks too so the tables stay bounded by live
	// sessions.
	h.keyMu.Lock()
	for _, s := range abandoned {
		delete(h.keyLocks, routeKey(s.BatchID, s.CourierID))
	}
	h.keyMu.Unlock()

	for _, s := range abandoned {
		log.Printf("evicting abandoned tracking session %s/%d (owner %s, silent %s)",
			s.BatchID, s.CourierID, s.OwnerID, now.Sub(s.LastHeartbeat).Round(time.Second))
		if err := h.locations.Delete(ctx, s.BatchID, s.CourierID); err != nil {
			log.Printf("delete location for %s/%d: %v", s.BatchID, s.CourierID, err)
		}
		h.Broadcast(Event{
			Type:      EventSharing,
			BatchID:   s.BatchID,
			CourierID: s.CourierID,
			Payload:   map[string]any{"sharing": false, "evicted": true},
		})
	}
}

func (h *Hub) staleAfter() time.Duration {
	return time.Duration(h.cfg.StaleSeconds) * time.Second
}

func (h *Hub) lockFor(key string) *sync.Mutex {
	h.keyMu.Lock()
	defer h.keyMu.Unlock()
	if l, ok := h.keyLocks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	h.keyLocks[key] = l
	return l
}

func routeKey(batchID types.ID, courierID int) string {
	return fmt.Sprintf("%s/%d", batchID, courierID)
}
