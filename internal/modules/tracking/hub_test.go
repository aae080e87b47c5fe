// README: Tests for hub session arbitration, throttling, and broadcast.
package tracking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"entrega/internal/config"
	"entrega/internal/types"
)

// memStore is an in-memory LocationStore for hub tests.
type memStore struct {
	mu   sync.Mutex
	locs map[string]Location
}

func newMemStore() *memStore {
	return &memStore{locs: map[string]Location{}}
}

func (m *memStore) Set(_ context.Context, loc Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locs[routeKey(loc.BatchID, loc.CourierID)] = loc
	return nil
}

func (m *memStore) Get(_ context.Context, batchID types.ID, courierID int) (*Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locs[routeKey(batchID, courierID)]
	if !ok {
		return nil, nil
	}
	return &loc, nil
}

func (m *memStore) Delete(_ context.Context, batchID types.ID, courierID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locs, routeKey(batchID, courierID))
	return nil
}

func testConfig() config.TrackingConfig {
	return config.TrackingConfig{
		ETAThrottleSeconds:  30,
		StaleSeconds:        60,
		EvictMinutes:        10,
		RecomputeWorkers:    2,
		RecomputeQueueSize:  16,
		TaskTimeoutSeconds:  5,
		SubscriberQueueSize: 8,
	}
}

func TestStartSharing_ConcurrentSingleWinner(t *testing.T) {
	hub := NewHub(testConfig(), newMemStore())

	const racers = 10
	var wins int32
	owners := make(chan types.ID, racers)

	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			owner := types.ID("user" + string(rune('0'+n)))
			_, err := hub.StartSharing("b1", 1, owner)
			if err == nil {
				atomic.AddInt32(&wins, 1)
				owners <- owner
				return
			}
			var tracked *AlreadyTrackedError
			if !errors.As(err, &tracked) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	close(owners)

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	winner := <-owners

	// Every later claimant learns who actually holds the session.
	_, err := hub.StartSharing("b1", 1, "late-user")
	var tracked *AlreadyTrackedError
	if !errors.As(err, &tracked) {
		t.Fatalf("expected AlreadyTrackedError, got %v", err)
	}
	if tracked.OwnerID != winner {
		t.Errorf("expected owner %s, got %s", winner, tracked.OwnerID)
	}
}

func TestStartSharing_SameOwnerRefreshes(t *testing.T) {
	hub := NewHub(testConfig(), newMemStore())

	first, err := hub.StartSharing("b1", 1, "u1")
	if err != nil {
		t.Fatal(err)
	}
	again, err := hub.StartSharing("b1", 1, "u1")
	if err != nil {
		t.Fatalf("re-claiming one's own session must succeed: %v", err)
	}
	if again.StartedAt != first.StartedAt {
		t.Error("refresh must not restart the session")
	}
	if again.LastHeartbeat.Before(first.LastHeartbeat) {
		t.Error("refresh must advance the heartbeat")
	}
}

func TestStopSharing_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	hub := NewHub(testConfig(), store)

	if err := hub.StopSharing(ctx, "b1", 1, "u1"); err != nil {
		t.Fatalf("stopping without a session must be a no-op: %v", err)
	}

	if _, err := hub.StartSharing("b1", 1, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := hub.UpdateLocation(ctx, "b1", 1, -25.43, -49.27, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := hub.StopSharing(ctx, "b1", 1, "u1"); err != nil {
		t.Fatal(err)
	}

	if loc, _ := store.Get(ctx, "b1", 1); loc != nil {
		t.Error("stopping must delete the live location")
	}
	if err := hub.StopSharing(ctx, "b1", 1, "u1"); err != nil {
		t.Errorf("second stop must be a no-op: %v", err)
	}
}

func TestStopSharing_WrongOwnerRejected(t *testing.T) {
	hub := NewHub(testConfig(), newMemStore())
	if _, err := hub.StartSharing("b1", 1, "u1"); err != nil {
		t.Fatal(err)
	}
	err := hub.StopSharing(context.Background(), "b1", 1, "u2")
	var tracked *AlreadyTrackedError
	if !errors.As(err, &tracked) || tracked.OwnerID != "u1" {
		t.Errorf("expected AlreadyTrackedError with owner u1, got %v", err)
	}
}

func TestUpdateLocation_WrongOwnerRejected(t *testing.T) {
	hub := NewHub(testConfig(), newMemStore())
	if _, err := hub.StartSharing("b1", 1, "u1"); err != nil {
		t.Fatal(err)
	}
	_, err := hub.UpdateLocation(context.Background(), "b1", 1, -25.43, -49.27, "u2")
	var tracked *AlreadyTrackedError
	if !errors.As(err, &tracked) || tracked.OwnerID != "u1" {
		t.Errorf("expected AlreadyTrackedError with owner u1, got %v", err)
	}
}

func TestUpdateLocation_ThrottlesRecompute(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(testConfig(), newMemStore())
	var recomputes int32
	hub.SetRecompute(func(context.Context, types.ID, int) ([]StopETA, error) {
		atomic.AddInt32(&recomputes, 1)
		return nil, nil
	})
	go hub.RunWorkers(ctx)

	for i := 0; i < 5; i++ {
		if _, err := hub.UpdateLocation(ctx, "b1", 1, -25.43, -49.27, ""); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&recomputes) == 0 {
		select {
		case <-deadline:
			t.Fatal("recompute never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}
	// Give any extra (wrongly unthrottled) tasks time to run.
	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&recomputes); n != 1 {
		t.Errorf("expected 1 recompute inside the throttle window, got %d", n)
	}
}

func TestUpdateLocation_MonotonicTimestamps(t *testing.T) {
	hub := NewHub(testConfig(), newMemStore())
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	hub.mu.Lock()
	hub.lastSeen[routeKey("b1", 1)] = future
	hub.mu.Unlock()

	loc, err := hub.UpdateLocation(ctx, "b1", 1, -25.43, -49.27, "")
	if err != nil {
		t.Fatal(err)
	}
	if loc.UpdatedAt.Before(future) {
		t.Errorf("timestamp went backwards: %v before %v", loc.UpdatedAt, future)
	}
}

func TestBroadcast_SubscribersJoinAndLeave(t *testing.T) {
	hub := NewHub(testConfig(), newMemStore())

	a := hub.Subscribe("b1")
	b := hub.Subscribe("b1")
	other := hub.Subscribe("b2")
	defer b.Close()
	defer other.Close()

	evt := Event{Type: EventLocation, BatchID: "b1", CourierID: 1}
	hub.Broadcast(evt)

	for _, sub := range []*Subscriber{a, b} {
		select {
		case got := <-sub.C:
			if got.Type != EventLocation {
				t.Errorf("expected %s, got %s", EventLocation, got.Type)
			}
		default:
			t.Error("subscriber missed the event")
		}
	}
	select {
	case <-other.C:
		t.Error("subscriber of another batch received the event")
	default:
	}

	a.Close()
	hub.Broadcast(evt)
	if _, ok := <-a.C; ok {
		t.Error("closed subscriber must not receive events")
	}
	select {
	case <-b.C:
	default:
		t.Error("remaining subscriber missed the event")
	}
}

func TestBroadcast_RacesWithClose(t *testing.T) {
	hub := NewHub(testConfig(), newMemStore())

	// Subscribers joining and leaving while broadcasts are in flight must
	// never crash a broadcasting goroutine.
	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				sub := hub.Subscribe("b1")
				sub.Close()
			}
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	evt := Event{Type: EventLocation, BatchID: "b1", CourierID: 1}
	for {
		select {
		case <-done:
			return
		default:
			hub.Broadcast(evt)
		}
	}
}

func TestSubscriber_CloseTwice(t *testing.T) {
	hub := NewHub(testConfig(), newMemStore())
	sub := hub.Subscribe("b1")
	sub.Close()
	sub.Close()
	hub.Broadcast(Event{Type: EventLocation, BatchID: "b1"})
}

func TestUpdateLocation_DroppedTaskReleasesThrottle(t *testing.T) {
	cfg := testConfig()
	cfg.RecomputeQueueSize = 0
	hub := NewHub(cfg, newMemStore())
	hub.SetRecompute(func(context.Context, types.ID, int) ([]StopETA, error) {
		return nil, nil
	})

	// No workers are running and the queue holds nothing, so the dispatch
	// drops and the throttle window must stay free.
	if _, err := hub.UpdateLocation(context.Background(), "b1", 1, -25.43, -49.27, ""); err != nil {
		t.Fatal(err)
	}
	if !hub.tryThrottle("b1") {
		t.Error("window must not stay claimed after a dropped dispatch")
	}
}

func TestStatus_StalenessIsAdvisory(t *testing.T) {
	hub := NewHub(testConfig(), newMemStore())
	ctx := context.Background()

	if _, err := hub.StartSharing("b1", 1, "u1"); err != nil {
		t.Fatal(err)
	}
	hub.mu.Lock()
	hub.sessions[routeKey("b1", 1)].LastHeartbeat = time.Now().Add(-2 * time.Minute)
	hub.mu.Unlock()

	st, err := hub.Status(ctx, "b1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Sharing {
		t.Error("a stale session still exists")
	}
	if st.IsActive {
		t.Error("two minutes of silence must read as inactive")
	}

	// Staleness never blocks the owner from resuming updates.
	if _, err := hub.UpdateLocation(ctx, "b1", 1, -25.43, -49.27, "u1"); err != nil {
		t.Errorf("stale session rejected an owner update: %v", err)
	}
}

func TestEvictAbandoned(t *testing.T) {
	store := newMemStore()
	hub := NewHub(testConfig(), store)
	ctx := context.Background()

	if _, err := hub.StartSharing("b1", 1, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := hub.UpdateLocation(ctx, "b1", 1, -25.43, -49.27, "u1"); err != nil {
		t.Fatal(err)
	}

	sub := hub.Subscribe("b1")
	defer sub.Close()

	hub.mu.Lock()
	hub.sessions[routeKey("b1", 1)].LastHeartbeat = time.Now().Add(-time.Hour)
	hub.mu.Unlock()

	hub.evictAbandoned(ctx, 10*time.Minute)

	st, err := hub.Status(ctx, "b1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if st.Sharing {
		t.Error("abandoned session must be evicted")
	}
	if loc, _ := store.Get(ctx, "b1", 1); loc != nil {
		t.Error("eviction must delete the live location")
	}

	var sawStop bool
	for len(sub.C) > 0 {
		if evt := <-sub.C; evt.Type == EventSharing {
			sawStop = true
		}
	}
	if !sawStop {
		t.Error("eviction must broadcast a sharing-status event")
	}

	key := routeKey("b1", 1)
	hub.mu.Lock()
	_, seen := hub.lastSeen[key]
	hub.mu.Unlock()
	if seen {
		t.Error("eviction must drop the lastSeen entry")
	}
	hub.keyMu.Lock()
	_, locked := hub.keyLocks[key]
	hub.keyMu.Unlock()
	if locked {
		t.Error("eviction must drop the per-route lock entry")
	}
}
