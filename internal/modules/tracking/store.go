// README: Location store backed by Redis GEO and per-courier hashes.
package tracking

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"entrega/internal/types"
)

const (
	locKeyPrefix = "tracking:%s:%d"
	geoKeyPrefix = "tracking:geo:%s"
	// Live positions only matter for the delivery day.
	keyTTL = 24 * time.Hour
)

// LocationStore persists the latest courier position per (batch, courier).
type LocationStore interface {
	Set(ctx context.Context, loc Location) error
	Get(ctx context.Context, batchID types.ID, courierID int) (*Location, error)
	Delete(ctx context.Context, batchID types.ID, courierID int) error
}

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

func (s *Store) Set(ctx context.Context, loc Location) error {
	pipe := s.redis.Pipeline()
	key := locKey(loc.BatchID, loc.CourierID)
	pipe.HSet(ctx, key, map[string]interface{}{
		"lat":        strconv.FormatFloat(loc.Lat, 'f', -1, 64),
		"lng":        strconv.FormatFloat(loc.Lng, 'f', -1, 64),
		"updated_at": loc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, keyTTL)
	geoKey := fmt.Sprintf(geoKeyPrefix, string(loc.BatchID))
	pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{
		Name:      strconv.Itoa(loc.CourierID),
		Longitude: loc.Lng,
		Latitude:  loc.Lat,
	})
	pipe.Expire(ctx, geoKey, keyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns nil (not an error) when no position is known yet; that is the
// normal state before a courier starts sharing.
func (s *Store) Get(ctx context.Context, batchID types.ID, courierID int) (*Location, error) {
	vals, err := s.redis.HGetAll(ctx, locKey(batchID, courierID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}

	lat, err := strconv.ParseFloat(vals["lat"], 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt location for %s/%d: %w", batchID, courierID, err)
	}
	lng, err := strconv.ParseFloat(vals["lng"], 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt location for %s/%d: %w", batchID, courierID, err)
	}
	updated, err := time.Parse(time.RFC3339Nano, vals["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("corrupt location for %s/%d: %w", batchID, courierID, err)
	}

	return &Location{
		BatchID:   batchID,
		CourierID: courierID,
		Lat:       lat,
		Lng:       lng,
		UpdatedAt: updated,
	}, nil
}

func (s *Store) Delete(ctx context.Context, batchID types.ID, courierID int) error {
	pipe := s.redis.Pipeline()
	pipe.Del(ctx, locKey(batchID, courierID))
	pipe.ZRem(ctx, fmt.Sprintf(geoKeyPrefix, string(batchID)), strconv.Itoa(courierID))
	_, err := pipe.Exec(ctx)
	return err
}

func locKey(batchID types.ID, courierID int) string {
	return fmt.Sprintf(locKeyPrefix, string(batchID), courierID)
}
