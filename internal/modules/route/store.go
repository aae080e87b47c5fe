// README: Route store backed by PostgreSQL: routes, stops, links, completion marks.
package route

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"

	"entrega/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Upsert replaces the batch's route in one transaction, bumping the epoch so
// completion marks recorded against the previous route stop counting.
func (s *Store) Upsert(ctx context.Context, r *Route) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO routes (batch_id, epoch, skipped, created_at)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (batch_id) DO UPDATE
		SET epoch = routes.epoch + 1, skipped = $2, created_at = $3
		RETURNING epoch`,
		string(r.BatchID), r.Skipped, r.CreatedAt,
	)
	if err := row.Scan(&r.Epoch); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM route_stops WHERE batch_id = $1`, string(r.BatchID)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM route_links WHERE batch_id = $1`, string(r.BatchID)); err != nil {
		return err
	}
	// Marks from older epochs can never become visible again; drop them.
	if _, err := tx.Exec(ctx, `DELETE FROM completion_marks WHERE batch_id = $1 AND epoch < $2`,
		string(r.BatchID), r.Epoch); err != nil {
		return err
	}

	for i, a := range r.Stops {
		var lat, lng *float64
		if a.Coord != nil {
			la, ln := a.Coord.Lat(), a.Coord.Lon()
			lat, lng = &la, &ln
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO route_stops (
				batch_id, stop_index, courier_id, seq,
				address, display_name, order_ref, lat, lng, arrival_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			string(r.BatchID), i, a.CourierID, a.Sequence,
			a.Address, a.DisplayName, refPtr(a.OrderRef), lat, lng, a.ArrivalAt,
		); err != nil {
			return err
		}
	}

	for i, l := range r.Links {
		if _, err := tx.Exec(ctx, `
			INSERT INTO route_links (batch_id, position, courier_id, label, url)
			VALUES ($1, $2, $3, $4, $5)`,
			string(r.BatchID), i, l.CourierID, l.Label, l.URL,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) Get(ctx context.Context, batchID types.ID) (*Route, error) {
	r := &Route{BatchID: batchID}
	row := s.db.QueryRow(ctx, `
		SELECT epoch, skipped, created_at FROM routes WHERE batch_id = $1`,
		string(batchID),
	)
	if err := row.Scan(&r.Epoch, &r.Skipped, &r.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT courier_id, seq, address, display_name, order_ref, lat, lng, arrival_at
		FROM route_stops
		WHERE batch_id = $1
		ORDER BY stop_index`,
		string(batchID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var a Assignment
		var orderRef *string
		var lat, lng *float64
		var arrival *time.Time
		if err := rows.Scan(&a.CourierID, &a.Sequence, &a.Address, &a.DisplayName,
			&orderRef, &lat, &lng, &arrival); err != nil {
			return nil, err
		}
		if orderRef != nil {
			id := types.ID(*orderRef)
			a.OrderRef = &id
		}
		if lat != nil && lng != nil {
			p := orb.Point{*lng, *lat}
			a.Coord = &p
		}
		a.ArrivalAt = arrival
		r.Stops = append(r.Stops, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	linkRows, err := s.db.Query(ctx, `
		SELECT courier_id, label, url FROM route_links
		WHERE batch_id = $1 ORDER BY position`,
		string(batchID),
	)
	if err != nil {
		return nil, err
	}
	defer linkRows.Close()
	for linkRows.Next() {
		var l MapLink
		if err := linkRows.Scan(&l.CourierID, &l.Label, &l.URL); err != nil {
			return nil, err
		}
		r.Links = append(r.Links, l)
	}
	return r, linkRows.Err()
}

func (s *Store) Delete(ctx context.Context, batchID types.ID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM routes WHERE batch_id = $1`, string(batchID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	// Stops, links and marks cascade via FK.
	return nil
}

// Mark records a stop as delivered. Idempotent: marking twice is one mark.
func (s *Store) Mark(ctx context.Context, batchID types.ID, epoch int64, stopIndex int) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO completion_marks (batch_id, epoch, stop_index, marked_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (batch_id, epoch, stop_index) DO NOTHING`,
		string(batchID), epoch, stopIndex, time.Now(),
	)
	return err
}

func (s *Store) Unmark(ctx context.Context, batchID types.ID, epoch int64, stopIndex int) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM completion_marks
		WHERE batch_id = $1 AND epoch = $2 AND stop_index = $3`,
		string(batchID), epoch, stopIndex,
	)
	return err
}

// Marks returns the completed stop indices for the given route epoch.
func (s *Store) Marks(ctx context.Context, batchID types.ID, epoch int64) ([]int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT stop_index FROM completion_marks
		WHERE batch_id = $1 AND epoch = $2
		ORDER BY stop_index`,
		string(batchID), epoch,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

func refPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
