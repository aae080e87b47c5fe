// README: Order store backed by PostgreSQL (collaborator operations only).
package order

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"entrega/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Order, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, batch_id, status, total, paid_at, receipt_url, estimated_arrival, created_at
		FROM orders
		WHERE id = $1`, string(id),
	)

	var o Order
	err := row.Scan(&o.ID, &o.BatchID, &o.Status, &o.Total.Amount,
		&o.PaidAt, &o.ReceiptURL, &o.EstimatedArrival, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Total = types.BRL(o.Total.Amount)
	return &o, nil
}

func (s *Store) SetEstimatedArrival(ctx context.Context, id types.ID, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE orders SET estimated_arrival = $1 WHERE id = $2`,
		at, string(id),
	)
	return err
}

// ClearEstimatedArrival drops every estimate in the batch; the builder calls
// this before projecting a fresh route so stale times never linger on orders
// whose stop got re-assigned.
func (s *Store) ClearEstimatedArrival(ctx context.Context, batchID types.ID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE orders SET estimated_arrival = NULL WHERE batch_id = $1`,
		string(batchID),
	)
	return err
}

// SetDeliveryState flips orders in and out of "out for delivery". Delivered
// orders are left alone; leaving the state restores every order through
// RestoredStatus instead of trusting a remembered value.
func (s *Store) SetDeliveryState(ctx context.Context, ids []types.ID, outForDelivery bool) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	if outForDelivery {
		_, err := s.db.Exec(ctx, `
			UPDATE orders SET status = 'out_for_delivery'
			WHERE id = ANY($1) AND status <> 'delivered'`, raw)
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, paid_at, receipt_url FROM orders
		WHERE id = ANY($1) AND status = 'out_for_delivery'`, raw)
	if err != nil {
		return err
	}
	type restore struct {
		id     string
		status Status
	}
	var restores []restore
	for rows.Next() {
		var id string
		var paidAt *time.Time
		var receiptURL *string
		if err := rows.Scan(&id, &paidAt, &receiptURL); err != nil {
			rows.Close()
			return err
		}
		restores = append(restores, restore{id: id, status: RestoredStatus(paidAt, receiptURL)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range restores {
		if _, err := tx.Exec(ctx, `
			UPDATE orders SET status = $1 WHERE id = $2 AND status = 'out_for_delivery'`,
			string(r.status), r.id); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) SetDelivered(ctx context.Context, id types.ID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE orders SET status = 'delivered' WHERE id = $1`, string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RestoreStatus reverses a delivered mark by applying RestoredStatus to the
// row's own payment fields.
func (s *Store) RestoreStatus(ctx context.Context, id types.ID) error {
	var paidAt *time.Time
	var receiptURL *string
	err := s.db.QueryRow(ctx, `
		SELECT paid_at, receipt_url FROM orders
		WHERE id = $1 AND status = 'delivered'`, string(id),
	).Scan(&paidAt, &receiptURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE orders SET status = $1 WHERE id = $2 AND status = 'delivered'`,
		string(RestoredStatus(paidAt, receiptURL)), string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
