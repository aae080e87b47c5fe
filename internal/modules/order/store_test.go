// README: DB-backed tests for order delivery-state transitions.
package order

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"entrega/internal/types"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("ENTREGA_TEST_DSN")
	if dsn == "" {
		t.Skip("ENTREGA_TEST_DSN not set; skipping DB-backed store tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := applyMigration(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if _, err := db.Exec(ctx, "TRUNCATE TABLE completion_marks, route_links, route_stops, routes, orders"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}

	return NewStore(db)
}

func insertOrder(t *testing.T, s *Store, id string, status Status, paidAt *time.Time, receiptURL *string) {
	t.Helper()
	_, err := s.db.Exec(context.Background(), `
		INSERT INTO orders (id, batch_id, status, total, paid_at, receipt_url)
		VALUES ($1, 'b1', $2, 4500, $3, $4)`,
		id, string(status), paidAt, receiptURL,
	)
	if err != nil {
		t.Fatalf("insert order %s: %v", id, err)
	}
}

func orderStatus(t *testing.T, s *Store, id string) Status {
	t.Helper()
	o, err := s.Get(context.Background(), types.ID(id))
	if err != nil {
		t.Fatalf("get order %s: %v", id, err)
	}
	return o.Status
}

func TestStore_SetDeliveryStateRoundtrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	paid := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	receipt := "https://storage.example.com/receipts/r2.jpg"
	insertOrder(t, store, "o1", StatusConfirmed, &paid, nil)
	insertOrder(t, store, "o2", StatusAwaitingConfirmation, nil, &receipt)
	insertOrder(t, store, "o3", StatusPending, nil, nil)
	insertOrder(t, store, "o4", StatusDelivered, &paid, nil)

	ids := []types.ID{"o1", "o2", "o3", "o4"}
	if err := store.SetDeliveryState(ctx, ids, true); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"o1", "o2", "o3"} {
		if got := orderStatus(t, store, id); got != StatusOutForDelivery {
			t.Errorf("%s: expected out_for_delivery, got %s", id, got)
		}
	}
	if got := orderStatus(t, store, "o4"); got != StatusDelivered {
		t.Errorf("delivered order must be left alone, got %s", got)
	}

	if err := store.SetDeliveryState(ctx, ids, false); err != nil {
		t.Fatal(err)
	}
	want := map[string]Status{
		"o1": StatusConfirmed,
		"o2": StatusAwaitingConfirmation,
		"o3": StatusPending,
		"o4": StatusDelivered,
	}
	for id, w := range want {
		if got := orderStatus(t, store, id); got != w {
			t.Errorf("%s: expected %s after leaving delivery, got %s", id, w, got)
		}
	}
}

func TestStore_RestoreStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	paid := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	receipt := "https://storage.example.com/receipts/r3.jpg"
	insertOrder(t, store, "o1", StatusDelivered, &paid, nil)
	insertOrder(t, store, "o2", StatusDelivered, nil, &receipt)
	insertOrder(t, store, "o3", StatusDelivered, nil, nil)
	insertOrder(t, store, "o4", StatusConfirmed, &paid, nil)

	want := map[string]Status{
		"o1": StatusConfirmed,
		"o2": StatusAwaitingConfirmation,
		"o3": StatusPending,
	}
	for id, w := range want {
		if err := store.RestoreStatus(ctx, types.ID(id)); err != nil {
			t.Fatalf("restore %s: %v", id, err)
		}
		if got := orderStatus(t, store, id); got != w {
			t.Errorf("%s: expected %s, got %s", id, w, got)
		}
	}

	// Only delivered orders can be restored.
	if err := store.RestoreStatus(ctx, "o4"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for non-delivered order, got %v", err)
	}
	if err := store.RestoreStatus(ctx, "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for unknown order, got %v", err)
	}
}

func TestStore_SetDelivered(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	insertOrder(t, store, "o1", StatusOutForDelivery, nil, nil)
	if err := store.SetDelivered(ctx, "o1"); err != nil {
		t.Fatal(err)
	}
	if got := orderStatus(t, store, "o1"); got != StatusDelivered {
		t.Errorf("expected delivered, got %s", got)
	}
	if err := store.SetDelivered(ctx, "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func applyMigration(ctx context.Context, db *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	content, err := os.ReadFile(filepath.Join(root, "migrations", "0001_init.sql"))
	if err != nil {
		return err
	}
	for _, stmt := range splitSQL(stripSQLComments(string(content))) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func stripSQLComments(input string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func splitSQL(input string) []string {
	var out []string
	for _, stmt := range strings.Split(input, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}
