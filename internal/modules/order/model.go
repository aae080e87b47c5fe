// README: Order status definitions for the delivery engine's collaborator view.
package order

import (
	"errors"
	"time"

	"entrega/internal/types"
)

var ErrNotFound = errors.New("order not found")

type Status string

const (
	StatusPending              Status = "pending"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusConfirmed            Status = "confirmed"
	StatusOutForDelivery       Status = "out_for_delivery"
	StatusDelivered            Status = "delivered"
)

// Order is the slice of an order record the delivery engine reads and writes.
// The rest of the back office owns the full aggregate.
type Order struct {
	ID               types.ID
	BatchID          types.ID
	Status           Status
	Total            types.Money
	PaidAt           *time.Time
	ReceiptURL       *string
	EstimatedArrival *time.Time
	CreatedAt        time.Time
}

// RestoredStatus is the deterministic rule applied when a delivery is undone
// or sharing stops: a payment confirmation wins, a receipt on file means the
// payment still needs review, anything else goes back to pending.
func RestoredStatus(paidAt *time.Time, receiptURL *string) Status {
	switch {
	case paidAt != nil:
		return StatusConfirmed
	case receiptURL != nil && *receiptURL != "":
		return StatusAwaitingConfirmation
	default:
		return StatusPending
	}
}
