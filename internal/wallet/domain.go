// Package wallet tracks owner balances and the withdrawal flow. Balances are
// credited by escrow settlement and debited by withdrawal requests; every
// mutation commits in the same transaction as the record justifying it.
package wallet

import (
	"errors"
	"time"

	"hostelpay/internal/common/money"
)

// Balance is an owner's non-negative monetary accumulator.
type Balance struct {
	OwnerID   string      `json:"owner_id"`
	Amount    money.Money `json:"amount"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// WithdrawalStatus represents the lifecycle state of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalProcessed WithdrawalStatus = "processed"
	WithdrawalRejected  WithdrawalStatus = "rejected"
)

// WithdrawalRequest reserves balance for an external payout. The balance is
// decremented when the request is created, not when the payout confirms, so
// concurrent requests can never overdraw.
type WithdrawalRequest struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`

	Amount money.Money `json:"amount"`
	// Commission is zero under current policy; the field stays so a future
	// fee shows up in the audit trail rather than in arithmetic scattered
	// through callers.
	Commission money.Money `json:"commission"`
	NetAmount  money.Money `json:"net_amount"`

	PaymentMethod string           `json:"payment_method"`
	Status        WithdrawalStatus `json:"status"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// NewWithdrawalRequest creates a pending withdrawal reserving the full
// amount.
func NewWithdrawalRequest(id, ownerID string, amount money.Money, paymentMethod string) (*WithdrawalRequest, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if ownerID == "" {
		return nil, errors.New("owner_id is required")
	}
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}
	if paymentMethod == "" {
		return nil, errors.New("payment_method is required")
	}

	return &WithdrawalRequest{
		ID:            id,
		OwnerID:       ownerID,
		Amount:        amount,
		Commission:    money.Zero(amount.Currency),
		NetAmount:     amount,
		PaymentMethod: paymentMethod,
		Status:        WithdrawalPending,
		CreatedAt:     time.Now().UTC(),
	}, nil
}
