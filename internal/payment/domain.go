// Package payment implements payment initiation against the mobile-money
// gateway and reconciliation of its asynchronous callbacks. Every callback is
// matched to at most one ledger row and applied idempotently, whatever the
// delivery count or order.
package payment

import (
	"encoding/json"
	"errors"
	"time"

	"hostelpay/internal/common/money"
)

// Status represents the lifecycle state of a payment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValidTransition checks if a status transition is allowed. Transitions are
// pending to completed or pending to failed, never backward, never repeated.
func IsValidTransition(from, to Status) bool {
	if from != StatusPending {
		return false
	}
	return to == StatusCompleted || to == StatusFailed
}

// Purpose identifies the entity a payment settles.
type Purpose string

const (
	PurposeInvoice         Purpose = "invoice"
	PurposeServiceBooking  Purpose = "service_booking"
	PurposeSubscription    Purpose = "subscription"
	PurposeSmsBundle       Purpose = "sms_bundle"
	PurposeVisibilityBoost Purpose = "visibility_boost"
)

// ValidPurposes lists every purpose a payment may reference.
var ValidPurposes = []Purpose{
	PurposeInvoice,
	PurposeServiceBooking,
	PurposeSubscription,
	PurposeSmsBundle,
	PurposeVisibilityBoost,
}

// IsValid reports whether p is a known purpose.
func (p Purpose) IsValid() bool {
	for _, v := range ValidPurposes {
		if p == v {
			return true
		}
	}
	return false
}

// Payment is the ledger record of a single gateway payment. Created by
// initiation, mutated only by reconciliation, never deleted.
type Payment struct {
	ID     string      `json:"id"`
	Amount money.Money `json:"amount"`
	Phone  string      `json:"phone"`

	// TransactionID is the gateway-assigned receipt number, unique once set.
	TransactionID string `json:"transaction_id,omitempty"`

	// MerchantRequestID and CheckoutRequestID identify the STK push session.
	MerchantRequestID string `json:"merchant_request_id,omitempty"`
	CheckoutRequestID string `json:"checkout_request_id,omitempty"`

	Status Status `json:"status"`

	// Exactly one purpose reference.
	Purpose   Purpose `json:"purpose"`
	PurposeID string  `json:"purpose_id"`

	ResultCode *int   `json:"result_code,omitempty"`
	ResultDesc string `json:"result_desc,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewPayment creates a pending payment against a purpose entity.
func NewPayment(id string, amount money.Money, phone string, purpose Purpose, purposeID string) (*Payment, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}
	if phone == "" {
		return nil, errors.New("phone is required")
	}
	if !purpose.IsValid() {
		return nil, errors.New("unknown purpose")
	}
	if purposeID == "" {
		return nil, errors.New("purpose_id is required")
	}

	now := time.Now().UTC()
	return &Payment{
		ID:        id,
		Amount:    amount,
		Phone:     phone,
		Status:    StatusPending,
		Purpose:   purpose,
		PurposeID: purposeID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// CallbackSource distinguishes the two gateway notification styles.
type CallbackSource string

const (
	SourceSTK CallbackSource = "stk"
	SourceC2B CallbackSource = "c2b"
)

// Callback is a normalized gateway notification. Either notification style
// maps onto this shape before reconciliation; whichever identifiers the
// gateway echoed are populated, the rest stay empty.
type Callback struct {
	TransactionID     string
	CheckoutRequestID string
	BillReference     string
	AmountMinor       int64
	PayerContact      string
	ResultCode        int
	ResultDesc        string
	Source            CallbackSource
	Raw               json.RawMessage
}

// UnmatchedCallback preserves a callback that could not be attributed to
// exactly one payment. Funds information is never dropped; these rows feed
// manual reconciliation.
type UnmatchedCallback struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id,omitempty"`
	BillReference string          `json:"bill_reference,omitempty"`
	AmountMinor   int64           `json:"amount_minor"`
	PayerContact  string          `json:"payer_contact,omitempty"`
	Source        CallbackSource  `json:"source"`
	Reason        string          `json:"reason"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Reviewed      bool            `json:"reviewed"`
	ReceivedAt    time.Time       `json:"received_at"`
}
