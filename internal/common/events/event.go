package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds a correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
	PublishBatch(ctx context.Context, events []*Event) error
}

// EventHandler handles incoming events
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
	EventTypes() []string
}

// Common event types
const (
	// Payment events
	EventPaymentInitiated = "payment.initiated"
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
	EventPaymentUnmatched = "payment.unmatched"

	// Escrow events
	EventBookingConfirmed = "escrow.booking.confirmed"
	EventBookingSettled   = "escrow.booking.settled"
	EventBookingCancelled = "escrow.booking.cancelled"

	// Entitlement events
	EventEntitlementActivated = "entitlement.activated"
	EventEntitlementCancelled = "entitlement.cancelled"
	EventEntitlementExpired   = "entitlement.expired"

	// Billing events
	EventInvoiceGenerated = "billing.invoice.generated"
	EventInvoicePaid      = "billing.invoice.paid"
	EventRentOverdue      = "billing.rent.overdue"
	EventRentPaid         = "billing.rent.paid"

	// Wallet events
	EventWithdrawalRequested = "wallet.withdrawal.requested"
)

// Event data structures

// PaymentCompletedData is the data for payment.completed events
type PaymentCompletedData struct {
	PaymentID     string    `json:"payment_id"`
	TransactionID string    `json:"transaction_id"`
	AmountMinor   int64     `json:"amount_minor"`
	Currency      string    `json:"currency"`
	Purpose       string    `json:"purpose"`
	PurposeID     string    `json:"purpose_id"`
	CompletedAt   time.Time `json:"completed_at"`
}

// PaymentUnmatchedData is the data for payment.unmatched events
type PaymentUnmatchedData struct {
	TransactionID string `json:"transaction_id"`
	BillReference string `json:"bill_reference,omitempty"`
	AmountMinor   int64  `json:"amount_minor"`
	PayerContact  string `json:"payer_contact,omitempty"`
}

// BookingSettledData is the data for escrow.booking.settled events
type BookingSettledData struct {
	BookingID        string `json:"booking_id"`
	ProviderID       string `json:"provider_id"`
	AmountPaidMinor  int64  `json:"amount_paid_minor"`
	CommissionMinor  int64  `json:"commission_minor"`
	NetAmountMinor   int64  `json:"net_amount_minor"`
	CommissionRecord string `json:"commission_record_id"`
}

// EntitlementActivatedData is the data for entitlement.activated events
type EntitlementActivatedData struct {
	EntitlementID string     `json:"entitlement_id"`
	Kind          string     `json:"kind"`
	OwnerID       string     `json:"owner_id"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Credits       int        `json:"credits,omitempty"`
}

// InvoiceGeneratedData is the data for billing.invoice.generated events
type InvoiceGeneratedData struct {
	InvoiceID   string    `json:"invoice_id"`
	BookingID   string    `json:"booking_id"`
	AmountMinor int64     `json:"amount_minor"`
	DueDate     time.Time `json:"due_date"`
}

// RentOverdueData is the data for billing.rent.overdue events
type RentOverdueData struct {
	RentStatusID string    `json:"rent_status_id"`
	TenantID     string    `json:"tenant_id"`
	HostelID     string    `json:"hostel_id"`
	AmountMinor  int64     `json:"amount_minor"`
	DueDate      time.Time `json:"due_date"`
}

// WithdrawalRequestedData is the data for wallet.withdrawal.requested events
type WithdrawalRequestedData struct {
	WithdrawalID string `json:"withdrawal_id"`
	OwnerID      string `json:"owner_id"`
	AmountMinor  int64  `json:"amount_minor"`
	NetMinor     int64  `json:"net_minor"`
}
