// Package billing generates recurring rent invoices and tracks rent status.
// Its jobs are idempotent: re-running invoice generation on the same day
// creates nothing new, and an overdue transition notifies exactly once.
package billing

import (
	"errors"
	"time"

	"hostelpay/internal/common/money"
)

// Cycle is a rental booking's billing cycle.
type Cycle string

const (
	CycleMonthly  Cycle = "monthly"
	CycleSemester Cycle = "semester"
)

// IsValid reports whether c is a known cycle.
func (c Cycle) IsValid() bool {
	return c == CycleMonthly || c == CycleSemester
}

// Interval returns the cycle length. A semester spans four months.
func (c Cycle) Interval() (months int) {
	if c == CycleSemester {
		return 4
	}
	return 1
}

// RentalBooking is an active room booking the scheduler bills against.
// Contact details for both sides are denormalized here so notifications need
// no user lookup.
type RentalBooking struct {
	ID     string `json:"id"`
	RoomID string `json:"room_id"`

	TenantID      string `json:"tenant_id"`
	TenantPhone   string `json:"tenant_phone"`
	LandlordID    string `json:"landlord_id"`
	LandlordPhone string `json:"landlord_phone"`

	Cycle Cycle `json:"cycle"`
	// Rent is the amount per cycle interval.
	Rent money.Money `json:"rent"`

	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRentalBooking creates a booking eligible for invoice generation.
func NewRentalBooking(id, roomID, tenantID, tenantPhone, landlordID, landlordPhone string, cycle Cycle, rent money.Money, start, end time.Time) (*RentalBooking, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if roomID == "" {
		return nil, errors.New("room_id is required")
	}
	if tenantID == "" || tenantPhone == "" {
		return nil, errors.New("tenant identity is required")
	}
	if landlordID == "" || landlordPhone == "" {
		return nil, errors.New("landlord identity is required")
	}
	if !cycle.IsValid() {
		return nil, errors.New("unknown billing cycle")
	}
	if !rent.IsPositive() {
		return nil, errors.New("rent must be positive")
	}
	if !end.After(start) {
		return nil, errors.New("end date must follow start date")
	}

	return &RentalBooking{
		ID:            id,
		RoomID:        roomID,
		TenantID:      tenantID,
		TenantPhone:   tenantPhone,
		LandlordID:    landlordID,
		LandlordPhone: landlordPhone,
		Cycle:         cycle,
		Rent:          rent,
		StartDate:     start,
		EndDate:       end,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// NextCycleStart computes when the next invoice cycle opens, measured from
// the latest invoice, or from the booking start when none exists yet.
func (b *RentalBooking) NextCycleStart(lastInvoiceAt *time.Time) time.Time {
	if lastInvoiceAt == nil {
		return b.StartDate
	}
	return lastInvoiceAt.AddDate(0, b.Cycle.Interval(), 0)
}

// ShouldGenerate reports whether a new invoice is due at the given instant.
// The decision is recomputed from the latest invoice each run, never cached,
// so re-running the job is idempotent.
func (b *RentalBooking) ShouldGenerate(lastInvoiceAt *time.Time, now time.Time) bool {
	return !now.Before(b.NextCycleStart(lastInvoiceAt))
}

// DueDateFor returns the 5th of the month following the given instant.
func DueDateFor(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month()+1, 5, 0, 0, 0, 0, time.UTC)
}

// InvoiceStatus represents an invoice's payment state.
type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "pending"
	InvoicePaid    InvoiceStatus = "paid"
)

// Invoice is a rent demand for one billing cycle. Created by the scheduler
// or manually; flipped to paid only by a completed payment referencing it.
type Invoice struct {
	ID        string `json:"id"`
	BookingID string `json:"booking_id"`
	TenantID  string `json:"tenant_id"`

	Amount  money.Money   `json:"amount"`
	DueDate time.Time     `json:"due_date"`
	Status  InvoiceStatus `json:"status"`

	// CycleStart identifies the cycle window this invoice covers; one
	// invoice per (booking, cycle start).
	CycleStart time.Time `json:"cycle_start"`

	PaymentID string     `json:"payment_id,omitempty"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// RentPaymentStatus is a rent ledger's current state.
type RentPaymentStatus string

const (
	RentDue     RentPaymentStatus = "Due"
	RentPaid    RentPaymentStatus = "Paid"
	RentOverdue RentPaymentStatus = "Overdue"
)

// RentStatus tracks a tenancy's current rent position.
type RentStatus struct {
	ID        string `json:"id"`
	BookingID string `json:"booking_id"`
	HostelID  string `json:"hostel_id"`

	TenantID      string `json:"tenant_id"`
	TenantPhone   string `json:"tenant_phone"`
	LandlordID    string `json:"landlord_id"`
	LandlordPhone string `json:"landlord_phone"`

	RentAmount    money.Money       `json:"rent_amount"`
	PaymentStatus RentPaymentStatus `json:"payment_status"`
	NextDueDate   time.Time         `json:"next_due_date"`

	LastPaymentDate *time.Time `json:"last_payment_date,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// RentPayment is an append-only record of a rent settlement.
type RentPayment struct {
	ID           string      `json:"id"`
	RentStatusID string      `json:"rent_status_id"`
	Amount       money.Money `json:"amount"`
	Method       string      `json:"method,omitempty"`
	PaidAt       time.Time   `json:"paid_at"`
}
