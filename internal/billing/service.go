package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"hostelpay/internal/common/apperr"
	"hostelpay/internal/common/events"
	"hostelpay/internal/common/money"
	"hostelpay/internal/notify"
	"hostelpay/internal/payment"
)

// BookingWithLastInvoice pairs a billable booking with its latest invoice
// timestamp, which drives the cycle computation.
type BookingWithLastInvoice struct {
	Booking       *RentalBooking
	LastInvoiceAt *time.Time
}

// Store persists bookings, invoices and rent ledgers.
type Store interface {
	CreateBooking(ctx context.Context, b *RentalBooking) error
	GetBooking(ctx context.Context, id string) (*RentalBooking, error)
	// ListBillable returns bookings still inside their tenancy window, each
	// with its latest invoice timestamp.
	ListBillable(ctx context.Context, now time.Time) ([]*BookingWithLastInvoice, error)

	// CreateInvoice inserts an invoice keyed on (booking, cycle start). It
	// reports false without writing when that cycle is already invoiced, so
	// racing generation runs cannot duplicate.
	CreateInvoice(ctx context.Context, inv *Invoice) (bool, error)
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	// MarkInvoicePaid flips a pending invoice to paid, reporting false when
	// it was already paid.
	MarkInvoicePaid(ctx context.Context, id string) (bool, error)
	SetInvoicePaymentID(ctx context.Context, id, paymentID string) error
	ListInvoices(ctx context.Context, bookingID string, limit, offset int) ([]*Invoice, int64, error)

	CreateRentStatus(ctx context.Context, rs *RentStatus) error
	GetRentStatus(ctx context.Context, id string) (*RentStatus, error)
	// MarkOverdue transitions Due ledgers past their due date to Overdue and
	// returns the transitioned rows, each at most once.
	MarkOverdue(ctx context.Context, now time.Time, limit int) ([]*RentStatus, error)
	// RecordRentPayment appends the payment and flips the ledger to Paid in
	// one transaction.
	RecordRentPayment(ctx context.Context, rp *RentPayment) (*RentStatus, error)
}

// Payments initiates gateway payments.
type Payments interface {
	Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.Payment, error)
}

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Service runs billing: invoice generation, overdue detection and rent
// payments.
type Service struct {
	store     Store
	payments  Payments
	publisher Publisher
	notifier  notify.Notifier
	logger    *slog.Logger
}

// NewService creates a new billing service.
func NewService(store Store, payments Payments, publisher Publisher, notifier notify.Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		payments:  payments,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
	}
}

var _ payment.Activator = (*Service)(nil)

// CreateBookingRequest registers a booking for recurring billing.
type CreateBookingRequest struct {
	RoomID        string
	TenantID      string
	TenantPhone   string
	LandlordID    string
	LandlordPhone string
	Cycle         Cycle
	Rent          money.Money
	StartDate     time.Time
	EndDate       time.Time
}

// CreateBooking registers a rental booking and opens its rent ledger.
func (s *Service) CreateBooking(ctx context.Context, req CreateBookingRequest) (*RentalBooking, error) {
	b, err := NewRentalBooking(
		ulid.Make().String(),
		req.RoomID,
		req.TenantID, req.TenantPhone,
		req.LandlordID, req.LandlordPhone,
		req.Cycle, req.Rent, req.StartDate, req.EndDate,
	)
	if err != nil {
		return nil, fmt.Errorf("creating booking: %w", err)
	}

	if err := s.store.CreateBooking(ctx, b); err != nil {
		return nil, fmt.Errorf("storing booking: %w", err)
	}

	rs := &RentStatus{
		ID:            ulid.Make().String(),
		BookingID:     b.ID,
		HostelID:      b.RoomID,
		TenantID:      b.TenantID,
		TenantPhone:   b.TenantPhone,
		LandlordID:    b.LandlordID,
		LandlordPhone: b.LandlordPhone,
		RentAmount:    b.Rent,
		PaymentStatus: RentDue,
		NextDueDate:   DueDateFor(b.StartDate),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateRentStatus(ctx, rs); err != nil {
		return nil, fmt.Errorf("opening rent ledger: %w", err)
	}

	s.logger.Info("rental booking registered",
		"booking_id", b.ID,
		"cycle", b.Cycle,
		"rent", b.Rent.AmountMinor,
	)

	return b, nil
}

// GetBooking retrieves a rental booking.
func (s *Service) GetBooking(ctx context.Context, id string) (*RentalBooking, error) {
	b, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return nil, apperr.NotFound("booking %s", id)
	}
	return b, nil
}

// GenerateInvoices creates one invoice for every booking whose cycle has
// elapsed since its last invoice. The cycle is recomputed from the latest
// invoice each run, so running twice on the same day generates nothing new.
func (s *Service) GenerateInvoices(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	billable, err := s.store.ListBillable(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("listing billable bookings: %w", err)
	}

	var generated int
	for _, item := range billable {
		b := item.Booking
		if !b.ShouldGenerate(item.LastInvoiceAt, now) {
			continue
		}

		inv := &Invoice{
			ID:         ulid.Make().String(),
			BookingID:  b.ID,
			TenantID:   b.TenantID,
			Amount:     b.Rent,
			DueDate:    DueDateFor(now),
			Status:     InvoicePending,
			CycleStart: b.NextCycleStart(item.LastInvoiceAt),
			CreatedAt:  now,
		}

		created, err := s.store.CreateInvoice(ctx, inv)
		if err != nil {
			s.logger.Error("failed to create invoice", "booking_id", b.ID, "error", err)
			continue
		}
		if !created {
			// Another run already invoiced this cycle.
			continue
		}

		generated++
		s.logger.Info("invoice generated",
			"invoice_id", inv.ID,
			"booking_id", b.ID,
			"amount", inv.Amount.AmountMinor,
			"due_date", inv.DueDate.Format("2006-01-02"),
		)

		s.publish(ctx, events.EventInvoiceGenerated, inv.ID, events.InvoiceGeneratedData{
			InvoiceID:   inv.ID,
			BookingID:   b.ID,
			AmountMinor: inv.Amount.AmountMinor,
			DueDate:     inv.DueDate,
		})

		if s.notifier != nil {
			s.notifier.SendSMS(ctx, b.TenantPhone, fmt.Sprintf(
				"Your rent invoice of %s is ready, due %s.", inv.Amount, inv.DueDate.Format("2 Jan 2006"),
			))
		}
	}

	return generated, nil
}

// MarkOverdue flags Due rent ledgers past their due date. Each transition
// notifies the tenant and the landlord exactly once; a ledger already
// Overdue is not re-flagged the next day.
func (s *Service) MarkOverdue(ctx context.Context, limit int) (int, error) {
	overdue, err := s.store.MarkOverdue(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("marking overdue: %w", err)
	}

	for _, rs := range overdue {
		s.logger.Info("rent overdue",
			"rent_status_id", rs.ID,
			"booking_id", rs.BookingID,
			"amount", rs.RentAmount.AmountMinor,
		)

		s.publish(ctx, events.EventRentOverdue, rs.ID, events.RentOverdueData{
			RentStatusID: rs.ID,
			TenantID:     rs.TenantID,
			HostelID:     rs.HostelID,
			AmountMinor:  rs.RentAmount.AmountMinor,
			DueDate:      rs.NextDueDate,
		})

		if s.notifier != nil {
			s.notifier.SendSMS(ctx, rs.TenantPhone, fmt.Sprintf(
				"Your rent of %s is overdue. Please settle it as soon as possible.", rs.RentAmount,
			))
			s.notifier.SendSMS(ctx, rs.LandlordPhone, fmt.Sprintf(
				"Rent of %s for hostel %s is overdue.", rs.RentAmount, rs.HostelID,
			))
		}
	}

	return len(overdue), nil
}

// GetInvoice retrieves an invoice.
func (s *Service) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, apperr.NotFound("invoice %s", id)
	}
	return inv, nil
}

// ListInvoices lists a booking's invoices.
func (s *Service) ListInvoices(ctx context.Context, bookingID string, limit, offset int) ([]*Invoice, int64, error) {
	return s.store.ListInvoices(ctx, bookingID, limit, offset)
}

// PayInvoice initiates a gateway payment for a pending invoice.
func (s *Service) PayInvoice(ctx context.Context, invoiceID, phone string) (*payment.Payment, error) {
	inv, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, apperr.NotFound("invoice %s", invoiceID)
	}
	if inv.Status != InvoicePending {
		return nil, apperr.InvalidState("invoice %s is already %s", invoiceID, inv.Status)
	}

	p, err := s.payments.Initiate(ctx, payment.InitiateRequest{
		Amount:    inv.Amount,
		Phone:     phone,
		Purpose:   payment.PurposeInvoice,
		PurposeID: inv.ID,
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.SetInvoicePaymentID(ctx, inv.ID, p.ID); err != nil {
		return nil, fmt.Errorf("linking payment: %w", err)
	}

	return p, nil
}

// PaymentCompleted marks the invoice paid. Duplicate completions find the
// invoice already paid and do nothing.
func (s *Service) PaymentCompleted(ctx context.Context, invoiceID string) error {
	inv, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return fmt.Errorf("loading invoice %s: %w", invoiceID, err)
	}

	marked, err := s.store.MarkInvoicePaid(ctx, invoiceID)
	if err != nil {
		return fmt.Errorf("marking invoice %s paid: %w", invoiceID, err)
	}
	if !marked {
		s.logger.Info("invoice already paid, completion skipped", "invoice_id", invoiceID)
		return nil
	}

	s.logger.Info("invoice paid", "invoice_id", invoiceID, "booking_id", inv.BookingID)
	s.publish(ctx, events.EventInvoicePaid, invoiceID, map[string]string{
		"invoice_id": invoiceID,
		"booking_id": inv.BookingID,
	})

	return nil
}

// PaymentFailed leaves the invoice pending; the next generation run or a
// manual retry produces a fresh payment attempt.
func (s *Service) PaymentFailed(ctx context.Context, invoiceID string) error {
	s.logger.Info("invoice payment failed, invoice stays pending", "invoice_id", invoiceID)
	return nil
}

// RecordRentPayment appends a rent payment and flips the ledger to Paid.
func (s *Service) RecordRentPayment(ctx context.Context, rentStatusID string, amount money.Money, method string) (*RentStatus, error) {
	rp := &RentPayment{
		ID:           ulid.Make().String(),
		RentStatusID: rentStatusID,
		Amount:       amount,
		Method:       method,
		PaidAt:       time.Now().UTC(),
	}

	rs, err := s.store.RecordRentPayment(ctx, rp)
	if err != nil {
		return nil, err
	}

	s.logger.Info("rent payment recorded",
		"rent_status_id", rentStatusID,
		"amount", amount.AmountMinor,
	)

	s.publish(ctx, events.EventRentPaid, rentStatusID, map[string]interface{}{
		"rent_status_id": rentStatusID,
		"amount_minor":   amount.AmountMinor,
	})

	return rs, nil
}

// GetRentStatus retrieves a rent ledger.
func (s *Service) GetRentStatus(ctx context.Context, id string) (*RentStatus, error) {
	rs, err := s.store.GetRentStatus(ctx, id)
	if err != nil {
		return nil, apperr.NotFound("rent status %s", id)
	}
	return rs, nil
}

func (s *Service) publish(ctx context.Context, eventType, aggregateID string, data interface{}) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(eventType, "billing", aggregateID, data)
	if err != nil {
		s.logger.Error("failed to create event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event", "type", eventType, "error", err)
	}
}
