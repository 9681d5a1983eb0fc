package escrow

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

// Store persists bookings and commission records.
type Store interface {
	Create(ctx context.Context, b *ServiceBooking) error
	Get(ctx context.Context, id string) (*ServiceBooking, error)
	SetPaymentID(ctx context.Context, id, paymentID string) error

	// MarkPaid records the tenant's completed payment, reporting false when
	// the booking was already paid or cancelled.
	MarkPaid(ctx context.Context, id string) (bool, error)
	// MarkPaymentFailed cancels a pending booking whose payment failed.
	MarkPaymentFailed(ctx context.Context, id string) (bool, error)

	// Confirm applies one party's confirmation under a row lock. When the
	// confirmation completes the pair, the same transaction settles the
	// booking: status, release, commission record and provider credit commit
	// together or not at all.
	Confirm(ctx context.Context, id string, role Role, commissionBps int64) (*ConfirmResult, error)

	// Cancel cancels a booking, permitted from pending only.
	Cancel(ctx context.Context, id string) (bool, error)

	GetCommission(ctx context.Context, bookingID string) (*CommissionRecord, error)
	List(ctx context.Context, limit, offset int) ([]*ServiceBooking, int64, error)
}

// ConfirmResult reports what a confirmation did.
type ConfirmResult struct {
	Booking *ServiceBooking
	// Changed is false when the party had already confirmed their side.
	Changed bool
	// Settled is true only on the confirmation that completed the pair.
	Settled    bool
	Commission *CommissionRecord
}

// Payments initiates gateway payments.
type Payments interface {
	Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.Payment, error)
}

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Config holds escrow settings.
type Config struct {
	// CommissionBps is the marketplace commission in basis points.
	CommissionBps int64 `envconfig:"ESCROW_COMMISSION_BPS" default:"1000"`
}

// Service runs the escrow settlement protocol.
type Service struct {
	store     Store
	payments  Payments
	publisher Publisher
	notifier  notify.Notifier
	logger    *slog.Logger
	cfg       Config
}

// NewService creates a new escrow service.
func NewService(store Store, payments Payments, publisher Publisher, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		payments:  payments,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
		cfg:       cfg,
	}
}

var _ payment.Activator = (*Service)(nil)

// CreateRequest is a request to book a service.
type CreateRequest struct {
	ServiceID     string
	ServiceName   string
	TenantID      string
	TenantPhone   string
	ProviderID    string
	ProviderPhone string
	BookingTime   time.Time
	Amount        money.Money
}

// CreateResult pairs the booking with the payment prompt pushed to the
// tenant.
type CreateResult struct {
	Booking *ServiceBooking  `json:"booking"`
	Payment *payment.Payment `json:"payment"`
}

// Create persists a pending booking and initiates the tenant's payment into
// escrow. Both parties are notified best-effort.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	b, err := NewServiceBooking(
		ulid.Make().String(),
		req.ServiceID, req.ServiceName,
		req.TenantID, req.TenantPhone,
		req.ProviderID, req.ProviderPhone,
		req.BookingTime, req.Amount,
	)
	if err != nil {
		return nil, fmt.Errorf("creating booking: %w", err)
	}

	if err := s.store.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("storing booking: %w", err)
	}

	p, err := s.payments.Initiate(ctx, payment.InitiateRequest{
		Amount:    req.Amount,
		Phone:     req.TenantPhone,
		Purpose:   payment.PurposeServiceBooking,
		PurposeID: b.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("initiating payment: %w", err)
	}

	if err := s.store.SetPaymentID(ctx, b.ID, p.ID); err != nil {
		return nil, fmt.Errorf("linking payment: %w", err)
	}
	b.PaymentID = p.ID

	if s.notifier != nil {
		s.notifier.SendWhatsApp(ctx, b.TenantPhone, fmt.Sprintf(
			"Your booking for %s on %s is in. Complete the payment prompt on your phone.",
			b.ServiceName, b.BookingTime.Format("2 Jan 2006"),
		))
		s.notifier.SendWhatsApp(ctx, b.ProviderPhone, fmt.Sprintf(
			"New booking for %s on %s.", b.ServiceName, b.BookingTime.Format("2 Jan 2006"),
		))
	}

	s.logger.Info("booking created",
		"booking_id", b.ID,
		"service_id", b.ServiceID,
		"tenant_id", b.TenantID,
		"provider_id", b.ProviderID,
		"payment_id", p.ID,
	)

	return &CreateResult{Booking: b, Payment: p}, nil
}

// Get retrieves a booking by ID.
func (s *Service) Get(ctx context.Context, id string) (*ServiceBooking, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, apperr.NotFound("booking %s", id)
	}
	return b, nil
}

// List lists bookings.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*ServiceBooking, int64, error) {
	return s.store.List(ctx, limit, offset)
}

// GetCommission retrieves the commission record for a settled booking.
func (s *Service) GetCommission(ctx context.Context, bookingID string) (*CommissionRecord, error) {
	rec, err := s.store.GetCommission(ctx, bookingID)
	if err != nil {
		return nil, apperr.NotFound("commission record for booking %s", bookingID)
	}
	return rec, nil
}

// Confirm records one party's completion confirmation. The actor must be the
// booking's tenant or assigned provider for the claimed role. When the second
// side arrives the booking settles: commission is deducted, the provider's
// balance credited, and both parties notified.
func (s *Service) Confirm(ctx context.Context, bookingID, actorID string, role Role) (*ConfirmResult, error) {
	if !role.IsValid() {
		return nil, apperr.InvalidState("unknown role %q", role)
	}

	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, apperr.NotFound("booking %s", bookingID)
	}
	if b.ActorFor(role) != actorID {
		return nil, apperr.Unauthorized("actor %s is not the %s of booking %s", actorID, role, bookingID)
	}

	result, err := s.store.Confirm(ctx, bookingID, role, s.cfg.CommissionBps)
	if err != nil {
		return nil, err
	}

	if !result.Changed {
		s.logger.Info("repeat confirmation ignored", "booking_id", bookingID, "role", role)
		return result, nil
	}

	s.publish(ctx, events.EventBookingConfirmed, bookingID, map[string]string{
		"booking_id": bookingID,
		"role":       string(role),
		"status":     string(result.Booking.ConfirmationStatus),
	})

	if !result.Settled {
		s.logger.Info("confirmation recorded, waiting for other party",
			"booking_id", bookingID,
			"role", role,
			"confirmation_status", result.Booking.ConfirmationStatus,
		)
		return result, nil
	}

	rec := result.Commission
	s.logger.Info("booking settled",
		"booking_id", bookingID,
		"provider_id", rec.ProviderID,
		"amount", rec.AmountPaid.AmountMinor,
		"commission", rec.CommissionAmount.AmountMinor,
		"net", rec.NetAmount.AmountMinor,
	)

	s.publish(ctx, events.EventBookingSettled, bookingID, events.BookingSettledData{
		BookingID:        bookingID,
		ProviderID:       rec.ProviderID,
		AmountPaidMinor:  rec.AmountPaid.AmountMinor,
		CommissionMinor:  rec.CommissionAmount.AmountMinor,
		NetAmountMinor:   rec.NetAmount.AmountMinor,
		CommissionRecord: rec.ID,
	})

	// Notification happens after the settlement transaction committed; a
	// failed send never rolls back the ledger.
	if s.notifier != nil {
		s.notifier.SendWhatsApp(ctx, result.Booking.TenantPhone, fmt.Sprintf(
			"Service %s is complete. Funds have been released to the provider.", result.Booking.ServiceName,
		))
		s.notifier.SendWhatsApp(ctx, result.Booking.ProviderPhone, fmt.Sprintf(
			"Funds for %s have been released: %s credited to your balance.",
			result.Booking.ServiceName, rec.NetAmount,
		))
	}

	return result, nil
}

// Cancel cancels a pending booking. Settlement in progress cannot be
// cancelled, and balances are never touched.
func (s *Service) Cancel(ctx context.Context, bookingID string) error {
	cancelled, err := s.store.Cancel(ctx, bookingID)
	if err != nil {
		return err
	}
	if !cancelled {
		return apperr.InvalidState("booking %s is not pending", bookingID)
	}

	s.logger.Info("booking cancelled", "booking_id", bookingID)
	s.publish(ctx, events.EventBookingCancelled, bookingID, map[string]string{"booking_id": bookingID})
	return nil
}

// PaymentCompleted records the tenant's escrow payment.
func (s *Service) PaymentCompleted(ctx context.Context, bookingID string) error {
	marked, err := s.store.MarkPaid(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("marking booking %s paid: %w", bookingID, err)
	}
	if !marked {
		return nil
	}

	s.logger.Info("booking payment received", "booking_id", bookingID)
	return nil
}

// PaymentFailed cancels the booking whose escrow payment failed.
func (s *Service) PaymentFailed(ctx context.Context, bookingID string) error {
	cancelled, err := s.store.MarkPaymentFailed(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("cancelling booking %s: %w", bookingID, err)
	}
	if cancelled {
		s.logger.Info("booking cancelled after failed payment", "booking_id", bookingID)
		s.publish(ctx, events.EventBookingCancelled, bookingID, map[string]string{"booking_id": bookingID})
	}
	return nil
}

func (s *Service) publish(ctx context.Context, eventType, aggregateID string, data interface{}) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(eventType, "booking", aggregateID, data)
	if err != nil {
		s.logger.Error("failed to create event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event", "type", eventType, "error", err)
	}
}
