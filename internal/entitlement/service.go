package entitlement

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

// Store persists entitlements.
type Store interface {
	Create(ctx context.Context, e *Entitlement) error
	Get(ctx context.Context, id string) (*Entitlement, error)
	SetPaymentID(ctx context.Context, id, paymentID string) error

	// Activate transitions pending_payment to active under a row lock,
	// stamping the expiry and initial credit balance. It reports false when
	// the entitlement was not pending, in which case nothing was written.
	Activate(ctx context.Context, id string, activatedAt, expiresAt time.Time, credits int) (bool, error)
	// Cancel transitions a non-terminal entitlement to cancelled, reporting
	// false when it was already terminal.
	Cancel(ctx context.Context, id string) (bool, error)

	// ConsumeCredit atomically decrements one credit from the owner's active,
	// unexpired bundle with the soonest expiry. It reports false when no such
	// bundle has credit left.
	ConsumeCredit(ctx context.Context, ownerID string) (bool, error)

	// ExpireDue transitions active entitlements past their expiry and returns
	// the ones it transitioned.
	ExpireDue(ctx context.Context, now time.Time, limit int) ([]*Entitlement, error)

	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Entitlement, int64, error)
	List(ctx context.Context, limit, offset int) ([]*Entitlement, int64, error)
}

// Payments initiates gateway payments.
type Payments interface {
	Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.Payment, error)
}

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Service drives the entitlement lifecycle.
type Service struct {
	store     Store
	payments  Payments
	publisher Publisher
	notifier  notify.Notifier
	logger    *slog.Logger
}

// NewService creates a new entitlement service.
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

func purposeFor(kind Kind) payment.Purpose {
	switch kind {
	case KindSubscription:
		return payment.PurposeSubscription
	case KindSmsBundle:
		return payment.PurposeSmsBundle
	default:
		return payment.PurposeVisibilityBoost
	}
}

// CreateRequest is a request to purchase an entitlement.
type CreateRequest struct {
	OwnerID    string
	OwnerPhone string
	Kind       Kind
	Terms      Terms
	Price      money.Money
}

// CreateResult pairs the pending entitlement with the payment the caller
// polls while the payer responds to the prompt.
type CreateResult struct {
	Entitlement *Entitlement     `json:"entitlement"`
	Payment     *payment.Payment `json:"payment"`
}

// Create persists a pending entitlement and initiates its payment. The
// entitlement activates only when the payment's completion callback arrives.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	e, err := NewEntitlement(ulid.Make().String(), req.OwnerID, req.OwnerPhone, req.Kind, req.Terms, req.Price)
	if err != nil {
		return nil, fmt.Errorf("creating entitlement: %w", err)
	}

	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("storing entitlement: %w", err)
	}

	p, err := s.payments.Initiate(ctx, payment.InitiateRequest{
		Amount:    req.Price,
		Phone:     req.OwnerPhone,
		Purpose:   purposeFor(req.Kind),
		PurposeID: e.ID,
	})
	if err != nil {
		// Initiate already failed the payment and fanned the failure back
		// here, so the entitlement is cancelled by the time we return.
		return nil, fmt.Errorf("initiating payment: %w", err)
	}

	if err := s.store.SetPaymentID(ctx, e.ID, p.ID); err != nil {
		return nil, fmt.Errorf("linking payment: %w", err)
	}
	e.PaymentID = p.ID

	s.logger.Info("entitlement created",
		"entitlement_id", e.ID,
		"kind", e.Kind,
		"owner_id", e.OwnerID,
		"payment_id", p.ID,
	)

	return &CreateResult{Entitlement: e, Payment: p}, nil
}

// Get retrieves an entitlement by ID.
func (s *Service) Get(ctx context.Context, id string) (*Entitlement, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, apperr.NotFound("entitlement %s", id)
	}
	return e, nil
}

// ListByOwner lists an owner's entitlements.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Entitlement, int64, error) {
	return s.store.ListByOwner(ctx, ownerID, limit, offset)
}

// List lists entitlements.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Entitlement, int64, error) {
	return s.store.List(ctx, limit, offset)
}

// PaymentCompleted activates the entitlement. The expiry window is computed
// here, on the transition, and never recomputed; re-entrant calls find the
// entitlement already active and do nothing.
func (s *Service) PaymentCompleted(ctx context.Context, id string) error {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("loading entitlement %s: %w", id, err)
	}

	now := time.Now().UTC()
	expiresAt := e.Terms.ExpiryFrom(e.Kind, now)

	transitioned, err := s.store.Activate(ctx, e.ID, now, expiresAt, e.Terms.Credits)
	if err != nil {
		return fmt.Errorf("activating entitlement %s: %w", e.ID, err)
	}
	if !transitioned {
		s.logger.Info("entitlement already active, activation skipped", "entitlement_id", e.ID)
		return nil
	}

	s.logger.Info("entitlement activated",
		"entitlement_id", e.ID,
		"kind", e.Kind,
		"owner_id", e.OwnerID,
		"expires_at", expiresAt,
	)

	s.publish(ctx, events.EventEntitlementActivated, e.ID, events.EntitlementActivatedData{
		EntitlementID: e.ID,
		Kind:          string(e.Kind),
		OwnerID:       e.OwnerID,
		ExpiresAt:     &expiresAt,
		Credits:       e.Terms.Credits,
	})

	if s.notifier != nil {
		s.notifier.SendSMS(ctx, e.OwnerPhone, fmt.Sprintf(
			"Your %s is now active until %s.", e.Kind, expiresAt.Format("2 Jan 2006"),
		))
	}

	return nil
}

// PaymentFailed cancels a pending entitlement.
func (s *Service) PaymentFailed(ctx context.Context, id string) error {
	transitioned, err := s.store.Cancel(ctx, id)
	if err != nil {
		return fmt.Errorf("cancelling entitlement %s: %w", id, err)
	}
	if !transitioned {
		return nil
	}

	s.logger.Info("entitlement cancelled after failed payment", "entitlement_id", id)
	s.publish(ctx, events.EventEntitlementCancelled, id, map[string]string{"entitlement_id": id})
	return nil
}

// ConsumeCredit spends one SMS credit from the owner's soonest-expiring
// active bundle. It reports false when the owner has no credit left.
func (s *Service) ConsumeCredit(ctx context.Context, ownerID string) (bool, error) {
	consumed, err := s.store.ConsumeCredit(ctx, ownerID)
	if err != nil {
		return false, fmt.Errorf("consuming credit for %s: %w", ownerID, err)
	}
	return consumed, nil
}

// ExpireDue transitions active entitlements past their expiry. Run on a
// schedule; each entitlement expires exactly once because the store
// transition is conditional on the active status.
func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	expired, err := s.store.ExpireDue(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("expiring entitlements: %w", err)
	}

	for _, e := range expired {
		s.logger.Info("entitlement expired", "entitlement_id", e.ID, "kind", e.Kind)
		s.publish(ctx, events.EventEntitlementExpired, e.ID, events.EntitlementActivatedData{
			EntitlementID: e.ID,
			Kind:          string(e.Kind),
			OwnerID:       e.OwnerID,
		})
	}

	return len(expired), nil
}

func (s *Service) publish(ctx context.Context, eventType, aggregateID string, data interface{}) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(eventType, "entitlement", aggregateID, data)
	if err != nil {
		s.logger.Error("failed to create event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event", "type", eventType, "error", err)
	}
}
