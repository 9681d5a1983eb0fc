package wallet

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"hostelpay/internal/common/apperr"
	"hostelpay/internal/common/events"
	"hostelpay/internal/common/money"
)

// ErrInsufficientBalance marks a withdrawal exceeding the available balance.
// The store returns it from inside the reservation transaction so no partial
// effect survives.
var ErrInsufficientBalance = apperr.InvalidState("insufficient balance")

// Store persists balances and withdrawal requests.
type Store interface {
	GetBalance(ctx context.Context, ownerID string) (*Balance, error)
	Credit(ctx context.Context, ownerID string, amount money.Money) error

	// CreateWithdrawal reserves the amount and records the request in one
	// transaction. It fails with ErrInsufficientBalance when the balance
	// cannot cover the amount, leaving everything untouched.
	CreateWithdrawal(ctx context.Context, w *WithdrawalRequest) error

	GetWithdrawal(ctx context.Context, id string) (*WithdrawalRequest, error)
	// ResolveWithdrawal moves a pending request to processed or rejected,
	// refunding the reservation on rejection. Reports false when the request
	// was already resolved.
	ResolveWithdrawal(ctx context.Context, id string, status WithdrawalStatus) (bool, error)
	ListWithdrawals(ctx context.Context, ownerID string, limit, offset int) ([]*WithdrawalRequest, int64, error)
}

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Service manages balances and withdrawals.
type Service struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
}

// NewService creates a new wallet service.
func NewService(store Store, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{store: store, publisher: publisher, logger: logger}
}

// GetBalance returns the owner's balance, zero-valued when the owner has
// never been credited.
func (s *Service) GetBalance(ctx context.Context, ownerID string) (*Balance, error) {
	return s.store.GetBalance(ctx, ownerID)
}

// RequestWithdrawal reserves the amount against the owner's balance and
// records a pending request. No commission is taken at request time.
func (s *Service) RequestWithdrawal(ctx context.Context, ownerID string, amount money.Money, paymentMethod string) (*WithdrawalRequest, error) {
	w, err := NewWithdrawalRequest(ulid.Make().String(), ownerID, amount, paymentMethod)
	if err != nil {
		return nil, fmt.Errorf("creating withdrawal: %w", err)
	}

	if err := s.store.CreateWithdrawal(ctx, w); err != nil {
		return nil, err
	}

	s.logger.Info("withdrawal requested",
		"withdrawal_id", w.ID,
		"owner_id", ownerID,
		"amount", amount.AmountMinor,
		"method", paymentMethod,
	)

	s.publish(ctx, events.EventWithdrawalRequested, w.ID, events.WithdrawalRequestedData{
		WithdrawalID: w.ID,
		OwnerID:      ownerID,
		AmountMinor:  amount.AmountMinor,
		NetMinor:     w.NetAmount.AmountMinor,
	})

	return w, nil
}

// GetWithdrawal retrieves a withdrawal request.
func (s *Service) GetWithdrawal(ctx context.Context, id string) (*WithdrawalRequest, error) {
	w, err := s.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, apperr.NotFound("withdrawal %s", id)
	}
	return w, nil
}

// ListWithdrawals lists an owner's withdrawal requests.
func (s *Service) ListWithdrawals(ctx context.Context, ownerID string, limit, offset int) ([]*WithdrawalRequest, int64, error) {
	return s.store.ListWithdrawals(ctx, ownerID, limit, offset)
}

// ProcessWithdrawal marks a pending request processed after the external
// payout confirms.
func (s *Service) ProcessWithdrawal(ctx context.Context, id string) error {
	resolved, err := s.store.ResolveWithdrawal(ctx, id, WithdrawalProcessed)
	if err != nil {
		return err
	}
	if !resolved {
		return apperr.InvalidState("withdrawal %s is not pending", id)
	}
	s.logger.Info("withdrawal processed", "withdrawal_id", id)
	return nil
}

// RejectWithdrawal rejects a pending request, returning the reserved amount
// to the owner's balance.
func (s *Service) RejectWithdrawal(ctx context.Context, id string) error {
	resolved, err := s.store.ResolveWithdrawal(ctx, id, WithdrawalRejected)
	if err != nil {
		return err
	}
	if !resolved {
		return apperr.InvalidState("withdrawal %s is not pending", id)
	}
	s.logger.Info("withdrawal rejected, reservation refunded", "withdrawal_id", id)
	return nil
}

func (s *Service) publish(ctx context.Context, eventType, aggregateID string, data interface{}) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(eventType, "withdrawal", aggregateID, data)
	if err != nil {
		s.logger.Error("failed to create event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event", "type", eventType, "error", err)
	}
}
