package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"hostelpay/internal/common/apperr"
	"hostelpay/internal/common/database"
	"hostelpay/internal/common/events"
	"hostelpay/internal/common/money"
	"hostelpay/internal/gateway/daraja"
)

// Store persists payments and unmatched callbacks.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*Payment, error)
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*Payment, error)
	// FindPendingByBillReference returns every pending payment whose own ID
	// was used as the gateway bill reference.
	FindPendingByBillReference(ctx context.Context, billReference string) ([]*Payment, error)
	SetGatewayRefs(ctx context.Context, id, merchantRequestID, checkoutRequestID string) error

	// Complete transitions a payment to completed under a row lock. It
	// reports false when the payment was already terminal, in which case
	// nothing was written.
	Complete(ctx context.Context, id, transactionID string, resultCode int, resultDesc string) (bool, error)
	// Fail transitions a payment to failed under a row lock, reporting false
	// when the payment was already terminal.
	Fail(ctx context.Context, id string, resultCode int, resultDesc string) (bool, error)

	RecordUnmatched(ctx context.Context, u *UnmatchedCallback) error
	ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*Payment, error)
	List(ctx context.Context, limit, offset int) ([]*Payment, int64, error)
}

// Gateway initiates payments against the mobile-money provider.
type Gateway interface {
	STKPush(ctx context.Context, req daraja.STKPushRequest) (*daraja.STKPushResponse, error)
}

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Activator receives the downstream signal when a payment referencing its
// purpose reaches a terminal state. Each activator is invoked at most once
// per payment because the store transition gates the fan-out.
type Activator interface {
	PaymentCompleted(ctx context.Context, purposeID string) error
	PaymentFailed(ctx context.Context, purposeID string) error
}

// Service reconciles gateway callbacks against the payment ledger.
type Service struct {
	store      Store
	gateway    Gateway
	publisher  Publisher
	logger     *slog.Logger
	activators map[Purpose]Activator
}

// NewService creates a new payment service.
func NewService(store Store, gateway Gateway, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		gateway:    gateway,
		publisher:  publisher,
		logger:     logger,
		activators: make(map[Purpose]Activator),
	}
}

// RegisterActivator binds an activator to a purpose. Registration happens at
// wiring time, before any callback traffic.
func (s *Service) RegisterActivator(purpose Purpose, a Activator) {
	s.activators[purpose] = a
}

// InitiateRequest is a request to start a gateway payment.
type InitiateRequest struct {
	Amount    money.Money
	Phone     string
	Purpose   Purpose
	PurposeID string
}

// Initiate records a pending payment and pushes the payment prompt to the
// payer's phone. The payment row exists before the gateway is called, so a
// silent gateway still leaves an auditable record.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*Payment, error) {
	p, err := NewPayment(ulid.Make().String(), req.Amount, req.Phone, req.Purpose, req.PurposeID)
	if err != nil {
		return nil, fmt.Errorf("creating payment: %w", err)
	}

	if err := s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("storing payment: %w", err)
	}

	resp, err := s.gateway.STKPush(ctx, daraja.STKPushRequest{
		AmountMinor:      p.Amount.AmountMinor,
		Phone:            p.Phone,
		AccountReference: p.ID,
		Description:      string(p.Purpose),
	})
	if err != nil {
		// The prompt never reached the payer; fail the payment through the
		// normal transition so downstream purposes are released.
		if _, failErr := s.store.Fail(ctx, p.ID, -1, "gateway initiation failed"); failErr != nil {
			s.logger.Error("failed to fail payment after gateway error",
				"payment_id", p.ID,
				"error", failErr,
			)
		}
		s.fanOutFailed(ctx, p)
		return nil, fmt.Errorf("gateway initiation: %w", err)
	}

	if err := s.store.SetGatewayRefs(ctx, p.ID, resp.MerchantRequestID, resp.CheckoutRequestID); err != nil {
		return nil, fmt.Errorf("storing gateway refs: %w", err)
	}
	p.MerchantRequestID = resp.MerchantRequestID
	p.CheckoutRequestID = resp.CheckoutRequestID

	s.publish(ctx, events.EventPaymentInitiated, p.ID, events.PaymentCompletedData{
		PaymentID:   p.ID,
		AmountMinor: p.Amount.AmountMinor,
		Currency:    string(p.Amount.Currency),
		Purpose:     string(p.Purpose),
		PurposeID:   p.PurposeID,
	})

	s.logger.Info("payment initiated",
		"payment_id", p.ID,
		"purpose", p.Purpose,
		"purpose_id", p.PurposeID,
		"amount", p.Amount.AmountMinor,
		"checkout_request_id", p.CheckoutRequestID,
	)

	return p, nil
}

// Get retrieves a payment by ID.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, apperr.NotFound("payment %s", id)
	}
	return p, nil
}

// List lists payments.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Payment, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	return s.store.List(ctx, limit, offset)
}

// Reconcile applies a gateway callback to the ledger. Duplicate and
// out-of-order deliveries are absorbed as no-ops; callbacks that match
// nothing are recorded for manual review rather than dropped. Reconcile only
// returns an error for infrastructure failures, never for upstream noise.
func (s *Service) Reconcile(ctx context.Context, cb Callback) error {
	p, err := s.match(ctx, cb)
	if err != nil {
		if apperr.IsUnmatched(err) {
			return s.recordUnmatched(ctx, cb, err.Error())
		}
		return err
	}

	if cb.ResultCode == daraja.ResultCodeSuccess {
		return s.complete(ctx, p, cb)
	}
	return s.fail(ctx, p, cb)
}

// match resolves a callback to a payment using an ordered precedence:
// gateway transaction ID, then STK checkout request ID, then a single
// pending payment whose ID matches the bill reference. Anything else is
// unmatched; ambiguity is never guessed at.
func (s *Service) match(ctx context.Context, cb Callback) (*Payment, error) {
	if cb.TransactionID != "" {
		p, err := s.store.GetByTransactionID(ctx, cb.TransactionID)
		if err == nil {
			return p, nil
		}
		// Only an absent row moves matching on to the next identifier. Any
		// other store error is an infrastructure failure, not upstream noise,
		// and must surface instead of landing in the unmatched table.
		if !errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("matching by transaction id: %w", err)
		}
	}

	if cb.CheckoutRequestID != "" {
		p, err := s.store.GetByCheckoutRequestID(ctx, cb.CheckoutRequestID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("matching by checkout request id: %w", err)
		}
	}

	if cb.BillReference != "" {
		candidates, err := s.store.FindPendingByBillReference(ctx, cb.BillReference)
		if err != nil {
			return nil, fmt.Errorf("matching by bill reference: %w", err)
		}
		switch len(candidates) {
		case 1:
			return candidates[0], nil
		case 0:
			return nil, apperr.Unmatched("no pending payment for bill reference %s", cb.BillReference)
		default:
			return nil, apperr.Unmatched("%d pending payments for bill reference %s", len(candidates), cb.BillReference)
		}
	}

	return nil, apperr.Unmatched("callback carries no usable identifier (txn=%s)", cb.TransactionID)
}

func (s *Service) complete(ctx context.Context, p *Payment, cb Callback) error {
	transitioned, err := s.store.Complete(ctx, p.ID, cb.TransactionID, cb.ResultCode, cb.ResultDesc)
	if err != nil {
		return fmt.Errorf("completing payment %s: %w", p.ID, err)
	}
	if !transitioned {
		s.logger.Info("duplicate completion callback ignored",
			"payment_id", p.ID,
			"transaction_id", cb.TransactionID,
		)
		return nil
	}

	s.logger.Info("payment completed",
		"payment_id", p.ID,
		"transaction_id", cb.TransactionID,
		"purpose", p.Purpose,
		"purpose_id", p.PurposeID,
	)

	s.publish(ctx, events.EventPaymentCompleted, p.ID, events.PaymentCompletedData{
		PaymentID:     p.ID,
		TransactionID: cb.TransactionID,
		AmountMinor:   p.Amount.AmountMinor,
		Currency:      string(p.Amount.Currency),
		Purpose:       string(p.Purpose),
		PurposeID:     p.PurposeID,
		CompletedAt:   time.Now().UTC(),
	})

	if a, ok := s.activators[p.Purpose]; ok {
		if err := a.PaymentCompleted(ctx, p.PurposeID); err != nil {
			// The payment is already terminal; activation failures are logged
			// and picked up by manual review, they must not block other
			// reconciliations.
			s.logger.Error("activation failed",
				"payment_id", p.ID,
				"purpose", p.Purpose,
				"purpose_id", p.PurposeID,
				"error", err,
			)
		}
	}

	return nil
}

func (s *Service) fail(ctx context.Context, p *Payment, cb Callback) error {
	transitioned, err := s.store.Fail(ctx, p.ID, cb.ResultCode, cb.ResultDesc)
	if err != nil {
		return fmt.Errorf("failing payment %s: %w", p.ID, err)
	}
	if !transitioned {
		s.logger.Info("duplicate failure callback ignored", "payment_id", p.ID)
		return nil
	}

	s.logger.Info("payment failed",
		"payment_id", p.ID,
		"result_code", cb.ResultCode,
		"result_desc", cb.ResultDesc,
	)

	s.publish(ctx, events.EventPaymentFailed, p.ID, events.PaymentCompletedData{
		PaymentID:   p.ID,
		AmountMinor: p.Amount.AmountMinor,
		Currency:    string(p.Amount.Currency),
		Purpose:     string(p.Purpose),
		PurposeID:   p.PurposeID,
	})

	s.fanOutFailed(ctx, p)
	return nil
}

func (s *Service) fanOutFailed(ctx context.Context, p *Payment) {
	if a, ok := s.activators[p.Purpose]; ok {
		if err := a.PaymentFailed(ctx, p.PurposeID); err != nil {
			s.logger.Error("failure fan-out failed",
				"payment_id", p.ID,
				"purpose", p.Purpose,
				"purpose_id", p.PurposeID,
				"error", err,
			)
		}
	}
}

func (s *Service) recordUnmatched(ctx context.Context, cb Callback, reason string) error {
	u := &UnmatchedCallback{
		ID:            ulid.Make().String(),
		TransactionID: cb.TransactionID,
		BillReference: cb.BillReference,
		AmountMinor:   cb.AmountMinor,
		PayerContact:  cb.PayerContact,
		Source:        cb.Source,
		Reason:        reason,
		Payload:       cb.Raw,
		ReceivedAt:    time.Now().UTC(),
	}

	if err := s.store.RecordUnmatched(ctx, u); err != nil {
		return fmt.Errorf("recording unmatched callback: %w", err)
	}

	s.logger.Warn("unmatched gateway callback recorded",
		"unmatched_id", u.ID,
		"transaction_id", cb.TransactionID,
		"bill_reference", cb.BillReference,
		"reason", reason,
	)

	s.publish(ctx, events.EventPaymentUnmatched, u.ID, events.PaymentUnmatchedData{
		TransactionID: cb.TransactionID,
		BillReference: cb.BillReference,
		AmountMinor:   cb.AmountMinor,
		PayerContact:  cb.PayerContact,
	})

	return nil
}

// FailStalePending fails payments stuck pending longer than the window. The
// gateway never calls back for some prompts (phone off, prompt dismissed);
// the sweep drives them through the ordinary failure transition so attached
// purposes are released.
func (s *Service) FailStalePending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stale, err := s.store.ListStalePending(ctx, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("listing stale payments: %w", err)
	}

	var failed int
	for _, p := range stale {
		transitioned, err := s.store.Fail(ctx, p.ID, -1, "pending timeout exceeded")
		if err != nil {
			s.logger.Error("failed to time out payment", "payment_id", p.ID, "error", err)
			continue
		}
		if !transitioned {
			continue
		}
		failed++
		s.logger.Info("payment timed out", "payment_id", p.ID, "age", time.Since(p.CreatedAt))
		s.fanOutFailed(ctx, p)
	}

	return failed, nil
}

func (s *Service) publish(ctx context.Context, eventType, aggregateID string, data interface{}) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(eventType, "payment", aggregateID, data)
	if err != nil {
		s.logger.Error("failed to create event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event", "type", eventType, "error", err)
	}
}
