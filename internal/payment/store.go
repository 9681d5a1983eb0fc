package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"hostelpay/internal/common/database"
	"hostelpay/internal/common/money"
)

// PostgresStore is the pgx-backed payment store.
type PostgresStore struct {
	db *database.DB
}

// NewStore creates a new payment store.
func NewStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const paymentColumns = `
	id, amount, currency, phone, transaction_id, merchant_request_id,
	checkout_request_id, status, purpose, purpose_id, result_code,
	result_desc, created_at, updated_at, completed_at
`

// Create inserts a new payment.
func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	query := `
		INSERT INTO payments (
			id, amount, currency, phone, transaction_id, merchant_request_id,
			checkout_request_id, status, purpose, purpose_id,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''),
			$8, $9, $10, $11, $12
		)
	`

	_, err := s.db.Exec(ctx, query,
		p.ID,
		p.Amount.AmountMinor,
		p.Amount.Currency,
		p.Phone,
		p.TransactionID,
		p.MerchantRequestID,
		p.CheckoutRequestID,
		p.Status,
		p.Purpose,
		p.PurposeID,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("payment %s: %w", p.ID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating payment: %w", err)
	}

	return nil
}

// Get retrieves a payment by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return scanPayment(s.db.QueryRow(ctx, query, id))
}

// GetByTransactionID retrieves a payment by gateway transaction ID.
func (s *PostgresStore) GetByTransactionID(ctx context.Context, transactionID string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE transaction_id = $1`
	return scanPayment(s.db.QueryRow(ctx, query, transactionID))
}

// GetByCheckoutRequestID retrieves a payment by STK checkout request ID.
func (s *PostgresStore) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE checkout_request_id = $1`
	return scanPayment(s.db.QueryRow(ctx, query, checkoutRequestID))
}

// FindPendingByBillReference returns pending payments whose ID equals the
// gateway bill reference.
func (s *PostgresStore) FindPendingByBillReference(ctx context.Context, billReference string) ([]*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 AND status = $2`

	rows, err := s.db.Query(ctx, query, billReference, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("finding by bill reference: %w", err)
	}
	defer rows.Close()

	return scanPayments(rows)
}

// SetGatewayRefs records the STK session identifiers assigned at initiation.
func (s *PostgresStore) SetGatewayRefs(ctx context.Context, id, merchantRequestID, checkoutRequestID string) error {
	query := `
		UPDATE payments
		SET merchant_request_id = NULLIF($2, ''),
			checkout_request_id = NULLIF($3, ''),
			updated_at = $4
		WHERE id = $1
	`

	tag, err := s.db.Exec(ctx, query, id, merchantRequestID, checkoutRequestID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("setting gateway refs: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// Complete transitions a payment to completed. The row lock serializes
// concurrent deliveries of the same callback: only the first observes
// pending and performs the write.
func (s *PostgresStore) Complete(ctx context.Context, id, transactionID string, resultCode int, resultDesc string) (bool, error) {
	return s.transition(ctx, id, StatusCompleted, transactionID, resultCode, resultDesc)
}

// Fail transitions a payment to failed under the same row lock.
func (s *PostgresStore) Fail(ctx context.Context, id string, resultCode int, resultDesc string) (bool, error) {
	return s.transition(ctx, id, StatusFailed, "", resultCode, resultDesc)
}

func (s *PostgresStore) transition(ctx context.Context, id string, to Status, transactionID string, resultCode int, resultDesc string) (bool, error) {
	var transitioned bool

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var current Status
		err := tx.QueryRow(ctx, `SELECT status FROM payments WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return database.ErrNotFound
			}
			return fmt.Errorf("locking payment: %w", err)
		}

		if !IsValidTransition(current, to) {
			// Already terminal: absorb the duplicate as a no-op.
			return nil
		}

		now := time.Now().UTC()
		var completedAt *time.Time
		if to == StatusCompleted {
			completedAt = &now
		}

		_, err = tx.Exec(ctx, `
			UPDATE payments
			SET status = $2,
				transaction_id = COALESCE(NULLIF($3, ''), transaction_id),
				result_code = $4,
				result_desc = $5,
				completed_at = $6,
				updated_at = $7
			WHERE id = $1
		`, id, to, transactionID, resultCode, resultDesc, completedAt, now)
		if err != nil {
			return fmt.Errorf("updating payment: %w", err)
		}

		transitioned = true
		return nil
	})

	return transitioned, err
}

// RecordUnmatched inserts an unmatched-callback row for manual review.
func (s *PostgresStore) RecordUnmatched(ctx context.Context, u *UnmatchedCallback) error {
	query := `
		INSERT INTO unmatched_callbacks (
			id, transaction_id, bill_reference, amount, payer_contact,
			source, reason, payload, reviewed, received_at
		) VALUES (
			$1, NULLIF($2, ''), NULLIF($3, ''), $4, NULLIF($5, ''),
			$6, $7, $8, $9, $10
		)
	`

	_, err := s.db.Exec(ctx, query,
		u.ID,
		u.TransactionID,
		u.BillReference,
		u.AmountMinor,
		u.PayerContact,
		u.Source,
		u.Reason,
		u.Payload,
		u.Reviewed,
		u.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("recording unmatched callback: %w", err)
	}

	return nil
}

// ListStalePending lists pending payments older than the window.
func (s *PostgresStore) ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`

	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.Query(ctx, query, StatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale payments: %w", err)
	}
	defer rows.Close()

	return scanPayments(rows)
}

// List lists payments, newest first.
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Payment, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM payments`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting payments: %w", err)
	}

	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := s.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing payments: %w", err)
	}
	defer rows.Close()

	payments, err := scanPayments(rows)
	return payments, total, err
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var amount int64
	var currency string
	var transactionID, merchantRequestID, checkoutRequestID, resultDesc *string

	err := row.Scan(
		&p.ID, &amount, &currency, &p.Phone, &transactionID, &merchantRequestID,
		&checkoutRequestID, &p.Status, &p.Purpose, &p.PurposeID, &p.ResultCode,
		&resultDesc, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning payment: %w", err)
	}

	p.Amount = money.New(amount, money.Currency(currency))
	if transactionID != nil {
		p.TransactionID = *transactionID
	}
	if merchantRequestID != nil {
		p.MerchantRequestID = *merchantRequestID
	}
	if checkoutRequestID != nil {
		p.CheckoutRequestID = *checkoutRequestID
	}
	if resultDesc != nil {
		p.ResultDesc = *resultDesc
	}

	return &p, nil
}

func scanPayments(rows pgx.Rows) ([]*Payment, error) {
	var payments []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
