package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"hostelpay/internal/common/database"
	"hostelpay/internal/common/money"
)

// PostgresStore is the pgx-backed entitlement store.
type PostgresStore struct {
	db *database.DB
}

// NewStore creates a new entitlement store.
func NewStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const entitlementColumns = `
	id, owner_id, owner_phone, kind, status, price, currency,
	tier, duration_months, credits, boost_days, service_id,
	payment_id, credits_remaining, activated_at, expires_at,
	created_at, updated_at
`

// Create inserts a new entitlement.
func (s *PostgresStore) Create(ctx context.Context, e *Entitlement) error {
	query := `
		INSERT INTO entitlements (
			id, owner_id, owner_phone, kind, status, price, currency,
			tier, duration_months, credits, boost_days, service_id,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			NULLIF($8, ''), $9, $10, $11, NULLIF($12, ''),
			$13, $14
		)
	`

	_, err := s.db.Exec(ctx, query,
		e.ID,
		e.OwnerID,
		e.OwnerPhone,
		e.Kind,
		e.Status,
		e.Price.AmountMinor,
		e.Price.Currency,
		e.Terms.Tier,
		e.Terms.DurationMonths,
		e.Terms.Credits,
		e.Terms.BoostDays,
		e.Terms.ServiceID,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("entitlement %s: %w", e.ID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating entitlement: %w", err)
	}

	return nil
}

// Get retrieves an entitlement by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Entitlement, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE id = $1`
	return scanEntitlement(s.db.QueryRow(ctx, query, id))
}

// SetPaymentID links the initiating payment.
func (s *PostgresStore) SetPaymentID(ctx context.Context, id, paymentID string) error {
	query := `UPDATE entitlements SET payment_id = $2, updated_at = $3 WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, id, paymentID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("linking payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// Activate transitions a pending entitlement to active, stamping its window
// and credit balance. The status condition makes concurrent activations
// single-shot.
func (s *PostgresStore) Activate(ctx context.Context, id string, activatedAt, expiresAt time.Time, credits int) (bool, error) {
	query := `
		UPDATE entitlements
		SET status = $2,
			activated_at = $3,
			expires_at = $4,
			credits_remaining = $5,
			updated_at = $3
		WHERE id = $1 AND status = $6
	`

	tag, err := s.db.Exec(ctx, query, id, StatusActive, activatedAt, expiresAt, credits, StatusPendingPayment)
	if err != nil {
		return false, fmt.Errorf("activating entitlement: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Cancel transitions a non-terminal entitlement to cancelled.
func (s *PostgresStore) Cancel(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE entitlements
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status IN ($4, $5)
	`

	tag, err := s.db.Exec(ctx, query, id, StatusCancelled, time.Now().UTC(), StatusPendingPayment, StatusActive)
	if err != nil {
		return false, fmt.Errorf("cancelling entitlement: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ConsumeCredit decrements one credit from the owner's soonest-expiring
// active bundle. The subquery picks the bundle, the row lock serializes
// concurrent sends against the same owner.
func (s *PostgresStore) ConsumeCredit(ctx context.Context, ownerID string) (bool, error) {
	var consumed bool

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, `
			SELECT id FROM entitlements
			WHERE owner_id = $1
			  AND kind = $2
			  AND status = $3
			  AND credits_remaining > 0
			  AND expires_at > now()
			ORDER BY expires_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, ownerID, KindSmsBundle, StatusActive).Scan(&id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("selecting bundle: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE entitlements
			SET credits_remaining = credits_remaining - 1, updated_at = now()
			WHERE id = $1
		`, id)
		if err != nil {
			return fmt.Errorf("decrementing credit: %w", err)
		}

		consumed = true
		return nil
	})

	return consumed, err
}

// ExpireDue transitions active entitlements past their expiry, returning the
// transitioned rows.
func (s *PostgresStore) ExpireDue(ctx context.Context, now time.Time, limit int) ([]*Entitlement, error) {
	query := `
		UPDATE entitlements
		SET status = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM entitlements
			WHERE status = $3 AND expires_at IS NOT NULL AND expires_at <= $2
			ORDER BY expires_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + entitlementColumns

	rows, err := s.db.Query(ctx, query, StatusExpired, now, StatusActive, limit)
	if err != nil {
		return nil, fmt.Errorf("expiring entitlements: %w", err)
	}
	defer rows.Close()

	return scanEntitlements(rows)
}

// ListByOwner lists an owner's entitlements, newest first.
func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Entitlement, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM entitlements WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting entitlements: %w", err)
	}

	query := `
		SELECT ` + entitlementColumns + `
		FROM entitlements
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.Query(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing entitlements: %w", err)
	}
	defer rows.Close()

	out, err := scanEntitlements(rows)
	return out, total, err
}

// List lists entitlements, newest first.
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Entitlement, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM entitlements`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting entitlements: %w", err)
	}

	query := `
		SELECT ` + entitlementColumns + `
		FROM entitlements
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := s.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing entitlements: %w", err)
	}
	defer rows.Close()

	out, err := scanEntitlements(rows)
	return out, total, err
}

func scanEntitlement(row pgx.Row) (*Entitlement, error) {
	var e Entitlement
	var price int64
	var currency string
	var tier, serviceID, paymentID *string

	err := row.Scan(
		&e.ID, &e.OwnerID, &e.OwnerPhone, &e.Kind, &e.Status, &price, &currency,
		&tier, &e.Terms.DurationMonths, &e.Terms.Credits, &e.Terms.BoostDays, &serviceID,
		&paymentID, &e.CreditsRemaining, &e.ActivatedAt, &e.ExpiresAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning entitlement: %w", err)
	}

	e.Price = money.New(price, money.Currency(currency))
	if tier != nil {
		e.Terms.Tier = *tier
	}
	if serviceID != nil {
		e.Terms.ServiceID = *serviceID
	}
	if paymentID != nil {
		e.PaymentID = *paymentID
	}

	return &e, nil
}

func scanEntitlements(rows pgx.Rows) ([]*Entitlement, error) {
	var out []*Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
