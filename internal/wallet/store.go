package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"hostelpay/internal/common/database"
	"hostelpay/internal/common/money"
)

// PostgresStore is the pgx-backed wallet store.
type PostgresStore struct {
	db *database.DB
}

// NewStore creates a new wallet store.
func NewStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// GetBalance returns the owner's balance. Owners without a row have a zero
// balance; the row appears on first credit.
func (s *PostgresStore) GetBalance(ctx context.Context, ownerID string) (*Balance, error) {
	query := `SELECT owner_id, balance, currency, updated_at FROM wallets WHERE owner_id = $1`

	var b Balance
	var amount int64
	var currency string

	err := s.db.QueryRow(ctx, query, ownerID).Scan(&b.OwnerID, &amount, &currency, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &Balance{
				OwnerID:   ownerID,
				Amount:    money.Zero(money.KES),
				UpdatedAt: time.Now().UTC(),
			}, nil
		}
		return nil, fmt.Errorf("getting balance: %w", err)
	}

	b.Amount = money.New(amount, money.Currency(currency))
	return &b, nil
}

// Credit adds to the owner's balance, creating the wallet on first credit.
func (s *PostgresStore) Credit(ctx context.Context, ownerID string, amount money.Money) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return s.CreditTx(ctx, tx, ownerID, amount)
	})
}

// CreditTx adds to the owner's balance inside an existing transaction. The
// escrow settlement calls this so the credit commits with the booking update.
// A wallet holds exactly one currency; a credit in a different currency is
// refused rather than summed into the balance.
func (s *PostgresStore) CreditTx(ctx context.Context, tx pgx.Tx, ownerID string, amount money.Money) error {
	query := `
		INSERT INTO wallets (owner_id, balance, currency, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_id) DO UPDATE
		SET balance = wallets.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
		WHERE wallets.currency = EXCLUDED.currency
	`

	tag, err := tx.Exec(ctx, query, ownerID, amount.AmountMinor, amount.Currency, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("crediting wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("crediting wallet %s: currency %s does not match wallet: %w",
			ownerID, amount.Currency, database.ErrConflict)
	}
	return nil
}

// CreateWithdrawal reserves the amount and records the request in one
// transaction. The conditional debit keeps the balance non-negative however
// many requests race.
func (s *PostgresStore) CreateWithdrawal(ctx context.Context, w *WithdrawalRequest) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE wallets
			SET balance = balance - $2, updated_at = $3
			WHERE owner_id = $1 AND balance >= $2
		`, w.OwnerID, w.Amount.AmountMinor, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("reserving balance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrInsufficientBalance
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO withdrawal_requests (
				id, owner_id, amount, commission, net_amount, currency,
				payment_method, status, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			w.ID, w.OwnerID,
			w.Amount.AmountMinor, w.Commission.AmountMinor, w.NetAmount.AmountMinor, w.Amount.Currency,
			w.PaymentMethod, w.Status, w.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("recording withdrawal: %w", err)
		}

		return nil
	})
}

// GetWithdrawal retrieves a withdrawal request by ID.
func (s *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*WithdrawalRequest, error) {
	query := `
		SELECT id, owner_id, amount, commission, net_amount, currency,
			payment_method, status, created_at, resolved_at
		FROM withdrawal_requests
		WHERE id = $1
	`
	return scanWithdrawal(s.db.QueryRow(ctx, query, id))
}

// ResolveWithdrawal moves a pending request to its terminal status. A
// rejection refunds the reserved amount in the same transaction.
func (s *PostgresStore) ResolveWithdrawal(ctx context.Context, id string, status WithdrawalStatus) (bool, error) {
	var resolved bool

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()

		var ownerID string
		var amount int64
		err := tx.QueryRow(ctx, `
			UPDATE withdrawal_requests
			SET status = $2, resolved_at = $3
			WHERE id = $1 AND status = $4
			RETURNING owner_id, amount
		`, id, status, now, WithdrawalPending).Scan(&ownerID, &amount)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("resolving withdrawal: %w", err)
		}

		if status == WithdrawalRejected {
			_, err := tx.Exec(ctx, `
				UPDATE wallets
				SET balance = balance + $2, updated_at = $3
				WHERE owner_id = $1
			`, ownerID, amount, now)
			if err != nil {
				return fmt.Errorf("refunding reservation: %w", err)
			}
		}

		resolved = true
		return nil
	})

	return resolved, err
}

// ListWithdrawals lists an owner's withdrawal requests, newest first.
func (s *PostgresStore) ListWithdrawals(ctx context.Context, ownerID string, limit, offset int) ([]*WithdrawalRequest, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM withdrawal_requests WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting withdrawals: %w", err)
	}

	query := `
		SELECT id, owner_id, amount, commission, net_amount, currency,
			payment_method, status, created_at, resolved_at
		FROM withdrawal_requests
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.Query(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing withdrawals: %w", err)
	}
	defer rows.Close()

	var out []*WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, w)
	}

	return out, total, rows.Err()
}

func scanWithdrawal(row pgx.Row) (*WithdrawalRequest, error) {
	var w WithdrawalRequest
	var amount, commission, net int64
	var currency string

	err := row.Scan(
		&w.ID, &w.OwnerID, &amount, &commission, &net, &currency,
		&w.PaymentMethod, &w.Status, &w.CreatedAt, &w.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning withdrawal: %w", err)
	}

	c := money.Currency(currency)
	w.Amount = money.New(amount, c)
	w.Commission = money.New(commission, c)
	w.NetAmount = money.New(net, c)

	return &w, nil
}
