package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"hostelpay/internal/common/apperr"
	"hostelpay/internal/common/database"
	"hostelpay/internal/common/money"
)

// BalanceCreditor credits an owner's balance inside an existing transaction.
// The wallet store implements it; taking the interface keeps the settlement
// transaction atomic across both tables without coupling the packages.
type BalanceCreditor interface {
	CreditTx(ctx context.Context, tx pgx.Tx, ownerID string, amount money.Money) error
}

// PostgresStore is the pgx-backed booking store.
type PostgresStore struct {
	db     *database.DB
	wallet BalanceCreditor
}

// NewStore creates a new escrow store.
func NewStore(db *database.DB, wallet BalanceCreditor) *PostgresStore {
	return &PostgresStore{db: db, wallet: wallet}
}

var _ Store = (*PostgresStore)(nil)

const bookingColumns = `
	id, service_id, service_name, tenant_id, tenant_phone,
	provider_id, provider_phone, booking_time, amount_paid, currency,
	status, confirmation_status, release_status, payment_status,
	payment_id, settled_at, created_at, updated_at
`

// Create inserts a new booking.
func (s *PostgresStore) Create(ctx context.Context, b *ServiceBooking) error {
	query := `
		INSERT INTO service_bookings (
			id, service_id, service_name, tenant_id, tenant_phone,
			provider_id, provider_phone, booking_time, amount_paid, currency,
			status, confirmation_status, release_status, payment_status,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16
		)
	`

	_, err := s.db.Exec(ctx, query,
		b.ID, b.ServiceID, b.ServiceName, b.TenantID, b.TenantPhone,
		b.ProviderID, b.ProviderPhone, b.BookingTime, b.AmountPaid.AmountMinor, b.AmountPaid.Currency,
		b.Status, b.ConfirmationStatus, b.ReleaseStatus, b.PaymentStatus,
		b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("booking %s: %w", b.ID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating booking: %w", err)
	}

	return nil
}

// Get retrieves a booking by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*ServiceBooking, error) {
	query := `SELECT ` + bookingColumns + ` FROM service_bookings WHERE id = $1`
	return scanBooking(s.db.QueryRow(ctx, query, id))
}

// SetPaymentID links the initiating payment.
func (s *PostgresStore) SetPaymentID(ctx context.Context, id, paymentID string) error {
	query := `UPDATE service_bookings SET payment_id = $2, updated_at = $3 WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, id, paymentID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("linking payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// MarkPaid records the tenant's completed payment.
func (s *PostgresStore) MarkPaid(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE service_bookings
		SET payment_status = $2, updated_at = $3
		WHERE id = $1 AND payment_status = $4 AND status != $5
	`

	tag, err := s.db.Exec(ctx, query, id, PaymentPaid, time.Now().UTC(), PaymentPending, StatusCancelled)
	if err != nil {
		return false, fmt.Errorf("marking booking paid: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkPaymentFailed records the failed payment and cancels the booking while
// it is still pending.
func (s *PostgresStore) MarkPaymentFailed(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE service_bookings
		SET payment_status = $2, status = $3, updated_at = $4
		WHERE id = $1 AND payment_status = $5 AND status = $6
	`

	tag, err := s.db.Exec(ctx, query, id, PaymentFailed, StatusCancelled, time.Now().UTC(), PaymentPending, StatusPending)
	if err != nil {
		return false, fmt.Errorf("marking booking payment failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Confirm applies one party's confirmation under a row lock. The settling
// confirmation writes the booking update, the commission record and the
// provider credit in this one transaction.
func (s *PostgresStore) Confirm(ctx context.Context, id string, role Role, commissionBps int64) (*ConfirmResult, error) {
	var result *ConfirmResult

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		b, err := scanBooking(tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM service_bookings WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}

		if b.Status == StatusCancelled {
			return apperr.InvalidState("booking %s is cancelled", id)
		}
		if b.Status == StatusCompleted {
			// Already settled; a late repeat confirmation changes nothing.
			result = &ConfirmResult{Booking: b}
			return nil
		}

		next, changed := Accumulate(b.ConfirmationStatus, role)
		if !changed {
			result = &ConfirmResult{Booking: b}
			return nil
		}

		now := time.Now().UTC()

		if next != ConfirmByBoth {
			_, err := tx.Exec(ctx, `
				UPDATE service_bookings
				SET confirmation_status = $2, updated_at = $3
				WHERE id = $1
			`, id, next, now)
			if err != nil {
				return fmt.Errorf("recording confirmation: %w", err)
			}
			b.ConfirmationStatus = next
			b.UpdatedAt = now
			result = &ConfirmResult{Booking: b, Changed: true}
			return nil
		}

		// Both sides confirmed: settle.
		_, err = tx.Exec(ctx, `
			UPDATE service_bookings
			SET confirmation_status = $2,
				status = $3,
				release_status = $4,
				settled_at = $5,
				updated_at = $5
			WHERE id = $1
		`, id, ConfirmByBoth, StatusCompleted, ReleaseReleased, now)
		if err != nil {
			return fmt.Errorf("settling booking: %w", err)
		}

		rec := NewCommissionRecord(ulid.Make().String(), b, commissionBps)
		_, err = tx.Exec(ctx, `
			INSERT INTO commission_records (
				id, booking_id, provider_id, amount_paid, currency,
				commission_bps, commission_amount, net_amount, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			rec.ID, rec.BookingID, rec.ProviderID,
			rec.AmountPaid.AmountMinor, rec.AmountPaid.Currency,
			rec.CommissionBps, rec.CommissionAmount.AmountMinor, rec.NetAmount.AmountMinor,
			rec.CreatedAt,
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("booking %s already settled: %w", id, database.ErrConflict)
			}
			return fmt.Errorf("writing commission record: %w", err)
		}

		if err := s.wallet.CreditTx(ctx, tx, b.ProviderID, rec.NetAmount); err != nil {
			return fmt.Errorf("crediting provider: %w", err)
		}

		b.ConfirmationStatus = ConfirmByBoth
		b.Status = StatusCompleted
		b.ReleaseStatus = ReleaseReleased
		b.SettledAt = &now
		b.UpdatedAt = now
		result = &ConfirmResult{Booking: b, Changed: true, Settled: true, Commission: rec}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Cancel cancels a booking from pending only.
func (s *PostgresStore) Cancel(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE service_bookings
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
	`

	tag, err := s.db.Exec(ctx, query, id, StatusCancelled, time.Now().UTC(), StatusPending)
	if err != nil {
		return false, fmt.Errorf("cancelling booking: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetCommission retrieves the commission record for a booking.
func (s *PostgresStore) GetCommission(ctx context.Context, bookingID string) (*CommissionRecord, error) {
	query := `
		SELECT id, booking_id, provider_id, amount_paid, currency,
			commission_bps, commission_amount, net_amount, created_at
		FROM commission_records
		WHERE booking_id = $1
	`

	var rec CommissionRecord
	var amountPaid, commission, net int64
	var currency string

	err := s.db.QueryRow(ctx, query, bookingID).Scan(
		&rec.ID, &rec.BookingID, &rec.ProviderID, &amountPaid, &currency,
		&rec.CommissionBps, &commission, &net, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("getting commission record: %w", err)
	}

	c := money.Currency(currency)
	rec.AmountPaid = money.New(amountPaid, c)
	rec.CommissionAmount = money.New(commission, c)
	rec.NetAmount = money.New(net, c)

	return &rec, nil
}

// List lists bookings, newest first.
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*ServiceBooking, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM service_bookings`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting bookings: %w", err)
	}

	query := `
		SELECT ` + bookingColumns + `
		FROM service_bookings
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := s.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing bookings: %w", err)
	}
	defer rows.Close()

	var bookings []*ServiceBooking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, 0, err
		}
		bookings = append(bookings, b)
	}

	return bookings, total, rows.Err()
}

func scanBooking(row pgx.Row) (*ServiceBooking, error) {
	var b ServiceBooking
	var amount int64
	var currency string
	var paymentID *string

	err := row.Scan(
		&b.ID, &b.ServiceID, &b.ServiceName, &b.TenantID, &b.TenantPhone,
		&b.ProviderID, &b.ProviderPhone, &b.BookingTime, &amount, &currency,
		&b.Status, &b.ConfirmationStatus, &b.ReleaseStatus, &b.PaymentStatus,
		&paymentID, &b.SettledAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning booking: %w", err)
	}

	b.AmountPaid = money.New(amount, money.Currency(currency))
	if paymentID != nil {
		b.PaymentID = *paymentID
	}

	return &b, nil
}
