package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"hostelpay/internal/common/database"
	"hostelpay/internal/common/money"
)

// PostgresStore is the pgx-backed billing store.
type PostgresStore struct {
	db *database.DB
}

// NewStore creates a new billing store.
func NewStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// CreateBooking inserts a rental booking.
func (s *PostgresStore) CreateBooking(ctx context.Context, b *RentalBooking) error {
	query := `
		INSERT INTO rental_bookings (
			id, room_id, tenant_id, tenant_phone, landlord_id, landlord_phone,
			cycle, rent, currency, start_date, end_date, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.db.Exec(ctx, query,
		b.ID, b.RoomID, b.TenantID, b.TenantPhone, b.LandlordID, b.LandlordPhone,
		b.Cycle, b.Rent.AmountMinor, b.Rent.Currency, b.StartDate, b.EndDate, b.CreatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("booking %s: %w", b.ID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating rental booking: %w", err)
	}

	return nil
}

// GetBooking retrieves a rental booking by ID.
func (s *PostgresStore) GetBooking(ctx context.Context, id string) (*RentalBooking, error) {
	query := `
		SELECT id, room_id, tenant_id, tenant_phone, landlord_id, landlord_phone,
			cycle, rent, currency, start_date, end_date, created_at
		FROM rental_bookings
		WHERE id = $1
	`
	return scanRentalBooking(s.db.QueryRow(ctx, query, id))
}

// ListBillable returns bookings inside their tenancy window with the
// creation time of their latest invoice.
func (s *PostgresStore) ListBillable(ctx context.Context, now time.Time) ([]*BookingWithLastInvoice, error) {
	query := `
		SELECT b.id, b.room_id, b.tenant_id, b.tenant_phone, b.landlord_id, b.landlord_phone,
			b.cycle, b.rent, b.currency, b.start_date, b.end_date, b.created_at,
			(
				SELECT MAX(i.created_at) FROM invoices i WHERE i.booking_id = b.id
			) AS last_invoice_at
		FROM rental_bookings b
		WHERE b.end_date > $1
		ORDER BY b.created_at
	`

	rows, err := s.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("listing billable bookings: %w", err)
	}
	defer rows.Close()

	var out []*BookingWithLastInvoice
	for rows.Next() {
		var b RentalBooking
		var rent int64
		var currency string
		var lastInvoiceAt *time.Time

		err := rows.Scan(
			&b.ID, &b.RoomID, &b.TenantID, &b.TenantPhone, &b.LandlordID, &b.LandlordPhone,
			&b.Cycle, &rent, &currency, &b.StartDate, &b.EndDate, &b.CreatedAt,
			&lastInvoiceAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning billable booking: %w", err)
		}

		b.Rent = money.New(rent, money.Currency(currency))
		out = append(out, &BookingWithLastInvoice{Booking: &b, LastInvoiceAt: lastInvoiceAt})
	}

	return out, rows.Err()
}

// CreateInvoice inserts an invoice. The unique index on (booking_id,
// cycle_start) absorbs racing generation runs.
func (s *PostgresStore) CreateInvoice(ctx context.Context, inv *Invoice) (bool, error) {
	query := `
		INSERT INTO invoices (
			id, booking_id, tenant_id, amount, currency, due_date, status,
			cycle_start, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (booking_id, cycle_start) DO NOTHING
	`

	tag, err := s.db.Exec(ctx, query,
		inv.ID, inv.BookingID, inv.TenantID,
		inv.Amount.AmountMinor, inv.Amount.Currency, inv.DueDate, inv.Status,
		inv.CycleStart, inv.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("creating invoice: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

const invoiceColumns = `
	id, booking_id, tenant_id, amount, currency, due_date, status,
	cycle_start, payment_id, paid_at, created_at
`

// GetInvoice retrieves an invoice by ID.
func (s *PostgresStore) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	return scanInvoice(s.db.QueryRow(ctx, query, id))
}

// MarkInvoicePaid flips a pending invoice to paid.
func (s *PostgresStore) MarkInvoicePaid(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE invoices
		SET status = $2, paid_at = $3
		WHERE id = $1 AND status = $4
	`

	tag, err := s.db.Exec(ctx, query, id, InvoicePaid, time.Now().UTC(), InvoicePending)
	if err != nil {
		return false, fmt.Errorf("marking invoice paid: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetInvoicePaymentID links the initiating payment.
func (s *PostgresStore) SetInvoicePaymentID(ctx context.Context, id, paymentID string) error {
	query := `UPDATE invoices SET payment_id = $2 WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, id, paymentID)
	if err != nil {
		return fmt.Errorf("linking invoice payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// ListInvoices lists a booking's invoices, newest first.
func (s *PostgresStore) ListInvoices(ctx context.Context, bookingID string, limit, offset int) ([]*Invoice, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM invoices WHERE booking_id = $1`, bookingID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting invoices: %w", err)
	}

	query := `
		SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE booking_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.Query(ctx, query, bookingID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing invoices: %w", err)
	}
	defer rows.Close()

	var out []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, inv)
	}

	return out, total, rows.Err()
}

const rentStatusColumns = `
	id, booking_id, hostel_id, tenant_id, tenant_phone,
	landlord_id, landlord_phone, rent_amount, currency,
	payment_status, next_due_date, last_payment_date, updated_at
`

// CreateRentStatus opens a rent ledger.
func (s *PostgresStore) CreateRentStatus(ctx context.Context, rs *RentStatus) error {
	query := `
		INSERT INTO rent_statuses (
			id, booking_id, hostel_id, tenant_id, tenant_phone,
			landlord_id, landlord_phone, rent_amount, currency,
			payment_status, next_due_date, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.db.Exec(ctx, query,
		rs.ID, rs.BookingID, rs.HostelID, rs.TenantID, rs.TenantPhone,
		rs.LandlordID, rs.LandlordPhone, rs.RentAmount.AmountMinor, rs.RentAmount.Currency,
		rs.PaymentStatus, rs.NextDueDate, rs.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("rent status for booking %s: %w", rs.BookingID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating rent status: %w", err)
	}

	return nil
}

// GetRentStatus retrieves a rent ledger by ID.
func (s *PostgresStore) GetRentStatus(ctx context.Context, id string) (*RentStatus, error) {
	query := `SELECT ` + rentStatusColumns + ` FROM rent_statuses WHERE id = $1`
	return scanRentStatus(s.db.QueryRow(ctx, query, id))
}

// MarkOverdue flips Due ledgers past their due date to Overdue, returning
// each transitioned row once.
func (s *PostgresStore) MarkOverdue(ctx context.Context, now time.Time, limit int) ([]*RentStatus, error) {
	query := `
		UPDATE rent_statuses
		SET payment_status = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM rent_statuses
			WHERE payment_status = $3 AND next_due_date < $2
			ORDER BY next_due_date
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + rentStatusColumns

	rows, err := s.db.Query(ctx, query, RentOverdue, now, RentDue, limit)
	if err != nil {
		return nil, fmt.Errorf("marking overdue: %w", err)
	}
	defer rows.Close()

	var out []*RentStatus
	for rows.Next() {
		rs, err := scanRentStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}

	return out, rows.Err()
}

// RecordRentPayment appends the payment and flips the ledger to Paid in one
// transaction.
func (s *PostgresStore) RecordRentPayment(ctx context.Context, rp *RentPayment) (*RentStatus, error) {
	var rs *RentStatus

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO rent_payments (id, rent_status_id, amount, currency, method, paid_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		`, rp.ID, rp.RentStatusID, rp.Amount.AmountMinor, rp.Amount.Currency, rp.Method, rp.PaidAt)
		if err != nil {
			return fmt.Errorf("appending rent payment: %w", err)
		}

		row := tx.QueryRow(ctx, `
			UPDATE rent_statuses
			SET payment_status = $2, last_payment_date = $3, updated_at = $3
			WHERE id = $1
			RETURNING `+rentStatusColumns, rp.RentStatusID, RentPaid, rp.PaidAt)

		rs, err = scanRentStatus(row)
		return err
	})
	if err != nil {
		return nil, err
	}

	return rs, nil
}

func scanRentalBooking(row pgx.Row) (*RentalBooking, error) {
	var b RentalBooking
	var rent int64
	var currency string

	err := row.Scan(
		&b.ID, &b.RoomID, &b.TenantID, &b.TenantPhone, &b.LandlordID, &b.LandlordPhone,
		&b.Cycle, &rent, &currency, &b.StartDate, &b.EndDate, &b.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning rental booking: %w", err)
	}

	b.Rent = money.New(rent, money.Currency(currency))
	return &b, nil
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var amount int64
	var currency string
	var paymentID *string

	err := row.Scan(
		&inv.ID, &inv.BookingID, &inv.TenantID, &amount, &currency, &inv.DueDate, &inv.Status,
		&inv.CycleStart, &paymentID, &inv.PaidAt, &inv.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning invoice: %w", err)
	}

	inv.Amount = money.New(amount, money.Currency(currency))
	if paymentID != nil {
		inv.PaymentID = *paymentID
	}

	return &inv, nil
}

func scanRentStatus(row pgx.Row) (*RentStatus, error) {
	var rs RentStatus
	var amount int64
	var currency string

	err := row.Scan(
		&rs.ID, &rs.BookingID, &rs.HostelID, &rs.TenantID, &rs.TenantPhone,
		&rs.LandlordID, &rs.LandlordPhone, &amount, &currency,
		&rs.PaymentStatus, &rs.NextDueDate, &rs.LastPaymentDate, &rs.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning rent status: %w", err)
	}

	rs.RentAmount = money.New(amount, money.Currency(currency))
	return &rs, nil
}
