package billing

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"hostelpay/internal/common/apperr"
	"hostelpay/internal/common/money"
	"hostelpay/internal/payment"
)

type fakeStore struct {
	bookings     map[string]*RentalBooking
	invoices     map[string]*Invoice
	rentStatuses map[string]*RentStatus
	rentPayments []*RentPayment
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bookings:     make(map[string]*RentalBooking),
		invoices:     make(map[string]*Invoice),
		rentStatuses: make(map[string]*RentStatus),
	}
}

func (f *fakeStore) CreateBooking(_ context.Context, b *RentalBooking) error {
	cp := *b
	f.bookings[b.ID] = &cp
	return nil
}

func (f *fakeStore) GetBooking(_ context.Context, id string) (*RentalBooking, error) {
	b, ok := f.bookings[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *b
	return &cp, nil
}

func (f *fakeStore) ListBillable(_ context.Context, now time.Time) ([]*BookingWithLastInvoice, error) {
	var out []*BookingWithLastInvoice
	for _, b := range f.bookings {
		if !b.EndDate.After(now) {
			continue
		}
		var last *time.Time
		for _, inv := range f.invoices {
			if inv.BookingID != b.ID {
				continue
			}
			if last == nil || inv.CreatedAt.After(*last) {
				t := inv.CreatedAt
				last = &t
			}
		}
		cp := *b
		out = append(out, &BookingWithLastInvoice{Booking: &cp, LastInvoiceAt: last})
	}
	return out, nil
}

func (f *fakeStore) CreateInvoice(_ context.Context, inv *Invoice) (bool, error) {
	// Mirrors the unique index on (booking_id, cycle_start).
	for _, existing := range f.invoices {
		if existing.BookingID == inv.BookingID && existing.CycleStart.Equal(inv.CycleStart) {
			return false, nil
		}
	}
	cp := *inv
	f.invoices[inv.ID] = &cp
	return true, nil
}

func (f *fakeStore) GetInvoice(_ context.Context, id string) (*Invoice, error) {
	inv, ok := f.invoices[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *inv
	return &cp, nil
}

func (f *fakeStore) MarkInvoicePaid(_ context.Context, id string) (bool, error) {
	inv, ok := f.invoices[id]
	if !ok {
		return false, errors.New("not found")
	}
	if inv.Status != InvoicePending {
		return false, nil
	}
	now := time.Now().UTC()
	inv.Status = InvoicePaid
	inv.PaidAt = &now
	return true, nil
}

func (f *fakeStore) SetInvoicePaymentID(_ context.Context, id, paymentID string) error {
	inv, ok := f.invoices[id]
	if !ok {
		return errors.New("not found")
	}
	inv.PaymentID = paymentID
	return nil
}

func (f *fakeStore) ListInvoices(_ context.Context, bookingID string, limit, offset int) ([]*Invoice, int64, error) {
	var out []*Invoice
	for _, inv := range f.invoices {
		if inv.BookingID == bookingID {
			cp := *inv
			out = append(out, &cp)
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeStore) CreateRentStatus(_ context.Context, rs *RentStatus) error {
	cp := *rs
	f.rentStatuses[rs.ID] = &cp
	return nil
}

func (f *fakeStore) GetRentStatus(_ context.Context, id string) (*RentStatus, error) {
	rs, ok := f.rentStatuses[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *rs
	return &cp, nil
}

func (f *fakeStore) MarkOverdue(_ context.Context, now time.Time, limit int) ([]*RentStatus, error) {
	var out []*RentStatus
	for _, rs := range f.rentStatuses {
		if rs.PaymentStatus != RentDue || !rs.NextDueDate.Before(now) {
			continue
		}
		rs.PaymentStatus = RentOverdue
		rs.UpdatedAt = now
		cp := *rs
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) RecordRentPayment(_ context.Context, rp *RentPayment) (*RentStatus, error) {
	rs, ok := f.rentStatuses[rp.RentStatusID]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *rp
	f.rentPayments = append(f.rentPayments, &cp)
	rs.PaymentStatus = RentPaid
	paidAt := rp.PaidAt
	rs.LastPaymentDate = &paidAt
	rs.UpdatedAt = paidAt
	out := *rs
	return &out, nil
}

type fakePayments struct {
	initiated int
}

func (f *fakePayments) Initiate(_ context.Context, req payment.InitiateRequest) (*payment.Payment, error) {
	f.initiated++
	return &payment.Payment{ID: "pay-1", Status: payment.StatusPending}, nil
}

// countingNotifier counts sends per recipient.
type countingNotifier struct {
	sms map[string]int
}

func newCountingNotifier() *countingNotifier {
	return &countingNotifier{sms: make(map[string]int)}
}

func (n *countingNotifier) SendSMS(_ context.Context, phone, _ string)      { n.sms[phone]++ }
func (n *countingNotifier) SendWhatsApp(_ context.Context, phone, _ string) {}
func (n *countingNotifier) SendEmail(_ context.Context, _, _, _ string)     {}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestService(store Store, notifier *countingNotifier) *Service {
	return NewService(store, &fakePayments{}, nil, notifier,
		slog.New(slog.NewTextHandler(discardWriter{}, nil)))
}

func createTestBooking(t *testing.T, svc *Service, cycle Cycle) *RentalBooking {
	t.Helper()
	b, err := svc.CreateBooking(context.Background(), CreateBookingRequest{
		RoomID:        "room-1",
		TenantID:      "ten-1",
		TenantPhone:   "254700000001",
		LandlordID:    "ll-1",
		LandlordPhone: "254700000002",
		Cycle:         cycle,
		Rent:          money.New(500000, money.KES),
		StartDate:     time.Now().UTC().AddDate(0, -2, 0),
		EndDate:       time.Now().UTC().AddDate(1, 0, 0),
	})
	if err != nil {
		t.Fatalf("CreateBooking() error = %v", err)
	}
	return b
}

func TestGenerateInvoicesSameDayIsIdempotent(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, newCountingNotifier())
	createTestBooking(t, svc, CycleMonthly)

	n, err := svc.GenerateInvoices(context.Background())
	if err != nil {
		t.Fatalf("GenerateInvoices() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("first run generated %d invoices, want 1", n)
	}

	// Re-running on the same day recomputes the cycle from the latest invoice
	// and generates nothing new.
	n, err = svc.GenerateInvoices(context.Background())
	if err != nil {
		t.Fatalf("second GenerateInvoices() error = %v", err)
	}
	if n != 0 {
		t.Errorf("second run generated %d invoices, want 0", n)
	}
	if len(store.invoices) != 1 {
		t.Errorf("store holds %d invoices, want 1", len(store.invoices))
	}
}

func TestGenerateInvoiceAmountAndDueDate(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, newCountingNotifier())
	b := createTestBooking(t, svc, CycleMonthly)

	if _, err := svc.GenerateInvoices(context.Background()); err != nil {
		t.Fatalf("GenerateInvoices() error = %v", err)
	}

	for _, inv := range store.invoices {
		if inv.Amount.AmountMinor != b.Rent.AmountMinor {
			t.Errorf("invoice amount = %d, want rent %d", inv.Amount.AmountMinor, b.Rent.AmountMinor)
		}
		want := DueDateFor(time.Now().UTC())
		if !inv.DueDate.Equal(want) {
			t.Errorf("due date = %v, want 5th of next month %v", inv.DueDate, want)
		}
		if inv.Status != InvoicePending {
			t.Errorf("status = %s, want pending", inv.Status)
		}
	}
}

func TestMarkOverdueNotifiesBothPartiesOnce(t *testing.T) {
	store := newFakeStore()
	notifier := newCountingNotifier()
	svc := newTestService(store, notifier)
	b := createTestBooking(t, svc, CycleMonthly)

	// Push the ledger's due date into the past.
	for _, rs := range store.rentStatuses {
		if rs.BookingID == b.ID {
			rs.NextDueDate = time.Now().UTC().AddDate(0, 0, -1)
		}
	}

	n, err := svc.MarkOverdue(context.Background(), 100)
	if err != nil {
		t.Fatalf("MarkOverdue() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("marked %d ledgers overdue, want 1", n)
	}
	if notifier.sms["254700000001"] != 1 {
		t.Errorf("tenant notified %d times, want 1", notifier.sms["254700000001"])
	}
	if notifier.sms["254700000002"] != 1 {
		t.Errorf("landlord notified %d times, want 1", notifier.sms["254700000002"])
	}

	// Already-overdue ledgers are not re-flagged or re-notified the next run.
	n, err = svc.MarkOverdue(context.Background(), 100)
	if err != nil {
		t.Fatalf("second MarkOverdue() error = %v", err)
	}
	if n != 0 {
		t.Errorf("second run marked %d, want 0", n)
	}
	if notifier.sms["254700000001"] != 1 || notifier.sms["254700000002"] != 1 {
		t.Error("second run must not re-notify")
	}
}

func TestPaymentCompletedMarksInvoicePaidOnce(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, newCountingNotifier())
	createTestBooking(t, svc, CycleMonthly)

	if _, err := svc.GenerateInvoices(context.Background()); err != nil {
		t.Fatalf("GenerateInvoices() error = %v", err)
	}

	var invoiceID string
	for id := range store.invoices {
		invoiceID = id
	}

	if err := svc.PaymentCompleted(context.Background(), invoiceID); err != nil {
		t.Fatalf("PaymentCompleted() error = %v", err)
	}
	if store.invoices[invoiceID].Status != InvoicePaid {
		t.Fatal("invoice should be paid")
	}
	firstPaidAt := *store.invoices[invoiceID].PaidAt

	// A duplicate completion callback finds the invoice already paid.
	if err := svc.PaymentCompleted(context.Background(), invoiceID); err != nil {
		t.Fatalf("duplicate PaymentCompleted() error = %v", err)
	}
	if !store.invoices[invoiceID].PaidAt.Equal(firstPaidAt) {
		t.Error("duplicate completion must not rewrite paid_at")
	}
}

func TestPayInvoiceRejectsNonPending(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, newCountingNotifier())
	createTestBooking(t, svc, CycleMonthly)

	if _, err := svc.GenerateInvoices(context.Background()); err != nil {
		t.Fatalf("GenerateInvoices() error = %v", err)
	}

	var invoiceID string
	for id := range store.invoices {
		invoiceID = id
	}

	if _, err := svc.PayInvoice(context.Background(), invoiceID, "254700000001"); err != nil {
		t.Fatalf("PayInvoice() error = %v", err)
	}
	if store.invoices[invoiceID].PaymentID == "" {
		t.Error("invoice should link the initiated payment")
	}

	svc.PaymentCompleted(context.Background(), invoiceID)

	if _, err := svc.PayInvoice(context.Background(), invoiceID, "254700000001"); !apperr.IsInvalidState(err) {
		t.Errorf("paying a paid invoice should be invalid state, got %v", err)
	}
}

func TestRecordRentPaymentFlipsLedger(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, newCountingNotifier())
	b := createTestBooking(t, svc, CycleMonthly)

	var rentStatusID string
	for id, rs := range store.rentStatuses {
		if rs.BookingID == b.ID {
			rentStatusID = id
		}
	}

	rs, err := svc.RecordRentPayment(context.Background(), rentStatusID, money.New(500000, money.KES), "mpesa")
	if err != nil {
		t.Fatalf("RecordRentPayment() error = %v", err)
	}
	if rs.PaymentStatus != RentPaid {
		t.Errorf("payment status = %s, want Paid", rs.PaymentStatus)
	}
	if rs.LastPaymentDate == nil {
		t.Error("last payment date should be stamped")
	}
	if len(store.rentPayments) != 1 {
		t.Errorf("rent payment ledger has %d entries, want 1", len(store.rentPayments))
	}
}
