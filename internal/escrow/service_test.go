package escrow

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

// fakeStore mirrors the transactional semantics of the pg store: settlement
// effects (status flip, commission record, provider credit) land together.
type fakeStore struct {
	bookings    map[string]*ServiceBooking
	commissions map[string]*CommissionRecord
	balances    map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bookings:    make(map[string]*ServiceBooking),
		commissions: make(map[string]*CommissionRecord),
		balances:    make(map[string]int64),
	}
}

func (f *fakeStore) Create(_ context.Context, b *ServiceBooking) error {
	cp := *b
	f.bookings[b.ID] = &cp
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*ServiceBooking, error) {
	b, ok := f.bookings[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *b
	return &cp, nil
}

func (f *fakeStore) SetPaymentID(_ context.Context, id, paymentID string) error {
	b, ok := f.bookings[id]
	if !ok {
		return errors.New("not found")
	}
	b.PaymentID = paymentID
	return nil
}

func (f *fakeStore) MarkPaid(_ context.Context, id string) (bool, error) {
	b, ok := f.bookings[id]
	if !ok {
		return false, errors.New("not found")
	}
	if b.PaymentStatus != PaymentPending || b.Status == StatusCancelled {
		return false, nil
	}
	b.PaymentStatus = PaymentPaid
	return true, nil
}

func (f *fakeStore) MarkPaymentFailed(_ context.Context, id string) (bool, error) {
	b, ok := f.bookings[id]
	if !ok {
		return false, errors.New("not found")
	}
	if b.PaymentStatus != PaymentPending || b.Status != StatusPending {
		return false, nil
	}
	b.PaymentStatus = PaymentFailed
	b.Status = StatusCancelled
	return true, nil
}

func (f *fakeStore) Confirm(_ context.Context, id string, role Role, commissionBps int64) (*ConfirmResult, error) {
	b, ok := f.bookings[id]
	if !ok {
		return nil, errors.New("not found")
	}

	if b.Status == StatusCancelled {
		return nil, apperr.InvalidState("booking %s is cancelled", id)
	}
	if b.Status == StatusCompleted {
		cp := *b
		return &ConfirmResult{Booking: &cp}, nil
	}

	next, changed := Accumulate(b.ConfirmationStatus, role)
	if !changed {
		cp := *b
		return &ConfirmResult{Booking: &cp}, nil
	}

	b.ConfirmationStatus = next
	if next != ConfirmByBoth {
		cp := *b
		return &ConfirmResult{Booking: &cp, Changed: true}, nil
	}

	now := time.Now().UTC()
	b.Status = StatusCompleted
	b.ReleaseStatus = ReleaseReleased
	b.SettledAt = &now

	rec := NewCommissionRecord("cr-"+id, b, commissionBps)
	f.commissions[id] = rec
	f.balances[b.ProviderID] += rec.NetAmount.AmountMinor

	cp := *b
	return &ConfirmResult{Booking: &cp, Changed: true, Settled: true, Commission: rec}, nil
}

func (f *fakeStore) Cancel(_ context.Context, id string) (bool, error) {
	b, ok := f.bookings[id]
	if !ok {
		return false, errors.New("not found")
	}
	if b.Status != StatusPending {
		return false, nil
	}
	b.Status = StatusCancelled
	return true, nil
}

func (f *fakeStore) GetCommission(_ context.Context, bookingID string) (*CommissionRecord, error) {
	rec, ok := f.commissions[bookingID]
	if !ok {
		return nil, errors.New("not found")
	}
	return rec, nil
}

func (f *fakeStore) List(_ context.Context, limit, offset int) ([]*ServiceBooking, int64, error) {
	var out []*ServiceBooking
	for _, b := range f.bookings {
		cp := *b
		out = append(out, &cp)
	}
	return out, int64(len(out)), nil
}

type fakePayments struct {
	fail bool
}

func (f *fakePayments) Initiate(_ context.Context, req payment.InitiateRequest) (*payment.Payment, error) {
	if f.fail {
		return nil, errors.New("gateway unavailable")
	}
	return &payment.Payment{ID: "pay-1", Status: payment.StatusPending}, nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestService(store Store) *Service {
	cfg := Config{CommissionBps: 1000}
	return NewService(store, &fakePayments{}, nil, nil, cfg, slog.New(slog.NewTextHandler(discardWriter{}, nil)))
}

func createBooking(t *testing.T, svc *Service) *ServiceBooking {
	t.Helper()
	result, err := svc.Create(context.Background(), CreateRequest{
		ServiceID:     "svc-1",
		ServiceName:   "Laundry",
		TenantID:      "ten-1",
		TenantPhone:   "254700000001",
		ProviderID:    "prov-1",
		ProviderPhone: "254700000002",
		BookingTime:   time.Now().Add(24 * time.Hour),
		Amount:        money.New(100000, money.KES),
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return result.Booking
}

func TestSettlementSplit(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)

	b := createBooking(t, svc)

	r1, err := svc.Confirm(context.Background(), b.ID, "ten-1", RoleTenant)
	if err != nil {
		t.Fatalf("tenant Confirm() error = %v", err)
	}
	if r1.Settled {
		t.Fatal("one confirmation must not settle")
	}

	r2, err := svc.Confirm(context.Background(), b.ID, "prov-1", RoleProvider)
	if err != nil {
		t.Fatalf("provider Confirm() error = %v", err)
	}
	if !r2.Settled {
		t.Fatal("second confirmation should settle")
	}

	// KES 1000.00 at 10%: commission 100.00, provider nets 900.00.
	rec := r2.Commission
	if rec.CommissionAmount.AmountMinor != 10000 {
		t.Errorf("commission = %d, want 10000", rec.CommissionAmount.AmountMinor)
	}
	if rec.NetAmount.AmountMinor != 90000 {
		t.Errorf("net = %d, want 90000", rec.NetAmount.AmountMinor)
	}
	if store.balances["prov-1"] != 90000 {
		t.Errorf("provider balance = %d, want 90000", store.balances["prov-1"])
	}
}

func TestConfirmOrderDoesNotMatter(t *testing.T) {
	orders := []struct {
		name  string
		first Role
	}{
		{"tenant first", RoleTenant},
		{"provider first", RoleProvider},
	}

	for _, order := range orders {
		t.Run(order.name, func(t *testing.T) {
			store := newFakeStore()
			svc := newTestService(store)
			b := createBooking(t, svc)

			second := RoleProvider
			if order.first == RoleProvider {
				second = RoleTenant
			}

			if _, err := svc.Confirm(context.Background(), b.ID, store.bookings[b.ID].ActorFor(order.first), order.first); err != nil {
				t.Fatalf("first Confirm() error = %v", err)
			}
			r, err := svc.Confirm(context.Background(), b.ID, store.bookings[b.ID].ActorFor(second), second)
			if err != nil {
				t.Fatalf("second Confirm() error = %v", err)
			}
			if !r.Settled {
				t.Error("both confirmations should settle regardless of order")
			}
		})
	}
}

func TestRepeatConfirmationIsNoOp(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	b := createBooking(t, svc)

	if _, err := svc.Confirm(context.Background(), b.ID, "ten-1", RoleTenant); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	r, err := svc.Confirm(context.Background(), b.ID, "ten-1", RoleTenant)
	if err != nil {
		t.Fatalf("repeat Confirm() error = %v", err)
	}
	if r.Changed || r.Settled {
		t.Error("repeat confirmation must be a no-op")
	}
	if store.bookings[b.ID].ConfirmationStatus != ConfirmByTenant {
		t.Errorf("status = %s, want confirmed_by_tenant", store.bookings[b.ID].ConfirmationStatus)
	}
}

func TestSettlementHappensOnce(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	b := createBooking(t, svc)

	svc.Confirm(context.Background(), b.ID, "ten-1", RoleTenant)
	svc.Confirm(context.Background(), b.ID, "prov-1", RoleProvider)

	// Late confirmations after settlement must not double-credit.
	r, err := svc.Confirm(context.Background(), b.ID, "prov-1", RoleProvider)
	if err != nil {
		t.Fatalf("late Confirm() error = %v", err)
	}
	if r.Settled {
		t.Error("late confirmation must not re-settle")
	}
	if store.balances["prov-1"] != 90000 {
		t.Errorf("provider balance = %d after late confirm, want 90000", store.balances["prov-1"])
	}
}

func TestConfirmAuthorization(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	b := createBooking(t, svc)

	if _, err := svc.Confirm(context.Background(), b.ID, "intruder", RoleTenant); !apperr.IsUnauthorized(err) {
		t.Errorf("wrong tenant should be unauthorized, got %v", err)
	}
	if _, err := svc.Confirm(context.Background(), b.ID, "ten-1", RoleProvider); !apperr.IsUnauthorized(err) {
		t.Errorf("tenant claiming provider role should be unauthorized, got %v", err)
	}
}

func TestCancelOnlyFromPending(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	b := createBooking(t, svc)

	if err := svc.Cancel(context.Background(), b.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if store.bookings[b.ID].Status != StatusCancelled {
		t.Error("booking should be cancelled")
	}

	// Cancelled bookings reject confirmations.
	if _, err := svc.Confirm(context.Background(), b.ID, "ten-1", RoleTenant); !apperr.IsInvalidState(err) {
		t.Errorf("confirming a cancelled booking should be invalid state, got %v", err)
	}

	// Settled bookings cannot be cancelled.
	b2 := createBooking(t, svc)
	svc.Confirm(context.Background(), b2.ID, "ten-1", RoleTenant)
	svc.Confirm(context.Background(), b2.ID, "prov-1", RoleProvider)
	if err := svc.Cancel(context.Background(), b2.ID); !apperr.IsInvalidState(err) {
		t.Errorf("cancelling a settled booking should be invalid state, got %v", err)
	}
	if store.balances["prov-1"] != 90000 {
		t.Error("cancel attempt must not touch balances")
	}
}

func TestPaymentLifecycle(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	b := createBooking(t, svc)

	if err := svc.PaymentCompleted(context.Background(), b.ID); err != nil {
		t.Fatalf("PaymentCompleted() error = %v", err)
	}
	if store.bookings[b.ID].PaymentStatus != PaymentPaid {
		t.Error("payment status should be paid")
	}

	// Duplicate completion is absorbed.
	if err := svc.PaymentCompleted(context.Background(), b.ID); err != nil {
		t.Fatalf("duplicate PaymentCompleted() error = %v", err)
	}

	b2 := createBooking(t, svc)
	if err := svc.PaymentFailed(context.Background(), b2.ID); err != nil {
		t.Fatalf("PaymentFailed() error = %v", err)
	}
	if store.bookings[b2.ID].Status != StatusCancelled {
		t.Error("booking with failed payment should be cancelled")
	}
}
