package payment

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"hostelpay/internal/common/database"
	"hostelpay/internal/common/money"
	"hostelpay/internal/gateway/daraja"
)

type fakeStore struct {
	payments  map[string]*Payment
	unmatched []*UnmatchedCallback
}

func newFakeStore() *fakeStore {
	return &fakeStore{payments: make(map[string]*Payment)}
}

func (f *fakeStore) Create(_ context.Context, p *Payment) error {
	cp := *p
	f.payments[p.ID] = &cp
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*Payment, error) {
	p, ok := f.payments[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) GetByTransactionID(_ context.Context, transactionID string) (*Payment, error) {
	for _, p := range f.payments {
		if p.TransactionID == transactionID && p.TransactionID != "" {
			cp := *p
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) GetByCheckoutRequestID(_ context.Context, checkoutRequestID string) (*Payment, error) {
	for _, p := range f.payments {
		if p.CheckoutRequestID == checkoutRequestID && p.CheckoutRequestID != "" {
			cp := *p
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) FindPendingByBillReference(_ context.Context, billReference string) ([]*Payment, error) {
	var out []*Payment
	for _, p := range f.payments {
		if p.ID == billReference && p.Status == StatusPending {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) SetGatewayRefs(_ context.Context, id, merchantRequestID, checkoutRequestID string) error {
	p, ok := f.payments[id]
	if !ok {
		return errors.New("not found")
	}
	p.MerchantRequestID = merchantRequestID
	p.CheckoutRequestID = checkoutRequestID
	return nil
}

func (f *fakeStore) Complete(_ context.Context, id, transactionID string, resultCode int, resultDesc string) (bool, error) {
	p, ok := f.payments[id]
	if !ok {
		return false, errors.New("not found")
	}
	if !IsValidTransition(p.Status, StatusCompleted) {
		return false, nil
	}
	p.Status = StatusCompleted
	p.TransactionID = transactionID
	p.ResultCode = &resultCode
	p.ResultDesc = resultDesc
	return true, nil
}

func (f *fakeStore) Fail(_ context.Context, id string, resultCode int, resultDesc string) (bool, error) {
	p, ok := f.payments[id]
	if !ok {
		return false, errors.New("not found")
	}
	if !IsValidTransition(p.Status, StatusFailed) {
		return false, nil
	}
	p.Status = StatusFailed
	p.ResultCode = &resultCode
	p.ResultDesc = resultDesc
	return true, nil
}

func (f *fakeStore) RecordUnmatched(_ context.Context, u *UnmatchedCallback) error {
	f.unmatched = append(f.unmatched, u)
	return nil
}

func (f *fakeStore) ListStalePending(_ context.Context, olderThan time.Duration, limit int) ([]*Payment, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var out []*Payment
	for _, p := range f.payments {
		if p.Status == StatusPending && p.CreatedAt.Before(cutoff) {
			cp := *p
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) List(_ context.Context, limit, offset int) ([]*Payment, int64, error) {
	var out []*Payment
	for _, p := range f.payments {
		cp := *p
		out = append(out, &cp)
	}
	return out, int64(len(out)), nil
}

// flakyStore fails the identifier lookups with an arbitrary store error.
type flakyStore struct {
	*fakeStore
	lookupErr error
}

func (f *flakyStore) GetByTransactionID(_ context.Context, _ string) (*Payment, error) {
	return nil, f.lookupErr
}

func (f *flakyStore) GetByCheckoutRequestID(_ context.Context, _ string) (*Payment, error) {
	return nil, f.lookupErr
}

type fakeGateway struct {
	calls int
	fail  bool
}

func (f *fakeGateway) STKPush(_ context.Context, req daraja.STKPushRequest) (*daraja.STKPushResponse, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("gateway unavailable")
	}
	return &daraja.STKPushResponse{
		MerchantRequestID: "mr-1",
		CheckoutRequestID: "cr-" + req.AccountReference,
		ResponseCode:      "0",
	}, nil
}

type fakeActivator struct {
	completed []string
	failed    []string
}

func (f *fakeActivator) PaymentCompleted(_ context.Context, purposeID string) error {
	f.completed = append(f.completed, purposeID)
	return nil
}

func (f *fakeActivator) PaymentFailed(_ context.Context, purposeID string) error {
	f.failed = append(f.failed, purposeID)
	return nil
}

func newTestService(store Store, gw Gateway) *Service {
	return NewService(store, gw, nil, slog.New(slog.NewTextHandler(testWriter{}, nil)))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func initiated(t *testing.T, svc *Service) *Payment {
	t.Helper()
	p, err := svc.Initiate(context.Background(), InitiateRequest{
		Amount:    money.New(100000, money.KES),
		Phone:     "254712345678",
		Purpose:   PurposeInvoice,
		PurposeID: "inv-1",
	})
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	return p
}

func TestInitiateSetsGatewayRefs(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{})

	p := initiated(t, svc)

	stored, _ := store.Get(context.Background(), p.ID)
	if stored.Status != StatusPending {
		t.Errorf("status = %s, want pending", stored.Status)
	}
	if stored.CheckoutRequestID == "" {
		t.Error("checkout request ID not recorded")
	}
}

func TestInitiateGatewayFailure(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{fail: true})
	activator := &fakeActivator{}
	svc.RegisterActivator(PurposeInvoice, activator)

	_, err := svc.Initiate(context.Background(), InitiateRequest{
		Amount:    money.New(100000, money.KES),
		Phone:     "254712345678",
		Purpose:   PurposeInvoice,
		PurposeID: "inv-1",
	})
	if err == nil {
		t.Fatal("Initiate() expected error on gateway failure")
	}

	// The payment row survives as an auditable failure.
	var failed int
	for _, p := range store.payments {
		if p.Status == StatusFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed payments = %d, want 1", failed)
	}
	if len(activator.failed) != 1 {
		t.Errorf("failure fan-out calls = %d, want 1", len(activator.failed))
	}
}

func TestReconcileSuccessActivatesOnce(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{})
	activator := &fakeActivator{}
	svc.RegisterActivator(PurposeInvoice, activator)

	p := initiated(t, svc)

	cb := Callback{
		TransactionID:     "TXN001",
		CheckoutRequestID: "cr-" + p.ID,
		ResultCode:        daraja.ResultCodeSuccess,
		ResultDesc:        "processed",
		Source:            SourceSTK,
	}

	// Deliver the same callback three times.
	for i := 0; i < 3; i++ {
		if err := svc.Reconcile(context.Background(), cb); err != nil {
			t.Fatalf("Reconcile() #%d error = %v", i+1, err)
		}
	}

	stored, _ := store.Get(context.Background(), p.ID)
	if stored.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", stored.Status)
	}
	if stored.TransactionID != "TXN001" {
		t.Errorf("transaction ID = %q, want TXN001", stored.TransactionID)
	}
	if len(activator.completed) != 1 {
		t.Errorf("activation calls = %d, want exactly 1", len(activator.completed))
	}
}

func TestReconcileFailureAfterSuccessIgnored(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{})
	activator := &fakeActivator{}
	svc.RegisterActivator(PurposeInvoice, activator)

	p := initiated(t, svc)

	success := Callback{
		TransactionID:     "TXN001",
		CheckoutRequestID: "cr-" + p.ID,
		ResultCode:        daraja.ResultCodeSuccess,
		Source:            SourceSTK,
	}
	failure := Callback{
		CheckoutRequestID: "cr-" + p.ID,
		ResultCode:        1032,
		ResultDesc:        "cancelled by user",
		Source:            SourceSTK,
	}

	if err := svc.Reconcile(context.Background(), success); err != nil {
		t.Fatalf("Reconcile(success) error = %v", err)
	}
	if err := svc.Reconcile(context.Background(), failure); err != nil {
		t.Fatalf("Reconcile(failure) error = %v", err)
	}

	stored, _ := store.Get(context.Background(), p.ID)
	if stored.Status != StatusCompleted {
		t.Errorf("late failure callback changed status to %s", stored.Status)
	}
	if len(activator.failed) != 0 {
		t.Errorf("failure fan-out fired %d times after completion", len(activator.failed))
	}
}

func TestReconcileMatchByBillReference(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{})

	p := initiated(t, svc)

	// C2B confirmation: no checkout request ID, bill reference carries the
	// payment's own ID.
	cb := Callback{
		TransactionID: "C2B001",
		BillReference: p.ID,
		AmountMinor:   100000,
		ResultCode:    daraja.ResultCodeSuccess,
		Source:        SourceC2B,
	}

	if err := svc.Reconcile(context.Background(), cb); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	stored, _ := store.Get(context.Background(), p.ID)
	if stored.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", stored.Status)
	}
}

func TestReconcileUnmatchedRecorded(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{})

	cb := Callback{
		TransactionID: "GHOST01",
		BillReference: "no-such-payment",
		AmountMinor:   50000,
		PayerContact:  "254700000000",
		ResultCode:    daraja.ResultCodeSuccess,
		Source:        SourceC2B,
	}

	if err := svc.Reconcile(context.Background(), cb); err != nil {
		t.Fatalf("Reconcile() should absorb unmatched callbacks, got %v", err)
	}

	if len(store.unmatched) != 1 {
		t.Fatalf("unmatched records = %d, want 1", len(store.unmatched))
	}
	u := store.unmatched[0]
	if u.TransactionID != "GHOST01" {
		t.Errorf("unmatched transaction ID = %q", u.TransactionID)
	}
	if u.AmountMinor != 50000 {
		t.Errorf("unmatched amount = %d, want 50000", u.AmountMinor)
	}
}

func TestReconcileStoreErrorSurfaced(t *testing.T) {
	store := &flakyStore{
		fakeStore: newFakeStore(),
		lookupErr: errors.New("read tcp 10.0.0.1:5432: connection reset by peer"),
	}
	svc := newTestService(store, &fakeGateway{})

	cb := Callback{
		TransactionID:     "TXN001",
		CheckoutRequestID: "cr-1",
		ResultCode:        daraja.ResultCodeSuccess,
		Source:            SourceSTK,
	}

	err := svc.Reconcile(context.Background(), cb)
	if err == nil {
		t.Fatal("Reconcile() must surface store failures, not absorb them")
	}
	if !errors.Is(err, store.lookupErr) {
		t.Errorf("Reconcile() error = %v, want wrapped %v", err, store.lookupErr)
	}
	// A transient store failure is not an unmatched callback.
	if len(store.unmatched) != 0 {
		t.Errorf("unmatched records = %d, want 0", len(store.unmatched))
	}
}

func TestReconcileNoUsableIdentifier(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{})

	cb := Callback{ResultCode: daraja.ResultCodeSuccess, Source: SourceSTK}
	if err := svc.Reconcile(context.Background(), cb); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(store.unmatched) != 1 {
		t.Errorf("unmatched records = %d, want 1", len(store.unmatched))
	}
}

func TestFailStalePending(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{})
	activator := &fakeActivator{}
	svc.RegisterActivator(PurposeInvoice, activator)

	p := initiated(t, svc)
	store.payments[p.ID].CreatedAt = time.Now().UTC().Add(-48 * time.Hour)

	fresh := initiated(t, svc)

	failed, err := svc.FailStalePending(context.Background(), 24*time.Hour, 100)
	if err != nil {
		t.Fatalf("FailStalePending() error = %v", err)
	}
	if failed != 1 {
		t.Errorf("timed out payments = %d, want 1", failed)
	}

	stale, _ := store.Get(context.Background(), p.ID)
	if stale.Status != StatusFailed {
		t.Errorf("stale payment status = %s, want failed", stale.Status)
	}
	kept, _ := store.Get(context.Background(), fresh.ID)
	if kept.Status != StatusPending {
		t.Errorf("fresh payment status = %s, want pending", kept.Status)
	}
	if len(activator.failed) != 1 {
		t.Errorf("failure fan-out calls = %d, want 1", len(activator.failed))
	}
}
