package wallet

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"hostelpay/internal/common/apperr"
	"hostelpay/internal/common/money"
)

// fakeStore mirrors the atomic reservation semantics of the pg store: the
// debit and the request row land together or not at all.
type fakeStore struct {
	mu          sync.Mutex
	balances    map[string]int64
	withdrawals map[string]*WithdrawalRequest
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		balances:    make(map[string]int64),
		withdrawals: make(map[string]*WithdrawalRequest),
	}
}

func (f *fakeStore) GetBalance(_ context.Context, ownerID string) (*Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &Balance{
		OwnerID:   ownerID,
		Amount:    money.New(f.balances[ownerID], money.KES),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeStore) Credit(_ context.Context, ownerID string, amount money.Money) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[ownerID] += amount.AmountMinor
	return nil
}

func (f *fakeStore) CreateWithdrawal(_ context.Context, w *WithdrawalRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[w.OwnerID] < w.Amount.AmountMinor {
		return ErrInsufficientBalance
	}
	f.balances[w.OwnerID] -= w.Amount.AmountMinor
	cp := *w
	f.withdrawals[w.ID] = &cp
	return nil
}

func (f *fakeStore) GetWithdrawal(_ context.Context, id string) (*WithdrawalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.withdrawals[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *w
	return &cp, nil
}

func (f *fakeStore) ResolveWithdrawal(_ context.Context, id string, status WithdrawalStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.withdrawals[id]
	if !ok {
		return false, errors.New("not found")
	}
	if w.Status != WithdrawalPending {
		return false, nil
	}
	w.Status = status
	if status == WithdrawalRejected {
		f.balances[w.OwnerID] += w.Amount.AmountMinor
	}
	return true, nil
}

func (f *fakeStore) ListWithdrawals(_ context.Context, ownerID string, limit, offset int) ([]*WithdrawalRequest, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*WithdrawalRequest
	for _, w := range f.withdrawals {
		if w.OwnerID == ownerID {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, int64(len(out)), nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestService(store Store) *Service {
	return NewService(store, nil, slog.New(slog.NewTextHandler(discardWriter{}, nil)))
}

func TestRequestWithdrawalReservesBalance(t *testing.T) {
	store := newFakeStore()
	store.balances["prov-1"] = 90000
	svc := newTestService(store)

	w, err := svc.RequestWithdrawal(context.Background(), "prov-1", money.New(50000, money.KES), "mpesa")
	if err != nil {
		t.Fatalf("RequestWithdrawal() error = %v", err)
	}

	if w.Status != WithdrawalPending {
		t.Errorf("status = %s, want pending", w.Status)
	}
	if w.Commission.AmountMinor != 0 {
		t.Errorf("commission = %d, want 0", w.Commission.AmountMinor)
	}
	if w.NetAmount.AmountMinor != 50000 {
		t.Errorf("net = %d, want 50000", w.NetAmount.AmountMinor)
	}
	if store.balances["prov-1"] != 40000 {
		t.Errorf("balance = %d after reservation, want 40000", store.balances["prov-1"])
	}
}

func TestRequestWithdrawalInsufficientBalance(t *testing.T) {
	store := newFakeStore()
	store.balances["prov-1"] = 50000 // KES 500
	svc := newTestService(store)

	_, err := svc.RequestWithdrawal(context.Background(), "prov-1", money.New(60000, money.KES), "mpesa")
	if !apperr.IsInvalidState(err) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if store.balances["prov-1"] != 50000 {
		t.Errorf("balance = %d after rejection, want 50000 unchanged", store.balances["prov-1"])
	}
	if len(store.withdrawals) != 0 {
		t.Error("no withdrawal row should exist after a rejected request")
	}
}

func TestConcurrentWithdrawalsCannotOverdraw(t *testing.T) {
	store := newFakeStore()
	store.balances["prov-1"] = 100000
	svc := newTestService(store)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var granted int

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RequestWithdrawal(context.Background(), "prov-1", money.New(30000, money.KES), "mpesa")
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 100000 / 30000: at most 3 requests can be granted.
	if granted > 3 {
		t.Errorf("granted = %d requests against 100000, want at most 3", granted)
	}
	if store.balances["prov-1"] < 0 {
		t.Errorf("balance went negative: %d", store.balances["prov-1"])
	}
}

func TestRejectRefundsReservation(t *testing.T) {
	store := newFakeStore()
	store.balances["prov-1"] = 50000
	svc := newTestService(store)

	w, err := svc.RequestWithdrawal(context.Background(), "prov-1", money.New(50000, money.KES), "mpesa")
	if err != nil {
		t.Fatalf("RequestWithdrawal() error = %v", err)
	}

	if err := svc.RejectWithdrawal(context.Background(), w.ID); err != nil {
		t.Fatalf("RejectWithdrawal() error = %v", err)
	}
	if store.balances["prov-1"] != 50000 {
		t.Errorf("balance = %d after refund, want 50000", store.balances["prov-1"])
	}

	// Already resolved: a second resolution is rejected.
	if err := svc.ProcessWithdrawal(context.Background(), w.ID); !apperr.IsInvalidState(err) {
		t.Errorf("resolving twice should be invalid state, got %v", err)
	}
}

func TestProcessKeepsReservation(t *testing.T) {
	store := newFakeStore()
	store.balances["prov-1"] = 50000
	svc := newTestService(store)

	w, _ := svc.RequestWithdrawal(context.Background(), "prov-1", money.New(20000, money.KES), "mpesa")

	if err := svc.ProcessWithdrawal(context.Background(), w.ID); err != nil {
		t.Fatalf("ProcessWithdrawal() error = %v", err)
	}
	if store.balances["prov-1"] != 30000 {
		t.Errorf("balance = %d after processing, want 30000", store.balances["prov-1"])
	}

	got, _ := svc.GetWithdrawal(context.Background(), w.ID)
	if got.Status != WithdrawalProcessed {
		t.Errorf("status = %s, want processed", got.Status)
	}
}
