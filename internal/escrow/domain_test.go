package escrow

import (
	"testing"
	"time"

	"hostelpay/internal/common/money"
)

func TestAccumulate(t *testing.T) {
	tests := []struct {
		name        string
		current     ConfirmationStatus
		role        Role
		want        ConfirmationStatus
		wantChanged bool
	}{
		{"tenant first", ConfirmPending, RoleTenant, ConfirmByTenant, true},
		{"provider first", ConfirmPending, RoleProvider, ConfirmByProvider, true},
		{"provider after tenant", ConfirmByTenant, RoleProvider, ConfirmByBoth, true},
		{"tenant after provider", ConfirmByProvider, RoleTenant, ConfirmByBoth, true},
		{"tenant repeats", ConfirmByTenant, RoleTenant, ConfirmByTenant, false},
		{"provider repeats", ConfirmByProvider, RoleProvider, ConfirmByProvider, false},
		{"tenant after both", ConfirmByBoth, RoleTenant, ConfirmByBoth, false},
		{"provider after both", ConfirmByBoth, RoleProvider, ConfirmByBoth, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := Accumulate(tt.current, tt.role)
			if got != tt.want || changed != tt.wantChanged {
				t.Errorf("Accumulate(%s, %s) = (%s, %v), want (%s, %v)",
					tt.current, tt.role, got, changed, tt.want, tt.wantChanged)
			}
		})
	}
}

func TestNewCommissionRecord(t *testing.T) {
	b := &ServiceBooking{
		ID:         "bk-1",
		ProviderID: "prov-1",
		AmountPaid: money.New(100000, money.KES), // KES 1000.00
	}

	rec := NewCommissionRecord("cr-1", b, 1000) // 10%

	if rec.CommissionAmount.AmountMinor != 10000 {
		t.Errorf("commission = %d, want 10000", rec.CommissionAmount.AmountMinor)
	}
	if rec.NetAmount.AmountMinor != 90000 {
		t.Errorf("net = %d, want 90000", rec.NetAmount.AmountMinor)
	}
	if rec.CommissionAmount.AmountMinor+rec.NetAmount.AmountMinor != b.AmountPaid.AmountMinor {
		t.Error("commission and net must sum to the amount paid")
	}
}

func TestNewServiceBooking(t *testing.T) {
	amount := money.New(100000, money.KES)
	when := time.Now().Add(24 * time.Hour)

	b, err := NewServiceBooking("bk-1", "svc-1", "Laundry", "ten-1", "254700000001", "prov-1", "254700000002", when, amount)
	if err != nil {
		t.Fatalf("NewServiceBooking() error = %v", err)
	}
	if b.Status != StatusPending || b.ConfirmationStatus != ConfirmPending || b.ReleaseStatus != ReleasePending {
		t.Errorf("new booking not fully pending: %s/%s/%s", b.Status, b.ConfirmationStatus, b.ReleaseStatus)
	}

	if _, err := NewServiceBooking("bk-2", "svc-1", "Laundry", "u-1", "254700000001", "u-1", "254700000002", when, amount); err == nil {
		t.Error("expected error when tenant and provider are the same actor")
	}
	if _, err := NewServiceBooking("bk-3", "svc-1", "Laundry", "ten-1", "254700000001", "prov-1", "254700000002", when, money.Zero(money.KES)); err == nil {
		t.Error("expected error for zero amount")
	}
}

func TestActorFor(t *testing.T) {
	b := &ServiceBooking{TenantID: "ten-1", ProviderID: "prov-1"}
	if b.ActorFor(RoleTenant) != "ten-1" {
		t.Error("ActorFor(tenant) should return the tenant")
	}
	if b.ActorFor(RoleProvider) != "prov-1" {
		t.Error("ActorFor(provider) should return the provider")
	}
}
