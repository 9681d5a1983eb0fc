package entitlement

import (
	"testing"
	"time"

	"hostelpay/internal/common/money"
)

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to active", StatusPendingPayment, StatusActive, true},
		{"pending to cancelled", StatusPendingPayment, StatusCancelled, true},
		{"active to expired", StatusActive, StatusExpired, true},
		{"active to cancelled", StatusActive, StatusCancelled, true},
		{"pending to expired", StatusPendingPayment, StatusExpired, false},
		{"active to active", StatusActive, StatusActive, false},
		{"expired to active", StatusExpired, StatusActive, false},
		{"cancelled to active", StatusCancelled, StatusActive, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTermsValidate(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		terms   Terms
		wantErr bool
	}{
		{"valid subscription", KindSubscription, Terms{Tier: "premium", DurationMonths: 1}, false},
		{"subscription without tier", KindSubscription, Terms{DurationMonths: 1}, true},
		{"valid sms bundle", KindSmsBundle, Terms{Credits: 100}, false},
		{"sms bundle without credits", KindSmsBundle, Terms{}, true},
		{"valid boost", KindVisibilityBoost, Terms{BoostDays: 7, ServiceID: "svc-1"}, false},
		{"boost without days", KindVisibilityBoost, Terms{ServiceID: "svc-1"}, true},
		{"boost without service", KindVisibilityBoost, Terms{BoostDays: 7}, true},
		{"unknown kind", Kind("coupon"), Terms{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.terms.Validate(tt.kind)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTermsExpiryFrom(t *testing.T) {
	at := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		kind  Kind
		terms Terms
		want  time.Time
	}{
		{"subscription default one month", KindSubscription, Terms{Tier: "basic"}, at.AddDate(0, 1, 0)},
		{"subscription four months", KindSubscription, Terms{Tier: "basic", DurationMonths: 4}, at.AddDate(0, 4, 0)},
		{"sms bundle one month", KindSmsBundle, Terms{Credits: 50}, at.AddDate(0, 1, 0)},
		{"boost seven days", KindVisibilityBoost, Terms{BoostDays: 7, ServiceID: "svc-1"}, at.AddDate(0, 0, 7)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.terms.ExpiryFrom(tt.kind, at); !got.Equal(tt.want) {
				t.Errorf("ExpiryFrom() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewEntitlement(t *testing.T) {
	price := money.New(50000, money.KES)

	e, err := NewEntitlement("ent-1", "user-1", "254712345678", KindSmsBundle, Terms{Credits: 100}, price)
	if err != nil {
		t.Fatalf("NewEntitlement() error = %v", err)
	}
	if e.Status != StatusPendingPayment {
		t.Errorf("status = %s, want pending_payment", e.Status)
	}
	if e.CreditsRemaining != 0 {
		t.Errorf("credits_remaining = %d before activation, want 0", e.CreditsRemaining)
	}

	if _, err := NewEntitlement("ent-2", "", "254712345678", KindSmsBundle, Terms{Credits: 100}, price); err == nil {
		t.Error("expected error for empty owner")
	}
	if _, err := NewEntitlement("ent-3", "user-1", "254712345678", KindSmsBundle, Terms{Credits: 100}, money.Zero(money.KES)); err == nil {
		t.Error("expected error for zero price")
	}
}
