package payment

import (
	"testing"

	"hostelpay/internal/common/money"
)

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to completed", StatusPending, StatusCompleted, true},
		{"pending to failed", StatusPending, StatusFailed, true},
		{"completed to failed", StatusCompleted, StatusFailed, false},
		{"failed to completed", StatusFailed, StatusCompleted, false},
		{"completed to completed", StatusCompleted, StatusCompleted, false},
		{"failed to failed", StatusFailed, StatusFailed, false},
		{"completed to pending", StatusCompleted, StatusPending, false},
		{"pending to pending", StatusPending, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStatusIsTerminal(t *testing.T) {
	if StatusPending.IsTerminal() {
		t.Error("pending should not be terminal")
	}
	if !StatusCompleted.IsTerminal() {
		t.Error("completed should be terminal")
	}
	if !StatusFailed.IsTerminal() {
		t.Error("failed should be terminal")
	}
}

func TestNewPayment(t *testing.T) {
	amount := money.New(150000, money.KES)

	p, err := NewPayment("01ARZ3NDEKTSV4RRFFQ69G5FAV", amount, "254712345678", PurposeInvoice, "inv-1")
	if err != nil {
		t.Fatalf("NewPayment() error = %v", err)
	}
	if p.Status != StatusPending {
		t.Errorf("new payment status = %s, want pending", p.Status)
	}
	if p.TransactionID != "" {
		t.Errorf("new payment should have no transaction ID, got %q", p.TransactionID)
	}

	tests := []struct {
		name      string
		id        string
		amount    money.Money
		phone     string
		purpose   Purpose
		purposeID string
	}{
		{"empty id", "", amount, "254712345678", PurposeInvoice, "inv-1"},
		{"zero amount", "id", money.Zero(money.KES), "254712345678", PurposeInvoice, "inv-1"},
		{"negative amount", "id", money.New(-100, money.KES), "254712345678", PurposeInvoice, "inv-1"},
		{"empty phone", "id", amount, "", PurposeInvoice, "inv-1"},
		{"unknown purpose", "id", amount, "254712345678", Purpose("rental"), "inv-1"},
		{"empty purpose id", "id", amount, "254712345678", PurposeInvoice, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPayment(tt.id, tt.amount, tt.phone, tt.purpose, tt.purposeID); err == nil {
				t.Error("NewPayment() expected error, got nil")
			}
		})
	}
}

func TestPurposeIsValid(t *testing.T) {
	for _, p := range ValidPurposes {
		if !p.IsValid() {
			t.Errorf("purpose %s should be valid", p)
		}
	}
	if Purpose("refund").IsValid() {
		t.Error("unknown purpose should be invalid")
	}
}
