// Package entitlement implements the purchasable-entitlement lifecycle. One
// state machine covers subscriptions, SMS credit bundles and visibility
// boosts; the kinds differ only in how activation computes their window.
package entitlement

import (
	"errors"
	"time"

	"hostelpay/internal/common/money"
)

// Kind discriminates what the entitlement grants.
type Kind string

const (
	KindSubscription    Kind = "subscription"
	KindSmsBundle       Kind = "sms_bundle"
	KindVisibilityBoost Kind = "visibility_boost"
)

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	return k == KindSubscription || k == KindSmsBundle || k == KindVisibilityBoost
}

// Status represents the lifecycle state of an entitlement.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusActive         Status = "active"
	StatusExpired        Status = "expired"
	StatusCancelled      Status = "cancelled"
)

// IsValidTransition checks if a status transition is allowed. Activation only
// happens from pending_payment; expiry only from active; cancellation from
// either non-terminal state.
func IsValidTransition(from, to Status) bool {
	switch from {
	case StatusPendingPayment:
		return to == StatusActive || to == StatusCancelled
	case StatusActive:
		return to == StatusExpired || to == StatusCancelled
	default:
		return false
	}
}

// Terms are the activation parameters. Which fields apply depends on the
// kind; Validate enforces the pairing.
type Terms struct {
	// Tier and DurationMonths apply to subscriptions.
	Tier           string `json:"tier,omitempty"`
	DurationMonths int    `json:"duration_months,omitempty"`

	// Credits applies to SMS bundles. Bundles stay valid one month after
	// activation regardless of remaining credit.
	Credits int `json:"credits,omitempty"`

	// BoostDays and ServiceID apply to visibility boosts.
	BoostDays int    `json:"boost_days,omitempty"`
	ServiceID string `json:"service_id,omitempty"`
}

// Validate checks the terms against the kind.
func (t Terms) Validate(kind Kind) error {
	switch kind {
	case KindSubscription:
		if t.Tier == "" {
			return errors.New("subscription requires a tier")
		}
		if t.DurationMonths < 0 {
			return errors.New("duration_months must not be negative")
		}
	case KindSmsBundle:
		if t.Credits <= 0 {
			return errors.New("sms bundle requires a positive credit count")
		}
	case KindVisibilityBoost:
		if t.BoostDays <= 0 {
			return errors.New("visibility boost requires a positive day count")
		}
		if t.ServiceID == "" {
			return errors.New("visibility boost requires a service_id")
		}
	default:
		return errors.New("unknown kind")
	}
	return nil
}

// ExpiryFrom computes the expiry resulting from activation at the given
// instant. Subscriptions default to one month when no duration is set; SMS
// bundles are valid one month; boosts run for their day count.
func (t Terms) ExpiryFrom(kind Kind, activatedAt time.Time) time.Time {
	switch kind {
	case KindSubscription:
		months := t.DurationMonths
		if months == 0 {
			months = 1
		}
		return activatedAt.AddDate(0, months, 0)
	case KindSmsBundle:
		return activatedAt.AddDate(0, 1, 0)
	default:
		return activatedAt.AddDate(0, 0, t.BoostDays)
	}
}

// Entitlement is a purchasable right-to-use record, created pending and
// activated only by a completed payment.
type Entitlement struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`

	// OwnerPhone is captured at purchase time for the payment prompt and
	// activation notice.
	OwnerPhone string `json:"owner_phone"`

	Kind   Kind        `json:"kind"`
	Status Status      `json:"status"`
	Price  money.Money `json:"price"`
	Terms  Terms       `json:"terms"`

	// PaymentID links to the payment gating activation.
	PaymentID string `json:"payment_id,omitempty"`

	// CreditsRemaining tracks consumption for SMS bundles; zero for the
	// other kinds.
	CreditsRemaining int `json:"credits_remaining"`

	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewEntitlement creates a pending entitlement.
func NewEntitlement(id, ownerID, ownerPhone string, kind Kind, terms Terms, price money.Money) (*Entitlement, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if ownerID == "" {
		return nil, errors.New("owner_id is required")
	}
	if ownerPhone == "" {
		return nil, errors.New("owner_phone is required")
	}
	if !price.IsPositive() {
		return nil, errors.New("price must be positive")
	}
	if err := terms.Validate(kind); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Entitlement{
		ID:         id,
		OwnerID:    ownerID,
		OwnerPhone: ownerPhone,
		Kind:       kind,
		Status:     StatusPendingPayment,
		Price:      price,
		Terms:      terms,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}
