// Package escrow implements the dual-confirmation settlement protocol for
// marketplace service bookings. Funds collected from the tenant are held
// until both parties confirm completion, then released to the provider net
// of commission in a single transaction.
package escrow

import (
	"errors"
	"time"

	"hostelpay/internal/common/money"
)

// Role identifies which side of a booking an actor is on.
type Role string

const (
	RoleTenant   Role = "tenant"
	RoleProvider Role = "provider"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleTenant || r == RoleProvider
}

// Status represents the lifecycle state of a booking.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ConfirmationStatus accumulates the two completion confirmations.
type ConfirmationStatus string

const (
	ConfirmPending    ConfirmationStatus = "pending"
	ConfirmByTenant   ConfirmationStatus = "confirmed_by_tenant"
	ConfirmByProvider ConfirmationStatus = "confirmed_by_provider"
	ConfirmByBoth     ConfirmationStatus = "confirmed_by_both"
)

// ReleaseStatus tracks whether the held funds have been released.
type ReleaseStatus string

const (
	ReleasePending  ReleaseStatus = "pending"
	ReleaseReleased ReleaseStatus = "released"
)

// PaymentStatus tracks the tenant's payment for the booking.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// Accumulate applies one party's confirmation to the current status. It
// returns the resulting status and whether anything changed; a party
// re-confirming their own recorded side is a no-op, not an error.
func Accumulate(current ConfirmationStatus, role Role) (ConfirmationStatus, bool) {
	switch current {
	case ConfirmPending:
		if role == RoleTenant {
			return ConfirmByTenant, true
		}
		return ConfirmByProvider, true
	case ConfirmByTenant:
		if role == RoleProvider {
			return ConfirmByBoth, true
		}
		return current, false
	case ConfirmByProvider:
		if role == RoleTenant {
			return ConfirmByBoth, true
		}
		return current, false
	default:
		return current, false
	}
}

// ServiceBooking is a booking whose funds are held in escrow. Party contact
// details are captured at creation so settlement can notify without a user
// lookup.
type ServiceBooking struct {
	ID          string `json:"id"`
	ServiceID   string `json:"service_id"`
	ServiceName string `json:"service_name"`

	TenantID      string `json:"tenant_id"`
	TenantPhone   string `json:"tenant_phone"`
	ProviderID    string `json:"provider_id"`
	ProviderPhone string `json:"provider_phone"`

	BookingTime time.Time   `json:"booking_time"`
	AmountPaid  money.Money `json:"amount_paid"`

	Status             Status             `json:"status"`
	ConfirmationStatus ConfirmationStatus `json:"confirmation_status"`
	ReleaseStatus      ReleaseStatus      `json:"release_status"`
	PaymentStatus      PaymentStatus      `json:"payment_status"`

	PaymentID string `json:"payment_id,omitempty"`

	SettledAt *time.Time `json:"settled_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewServiceBooking creates a pending booking.
func NewServiceBooking(id, serviceID, serviceName, tenantID, tenantPhone, providerID, providerPhone string, bookingTime time.Time, amountPaid money.Money) (*ServiceBooking, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if serviceID == "" {
		return nil, errors.New("service_id is required")
	}
	if tenantID == "" || tenantPhone == "" {
		return nil, errors.New("tenant identity is required")
	}
	if providerID == "" || providerPhone == "" {
		return nil, errors.New("provider identity is required")
	}
	if tenantID == providerID {
		return nil, errors.New("tenant and provider must differ")
	}
	if !amountPaid.IsPositive() {
		return nil, errors.New("amount must be positive")
	}

	now := time.Now().UTC()
	return &ServiceBooking{
		ID:                 id,
		ServiceID:          serviceID,
		ServiceName:        serviceName,
		TenantID:           tenantID,
		TenantPhone:        tenantPhone,
		ProviderID:         providerID,
		ProviderPhone:      providerPhone,
		BookingTime:        bookingTime,
		AmountPaid:         amountPaid,
		Status:             StatusPending,
		ConfirmationStatus: ConfirmPending,
		ReleaseStatus:      ReleasePending,
		PaymentStatus:      PaymentPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// ActorFor returns the booking-side identity for a role.
func (b *ServiceBooking) ActorFor(role Role) string {
	if role == RoleTenant {
		return b.TenantID
	}
	return b.ProviderID
}

// CommissionRecord is the immutable audit record written when a booking
// settles. Exactly one exists per settled booking.
type CommissionRecord struct {
	ID         string `json:"id"`
	BookingID  string `json:"booking_id"`
	ProviderID string `json:"provider_id"`

	AmountPaid       money.Money `json:"amount_paid"`
	CommissionBps    int64       `json:"commission_bps"`
	CommissionAmount money.Money `json:"commission_amount"`
	NetAmount        money.Money `json:"net_amount"`

	CreatedAt time.Time `json:"created_at"`
}

// NewCommissionRecord computes the split for a settling booking.
func NewCommissionRecord(id string, b *ServiceBooking, commissionBps int64) *CommissionRecord {
	commission := b.AmountPaid.Percentage(commissionBps)
	net := b.AmountPaid.MustSub(commission)

	return &CommissionRecord{
		ID:               id,
		BookingID:        b.ID,
		ProviderID:       b.ProviderID,
		AmountPaid:       b.AmountPaid,
		CommissionBps:    commissionBps,
		CommissionAmount: commission,
		NetAmount:        net,
		CreatedAt:        time.Now().UTC(),
	}
}
