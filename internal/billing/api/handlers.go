package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"hostelpay/internal/billing"
	"hostelpay/internal/common/api"
	"hostelpay/internal/common/money"
)

// Handler handles billing HTTP requests.
type Handler struct {
	service *billing.Service
}

// NewHandler creates a new billing handler.
func NewHandler(service *billing.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the billing routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/bookings", h.CreateBooking)
	r.Get("/bookings/{id}", h.GetBooking)
	r.Get("/bookings/{id}/invoices", h.ListInvoices)

	r.Get("/invoices/{id}", h.GetInvoice)
	r.Post("/invoices/{id}/pay", h.PayInvoice)

	r.Get("/rent-statuses/{id}", h.GetRentStatus)
	r.Post("/rent-statuses/{id}/payments", h.RecordRentPayment)

	return r
}

// CreateBookingRequest is the API request for registering a rental booking.
type CreateBookingRequest struct {
	RoomID        string    `json:"room_id" validate:"required"`
	TenantID      string    `json:"tenant_id" validate:"required"`
	TenantPhone   string    `json:"tenant_phone" validate:"required,min=9,max=15"`
	LandlordID    string    `json:"landlord_id" validate:"required"`
	LandlordPhone string    `json:"landlord_phone" validate:"required,min=9,max=15"`
	Cycle         string    `json:"cycle" validate:"required,oneof=monthly semester"`
	RentMinor     int64     `json:"rent_minor" validate:"required,gt=0"`
	Currency      string    `json:"currency" validate:"required,len=3"`
	StartDate     time.Time `json:"start_date" validate:"required"`
	EndDate       time.Time `json:"end_date" validate:"required"`
}

// CreateBooking handles POST /billing/bookings
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req CreateBookingRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	b, err := h.service.CreateBooking(r.Context(), billing.CreateBookingRequest{
		RoomID:        req.RoomID,
		TenantID:      req.TenantID,
		TenantPhone:   req.TenantPhone,
		LandlordID:    req.LandlordID,
		LandlordPhone: req.LandlordPhone,
		Cycle:         billing.Cycle(req.Cycle),
		Rent:          money.New(req.RentMinor, money.Currency(req.Currency)),
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
	})
	if err != nil {
		api.WriteAppError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, b)
}

// GetBooking handles GET /billing/bookings/{id}
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "booking ID required")
		return
	}

	b, err := h.service.GetBooking(r.Context(), id)
	if err != nil {
		api.WriteAppError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, b)
}

// ListInvoices handles GET /billing/bookings/{id}/invoices
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "booking ID required")
		return
	}

	params := api.GetPaginationParams(r, 50, 100)

	invoices, total, err := h.service.ListInvoices(r.Context(), id, params.Limit, params.Offset)
	if err != nil {
		api.InternalError(w, "failed to list invoices")
		return
	}

	api.WritePaginated(w, invoices, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(invoices)) < total,
	})
}

// GetInvoice handles GET /billing/invoices/{id}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "invoice ID required")
		return
	}

	inv, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		api.WriteAppError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, inv)
}

// PayInvoiceRequest is the API request for paying an invoice.
type PayInvoiceRequest struct {
	Phone string `json:"phone" validate:"required,min=9,max=15"`
}

// PayInvoice handles POST /billing/invoices/{id}/pay. The response carries
// the pending payment the client polls while the payer answers the prompt.
func (h *Handler) PayInvoice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "invoice ID required")
		return
	}

	var req PayInvoiceRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	p, err := h.service.PayInvoice(r.Context(), id, req.Phone)
	if err != nil {
		api.WriteAppError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, p)
}

// GetRentStatus handles GET /billing/rent-statuses/{id}
func (h *Handler) GetRentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "rent status ID required")
		return
	}

	rs, err := h.service.GetRentStatus(r.Context(), id)
	if err != nil {
		api.WriteAppError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, rs)
}

// RecordRentPaymentRequest is the API request for recording a rent payment.
type RecordRentPaymentRequest struct {
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"required,len=3"`
	Method      string `json:"method,omitempty"`
}

// RecordRentPayment handles POST /billing/rent-statuses/{id}/payments
func (h *Handler) RecordRentPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "rent status ID required")
		return
	}

	var req RecordRentPaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	rs, err := h.service.RecordRentPayment(r.Context(), id,
		money.New(req.AmountMinor, money.Currency(req.Currency)), req.Method)
	if err != nil {
		api.WriteAppError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, rs)
}
