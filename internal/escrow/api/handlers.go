package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"hostelpay/internal/common/api"
	"hostelpay/internal/common/middleware"
	"hostelpay/internal/common/money"
	"hostelpay/internal/escrow"
)

// Handler handles booking HTTP requests.
type Handler struct {
	service *escrow.Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *escrow.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the booking routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/confirm", h.Confirm)
	r.Post("/{id}/cancel", h.Cancel)
	r.Get("/{id}/commission", h.GetCommission)

	return r
}

// CreateRequest is the API request for booking a service.
type CreateRequest struct {
	ServiceID     string    `json:"service_id" validate:"required"`
	ServiceName   string    `json:"service_name" validate:"required"`
	TenantID      string    `json:"tenant_id" validate:"required"`
	TenantPhone   string    `json:"tenant_phone" validate:"required,min=9,max=15"`
	ProviderID    string    `json:"provider_id" validate:"required"`
	ProviderPhone string    `json:"provider_phone" validate:"required,min=9,max=15"`
	BookingTime   time.Time `json:"booking_time" validate:"required"`
	AmountMinor   int64     `json:"amount_minor" validate:"required,gt=0"`
	Currency      string    `json:"currency" validate:"required,len=3"`
}

// Create handles POST /bookings
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	result, err := h.service.Create(r.Context(), escrow.CreateRequest{
		ServiceID:     req.ServiceID,
		ServiceName:   req.ServiceName,
		TenantID:      req.TenantID,
		TenantPhone:   req.TenantPhone,
		ProviderID:    req.ProviderID,
		ProviderPhone: req.ProviderPhone,
		BookingTime:   req.BookingTime,
		Amount:        money.New(req.AmountMinor, money.Currency(req.Currency)),
	})
	if err != nil {
		api.WriteAppError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, result)
}

// List handles GET /bookings
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	params := api.GetPaginationParams(r, 50, 100)

	bookings, total, err := h.service.List(r.Context(), params.Limit, params.Offset)
	if err != nil {
		api.InternalError(w, "failed to list bookings")
		return
	}

	api.WritePaginated(w, bookings, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(bookings)) < total,
	})
}

// Get handles GET /bookings/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "booking ID required")
		return
	}

	b, err := h.service.Get(r.Context(), id)
	if err != nil {
		api.WriteAppError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, b)
}

// ConfirmRequest is the API request for confirming service completion.
type ConfirmRequest struct {
	Role string `json:"role" validate:"required,oneof=tenant provider"`
}

// ConfirmResponse reports the confirmation outcome.
type ConfirmResponse struct {
	Message string                 `json:"message"`
	Booking *escrow.ServiceBooking `json:"booking"`
}

// Confirm handles POST /bookings/{id}/confirm. The acting party comes from
// the authenticated actor header; the claimed role from the body.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "booking ID required")
		return
	}

	actorID := middleware.GetActorID(r.Context())
	if actorID == "" {
		api.Unauthorized(w, "actor required")
		return
	}

	var req ConfirmRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	result, err := h.service.Confirm(r.Context(), id, actorID, escrow.Role(req.Role))
	if err != nil {
		api.WriteAppError(w, err)
		return
	}

	msg := "Confirmation received. Waiting for the other party."
	if result.Settled {
		msg = "Service completed, funds released and provider balance credited."
	} else if !result.Changed {
		msg = "Confirmation already recorded."
	}

	api.WriteData(w, http.StatusOK, ConfirmResponse{Message: msg, Booking: result.Booking})
}

// Cancel handles POST /bookings/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "booking ID required")
		return
	}

	if err := h.service.Cancel(r.Context(), id); err != nil {
		api.WriteAppError(w, err)
		return
	}

	b, err := h.service.Get(r.Context(), id)
	if err != nil {
		api.WriteAppError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, b)
}

// GetCommission handles GET /bookings/{id}/commission
func (h *Handler) GetCommission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "booking ID required")
		return
	}

	rec, err := h.service.GetCommission(r.Context(), id)
	if err != nil {
		api.WriteAppError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, rec)
}
