package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"hostelpay/internal/common/api"
	"hostelpay/internal/common/money"
	"hostelpay/internal/entitlement"
)

// Handler handles entitlement HTTP requests.
type Handler struct {
	service *entitlement.Service
}

// NewHandler creates a new entitlement handler.
func NewHandler(service *entitlement.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the entitlement routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/consume-credit", h.ConsumeCredit)

	return r
}

// CreateRequest is the API request for purchasing an entitlement.
type CreateRequest struct {
	OwnerID    string `json:"owner_id" validate:"required"`
	OwnerPhone string `json:"owner_phone" validate:"required,min=9,max=15"`
	Kind       string `json:"kind" validate:"required,oneof=subscription sms_bundle visibility_boost"`
	PriceMinor int64  `json:"price_minor" validate:"required,gt=0"`
	Currency   string `json:"currency" validate:"required,len=3"`

	Tier           string `json:"tier,omitempty"`
	DurationMonths int    `json:"duration_months,omitempty" validate:"gte=0"`
	Credits        int    `json:"credits,omitempty" validate:"gte=0"`
	BoostDays      int    `json:"boost_days,omitempty" validate:"gte=0"`
	ServiceID      string `json:"service_id,omitempty"`
}

// Create handles POST /entitlements
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	result, err := h.service.Create(r.Context(), entitlement.CreateRequest{
		OwnerID:    req.OwnerID,
		OwnerPhone: req.OwnerPhone,
		Kind:       entitlement.Kind(req.Kind),
		Price:      money.New(req.PriceMinor, money.Currency(req.Currency)),
		Terms: entitlement.Terms{
			Tier:           req.Tier,
			DurationMonths: req.DurationMonths,
			Credits:        req.Credits,
			BoostDays:      req.BoostDays,
			ServiceID:      req.ServiceID,
		},
	})
	if err != nil {
		api.WriteAppError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, result)
}

// List handles GET /entitlements. An owner_id query narrows to one owner.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	params := api.GetPaginationParams(r, 50, 100)

	var (
		items []*entitlement.Entitlement
		total int64
		err   error
	)
	if ownerID := r.URL.Query().Get("owner_id"); ownerID != "" {
		items, total, err = h.service.ListByOwner(r.Context(), ownerID, params.Limit, params.Offset)
	} else {
		items, total, err = h.service.List(r.Context(), params.Limit, params.Offset)
	}
	if err != nil {
		api.InternalError(w, "failed to list entitlements")
		return
	}

	api.WritePaginated(w, items, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(items)) < total,
	})
}

// Get handles GET /entitlements/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "entitlement ID required")
		return
	}

	e, err := h.service.Get(r.Context(), id)
	if err != nil {
		api.WriteAppError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, e)
}

// ConsumeCreditRequest is the API request for spending one SMS credit.
type ConsumeCreditRequest struct {
	OwnerID string `json:"owner_id" validate:"required"`
}

// ConsumeCreditResponse reports whether a credit was available.
type ConsumeCreditResponse struct {
	Consumed bool `json:"consumed"`
}

// ConsumeCredit handles POST /entitlements/consume-credit
func (h *Handler) ConsumeCredit(w http.ResponseWriter, r *http.Request) {
	var req ConsumeCreditRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	consumed, err := h.service.ConsumeCredit(r.Context(), req.OwnerID)
	if err != nil {
		api.InternalError(w, "failed to consume credit")
		return
	}

	api.WriteData(w, http.StatusOK, ConsumeCreditResponse{Consumed: consumed})
}
