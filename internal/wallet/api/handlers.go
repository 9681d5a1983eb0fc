package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"hostelpay/internal/common/api"
	"hostelpay/internal/common/middleware"
	"hostelpay/internal/common/money"
	"hostelpay/internal/wallet"
)

// Handler handles wallet HTTP requests.
type Handler struct {
	service *wallet.Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *wallet.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the wallet routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/balance", h.GetBalance)
	r.Post("/withdrawals", h.RequestWithdrawal)
	r.Get("/withdrawals", h.ListWithdrawals)
	r.Get("/withdrawals/{id}", h.GetWithdrawal)
	r.Post("/withdrawals/{id}/process", h.ProcessWithdrawal)
	r.Post("/withdrawals/{id}/reject", h.RejectWithdrawal)

	return r
}

// GetBalance handles GET /wallet/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	actorID := middleware.GetActorID(r.Context())
	if actorID == "" {
		api.Unauthorized(w, "actor required")
		return
	}

	balance, err := h.service.GetBalance(r.Context(), actorID)
	if err != nil {
		api.InternalError(w, "failed to get balance")
		return
	}

	api.WriteData(w, http.StatusOK, balance)
}

// WithdrawalRequest is the API request for a withdrawal.
type WithdrawalRequest struct {
	AmountMinor   int64  `json:"amount_minor" validate:"required,gt=0"`
	Currency      string `json:"currency" validate:"required,len=3"`
	PaymentMethod string `json:"payment_method" validate:"required"`
}

// RequestWithdrawal handles POST /wallet/withdrawals
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	actorID := middleware.GetActorID(r.Context())
	if actorID == "" {
		api.Unauthorized(w, "actor required")
		return
	}

	var req WithdrawalRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	wr, err := h.service.RequestWithdrawal(r.Context(), actorID,
		money.New(req.AmountMinor, money.Currency(req.Currency)), req.PaymentMethod)
	if err != nil {
		api.WriteAppError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, wr)
}

// ListWithdrawals handles GET /wallet/withdrawals
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	actorID := middleware.GetActorID(r.Context())
	if actorID == "" {
		api.Unauthorized(w, "actor required")
		return
	}

	params := api.GetPaginationParams(r, 50, 100)

	withdrawals, total, err := h.service.ListWithdrawals(r.Context(), actorID, params.Limit, params.Offset)
	if err != nil {
		api.InternalError(w, "failed to list withdrawals")
		return
	}

	api.WritePaginated(w, withdrawals, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(withdrawals)) < total,
	})
}

// GetWithdrawal handles GET /wallet/withdrawals/{id}
func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "withdrawal ID required")
		return
	}

	wr, err := h.service.GetWithdrawal(r.Context(), id)
	if err != nil {
		api.WriteAppError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, wr)
}

// ProcessWithdrawal handles POST /wallet/withdrawals/{id}/process
func (h *Handler) ProcessWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.service.ProcessWithdrawal)
}

// RejectWithdrawal handles POST /wallet/withdrawals/{id}/reject
func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.service.RejectWithdrawal)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "withdrawal ID required")
		return
	}

	if err := fn(r.Context(), id); err != nil {
		api.WriteAppError(w, err)
		return
	}

	wr, err := h.service.GetWithdrawal(r.Context(), id)
	if err != nil {
		api.WriteAppError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, wr)
}
