package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"hostelpay/internal/common/api"
	"hostelpay/internal/common/money"
	"hostelpay/internal/payment"
)

// Handler handles payment HTTP requests, including the gateway callback
// endpoints.
type Handler struct {
	service *payment.Service
	logger  *slog.Logger
}

// NewHandler creates a new payment handler.
func NewHandler(service *payment.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the payment routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Initiate)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/status", h.GetStatus)

	return r
}

// CallbackRoutes returns the gateway-facing callback routes. These are
// mounted separately so they bypass actor extraction.
func (h *Handler) CallbackRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/stk", h.STKCallback)
	r.Post("/c2b", h.C2BCallback)

	return r
}

// InitiateRequest is the API request for starting a payment.
type InitiateRequest struct {
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"required,len=3"`
	Phone       string `json:"phone" validate:"required,min=9,max=15"`
	Purpose     string `json:"purpose" validate:"required"`
	PurposeID   string `json:"purpose_id" validate:"required"`
}

// Initiate handles POST /payments
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req InitiateRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	purpose := payment.Purpose(req.Purpose)
	if !purpose.IsValid() {
		api.BadRequest(w, "unknown purpose")
		return
	}

	p, err := h.service.Initiate(r.Context(), payment.InitiateRequest{
		Amount:    money.New(req.AmountMinor, money.Currency(req.Currency)),
		Phone:     req.Phone,
		Purpose:   purpose,
		PurposeID: req.PurposeID,
	})
	if err != nil {
		api.WriteAppError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, p)
}

// List handles GET /payments
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	params := api.GetPaginationParams(r, 50, 100)

	payments, total, err := h.service.List(r.Context(), params.Limit, params.Offset)
	if err != nil {
		api.InternalError(w, "failed to list payments")
		return
	}

	api.WritePaginated(w, payments, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(payments)) < total,
	})
}

// Get handles GET /payments/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "payment ID required")
		return
	}

	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		api.WriteAppError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, p)
}

// StatusResponse is the polled payment status.
type StatusResponse struct {
	ID         string         `json:"id"`
	Status     payment.Status `json:"status"`
	ResultCode *int           `json:"result_code,omitempty"`
	ResultDesc string         `json:"result_desc,omitempty"`
}

// GetStatus handles GET /payments/{id}/status. Clients poll this while the
// payer responds to the prompt on their phone.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "payment ID required")
		return
	}

	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		api.WriteAppError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, StatusResponse{
		ID:         p.ID,
		Status:     p.Status,
		ResultCode: p.ResultCode,
		ResultDesc: p.ResultDesc,
	})
}

// stkCallbackEnvelope mirrors the gateway's STK result payload.
type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// gatewayAck is the acknowledgement body the gateway expects. Anything other
// than a 2xx triggers redelivery on the gateway side, so every syntactically
// valid callback is acked regardless of what reconciliation decided.
type gatewayAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// STKCallback handles POST /callbacks/stk
func (h *Handler) STKCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.BadRequest(w, "failed to read body")
		return
	}

	var env stkCallbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		api.BadRequest(w, "invalid callback payload")
		return
	}

	result := env.Body.StkCallback
	cb := payment.Callback{
		CheckoutRequestID: result.CheckoutRequestID,
		ResultCode:        result.ResultCode,
		ResultDesc:        result.ResultDesc,
		Source:            payment.SourceSTK,
		Raw:               raw,
	}

	for _, item := range result.CallbackMetadata.Item {
		switch item.Name {
		case "MpesaReceiptNumber":
			if v, ok := item.Value.(string); ok {
				cb.TransactionID = v
			}
		case "Amount":
			if v, ok := item.Value.(float64); ok {
				cb.AmountMinor = int64(math.Round(v * 100))
			}
		case "PhoneNumber":
			cb.PayerContact = metadataString(item.Value)
		}
	}

	// Reconciliation errors are infrastructure failures. The callback is
	// still acked, so the raw payload is logged for replay.
	if err := h.service.Reconcile(r.Context(), cb); err != nil {
		h.logger.Error("stk callback reconciliation failed",
			"checkout_request_id", cb.CheckoutRequestID,
			"transaction_id", cb.TransactionID,
			"error", err,
			"payload", string(raw),
		)
	}

	api.WriteJSON(w, http.StatusOK, gatewayAck{ResultCode: 0, ResultDesc: "Accepted"})
}

// c2bCallbackPayload mirrors the gateway's C2B confirmation payload.
type c2bCallbackPayload struct {
	TransactionType   string `json:"TransactionType"`
	TransID           string `json:"TransID"`
	TransTime         string `json:"TransTime"`
	TransAmount       string `json:"TransAmount"`
	BusinessShortCode string `json:"BusinessShortCode"`
	BillRefNumber     string `json:"BillRefNumber"`
	MSISDN            string `json:"MSISDN"`
	FirstName         string `json:"FirstName"`
}

// C2BCallback handles POST /callbacks/c2b. C2B confirmations only ever
// describe money that moved, so the result code is always success.
func (h *Handler) C2BCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.BadRequest(w, "failed to read body")
		return
	}

	var p c2bCallbackPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		api.BadRequest(w, "invalid callback payload")
		return
	}

	var amountMinor int64
	if f, err := strconv.ParseFloat(p.TransAmount, 64); err == nil {
		amountMinor = int64(math.Round(f * 100))
	}

	cb := payment.Callback{
		TransactionID: p.TransID,
		BillReference: p.BillRefNumber,
		AmountMinor:   amountMinor,
		PayerContact:  p.MSISDN,
		ResultCode:    0,
		ResultDesc:    "C2B confirmation",
		Source:        payment.SourceC2B,
		Raw:           raw,
	}

	if err := h.service.Reconcile(r.Context(), cb); err != nil {
		h.logger.Error("c2b callback reconciliation failed",
			"transaction_id", cb.TransactionID,
			"bill_reference", cb.BillReference,
			"error", err,
			"payload", string(raw),
		)
	}

	api.WriteJSON(w, http.StatusOK, gatewayAck{ResultCode: 0, ResultDesc: "Accepted"})
}

func metadataString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
