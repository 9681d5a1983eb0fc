// Package daraja provides a client for the M-Pesa Daraja API (STK push
// initiation and C2B URL registration). The client is pure request/response:
// it never retries and surfaces every provider failure as an error, leaving
// retry policy to callers.
package daraja

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ResultCodeSuccess is the gateway result code for a successful transaction.
const ResultCodeSuccess = 0

// Config holds Daraja API configuration.
type Config struct {
	BaseURL        string        `envconfig:"DARAJA_BASE_URL" default:"https://sandbox.safaricom.co.ke"`
	ConsumerKey    string        `envconfig:"DARAJA_CONSUMER_KEY"`
	ConsumerSecret string        `envconfig:"DARAJA_CONSUMER_SECRET"`
	ShortCode      string        `envconfig:"DARAJA_SHORT_CODE"`
	Passkey        string        `envconfig:"DARAJA_PASSKEY"`
	CallbackURL    string        `envconfig:"DARAJA_CALLBACK_URL"`
	Timeout        time.Duration `envconfig:"DARAJA_TIMEOUT" default:"30s"`

	// C2B callback URLs registered with the gateway at startup when set.
	C2BConfirmationURL string `envconfig:"DARAJA_C2B_CONFIRMATION_URL"`
	C2BValidationURL   string `envconfig:"DARAJA_C2B_VALIDATION_URL"`
}

// Client talks to the Daraja API.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient creates a new Daraja client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// STKPushRequest is a request to initiate an STK push prompt.
type STKPushRequest struct {
	AmountMinor      int64  // minor units; Daraja takes whole shillings
	Phone            string // MSISDN in 2547XXXXXXXX form
	AccountReference string // echoed back on C2B-style callbacks as BillRefNumber
	Description      string
}

// STKPushResponse is the gateway's acknowledgement of an STK push.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPush initiates an STK push prompt on the payer's phone.
func (c *Client) STKPush(ctx context.Context, req STKPushRequest) (*STKPushResponse, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring access token: %w", err)
	}

	timestamp := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString(
		[]byte(c.config.ShortCode + c.config.Passkey + timestamp),
	)

	payload := stkPushPayload{
		BusinessShortCode: c.config.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.AmountMinor / 100, // Daraja takes whole shillings
		PartyA:            req.Phone,
		PartyB:            c.config.ShortCode,
		PhoneNumber:       req.Phone,
		CallBackURL:       c.config.CallbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   req.Description,
	}

	c.logger.Info("initiating STK push",
		"phone", req.Phone,
		"amount", req.AmountMinor,
		"account_reference", req.AccountReference,
	)

	var resp STKPushResponse
	if err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", token, payload, &resp); err != nil {
		return nil, fmt.Errorf("stk push: %w", err)
	}

	if resp.ResponseCode != "0" {
		return nil, fmt.Errorf("stk push rejected: code=%s desc=%s", resp.ResponseCode, resp.ResponseDescription)
	}

	c.logger.Info("STK push accepted",
		"merchant_request_id", resp.MerchantRequestID,
		"checkout_request_id", resp.CheckoutRequestID,
	)

	return &resp, nil
}

// RegisterC2BURLs registers the confirmation and validation callback URLs for
// customer-initiated paybill transfers.
func (c *Client) RegisterC2BURLs(ctx context.Context, confirmationURL, validationURL string) error {
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("acquiring access token: %w", err)
	}

	payload := map[string]string{
		"ShortCode":       c.config.ShortCode,
		"ResponseType":    "Completed",
		"ConfirmationURL": confirmationURL,
		"ValidationURL":   validationURL,
	}

	var resp struct {
		ResponseDescription string `json:"ResponseDescription"`
	}
	if err := c.post(ctx, "/mpesa/c2b/v1/registerurl", token, payload, &resp); err != nil {
		return fmt.Errorf("c2b url registration: %w", err)
	}

	c.logger.Info("C2B URLs registered", "description", resp.ResponseDescription)
	return nil
}

// token returns a cached OAuth access token, refreshing it when expired.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.config.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.SetBasicAuth(c.config.ConsumerKey, c.config.ConsumerSecret)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return "", fmt.Errorf("oauth error: status=%d body=%s", httpResp.StatusCode, string(respBody))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	c.accessToken = tokenResp.AccessToken
	// Tokens are valid for an hour; refresh a minute early.
	c.tokenExpiry = time.Now().Add(59 * time.Minute)

	return c.accessToken, nil
}

func (c *Client) post(ctx context.Context, path, token string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return fmt.Errorf("daraja api error: status=%d body=%s", httpResp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}
