// Package notify dispatches user-facing messages over SMS, WhatsApp and
// email through an external messaging gateway. Dispatch is best-effort:
// failures are logged, never returned to the caller, so a notification error
// can never roll back a ledger transaction.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Channel identifies a delivery channel.
type Channel string

const (
	ChannelSMS      Channel = "SMS"
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelEmail    Channel = "EMAIL"
)

// Notifier sends fire-and-forget messages.
type Notifier interface {
	SendSMS(ctx context.Context, phone, message string)
	SendWhatsApp(ctx context.Context, phone, message string)
	SendEmail(ctx context.Context, email, subject, message string)
}

// Config holds messaging gateway configuration.
type Config struct {
	BaseURL string        `envconfig:"NOTIFY_BASE_URL"`
	APIKey  string        `envconfig:"NOTIFY_API_KEY"`
	Sender  string        `envconfig:"NOTIFY_SENDER" default:"HOSTELPAY"`
	Timeout time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"10s"`
}

// Service sends messages through the external messaging gateway. A Service
// with an empty BaseURL only logs, which keeps development environments
// working without credentials.
type Service struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewService creates a new notification service.
func NewService(cfg Config, logger *slog.Logger) *Service {
	return &Service{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

type dispatchRequest struct {
	Channel   Channel `json:"channel"`
	Recipient string  `json:"recipient"`
	Sender    string  `json:"sender"`
	Subject   string  `json:"subject,omitempty"`
	Message   string  `json:"message"`
}

// SendSMS sends an SMS message.
func (s *Service) SendSMS(ctx context.Context, phone, message string) {
	s.dispatch(ctx, dispatchRequest{Channel: ChannelSMS, Recipient: phone, Message: message})
}

// SendWhatsApp sends a WhatsApp message.
func (s *Service) SendWhatsApp(ctx context.Context, phone, message string) {
	s.dispatch(ctx, dispatchRequest{Channel: ChannelWhatsApp, Recipient: phone, Message: message})
}

// SendEmail sends an email.
func (s *Service) SendEmail(ctx context.Context, email, subject, message string) {
	s.dispatch(ctx, dispatchRequest{Channel: ChannelEmail, Recipient: email, Subject: subject, Message: message})
}

func (s *Service) dispatch(ctx context.Context, req dispatchRequest) {
	req.Sender = s.config.Sender

	if s.config.BaseURL == "" {
		s.logger.Info("notification (no gateway configured)",
			"channel", req.Channel,
			"recipient", req.Recipient,
			"message", req.Message,
		)
		return
	}

	if err := s.doDispatch(ctx, req); err != nil {
		s.logger.Error("notification dispatch failed",
			"error", err,
			"channel", req.Channel,
			"recipient", req.Recipient,
		)
		return
	}

	s.logger.Debug("notification dispatched",
		"channel", req.Channel,
		"recipient", req.Recipient,
	)
}

func (s *Service) doDispatch(ctx context.Context, req dispatchRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.config.APIKey)

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return fmt.Errorf("messaging gateway error: status=%d body=%s", httpResp.StatusCode, string(respBody))
	}

	return nil
}
