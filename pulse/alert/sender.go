package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/internal/httpclient"
	"github.com/teranos/pulseline/logger"
)

// Sender delivers an alert over one channel type.
type Sender interface {
	Type() string
	// Validate checks a channel's config before it is stored.
	Validate(config json.RawMessage) error
	// Send delivers a and returns a short response for the delivery record.
	Send(ctx context.Context, ch *Channel, a *Alert) (string, error)
}

// payload is the JSON body webhooks receive.
type payload struct {
	ID            string                 `json:"id"`
	Severity      Severity               `json:"severity"`
	Title         string                 `json:"title"`
	Message       string                 `json:"message"`
	Source        string                 `json:"source"`
	Domain        string                 `json:"domain,omitempty"`
	ExecutionID   string                 `json:"execution_id,omitempty"`
	RunID         string                 `json:"run_id,omitempty"`
	ErrorCategory string                 `json:"error_category,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Channel       string                 `json:"channel"`
	CreatedAt     time.Time              `json:"created_at"`
}

func newPayload(ch *Channel, a *Alert) payload {
	return payload{
		ID:            a.ID,
		Severity:      a.Severity,
		Title:         a.Title,
		Message:       a.Message,
		Source:        a.Source,
		Domain:        a.Domain,
		ExecutionID:   a.ExecutionID,
		RunID:         a.RunID,
		ErrorCategory: a.ErrorCategory,
		Metadata:      a.Metadata,
		Channel:       ch.Name,
		CreatedAt:     a.CreatedAt,
	}
}

// WebhookConfig is the config of a webhook channel.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// WebhookSender POSTs the alert as JSON.
type WebhookSender struct {
	client *httpclient.Client
}

// NewWebhookSender creates a webhook sender over client.
func NewWebhookSender(client *httpclient.Client) *WebhookSender {
	return &WebhookSender{client: client}
}

func (w *WebhookSender) Type() string { return "webhook" }

func (w *WebhookSender) config(raw json.RawMessage) (*WebhookConfig, error) {
	var cfg WebhookConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.NewInvalidRequestError("webhook config: %v", err)
	}
	if cfg.URL == "" {
		return nil, errors.NewInvalidRequestError("webhook config requires url")
	}
	if _, err := w.client.Validate(cfg.URL); err != nil {
		return nil, errors.NewInvalidRequestError("webhook url: %v", err)
	}
	return &cfg, nil
}

func (w *WebhookSender) Validate(config json.RawMessage) error {
	_, err := w.config(config)
	return err
}

func (w *WebhookSender) Send(ctx context.Context, ch *Channel, a *Alert) (string, error) {
	cfg, err := w.config(ch.Config)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(newPayload(ch, a))
	if err != nil {
		return "", errors.Wrap(err, "failed to encode webhook payload")
	}
	resp, err := w.client.PostJSON(ctx, cfg.URL, body, cfg.Headers)
	if resp == nil {
		return "", err
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, resp.Body), err
}

// EmailConfig is the config of an email channel.
type EmailConfig struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	From     string   `json:"from"`
	To       []string `json:"to"`
}

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers alerts over SMTP.
type EmailSender struct {
	sendMail SendMailFunc
}

// NewEmailSender creates an email sender. A nil sendMail uses smtp.SendMail.
func NewEmailSender(sendMail SendMailFunc) *EmailSender {
	if sendMail == nil {
		sendMail = smtp.SendMail
	}
	return &EmailSender{sendMail: sendMail}
}

func (e *EmailSender) Type() string { return "email" }

func parseEmailConfig(raw json.RawMessage) (*EmailConfig, error) {
	var cfg EmailConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.NewInvalidRequestError("email config: %v", err)
	}
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, errors.NewInvalidRequestError("email config requires host and port")
	}
	if !strings.Contains(cfg.From, "@") {
		return nil, errors.NewInvalidRequestError("email config has invalid from address %q", cfg.From)
	}
	if len(cfg.To) == 0 {
		return nil, errors.NewInvalidRequestError("email config requires at least one recipient")
	}
	for _, to := range cfg.To {
		if !strings.Contains(to, "@") {
			return nil, errors.NewInvalidRequestError("email config has invalid recipient %q", to)
		}
	}
	return &cfg, nil
}

func (e *EmailSender) Validate(config json.RawMessage) error {
	_, err := parseEmailConfig(config)
	return err
}

func (e *EmailSender) Send(ctx context.Context, ch *Channel, a *Alert) (string, error) {
	cfg, err := parseEmailConfig(ch.Config)
	if err != nil {
		return "", err
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: [%s] %s\r\n", strings.ToUpper(string(a.Severity)), a.Title)
	msg.WriteString("\r\n")
	msg.WriteString(a.Message)
	fmt.Fprintf(&msg, "\r\n\r\nsource: %s\r\nalert: %s\r\n", a.Source, a.ID)
	if a.ExecutionID != "" {
		fmt.Fprintf(&msg, "execution: %s\r\n", a.ExecutionID)
	}

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	// net/smtp has no context support; run it aside so a deadline still bounds the attempt.
	done := make(chan error, 1)
	go func() {
		done <- e.sendMail(addr, auth, cfg.From, cfg.To, []byte(msg.String()))
	}()
	select {
	case err := <-done:
		if err != nil {
			return "", errors.Wrapf(err, "smtp send via %s", addr)
		}
		return fmt.Sprintf("accepted for %d recipient(s)", len(cfg.To)), nil
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "smtp send")
	}
}

// LogSender writes alerts to the structured log.
type LogSender struct {
	logger *zap.SugaredLogger
}

// NewLogSender creates a sender that logs through log.
func NewLogSender(log *zap.SugaredLogger) *LogSender {
	return &LogSender{logger: logger.AddAlertSymbol(log)}
}

func (l *LogSender) Type() string { return "log" }

func (l *LogSender) Validate(json.RawMessage) error { return nil }

func (l *LogSender) Send(ctx context.Context, ch *Channel, a *Alert) (string, error) {
	kv := []interface{}{
		logger.FieldAlertID, a.ID,
		logger.FieldChannel, ch.Name,
		"severity", a.Severity,
		"source", a.Source,
		"message", a.Message,
	}
	if a.ExecutionID != "" {
		kv = append(kv, logger.FieldExecutionID, a.ExecutionID)
	}
	switch a.Severity {
	case SeverityCritical, SeverityError:
		l.logger.Errorw(a.Title, kv...)
	case SeverityWarning:
		l.logger.Warnw(a.Title, kv...)
	default:
		l.logger.Infow(a.Title, kv...)
	}
	return "logged", nil
}
