// Package notify surfaces pipeline events that need operator
// attention: abandoned cases, failed or expired orders. Delivery
// failures are reported to the caller but never block the pipeline.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"rsassistant/internal/config"
	"rsassistant/internal/models"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
	CaseDetected(ctx context.Context, c models.Case)
	CaseAbandoned(ctx context.Context, c models.Case, reason string)
	ActionFailed(ctx context.Context, a models.ScheduledAction)
	ActionExpired(ctx context.Context, a models.ScheduledAction)
	SendError(ctx context.Context, err error, context string) error
}

// NotificationChannel defines the interface for a delivery channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationCase   NotificationType = "case"
	NotificationAction NotificationType = "action"
	NotificationError  NotificationType = "error"
	NotificationInfo   NotificationType = "info"
)

// NotificationLevel filters which notification types are delivered.
type NotificationLevel string

const (
	LevelAll         NotificationLevel = "all"
	LevelActionsOnly NotificationLevel = "actions_only"
	LevelErrorsOnly  NotificationLevel = "errors_only"
)

// MultiNotifier fans a notification out to every enabled channel.
type MultiNotifier struct {
	channels []NotificationChannel
	level    NotificationLevel
	mu       sync.RWMutex
}

// NewMultiNotifier creates a MultiNotifier from configuration.
func NewMultiNotifier(cfg *config.NotificationConfig) *MultiNotifier {
	mn := &MultiNotifier{
		channels: make([]NotificationChannel, 0),
		level:    NotificationLevel(cfg.Level),
	}
	if mn.level == "" {
		mn.level = LevelAll
	}

	if cfg.Webhook.Enabled {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.Webhook))
	}
	if cfg.Telegram.Enabled {
		mn.channels = append(mn.channels, NewTelegramNotifier(cfg.Telegram))
	}
	if cfg.Email.Enabled {
		mn.channels = append(mn.channels, NewEmailNotifier(cfg.Email))
	}
	return mn
}

// AddChannel adds a delivery channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

func (mn *MultiNotifier) shouldSend(notifType NotificationType) bool {
	switch mn.level {
	case LevelActionsOnly:
		return notifType == NotificationAction
	case LevelErrorsOnly:
		return notifType == NotificationError
	default:
		return true
	}
}

// Send delivers a notification to all enabled channels.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var errs []string
	for _, ch := range channels {
		if ch.IsEnabled() {
			if err := ch.Send(ctx, n); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// CaseDetected announces a newly opened reverse-split case.
func (mn *MultiNotifier) CaseDetected(ctx context.Context, c models.Case) {
	ratio := "unknown"
	if c.SplitRatio != nil {
		ratio = c.SplitRatio.String()
	}
	mn.sendQuietly(ctx, Notification{
		Type:    NotificationCase,
		Title:   fmt.Sprintf("🔔 Reverse split detected: %s", c.Ticker),
		Message: fmt.Sprintf("Ticker: %s\nRatio: %s\nPolicy: %s\nFingerprint: %s", c.Ticker, ratio, c.Policy, c.Fingerprint),
		Data: map[string]interface{}{
			"ticker":      c.Ticker,
			"fingerprint": c.Fingerprint,
			"policy":      string(c.Policy),
		},
	})
}

// CaseAbandoned reports a case that left the pipeline without closing.
func (mn *MultiNotifier) CaseAbandoned(ctx context.Context, c models.Case, reason string) {
	mn.sendQuietly(ctx, Notification{
		Type:    NotificationCase,
		Title:   fmt.Sprintf("⚠️ Case abandoned: %s", c.Ticker),
		Message: fmt.Sprintf("Ticker: %s\nReason: %s\nFingerprint: %s", c.Ticker, reason, c.Fingerprint),
		Data: map[string]interface{}{
			"ticker":      c.Ticker,
			"fingerprint": c.Fingerprint,
			"reason":      reason,
		},
	})
}

// ActionFailed reports an order that exhausted its retries.
func (mn *MultiNotifier) ActionFailed(ctx context.Context, a models.ScheduledAction) {
	mn.sendQuietly(ctx, Notification{
		Type:  NotificationAction,
		Title: fmt.Sprintf("❌ %s order failed: %s", a.Kind, a.Ticker),
		Message: fmt.Sprintf("Ticker: %s\nAccount: %s\nAttempts: %d\nLast error: %s",
			a.Ticker, a.Account, a.AttemptCount, a.LastError),
		Data: actionData(a),
	})
}

// ActionExpired reports a dispatched order that never confirmed.
func (mn *MultiNotifier) ActionExpired(ctx context.Context, a models.ScheduledAction) {
	mn.sendQuietly(ctx, Notification{
		Type:  NotificationAction,
		Title: fmt.Sprintf("⏰ %s order unconfirmed: %s", a.Kind, a.Ticker),
		Message: fmt.Sprintf("Ticker: %s\nAccount: %s\nDispatched but no confirmation arrived within the window. Manual review required.",
			a.Ticker, a.Account),
		Data: actionData(a),
	})
}

// SendError sends an error notification.
func (mn *MultiNotifier) SendError(ctx context.Context, err error, errContext string) error {
	return mn.Send(ctx, Notification{
		Type:    NotificationError,
		Title:   "❌ Error Occurred",
		Message: fmt.Sprintf("Context: %s\nError: %v\nTime: %s", errContext, err, time.Now().Format("15:04:05")),
		Data: map[string]interface{}{
			"context": errContext,
			"error":   err.Error(),
		},
	})
}

// sendQuietly delivers best-effort. Reporter hooks run inside the
// scheduler loop and must not fail it over a down webhook.
func (mn *MultiNotifier) sendQuietly(ctx context.Context, n Notification) {
	_ = mn.Send(ctx, n)
}

func actionData(a models.ScheduledAction) map[string]interface{} {
	return map[string]interface{}{
		"action_id":   a.ID,
		"fingerprint": a.Fingerprint,
		"ticker":      a.Ticker,
		"kind":        string(a.Kind),
		"broker":      a.Account.Broker,
		"account":     a.Account.Account,
		"attempts":    a.AttemptCount,
		"last_error":  a.LastError,
	}
}

// WebhookNotifier sends notifications via HTTP webhook.
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(cfg config.WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the name of the notifier.
func (w *WebhookNotifier) Name() string { return "webhook" }

// IsEnabled returns whether the notifier is enabled.
func (w *WebhookNotifier) IsEnabled() bool { return w.enabled }

// Send posts the notification as JSON.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	if !w.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"type":      n.Type,
		"title":     n.Title,
		"message":   n.Message,
		"data":      n.Data,
		"timestamp": n.Timestamp.Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "RSAssistant/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// TelegramNotifier sends notifications via Telegram bot.
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// NewTelegramNotifier creates a new TelegramNotifier.
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the name of the notifier.
func (t *TelegramNotifier) Name() string { return "telegram" }

// IsEnabled returns whether the notifier is enabled.
func (t *TelegramNotifier) IsEnabled() bool { return t.enabled }

// Send sends a notification via Telegram.
func (t *TelegramNotifier) Send(ctx context.Context, n Notification) error {
	if !t.enabled {
		return nil
	}

	text := fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(n.Title), escapeHTML(n.Message))
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling telegram payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// EmailNotifier sends notifications via email using SMTP.
type EmailNotifier struct {
	smtpHost string
	smtpPort int
	username string
	password string
	from     string
	to       string
	enabled  bool
}

// NewEmailNotifier creates a new EmailNotifier.
func NewEmailNotifier(cfg config.EmailConfig) *EmailNotifier {
	return &EmailNotifier{
		smtpHost: cfg.SMTPHost,
		smtpPort: cfg.SMTPPort,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		to:       cfg.To,
		enabled:  cfg.Enabled && cfg.SMTPHost != "" && cfg.From != "" && cfg.To != "",
	}
}

// Name returns the name of the notifier.
func (e *EmailNotifier) Name() string { return "email" }

// IsEnabled returns whether the notifier is enabled.
func (e *EmailNotifier) IsEnabled() bool { return e.enabled }

// Send sends a notification via email.
func (e *EmailNotifier) Send(ctx context.Context, n Notification) error {
	if !e.enabled {
		return nil
	}

	subject := n.Title
	body := n.Message
	if len(n.Data) > 0 {
		dataJSON, _ := json.MarshalIndent(n.Data, "", "  ")
		body += "\n\n---\nData:\n" + string(dataJSON)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		e.from, e.to, subject, body)
	addr := fmt.Sprintf("%s:%d", e.smtpHost, e.smtpPort)

	var auth smtp.Auth
	if e.username != "" && e.password != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.smtpHost)
	}

	if e.smtpPort == 465 {
		return e.sendWithTLS(addr, auth, msg)
	}
	return smtp.SendMail(addr, auth, e.from, []string{e.to}, []byte(msg))
}

// sendWithTLS sends email using implicit TLS (port 465).
func (e *EmailNotifier) sendWithTLS(addr string, auth smtp.Auth, msg string) error {
	tlsConfig := &tls.Config{ServerName: e.smtpHost}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("TLS dial failed: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, e.smtpHost)
	if err != nil {
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth failed: %w", err)
		}
	}
	if err := client.Mail(e.from); err != nil {
		return fmt.Errorf("SMTP MAIL command failed: %w", err)
	}
	if err := client.Rcpt(e.to); err != nil {
		return fmt.Errorf("SMTP RCPT command failed: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA command failed: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("writing email body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}
	return client.Quit()
}

// NoOpNotifier is a notifier that does nothing.
type NoOpNotifier struct{}

// NewNoOpNotifier creates a new NoOpNotifier.
func NewNoOpNotifier() *NoOpNotifier { return &NoOpNotifier{} }

// Send does nothing.
func (n *NoOpNotifier) Send(ctx context.Context, notif Notification) error { return nil }

// CaseDetected does nothing.
func (n *NoOpNotifier) CaseDetected(ctx context.Context, c models.Case) {}

// CaseAbandoned does nothing.
func (n *NoOpNotifier) CaseAbandoned(ctx context.Context, c models.Case, reason string) {}

// ActionFailed does nothing.
func (n *NoOpNotifier) ActionFailed(ctx context.Context, a models.ScheduledAction) {}

// ActionExpired does nothing.
func (n *NoOpNotifier) ActionExpired(ctx context.Context, a models.ScheduledAction) {}

// SendError does nothing.
func (n *NoOpNotifier) SendError(ctx context.Context, err error, context string) error { return nil }
