// Package notify delivers outbound email about funding decisions and operational events.
// Delivery is best effort: nothing in the ledger waits on it or rolls back because of it.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"
)

type Event string

const (
	EventDepositApproved    Event = "deposit_approved"
	EventDepositRejected    Event = "deposit_rejected"
	EventWithdrawalApproved Event = "withdrawal_approved"
	EventWithdrawalRejected Event = "withdrawal_rejected"
	// EventActivate asks an administrator to activate credentials for an exhausted service.
	EventActivate Event = "activate"
)

type Message struct {
	Event     Event                  `json:"event"`
	AccountID string                 `json:"account_id,omitempty"`
	To        string                 `json:"to,omitempty"`
	Subject   string                 `json:"subject"`
	Body      string                 `json:"body"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// ---------------------------------------------------
// Mail relay
// ---------------------------------------------------

type MailRelayNotifier struct {
	client *resty.Client
	from   string
}

func NewMailRelayNotifier(cfg Config) *MailRelayNotifier {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.RelayURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.RelayToken != "" {
		client.SetAuthToken(cfg.RelayToken)
	}
	return newMailRelayNotifier(client, cfg.From)
}

func newMailRelayNotifier(client *resty.Client, from string) *MailRelayNotifier {
	return &MailRelayNotifier{client: client, from: from}
}

type relayRequest struct {
	From string `json:"from"`
	Message
}

func (n *MailRelayNotifier) Notify(ctx context.Context, msg Message) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(relayRequest{From: n.from, Message: msg}).
		Post("/v1/messages")
	if err != nil {
		return fmt.Errorf("notify: relay request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notify: relay returned %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

// LogNotifier only logs. It stands in when no relay is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, msg Message) error {
	logger.WithFields(map[string]interface{}{
		"event":      msg.Event,
		"account_id": msg.AccountID,
		"subject":    msg.Subject,
	}).Info("notification (no relay configured)")
	return nil
}

// New picks the relay notifier when a relay URL is configured.
func New(cfg Config) Notifier {
	if cfg.RelayURL == "" {
		return LogNotifier{}
	}
	return NewMailRelayNotifier(cfg)
}

// ---------------------------------------------------
// Dispatcher
// ---------------------------------------------------

// Dispatcher sends in the background. Send never blocks the caller and never reports failure.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	admin    string
	wg       sync.WaitGroup
}

func NewDispatcher(notifier Notifier, cfg Config) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{notifier: notifier, timeout: timeout, admin: cfg.AdminAddress}
}

func (d *Dispatcher) Send(msg Message) {
	if d == nil || d.notifier == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.notifier.Notify(ctx, msg); err != nil {
			logger.WithFields(map[string]interface{}{
				"event":      msg.Event,
				"account_id": msg.AccountID,
			}).WithError(err).Warn("notification failed")
		}
	}()
}

// KeyPoolExhausted asks the administrator to activate a key for service. It is shaped to be
// passed to keypool.WithExhaustedHook.
func (d *Dispatcher) KeyPoolExhausted(service string) {
	if d == nil {
		return
	}
	d.Send(Message{
		Event:   EventActivate,
		To:      d.admin,
		Subject: fmt.Sprintf("No active API key left for %s", service),
		Body:    fmt.Sprintf("Every key for %s has been retired after rate limit or auth failures. Quotes are served from fallback data until a key is activated.", service),
		Data:    map[string]interface{}{"service": service},
	})
}

// Wait blocks until every message sent so far has been handled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
