// Package dispatch delivers rendered alerts to the chat webhook.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
	_ "time/tzdata"

	"golang.org/x/time/rate"

	"newsguard/internal/config"
	"newsguard/internal/model"
)

var ErrNoEndpoint = errors.New("dispatch: webhook endpoint not configured")

// Result is the outcome of one delivery attempt. The dispatcher never retries.
type Result struct {
	Delivered  bool    `json:"delivered"`
	ExternalID string  `json:"external_id,omitempty"`
	StatusCode int     `json:"status_code,omitempty"`
	Payload    Payload `json:"payload"`
	Err        error   `json:"-"`
}

func (r Result) ErrorText() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

type Dispatcher struct {
	endpoint atomic.Value
	client   *http.Client
	limiter  *rate.Limiter
	loc      *time.Location
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg config.DispatchConfig, logger *slog.Logger) (*Dispatcher, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("dispatch timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	d := &Dispatcher{
		client: &http.Client{Timeout: timeout},
		loc:    loc,
		logger: logger,
		now:    time.Now,
	}
	if cfg.RatePerSec > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	d.endpoint.Store(cfg.WebhookURL)
	return d, nil
}

// SetEndpoint swaps the webhook URL for subsequent deliveries.
func (d *Dispatcher) SetEndpoint(url string) {
	d.endpoint.Store(url)
}

func (d *Dispatcher) Endpoint() string {
	v, _ := d.endpoint.Load().(string)
	return v
}

func (d *Dispatcher) Configured() bool {
	return d.Endpoint() != ""
}

// Payload renders an alert with the dispatcher's timezone and clock.
func (d *Dispatcher) Payload(a Alert) (Payload, error) {
	if a.At.IsZero() {
		a.At = d.now()
	}
	return BuildPayload(a, d.loc)
}

// Deliver renders the alert and performs a single POST.
func (d *Dispatcher) Deliver(ctx context.Context, a Alert) Result {
	payload, err := d.Payload(a)
	if err != nil {
		return Result{Err: err}
	}
	res := Result{Payload: payload}
	endpoint := d.Endpoint()
	if endpoint == "" {
		res.Err = ErrNoEndpoint
		return res
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			res.Err = fmt.Errorf("rate limiter: %w", err)
			return res
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		res.Err = fmt.Errorf("marshal payload: %w", err)
		return res
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		res.Err = fmt.Errorf("create request: %w", err)
		return res
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		res.Err = fmt.Errorf("webhook request: %w", err)
		return res
	}
	defer resp.Body.Close()
	res.StatusCode = resp.StatusCode
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var reply webhookReply
	_ = json.Unmarshal(raw, &reply)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := reply.Msg
		if msg == "" {
			msg = string(bytes.TrimSpace(raw))
		}
		res.Err = fmt.Errorf("webhook status %d: %s", resp.StatusCode, msg)
		return res
	}
	res.Delivered = true
	res.ExternalID = reply.Data.MessageID
	if d.logger != nil {
		d.logger.Debug("webhook delivered",
			"kind", a.Kind,
			"severity", a.Severity,
			"entity_id", a.EntityID,
			"external_id", res.ExternalID,
		)
	}
	return res
}

// SendTest delivers the fixed verification payload for a severity. The
// payload is returned even when no endpoint is configured.
func (d *Dispatcher) SendTest(ctx context.Context, sev model.Severity) Result {
	return d.Deliver(ctx, TestAlert(sev))
}

type webhookReply struct {
	Msg  string `json:"msg"`
	Data struct {
		MessageID string `json:"message_id"`
	} `json:"data"`
}
