// Package webhook signs and delivers distribution lifecycle events to third parties.
//
// Delivery is best effort. Notify never returns an error: the outcome is written to the
// distribution record (status, ok flag or error, attempt counter) for later inspection
// and manual resend. There is no automatic retry; a per-host circuit breaker fails fast
// when an endpoint keeps failing.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"

	"storykeep.org/internal/obs"
	"storykeep.org/internal/ownership"
)

// EventType names the lifecycle event being delivered.
type EventType string

const (
	EventDistributionRevoked EventType = "distribution_revoked"
	EventStoryArchived       EventType = "story_archived"
	EventConsentWithdrawn    EventType = "consent_withdrawn"
	EventStoryUpdated        EventType = "story_updated"
)

// Headers set on every delivery.
const (
	HeaderEvent        = "X-Story-Event"
	HeaderDistribution = "X-Story-Distribution"
	HeaderSignature    = "X-Story-Signature"
	HeaderDelivery     = "X-Story-Delivery"

	defaultUserAgent = "Storykeep-Webhook/1.0"
	maxResponseBody  = 64 << 10
)

// Envelope is the JSON body of a delivery.
type Envelope struct {
	Type           EventType `json:"type"`
	StoryID        string    `json:"storyId"`
	DistributionID string    `json:"distributionId"`
	Timestamp      string    `json:"timestamp"`
	Payload        Payload   `json:"payload"`
}

type Payload struct {
	Platform       ownership.Platform           `json:"platform"`
	Status         ownership.DistributionStatus `json:"status"`
	PlatformPostID *string                      `json:"platform_post_id"`
}

// Result reports one delivery attempt.
type Result struct {
	DistributionID string `json:"distributionId"`
	DeliveryID     string `json:"deliveryId,omitempty"`
	Success        bool   `json:"success"`
	StatusCode     int    `json:"statusCode,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Sign returns the signature header value for body: "sha256=" + hex(HMAC-SHA256(secret, body)).
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against body in constant time.
func Verify(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}

// OutcomeStore records delivery outcomes.
type OutcomeStore interface {
	ListDistributions(ctx context.Context, storyID string) ([]ownership.Distribution, error)
	RecordWebhookOutcome(ctx context.Context, id string, outcome ownership.WebhookOutcome) error
}

// Dispatcher hands a delivery off without reporting its outcome to the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, d ownership.Distribution, event EventType, actorID string)
}

// Notifier delivers signed webhook events.
type Notifier struct {
	store     OutcomeStore
	client    *http.Client
	now       func() time.Time
	userAgent string

	breakerFailures uint32
	breakerTimeout  time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[int]
}

// Option configures a Notifier.
type Option func(*Notifier)

func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) {
		if c != nil {
			n.client = c
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(n *Notifier) {
		if now != nil {
			n.now = now
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(n *Notifier) {
		if ua != "" {
			n.userAgent = ua
		}
	}
}

// WithBreaker sets the consecutive failures that open a host's circuit and how long it stays open.
func WithBreaker(failures uint32, openFor time.Duration) Option {
	return func(n *Notifier) {
		if failures > 0 {
			n.breakerFailures = failures
		}
		if openFor > 0 {
			n.breakerTimeout = openFor
		}
	}
}

// NewNotifier returns a Notifier recording outcomes in store.
func NewNotifier(store OutcomeStore, opts ...Option) *Notifier {
	n := &Notifier{
		store:           store,
		client:          &http.Client{Timeout: 10 * time.Second},
		now:             time.Now,
		userAgent:       defaultUserAgent,
		breakerFailures: 5,
		breakerTimeout:  30 * time.Second,
		breakers:        make(map[string]*gobreaker.CircuitBreaker[int]),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify delivers event for d and records the outcome on the distribution.
func (n *Notifier) Notify(ctx context.Context, d ownership.Distribution, event EventType, actorID string) Result {
	res := Result{DistributionID: d.ID}
	if !d.HasWebhook() {
		res.Error = "no webhook url configured"
		return res
	}

	ctx, span := obs.StartSpan(ctx, "webhook.notify",
		attribute.String("distribution.id", d.ID),
		attribute.String("webhook.event", string(event)))
	var spanErr error
	defer func() { obs.EndSpan(span, spanErr) }()

	body, err := json.Marshal(n.envelope(d, event))
	if err != nil {
		spanErr = err
		res.Error = err.Error()
		n.record(ctx, d, event, ownership.WebhookOutcome{Error: res.Error})
		return res
	}

	res.DeliveryID = uuid.NewString()
	status, err := n.deliver(ctx, d, event, res.DeliveryID, body)
	var se *statusError
	switch {
	case errors.As(err, &se):
		res.StatusCode = se.code
		n.record(ctx, d, event, ownership.WebhookOutcome{Status: se.code})
	case err != nil:
		spanErr = err
		res.Error = err.Error()
		n.record(ctx, d, event, ownership.WebhookOutcome{Error: res.Error})
	default:
		res.StatusCode = status
		res.Success = status >= 200 && status < 300
		n.record(ctx, d, event, ownership.WebhookOutcome{Status: status, OK: res.Success})
	}

	fields := map[string]any{
		"distribution_id": d.ID,
		"story_id":        d.StoryID,
		"event":           string(event),
		"delivery_id":     res.DeliveryID,
		"actor_id":        actorID,
		"status":          res.StatusCode,
	}
	if res.Success {
		obs.Info("webhook delivered", fields)
	} else {
		fields["error"] = res.Error
		obs.Warn("webhook delivery failed", fields)
	}
	return res
}

// Dispatch delivers synchronously and discards the result.
func (n *Notifier) Dispatch(ctx context.Context, d ownership.Distribution, event EventType, actorID string) {
	_ = n.Notify(ctx, d, event, actorID)
}

// NotifyAll delivers event to every distribution of storyID with a webhook, one at a time.
func (n *Notifier) NotifyAll(ctx context.Context, storyID string, event EventType, actorID string) ([]Result, error) {
	ds, err := n.store.ListDistributions(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("list distributions: %w", err)
	}
	var results []Result
	for _, d := range ds {
		if !d.HasWebhook() {
			continue
		}
		results = append(results, n.Notify(ctx, d, event, actorID))
	}
	return results, nil
}

// RecordFailure stores a failed outcome without attempting delivery.
func (n *Notifier) RecordFailure(ctx context.Context, d ownership.Distribution, event EventType, reason string) {
	n.record(ctx, d, event, ownership.WebhookOutcome{Error: reason})
}

func (n *Notifier) envelope(d ownership.Distribution, event EventType) Envelope {
	env := Envelope{
		Type:           event,
		StoryID:        d.StoryID,
		DistributionID: d.ID,
		Timestamp:      n.now().UTC().Format(time.RFC3339Nano),
		Payload: Payload{
			Platform: d.Platform,
			Status:   d.Status,
		},
	}
	if d.PlatformPostID != "" {
		id := d.PlatformPostID
		env.Payload.PlatformPostID = &id
	}
	return env
}

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("webhook endpoint returned %d", e.code) }

func (n *Notifier) deliver(ctx context.Context, d ownership.Distribution, event EventType, deliveryID string, body []byte) (int, error) {
	target, err := url.Parse(d.WebhookURL)
	if err != nil || target.Host == "" {
		return 0, fmt.Errorf("invalid webhook url %q", d.WebhookURL)
	}

	status, err := n.breaker(target.Host).Execute(func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", n.userAgent)
		req.Header.Set(HeaderEvent, string(event))
		req.Header.Set(HeaderDistribution, d.ID)
		req.Header.Set(HeaderDelivery, deliveryID)
		if d.WebhookSecret != "" {
			req.Header.Set(HeaderSignature, Sign(d.WebhookSecret, body))
		}

		resp, err := n.client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		if resp.StatusCode >= 500 {
			return resp.StatusCode, &statusError{code: resp.StatusCode}
		}
		return resp.StatusCode, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return 0, fmt.Errorf("webhook host %q circuit open: %w", target.Host, err)
	}
	return status, err
}

func (n *Notifier) breaker(host string) *gobreaker.CircuitBreaker[int] {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cb, ok := n.breakers[host]; ok {
		return cb
	}
	maxFailures := n.breakerFailures
	cb := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        "webhook:" + host,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     n.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			obs.Warn("circuit breaker state change", map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
	n.breakers[host] = cb
	return cb
}

// BreakerState reports the circuit state for host, or closed if none exists yet.
func (n *Notifier) BreakerState(host string) gobreaker.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cb, ok := n.breakers[host]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

func (n *Notifier) record(ctx context.Context, d ownership.Distribution, event EventType, outcome ownership.WebhookOutcome) {
	outcome.At = n.now().UTC()
	label := "failed"
	if outcome.OK {
		label = "delivered"
	}
	obs.WebhookDeliveries.WithLabelValues(string(event), label).Inc()
	if n.store == nil {
		return
	}
	// Outcome recording must not depend on the caller still waiting.
	if err := n.store.RecordWebhookOutcome(context.WithoutCancel(ctx), d.ID, outcome); err != nil {
		obs.Error("record webhook outcome failed", err, map[string]any{"distribution_id": d.ID})
	}
}
