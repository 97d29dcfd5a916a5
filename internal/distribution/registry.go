// Package distribution tracks where stories have been shared and pulls them back.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"storykeep.org/internal/audit"
	"storykeep.org/internal/ids"
	"storykeep.org/internal/obs"
	"storykeep.org/internal/ownership"
	"storykeep.org/internal/safety"
	"storykeep.org/internal/webhook"
)

const (
	defaultRevokeReason    = "Revoked by owner"
	defaultRevokeAllReason = "All distributions revoked"
)

// Store is the persistence the registry needs.
type Store interface {
	ownership.StoryStore
	ownership.OrganizationStore
	ownership.ProfileStore
	ownership.DistributionStore
}

// Registry registers, updates and revokes distributions.
type Registry struct {
	store    Store
	notifier *webhook.Notifier
	dispatch webhook.Dispatcher
	audit    audit.Recorder
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithDispatcher routes single-revoke notifications through d, typically a webhook.Queue.
// Without it deliveries run inline through the notifier.
func WithDispatcher(d webhook.Dispatcher) Option {
	return func(r *Registry) {
		if d != nil {
			r.dispatch = d
		}
	}
}

// NewRegistry wires a Registry.
func NewRegistry(store Store, notifier *webhook.Notifier, rec audit.Recorder, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		notifier: notifier,
		dispatch: notifier,
		audit:    rec,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Details are the optional fields of a new distribution.
type Details struct {
	PlatformPostID  string     `json:"platform_post_id,omitempty"`
	DistributionURL string     `json:"distribution_url,omitempty"`
	EmbedDomain     string     `json:"embed_domain,omitempty"`
	WebhookURL      string     `json:"webhook_url,omitempty"`
	WebhookSecret   string     `json:"webhook_secret,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// Register records a new active distribution of storyID on platform.
func (r *Registry) Register(ctx context.Context, storyID string, actor ownership.Actor, platform ownership.Platform, details Details) (ownership.Distribution, error) {
	if !platform.Valid() {
		return ownership.Distribution{}, ownership.Validationf("unknown platform %q", platform)
	}
	if err := validateWebhookURL(details.WebhookURL); err != nil {
		return ownership.Distribution{}, err
	}

	story, err := ownership.LoadOwnedStory(ctx, r.store, storyID, actor.ID)
	if err != nil {
		return ownership.Distribution{}, err
	}
	tenant, err := ownership.ResolveTenant(ctx, r.store, story, actor.TenantID)
	if err != nil {
		return ownership.Distribution{}, err
	}

	perms, err := r.permissions(ctx, actor.ID)
	if err != nil {
		return ownership.Distribution{}, err
	}
	if decision := safety.Validate(story, perms, safety.SurfaceDistribution); !decision.Allowed {
		obs.SafetyBlocks.WithLabelValues(string(safety.SurfaceDistribution), string(decision.SensitivityLevel)).Inc()
		return ownership.Distribution{}, decision.Err()
	}

	now := r.now().UTC()
	d := ownership.Distribution{
		ID:              ids.New(),
		StoryID:         story.ID,
		TenantID:        tenant,
		OrganizationID:  story.OrganizationID,
		Platform:        platform,
		PlatformPostID:  strings.TrimSpace(details.PlatformPostID),
		DistributionURL: strings.TrimSpace(details.DistributionURL),
		EmbedDomain:     strings.TrimSpace(details.EmbedDomain),
		WebhookURL:      strings.TrimSpace(details.WebhookURL),
		WebhookSecret:   details.WebhookSecret,
		Status:          ownership.DistributionActive,
		ConsentSnapshot: ownership.SnapshotConsent(story, now),
		Notes:           details.Notes,
		CreatedBy:       actor.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if details.ExpiresAt != nil {
		at := details.ExpiresAt.UTC()
		d.ExpiresAt = &at
	}
	if err := r.store.CreateDistribution(ctx, d); err != nil {
		return ownership.Distribution{}, fmt.Errorf("create distribution: %w", err)
	}

	r.audit.Record(ctx, ownership.AuditEntry{
		TenantID:       tenant,
		OrganizationID: story.OrganizationID,
		EntityType:     "distribution",
		EntityID:       d.ID,
		Action:         "share",
		ActionCategory: audit.CategoryDistribution,
		ActorID:        actor.ID,
		NewState: map[string]any{
			"story_id":         d.StoryID,
			"platform":         d.Platform,
			"status":           d.Status,
			"consent_snapshot": d.ConsentSnapshot,
		},
		ChangeSummary: fmt.Sprintf("Registered %s distribution for story %q", platform, story.Title),
	})
	return d, nil
}

// Update changes the non-status fields of a distribution.
func (r *Registry) Update(ctx context.Context, id string, actor ownership.Actor, patch ownership.DistributionPatch) (ownership.Distribution, error) {
	if patch.Empty() {
		return ownership.Distribution{}, ownership.Validationf("no fields to update")
	}
	if patch.WebhookURL != nil {
		if err := validateWebhookURL(*patch.WebhookURL); err != nil {
			return ownership.Distribution{}, err
		}
	}
	existing, _, err := r.loadOwned(ctx, id, actor.ID)
	if err != nil {
		return ownership.Distribution{}, err
	}
	updated, err := r.store.UpdateDistribution(ctx, id, patch)
	if err != nil {
		return ownership.Distribution{}, fmt.Errorf("update distribution: %w", err)
	}

	r.audit.Record(ctx, ownership.AuditEntry{
		TenantID:       existing.TenantID,
		OrganizationID: existing.OrganizationID,
		EntityType:     "distribution",
		EntityID:       id,
		Action:         "update",
		ActionCategory: audit.CategoryDistribution,
		ActorID:        actor.ID,
		PreviousState:  patchState(existing),
		NewState:       patchState(updated),
		ChangeSummary:  "Distribution updated",
	})
	return updated, nil
}

// Revoke flips an active distribution to revoked and notifies its webhook. Revoking an
// already revoked distribution is a no-op that returns the current record.
func (r *Registry) Revoke(ctx context.Context, id string, actor ownership.Actor, reason string) (ownership.Distribution, error) {
	existing, _, err := r.loadOwned(ctx, id, actor.ID)
	if err != nil {
		return ownership.Distribution{}, err
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = defaultRevokeReason
	}

	changed, err := r.store.RevokeDistribution(ctx, id, ownership.Revocation{By: actor.ID, Reason: reason, At: r.now()})
	if err != nil {
		return ownership.Distribution{}, fmt.Errorf("revoke distribution: %w", err)
	}
	current, err := r.store.GetDistribution(ctx, id)
	if err != nil {
		return ownership.Distribution{}, err
	}
	if !changed {
		return current, nil
	}
	obs.Revocations.WithLabelValues("distribution").Inc()

	if current.HasWebhook() {
		r.dispatch.Dispatch(ctx, current, webhook.EventDistributionRevoked, actor.ID)
	}

	r.audit.Record(ctx, ownership.AuditEntry{
		TenantID:       existing.TenantID,
		OrganizationID: existing.OrganizationID,
		EntityType:     "distribution",
		EntityID:       id,
		Action:         "revoke",
		ActionCategory: audit.CategoryDistribution,
		ActorID:        actor.ID,
		PreviousState:  map[string]any{"status": existing.Status},
		NewState:       map[string]any{"status": current.Status, "revocation_reason": reason},
		ChangeSummary:  "Distribution revoked: " + reason,
	})
	return current, nil
}

// RevokeAllOptions tune a bulk revocation.
type RevokeAllOptions struct {
	Reason string
	// Event is delivered to each revoked distribution with a webhook. Defaults to distribution_revoked.
	Event webhook.EventType
	// Notify delivers webhooks inline and reports their results.
	Notify bool
	// Silent skips webhook delivery altogether.
	Silent bool
}

// BulkResult summarises a bulk revocation.
type BulkResult struct {
	Revoked  []ownership.Distribution `json:"-"`
	Count    int                      `json:"count"`
	Webhooks []webhook.Result         `json:"webhooks,omitempty"`
	// Errors lists failed webhook deliveries. They never fail the revocation.
	Errors []string `json:"errors,omitempty"`
}

// RevokeAll revokes every active distribution of storyID in one pass.
func (r *Registry) RevokeAll(ctx context.Context, storyID string, actor ownership.Actor, opts RevokeAllOptions) (BulkResult, error) {
	story, err := ownership.LoadOwnedStory(ctx, r.store, storyID, actor.ID)
	if err != nil {
		return BulkResult{}, err
	}
	tenant, err := ownership.ResolveTenant(ctx, r.store, story, actor.TenantID)
	if err != nil {
		return BulkResult{}, err
	}
	return r.revokeAll(ctx, story, tenant, actor, opts)
}

// RevokeAllForStory is RevokeAll for callers that already checked ownership and resolved the tenant.
func (r *Registry) RevokeAllForStory(ctx context.Context, story ownership.Story, tenant string, actor ownership.Actor, opts RevokeAllOptions) (BulkResult, error) {
	return r.revokeAll(ctx, story, tenant, actor, opts)
}

func (r *Registry) revokeAll(ctx context.Context, story ownership.Story, tenant string, actor ownership.Actor, opts RevokeAllOptions) (BulkResult, error) {
	reason := strings.TrimSpace(opts.Reason)
	if reason == "" {
		reason = defaultRevokeAllReason
	}
	event := opts.Event
	if event == "" {
		event = webhook.EventDistributionRevoked
	}

	revoked, err := r.store.RevokeActiveDistributions(ctx, story.ID, ownership.Revocation{By: actor.ID, Reason: reason, At: r.now()})
	if err != nil {
		return BulkResult{}, fmt.Errorf("revoke distributions: %w", err)
	}
	res := BulkResult{Revoked: revoked, Count: len(revoked)}
	if len(revoked) == 0 {
		return res, nil
	}
	obs.Revocations.WithLabelValues("distribution").Add(float64(len(revoked)))

	for _, d := range revoked {
		if opts.Silent || !d.HasWebhook() {
			continue
		}
		if !opts.Notify {
			r.dispatch.Dispatch(ctx, d, event, actor.ID)
			continue
		}
		wr := r.notifier.Notify(ctx, d, event, actor.ID)
		res.Webhooks = append(res.Webhooks, wr)
		if !wr.Success {
			res.Errors = append(res.Errors, fmt.Sprintf("webhook %s: %s", d.ID, webhookFailure(wr)))
		}
	}

	revokedIDs := make([]string, 0, len(revoked))
	for _, d := range revoked {
		revokedIDs = append(revokedIDs, d.ID)
	}
	r.audit.Record(ctx, ownership.AuditEntry{
		TenantID:       tenant,
		OrganizationID: story.OrganizationID,
		EntityType:     "story",
		EntityID:       story.ID,
		Action:         "revoke_all_distributions",
		ActionCategory: audit.CategoryDistribution,
		ActorID:        actor.ID,
		NewState:       map[string]any{"revoked": revokedIDs, "revocation_reason": reason},
		ChangeSummary:  fmt.Sprintf("Revoked %d distribution(s): %s", len(revoked), reason),
	})
	return res, nil
}

// Resend delivers the webhook for a distribution again and reports the outcome.
func (r *Registry) Resend(ctx context.Context, id string, actor ownership.Actor) (webhook.Result, error) {
	d, _, err := r.loadOwned(ctx, id, actor.ID)
	if err != nil {
		return webhook.Result{}, err
	}
	if !d.HasWebhook() {
		return webhook.Result{}, ownership.Validationf("distribution %s has no webhook url", id)
	}
	event := webhook.EventStoryUpdated
	switch {
	case d.Status == ownership.DistributionRevoked && d.RevocationReason == ownership.ReasonConsentWithdrawn:
		event = webhook.EventConsentWithdrawn
	case d.Status == ownership.DistributionRevoked:
		event = webhook.EventDistributionRevoked
	}
	res := r.notifier.Notify(ctx, d, event, actor.ID)

	r.audit.Record(ctx, ownership.AuditEntry{
		TenantID:       d.TenantID,
		OrganizationID: d.OrganizationID,
		EntityType:     "distribution",
		EntityID:       d.ID,
		Action:         "webhook_resend",
		ActionCategory: audit.CategoryDistribution,
		ActorID:        actor.ID,
		NewState:       map[string]any{"event": event, "success": res.Success, "status": res.StatusCode},
		ChangeSummary:  "Webhook resent",
	})
	return res, nil
}

// List returns every distribution of a story owned by actorID.
func (r *Registry) List(ctx context.Context, storyID, actorID string) ([]ownership.Distribution, error) {
	if _, err := ownership.LoadOwnedStory(ctx, r.store, storyID, actorID); err != nil {
		return nil, err
	}
	return r.store.ListDistributions(ctx, storyID)
}

func (r *Registry) loadOwned(ctx context.Context, id, actorID string) (ownership.Distribution, ownership.Story, error) {
	d, err := r.store.GetDistribution(ctx, id)
	if err != nil {
		return ownership.Distribution{}, ownership.Story{}, err
	}
	story, err := ownership.LoadOwnedStory(ctx, r.store, d.StoryID, actorID)
	if err != nil {
		return ownership.Distribution{}, ownership.Story{}, err
	}
	return d, story, nil
}

func (r *Registry) permissions(ctx context.Context, actorID string) (ownership.CulturalPermissions, error) {
	p, err := r.store.GetProfile(ctx, actorID)
	switch {
	case err == nil:
		return p.CulturalPermissions, nil
	case errors.Is(err, ownership.ErrNotFound):
		return ownership.CulturalPermissions{}, nil
	default:
		return ownership.CulturalPermissions{}, fmt.Errorf("load cultural permissions: %w", err)
	}
}

func validateWebhookURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ownership.Validationf("webhook_url must be an absolute http(s) url")
	}
	return nil
}

func webhookFailure(r webhook.Result) string {
	if r.Error != "" {
		return r.Error
	}
	return fmt.Sprintf("status %d", r.StatusCode)
}

func patchState(d ownership.Distribution) map[string]any {
	return map[string]any{
		"platform_post_id": d.PlatformPostID,
		"distribution_url": d.DistributionURL,
		"embed_domain":     d.EmbedDomain,
		"webhook_url":      d.WebhookURL,
		"notes":            d.Notes,
		"expires_at":       d.ExpiresAt,
	}
}
