// Package revocation pulls a story back from everywhere it has been shared.
package revocation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"storykeep.org/internal/audit"
	"storykeep.org/internal/distribution"
	"storykeep.org/internal/obs"
	"storykeep.org/internal/ownership"
	"storykeep.org/internal/webhook"
)

// Scope selects what a revocation touches.
type Scope string

const (
	ScopeAll           Scope = "all"
	ScopeEmbeds        Scope = "embeds"
	ScopeDistributions Scope = "distributions"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeAll, ScopeEmbeds, ScopeDistributions:
		return true
	}
	return false
}

func (s Scope) embeds() bool        { return s == ScopeAll || s == ScopeEmbeds }
func (s Scope) distributions() bool { return s == ScopeAll || s == ScopeDistributions }

const (
	defaultReason        = "Revoked by owner"
	defaultArchiveReason = "Archived by owner"
)

// Store is the persistence the orchestrator reads and writes directly.
type Store interface {
	ownership.StoryStore
	ownership.OrganizationStore
	ownership.DistributionStore
	ownership.TokenStore
}

// EmbedRevoker revokes every active embed token of a story.
type EmbedRevoker interface {
	RevokeAllForStory(ctx context.Context, story ownership.Story, tenant string, actor ownership.Actor, reason string) (int, error)
}

// DistributionRevoker revokes every active distribution of a story.
type DistributionRevoker interface {
	RevokeAllForStory(ctx context.Context, story ownership.Story, tenant string, actor ownership.Actor, opts distribution.RevokeAllOptions) (distribution.BulkResult, error)
}

// Orchestrator runs revocation cascades, archive toggles and consent withdrawal.
type Orchestrator struct {
	store         Store
	embeds        EmbedRevoker
	distributions DistributionRevoker
	audit         audit.Recorder
	now           func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New wires an Orchestrator.
func New(store Store, embeds EmbedRevoker, distributions DistributionRevoker, rec audit.Recorder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:         store,
		embeds:        embeds,
		distributions: distributions,
		audit:         rec,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Options tune Initiate. Nil booleans default to true.
type Options struct {
	Scope          Scope  `json:"scope"`
	Reason         string `json:"reason,omitempty"`
	ArchiveStory   *bool  `json:"archive_story,omitempty"`
	DisableSharing *bool  `json:"disable_sharing,omitempty"`
	NotifyWebhooks *bool  `json:"notify_webhooks,omitempty"`
}

// Result reports what a revocation did. It is returned even when some steps failed.
type Result struct {
	StoryID              string    `json:"story_id"`
	Scope                Scope     `json:"scope"`
	Success              bool      `json:"success"`
	EmbedsRevoked        int       `json:"embeds_revoked"`
	DistributionsRevoked int       `json:"distributions_revoked"`
	WebhooksSent         int       `json:"webhooks_sent"`
	WebhooksFailed       int       `json:"webhooks_failed"`
	StoryArchived        bool      `json:"story_archived"`
	SharingDisabled      bool      `json:"sharing_disabled"`
	Errors               []string  `json:"errors,omitempty"`
	CompletedAt          time.Time `json:"completed_at"`
	DurationMs           int64     `json:"duration_ms"`
}

// Initiate revokes storyID per opts. Ownership and tenant failures abort before any write;
// later steps run in a fixed order and a failed step does not stop the ones after it.
// When any step failed the result is returned together with a *ownership.PartialError.
func (o *Orchestrator) Initiate(ctx context.Context, storyID string, actor ownership.Actor, opts Options) (res Result, err error) {
	if opts.Scope == "" {
		opts.Scope = ScopeAll
	}
	if !opts.Scope.Valid() {
		return Result{}, ownership.Validationf("unknown scope %q", opts.Scope)
	}
	reason := strings.TrimSpace(opts.Reason)
	if reason == "" {
		reason = defaultReason
	}

	ctx, span := obs.StartSpan(ctx, "revocation.initiate",
		attribute.String("story.id", storyID), attribute.String("revocation.scope", string(opts.Scope)))
	defer func() { obs.EndSpan(span, err) }()

	start := o.now()
	story, tenant, err := o.owned(ctx, storyID, actor)
	if err != nil {
		return Result{}, err
	}
	res = Result{StoryID: story.ID, Scope: opts.Scope}

	if opts.Scope.embeds() {
		n, err := o.embeds.RevokeAllForStory(ctx, story, tenant, actor, reason)
		if err != nil {
			res.Errors = append(res.Errors, "embed revocation failed: "+err.Error())
		}
		res.EmbedsRevoked = n
	}

	if opts.Scope.distributions() {
		bulk, err := o.distributions.RevokeAllForStory(ctx, story, tenant, actor, distribution.RevokeAllOptions{
			Reason: reason,
			Event:  webhook.EventDistributionRevoked,
			Notify: true,
			Silent: !enabled(opts.NotifyWebhooks),
		})
		if err != nil {
			res.Errors = append(res.Errors, "distribution revocation failed: "+err.Error())
		}
		res.DistributionsRevoked = bulk.Count
		res.WebhooksSent, res.WebhooksFailed = tally(bulk.Webhooks)
	}

	if opts.Scope == ScopeAll && enabled(opts.ArchiveStory) && !story.IsArchived {
		if err := o.store.SetArchived(ctx, story.ID, true, actor.ID, o.now()); err != nil {
			res.Errors = append(res.Errors, "story archive failed: "+err.Error())
		} else {
			res.StoryArchived = true
		}
	}

	if enabled(opts.DisableSharing) {
		if err := o.store.SetSharing(ctx, story.ID, false, false); err != nil {
			res.Errors = append(res.Errors, "disable sharing failed: "+err.Error())
		} else {
			res.SharingDisabled = true
		}
	}

	o.audit.Record(ctx, ownership.AuditEntry{
		TenantID:       tenant,
		OrganizationID: story.OrganizationID,
		EntityType:     "story",
		EntityID:       story.ID,
		Action:         "revoke",
		ActionCategory: audit.CategoryRevocation,
		ActorID:        actor.ID,
		NewState: map[string]any{
			"scope":                 opts.Scope,
			"embeds_revoked":        res.EmbedsRevoked,
			"distributions_revoked": res.DistributionsRevoked,
			"webhooks_sent":         res.WebhooksSent,
			"webhooks_failed":       res.WebhooksFailed,
			"archived":              res.StoryArchived,
			"errors":                res.Errors,
		},
		ChangeSummary: fmt.Sprintf("Revocation initiated: %d embeds, %d distributions revoked", res.EmbedsRevoked, res.DistributionsRevoked),
	})

	res.Success = len(res.Errors) == 0
	res.CompletedAt = o.now().UTC()
	res.DurationMs = res.CompletedAt.Sub(start).Milliseconds()
	if !res.Success {
		return res, &ownership.PartialError{Op: "revoke story", Errors: res.Errors}
	}
	return res, nil
}

// Archive soft-deletes a story. Archiving an archived story is a no-op.
func (o *Orchestrator) Archive(ctx context.Context, storyID string, actor ownership.Actor, reason string) error {
	story, tenant, err := o.owned(ctx, storyID, actor)
	if err != nil {
		return err
	}
	if story.IsArchived {
		return nil
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = defaultArchiveReason
	}
	if err := o.store.SetArchived(ctx, story.ID, true, actor.ID, o.now()); err != nil {
		return fmt.Errorf("archive story: %w", err)
	}
	o.audit.Record(ctx, ownership.AuditEntry{
		TenantID:       tenant,
		OrganizationID: story.OrganizationID,
		EntityType:     "story",
		EntityID:       story.ID,
		Action:         "archive",
		ActionCategory: audit.CategoryLifecycle,
		ActorID:        actor.ID,
		PreviousState:  map[string]any{"is_archived": false},
		NewState:       map[string]any{"is_archived": true, "archive_reason": reason},
		ChangeSummary:  fmt.Sprintf("Story %q archived", story.Title),
	})
	return nil
}

// Restore brings an archived story back. Revoked embeds and distributions stay revoked.
func (o *Orchestrator) Restore(ctx context.Context, storyID string, actor ownership.Actor) error {
	story, tenant, err := o.owned(ctx, storyID, actor)
	if err != nil {
		return err
	}
	if !story.IsArchived {
		return fmt.Errorf("story is not archived: %w", ownership.ErrInvalidTransition)
	}
	if err := o.store.SetArchived(ctx, story.ID, false, actor.ID, o.now()); err != nil {
		return fmt.Errorf("restore story: %w", err)
	}
	o.audit.Record(ctx, ownership.AuditEntry{
		TenantID:       tenant,
		OrganizationID: story.OrganizationID,
		EntityType:     "story",
		EntityID:       story.ID,
		Action:         "restore",
		ActionCategory: audit.CategoryLifecycle,
		ActorID:        actor.ID,
		PreviousState:  map[string]any{"is_archived": true},
		NewState:       map[string]any{"is_archived": false},
		ChangeSummary:  fmt.Sprintf("Story %q restored from archive", story.Title),
	})
	return nil
}

// CascadeResult reports a consent withdrawal.
type CascadeResult struct {
	StoryID              string   `json:"story_id"`
	Success              bool     `json:"success"`
	ItemsAffected        int      `json:"items_affected"`
	EmbedsRevoked        int      `json:"embeds_revoked"`
	DistributionsRevoked int      `json:"distributions_revoked"`
	WebhooksSent         int      `json:"webhooks_sent"`
	WebhooksFailed       int      `json:"webhooks_failed"`
	Actions              []string `json:"actions"`
	Errors               []string `json:"errors,omitempty"`
}

// CascadeConsentWithdrawal withdraws consent on storyID, disables sharing and revokes every
// embed and distribution, notifying webhooks with the consent_withdrawn event.
func (o *Orchestrator) CascadeConsentWithdrawal(ctx context.Context, storyID string, actor ownership.Actor) (res CascadeResult, err error) {
	ctx, span := obs.StartSpan(ctx, "revocation.consent_withdrawal", attribute.String("story.id", storyID))
	defer func() { obs.EndSpan(span, err) }()

	story, tenant, err := o.owned(ctx, storyID, actor)
	if err != nil {
		return CascadeResult{}, err
	}
	res = CascadeResult{StoryID: story.ID}

	if err := o.store.WithdrawConsent(ctx, story.ID, o.now()); err != nil {
		return res, fmt.Errorf("withdraw consent: %w", err)
	}
	res.Actions = append(res.Actions, "Consent status updated")

	n, err := o.embeds.RevokeAllForStory(ctx, story, tenant, actor, ownership.ReasonConsentWithdrawn)
	if err != nil {
		res.Errors = append(res.Errors, "embed revocation failed: "+err.Error())
	}
	res.EmbedsRevoked = n
	res.Actions = append(res.Actions, fmt.Sprintf("%d embed tokens revoked", n))

	bulk, err := o.distributions.RevokeAllForStory(ctx, story, tenant, actor, distribution.RevokeAllOptions{
		Reason: ownership.ReasonConsentWithdrawn,
		Event:  webhook.EventConsentWithdrawn,
		Notify: true,
	})
	if err != nil {
		res.Errors = append(res.Errors, "distribution revocation failed: "+err.Error())
	}
	res.DistributionsRevoked = bulk.Count
	res.WebhooksSent, res.WebhooksFailed = tally(bulk.Webhooks)
	res.Actions = append(res.Actions,
		fmt.Sprintf("%d distributions revoked", bulk.Count),
		fmt.Sprintf("%d webhooks notified", res.WebhooksSent))
	res.ItemsAffected = res.EmbedsRevoked + res.DistributionsRevoked

	o.audit.Record(ctx, ownership.AuditEntry{
		TenantID:       tenant,
		OrganizationID: story.OrganizationID,
		EntityType:     "story",
		EntityID:       story.ID,
		Action:         "consent_withdraw",
		ActionCategory: audit.CategoryConsent,
		ActorID:        actor.ID,
		PreviousState:  map[string]any{"has_consent": story.HasConsent, "consent_verified": story.ConsentVerified},
		NewState: map[string]any{
			"has_consent":           false,
			"embeds_revoked":        res.EmbedsRevoked,
			"distributions_revoked": res.DistributionsRevoked,
			"webhooks_sent":         res.WebhooksSent,
		},
		ChangeSummary: fmt.Sprintf("Consent withdrawn for %q - %d items affected", story.Title, res.ItemsAffected),
	})

	res.Success = len(res.Errors) == 0
	if !res.Success {
		return res, &ownership.PartialError{Op: "withdraw consent", Errors: res.Errors}
	}
	return res, nil
}

// Preview describes what Initiate would do without changing anything.
type Preview struct {
	StoryID             string   `json:"story_id"`
	StoryTitle          string   `json:"story_title"`
	Scope               Scope    `json:"scope"`
	ActiveEmbeds        int      `json:"active_embeds"`
	ActiveDistributions int      `json:"active_distributions"`
	TotalViews          int64    `json:"total_views"`
	WebhooksConfigured  int      `json:"webhooks_configured"`
	EstimatedActions    []string `json:"estimated_actions"`
}

// Preview counts the active embeds and distributions a revocation of scope would touch.
func (o *Orchestrator) Preview(ctx context.Context, storyID, actorID string, scope Scope) (Preview, error) {
	if scope == "" {
		scope = ScopeAll
	}
	if !scope.Valid() {
		return Preview{}, ownership.Validationf("unknown scope %q", scope)
	}
	story, err := ownership.LoadOwnedStory(ctx, o.store, storyID, actorID)
	if err != nil {
		return Preview{}, err
	}
	p := Preview{StoryID: story.ID, StoryTitle: story.Title, Scope: scope}
	if p.StoryTitle == "" {
		p.StoryTitle = "Untitled"
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tokens, err := o.store.ListActiveTokens(gctx, story.ID)
		if err != nil {
			return fmt.Errorf("count embeds: %w", err)
		}
		p.ActiveEmbeds = len(tokens)
		return nil
	})
	var active int
	var views int64
	var hooks int
	g.Go(func() error {
		ds, err := o.store.ListDistributions(gctx, story.ID)
		if err != nil {
			return fmt.Errorf("count distributions: %w", err)
		}
		for _, d := range ds {
			if d.Status != ownership.DistributionActive {
				continue
			}
			active++
			views += d.ViewCount
			if d.HasWebhook() {
				hooks++
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Preview{}, err
	}
	p.ActiveDistributions, p.TotalViews, p.WebhooksConfigured = active, views, hooks

	if scope.embeds() {
		p.EstimatedActions = append(p.EstimatedActions, fmt.Sprintf("Revoke %d embed tokens", p.ActiveEmbeds))
	}
	if scope.distributions() {
		p.EstimatedActions = append(p.EstimatedActions, fmt.Sprintf("Revoke %d distributions", p.ActiveDistributions))
		if p.WebhooksConfigured > 0 {
			p.EstimatedActions = append(p.EstimatedActions, fmt.Sprintf("Send %d webhook notifications", p.WebhooksConfigured))
		}
	}
	if scope == ScopeAll {
		p.EstimatedActions = append(p.EstimatedActions, "Archive story", "Disable future sharing")
	}
	return p, nil
}

func (o *Orchestrator) owned(ctx context.Context, storyID string, actor ownership.Actor) (ownership.Story, string, error) {
	story, err := ownership.LoadOwnedStory(ctx, o.store, storyID, actor.ID)
	if err != nil {
		return ownership.Story{}, "", err
	}
	tenant, err := ownership.ResolveTenant(ctx, o.store, story, actor.TenantID)
	if err != nil {
		return ownership.Story{}, "", err
	}
	return story, tenant, nil
}

func tally(results []webhook.Result) (sent, failed int) {
	for _, r := range results {
		if r.Success {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed
}

func enabled(v *bool) bool { return v == nil || *v }
