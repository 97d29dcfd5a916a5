// Package embed issues and validates the scoped tokens third-party pages use to render stories.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"storykeep.org/internal/audit"
	"storykeep.org/internal/ids"
	"storykeep.org/internal/obs"
	"storykeep.org/internal/ownership"
	"storykeep.org/internal/safety"
)

var (
	ErrInvalidToken     = errors.New("invalid embed token")
	ErrTokenInactive    = errors.New("embed token is not active")
	ErrTokenExpired     = errors.New("token has expired")
	ErrDomainNotAllowed = errors.New("domain not allowed for this embed")
	ErrNotEmbeddable    = errors.New("story is not available for embedding")
)

const (
	defaultRevokeReason    = "Revoked by owner"
	defaultRevokeAllReason = "All embeds revoked"
	tokenBytes             = 32
)

// Store is the persistence the embed service needs.
type Store interface {
	ownership.StoryStore
	ownership.OrganizationStore
	ownership.ProfileStore
	ownership.DistributionStore
	ownership.TokenStore
}

// Service issues, validates and revokes embed tokens.
type Service struct {
	store   Store
	audit   audit.Recorder
	policy  *bluemonday.Policy
	baseURL string
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBaseURL sets the public origin the widget script is served from.
func WithBaseURL(u string) Option {
	return func(s *Service) {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			s.baseURL = u
		}
	}
}

// NewService wires a Service.
func NewService(store Store, rec audit.Recorder, opts ...Option) *Service {
	s := &Service{
		store:   store,
		audit:   rec,
		policy:  bluemonday.UGCPolicy(),
		baseURL: "http://localhost:8080",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Options are the caller-controlled settings of a new token.
type Options struct {
	Domains         []string          `json:"domains,omitempty"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
	AllowAnalytics  *bool             `json:"allow_analytics,omitempty"`
	ShowAttribution *bool             `json:"show_attribution,omitempty"`
	CustomStyles    map[string]string `json:"custom_styles,omitempty"`
}

// Issued is returned once at issuance. The raw token is never retrievable again.
type Issued struct {
	Token          string     `json:"token"`
	TokenID        string     `json:"token_id"`
	DistributionID string     `json:"distribution_id"`
	EmbedCode      string     `json:"embed_code"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	AllowedDomains []string   `json:"allowed_domains"`
}

// Issue creates a backing embed distribution and a token for storyID.
func (s *Service) Issue(ctx context.Context, storyID string, actor ownership.Actor, opts Options) (Issued, error) {
	now := s.now().UTC()
	if opts.ExpiresAt != nil && !opts.ExpiresAt.After(now) {
		return Issued{}, ownership.Validationf("expires_at must be in the future")
	}
	domains := make([]string, 0, len(opts.Domains))
	for _, d := range opts.Domains {
		n := NormalizeDomain(d)
		if n == "" {
			return Issued{}, ownership.Validationf("invalid domain %q", d)
		}
		domains = append(domains, n)
	}

	story, err := ownership.LoadOwnedStory(ctx, s.store, storyID, actor.ID)
	if err != nil {
		return Issued{}, err
	}
	if !story.EmbedsEnabled {
		return Issued{}, ownership.ErrEmbedsDisabled
	}
	perms, err := s.permissions(ctx, actor.ID)
	if err != nil {
		return Issued{}, err
	}
	if decision := safety.Validate(story, perms, safety.SurfaceEmbed); !decision.Allowed {
		obs.SafetyBlocks.WithLabelValues(string(safety.SurfaceEmbed), string(decision.SensitivityLevel)).Inc()
		return Issued{}, decision.Err()
	}
	tenant, err := ownership.ResolveTenant(ctx, s.store, story, actor.TenantID)
	if err != nil {
		return Issued{}, err
	}

	raw, err := ids.Secret(tokenBytes)
	if err != nil {
		return Issued{}, fmt.Errorf("generate token: %w", err)
	}

	var expires *time.Time
	if opts.ExpiresAt != nil {
		at := opts.ExpiresAt.UTC()
		expires = &at
	}
	dist := ownership.Distribution{
		ID:              ids.New(),
		StoryID:         story.ID,
		TenantID:        tenant,
		OrganizationID:  story.OrganizationID,
		Platform:        ownership.PlatformEmbed,
		Status:          ownership.DistributionActive,
		ConsentSnapshot: ownership.SnapshotConsent(story, now),
		ExpiresAt:       expires,
		CreatedBy:       actor.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if len(domains) > 0 {
		dist.EmbedDomain = domains[0]
	}
	if err := s.store.CreateDistribution(ctx, dist); err != nil {
		return Issued{}, fmt.Errorf("create embed distribution: %w", err)
	}

	tok := ownership.EmbedToken{
		ID:              ids.New(),
		StoryID:         story.ID,
		TenantID:        tenant,
		Token:           raw,
		TokenHash:       HashToken(raw),
		AllowedDomains:  domains,
		ExpiresAt:       expires,
		Status:          ownership.TokenActive,
		DistributionID:  dist.ID,
		AllowAnalytics:  boolOr(opts.AllowAnalytics, true),
		ShowAttribution: boolOr(opts.ShowAttribution, true),
		CustomStyles:    opts.CustomStyles,
		CreatedBy:       actor.ID,
		CreatedAt:       now,
	}
	if err := s.store.CreateToken(ctx, tok); err != nil {
		// Leave no active distribution without a token behind it.
		if _, rerr := s.store.RevokeDistribution(ctx, dist.ID, ownership.Revocation{By: actor.ID, Reason: "Token issuance failed", At: now}); rerr != nil {
			obs.Error("embed distribution cleanup failed", rerr, map[string]any{"distribution_id": dist.ID})
		}
		return Issued{}, fmt.Errorf("create embed token: %w", err)
	}

	s.audit.Record(ctx, ownership.AuditEntry{
		TenantID:       tenant,
		OrganizationID: story.OrganizationID,
		EntityType:     "embed_token",
		EntityID:       tok.ID,
		Action:         "token_generate",
		ActionCategory: audit.CategoryDistribution,
		ActorID:        actor.ID,
		NewState: map[string]any{
			"story_id":        story.ID,
			"distribution_id": dist.ID,
			"allowed_domains": domains,
			"expires_at":      expires,
		},
		ChangeSummary: fmt.Sprintf("Embed token created for story %q", story.Title),
	})

	return Issued{
		Token:          raw,
		TokenID:        tok.ID,
		DistributionID: dist.ID,
		EmbedCode:      s.EmbedCode(story.ID, raw),
		ExpiresAt:      expires,
		AllowedDomains: domains,
	}, nil
}

// Access is what a validated token grants.
type Access struct {
	TokenID         string            `json:"token_id"`
	StoryID         string            `json:"story_id"`
	DistributionID  string            `json:"distribution_id,omitempty"`
	AllowAnalytics  bool              `json:"allow_analytics"`
	ShowAttribution bool              `json:"show_attribution"`
	CustomStyles    map[string]string `json:"custom_styles,omitempty"`
}

// ValidateAccess checks a presented token (raw or hashed) against its status, expiry
// and domain allow-list.
func (s *Service) ValidateAccess(ctx context.Context, presented, requestDomain string) (Access, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		obs.EmbedAccess.WithLabelValues("invalid").Inc()
		return Access{}, ErrInvalidToken
	}
	tok, err := s.store.FindToken(ctx, HashToken(presented), presented)
	if errors.Is(err, ownership.ErrNotFound) {
		// The presented value may already be the hash.
		tok, err = s.store.FindToken(ctx, presented, presented)
	}
	switch {
	case errors.Is(err, ownership.ErrNotFound):
		obs.EmbedAccess.WithLabelValues("invalid").Inc()
		return Access{}, ErrInvalidToken
	case err != nil:
		return Access{}, fmt.Errorf("find token: %w", err)
	}

	if tok.Status != ownership.TokenActive {
		obs.EmbedAccess.WithLabelValues("inactive").Inc()
		return Access{}, fmt.Errorf("%w: token is %s", ErrTokenInactive, tok.Status)
	}
	if tok.ExpiresAt != nil && s.now().After(*tok.ExpiresAt) {
		obs.EmbedAccess.WithLabelValues("expired").Inc()
		return Access{}, ErrTokenExpired
	}
	if !DomainAllowed(tok.AllowedDomains, requestDomain) {
		obs.EmbedAccess.WithLabelValues("domain").Inc()
		return Access{}, fmt.Errorf("%w: %s", ErrDomainNotAllowed, NormalizeDomain(requestDomain))
	}

	obs.EmbedAccess.WithLabelValues("ok").Inc()
	return Access{
		TokenID:         tok.ID,
		StoryID:         tok.StoryID,
		DistributionID:  tok.DistributionID,
		AllowAnalytics:  tok.AllowAnalytics,
		ShowAttribution: tok.ShowAttribution,
		CustomStyles:    tok.CustomStyles,
	}, nil
}

// Person is the public face of a story's author or storyteller.
type Person struct {
	DisplayName  string `json:"display_name"`
	ProfileImage string `json:"profile_image,omitempty"`
}

// Story is the sanitized, render-ready view of a story.
type Story struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	Content         string         `json:"content"`
	Author          *Person        `json:"author,omitempty"`
	Storyteller     *Person        `json:"storyteller,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	CulturalContext map[string]any `json:"cultural_context,omitempty"`
	Attribution     string         `json:"attribution,omitempty"`
}

// GetEmbeddableStory loads storyID for rendering, re-checking consent, embed settings,
// archive state and cultural safety as they stand now.
func (s *Service) GetEmbeddableStory(ctx context.Context, storyID string) (Story, error) {
	story, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		if errors.Is(err, ownership.ErrNotFound) {
			return Story{}, ErrNotEmbeddable
		}
		return Story{}, err
	}
	if !story.EmbedsEnabled || story.IsArchived {
		return Story{}, ErrNotEmbeddable
	}
	if decision := safety.ValidateContent(story, safety.SurfaceEmbed); !decision.Allowed {
		obs.SafetyBlocks.WithLabelValues(string(safety.SurfaceEmbed), string(decision.SensitivityLevel)).Inc()
		obs.Warn("cultural safety block on embed retrieval", map[string]any{"story_id": storyID, "rule": decision.Rule})
		return Story{}, ErrNotEmbeddable
	}

	out := Story{
		ID:              story.ID,
		Title:           story.Title,
		Content:         s.policy.Sanitize(story.Content),
		CreatedAt:       story.CreatedAt,
		CulturalContext: story.CulturalContext,
	}
	if out.Title == "" {
		out.Title = "Untitled Story"
	}
	out.Author = s.person(ctx, story.AuthorID, "")
	out.Storyteller = s.person(ctx, story.StorytellerID, story.StorytellerName)
	out.Attribution = attribution(out.Storyteller)
	return out, nil
}

// ViewMetadata describes one render of an embed.
type ViewMetadata struct {
	Domain string
	IP     string
}

// TrackView bumps the token's usage counters and the backing distribution's view count.
// Failures are logged and never returned.
func (s *Service) TrackView(ctx context.Context, tokenID, distributionID string, meta ViewMetadata) {
	use := ownership.TokenUse{At: s.now().UTC(), Domain: NormalizeDomain(meta.Domain), IP: meta.IP}
	if err := s.store.RecordTokenUse(ctx, tokenID, use); err != nil {
		obs.Warn("embed token usage not recorded", map[string]any{"token_id": tokenID, "error": err.Error()})
	}
	if distributionID == "" {
		return
	}
	if err := s.store.IncrementDistributionViews(ctx, distributionID); err != nil {
		obs.Warn("embed view not counted", map[string]any{"distribution_id": distributionID, "error": err.Error()})
	}
}

// Revoke revokes one token and its backing distribution. Revoking a revoked token
// returns the current record without error.
func (s *Service) Revoke(ctx context.Context, tokenID string, actor ownership.Actor, reason string) (ownership.EmbedToken, error) {
	tok, err := s.store.GetToken(ctx, tokenID)
	if err != nil {
		return ownership.EmbedToken{}, err
	}
	if _, err := ownership.LoadOwnedStory(ctx, s.store, tok.StoryID, actor.ID); err != nil {
		return ownership.EmbedToken{}, err
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = defaultRevokeReason
	}
	rev := ownership.Revocation{By: actor.ID, Reason: reason, At: s.now()}

	changed, err := s.store.RevokeToken(ctx, tokenID, rev)
	if err != nil {
		return ownership.EmbedToken{}, fmt.Errorf("revoke token: %w", err)
	}
	current, err := s.store.GetToken(ctx, tokenID)
	if err != nil {
		return ownership.EmbedToken{}, err
	}
	if !changed {
		return current, nil
	}
	obs.Revocations.WithLabelValues("embed").Inc()
	s.revokeBacking(ctx, current, rev)

	s.audit.Record(ctx, ownership.AuditEntry{
		TenantID:       tok.TenantID,
		EntityType:     "embed_token",
		EntityID:       tok.ID,
		Action:         "token_revoke",
		ActionCategory: audit.CategoryRevocation,
		ActorID:        actor.ID,
		PreviousState:  map[string]any{"status": tok.Status},
		NewState:       map[string]any{"status": current.Status, "revocation_reason": reason, "distribution_id": tok.DistributionID},
		ChangeSummary:  "Embed token revoked: " + reason,
	})
	return current, nil
}

// RevokeAll revokes every active token of storyID and returns how many changed.
func (s *Service) RevokeAll(ctx context.Context, storyID string, actor ownership.Actor, reason string) (int, error) {
	story, err := ownership.LoadOwnedStory(ctx, s.store, storyID, actor.ID)
	if err != nil {
		return 0, err
	}
	tenant, err := ownership.ResolveTenant(ctx, s.store, story, actor.TenantID)
	if err != nil {
		return 0, err
	}
	return s.RevokeAllForStory(ctx, story, tenant, actor, reason)
}

// RevokeAllForStory is RevokeAll for callers that already checked ownership and resolved the tenant.
func (s *Service) RevokeAllForStory(ctx context.Context, story ownership.Story, tenant string, actor ownership.Actor, reason string) (int, error) {
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = defaultRevokeAllReason
	}
	rev := ownership.Revocation{By: actor.ID, Reason: reason, At: s.now()}
	revoked, err := s.store.RevokeActiveTokens(ctx, story.ID, rev)
	if err != nil {
		return 0, fmt.Errorf("revoke tokens: %w", err)
	}
	if len(revoked) == 0 {
		return 0, nil
	}
	obs.Revocations.WithLabelValues("embed").Add(float64(len(revoked)))
	for _, tok := range revoked {
		s.revokeBacking(ctx, tok, rev)
	}

	s.audit.Record(ctx, ownership.AuditEntry{
		TenantID:       tenant,
		OrganizationID: story.OrganizationID,
		EntityType:     "story",
		EntityID:       story.ID,
		Action:         "revoke",
		ActionCategory: audit.CategoryRevocation,
		ActorID:        actor.ID,
		NewState:       map[string]any{"embeds_revoked": len(revoked), "revocation_reason": reason},
		ChangeSummary:  fmt.Sprintf("All %d embed(s) revoked: %s", len(revoked), reason),
	})
	return len(revoked), nil
}

// ListActive returns the active tokens of a story owned by actorID.
func (s *Service) ListActive(ctx context.Context, storyID, actorID string) ([]ownership.EmbedToken, error) {
	if _, err := ownership.LoadOwnedStory(ctx, s.store, storyID, actorID); err != nil {
		return nil, err
	}
	return s.store.ListActiveTokens(ctx, storyID)
}

// EmbedCode renders the snippet a site owner pastes into their page. The snippet
// fetches the public render route and fills the placeholder with the sanitized story.
func (s *Service) EmbedCode(storyID, token string) string {
	return fmt.Sprintf(`<!-- Storykeep Story Embed -->
<div id="storykeep-embed-%[1]s"></div>
<script>
(function() {
  var el = document.getElementById('storykeep-embed-%[1]s');
  fetch('%[2]s/v1/embed/stories/%[1]s?token=%[3]s')
    .then(function(r) { return r.ok ? r.json() : null; })
    .then(function(d) {
      if (!d || !d.story) { el.textContent = 'Story not available'; return; }
      var h = document.createElement('h3');
      h.textContent = d.story.title;
      var body = document.createElement('div');
      body.innerHTML = d.story.content;
      el.replaceChildren(h, body);
    });
})();
</script>`, storyID, s.baseURL, url.QueryEscape(token))
}

// HashToken derives the lookup hash stored alongside a token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// NormalizeDomain lowercases d and strips scheme, leading www., path and port.
func NormalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if host, _, ok := strings.Cut(d, ":"); ok {
		d = host
	}
	return strings.TrimSuffix(d, ".")
}

// DomainAllowed reports whether domain equals or is a subdomain of an allowed entry.
// An empty allow-list permits every domain.
func DomainAllowed(allowed []string, domain string) bool {
	if len(allowed) == 0 {
		return true
	}
	d := NormalizeDomain(domain)
	if d == "" {
		return false
	}
	for _, a := range allowed {
		a = NormalizeDomain(a)
		if a == "" {
			continue
		}
		if d == a || strings.HasSuffix(d, "."+a) {
			return true
		}
	}
	return false
}

func (s *Service) revokeBacking(ctx context.Context, tok ownership.EmbedToken, rev ownership.Revocation) {
	if tok.DistributionID == "" {
		return
	}
	changed, err := s.store.RevokeDistribution(ctx, tok.DistributionID, rev)
	if err != nil {
		obs.Error("embed distribution revoke failed", err, map[string]any{"token_id": tok.ID, "distribution_id": tok.DistributionID})
		return
	}
	if changed {
		obs.Revocations.WithLabelValues("distribution").Inc()
	}
}

func (s *Service) person(ctx context.Context, id, fallback string) *Person {
	if id == "" {
		if fallback == "" {
			return nil
		}
		return &Person{DisplayName: fallback}
	}
	p, err := s.store.GetProfile(ctx, id)
	if err != nil {
		if !errors.Is(err, ownership.ErrNotFound) {
			obs.Warn("embed profile lookup failed", map[string]any{"profile_id": id, "error": err.Error()})
		}
		if fallback == "" {
			return nil
		}
		return &Person{DisplayName: fallback}
	}
	name := p.DisplayName
	if name == "" {
		name = fallback
	}
	if name == "" {
		name = "Anonymous"
	}
	return &Person{DisplayName: name, ProfileImage: p.ImageURL}
}

func (s *Service) permissions(ctx context.Context, actorID string) (ownership.CulturalPermissions, error) {
	p, err := s.store.GetProfile(ctx, actorID)
	switch {
	case err == nil:
		return p.CulturalPermissions, nil
	case errors.Is(err, ownership.ErrNotFound):
		return ownership.CulturalPermissions{}, nil
	default:
		return ownership.CulturalPermissions{}, fmt.Errorf("load cultural permissions: %w", err)
	}
}

func attribution(storyteller *Person) string {
	if storyteller != nil && storyteller.DisplayName != "" && storyteller.DisplayName != "Anonymous" {
		return "Story by " + storyteller.DisplayName + " | Shared via Storykeep"
	}
	return "Shared via Storykeep"
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
