// Package gdpr implements erasure, export and deletion requests for storytellers.
package gdpr

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"storykeep.org/internal/audit"
	"storykeep.org/internal/ids"
	"storykeep.org/internal/obs"
	"storykeep.org/internal/ownership"
	"storykeep.org/internal/revocation"
)

const (
	anonymizedReason   = "Story anonymized"
	deletedDisplayName = "Deleted User"
	defaultExportLimit = 1000
)

// Store is the persistence the GDPR service needs.
type Store interface {
	ownership.StoryStore
	ownership.OrganizationStore
	ownership.ProfileStore
	ownership.MediaStore
	ownership.DistributionStore
	ownership.AuditStore
	ownership.DeletionRequestStore
}

// Revoker pulls a story back from every embed and distribution.
type Revoker interface {
	Initiate(ctx context.Context, storyID string, actor ownership.Actor, opts revocation.Options) (revocation.Result, error)
}

// Service anonymizes, exports and processes deletion requests.
type Service struct {
	store       Store
	revoker     Revoker
	audit       audit.Recorder
	scrubber    *Scrubber
	exportLimit int
	now         func() time.Time
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

// WithScrubber replaces the default PII rules.
func WithScrubber(sc *Scrubber) Option {
	return func(s *Service) {
		if sc != nil {
			s.scrubber = sc
		}
	}
}

// WithExportLimit bounds the audit entries included in an export.
func WithExportLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.exportLimit = n
		}
	}
}

// NewService wires a Service.
func NewService(store Store, revoker Revoker, rec audit.Recorder, opts ...Option) *Service {
	s := &Service{
		store:       store,
		revoker:     revoker,
		audit:       rec,
		scrubber:    NewScrubber(),
		exportLimit: defaultExportLimit,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AnonymizeOptions control what AnonymizeStory keeps.
type AnonymizeOptions struct {
	PreserveContent     bool `json:"preserve_content"`
	PreserveAttribution bool `json:"preserve_attribution"`
	AnonymizeMedia      bool `json:"anonymize_media"`
}

// AnonymizeResult records what an erasure touched. It is always returned; Err reports
// why it did not succeed.
type AnonymizeResult struct {
	EntityID         string   `json:"entity_id"`
	EntityType       string   `json:"entity_type"`
	Success          bool     `json:"success"`
	FieldsAnonymized []string `json:"fields_anonymized"`
	Redactions       []string `json:"redactions,omitempty"`
	ItemsAffected    int      `json:"items_affected"`
	Error            string   `json:"error,omitempty"`
	Errors           []string `json:"errors,omitempty"`

	err error
}

// Err returns the failure behind an unsuccessful result.
func (r AnonymizeResult) Err() error {
	if r.err != nil {
		return r.err
	}
	if len(r.Errors) > 0 {
		return &ownership.PartialError{Op: "anonymize " + r.EntityType, Errors: r.Errors}
	}
	return nil
}

func (r *AnonymizeResult) fail(err error) AnonymizeResult {
	r.Success = false
	r.err = err
	r.Error = err.Error()
	return *r
}

// AnonymizeStory revokes every exposure of storyID, then scrubs its content and
// attribution per opts. The original owner ids are kept only in the audit entry.
func (s *Service) AnonymizeStory(ctx context.Context, storyID string, actor ownership.Actor, opts AnonymizeOptions) (res AnonymizeResult) {
	res = AnonymizeResult{EntityID: storyID, EntityType: "story", Success: true, FieldsAnonymized: []string{}}

	ctx, span := obs.StartSpan(ctx, "gdpr.anonymize_story", attribute.String("story.id", storyID))
	defer func() { obs.EndSpan(span, res.Err()) }()

	story, err := ownership.LoadOwnedStory(ctx, s.store, storyID, actor.ID)
	if err != nil {
		return res.fail(err)
	}
	tenant, err := ownership.ResolveTenant(ctx, s.store, story, actor.TenantID)
	if err != nil {
		return res.fail(err)
	}

	// Revoke while the actor still owns the story; clearing attribution ends ownership.
	no := false
	rev, err := s.revoker.Initiate(ctx, story.ID, actor, revocation.Options{
		Scope:        revocation.ScopeAll,
		Reason:       anonymizedReason,
		ArchiveStory: &no,
	})
	var partial *ownership.PartialError
	switch {
	case errors.As(err, &partial):
		res.Errors = append(res.Errors, partial.Errors...)
	case err != nil:
		return res.fail(fmt.Errorf("revoke before anonymize: %w", err))
	}

	now := s.now().UTC()

	// Attribution is cleared last. Until then the owner can retry a failed run.
	media := 0
	if opts.AnonymizeMedia {
		n, err := s.store.AnonymizeStoryMedia(ctx, story.ID, now)
		if err != nil {
			res.Errors = append(res.Errors, "media anonymization failed: "+err.Error())
		}
		media = n
	}
	if len(res.Errors) > 0 {
		res.Success = false
		return res
	}

	change := ownership.StoryAnonymization{Status: "full", At: now}
	if opts.PreserveContent {
		change.Status = "partial"
	} else {
		scrubbed, hits := s.scrubber.Scrub(story.Content)
		change.Content = &scrubbed
		res.Redactions = hits
		res.FieldsAnonymized = append(res.FieldsAnonymized, "content")
	}
	if !opts.PreserveAttribution {
		change.ClearAttribution = true
		res.FieldsAnonymized = append(res.FieldsAnonymized, "author_id", "storyteller_id")
	}
	change.Fields = append([]string(nil), res.FieldsAnonymized...)
	if err := s.store.ApplyAnonymization(ctx, story.ID, change); err != nil {
		return res.fail(fmt.Errorf("anonymize story: %w", err))
	}
	res.ItemsAffected = 1 + rev.EmbedsRevoked + rev.DistributionsRevoked + media
	if opts.AnonymizeMedia {
		res.FieldsAnonymized = append(res.FieldsAnonymized, "related_media")
	}

	s.audit.Record(ctx, ownership.AuditEntry{
		TenantID:       tenant,
		OrganizationID: story.OrganizationID,
		EntityType:     "story",
		EntityID:       story.ID,
		Action:         "anonymize",
		ActionCategory: audit.CategoryGDPR,
		ActorID:        actor.ID,
		PreviousState: map[string]any{
			"anonymization_status": story.AnonymizationStatus,
			"author_id":            story.AuthorID,
			"storyteller_id":       story.StorytellerID,
		},
		NewState: map[string]any{
			"anonymization_status": change.Status,
			"fields":               res.FieldsAnonymized,
			"redactions":           res.Redactions,
		},
		ChangeSummary: fmt.Sprintf("Story anonymized: %d field(s), %d item(s) affected", len(res.FieldsAnonymized), res.ItemsAffected),
	})

	res.Success = len(res.Errors) == 0
	return res
}

// AnonymizeUserData erases every story userID owns and scrubs their profile.
func (s *Service) AnonymizeUserData(ctx context.Context, userID, tenant string) AnonymizeResult {
	res := AnonymizeResult{EntityID: userID, EntityType: "user", Success: true, FieldsAnonymized: []string{}}
	if tenant == "" {
		return res.fail(fmt.Errorf("user %s: %w", userID, ownership.ErrTenantUnresolved))
	}
	actor := ownership.Actor{ID: userID, TenantID: tenant}

	stories, err := s.store.ListStoriesByOwner(ctx, userID)
	if err != nil {
		return res.fail(fmt.Errorf("list stories: %w", err))
	}
	for _, story := range stories {
		sr := s.AnonymizeStory(ctx, story.ID, actor, AnonymizeOptions{AnonymizeMedia: true})
		if sr.err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("story %s: %s", story.ID, sr.Error))
			continue
		}
		res.Errors = append(res.Errors, sr.Errors...)
		res.ItemsAffected++
	}
	if len(stories) > 0 {
		res.FieldsAnonymized = append(res.FieldsAnonymized, "stories")
	}

	err = s.store.AnonymizeProfile(ctx, userID, ownership.ProfileScrub{
		DisplayName: deletedDisplayName,
		Email:       AnonymizedEmail(userID),
		At:          s.now().UTC(),
	})
	switch {
	case err == nil:
		res.FieldsAnonymized = append(res.FieldsAnonymized, "profile")
		res.ItemsAffected++
	case errors.Is(err, ownership.ErrNotFound):
	default:
		res.Errors = append(res.Errors, "profile anonymization failed: "+err.Error())
	}

	s.audit.Record(ctx, ownership.AuditEntry{
		TenantID:       tenant,
		EntityType:     "user",
		EntityID:       userID,
		Action:         "anonymize_all",
		ActionCategory: audit.CategoryGDPR,
		ActorID:        userID,
		NewState:       map[string]any{"stories": len(stories), "items_affected": res.ItemsAffected, "errors": res.Errors},
		ChangeSummary:  fmt.Sprintf("User data fully anonymized: %d items affected", res.ItemsAffected),
	})

	res.Success = len(res.Errors) == 0
	return res
}

// AnonymizedEmail is the placeholder address written over an erased profile.
func AnonymizedEmail(userID string) string {
	prefix := userID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return "deleted_" + prefix + "@anonymized.local"
}

// ExportProfile is the profile subset included in an export.
type ExportProfile struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Bio         string    `json:"bio,omitempty"`
	Location    string    `json:"location,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExportStory is one owned story in an export.
type ExportStory struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	Content         string         `json:"content"`
	CulturalContext map[string]any `json:"cultural_context,omitempty"`
	HasConsent      bool           `json:"has_consent"`
	ConsentVerified bool           `json:"consent_verified"`
	IsArchived      bool           `json:"is_archived"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ExportMedia is one uploaded asset in an export.
type ExportMedia struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExportDistribution is one distribution of an owned story.
type ExportDistribution struct {
	ID              string                       `json:"id"`
	StoryID         string                       `json:"story_id"`
	Platform        ownership.Platform           `json:"platform"`
	DistributionURL string                       `json:"distribution_url,omitempty"`
	Status          ownership.DistributionStatus `json:"status"`
	ViewCount       int64                        `json:"view_count"`
	CreatedAt       time.Time                    `json:"created_at"`
}

// ExportAudit is one of the user's own audit actions.
type ExportAudit struct {
	ID            string    `json:"id"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Action        string    `json:"action"`
	ChangeSummary string    `json:"change_summary"`
	CreatedAt     time.Time `json:"created_at"`
}

// Export is the portable bundle of a user's data.
type Export struct {
	ExportedAt    time.Time            `json:"exported_at"`
	UserID        string               `json:"user_id"`
	Profile       *ExportProfile       `json:"profile"`
	Stories       []ExportStory        `json:"stories"`
	Media         []ExportMedia        `json:"media"`
	Distributions []ExportDistribution `json:"distributions"`
	AuditLogs     []ExportAudit        `json:"audit_logs"`
}

// ExportUserData collects the records owned by or linked to userID. It never writes.
func (s *Service) ExportUserData(ctx context.Context, userID string) (Export, error) {
	out := Export{
		ExportedAt:    s.now().UTC(),
		UserID:        userID,
		Stories:       []ExportStory{},
		Media:         []ExportMedia{},
		Distributions: []ExportDistribution{},
		AuditLogs:     []ExportAudit{},
	}

	var stories []ownership.Story
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.store.GetProfile(gctx, userID)
		switch {
		case errors.Is(err, ownership.ErrNotFound):
			return nil
		case err != nil:
			return fmt.Errorf("export profile: %w", err)
		}
		out.Profile = &ExportProfile{
			ID: p.ID, Email: p.Email, DisplayName: p.DisplayName,
			Bio: p.Bio, Location: p.Location, CreatedAt: p.CreatedAt,
		}
		return nil
	})
	g.Go(func() error {
		var err error
		stories, err = s.store.ListStoriesByOwner(gctx, userID)
		if err != nil {
			return fmt.Errorf("export stories: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		media, err := s.store.ListMediaByUploader(gctx, userID)
		if err != nil {
			return fmt.Errorf("export media: %w", err)
		}
		for _, m := range media {
			out.Media = append(out.Media, ExportMedia{ID: m.ID, Filename: m.Filename, ContentType: m.ContentType, CreatedAt: m.CreatedAt})
		}
		return nil
	})
	g.Go(func() error {
		entries, err := s.store.ListAuditByActor(gctx, userID, s.exportLimit)
		if err != nil {
			return fmt.Errorf("export audit: %w", err)
		}
		for _, e := range entries {
			out.AuditLogs = append(out.AuditLogs, ExportAudit{
				ID: e.ID, EntityType: e.EntityType, EntityID: e.EntityID,
				Action: e.Action, ChangeSummary: e.ChangeSummary, CreatedAt: e.CreatedAt,
			})
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Export{}, err
	}

	storyIDs := make([]string, 0, len(stories))
	for _, st := range stories {
		storyIDs = append(storyIDs, st.ID)
		out.Stories = append(out.Stories, ExportStory{
			ID: st.ID, Title: st.Title, Content: st.Content, CulturalContext: st.CulturalContext,
			HasConsent: st.HasConsent, ConsentVerified: st.ConsentVerified, IsArchived: st.IsArchived,
			CreatedAt: st.CreatedAt, UpdatedAt: st.UpdatedAt,
		})
	}
	if len(storyIDs) == 0 {
		return out, nil
	}
	dists, err := s.store.ListDistributionsForStories(ctx, storyIDs)
	if err != nil {
		return Export{}, fmt.Errorf("export distributions: %w", err)
	}
	for _, d := range dists {
		out.Distributions = append(out.Distributions, ExportDistribution{
			ID: d.ID, StoryID: d.StoryID, Platform: d.Platform, DistributionURL: d.DistributionURL,
			Status: d.Status, ViewCount: d.ViewCount, CreatedAt: d.CreatedAt,
		})
	}
	return out, nil
}

// CreateDeletionRequest opens a pending request that must be verified before it runs.
// The returned request carries the verification token; it is not shown again.
func (s *Service) CreateDeletionRequest(ctx context.Context, actor ownership.Actor, kind ownership.DeletionRequestType, scope ownership.DeletionScope) (ownership.DeletionRequest, error) {
	if !kind.Valid() {
		return ownership.DeletionRequest{}, ownership.Validationf("unknown request type %q", kind)
	}
	tenant, err := s.userTenant(ctx, actor)
	if err != nil {
		return ownership.DeletionRequest{}, err
	}

	total := 0
	switch kind {
	case ownership.RequestAnonymizeStory:
		if scope.StoryID == "" {
			return ownership.DeletionRequest{}, ownership.Validationf("scope.story_id is required for %s", kind)
		}
		if _, err := ownership.LoadOwnedStory(ctx, s.store, scope.StoryID, actor.ID); err != nil {
			return ownership.DeletionRequest{}, err
		}
		total = 1
	case ownership.RequestDeleteAccount:
		stories, err := s.store.ListStoriesByOwner(ctx, actor.ID)
		if err != nil {
			return ownership.DeletionRequest{}, fmt.Errorf("count stories: %w", err)
		}
		media, err := s.store.ListMediaByUploader(ctx, actor.ID)
		if err != nil {
			return ownership.DeletionRequest{}, fmt.Errorf("count media: %w", err)
		}
		total = len(stories) + len(media) + 1
	}

	token, err := ids.HexSecret(32)
	if err != nil {
		return ownership.DeletionRequest{}, fmt.Errorf("generate verification token: %w", err)
	}
	now := s.now().UTC()
	req := ownership.DeletionRequest{
		ID:                ids.New(),
		UserID:            actor.ID,
		TenantID:          tenant,
		RequestType:       kind,
		Scope:             scope,
		Status:            ownership.DeletionPending,
		VerificationToken: token,
		ItemsTotal:        total,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateDeletionRequest(ctx, req); err != nil {
		return ownership.DeletionRequest{}, fmt.Errorf("create deletion request: %w", err)
	}

	s.audit.Record(ctx, ownership.AuditEntry{
		TenantID:       tenant,
		EntityType:     "deletion_request",
		EntityID:       req.ID,
		Action:         "create",
		ActionCategory: audit.CategoryGDPR,
		ActorID:        actor.ID,
		NewState:       map[string]any{"request_type": kind, "status": req.Status, "items_total": total},
		ChangeSummary:  fmt.Sprintf("Deletion request created: %s", kind),
	})
	return req, nil
}

// VerifyDeletionRequest confirms a request with its token and moves it to processing.
func (s *Service) VerifyDeletionRequest(ctx context.Context, id, token string) (ownership.DeletionRequest, error) {
	req, err := s.store.GetDeletionRequest(ctx, id)
	if err != nil {
		return ownership.DeletionRequest{}, err
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(req.VerificationToken)) != 1 {
		return ownership.DeletionRequest{}, ownership.Validationf("invalid or expired verification token")
	}
	if req.VerifiedAt != nil {
		return ownership.DeletionRequest{}, fmt.Errorf("request already verified: %w", ownership.ErrInvalidTransition)
	}
	now := s.now().UTC()
	req.VerifiedAt = &now
	req.Status = ownership.DeletionProcessing
	req.UpdatedAt = now
	if err := s.store.UpdateDeletionRequest(ctx, req); err != nil {
		return ownership.DeletionRequest{}, fmt.Errorf("verify deletion request: %w", err)
	}

	s.audit.Record(ctx, ownership.AuditEntry{
		TenantID:       req.TenantID,
		EntityType:     "deletion_request",
		EntityID:       req.ID,
		Action:         "verify",
		ActionCategory: audit.CategoryGDPR,
		ActorID:        req.UserID,
		NewState:       map[string]any{"status": req.Status},
		ChangeSummary:  "Deletion request verified",
	})
	return redact(req), nil
}

// ProcessDeletionRequest runs a verified request. Processing a completed request is a
// no-op. A request whose routine fails is marked failed and returned with a
// *ownership.PartialError.
func (s *Service) ProcessDeletionRequest(ctx context.Context, id string) (ownership.DeletionRequest, error) {
	req, err := s.store.GetDeletionRequest(ctx, id)
	if err != nil {
		return ownership.DeletionRequest{}, err
	}
	if req.Status == ownership.DeletionCompleted {
		return redact(req), nil
	}
	if req.VerifiedAt == nil {
		return ownership.DeletionRequest{}, fmt.Errorf("request not verified: %w", ownership.ErrInvalidTransition)
	}

	start := s.now().UTC()
	req.Status = ownership.DeletionProcessing
	req.ProcessedAt = &start
	req.UpdatedAt = start
	req.ErrorMessage = ""
	if err := s.store.UpdateDeletionRequest(ctx, req); err != nil {
		return ownership.DeletionRequest{}, fmt.Errorf("start deletion request: %w", err)
	}

	actor := ownership.Actor{ID: req.UserID, TenantID: req.TenantID}
	var result *AnonymizeResult
	switch req.RequestType {
	case ownership.RequestAnonymizeStory:
		r := s.AnonymizeStory(ctx, req.Scope.StoryID, actor, AnonymizeOptions{
			PreserveContent:     req.Scope.PreserveContent,
			PreserveAttribution: req.Scope.PreserveAttribution,
			AnonymizeMedia:      req.Scope.AnonymizeMedia,
		})
		result = &r
		req.ProcessingLog = append(req.ProcessingLog, step("anonymize_story", r, s.now()))
	case ownership.RequestDeleteAccount:
		r := s.AnonymizeUserData(ctx, req.UserID, req.TenantID)
		result = &r
		req.ProcessingLog = append(req.ProcessingLog, step("anonymize_user", r, s.now()))
	case ownership.RequestExportData:
		req.ProcessingLog = append(req.ProcessingLog, ownership.ProcessingStep{
			Action: "export_ready", Detail: "Data export available for download", OK: true, At: s.now().UTC(),
		})
	}

	done := s.now().UTC()
	req.UpdatedAt = done
	var failure error
	if result != nil && !result.Success {
		failure = result.Err()
		req.Status = ownership.DeletionFailed
		req.ErrorMessage = failure.Error()
		req.ItemsProcessed = min(result.ItemsAffected, req.ItemsTotal)
	} else {
		req.Status = ownership.DeletionCompleted
		req.CompletedAt = &done
		req.ItemsProcessed = req.ItemsTotal
	}
	if err := s.store.UpdateDeletionRequest(ctx, req); err != nil {
		return ownership.DeletionRequest{}, fmt.Errorf("finish deletion request: %w", err)
	}

	s.audit.Record(ctx, ownership.AuditEntry{
		TenantID:       req.TenantID,
		EntityType:     "deletion_request",
		EntityID:       req.ID,
		Action:         "process",
		ActionCategory: audit.CategoryGDPR,
		ActorID:        req.UserID,
		ActorType:      "system",
		NewState:       map[string]any{"status": req.Status, "items_processed": req.ItemsProcessed},
		ChangeSummary:  fmt.Sprintf("Deletion request %s: %s", req.RequestType, req.Status),
	})

	if failure != nil {
		var partial *ownership.PartialError
		if !errors.As(failure, &partial) {
			partial = &ownership.PartialError{Op: "process deletion request", Errors: []string{failure.Error()}}
		}
		return redact(req), partial
	}
	return redact(req), nil
}

// DeletionRequestStatus returns a request owned by userID.
func (s *Service) DeletionRequestStatus(ctx context.Context, id, userID string) (ownership.DeletionRequest, error) {
	req, err := s.store.GetDeletionRequest(ctx, id)
	if err != nil {
		return ownership.DeletionRequest{}, err
	}
	if req.UserID != userID {
		return ownership.DeletionRequest{}, ownership.ErrNotFound
	}
	return redact(req), nil
}

func (s *Service) userTenant(ctx context.Context, actor ownership.Actor) (string, error) {
	if actor.TenantID != "" {
		return actor.TenantID, nil
	}
	p, err := s.store.GetProfile(ctx, actor.ID)
	switch {
	case err == nil && p.TenantID != "":
		return p.TenantID, nil
	case err != nil && !errors.Is(err, ownership.ErrNotFound):
		return "", fmt.Errorf("resolve user tenant: %w", err)
	}
	return "", fmt.Errorf("user %s: %w", actor.ID, ownership.ErrTenantUnresolved)
}

func step(action string, r AnonymizeResult, at time.Time) ownership.ProcessingStep {
	st := ownership.ProcessingStep{Action: action, Items: r.ItemsAffected, OK: r.Success, At: at.UTC()}
	if err := r.Err(); err != nil {
		st.Detail = err.Error()
	}
	return st
}

func redact(r ownership.DeletionRequest) ownership.DeletionRequest {
	r.VerificationToken = ""
	return r
}
