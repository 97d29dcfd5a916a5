package ownership

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. It backs tests and
// runs the API when no database DSN is configured.
type InMemory struct {
	mu sync.RWMutex

	stories       map[string]Story
	organizations map[string]string
	profiles      map[string]Profile
	media         map[string]Media
	storyMedia    map[string][]string
	distributions map[string]Distribution
	tokens        map[string]EmbedToken
	audit         []AuditEntry
	requests      map[string]DeletionRequest

	now func() time.Time
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		stories:       make(map[string]Story),
		organizations: make(map[string]string),
		profiles:      make(map[string]Profile),
		media:         make(map[string]Media),
		storyMedia:    make(map[string][]string),
		distributions: make(map[string]Distribution),
		tokens:        make(map[string]EmbedToken),
		requests:      make(map[string]DeletionRequest),
		now:           time.Now,
	}
}

// PutStory inserts or replaces a story.
func (s *InMemory) PutStory(story Story) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stories[story.ID] = cloneStory(story)
}

// PutOrganization records the tenant of an organization.
func (s *InMemory) PutOrganization(orgID, tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.organizations[orgID] = tenantID
}

// PutProfile inserts or replaces a profile.
func (s *InMemory) PutProfile(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

// PutMedia inserts a media asset and links it to the given stories.
func (s *InMemory) PutMedia(m Media, storyIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media[m.ID] = m
	for _, id := range storyIDs {
		s.storyMedia[id] = append(s.storyMedia[id], m.ID)
	}
}

// Media returns a media asset by id.
func (s *InMemory) Media(id string) (Media, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.media[id]
	return m, ok
}

// AuditEntries returns a copy of every audit entry in append order.
func (s *InMemory) AuditEntries() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.audit)
}

func (s *InMemory) GetStory(ctx context.Context, id string) (Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	story, ok := s.stories[id]
	if !ok {
		return Story{}, ErrNotFound
	}
	return cloneStory(story), nil
}

func (s *InMemory) ListStoriesByOwner(ctx context.Context, userID string) ([]Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Story
	for _, story := range s.stories {
		if story.OwnedBy(userID) {
			out = append(out, cloneStory(story))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) SetSharing(ctx context.Context, id string, sharing, embeds bool) error {
	return s.updateStory(id, func(story *Story) {
		story.SharingEnabled = sharing
		story.EmbedsEnabled = embeds
	})
}

func (s *InMemory) SetArchived(ctx context.Context, id string, archived bool, by string, at time.Time) error {
	return s.updateStory(id, func(story *Story) {
		story.IsArchived = archived
		if archived {
			ts := at.UTC()
			story.ArchivedAt = &ts
			story.ArchivedBy = by
		} else {
			story.ArchivedAt = nil
			story.ArchivedBy = ""
		}
	})
}

func (s *InMemory) WithdrawConsent(ctx context.Context, id string, at time.Time) error {
	return s.updateStory(id, func(story *Story) {
		ts := at.UTC()
		story.HasConsent = false
		story.ConsentVerified = false
		story.ConsentWithdrawnAt = &ts
		story.SharingEnabled = false
		story.EmbedsEnabled = false
	})
}

func (s *InMemory) ApplyAnonymization(ctx context.Context, id string, a StoryAnonymization) error {
	return s.updateStory(id, func(story *Story) {
		ts := a.At.UTC()
		if a.Content != nil {
			story.Content = *a.Content
		}
		if a.ClearAttribution {
			story.AuthorID = ""
			story.StorytellerID = ""
			story.StorytellerName = ""
		}
		story.AnonymizationStatus = a.Status
		story.AnonymizedAt = &ts
		story.AnonymizedFields = slices.Clone(a.Fields)
		story.SharingEnabled = false
		story.EmbedsEnabled = false
	})
}

func (s *InMemory) updateStory(id string, fn func(*Story)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	story, ok := s.stories[id]
	if !ok {
		return ErrNotFound
	}
	fn(&story)
	story.UpdatedAt = s.now().UTC()
	s.stories[id] = story
	return nil
}

func (s *InMemory) OrganizationTenant(ctx context.Context, orgID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenant, ok := s.organizations[orgID]
	if !ok {
		return "", ErrNotFound
	}
	return tenant, nil
}

func (s *InMemory) GetProfile(ctx context.Context, id string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (s *InMemory) AnonymizeProfile(ctx context.Context, id string, scrub ProfileScrub) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return ErrNotFound
	}
	ts := scrub.At.UTC()
	p.DisplayName = scrub.DisplayName
	p.Email = scrub.Email
	p.Phone = ""
	p.Bio = ""
	p.Location = ""
	p.DateOfBirth = ""
	p.ImageURL = ""
	p.AnonymizedAt = &ts
	s.profiles[id] = p
	return nil
}

func (s *InMemory) ListMediaByUploader(ctx context.Context, userID string) ([]Media, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Media
	for _, m := range s.media {
		if m.UploaderID == userID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) AnonymizeStoryMedia(ctx context.Context, storyID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := at.UTC()
	count := 0
	for _, id := range s.storyMedia[storyID] {
		m, ok := s.media[id]
		if !ok {
			continue
		}
		m.Title = AnonymizedMediaTitle
		m.Description = ""
		m.AltText = ""
		m.Filename = ""
		m.AnonymizedAt = &ts
		s.media[id] = m
		count++
	}
	return count, nil
}

// AnonymizedMediaTitle replaces the title of scrubbed media.
const AnonymizedMediaTitle = "Anonymized Media"

func (s *InMemory) CreateDistribution(ctx context.Context, d Distribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.distributions[d.ID] = d
	return nil
}

func (s *InMemory) GetDistribution(ctx context.Context, id string) (Distribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.distributions[id]
	if !ok {
		return Distribution{}, ErrNotFound
	}
	return d, nil
}

func (s *InMemory) ListDistributions(ctx context.Context, storyID string) ([]Distribution, error) {
	return s.ListDistributionsForStories(ctx, []string{storyID})
}

func (s *InMemory) ListDistributionsForStories(ctx context.Context, storyIDs []string) ([]Distribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Distribution
	for _, d := range s.distributions {
		if slices.Contains(storyIDs, d.StoryID) {
			out = append(out, d)
		}
	}
	sortDistributions(out)
	return out, nil
}

func (s *InMemory) UpdateDistribution(ctx context.Context, id string, patch DistributionPatch) (Distribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.distributions[id]
	if !ok {
		return Distribution{}, ErrNotFound
	}
	patch.Apply(&d)
	d.UpdatedAt = s.now().UTC()
	s.distributions[id] = d
	return d, nil
}

func (s *InMemory) RevokeDistribution(ctx context.Context, id string, rev Revocation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.distributions[id]
	if !ok {
		return false, ErrNotFound
	}
	if d.Status != DistributionActive {
		return false, nil
	}
	s.distributions[id] = revokeDistribution(d, rev)
	return true, nil
}

func (s *InMemory) RevokeActiveDistributions(ctx context.Context, storyID string, rev Revocation) ([]Distribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Distribution
	for id, d := range s.distributions {
		if d.StoryID != storyID || d.Status != DistributionActive {
			continue
		}
		d = revokeDistribution(d, rev)
		s.distributions[id] = d
		out = append(out, d)
	}
	sortDistributions(out)
	return out, nil
}

func revokeDistribution(d Distribution, rev Revocation) Distribution {
	at := rev.At.UTC()
	d.Status = DistributionRevoked
	d.RevokedAt = &at
	d.RevokedBy = rev.By
	d.RevocationReason = rev.Reason
	d.UpdatedAt = at
	return d
}

func (s *InMemory) RecordWebhookOutcome(ctx context.Context, id string, outcome WebhookOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.distributions[id]
	if !ok {
		return ErrNotFound
	}
	at := outcome.At.UTC()
	d.WebhookNotifiedAt = &at
	d.WebhookStatus = outcome.Status
	d.WebhookOK = outcome.OK
	d.WebhookError = outcome.Error
	d.WebhookRetryCount++
	s.distributions[id] = d
	return nil
}

func (s *InMemory) IncrementDistributionViews(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.distributions[id]
	if !ok {
		return ErrNotFound
	}
	d.ViewCount++
	s.distributions[id] = d
	return nil
}

func (s *InMemory) CreateToken(ctx context.Context, t EmbedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.ID] = cloneToken(t)
	return nil
}

func (s *InMemory) FindToken(ctx context.Context, hash, raw string) (EmbedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if hash != "" {
		for _, t := range s.tokens {
			if t.TokenHash == hash {
				return cloneToken(t), nil
			}
		}
	}
	if raw != "" {
		for _, t := range s.tokens {
			if t.Token == raw {
				return cloneToken(t), nil
			}
		}
	}
	return EmbedToken{}, ErrNotFound
}

func (s *InMemory) GetToken(ctx context.Context, id string) (EmbedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[id]
	if !ok {
		return EmbedToken{}, ErrNotFound
	}
	return cloneToken(t), nil
}

func (s *InMemory) ListActiveTokens(ctx context.Context, storyID string) ([]EmbedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []EmbedToken
	for _, t := range s.tokens {
		if t.StoryID == storyID && t.Status == TokenActive {
			out = append(out, cloneToken(t))
		}
	}
	sortTokens(out)
	return out, nil
}

func (s *InMemory) RevokeToken(ctx context.Context, id string, rev Revocation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status != TokenActive {
		return false, nil
	}
	s.tokens[id] = revokeToken(t, rev)
	return true, nil
}

func (s *InMemory) RevokeActiveTokens(ctx context.Context, storyID string, rev Revocation) ([]EmbedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EmbedToken
	for id, t := range s.tokens {
		if t.StoryID != storyID || t.Status != TokenActive {
			continue
		}
		t = revokeToken(t, rev)
		s.tokens[id] = t
		out = append(out, cloneToken(t))
	}
	sortTokens(out)
	return out, nil
}

func revokeToken(t EmbedToken, rev Revocation) EmbedToken {
	at := rev.At.UTC()
	t.Status = TokenRevoked
	t.RevokedAt = &at
	t.RevokedBy = rev.By
	t.RevocationReason = rev.Reason
	return t
}

func (s *InMemory) RecordTokenUse(ctx context.Context, id string, use TokenUse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return ErrNotFound
	}
	at := use.At.UTC()
	t.UsageCount++
	t.LastUsedAt = &at
	t.LastUsedDomain = use.Domain
	t.LastUsedIP = use.IP
	s.tokens[id] = t
	return nil
}

func (s *InMemory) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

func (s *InMemory) ListAuditByActor(ctx context.Context, actorID string, limit int) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if s.audit[i].ActorID == actorID {
			out = append(out, s.audit[i])
		}
	}
	return out, nil
}

func (s *InMemory) CreateDeletionRequest(ctx context.Context, r DeletionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = cloneRequest(r)
	return nil
}

func (s *InMemory) GetDeletionRequest(ctx context.Context, id string) (DeletionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return DeletionRequest{}, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (s *InMemory) UpdateDeletionRequest(ctx context.Context, r DeletionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; !ok {
		return ErrNotFound
	}
	s.requests[r.ID] = cloneRequest(r)
	return nil
}

func sortDistributions(ds []Distribution) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.Before(ds[j].CreatedAt)
		}
		return ds[i].ID < ds[j].ID
	})
}

func sortTokens(ts []EmbedToken) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

func cloneStory(s Story) Story {
	s.CulturalTags = slices.Clone(s.CulturalTags)
	s.CulturalContext = maps.Clone(s.CulturalContext)
	s.AnonymizedFields = slices.Clone(s.AnonymizedFields)
	return s
}

func cloneToken(t EmbedToken) EmbedToken {
	t.AllowedDomains = slices.Clone(t.AllowedDomains)
	t.CustomStyles = maps.Clone(t.CustomStyles)
	return t
}

func cloneRequest(r DeletionRequest) DeletionRequest {
	r.ProcessingLog = slices.Clone(r.ProcessingLog)
	return r
}

var _ Store = (*InMemory)(nil)
