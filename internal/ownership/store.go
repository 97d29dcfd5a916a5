package ownership

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// StoryStore reads and mutates the story fields this subsystem owns.
type StoryStore interface {
	GetStory(ctx context.Context, id string) (Story, error)
	ListStoriesByOwner(ctx context.Context, userID string) ([]Story, error)
	SetSharing(ctx context.Context, id string, sharing, embeds bool) error
	SetArchived(ctx context.Context, id string, archived bool, by string, at time.Time) error
	WithdrawConsent(ctx context.Context, id string, at time.Time) error
	ApplyAnonymization(ctx context.Context, id string, a StoryAnonymization) error
}

// OrganizationStore resolves the tenant an organization belongs to.
type OrganizationStore interface {
	OrganizationTenant(ctx context.Context, orgID string) (string, error)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (Profile, error)
	AnonymizeProfile(ctx context.Context, id string, scrub ProfileScrub) error
}

type MediaStore interface {
	ListMediaByUploader(ctx context.Context, userID string) ([]Media, error)
	AnonymizeStoryMedia(ctx context.Context, storyID string, at time.Time) (int, error)
}

// DistributionStore persists distributions. Revocations only affect rows still active.
type DistributionStore interface {
	CreateDistribution(ctx context.Context, d Distribution) error
	GetDistribution(ctx context.Context, id string) (Distribution, error)
	ListDistributions(ctx context.Context, storyID string) ([]Distribution, error)
	ListDistributionsForStories(ctx context.Context, storyIDs []string) ([]Distribution, error)
	UpdateDistribution(ctx context.Context, id string, patch DistributionPatch) (Distribution, error)
	// RevokeDistribution flips an active distribution to revoked and reports whether a row changed.
	RevokeDistribution(ctx context.Context, id string, rev Revocation) (bool, error)
	// RevokeActiveDistributions revokes every active distribution of a story and returns the rows it changed.
	RevokeActiveDistributions(ctx context.Context, storyID string, rev Revocation) ([]Distribution, error)
	RecordWebhookOutcome(ctx context.Context, id string, outcome WebhookOutcome) error
	IncrementDistributionViews(ctx context.Context, id string) error
}

// TokenStore persists embed tokens.
type TokenStore interface {
	CreateToken(ctx context.Context, t EmbedToken) error
	// FindToken looks a presented credential up by its hash first and falls back to
	// the legacy raw column for tokens issued before hashes were stored.
	FindToken(ctx context.Context, hash, raw string) (EmbedToken, error)
	GetToken(ctx context.Context, id string) (EmbedToken, error)
	ListActiveTokens(ctx context.Context, storyID string) ([]EmbedToken, error)
	RevokeToken(ctx context.Context, id string, rev Revocation) (bool, error)
	RevokeActiveTokens(ctx context.Context, storyID string, rev Revocation) ([]EmbedToken, error)
	RecordTokenUse(ctx context.Context, id string, use TokenUse) error
}

type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAuditByActor(ctx context.Context, actorID string, limit int) ([]AuditEntry, error)
}

type DeletionRequestStore interface {
	CreateDeletionRequest(ctx context.Context, r DeletionRequest) error
	GetDeletionRequest(ctx context.Context, id string) (DeletionRequest, error)
	UpdateDeletionRequest(ctx context.Context, r DeletionRequest) error
}

// Store is the full persistence surface. Both the in-memory and PostgreSQL stores implement it.
type Store interface {
	StoryStore
	OrganizationStore
	ProfileStore
	MediaStore
	DistributionStore
	TokenStore
	AuditStore
	DeletionRequestStore
}

// ResolveTenant picks the tenant for writes about story: the organization's tenant,
// then the story's own tenant, then the caller's explicit fallback. An unresolved
// tenant is an error and is never defaulted.
func ResolveTenant(ctx context.Context, orgs OrganizationStore, story Story, fallback string) (string, error) {
	if story.OrganizationID != "" && orgs != nil {
		tenant, err := orgs.OrganizationTenant(ctx, story.OrganizationID)
		switch {
		case err == nil && tenant != "":
			return tenant, nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return "", fmt.Errorf("resolve organization tenant: %w", err)
		}
	}
	if story.TenantID != "" {
		return story.TenantID, nil
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("story %s: %w", story.ID, ErrTenantUnresolved)
}

// LoadOwnedStory fetches a story and checks that actorID owns it.
func LoadOwnedStory(ctx context.Context, stories StoryStore, storyID, actorID string) (Story, error) {
	story, err := stories.GetStory(ctx, storyID)
	if err != nil {
		return Story{}, err
	}
	if !story.OwnedBy(actorID) {
		return Story{}, ErrUnauthorized
	}
	return story, nil
}
