package ownership

import (
	"strings"
	"time"
)

// Sensitivity classifies the cultural risk of exposing a story outside its community.
type Sensitivity string

const (
	SensitivityStandard Sensitivity = "standard"
	SensitivityMedium   Sensitivity = "medium"
	SensitivityHigh     Sensitivity = "high"
	SensitivitySacred   Sensitivity = "sacred"
)

// Actor is the authenticated caller of a mutating operation.
type Actor struct {
	ID       string
	TenantID string
}

// OwnerSet holds the identities allowed to act on an entity as its owner.
type OwnerSet []string

// Has reports whether id is one of the owners.
func (o OwnerSet) Has(id string) bool {
	if id == "" {
		return false
	}
	for _, owner := range o {
		if owner == id {
			return true
		}
	}
	return false
}

// Story carries the fields of the external story entity this subsystem reads and mutates.
type Story struct {
	ID                   string         `json:"id"`
	Title                string         `json:"title"`
	Content              string         `json:"content"`
	AuthorID             string         `json:"author_id,omitempty"`
	StorytellerID        string         `json:"storyteller_id,omitempty"`
	StorytellerName      string         `json:"storyteller_name,omitempty"`
	OrganizationID       string         `json:"organization_id,omitempty"`
	TenantID             string         `json:"tenant_id,omitempty"`
	HasConsent           bool           `json:"has_consent"`
	ConsentVerified      bool           `json:"consent_verified"`
	ConsentWithdrawnAt   *time.Time     `json:"consent_withdrawn_at,omitempty"`
	Sensitivity          Sensitivity    `json:"cultural_sensitivity_level"`
	ElderApproval        bool           `json:"elder_approval"`
	CulturalReviewStatus string         `json:"cultural_review_status,omitempty"`
	RequiresElderReview  bool           `json:"requires_elder_review"`
	CulturalTags         []string       `json:"cultural_tags,omitempty"`
	CulturalContext      map[string]any `json:"cultural_context,omitempty"`
	EmbedsEnabled        bool           `json:"embeds_enabled"`
	SharingEnabled       bool           `json:"sharing_enabled"`
	IsArchived           bool           `json:"is_archived"`
	ArchivedAt           *time.Time     `json:"archived_at,omitempty"`
	ArchivedBy           string         `json:"archived_by,omitempty"`
	AnonymizationStatus  string         `json:"anonymization_status,omitempty"`
	AnonymizedAt         *time.Time     `json:"anonymized_at,omitempty"`
	AnonymizedFields     []string       `json:"anonymized_fields,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Owners returns the author and attributed storyteller.
func (s Story) Owners() OwnerSet {
	owners := make(OwnerSet, 0, 2)
	if s.AuthorID != "" {
		owners = append(owners, s.AuthorID)
	}
	if s.StorytellerID != "" && s.StorytellerID != s.AuthorID {
		owners = append(owners, s.StorytellerID)
	}
	return owners
}

// OwnedBy reports whether actorID may act on the story as an owner.
func (s Story) OwnedBy(actorID string) bool {
	return s.Owners().Has(actorID)
}

// CulturalPermissions are the sharing rights granted to a profile.
type CulturalPermissions struct {
	CanShareTraditional bool `json:"can_share_traditional"`
	CanShareCeremonial  bool `json:"can_share_ceremonial"`
	CanShareRestricted  bool `json:"can_share_restricted"`
	ElderApproved       bool `json:"elder_approved"`
}

// Profile is the user record consumed for permissions, export and erasure.
type Profile struct {
	ID                  string              `json:"id"`
	TenantID            string              `json:"tenant_id,omitempty"`
	DisplayName         string              `json:"display_name"`
	Email               string              `json:"email"`
	Phone               string              `json:"phone_number,omitempty"`
	Bio                 string              `json:"bio,omitempty"`
	Location            string              `json:"location,omitempty"`
	DateOfBirth         string              `json:"date_of_birth,omitempty"`
	ImageURL            string              `json:"profile_image_url,omitempty"`
	CulturalPermissions CulturalPermissions `json:"cultural_permissions"`
	AnonymizedAt        *time.Time          `json:"anonymized_at,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
}

// Media is an uploaded asset that may be linked to stories.
type Media struct {
	ID           string     `json:"id"`
	UploaderID   string     `json:"uploader_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	AltText      string     `json:"alt_text,omitempty"`
	Filename     string     `json:"filename,omitempty"`
	ContentType  string     `json:"content_type,omitempty"`
	AnonymizedAt *time.Time `json:"anonymized_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Platform is the external channel a story is distributed through.
type Platform string

const (
	PlatformEmbed      Platform = "embed"
	PlatformTwitter    Platform = "twitter"
	PlatformFacebook   Platform = "facebook"
	PlatformLinkedIn   Platform = "linkedin"
	PlatformWebsite    Platform = "website"
	PlatformBlog       Platform = "blog"
	PlatformAPI        Platform = "api"
	PlatformRSS        Platform = "rss"
	PlatformNewsletter Platform = "newsletter"
	PlatformCustom     Platform = "custom"
)

var platforms = map[Platform]struct{}{
	PlatformEmbed: {}, PlatformTwitter: {}, PlatformFacebook: {}, PlatformLinkedIn: {},
	PlatformWebsite: {}, PlatformBlog: {}, PlatformAPI: {}, PlatformRSS: {},
	PlatformNewsletter: {}, PlatformCustom: {},
}

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	_, ok := platforms[p]
	return ok
}

// DistributionStatus is the lifecycle state of a distribution.
type DistributionStatus string

const (
	DistributionActive            DistributionStatus = "active"
	DistributionRevoked           DistributionStatus = "revoked"
	DistributionExpired           DistributionStatus = "expired"
	DistributionFlagged           DistributionStatus = "flagged"
	DistributionRemovedExternally DistributionStatus = "removed_externally"
)

// ConsentSnapshot freezes the consent state of a story when a distribution is created.
type ConsentSnapshot struct {
	HasConsent      bool        `json:"has_consent"`
	ConsentVerified bool        `json:"consent_verified"`
	Sensitivity     Sensitivity `json:"cultural_sensitivity_level"`
	ElderApproval   bool        `json:"elder_approval"`
	CapturedAt      time.Time   `json:"captured_at"`
}

// SnapshotConsent captures the consent-relevant fields of s at time at.
func SnapshotConsent(s Story, at time.Time) ConsentSnapshot {
	return ConsentSnapshot{
		HasConsent:      s.HasConsent,
		ConsentVerified: s.ConsentVerified,
		Sensitivity:     s.Sensitivity,
		ElderApproval:   s.ElderApproval,
		CapturedAt:      at.UTC(),
	}
}

// Distribution tracks one exposure of a story on an external platform.
type Distribution struct {
	ID                string             `json:"id"`
	StoryID           string             `json:"story_id"`
	TenantID          string             `json:"tenant_id"`
	OrganizationID    string             `json:"organization_id,omitempty"`
	Platform          Platform           `json:"platform"`
	PlatformPostID    string             `json:"platform_post_id,omitempty"`
	DistributionURL   string             `json:"distribution_url,omitempty"`
	EmbedDomain       string             `json:"embed_domain,omitempty"`
	WebhookURL        string             `json:"webhook_url,omitempty"`
	WebhookSecret     string             `json:"-"`
	Status            DistributionStatus `json:"status"`
	ViewCount         int64              `json:"view_count"`
	ClickCount        int64              `json:"click_count"`
	ConsentSnapshot   ConsentSnapshot    `json:"consent_snapshot"`
	Notes             string             `json:"notes,omitempty"`
	ExpiresAt         *time.Time         `json:"expires_at,omitempty"`
	RevokedAt         *time.Time         `json:"revoked_at,omitempty"`
	RevokedBy         string             `json:"revoked_by,omitempty"`
	RevocationReason  string             `json:"revocation_reason,omitempty"`
	WebhookNotifiedAt *time.Time         `json:"webhook_notified_at,omitempty"`
	WebhookStatus     int                `json:"webhook_response_status,omitempty"`
	WebhookOK         bool               `json:"webhook_response_ok"`
	WebhookError      string             `json:"webhook_error,omitempty"`
	WebhookRetryCount int                `json:"webhook_retry_count"`
	CreatedBy         string             `json:"created_by"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// HasWebhook reports whether revocation events should be delivered for d.
func (d Distribution) HasWebhook() bool {
	return strings.TrimSpace(d.WebhookURL) != ""
}

// DistributionPatch updates the non-status fields of a distribution. Nil fields are left unchanged.
type DistributionPatch struct {
	PlatformPostID  *string    `json:"platform_post_id,omitempty"`
	DistributionURL *string    `json:"distribution_url,omitempty"`
	EmbedDomain     *string    `json:"embed_domain,omitempty"`
	WebhookURL      *string    `json:"webhook_url,omitempty"`
	WebhookSecret   *string    `json:"webhook_secret,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p DistributionPatch) Empty() bool {
	return p.PlatformPostID == nil && p.DistributionURL == nil && p.EmbedDomain == nil &&
		p.WebhookURL == nil && p.WebhookSecret == nil && p.Notes == nil && p.ExpiresAt == nil
}

// Apply copies the set fields onto d.
func (p DistributionPatch) Apply(d *Distribution) {
	if p.PlatformPostID != nil {
		d.PlatformPostID = *p.PlatformPostID
	}
	if p.DistributionURL != nil {
		d.DistributionURL = *p.DistributionURL
	}
	if p.EmbedDomain != nil {
		d.EmbedDomain = *p.EmbedDomain
	}
	if p.WebhookURL != nil {
		d.WebhookURL = *p.WebhookURL
	}
	if p.WebhookSecret != nil {
		d.WebhookSecret = *p.WebhookSecret
	}
	if p.Notes != nil {
		d.Notes = *p.Notes
	}
	if p.ExpiresAt != nil {
		at := p.ExpiresAt.UTC()
		d.ExpiresAt = &at
	}
}

// TokenStatus is the lifecycle state of an embed token.
type TokenStatus string

const (
	TokenActive  TokenStatus = "active"
	TokenRevoked TokenStatus = "revoked"
	TokenExpired TokenStatus = "expired"
)

// EmbedToken is a scoped credential that lets a third-party page render a story.
type EmbedToken struct {
	ID               string            `json:"id"`
	StoryID          string            `json:"story_id"`
	TenantID         string            `json:"tenant_id"`
	Token            string            `json:"-"`
	TokenHash        string            `json:"-"`
	AllowedDomains   []string          `json:"allowed_domains"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
	Status           TokenStatus       `json:"status"`
	UsageCount       int64             `json:"usage_count"`
	LastUsedAt       *time.Time        `json:"last_used_at,omitempty"`
	LastUsedDomain   string            `json:"last_used_domain,omitempty"`
	LastUsedIP       string            `json:"last_used_ip,omitempty"`
	DistributionID   string            `json:"distribution_id,omitempty"`
	AllowAnalytics   bool              `json:"allow_analytics"`
	ShowAttribution  bool              `json:"show_attribution"`
	CustomStyles     map[string]string `json:"custom_styles,omitempty"`
	RevokedAt        *time.Time        `json:"revoked_at,omitempty"`
	RevokedBy        string            `json:"revoked_by,omitempty"`
	RevocationReason string            `json:"revocation_reason,omitempty"`
	CreatedBy        string            `json:"created_by"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Revocation describes who revoked a record, when and why.
type Revocation struct {
	By     string
	Reason string
	At     time.Time
}

// WebhookOutcome is the recorded result of one delivery attempt.
type WebhookOutcome struct {
	At     time.Time
	Status int
	OK     bool
	Error  string
}

// TokenUse records a successful embed render.
type TokenUse struct {
	At     time.Time
	Domain string
	IP     string
}

// AuditEntry is one append-only record of a state transition.
type AuditEntry struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	Action         string         `json:"action"`
	ActionCategory string         `json:"action_category"`
	ActorID        string         `json:"actor_id"`
	ActorType      string         `json:"actor_type"`
	PreviousState  map[string]any `json:"previous_state,omitempty"`
	NewState       map[string]any `json:"new_state,omitempty"`
	ChangeSummary  string         `json:"change_summary"`
	RequestID      string         `json:"request_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// StoryAnonymization is the set of changes applied to a story during erasure.
type StoryAnonymization struct {
	Content          *string
	ClearAttribution bool
	Status           string
	Fields           []string
	At               time.Time
}

// ProfileScrub replaces identifying profile fields.
type ProfileScrub struct {
	DisplayName string
	Email       string
	At          time.Time
}

// DeletionRequestType selects the erasure routine a request runs.
type DeletionRequestType string

const (
	RequestAnonymizeStory DeletionRequestType = "anonymize_story"
	RequestDeleteAccount  DeletionRequestType = "delete_account"
	RequestExportData     DeletionRequestType = "export_data"
)

// Valid reports whether t is a known request type.
func (t DeletionRequestType) Valid() bool {
	switch t {
	case RequestAnonymizeStory, RequestDeleteAccount, RequestExportData:
		return true
	}
	return false
}

// DeletionStatus is the lifecycle state of a deletion request.
type DeletionStatus string

const (
	DeletionPending    DeletionStatus = "pending"
	DeletionProcessing DeletionStatus = "processing"
	DeletionCompleted  DeletionStatus = "completed"
	DeletionFailed     DeletionStatus = "failed"
)

// DeletionScope narrows what a deletion request touches.
type DeletionScope struct {
	StoryID             string `json:"story_id,omitempty"`
	PreserveContent     bool   `json:"preserve_content,omitempty"`
	PreserveAttribution bool   `json:"preserve_attribution,omitempty"`
	AnonymizeMedia      bool   `json:"anonymize_media,omitempty"`
}

// ProcessingStep is one line of a deletion request's processing log.
type ProcessingStep struct {
	Action string    `json:"action"`
	Detail string    `json:"detail,omitempty"`
	Items  int       `json:"items,omitempty"`
	OK     bool      `json:"ok"`
	At     time.Time `json:"at"`
}

// DeletionRequest is a user-initiated erasure or export request.
type DeletionRequest struct {
	ID                string              `json:"id"`
	UserID            string              `json:"user_id"`
	TenantID          string              `json:"tenant_id"`
	RequestType       DeletionRequestType `json:"request_type"`
	Scope             DeletionScope       `json:"scope"`
	Status            DeletionStatus      `json:"status"`
	VerificationToken string              `json:"verification_token,omitempty"`
	VerifiedAt        *time.Time          `json:"verified_at,omitempty"`
	ItemsTotal        int                 `json:"items_total"`
	ItemsProcessed    int                 `json:"items_processed"`
	ProcessingLog     []ProcessingStep    `json:"processing_log,omitempty"`
	ErrorMessage      string              `json:"error_message,omitempty"`
	ProcessedAt       *time.Time          `json:"processed_at,omitempty"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// ReasonConsentWithdrawn is the revocation reason used by consent cascades.
const ReasonConsentWithdrawn = "Consent withdrawn by storyteller"
