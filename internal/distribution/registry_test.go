package distribution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storykeep.org/internal/audit"
	"storykeep.org/internal/ownership"
	"storykeep.org/internal/webhook"
)

var owner = ownership.Actor{ID: "author-1"}

type fixture struct {
	store *ownership.InMemory
	reg   *Registry
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := ownership.NewInMemory()
	store.PutOrganization("org-1", "tenant-1")
	store.PutStory(ownership.Story{
		ID:              "story-1",
		Title:           "River Song",
		AuthorID:        owner.ID,
		StorytellerID:   "teller-1",
		OrganizationID:  "org-1",
		HasConsent:      true,
		ConsentVerified: true,
		Sensitivity:     ownership.SensitivityStandard,
		SharingEnabled:  true,
		EmbedsEnabled:   true,
	})
	reg := NewRegistry(store, webhook.NewNotifier(store), audit.NewLogger(store))
	return fixture{store: store, reg: reg}
}

func (f fixture) mutateStory(t *testing.T, fn func(*ownership.Story)) {
	t.Helper()
	story, err := f.store.GetStory(context.Background(), "story-1")
	require.NoError(t, err)
	fn(&story)
	f.store.PutStory(story)
}

func countAudit(store *ownership.InMemory, action string) int {
	n := 0
	for _, e := range store.AuditEntries() {
		if e.Action == action {
			n++
		}
	}
	return n
}

func TestRegisterCreatesActiveDistribution(t *testing.T) {
	f := newFixture(t)
	d, err := f.reg.Register(context.Background(), "story-1", owner, ownership.PlatformBlog, Details{DistributionURL: "https://blog.example.com/p/1"})
	require.NoError(t, err)

	assert.Equal(t, ownership.DistributionActive, d.Status)
	assert.Equal(t, "tenant-1", d.TenantID)
	assert.True(t, d.ConsentSnapshot.ConsentVerified)
	assert.Equal(t, 1, countAudit(f.store, "share"))
}

func TestRegisterSacredAlwaysBlocked(t *testing.T) {
	f := newFixture(t)
	f.mutateStory(t, func(s *ownership.Story) {
		s.Sensitivity = ownership.SensitivitySacred
		s.ElderApproval = true
		s.CulturalReviewStatus = "approved"
	})
	f.store.PutProfile(ownership.Profile{ID: owner.ID, CulturalPermissions: ownership.CulturalPermissions{
		CanShareTraditional: true, CanShareCeremonial: true, CanShareRestricted: true, ElderApproved: true,
	}})

	_, err := f.reg.Register(context.Background(), "story-1", owner, ownership.PlatformWebsite, Details{})
	require.ErrorIs(t, err, ownership.ErrSafetyBlocked)

	ds, _ := f.store.ListDistributions(context.Background(), "story-1")
	assert.Empty(t, ds)
}

func TestRegisterHighNeedsElderApproval(t *testing.T) {
	f := newFixture(t)
	f.mutateStory(t, func(s *ownership.Story) { s.Sensitivity = ownership.SensitivityHigh })

	_, err := f.reg.Register(context.Background(), "story-1", owner, ownership.PlatformBlog, Details{})
	var se *ownership.SafetyError
	require.True(t, errors.As(err, &se))
	assert.True(t, se.RequiresElderApproval)

	f.mutateStory(t, func(s *ownership.Story) { s.ElderApproval = true })
	_, err = f.reg.Register(context.Background(), "story-1", owner, ownership.PlatformBlog, Details{})
	require.NoError(t, err)
}

func TestRegisterElderReviewPending(t *testing.T) {
	f := newFixture(t)
	f.mutateStory(t, func(s *ownership.Story) {
		s.Sensitivity = ownership.SensitivityMedium
		s.RequiresElderReview = true
		s.CulturalReviewStatus = "pending"
	})

	_, err := f.reg.Register(context.Background(), "story-1", owner, ownership.PlatformBlog, Details{})
	var se *ownership.SafetyError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Reason, "elder review")
	assert.True(t, se.RequiresElderApproval)
}

func TestRegisterChecksOwnershipAndTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Register(ctx, "story-1", ownership.Actor{ID: "stranger"}, ownership.PlatformBlog, Details{})
	assert.ErrorIs(t, err, ownership.ErrUnauthorized)

	_, err = f.reg.Register(ctx, "missing", owner, ownership.PlatformBlog, Details{})
	assert.ErrorIs(t, err, ownership.ErrNotFound)

	_, err = f.reg.Register(ctx, "story-1", owner, "myspace", Details{})
	assert.ErrorIs(t, err, ownership.ErrValidation)

	f.mutateStory(t, func(s *ownership.Story) { s.OrganizationID = ""; s.TenantID = "" })
	_, err = f.reg.Register(ctx, "story-1", owner, ownership.PlatformBlog, Details{})
	assert.ErrorIs(t, err, ownership.ErrTenantUnresolved)

	_, err = f.reg.Register(ctx, "story-1", ownership.Actor{ID: "teller-1", TenantID: "tenant-x"}, ownership.PlatformBlog, Details{})
	assert.NoError(t, err, "storyteller with an explicit tenant may register")
}

func TestConsentSnapshotIsImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, err := f.reg.Register(ctx, "story-1", owner, ownership.PlatformRSS, Details{})
	require.NoError(t, err)

	require.NoError(t, f.store.WithdrawConsent(ctx, "story-1", time.Now()))

	stored, err := f.store.GetDistribution(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, stored.ConsentSnapshot.HasConsent)
	assert.True(t, stored.ConsentSnapshot.ConsentVerified)
}

type hookServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies [][]byte
	sigs   []string
}

func newHookServer(t *testing.T, status int) *hookServer {
	h := &hookServer{}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		h.mu.Lock()
		h.bodies = append(h.bodies, body)
		h.sigs = append(h.sigs, r.Header.Get(webhook.HeaderSignature))
		h.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(h.Close)
	return h
}

func (h *hookServer) received() ([][]byte, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.bodies...), append([]string(nil), h.sigs...)
}

func TestRevokeSendsOneSignedWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hook := newHookServer(t, http.StatusOK)

	d, err := f.reg.Register(ctx, "story-1", owner, ownership.PlatformWebsite, Details{WebhookURL: hook.URL, WebhookSecret: "abc123"})
	require.NoError(t, err)

	revoked, err := f.reg.Revoke(ctx, d.ID, owner, "")
	require.NoError(t, err)
	assert.Equal(t, ownership.DistributionRevoked, revoked.Status)
	assert.Equal(t, defaultRevokeReason, revoked.RevocationReason)

	bodies, sigs := hook.received()
	require.Len(t, bodies, 1)
	assert.True(t, webhook.Verify("abc123", bodies[0], sigs[0]))
}

func TestRevokeTwiceIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hook := newHookServer(t, http.StatusOK)
	d, err := f.reg.Register(ctx, "story-1", owner, ownership.PlatformWebsite, Details{WebhookURL: hook.URL})
	require.NoError(t, err)

	_, err = f.reg.Revoke(ctx, d.ID, owner, "first")
	require.NoError(t, err)
	second, err := f.reg.Revoke(ctx, d.ID, owner, "second")
	require.NoError(t, err)

	assert.Equal(t, ownership.DistributionRevoked, second.Status)
	assert.Equal(t, "first", second.RevocationReason)
	assert.Equal(t, 1, countAudit(f.store, "revoke"))
	bodies, _ := hook.received()
	assert.Len(t, bodies, 1)
}

func TestRevokeSucceedsWhenWebhookFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hook := newHookServer(t, http.StatusServiceUnavailable)
	d, err := f.reg.Register(ctx, "story-1", owner, ownership.PlatformWebsite, Details{WebhookURL: hook.URL})
	require.NoError(t, err)

	revoked, err := f.reg.Revoke(ctx, d.ID, owner, "")
	require.NoError(t, err)
	assert.Equal(t, ownership.DistributionRevoked, revoked.Status)

	stored, _ := f.store.GetDistribution(ctx, d.ID)
	assert.False(t, stored.WebhookOK)
	assert.Equal(t, 1, stored.WebhookRetryCount)
}

func TestRevokeRejectsNonOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, err := f.reg.Register(ctx, "story-1", owner, ownership.PlatformBlog, Details{})
	require.NoError(t, err)

	_, err = f.reg.Revoke(ctx, d.ID, ownership.Actor{ID: "stranger"}, "")
	assert.ErrorIs(t, err, ownership.ErrUnauthorized)
	stored, _ := f.store.GetDistribution(ctx, d.ID)
	assert.Equal(t, ownership.DistributionActive, stored.Status)
}

func TestRevokeAllCollectsWebhookFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ok := newHookServer(t, http.StatusOK)
	bad := newHookServer(t, http.StatusInternalServerError)

	for _, details := range []Details{{WebhookURL: ok.URL}, {WebhookURL: bad.URL}, {}} {
		_, err := f.reg.Register(ctx, "story-1", owner, ownership.PlatformWebsite, details)
		require.NoError(t, err)
	}

	res, err := f.reg.RevokeAll(ctx, "story-1", owner, RevokeAllOptions{Reason: "story retired", Notify: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)
	assert.Len(t, res.Webhooks, 2)
	assert.Len(t, res.Errors, 1)
	assert.Equal(t, 1, countAudit(f.store, "revoke_all_distributions"))

	again, err := f.reg.RevokeAll(ctx, "story-1", owner, RevokeAllOptions{Notify: true})
	require.NoError(t, err)
	assert.Zero(t, again.Count)
	assert.Equal(t, 1, countAudit(f.store, "revoke_all_distributions"))
}

func TestUpdateAndResend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hook := newHookServer(t, http.StatusOK)
	d, err := f.reg.Register(ctx, "story-1", owner, ownership.PlatformTwitter, Details{})
	require.NoError(t, err)

	_, err = f.reg.Resend(ctx, d.ID, owner)
	assert.ErrorIs(t, err, ownership.ErrValidation)

	postID, url := "tweet-9", hook.URL
	updated, err := f.reg.Update(ctx, d.ID, owner, ownership.DistributionPatch{PlatformPostID: &postID, WebhookURL: &url})
	require.NoError(t, err)
	assert.Equal(t, "tweet-9", updated.PlatformPostID)
	assert.Equal(t, ownership.DistributionActive, updated.Status)

	_, err = f.reg.Update(ctx, d.ID, owner, ownership.DistributionPatch{})
	assert.ErrorIs(t, err, ownership.ErrValidation)

	res, err := f.reg.Resend(ctx, d.ID, owner)
	require.NoError(t, err)
	assert.True(t, res.Success)
	bodies, _ := hook.received()
	assert.Len(t, bodies, 1)
}

func TestAnalyticsTopDomainsCapped(t *testing.T) {
	var ds []ownership.Distribution
	for i := 0; i < 12; i++ {
		ds = append(ds, ownership.Distribution{
			Platform:    ownership.PlatformEmbed,
			EmbedDomain: fmt.Sprintf("site%02d.example", i),
			ViewCount:   int64(i),
			ClickCount:  1,
		})
	}
	ds = append(ds, ownership.Distribution{Platform: ownership.PlatformBlog, EmbedDomain: "ignored.example", ViewCount: 100})

	a := BuildAnalytics("story-1", ds)
	require.Len(t, a.TopDomains, topDomainLimit)
	assert.Equal(t, "site11.example", a.TopDomains[0].Domain)
	assert.Equal(t, int64(166), a.TotalViews)
	assert.Equal(t, int64(12), a.TotalClicks)
	assert.Equal(t, int64(100), a.ViewsByPlatform[ownership.PlatformBlog])
}

func TestBuildMapCountsStatuses(t *testing.T) {
	m := BuildMap("story-1", []ownership.Distribution{
		{Platform: ownership.PlatformEmbed, Status: ownership.DistributionActive, ViewCount: 3},
		{Platform: ownership.PlatformEmbed, Status: ownership.DistributionRevoked, ViewCount: 2},
		{Platform: ownership.PlatformRSS, Status: ownership.DistributionActive},
	})
	assert.Equal(t, 3, m.Total)
	assert.Equal(t, 2, m.Active)
	assert.Equal(t, 1, m.Revoked)
	assert.Equal(t, int64(5), m.TotalViews)
	assert.Equal(t, PlatformStats{Count: 2, Views: 5, Active: 1}, m.ByPlatform[ownership.PlatformEmbed])
	assert.Len(t, m.ByPlatform, len(allPlatforms))
}
