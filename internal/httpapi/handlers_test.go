package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"testing"

	"storykeep.org/internal/audit"
	"storykeep.org/internal/auth"
	"storykeep.org/internal/distribution"
	"storykeep.org/internal/embed"
	"storykeep.org/internal/gdpr"
	"storykeep.org/internal/ownership"
	"storykeep.org/internal/revocation"
	"storykeep.org/internal/stream"
	"storykeep.org/internal/webhook"
)

const (
	authorID   = "author-1"
	strangerID = "stranger-1"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	issuer  *auth.Issuer
	store   *ownership.InMemory
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	store := ownership.NewInMemory()
	store.PutOrganization("org-1", "tenant-1")
	store.PutProfile(ownership.Profile{ID: authorID, TenantID: "tenant-1", DisplayName: "Aunty May", Email: "may@example.com"})
	store.PutStory(ownership.Story{
		ID:              "story-1",
		Title:           "River Song",
		Content:         "<p>The river remembers.</p>",
		AuthorID:        authorID,
		OrganizationID:  "org-1",
		HasConsent:      true,
		ConsentVerified: true,
		Sensitivity:     ownership.SensitivityStandard,
		SharingEnabled:  true,
		EmbedsEnabled:   true,
	})
	store.PutStory(ownership.Story{
		ID:              "story-sacred",
		Title:           "Ceremony",
		Content:         "<p>Not for sharing.</p>",
		AuthorID:        authorID,
		OrganizationID:  "org-1",
		HasConsent:      true,
		ConsentVerified: true,
		Sensitivity:     ownership.SensitivitySacred,
		SharingEnabled:  true,
		EmbedsEnabled:   true,
	})

	rec := audit.NewLogger(store)
	registry := distribution.NewRegistry(store, webhook.NewNotifier(store), rec)
	embeds := embed.NewService(store, rec, embed.WithBaseURL("https://stories.example.org"))
	orchestrator := revocation.New(store, embeds, registry, rec)
	issuer, err := auth.NewIssuer("test-secret")
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}

	api := New(Deps{
		Issuer:        issuer,
		Distributions: registry,
		Embeds:        embeds,
		Revocation:    orchestrator,
		GDPR:          gdpr.NewService(store, orchestrator, rec),
		Stream:        stream.New(),
		Version:       "test",
		DevTokens:     true,
		RateBurst:     100,
		RatePerSec:    100,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		issuer:  issuer,
		store:   store,
		t:       t,
	}
}

func (c *apiClient) token(user string) string {
	c.t.Helper()
	tok, _, err := c.issuer.GenerateToken(user, "tenant-1", tokenTTL)
	if err != nil {
		c.t.Fatalf("generate token: %v", err)
	}
	return tok
}

func (c *apiClient) do(method, path, user string, body any) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+c.token(user))
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (c *apiClient) render(storyID, token, domain string) *http.Response {
	c.t.Helper()
	q := url.Values{"token": {token}, "domain": {domain}}
	resp, err := c.client.Get(c.baseURL + "/v1/embed/stories/" + storyID + "?" + q.Encode())
	if err != nil {
		c.t.Fatalf("render: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, r *http.Response, code int) {
	t.Helper()
	if r.StatusCode != code {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		r.Body.Close()
		t.Fatalf("%s %s: expected %d, got %d: %v", r.Request.Method, r.Request.URL.Path, code, r.StatusCode, body)
	}
}

func TestHealthz(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodGet, "/healthz", "", nil)
	expectStatus(t, resp, http.StatusOK)
	body := decode[map[string]any](t, resp)
	if body["service"] != "storykeep-api" || body["version"] != "test" {
		t.Fatalf("unexpected health body %v", body)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected security headers on response")
	}
}

func TestTokenEndpoint(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/v1/auth/token", "", map[string]any{"user": " "})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/auth/token", "", map[string]any{"user": authorID, "tenant": "tenant-1"})
	expectStatus(t, resp, http.StatusOK)
	tok := decode[tokenResponse](t, resp)
	claims, err := c.issuer.ParseAndValidate(tok.Token)
	if err != nil {
		t.Fatalf("minted token invalid: %v", err)
	}
	if claims.Subject != authorID || claims.Tenant != "tenant-1" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestTokenEndpointDisabledOutsideDev(t *testing.T) {
	issuer, err := auth.NewIssuer("test-secret")
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	srv := httptest.NewServer(New(Deps{Issuer: issuer}).Handler())
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/v1/auth/token", "application/json", bytes.NewBufferString(`{"user":"u"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodGet, "/v1/stories/story-1/distributions", "", nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	body := decode[map[string]any](t, resp)
	if body["request_id"] == "" || body["request_id"] == nil {
		t.Fatalf("expected request id in error body, got %v", body)
	}
}

func TestDistributionLifecycle(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/v1/stories/story-1/distributions", authorID, map[string]any{
		"platform":         "website",
		"distribution_url": "https://partner.example.com/stories/river",
	})
	expectStatus(t, resp, http.StatusCreated)
	dist := decode[ownership.Distribution](t, resp)
	if dist.Status != ownership.DistributionActive || dist.TenantID != "tenant-1" {
		t.Fatalf("unexpected distribution %+v", dist)
	}

	resp = c.do(http.MethodPost, "/v1/stories/story-1/distributions", authorID, map[string]any{"platform": "myspace"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.do(http.MethodGet, "/v1/stories/story-1/distributions", strangerID, nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.do(http.MethodGet, "/v1/stories/story-1/distributions", authorID, nil)
	expectStatus(t, resp, http.StatusOK)
	list := decode[map[string][]ownership.Distribution](t, resp)
	if len(list["distributions"]) != 1 {
		t.Fatalf("expected one distribution, got %d", len(list["distributions"]))
	}

	resp = c.do(http.MethodPost, "/v1/distributions/"+dist.ID+"/revoke", authorID, map[string]any{"reason": "taken down"})
	expectStatus(t, resp, http.StatusOK)
	revoked := decode[ownership.Distribution](t, resp)
	if revoked.Status != ownership.DistributionRevoked {
		t.Fatalf("expected revoked, got %s", revoked.Status)
	}

	resp = c.do(http.MethodPost, "/v1/distributions/missing/revoke", authorID, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestAggregatesUseSnakeCaseKeys(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/v1/stories/story-1/distributions", authorID, map[string]any{"platform": "website"})
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	want := map[string][]string{
		"/v1/stories/story-1/distribution-map": {"story_id", "total_distributions", "active_distributions", "revoked_distributions", "total_views", "by_platform"},
		"/v1/stories/story-1/analytics":        {"story_id", "total_views", "total_clicks", "views_by_platform", "top_domains"},
	}
	for path, keys := range want {
		resp = c.do(http.MethodGet, path, authorID, nil)
		expectStatus(t, resp, http.StatusOK)
		body := decode[map[string]any](t, resp)
		for _, k := range keys {
			if _, ok := body[k]; !ok {
				t.Fatalf("%s: missing key %q in %v", path, k, body)
			}
		}
		if _, ok := body["storyId"]; ok {
			t.Fatalf("%s: camelCase key in %v", path, body)
		}
	}

	resp = c.do(http.MethodPost, "/v1/deletion-requests", authorID, map[string]any{
		"request_type": "anonymize_story",
		"scope":        map[string]any{"storyId": "story-1"},
	})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/deletion-requests", authorID, map[string]any{
		"request_type": "anonymize_story",
		"scope":        map[string]any{"story_id": "story-1", "preserve_content": true, "anonymize_media": true},
	})
	expectStatus(t, resp, http.StatusCreated)
	created := decode[map[string]any](t, resp)
	scope, _ := created["scope"].(map[string]any)
	if scope["story_id"] != "story-1" || scope["preserve_content"] != true || scope["anonymize_media"] != true {
		t.Fatalf("unexpected scope %v", created["scope"])
	}
}

func TestSafetyBlockReturns422(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/v1/stories/story-sacred/distributions", authorID, map[string]any{"platform": "blog"})
	expectStatus(t, resp, http.StatusUnprocessableEntity)
	body := decode[map[string]any](t, resp)
	if body["sensitivity_level"] != string(ownership.SensitivitySacred) || body["rule"] == "" {
		t.Fatalf("unexpected safety body %v", body)
	}

	resp = c.do(http.MethodPost, "/v1/stories/story-sacred/embeds", authorID, nil)
	expectStatus(t, resp, http.StatusUnprocessableEntity)
	resp.Body.Close()
}

func TestEmbedRenderAndRevoke(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/v1/stories/story-1/embeds", authorID, map[string]any{
		"domains": []string{"partner.example.com"},
	})
	expectStatus(t, resp, http.StatusCreated)
	issued := decode[embed.Issued](t, resp)
	if issued.Token == "" || issued.TokenID == "" {
		t.Fatalf("expected token in issue response, got %+v", issued)
	}

	resp = c.render("story-1", issued.Token, "partner.example.com")
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("embed render should be open to any origin")
	}
	rendered := decode[embedResponse](t, resp)
	if rendered.Story.Title != "River Song" || !rendered.ShowAttribution {
		t.Fatalf("unexpected render %+v", rendered)
	}

	resp = c.render("story-1", issued.Token, "evil.example.net")
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.render("story-sacred", issued.Token, "partner.example.com")
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.render("story-1", "not-a-token", "partner.example.com")
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	tok, err := c.store.GetToken(t.Context(), issued.TokenID)
	if err != nil {
		t.Fatalf("load token: %v", err)
	}
	if tok.UsageCount != 1 {
		t.Fatalf("expected one tracked view, got %d", tok.UsageCount)
	}

	resp = c.do(http.MethodPost, "/v1/embeds/"+issued.TokenID+"/revoke", authorID, map[string]any{"reason": "no longer shared"})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.render("story-1", issued.Token, "partner.example.com")
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestEmbedCodeTargetsServedRoute(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/v1/stories/story-1/embeds", authorID, nil)
	expectStatus(t, resp, http.StatusCreated)
	issued := decode[embed.Issued](t, resp)

	m := regexp.MustCompile(`fetch\('https://stories\.example\.org(/[^']+)'\)`).FindStringSubmatch(issued.EmbedCode)
	if m == nil {
		t.Fatalf("embed code has no fetch target: %s", issued.EmbedCode)
	}
	resp, err := c.client.Get(c.baseURL + m[1])
	if err != nil {
		t.Fatalf("get %s: %v", m[1], err)
	}
	expectStatus(t, resp, http.StatusOK)
	body := decode[embedResponse](t, resp)
	if body.Story.ID != "story-1" || body.Story.Title != "River Song" {
		t.Fatalf("unexpected embed body %+v", body.Story)
	}
}

func TestEmbedRenderHidesServeTimeSafetyBlock(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/v1/stories/story-1/embeds", authorID, nil)
	expectStatus(t, resp, http.StatusCreated)
	issued := decode[embed.Issued](t, resp)

	story, err := c.store.GetStory(t.Context(), "story-1")
	if err != nil {
		t.Fatalf("load story: %v", err)
	}
	story.Sensitivity = ownership.SensitivitySacred
	c.store.PutStory(story)

	resp = c.render("story-1", issued.Token, "")
	expectStatus(t, resp, http.StatusNotFound)
	body := decode[map[string]any](t, resp)
	if body["error"] != "Story not found or not available" {
		t.Fatalf("unexpected error body %v", body)
	}
	for _, key := range []string{"reason", "rule", "sensitivity_level", "requires_elder_approval"} {
		if _, ok := body[key]; ok {
			t.Fatalf("render leaked %q: %v", key, body)
		}
	}
}

func TestRevokeStoryCascade(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/v1/stories/story-1/distributions", authorID, map[string]any{"platform": "newsletter"})
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
	resp = c.do(http.MethodPost, "/v1/stories/story-1/embeds", authorID, nil)
	expectStatus(t, resp, http.StatusCreated)
	issued := decode[embed.Issued](t, resp)

	resp = c.do(http.MethodGet, "/v1/stories/story-1/revocation-preview?scope=bogus", authorID, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/stories/story-1/revoke", strangerID, nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/stories/story-1/revoke", authorID, map[string]any{"reason": "family request"})
	expectStatus(t, resp, http.StatusOK)
	res := decode[revocation.Result](t, resp)
	if !res.Success || res.EmbedsRevoked != 1 || res.DistributionsRevoked < 1 {
		t.Fatalf("unexpected revocation result %+v", res)
	}

	resp = c.render("story-1", issued.Token, "")
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	story, err := c.store.GetStory(t.Context(), "story-1")
	if err != nil {
		t.Fatalf("load story: %v", err)
	}
	if story.SharingEnabled || story.EmbedsEnabled {
		t.Fatalf("expected sharing disabled after revocation: %+v", story)
	}
}

func TestArchiveAndRestore(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/v1/stories/story-1/archive", authorID, map[string]any{"reason": "resting"})
	expectStatus(t, resp, http.StatusOK)
	body := decode[map[string]any](t, resp)
	if body["is_archived"] != true {
		t.Fatalf("unexpected archive body %v", body)
	}

	resp = c.do(http.MethodPost, "/v1/stories/story-1/restore", authorID, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	story, err := c.store.GetStory(t.Context(), "story-1")
	if err != nil {
		t.Fatalf("load story: %v", err)
	}
	if story.IsArchived {
		t.Fatalf("expected restored story")
	}
}

func TestDeletionRequestFlow(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/v1/deletion-requests", authorID, map[string]any{
		"request_type": "anonymize_story",
		"scope":        map[string]any{"story_id": "story-1"},
	})
	expectStatus(t, resp, http.StatusCreated)
	created := decode[ownership.DeletionRequest](t, resp)
	if created.VerificationToken == "" || created.Status != ownership.DeletionPending {
		t.Fatalf("unexpected request %+v", created)
	}
	path := "/v1/deletion-requests/" + created.ID

	resp = c.do(http.MethodGet, path, strangerID, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = c.do(http.MethodPost, path+"/process", authorID, nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = c.do(http.MethodPost, path+"/verify", authorID, map[string]any{"token": "wrong"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.do(http.MethodPost, path+"/verify", authorID, map[string]any{"token": created.VerificationToken})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.do(http.MethodPost, path+"/process", authorID, nil)
	expectStatus(t, resp, http.StatusOK)
	processed := decode[ownership.DeletionRequest](t, resp)
	if processed.Status != ownership.DeletionCompleted || processed.VerificationToken != "" {
		t.Fatalf("unexpected processed request %+v", processed)
	}

	story, err := c.store.GetStory(t.Context(), "story-1")
	if err != nil {
		t.Fatalf("load story: %v", err)
	}
	if story.AnonymizedAt == nil {
		t.Fatalf("expected story anonymized")
	}
}

func TestExportIncludesProfile(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodGet, "/v1/me/export", authorID, nil)
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get("Content-Disposition") == "" {
		t.Fatalf("expected attachment disposition")
	}
	body := decode[map[string]any](t, resp)
	if len(body) == 0 {
		t.Fatalf("expected export body")
	}
}
