package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"storykeep.org/internal/embed"
	"storykeep.org/internal/ownership"
)

type embedResponse struct {
	Story           embed.Story       `json:"story"`
	ShowAttribution bool              `json:"show_attribution"`
	CustomStyles    map[string]string `json:"custom_styles,omitempty"`
}

func (a *API) handleIssueEmbed(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var opts embed.Options
	if err := decodeJSON(r, &opts, true); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	issued, err := a.embeds.Issue(r.Context(), r.PathValue("id"), actor, opts)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

func (a *API) handleListEmbeds(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	tokens, err := a.embeds.ListActive(r.Context(), r.PathValue("id"), actor.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if tokens == nil {
		tokens = []ownership.EmbedToken{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"embeds": tokens})
}

func (a *API) handleRevokeEmbed(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tok, err := a.embeds.Revoke(r.Context(), r.PathValue("id"), actor, req.Reason)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// handleRenderEmbed is the public widget endpoint: validate the token, load the story as
// it stands now, then count the view. A failed view count never fails the render.
func (a *API) handleRenderEmbed(w http.ResponseWriter, r *http.Request) {
	storyID := r.PathValue("id")
	domain := requestDomain(r)

	access, err := a.embeds.ValidateAccess(r.Context(), r.URL.Query().Get("token"), domain)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if access.StoryID != storyID {
		writeError(w, r, http.StatusForbidden, "token does not grant access to this story")
		return
	}
	story, err := a.embeds.GetEmbeddableStory(r.Context(), storyID)
	if errors.Is(err, embed.ErrNotEmbeddable) {
		// Third-party pages learn nothing about why a story stopped rendering.
		writeError(w, r, http.StatusNotFound, "Story not found or not available")
		return
	}
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	meta := embed.ViewMetadata{}
	if access.AllowAnalytics {
		meta = embed.ViewMetadata{Domain: domain, IP: clientIP(r)}
	}
	a.embeds.TrackView(r.Context(), access.TokenID, access.DistributionID, meta)

	if !access.ShowAttribution {
		story.Attribution = ""
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, embedResponse{
		Story:           story,
		ShowAttribution: access.ShowAttribution,
		CustomStyles:    access.CustomStyles,
	})
}

// requestDomain picks the embedding page's host from ?domain=, then Origin, then Referer.
func requestDomain(r *http.Request) string {
	if d := strings.TrimSpace(r.URL.Query().Get("domain")); d != "" {
		return d
	}
	for _, h := range []string{"Origin", "Referer"} {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		if u, err := url.Parse(v); err == nil && u.Host != "" {
			return u.Hostname()
		}
	}
	return ""
}
