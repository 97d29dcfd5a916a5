package httpapi

import (
	"net/http"

	"storykeep.org/internal/revocation"
)

func (a *API) handleRevokeStory(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var opts revocation.Options
	if err := decodeJSON(r, &opts, true); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.revocation.Initiate(r.Context(), r.PathValue("id"), actor, opts)
	writeOutcome(w, r, http.StatusOK, res, err)
}

func (a *API) handleRevocationPreview(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	scope := revocation.Scope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = revocation.ScopeAll
	}
	if !scope.Valid() {
		writeError(w, r, http.StatusBadRequest, "invalid scope")
		return
	}
	preview, err := a.revocation.Preview(r.Context(), r.PathValue("id"), actor.ID, scope)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (a *API) handleArchive(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	storyID := r.PathValue("id")
	if err := a.revocation.Archive(r.Context(), storyID, actor, req.Reason); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"story_id": storyID, "is_archived": true})
}

func (a *API) handleRestore(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	storyID := r.PathValue("id")
	if err := a.revocation.Restore(r.Context(), storyID, actor); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"story_id": storyID, "is_archived": false})
}

func (a *API) handleWithdrawConsent(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	res, err := a.revocation.CascadeConsentWithdrawal(r.Context(), r.PathValue("id"), actor)
	writeOutcome(w, r, http.StatusOK, res, err)
}
