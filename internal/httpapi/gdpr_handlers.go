package httpapi

import (
	"net/http"

	"storykeep.org/internal/gdpr"
	"storykeep.org/internal/ownership"
)

type deletionRequestBody struct {
	RequestType ownership.DeletionRequestType `json:"request_type"`
	Scope       ownership.DeletionScope       `json:"scope"`
}

type verifyRequestBody struct {
	Token string `json:"token"`
}

func (a *API) handleAnonymizeStory(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var opts gdpr.AnonymizeOptions
	if err := decodeJSON(r, &opts, true); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res := a.gdpr.AnonymizeStory(r.Context(), r.PathValue("id"), actor, opts)
	writeOutcome(w, r, http.StatusOK, res, res.Err())
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	export, err := a.gdpr.ExportUserData(r.Context(), actor.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="storykeep-export.json"`)
	writeJSON(w, http.StatusOK, export)
}

func (a *API) handleCreateDeletionRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body deletionRequestBody
	if err := decodeJSON(r, &body, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req, err := a.gdpr.CreateDeletionRequest(r.Context(), actor, body.RequestType, body.Scope)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (a *API) handleVerifyDeletionRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body verifyRequestBody
	if err := decodeJSON(r, &body, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	if _, err := a.gdpr.DeletionRequestStatus(r.Context(), id, actor.ID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	req, err := a.gdpr.VerifyDeletionRequest(r.Context(), id, body.Token)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) handleProcessDeletionRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if _, err := a.gdpr.DeletionRequestStatus(r.Context(), id, actor.ID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	req, err := a.gdpr.ProcessDeletionRequest(r.Context(), id)
	req.VerificationToken = ""
	writeOutcome(w, r, http.StatusOK, req, err)
}

func (a *API) handleDeletionRequestStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	req, err := a.gdpr.DeletionRequestStatus(r.Context(), r.PathValue("id"), actor.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
