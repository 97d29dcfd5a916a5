package httpapi

import (
	"net/http"

	"storykeep.org/internal/distribution"
	"storykeep.org/internal/ownership"
)

type registerDistributionRequest struct {
	Platform ownership.Platform `json:"platform"`
	distribution.Details
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (a *API) handleRegisterDistribution(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req registerDistributionRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := a.distributions.Register(r.Context(), r.PathValue("id"), actor, req.Platform, req.Details)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) handleListDistributions(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	list, err := a.distributions.List(r.Context(), r.PathValue("id"), actor.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []ownership.Distribution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"distributions": list})
}

func (a *API) handleDistributionMap(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	m, err := a.distributions.DistributionMap(r.Context(), r.PathValue("id"), actor.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	stats, err := a.distributions.Analytics(r.Context(), r.PathValue("id"), actor.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleUpdateDistribution(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var patch ownership.DistributionPatch
	if err := decodeJSON(r, &patch, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := a.distributions.Update(r.Context(), r.PathValue("id"), actor, patch)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleRevokeDistribution(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := a.distributions.Revoke(r.Context(), r.PathValue("id"), actor, req.Reason)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleResendWebhook(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	res, err := a.distributions.Resend(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	code := http.StatusOK
	if !res.Success {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, res)
}
