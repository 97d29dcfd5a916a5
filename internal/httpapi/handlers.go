package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"storykeep.org/internal/auth"
	"storykeep.org/internal/distribution"
	"storykeep.org/internal/embed"
	"storykeep.org/internal/gdpr"
	"storykeep.org/internal/obs"
	"storykeep.org/internal/ownership"
	"storykeep.org/internal/revocation"
	"storykeep.org/internal/stream"
)

const maxBodyBytes = 1 << 20

// ReadyProbe checks the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps are the services the HTTP layer routes to.
type Deps struct {
	Issuer        *auth.Issuer
	Distributions *distribution.Registry
	Embeds        *embed.Service
	Revocation    *revocation.Orchestrator
	GDPR          *gdpr.Service
	Stream        *stream.Stream
	Ready         ReadyProbe
	Version       string
	// DevTokens enables POST /v1/auth/token.
	DevTokens bool
	// RateBurst and RatePerSec limit the public embed route per client IP.
	RateBurst  int
	RatePerSec float64
}

// API is the HTTP layer.
type API struct {
	mux           *http.ServeMux
	issuer        *auth.Issuer
	distributions *distribution.Registry
	embeds        *embed.Service
	revocation    *revocation.Orchestrator
	gdpr          *gdpr.Service
	stream        *stream.Stream
	readyProbe    ReadyProbe
	version       string
	devTokens     bool
}

func New(d Deps) *API {
	a := &API{
		mux:           http.NewServeMux(),
		issuer:        d.Issuer,
		distributions: d.Distributions,
		embeds:        d.Embeds,
		revocation:    d.Revocation,
		gdpr:          d.GDPR,
		stream:        d.Stream,
		readyProbe:    d.Ready,
		version:       d.Version,
		devTokens:     d.DevTokens,
	}
	burst, perSec := d.RateBurst, d.RatePerSec
	if burst <= 0 {
		burst = 20
	}
	if perSec <= 0 {
		perSec = 10
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())
	a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("POST /v1/stories/{id}/distributions", a.handleRegisterDistribution)
	a.mux.HandleFunc("GET /v1/stories/{id}/distributions", a.handleListDistributions)
	a.mux.HandleFunc("GET /v1/stories/{id}/distribution-map", a.handleDistributionMap)
	a.mux.HandleFunc("GET /v1/stories/{id}/analytics", a.handleAnalytics)
	a.mux.HandleFunc("PATCH /v1/distributions/{id}", a.handleUpdateDistribution)
	a.mux.HandleFunc("POST /v1/distributions/{id}/revoke", a.handleRevokeDistribution)
	a.mux.HandleFunc("POST /v1/distributions/{id}/resend", a.handleResendWebhook)

	a.mux.HandleFunc("POST /v1/stories/{id}/embeds", a.handleIssueEmbed)
	a.mux.HandleFunc("GET /v1/stories/{id}/embeds", a.handleListEmbeds)
	a.mux.HandleFunc("POST /v1/embeds/{id}/revoke", a.handleRevokeEmbed)
	a.mux.Handle("GET /v1/embed/stories/{id}", RateLimit(http.HandlerFunc(a.handleRenderEmbed), burst, perSec))

	a.mux.HandleFunc("POST /v1/stories/{id}/revoke", a.handleRevokeStory)
	a.mux.HandleFunc("GET /v1/stories/{id}/revocation-preview", a.handleRevocationPreview)
	a.mux.HandleFunc("POST /v1/stories/{id}/archive", a.handleArchive)
	a.mux.HandleFunc("POST /v1/stories/{id}/restore", a.handleRestore)
	a.mux.HandleFunc("POST /v1/stories/{id}/withdraw-consent", a.handleWithdrawConsent)

	a.mux.HandleFunc("POST /v1/stories/{id}/anonymize", a.handleAnonymizeStory)
	a.mux.HandleFunc("GET /v1/me/export", a.handleExport)
	a.mux.HandleFunc("POST /v1/deletion-requests", a.handleCreateDeletionRequest)
	a.mux.HandleFunc("POST /v1/deletion-requests/{id}/verify", a.handleVerifyDeletionRequest)
	a.mux.HandleFunc("POST /v1/deletion-requests/{id}/process", a.handleProcessDeletionRequest)
	a.mux.HandleFunc("GET /v1/deletion-requests/{id}", a.handleDeletionRequestStatus)

	a.mux.HandleFunc("GET /v1/events", a.Stream)

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "storykeep-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// decodeJSON reads a single JSON object. An empty body leaves dst untouched when optional is set.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleServiceError maps domain errors onto status codes.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var safetyErr *ownership.SafetyError
	if errors.As(err, &safetyErr) {
		payload := map[string]any{
			"error":                   "Cultural safety check failed",
			"reason":                  safetyErr.Reason,
			"rule":                    safetyErr.Rule,
			"requires_elder_approval": safetyErr.RequiresElderApproval,
			"sensitivity_level":       safetyErr.SensitivityLevel,
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusUnprocessableEntity, payload)
		return
	}
	var partial *ownership.PartialError
	if errors.As(err, &partial) {
		writeJSON(w, http.StatusMultiStatus, map[string]any{
			"error":  partial.Op + " partially failed",
			"errors": partial.Errors,
		})
		return
	}

	switch {
	case errors.Is(err, ownership.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, ownership.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, ownership.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ownership.ErrTenantUnresolved), errors.Is(err, ownership.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ownership.ErrEmbedsDisabled):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, embed.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, embed.ErrTokenInactive), errors.Is(err, embed.ErrTokenExpired),
		errors.Is(err, embed.ErrDomainNotAllowed):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, embed.ErrNotEmbeddable):
		writeError(w, r, http.StatusNotFound, "Story not found or not available")
	default:
		obs.Error("request failed", err, map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// writeOutcome writes a composite result: 200/201 when clean, 207 with the result body
// when some steps failed, and the mapped error otherwise.
func writeOutcome(w http.ResponseWriter, r *http.Request, code int, result any, err error) {
	if err == nil {
		writeJSON(w, code, result)
		return
	}
	var partial *ownership.PartialError
	if errors.As(err, &partial) {
		writeJSON(w, http.StatusMultiStatus, result)
		return
	}
	handleServiceError(w, r, err)
}
