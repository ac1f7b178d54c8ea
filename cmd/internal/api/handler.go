package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"continuum/cmd/internal/auth/credential"
	"continuum/cmd/internal/conflict"
	"continuum/cmd/internal/handoff"
	"continuum/cmd/internal/state"
)

// Handler wires the REST surface to the registry, the conflict coordinator and the
// handoff orchestrator.
type Handler struct {
	log *slog.Logger
	cfg Config

	reg    *state.Registry
	creds  credential.Manager
	coord  *conflict.Coordinator
	orch   *handoff.Orchestrator
	tokens *handoff.Tokens

	now func() time.Time

	// closing is cancelled by Close and ends open ticket streams.
	closing context.Context
	stop    context.CancelFunc
}

// Deps groups the services a Handler needs. Tokens may be nil, which disables the QR routes.
type Deps struct {
	Registry    *state.Registry
	Credentials credential.Manager
	Conflicts   *conflict.Coordinator
	Handoffs    *handoff.Orchestrator
	Tokens      *handoff.Tokens
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, cfg Config, deps Deps) (*Handler, error) {
	if deps.Registry == nil || deps.Credentials == nil || deps.Conflicts == nil || deps.Handoffs == nil {
		return nil, errors.New("api: registry, credentials, conflicts and handoffs are required")
	}
	if log == nil {
		log = slog.Default()
	}
	closing, stop := context.WithCancel(context.Background())
	return &Handler{
		log:    log,
		cfg:    cfg.normalized(),
		reg:    deps.Registry,
		creds:  deps.Credentials,
		coord:  deps.Conflicts,
		orch:   deps.Handoffs,
		tokens: deps.Tokens,
		now:    func() time.Time { return time.Now().UTC() },

		closing: closing,
		stop:    stop,
	}, nil
}

// Close ends every open ticket stream. Call it before shutting the HTTP server down.
func (h *Handler) Close() {
	if h != nil && h.stop != nil {
		h.stop()
	}
}

// Register wires the /v1 routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /v1/sessions", h.authed(h.handleCreateSession))
	mux.HandleFunc("GET /v1/sessions", h.authed(h.handleListSessions))
	mux.HandleFunc("GET /v1/sessions/{id}", h.authed(h.handleSnapshot))
	mux.HandleFunc("POST /v1/sessions/{id}/resume", h.authed(h.handleResume))
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.authed(h.handleTerminate))
	mux.HandleFunc("POST /v1/sessions/{id}/reconcile", h.authed(h.handleReconcile))
	mux.HandleFunc("GET /v1/sessions/{id}/conflicts", h.authed(h.handleConflicts))

	mux.HandleFunc("POST /v1/handoffs", h.authed(h.handleInitiate))
	mux.HandleFunc("GET /v1/handoffs", h.authed(h.handleListHandoffs))
	mux.HandleFunc("GET /v1/handoffs/{id}", h.authed(h.handleGetHandoff))
	mux.HandleFunc("POST /v1/handoffs/{id}/accept", h.authed(h.handleAccept))
	mux.HandleFunc("POST /v1/handoffs/{id}/reject", h.authed(h.handleReject))
	mux.HandleFunc("POST /v1/handoffs/{id}/cancel", h.authed(h.handleCancel))
	mux.HandleFunc("POST /v1/handoffs/qr", h.authed(h.handleIssueToken))
	mux.HandleFunc("GET /v1/handoffs/qr/stream", h.authed(h.handleStreamTokens))
	mux.HandleFunc("POST /v1/handoffs/qr/redeem", h.authed(h.handleRedeem))

	mux.HandleFunc("GET /v1/devices", h.authed(h.handleListDevices))
	mux.HandleFunc("PATCH /v1/devices/{id}", h.authed(h.handleRenameDevice))
	mux.HandleFunc("POST /v1/devices/{id}/disconnect", h.authed(h.handleDisconnectDevice))
}

// ---- auth ----

type authedHandler func(w http.ResponseWriter, r *http.Request, claims credential.Claims)

func (h *Handler) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer credential")
			return
		}
		claims, err := h.creds.Verify(tok, h.now())
		if err != nil {
			h.log.Info("api.auth.fail", "path", r.URL.Path, "reason", credential.ReasonOf(err))
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credential")
			return
		}
		next(w, r, claims)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", false
	}
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

// ownedSnapshot loads a session and checks it belongs to the caller. A foreign session is
// reported as missing.
func (h *Handler) ownedSnapshot(ctx context.Context, sessionID, userID string) (state.Snapshot, error) {
	snap, err := h.reg.Snapshot(ctx, sessionID)
	if err != nil {
		return state.Snapshot{}, err
	}
	if snap.UserID != "" && snap.UserID != userID {
		return state.Snapshot{}, state.ErrNotFound
	}
	return snap, nil
}

func (h *Handler) ownedHandoff(ctx context.Context, id, userID string) (handoff.Request, error) {
	req, err := h.orch.Get(ctx, id)
	if err != nil {
		return handoff.Request{}, err
	}
	if req.UserID != userID {
		return handoff.Request{}, handoff.ErrNotFound
	}
	return req, nil
}

// writeDomainError maps package errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var tokErr *handoff.TokenError
	switch {
	case errors.As(err, &tokErr):
		writeJSON(w, http.StatusGone, errorResponse{
			Error:        apiError{Code: "token_invalid", Message: tokErr.Reason},
			FreshSession: tokErr.FreshSession,
		})
	case errors.Is(err, state.ErrNotFound), errors.Is(err, handoff.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, state.ErrInvalidKey), errors.Is(err, state.ErrInvalidMut),
		errors.Is(err, state.ErrTooManyKeys), errors.Is(err, handoff.ErrInvalidInput),
		errors.Is(err, conflict.ErrUnknownResolution):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, handoff.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, handoff.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, handoff.ErrRateLimited):
		writeRateLimited(w, 2*time.Second)
	case errors.Is(err, state.ErrBackend):
		h.log.Error("api.backend.fail", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusServiceUnavailable, "backend_unavailable", "please retry later")
	default:
		h.log.Error("api.fail", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
