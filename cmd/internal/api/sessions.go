package api

import (
	"net/http"
	"strings"

	"continuum/cmd/identity/ids"
	"continuum/cmd/internal/auth/credential"
	"continuum/cmd/internal/conflict"
)

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request, claims credential.Claims) {
	ctx := r.Context()
	sessionID := ids.NewSessionID()
	if _, err := h.reg.Create(ctx, sessionID, claims.UserID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.log.Info("api.session.create", "session_id", sessionID, "user_id", claims.UserID, "device_id", claims.DeviceID)
	h.writeCredential(w, http.StatusCreated, claims, sessionID)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request, claims credential.Claims) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.reg.Sessions(claims.UserID)})
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request, claims credential.Claims) {
	snap, err := h.ownedSnapshot(r.Context(), r.PathValue("id"), claims.UserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap.Payload())
}

// handleResume mints a credential bound to an existing session for the caller's device.
func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request, claims credential.Claims) {
	sessionID := r.PathValue("id")
	if _, err := h.ownedSnapshot(r.Context(), sessionID, claims.UserID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeCredential(w, http.StatusOK, claims, sessionID)
}

func (h *Handler) handleTerminate(w http.ResponseWriter, r *http.Request, claims credential.Claims) {
	ctx := r.Context()
	sessionID := r.PathValue("id")
	if _, err := h.ownedSnapshot(ctx, sessionID, claims.UserID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if err := h.reg.Terminate(ctx, sessionID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.log.Info("api.session.terminate", "session_id", sessionID, "user_id", claims.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// handleReconcile reports conflicts when no resolution is given, or applies the resolution.
func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request, claims credential.Claims) {
	ctx := r.Context()
	sessionID := r.PathValue("id")

	var req reconcileRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.LocalState == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "local_state is required")
		return
	}
	if _, err := h.ownedSnapshot(ctx, sessionID, claims.UserID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	if strings.TrimSpace(req.Resolution) == "" {
		report, err := h.coord.Check(ctx, sessionID, req.LocalState)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	res, err := conflict.ParseResolution(req.Resolution)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	rec, err := h.coord.Resolve(ctx, sessionID, claims.DeviceID, req.LocalState, res)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleConflicts(w http.ResponseWriter, r *http.Request, claims credential.Claims) {
	sessionID := r.PathValue("id")
	if _, err := h.ownedSnapshot(r.Context(), sessionID, claims.UserID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": h.coord.History(sessionID)})
}

func (h *Handler) writeCredential(w http.ResponseWriter, status int, claims credential.Claims, sessionID string) {
	id := claims.Identity
	id.SessionID = sessionID
	tok, exp, err := h.creds.Issue(id, h.now())
	if err != nil {
		h.log.Error("api.credential.issue.fail", "session_id", sessionID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not issue credential")
		return
	}
	writeJSON(w, status, credentialResponse{
		SessionID: sessionID,
		DeviceID:  id.DeviceID,
		Token:     tok,
		ExpiresAt: exp,
	})
}
