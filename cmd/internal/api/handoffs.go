package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"continuum/cmd/internal/auth/credential"
	"continuum/cmd/internal/handoff"
	"continuum/cmd/internal/state"
)

func (h *Handler) handleInitiate(w http.ResponseWriter, r *http.Request, claims credential.Claims) {
	var req initiateRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		req.SessionID = claims.SessionID
	}

	out, err := h.orch.Initiate(r.Context(), handoff.InitiateInput{
		UserID:         claims.UserID,
		SessionID:      req.SessionID,
		SourceDeviceID: claims.DeviceID,
		TargetDeviceID: req.TargetDeviceID,
		Now:            h.now(),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) handleListHandoffs(w http.ResponseWriter, r *http.Request, claims credential.Claims) {
	writeJSON(w, http.StatusOK, map[string]any{"handoffs": h.orch.List(claims.UserID)})
}

func (h *Handler) handleGetHandoff(w http.ResponseWriter, r *http.Request, claims credential.Claims) {
	req, err := h.ownedHandoff(r.Context(), r.PathValue("id"), claims.UserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleAccept starts the transfer to the caller's live connection.
func (h *Handler) handleAccept(w http.ResponseWriter, r *http.Request, claims credential.Claims) {
	ctx := r.Context()
	id := r.PathValue("id")

	var body acceptRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	existing, err := h.ownedHandoff(ctx, id, claims.UserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	target, err := h.targetConnection(body.ConnectionID, claims)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if existing.TargetDeviceID != "" && existing.TargetDeviceID != target.DeviceID() {
		writeError(w, http.StatusForbidden, "forbidden", "handoff targets another device")
		return
	}

	out, err := h.orch.Accept(ctx, id, target)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request, claims credential.Claims) {
	ctx := r.Context()
	id := r.PathValue("id")
	if _, err := h.ownedHandoff(ctx, id, claims.UserID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out, err := h.orch.Reject(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request, claims credential.Claims) {
	ctx := r.Context()
	id := r.PathValue("id")
	if _, err := h.ownedHandoff(ctx, id, claims.UserID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out, err := h.orch.Cancel(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleIssueToken returns a single-use handoff ticket as JSON, or as a QR PNG with ?format=png.
func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request, claims credential.Claims) {
	if h.tokens == nil {
		writeError(w, http.StatusNotFound, "not_found", "handoff tokens are disabled")
		return
	}
	var req issueTokenRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		req.SessionID = claims.SessionID
	}

	ticket, err := h.tokens.Issue(r.Context(), handoff.TokenInput{
		UserID:         claims.UserID,
		SessionID:      req.SessionID,
		SourceDeviceID: claims.DeviceID,
		Now:            h.now(),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	if strings.EqualFold(r.URL.Query().Get("format"), "png") {
		png, err := ticket.PNG(h.cfg.QRSize)
		if err != nil {
			h.tokens.Revoke(ticket.ID)
			h.writeDomainError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Handoff-Ticket", ticket.ID)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(png)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

// handleStreamTokens keeps a rotating ticket on display for a pairing screen. Each ticket is
// written as one NDJSON line when it is issued, and the ticket before it stops being
// redeemable at that moment. The stream ends when the client leaves or the handler closes.
func (h *Handler) handleStreamTokens(w http.ResponseWriter, r *http.Request, claims credential.Claims) {
	if h.tokens == nil {
		writeError(w, http.StatusNotFound, "not_found", "handoff tokens are disabled")
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		sessionID = claims.SessionID
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.closing, cancel)
	defer stop()

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	shown := 0
	err := h.tokens.Display(ctx, handoff.TokenInput{
		UserID:         claims.UserID,
		SessionID:      sessionID,
		SourceDeviceID: claims.DeviceID,
	}, func(t handoff.Ticket) {
		if shown == 0 {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.Header().Set("Cache-Control", "no-store")
			w.WriteHeader(http.StatusOK)
		}
		shown++
		if err := enc.Encode(t); err != nil {
			cancel()
			return
		}
		if err := rc.Flush(); err != nil {
			cancel()
		}
	})
	if err != nil && shown == 0 {
		h.writeDomainError(w, r, err)
		return
	}
	if err != nil {
		h.log.Warn("api.handoff.stream.fail", "session_id", sessionID, "err", err)
	}
	h.log.Info("api.handoff.stream.end", "session_id", sessionID, "tickets", shown)
}

func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request, claims credential.Claims) {
	if h.tokens == nil {
		writeError(w, http.StatusNotFound, "not_found", "handoff tokens are disabled")
		return
	}
	var req redeemRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	target, err := h.targetConnection(req.ConnectionID, claims)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	remote := ""
	if ip := clientIP(r, h.cfg.TrustProxy); ip != nil {
		remote = ip.String()
	}
	out, err := h.tokens.Redeem(r.Context(), handoff.RedeemInput{
		Token:  req.Token,
		Remote: remote,
		Target: target,
		Now:    h.now(),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

// targetConnection resolves the caller's live websocket connection that will receive the session.
func (h *Handler) targetConnection(connID string, claims credential.Claims) (state.Subscriber, error) {
	connID = strings.TrimSpace(connID)
	if connID == "" {
		return nil, handoff.ErrInvalidInput
	}
	sub, ok := h.reg.Connection(connID)
	if !ok {
		return nil, errors.Join(handoff.ErrInvalidInput, errors.New("connection is not attached"))
	}
	if sub.UserID() != claims.UserID {
		return nil, handoff.ErrForbidden
	}
	return sub, nil
}
