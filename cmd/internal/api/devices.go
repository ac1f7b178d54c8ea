package api

import (
	"net/http"

	"continuum/cmd/internal/auth/credential"
)

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request, claims credential.Claims) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": h.reg.Devices(claims.UserID)})
}

func (h *Handler) handleRenameDevice(w http.ResponseWriter, r *http.Request, claims credential.Claims) {
	var req renameRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	deviceID := r.PathValue("id")
	if err := h.reg.RenameDevice(claims.UserID, deviceID, req.Name); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"device_id": deviceID, "name": req.Name})
}

func (h *Handler) handleDisconnectDevice(w http.ResponseWriter, r *http.Request, claims credential.Claims) {
	deviceID := r.PathValue("id")
	n := h.reg.DisconnectDevice(claims.UserID, deviceID, "disconnected by user")
	h.log.Info("api.device.disconnect", "user_id", claims.UserID, "device_id", deviceID, "connections", n)
	writeJSON(w, http.StatusOK, disconnectResponse{DeviceID: deviceID, Disconnected: n})
}
