package api

import (
	"net/http"
)

func (h *Handler) handleTyping(w http.ResponseWriter, r *http.Request) {
	who, ok := h.identify(w, r)
	if !ok {
		return
	}
	var req typingRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := h.gw.SetTyping(r.Context(), r.PathValue("room"), who, req.IsTyping); err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	who, ok := h.identify(w, r)
	if !ok {
		return
	}
	res, err := h.gw.Heartbeat(r.Context(), r.PathValue("room"), who)
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	out := toPresenceResponse(res.Snapshot)
	out.Changed = &res.Changed
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	who, ok := h.identify(w, r)
	if !ok {
		return
	}
	users, err := h.gw.Presence(r.Context(), r.PathValue("room"), who)
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPresenceResponse(users))
}
