package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jinyphp/chat-sub001/cmd/internal/chat"
	"github.com/jinyphp/chat-sub001/cmd/internal/roomlog"
)

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	who, ok := h.identify(w, r)
	if !ok {
		return
	}
	if !h.sendLimiter.Allow(who.ID, time.Now()) {
		writeError(w, http.StatusTooManyRequests, apiError{Code: codeRateLimited, Message: "too many messages"})
		return
	}

	var req sendRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	rec, err := h.gw.SendMessage(r.Context(), chat.SendInput{
		RoomID:    r.PathValue("room"),
		Sender:    who,
		Content:   req.Content,
		Kind:      roomlog.Kind(req.Kind),
		ReplyToID: req.ReplyToID,
		File:      req.File,
	})
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	who, ok := h.identify(w, r)
	if !ok {
		return
	}

	in := chat.ListInput{RoomID: r.PathValue("room"), Viewer: who}
	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, apiError{Code: codeInvalidRequest, Message: "not a non-negative integer", Field: "limit"})
			return
		}
		in.Limit = n
	}
	if raw := strings.TrimSpace(q.Get("since_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			writeError(w, http.StatusBadRequest, apiError{Code: codeInvalidRequest, Message: "not a non-negative integer", Field: "since_id"})
			return
		}
		in.SinceID = &id
	}

	res, err := h.gw.ListMessages(r.Context(), in)
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	msgs := res.Messages
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, listResponse{Messages: msgs, HasMore: res.HasMore})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	who, ok := h.identify(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, apiError{Code: codeInvalidRequest, Message: "not a message id", Field: "id"})
		return
	}

	if err := h.gw.DeleteMessage(r.Context(), r.PathValue("room"), who, id); err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
