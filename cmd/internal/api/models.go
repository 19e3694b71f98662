package api

import (
	"github.com/jinyphp/chat-sub001/cmd/internal/chat"
	"github.com/jinyphp/chat-sub001/cmd/internal/roomlog"
)

type sendRequest struct {
	Content   string            `json:"content"`
	Kind      string            `json:"kind,omitempty"`
	ReplyToID *int64            `json:"reply_to_id,omitempty"`
	File      *roomlog.FileMeta `json:"file,omitempty"`
}

type listResponse struct {
	Messages []chat.Message `json:"messages"`
	HasMore  bool           `json:"has_more"`
}

type typingRequest struct {
	IsTyping bool `json:"is_typing"`
}

type presenceResponse struct {
	ActiveCount int                      `json:"active_count"`
	Changed     *bool                    `json:"changed,omitempty"`
	Users       []roomlog.PresenceRecord `json:"users"`
}

func toPresenceResponse(users []roomlog.PresenceRecord) presenceResponse {
	if users == nil {
		users = []roomlog.PresenceRecord{}
	}
	return presenceResponse{ActiveCount: len(users), Users: users}
}
