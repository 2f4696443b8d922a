package api

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/whisper/courier/internal/apperr"
	"github.com/whisper/courier/internal/metrics"
	"github.com/whisper/courier/internal/protocol"
)

// ConversationStatus handles GET /conversations/{userId}/{otherUserId}/status.
// Callers may only query conversations they are part of unless they are
// moderators.
func (h *Handler) ConversationStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, otherUserID := vars["userId"], vars["otherUserId"]
	s := session(r)
	if s.UserID != userID && s.UserID != otherUserID && !s.IsModerator() {
		writeError(w, apperr.Forbidden("not a participant of this conversation"))
		return
	}

	blocked, err := h.opts.Pipeline.Gate().IsBlocked(r.Context(), userID, otherUserID)
	if err != nil {
		writeError(w, apperr.Internal("failed to load conversation", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isBlocked": blocked})
}

type messagePage struct {
	Messages    []protocol.MessageView `json:"messages"`
	Total       int                    `json:"total"`
	Page        int                    `json:"page"`
	Limit       int                    `json:"limit"`
	IsBlocked   bool                   `json:"isBlocked"`
	UnreadCount int                    `json:"unreadCount"`
}

// ListMessages handles GET /messages/{otherUserId}?page&limit.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}

	p, err := h.opts.Pipeline.List(r.Context(), session(r).UserID, mux.Vars(r)["otherUserId"], page, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := messagePage{
		Messages:    make([]protocol.MessageView, 0, len(p.Messages)),
		Total:       p.Total,
		Page:        p.Page,
		Limit:       p.Limit,
		IsBlocked:   p.IsBlocked,
		UnreadCount: p.Unread,
	}
	for _, m := range p.Messages {
		resp.Messages = append(resp.Messages, m.View())
	}
	writeJSON(w, http.StatusOK, resp)
}

type sendRequest struct {
	Content string `json:"content"`
}

// SendMessage handles POST /messages/{otherUserId}.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	s := session(r)
	var req sendRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	if h.opts.Limiter != nil {
		d, _ := h.opts.Limiter.Check(r.Context(), s.UserID, h.opts.SendRule)
		if !d.Allowed {
			metrics.RateLimitedTotal.WithLabelValues("rest").Inc()
			writeError(w, apperr.RateLimited(d.RetryAfter))
			return
		}
	}

	m, err := h.opts.Pipeline.Send(r.Context(), s.UserID, mux.Vars(r)["otherUserId"], req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"message": m.View()})
}

// MarkRead handles POST /messages/{otherUserId}/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ids, err := h.opts.Pipeline.MarkConversationRead(r.Context(), session(r).UserID, mux.Vars(r)["otherUserId"])
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messageIds": ids, "count": len(ids)})
}

type presenceResponse struct {
	UserID   string `json:"userId"`
	Online   bool   `json:"online"`
	LastSeen *int64 `json:"lastSeen"` // unix milliseconds
}

// Presence handles GET /users/{userId}/presence. lastSeen is the later of
// the in-memory activity time and the last recorded disconnect.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	resp := presenceResponse{UserID: userID, Online: h.opts.Presence.IsOnline(userID)}

	last, ok := h.opts.Presence.LastActive(userID)
	if h.opts.LastSeen != nil {
		seen, found, err := h.opts.LastSeen.LastSeen(r.Context(), userID)
		if err != nil {
			log.Printf("[api] last seen user=%s: %v", userID, err)
		}
		if found && (!ok || seen.After(last)) {
			last, ok = seen, true
		}
	}
	if ok {
		ms := last.UnixMilli()
		resp.LastSeen = &ms
	}
	writeJSON(w, http.StatusOK, resp)
}
