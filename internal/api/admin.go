package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/whisper/courier/internal/apperr"
	"github.com/whisper/courier/internal/messaging"
	"github.com/whisper/courier/internal/moderation"
	"github.com/whisper/courier/internal/protocol"
)

type blockRequest struct {
	Blocked *bool `json:"blocked"`
}

// SetBlocked handles PUT /admin/conversations/{userA}/{userB}/block. Both
// users' live connections are told about the new state.
func (h *Handler) SetBlocked(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userA, userB := vars["userA"], vars["userB"]
	if userA == userB {
		writeError(w, apperr.Validation("a conversation needs two distinct users"))
		return
	}
	var req blockRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Blocked == nil {
		writeError(w, apperr.Validation("blocked is required"))
		return
	}
	blocked := *req.Blocked

	if err := h.opts.Pipeline.Gate().SetBlocked(r.Context(), userA, userB, blocked); err != nil {
		writeError(w, apperr.Internal("failed to update conversation", err))
		return
	}
	if h.opts.Fanout != nil {
		h.opts.Fanout.FanOut(userA, protocol.TypeConversationStatusUpdate, protocol.ConversationStatusMsg{OtherUserID: userB, IsBlocked: blocked})
		h.opts.Fanout.FanOut(userB, protocol.TypeConversationStatusUpdate, protocol.ConversationStatusMsg{OtherUserID: userA, IsBlocked: blocked})
	}

	moderator := session(r).UserID
	log.Printf("[api] conversation %s<->%s blocked=%v by %s", userA, userB, blocked, moderator)
	h.publish(messaging.SubjectConversationBlocked, messaging.BlockedEvent{
		User1ID:   userA,
		User2ID:   userB,
		Blocked:   blocked,
		ChangedBy: moderator,
		Ts:        time.Now().UnixMilli(),
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"userA":     userA,
		"userB":     userB,
		"isBlocked": blocked,
	})
}

// ListFlags handles GET /admin/flags?reviewed&limit.
func (h *Handler) ListFlags(w http.ResponseWriter, r *http.Request) {
	var filter moderation.FlagFilter
	if v := r.URL.Query().Get("reviewed"); v != "" {
		reviewed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, apperr.Validation("invalid reviewed"))
			return
		}
		filter.Reviewed = &reviewed
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	filter.Limit = limit

	flags, err := h.opts.Moderation.Flags(r.Context(), filter)
	if err != nil {
		writeError(w, apperr.Internal("failed to list flags", err))
		return
	}
	views := make([]protocol.FlagView, 0, len(flags))
	for _, f := range flags {
		views = append(views, f.View())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"flags": views})
}

// ReviewFlag handles POST /admin/flags/{id}/review. Reviewing twice is a
// no-op reported with changed=false.
func (h *Handler) ReviewFlag(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, apperr.Validation("invalid flag id"))
		return
	}

	f, changed, err := h.opts.Moderation.Review(r.Context(), id)
	if err != nil {
		writeError(w, apperr.Internal("failed to review flag", err))
		return
	}
	if f == nil {
		writeError(w, apperr.NotFound("flag not found"))
		return
	}
	if changed {
		h.publish(messaging.SubjectModerationReviewed, messaging.ReviewedEvent{
			FlagID:     f.ID,
			ReviewerID: session(r).UserID,
			Ts:         time.Now().UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"flag": f.View(), "changed": changed})
}

func (h *Handler) publish(subject string, v interface{}) {
	if h.opts.Events == nil {
		return
	}
	if err := h.opts.Events.PublishJSON(subject, v); err != nil {
		log.Printf("[api] publish %s: %v", subject, err)
	}
}
