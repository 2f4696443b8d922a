// Package chat wires the real-time socket events to the delivery pipeline,
// presence, typing and the connection registry.
package chat

import (
	"context"
	"log"
	"time"

	"github.com/whisper/courier/internal/apperr"
	"github.com/whisper/courier/internal/auth"
	"github.com/whisper/courier/internal/delivery"
	"github.com/whisper/courier/internal/metrics"
	"github.com/whisper/courier/internal/moderation"
	"github.com/whisper/courier/internal/presence"
	"github.com/whisper/courier/internal/protocol"
	"github.com/whisper/courier/internal/ratelimit"
	"github.com/whisper/courier/internal/registry"
	"github.com/whisper/courier/internal/typing"
	"github.com/whisper/courier/internal/ws"
)

// handlerTimeout bounds the storage work of one inbound event.
const handlerTimeout = 5 * time.Second

// SendLimiter is the rate limiter applied to socket sends.
type SendLimiter interface {
	Check(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Decision, error)
}

// SessionRecorder keeps the cross-process record of live connections and
// last-seen times. session.Store implements it.
type SessionRecorder interface {
	Connect(ctx context.Context, connID, userID, remoteAddr string) error
	Disconnect(ctx context.Context, connID, userID string) error
	Refresh(ctx context.Context, connID, userID string) error
}

// Deps are the components the handlers drive. Limiter and Sessions are
// optional.
type Deps struct {
	Pipeline *delivery.Pipeline
	Registry *registry.Registry
	Presence *presence.Tracker
	Typing   *typing.Broadcaster
	Roster   *moderation.Roster
	Limiter  SendLimiter
	SendRule ratelimit.Rule
	Sessions SessionRecorder
}

// Handlers implements the socket event handlers and the connection
// lifecycle hooks.
type Handlers struct {
	Deps
}

// New creates Handlers. A zero SendRule uses ratelimit.RuleSend.
func New(deps Deps) *Handlers {
	if deps.SendRule.Limit == 0 {
		deps.SendRule = ratelimit.RuleSend
	}
	return &Handlers{Deps: deps}
}

// Register installs the event handlers on d.
func (h *Handlers) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeUserMessage, h.handleUserMessage)
	d.Register(protocol.TypeMessageStatusUpdate, h.handleStatusUpdate)
	d.Register(protocol.TypeTypingIndicator, h.handleTyping)
	d.Register(protocol.TypeRefreshConversation, h.handleRefresh)
}

// Hooks returns the transport hooks for these handlers, dispatching data
// frames through d.
func (h *Handlers) Hooks(d *ws.MessageDispatcher) ws.Hooks {
	return ws.Hooks{
		OnConnect:    h.OnConnect,
		OnDisconnect: h.OnDisconnect,
		OnActivity:   h.OnActivity,
		OnHeartbeat:  h.OnHeartbeat,
		OnMessage:    d.Dispatch,
	}
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// OnConnect registers c for its user and marks the user active.
func (h *Handlers) OnConnect(c *ws.Connection) {
	userID := c.UserID()
	h.Registry.Register(userID, c)
	h.Presence.MarkActive(userID)
	if c.Session.IsModerator() && h.Roster != nil {
		h.Roster.Add(userID)
	}
	metrics.ConnectedUsers.Set(float64(h.Registry.Users()))

	if h.Sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := h.Sessions.Connect(ctx, c.ID, userID, c.RemoteAddr); err != nil {
			log.Printf("[chat] record connect conn=%s user=%s: %v", c.ID, userID, err)
		}
	}
}

// OnDisconnect unregisters c. Whatever the user was typing from this
// connection is cleared at once; a user with no connections left also
// leaves the moderator roster.
func (h *Handlers) OnDisconnect(c *ws.Connection) {
	userID := c.UserID()
	remaining := h.Registry.Unregister(userID, c)

	if h.Typing != nil {
		if receivers := h.Typing.SenderGone(userID); len(receivers) > 0 {
			log.Printf("[chat] cleared typing user=%s receivers=%d", userID, len(receivers))
		}
	}
	if remaining == 0 && h.Roster != nil {
		h.Roster.Remove(userID)
	}
	metrics.ConnectedUsers.Set(float64(h.Registry.Users()))

	if h.Sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := h.Sessions.Disconnect(ctx, c.ID, userID); err != nil {
			log.Printf("[chat] record disconnect conn=%s user=%s: %v", c.ID, userID, err)
		}
	}
}

// OnActivity refreshes presence for every inbound frame.
func (h *Handlers) OnActivity(c *ws.Connection) {
	h.Presence.MarkActive(c.UserID())
}

// OnHeartbeat keeps the session record of a live connection from expiring.
func (h *Handlers) OnHeartbeat(c *ws.Connection) {
	if h.Sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.Sessions.Refresh(ctx, c.ID, c.UserID()); err != nil {
		log.Printf("[chat] refresh session conn=%s user=%s: %v", c.ID, c.UserID(), err)
	}
}

// ---------------------------------------------------------------------------
// Event handlers
// ---------------------------------------------------------------------------

func (h *Handlers) handleUserMessage(conn *ws.Connection, s auth.Session, msg protocol.ClientMessage) {
	m, ok := msg.(protocol.UserMessageMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if h.Limiter != nil {
		// Errors fail open inside the limiter; the decision is still usable.
		d, _ := h.Limiter.Check(ctx, s.UserID, h.SendRule)
		if !d.Allowed {
			metrics.RateLimitedTotal.WithLabelValues("socket").Inc()
			ws.Reply(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: d.RetryAfterSeconds()})
			return
		}
	}

	sent, err := h.Pipeline.Send(ctx, s.UserID, m.ReceiverID, m.Content)
	if err != nil {
		ws.SendError(conn, err)
		return
	}
	ws.Reply(conn, protocol.TypeMessageSent, protocol.MessageSentMsg{
		MessageID: sent.ID,
		Status:    string(sent.Status),
	})
}

func (h *Handlers) handleStatusUpdate(conn *ws.Connection, s auth.Session, msg protocol.ClientMessage) {
	m, ok := msg.(protocol.MessageStatusUpdateMsg)
	if !ok {
		return
	}
	status, err := delivery.ParseStatus(m.Status)
	if err != nil {
		ws.SendError(conn, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if _, _, err := h.Pipeline.UpdateStatus(ctx, m.MessageID, status, s.UserID); err != nil {
		ws.SendError(conn, err)
	}
}

func (h *Handlers) handleTyping(conn *ws.Connection, s auth.Session, msg protocol.ClientMessage) {
	m, ok := msg.(protocol.TypingIndicatorMsg)
	if !ok {
		return
	}
	if m.ReceiverID == s.UserID {
		ws.SendError(conn, apperr.Validation("cannot send typing indicator to yourself"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if err := h.Pipeline.Gate().Check(ctx, s.UserID, m.ReceiverID); err != nil {
		ws.SendError(conn, err)
		return
	}
	h.Typing.SetTyping(s.UserID, m.ReceiverID, m.IsTyping)
}

func (h *Handlers) handleRefresh(conn *ws.Connection, s auth.Session, msg protocol.ClientMessage) {
	m, ok := msg.(protocol.RefreshConversationMsg)
	if !ok {
		return
	}
	if m.OtherUserID == s.UserID {
		ws.SendError(conn, apperr.Validation("cannot open a conversation with yourself"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	blocked, err := h.Pipeline.Gate().IsBlocked(ctx, s.UserID, m.OtherUserID)
	if err != nil {
		log.Printf("[chat] refresh %s<->%s: %v", s.UserID, m.OtherUserID, err)
		ws.SendError(conn, apperr.Internal("failed to load conversation", err))
		return
	}

	ws.Reply(conn, protocol.TypeConversationStatusUpdate, protocol.ConversationStatusMsg{
		OtherUserID: m.OtherUserID,
		IsBlocked:   blocked,
	})
	ws.Reply(conn, protocol.TypeMessagesRefreshed, protocol.MessagesRefreshedMsg{
		OtherUserID: m.OtherUserID,
	})
}
