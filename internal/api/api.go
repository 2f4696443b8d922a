// Package api serves the REST fallback and the moderator admin surface.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/whisper/courier/internal/apperr"
	"github.com/whisper/courier/internal/auth"
	"github.com/whisper/courier/internal/delivery"
	"github.com/whisper/courier/internal/messaging"
	"github.com/whisper/courier/internal/moderation"
	"github.com/whisper/courier/internal/presence"
	"github.com/whisper/courier/internal/ratelimit"
)

// Authenticator verifies the caller of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Session, error)
}

// Limiter is the per-user send limiter shared with the socket surface.
type Limiter interface {
	Check(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Decision, error)
}

// LastSeenSource reports when a user last disconnected. session.Store
// implements it.
type LastSeenSource interface {
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

// Options wires the handlers. Limiter, LastSeen and Events are optional.
type Options struct {
	Auth       Authenticator
	Pipeline   *delivery.Pipeline
	Moderation *moderation.Interceptor
	Presence   *presence.Tracker
	Fanout     delivery.FanOuter
	Limiter    Limiter
	SendRule   ratelimit.Rule
	LastSeen   LastSeenSource
	Events     messaging.Publisher
}

// Handler holds the REST handlers.
type Handler struct {
	opts Options
}

// NewHandler creates a Handler. A zero SendRule uses ratelimit.RuleSend.
func NewHandler(opts Options) *Handler {
	if opts.SendRule.Limit == 0 {
		opts.SendRule = ratelimit.RuleSend
	}
	return &Handler{opts: opts}
}

// Router returns the routes, all behind the auth middleware. Admin routes
// additionally require the moderator role.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.authMiddleware)

	r.HandleFunc("/conversations/{userId}/{otherUserId}/status", h.ConversationStatus).Methods("GET")
	r.HandleFunc("/messages/{otherUserId}", h.ListMessages).Methods("GET")
	r.HandleFunc("/messages/{otherUserId}", h.SendMessage).Methods("POST")
	r.HandleFunc("/messages/{otherUserId}/read", h.MarkRead).Methods("POST")
	r.HandleFunc("/users/{userId}/presence", h.Presence).Methods("GET")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(requireModerator)
	admin.HandleFunc("/conversations/{userA}/{userB}/block", h.SetBlocked).Methods("PUT")
	admin.HandleFunc("/flags", h.ListFlags).Methods("GET")
	admin.HandleFunc("/flags/{id}/review", h.ReviewFlag).Methods("POST")
	return r
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := h.opts.Auth.Authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.NewContext(r.Context(), s)))
	})
}

func requireModerator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, _ := auth.FromContext(r.Context())
		if !s.IsModerator() {
			writeError(w, apperr.Forbidden("moderator role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// session returns the caller set by authMiddleware.
func session(r *http.Request) auth.Session {
	s, _ := auth.FromContext(r.Context())
	return s
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal {
		log.Printf("[api] %v", err)
	}
	resp := errorResponse{Error: apperr.MessageOf(err), Code: string(code)}
	if d, ok := apperr.RetryAfterOf(err); ok {
		secs := int((d + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		resp.RetryAfter = secs
	}
	writeJSON(w, apperr.HTTPStatus(code), resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024))
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "invalid request body", err)
	}
	return nil
}

// queryInt parses an optional positive integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Validation("invalid " + name)
	}
	return n, nil
}
