package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/CIRISAI/CIRISAgent-sub005/pkg/adapter"
)

// handlers serves the adapter's HTTP endpoints. All state lives on the
// adapter; handlers only translate between HTTP and the runtime.
type handlers struct {
	a *Adapter
}

// liveness handles GET /health.
func (h *handlers) liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{
		Status:    "healthy",
		Timestamp: h.a.clk.NowISO(),
		Data: map[string]interface{}{
			"service": "cirisd",
			"adapter": h.a.Name(),
		},
	})
}

// readiness handles GET /health/ready. Ready means the runtime has
// attached its message sink and status source.
func (h *handlers) readiness(w http.ResponseWriter, r *http.Request) {
	status := h.a.statusSource()
	if status == nil || h.a.messageSink() == nil {
		writeJSON(w, http.StatusServiceUnavailable, Response{
			Status:    "unhealthy",
			Timestamp: h.a.clk.NowISO(),
			Error:     "runtime not attached",
		})
		return
	}

	snap := status.Status()
	writeJSON(w, http.StatusOK, Response{
		Status:    "healthy",
		Timestamp: h.a.clk.NowISO(),
		Data: map[string]interface{}{
			"state":    snap.State,
			"services": snap.Services,
		},
	})
}

// agentStatus handles GET /v1/status.
func (h *handlers) agentStatus(w http.ResponseWriter, r *http.Request) {
	status := h.a.statusSource()
	if status == nil {
		writeError(w, http.StatusServiceUnavailable, "runtime not attached")
		return
	}
	writeJSON(w, http.StatusOK, Response{
		Status:    "ok",
		Timestamp: h.a.clk.NowISO(),
		Data:      status.Status(),
	})
}

type tokenRequest struct {
	Operator string `json:"operator"`
	Secret   string `json:"secret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	ExpiresAt   string `json:"expires_at"`
}

// issueToken handles POST /v1/auth/token. The configured secret is the
// credential; a valid presentation mints a bearer token.
func (h *handlers) issueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.a.tokens.checkCredential(req.Secret); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	operator := req.Operator
	if operator == "" {
		operator = "operator"
	}

	token, expiresAt, err := h.a.tokens.issue(operator)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, Response{
		Status:    "ok",
		Timestamp: h.a.clk.NowISO(),
		Data: tokenResponse{
			AccessToken: token,
			TokenType:   "Bearer",
			ExpiresIn:   int64(h.a.tokens.duration.Seconds()),
			ExpiresAt:   expiresAt.UTC().Format(time.RFC3339),
		},
	})
}

type messageRequest struct {
	ChannelID string `json:"channel_id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
}

// postMessage handles POST /v1/messages: inbound message ingress into
// the runtime observer.
func (h *handlers) postMessage(w http.ResponseWriter, r *http.Request) {
	sink := h.a.messageSink()
	if sink == nil {
		writeError(w, http.StatusServiceUnavailable, "runtime not attached")
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.ChannelID == "" {
		req.ChannelID = defaultChannel
	}

	msg := adapter.IncomingMessage{
		ID:         uuid.New().String(),
		ChannelID:  req.ChannelID,
		AuthorID:   req.AuthorID,
		Content:    req.Content,
		ReceivedAt: h.a.clk.Now(),
	}

	if err := sink.HandleIncoming(r.Context(), msg); err != nil {
		if errors.Is(err, adapter.ErrRuntimeNotReady) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, Response{
		Status:    "ok",
		Timestamp: h.a.clk.NowISO(),
		Data: map[string]string{
			"message_id": msg.ID,
			"channel_id": msg.ChannelID,
		},
	})
}

// fetchMessages handles GET /v1/channels/{channel}/messages: drains
// the channel's outbox, oldest first.
func (h *handlers) fetchMessages(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channel")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	messages := h.a.outbox.drain(channelID, limit)
	if messages == nil {
		messages = []Message{}
	}

	writeJSON(w, http.StatusOK, Response{
		Status:    "ok",
		Timestamp: h.a.clk.NowISO(),
		Data: map[string]interface{}{
			"channel_id": channelID,
			"messages":   messages,
			"remaining":  h.a.outbox.depth(channelID),
		},
	})
}
