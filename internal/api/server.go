// Package api exposes the client-facing HTTP surface: queue operations,
// session operations, reports, and the streaming event subscription.
// User-visible failures are always a structured {code, message}, never a
// raw internal fault.
package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/strangerline/chat-app/internal/chat"
	"github.com/strangerline/chat-app/internal/fanout"
	"github.com/strangerline/chat-app/internal/identity"
	"github.com/strangerline/chat-app/internal/matching"
	"github.com/strangerline/chat-app/internal/metrics"
	"github.com/strangerline/chat-app/internal/ratelimit"
)

// apiError is the wire shape of every failure response.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, apiError{Code: code, Message: message})
}

// Server wires the HTTP routes to the core components.
type Server struct {
	resolver    identity.Resolver
	identities  *identity.Store
	queue       *matching.Queue
	matcher     *matching.Service
	coordinator *chat.Coordinator
	limiter     *ratelimit.Limiter
	bus         *fanout.Bus

	tick   time.Duration
	router *gin.Engine
}

// NewServer builds the router. The matcher reference is used only for the
// instant-match attempt on Join; the periodic tick runs in the matcher
// service.
func NewServer(resolver identity.Resolver, identities *identity.Store,
	queue *matching.Queue, matcher *matching.Service,
	coordinator *chat.Coordinator, limiter *ratelimit.Limiter,
	bus *fanout.Bus, tick time.Duration) *Server {

	s := &Server{
		resolver:    resolver,
		identities:  identities,
		queue:       queue,
		matcher:     matcher,
		coordinator: coordinator,
		limiter:     limiter,
		bus:         bus,
		tick:        tick,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/identity/guest", s.handleProvisionGuest)
	r.POST("/queue/join", s.handleQueueJoin)
	r.POST("/queue/leave", s.handleQueueLeave)
	r.GET("/queue/status", s.handleQueueStatus)
	r.POST("/sessions/:id/ack", s.handleSessionAck)
	r.POST("/sessions/:id/messages", s.handleSessionMessage)
	r.POST("/sessions/:id/typing", s.handleSessionTyping)
	r.POST("/sessions/:id/end", s.handleSessionEnd)
	r.POST("/reports", s.handleReport)
	r.GET("/subscribe", s.handleSubscribe)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	s.router = r
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type provisionGuestRequest struct {
	Tier string `json:"tier"`
}

func (s *Server) handleProvisionGuest(c *gin.Context) {
	var req provisionGuestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusUnprocessableEntity, "invalid_request", err.Error())
		return
	}

	tier, err := identity.ParseTier(req.Tier)
	if err != nil {
		fail(c, http.StatusUnprocessableEntity, "invalid_request", err.Error())
		return
	}

	ident, err := s.identities.ProvisionGuest(c.Request.Context(), tier)
	if err != nil {
		fail(c, http.StatusServiceUnavailable, "transient_store_failure", "try again")
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity_id": ident.ID, "kind": ident.Kind, "tier": ident.Tier})
}

type queueJoinRequest struct {
	IdentityID string   `json:"identity_id" binding:"required"`
	Interests  []string `json:"interests"`
	LookingFor string   `json:"looking_for"`
}

func (s *Server) handleQueueJoin(c *gin.Context) {
	var req queueJoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusUnprocessableEntity, "invalid_request", err.Error())
		return
	}
	if req.LookingFor == "" {
		req.LookingFor = matching.LookingForText
	}
	if !matching.ValidGroup(req.LookingFor) {
		fail(c, http.StatusUnprocessableEntity, "invalid_request", "unknown looking_for")
		return
	}

	ctx := c.Request.Context()
	ident, err := s.resolver.Resolve(ctx, req.IdentityID)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownIdentity) {
			fail(c, http.StatusUnprocessableEntity, "invalid_request", "unknown identity")
			return
		}
		fail(c, http.StatusServiceUnavailable, "transient_store_failure", "try again")
		return
	}

	if allowed, _ := s.limiter.Allow(ctx, ident.ID, ratelimit.RuleJoin); !allowed {
		fail(c, http.StatusTooManyRequests, "rate_limited", "too many join attempts")
		return
	}

	_, err = s.queue.Join(ctx, ident, req.Interests, req.LookingFor)
	switch {
	case errors.Is(err, matching.ErrAlreadyBanned):
		fail(c, http.StatusForbidden, "banned", "identity is banned")
		return
	case errors.Is(err, matching.ErrAlreadyQueued):
		fail(c, http.StatusConflict, "already_queued", "identity already has a queue entry")
		return
	case errors.Is(err, matching.ErrStoreUnavailable):
		fail(c, http.StatusServiceUnavailable, "transient_store_failure", "try again")
		return
	case err != nil:
		fail(c, http.StatusUnprocessableEntity, "invalid_request", err.Error())
		return
	}

	// A joiner into a non-empty pool can be paired without waiting for the
	// next tick.
	if matched, ok := s.matcher.TryMatch(ctx, ident.ID, req.LookingFor); ok {
		c.JSON(http.StatusOK, gin.H{"matched": true, "session_id": matched.SessionID})
		return
	}

	status, err := s.queue.Status(ctx, ident.ID, s.tick)
	if err != nil {
		// Raced with a concurrent tick that matched us between Join and
		// Status; the matched event is on the queue topic.
		c.JSON(http.StatusOK, gin.H{"queued": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"queued":          true,
		"position":        status.Position,
		"wait_estimate_s": int(status.WaitEstimate.Seconds()),
	})
}

type queueLeaveRequest struct {
	IdentityID string `json:"identity_id" binding:"required"`
}

func (s *Server) handleQueueLeave(c *gin.Context) {
	var req queueLeaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusUnprocessableEntity, "invalid_request", err.Error())
		return
	}

	err := s.queue.Leave(c.Request.Context(), req.IdentityID)
	switch {
	case errors.Is(err, matching.ErrNotInQueue):
		fail(c, http.StatusNotFound, "not_in_queue", "no queue entry for identity")
	case errors.Is(err, matching.ErrStoreUnavailable):
		fail(c, http.StatusServiceUnavailable, "transient_store_failure", "try again")
	case err != nil:
		fail(c, http.StatusUnprocessableEntity, "invalid_request", err.Error())
	default:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func (s *Server) handleQueueStatus(c *gin.Context) {
	identityID := c.Query("id")
	if identityID == "" {
		fail(c, http.StatusUnprocessableEntity, "invalid_request", "missing id")
		return
	}

	status, err := s.queue.Status(c.Request.Context(), identityID, s.tick)
	switch {
	case errors.Is(err, matching.ErrNotInQueue):
		fail(c, http.StatusNotFound, "not_in_queue", "no queue entry for identity")
	case errors.Is(err, matching.ErrStoreUnavailable):
		fail(c, http.StatusServiceUnavailable, "transient_store_failure", "try again")
	case err != nil:
		fail(c, http.StatusUnprocessableEntity, "invalid_request", err.Error())
	default:
		c.JSON(http.StatusOK, gin.H{
			"position":        status.Position,
			"wait_estimate_s": int(status.WaitEstimate.Seconds()),
		})
	}
}

type sessionAckRequest struct {
	IdentityID string `json:"identity_id" binding:"required"`
}

func (s *Server) handleSessionAck(c *gin.Context) {
	var req sessionAckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusUnprocessableEntity, "invalid_request", err.Error())
		return
	}

	err := s.coordinator.Acknowledge(c.Request.Context(), c.Param("id"), req.IdentityID)
	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		fail(c, http.StatusNotFound, "session_not_found", "no such session")
	case errors.Is(err, chat.ErrNotParticipant):
		fail(c, http.StatusForbidden, "not_participant", "identity is not a participant")
	case err != nil:
		fail(c, http.StatusServiceUnavailable, "transient_store_failure", "try again")
	default:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

type sessionMessageRequest struct {
	SenderID string `json:"sender_id" binding:"required"`
	Content  string `json:"content" binding:"required"`
}

func (s *Server) handleSessionMessage(c *gin.Context) {
	var req sessionMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusUnprocessableEntity, "invalid_request", err.Error())
		return
	}

	result, err := s.coordinator.PostMessage(c.Request.Context(), c.Param("id"), req.SenderID, req.Content)
	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		fail(c, http.StatusNotFound, "session_not_found", "no such session")
		return
	case errors.Is(err, chat.ErrNotParticipant):
		fail(c, http.StatusForbidden, "not_participant", "sender is not a participant")
		return
	case errors.Is(err, chat.ErrSessionNotActive):
		fail(c, http.StatusConflict, "session_not_active", "session is not active")
		return
	case err != nil:
		fail(c, http.StatusUnprocessableEntity, "invalid_request", err.Error())
		return
	}

	if !result.Accepted {
		// A gate rejection is a normal outcome, not an error condition.
		c.JSON(http.StatusOK, gin.H{"accepted": false, "reason": result.Reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true, "message_id": result.MessageID})
}

type sessionTypingRequest struct {
	IdentityID string `json:"identity_id" binding:"required"`
	IsTyping   bool   `json:"is_typing"`
}

func (s *Server) handleSessionTyping(c *gin.Context) {
	var req sessionTypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusUnprocessableEntity, "invalid_request", err.Error())
		return
	}

	err := s.coordinator.Typing(c.Request.Context(), c.Param("id"), req.IdentityID, req.IsTyping)
	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		fail(c, http.StatusNotFound, "session_not_found", "no such session")
	case errors.Is(err, chat.ErrNotParticipant):
		fail(c, http.StatusForbidden, "not_participant", "identity is not a participant")
	case errors.Is(err, chat.ErrSessionNotActive):
		fail(c, http.StatusConflict, "session_not_active", "session is not active")
	case err != nil:
		fail(c, http.StatusServiceUnavailable, "transient_store_failure", "try again")
	default:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

type sessionEndRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

func (s *Server) handleSessionEnd(c *gin.Context) {
	var req sessionEndRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusUnprocessableEntity, "invalid_request", err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = chat.ReasonUserLeft
	}

	reason, err := s.coordinator.End(c.Request.Context(), c.Param("id"), req.By, req.Reason)
	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		fail(c, http.StatusNotFound, "session_not_found", "no such session")
	case err != nil:
		fail(c, http.StatusServiceUnavailable, "transient_store_failure", "try again")
	default:
		c.JSON(http.StatusOK, gin.H{"ended": true, "reason": reason})
	}
}

type reportRequest struct {
	SessionID  string `json:"session_id" binding:"required"`
	ReporterID string `json:"reporter_id" binding:"required"`
	ReportedID string `json:"reported_id" binding:"required"`
	Category   string `json:"category" binding:"required"`
	Reason     string `json:"reason"`
}

func (s *Server) handleReport(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusUnprocessableEntity, "invalid_request", err.Error())
		return
	}

	err := s.coordinator.Report(c.Request.Context(), req.SessionID,
		req.ReporterID, req.ReportedID, req.Category, req.Reason)
	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		fail(c, http.StatusNotFound, "session_not_found", "no such session")
	case errors.Is(err, chat.ErrNotParticipant):
		fail(c, http.StatusForbidden, "not_participant", "reporter is not a participant")
	case err != nil:
		log.Printf("[api] report failed: %v", err)
		fail(c, http.StatusUnprocessableEntity, "invalid_request", "report rejected")
	default:
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
	}
}
