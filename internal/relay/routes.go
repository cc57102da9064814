package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/phantomhost/phantomctl/internal/auth"
	"github.com/phantomhost/phantomctl/internal/observability"
)

const maxIngressBody = 8 * 1024 * 1024

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.cfg.RelayID,
			"version": "0.0.1",
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":   true,
			"uptime":  time.Since(s.appeared).String(),
			"service": s.cfg.RelayID,
			"version": "0.0.1",
		})
	})

	s.router.GET("/scopes/:scope/nodes", func(c *gin.Context) {
		scope := c.Param("scope")
		leases := s.broker.LiveNodes(scope)
		nodes := make([]gin.H, 0, len(leases))
		for _, lease := range leases {
			nodes = append(nodes, gin.H{
				"node_id":       lease.NodeID,
				"registered_at": lease.RegisteredAt,
				"renewed_at":    lease.RenewedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"scope":       scope,
			"nodes":       nodes,
			"queue_depth": s.broker.QueueDepth(scope),
		})
	})

	v1 := s.router.Group("/v1", s.nodeAuthMiddleware())
	v1.POST("/register", s.handleRegister)
	v1.GET("/poll", s.handlePoll)
	v1.POST("/respond", s.handleRespond)

	s.router.Any("/ingress/:scope/*path", s.handleIngress)
}

func (s *Server) nodeAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		validator := s.nodeValidator()
		if _, ok := validator.(auth.AllowAll); ok {
			c.Next()
			return
		}
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if err := validator.Validate(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleRegister(c *gin.Context) {
	var env RegisterEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid registration payload"})
		return
	}
	if err := s.broker.Register(env.ScopeID, env.NodeID); err != nil {
		if errors.Is(err, ErrMissingField) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_required_field"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePoll(c *gin.Context) {
	scope := c.Query("scope_id")
	nodeID := c.Query("node_id")
	req, ok, err := s.broker.Poll(scope, nodeID)
	if err != nil {
		if errors.Is(err, ErrMissingField) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_required_field"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, PollEnvelopeFor(req))
}

func (s *Server) handleRespond(c *gin.Context) {
	var env RespondEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid respond payload"})
		return
	}
	body, err := DecodeBody(env.BodyB64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body_b64"})
		return
	}
	resp := Response{
		RequestID: env.RequestID,
		Status:    env.Status,
		Headers:   env.Headers,
		Body:      body,
	}
	if err := s.broker.PostResponse(env.ScopeID, env.NodeID, resp); err != nil {
		if errors.Is(err, ErrMissingField) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_required_field"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// stale/duplicate request ids resolve here too: idempotent no-op
	c.Status(http.StatusNoContent)
}

// handleIngress runs one rendezvous round trip: enqueue, await completion,
// relay the matched response verbatim, or fall back to the canonical
// direct copy before surfacing 502/503/504.
func (s *Server) handleIngress(c *gin.Context) {
	start := time.Now()
	scope := strings.TrimSpace(c.Param("scope"))
	path := c.Param("path")
	if path == "" {
		path = "/"
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIngressBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	headers := make(map[string]string, len(c.Request.Header))
	for k := range c.Request.Header {
		headers[k] = c.Request.Header.Get(k)
	}

	req := Request{
		RequestID: uuid.NewString(),
		ScopeID:   scope,
		Method:    c.Request.Method,
		Path:      path,
		Headers:   headers,
		Body:      body,
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.IngressDeadline)
	defer cancel()

	resp, err := s.broker.Enqueue(ctx, req)
	switch {
	case err == nil:
		observability.RecordIngress(scope, "matched", time.Since(start))
		s.writeIngressResponse(c, resp)
		return
	case errors.Is(err, ErrMissingField):
		observability.RecordIngress(scope, "error", time.Since(start))
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_required_field"})
		return
	case errors.Is(err, ErrNoNodesOnline):
		s.serveFallback(c, scope, path, start, http.StatusServiceUnavailable)
		return
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		s.serveFallback(c, scope, path, start, http.StatusGatewayTimeout)
		return
	default:
		observability.RecordIngress(scope, "error", time.Since(start))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
}

// serveFallback tries the canonical direct copy for retryable rendezvous
// failures. Only when both paths are exhausted does the original caller
// see a 5xx.
func (s *Server) serveFallback(c *gin.Context, scope, path string, start time.Time, exhaustedStatus int) {
	origin := strings.TrimSpace(s.cfg.FallbackOrigin)
	if origin == "" || c.Request.Method != http.MethodGet {
		outcome := "no_nodes"
		if exhaustedStatus == http.StatusGatewayTimeout {
			outcome = "timeout"
		}
		observability.RecordIngress(scope, outcome, time.Since(start))
		c.JSON(exhaustedStatus, gin.H{"error": "scope unavailable", "scope": scope})
		return
	}

	target := strings.TrimRight(origin, "/") + "/" + scope + path
	res, err := s.fallback.Get(target)
	if err != nil {
		log.Warn().Err(err).Str("scope", scope).Str("target", target).Msg("relay_fallback_failed")
		observability.RecordIngress(scope, "error", time.Since(start))
		c.JSON(http.StatusBadGateway, gin.H{"error": "fallback unavailable", "scope": scope})
		return
	}
	defer res.Body.Close()
	fallbackBody, err := io.ReadAll(io.LimitReader(res.Body, maxIngressBody))
	if err != nil {
		observability.RecordIngress(scope, "error", time.Since(start))
		c.JSON(http.StatusBadGateway, gin.H{"error": "fallback unavailable", "scope": scope})
		return
	}
	observability.RecordIngress(scope, "fallback", time.Since(start))
	contentType := res.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(res.StatusCode, contentType, fallbackBody)
}

func (s *Server) writeIngressResponse(c *gin.Context, resp Response) {
	for k, v := range resp.Headers {
		c.Header(k, v)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	c.Status(status)
	if len(resp.Body) > 0 {
		_, _ = c.Writer.Write(resp.Body)
	}
}
