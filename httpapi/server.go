// Package httpapi exposes the resolution engine over HTTP with gin.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
	"github.com/c0deZ3R0/go-conflict-kit/resolve"
)

const (
	// PermissionResolve gates the resolve and choice endpoints.
	PermissionResolve = "can_resolve_conflicts"

	// PermissionView gates conflict lookups, history and event streams.
	PermissionView = "can_view_conflicts"

	// UserHeader carries the caller identity.
	UserHeader = "X-User-ID"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// Authorizer decides whether a user may act on a session.
type Authorizer interface {
	HasPermission(ctx context.Context, userID, permission, sessionID string) (bool, error)
}

// AllowAll grants every permission to any identified user.
type AllowAll struct{}

func (AllowAll) HasPermission(context.Context, string, string, string) (bool, error) { return true, nil }

// Streamer serves a long-lived event stream for one session.
type Streamer interface {
	Serve(w http.ResponseWriter, r *http.Request, sessionID string)
}

// Server routes HTTP requests to an Engine.
type Server struct {
	engine   *resolve.Engine
	auth     Authorizer
	events   Streamer
	sockets  Streamer
	gatherer prometheus.Gatherer
	limiter  *rate.Limiter
	logger   *logging.Logger
	maxBody  int64
}

type Option interface{ apply(*Server) }

type optionFn func(*Server)

func (f optionFn) apply(s *Server) { f(s) }

func WithAuthorizer(a Authorizer) Option { return optionFn(func(s *Server) { s.auth = a }) }

// WithEvents mounts an SSE stream at /sessions/:id/events.
func WithEvents(st Streamer) Option { return optionFn(func(s *Server) { s.events = st }) }

// WithWebSocket mounts a WebSocket stream at /sessions/:id/ws.
func WithWebSocket(st Streamer) Option { return optionFn(func(s *Server) { s.sockets = st }) }

// WithGatherer serves /metrics from g.
func WithGatherer(g prometheus.Gatherer) Option { return optionFn(func(s *Server) { s.gatherer = g }) }

// WithRateLimit installs a global token bucket. A non-positive rps disables it.
func WithRateLimit(rps float64, burst int) Option {
	return optionFn(func(s *Server) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	})
}

func WithLogger(l *logging.Logger) Option { return optionFn(func(s *Server) { s.logger = l }) }

// WithMaxRequestSize caps request bodies. Default 1 MiB.
func WithMaxRequestSize(n int64) Option { return optionFn(func(s *Server) { s.maxBody = n }) }

func New(engine *resolve.Engine, opts ...Option) *Server {
	s := &Server{
		engine:  engine,
		auth:    AllowAll{},
		logger:  logging.Default(),
		maxBody: 1 << 20,
	}
	for _, o := range opts {
		o.apply(s)
	}
	s.logger = s.logger.WithComponent(logging.Component("http"))
	return s
}

// Handler builds a gin engine with every route mounted.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	if s.limiter != nil {
		r.Use(RateLimit(s.limiter))
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	s.RegisterRoutes(r.Group("/api/v1"))
	return r
}

// RegisterRoutes mounts the API on an existing router group.
func (s *Server) RegisterRoutes(g *gin.RouterGroup) {
	g.POST("/conflicts/resolve", s.resolve)
	g.GET("/conflicts/:id", s.getConflict)
	g.POST("/conflicts/:id/choice", s.applyChoice)
	g.GET("/sessions/:id/conflicts", s.history)
	if s.events != nil {
		g.GET("/sessions/:id/events", s.stream(s.events))
	}
	if s.sockets != nil {
		g.GET("/sessions/:id/ws", s.stream(s.sockets))
	}
}

// RateLimit rejects requests with 429 once the bucket is empty.
func RateLimit(l *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.DebugContext(c.Request.Context(), "request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}

func (s *Server) resolve(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody)
	var req resolve.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if !s.authorize(c, PermissionResolve, req.SessionID) {
		return
	}
	c.JSON(http.StatusOK, s.engine.Resolve(c.Request.Context(), req))
}

func (s *Server) getConflict(c *gin.Context) {
	user, ok := s.identify(c)
	if !ok {
		return
	}
	rec, err := s.engine.Conflict(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if !s.permit(c, user, PermissionView, rec.SessionID) {
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) applyChoice(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody)
	var req resolve.ChoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	req.ConflictID = c.Param("id")

	user, ok := s.identify(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	rec, err := s.engine.Conflict(ctx, req.ConflictID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !s.permit(c, user, PermissionResolve, rec.SessionID) {
		return
	}
	req.UserID = user

	res, err := s.engine.ApplyUserChoice(ctx, req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) history(c *gin.Context) {
	if !s.authorize(c, PermissionView, c.Param("id")) {
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	recs, err := s.engine.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if recs == nil {
		recs = []*resolve.ConflictRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "conflicts": recs})
}

func (s *Server) stream(st Streamer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authorize(c, PermissionView, c.Param("id")) {
			return
		}
		st.Serve(c.Writer, c.Request, c.Param("id"))
	}
}

// authorize requires a caller identity holding permission on sessionID.
func (s *Server) authorize(c *gin.Context, permission, sessionID string) bool {
	user, ok := s.identify(c)
	if !ok {
		return false
	}
	return s.permit(c, user, permission, sessionID)
}

func (s *Server) identify(c *gin.Context) (string, bool) {
	user := c.GetHeader(UserHeader)
	if user == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + UserHeader + " header"})
		return "", false
	}
	return user, true
}

func (s *Server) permit(c *gin.Context, user, permission, sessionID string) bool {
	ok, err := s.auth.HasPermission(c.Request.Context(), user, permission, sessionID)
	if err != nil {
		s.logger.LogError(c.Request.Context(), err, "permission check failed",
			slog.String("user_id", user),
			slog.String("permission", permission),
			slog.String("session_id", sessionID))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "permission check failed"})
		return false
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied"})
		return false
	}
	return true
}

func (s *Server) fail(c *gin.Context, err error) {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.LogError(c.Request.Context(), err, "request failed", slog.String("path", c.FullPath()))
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": string(errors.KindOf(err))})
}

// StatusOf maps an error kind to an HTTP status.
func StatusOf(err error) int {
	switch errors.KindOf(err) {
	case errors.KindInvalid:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
