// Package handlers exposes the deliberation engine over HTTP: a synchronous
// JSON surface, a server-sent-events stream, transcript retrieval and the
// usual health and metrics endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"dev.helix.council/internal/config"
	"dev.helix.council/internal/council"
	"dev.helix.council/internal/events"
	"dev.helix.council/internal/middleware"
	"dev.helix.council/internal/models"
	"dev.helix.council/internal/transcript"
	"dev.helix.council/internal/version"
)

// Server wires HTTP routes to the council.
type Server struct {
	council *council.Council
	bus     *events.Bus
	store   *transcript.Store
	cfg     *config.Config
	logger  *logrus.Logger
}

// NewServer creates the HTTP surface.
func NewServer(c *council.Council, bus *events.Bus, store *transcript.Store,
	cfg *config.Config, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{council: c, bus: bus, store: store, cfg: cfg, logger: logger}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())

	v1 := r.Group("/v1/council")
	{
		v1.POST("/deliberate", limiter.Middleware(), s.deliberate)
		v1.GET("/transcripts/:id", s.getTranscript)
		v1.GET("/queries/:id/events", s.streamEvents)
	}
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
		}).Debug("HTTP request")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Get()})
}

// deliberateRequest is the POST body for a deliberation.
type deliberateRequest struct {
	Prompt           string          `json:"prompt" binding:"required"`
	QueryID          string          `json:"query_id,omitempty"`
	SnapshotID       string          `json:"snapshot_id,omitempty"`
	Mode             string          `json:"mode,omitempty"`
	VerdictType      string          `json:"verdict_type,omitempty"`
	Tier             string          `json:"tier,omitempty"`
	RubricFocus      string          `json:"rubric_focus,omitempty"`
	Capabilities     []string        `json:"capabilities,omitempty"`
	ContextIsolation bool            `json:"context_isolation,omitempty"`
	DeadlineMS       int64           `json:"deadline_ms,omitempty"`
	Webhook          *webhookRequest `json:"webhook,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
}

// webhookRequest subscribes one webhook to this query's events. An empty
// events list receives every kind.
type webhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Secret string   `json:"secret,omitempty"`
	Events []string `json:"events,omitempty"`
}

func (req *deliberateRequest) query() *models.Query {
	q := &models.Query{
		ID:               req.QueryID,
		SnapshotID:       req.SnapshotID,
		Prompt:           req.Prompt,
		Mode:             models.Mode(req.Mode),
		VerdictType:      models.VerdictType(req.VerdictType),
		Tier:             models.Tier(req.Tier),
		RubricFocus:      req.RubricFocus,
		Capabilities:     req.Capabilities,
		ContextIsolation: req.ContextIsolation,
	}
	if q.ID == "" {
		q.ID = newQueryID()
	}
	if req.DeadlineMS > 0 {
		q.Deadline = time.Now().Add(time.Duration(req.DeadlineMS) * time.Millisecond)
	}
	return q
}

// deliberate runs one query. With stream=true or an SSE Accept header the
// response is the query's ordered event stream; otherwise the final result
// is returned as JSON when deliberation ends.
func (s *Server) deliberate(c *gin.Context) {
	var req deliberateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	query := req.query()
	if req.Webhook != nil {
		s.attachWebhook(query.ID, req.Webhook)
	}
	if req.Stream || strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		s.deliberateSSE(c, query)
		return
	}

	result, err := s.council.Deliberate(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(statusForResult(result), result)
}

// attachWebhook starts a dispatcher for one query's events. The bus closes
// the subscription after the query's terminal event, which ends the
// dispatcher goroutine.
func (s *Server) attachWebhook(queryID string, wh *webhookRequest) {
	kinds := make([]events.EventType, 0, len(wh.Events))
	for _, e := range wh.Events {
		kinds = append(kinds, events.EventType(e))
	}
	dispatcher := events.NewWebhookDispatcher(events.WebhookConfig{
		URL:    wh.URL,
		Secret: wh.Secret,
		Events: kinds,
	}, events.DefaultWebhookDispatcherConfig(), s.logger)
	go dispatcher.Run(context.Background(), s.bus.Subscribe(queryID))
}

// deliberateSSE subscribes before starting the deliberation so the stream
// observes the sequence 1..K with no gaps, then relays every event as one
// SSE message. The final result is sent as a closing "result" message.
func (s *Server) deliberateSSE(c *gin.Context, query *models.Query) {
	sub := s.bus.Subscribe(query.ID)
	defer s.bus.Unsubscribe(sub)

	type done struct {
		result *models.DeliberationResult
		err    error
	}
	resultCh := make(chan done, 1)
	go func() {
		result, err := s.council.Deliberate(c.Request.Context(), query)
		resultCh <- done{result, err}
	}()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

stream:
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-sub.Events():
			// The bus closes the subscription after the query's terminal
			// event, so a stream whose terminal was dropped on a full
			// buffer still ends here instead of blocking.
			if !ok {
				break stream
			}
			writeSSE(c, string(ev.Type), ev)
			if events.Terminal(ev.Type) {
				break stream
			}
		}
	}

	select {
	case d := <-resultCh:
		finishSSE(c, d.result, d.err)
	case <-c.Request.Context().Done():
	}
}

func finishSSE(c *gin.Context, result *models.DeliberationResult, err error) {
	if err != nil {
		writeSSE(c, "error", gin.H{"error": err.Error()})
		return
	}
	writeSSE(c, "result", result)
}

// streamEvents attaches to an in-flight query's event stream.
func (s *Server) streamEvents(c *gin.Context) {
	queryID := c.Param("id")
	sub := s.bus.Subscribe(queryID)
	defer s.bus.Unsubscribe(sub)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			writeSSE(c, string(ev.Type), ev)
			if events.Terminal(ev.Type) {
				return
			}
		}
	}
}

func (s *Server) getTranscript(c *gin.Context) {
	rec, err := s.store.Load(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func newQueryID() string {
	return uuid.NewString()
}

func writeSSE(c *gin.Context, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.Writer.WriteString("event: " + event + "\n")
	c.Writer.WriteString("data: " + string(data) + "\n\n")
	c.Writer.Flush()
}

// statusForResult maps deliberation outcomes onto HTTP semantics: protocol
// failures surface as 503 so gate callers can distinguish engine trouble
// from a completed fail verdict, which is still a 200.
func statusForResult(r *models.DeliberationResult) int {
	if r.FailureReason != "" {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
