// Package webhook implements the inbound webhook trigger (§6.1): an HMAC
// authenticated HTTP endpoint that turns issue-tracker and code-host events
// into a fire on the main loop's Trigger, mirroring the
// `gin.Engine`-per-`Server` shape the teacher uses for its own HTTP APIs
// (internal/agentctl/server/api.Server).
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/httpmw"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/orchestrator/streaming"
)

// EventKind is the set of events the main loop reacts to (§6.1).
type EventKind string

const (
	EventIssueReady EventKind = "issue_ready"
	EventCIFailure  EventKind = "ci_failure"
	EventPRMerged   EventKind = "pr_merged"
)

// Config holds the two HMAC secrets and the ready-state name used to decide
// whether an "Issue" event should fire issue_ready.
type Config struct {
	TrackerSecret  string
	CodeHostSecret string
	ReadyStateName string
}

// Sink receives a fired event. The main loop's mainloop.Trigger.Fire method
// satisfies this with a thin adapter, kept here as a narrow interface so
// this package has no import-time dependency on mainloop.
type Sink interface {
	Fire()
}

// Server is the inbound webhook HTTP server.
type Server struct {
	cfg       Config
	sink      Sink
	publisher bus.EventBus
	streaming *streaming.Handler
	logger    *logger.Logger
	router    *gin.Engine
}

// NewServer constructs the webhook server and registers its routes.
// publisher is optional; when set, every fired event is also published
// onto the shared event bus (NATS or in-memory, per §6.2 nats.url) so
// other services can observe the same webhook signals the main loop does.
// streamHandler is optional; when set, GET /stream upgrades to the activity
// streaming hub's websocket feed (§2 supplemented features).
func NewServer(cfg Config, sink Sink, publisher bus.EventBus, streamHandler *streaming.Handler, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	if log == nil {
		log = logger.Default()
	}

	s := &Server{
		cfg:       cfg,
		sink:      sink,
		publisher: publisher,
		streaming: streamHandler,
		logger:    log.WithFields(zap.String("component", "webhook-server")),
		router:    gin.New(),
	}
	s.router.Use(httpmw.RequestLogger(s.logger, "webhook"))
	s.setupRoutes()
	return s
}

// Router returns the HTTP handler, for embedding in an http.Server.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	s.router.POST("/webhooks/tracker", s.handleTracker)
	s.router.POST("/webhooks/codehost", s.handleCodeHost)
	if s.streaming != nil {
		s.router.GET("/stream", s.streaming.Stream)
	}
}

// handleTracker implements the issue-tracker half of §6.1: an "Issue" event
// whose new state name equals the configured ready-state name fires
// issue_ready. The tracker signs the raw body and sends a lowercase hex
// digest (no "sha256=" prefix, unlike the code-host).
func (s *Server) handleTracker(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	if !verifyHexDigest(s.cfg.TrackerSecret, body, c.GetHeader("Linear-Signature")) {
		c.Status(http.StatusUnauthorized)
		return
	}

	var payload struct {
		Type string `json:"type"`
		Data struct {
			State struct {
				Name string `json:"name"`
			} `json:"state"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	if payload.Type == "Issue" && payload.Data.State.Name == s.cfg.ReadyStateName {
		s.fire(EventIssueReady)
	}
	c.Status(http.StatusOK)
}

// handleCodeHost implements the code-host half of §6.1: a completed,
// failed check_suite fires ci_failure; a merged, closed pull_request fires
// pr_merged. The code-host signs the raw body and prefixes the hex digest
// with "sha256=".
func (s *Server) handleCodeHost(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	if !verifyPrefixedDigest(s.cfg.CodeHostSecret, body, c.GetHeader("X-Hub-Signature-256")) {
		c.Status(http.StatusUnauthorized)
		return
	}

	switch c.GetHeader("X-GitHub-Event") {
	case "check_suite":
		var payload struct {
			Action      string `json:"action"`
			CheckSuite  struct {
				Conclusion string `json:"conclusion"`
			} `json:"check_suite"`
		}
		if err := json.Unmarshal(body, &payload); err == nil &&
			payload.Action == "completed" && payload.CheckSuite.Conclusion == "failure" {
			s.fire(EventCIFailure)
		}
	case "pull_request":
		var payload struct {
			Action      string `json:"action"`
			PullRequest struct {
				Merged bool `json:"merged"`
			} `json:"pull_request"`
		}
		if err := json.Unmarshal(body, &payload); err == nil &&
			payload.Action == "closed" && payload.PullRequest.Merged {
			s.fire(EventPRMerged)
		}
	}
	c.Status(http.StatusOK)
}

var busEventTypes = map[EventKind]string{
	EventIssueReady: events.WebhookIssueReady,
	EventCIFailure:  events.WebhookCIFailure,
	EventPRMerged:   events.WebhookPRMerged,
}

func (s *Server) fire(kind EventKind) {
	s.logger.Info("webhook event fired", zap.String("event", string(kind)))
	if s.sink != nil {
		s.sink.Fire()
	}
	if s.publisher != nil {
		evt := bus.NewEvent(busEventTypes[kind], "webhook", nil)
		if err := s.publisher.Publish(context.Background(), busEventTypes[kind], evt); err != nil {
			s.logger.Warn("failed to publish webhook event to bus", zap.Error(err))
		}
	}
}

// verifyHexDigest checks a lowercase-hex HMAC-SHA256 digest with no prefix.
func verifyHexDigest(secret string, body []byte, signature string) bool {
	if secret == "" {
		return false
	}
	expected := hex.EncodeToString(sign(secret, body))
	return constantTimeEqual(expected, signature)
}

// verifyPrefixedDigest checks a "sha256=<hex>"-prefixed HMAC-SHA256 digest.
func verifyPrefixedDigest(secret string, body []byte, signature string) bool {
	if secret == "" {
		return false
	}
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return false
	}
	expected := prefix + hex.EncodeToString(sign(secret, body))
	return constantTimeEqual(expected, signature)
}

func sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// constantTimeEqual checks lengths first (hmac.Equal already runs in time
// independent of the bytes once lengths match, but a length mismatch
// returns immediately regardless — matching the spec's explicit
// "equal-length check first, then timing-safe comparison").
func constantTimeEqual(expected, actual string) bool {
	if len(expected) != len(actual) {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(actual))
}
