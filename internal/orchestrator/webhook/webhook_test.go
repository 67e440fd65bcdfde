package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/events/bus"
)

type countingSink struct{ n int }

func (s *countingSink) Fire() { s.n++ }

func sig(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestTrackerWebhookFiresIssueReadyOnMatchingState(t *testing.T) {
	sink := &countingSink{}
	s := NewServer(Config{TrackerSecret: "s3cr3t", ReadyStateName: "Ready"}, sink, nil, nil, nil)

	body := []byte(`{"type":"Issue","data":{"state":{"name":"Ready"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/tracker", bytes.NewReader(body))
	req.Header.Set("Linear-Signature", sig("s3cr3t", body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, sink.n)
}

func TestTrackerWebhookIgnoresNonReadyState(t *testing.T) {
	sink := &countingSink{}
	s := NewServer(Config{TrackerSecret: "s3cr3t", ReadyStateName: "Ready"}, sink, nil, nil, nil)

	body := []byte(`{"type":"Issue","data":{"state":{"name":"Triage"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/tracker", bytes.NewReader(body))
	req.Header.Set("Linear-Signature", sig("s3cr3t", body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 0, sink.n)
}

func TestTrackerWebhookRejectsBadSignature(t *testing.T) {
	sink := &countingSink{}
	s := NewServer(Config{TrackerSecret: "s3cr3t", ReadyStateName: "Ready"}, sink, nil, nil, nil)

	body := []byte(`{"type":"Issue","data":{"state":{"name":"Ready"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/tracker", bytes.NewReader(body))
	req.Header.Set("Linear-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, 0, sink.n)
}

func TestCodeHostWebhookFiresCIFailureOnFailedCheckSuite(t *testing.T) {
	sink := &countingSink{}
	s := NewServer(Config{CodeHostSecret: "gh-secret"}, sink, nil, nil, nil)

	body := []byte(`{"action":"completed","check_suite":{"conclusion":"failure"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/codehost", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "check_suite")
	req.Header.Set("X-Hub-Signature-256", "sha256="+sig("gh-secret", body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, sink.n)
}

func TestCodeHostWebhookFiresPRMergedOnMergedClose(t *testing.T) {
	sink := &countingSink{}
	s := NewServer(Config{CodeHostSecret: "gh-secret"}, sink, nil, nil, nil)

	body := []byte(`{"action":"closed","pull_request":{"merged":true}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/codehost", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", "sha256="+sig("gh-secret", body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, sink.n)
}

func TestCodeHostWebhookIgnoresUnmergedClose(t *testing.T) {
	sink := &countingSink{}
	s := NewServer(Config{CodeHostSecret: "gh-secret"}, sink, nil, nil, nil)

	body := []byte(`{"action":"closed","pull_request":{"merged":false}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/codehost", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", "sha256="+sig("gh-secret", body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 0, sink.n)
}

func TestVerifyPrefixedDigestRejectsMissingPrefix(t *testing.T) {
	require.False(t, verifyPrefixedDigest("secret", []byte("body"), hex.EncodeToString(sign("secret", []byte("body")))))
}

func TestCodeHostWebhookPublishesToEventBus(t *testing.T) {
	memBus := bus.NewMemoryEventBus(logger.Default())

	var mu sync.Mutex
	var received *bus.Event
	done := make(chan struct{})
	_, err := memBus.Subscribe(events.WebhookPRMerged, func(ctx context.Context, e *bus.Event) error {
		mu.Lock()
		received = e
		mu.Unlock()
		close(done)
		return nil
	})
	require.NoError(t, err)

	s := NewServer(Config{CodeHostSecret: "gh-secret"}, &countingSink{}, memBus, nil, nil)

	body := []byte(`{"action":"closed","pull_request":{"merged":true}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/codehost", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", "sha256="+sig("gh-secret", body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event was not published to the bus")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, received)
	require.Equal(t, events.WebhookPRMerged, received.Type)
}
