package streaming

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

func TestHubBroadcastsSnapshotToConnectedClient(t *testing.T) {
	gin.SetMode(gin.TestMode)

	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	handler := NewHandler(hub, nil)
	router := gin.New()
	router.GET("/stream", handler.Stream)
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast(v1.StateSnapshot{Paused: true, DailySpend: 4.5})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), `"paused":true`)
	require.Contains(t, string(data), `"daily_spend":4.5`)
}
