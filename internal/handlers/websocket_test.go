package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/kelsjon3/stablequeue/internal/common"
	"github.com/kelsjon3/stablequeue/internal/interfaces"
	"github.com/kelsjon3/stablequeue/internal/models"
	"github.com/kelsjon3/stablequeue/internal/services/events"
	storage "github.com/kelsjon3/stablequeue/internal/storage/badger"
)

type wsFixture struct {
	queue   interfaces.JobStorage
	events  *events.Service
	handler *WebSocketHandler
	server  *httptest.Server
}

func newWSFixture(t *testing.T, cfg common.WebSocketConfig) *wsFixture {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := storage.NewBadgerDB(logger, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewService(64, logger)
	t.Cleanup(func() { bus.Close() })

	queue := storage.NewJobStorage(db, bus, logger)

	handler := NewWebSocketHandler(queue, bus, cfg, logger)
	t.Cleanup(handler.Close)

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(server.Close)

	return &wsFixture{queue: queue, events: bus, handler: handler, server: server}
}

func (f *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func insertPendingJob(t *testing.T, queue interfaces.JobStorage, backend string) *models.Job {
	t.Helper()
	job := &models.Job{
		TargetBackend: backend,
		AppType:       models.AppTypeForge,
		Params: models.GenerationParams{
			CheckpointName: "sdxl/base.safetensors",
			Raw:            map[string]interface{}{"prompt": "test", "steps": float64(20)},
		},
	}
	stored, err := queue.Insert(context.Background(), job)
	require.NoError(t, err)
	return stored
}

func TestWebSocketHelloSnapshot(t *testing.T) {
	f := newWSFixture(t, common.WebSocketConfig{})
	job := insertPendingJob(t, f.queue, "forge-main")

	conn := f.dial(t)

	hello := readMessage(t, conn)
	require.Equal(t, "hello", hello.Type)

	raw, _ := json.Marshal(hello.Data)
	var jobs []*models.Job
	require.NoError(t, json.Unmarshal(raw, &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
	assert.Equal(t, models.JobStatusPending, jobs[0].Status)
}

func TestWebSocketJobChangedBroadcast(t *testing.T) {
	f := newWSFixture(t, common.WebSocketConfig{})

	conn := f.dial(t)
	hello := readMessage(t, conn)
	require.Equal(t, "hello", hello.Type)

	// Queue mutations publish job_changed through the bus.
	job := insertPendingJob(t, f.queue, "forge-main")

	changed := readMessage(t, conn)
	require.Equal(t, "job_changed", changed.Type)

	raw, _ := json.Marshal(changed.Data)
	var got models.Job
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, job.ID, got.ID)
}

func TestWebSocketSubscriptionFiltersProgress(t *testing.T) {
	f := newWSFixture(t, common.WebSocketConfig{})

	conn := f.dial(t)
	readMessage(t, conn) // hello

	require.NoError(t, conn.WriteJSON(clientCommand{Type: "subscribe_job", JobID: "job_watched"}))

	// Subscription registration is asynchronous to the write.
	require.Eventually(t, func() bool {
		for _, client := range f.handler.snapshotClients() {
			if client.wantsProgress("job_watched") && !client.wantsProgress("job_other") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	f.events.Publish(interfaces.Event{
		Type:  interfaces.EventJobProgress,
		Frame: &models.ProgressFrame{JobID: "job_other", Percent: 10},
	})
	f.events.Publish(interfaces.Event{
		Type:  interfaces.EventJobProgress,
		Frame: &models.ProgressFrame{JobID: "job_watched", Percent: 40},
	})

	msg := readMessage(t, conn)
	require.Equal(t, "job_progress", msg.Type)

	raw, _ := json.Marshal(msg.Data)
	var frame models.ProgressFrame
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, "job_watched", frame.JobID)
	assert.Equal(t, float64(40), frame.Percent)
}

func TestWebSocketProgressThrottle(t *testing.T) {
	f := newWSFixture(t, common.WebSocketConfig{ProgressThrottle: "1s"})

	conn := f.dial(t)
	readMessage(t, conn) // hello

	for i := 1; i <= 5; i++ {
		f.events.Publish(interfaces.Event{
			Type:  interfaces.EventJobProgress,
			Frame: &models.ProgressFrame{JobID: "job_x", Percent: float64(i * 10)},
		})
	}

	first := readMessage(t, conn)
	require.Equal(t, "job_progress", first.Type)

	// The remaining frames within the throttle window are suppressed.
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var msg wsMessage
	err := conn.ReadJSON(&msg)
	assert.Error(t, err)
}

func TestWebSocketClientDetachOnClose(t *testing.T) {
	f := newWSFixture(t, common.WebSocketConfig{})

	conn := f.dial(t)
	readMessage(t, conn) // hello

	require.Eventually(t, func() bool { return f.handler.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool { return f.handler.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestWebSocketHeartbeatKeepsIdleClientAttached(t *testing.T) {
	f := newWSFixture(t, common.WebSocketConfig{IdleTimeout: "500ms"})

	conn := f.dial(t)

	// The dialer's default ping handler answers server pings with pongs as
	// long as the client keeps reading.
	messages := make(chan wsMessage, 8)
	go func() {
		defer close(messages)
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			messages <- msg
		}
	}()

	hello := <-messages
	require.Equal(t, "hello", hello.Type)

	// Stay silent well past the idle timeout.
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, 1, f.handler.ClientCount())

	insertPendingJob(t, f.queue, "forge-main")
	select {
	case msg := <-messages:
		assert.Equal(t, "job_changed", msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection dropped before the broadcast")
	}
}

func TestWebSocketPingPong(t *testing.T) {
	f := newWSFixture(t, common.WebSocketConfig{})

	conn := f.dial(t)
	readMessage(t, conn) // hello

	require.NoError(t, conn.WriteJSON(clientCommand{Type: "ping"}))

	msg := readMessage(t, conn)
	assert.Equal(t, "pong", msg.Type)
}
