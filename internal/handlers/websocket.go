package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/kelsjon3/stablequeue/internal/common"
	"github.com/kelsjon3/stablequeue/internal/interfaces"
	"github.com/kelsjon3/stablequeue/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Same-host UI plus local tools; no origin restriction.
	},
}

// wsMessage is the on-wire envelope for server-to-client events.
type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// clientCommand is the client-to-server message shape.
type clientCommand struct {
	Type  string `json:"type"`
	JobID string `json:"job_id,omitempty"`
}

// wsClient is one attached connection. Writes are serialized per connection;
// gorilla/websocket allows at most one concurrent writer.
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu sync.Mutex
	// subscribedJob filters job_progress to one job when set. Global
	// job_changed events always pass through.
	subscribedJob string
}

func (c *wsClient) setSubscription(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribedJob = jobID
}

func (c *wsClient) wantsProgress(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribedJob == "" || c.subscribedJob == jobID
}

func (c *wsClient) send(message wsMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(message)
}

// ping sends a protocol-level ping. WriteControl is safe to call concurrently
// with other writes, so no write lock is taken.
func (c *wsClient) ping(timeout time.Duration) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// WebSocketHandler is the push gateway: it drains the progress bus and fans
// events out to attached clients. On connect a client receives a hello with
// all non-terminal jobs; subscriptions do not survive reconnects.
type WebSocketHandler struct {
	queue  interfaces.JobStorage
	events interfaces.EventService
	logger arbor.ILogger

	idleTimeout time.Duration
	// progressThrottle limits job_progress broadcast frequency; job_changed
	// is never throttled.
	progressThrottle *rate.Limiter

	mu      sync.RWMutex
	clients map[*wsClient]bool

	stop   context.CancelFunc
	stopWg sync.WaitGroup
}

// NewWebSocketHandler creates the push gateway and starts draining the bus.
func NewWebSocketHandler(queue interfaces.JobStorage, events interfaces.EventService,
	cfg common.WebSocketConfig, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		queue:       queue,
		events:      events,
		logger:      logger,
		idleTimeout: common.DurationOr(cfg.IdleTimeout, 60*time.Second),
		clients:     make(map[*wsClient]bool),
	}

	if throttle := common.DurationOr(cfg.ProgressThrottle, 0); throttle > 0 {
		h.progressThrottle = rate.NewLimiter(rate.Every(throttle), 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	h.stopWg.Add(1)
	go h.drainEvents(ctx)

	return h
}

// Close stops the bus drain and disconnects all clients.
func (h *WebSocketHandler) Close() {
	h.stop()
	h.stopWg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.conn.Close()
	}
	h.clients = make(map[*wsClient]bool)
}

// HandleWebSocket upgrades the connection and serves it until it closes or
// goes idle past the heartbeat timeout.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn}

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", count).Msg("WebSocket client connected")

	if err := h.sendHello(r.Context(), client); err != nil {
		h.logger.Warn().Err(err).Msg("Hello send failed")
		h.detach(client)
		return
	}

	go h.readLoop(client)
}

// sendHello delivers the snapshot of all non-terminal jobs.
func (h *WebSocketHandler) sendHello(ctx context.Context, client *wsClient) error {
	snapshot := make([]*models.Job, 0)
	for _, status := range []models.JobStatus{models.JobStatusPending, models.JobStatusProcessing} {
		jobs, _, err := h.queue.List(ctx, &models.JobListOptions{Status: status, Order: "asc"})
		if err != nil {
			return err
		}
		snapshot = append(snapshot, jobs...)
	}
	return client.send(wsMessage{Type: "hello", Data: snapshot})
}

// readLoop consumes client commands and heartbeats. The read deadline is the
// liveness mechanism: pong frames and any inbound message push it forward.
func (h *WebSocketHandler) readLoop(client *wsClient) {
	defer h.detach(client)

	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go h.heartbeat(client, heartbeatDone)

	client.conn.SetReadLimit(4 << 10)
	client.conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
	})

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		client.conn.SetReadDeadline(time.Now().Add(h.idleTimeout))

		var cmd clientCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		switch cmd.Type {
		case "subscribe_job":
			client.setSubscription(cmd.JobID)
			h.logger.Debug().Str("job_id", cmd.JobID).Msg("Client subscribed to job")
		case "unsubscribe_job":
			client.setSubscription("")
		case "ping":
			client.send(wsMessage{Type: "pong"})
		}
	}
}

// heartbeat pings the client at half the idle timeout. The pong responses
// extend the read deadline, keeping quiet-but-alive clients attached.
func (h *WebSocketHandler) heartbeat(client *wsClient, done <-chan struct{}) {
	ticker := time.NewTicker(h.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := client.ping(5 * time.Second); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) detach(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	count := len(h.clients)
	h.mu.Unlock()

	client.conn.Close()
	h.logger.Debug().Int("clients", count).Msg("WebSocket client disconnected")
}

// drainEvents pumps the progress bus into attached clients.
func (h *WebSocketHandler) drainEvents(ctx context.Context) {
	defer h.stopWg.Done()

	sub := h.events.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			h.broadcast(event)
		}
	}
}

func (h *WebSocketHandler) broadcast(event interfaces.Event) {
	switch event.Type {
	case interfaces.EventJobChanged:
		h.broadcastToAll(wsMessage{Type: "job_changed", Data: event.Job})
	case interfaces.EventJobProgress:
		if h.progressThrottle != nil && !h.progressThrottle.Allow() {
			return
		}
		h.broadcastProgress(event.Frame)
	}
}

func (h *WebSocketHandler) broadcastToAll(message wsMessage) {
	for _, client := range h.snapshotClients() {
		if err := client.send(message); err != nil {
			h.detach(client)
		}
	}
}

func (h *WebSocketHandler) broadcastProgress(frame *models.ProgressFrame) {
	message := wsMessage{Type: "job_progress", Data: frame}
	for _, client := range h.snapshotClients() {
		if !client.wantsProgress(frame.JobID) {
			continue
		}
		if err := client.send(message); err != nil {
			h.detach(client)
		}
	}
}

func (h *WebSocketHandler) snapshotClients() []*wsClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// ClientCount returns the number of attached clients.
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
