package api

import (
	"log/slog"
	"sync"
	"time"

	"github.com/andi/cogstac/backend/models"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// AllRuns subscribes a client to the events of every run
const AllRuns = "*"

// ClientMessage represents a message from client to server
type ClientMessage struct {
	Action string `json:"action"` // "subscribe", "unsubscribe", "ping"
	RunID  string `json:"run_id"`
}

// ServerMessage represents a message from server to client
type ServerMessage struct {
	Type       string                 `json:"type"` // job_started, job_finished, run_complete, subscribed, pong
	RunID      string                 `json:"run_id,omitempty"`
	TileID     string                 `json:"tile_id,omitempty"`
	SourcePath string                 `json:"source_path,omitempty"`
	Slot       int                    `json:"slot,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Report     *models.BatchRunReport `json:"report,omitempty"`
	Time       string                 `json:"time"`
}

// Client represents a connected WebSocket client
type Client struct {
	conn          *websocket.Conn
	subscribedRun string
	lastActivity  time.Time
	send          chan ServerMessage
	mu            sync.Mutex
}

// WebSocketHub fans job events out to subscribed clients
type WebSocketHub struct {
	clients        map[*Client]bool
	runSubscribers map[string][]*Client

	register   chan *Client
	unregister chan *Client

	logger   *slog.Logger
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub(logger *slog.Logger) *WebSocketHub {
	hub := &WebSocketHub{
		clients:        make(map[*Client]bool),
		runSubscribers: make(map[string][]*Client),
		register:       make(chan *Client, 16),
		unregister:     make(chan *Client, 16),
		logger:         logger,
		stopCh:         make(chan struct{}),
	}

	go hub.run()
	go hub.cleanupIdleClients()

	return hub
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		conn:         conn,
		lastActivity: time.Now(),
		send:         make(chan ServerMessage, 64),
	}
}

// run handles the main event loop
func (h *WebSocketHub) run() {
	for {
		select {
		case <-h.stopCh:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("websocket client registered")

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// detach drops client from its run subscription. Caller holds h.mu.
func (h *WebSocketHub) detach(client *Client) {
	if client.subscribedRun == "" {
		return
	}
	clients := h.runSubscribers[client.subscribedRun]
	for i, c := range clients {
		if c == client {
			h.runSubscribers[client.subscribedRun] = append(clients[:i], clients[i+1:]...)
			break
		}
	}
	if len(h.runSubscribers[client.subscribedRun]) == 0 {
		delete(h.runSubscribers, client.subscribedRun)
	}
	client.subscribedRun = ""
}

// removeClient removes a client and closes its send channel
func (h *WebSocketHub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}

	delete(h.clients, client)
	h.detach(client)
	close(client.send)
}

// subscribeClient subscribes a client to a run id or to AllRuns
func (h *WebSocketHub) subscribeClient(client *Client, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		h.clients[client] = true
	}
	if client.subscribedRun == runID {
		return
	}
	h.detach(client)

	client.mu.Lock()
	client.lastActivity = time.Now()
	client.mu.Unlock()

	client.subscribedRun = runID
	h.runSubscribers[runID] = append(h.runSubscribers[runID], client)

	h.logger.Debug("client subscribed", "run_id", runID, "subscribers", len(h.runSubscribers[runID]))
}

// unsubscribeClient drops the subscription but keeps the connection
func (h *WebSocketHub) unsubscribeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detach(client)
}

// broadcast sends msg to the subscribers of its run and to AllRuns subscribers
func (h *WebSocketHub) broadcast(msg ServerMessage) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.runSubscribers[msg.RunID])+len(h.runSubscribers[AllRuns]))
	clients = append(clients, h.runSubscribers[msg.RunID]...)
	if msg.RunID != AllRuns {
		clients = append(clients, h.runSubscribers[AllRuns]...)
	}

	for _, client := range clients {
		select {
		case client.send <- msg:
			client.mu.Lock()
			client.lastActivity = time.Now()
			client.mu.Unlock()
		default:
			h.logger.Warn("client send channel full", "run_id", msg.RunID, "type", msg.Type)
		}
	}
	h.mu.RUnlock()
}

// JobStarted notifies subscribers that a worker slot picked up a job
func (h *WebSocketHub) JobStarted(runID string, job models.ConversionJob, slot int) {
	h.broadcast(ServerMessage{
		Type:       "job_started",
		RunID:      runID,
		TileID:     job.TileID,
		SourcePath: job.SourcePath,
		Slot:       slot,
		Time:       time.Now().Format(time.RFC3339),
	})
}

// JobFinished notifies subscribers of a job outcome
func (h *WebSocketHub) JobFinished(runID string, outcome models.JobOutcome) {
	h.broadcast(ServerMessage{
		Type:       "job_finished",
		RunID:      runID,
		TileID:     outcome.TileID,
		SourcePath: outcome.SourcePath,
		Status:     string(outcome.Status),
		Error:      outcome.ErrorDetail,
		Time:       time.Now().Format(time.RFC3339),
	})
}

// RunCompleted notifies subscribers that a run finished. Clients watching only
// that run are closed shortly after.
func (h *WebSocketHub) RunCompleted(report *models.BatchRunReport) {
	h.broadcast(ServerMessage{
		Type:   "run_complete",
		RunID:  report.RunID,
		Report: report,
		Time:   time.Now().Format(time.RFC3339),
	})

	// Close connections after a delay to ensure message delivery
	time.AfterFunc(2*time.Second, func() {
		h.closeRunConnections(report.RunID)
	})
}

// closeRunConnections asks the clients of one run to close
func (h *WebSocketHub) closeRunConnections(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.runSubscribers[runID] {
		select {
		case client.send <- ServerMessage{Type: "close", RunID: runID}:
		default:
		}
		client.subscribedRun = ""
	}

	delete(h.runSubscribers, runID)
}

// cleanupIdleClients periodically checks for idle clients and closes them
func (h *WebSocketHub) cleanupIdleClients() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.checkIdleClients(5 * time.Minute)
		}
	}
}

// checkIdleClients removes clients idle for longer than idleTimeout
func (h *WebSocketHub) checkIdleClients(idleTimeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	for client := range h.clients {
		client.mu.Lock()
		lastActivity := client.lastActivity
		client.mu.Unlock()

		if now.Sub(lastActivity) > idleTimeout {
			h.logger.Debug("closing idle client", "idle", now.Sub(lastActivity))
			delete(h.clients, client)
			h.detach(client)
			close(client.send)
		}
	}
}

// Stop stops the WebSocket hub
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// HandleWebSocket handles WebSocket connections
func (s *Server) HandleWebSocket(c *fiber.Ctx) error {
	return websocket.New(func(conn *websocket.Conn) {
		defer conn.Close()

		client := newClient(conn)
		s.wsHub.register <- client

		go client.writePump(s.wsHub)

		// Read pump (blocking)
		client.readPump(s.wsHub)

		s.wsHub.unregister <- client
	})(c)
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump(hub *WebSocketHub) {
	for {
		var msg ClientMessage
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()

		switch msg.Action {
		case "subscribe":
			runID := msg.RunID
			if runID == "" {
				runID = AllRuns
			}
			hub.subscribeClient(c, runID)
			c.trySend(ServerMessage{
				Type:  "subscribed",
				RunID: runID,
				Time:  time.Now().Format(time.RFC3339),
			})

		case "unsubscribe":
			hub.unsubscribeClient(c)

		case "ping":
			c.trySend(ServerMessage{
				Type: "pong",
				Time: time.Now().Format(time.RFC3339),
			})
		}
	}
}

// trySend queues msg unless the client is gone or saturated
func (c *Client) trySend(msg ServerMessage) {
	defer func() {
		// send is closed once the hub drops the client
		_ = recover()
	}()
	select {
	case c.send <- msg:
	default:
	}
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump(hub *WebSocketHub) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok || msg.Type == "close" {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(msg); err != nil {
				hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
