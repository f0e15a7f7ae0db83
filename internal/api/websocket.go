package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iotdatahub/core/internal/device"
	"github.com/iotdatahub/core/internal/infrastructure/config"
	"github.com/iotdatahub/core/internal/infrastructure/logging"
)

// Client-originated message types.
const (
	WSTypeSubscribe       = "SUBSCRIBE_DEVICE"
	WSTypeUnsubscribe     = "UNSUBSCRIBE_DEVICE"
	WSTypePing            = "PING"
	WSTypeInitializeCache = "INITIALIZE_CACHE"
	WSTypeRefreshDevice   = "REFRESH_DEVICE"
)

// Server-originated message types.
const (
	WSTypeConnectionEstablished = "CONNECTION_ESTABLISHED"
	WSTypeSubscriptionConfirmed = "SUBSCRIPTION_CONFIRMED"
	WSTypePong                  = "PONG"
	WSTypeHardwareData          = "HARDWARE_DATA"
	WSTypeDeviceStatus          = "DEVICE_STATUS"
	WSTypeWidgetStateSync       = "WIDGET_STATE_SYNC"
	WSTypeCacheInitialized      = "CACHE_INITIALIZED"
	WSTypeDeviceRefresh         = "DEVICE_REFRESH"
	WSTypeError                 = "ERROR"
)

// wsSendBufferSize is the per-client outbound message buffer size.
const wsSendBufferSize = 256

// WSMessage represents a message sent to/from a WebSocket client.
type WSMessage struct {
	Type           string `json:"type"`
	DeviceID       string `json:"deviceId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
	Data           any    `json:"data,omitempty"`
}

// Hub manages observer WebSocket connections and fans device events out to
// clients subscribed to the matching device id.
//
// Delivery is best-effort and at-most-once: a slow or closed client drops
// the message; there is no replay for missed events.
type Hub struct {
	cfg     config.WebSocketConfig
	cache   *device.Cache
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient represents a connected observer client.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{} // device ids
	mu            sync.RWMutex
	// Identity fields echoed from subscribe messages, for logging only.
	userID         string
	organizationID string
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, cache *device.Cache, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		cache:   cache,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run starts the hub's main loop. It blocks until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// PublishHardwareData fans a pin update out to the device's subscribers.
// Implements the gateway's broadcast surface.
func (h *Hub) PublishHardwareData(deviceID string, pin int, value, command string) {
	h.publish(deviceID, WSMessage{
		Type:     WSTypeHardwareData,
		DeviceID: deviceID,
		Data: map[string]any{
			"pin":     pin,
			"value":   value,
			"command": command,
		},
	})
}

// PublishDeviceStatus fans a status transition out to the device's subscribers.
func (h *Hub) PublishDeviceStatus(deviceID string, status device.Status) {
	h.publish(deviceID, WSMessage{
		Type:     WSTypeDeviceStatus,
		DeviceID: deviceID,
		Data: map[string]any{
			"status": string(status),
		},
	})
}

// publish delivers a message to every client subscribed to the device id.
// Lock ordering: hub lock is acquired first, then released before per-client
// subscription checks. This avoids holding both hub and client locks simultaneously.
func (h *Hub) publish(deviceID string, msg WSMessage) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	// Snapshot client list under hub lock, then release before sending
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	sentCount := 0
	for _, client := range clients {
		if client.isSubscribed(deviceID) {
			client.trySend(data)
			sentCount++
		}
	}
	if sentCount > 0 {
		h.logger.Debug("broadcast sent",
			"type", msg.Type, "device_id", deviceID, "recipients", sentCount)
	}
}

// broadcastAll delivers a message to every connected client regardless of
// subscriptions.
func (h *Hub) broadcastAll(msg WSMessage) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.trySend(data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close() //nolint:errcheck // shutdown
		}
		delete(h.clients, client)
	}
}

// handleWebSocket upgrades the HTTP connection to a WebSocket connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	hub := s.Hub()
	client := &WSClient{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}

	hub.Register(client)

	// Start read/write pumps
	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)

	client.sendMessage(WSMessage{Type: WSTypeConnectionEstablished})
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close() //nolint:errcheck // teardown
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client message resets the read deadline (keeps connection alive
		// even if browser doesn't respond to protocol-level pings).
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck // teardown
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypePing:
		c.sendMessage(WSMessage{Type: WSTypePong})
	case WSTypeInitializeCache:
		c.handleInitializeCache()
	case WSTypeRefreshDevice:
		c.handleRefreshDevice(msg)
	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

// handleSubscribe adds the device id to the client's subscription set,
// confirms, and syncs the device's current widget state so the new
// subscriber starts from a known baseline.
func (c *WSClient) handleSubscribe(msg WSMessage) {
	if msg.DeviceID == "" {
		c.sendError("deviceId is required")
		return
	}

	c.mu.Lock()
	c.subscriptions[msg.DeviceID] = struct{}{}
	c.userID = msg.UserID
	c.organizationID = msg.OrganizationID
	c.mu.Unlock()

	c.hub.logger.Info("websocket client subscribed",
		"device_id", msg.DeviceID, "user_id", msg.UserID)

	c.sendMessage(WSMessage{
		Type:     WSTypeSubscriptionConfirmed,
		DeviceID: msg.DeviceID,
	})

	if d, ok := c.hub.cache.GetDevice(msg.DeviceID); ok {
		c.sendMessage(WSMessage{
			Type:     WSTypeWidgetStateSync,
			DeviceID: msg.DeviceID,
			Data:     map[string]any{"widgets": d.Widgets},
		})
	}
}

// handleUnsubscribe removes the device id from the client's subscription set.
func (c *WSClient) handleUnsubscribe(msg WSMessage) {
	if msg.DeviceID == "" {
		c.sendError("deviceId is required")
		return
	}

	c.mu.Lock()
	delete(c.subscriptions, msg.DeviceID)
	c.mu.Unlock()

	c.sendMessage(WSMessage{
		Type:     WSTypeSubscriptionConfirmed,
		DeviceID: msg.DeviceID,
		Data:     map[string]any{"subscribed": false},
	})
}

// handleInitializeCache acknowledges a cache warm-up request to every
// connected client.
func (c *WSClient) handleInitializeCache() {
	c.hub.broadcastAll(WSMessage{
		Type: WSTypeCacheInitialized,
		Data: map[string]any{"devices": c.hub.cache.DeviceCount()},
	})
}

// handleRefreshDevice answers a single client with a fresh device snapshot.
func (c *WSClient) handleRefreshDevice(msg WSMessage) {
	if msg.DeviceID == "" {
		c.sendError("deviceId is required")
		return
	}

	d, ok := c.hub.cache.GetDevice(msg.DeviceID)
	if !ok {
		c.sendError("device not found: " + msg.DeviceID)
		return
	}

	c.sendMessage(WSMessage{
		Type:     WSTypeDeviceRefresh,
		DeviceID: msg.DeviceID,
		Data:     d,
	})
}

// trySend attempts to send data to the client's send channel.
// It silently handles closed channels (client disconnected during broadcast)
// and full buffers (slow client).
//
// Removal of a dead subscriber is not done here: the write pump notices the
// broken transport and unregisters the client, which closes the send channel.
// Until that happens a full buffer only drops messages.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}

// isSubscribed checks if the client is subscribed to a device id.
func (c *WSClient) isSubscribed(deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[deviceID]
	return ok
}

// sendMessage stamps and sends a message to this client.
// Routes through trySend to safely handle closed channels during shutdown.
func (c *WSClient) sendMessage(msg WSMessage) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(message string) {
	c.sendMessage(WSMessage{
		Type: WSTypeError,
		Data: map[string]string{"message": message},
	})
}
