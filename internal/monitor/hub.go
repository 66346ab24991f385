// ABOUTME: WebSocket monitor for synchronizer state
// ABOUTME: Tracks the last details and offset of every synchronizer and pushes changes to watchers
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/syntalos/tsync-go/internal/discovery"
	"github.com/syntalos/tsync-go/internal/protocol"
	"github.com/syntalos/tsync-go/internal/version"
	"github.com/syntalos/tsync-go/pkg/timesync"
)

const (
	sendBuffer    = 100
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
	helloTimeout  = 5 * time.Second
)

// ErrBufferFull is returned when a watcher cannot keep up
var ErrBufferFull = errors.New("client send buffer full")

var errClientGone = errors.New("client disconnected")

// Config holds monitor configuration
type Config struct {
	Port       int
	Name       string
	EnableMDNS bool
	Debug      bool
}

// Hub serves synchronizer state to websocket watchers
type Hub struct {
	config   Config
	serverID string
	log      logr.Logger
	upgrader websocket.Upgrader

	statesMu sync.RWMutex
	states   map[string]protocol.SyncState

	clientsMu  sync.RWMutex
	clients    map[string]*client
	isShutdown bool

	wg sync.WaitGroup
}

type client struct {
	id       string
	name     string
	conn     *websocket.Conn
	sendChan chan interface{}
}

// New creates a monitor hub
func New(config Config, log logr.Logger) *Hub {
	if config.Name == "" {
		config.Name = "tsync monitor"
	}
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Hub{
		config:   config,
		serverID: uuid.New().String(),
		log:      log.WithName("monitor"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		states:  make(map[string]protocol.SyncState),
		clients: make(map[string]*client),
	}
}

// Handler returns the HTTP handler serving the websocket endpoint
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(protocol.Path, h.handleWebSocket)
	return mux
}

// Run serves watchers until ctx is cancelled
func (h *Hub) Run(ctx context.Context) error {
	if h.config.EnableMDNS {
		mgr := discovery.NewManager(discovery.Config{
			ServiceName: h.config.Name,
			Port:        h.config.Port,
			Logger:      h.log,
		})
		if err := mgr.Advertise(); err != nil {
			h.log.Error(err, "Failed to start mDNS advertisement")
		} else {
			defer mgr.Stop()
		}
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", h.config.Port),
		Handler: h.Handler(),
	}

	errChan := make(chan error, 1)
	go func() {
		h.log.Info("Monitor listening", "addr", httpServer.Addr, "path", protocol.Path)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		h.log.Info("Monitor shutting down")
	case err := <-errChan:
		serverErr = err
	}

	h.clientsMu.Lock()
	h.isShutdown = true
	h.clientsMu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		h.log.Error(err, "HTTP server shutdown error")
	}
	h.closeClients()
	h.wg.Wait()

	if serverErr != nil {
		return fmt.Errorf("monitor HTTP server failed: %w", serverErr)
	}
	return nil
}

// Consume applies events until the channel is closed or ctx is cancelled
func (h *Hub) Consume(ctx context.Context, events <-chan timesync.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Publish(ev)
		}
	}
}

// Publish records a synchronizer event and forwards the new state to all watchers
func (h *Hub) Publish(ev timesync.Event) protocol.SyncState {
	key := ev.Module + "/" + ev.ID

	h.statesMu.Lock()
	state := h.states[key]
	state.Apply(ev)
	h.states[key] = state
	h.statesMu.Unlock()

	msgType := protocol.TypeSyncOffset
	if ev.Kind == timesync.EventDetailsChanged {
		msgType = protocol.TypeSyncDetails
	}
	if h.config.Debug {
		h.log.V(1).Info("Sync event", "module", ev.Module, "id", ev.ID, "kind", ev.Kind.String(), "offset", ev.Offset)
	}
	h.broadcast(msgType, state)
	return state
}

// Snapshot returns all known synchronizer states ordered by module and id
func (h *Hub) Snapshot() protocol.Snapshot {
	h.statesMu.RLock()
	syncs := make([]protocol.SyncState, 0, len(h.states))
	for _, s := range h.states {
		syncs = append(syncs, s)
	}
	h.statesMu.RUnlock()

	sort.Slice(syncs, func(i, j int) bool {
		return syncs[i].Key() < syncs[j].Key()
	})
	return protocol.Snapshot{Name: h.config.Name, Syncs: syncs}
}

// ClientCount returns the number of connected watchers
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error(err, "WebSocket upgrade failed")
		return
	}

	h.log.V(1).Info("New WebSocket connection", "remote", r.RemoteAddr)
	h.handleConnection(conn)
}

func (h *Hub) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		h.log.V(1).Info("Error reading hello", "error", err.Error())
		return
	}
	conn.SetReadDeadline(time.Time{})

	var hello protocol.ClientHello
	if err := decodeMessage(data, protocol.TypeClientHello, &hello); err != nil {
		h.log.Info("Rejecting watcher", "reason", err.Error())
		return
	}
	if hello.ClientID == "" {
		hello.ClientID = uuid.New().String()
	}

	c := &client{
		id:       hello.ClientID,
		name:     hello.Name,
		conn:     conn,
		sendChan: make(chan interface{}, sendBuffer),
	}

	h.clientsMu.Lock()
	if h.isShutdown {
		h.clientsMu.Unlock()
		h.log.V(1).Info("Rejecting connection during shutdown")
		return
	}
	if _, exists := h.clients[c.id]; exists {
		h.clientsMu.Unlock()
		h.log.Info("Watcher already connected, rejecting duplicate", "id", c.id, "name", c.name)
		conn.WriteJSON(protocol.Message{
			Type: protocol.TypeServerError,
			Payload: protocol.ServerError{
				Error:   "duplicate_client_id",
				Message: "Client ID already connected",
			},
		})
		return
	}
	h.clients[c.id] = c
	// hello and the current state go out before any broadcast
	h.send(c, protocol.TypeServerHello, protocol.ServerHello{
		ServerID: h.serverID,
		Name:     h.config.Name,
		Version:  protocol.Version,
		Software: version.String(),
	})
	h.send(c, protocol.TypeSnapshot, h.Snapshot())
	h.wg.Add(1)
	h.clientsMu.Unlock()

	h.log.Info("Watcher connected", "name", c.name, "id", c.id)

	defer func() {
		h.clientsMu.Lock()
		if h.clients[c.id] == c {
			delete(h.clients, c.id)
			close(c.sendChan)
		}
		h.clientsMu.Unlock()
		h.log.Info("Watcher disconnected", "name", c.name)
	}()

	go func() {
		defer h.wg.Done()
		h.clientWriter(c)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Error(err, "WebSocket read failed", "name", c.name)
			}
			return
		}
		h.handleClientMessage(c, data)
	}
}

func (h *Hub) handleClientMessage(c *client, data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.log.V(1).Info("Error unmarshaling message", "error", err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeClientRequest:
		if err := h.sendTo(c, protocol.TypeSnapshot, h.Snapshot()); err != nil {
			h.log.V(1).Info("Could not queue snapshot", "name", c.name, "error", err.Error())
		}
	default:
		h.log.V(1).Info("Unknown message type", "type", msg.Type)
	}
}

func (h *Hub) clientWriter(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.sendChan:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "monitor stopping"),
					time.Now().Add(time.Second))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteJSON(msg); err != nil {
				h.log.V(1).Info("Error writing message", "name", c.name, "error", err.Error())
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) broadcast(msgType string, payload interface{}) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for _, c := range h.clients {
		if err := h.send(c, msgType, payload); err != nil {
			h.log.V(1).Info("Dropping message for slow watcher", "name", c.name, "type", msgType)
		}
	}
}

// sendTo queues a message for c if it is still registered
func (h *Hub) sendTo(c *client, msgType string, payload interface{}) error {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	if h.clients[c.id] != c {
		return errClientGone
	}
	return h.send(c, msgType, payload)
}

// send queues a message for c. Callers must hold clientsMu with c registered.
func (h *Hub) send(c *client, msgType string, payload interface{}) error {
	msg := protocol.Message{
		Type:    msgType,
		Payload: payload,
	}

	select {
	case c.sendChan <- msg:
		return nil
	default:
		return ErrBufferFull
	}
}

func (h *Hub) closeClients() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	for id, c := range h.clients {
		close(c.sendChan)
		delete(h.clients, id)
	}
}

// decodeMessage unwraps a message of the expected type into payload
func decodeMessage(data []byte, wantType string, payload interface{}) error {
	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	if msg.Type != wantType {
		return fmt.Errorf("expected %s, got %s", wantType, msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, payload); err != nil {
		return fmt.Errorf("invalid %s payload: %w", wantType, err)
	}
	return nil
}
