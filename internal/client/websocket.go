// ABOUTME: WebSocket client for the sync monitor
// ABOUTME: Handles connection, handshake, and routing of snapshots and state updates
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/syntalos/tsync-go/internal/protocol"
)

// ErrNotConnected is returned when sending on a closed client
var ErrNotConnected = errors.New("not connected")

// Config holds client configuration
type Config struct {
	ServerAddr string
	// Path defaults to the monitor endpoint
	Path     string
	ClientID string
	Name     string
	Logger   logr.Logger
}

// Update is a single synchronizer state change
type Update struct {
	Type  string
	State protocol.SyncState
}

// Client watches a sync monitor
type Client struct {
	config Config
	log    logr.Logger
	conn   *websocket.Conn
	mu     sync.RWMutex

	// Message channels
	Snapshots chan protocol.Snapshot
	Updates   chan Update

	server protocol.ServerHello

	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewClient creates a new monitor client
func NewClient(config Config) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	if config.Path == "" {
		config.Path = protocol.Path
	}
	if config.ClientID == "" {
		config.ClientID = uuid.New().String()
	}
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &Client{
		config:    config,
		log:       log.WithName("client"),
		Snapshots: make(chan protocol.Snapshot, 4),
		Updates:   make(chan Update, 100),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and performs the handshake
func (c *Client) Connect() error {
	u := url.URL{Scheme: "ws", Host: c.config.ServerAddr, Path: c.config.Path}
	c.log.Info("Connecting", "url", u.String())

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if err := c.handshake(); err != nil {
		c.Close()
		close(c.done)
		return fmt.Errorf("handshake failed: %w", err)
	}

	go c.readMessages()

	return nil
}

func (c *Client) handshake() error {
	hello := protocol.ClientHello{
		ClientID: c.config.ClientID,
		Name:     c.config.Name,
		Version:  protocol.Version,
	}

	if err := c.sendJSON(protocol.Message{Type: protocol.TypeClientHello, Payload: hello}); err != nil {
		return fmt.Errorf("failed to send client/hello: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read server/hello: %w", err)
	}
	c.conn.SetReadDeadline(time.Time{})

	msgType, payload, err := splitMessage(data)
	if err != nil {
		return fmt.Errorf("failed to parse server/hello: %w", err)
	}

	switch msgType {
	case protocol.TypeServerHello:
	case protocol.TypeServerError:
		var serverErr protocol.ServerError
		json.Unmarshal(payload, &serverErr)
		return fmt.Errorf("server refused connection: %s", serverErr.Message)
	default:
		return fmt.Errorf("expected server/hello, got %s", msgType)
	}

	var server protocol.ServerHello
	if err := json.Unmarshal(payload, &server); err != nil {
		return fmt.Errorf("failed to parse server/hello: %w", err)
	}
	if server.Version != protocol.Version {
		return fmt.Errorf("unsupported protocol version %d", server.Version)
	}

	c.mu.Lock()
	c.server = server
	c.mu.Unlock()

	c.log.Info("Handshake complete", "server", server.Name, "software", server.Software)
	return nil
}

// Server returns the hello the monitor answered with
func (c *Client) Server() protocol.ServerHello {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

func (c *Client) sendJSON(msg protocol.Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected {
		return ErrNotConnected
	}

	return c.conn.WriteJSON(msg)
}

func (c *Client) readMessages() {
	defer close(c.done)
	defer c.Close()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error(err, "Read failed")
			}
			return
		}

		if messageType == websocket.TextMessage {
			c.handleJSONMessage(data)
		}
	}
}

func (c *Client) handleJSONMessage(data []byte) {
	msgType, payload, err := splitMessage(data)
	if err != nil {
		c.log.V(1).Info("Failed to parse JSON message", "error", err.Error())
		return
	}

	switch msgType {
	case protocol.TypeSnapshot:
		var snap protocol.Snapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			c.log.V(1).Info("Invalid snapshot", "error", err.Error())
			return
		}
		select {
		case c.Snapshots <- snap:
		case <-c.ctx.Done():
		}

	case protocol.TypeSyncDetails, protocol.TypeSyncOffset:
		var state protocol.SyncState
		if err := json.Unmarshal(payload, &state); err != nil {
			c.log.V(1).Info("Invalid sync state", "error", err.Error())
			return
		}
		select {
		case c.Updates <- Update{Type: msgType, State: state}:
		case <-c.ctx.Done():
		}

	default:
		c.log.V(1).Info("Unknown message type", "type", msgType)
	}
}

// RequestSnapshot asks the monitor to resend all known states
func (c *Client) RequestSnapshot() error {
	return c.sendJSON(protocol.Message{Type: protocol.TypeClientRequest, Payload: struct{}{}})
}

// Done is closed once the connection has ended
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		c.connected = false
		c.cancel()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
		c.log.V(1).Info("Connection closed")
	}
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func splitMessage(data []byte) (string, json.RawMessage, error) {
	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", nil, err
	}
	return msg.Type, msg.Payload, nil
}
