package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/photonpay/photond/internal/eventbus"
)

const (
	boundaryWriteTimeout = 10 * time.Second
	boundaryReadTimeout  = 60 * time.Second
	boundaryPingInterval = 54 * time.Second
)

// ErrNoBoundaryClient indicates no presentation client is connected.
var ErrNoBoundaryClient = errors.New("relay: no boundary client connected")

// inboundCommand is the wire form of a presentation-boundary command.
// Payload is a base64-encoded protobuf frame (JSON []byte encoding).
type inboundCommand struct {
	Channel       string `json:"channel"`
	Method        string `json:"method"`
	Payload       []byte `json:"payload,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Boundary is the WebSocket endpoint the presentation layer connects to.
// Outbound notifications fan out to every connected client; inbound
// commands are published on the bus for the relay to dispatch.
type Boundary struct {
	bus      *eventbus.Bus
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*boundaryClient]struct{}
}

// NewBoundary constructs the WebSocket boundary endpoint. originAllowed
// validates the Origin header on upgrade requests; a nil function rejects
// all cross-origin upgrades.
func NewBoundary(bus *eventbus.Bus, originAllowed func(string) bool) *Boundary {
	return &Boundary{
		bus:     bus,
		clients: make(map[*boundaryClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				if originAllowed != nil {
					return originAllowed(origin)
				}
				return false
			},
		},
	}
}

// ServeHTTP upgrades the request and services the client until it
// disconnects.
func (b *Boundary) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Boundary] upgrade failed: %v", err)
		return
	}

	client := &boundaryClient{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, 256),
		boundary: b,
	}

	b.mu.Lock()
	b.clients[client] = struct{}{}
	b.mu.Unlock()
	log.Printf("[Boundary] client %s connected", client.id)

	go client.writePump()
	client.readPump()
}

// ClientCount reports the number of connected presentation clients.
func (b *Boundary) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Send delivers a notification to every connected client. Implements Sink.
func (b *Boundary) Send(n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.clients) == 0 {
		return ErrNoBoundaryClient
	}
	for client := range b.clients {
		select {
		case client.send <- data:
		default:
			// Slow client; lifecycle notifications must not block.
		}
	}
	return nil
}

// Close disconnects all clients.
func (b *Boundary) Close() {
	b.mu.Lock()
	clients := make([]*boundaryClient, 0, len(b.clients))
	for client := range b.clients {
		clients = append(clients, client)
	}
	b.mu.Unlock()

	for _, client := range clients {
		client.conn.Close()
	}
}

func (b *Boundary) drop(client *boundaryClient) {
	b.mu.Lock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client.send)
	}
	b.mu.Unlock()
}

type boundaryClient struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	boundary *Boundary
}

func (c *boundaryClient) readPump() {
	defer func() {
		c.boundary.drop(c)
		c.conn.Close()
		log.Printf("[Boundary] client %s disconnected", c.id)
	}()

	c.conn.SetReadDeadline(time.Now().Add(boundaryReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(boundaryReadTimeout))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[Boundary] read error: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var cmd inboundCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			log.Printf("[Boundary] malformed command from %s: %v", c.id, err)
			continue
		}
		if cmd.Channel == "" || cmd.Method == "" {
			log.Printf("[Boundary] command missing channel or method, dropping")
			continue
		}
		if cmd.CorrelationID == "" {
			cmd.CorrelationID = uuid.NewString()
		}

		c.boundary.bus.Publish(context.Background(), eventbus.Envelope{
			Topic:         eventbus.TopicCommandInbound,
			Source:        eventbus.SourceBoundary,
			CorrelationID: cmd.CorrelationID,
			Payload: eventbus.CommandEvent{
				Channel: cmd.Channel,
				Method:  cmd.Method,
				Payload: cmd.Payload,
			},
		})
	}
}

func (c *boundaryClient) writePump() {
	ticker := time.NewTicker(boundaryPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(boundaryWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(boundaryWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
