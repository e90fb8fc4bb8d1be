package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/videoswarm/upswarm/config"
	"github.com/videoswarm/upswarm/log"
)

// Conn is one worker's full-duplex connection. The coordinator owns
// exactly one per connected worker, identified once client_hello arrives.
type Conn struct {
	hub      *Hub
	ws       *websocket.Conn
	workerID string
	send     chan []byte
}

// Hub tracks every connected worker and routes inbound envelopes to a
// single dispatch channel, mirroring the register/unregister/broadcast
// pattern of a worker-pool WebSocket server.
type Hub struct {
	conns      map[string]*Conn
	register   chan *Conn
	unregister chan *Conn
	inbound    chan InboundMessage
	done       chan struct{}
}

type InboundMessage struct {
	WorkerID string
	Envelope Envelope
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func NewHub() *Hub {
	return &Hub{
		conns:      make(map[string]*Conn),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		inbound:    make(chan InboundMessage, 256),
		done:       make(chan struct{}),
	}
}

// Inbound returns the channel every validated envelope from any worker is
// delivered on, tagged with the sender's worker id.
func (h *Hub) Inbound() <-chan InboundMessage {
	return h.inbound
}

// Run owns the hub's connection table; call it in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			for _, c := range h.conns {
				close(c.send)
			}
			return
		case c := <-h.register:
			h.conns[c.workerID] = c
			log.Log(c.workerID, "worker connected", "total_connections", len(h.conns))
		case c := <-h.unregister:
			if existing, ok := h.conns[c.workerID]; ok && existing == c {
				delete(h.conns, c.workerID)
				close(c.send)
				log.Log(c.workerID, "worker disconnected", "total_connections", len(h.conns))
			}
		}
	}
}

// Close stops Run and drops every connection.
func (h *Hub) Close() {
	close(h.done)
}

// Send enqueues an envelope for workerID, dropping it if the worker isn't
// connected or its send buffer is full.
func (h *Hub) Send(workerID string, msgType MessageType, payload interface{}) error {
	c, ok := h.conns[workerID]
	if !ok {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := Envelope{Type: msgType, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
	default:
	}
	return nil
}

// ServeWorkerConn upgrades an incoming HTTP request to a WebSocket and
// starts its read/write pumps. The connection is registered under its
// worker id only after a valid client_hello frame arrives.
func (h *Hub) ServeWorkerConn(w http.ResponseWriter, r *http.Request) error {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	wsConn.SetReadLimit(config.MaxTransportFrameBytes)

	c := &Conn{hub: h, ws: wsConn, send: make(chan []byte, 32)}
	go c.writePump()
	c.readPump(h)
	return nil
}

func (c *Conn) readPump(h *Hub) {
	defer func() {
		if c.workerID != "" {
			h.unregister <- c
		} else {
			c.ws.Close()
		}
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		env, err := ValidateEnvelope(raw)
		if err != nil {
			log.LogError(c.workerID, "rejecting malformed frame", err)
			continue
		}

		if c.workerID == "" {
			if env.Type != TypeClientHello {
				continue
			}
			var hello ClientHello
			if err := json.Unmarshal(env.Payload, &hello); err != nil {
				continue
			}
			c.workerID = hello.WorkerID
			h.register <- c
		}

		select {
		case h.inbound <- InboundMessage{WorkerID: c.workerID, Envelope: env}:
		default:
			log.LogNoRequestID("inbound queue full, dropping frame", "worker_id", c.workerID)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(config.DefaultHeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
