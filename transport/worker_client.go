package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/videoswarm/upswarm/config"
)

// WorkerClient is a worker process's side of the session: one connection to
// the coordinator, dialed once at startup and held for the process
// lifetime (reconnect logic is the caller's concern).
type WorkerClient struct {
	ws      *websocket.Conn
	inbound chan Envelope
	done    chan struct{}
}

// Dial connects to the coordinator's WebSocket endpoint.
func Dial(url string) (*WorkerClient, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("transport: dialing coordinator: %w", err)
	}
	ws.SetReadLimit(config.MaxTransportFrameBytes)

	c := &WorkerClient{ws: ws, inbound: make(chan Envelope, 32), done: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

func (c *WorkerClient) readLoop() {
	defer close(c.inbound)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := ValidateEnvelope(raw)
		if err != nil {
			continue
		}
		select {
		case c.inbound <- env:
		case <-c.done:
			return
		}
	}
}

// Inbound returns the channel of validated envelopes from the coordinator.
func (c *WorkerClient) Inbound() <-chan Envelope {
	return c.inbound
}

// Send marshals payload as msgType's payload and writes it as a single
// text frame.
func (c *WorkerClient) Send(workerID string, msgType MessageType, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := Envelope{Type: msgType, WorkerID: workerID, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close terminates the connection.
func (c *WorkerClient) Close() error {
	close(c.done)
	return c.ws.Close()
}
