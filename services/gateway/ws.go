// services/gateway/ws.go
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"benchlab-go/bus"
	"benchlab-go/services/session"
	"benchlab-go/services/topics"
	"benchlab-go/types"
)

const (
	sendQueueLen = 64
	writeTimeout = 10 * time.Second
)

// wsCommand is the only thing clients send: per-device subscription
// management. Everything else flows server to client.
type wsCommand struct {
	Action   string `json:"action"`
	DeviceID string `json:"deviceId"`
}

// client is one WebSocket connection. Pushes that would block are
// dropped so a stalled reader never backs up the broadcasters.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func (c *client) push(b []byte) bool {
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// writeLoop is the sole writer on the connection. The send channel is
// never closed; the hub closes done instead, so late pushes from
// session pumps land in the buffer and get garbage collected.
func (c *client) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

// hub tracks connected WebSocket clients. Device traffic reaches each
// client through per-device session subscriptions keyed by the client
// id; sequence and trigger lifecycle traffic is fanned out to every
// client by run.
type hub struct {
	log      *log.Entry
	sessions *session.Manager
	metrics  *metrics
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
}

func newHub(sessions *session.Manager, m *metrics, ent *log.Entry) *hub {
	return &hub{
		log:      ent,
		sessions: sessions,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("ws upgrade failed")
		return
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendQueueLen),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.wsClients.Set(float64(n))

	ent := h.log.WithField("client", c.id)
	ent.WithField("clients", n).Info("ws client connected")
	go c.writeLoop()
	defer h.drop(c, ent)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			ent.WithError(err).Debug("unparseable ws command")
			continue
		}
		h.dispatch(c, cmd, ent)
	}
}

func (h *hub) dispatch(c *client, cmd wsCommand, ent *log.Entry) {
	switch cmd.Action {
	case "subscribe":
		err := h.sessions.Subscribe(cmd.DeviceID, c.id, func(msg types.Broadcast) {
			h.deliver(c, msg)
		})
		if err != nil {
			code, msg := errParts(err)
			h.deliver(c, types.NewErrorMsg(cmd.DeviceID, string(code), msg))
			return
		}
		ent.WithField("device", cmd.DeviceID).Debug("ws subscribe")
	case "unsubscribe":
		h.sessions.Unsubscribe(cmd.DeviceID, c.id)
		ent.WithField("device", cmd.DeviceID).Debug("ws unsubscribe")
	default:
		ent.WithField("action", cmd.Action).Debug("unknown ws action")
	}
}

func (h *hub) deliver(c *client, msg types.Broadcast) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if !c.push(b) {
		h.metrics.wsDrops.Inc()
	}
}

func (h *hub) drop(c *client, ent *log.Entry) {
	h.sessions.UnsubscribeAll(c.id)
	h.mu.Lock()
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()
	close(c.done)
	h.metrics.wsClients.Set(float64(n))
	ent.WithField("clients", n).Info("ws client disconnected")
}

// run fans sequence and trigger lifecycle broadcasts out to every
// connected client until ctx ends. Device measurement traffic is not
// routed here; clients opt into that per device. A device subscription
// also carries that device's sequence frames, so a subscribed client
// sees those twice; frames are full state snapshots keyed by runId.
func (h *hub) run(ctx context.Context, b *bus.Bus) error {
	conn := b.NewConnection("gateway-ws")
	defer conn.Disconnect()
	seq := conn.Subscribe(topics.AllSequences())
	trig := conn.Subscribe(topics.AllTriggers())
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-seq.Channel():
			h.broadcast(m.Payload)
		case m := <-trig.Channel():
			h.broadcast(m.Payload)
		}
	}
}

func (h *hub) broadcast(payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		if !c.push(b) {
			h.metrics.wsDrops.Inc()
		}
	}
}
