// services/session/pump.go
package session

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"benchlab-go/bus"
	"benchlab-go/types"
)

// pump drains one bus subscription onto a subscriber callback. Closing it
// unsubscribes, which closes the channel and ends the goroutine.
type pump struct {
	conn *bus.Connection
	sub  *bus.Subscription
	once sync.Once
}

func newPump(conn *bus.Connection, topic bus.Topic, cb Callback, ent *log.Entry) *pump {
	p := &pump{conn: conn, sub: conn.Subscribe(topic)}
	go p.run(cb, ent)
	return p
}

func (p *pump) close() {
	p.once.Do(func() { p.conn.Unsubscribe(p.sub) })
}

func (p *pump) run(cb Callback, ent *log.Entry) {
	for msg := range p.sub.Channel() {
		b, ok := msg.Payload.(types.Broadcast)
		if !ok {
			continue // retained announce and other non-broadcast payloads
		}
		deliver(cb, b, ent)
	}
}

// deliver isolates one callback invocation: a panicking subscriber loses
// that message, not the rest of its stream.
func deliver(cb Callback, b types.Broadcast, ent *log.Entry) {
	defer func() {
		if r := recover(); r != nil {
			ent.WithField("panic", r).Error("subscriber callback panicked")
		}
	}()
	cb(b)
}
