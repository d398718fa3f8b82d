// bus.go
package bus

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
)

// -----------------------------------------------------------------------------
// Tokens + Topics
// -----------------------------------------------------------------------------

// Token is a single element in a topic path. Any comparable value works;
// strings and ints are the usual choices. The wildcard tokens "+" (one
// level) and "#" (rest of the topic) are only meaningful in subscriptions.
type Token = any

const (
	TokenPlus = "+"
	TokenHash = "#"
)

// Topic is a sequence of tokens.
type Topic []Token

// T builds a Topic, panicking on tokens that cannot be used as map keys.
func T(tokens ...Token) Topic {
	for _, tok := range tokens {
		if tok == nil || !reflect.TypeOf(tok).Comparable() {
			panic("bus: topic token must be a non-nil comparable value")
		}
	}
	return Topic(tokens)
}

// Append returns a new Topic with extra tokens added.
func (t Topic) Append(tokens ...Token) Topic {
	out := make(Topic, 0, len(t)+len(tokens))
	out = append(out, t...)
	return append(out, tokens...)
}

// -----------------------------------------------------------------------------
// Message
// -----------------------------------------------------------------------------

type Message struct {
	Topic    Topic
	Payload  any
	Retained bool
	ReplyTo  Topic
}

// NewMessage builds a message for this bus.
func (b *Bus) NewMessage(topic Topic, payload any, retained bool) *Message {
	return &Message{Topic: topic, Payload: payload, Retained: retained}
}

// -----------------------------------------------------------------------------
// Subscription
// -----------------------------------------------------------------------------

type Subscription struct {
	topic Topic
	ch    chan *Message
	bus   *Bus
	conn  *Connection // owning connection
}

func (s *Subscription) Topic() Topic             { return s.topic }
func (s *Subscription) Channel() <-chan *Message { return s.ch }
func (s *Subscription) Unsubscribe()             { s.conn.Unsubscribe(s) }

// -----------------------------------------------------------------------------
// Trie node
// -----------------------------------------------------------------------------

type node struct {
	children map[Token]*node
	subs     []*Subscription
	retained *Message
}

// -----------------------------------------------------------------------------
// Bus
// -----------------------------------------------------------------------------

type Bus struct {
	mu   sync.RWMutex
	root *node
	qLen int
}

// NewBus creates a new bus with the given subscription queue length.
func NewBus(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = 8 // safe default
	}
	return &Bus{
		root: &node{},
		qLen: queueLen,
	}
}

// addSubscription inserts a subscription into the trie and delivers any
// retained messages matching its (possibly wildcarded) topic.
func (b *Bus) addSubscription(topic Topic, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	for _, tok := range topic {
		if n.children == nil {
			n.children = make(map[Token]*node)
		}
		child, ok := n.children[tok]
		if !ok {
			child = &node{}
			n.children[tok] = child
		}
		n = child
	}
	n.subs = append(n.subs, sub)

	var retained []*Message
	collectRetained(b.root, topic, &retained)
	for _, msg := range retained {
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

// collectRetained gathers retained messages under n matching pattern.
// Retained messages only live on concrete paths, so wildcard-keyed
// children are barren and harmless to walk.
func collectRetained(n *node, pattern Topic, out *[]*Message) {
	if len(pattern) == 0 {
		if n.retained != nil {
			*out = append(*out, n.retained)
		}
		return
	}
	switch pattern[0] {
	case TokenHash:
		collectSubtree(n, out)
	case TokenPlus:
		for _, child := range n.children {
			collectRetained(child, pattern[1:], out)
		}
	default:
		if child, ok := n.children[pattern[0]]; ok {
			collectRetained(child, pattern[1:], out)
		}
	}
}

func collectSubtree(n *node, out *[]*Message) {
	if n.retained != nil {
		*out = append(*out, n.retained)
	}
	for _, child := range n.children {
		collectSubtree(child, out)
	}
}

// Publish delivers a message to every subscription whose topic matches,
// honouring "+" and "#" in subscription topics. The published topic itself
// must be concrete.
func (b *Bus) Publish(msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.match(b.root, msg.Topic, msg)

	if msg.Retained {
		n := b.root
		for _, tok := range msg.Topic {
			if n.children == nil {
				n.children = make(map[Token]*node)
			}
			child, ok := n.children[tok]
			if !ok {
				child = &node{}
				n.children[tok] = child
			}
			n = child
		}
		if msg.Payload == nil {
			n.retained = nil
		} else {
			n.retained = msg
		}
	}
}

// match walks the trie delivering msg to matching subscription nodes.
func (b *Bus) match(n *node, toks Topic, msg *Message) {
	if len(toks) == 0 {
		b.deliver(n, msg)
		// "a/#" also matches "a".
		if h, ok := n.children[TokenHash]; ok {
			b.deliver(h, msg)
		}
		return
	}
	if n.children == nil {
		return
	}
	if h, ok := n.children[TokenHash]; ok {
		b.deliver(h, msg)
	}
	if p, ok := n.children[TokenPlus]; ok {
		b.match(p, toks[1:], msg)
	}
	if c, ok := n.children[toks[0]]; ok {
		b.match(c, toks[1:], msg)
	}
}

// deliver enqueues msg for every subscription at n, dropping the oldest
// queued message when a subscriber's queue is full. Publishers never block.
func (b *Bus) deliver(n *node, msg *Message) {
	for _, sub := range n.subs {
		select {
		case sub.ch <- msg:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- msg:
			default:
			}
		}
	}
}

// unsubscribe removes a subscription from the trie.
func (b *Bus) unsubscribe(topic Topic, sub *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	var stack []*node
	for _, t := range topic {
		if n.children == nil {
			return false
		}
		child, ok := n.children[t]
		if !ok {
			return false
		}
		stack = append(stack, n)
		n = child
	}

	found := false
	for i, s := range n.subs {
		if s == sub {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			found = true
			break
		}
	}

	// Prune empty nodes.
	for i := len(topic) - 1; i >= 0; i-- {
		parent := stack[i]
		key := topic[i]
		child := parent.children[key]
		if len(child.subs) == 0 && len(child.children) == 0 && child.retained == nil {
			delete(parent.children, key)
		} else {
			break
		}
	}
	return found
}

// -----------------------------------------------------------------------------
// Connection
// -----------------------------------------------------------------------------

type Connection struct {
	bus    *Bus
	subs   []*Subscription
	mu     sync.Mutex
	id     string
	nextRq uint64 // reply-topic sequence
}

// NewConnection creates a new connection bound to this bus.
func (b *Bus) NewConnection(id string) *Connection {
	return &Connection{
		bus: b,
		id:  id,
	}
}

func (c *Connection) ID() string { return c.id }

// NewMessage builds a message for this connection's bus.
func (c *Connection) NewMessage(topic Topic, payload any, retained bool) *Message {
	return c.bus.NewMessage(topic, payload, retained)
}

// Publish sends a message via the bus.
func (c *Connection) Publish(msg *Message) {
	c.bus.Publish(msg)
}

// Subscribe registers a subscription owned by this connection.
func (c *Connection) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{
		topic: topic,
		ch:    make(chan *Message, c.bus.qLen),
		bus:   c.bus,
		conn:  c,
	}
	c.bus.addSubscription(topic, sub)
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription owned by this connection. Safe to call
// more than once; the channel is closed on the first call.
func (c *Connection) Unsubscribe(sub *Subscription) {
	removed := c.bus.unsubscribe(sub.topic, sub)
	c.mu.Lock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	if removed {
		close(sub.ch)
	}
}

// Disconnect closes all subscriptions and clears them.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if c.bus.unsubscribe(sub.topic, sub) {
			close(sub.ch)
		}
	}
}

// -----------------------------------------------------------------------------
// Request–Reply
// -----------------------------------------------------------------------------

var ErrNoReplyTo = errors.New("bus: message has no ReplyTo topic")

// Request assigns the message a fresh ReplyTo topic, subscribes to it, and
// publishes the request. The caller owns the returned subscription.
func (c *Connection) Request(msg *Message) *Subscription {
	seq := atomic.AddUint64(&c.nextRq, 1)
	msg.ReplyTo = Topic{"$reply", c.id, int(seq)}
	sub := c.Subscribe(msg.ReplyTo)
	c.bus.Publish(msg)
	return sub
}

// RequestWait publishes the request and waits for a single reply or ctx.
func (c *Connection) RequestWait(ctx context.Context, msg *Message) (*Message, error) {
	sub := c.Request(msg)
	defer c.Unsubscribe(sub)
	select {
	case reply, ok := <-sub.ch:
		if !ok {
			return nil, errors.New("bus: reply subscription closed")
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply publishes a response on the request's ReplyTo topic.
func (c *Connection) Reply(req *Message, payload any, retained bool) error {
	if len(req.ReplyTo) == 0 {
		return ErrNoReplyTo
	}
	c.bus.Publish(&Message{Topic: req.ReplyTo, Payload: payload, Retained: retained})
	return nil
}
