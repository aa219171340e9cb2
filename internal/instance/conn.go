package instance

import (
	"context"
	"sync"

	"github.com/eapache/channels"

	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/protocol"
	"github.com/roach88/substrate/internal/value"
)

// Conn is the instance side of a peer connection: an id and an unbounded
// outbox the transport drains. The worker never blocks on a slow peer.
type Conn struct {
	id     uint64
	outbox *channels.InfiniteChannel

	mu        sync.Mutex
	closed    bool
	namespace string
	peer      value.Value // advertised tree under inst/con_by_id/<id>/peer
}

func newConn(id uint64) *Conn {
	return &Conn{
		id:     id,
		outbox: channels.NewInfiniteChannel(),
		peer:   value.Null{},
	}
}

// ID returns the connection id.
func (c *Conn) ID() uint64 {
	return c.id
}

// Namespace returns the namespace routed to this connection, if any.
func (c *Conn) Namespace() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.namespace
}

// Send queues m for the peer.
func (c *Conn) Send(m protocol.Message) error {
	return c.send(m)
}

func (c *Conn) send(m protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fault.Newf(fault.KindChannelClosed, "connection %d closed", c.id)
	}
	c.outbox.In() <- m
	return nil
}

// Next returns the next queued message. ok is false once the connection
// is closed and the outbox drained, or when ctx is done.
func (c *Conn) Next(ctx context.Context) (m protocol.Message, ok bool) {
	select {
	case v, open := <-c.outbox.Out():
		if !open {
			return protocol.Message{}, false
		}
		return v.(protocol.Message), true
	case <-ctx.Done():
		return protocol.Message{}, false
	}
}

// Pending returns the number of queued messages.
func (c *Conn) Pending() int {
	return c.outbox.Len()
}

// close stops further sends. Messages already queued stay readable via
// Next until drained.
func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.outbox.Close()
}

func (c *Conn) setNamespace(ns string) {
	c.mu.Lock()
	c.namespace = ns
	c.mu.Unlock()
}

func (c *Conn) peerInfo() value.Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *Conn) setPeerInfo(v value.Value) {
	c.mu.Lock()
	c.peer = v
	c.mu.Unlock()
}

// NewConnection registers a new peer connection and returns it.
func (i *Instance) NewConnection() *Conn {
	conn := newConn(i.clock.Next())

	i.connMu.Lock()
	i.conns[conn.id] = conn
	i.connMu.Unlock()

	connectionsOpened.Inc()
	connectionsActive.Inc()
	i.logger.Debug("connection registered", "conn", conn.id)
	return conn
}

// RemoveConnection unregisters a connection, closes its outbox, drops
// namespace routes pointing at it and prunes its peer subscriptions.
func (i *Instance) RemoveConnection(id uint64) {
	i.connMu.Lock()
	conn, ok := i.conns[id]
	delete(i.conns, id)
	i.connMu.Unlock()

	if !ok {
		return
	}
	conn.close()
	connectionsActive.Dec()

	i.nsMu.Lock()
	for ns, r := range i.namespaces {
		if !r.Local && r.Conn == id {
			delete(i.namespaces, ns)
		}
	}
	i.nsMu.Unlock()

	i.prune(func(r subRecord) bool {
		return r.sub.Kind == SubPeer && r.sub.Conn == id
	})
	i.logger.Debug("connection removed", "conn", id)
}

func (i *Instance) connection(id uint64) (*Conn, bool) {
	i.connMu.RLock()
	defer i.connMu.RUnlock()
	c, ok := i.conns[id]
	return c, ok
}

// Connections returns the registered connection ids.
func (i *Instance) Connections() []uint64 {
	i.connMu.RLock()
	defer i.connMu.RUnlock()

	ids := make([]uint64, 0, len(i.conns))
	for id := range i.conns {
		ids = append(ids, id)
	}
	return ids
}
