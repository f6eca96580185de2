package topicsync

import (
	"sync/atomic"

	"github.com/Grapycal/topicsync/change"
	"github.com/Grapycal/topicsync/protocol"
	"github.com/Grapycal/topicsync/utils"
	"github.com/puzpuzpuz/xsync/v3"
)

// Client is one connected session: an id, an outgoing queue and the set
// of topics it subscribes to. The subscription set is touched only by
// the server loop; the queue is the handoff to the connection's write
// goroutine.
type Client struct {
	id    uint64
	out   *utils.FDQueue
	subs  map[string]struct{}
	nsubs atomic.Int64 // mirrors len(subs) for off-loop readers
}

func (c *Client) ID() uint64 { return c.id }

// Queue is the feed side handed to the connection writer.
func (c *Client) Queue() *utils.FDQueue { return c.out }

// ClientManager tracks connected clients and fans updates out to
// subscribers. Connects and disconnects arrive from network goroutines;
// everything else runs on the server loop.
type ClientManager struct {
	clients    *xsync.MapOf[uint64, *Client]
	nextID     atomic.Uint64
	subCount   atomic.Int64
	queueLimit int
	log        utils.Logger
}

func NewClientManager(queueLimit int, log utils.Logger) *ClientManager {
	return &ClientManager{
		clients:    xsync.NewMapOf[uint64, *Client](),
		queueLimit: queueLimit,
		log:        log,
	}
}

// Connect registers a new client and greets it with its id.
func (m *ClientManager) Connect() *Client {
	c := &Client{
		id:   m.nextID.Add(1),
		out:  utils.NewFDQueue(m.queueLimit),
		subs: make(map[string]struct{}),
	}
	m.clients.Store(c.id, c)
	m.log.Info("client connected", "client", c.id)
	m.Send(c, "hello", map[string]any{"id": c.id})
	return c
}

func (m *ClientManager) Disconnect(id uint64) {
	if c, ok := m.clients.LoadAndDelete(id); ok {
		m.subCount.Add(-c.nsubs.Swap(0))
		c.out.Close()
		m.log.Info("client disconnected", "client", id)
	}
}

func (m *ClientManager) Client(id uint64) (*Client, bool) {
	return m.clients.Load(id)
}

func (m *ClientManager) Count() int {
	return m.clients.Size()
}

// SubscriptionCount is safe to read off the server loop, e.g. from a
// metrics scrape.
func (m *ClientManager) SubscriptionCount() int {
	return int(m.subCount.Load())
}

// Subscribe adds the topic to the client's set. The caller follows up
// with a snapshot update so the client starts from the current value.
func (m *ClientManager) Subscribe(c *Client, topic string) {
	if _, live := m.clients.Load(c.id); !live {
		return
	}
	if _, dup := c.subs[topic]; dup {
		return
	}
	c.subs[topic] = struct{}{}
	c.nsubs.Add(1)
	m.subCount.Add(1)
}

func (m *ClientManager) Unsubscribe(c *Client, topic string) {
	if _, ok := c.subs[topic]; !ok {
		return
	}
	delete(c.subs, topic)
	c.nsubs.Add(-1)
	m.subCount.Add(-1)
}

// Send frames one message onto the client's queue. A full or closed
// queue drops the client: a receiver that cannot keep up must not
// stall the rest.
func (m *ClientManager) Send(c *Client, typ string, args map[string]any) {
	rec, err := protocol.MakeMessage(typ, args)
	if err != nil {
		m.log.Error("couldn't frame message", "client", c.id, "type", typ, "err", err)
		return
	}
	if err := c.out.TryDrain(protocol.Records{rec}); err != nil {
		m.log.Warn("dropping unreachable client", "client", c.id, "err", err)
		m.Disconnect(c.id)
	}
}

// SendUpdate broadcasts committed changes to every client subscribed to
// any of the touched topics, each client receiving only the changes of
// its subscriptions.
func (m *ClientManager) SendUpdate(changes []change.Change, actionID string) {
	if len(changes) == 0 {
		return
	}
	serialized := make([]map[string]any, len(changes))
	for i, ch := range changes {
		serialized[i] = ch.Serialize()
	}
	m.clients.Range(func(_ uint64, c *Client) bool {
		var mine []map[string]any
		for i, ch := range changes {
			if _, subscribed := c.subs[ch.TopicName()]; subscribed {
				mine = append(mine, serialized[i])
			}
		}
		if len(mine) > 0 {
			m.Send(c, "update", map[string]any{"changes": mine, "action_id": actionID})
		}
		return true
	})
}

// CloseAll drops every client, e.g. at server shutdown.
func (m *ClientManager) CloseAll() {
	m.clients.Range(func(id uint64, c *Client) bool {
		m.Disconnect(id)
		return true
	})
}
