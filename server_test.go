package topicsync

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Grapycal/topicsync/change"
	"github.com/Grapycal/topicsync/protocol"
)

type testConn struct {
	t   *testing.T
	ctx context.Context
	ep  protocol.FeedDrainCloser
}

func startServer(t *testing.T) (*Server, *testConn, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(ServerOptions{NewID: seqGen()})
	go func() { _ = srv.Run(ctx) }()

	conn := &testConn{t: t, ctx: ctx, ep: srv.install("test")}
	return srv, conn, cancel
}

func (c *testConn) send(typ string, args map[string]any) {
	c.t.Helper()
	rec, err := protocol.MakeMessage(typ, args)
	assert.NoError(c.t, err)
	assert.NoError(c.t, c.ep.Drain(c.ctx, protocol.Records{rec}))
}

func (c *testConn) recv() *protocol.Message {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(c.ctx, 2*time.Second)
	defer cancel()
	recs, err := c.ep.Feed(ctx)
	assert.NoError(c.t, err)
	assert.Len(c.t, recs, 1)
	msg, err := protocol.ParseMessage(recs[0])
	assert.NoError(c.t, err)
	return msg
}

func addTopic(t *testing.T, srv *Server, name string, kind change.Kind) {
	t.Helper()
	assert.NoError(t, srv.Do(context.Background(), func() {
		_, err := srv.AddTopic(name, kind, nil)
		assert.NoError(t, err)
	}))
}

func TestHelloOnConnect(t *testing.T) {
	_, conn, cancel := startServer(t)
	defer cancel()

	hello := conn.recv()
	assert.Equal(t, "hello", hello.Type)
	assert.NotNil(t, hello.Args["id"])
}

func TestSubscribeSnapshot(t *testing.T) {
	srv, conn, cancel := startServer(t)
	defer cancel()
	conn.recv() // hello

	addTopic(t, srv, "doc", change.String)
	assert.NoError(t, srv.Do(context.Background(), func() {
		topic, _ := srv.Topic("doc")
		assert.NoError(t, topic.Set("current"))
	}))

	conn.send("subscribe", map[string]any{"topic_name": "doc"})

	update := conn.recv()
	assert.Equal(t, "update", update.Type)
	assert.Equal(t, "", update.Args["action_id"])
	changes := update.Args["changes"].([]any)
	assert.Len(t, changes, 1)
	snapshot := changes[0].(map[string]any)
	assert.Equal(t, "set", snapshot["type"])
	assert.Equal(t, "doc", snapshot["topic_name"])
	assert.Equal(t, "current", snapshot["value"])
}

func TestActionAcceptAndBroadcast(t *testing.T) {
	srv, conn, cancel := startServer(t)
	defer cancel()
	conn.recv() // hello

	addTopic(t, srv, "doc", change.String)
	conn.send("subscribe", map[string]any{"topic_name": "doc"})
	conn.recv() // snapshot

	conn.send("action", map[string]any{
		"action_id": "act-1",
		"commands": []any{map[string]any{
			"topic_name": "doc", "topic_type": "string", "type": "set",
			"id": "ch-1", "value": "edited",
		}},
	})

	update := conn.recv()
	assert.Equal(t, "update", update.Type)
	assert.Equal(t, "act-1", update.Args["action_id"])
	accept := conn.recv()
	assert.Equal(t, "accept_action", accept.Type)
	assert.Equal(t, "act-1", accept.Args["action_id"])

	assert.NoError(t, srv.Do(context.Background(), func() {
		topic, _ := srv.Topic("doc")
		assert.Equal(t, "edited", topic.Get())
	}))
}

func TestActionWithoutIDGetsMintedID(t *testing.T) {
	srv, conn, cancel := startServer(t)
	defer cancel()
	conn.recv() // hello

	addTopic(t, srv, "doc", change.String)
	conn.send("subscribe", map[string]any{"topic_name": "doc"})
	conn.recv() // snapshot

	conn.send("action", map[string]any{
		"commands": []any{map[string]any{
			"topic_name": "doc", "topic_type": "string", "type": "set",
			"id": "c1", "value": "x",
		}},
	})

	// the ack must carry the same id the broadcast went out under, or
	// the submitter can't tell its own update apart
	update := conn.recv()
	assert.Equal(t, "update", update.Type)
	accept := conn.recv()
	assert.Equal(t, "accept_action", accept.Type)
	assert.NotEmpty(t, accept.Args["action_id"])
	assert.Equal(t, update.Args["action_id"], accept.Args["action_id"])
}

func TestActionReplayIsIdempotent(t *testing.T) {
	srv, conn, cancel := startServer(t)
	defer cancel()
	conn.recv() // hello

	addTopic(t, srv, "n", change.Int)
	action := map[string]any{
		"action_id": "act-inc",
		"commands": []any{map[string]any{
			"topic_name": "n", "topic_type": "int", "type": "add",
			"id": "ch-1", "value": float64(1),
		}},
	}

	conn.send("action", action)
	assert.Equal(t, "accept_action", conn.recv().Type)

	// a retry after a lost reply must not apply twice
	conn.send("action", action)
	assert.Equal(t, "accept_action", conn.recv().Type)

	assert.NoError(t, srv.Do(context.Background(), func() {
		topic, _ := srv.Topic("n")
		assert.Equal(t, int64(1), topic.Get())
	}))
}

func TestActionRejected(t *testing.T) {
	srv, conn, cancel := startServer(t)
	defer cancel()
	conn.recv() // hello

	addTopic(t, srv, "doc", change.String)
	conn.send("action", map[string]any{
		"action_id": "act-bad",
		"commands": []any{map[string]any{
			"topic_name": "doc", "topic_type": "blob", "type": "set", "id": "x",
		}},
	})

	reject := conn.recv()
	assert.Equal(t, "reject_action", reject.Type)
	assert.Equal(t, "act-bad", reject.Args["action_id"])
	assert.NotEmpty(t, reject.Args["reason"])
}

func TestActionAtomicity(t *testing.T) {
	srv, conn, cancel := startServer(t)
	defer cancel()
	conn.recv() // hello

	addTopic(t, srv, "a", change.String)
	addTopic(t, srv, "b", change.String)

	// the second command fails, so the first must not stick
	conn.send("action", map[string]any{
		"action_id": "act-multi",
		"commands": []any{
			map[string]any{
				"topic_name": "a", "topic_type": "string", "type": "set",
				"id": "c1", "value": "applied",
			},
			map[string]any{
				"topic_name": "b", "topic_type": "string", "type": "delete",
				"id": "c2", "position": float64(0), "text": "missing",
			},
		},
	})
	assert.Equal(t, "reject_action", conn.recv().Type)

	assert.NoError(t, srv.Do(context.Background(), func() {
		topic, _ := srv.Topic("a")
		assert.Equal(t, "", topic.Get())
	}))
}

func TestUpdateFanOutRespectsSubscriptions(t *testing.T) {
	srv, conn, cancel := startServer(t)
	defer cancel()
	conn.recv() // hello

	other := &testConn{t: t, ctx: context.Background(), ep: srv.install("other")}
	other.recv() // hello

	addTopic(t, srv, "seen", change.String)
	addTopic(t, srv, "unseen", change.String)
	other.send("subscribe", map[string]any{"topic_name": "seen"})
	other.recv() // snapshot

	conn.send("action", map[string]any{
		"action_id": "act-1",
		"commands": []any{
			map[string]any{
				"topic_name": "unseen", "topic_type": "string", "type": "set",
				"id": "c1", "value": "x",
			},
			map[string]any{
				"topic_name": "seen", "topic_type": "string", "type": "set",
				"id": "c2", "value": "y",
			},
		},
	})
	assert.Equal(t, "accept_action", conn.recv().Type)

	update := other.recv()
	assert.Equal(t, "update", update.Type)
	changes := update.Args["changes"].([]any)
	assert.Len(t, changes, 1)
	assert.Equal(t, "seen", changes[0].(map[string]any)["topic_name"])
}

func TestServiceRequest(t *testing.T) {
	srv, conn, cancel := startServer(t)
	defer cancel()
	srv.RegisterService("echo", func(client uint64, args map[string]any) (any, error) {
		return args["text"], nil
	})
	conn.recv() // hello

	conn.send("request", map[string]any{
		"service_name": "echo",
		"request_id":   "req-1",
		"args":         map[string]any{"text": "ping"},
	})

	resp := conn.recv()
	assert.Equal(t, "response", resp.Type)
	assert.Equal(t, "req-1", resp.Args["request_id"])
	assert.Equal(t, "ping", resp.Args["response"])

	conn.send("request", map[string]any{
		"service_name": "nope",
		"request_id":   "req-2",
	})
	resp = conn.recv()
	assert.Equal(t, "response", resp.Type)
	assert.NotEmpty(t, resp.Args["error"])
}

func TestServerUndoBroadcasts(t *testing.T) {
	srv, conn, cancel := startServer(t)
	defer cancel()
	conn.recv() // hello

	addTopic(t, srv, "doc", change.String)
	conn.send("subscribe", map[string]any{"topic_name": "doc"})
	conn.recv() // snapshot

	conn.send("action", map[string]any{
		"action_id": "act-1",
		"commands": []any{map[string]any{
			"topic_name": "doc", "topic_type": "string", "type": "set",
			"id": "c1", "value": "v1",
		}},
	})
	conn.recv() // update
	conn.recv() // accept

	assert.NoError(t, srv.Do(context.Background(), func() {
		assert.NoError(t, srv.Undo())
	}))

	update := conn.recv()
	assert.Equal(t, "update", update.Type)
	assert.Equal(t, "act-1", update.Args["action_id"])
	changes := update.Args["changes"].([]any)
	assert.Len(t, changes, 1)
	assert.Equal(t, "", changes[0].(map[string]any)["value"])
}

func TestClientTeardownOnDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewServer(ServerOptions{})
	go func() { _ = srv.Run(ctx) }()
	defer srv.Close()

	assert.NoError(t, srv.Listen(ctx, "tcp://127.0.0.1:0"))
	bound := srv.net.Addr("tcp://127.0.0.1:0")
	assert.NotNil(t, bound)

	conn, err := net.Dial("tcp", bound.String())
	assert.NoError(t, err)

	// the hello frame proves the client got registered
	assert.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 512)
	_, err = conn.Read(buf)
	assert.NoError(t, err)
	assert.Equal(t, 1, srv.clients.Count())

	// a dropped connection must unregister the client, or it would
	// accumulate every broadcast forever
	assert.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return srv.clients.Count() == 0 },
		2*time.Second, 10*time.Millisecond)
}
