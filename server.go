package topicsync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Grapycal/topicsync/change"
	"github.com/Grapycal/topicsync/protocol"
	"github.com/Grapycal/topicsync/utils"
	lru "github.com/hashicorp/golang-lru/v2"
	pkgerrors "github.com/pkg/errors"
)

// ServiceFunc answers a client request. The returned value is sent back
// JSON-encoded; an error turns into an error response.
type ServiceFunc func(client uint64, args map[string]any) (any, error)

type ServerOptions struct {
	Logger        utils.Logger
	NewID         change.IDGen
	QueueLimit    int // pending outgoing batches per client
	RecentActions int // remembered action outcomes for replay dedup
	HistoryLimit  int // undoable transitions kept, <= 0 unbounded
}

const (
	defaultQueueLimit    = 1 << 16
	defaultRecentActions = 1 << 12
)

// actionOutcome is the remembered verdict of a processed action, so a
// client retrying after a lost reply gets the same answer instead of a
// double apply.
type actionOutcome struct {
	accepted bool
	reason   string
}

var ErrServerStopped = errors.New("topicsync: server stopped")

type inbound struct {
	client *Client
	msg    *protocol.Message
	fn     func() // local work to run on the loop, instead of a message
}

// Server ties the pieces together: a state machine holding the topics,
// a history for undo/redo, a client manager fanning out updates, and a
// transport. All mutation runs on the single Run loop; connection
// goroutines only parse frames and queue them.
type Server struct {
	sm       *StateMachine
	history  *History
	clients  *ClientManager
	net      *protocol.Net
	services map[string]ServiceFunc
	recent   *lru.Cache[string, actionOutcome]
	ingress  chan inbound
	done     chan struct{}
	log      utils.Logger

	metrics *serverCollector
}

func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if opts.NewID == nil {
		opts.NewID = change.UUIDGen
	}
	if opts.QueueLimit <= 0 {
		opts.QueueLimit = defaultQueueLimit
	}
	if opts.RecentActions <= 0 {
		opts.RecentActions = defaultRecentActions
	}

	recent, _ := lru.New[string, actionOutcome](opts.RecentActions)
	s := &Server{
		clients:  NewClientManager(opts.QueueLimit, opts.Logger),
		services: make(map[string]ServiceFunc),
		recent:   recent,
		ingress:  make(chan inbound, 1024),
		done:     make(chan struct{}),
		log:      opts.Logger,
	}
	s.sm = NewStateMachine(Options{
		Logger: opts.Logger,
		NewID:  opts.NewID,
		OnTransition: func(t *Transition) {
			s.history.Add(t)
		},
		OnChanges: func(changes []change.Change, actionID string) {
			s.clients.SendUpdate(changes, actionID)
		},
	})
	s.history = NewHistory(s.sm, opts.HistoryLimit)
	s.net = protocol.NewNet(opts.Logger, s.install, s.destroy)
	s.metrics = newServerCollector(s)
	return s
}

func (s *Server) StateMachine() *StateMachine { return s.sm }

func (s *Server) History() *History { return s.history }

// AddTopic creates a topic on the server's state machine.
func (s *Server) AddTopic(name string, kind change.Kind, initial any) (*Topic, error) {
	return s.sm.AddTopic(name, kind, initial)
}

func (s *Server) Topic(name string) (*Topic, bool) {
	return s.sm.Topic(name)
}

// RegisterService exposes a named request handler to clients.
func (s *Server) RegisterService(name string, fn ServiceFunc) {
	s.services[name] = fn
}

// Listen starts accepting client connections on addr.
func (s *Server) Listen(ctx context.Context, addr string) error {
	return s.net.Listen(ctx, addr)
}

// Run processes inbound messages until the context ends. It owns every
// topic mutation, so nothing else may touch the state machine while it
// runs.
func (s *Server) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.clients.CloseAll()
			return ctx.Err()
		case in := <-s.ingress:
			if in.fn != nil {
				in.fn()
				continue
			}
			s.handleMessage(in.client, in.msg)
		}
	}
}

// Do runs fn on the server loop and waits for it, so local callers
// stay serialized with client traffic.
func (s *Server) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case s.ingress <- inbound{fn: wrapped}:
	case <-s.done:
		return ErrServerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.done:
		return ErrServerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down the transport and all clients.
func (s *Server) Close() error {
	err := s.net.Close()
	s.clients.CloseAll()
	return err
}

// Undo inverts the newest applied transition; subscribers learn about
// it through a regular update.
func (s *Server) Undo() error { return s.history.Undo() }

// Redo re-applies the most recently undone transition.
func (s *Server) Redo() error { return s.history.Redo() }

// install and destroy run on network goroutines.

func (s *Server) install(name string) protocol.FeedDrainCloser {
	c := s.clients.Connect()
	s.log.Debug("endpoint installed", "conn", name, "client", c.ID())
	return &clientEndpoint{srv: s, client: c}
}

func (s *Server) destroy(name string) {
	s.log.Debug("endpoint destroyed", "conn", name)
}

// clientEndpoint adapts one connection to the server: Feed hands the
// writer the client's queued updates, Drain parses inbound frames and
// funnels them into the server loop.
type clientEndpoint struct {
	srv    *Server
	client *Client
}

func (e *clientEndpoint) Feed(ctx context.Context) (protocol.Records, error) {
	return e.client.Queue().Feed(ctx)
}

func (e *clientEndpoint) Drain(ctx context.Context, recs protocol.Records) error {
	for _, rec := range recs {
		msg, err := protocol.ParseMessage(rec)
		if err != nil {
			return pkgerrors.Wrapf(err, "client %d", e.client.ID())
		}
		select {
		case e.srv.ingress <- inbound{client: e.client, msg: msg}:
		case <-e.srv.done:
			return ErrServerStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *clientEndpoint) Close() error {
	e.srv.clients.Disconnect(e.client.ID())
	return nil
}

// message handling, on the Run loop

func (s *Server) handleMessage(c *Client, msg *protocol.Message) {
	switch msg.Type {
	case "subscribe":
		s.handleSubscribe(c, msg.Args)
	case "unsubscribe":
		s.handleUnsubscribe(c, msg.Args)
	case "action":
		s.handleAction(c, msg.Args)
	case "request":
		s.handleRequest(c, msg.Args)
	default:
		s.log.Warn("unknown message type", "client", c.ID(), "type", msg.Type)
	}
}

func (s *Server) handleSubscribe(c *Client, args map[string]any) {
	name, _ := args["topic_name"].(string)
	t, ok := s.sm.Topic(name)
	if !ok {
		s.log.Warn("subscribe to unknown topic", "client", c.ID(), "topic", name)
		return
	}
	s.clients.Subscribe(c, name)
	// a synthetic whole-value set brings the new subscriber up to date
	snapshot := change.NewSet(t.Name(), t.Kind(), t.Get(), nil, s.sm.idgen)
	s.clients.Send(c, "update", map[string]any{
		"changes":   []map[string]any{snapshot.Serialize()},
		"action_id": "",
	})
}

func (s *Server) handleUnsubscribe(c *Client, args map[string]any) {
	name, _ := args["topic_name"].(string)
	s.clients.Unsubscribe(c, name)
}

func (s *Server) handleAction(c *Client, args map[string]any) {
	actionID, _ := args["action_id"].(string)
	named := actionID != ""
	if named {
		if outcome, seen := s.recent.Get(actionID); seen {
			s.replyOutcome(c, actionID, outcome)
			return
		}
	} else {
		// mint now so the ack carries the same id as the broadcast
		actionID = s.sm.idgen()
	}

	rawCommands, _ := args["commands"].([]any)
	_, err := s.sm.Record(c.ID(), actionID, func() error {
		for _, raw := range rawCommands {
			obj, ok := raw.(map[string]any)
			if !ok {
				return pkgerrors.Wrap(change.ErrBadWireForm, "command is not an object")
			}
			ch, err := change.Deserialize(obj, s.sm.idgen)
			if err != nil {
				return err
			}
			if err := s.sm.ApplyChange(ch); err != nil {
				return err
			}
		}
		return nil
	})

	outcome := actionOutcome{accepted: err == nil}
	if err != nil {
		outcome.reason = err.Error()
		s.metrics.rejects.Add(1)
	}
	if named {
		// a minted id can't be retried, no point remembering it
		s.recent.Add(actionID, outcome)
	}
	s.replyOutcome(c, actionID, outcome)
}

func (s *Server) replyOutcome(c *Client, actionID string, outcome actionOutcome) {
	if outcome.accepted {
		s.clients.Send(c, "accept_action", map[string]any{"action_id": actionID})
	} else {
		s.clients.Send(c, "reject_action", map[string]any{
			"action_id": actionID,
			"reason":    outcome.reason,
		})
	}
}

func (s *Server) handleRequest(c *Client, args map[string]any) {
	name, _ := args["service_name"].(string)
	requestID, _ := args["request_id"].(string)
	serviceArgs, _ := args["args"].(map[string]any)

	fn, ok := s.services[name]
	if !ok {
		s.clients.Send(c, "response", map[string]any{
			"request_id": requestID,
			"error":      "no such service: " + name,
		})
		return
	}
	result, err := fn(c.ID(), serviceArgs)
	if err != nil {
		s.clients.Send(c, "response", map[string]any{
			"request_id": requestID,
			"error":      err.Error(),
		})
		return
	}
	s.clients.Send(c, "response", map[string]any{
		"request_id": requestID,
		"response":   result,
	})
}
