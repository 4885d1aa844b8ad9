// Package provider is a local provider daemon: it answers demands with a
// single offer and runs units in per-agreement execution contexts, serving
// both over the JSON-lines protocol.
package provider

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"grimm.is/outpost/internal/logging"
	"grimm.is/outpost/internal/metrics"
	"grimm.is/outpost/internal/protocol"
	"grimm.is/outpost/internal/ratelimit"
)

const (
	// maxPollTimeout caps a single market.poll wait.
	maxPollTimeout = 30 * time.Second
	// maxHelloFailures is how many bad tokens one remote host may present
	// per helloWindow.
	maxHelloFailures = 5
	helloWindow      = time.Minute
)

var (
	errInvalidToken    = errors.New("invalid token")
	errTooManyAttempts = errors.New("too many failed attempts")
)

// Options configure a provider.
type Options struct {
	Name          string
	Runtime       string
	Subnet        string
	Token         string
	OfferDelay    time.Duration
	WorkDir       string
	FetchPackages bool
	MaxConns      int
	Heartbeat     time.Duration
	ReapInterval  time.Duration
	BridgeLinger  time.Duration
	Units         map[string]Unit
}

// DefaultOptions returns a provider offering the vm runtime in the default
// subnet.
func DefaultOptions() Options {
	return Options{
		Name:         "outpost-provider",
		Runtime:      "vm",
		Subnet:       "community.3",
		OfferDelay:   time.Second,
		WorkDir:      filepath.Join(os.TempDir(), "outpost-provider"),
		MaxConns:     64,
		Heartbeat:    10 * time.Second,
		ReapInterval: 30 * time.Second,
		BridgeLinger: DefaultBridgeLinger,
	}
}

// Server serves the negotiation and execution boundaries.
type Server struct {
	Options    Options
	Market     *Market
	Activities *Activities

	log     *logging.Logger
	metrics *metrics.Registry
	hellos  *ratelimit.Limiter
	wg      sync.WaitGroup
}

// New creates a provider server.
func New(opts Options, logger *logging.Logger, m *metrics.Registry) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	mkt := NewMarket(opts.Name, opts.Runtime, opts.Subnet, opts.OfferDelay)
	acts := NewActivities(mkt, opts.Units, opts.WorkDir, logger)
	acts.FetchPackages = opts.FetchPackages
	if opts.BridgeLinger > 0 {
		acts.BridgeLinger = opts.BridgeLinger
	}
	return &Server{
		Options:    opts,
		Market:     mkt,
		Activities: acts,
		log:        logger.WithComponent("provider"),
		metrics:    m,
		hellos:     ratelimit.NewLimiter(maxHelloFailures, helloWindow),
	}
}

// Serve accepts connections on ln until ctx is done. Each connection is
// served independently; at most MaxConns are open at once.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.Options.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.Options.MaxConns)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	if s.Options.ReapInterval > 0 {
		go s.reap(ctx)
	}
	s.log.Info("Provider listening", "addr", ln.Addr().String(), "name", s.Options.Name)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn("Accept failed", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
	s.wg.Wait()
	return nil
}

// Close destroys every live activity.
func (s *Server) Close() {
	s.Activities.Close()
}

func (s *Server) reap(ctx context.Context) {
	ticker := time.NewTicker(s.Options.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Activities.Expire(); n > 0 {
				s.log.Info("Expired activities destroyed", "count", n)
			}
			s.hellos.CleanupExpired(helloWindow)
		}
	}
}

type openChannel struct {
	bridge *bridge
	peer   *peer
}

// connection is one requestor connection.
type connection struct {
	srv  *Server
	conn net.Conn
	log  *logging.Logger
	ctx  context.Context

	encMu sync.Mutex
	enc   *json.Encoder

	mu       sync.Mutex
	channels map[string]*openChannel
	reqs     sync.WaitGroup
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	c := &connection{
		srv:      s,
		conn:     conn,
		log:      s.log.WithFields(map[string]any{"remote": conn.RemoteAddr().String()}),
		ctx:      ctx,
		enc:      json.NewEncoder(conn),
		channels: make(map[string]*openChannel),
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	defer func() {
		cancel()
		c.reqs.Wait()
		c.detachAll()
	}()
	if s.Options.Heartbeat > 0 {
		go c.heartbeat(s.Options.Heartbeat)
	}

	authed := false
	dec := json.NewDecoder(conn)
	for {
		var msg protocol.Message
		if err := dec.Decode(&msg); err != nil {
			c.log.Debug("Connection closed", "error", err)
			return
		}

		switch {
		case msg.Type == protocol.MsgChannelData:
			if ch := c.channel(msg.Ref); ch != nil {
				ch.bridge.fromRequestor(msg.Data)
			}
		case msg.Type == protocol.MsgChannelClose:
			c.closeChannel(msg.Ref)
		case !msg.Type.IsRequest():
			c.log.Debug("Ignoring message", "type", msg.Type)
		case msg.Type == protocol.MsgHello:
			if err := c.hello(msg); err != nil {
				c.reply(msg, nil, err)
				c.log.Warn("Rejected connection", "error", err)
				return
			}
			authed = true
			c.reply(msg, nil, nil)
		case !authed:
			c.reply(msg, nil, errors.New("hello required"))
		default:
			c.reqs.Add(1)
			go func() {
				defer c.reqs.Done()
				v, err := c.dispatch(msg)
				c.reply(msg, v, err)
			}()
		}
	}
}

func (c *connection) hello(msg protocol.Message) error {
	var h protocol.Hello
	if err := msg.Decode(&h); err != nil {
		return err
	}
	want := c.srv.Options.Token
	if want == "" {
		return nil
	}
	host := remoteHost(c.conn.RemoteAddr())
	if c.srv.hellos.Exhausted(host) {
		return errTooManyAttempts
	}
	if subtle.ConstantTimeCompare([]byte(h.Token), []byte(want)) != 1 {
		c.srv.hellos.Allow(host)
		return errInvalidToken
	}
	return nil
}

// remoteHost keys hello failures by peer host. Unix and vsock peers share
// one key per network.
func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.Network()
}

func (c *connection) heartbeat(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(protocol.Message{Type: protocol.MsgHeartbeat}); err != nil {
				return
			}
		}
	}
}

func (c *connection) send(msg protocol.Message) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	return c.enc.Encode(msg)
}

func (c *connection) reply(req protocol.Message, v any, err error) {
	status := "ok"
	var msg protocol.Message
	if err != nil {
		status = "error"
		msg = protocol.Message{Type: protocol.MsgError, Ref: req.ID, Error: err.Error()}
	} else {
		msg, err = protocol.NewMessage(protocol.MsgResult, "", v)
		if err != nil {
			msg = protocol.Message{Type: protocol.MsgError, Error: err.Error()}
		}
		msg.Ref = req.ID
	}
	if m := c.srv.metrics; m != nil {
		m.ProviderRequests.WithLabelValues(string(req.Type), status).Inc()
	}
	if err := c.send(msg); err != nil {
		c.log.Debug("Reply failed", "type", req.Type, "error", err)
	}
}

func (c *connection) dispatch(msg protocol.Message) (any, error) {
	mkt, acts := c.srv.Market, c.srv.Activities

	switch msg.Type {
	case protocol.MsgPublish:
		var d protocol.Demand
		if err := msg.Decode(&d); err != nil {
			return nil, err
		}
		id, err := mkt.Publish(d)
		if err != nil {
			return nil, err
		}
		c.log.Info("Demand published", "subscription", id, "constraints", d.Constraints)
		return protocol.Subscribed{SubscriptionID: id}, nil

	case protocol.MsgPoll:
		var req protocol.PollRequest
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		timeout := min(req.Timeout, maxPollTimeout)
		offers, err := mkt.Poll(c.ctx, req.SubscriptionID, timeout)
		if err != nil {
			return nil, err
		}
		return protocol.Offers{Offers: offers}, nil

	case protocol.MsgAccept:
		var req protocol.AcceptRequest
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		a, err := mkt.Accept(req.SubscriptionID, req.OfferID, req.ValidTo)
		if err != nil {
			return nil, err
		}
		c.log.Info("Agreement approved", "agreement", a.ID)
		return a, nil

	case protocol.MsgUnsubscribe:
		var req protocol.SubscriptionRef
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		return nil, mkt.Unsubscribe(req.SubscriptionID)

	case protocol.MsgCreateActivity:
		var req protocol.CreateActivity
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		id, err := acts.Create(req.AgreementID)
		if err != nil {
			return nil, err
		}
		return protocol.ActivityRef{ActivityID: id}, nil

	case protocol.MsgExec:
		var req protocol.ExecRequest
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		id, err := acts.Exec(req.ActivityID, req.Commands)
		if err != nil {
			return nil, err
		}
		return protocol.BatchRef{ActivityID: req.ActivityID, BatchID: id}, nil

	case protocol.MsgAttach:
		var req protocol.BatchRef
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		b, err := acts.Attach(req.ActivityID, req.BatchID)
		if err != nil {
			return nil, err
		}
		c.follow(b)
		return nil, nil

	case protocol.MsgWait:
		var req protocol.BatchRef
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		return acts.Wait(c.ctx, req.ActivityID, req.BatchID)

	case protocol.MsgState:
		var req protocol.ActivityRef
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		return acts.State(req.ActivityID)

	case protocol.MsgDestroy:
		var req protocol.ActivityRef
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		return nil, acts.Destroy(req.ActivityID, "destroyed by requestor")

	case protocol.MsgChannelOpen:
		var req protocol.ChannelOpen
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		return c.openChannel(msg.ID, req)
	}
	return nil, fmt.Errorf("unsupported request %q", msg.Type)
}

// follow streams a batch's events to the requestor, ending with
// runtime.end once the batch is finished.
func (c *connection) follow(b *batch) {
	c.reqs.Add(1)
	go func() {
		defer c.reqs.Done()
		err := b.follow(c.ctx, func(ev protocol.RuntimeEvent) error {
			msg, err := protocol.NewMessage(protocol.MsgRuntimeEvent, "", ev)
			if err != nil {
				return err
			}
			msg.Ref = b.id
			return c.send(msg)
		})
		if err != nil {
			return
		}
		_ = c.send(protocol.Message{Type: protocol.MsgStreamEnd, Ref: b.id})
	}()
}

func (c *connection) openChannel(id string, req protocol.ChannelOpen) (protocol.ChannelRef, error) {
	br, err := c.srv.Activities.Channel(req.ActivityID, req.Location)
	if err != nil {
		return protocol.ChannelRef{}, err
	}
	p := &peer{
		send: func(data []byte) error {
			return c.send(protocol.Message{Type: protocol.MsgChannelData, Ref: id, Data: data})
		},
		close: func() {
			_ = c.send(protocol.Message{Type: protocol.MsgChannelClose, Ref: id})
		},
	}
	c.mu.Lock()
	c.channels[id] = &openChannel{bridge: br, peer: p}
	c.mu.Unlock()

	if err := br.attach(p); err != nil {
		c.mu.Lock()
		delete(c.channels, id)
		c.mu.Unlock()
		return protocol.ChannelRef{}, err
	}
	c.log.Debug("Message channel open", "activity", req.ActivityID, "location", req.Location)
	return protocol.ChannelRef{ChannelID: id}, nil
}

func (c *connection) channel(id string) *openChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[id]
}

func (c *connection) closeChannel(id string) {
	c.mu.Lock()
	ch := c.channels[id]
	delete(c.channels, id)
	c.mu.Unlock()
	if ch != nil {
		ch.bridge.detach(ch.peer)
	}
}

func (c *connection) detachAll() {
	c.mu.Lock()
	channels := c.channels
	c.channels = map[string]*openChannel{}
	c.mu.Unlock()
	for _, ch := range channels {
		ch.bridge.detach(ch.peer)
	}
}
