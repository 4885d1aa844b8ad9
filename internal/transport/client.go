package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"grimm.is/outpost/internal/activity"
	"grimm.is/outpost/internal/logging"
	"grimm.is/outpost/internal/market"
	"grimm.is/outpost/internal/messaging"
	"grimm.is/outpost/internal/protocol"
)

// ErrClientClosed is returned by calls made after the connection ended.
var ErrClientClosed = errors.New("transport closed")

// RemoteError is an error reply from the provider.
type RemoteError struct {
	Op      protocol.MessageType
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote error: %s", e.Op, e.Message)
}

var (
	_ market.API         = (*Client)(nil)
	_ activity.API       = (*Client)(nil)
	_ messaging.Opener   = (*Client)(nil)
	_ io.ReadWriteCloser = (*channelConn)(nil)
)

// Client is the requestor side of one provider connection. Requests are
// multiplexed by id; runtime events and channel frames are routed to the
// stream or channel that registered their ref.
type Client struct {
	conn net.Conn
	log  *logging.Logger

	encMu sync.Mutex
	enc   *json.Encoder

	mu       sync.Mutex
	pending  map[string]chan protocol.Message
	streams  map[string]*eventStream
	channels map[string]*channelConn

	lastSeen atomic.Int64
	done     chan struct{}
	err      error
}

// Connect dials endpoint and authenticates with token.
func Connect(ctx context.Context, endpoint, token string, logger *logging.Logger) (*Client, error) {
	conn, err := Dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	c := NewClient(conn, logger)
	if err := c.call(ctx, protocol.MsgHello, protocol.Hello{Token: token, Client: "outpost"}, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("hello %s: %w", endpoint, err)
	}
	c.log.Debug("Connected", "endpoint", endpoint)
	return c, nil
}

// NewClient wraps an established connection and starts its read loop.
func NewClient(conn net.Conn, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	c := &Client{
		conn:     conn,
		log:      logger.WithComponent("transport"),
		enc:      json.NewEncoder(conn),
		pending:  make(map[string]chan protocol.Message),
		streams:  make(map[string]*eventStream),
		channels: make(map[string]*channelConn),
		done:     make(chan struct{}),
	}
	c.lastSeen.Store(time.Now().UnixNano())
	go c.readLoop()
	return c
}

// Close tears down the connection. Every pending request, stream and
// channel fails with ErrClientClosed.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended. It is valid after Done is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// LastSeen is the time the last message arrived from the provider.
func (c *Client) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Client) send(msg protocol.Message) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	if err := c.enc.Encode(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, t protocol.MessageType, req, resp any) error {
	return c.callID(ctx, uuid.NewString(), t, req, resp)
}

func (c *Client) callID(ctx context.Context, id string, t protocol.MessageType, req, resp any) error {
	msg, err := protocol.NewMessage(t, id, req)
	if err != nil {
		return err
	}

	reply := make(chan protocol.Message, 1)
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(msg); err != nil {
		return err
	}

	select {
	case r := <-reply:
		return decodeReply(t, r, resp)
	case <-c.done:
		// A reply read just before the connection ended still counts.
		select {
		case r := <-reply:
			return decodeReply(t, r, resp)
		default:
		}
		return fmt.Errorf("%s: %w", t, c.err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decodeReply(t protocol.MessageType, r protocol.Message, resp any) error {
	if r.Type == protocol.MsgError {
		return &RemoteError{Op: t, Message: r.Error}
	}
	if resp == nil {
		return nil
	}
	return r.Decode(resp)
}

func (c *Client) readLoop() {
	dec := json.NewDecoder(c.conn)
	for {
		var msg protocol.Message
		if err := dec.Decode(&msg); err != nil {
			c.fail(err)
			return
		}
		c.lastSeen.Store(time.Now().UnixNano())
		c.route(msg)
	}
}

func (c *Client) route(msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgResult, protocol.MsgError:
		c.mu.Lock()
		reply := c.pending[msg.Ref]
		c.mu.Unlock()
		if reply == nil {
			c.log.Debug("Reply for unknown request", "ref", msg.Ref)
			return
		}
		select {
		case reply <- msg:
		default:
		}

	case protocol.MsgRuntimeEvent:
		var ev protocol.RuntimeEvent
		if err := msg.Decode(&ev); err != nil {
			c.log.Warn("Dropping malformed runtime event", "batch", msg.Ref, "error", err)
			return
		}
		if s := c.stream(msg.Ref); s != nil {
			s.q.push(ev)
		}

	case protocol.MsgStreamEnd:
		if s := c.stream(msg.Ref); s != nil {
			s.q.close(io.EOF)
		}

	case protocol.MsgChannelData:
		if ch := c.channel(msg.Ref); ch != nil {
			ch.in.push(msg.Data)
		}

	case protocol.MsgChannelClose:
		if ch := c.channel(msg.Ref); ch != nil {
			ch.in.close(io.EOF)
		}

	case protocol.MsgHeartbeat:

	default:
		c.log.Debug("Ignoring message", "type", msg.Type)
	}
}

func (c *Client) fail(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		err = ErrClientClosed
	} else {
		err = fmt.Errorf("%w: %w", ErrClientClosed, err)
	}

	c.mu.Lock()
	c.err = err
	c.pending = nil
	streams, channels := c.streams, c.channels
	c.streams, c.channels = map[string]*eventStream{}, map[string]*channelConn{}
	c.mu.Unlock()

	for _, s := range streams {
		s.q.close(err)
	}
	for _, ch := range channels {
		ch.in.close(err)
	}
	close(c.done)
	c.log.Debug("Connection closed", "error", err)
}

func (c *Client) stream(batchID string) *eventStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[batchID]
}

func (c *Client) channel(id string) *channelConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[id]
}

// PublishDemand implements market.API.
func (c *Client) PublishDemand(ctx context.Context, demand protocol.Demand) (string, error) {
	var resp protocol.Subscribed
	if err := c.call(ctx, protocol.MsgPublish, demand, &resp); err != nil {
		return "", err
	}
	return resp.SubscriptionID, nil
}

// PollOffers implements market.API.
func (c *Client) PollOffers(ctx context.Context, subscriptionID string, timeout time.Duration, max int) ([]protocol.Offer, error) {
	var resp protocol.Offers
	req := protocol.PollRequest{SubscriptionID: subscriptionID, Timeout: timeout, MaxEvents: max}
	if err := c.call(ctx, protocol.MsgPoll, req, &resp); err != nil {
		return nil, err
	}
	return resp.Offers, nil
}

// AcceptOffer implements market.API.
func (c *Client) AcceptOffer(ctx context.Context, subscriptionID, offerID string, validTo time.Time) (market.Agreement, error) {
	var resp protocol.Agreement
	req := protocol.AcceptRequest{SubscriptionID: subscriptionID, OfferID: offerID, ValidTo: validTo}
	if err := c.call(ctx, protocol.MsgAccept, req, &resp); err != nil {
		return market.Agreement{}, err
	}
	return resp, nil
}

// Unsubscribe implements market.API.
func (c *Client) Unsubscribe(ctx context.Context, subscriptionID string) error {
	return c.call(ctx, protocol.MsgUnsubscribe, protocol.SubscriptionRef{SubscriptionID: subscriptionID}, nil)
}

// CreateActivity implements activity.API.
func (c *Client) CreateActivity(ctx context.Context, agreementID string) (string, error) {
	var resp protocol.ActivityRef
	if err := c.call(ctx, protocol.MsgCreateActivity, protocol.CreateActivity{AgreementID: agreementID}, &resp); err != nil {
		return "", err
	}
	return resp.ActivityID, nil
}

// Exec implements activity.API.
func (c *Client) Exec(ctx context.Context, activityID string, commands []protocol.Command) (string, error) {
	var resp protocol.BatchRef
	if err := c.call(ctx, protocol.MsgExec, protocol.ExecRequest{ActivityID: activityID, Commands: commands}, &resp); err != nil {
		return "", err
	}
	return resp.BatchID, nil
}

// Attach implements activity.API. The stream is registered before the
// request is sent so no event pushed after the reply can be missed.
func (c *Client) Attach(ctx context.Context, activityID, batchID string) (activity.EventStream, error) {
	s := &eventStream{c: c, batchID: batchID, q: newQueue[protocol.RuntimeEvent]()}
	c.mu.Lock()
	if _, dup := c.streams[batchID]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("batch %s already attached", batchID)
	}
	c.streams[batchID] = s
	c.mu.Unlock()

	if err := c.call(ctx, protocol.MsgAttach, protocol.BatchRef{ActivityID: activityID, BatchID: batchID}, nil); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Wait implements activity.API.
func (c *Client) Wait(ctx context.Context, activityID, batchID string) (protocol.BatchResult, error) {
	var resp protocol.BatchResult
	err := c.call(ctx, protocol.MsgWait, protocol.BatchRef{ActivityID: activityID, BatchID: batchID}, &resp)
	return resp, err
}

// State implements activity.API.
func (c *Client) State(ctx context.Context, activityID string) (protocol.ActivityState, error) {
	var resp protocol.ActivityState
	err := c.call(ctx, protocol.MsgState, protocol.ActivityRef{ActivityID: activityID}, &resp)
	return resp, err
}

// Destroy implements activity.API.
func (c *Client) Destroy(ctx context.Context, activityID string) error {
	return c.call(ctx, protocol.MsgDestroy, protocol.ActivityRef{ActivityID: activityID}, nil)
}

// OpenChannel implements messaging.Opener. The channel id is the id of the
// open request.
func (c *Client) OpenChannel(ctx context.Context, activityID, location string) (io.ReadWriteCloser, error) {
	id := uuid.NewString()
	ch := &channelConn{c: c, id: id, in: newQueue[[]byte]()}
	c.mu.Lock()
	c.channels[id] = ch
	c.mu.Unlock()

	if err := c.callID(ctx, id, protocol.MsgChannelOpen, protocol.ChannelOpen{ActivityID: activityID, Location: location}, nil); err != nil {
		c.dropChannel(id)
		return nil, err
	}
	return ch, nil
}

func (c *Client) dropChannel(id string) {
	c.mu.Lock()
	delete(c.channels, id)
	c.mu.Unlock()
}

// eventStream implements activity.EventStream for one attached batch.
type eventStream struct {
	c       *Client
	batchID string
	q       *queue[protocol.RuntimeEvent]
	once    sync.Once
}

func (s *eventStream) Next(ctx context.Context) (protocol.RuntimeEvent, error) {
	return s.q.pop(ctx)
}

func (s *eventStream) Close() error {
	s.once.Do(func() {
		s.c.mu.Lock()
		if s.c.streams[s.batchID] == s {
			delete(s.c.streams, s.batchID)
		}
		s.c.mu.Unlock()
		s.q.close(net.ErrClosed)
	})
	return nil
}

// channelConn is one message channel multiplexed over the client
// connection. Reads drain frames pushed by the provider in order.
type channelConn struct {
	c    *Client
	id   string
	in   *queue[[]byte]
	buf  []byte
	once sync.Once
}

func (ch *channelConn) Read(p []byte) (int, error) {
	for len(ch.buf) == 0 {
		data, err := ch.in.pop(context.Background())
		if err != nil {
			return 0, err
		}
		ch.buf = data
	}
	n := copy(p, ch.buf)
	ch.buf = ch.buf[n:]
	return n, nil
}

func (ch *channelConn) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	if err := ch.c.send(protocol.Message{Type: protocol.MsgChannelData, Ref: ch.id, Data: data}); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (ch *channelConn) Close() error {
	var err error
	ch.once.Do(func() {
		ch.c.dropChannel(ch.id)
		ch.in.close(net.ErrClosed)
		err = ch.c.send(protocol.Message{Type: protocol.MsgChannelClose, Ref: ch.id})
		if errors.Is(err, ErrClientClosed) {
			err = nil
		}
	})
	return err
}
