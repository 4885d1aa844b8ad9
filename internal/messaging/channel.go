package messaging

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"grimm.is/outpost/internal/logging"
	"grimm.is/outpost/internal/metrics"
	"grimm.is/outpost/internal/taskerr"
)

// Opener connects to a session's message pipe.
type Opener interface {
	OpenChannel(ctx context.Context, activityID, location string) (io.ReadWriteCloser, error)
}

// pipe closes the underlying connection once for both directions.
type pipe struct {
	conn      io.ReadWriteCloser
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (p *pipe) close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

// Open connects to the message pipe at location inside activityID and
// returns its two directions. Messages are delivered in send order per
// direction.
func Open(ctx context.Context, opener Opener, activityID, location string, logger *logging.Logger, m *metrics.Registry) (*Sender, *Receiver, error) {
	if logger == nil {
		logger = logging.Default()
	}
	conn, err := opener.OpenChannel(ctx, activityID, location)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, taskerr.New(taskerr.KindCancelled, "open channel", ctx.Err())
		}
		return nil, nil, taskerr.New(taskerr.KindStream, "open channel", err)
	}
	log := logger.WithComponent("messaging").WithFields(map[string]any{"location": location})
	s, r := newPair(conn, log, m)
	log.Debug("Message channel open", "activity", activityID)
	return s, r, nil
}

func newPair(conn io.ReadWriteCloser, log *logging.Logger, m *metrics.Registry) (*Sender, *Receiver) {
	p := &pipe{conn: conn}
	s := &Sender{
		pipe:    p,
		enc:     NewEncoder(conn),
		log:     log,
		metrics: m,
	}
	r := &Receiver{
		pipe:    p,
		ch:      make(chan Message, 16),
		done:    make(chan struct{}),
		log:     log,
		metrics: m,
	}
	go r.loop(NewDecoder(conn))
	return s, r
}

// Sender is the outbound direction. It is safe for concurrent use.
type Sender struct {
	pipe    *pipe
	log     *logging.Logger
	metrics *metrics.Registry

	mu  sync.Mutex
	enc *Encoder
}

// Send writes msg to the peer. A cancelled ctx prevents the send.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return taskerr.New(taskerr.KindCancelled, "send "+string(msg.Kind()), err)
	}

	s.mu.Lock()
	err := s.enc.Encode(msg)
	s.mu.Unlock()

	if err != nil {
		if s.metrics != nil {
			s.metrics.ControlSendFailures.WithLabelValues(string(msg.Kind())).Inc()
		}
		return taskerr.New(taskerr.KindStream, "send "+string(msg.Kind()), err)
	}
	if s.metrics != nil {
		s.metrics.RecordMessage("out", string(msg.Kind()))
	}
	return nil
}

// Close closes the channel in both directions.
func (s *Sender) Close() error {
	return s.pipe.close()
}

// Receiver is the inbound direction.
type Receiver struct {
	pipe    *pipe
	ch      chan Message
	done    chan struct{}
	log     *logging.Logger
	metrics *metrics.Registry

	mu  sync.Mutex
	err error

	stopOnce sync.Once
}

func (r *Receiver) loop(dec *Decoder) {
	defer close(r.ch)
	for {
		msg, err := dec.Decode()
		if err != nil {
			if Recoverable(err) {
				r.log.Warn("Skipping undecodable message", "error", err)
				continue
			}
			if !errors.Is(err, io.EOF) && !r.pipe.closed.Load() {
				r.mu.Lock()
				r.err = err
				r.mu.Unlock()
			}
			return
		}
		if r.metrics != nil {
			r.metrics.RecordMessage("in", string(msg.Kind()))
		}
		select {
		case r.ch <- msg:
		case <-r.done:
			return
		}
	}
}

// Receive returns the next message. It returns io.EOF once the peer has
// closed the channel, or a Stream-kind error if the pipe broke.
func (r *Receiver) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return nil, taskerr.New(taskerr.KindCancelled, "receive", ctx.Err())
	case msg, ok := <-r.ch:
		if ok {
			return msg, nil
		}
		if err := r.Err(); err != nil {
			return nil, taskerr.New(taskerr.KindStream, "receive", err)
		}
		return nil, io.EOF
	}
}

// Err returns the transport error that ended the channel, if any.
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close stops the receive loop and closes the channel in both directions.
func (r *Receiver) Close() error {
	r.stopOnce.Do(func() { close(r.done) })
	return r.pipe.close()
}
