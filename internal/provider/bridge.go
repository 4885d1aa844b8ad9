package provider

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"grimm.is/outpost/internal/logging"
)

var errChannelOpen = errors.New("message channel already open")

// peer is the requestor end of a message channel.
type peer struct {
	send  func([]byte) error
	close func()
}

// bridge relays message-channel bytes between the unit, connected on a
// per-activity unix socket, and the requestor. Bytes are buffered in each
// direction until the other end is present.
type bridge struct {
	path string
	ln   net.Listener
	log  *logging.Logger

	mu       sync.Mutex
	unit     net.Conn
	toUnit   [][]byte
	toPeer   [][]byte
	peer     *peer
	ended    bool
	unitDone chan struct{}

	endOnce sync.Once
}

func newBridge(path string, log *logging.Logger) (*bridge, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	b := &bridge{path: path, ln: ln, log: log, unitDone: make(chan struct{})}
	go b.acceptLoop()
	return b, nil
}

func (b *bridge) acceptLoop() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		if b.unit != nil || b.ended {
			b.mu.Unlock()
			conn.Close()
			continue
		}
		b.unit = conn
		for _, data := range b.toUnit {
			if _, err := conn.Write(data); err != nil {
				b.log.Warn("Message bridge write failed", "error", err)
				break
			}
		}
		b.toUnit = nil
		b.mu.Unlock()
		b.log.Debug("Unit connected to message channel")
		go b.readUnit(conn)
	}
}

func (b *bridge) readUnit(conn net.Conn) {
	defer close(b.unitDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			b.toRequestor(data)
		}
		if err != nil {
			return
		}
	}
}

func (b *bridge) toRequestor(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.peer == nil {
		b.toPeer = append(b.toPeer, data)
		return
	}
	if err := b.peer.send(data); err != nil {
		b.log.Warn("Message bridge relay failed", "error", err)
	}
}

// attach connects the requestor. Buffered unit bytes are flushed first;
// if the unit side already ended the channel is closed right away.
func (b *bridge) attach(p *peer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.peer != nil {
		return errChannelOpen
	}
	b.peer = p
	for _, data := range b.toPeer {
		if err := p.send(data); err != nil {
			b.log.Warn("Message bridge relay failed", "error", err)
			break
		}
	}
	b.toPeer = nil
	if b.ended {
		p.close()
	}
	return nil
}

// fromRequestor relays requestor bytes to the unit.
func (b *bridge) fromRequestor(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended {
		return
	}
	if b.unit == nil {
		b.toUnit = append(b.toUnit, data)
		return
	}
	if _, err := b.unit.Write(data); err != nil {
		b.log.Warn("Message bridge write failed", "error", err)
	}
}

// detach is called when the requestor closes its end or disconnects. The
// unit sees end of input.
func (b *bridge) detach(p *peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.peer != p {
		return
	}
	b.peer = nil
	if uc, ok := b.unit.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}
}

// end waits up to linger for the unit to finish writing, then closes the
// requestor end. It runs once, after the unit process exits.
func (b *bridge) end(linger time.Duration) {
	b.endOnce.Do(func() {
		b.mu.Lock()
		connected := b.unit != nil
		b.mu.Unlock()
		if connected && linger > 0 {
			t := time.NewTimer(linger)
			select {
			case <-b.unitDone:
			case <-t.C:
				b.log.Warn("Unit message channel still open after exit")
			}
			t.Stop()
		}

		b.mu.Lock()
		b.ended = true
		b.toUnit = nil
		if b.unit != nil {
			b.unit.Close()
		}
		if b.peer != nil {
			b.peer.close()
		}
		b.mu.Unlock()
	})
}

// close ends the bridge and removes its socket.
func (b *bridge) close() {
	b.end(0)
	b.ln.Close()
	_ = os.Remove(b.path)
}
