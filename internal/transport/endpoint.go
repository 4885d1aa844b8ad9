// Package transport carries the JSON-lines protocol over unix, tcp, vsock
// and websocket connections and exposes the requestor side as a Client.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mdlayher/vsock"

	"grimm.is/outpost/internal/brand"
)

// Endpoint schemes.
const (
	SchemeUnix  = "unix"
	SchemeTCP   = "tcp"
	SchemeVsock = "vsock"
	SchemeWS    = "ws"
)

// DefaultWSPath is the HTTP path a websocket listener upgrades on.
const DefaultWSPath = "/ws"

// ErrUnsupportedScheme is returned for endpoints with an unknown scheme.
var ErrUnsupportedScheme = errors.New("unsupported endpoint scheme")

// Endpoint is a parsed listen or dial address.
type Endpoint struct {
	Scheme string
	Addr   string // path for unix, host:port for tcp and ws
	CID    uint32 // vsock only
	Port   uint32 // vsock only
	Path   string // ws only
}

func (e Endpoint) String() string {
	switch e.Scheme {
	case SchemeUnix:
		return "unix://" + e.Addr
	case SchemeVsock:
		return fmt.Sprintf("vsock://%d:%d", e.CID, e.Port)
	case SchemeWS:
		return "ws://" + e.Addr + e.Path
	}
	return e.Scheme + "://" + e.Addr
}

// ParseEndpoint parses unix:///path, tcp://host:port, vsock://cid:port and
// ws://host:port/path. A bare path is treated as a unix socket.
func ParseEndpoint(s string) (Endpoint, error) {
	if s == "" {
		return Endpoint{}, errors.New("empty endpoint")
	}
	if !strings.Contains(s, "://") {
		return Endpoint{Scheme: SchemeUnix, Addr: s}, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", s, err)
	}

	switch u.Scheme {
	case SchemeUnix:
		path := u.Path
		if u.Host != "" {
			path = u.Host + u.Path
		}
		if path == "" {
			return Endpoint{}, fmt.Errorf("endpoint %q: missing socket path", s)
		}
		return Endpoint{Scheme: SchemeUnix, Addr: path}, nil
	case SchemeTCP:
		if u.Host == "" {
			return Endpoint{}, fmt.Errorf("endpoint %q: missing host", s)
		}
		return Endpoint{Scheme: SchemeTCP, Addr: u.Host}, nil
	case SchemeVsock:
		cid, err := strconv.ParseUint(u.Hostname(), 10, 32)
		if err != nil {
			return Endpoint{}, fmt.Errorf("endpoint %q: invalid context id: %w", s, err)
		}
		port, err := strconv.ParseUint(u.Port(), 10, 32)
		if err != nil {
			return Endpoint{}, fmt.Errorf("endpoint %q: invalid port: %w", s, err)
		}
		return Endpoint{Scheme: SchemeVsock, CID: uint32(cid), Port: uint32(port)}, nil
	case SchemeWS:
		path := u.Path
		if path == "" {
			path = DefaultWSPath
		}
		return Endpoint{Scheme: SchemeWS, Addr: u.Host, Path: path}, nil
	}
	return Endpoint{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
}

// Dial connects to endpoint.
func Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	switch ep.Scheme {
	case SchemeUnix, SchemeTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, ep.Scheme, ep.Addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", ep, err)
		}
		return conn, nil
	case SchemeVsock:
		conn, err := vsock.Dial(ep.CID, ep.Port, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", ep, err)
		}
		return conn, nil
	case SchemeWS:
		dialer := &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		}
		header := http.Header{"User-Agent": {brand.UserAgent(brand.Version)}}
		ws, _, err := dialer.DialContext(ctx, ep.String(), header)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", ep, err)
		}
		return newWSConn(ws), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, ep.Scheme)
}

// Listen opens a listener for endpoint. Stale unix socket files are removed
// first.
func Listen(endpoint string) (net.Listener, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	switch ep.Scheme {
	case SchemeUnix:
		if err := os.Remove(ep.Addr); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale socket %s: %w", ep.Addr, err)
		}
		return net.Listen("unix", ep.Addr)
	case SchemeTCP:
		return net.Listen("tcp", ep.Addr)
	case SchemeVsock:
		return vsock.Listen(ep.Port, nil)
	case SchemeWS:
		return listenWS(ep)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, ep.Scheme)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     sameOrigin,
}

// sameOrigin accepts requests without an Origin header, from localhost, or
// from the listener's own host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return u.Host == r.Host
}

// wsListener adapts an HTTP server that upgrades every request on its path
// into a net.Listener.
type wsListener struct {
	ln     net.Listener
	srv    *http.Server
	conns  chan net.Conn
	done   chan struct{}
	closer sync.Once
}

func listenWS(ep Endpoint) (*wsListener, error) {
	ln, err := net.Listen("tcp", ep.Addr)
	if err != nil {
		return nil, err
	}
	l := &wsListener{
		ln:    ln,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(ep.Path, l.upgrade)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = l.srv.Serve(ln) }()
	return l, nil
}

func (l *wsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case l.conns <- newWSConn(ws):
	case <-l.done:
		ws.Close()
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	var err error
	l.closer.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}

func (l *wsListener) Addr() net.Addr { return l.ln.Addr() }

// wsConn presents a websocket as a byte stream. Each Write is one binary
// message; reads continue across message boundaries.
type wsConn struct {
	ws     *websocket.Conn
	readMu sync.Mutex
	r      io.Reader
	wmu    sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn { return &wsConn{ws: ws} }

func (c *wsConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		if c.r == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
