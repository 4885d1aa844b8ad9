package transport

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/outpost/internal/testutil"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want Endpoint
	}{
		{"unix:///run/outpost.sock", Endpoint{Scheme: SchemeUnix, Addr: "/run/outpost.sock"}},
		{"/run/outpost.sock", Endpoint{Scheme: SchemeUnix, Addr: "/run/outpost.sock"}},
		{"tcp://127.0.0.1:7465", Endpoint{Scheme: SchemeTCP, Addr: "127.0.0.1:7465"}},
		{"vsock://3:7465", Endpoint{Scheme: SchemeVsock, CID: 3, Port: 7465}},
		{"ws://localhost:8080", Endpoint{Scheme: SchemeWS, Addr: "localhost:8080", Path: DefaultWSPath}},
		{"ws://localhost:8080/rpc", Endpoint{Scheme: SchemeWS, Addr: "localhost:8080", Path: "/rpc"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEndpoint(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "unix://", "tcp://", "vsock://x:1", "vsock://3:port", "http://host"} {
		_, err := ParseEndpoint(bad)
		assert.Error(t, err, bad)
	}
	_, err := ParseEndpoint("http://host")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestEndpoint_String(t *testing.T) {
	for _, s := range []string{"unix:///tmp/a.sock", "tcp://127.0.0.1:1", "vsock://3:7465", "ws://h:1/ws"} {
		ep, err := ParseEndpoint(s)
		require.NoError(t, err)
		assert.Equal(t, s, ep.String())
	}
}

func echoOnce(t *testing.T, endpoint, dialEndpoint string) {
	t.Helper()
	ln, err := Listen(endpoint)
	require.NoError(t, err)
	defer ln.Close()
	if dialEndpoint == "" {
		dialEndpoint = endpoint
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("echo " + line))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, dialEndpoint)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hi\n"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo hi\n", line)
}

func TestListenDial_Unix(t *testing.T) {
	echoOnce(t, "unix://"+filepath.Join(t.TempDir(), "e.sock"), "")
}

func TestListenDial_TCP(t *testing.T) {
	ln, err := Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	echoOnce(t, "tcp://"+addr, "")
}

func TestListenDial_WebSocket(t *testing.T) {
	ln, err := Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	echoOnce(t, "ws://"+addr+"/rpc", "")
}

func TestListenDial_Vsock(t *testing.T) {
	testutil.RequireVsock(t)
	// CID 1 is the local loopback.
	echoOnce(t, "vsock://1:17465", "")
}

func TestSameOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:9", true},
		{"http://provider.example:8080", true},
		{"http://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://provider.example:8080/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, sameOrigin(r), tt.origin)
	}
}
