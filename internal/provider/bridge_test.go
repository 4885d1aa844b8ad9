package provider

import (
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/outpost/internal/logging"
)

type recordingPeer struct {
	mu     sync.Mutex
	data   []byte
	closed chan struct{}
	once   sync.Once
}

func newRecordingPeer() *recordingPeer { return &recordingPeer{closed: make(chan struct{})} }

func (r *recordingPeer) peer() *peer {
	return &peer{
		send: func(b []byte) error {
			r.mu.Lock()
			r.data = append(r.data, b...)
			r.mu.Unlock()
			return nil
		},
		close: func() { r.once.Do(func() { close(r.closed) }) },
	}
}

func (r *recordingPeer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.data)
}

func TestBridge_BuffersBothDirections(t *testing.T) {
	br, err := newBridge(filepath.Join(t.TempDir(), "m.sock"), logging.Discard())
	require.NoError(t, err)
	defer br.close()

	// Requestor bytes sent before the unit connects are delivered on connect.
	br.fromRequestor([]byte("to-unit"))

	unit, err := net.Dial("unix", br.path)
	require.NoError(t, err)
	defer unit.Close()

	buf := make([]byte, 7)
	require.NoError(t, unit.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(unit, buf)
	require.NoError(t, err)
	assert.Equal(t, "to-unit", string(buf))

	// Unit bytes sent before the requestor attaches are flushed on attach.
	_, err = unit.Write([]byte("early"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	rec := newRecordingPeer()
	require.NoError(t, br.attach(rec.peer()))
	assert.ErrorIs(t, br.attach(newRecordingPeer().peer()), errChannelOpen)

	_, err = unit.Write([]byte("-late"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return rec.String() == "early-late" }, 5*time.Second, 5*time.Millisecond)

	// The requestor end is closed only after the unit has gone.
	unit.Close()
	br.end(time.Second)
	select {
	case <-rec.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("requestor end not closed")
	}
}

func TestBridge_AttachAfterEnd(t *testing.T) {
	br, err := newBridge(filepath.Join(t.TempDir(), "m.sock"), logging.Discard())
	require.NoError(t, err)
	defer br.close()

	br.end(0)
	rec := newRecordingPeer()
	require.NoError(t, br.attach(rec.peer()))
	select {
	case <-rec.closed:
	default:
		t.Fatal("late attach must observe closure")
	}
}

func TestBridge_DetachSignalsEOF(t *testing.T) {
	br, err := newBridge(filepath.Join(t.TempDir(), "m.sock"), logging.Discard())
	require.NoError(t, err)
	defer br.close()

	unit, err := net.Dial("unix", br.path)
	require.NoError(t, err)
	defer unit.Close()

	p := newRecordingPeer().peer()
	require.NoError(t, br.attach(p))
	assert.Eventually(t, func() bool {
		br.mu.Lock()
		defer br.mu.Unlock()
		return br.unit != nil
	}, 5*time.Second, 5*time.Millisecond)

	br.detach(p)
	require.NoError(t, unit.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = unit.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
