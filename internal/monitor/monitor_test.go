package monitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/outpost/internal/activity"
	"grimm.is/outpost/internal/events"
	"grimm.is/outpost/internal/logging"
	"grimm.is/outpost/internal/market"
	"grimm.is/outpost/internal/metrics"
	"grimm.is/outpost/internal/protocol"
	"grimm.is/outpost/internal/taskerr"
)

func out(kind protocol.EventKind, s string) protocol.RuntimeEvent {
	return protocol.RuntimeEvent{Kind: kind, Output: []byte(s)}
}

func finished(code int, msg *string) protocol.RuntimeEvent {
	return protocol.RuntimeEvent{Kind: protocol.EventFinished, ReturnCode: code, Message: msg}
}

// attach runs the unit through a mocked session and returns its batch.
func attach(t *testing.T, mon *Monitor, api *activity.MockAPI, stream *activity.SliceStream) *activity.Batch {
	t.Helper()
	api.On("CreateActivity", mock.Anything, "agr").Return("act", nil)
	api.On("Exec", mock.Anything, "act", mock.Anything).Return("batch", nil)
	api.On("Attach", mock.Anything, "act", "batch").Return(stream, nil)

	s, err := activity.Create(context.Background(), api, market.Agreement{ID: "agr"}, logging.Discard(), nil)
	require.NoError(t, err)
	b, err := mon.Attach(context.Background(), s, "/bin/unit", nil)
	require.NoError(t, err)
	return b
}

func TestConsume_StopsAtFinished(t *testing.T) {
	var stdout, stderr bytes.Buffer
	m := metrics.NewIsolated()
	mon := New(&stdout, &stderr, logging.Discard(), m)
	hub := events.NewHub()
	mon.Hub = hub
	finishedCh := hub.Subscribe(1, events.EventFinished)

	stream := &activity.SliceStream{Events: []protocol.RuntimeEvent{
		{Kind: protocol.EventStarted},
		out(protocol.EventStdout, "a"),
		out(protocol.EventStdout, "b"),
		finished(0, nil),
		out(protocol.EventStdout, "never"),
	}}
	api := &activity.MockAPI{}
	api.On("Wait", mock.Anything, "act", "batch").Return(protocol.BatchResult{}, nil).Once()
	b := attach(t, mon, api, stream)

	outcome, err := mon.Consume(context.Background(), b)
	require.NoError(t, err)

	assert.Equal(t, "ab", stdout.String())
	assert.Empty(t, stderr.String())
	assert.True(t, outcome.Finished)
	assert.Equal(t, 0, outcome.ReturnCode)
	assert.Equal(t, 4, stream.Pulled(), "events after Finished must not be pulled")
	assert.True(t, stream.Closed())
	api.AssertExpectations(t)

	e := <-finishedCh
	assert.Equal(t, events.FinishedData{ReturnCode: 0}, e.Data)
}

func TestConsume_RoutesByStream(t *testing.T) {
	var stdout, stderr bytes.Buffer
	mon := New(&stdout, &stderr, logging.Discard(), nil)
	msg := "segfault"

	stream := &activity.SliceStream{Events: []protocol.RuntimeEvent{
		out(protocol.EventStdout, "out-1 "),
		out(protocol.EventStderr, "err-1"),
		out(protocol.EventStdout, "out-2"),
		finished(139, &msg),
	}}
	api := &activity.MockAPI{}
	api.On("Wait", mock.Anything, "act", "batch").Return(protocol.BatchResult{}, nil)
	b := attach(t, mon, api, stream)

	outcome, err := mon.Consume(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, "out-1 out-2", stdout.String())
	assert.Equal(t, "err-1", stderr.String())
	assert.Equal(t, Outcome{Finished: true, ReturnCode: 139, Message: "segfault", Events: 4}, outcome)
}

type failingWriter struct{ calls int }

func (w *failingWriter) Write(p []byte) (int, error) {
	w.calls++
	return 0, errors.New("disk full")
}

func TestConsume_SinkFailureDoesNotAbort(t *testing.T) {
	sink := &failingWriter{}
	mon := New(sink, sink, logging.Discard(), nil)

	stream := &activity.SliceStream{Events: []protocol.RuntimeEvent{
		out(protocol.EventStdout, "a"),
		out(protocol.EventStderr, "b"),
		finished(0, nil),
	}}
	api := &activity.MockAPI{}
	api.On("Wait", mock.Anything, "act", "batch").Return(protocol.BatchResult{}, nil)
	b := attach(t, mon, api, stream)

	outcome, err := mon.Consume(context.Background(), b)
	require.NoError(t, err)
	assert.True(t, outcome.Finished)
	assert.Equal(t, 2, sink.calls)
}

func TestConsume_ExhaustionStillJoins(t *testing.T) {
	var stdout bytes.Buffer
	mon := New(&stdout, nil, logging.Discard(), nil)

	stream := &activity.SliceStream{Events: []protocol.RuntimeEvent{out(protocol.EventStdout, "partial")}}
	api := &activity.MockAPI{}
	api.On("Wait", mock.Anything, "act", "batch").Return(protocol.BatchResult{}, nil).Once()
	b := attach(t, mon, api, stream)

	outcome, err := mon.Consume(context.Background(), b)
	require.NoError(t, err)
	assert.False(t, outcome.Finished)
	assert.Equal(t, "partial", stdout.String())
	api.AssertExpectations(t)
}

func TestConsume_StreamError(t *testing.T) {
	mon := New(nil, nil, logging.Discard(), nil)

	stream := &activity.SliceStream{
		Events: []protocol.RuntimeEvent{out(protocol.EventStdout, "x")},
		Err:    errors.New("connection reset"),
	}
	api := &activity.MockAPI{}
	b := attach(t, mon, api, stream)

	outcome, err := mon.Consume(context.Background(), b)
	assert.ErrorIs(t, err, taskerr.ErrStream)
	assert.False(t, outcome.Finished)
	assert.Equal(t, 1, outcome.Events)
	assert.True(t, stream.Closed())
	api.AssertNotCalled(t, "Wait", mock.Anything, mock.Anything, mock.Anything)
}

func TestConsume_Cancelled(t *testing.T) {
	mon := New(nil, nil, logging.Discard(), nil)
	stream := &activity.SliceStream{Events: []protocol.RuntimeEvent{out(protocol.EventStdout, "x")}}
	api := &activity.MockAPI{}
	b := attach(t, mon, api, stream)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := mon.Consume(ctx, b)
	assert.ErrorIs(t, err, taskerr.ErrCancelled)
}

func TestConsume_JoinFailure(t *testing.T) {
	mon := New(nil, nil, logging.Discard(), nil)
	stream := &activity.SliceStream{Events: []protocol.RuntimeEvent{finished(0, nil)}}
	api := &activity.MockAPI{}
	api.On("Wait", mock.Anything, "act", "batch").Return(protocol.BatchResult{}, errors.New("gone"))
	b := attach(t, mon, api, stream)

	outcome, err := mon.Consume(context.Background(), b)
	assert.ErrorIs(t, err, taskerr.ErrStream)
	assert.True(t, outcome.Finished)
}

func TestCapture_WritesFilesAndEventLog(t *testing.T) {
	dir := t.TempDir()
	debugDir := filepath.Join(dir, ".debug")
	var console bytes.Buffer

	capture, err := NewCapture(dir, debugDir, &console, nil)
	require.NoError(t, err)

	mon := New(capture.Stdout(), capture.Stderr(), logging.Discard(), nil)
	mon.Debug = capture.Debug()

	stream := &activity.SliceStream{Events: []protocol.RuntimeEvent{
		out(protocol.EventStdout, "hello\n"),
		out(protocol.EventStderr, "warning\n"),
		finished(0, nil),
	}}
	api := &activity.MockAPI{}
	api.On("Wait", mock.Anything, "act", "batch").Return(protocol.BatchResult{}, nil)
	b := attach(t, mon, api, stream)

	_, err = mon.Consume(context.Background(), b)
	require.NoError(t, err)

	// Flushed by Consume, before Close.
	data, err := os.ReadFile(filepath.Join(dir, StdoutFile))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
	assert.Equal(t, "hello\n", console.String())

	require.NoError(t, capture.Close())
	require.NoError(t, capture.Close())

	data, err = os.ReadFile(filepath.Join(dir, StderrFile))
	require.NoError(t, err)
	assert.Equal(t, "warning\n", string(data))

	f, err := os.Open(filepath.Join(debugDir, EventsFile))
	require.NoError(t, err)
	defer f.Close()
	var kinds []protocol.EventKind
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev protocol.RuntimeEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []protocol.EventKind{protocol.EventStdout, protocol.EventStderr, protocol.EventFinished}, kinds)

	_, err = capture.Stdout().Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestCapture_DebugDisabled(t *testing.T) {
	capture, err := NewCapture(t.TempDir(), "", nil, nil)
	require.NoError(t, err)
	defer capture.Close()
	assert.Nil(t, capture.Debug())
}
