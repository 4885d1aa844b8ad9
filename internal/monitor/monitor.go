// Package monitor consumes a running unit's event stream, routing output to
// sinks until the unit reports that it finished.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"grimm.is/outpost/internal/activity"
	"grimm.is/outpost/internal/events"
	"grimm.is/outpost/internal/logging"
	"grimm.is/outpost/internal/metrics"
	"grimm.is/outpost/internal/protocol"
	"grimm.is/outpost/internal/taskerr"
)

// Outcome summarizes how the primary flow ended.
type Outcome struct {
	// Finished is true when the unit's terminal event was observed. It is
	// false when the stream was exhausted or broke first.
	Finished   bool
	ReturnCode int
	Message    string
	Events     int
}

// Flusher is implemented by sinks that buffer output.
type Flusher interface {
	Flush() error
}

// Monitor routes runtime events of one batch.
type Monitor struct {
	Stdout io.Writer
	Stderr io.Writer
	// Debug, when set, receives every consumed event as one JSON line.
	Debug io.Writer
	Hub   *events.Hub

	log     *logging.Logger
	metrics *metrics.Registry
}

// New creates a monitor writing to the given sinks.
func New(stdout, stderr io.Writer, logger *logging.Logger, m *metrics.Registry) *Monitor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Monitor{
		Stdout:  stdout,
		Stderr:  stderr,
		log:     logger.WithComponent("monitor"),
		metrics: m,
	}
}

// Attach launches binary inside the session and returns its batch.
func (m *Monitor) Attach(ctx context.Context, s *activity.Session, binary string, args []string) (*activity.Batch, error) {
	return s.RunStreaming(ctx, binary, args)
}

// Consume pulls events until the first Finished event or the end of the
// stream, then joins the batch and flushes the sinks. Events after
// Finished are never pulled. A broken stream yields a Stream-kind error
// and a cancelled ctx a Cancelled-kind error; neither is joined.
func (m *Monitor) Consume(ctx context.Context, b *activity.Batch) (Outcome, error) {
	log := m.log.WithFields(map[string]any{"batch": b.ID})
	var out Outcome

	for {
		ev, err := b.Next(ctx)
		if errors.Is(err, io.EOF) {
			log.Warn("Event stream ended before the unit finished")
			break
		}
		if err != nil {
			b.Stream.Close()
			if ctx.Err() != nil {
				return out, taskerr.New(taskerr.KindCancelled, "consume events", ctx.Err())
			}
			log.Error("Event stream broken", "error", err)
			return out, taskerr.New(taskerr.KindStream, "consume events", err)
		}

		out.Events++
		m.record(log, ev)

		if ev.Kind == protocol.EventFinished {
			out.Finished = true
			out.ReturnCode = ev.ReturnCode
			if ev.Message != nil {
				out.Message = *ev.Message
			}
			log.Info("ExeUnit finished", "code", out.ReturnCode, "message", out.Message)
			m.Hub.EmitFinished(out.ReturnCode, out.Message)
			break
		}
		m.forward(log, ev)
	}

	if _, err := b.WaitForFinish(ctx); err != nil {
		if ctx.Err() != nil {
			return out, taskerr.New(taskerr.KindCancelled, "wait for finish", ctx.Err())
		}
		log.Error("Waiting for batch failed", "error", err)
		return out, taskerr.New(taskerr.KindStream, "wait for finish", err)
	}
	m.flush(log)
	return out, nil
}

func (m *Monitor) forward(log *logging.Logger, ev protocol.RuntimeEvent) {
	var sink io.Writer
	switch ev.Kind {
	case protocol.EventStdout:
		sink = m.Stdout
	case protocol.EventStderr:
		sink = m.Stderr
	case protocol.EventStarted:
		log.Debug("Command started", "index", ev.Index)
		return
	default:
		log.Debug("Ignoring event", "kind", ev.Kind)
		return
	}
	if sink == nil || len(ev.Output) == 0 {
		return
	}
	if _, err := sink.Write(ev.Output); err != nil {
		log.Warn("Failed to forward output", "stream", ev.Kind, "error", err)
	}
}

func (m *Monitor) record(log *logging.Logger, ev protocol.RuntimeEvent) {
	if m.metrics != nil {
		m.metrics.RecordEvent(string(ev.Kind), len(ev.Output))
	}
	if m.Debug == nil {
		return
	}
	line, err := json.Marshal(ev)
	if err == nil {
		line = append(line, '\n')
		_, err = m.Debug.Write(line)
	}
	if err != nil {
		log.Warn("Failed to write debug event", "error", err)
	}
}

func (m *Monitor) flush(log *logging.Logger) {
	for _, w := range []io.Writer{m.Stdout, m.Stderr, m.Debug} {
		if f, ok := w.(Flusher); ok {
			if err := f.Flush(); err != nil {
				log.Warn("Failed to flush output", "error", err)
			}
		}
	}
}
