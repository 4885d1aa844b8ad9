package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"

	"grimm.is/outpost/internal/events"
	"grimm.is/outpost/internal/logging"
	"grimm.is/outpost/internal/progress"
)

// Tracker drains a Receiver, applying progress reports to State and
// printing results.
type Tracker struct {
	// Accept is the variant set expected from the unit. Others are logged
	// and skipped.
	Accept  Set
	State   *progress.State
	Hub     *events.Hub
	Results io.Writer

	log *logging.Logger
}

// NewTracker creates a tracker accepting the given variants.
func NewTracker(accept Set, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.Default()
	}
	return &Tracker{Accept: accept, log: logger.WithComponent("messaging")}
}

// Track consumes messages until the peer closes the channel or sends
// Finish. A Finish sent by this side does not end tracking, since the unit
// may still be answering earlier requests. It has no other termination
// condition; callers bound it through ctx.
func (t *Tracker) Track(ctx context.Context, r *Receiver) error {
	for {
		msg, err := r.Receive(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			t.log.Debug("Message channel closed by peer")
			return nil
		default:
			return err
		}

		if !t.Accept.Contains(msg.Kind()) {
			t.log.Warn("Unexpected message kind", "kind", msg.Kind(), "accepted", t.Accept.String())
			continue
		}

		switch m := msg.(type) {
		case Progress:
			if t.State != nil {
				t.State.SetFraction(m.Value)
			}
			t.Hub.EmitProgress(m.Value)
		case Info:
			if t.State != nil {
				t.State.SetText(m.Message)
			}
			t.Hub.EmitInfo(m.Message)
		case ProphecyResult:
			if t.Results != nil {
				if _, err := fmt.Fprintln(t.Results, m.Message); err != nil {
					t.log.Warn("Failed to print result", "error", err)
				}
			}
			t.Hub.EmitResult(m.Message)
		case Finish:
			t.log.Debug("Peer sent Finish")
			return nil
		default:
			t.log.Debug("Ignoring message", "kind", msg.Kind())
		}
	}
}
