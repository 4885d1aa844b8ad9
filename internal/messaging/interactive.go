package messaging

import (
	"context"
	"errors"
	"io"
	"strings"

	"grimm.is/outpost/internal/logging"
	"grimm.is/outpost/internal/taskerr"
)

// LineSource supplies operator input one line at a time. ReadLine returns
// io.EOF when input ends.
type LineSource interface {
	ReadLine(ctx context.Context) (string, error)
}

// ParseCommand maps an input line to the message it emits. "get" emits
// GetProphecy and "exit" emits Finish and stops the loop. Anything else
// emits nothing.
func ParseCommand(line string) (msg Message, stop bool) {
	switch strings.TrimSpace(line) {
	case "get":
		return GetProphecy{}, false
	case "exit":
		return Finish{}, true
	}
	return nil, false
}

// Interact runs the operator loop until "exit", end of input or ctx is
// cancelled. Send failures are logged and do not end the loop.
func Interact(ctx context.Context, src LineSource, s *Sender, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.Default()
	}
	log := logger.WithComponent("console")

	for {
		line, err := src.ReadLine(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug("Input closed")
				return nil
			}
			if ctx.Err() != nil {
				return taskerr.New(taskerr.KindCancelled, "read input", ctx.Err())
			}
			return err
		}

		msg, stop := ParseCommand(line)
		if msg == nil {
			if strings.TrimSpace(line) != "" {
				log.Debug("Ignoring unknown command", "input", line)
			}
			continue
		}
		if err := s.Send(ctx, msg); err != nil {
			log.Warn("Sending message failed", "kind", msg.Kind(), "error", err)
		}
		if stop {
			return nil
		}
	}
}
