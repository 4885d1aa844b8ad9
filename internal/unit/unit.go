// Package unit contains the guest programs that run inside an execution
// context and talk to the requestor over the message channel.
package unit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"time"

	"grimm.is/outpost/internal/logging"
	"grimm.is/outpost/internal/messaging"
)

// Progress reporter defaults.
const (
	DefaultSteps    = 16
	DefaultInterval = 2 * time.Second
	PhraseWords     = 3
)

var words = []string{
	"amber", "anchor", "basalt", "beacon", "bramble", "cedar", "cinder", "comet",
	"copper", "delta", "ember", "falcon", "fern", "flint", "glacier", "granite",
	"harbor", "hazel", "heron", "indigo", "juniper", "kestrel", "lantern", "lichen",
	"marble", "meadow", "nebula", "nimbus", "onyx", "orchid", "pebble", "quartz",
	"raven", "reef", "saffron", "sparrow", "summit", "thistle", "tundra", "umber",
	"valley", "willow", "yarrow", "zephyr",
}

// Phrase returns n random words joined by spaces.
func Phrase(r *rand.Rand, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = words[r.IntN(len(words))]
	}
	return strings.Join(parts, " ")
}

func newRand() *rand.Rand {
	return rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64()))
}

// ProgressReporter pushes Steps progress reports, each followed by an Info
// phrase, one every Interval.
type ProgressReporter struct {
	Steps    int
	Interval time.Duration
	Out      io.Writer
	Rand     *rand.Rand
	Logger   *logging.Logger
}

// NewProgressReporter returns a reporter with default steps and interval.
func NewProgressReporter(out io.Writer, logger *logging.Logger) *ProgressReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return &ProgressReporter{
		Steps:    DefaultSteps,
		Interval: DefaultInterval,
		Out:      out,
		Rand:     newRand(),
		Logger:   logger.WithComponent("unit"),
	}
}

// Run sends the reports. Send failures are logged and do not stop the
// sequence.
func (p *ProgressReporter) Run(ctx context.Context, s *messaging.Sender) error {
	steps := max(p.Steps, 1)
	for i := 1; i <= steps; i++ {
		if p.Interval > 0 {
			t := time.NewTimer(p.Interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		value := float64(i) / float64(steps)
		if err := s.Send(ctx, messaging.Progress{Value: value}); err != nil {
			p.Logger.Debug("Progress not delivered", "value", value, "error", err)
		}
		if err := s.Send(ctx, messaging.Info{Message: Phrase(p.Rand, PhraseWords)}); err != nil {
			p.Logger.Debug("Info not delivered", "error", err)
		}
		if p.Out != nil {
			fmt.Fprintln(p.Out)
		}
	}
	return nil
}

// Prophecy answers every GetProphecy with a random phrase until Finish
// arrives or the channel closes.
type Prophecy struct {
	Out    io.Writer
	Rand   *rand.Rand
	Logger *logging.Logger
}

// NewProphecy returns a prophecy unit printing to out.
func NewProphecy(out io.Writer, logger *logging.Logger) *Prophecy {
	if logger == nil {
		logger = logging.Default()
	}
	return &Prophecy{Out: out, Rand: newRand(), Logger: logger.WithComponent("unit")}
}

// Run serves requests from r and answers on s.
func (p *Prophecy) Run(ctx context.Context, s *messaging.Sender, r *messaging.Receiver) error {
	for {
		msg, err := r.Receive(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch msg.(type) {
		case messaging.Finish:
			return nil
		case messaging.GetProphecy:
			phrase := Phrase(p.Rand, PhraseWords)
			if p.Out != nil {
				fmt.Fprintf(p.Out, "Debug print: %s\n\n", phrase)
			}
			if err := s.Send(ctx, messaging.ProphecyResult{Message: phrase}); err != nil {
				p.Logger.Debug("Prophecy not delivered", "error", err)
			}
		default:
			p.Logger.Debug("Ignoring message", "kind", msg.Kind())
		}
	}
}
