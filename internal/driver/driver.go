// Package driver runs one remote task end to end: negotiation, launch,
// concurrent monitoring of output and messages, and guaranteed teardown.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/outpost/internal/activity"
	"grimm.is/outpost/internal/clock"
	"grimm.is/outpost/internal/events"
	"grimm.is/outpost/internal/history"
	"grimm.is/outpost/internal/logging"
	"grimm.is/outpost/internal/market"
	"grimm.is/outpost/internal/messaging"
	"grimm.is/outpost/internal/metrics"
	"grimm.is/outpost/internal/monitor"
	"grimm.is/outpost/internal/progress"
	"grimm.is/outpost/internal/taskerr"
)

// State is a driver state machine state.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateLaunching
	StateMonitoring
	StateDraining
	StateDestroying
	StateDone
)

var stateNames = [...]string{"Idle", "Negotiating", "Launching", "Monitoring", "Draining", "Destroying", "Done"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Recorder persists agreements and session outcomes.
type Recorder interface {
	RecordAgreement(ctx context.Context, a history.AgreementRecord) error
	RecordSession(ctx context.Context, r history.SessionRecord) error
}

// Report describes a finished run.
type Report struct {
	Task           TaskKind
	SubscriptionID string
	Agreement      market.Agreement
	ActivityID     string
	States         []State
	Outcome        monitor.Outcome
	// StreamErr is a non-fatal break of the event stream or the message
	// channel.
	StreamErr  error
	DestroyErr error
	Started    time.Time
	Ended      time.Time
}

// Driver wires the session components together.
type Driver struct {
	Options  Options
	Market   market.API
	Activity activity.API
	Channels messaging.Opener

	Hub *events.Hub
	// Progress receives Progress and Info reports for tasks that show a
	// bar. The renderer reads it.
	Progress *progress.State
	History  Recorder
	Clock    clock.Clock

	Stdout  io.Writer
	Stderr  io.Writer
	Results io.Writer
	Input   messaging.LineSource

	log     *logging.Logger
	metrics *metrics.Registry

	mu    sync.Mutex
	state State
}

// New creates a driver with console sinks.
func New(opts Options, mkt market.API, act activity.API, ch messaging.Opener, logger *logging.Logger, m *metrics.Registry) *Driver {
	if logger == nil {
		logger = logging.Default()
	}
	return &Driver{
		Options:  opts,
		Market:   mkt,
		Activity: act,
		Channels: ch,
		Clock:    clock.RealClock{},
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		Results:  os.Stdout,
		log:      logger.WithComponent("driver"),
		metrics:  m,
	}
}

// State returns the current state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) transition(r *Report, to State, err error) {
	d.mu.Lock()
	from := d.state
	d.state = to
	r.States = append(r.States, to)
	d.mu.Unlock()

	d.log.Debug("Session state", "from", from.String(), "to", to.String())
	if d.metrics != nil {
		d.metrics.SessionTransitions.WithLabelValues(to.String()).Inc()
	}
	d.Hub.EmitState(from.String(), to.String(), err)
}

// Run executes task. It returns a Report for every run that got past
// argument validation, together with the first fatal error. Stream and
// destroy failures are recorded in the report and never returned.
func (d *Driver) Run(ctx context.Context, task Task) (*Report, error) {
	r := &Report{Task: task.Kind, Started: clock.Or(d.Clock).Now()}

	stopLiveness := d.startLiveness(ctx)
	defer stopLiveness()

	s, err := d.acquire(ctx, task, r)
	if s == nil {
		d.complete(ctx, r, err)
		return r, err
	}

	err = d.operate(ctx, s, task, r)

	d.transition(r, StateDestroying, err)
	if derr := s.Destroy(ctx); derr != nil {
		r.DestroyErr = derr
	}
	if d.metrics != nil {
		d.metrics.ActiveActivities.Dec()
	}
	d.recordSession(ctx, s, task, r, err)
	d.complete(ctx, r, err)
	return r, err
}

// acquire negotiates and creates the execution context. A nil session
// means there is nothing to destroy.
func (d *Driver) acquire(ctx context.Context, task Task, r *Report) (*activity.Session, error) {
	d.transition(r, StateNegotiating, nil)
	d.log.Info("Starting task", "task", string(task.Kind), "subnet", d.Options.Subnet)

	opts := d.Options
	spec, err := market.NewTaskSpec(d.Clock, market.SpecOptions{
		NodeName:   opts.NodeName,
		Subnet:     opts.Subnet,
		Runtime:    opts.Runtime,
		PackageRef: task.PackageRef,
		Expiration: opts.Expiration,
	})
	if err != nil {
		return nil, taskerr.New(taskerr.KindPublish, "build demand", err)
	}

	negotiator := market.NewNegotiator(d.Market, d.log, d.metrics)
	negotiator.Clock = d.Clock
	sub, err := negotiator.Publish(ctx, spec)
	if err != nil {
		return nil, err
	}
	r.SubscriptionID = sub.ID

	deadline := clock.Expiration(d.Clock, opts.NegotiationTimeout)
	agreements, err := sub.Negotiate(ctx, opts.MaxAgreements, deadline)
	if err != nil {
		return nil, err
	}
	for _, extra := range agreements[1:] {
		d.log.Warn("Ignoring extra agreement", "agreement", extra.ID)
	}
	r.Agreement = agreements[0]
	d.recordAgreement(ctx, task, r)

	d.transition(r, StateLaunching, nil)
	s, err := activity.Create(ctx, d.Activity, r.Agreement, d.log, d.metrics)
	if err != nil {
		return nil, err
	}
	if opts.DestroyTimeout > 0 {
		s.DestroyTimeout = opts.DestroyTimeout
	}
	r.ActivityID = s.ID
	if d.metrics != nil {
		d.metrics.ActiveActivities.Inc()
	}
	return s, nil
}

// operate launches the unit and monitors it. The caller destroys s on
// every return.
func (d *Driver) operate(ctx context.Context, s *activity.Session, task Task, r *Report) error {
	if err := s.DeployAndStart(ctx, task.StartArgs); err != nil {
		return err
	}

	d.transition(r, StateMonitoring, nil)
	return d.monitor(ctx, s, task, r)
}

func (d *Driver) monitor(ctx context.Context, s *activity.Session, task Task, r *Report) error {
	stdout, stderr := d.Stdout, d.Stderr
	var debug io.Writer
	if d.Options.OutputDir != "" {
		capture, err := monitor.NewCapture(d.Options.OutputDir, d.Options.DebugDir, d.Stdout, d.Stderr)
		if err != nil {
			d.log.Warn("Output capture disabled", "error", err)
		} else {
			defer func() {
				if err := capture.Close(); err != nil {
					d.log.Warn("Failed to close output capture", "error", err)
				}
			}()
			stdout, stderr, debug = capture.Stdout(), capture.Stderr(), capture.Debug()
		}
	}

	mon := monitor.New(stdout, stderr, d.log, d.metrics)
	mon.Hub = d.Hub
	mon.Debug = debug

	batch, err := mon.Attach(ctx, s, task.Binary, task.Args)
	if err != nil {
		return err
	}

	var sender *messaging.Sender
	var receiver *messaging.Receiver
	if task.Messages != nil && d.Channels != nil {
		sender, receiver, err = messaging.Open(ctx, d.Channels, s.ID, task.Location, d.log, d.metrics)
		if err != nil {
			d.log.Warn("Message channel unavailable", "location", task.Location, "error", err)
			r.StreamErr = err
		} else {
			defer receiver.Close()
		}
	}

	primaryDone := make(chan struct{})
	var g errgroup.Group
	var monErr error

	g.Go(func() error {
		defer close(primaryDone)
		r.Outcome, monErr = mon.Consume(ctx, batch)
		return nil
	})

	interactCtx, cancelInteract := context.WithCancel(ctx)
	defer cancelInteract()
	trackCtx, cancelTrack := context.WithCancel(ctx)
	defer cancelTrack()

	// Message flows report through the group, the monitor through monErr.
	messageErr := func(err error) error {
		if errors.Is(err, taskerr.ErrCancelled) {
			return nil
		}
		return err
	}

	if receiver != nil {
		tracker := messaging.NewTracker(task.Messages, d.log)
		tracker.Hub = d.Hub
		tracker.Results = d.Results
		if task.ShowProgress {
			tracker.State = d.Progress
		}
		g.Go(func() error {
			err := tracker.Track(trackCtx, receiver)
			if err != nil && ctx.Err() == nil && trackCtx.Err() != nil {
				d.log.Warn("Message channel did not close in time", "timeout", d.Options.DrainTimeout)
				return nil
			}
			if err != nil && !errors.Is(err, taskerr.ErrCancelled) {
				d.log.Warn("Message channel broken", "error", err)
			}
			return messageErr(err)
		})

		if task.Interactive && d.Input != nil {
			g.Go(func() error {
				return messageErr(messaging.Interact(interactCtx, d.Input, sender, d.log))
			})
		}
	}

	<-primaryDone
	d.transition(r, StateDraining, monErr)
	cancelInteract()
	if receiver != nil {
		drain := d.Options.DrainTimeout
		if drain <= 0 {
			drain = DefaultOptions().DrainTimeout
		}
		timer := time.AfterFunc(drain, cancelTrack)
		defer timer.Stop()
	}
	msgErr := g.Wait()

	if r.Outcome.Finished {
		s.MarkFinished()
	} else {
		s.MarkFailed()
	}

	switch {
	case monErr == nil:
	case errors.Is(monErr, taskerr.ErrStream):
		r.StreamErr = monErr
	default:
		return monErr
	}
	if r.StreamErr == nil {
		r.StreamErr = msgErr
	}
	if ctx.Err() != nil {
		return taskerr.New(taskerr.KindCancelled, "monitor", ctx.Err())
	}
	return nil
}

func (d *Driver) complete(ctx context.Context, r *Report, err error) {
	r.Ended = clock.Or(d.Clock).Now()
	d.transition(r, StateDone, err)

	outcome := "ok"
	switch {
	case errors.Is(err, taskerr.ErrCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "failed"
	}
	if d.metrics != nil {
		d.metrics.SessionsTotal.WithLabelValues(outcome).Inc()
	}
	if err != nil && !errors.Is(err, taskerr.ErrCancelled) {
		d.log.Error("Task failed", "error", err)
	}
	if r.StreamErr != nil {
		d.log.Warn("Task ended after a stream failure", "error", r.StreamErr)
	}
}

// startLiveness logs periodically until the returned stop is called.
func (d *Driver) startLiveness(ctx context.Context) (stop func()) {
	interval := d.Options.LivenessInterval
	if interval <= 0 {
		return func() {}
	}
	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-lctx.Done():
				return
			case <-ticker.C:
				d.log.Info("Still alive", "state", d.State().String())
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (d *Driver) recordAgreement(ctx context.Context, task Task, r *Report) {
	if d.History == nil {
		return
	}
	a := r.Agreement
	err := d.History.RecordAgreement(context.WithoutCancel(ctx), history.AgreementRecord{
		ID:             a.ID,
		OfferID:        a.OfferID,
		ProviderID:     a.ProviderID,
		SubscriptionID: r.SubscriptionID,
		Task:           string(task.Kind),
		ApprovedAt:     a.ApprovedAt,
		ValidTo:        a.ValidTo,
	})
	if err != nil {
		d.log.Warn("Failed to record agreement", "error", err)
	}
}

func (d *Driver) recordSession(ctx context.Context, s *activity.Session, task Task, r *Report, runErr error) {
	if d.History == nil {
		return
	}
	rec := history.SessionRecord{
		ActivityID:  s.ID,
		AgreementID: r.Agreement.ID,
		Task:        string(task.Kind),
		State:       s.State().String(),
		Finished:    r.Outcome.Finished,
		ReturnCode:  r.Outcome.ReturnCode,
		Message:     r.Outcome.Message,
		StartedAt:   r.Started,
	}
	if err := errors.Join(runErr, r.StreamErr); err != nil {
		rec.Error = err.Error()
	}
	if err := d.History.RecordSession(context.WithoutCancel(ctx), rec); err != nil {
		d.log.Warn("Failed to record session", "error", err)
	}
}
