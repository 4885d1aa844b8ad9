// Package activity owns the lifecycle of one agreement's execution context,
// from creation to guaranteed destruction.
package activity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"grimm.is/outpost/internal/logging"
	"grimm.is/outpost/internal/market"
	"grimm.is/outpost/internal/metrics"
	"grimm.is/outpost/internal/protocol"
	"grimm.is/outpost/internal/taskerr"
)

// DefaultDestroyTimeout bounds the destroy call, which runs detached from
// any operator cancellation.
const DefaultDestroyTimeout = 30 * time.Second

// State is the lifecycle state of a Session.
type State int

const (
	StateCreated State = iota
	StateDeployed
	StateStarted
	StateRunning
	StateFinished
	StateFailed
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateDeployed:
		return "Deployed"
	case StateStarted:
		return "Started"
	case StateRunning:
		return "Running"
	case StateFinished:
		return "Finished"
	case StateFailed:
		return "Failed"
	case StateDestroyed:
		return "Destroyed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session is one remote execution context bound to an agreement.
type Session struct {
	ID             string
	Agreement      market.Agreement
	DestroyTimeout time.Duration

	api     API
	log     *logging.Logger
	metrics *metrics.Registry

	mu    sync.Mutex
	state State

	destroyOnce sync.Once
	destroyErr  error
}

// Create allocates the execution context for agreement.
func Create(ctx context.Context, api API, agreement market.Agreement, logger *logging.Logger, m *metrics.Registry) (*Session, error) {
	if logger == nil {
		logger = logging.Default()
	}
	id, err := api.CreateActivity(ctx, agreement.ID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, taskerr.New(taskerr.KindCancelled, "create activity", ctx.Err())
		}
		return nil, taskerr.New(taskerr.KindActivityCreation, "create activity", err)
	}

	s := &Session{
		ID:             id,
		Agreement:      agreement,
		DestroyTimeout: DefaultDestroyTimeout,
		api:            api,
		log:            logger.WithComponent("session").WithFields(map[string]any{"activity": id}),
		metrics:        m,
		state:          StateCreated,
	}
	s.log.Info("Activity created", "agreement", agreement.ID)
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return
	}
	s.state = st
}

// MarkFinished records that the primary flow observed its terminal event.
func (s *Session) MarkFinished() { s.setState(StateFinished) }

// MarkFailed records a failure of the unit or of its output stream.
func (s *Session) MarkFailed() { s.setState(StateFailed) }

// DeployAndStart issues Deploy then Start as one ordered batch and waits
// for both results. Any failure leaves the session Failed; the caller
// still owns destruction.
func (s *Session) DeployAndStart(ctx context.Context, args []string) error {
	s.log.Info("Deploying image and starting ExeUnit...")

	batchID, err := s.api.Exec(ctx, s.ID, []protocol.Command{protocol.Deploy(), protocol.Start(args...)})
	if err != nil {
		return s.launchFailed(ctx, "exec deploy/start", err)
	}

	result, err := s.api.Wait(ctx, s.ID, batchID)
	if err != nil {
		return s.launchFailed(ctx, "wait deploy/start", err)
	}
	if len(result.Results) > 0 && result.Results[0].ReturnCode == 0 {
		s.setState(StateDeployed)
	}
	if failed, ok := result.Failed(); ok {
		step := "deploy"
		if failed.Index == 1 {
			step = "start"
		}
		return s.launchFailed(ctx, step, fmt.Errorf("return code %d: %s", failed.ReturnCode, failed.Message))
	}
	if len(result.Results) < 2 {
		return s.launchFailed(ctx, "deploy/start", errors.New("incomplete batch result"))
	}

	s.setState(StateStarted)
	s.log.Info("Image deployed. ExeUnit started.")
	return nil
}

func (s *Session) launchFailed(ctx context.Context, op string, err error) error {
	s.setState(StateFailed)
	s.log.Error("Failed to initialize task", "step", op, "error", err)
	if ctx.Err() != nil {
		return taskerr.New(taskerr.KindCancelled, op, ctx.Err())
	}
	return taskerr.New(taskerr.KindLaunch, op, err)
}

// Batch is a submitted streaming run.
type Batch struct {
	ID         string
	ActivityID string
	Stream     EventStream

	api API
}

// Next pulls the next runtime event.
func (b *Batch) Next(ctx context.Context) (protocol.RuntimeEvent, error) {
	return b.Stream.Next(ctx)
}

// WaitForFinish joins the remote batch after consumption has stopped so
// that all captured output has been flushed by the provider.
func (b *Batch) WaitForFinish(ctx context.Context) (protocol.BatchResult, error) {
	defer b.Stream.Close()
	return b.api.Wait(ctx, b.ActivityID, b.ID)
}

// RunStreaming launches binary inside the execution context and attaches
// to its event stream.
func (s *Session) RunStreaming(ctx context.Context, binary string, args []string) (*Batch, error) {
	batchID, err := s.api.Exec(ctx, s.ID, []protocol.Command{protocol.Run(binary, args...)})
	if err != nil {
		return nil, s.launchFailed(ctx, "run "+binary, err)
	}
	stream, err := s.api.Attach(ctx, s.ID, batchID)
	if err != nil {
		return nil, s.launchFailed(ctx, "attach "+binary, err)
	}
	s.setState(StateRunning)
	s.log.Info("Unit running", "binary", binary, "batch", batchID)
	return &Batch{ID: batchID, ActivityID: s.ID, Stream: stream, api: s.api}, nil
}

// Destroy tears down the execution context. It runs at most once, ignores
// cancellation of ctx, and returns a Destroy-kind error for the caller to
// record; it is never fatal.
func (s *Session) Destroy(ctx context.Context) error {
	s.destroyOnce.Do(func() {
		timeout := s.DestroyTimeout
		if timeout <= 0 {
			timeout = DefaultDestroyTimeout
		}
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		s.log.Info("Destroying activity..")
		if err := s.api.Destroy(dctx, s.ID); err != nil {
			s.destroyErr = taskerr.New(taskerr.KindDestroy, "destroy activity", err)
			s.log.Error("Can't destroy activity", "error", err)
			if s.metrics != nil {
				s.metrics.DestroyFailures.Inc()
			}
		}

		s.mu.Lock()
		s.state = StateDestroyed
		s.mu.Unlock()
	})
	return s.destroyErr
}
