package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/outpost/internal/clock"
	"grimm.is/outpost/internal/logging"
	"grimm.is/outpost/internal/market"
	"grimm.is/outpost/internal/protocol"
)

var (
	ErrUnknownActivity = errors.New("unknown activity")
	ErrUnknownBatch    = errors.New("unknown batch")
	ErrTerminated      = errors.New("activity terminated")
)

// Return codes reported for commands that never produced a process exit.
const (
	codeFailed   = 1
	codeNotFound = 127
)

// DefaultBridgeLinger bounds how long a finished unit's message channel may
// keep delivering before it is closed.
const DefaultBridgeLinger = 2 * time.Second

// Activities runs command batches inside per-agreement execution contexts.
type Activities struct {
	Market        *Market
	Units         map[string]Unit
	WorkDir       string
	FetchPackages bool
	HTTP          *http.Client
	BridgeLinger  time.Duration
	Clock         clock.Clock

	log  *logging.Logger
	mu   sync.Mutex
	acts map[string]*execContext
}

// NewActivities creates an activity manager rooted at workDir.
func NewActivities(m *Market, units map[string]Unit, workDir string, logger *logging.Logger) *Activities {
	if logger == nil {
		logger = logging.Default()
	}
	return &Activities{
		Market:       m,
		Units:        units,
		WorkDir:      workDir,
		BridgeLinger: DefaultBridgeLinger,
		Clock:        clock.RealClock{},
		log:          logger.WithComponent("activity"),
		acts:         make(map[string]*execContext),
	}
}

type execContext struct {
	id          string
	agreementID string
	packageRef  string
	validTo     time.Time
	dir         string
	bridge      *bridge
	log         *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	execMu sync.Mutex // one batch at a time

	mu      sync.Mutex
	state   string
	reason  string
	errMsg  string
	batches map[string]*batch
	running *protocol.RunningCommand
	proc    *process
}

func (e *execContext) setState(state, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == protocol.StateTerminated {
		return
	}
	e.state, e.reason = state, reason
}

func (e *execContext) currentState() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Create allocates an execution context for an agreement.
func (a *Activities) Create(agreementID string) (string, error) {
	agreement, demand, err := a.Market.claim(agreementID)
	if err != nil {
		return "", err
	}
	ref, _ := demand.Properties[market.PropTaskPackage].(string)

	id := uuid.NewString()
	dir := filepath.Join(a.WorkDir, id[:8])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	log := a.log.WithFields(map[string]any{"activity": id})
	br, err := newBridge(filepath.Join(dir, "msg.sock"), log)
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("message bridge: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &execContext{
		id:          id,
		agreementID: agreement.ID,
		packageRef:  ref,
		validTo:     agreement.ValidTo,
		dir:         dir,
		bridge:      br,
		log:         log,
		ctx:         ctx,
		cancel:      cancel,
		state:       protocol.StateNew,
		batches:     make(map[string]*batch),
	}
	a.mu.Lock()
	a.acts[id] = e
	a.mu.Unlock()
	log.Info("Activity created", "agreement", agreement.ID)
	return id, nil
}

func (a *Activities) get(id string) (*execContext, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.acts[id]
	if !ok {
		return nil, ErrUnknownActivity
	}
	return e, nil
}

// Exec queues an ordered batch and returns its id. Commands run in order;
// the first non-zero return code stops the batch.
func (a *Activities) Exec(id string, commands []protocol.Command) (string, error) {
	e, err := a.get(id)
	if err != nil {
		return "", err
	}
	if len(commands) == 0 {
		return "", errors.New("empty batch")
	}
	if e.currentState() == protocol.StateTerminated {
		return "", ErrTerminated
	}

	b := newBatch(uuid.NewString(), id)
	e.mu.Lock()
	e.batches[b.id] = b
	e.mu.Unlock()

	go a.runBatch(e, b, commands)
	return b.id, nil
}

func (a *Activities) runBatch(e *execContext, b *batch, commands []protocol.Command) {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	var results []protocol.CommandResult
	for i, cmd := range commands {
		b.emit(protocol.RuntimeEvent{Index: i, Kind: protocol.EventStarted})
		code, msg := a.runCommand(e, b, i, cmd)

		ev := protocol.RuntimeEvent{Index: i, Kind: protocol.EventFinished, ReturnCode: code}
		if msg != "" {
			ev.Message = &msg
		}
		b.emit(ev)
		results = append(results, protocol.CommandResult{Index: i, ReturnCode: code, Message: msg})
		if code != 0 {
			e.mu.Lock()
			e.errMsg = msg
			e.mu.Unlock()
			e.log.Warn("Command failed", "batch", b.id, "index", i, "kind", cmd.Kind, "code", code, "message", msg)
			break
		}
	}
	b.finish(results)
}

func (a *Activities) runCommand(e *execContext, b *batch, index int, cmd protocol.Command) (int, string) {
	if e.currentState() == protocol.StateTerminated {
		return codeFailed, ErrTerminated.Error()
	}
	switch cmd.Kind {
	case protocol.CmdDeploy:
		return a.deploy(e)

	case protocol.CmdStart:
		if st := e.currentState(); st != protocol.StateDeployed {
			return codeFailed, fmt.Sprintf("cannot start from state %s", st)
		}
		e.setState(protocol.StateReady, "")
		return 0, ""

	case protocol.CmdRun:
		return a.run(e, b, index, cmd)
	}
	return codeFailed, fmt.Sprintf("unknown command %q", cmd.Kind)
}

func (a *Activities) deploy(e *execContext) (int, string) {
	if st := e.currentState(); st != protocol.StateNew {
		return codeFailed, fmt.Sprintf("cannot deploy from state %s", st)
	}
	ref, err := ParsePackageRef(e.packageRef)
	if err != nil {
		return codeFailed, err.Error()
	}
	if a.FetchPackages {
		path, err := ref.Fetch(e.ctx, a.HTTP, e.dir)
		if err != nil {
			return codeFailed, err.Error()
		}
		e.log.Info("Package deployed", "path", path)
	}
	e.setState(protocol.StateDeployed, "")
	return 0, ""
}

func (a *Activities) run(e *execContext, b *batch, index int, cmd protocol.Command) (int, string) {
	if st := e.currentState(); st != protocol.StateReady {
		return codeFailed, fmt.Sprintf("cannot run from state %s", st)
	}
	unit, ok := a.Units[cmd.EntryPoint]
	if !ok {
		return codeNotFound, fmt.Sprintf("entry point %s not found", cmd.EntryPoint)
	}

	env := []string{EnvMessages + "=" + e.bridge.path}
	proc, err := startUnit(unit, cmd.Args, e.dir, env, cmd.Tty, b, index)
	if err != nil {
		return codeFailed, err.Error()
	}
	e.mu.Lock()
	e.proc = proc
	e.running = &protocol.RunningCommand{
		Command: cmd.EntryPoint,
		Params:  cmd.Args,
		BatchID: b.id,
	}
	terminated := e.state == protocol.StateTerminated
	e.mu.Unlock()
	if terminated {
		proc.kill()
	}
	e.log.Info("Unit started", "entry_point", cmd.EntryPoint, "args", strings.Join(cmd.Args, " "))

	code := proc.wait()
	e.bridge.end(a.BridgeLinger)

	e.mu.Lock()
	e.proc, e.running = nil, nil
	terminated = e.state == protocol.StateTerminated
	e.mu.Unlock()
	e.log.Info("Unit exited", "code", code)

	if terminated {
		return code, ErrTerminated.Error()
	}
	if code != 0 {
		return code, fmt.Sprintf("exit status %d", code)
	}
	return 0, ""
}

// Attach returns the event log of a batch.
func (a *Activities) Attach(id, batchID string) (*batch, error) {
	e, err := a.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.batches[batchID]
	if !ok {
		return nil, ErrUnknownBatch
	}
	return b, nil
}

// Wait blocks until a batch finishes.
func (a *Activities) Wait(ctx context.Context, id, batchID string) (protocol.BatchResult, error) {
	b, err := a.Attach(id, batchID)
	if err != nil {
		return protocol.BatchResult{}, err
	}
	return b.wait(ctx)
}

// State reports the activity's state and running command.
func (a *Activities) State(id string) (protocol.ActivityState, error) {
	e, err := a.get(id)
	if err != nil {
		return protocol.ActivityState{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := protocol.ActivityState{
		ActivityID:   id,
		State:        e.state,
		Reason:       e.reason,
		ErrorMessage: e.errMsg,
	}
	if e.running != nil {
		rc := *e.running
		st.RunningCommand = &rc
	}
	return st, nil
}

// Channel returns the message bridge of an activity.
func (a *Activities) Channel(id, location string) (*bridge, error) {
	if location == "" {
		return nil, errors.New("empty channel location")
	}
	e, err := a.get(id)
	if err != nil {
		return nil, err
	}
	if e.currentState() == protocol.StateTerminated {
		return nil, ErrTerminated
	}
	return e.bridge, nil
}

// Destroy terminates an activity: the unit's process group is killed, the
// message channel closed and the work directory removed. Destroying a
// terminated activity is a no-op.
func (a *Activities) Destroy(id, reason string) error {
	e, err := a.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.state == protocol.StateTerminated {
		e.mu.Unlock()
		return nil
	}
	e.state, e.reason = protocol.StateTerminated, reason
	proc := e.proc
	e.mu.Unlock()

	e.cancel()
	if proc != nil {
		proc.kill()
	}
	e.bridge.close()
	if err := os.RemoveAll(e.dir); err != nil {
		e.log.Warn("Failed to remove work dir", "dir", e.dir, "error", err)
	}
	e.log.Info("Activity destroyed", "reason", reason)
	return nil
}

// Expire destroys every live activity whose agreement has lapsed.
func (a *Activities) Expire() int {
	now := clock.Or(a.Clock).Now()
	a.mu.Lock()
	var expired []string
	for id, e := range a.acts {
		if !e.validTo.IsZero() && now.After(e.validTo) && e.currentState() != protocol.StateTerminated {
			expired = append(expired, id)
		}
	}
	a.mu.Unlock()

	for _, id := range expired {
		_ = a.Destroy(id, "agreement expired")
	}
	return len(expired)
}

// Close destroys every live activity.
func (a *Activities) Close() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.acts))
	for id := range a.acts {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	for _, id := range ids {
		_ = a.Destroy(id, "provider shutdown")
	}
}
