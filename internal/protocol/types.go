package protocol

import "time"

// Hello authenticates a connection. It must be the first request.
type Hello struct {
	Token  string `json:"token"`
	Client string `json:"client,omitempty"`
}

// Demand is a published description of wanted resources.
type Demand struct {
	Properties  map[string]any `json:"properties"`
	Constraints string         `json:"constraints"`
}

// Subscribed is the reply to market.publish.
type Subscribed struct {
	SubscriptionID string `json:"subscription_id"`
}

// PollRequest asks for offers matching a subscription, waiting up to Timeout.
type PollRequest struct {
	SubscriptionID string        `json:"subscription_id"`
	Timeout        time.Duration `json:"timeout"`
	MaxEvents      int           `json:"max_events,omitempty"`
}

// Offer is a provider proposal matching a demand.
type Offer struct {
	ID         string         `json:"id"`
	ProviderID string         `json:"provider_id"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Offers is the reply to market.poll.
type Offers struct {
	Offers []Offer `json:"offers"`
}

// AcceptRequest turns an offer into an agreement.
type AcceptRequest struct {
	SubscriptionID string    `json:"subscription_id"`
	OfferID        string    `json:"offer_id"`
	ValidTo        time.Time `json:"valid_to"`
}

// Agreement is the reply to market.accept.
type Agreement struct {
	ID         string    `json:"id"`
	OfferID    string    `json:"offer_id"`
	ProviderID string    `json:"provider_id"`
	ApprovedAt time.Time `json:"approved_at"`
	ValidTo    time.Time `json:"valid_to"`
}

// SubscriptionRef identifies a subscription.
type SubscriptionRef struct {
	SubscriptionID string `json:"subscription_id"`
}

// CreateActivity allocates an execution context for an agreement.
type CreateActivity struct {
	AgreementID string `json:"agreement_id"`
}

// ActivityRef identifies an execution context.
type ActivityRef struct {
	ActivityID string `json:"activity_id"`
}

// CommandKind is the step type of an ordered command batch.
type CommandKind string

const (
	CmdDeploy CommandKind = "deploy"
	CmdStart  CommandKind = "start"
	CmdRun    CommandKind = "run"
)

// Command is one step of a batch.
type Command struct {
	Kind       CommandKind `json:"kind"`
	EntryPoint string      `json:"entry_point,omitempty"` // run only
	Args       []string    `json:"args,omitempty"`        // start, run
	Tty        bool        `json:"tty,omitempty"`         // run only
}

// Deploy returns a deploy step.
func Deploy() Command { return Command{Kind: CmdDeploy} }

// Start returns a start step.
func Start(args ...string) Command { return Command{Kind: CmdStart, Args: args} }

// Run returns a run step for a binary inside the execution context.
func Run(entryPoint string, args ...string) Command {
	return Command{Kind: CmdRun, EntryPoint: entryPoint, Args: args}
}

// ExecRequest submits an ordered command batch.
type ExecRequest struct {
	ActivityID string    `json:"activity_id"`
	Commands   []Command `json:"commands"`
}

// BatchRef identifies a submitted batch.
type BatchRef struct {
	ActivityID string `json:"activity_id"`
	BatchID    string `json:"batch_id"`
}

// EventKind tags a RuntimeEvent.
type EventKind string

const (
	EventStarted  EventKind = "started"
	EventStdout   EventKind = "stdout"
	EventStderr   EventKind = "stderr"
	EventFinished EventKind = "finished"
)

// RuntimeEvent is one lifecycle or output event of a batch command.
type RuntimeEvent struct {
	BatchID    string    `json:"batch_id"`
	Index      int       `json:"index"` // command index within the batch
	Timestamp  time.Time `json:"timestamp"`
	Kind       EventKind `json:"kind"`
	Output     []byte    `json:"output,omitempty"`
	ReturnCode int       `json:"return_code,omitempty"`
	Message    *string   `json:"message,omitempty"`
}

// IsOutput reports whether the event carries process output.
func (e RuntimeEvent) IsOutput() bool {
	return e.Kind == EventStdout || e.Kind == EventStderr
}

// CommandResult is the outcome of one command of a finished batch.
type CommandResult struct {
	Index      int    `json:"index"`
	ReturnCode int    `json:"return_code"`
	Message    string `json:"message,omitempty"`
}

// BatchResult is the reply to activity.wait.
type BatchResult struct {
	BatchID string          `json:"batch_id"`
	Results []CommandResult `json:"results"`
}

// Failed returns the first non-zero result, if any.
func (r BatchResult) Failed() (CommandResult, bool) {
	for _, res := range r.Results {
		if res.ReturnCode != 0 {
			return res, true
		}
	}
	return CommandResult{}, false
}

// Activity states reported by activity.state.
const (
	StateNew          = "New"
	StateDeployed     = "Deployed"
	StateReady        = "Ready"
	StateTerminated   = "Terminated"
	StateUnresponsive = "Unresponsive"
)

// ActivityState is the reply to activity.state.
type ActivityState struct {
	ActivityID     string          `json:"activity_id"`
	State          string          `json:"state"`
	Reason         string          `json:"reason,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	RunningCommand *RunningCommand `json:"running_command,omitempty"`
}

// Alive reports whether the activity has not been terminated.
func (s ActivityState) Alive() bool {
	return s.State != StateTerminated && s.State != StateUnresponsive
}

// RunningCommand describes the command currently executing, if any.
type RunningCommand struct {
	Command  string   `json:"command"`
	Params   []string `json:"params,omitempty"`
	BatchID  string   `json:"batch_id"`
	Progress string   `json:"progress,omitempty"`
}

// ChannelOpen opens a message channel at a session-scoped location.
type ChannelOpen struct {
	ActivityID string `json:"activity_id"`
	Location   string `json:"location"`
}

// ChannelRef identifies an open message channel.
type ChannelRef struct {
	ChannelID string `json:"channel_id"`
}
