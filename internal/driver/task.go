package driver

import (
	"fmt"
	"time"

	"grimm.is/outpost/internal/messaging"
)

// TaskKind names a supported remote task.
type TaskKind string

const (
	// TaskProgress runs a unit that pushes progress reports.
	TaskProgress TaskKind = "progress"
	// TaskInteract runs a unit that answers operator commands.
	TaskInteract TaskKind = "interact"
)

// DefaultMessagesLocation is where units find their message pipe.
const DefaultMessagesLocation = "/messages"

// Task describes what runs inside the execution context and how the
// driver talks to it.
type Task struct {
	Kind       TaskKind
	PackageRef string
	// StartArgs are passed to the Start step.
	StartArgs []string
	Binary    string
	Args      []string

	// Messages is the variant set accepted from the unit. A nil set means
	// the task has no message channel.
	Messages messaging.Set
	// Location names the message pipe inside the execution context.
	Location string
	// Interactive tasks read operator commands and send them to the unit.
	Interactive bool
	// ShowProgress renders Progress messages as a bar.
	ShowProgress bool
}

// DefaultTask returns the built-in definition of kind.
func DefaultTask(kind TaskKind) (Task, error) {
	switch kind {
	case TaskProgress:
		return Task{
			Kind:         TaskProgress,
			Binary:       "/bin/progress-reporter",
			Messages:     messaging.ProgressInbound,
			Location:     DefaultMessagesLocation,
			ShowProgress: true,
		}, nil
	case TaskInteract:
		return Task{
			Kind:        TaskInteract,
			Binary:      "/bin/prophecy-on-demand",
			Args:        []string{"--messages-dir", DefaultMessagesLocation},
			Messages:    messaging.ProphecyInbound,
			Location:    DefaultMessagesLocation,
			Interactive: true,
		}, nil
	}
	return Task{}, fmt.Errorf("unknown task kind %q", kind)
}

// Options are the session parameters the driver consumes.
type Options struct {
	NodeName string
	Subnet   string
	Runtime  string

	// Expiration is the agreement window from now.
	Expiration time.Duration
	// NegotiationTimeout bounds the offer race.
	NegotiationTimeout time.Duration
	MaxAgreements      int

	// DrainTimeout bounds how long the message consumer may run after the
	// primary flow ended.
	DrainTimeout   time.Duration
	DestroyTimeout time.Duration
	// LivenessInterval enables periodic "still alive" logging when
	// positive.
	LivenessInterval time.Duration

	// OutputDir receives stdout.txt and stderr.txt when set.
	OutputDir string
	// DebugDir receives the raw runtime-event log when set.
	DebugDir string
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		NodeName:           "interactive-example",
		Subnet:             "community.3",
		Runtime:            "vm",
		Expiration:         25 * time.Minute,
		NegotiationTimeout: 25 * time.Minute,
		MaxAgreements:      1,
		DrainTimeout:       5 * time.Second,
		DestroyTimeout:     30 * time.Second,
	}
}
