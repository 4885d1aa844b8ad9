package market

import (
	"errors"
	"maps"
	"time"

	"grimm.is/outpost/internal/clock"
	"grimm.is/outpost/internal/protocol"
)

// Well-known demand property keys.
const (
	PropNodeName    = "golem.node.id.name"
	PropSubnet      = "golem.node.debug.subnet"
	PropTaskPackage = "golem.srv.comp.task_package"
	PropExpiration  = "golem.srv.comp.expiration"
	PropRuntimeName = "golem.runtime.name"
)

// Agreement is a bound contract between a demand and one accepted offer.
type Agreement = protocol.Agreement

// TaskSpec describes the remote unit a session wants to run. It is
// immutable once built; Demand derives the published record from it.
type TaskSpec struct {
	Constraints Constraints
	PackageRef  string
	Properties  map[string]any
	Expiration  time.Time
}

// SpecOptions are the plain configuration values a TaskSpec is built from.
type SpecOptions struct {
	NodeName   string
	Subnet     string
	Runtime    string
	PackageRef string
	Expiration time.Duration
}

// NewTaskSpec builds the standard spec: the unit runs on the given runtime
// in the given subnet, with an expiration window starting now on c.
func NewTaskSpec(c clock.Clock, opts SpecOptions) (TaskSpec, error) {
	if opts.PackageRef == "" {
		return TaskSpec{}, errors.New("task spec: package reference is required")
	}
	if opts.Expiration <= 0 {
		return TaskSpec{}, errors.New("task spec: expiration window must be positive")
	}

	props := map[string]any{}
	if opts.NodeName != "" {
		props[PropNodeName] = opts.NodeName
	}
	var cs Constraints
	if opts.Runtime != "" {
		cs = append(cs, Eq(PropRuntimeName, opts.Runtime))
	}
	if opts.Subnet != "" {
		props[PropSubnet] = opts.Subnet
		cs = append(cs, Eq(PropSubnet, opts.Subnet))
	}

	return TaskSpec{
		Constraints: cs,
		PackageRef:  opts.PackageRef,
		Properties:  props,
		Expiration:  clock.Expiration(c, opts.Expiration),
	}, nil
}

// Demand builds the published record. The returned properties are a copy;
// the TaskSpec itself is never mutated.
func (s TaskSpec) Demand() protocol.Demand {
	props := make(map[string]any, len(s.Properties)+2)
	maps.Copy(props, s.Properties)
	props[PropTaskPackage] = s.PackageRef
	props[PropExpiration] = clock.UnixMillis(s.Expiration)

	return protocol.Demand{
		Properties:  props,
		Constraints: s.Constraints.String(),
	}
}
