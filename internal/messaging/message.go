// Package messaging implements the typed control channel between the
// requestor and a running unit.
package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Kind is the wire discriminant of a Message.
type Kind string

const (
	KindProgress       Kind = "Progress"
	KindInfo           Kind = "Info"
	KindGetProphecy    Kind = "GetProphecy"
	KindProphecyResult Kind = "ProphecyResult"
	KindFinish         Kind = "Finish"
)

// Message is a control message. The set of implementations is closed.
type Message interface {
	Kind() Kind
	message()
}

// Progress reports the unit's completion fraction.
type Progress struct {
	Value float64
}

// Info carries a status line from the unit.
type Info struct {
	Message string
}

// GetProphecy asks the unit for a result.
type GetProphecy struct{}

// ProphecyResult answers GetProphecy.
type ProphecyResult struct {
	Message string
}

// Finish tells the peer to stop.
type Finish struct{}

func (Progress) Kind() Kind       { return KindProgress }
func (Info) Kind() Kind           { return KindInfo }
func (GetProphecy) Kind() Kind    { return KindGetProphecy }
func (ProphecyResult) Kind() Kind { return KindProphecyResult }
func (Finish) Kind() Kind         { return KindFinish }

func (Progress) message()       {}
func (Info) message()           {}
func (GetProphecy) message()    {}
func (ProphecyResult) message() {}
func (Finish) message()         {}

var (
	// ErrUnknownKind is returned for a record whose discriminant is not in
	// the message set.
	ErrUnknownKind = errors.New("unknown message kind")
	// ErrMalformed is returned for a record that is not a valid message.
	ErrMalformed = errors.New("malformed message")
)

// wire is the JSON record. Fields are pointers so that a zero value is
// distinguishable from an absent one.
type wire struct {
	Kind    Kind     `json:"kind"`
	Value   *float64 `json:"value,omitempty"`
	Message *string  `json:"message,omitempty"`
}

// Marshal encodes m as a self-describing JSON record.
func Marshal(m Message) ([]byte, error) {
	w := wire{Kind: m.Kind()}
	switch m := m.(type) {
	case Progress:
		w.Value = &m.Value
	case Info:
		w.Message = &m.Message
	case ProphecyResult:
		w.Message = &m.Message
	case GetProphecy, Finish:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, m)
	}
	return json.Marshal(w)
}

// Unmarshal decodes a record produced by Marshal.
func Unmarshal(data []byte) (Message, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch w.Kind {
	case KindProgress:
		if w.Value == nil {
			return nil, fmt.Errorf("%w: Progress without value", ErrMalformed)
		}
		return Progress{Value: *w.Value}, nil
	case KindInfo:
		if w.Message == nil {
			return nil, fmt.Errorf("%w: Info without message", ErrMalformed)
		}
		return Info{Message: *w.Message}, nil
	case KindProphecyResult:
		if w.Message == nil {
			return nil, fmt.Errorf("%w: ProphecyResult without message", ErrMalformed)
		}
		return ProphecyResult{Message: *w.Message}, nil
	case KindGetProphecy:
		return GetProphecy{}, nil
	case KindFinish:
		return Finish{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, w.Kind)
}

// Set is the variant set a task kind accepts from its peer.
type Set map[Kind]struct{}

// NewSet returns a set containing kinds.
func NewSet(kinds ...Kind) Set {
	s := make(Set, len(kinds))
	for _, k := range kinds {
		s[k] = struct{}{}
	}
	return s
}

// Contains reports whether k is in the set. A nil set accepts everything.
func (s Set) Contains(k Kind) bool {
	if s == nil {
		return true
	}
	_, ok := s[k]
	return ok
}

func (s Set) String() string {
	kinds := make([]string, 0, len(s))
	for k := range s {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return fmt.Sprint(kinds)
}

var (
	// ProgressInbound is what a progress-reporting unit sends.
	ProgressInbound = NewSet(KindProgress, KindInfo, KindFinish)
	// ProphecyInbound is what an on-demand unit sends.
	ProphecyInbound = NewSet(KindProphecyResult, KindFinish)
	// ProphecyCommands is what an on-demand unit accepts.
	ProphecyCommands = NewSet(KindGetProphecy, KindFinish)
)
