// Package protocol defines the JSON-lines envelope spoken between a requestor
// and a provider.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType defines the kind of JSON message
type MessageType string

const (
	// Requestor -> Provider
	MsgHello          MessageType = "hello"
	MsgPublish        MessageType = "market.publish"
	MsgPoll           MessageType = "market.poll"
	MsgAccept         MessageType = "market.accept"
	MsgUnsubscribe    MessageType = "market.unsubscribe"
	MsgCreateActivity MessageType = "activity.create"
	MsgExec           MessageType = "activity.exec"
	MsgAttach         MessageType = "activity.attach"
	MsgWait           MessageType = "activity.wait"
	MsgState          MessageType = "activity.state"
	MsgDestroy        MessageType = "activity.destroy"
	MsgChannelOpen    MessageType = "channel.open"

	// Both directions
	MsgChannelData  MessageType = "channel.data"
	MsgChannelClose MessageType = "channel.close"

	// Provider -> Requestor
	MsgResult       MessageType = "result"
	MsgError        MessageType = "error"
	MsgRuntimeEvent MessageType = "runtime.event"
	MsgStreamEnd    MessageType = "runtime.end" // ref = batch id; no more events follow
	MsgHeartbeat    MessageType = "heartbeat"
)

// Message is the generic container for all JSONL lines.
// Type discriminates the Payload structure.
type Message struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`      // request id
	Ref     string          `json:"ref,omitempty"`     // request, batch or channel id this message refers to
	Payload json.RawMessage `json:"payload,omitempty"` // typed by Type
	Data    []byte          `json:"data,omitempty"`    // raw bytes for channel frames
	Error   string          `json:"error,omitempty"`
}

// NewMessage builds a message with payload marshalled from v.
func NewMessage(t MessageType, id string, v any) (Message, error) {
	msg := Message{Type: t, ID: id}
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return msg, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", m.Type, err)
	}
	return nil
}

// IsRequest reports whether the message expects a result or error reply.
func (t MessageType) IsRequest() bool {
	switch t {
	case MsgHello, MsgPublish, MsgPoll, MsgAccept, MsgUnsubscribe,
		MsgCreateActivity, MsgExec, MsgAttach, MsgWait, MsgState, MsgDestroy,
		MsgChannelOpen:
		return true
	}
	return false
}
