package domain

import (
	"encoding/json"
	"fmt"
)

// MessageKind discriminates the concrete Message variants.
type MessageKind string

const (
	KindUserText   MessageKind = "user-text"
	KindUserImage  MessageKind = "user-image"
	KindAgentText  MessageKind = "agent-text"
	KindToolCall   MessageKind = "tool-call"
	KindAgentEvent MessageKind = "agent-event"
)

// AllKinds lists every message kind. Adding a kind without handling it in
// CloneMessage and the codec fails the domain tests.
var AllKinds = []MessageKind{KindUserText, KindUserImage, KindAgentText, KindToolCall, KindAgentEvent}

// Message is one unit of conversation history. The set of implementations
// is closed: UserText, UserImage, AgentText, ToolCallMessage, AgentEventMessage.
type Message interface {
	Kind() MessageKind
	Header() MessageBase
	isMessage()
}

// MessageBase holds the fields shared by every message kind.
type MessageBase struct {
	ID        string          `json:"id"`
	CreatedAt int64           `json:"createdAt"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// DeliveryState tracks an optimistic user message. Empty means durable.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// UserText is text typed by the user.
type UserText struct {
	MessageBase
	LocalID     string        `json:"localId,omitempty"`
	Text        string        `json:"text"`
	DisplayText string        `json:"displayText,omitempty"`
	Delivery    DeliveryState `json:"delivery,omitempty"`
}

// UserImage is an image sent by the user, with optional accompanying text.
type UserImage struct {
	MessageBase
	LocalID       string        `json:"localId,omitempty"`
	Text          string        `json:"text,omitempty"`
	Image         Attachment    `json:"image"`
	Delivery      DeliveryState `json:"delivery,omitempty"`
	FailureReason string        `json:"failureReason,omitempty"`
}

// AgentText is text produced by the agent.
type AgentText struct {
	MessageBase
	Text string `json:"text"`
}

// ToolCallMessage carries a tool call and the sub-conversation it produced.
type ToolCallMessage struct {
	MessageBase
	Tool     ToolCall  `json:"tool"`
	Children []Message `json:"-"`
}

// AgentEventType identifies an agent lifecycle event.
type AgentEventType string

const (
	AgentEventSwitch       AgentEventType = "switch"
	AgentEventNotice       AgentEventType = "message"
	AgentEventLimitReached AgentEventType = "limit-reached"
	AgentEventReady        AgentEventType = "ready"
)

// AgentEvent describes a mode switch or other agent-side notice.
type AgentEvent struct {
	Type    AgentEventType `json:"type"`
	Mode    string         `json:"mode,omitempty"`
	Message string         `json:"message,omitempty"`
	EndsAt  int64          `json:"endsAt,omitempty"`
}

// Validate checks the event shape.
func (e AgentEvent) Validate() error {
	switch e.Type {
	case AgentEventSwitch:
		if e.Mode == "" {
			return fmt.Errorf("switch event without mode")
		}
	case AgentEventNotice:
		if e.Message == "" {
			return fmt.Errorf("message event without message")
		}
	case AgentEventLimitReached, AgentEventReady:
	default:
		return fmt.Errorf("unknown agent event type %q", e.Type)
	}
	return nil
}

// AgentEventMessage records an agent event in history.
type AgentEventMessage struct {
	MessageBase
	Event AgentEvent `json:"event"`
}

func (UserText) Kind() MessageKind          { return KindUserText }
func (UserImage) Kind() MessageKind         { return KindUserImage }
func (AgentText) Kind() MessageKind         { return KindAgentText }
func (ToolCallMessage) Kind() MessageKind   { return KindToolCall }
func (AgentEventMessage) Kind() MessageKind { return KindAgentEvent }

func (m UserText) Header() MessageBase          { return m.MessageBase }
func (m UserImage) Header() MessageBase         { return m.MessageBase }
func (m AgentText) Header() MessageBase         { return m.MessageBase }
func (m ToolCallMessage) Header() MessageBase   { return m.MessageBase }
func (m AgentEventMessage) Header() MessageBase { return m.MessageBase }

func (UserText) isMessage()          {}
func (UserImage) isMessage()         {}
func (AgentText) isMessage()         {}
func (ToolCallMessage) isMessage()   {}
func (AgentEventMessage) isMessage() {}

// LocalIDOf returns the client-assigned identity of m, or "" for kinds
// that are never created optimistically.
func LocalIDOf(m Message) string {
	switch v := m.(type) {
	case UserText:
		return v.LocalID
	case UserImage:
		return v.LocalID
	}
	return ""
}

// DeliveryOf returns the delivery state of an optimistic user message.
func DeliveryOf(m Message) DeliveryState {
	switch v := m.(type) {
	case UserText:
		return v.Delivery
	case UserImage:
		return v.Delivery
	}
	return ""
}

// CloneMessage returns a deep copy of m, including tool call children.
func CloneMessage(m Message) Message {
	switch v := m.(type) {
	case UserText:
		v.Meta = cloneRaw(v.Meta)
		return v
	case UserImage:
		v.Meta = cloneRaw(v.Meta)
		v.Image = v.Image.Clone()
		return v
	case AgentText:
		v.Meta = cloneRaw(v.Meta)
		return v
	case ToolCallMessage:
		v.Meta = cloneRaw(v.Meta)
		v.Tool = v.Tool.Clone()
		v.Children = CloneMessages(v.Children)
		return v
	case AgentEventMessage:
		v.Meta = cloneRaw(v.Meta)
		return v
	case nil:
		return nil
	default:
		panic(fmt.Sprintf("domain: unhandled message type %T", m))
	}
}

// CloneMessages deep-copies a message slice.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = CloneMessage(m)
	}
	return out
}

// ToolCallOf returns m's tool call and true if m is a tool-call message.
func ToolCallOf(m Message) (ToolCall, bool) {
	tc, ok := m.(ToolCallMessage)
	if !ok {
		return ToolCall{}, false
	}
	return tc.Tool, true
}

// Walk visits m and, for tool calls, every descendant in arrival order.
func Walk(m Message, fn func(Message)) {
	fn(m)
	if tc, ok := m.(ToolCallMessage); ok {
		for _, c := range tc.Children {
			Walk(c, fn)
		}
	}
}
