package domain

import (
	"encoding/json"
	"fmt"
)

// wireMessage is the JSON shape shared by all message kinds.
type wireMessage struct {
	Kind          MessageKind       `json:"kind"`
	ID            string            `json:"id"`
	LocalID       string            `json:"localId,omitempty"`
	CreatedAt     int64             `json:"createdAt"`
	Text          *string           `json:"text,omitempty"`
	DisplayText   string            `json:"displayText,omitempty"`
	Image         *Attachment       `json:"image,omitempty"`
	Tool          *ToolCall         `json:"tool,omitempty"`
	Children      []json.RawMessage `json:"children,omitempty"`
	Event         *AgentEvent       `json:"event,omitempty"`
	Delivery      DeliveryState     `json:"delivery,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	Meta          json.RawMessage   `json:"meta,omitempty"`
}

// EncodeMessage serializes m into its wire form. Local previews are dropped.
func EncodeMessage(m Message) ([]byte, error) {
	w, err := toWire(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func toWire(m Message) (wireMessage, error) {
	h := m.Header()
	w := wireMessage{Kind: m.Kind(), ID: h.ID, CreatedAt: h.CreatedAt, Meta: h.Meta}
	switch v := m.(type) {
	case UserText:
		w.LocalID = v.LocalID
		w.Text = &v.Text
		w.DisplayText = v.DisplayText
		w.Delivery = v.Delivery
	case UserImage:
		w.LocalID = v.LocalID
		if v.Text != "" {
			w.Text = &v.Text
		}
		img := v.Image
		img.LocalPreview = nil
		w.Image = &img
		w.Delivery = v.Delivery
		w.FailureReason = v.FailureReason
	case AgentText:
		w.Text = &v.Text
	case ToolCallMessage:
		tool := v.Tool
		w.Tool = &tool
		for _, c := range v.Children {
			data, err := EncodeMessage(c)
			if err != nil {
				return wireMessage{}, err
			}
			w.Children = append(w.Children, data)
		}
	case AgentEventMessage:
		ev := v.Event
		w.Event = &ev
	default:
		return wireMessage{}, fmt.Errorf("encode message: unhandled type %T", m)
	}
	return w, nil
}

// DecodeMessage parses the wire form into exactly one Message variant.
// Every structural problem is reported as ErrMalformedEvent.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, malformed(err.Error())
	}
	return fromWire(w)
}

func fromWire(w wireMessage) (Message, error) {
	base := MessageBase{ID: w.ID, CreatedAt: w.CreatedAt, Meta: w.Meta}
	if w.ID == "" && (w.LocalID == "" || w.Delivery == "") {
		return nil, malformed(fmt.Sprintf("%s message without id", w.Kind))
	}

	switch w.Kind {
	case KindUserText:
		if w.Text == nil {
			return nil, malformed("user-text message without text")
		}
		return UserText{
			MessageBase: base,
			LocalID:     w.LocalID,
			Text:        *w.Text,
			DisplayText: w.DisplayText,
			Delivery:    w.Delivery,
		}, nil

	case KindUserImage:
		if w.Image == nil {
			return nil, malformed("user-image message without attachment")
		}
		if !w.Image.Resolved() && w.Delivery == "" {
			return nil, malformed("user-image message with unresolved attachment")
		}
		msg := UserImage{
			MessageBase:   base,
			LocalID:       w.LocalID,
			Image:         *w.Image,
			Delivery:      w.Delivery,
			FailureReason: w.FailureReason,
		}
		if w.Text != nil {
			msg.Text = *w.Text
		}
		return msg, nil

	case KindAgentText:
		if w.Text == nil {
			return nil, malformed("agent-text message without text")
		}
		return AgentText{MessageBase: base, Text: *w.Text}, nil

	case KindToolCall:
		if w.Tool == nil {
			return nil, malformed("tool-call message without tool")
		}
		if err := w.Tool.Validate(); err != nil {
			return nil, malformed(err.Error())
		}
		msg := ToolCallMessage{MessageBase: base, Tool: *w.Tool}
		for _, raw := range w.Children {
			child, err := DecodeMessage(raw)
			if err != nil {
				return nil, err
			}
			msg.Children = append(msg.Children, child)
		}
		return msg, nil

	case KindAgentEvent:
		if w.Event == nil {
			return nil, malformed("agent-event message without event")
		}
		if err := w.Event.Validate(); err != nil {
			return nil, malformed(err.Error())
		}
		return AgentEventMessage{MessageBase: base, Event: *w.Event}, nil

	default:
		return nil, malformed(fmt.Sprintf("unknown message kind %q", w.Kind))
	}
}

func malformed(detail string) error {
	return NewDomainError("DecodeMessage", ErrMalformedEvent, detail)
}
