package domain

import (
	"context"
	"encoding/json"
)

// MessageSender delivers plain user text to the agent.
type MessageSender interface {
	SendMessage(ctx context.Context, sessionID, text string) error
}

// Outbound is a user message addressed to a session, carrying the
// client-assigned identity the server echoes back for reconciliation.
type Outbound struct {
	SessionID string      `json:"session_id"`
	LocalID   string      `json:"local_id"`
	Text      string      `json:"text,omitempty"`
	Image     *Attachment `json:"image,omitempty"`
}

// OutboundSender delivers optimistic user messages.
type OutboundSender interface {
	MessageSender
	SendOutbound(ctx context.Context, msg Outbound) error
}

// PermissionResponse is a human decision on a pending permission request.
type PermissionResponse struct {
	SessionID    string   `json:"session_id"`
	MessageID    string   `json:"message_id"`
	PermissionID string   `json:"permission_id"`
	Decision     Decision `json:"decision"`
	Mode         string   `json:"mode,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// PermissionResponder forwards permission decisions to the agent.
type PermissionResponder interface {
	RespondPermission(ctx context.Context, resp PermissionResponse) error
}

// ImageTransport performs the network part of an image upload.
type ImageTransport interface {
	UploadImage(ctx context.Context, token string, file File) (Attachment, error)
}

// Credentials are the active session's authentication material.
type Credentials struct {
	Token string
}

// CredentialSource yields credentials when the session has them.
type CredentialSource interface {
	Credentials() (Credentials, bool)
}

// StaticCredentials is a CredentialSource with a fixed token.
type StaticCredentials string

// Credentials implements CredentialSource. An empty token means none.
func (s StaticCredentials) Credentials() (Credentials, bool) {
	if s == "" {
		return Credentials{}, false
	}
	return Credentials{Token: string(s)}, true
}

// ParseResult is the outcome of validating a tool input.
type ParseResult struct {
	Success bool
	Data    any
}

// ToolValidator validates the input payload of one tool.
type ToolValidator interface {
	Parse(input json.RawMessage) ParseResult
}

// ToolSchemaRegistry maps tool names to validators.
type ToolSchemaRegistry interface {
	Lookup(name string) (ToolValidator, bool)
}

// HistoryStore persists session history snapshots.
type HistoryStore interface {
	Save(ctx context.Context, sessionID string, msgs []Message) error
	Load(ctx context.Context, sessionID string) ([]Message, error)
}

// InboundType identifies an inbound event delivered by the transport.
type InboundType string

const (
	InboundMessage InboundType = "message"
	InboundTool    InboundType = "tool"
)

// Inbound is a raw event received from the server.
type Inbound struct {
	Type      InboundType     `json:"type"`
	SessionID string          `json:"session_id"`
	ParentID  string          `json:"parent_id,omitempty"`  // set when Message belongs under a tool call
	MessageID string          `json:"message_id,omitempty"` // target of a tool event
	Message   json.RawMessage `json:"message,omitempty"`
	Tool      *ToolEvent      `json:"tool,omitempty"`
}

// InboundHandler consumes inbound events in arrival order.
type InboundHandler interface {
	HandleInbound(ctx context.Context, in Inbound)
}
