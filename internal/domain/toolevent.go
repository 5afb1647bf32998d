package domain

import "encoding/json"

// ToolEventType identifies a transition request for a tool call.
type ToolEventType string

const (
	ToolEventStarted             ToolEventType = "started"
	ToolEventCompleted           ToolEventType = "completed"
	ToolEventError               ToolEventType = "error"
	ToolEventPermissionRequested ToolEventType = "permission-requested"
	ToolEventPermissionResolved  ToolEventType = "permission-resolved"
)

// ToolEvent is one asynchronous update to a tool call, as reported by the
// agent or the server. At is the logical time of the update in milliseconds.
type ToolEvent struct {
	Type        ToolEventType   `json:"type"`
	At          int64           `json:"at"`
	Result      json.RawMessage `json:"result,omitempty"`
	Description string          `json:"description,omitempty"`

	// Permission fields, used by the permission-* events.
	PermissionID string           `json:"permissionId,omitempty"`
	Status       PermissionStatus `json:"status,omitempty"`
	Decision     Decision         `json:"decision,omitempty"`
	Mode         string           `json:"mode,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	AllowedTools []string         `json:"allowedTools,omitempty"`
}
