package domain

import (
	"encoding/json"
	"fmt"
	"slices"
)

// ToolState is the execution status of a tool call.
type ToolState string

const (
	ToolRunning   ToolState = "running"
	ToolCompleted ToolState = "completed"
	ToolError     ToolState = "error"
)

// Valid reports whether s is a known tool state.
func (s ToolState) Valid() bool {
	switch s {
	case ToolRunning, ToolCompleted, ToolError:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted out of s.
func (s ToolState) Terminal() bool {
	return s == ToolCompleted || s == ToolError
}

// ToolCall is a recorded invocation of an agent capability.
type ToolCall struct {
	Name        string          `json:"name"`
	State       ToolState       `json:"state"`
	Input       json.RawMessage `json:"input"`
	CreatedAt   int64           `json:"createdAt"`
	StartedAt   *int64          `json:"startedAt"`
	CompletedAt *int64          `json:"completedAt"`
	Description *string         `json:"description"`
	Result      json.RawMessage `json:"result,omitempty"`
	Permission  *Permission     `json:"permission,omitempty"`
}

// Clone returns a deep copy of the tool call.
func (t ToolCall) Clone() ToolCall {
	c := t
	c.Input = cloneRaw(t.Input)
	c.Result = cloneRaw(t.Result)
	c.StartedAt = cloneInt(t.StartedAt)
	c.CompletedAt = cloneInt(t.CompletedAt)
	c.Description = cloneString(t.Description)
	if t.Permission != nil {
		p := t.Permission.Clone()
		c.Permission = &p
	}
	return c
}

// Validate checks the structural invariants of a tool call.
func (t ToolCall) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if !t.State.Valid() {
		return fmt.Errorf("unknown tool state %q", t.State)
	}
	if t.State.Terminal() != (t.CompletedAt != nil) {
		return fmt.Errorf("completedAt must be set iff state is terminal")
	}
	if len(t.Result) > 0 && t.State != ToolCompleted {
		return fmt.Errorf("result present on %s tool call", t.State)
	}
	if t.Permission != nil {
		if err := t.Permission.Validate(); err != nil {
			return err
		}
		if t.State.Terminal() && t.Permission.Status == PermissionPending {
			return fmt.Errorf("terminal tool call has a pending permission")
		}
	}
	return nil
}

// PermissionStatus is the approval status of a permission request.
type PermissionStatus string

const (
	PermissionPending  PermissionStatus = "pending"
	PermissionApproved PermissionStatus = "approved"
	PermissionDenied   PermissionStatus = "denied"
	PermissionCanceled PermissionStatus = "canceled"
)

// Valid reports whether s is a known permission status.
func (s PermissionStatus) Valid() bool {
	switch s {
	case PermissionPending, PermissionApproved, PermissionDenied, PermissionCanceled:
		return true
	}
	return false
}

// Decision records how a permission left the pending state.
type Decision string

const (
	DecisionApproved           Decision = "approved"
	DecisionApprovedForSession Decision = "approved_for_session"
	DecisionDenied             Decision = "denied"
	DecisionAbort              Decision = "abort"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApproved, DecisionApprovedForSession, DecisionDenied, DecisionAbort:
		return true
	}
	return false
}

// allowedDecisions lists the decisions compatible with each terminal status.
var allowedDecisions = map[PermissionStatus][]Decision{
	PermissionApproved: {DecisionApproved, DecisionApprovedForSession},
	PermissionDenied:   {DecisionDenied, DecisionAbort},
	PermissionCanceled: {DecisionAbort},
}

// DecisionAllowed reports whether decision d may accompany status s.
func DecisionAllowed(s PermissionStatus, d Decision) bool {
	return slices.Contains(allowedDecisions[s], d)
}

// StatusForDecision maps a locally chosen decision to the status it produces.
func StatusForDecision(d Decision) PermissionStatus {
	switch d {
	case DecisionApproved, DecisionApprovedForSession:
		return PermissionApproved
	default:
		return PermissionDenied
	}
}

// Permission is the human-approval gate attached to a tool call.
type Permission struct {
	ID           string           `json:"id"`
	Status       PermissionStatus `json:"status"`
	Reason       *string          `json:"reason,omitempty"`
	Mode         *string          `json:"mode,omitempty"`
	AllowedTools []string         `json:"allowedTools,omitempty"`
	Decision     *Decision        `json:"decision,omitempty"`
	Date         *int64           `json:"date,omitempty"`
}

// Clone returns a deep copy of the permission.
func (p Permission) Clone() Permission {
	c := p
	c.Reason = cloneString(p.Reason)
	c.Mode = cloneString(p.Mode)
	c.AllowedTools = slices.Clone(p.AllowedTools)
	if p.Decision != nil {
		d := *p.Decision
		c.Decision = &d
	}
	c.Date = cloneInt(p.Date)
	return c
}

// Pending reports whether the permission still awaits a decision.
func (p Permission) Pending() bool { return p.Status == PermissionPending }

// Validate checks the permission invariants.
func (p Permission) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("permission id is required")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("unknown permission status %q", p.Status)
	}
	if p.Pending() {
		if p.Decision != nil || p.Date != nil {
			return fmt.Errorf("pending permission carries a decision")
		}
		if len(p.AllowedTools) > 0 {
			return fmt.Errorf("pending permission carries allowed tools")
		}
		return nil
	}
	if p.Decision == nil {
		return fmt.Errorf("%s permission has no decision", p.Status)
	}
	if !DecisionAllowed(p.Status, *p.Decision) {
		return fmt.Errorf("decision %q is not valid for status %q", *p.Decision, p.Status)
	}
	if len(p.AllowedTools) > 0 && *p.Decision != DecisionApprovedForSession {
		return fmt.Errorf("allowedTools requires decision %q", DecisionApprovedForSession)
	}
	return nil
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return slices.Clone(r)
}

func cloneInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
