// Package toolstate implements the tool-call lifecycle and the permission
// sub-protocol attached to it. Every function here is pure: inputs are
// never mutated and the returned values share no memory with them.
package toolstate

import (
	"fmt"

	"agentsync/internal/domain"
)

const subsystem = "toolstate"

// Apply returns tc advanced by ev.
//
// Transitions out of a terminal state are refused with ErrOutOfOrderEvent and
// the call is returned unchanged. Entering a terminal state while the
// permission is pending resolves it to canceled/abort at ev.At.
func Apply(tc domain.ToolCall, ev domain.ToolEvent) (domain.ToolCall, error) {
	next := tc.Clone()

	if ev.Type == domain.ToolEventPermissionResolved {
		return resolvePermission(tc, next, ev)
	}
	if tc.State.Terminal() {
		return tc, outOfOrder(ev, tc)
	}

	switch ev.Type {
	case domain.ToolEventStarted:
		if next.StartedAt == nil {
			next.StartedAt = domain.Ptr(ev.At)
		}
		return next, nil

	case domain.ToolEventCompleted:
		next.State = domain.ToolCompleted
		next.CompletedAt = domain.Ptr(ev.At)
		next.Result = cloneRaw(ev.Result)
		if ev.Description != "" {
			next.Description = domain.Ptr(ev.Description)
		}
		cancelPending(&next, ev.At)
		return next, nil

	case domain.ToolEventError:
		if ev.Description == "" {
			return tc, domain.NewSubSystemError(subsystem, "toolstate.Apply", domain.ErrMalformedEvent,
				"error event without description")
		}
		next.State = domain.ToolError
		next.CompletedAt = domain.Ptr(ev.At)
		next.Description = domain.Ptr(ev.Description)
		next.Result = nil
		cancelPending(&next, ev.At)
		return next, nil

	case domain.ToolEventPermissionRequested:
		p, err := Request(tc.Permission, ev.PermissionID, ev.Mode)
		if err != nil {
			return tc, err
		}
		if ev.Reason != "" {
			p.Reason = domain.Ptr(ev.Reason)
		}
		next.Permission = &p
		return next, nil

	default:
		return tc, domain.NewSubSystemError(subsystem, "toolstate.Apply", domain.ErrMalformedEvent,
			fmt.Sprintf("unknown tool event %q", ev.Type))
	}
}

func resolvePermission(tc, next domain.ToolCall, ev domain.ToolEvent) (domain.ToolCall, error) {
	if tc.Permission == nil {
		return tc, domain.NewSubSystemError(subsystem, "toolstate.Apply", domain.ErrNoPermission, tc.Name)
	}
	if ev.PermissionID != "" && ev.PermissionID != tc.Permission.ID {
		return tc, domain.NewSubSystemError(subsystem, "toolstate.Apply", domain.ErrStalePermissionDecision,
			fmt.Sprintf("decision for %s, current request is %s", ev.PermissionID, tc.Permission.ID))
	}
	p, err := Decide(*tc.Permission, DecisionInput{
		Status:       ev.Status,
		Decision:     ev.Decision,
		Reason:       ev.Reason,
		Mode:         ev.Mode,
		AllowedTools: ev.AllowedTools,
		At:           ev.At,
	})
	if err != nil {
		return tc, err
	}
	next.Permission = &p
	return next, nil
}

// cancelPending makes the terminal-state coupling explicit: no terminal tool
// call keeps a pending permission.
func cancelPending(tc *domain.ToolCall, at int64) {
	if tc.Permission == nil || !tc.Permission.Pending() {
		return
	}
	tc.Permission.Status = domain.PermissionCanceled
	tc.Permission.Decision = domain.Ptr(domain.DecisionAbort)
	tc.Permission.Date = domain.Ptr(at)
}

func outOfOrder(ev domain.ToolEvent, tc domain.ToolCall) error {
	return domain.NewSubSystemError(subsystem, "toolstate.Apply", domain.ErrOutOfOrderEvent,
		fmt.Sprintf("%s event on %s tool call %q", ev.Type, tc.State, tc.Name))
}

// Merge reconciles cur with a full re-sent snapshot of the same tool call.
// Differences are turned into events and applied in order: start, permission,
// then state. Unchanged fields produce no events, so re-delivering an
// identical snapshot is silent. Rejected events are collected and skipped.
func Merge(cur, next domain.ToolCall) (domain.ToolCall, []error) {
	var errs []error
	out := cur.Clone()

	apply := func(ev domain.ToolEvent) {
		res, err := Apply(out, ev)
		if err != nil {
			errs = append(errs, err)
			return
		}
		out = res
	}

	if next.Name != cur.Name {
		errs = append(errs, domain.NewSubSystemError(subsystem, "toolstate.Merge", domain.ErrMalformedEvent,
			fmt.Sprintf("tool name changed from %q to %q", cur.Name, next.Name)))
		return out, errs
	}
	if len(out.Input) == 0 && len(next.Input) > 0 && !cur.State.Terminal() {
		out.Input = cloneRaw(next.Input)
	}

	if next.StartedAt != nil && cur.StartedAt == nil {
		apply(domain.ToolEvent{Type: domain.ToolEventStarted, At: *next.StartedAt})
	}

	if np := next.Permission; np != nil {
		cp := out.Permission
		if cp == nil || cp.ID != np.ID || (!cp.Pending() && np.Pending()) {
			apply(domain.ToolEvent{
				Type:         domain.ToolEventPermissionRequested,
				PermissionID: np.ID,
				Mode:         deref(np.Mode),
			})
		}
		if !np.Pending() && (out.Permission == nil || out.Permission.ID != np.ID || out.Permission.Status != np.Status) {
			apply(resolvedEvent(*np))
		}
	}

	if next.State != out.State {
		switch next.State {
		case domain.ToolCompleted:
			apply(domain.ToolEvent{
				Type:   domain.ToolEventCompleted,
				At:     completedAt(next),
				Result: next.Result,
			})
		case domain.ToolError:
			apply(domain.ToolEvent{
				Type:        domain.ToolEventError,
				At:          completedAt(next),
				Description: deref(next.Description),
			})
		default:
			errs = append(errs, domain.NewSubSystemError(subsystem, "toolstate.Merge", domain.ErrOutOfOrderEvent,
				fmt.Sprintf("%s tool call %q re-sent as %s", out.State, out.Name, next.State)))
		}
	}
	return out, errs
}

func resolvedEvent(p domain.Permission) domain.ToolEvent {
	ev := domain.ToolEvent{
		Type:         domain.ToolEventPermissionResolved,
		PermissionID: p.ID,
		Status:       p.Status,
		Reason:       deref(p.Reason),
		Mode:         deref(p.Mode),
		AllowedTools: p.AllowedTools,
	}
	if p.Decision != nil {
		ev.Decision = *p.Decision
	}
	if p.Date != nil {
		ev.At = *p.Date
	}
	return ev
}

func completedAt(tc domain.ToolCall) int64 {
	if tc.CompletedAt != nil {
		return *tc.CompletedAt
	}
	return 0
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func cloneRaw(r []byte) []byte {
	if r == nil {
		return nil
	}
	return append([]byte(nil), r...)
}
