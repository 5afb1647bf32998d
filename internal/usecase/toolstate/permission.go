package toolstate

import (
	"fmt"
	"slices"

	"agentsync/internal/domain"
)

// DecisionInput is a request to move a pending permission to a terminal
// status. Status may be left empty when Decision implies it.
type DecisionInput struct {
	Status       domain.PermissionStatus
	Decision     domain.Decision
	Reason       string
	Mode         string
	AllowedTools []string
	At           int64
}

// Request returns a new pending permission with the given id.
//
// A request carrying the id of the current pending permission is a no-op.
// A second live request, or a re-request of an already resolved id, is
// rejected with ErrOutOfOrderEvent.
func Request(cur *domain.Permission, id, mode string) (domain.Permission, error) {
	if id == "" {
		return domain.Permission{}, domain.NewSubSystemError(subsystem, "toolstate.Request", domain.ErrMalformedEvent,
			"permission request without id")
	}
	if cur != nil {
		switch {
		case cur.ID == id && cur.Pending():
			return cur.Clone(), nil
		case cur.ID == id:
			return cur.Clone(), domain.NewSubSystemError(subsystem, "toolstate.Request", domain.ErrOutOfOrderEvent,
				fmt.Sprintf("permission %s already %s", id, cur.Status))
		case cur.Pending():
			return cur.Clone(), domain.NewSubSystemError(subsystem, "toolstate.Request", domain.ErrOutOfOrderEvent,
				fmt.Sprintf("permission %s still pending", cur.ID))
		}
	}
	p := domain.Permission{ID: id, Status: domain.PermissionPending}
	if mode != "" {
		p.Mode = domain.Ptr(mode)
	}
	return p, nil
}

// ValidateDecision checks the shape of d without reference to any record and
// returns it normalized: Status is filled from Decision, and a canceled
// status without a decision gets abort.
func ValidateDecision(d DecisionInput) (DecisionInput, error) {
	const op = "toolstate.ValidateDecision"
	if d.Status == "" {
		if d.Decision == "" {
			return d, domain.NewSubSystemError(subsystem, op, domain.ErrInvalidDecisionShape, "neither status nor decision set")
		}
		d.Status = domain.StatusForDecision(d.Decision)
	}
	if !d.Status.Valid() || d.Status == domain.PermissionPending {
		return d, domain.NewSubSystemError(subsystem, op, domain.ErrInvalidDecisionShape,
			fmt.Sprintf("status %q is not a terminal status", d.Status))
	}
	if d.Decision == "" && d.Status == domain.PermissionCanceled {
		d.Decision = domain.DecisionAbort
	}
	if !d.Decision.Valid() {
		return d, domain.NewSubSystemError(subsystem, op, domain.ErrInvalidDecisionShape,
			fmt.Sprintf("unknown decision %q", d.Decision))
	}
	if len(d.AllowedTools) > 0 && d.Decision != domain.DecisionApprovedForSession {
		return d, domain.NewSubSystemError(subsystem, op, domain.ErrInvalidDecisionShape,
			fmt.Sprintf("allowedTools requires %s, got %s", domain.DecisionApprovedForSession, d.Decision))
	}
	if !domain.DecisionAllowed(d.Status, d.Decision) {
		return d, domain.NewSubSystemError(subsystem, op, domain.ErrInvalidDecisionShape,
			fmt.Sprintf("decision %s is not valid for status %s", d.Decision, d.Status))
	}
	return d, nil
}

// Decide resolves a pending permission. A permission that is no longer
// pending is returned untouched together with ErrStalePermissionDecision.
func Decide(p domain.Permission, d DecisionInput) (domain.Permission, error) {
	if !p.Pending() {
		return p.Clone(), domain.NewSubSystemError(subsystem, "toolstate.Decide", domain.ErrStalePermissionDecision,
			fmt.Sprintf("permission %s already %s", p.ID, p.Status))
	}
	d, err := ValidateDecision(d)
	if err != nil {
		return p.Clone(), err
	}

	out := p.Clone()
	out.Status = d.Status
	out.Decision = domain.Ptr(d.Decision)
	out.Date = domain.Ptr(d.At)
	if d.Reason != "" {
		out.Reason = domain.Ptr(d.Reason)
	}
	if d.Mode != "" {
		out.Mode = domain.Ptr(d.Mode)
	}
	if len(d.AllowedTools) > 0 {
		out.AllowedTools = slices.Clone(d.AllowedTools)
	}
	return out, nil
}
