package usecase

import (
	"context"
	"errors"
	"fmt"

	"agentsync/internal/domain"
	"agentsync/internal/usecase/history"
)

// rejection is the payload of a protocol.rejected event.
type rejection struct {
	Inbound domain.InboundType `json:"inbound"`
	Code    domain.ErrorCode   `json:"code"`
	Error   string             `json:"error"`
}

// HandleInbound applies one server event to the history. Invalid events are
// logged and published as protocol.rejected; they never stop the session.
func (s *Session) HandleInbound(ctx context.Context, in domain.Inbound) {
	ctx = domain.ContextWithSessionID(ctx, s.id)
	if err := s.handleInbound(ctx, in); err != nil {
		s.reject(ctx, in, err)
	}
}

func (s *Session) handleInbound(ctx context.Context, in domain.Inbound) error {
	const op = "Session.HandleInbound"
	if in.SessionID != "" && in.SessionID != s.id {
		return domain.NewSubSystemError(subsystem, op, domain.ErrMalformedEvent,
			fmt.Sprintf("event for session %s", in.SessionID))
	}

	switch in.Type {
	case domain.InboundMessage:
		msg, err := s.parser.Parse(in.Message)
		if err != nil {
			return err
		}
		if in.ParentID != "" {
			if err := s.history.AppendChild(in.ParentID, msg); err != nil {
				return err
			}
			s.publish(ctx, domain.EventMessageAppended, in.ParentID, "", kindPayload{Kind: msg.Kind()})
			return nil
		}
		return s.applyMessage(ctx, msg)

	case domain.InboundTool:
		if in.Tool == nil || in.MessageID == "" {
			return domain.NewSubSystemError(subsystem, op, domain.ErrMalformedEvent, "tool event without target")
		}
		tc, err := s.history.ApplyToolEvent(in.MessageID, *in.Tool)
		if err != nil {
			return err
		}
		s.logger.DebugContext(ctx, "tool updated", "message_id", in.MessageID, "event", in.Tool.Type, "state", tc.State)
		s.publish(ctx, domain.EventToolUpdated, in.MessageID, "", tc)
		if tc.Permission != nil && isPermissionEvent(in.Tool.Type) {
			s.publish(ctx, domain.EventPermissionUpdated, in.MessageID, "", tc.Permission)
		}
		return nil

	default:
		return domain.NewSubSystemError(subsystem, op, domain.ErrMalformedEvent,
			fmt.Sprintf("unknown inbound type %q", in.Type))
	}
}

// applyMessage places a top-level durable message. A re-sent tool call is
// merged into the stored one instead of replacing it, so transitions the
// client already applied are never undone.
func (s *Session) applyMessage(ctx context.Context, msg domain.Message) error {
	id := msg.Header().ID
	if next, ok := msg.(domain.ToolCallMessage); ok {
		if cur, found := s.history.Get(id); found {
			if _, isTool := cur.(domain.ToolCallMessage); isTool {
				return s.mergeToolCall(ctx, next)
			}
		}
	}

	match, err := s.history.Reconcile(msg)
	if err != nil {
		return err
	}
	switch match {
	case history.MatchLocalID:
		s.logger.DebugContext(ctx, "message reconciled", "message_id", id, "local_id", domain.LocalIDOf(msg))
		s.publishMessage(ctx, domain.EventMessageReconciled, msg)
	case history.MatchID:
		s.publishMessage(ctx, domain.EventMessageUpdated, msg)
	default:
		s.publishMessage(ctx, domain.EventMessageAppended, msg)
	}
	return nil
}

func (s *Session) mergeToolCall(ctx context.Context, next domain.ToolCallMessage) error {
	id := next.Header().ID
	tc, errs := s.history.MergeTool(id, next.Tool)
	for _, c := range next.Children {
		if err := s.history.AppendChild(id, c); err != nil {
			errs = append(errs, err)
		}
	}
	s.publish(ctx, domain.EventToolUpdated, id, "", tc)
	return errors.Join(errs...)
}

func (s *Session) reject(ctx context.Context, in domain.Inbound, err error) {
	s.logger.WarnContext(ctx, "inbound event rejected",
		"inbound", in.Type,
		"message_id", in.MessageID,
		"code", domain.ErrorCodeOf(err),
		"error", err,
	)
	s.publish(ctx, domain.EventProtocolRejected, in.MessageID, "", rejection{
		Inbound: in.Type,
		Code:    domain.ErrorCodeOf(err),
		Error:   err.Error(),
	})
}

func isPermissionEvent(t domain.ToolEventType) bool {
	return t == domain.ToolEventPermissionRequested || t == domain.ToolEventPermissionResolved
}
