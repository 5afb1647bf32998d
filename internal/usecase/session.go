package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"agentsync/internal/domain"
	"agentsync/internal/infra/tracer"
	"agentsync/internal/usecase/composer"
	"agentsync/internal/usecase/eventbus"
	"agentsync/internal/usecase/history"
	"agentsync/internal/usecase/toolstate"
	"agentsync/internal/usecase/upload"
)

const subsystem = "session"

// interruptedReason is recorded on image sends that were pending when the
// history was last persisted.
const interruptedReason = "interrupted"

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// generateULID returns a ULID that sorts after every one generated before it
// by this process.
func generateULID(t time.Time) string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), ulidEntropy).String()
}

// SessionDeps are the collaborators shared by the sessions of one client.
// Only Sender is required.
type SessionDeps struct {
	Sender    domain.OutboundSender
	Responder domain.PermissionResponder
	Store     domain.HistoryStore
	Registry  domain.ToolSchemaRegistry
	Bus       domain.EventBus
	Logger    *slog.Logger

	// Uploader builds the attachment slot of a session. Nil disables images.
	Uploader func(sessionID string) *upload.Uploader
}

// Session is the client side of one agent conversation. It owns the history
// and routes every local action and inbound event through it.
type Session struct {
	id        string
	history   *history.History
	parser    *history.Parser
	uploader  *upload.Uploader
	sender    domain.OutboundSender
	responder domain.PermissionResponder
	store     domain.HistoryStore
	registry  domain.ToolSchemaRegistry
	bus       domain.EventBus
	grants    *Grants
	logger    *slog.Logger
	now       func() time.Time
}

// NewSession creates an empty session.
func NewSession(id string, deps SessionDeps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:        id,
		history:   history.New(),
		parser:    history.NewParser(deps.Registry),
		sender:    deps.Sender,
		responder: deps.Responder,
		store:     deps.Store,
		registry:  deps.Registry,
		bus:       deps.Bus,
		grants:    NewGrants(),
		logger:    logger,
		now:       time.Now,
	}
	if deps.Uploader != nil {
		s.uploader = deps.Uploader(id)
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Snapshot returns a deep copy of the history.
func (s *Session) Snapshot() []domain.Message { return s.history.Snapshot() }

// Message returns a copy of the message with the given server id.
func (s *Session) Message(id string) (domain.Message, bool) { return s.history.Get(id) }

// Local returns a copy of the message with the given local id.
func (s *Session) Local(localID string) (domain.Message, bool) { return s.history.GetLocal(localID) }

// Granted reports whether tool was approved for the rest of the session.
func (s *Session) Granted(tool string) bool { return s.grants.Allowed(tool) }

// UploadStatus returns the state of the session's attachment slot.
func (s *Session) UploadStatus() upload.Status {
	if s.uploader == nil {
		return upload.Status{State: upload.StateIdle}
	}
	return s.uploader.Status()
}

// SendMessage implements domain.MessageSender, so composer prompts deliver
// their answers as ordinary optimistic user messages.
func (s *Session) SendMessage(ctx context.Context, sessionID, text string) error {
	const op = "Session.SendMessage"
	if sessionID == "" {
		return domain.NewSubSystemError(subsystem, op, domain.ErrNoActiveSession, "")
	}
	if sessionID != s.id {
		return domain.NewSubSystemError(subsystem, op, domain.ErrNoActiveSession,
			fmt.Sprintf("session %s is not %s", sessionID, s.id))
	}
	_, err := s.SendText(ctx, text)
	return err
}

// SendText inserts text as a pending user message and delivers it. The
// message is marked sent or failed according to the outcome and is never
// removed. The local id is returned even when delivery fails.
func (s *Session) SendText(ctx context.Context, text string) (string, error) {
	const op = "Session.SendText"
	ctx = domain.ContextWithSessionID(ctx, s.id)
	if s.id == "" {
		return "", domain.NewSubSystemError(subsystem, op, domain.ErrNoActiveSession, "")
	}
	now := s.now()
	msg := domain.UserText{
		MessageBase: domain.MessageBase{CreatedAt: s.nextCreatedAt(now)},
		LocalID:     generateULID(now),
		Text:        text,
		Delivery:    domain.DeliveryPending,
	}
	if err := s.history.Append(msg); err != nil {
		return "", domain.WrapOp(op, err)
	}
	s.publishMessage(ctx, domain.EventMessageAppended, msg)

	return msg.LocalID, s.deliver(ctx, op, domain.Outbound{SessionID: s.id, LocalID: msg.LocalID, Text: text})
}

// SendImage inserts an optimistic image message showing the local preview,
// uploads file and, once the descriptor is known, sends the message.
//
// Files failing the uploader's local checks are rejected before anything is
// inserted. An upload or send failure leaves the message in place marked
// failed, with its preview kept for RetryImage.
func (s *Session) SendImage(ctx context.Context, text string, file domain.File) (string, error) {
	const op = "Session.SendImage"
	ctx = domain.ContextWithSessionID(ctx, s.id)
	if s.id == "" {
		return "", domain.NewSubSystemError(subsystem, op, domain.ErrNoActiveSession, "")
	}
	if s.uploader == nil {
		return "", domain.NewSubSystemError(subsystem, op, domain.ErrUnsupportedPlatform, "")
	}
	if err := s.uploader.Preflight(file); err != nil {
		return "", err
	}

	preview := s.uploader.LocalPreview(file)
	now := s.now()
	msg := domain.UserImage{
		MessageBase: domain.MessageBase{CreatedAt: s.nextCreatedAt(now)},
		LocalID:     generateULID(now),
		Text:        text,
		Image:       domain.Attachment{Width: preview.Width, Height: preview.Height, LocalPreview: &preview},
		Delivery:    domain.DeliveryPending,
	}
	if err := s.history.Append(msg); err != nil {
		return "", domain.WrapOp(op, err)
	}
	s.publishMessage(ctx, domain.EventMessageAppended, msg)

	file.MediaType = preview.MediaType
	return msg.LocalID, s.deliverImage(ctx, op, msg.LocalID, text, file, preview)
}

// RetryImage re-runs a failed image message with the same local id. An image
// that already uploaded is only re-sent.
func (s *Session) RetryImage(ctx context.Context, localID string) error {
	const op = "Session.RetryImage"
	ctx = domain.ContextWithSessionID(ctx, s.id)
	img, err := s.failedLocal(op, localID)
	if err != nil {
		return err
	}
	m, ok := img.(domain.UserImage)
	if !ok {
		return domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput,
			fmt.Sprintf("%s is a %s message", localID, img.Kind()))
	}

	if m.Image.Resolved() {
		s.markPending(ctx, localID)
		att := m.Image.Clone()
		return s.deliver(ctx, op, domain.Outbound{SessionID: s.id, LocalID: localID, Text: m.Text, Image: &att})
	}

	if s.uploader == nil {
		return domain.NewSubSystemError(subsystem, op, domain.ErrUnsupportedPlatform, "")
	}
	if m.Image.LocalPreview == nil {
		return domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput, "no local image to retry")
	}
	p := m.Image.LocalPreview
	file := domain.File{Name: p.FileName, MediaType: p.MediaType, Data: p.Data}
	if err := s.uploader.Preflight(file); err != nil {
		return err
	}
	s.markPending(ctx, localID)
	return s.deliverImage(ctx, op, localID, m.Text, file, *p)
}

// Resend re-delivers a failed message with the same local id. Image messages
// go through RetryImage.
func (s *Session) Resend(ctx context.Context, localID string) error {
	const op = "Session.Resend"
	ctx = domain.ContextWithSessionID(ctx, s.id)
	m, err := s.failedLocal(op, localID)
	if err != nil {
		return err
	}
	switch v := m.(type) {
	case domain.UserImage:
		return s.RetryImage(ctx, localID)
	case domain.UserText:
		s.markPending(ctx, localID)
		return s.deliver(ctx, op, domain.Outbound{SessionID: s.id, LocalID: localID, Text: v.Text})
	default:
		return domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput,
			fmt.Sprintf("%s is a %s message", localID, m.Kind()))
	}
}

// DecidePermission answers the pending permission of a tool call.
//
// The decision is checked locally first, then delivered. History changes
// only after delivery succeeds, so a failed delivery can be retried with
// the same input.
func (s *Session) DecidePermission(ctx context.Context, messageID string, d toolstate.DecisionInput) (domain.Permission, error) {
	const op = "Session.DecidePermission"
	ctx = domain.ContextWithSessionID(ctx, s.id)
	if s.id == "" {
		return domain.Permission{}, domain.NewSubSystemError(subsystem, op, domain.ErrNoActiveSession, "")
	}
	m, ok := s.history.Get(messageID)
	if !ok {
		return domain.Permission{}, domain.NewSubSystemError(subsystem, op, domain.ErrMessageNotFound, messageID)
	}
	tc, ok := domain.ToolCallOf(m)
	if !ok || tc.Permission == nil {
		return domain.Permission{}, domain.NewSubSystemError(subsystem, op, domain.ErrNoPermission, messageID)
	}
	if !tc.Permission.Pending() {
		return tc.Permission.Clone(), domain.NewSubSystemError(subsystem, op, domain.ErrStalePermissionDecision,
			fmt.Sprintf("permission %s already %s", tc.Permission.ID, tc.Permission.Status))
	}
	d, err := toolstate.ValidateDecision(d)
	if err != nil {
		return domain.Permission{}, err
	}
	if d.At == 0 {
		d.At = s.now().UnixMilli()
	}
	if s.responder == nil {
		return domain.Permission{}, domain.NewSubSystemError(subsystem, op, domain.ErrSendFailed, "no permission responder")
	}

	ctx, span := tracer.StartSpan(ctx, "session.permission",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", tc.Name),
			tracer.StringAttr("permission.decision", string(d.Decision)),
		),
	)
	defer span.End()

	resp := domain.PermissionResponse{
		SessionID:    s.id,
		MessageID:    messageID,
		PermissionID: tc.Permission.ID,
		Decision:     d.Decision,
		Mode:         d.Mode,
		AllowedTools: d.AllowedTools,
		Reason:       d.Reason,
	}
	if err := s.responder.RespondPermission(ctx, resp); err != nil {
		tracer.RecordError(span, err)
		s.logger.ErrorContext(ctx, "permission response failed", "message_id", messageID, "error", err)
		return domain.Permission{}, domain.NewSubSystemError(subsystem, op,
			fmt.Errorf("%w: %w", domain.ErrSendFailed, err), "")
	}

	p, err := s.history.UpdatePermission(messageID, func(cur domain.Permission) (domain.Permission, error) {
		return toolstate.Decide(cur, d)
	})
	if err != nil {
		// The server may already have echoed the resolution.
		cur, _ := s.history.Get(messageID)
		if tc, ok := domain.ToolCallOf(cur); ok && tc.Permission != nil &&
			tc.Permission.Decision != nil && *tc.Permission.Decision == d.Decision {
			p, err = tc.Permission.Clone(), nil
		}
	}
	if err != nil {
		tracer.RecordError(span, err)
		return p, domain.WrapOp(op, err)
	}

	if d.Decision == domain.DecisionApprovedForSession {
		if len(d.AllowedTools) > 0 {
			s.grants.Allow(d.AllowedTools...)
		} else {
			s.grants.Allow(tc.Name)
		}
	}
	tracer.SetOK(span)
	s.logger.DebugContext(ctx, "permission decided", "message_id", messageID, "decision", d.Decision)
	s.publish(ctx, domain.EventPermissionUpdated, messageID, "", p)
	return p, nil
}

// Prompt returns the answerable form of a question tool call. The prompt
// follows the live tool state and sends answers through this session.
func (s *Session) Prompt(messageID string) (*composer.Prompt, error) {
	const op = "Session.Prompt"
	m, ok := s.history.Get(messageID)
	if !ok {
		return nil, domain.NewSubSystemError(subsystem, op, domain.ErrMessageNotFound, messageID)
	}
	tc, ok := domain.ToolCallOf(m)
	if !ok || tc.Name != composer.ToolName {
		return nil, domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput,
			fmt.Sprintf("%s is not a %s tool call", messageID, composer.ToolName))
	}
	state := func() domain.ToolState {
		cur, ok := s.history.Get(messageID)
		if !ok {
			return domain.ToolCompleted
		}
		tc, _ := domain.ToolCallOf(cur)
		return tc.State
	}
	return composer.New(s, s.id, state, tc.Input, s.registry)
}

// Persist saves the history to the configured store.
func (s *Session) Persist(ctx context.Context) error {
	const op = "Session.Persist"
	if s.store == nil {
		return domain.NewSubSystemError(subsystem, op, domain.ErrStore, "no history store configured")
	}
	if err := s.store.Save(ctx, s.id, s.history.Snapshot()); err != nil {
		return domain.WrapOp(op, err)
	}
	return nil
}

// Restore replaces the history with the stored one. Messages that were still
// pending when saved are marked failed, since no delivery survives a restart.
func (s *Session) Restore(ctx context.Context) error {
	const op = "Session.Restore"
	ctx = domain.ContextWithSessionID(ctx, s.id)
	if s.store == nil {
		return domain.NewSubSystemError(subsystem, op, domain.ErrStore, "no history store configured")
	}
	msgs, err := s.store.Load(ctx, s.id)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	for i, m := range msgs {
		switch v := m.(type) {
		case domain.UserText:
			if v.Delivery == domain.DeliveryPending {
				v.Delivery = domain.DeliveryFailed
				msgs[i] = v
			}
		case domain.UserImage:
			if v.Delivery == domain.DeliveryPending {
				v.Delivery = domain.DeliveryFailed
				v.FailureReason = interruptedReason
				msgs[i] = v
			}
		}
	}
	s.history.Replace(msgs)
	s.logger.DebugContext(ctx, "history restored", "messages", len(msgs))
	return nil
}

// deliverImage uploads file, fills the descriptor of the message with the
// given local id and sends it. preview is the one the message already shows.
func (s *Session) deliverImage(ctx context.Context, op, localID, text string, file domain.File, preview domain.LocalPreview) error {
	att, err := s.uploader.UploadPreviewed(ctx, file, preview)
	if err != nil {
		reason := domain.DetailOf(err)
		if reason == "" {
			reason = s.uploader.Status().Cause
		}
		s.markFailed(ctx, localID, reason)
		return err
	}

	updated, uerr := s.history.UpdateLocal(localID, func(m domain.Message) (domain.Message, error) {
		img := m.(domain.UserImage)
		img.Image = att.Clone()
		img.FailureReason = ""
		return img, nil
	})
	if uerr != nil {
		return domain.WrapOp(op, uerr)
	}
	s.publishMessage(ctx, domain.EventMessageUpdated, updated)

	return s.deliver(ctx, op, domain.Outbound{SessionID: s.id, LocalID: localID, Text: text, Image: &att})
}

// deliver sends out and records the outcome on the optimistic message.
func (s *Session) deliver(ctx context.Context, op string, out domain.Outbound) error {
	ctx, span := tracer.StartSpan(ctx, "session.send",
		trace.WithAttributes(
			tracer.StringAttr("message.local_id", out.LocalID),
			tracer.IntAttr("message.text_len", len(out.Text)),
		),
	)
	defer span.End()

	var err error
	if s.sender == nil {
		err = errors.New("no outbound sender")
	} else {
		err = s.sender.SendOutbound(ctx, out)
	}
	if err != nil {
		tracer.RecordError(span, err)
		s.logger.ErrorContext(ctx, "send failed", "local_id", out.LocalID, "error", err)
		s.markFailed(ctx, out.LocalID, "send failed")
		return domain.NewSubSystemError(subsystem, op, fmt.Errorf("%w: %w", domain.ErrSendFailed, err), "")
	}
	tracer.SetOK(span)
	s.setDelivery(ctx, out.LocalID, domain.DeliverySent, "")
	return nil
}

func (s *Session) markPending(ctx context.Context, localID string) {
	s.setDelivery(ctx, localID, domain.DeliveryPending, "")
}

func (s *Session) markFailed(ctx context.Context, localID, reason string) {
	s.setDelivery(ctx, localID, domain.DeliveryFailed, reason)
}

// setDelivery moves an optimistic message to state. Messages already
// reconciled with their durable form are left alone.
func (s *Session) setDelivery(ctx context.Context, localID string, state domain.DeliveryState, reason string) {
	changed := false
	m, err := s.history.UpdateLocal(localID, func(m domain.Message) (domain.Message, error) {
		switch v := m.(type) {
		case domain.UserText:
			if v.Delivery != "" && v.Delivery != state {
				v.Delivery, changed = state, true
			}
			return v, nil
		case domain.UserImage:
			if v.Delivery != "" && (v.Delivery != state || v.FailureReason != reason) {
				v.Delivery, v.FailureReason, changed = state, reason, true
			}
			return v, nil
		}
		return m, nil
	})
	if err != nil {
		s.logger.WarnContext(ctx, "delivery state not recorded", "local_id", localID, "error", err)
		return
	}
	if changed {
		s.logger.DebugContext(ctx, "delivery updated", "local_id", localID, "delivery", state)
		s.publishMessage(ctx, domain.EventMessageUpdated, m)
	}
}

// failedLocal returns the message with localID when it is marked failed.
func (s *Session) failedLocal(op, localID string) (domain.Message, error) {
	if s.id == "" {
		return nil, domain.NewSubSystemError(subsystem, op, domain.ErrNoActiveSession, "")
	}
	m, ok := s.history.GetLocal(localID)
	if !ok {
		return nil, domain.NewSubSystemError(subsystem, op, domain.ErrMessageNotFound, "local id "+localID)
	}
	if domain.DeliveryOf(m) != domain.DeliveryFailed {
		return nil, domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput,
			fmt.Sprintf("%s is not failed", localID))
	}
	return m, nil
}

// nextCreatedAt keeps optimistic messages after everything already shown.
func (s *Session) nextCreatedAt(now time.Time) int64 {
	return max(now.UnixMilli(), s.history.LastCreatedAt()+1)
}

func (s *Session) publishMessage(ctx context.Context, typ domain.EventType, m domain.Message) {
	s.publish(ctx, typ, m.Header().ID, domain.LocalIDOf(m), kindPayload{Kind: m.Kind(), Delivery: domain.DeliveryOf(m)})
}

type kindPayload struct {
	Kind     domain.MessageKind   `json:"kind"`
	Delivery domain.DeliveryState `json:"delivery,omitempty"`
}

func (s *Session) publish(ctx context.Context, typ domain.EventType, messageID, localID string, payload any) {
	if s.bus == nil {
		return
	}
	ev := eventbus.NewEvent(s.logger, typ, s.id, payload)
	ev.MessageID = messageID
	ev.LocalID = localID
	s.bus.Publish(ctx, ev)
}
