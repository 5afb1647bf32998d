package history

import (
	"fmt"
	"sync"

	"agentsync/internal/domain"
	"agentsync/internal/usecase/toolstate"
)

// History is the single owner of a session's message list. Readers get deep
// copies; nothing handed out aliases the stored messages.
type History struct {
	mu   sync.RWMutex
	msgs []domain.Message
}

// New creates a History seeded with msgs, which are copied.
func New(msgs ...domain.Message) *History {
	h := &History{}
	h.Replace(msgs)
	return h
}

// Replace discards the current list and installs a copy of msgs.
func (h *History) Replace(msgs []domain.Message) {
	cp := domain.CloneMessages(msgs)
	if cp == nil {
		cp = make([]domain.Message, 0)
	}
	h.mu.Lock()
	h.msgs = cp
	h.mu.Unlock()
}

// Append inserts m at its ordered position. A message whose id is already
// present, or whose local id belongs to an unreconciled entry, is rejected
// with ErrDuplicate.
func (h *History) Append(m domain.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	id, lid := m.Header().ID, domain.LocalIDOf(m)
	for _, cur := range h.msgs {
		if id != "" && cur.Header().ID == id {
			return domain.NewDomainError("History.Append", domain.ErrDuplicate, "id "+id)
		}
		if lid != "" && domain.LocalIDOf(cur) == lid && domain.DeliveryOf(cur) != "" {
			return domain.NewDomainError("History.Append", domain.ErrDuplicate, "local id "+lid)
		}
	}
	h.msgs = Insert(h.msgs, domain.CloneMessage(m))
	return nil
}

// Reconcile merges a durable message into the list. See the package-level
// Reconcile for the matching rules. On error the list is unchanged.
func (h *History) Reconcile(durable domain.Message) (Match, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out, match, err := reconcile(h.msgs, domain.CloneMessage(durable))
	if err != nil {
		return MatchNone, err
	}
	h.msgs = out
	return match, nil
}

// ApplyToolEvent advances the tool call with the given message id, which may
// be nested inside another tool call. On error the stored call is unchanged.
func (h *History) ApplyToolEvent(messageID string, ev domain.ToolEvent) (domain.ToolCall, error) {
	var out domain.ToolCall
	err := h.updateTool(messageID, "History.ApplyToolEvent", func(tc domain.ToolCall) (domain.ToolCall, error) {
		next, err := toolstate.Apply(tc, ev)
		out = next
		return next, err
	})
	return out.Clone(), err
}

// MergeTool reconciles a stored tool call with a re-sent snapshot of it.
// Rejected parts of the snapshot are reported; accepted parts are kept.
func (h *History) MergeTool(messageID string, next domain.ToolCall) (domain.ToolCall, []error) {
	var (
		out  domain.ToolCall
		errs []error
	)
	err := h.updateTool(messageID, "History.MergeTool", func(tc domain.ToolCall) (domain.ToolCall, error) {
		out, errs = toolstate.Merge(tc, next)
		return out, nil
	})
	if err != nil {
		return domain.ToolCall{}, []error{err}
	}
	return out.Clone(), errs
}

// UpdatePermission replaces the permission of a tool call through fn, which
// receives a copy of the current permission.
func (h *History) UpdatePermission(messageID string, fn func(domain.Permission) (domain.Permission, error)) (domain.Permission, error) {
	var out domain.Permission
	err := h.updateTool(messageID, "History.UpdatePermission", func(tc domain.ToolCall) (domain.ToolCall, error) {
		if tc.Permission == nil {
			return tc, domain.NewDomainError("History.UpdatePermission", domain.ErrNoPermission, messageID)
		}
		p, err := fn(tc.Permission.Clone())
		if err != nil {
			return tc, err
		}
		tc.Permission = &p
		out = p
		return tc, nil
	})
	return out.Clone(), err
}

// AppendChild adds msg to the sub-conversation of a tool call. A child with an
// id already present under that parent is replaced in place; otherwise it is
// appended in arrival order.
func (h *History) AppendChild(parentID string, msg domain.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	child := domain.CloneMessage(msg)
	found := false
	var kindErr error
	h.msgs = rewrite(h.msgs, parentID, func(m domain.Message) domain.Message {
		found = true
		tc, ok := m.(domain.ToolCallMessage)
		if !ok {
			kindErr = domain.NewDomainError("History.AppendChild", domain.ErrMalformedEvent,
				fmt.Sprintf("parent %s is a %s message", parentID, m.Kind()))
			return m
		}
		id := child.Header().ID
		for i, c := range tc.Children {
			if id != "" && c.Header().ID == id {
				tc.Children[i] = child
				return tc
			}
		}
		tc.Children = append(tc.Children, child)
		return tc
	})
	if !found {
		return domain.NewDomainError("History.AppendChild", domain.ErrMessageNotFound, parentID)
	}
	return kindErr
}

// UpdateLocal rewrites the unreconciled or reconciled entry with the given
// local id through fn. fn receives a copy and must keep the kind and local id.
func (h *History) UpdateLocal(localID string, fn func(domain.Message) (domain.Message, error)) (domain.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, m := range h.msgs {
		if domain.LocalIDOf(m) != localID {
			continue
		}
		next, err := fn(domain.CloneMessage(m))
		if err != nil {
			return nil, err
		}
		if next.Kind() != m.Kind() || domain.LocalIDOf(next) != localID {
			return nil, domain.NewDomainError("History.UpdateLocal", domain.ErrInvalidInput,
				"update changed message kind or local id")
		}
		h.msgs[i] = domain.CloneMessage(next)
		return next, nil
	}
	return nil, domain.NewDomainError("History.UpdateLocal", domain.ErrMessageNotFound, "local id "+localID)
}

// Get returns a copy of the message with the given id, searching children.
func (h *History) Get(id string) (domain.Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if m := find(h.msgs, id); m != nil {
		return domain.CloneMessage(m), true
	}
	return nil, false
}

// GetLocal returns a copy of the top-level message with the given local id.
func (h *History) GetLocal(localID string) (domain.Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, m := range h.msgs {
		if domain.LocalIDOf(m) == localID {
			return domain.CloneMessage(m), true
		}
	}
	return nil, false
}

// Snapshot returns a deep copy of the current list.
func (h *History) Snapshot() []domain.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return domain.CloneMessages(h.msgs)
}

// Len returns the number of top-level messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.msgs)
}

// LastCreatedAt returns the greatest CreatedAt among top-level messages.
func (h *History) LastCreatedAt() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var last int64
	for _, m := range h.msgs {
		last = max(last, m.Header().CreatedAt)
	}
	return last
}

func (h *History) updateTool(messageID, op string, fn func(domain.ToolCall) (domain.ToolCall, error)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	found := false
	var ferr error
	updated := rewrite(h.msgs, messageID, func(m domain.Message) domain.Message {
		found = true
		tcm, ok := m.(domain.ToolCallMessage)
		if !ok {
			ferr = domain.NewDomainError(op, domain.ErrMalformedEvent,
				fmt.Sprintf("%s is a %s message", messageID, m.Kind()))
			return m
		}
		next, err := fn(tcm.Tool.Clone())
		if err != nil {
			ferr = err
			return m
		}
		tcm.Tool = next
		return tcm
	})
	if !found {
		return domain.NewDomainError(op, domain.ErrMessageNotFound, messageID)
	}
	if ferr == nil {
		h.msgs = updated
	}
	return ferr
}

// rewrite returns a copy of msgs in which the message with the given id,
// searched depth first through tool call children, is replaced by fn's result.
// Only the spine leading to the match is copied.
func rewrite(msgs []domain.Message, id string, fn func(domain.Message) domain.Message) []domain.Message {
	if id == "" {
		return msgs
	}
	for i, m := range msgs {
		if m.Header().ID == id {
			out := append([]domain.Message(nil), msgs...)
			out[i] = fn(m)
			return out
		}
		tc, ok := m.(domain.ToolCallMessage)
		if !ok || len(tc.Children) == 0 {
			continue
		}
		children := rewrite(tc.Children, id, fn)
		if &children[0] != &tc.Children[0] {
			tc.Children = children
			out := append([]domain.Message(nil), msgs...)
			out[i] = tc
			return out
		}
	}
	return msgs
}

func find(msgs []domain.Message, id string) domain.Message {
	if id == "" {
		return nil
	}
	for _, m := range msgs {
		if m.Header().ID == id {
			return m
		}
		if tc, ok := m.(domain.ToolCallMessage); ok {
			if c := find(tc.Children, id); c != nil {
				return c
			}
		}
	}
	return nil
}
