package composer

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"agentsync/internal/domain"
)

const subsystem = "composer"

// LabelSeparator joins the labels of a multi-select answer.
const LabelSeparator = ", "

// ToolStateFunc reports the live state of the question tool call.
type ToolStateFunc func() domain.ToolState

// Prompt is the answerable form of one AskUserQuestion tool call.
type Prompt struct {
	sender    domain.MessageSender
	sessionID string
	state     ToolStateFunc

	mu    sync.Mutex
	cards []*card
}

type card struct {
	question Question
	selected map[int]bool
	inFlight bool
}

// New builds a Prompt with one card per question in input.
func New(sender domain.MessageSender, sessionID string, state ToolStateFunc, input json.RawMessage, registry domain.ToolSchemaRegistry) (*Prompt, error) {
	in, err := ParseInput(input, registry)
	if err != nil {
		return nil, err
	}
	p := &Prompt{sender: sender, sessionID: sessionID, state: state}
	for _, q := range in.Questions {
		p.cards = append(p.cards, &card{question: q, selected: make(map[int]bool)})
	}
	return p, nil
}

// Questions returns the questions in display order.
func (p *Prompt) Questions() []Question {
	out := make([]Question, len(p.cards))
	for i, c := range p.cards {
		out[i] = c.question
		out[i].Options = slices.Clone(c.question.Options)
	}
	return out
}

// Disabled reports whether the tool call has completed, after which no
// answer can be composed.
func (p *Prompt) Disabled() bool {
	return p.state != nil && p.state() == domain.ToolCompleted
}

// Choose selects option opt of question q.
//
// For a single-select question the option's label is sent immediately,
// exactly once, and nothing is recorded locally. For a multi-select question
// the option's membership in the pending selection is toggled.
func (p *Prompt) Choose(ctx context.Context, q, opt int) error {
	const op = "Prompt.Choose"
	c, err := p.card(op, q, opt)
	if err != nil {
		return err
	}
	if c.question.MultiSelect {
		return p.toggle(op, c, opt)
	}
	if err := p.preflight(op); err != nil {
		return err
	}
	return p.send(ctx, op, c.question.Options[opt].Label)
}

// Toggle flips option opt in the selection of multi-select question q.
func (p *Prompt) Toggle(q, opt int) error {
	const op = "Prompt.Toggle"
	c, err := p.card(op, q, opt)
	if err != nil {
		return err
	}
	if !c.question.MultiSelect {
		return domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput,
			fmt.Sprintf("question %d is single-select", q))
	}
	return p.toggle(op, c, opt)
}

func (p *Prompt) toggle(op string, c *card, opt int) error {
	if p.Disabled() {
		return domain.NewSubSystemError(subsystem, op, domain.ErrToolAlreadyResolved, "")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.inFlight {
		return domain.NewSubSystemError(subsystem, op, domain.ErrSubmissionInFlight, c.question.Question)
	}
	if c.selected[opt] {
		delete(c.selected, opt)
	} else {
		c.selected[opt] = true
	}
	return nil
}

// Submit sends the selected labels of multi-select question q, in ascending
// option order joined by LabelSeparator. An empty selection sends nothing.
// The selection is cleared when delivery succeeds and kept when it fails.
func (p *Prompt) Submit(ctx context.Context, q int) error {
	const op = "Prompt.Submit"
	c, err := p.card(op, q, 0)
	if err != nil {
		return err
	}
	if err := p.preflight(op); err != nil {
		return err
	}

	p.mu.Lock()
	if c.inFlight {
		p.mu.Unlock()
		return domain.NewSubSystemError(subsystem, op, domain.ErrSubmissionInFlight, c.question.Question)
	}
	indices := sortedKeys(c.selected)
	if len(indices) == 0 {
		p.mu.Unlock()
		return nil
	}
	labels := make([]string, len(indices))
	for i, idx := range indices {
		labels[i] = c.question.Options[idx].Label
	}
	c.inFlight = true
	p.mu.Unlock()

	err = p.send(ctx, op, strings.Join(labels, LabelSeparator))

	p.mu.Lock()
	c.inFlight = false
	if err == nil {
		clear(c.selected)
	}
	p.mu.Unlock()
	return err
}

// CanConfirm reports whether Submit would send something for question q.
func (p *Prompt) CanConfirm(q int) bool {
	if q < 0 || q >= len(p.cards) || p.Disabled() {
		return false
	}
	c := p.cards[q]
	p.mu.Lock()
	defer p.mu.Unlock()
	return c.question.MultiSelect && !c.inFlight && len(c.selected) > 0
}

// Selected returns the selected option indices of question q in ascending order.
func (p *Prompt) Selected(q int) []int {
	if q < 0 || q >= len(p.cards) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedKeys(p.cards[q].selected)
}

// Submitting reports whether a submission for question q is in flight.
func (p *Prompt) Submitting(q int) bool {
	if q < 0 || q >= len(p.cards) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cards[q].inFlight
}

func (p *Prompt) card(op string, q, opt int) (*card, error) {
	if q < 0 || q >= len(p.cards) {
		return nil, domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput, fmt.Sprintf("no question %d", q))
	}
	c := p.cards[q]
	if opt < 0 || opt >= len(c.question.Options) {
		return nil, domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput,
			fmt.Sprintf("question %d has no option %d", q, opt))
	}
	return c, nil
}

// preflight runs the checks every delivery is gated on.
func (p *Prompt) preflight(op string) error {
	if p.Disabled() {
		return domain.NewSubSystemError(subsystem, op, domain.ErrToolAlreadyResolved, "")
	}
	if p.sessionID == "" {
		return domain.NewSubSystemError(subsystem, op, domain.ErrNoActiveSession, "")
	}
	return nil
}

func (p *Prompt) send(ctx context.Context, op, text string) error {
	if err := p.sender.SendMessage(ctx, p.sessionID, text); err != nil {
		return domain.NewSubSystemError(subsystem, op, fmt.Errorf("%w: %w", domain.ErrSendFailed, err), "")
	}
	return nil
}

func sortedKeys(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
