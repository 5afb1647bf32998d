package composer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentsync/internal/domain"
)

type sent struct {
	sessionID string
	text      string
}

// fakeSender records deliveries. When gate is non-nil each send blocks until
// it receives the error to return.
type fakeSender struct {
	mu    sync.Mutex
	calls []sent
	err   error
	gate  chan error
}

func (f *fakeSender) SendMessage(_ context.Context, sessionID, text string) error {
	f.mu.Lock()
	f.calls = append(f.calls, sent{sessionID, text})
	gate, err := f.gate, f.err
	f.mu.Unlock()
	if gate != nil {
		return <-gate
	}
	return err
}

func (f *fakeSender) deliveries() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.calls...)
}

const abcInput = `{"questions":[
	{"question":"Pick one","header":"One","options":[{"label":"A"},{"label":"B"},{"label":"C"}]},
	{"question":"Pick many","multiSelect":true,"options":[{"label":"A"},{"label":"B"},{"label":"C","description":"third"}]}
]}`

const (
	single = 0
	multi  = 1
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func running() domain.ToolState { return domain.ToolRunning }

func newPrompt(t *testing.T, sender domain.MessageSender, sessionID string, state ToolStateFunc) *Prompt {
	t.Helper()
	p, err := New(sender, sessionID, state, json.RawMessage(abcInput), nil)
	require.NoError(t, err)
	return p
}

func TestSingleSelectSendsLabelOnce(t *testing.T) {
	s := &fakeSender{}
	p := newPrompt(t, s, "sess-1", running)

	require.NoError(t, p.Choose(context.Background(), single, 2))
	assert.Equal(t, []sent{{"sess-1", "C"}}, s.deliveries())
	assert.Empty(t, p.Selected(single), "single-select keeps no local selection")
	assert.False(t, p.CanConfirm(single))
}

func TestMultiSelectSendsAscendingOrder(t *testing.T) {
	s := &fakeSender{}
	p := newPrompt(t, s, "sess-1", running)

	require.NoError(t, p.Choose(context.Background(), multi, 1))
	require.NoError(t, p.Choose(context.Background(), multi, 0))
	assert.Empty(t, s.deliveries(), "multi-select choose must not send")
	assert.Equal(t, []int{0, 1}, p.Selected(multi))
	assert.True(t, p.CanConfirm(multi))

	require.NoError(t, p.Submit(context.Background(), multi))
	assert.Equal(t, []sent{{"sess-1", "A, B"}}, s.deliveries())
	assert.Empty(t, p.Selected(multi), "selection cleared after success")
}

func TestToggleRemovesSelection(t *testing.T) {
	p := newPrompt(t, &fakeSender{}, "sess-1", running)

	require.NoError(t, p.Toggle(multi, 2))
	require.NoError(t, p.Toggle(multi, 0))
	require.NoError(t, p.Toggle(multi, 2))
	assert.Equal(t, []int{0}, p.Selected(multi))

	err := p.Toggle(single, 0)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestEmptySubmitIsNoop(t *testing.T) {
	s := &fakeSender{}
	p := newPrompt(t, s, "sess-1", running)

	require.NoError(t, p.Submit(context.Background(), multi))
	assert.Empty(t, s.deliveries())
	assert.False(t, p.CanConfirm(multi))
}

func TestSubmitFailureKeepsSelection(t *testing.T) {
	s := &fakeSender{err: errors.New("socket closed")}
	p := newPrompt(t, s, "sess-1", running)
	require.NoError(t, p.Toggle(multi, 2))

	err := p.Submit(context.Background(), multi)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSendFailed))
	assert.Equal(t, domain.CategoryTransport, domain.CategoryOf(err))
	assert.Equal(t, []int{2}, p.Selected(multi))

	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()
	require.NoError(t, p.Submit(context.Background(), multi))
	assert.Equal(t, "C", s.deliveries()[1].text)
}

func TestNoActiveSession(t *testing.T) {
	s := &fakeSender{}
	p := newPrompt(t, s, "", running)

	assert.True(t, errors.Is(p.Choose(context.Background(), single, 0), domain.ErrNoActiveSession))

	require.NoError(t, p.Toggle(multi, 0))
	assert.True(t, errors.Is(p.Submit(context.Background(), multi), domain.ErrNoActiveSession))
	assert.Empty(t, s.deliveries())
	assert.Equal(t, []int{0}, p.Selected(multi))
}

func TestCompletedToolDisablesEverything(t *testing.T) {
	state := domain.ToolRunning
	s := &fakeSender{}
	p := newPrompt(t, s, "sess-1", func() domain.ToolState { return state })
	require.NoError(t, p.Toggle(multi, 1))

	state = domain.ToolCompleted
	assert.True(t, p.Disabled())
	assert.False(t, p.CanConfirm(multi))
	assert.True(t, errors.Is(p.Choose(context.Background(), single, 0), domain.ErrToolAlreadyResolved))
	assert.True(t, errors.Is(p.Toggle(multi, 0), domain.ErrToolAlreadyResolved))
	assert.True(t, errors.Is(p.Submit(context.Background(), multi), domain.ErrToolAlreadyResolved))
	assert.Empty(t, s.deliveries())
}

func TestErrorStateStaysAnswerable(t *testing.T) {
	s := &fakeSender{}
	p := newPrompt(t, s, "sess-1", func() domain.ToolState { return domain.ToolError })
	assert.False(t, p.Disabled())
	require.NoError(t, p.Choose(context.Background(), single, 1))
	assert.Equal(t, "B", s.deliveries()[0].text)
}

func TestSubmitRefusedWhileInFlight(t *testing.T) {
	s := &fakeSender{gate: make(chan error)}
	p := newPrompt(t, s, "sess-1", running)
	require.NoError(t, p.Toggle(multi, 0))

	done := make(chan error, 1)
	go func() { done <- p.Submit(context.Background(), multi) }()

	require.Eventually(t, func() bool { return p.Submitting(multi) }, timeout, tick)
	assert.False(t, p.CanConfirm(multi))

	err := p.Submit(context.Background(), multi)
	assert.True(t, errors.Is(err, domain.ErrSubmissionInFlight))
	assert.True(t, errors.Is(p.Toggle(multi, 1), domain.ErrSubmissionInFlight))

	s.gate <- nil
	require.NoError(t, <-done)
	assert.Len(t, s.deliveries(), 1)
	assert.False(t, p.Submitting(multi))
}

func TestOutOfRangeIndices(t *testing.T) {
	p := newPrompt(t, &fakeSender{}, "sess-1", running)
	assert.True(t, errors.Is(p.Choose(context.Background(), 5, 0), domain.ErrInvalidInput))
	assert.True(t, errors.Is(p.Choose(context.Background(), single, 3), domain.ErrInvalidInput))
	assert.Nil(t, p.Selected(9))
}

func TestQuestionsAreCopies(t *testing.T) {
	p := newPrompt(t, &fakeSender{}, "sess-1", running)
	qs := p.Questions()
	require.Len(t, qs, 2)
	assert.Equal(t, "One", qs[0].Header)
	assert.Equal(t, "third", qs[1].Options[2].Description)

	qs[0].Options[0].Label = "mutated"
	assert.Equal(t, "A", p.Questions()[0].Options[0].Label)
}

func TestParseInputRejectsMalformed(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":   `[`,
		"empty":      `{"questions":[]}`,
		"no options": `{"questions":[{"question":"q","options":[]}]}`,
		"no label":   `{"questions":[{"question":"q","options":[{"description":"d"}]}]}`,
	} {
		_, err := New(&fakeSender{}, "s", running, json.RawMessage(raw), nil)
		assert.True(t, errors.Is(err, domain.ErrMalformedEvent), name)
	}
}

type rejectAll struct{}

func (rejectAll) Lookup(string) (domain.ToolValidator, bool) { return rejectAll{}, true }
func (rejectAll) Parse(json.RawMessage) domain.ParseResult   { return domain.ParseResult{} }

func TestParseInputUsesRegistry(t *testing.T) {
	_, err := New(&fakeSender{}, "s", running, json.RawMessage(abcInput), rejectAll{})
	assert.True(t, errors.Is(err, domain.ErrMalformedEvent))
}
