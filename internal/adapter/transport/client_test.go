package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentsync/internal/domain"
)

// fakeServer answers message.send and permission.respond requests. Text
// "fail" is rejected; text "silent" is never answered. Before answering a
// send it pushes the events queued in events.
type fakeServer struct {
	t      *testing.T
	mu     sync.Mutex
	frames []Frame
	auth   string
	events []domain.Inbound
	conns  chan *websocket.Conn
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.auth = r.Header.Get("Authorization")
	s.mu.Unlock()

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	if s.conns != nil {
		s.conns <- ws
	}
	ctx := r.Context()
	for {
		var f Frame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			return
		}
		s.mu.Lock()
		s.frames = append(s.frames, f)
		events := s.events
		s.events = nil
		s.mu.Unlock()

		for _, in := range events {
			payload, _ := json.Marshal(in)
			_ = wsjson.Write(ctx, ws, Frame{Type: FrameTypeEvent, Payload: payload})
		}

		resp := Frame{Type: FrameTypeResponse, ID: f.ID, Payload: json.RawMessage(`{"ok":true}`)}
		if f.Method == MethodSendMessage {
			var out domain.Outbound
			_ = json.Unmarshal(f.Payload, &out)
			switch out.Text {
			case "fail":
				resp = Frame{Type: FrameTypeResponse, ID: f.ID, Error: "session closed"}
			case "silent":
				continue
			}
		}
		if err := wsjson.Write(ctx, ws, resp); err != nil {
			return
		}
	}
}

func (s *fakeServer) received() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

func dial(t *testing.T, srv *fakeServer, cfg Config) *Client {
	t.Helper()
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	cfg.URL = "ws" + strings.TrimPrefix(hs.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSendOutboundRoundtrip(t *testing.T) {
	srv := &fakeServer{t: t}
	c := dial(t, srv, Config{Token: "tok"})

	err := c.SendOutbound(context.Background(), domain.Outbound{SessionID: "s-1", LocalID: "L1", Text: "hi"})
	require.NoError(t, err)

	frames := srv.received()
	require.Len(t, frames, 1)
	assert.Equal(t, FrameTypeRequest, frames[0].Type)
	assert.Equal(t, MethodSendMessage, frames[0].Method)
	assert.JSONEq(t, `{"session_id":"s-1","local_id":"L1","text":"hi"}`, string(frames[0].Payload))

	srv.mu.Lock()
	assert.Equal(t, "Bearer tok", srv.auth)
	srv.mu.Unlock()
}

func TestSendMessageUsesSendMethod(t *testing.T) {
	srv := &fakeServer{t: t}
	c := dial(t, srv, Config{})
	require.NoError(t, c.SendMessage(context.Background(), "s-1", "A, B"))

	var out domain.Outbound
	require.NoError(t, json.Unmarshal(srv.received()[0].Payload, &out))
	assert.Equal(t, "A, B", out.Text)
	assert.Equal(t, "", out.LocalID)
}

func TestServerErrorIsSendFailed(t *testing.T) {
	srv := &fakeServer{t: t}
	c := dial(t, srv, Config{})

	err := c.SendMessage(context.Background(), "s-1", "fail")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSendFailed))
	assert.Equal(t, "session closed", domain.DetailOf(err))
}

func TestRespondPermission(t *testing.T) {
	srv := &fakeServer{t: t}
	c := dial(t, srv, Config{})

	err := c.RespondPermission(context.Background(), domain.PermissionResponse{
		SessionID: "s-1", MessageID: "m-1", PermissionID: "p-1", Decision: domain.DecisionApprovedForSession,
		AllowedTools: []string{"Bash"},
	})
	require.NoError(t, err)
	f := srv.received()[0]
	assert.Equal(t, MethodRespondPermission, f.Method)
	assert.Contains(t, string(f.Payload), `"allowed_tools":["Bash"]`)
}

func TestRequestTimeout(t *testing.T) {
	srv := &fakeServer{t: t}
	c := dial(t, srv, Config{RequestTimeout: 50 * time.Millisecond})

	start := time.Now()
	err := c.SendMessage(context.Background(), "s-1", "silent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no response")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRequestHonoursContext(t *testing.T) {
	srv := &fakeServer{t: t}
	c := dial(t, srv, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.SendMessage(ctx, "s-1", "silent")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRateLimit(t *testing.T) {
	srv := &fakeServer{t: t}
	c := dial(t, srv, Config{SendRate: 20, SendBurst: 1})

	start := time.Now()
	for range 3 {
		require.NoError(t, c.SendMessage(context.Background(), "s-1", "x"))
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

type recordingHandler struct {
	mu  sync.Mutex
	got []domain.Inbound
}

func (h *recordingHandler) HandleInbound(_ context.Context, in domain.Inbound) {
	h.mu.Lock()
	h.got = append(h.got, in)
	h.mu.Unlock()
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.got)
}

func TestRunDeliversEventsInOrder(t *testing.T) {
	srv := &fakeServer{t: t}
	for i := range 5 {
		srv.events = append(srv.events, domain.Inbound{
			Type: domain.InboundTool, SessionID: "s-1", MessageID: string(rune('a' + i)),
			Tool: &domain.ToolEvent{Type: domain.ToolEventStarted, At: int64(i)},
		})
	}
	c := dial(t, srv, Config{})

	h := &recordingHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, h) }()

	require.NoError(t, c.SendMessage(context.Background(), "s-1", "go"))
	require.Eventually(t, func() bool { return h.count() == 5 }, 2*time.Second, 5*time.Millisecond)

	h.mu.Lock()
	for i, in := range h.got {
		assert.Equal(t, string(rune('a'+i)), in.MessageID)
		require.NotNil(t, in.Tool)
		assert.Equal(t, int64(i), in.Tool.At)
	}
	h.mu.Unlock()

	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))
}

func TestResponsesNotBlockedByUnconsumedEvents(t *testing.T) {
	const n = backlogWarn + 44
	srv := &fakeServer{t: t}
	for i := range n {
		srv.events = append(srv.events, domain.Inbound{
			Type: domain.InboundTool, SessionID: "s-1", MessageID: "t-1",
			Tool: &domain.ToolEvent{Type: domain.ToolEventStarted, At: int64(i)},
		})
	}
	c := dial(t, srv, Config{RequestTimeout: 2 * time.Second})

	// Nothing consumes events yet; the response must still arrive.
	require.NoError(t, c.SendMessage(context.Background(), "s-1", "go"))

	h := &recordingHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx, h) }()
	require.Eventually(t, func() bool { return h.count() == n }, 3*time.Second, 5*time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, in := range h.got {
		assert.Equal(t, int64(i), in.Tool.At)
	}
}

func TestServerCloseEndsRun(t *testing.T) {
	srv := &fakeServer{t: t, conns: make(chan *websocket.Conn, 1)}
	c := dial(t, srv, Config{})
	serverSide := <-srv.conns

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), &recordingHandler{}) }()

	require.NoError(t, serverSide.Close(websocket.StatusNormalClosure, "bye"))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after server close")
	}

	err := c.SendMessage(context.Background(), "s-1", "late")
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestClosedClientRejectsRequests(t *testing.T) {
	srv := &fakeServer{t: t}
	c := dial(t, srv, Config{})
	_ = c.Close()

	err := c.SendMessage(context.Background(), "s-1", "hi")
	assert.True(t, errors.Is(err, ErrClosed))
}
