package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleOf returns a representative, valid message for every kind.
func sampleOf(t *testing.T, k MessageKind) Message {
	t.Helper()
	base := MessageBase{ID: "m-" + string(k), CreatedAt: 100, Meta: json.RawMessage(`{"tag":1}`)}
	switch k {
	case KindUserText:
		return UserText{MessageBase: base, LocalID: "l-1", Text: "hello", DisplayText: "hi"}
	case KindUserImage:
		return UserImage{MessageBase: base, LocalID: "l-2", Text: "look", Image: Attachment{
			URL: "https://cdn/x.png", Width: 10, Height: 20, PerceptualHash: "abc",
			LocalPreview: &LocalPreview{FileName: "camera-roll-0042.png", Data: []byte("preview-bytes")},
		}}
	case KindAgentText:
		return AgentText{MessageBase: base, Text: "sure"}
	case KindToolCall:
		return ToolCallMessage{
			MessageBase: base,
			Tool: ToolCall{
				Name:      "Bash",
				State:     ToolRunning,
				Input:     json.RawMessage(`{"command":"ls"}`),
				CreatedAt: 100,
				StartedAt: Ptr[int64](101),
				Permission: &Permission{
					ID:     "p-1",
					Status: PermissionPending,
					Mode:   Ptr("default"),
				},
			},
			Children: []Message{AgentText{MessageBase: MessageBase{ID: "c-1", CreatedAt: 102}, Text: "child"}},
		}
	case KindAgentEvent:
		return AgentEventMessage{MessageBase: base, Event: AgentEvent{Type: AgentEventSwitch, Mode: "plan"}}
	}
	t.Fatalf("no sample for kind %q", k)
	return nil
}

func TestAllKindsRoundTrip(t *testing.T) {
	for _, k := range AllKinds {
		t.Run(string(k), func(t *testing.T) {
			msg := sampleOf(t, k)
			assert.Equal(t, k, msg.Kind())

			data, err := EncodeMessage(msg)
			require.NoError(t, err)

			got, err := DecodeMessage(data)
			require.NoError(t, err)
			assert.Equal(t, k, got.Kind())
			assert.Equal(t, msg.Header().ID, got.Header().ID)

			// Clone must handle every kind without panicking.
			assert.NotPanics(t, func() { CloneMessage(msg) })
		})
	}
}

func TestEncodeDropsLocalPreview(t *testing.T) {
	msg := sampleOf(t, KindUserImage)
	data, err := EncodeMessage(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "camera-roll-0042")
	assert.NotContains(t, string(data), "cHJldmlldy1ieXRlcw") // base64 of the preview bytes
	assert.Contains(t, string(data), "https://cdn/x.png")

	got, err := DecodeMessage(data)
	require.NoError(t, err)
	img := got.(UserImage)
	assert.Nil(t, img.Image.LocalPreview)
	assert.Equal(t, "abc", img.Image.PerceptualHash)
}

func TestAgentEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   AgentEvent
		wantErr bool
	}{
		{"switch", AgentEvent{Type: AgentEventSwitch, Mode: "plan"}, false},
		{"switch without mode", AgentEvent{Type: AgentEventSwitch}, true},
		{"notice", AgentEvent{Type: AgentEventNotice, Message: "context compacted"}, false},
		{"notice without message", AgentEvent{Type: AgentEventNotice}, true},
		{"limit reached", AgentEvent{Type: AgentEventLimitReached, EndsAt: 5}, false},
		{"ready", AgentEvent{Type: AgentEventReady}, false},
		{"unknown", AgentEvent{Type: "paused"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAgentNoticeRoundTrip(t *testing.T) {
	msg := AgentEventMessage{
		MessageBase: MessageBase{ID: "e-1", CreatedAt: 7},
		Event:       AgentEvent{Type: AgentEventNotice, Message: "context compacted"},
	}
	data, err := EncodeMessage(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"message"`)

	got, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg.Event, got.(AgentEventMessage).Event)
}

func TestToolCallChildrenRoundTrip(t *testing.T) {
	data, err := EncodeMessage(sampleOf(t, KindToolCall))
	require.NoError(t, err)

	got, err := DecodeMessage(data)
	require.NoError(t, err)
	tc := got.(ToolCallMessage)
	require.Len(t, tc.Children, 1)
	assert.Equal(t, "child", tc.Children[0].(AgentText).Text)
	assert.Equal(t, "default", *tc.Tool.Permission.Mode)
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":          `{`,
		"unknown kind":      `{"kind":"video","id":"1"}`,
		"missing id":        `{"kind":"agent-text","text":"x"}`,
		"image no desc":     `{"kind":"user-image","id":"1"}`,
		"image unresolved":  `{"kind":"user-image","id":"1","image":{"url":""}}`,
		"text missing":      `{"kind":"user-text","id":"1"}`,
		"tool no name":      `{"kind":"tool-call","id":"1","tool":{"state":"running"}}`,
		"tool bad state":    `{"kind":"tool-call","id":"1","tool":{"name":"x","state":"paused"}}`,
		"tool no tool":      `{"kind":"tool-call","id":"1"}`,
		"terminal pending":  `{"kind":"tool-call","id":"1","tool":{"name":"x","state":"error","completedAt":5,"permission":{"id":"p","status":"pending"}}}`,
		"approved no dec":   `{"kind":"tool-call","id":"1","tool":{"name":"x","state":"running","permission":{"id":"p","status":"approved"}}}`,
		"canceled approved": `{"kind":"tool-call","id":"1","tool":{"name":"x","state":"running","permission":{"id":"p","status":"canceled","decision":"approved","date":1}}}`,
		"event no mode":     `{"kind":"agent-event","id":"1","event":{"type":"switch"}}`,
		"bad child":         `{"kind":"tool-call","id":"1","tool":{"name":"x","state":"running"},"children":[{"kind":"nope","id":"2"}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedEvent), "got %v", err)
		})
	}
}

func TestDecodeOptimisticWithoutID(t *testing.T) {
	got, err := DecodeMessage([]byte(`{"kind":"user-text","localId":"l-9","text":"hi","delivery":"failed"}`))
	require.NoError(t, err)
	assert.Equal(t, "l-9", LocalIDOf(got))
	assert.Equal(t, DeliveryFailed, DeliveryOf(got))
}

func TestCloneMessageIsDeep(t *testing.T) {
	orig := sampleOf(t, KindToolCall).(ToolCallMessage)
	c := CloneMessage(orig).(ToolCallMessage)

	c.Tool.Input[2] = 'X'
	c.Tool.Permission.ID = "changed"
	*c.Tool.StartedAt = 999
	c.Children[0] = AgentText{Text: "replaced"}

	assert.Equal(t, `{"command":"ls"}`, string(orig.Tool.Input))
	assert.Equal(t, "p-1", orig.Tool.Permission.ID)
	assert.Equal(t, int64(101), *orig.Tool.StartedAt)
	assert.Equal(t, "child", orig.Children[0].(AgentText).Text)
}

func TestLocalIDOnlyOnUserKinds(t *testing.T) {
	for _, k := range AllKinds {
		msg := sampleOf(t, k)
		switch k {
		case KindUserText, KindUserImage:
			assert.NotEmpty(t, LocalIDOf(msg), k)
		default:
			assert.Empty(t, LocalIDOf(msg), k)
		}
	}
}

func TestWalkVisitsChildrenInOrder(t *testing.T) {
	msg := ToolCallMessage{
		MessageBase: MessageBase{ID: "root"},
		Tool:        ToolCall{Name: "Task", State: ToolRunning},
		Children: []Message{
			AgentText{MessageBase: MessageBase{ID: "b", CreatedAt: 9}},
			AgentText{MessageBase: MessageBase{ID: "a", CreatedAt: 1}},
		},
	}
	var ids []string
	Walk(msg, func(m Message) { ids = append(ids, m.Header().ID) })
	assert.Equal(t, []string{"root", "b", "a"}, ids)
}

func TestCredentials(t *testing.T) {
	_, ok := StaticCredentials("").Credentials()
	assert.False(t, ok)
	c, ok := StaticCredentials("tok").Credentials()
	assert.True(t, ok)
	assert.Equal(t, "tok", c.Token)
}

func TestSessionIDContext(t *testing.T) {
	ctx := ContextWithSessionID(t.Context(), "s-1")
	assert.Equal(t, "s-1", SessionIDFromContext(ctx))
	assert.Equal(t, "", SessionIDFromContext(t.Context()))
}
