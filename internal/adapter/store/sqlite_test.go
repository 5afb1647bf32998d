package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentsync/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteHistoryStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "nested", "history.db")
	store, err := NewSQLiteHistoryStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteHistoryStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleHistory() []domain.Message {
	pending := domain.PermissionPending
	return []domain.Message{
		domain.UserText{MessageBase: domain.MessageBase{ID: "m1", CreatedAt: 1}, LocalID: "L1", Text: "hello"},
		domain.AgentText{MessageBase: domain.MessageBase{ID: "m2", CreatedAt: 2}, Text: "hi"},
		domain.ToolCallMessage{
			MessageBase: domain.MessageBase{ID: "m3", CreatedAt: 3},
			Tool: domain.ToolCall{
				Name: "Bash", State: domain.ToolRunning, Input: json.RawMessage(`{"command":"ls"}`), CreatedAt: 3,
				Permission: &domain.Permission{ID: "p1", Status: pending},
			},
			Children: []domain.Message{
				domain.AgentText{MessageBase: domain.MessageBase{ID: "c1", CreatedAt: 4}, Text: "child"},
			},
		},
		domain.UserImage{
			MessageBase: domain.MessageBase{CreatedAt: 5},
			LocalID:     "L2",
			Image: domain.Attachment{LocalPreview: &domain.LocalPreview{
				FileName: "a.png", Data: []byte{1, 2, 3},
			}},
			Delivery:      domain.DeliveryFailed,
			FailureReason: "quota exceeded",
		},
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "s-1", sampleHistory()))
	got, err := store.Load(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, "m1", got[0].Header().ID)
	assert.Equal(t, "L1", domain.LocalIDOf(got[0]))

	tc, ok := got[2].(domain.ToolCallMessage)
	require.True(t, ok)
	assert.Equal(t, "Bash", tc.Tool.Name)
	require.NotNil(t, tc.Tool.Permission)
	assert.True(t, tc.Tool.Permission.Pending())
	require.Len(t, tc.Children, 1)
	assert.Equal(t, "c1", tc.Children[0].Header().ID)

	img, ok := got[3].(domain.UserImage)
	require.True(t, ok)
	assert.Equal(t, domain.DeliveryFailed, img.Delivery)
	assert.Equal(t, "quota exceeded", img.FailureReason)
	assert.Nil(t, img.Image.LocalPreview, "local previews are never persisted")
}

func TestSaveReplacesHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "s-1", sampleHistory()))
	require.NoError(t, store.Save(ctx, "s-1", sampleHistory()[:1]))

	got, err := store.Load(ctx, "s-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestLoadUnknownSession(t *testing.T) {
	store := newTestStore(t)
	got, err := store.Load(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSaveWithoutSession(t *testing.T) {
	store := newTestStore(t)
	err := store.Save(context.Background(), "", nil)
	assert.True(t, errors.Is(err, domain.ErrNoActiveSession))
}

func TestLoadCorruptRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "s-1", sampleHistory()[:1]))

	_, err := store.db.Exec("UPDATE messages SET payload = '{\"kind\":\"bogus\",\"id\":\"x\"}' WHERE session_id = 's-1'")
	require.NoError(t, err)

	_, err = store.Load(ctx, "s-1")
	assert.True(t, errors.Is(err, domain.ErrStore))
	assert.True(t, errors.Is(err, domain.ErrMalformedEvent))
}

func TestListAndDeleteSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "s-1", sampleHistory()))
	require.NoError(t, store.Save(ctx, "s-2", nil))

	sessions, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s-2", sessions[0].ID, "most recent first")
	assert.Equal(t, 0, sessions[0].Messages)
	assert.Equal(t, 4, sessions[1].Messages)

	require.NoError(t, store.Delete(ctx, "s-1"))
	sessions, err = store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	got, err := store.Load(ctx, "s-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}
