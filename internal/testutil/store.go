package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/comhuhuan/agentize/internal/db"
	"github.com/comhuhuan/agentize/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "agentize-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, ctx
}

func SeedSession(t *testing.T, store *db.Store, ctx context.Context, sessionID, prompt string) model.Session {
	t.Helper()
	session, err := store.CreateSession(ctx, model.Session{
		SessionID: sessionID,
		Prompt:    prompt,
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return session
}
