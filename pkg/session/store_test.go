package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabletalk-ai/tabletalk/pkg/config"
)

// Both backends must satisfy the same contract, so every test runs against
// both.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) {
		store := NewMemoryStore()
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})
	t.Run("sql", func(t *testing.T) {
		store, err := NewSQLStore(&config.SessionsConfig{
			Backend: "sql",
			Driver:  "sqlite",
			DSN:     filepath.Join(t.TempDir(), "sessions.db"),
		})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})
}

func TestCreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		sess, err := store.Create(ctx, "user-1")
		require.NoError(t, err)
		assert.NotEmpty(t, sess.ID)
		assert.Equal(t, "user-1", sess.UserID)

		loaded, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, sess.ID, loaded.ID)
		assert.Equal(t, "user-1", loaded.UserID)
		assert.Empty(t, loaded.Turns)
	})
}

func TestGetUnknownSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		_, err := store.Get(context.Background(), "no-such-session")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestAppendTurnOrdering(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess, err := store.Create(ctx, "user-1")
		require.NoError(t, err)

		require.NoError(t, store.AppendTurn(ctx, sess.ID, Turn{Role: RoleUser, Content: "how many orders?"}))
		require.NoError(t, store.AppendTurn(ctx, sess.ID, Turn{
			Role:    RoleAssistant,
			Content: "There are 3 orders.",
			ToolCalls: []ToolCall{{
				ID:     "c1",
				Name:   "execute_query",
				Result: "| count |\n| --- |\n| 3 |",
			}},
		}))
		require.NoError(t, store.AppendTurn(ctx, sess.ID, Turn{Role: RoleUser, Content: "thanks"}))

		loaded, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, loaded.Turns, 3)
		for i, turn := range loaded.Turns {
			assert.Equal(t, i+1, turn.Sequence)
			assert.NotEmpty(t, turn.ID)
		}
		assert.Equal(t, "how many orders?", loaded.Turns[0].Content)
		assert.Equal(t, "execute_query", loaded.Turns[1].ToolCalls[0].Name)
		assert.Equal(t, "thanks", loaded.Turns[2].Content)
	})
}

func TestAppendTurnUnknownSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		err := store.AppendTurn(context.Background(), "ghost", Turn{Role: RoleUser, Content: "hi"})
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestReferencedTablesAppendOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess, err := store.Create(ctx, "user-1")
		require.NoError(t, err)

		require.NoError(t, store.AddReferencedTables(ctx, sess.ID, []string{"orders", "customers"}))
		require.NoError(t, store.AddReferencedTables(ctx, sess.ID, []string{"customers", "products"}))

		loaded, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"orders", "customers", "products"}, loaded.ReferencedTables)
	})
}

func TestPendingClarification(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess, err := store.Create(ctx, "user-1")
		require.NoError(t, err)

		require.NoError(t, store.SetPendingClarification(ctx, sess.ID, "Which year do you mean?"))
		loaded, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "Which year do you mean?", loaded.PendingClarification)

		require.NoError(t, store.SetPendingClarification(ctx, sess.ID, ""))
		loaded, err = store.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Empty(t, loaded.PendingClarification)
	})
}

func TestTryAcquireRejectsImmediately(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess, err := store.Create(ctx, "user-1")
		require.NoError(t, err)

		require.NoError(t, store.TryAcquire(sess.ID))

		start := time.Now()
		err = store.TryAcquire(sess.ID)
		assert.ErrorIs(t, err, ErrSessionBusy)
		assert.Less(t, time.Since(start), 100*time.Millisecond)

		store.Release(sess.ID)
		assert.NoError(t, store.TryAcquire(sess.ID))
		store.Release(sess.ID)
	})
}

func TestDeleteExpired(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		store := NewMemoryStore()
		ctx := context.Background()

		now := time.Now()
		store.now = func() time.Time { return now }

		old, err := store.Create(ctx, "user-1")
		require.NoError(t, err)

		now = now.Add(2 * time.Hour)
		fresh, err := store.Create(ctx, "user-1")
		require.NoError(t, err)

		deleted, err := store.DeleteExpired(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)

		_, err = store.Get(ctx, old.ID)
		assert.ErrorIs(t, err, ErrSessionNotFound)
		_, err = store.Get(ctx, fresh.ID)
		assert.NoError(t, err)
	})

	t.Run("sql", func(t *testing.T) {
		store, err := NewSQLStore(&config.SessionsConfig{
			Driver: "sqlite",
			DSN:    filepath.Join(t.TempDir(), "sessions.db"),
		})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		ctx := context.Background()

		now := time.Now()
		store.now = func() time.Time { return now }

		old, err := store.Create(ctx, "user-1")
		require.NoError(t, err)
		require.NoError(t, store.AppendTurn(ctx, old.ID, Turn{Role: RoleUser, Content: "hi"}))

		now = now.Add(2 * time.Hour)
		fresh, err := store.Create(ctx, "user-1")
		require.NoError(t, err)

		deleted, err := store.DeleteExpired(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)

		_, err = store.Get(ctx, old.ID)
		assert.ErrorIs(t, err, ErrSessionNotFound)
		_, err = store.Get(ctx, fresh.ID)
		assert.NoError(t, err)
	})
}

// The mysql driver rejects multi-statement Exec unless multiStatements is
// set in the DSN, and MySQL has no CREATE INDEX IF NOT EXISTS. Keep every
// dialect's schema as single statements with mysql indexes declared inline.
func TestSchemaStatementsPerDialect(t *testing.T) {
	for _, dialect := range []string{"sqlite3", "mysql", "postgres"} {
		stmts := append(append([]string{}, createSessionsTableSQL[dialect]...), createTurnsTableSQL[dialect]...)
		require.NotEmpty(t, stmts, dialect)
		for _, stmt := range stmts {
			assert.NotContains(t, stmt, ";", dialect)
		}
	}
	for _, stmt := range append(createSessionsTableSQL["mysql"], createTurnsTableSQL["mysql"]...) {
		assert.NotContains(t, stmt, "CREATE INDEX")
		assert.NotContains(t, stmt, "CREATE UNIQUE INDEX")
	}
}

func TestNewStoreBackends(t *testing.T) {
	store, err := NewStore(&config.SessionsConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	_, err = NewStore(&config.SessionsConfig{Backend: "redis"})
	assert.Error(t, err)
}
