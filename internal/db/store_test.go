package db_test

import (
	"context"
	"os"
	"testing"
	"time"

	"eggsync/internal/db"
	"eggsync/internal/egg"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// openStore needs a disposable database in TEST_DATABASE_URL.
func openStore(t *testing.T) (*db.Store, string) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, url, db.PoolOptions{MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool))

	store := db.NewStore(pool, nil)
	userID := "test-" + uuid.NewString()
	require.NoError(t, store.EnsureUser(ctx, userID, "tester"))
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM eggsync.users WHERE user_id = $1`, userID)
	})
	return store, userID
}

func TestPostgresManagerKeepsOneMain(t *testing.T) {
	ctx := context.Background()
	store, userID := openStore(t)
	m := egg.NewManager(store, nil)

	var ids []string
	for _, ext := range []string{"EI3", "EI1", "EI2", "EI4"} {
		acc, err := m.Create(ctx, userID, ext, "")
		require.NoError(t, err)
		ids = append(ids, acc.ID)
	}

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			_, err := m.UpdateStatus(ctx, userID, id, egg.StatusMain)
			return err
		})
	}
	require.NoError(t, g.Wait())

	accounts, err := m.List(ctx, userID)
	require.NoError(t, err)
	mains := 0
	for _, a := range accounts {
		if a.IsMain() {
			mains++
		}
	}
	assert.Equal(t, 1, mains)
}

func TestPostgresLeaseAndSnapshot(t *testing.T) {
	ctx := context.Background()
	store, userID := openStore(t)

	now := time.Now().UTC().Truncate(time.Microsecond)
	var first, second bool
	require.NoError(t, store.InUserTx(ctx, userID, func(tx egg.Tx) error {
		var err error
		if first, err = tx.AcquireLease(ctx, "EI1", now, now.Add(time.Minute)); err != nil {
			return err
		}
		second, err = tx.AcquireLease(ctx, "EI1", now, now.Add(time.Minute))
		return err
	}))
	assert.True(t, first)
	assert.False(t, second)

	name := "Hen"
	require.NoError(t, store.InUserTx(ctx, userID, func(tx egg.Tx) error {
		if err := tx.Insert(ctx, egg.Account{ID: uuid.NewString(), ExternalID: "EI1", Status: egg.StatusMain, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		accounts, err := tx.Accounts(ctx)
		if err != nil {
			return err
		}
		acc := accounts[0]
		acc.DisplayName = &name
		acc.LastFetchedAt = &now
		acc.RawPayload = `{}`
		if err := tx.SaveSnapshot(ctx, acc); err != nil {
			return err
		}
		return tx.ReleaseLease(ctx, "EI1")
	}))

	acc, err := store.FindAccount(ctx, userID, "EI1")
	require.NoError(t, err)
	require.NotNil(t, acc.DisplayName)
	assert.Equal(t, "Hen", *acc.DisplayName)
	require.NotNil(t, acc.LastFetchedAt)
	assert.True(t, now.Equal(*acc.LastFetchedAt))

	_, err = store.FindAccount(ctx, userID, "EI404")
	require.ErrorIs(t, err, egg.ErrNotFound)

	err = store.InUserTx(ctx, "no-such-user-"+uuid.NewString(), func(egg.Tx) error { return nil })
	require.ErrorIs(t, err, egg.ErrNotFound)
}
