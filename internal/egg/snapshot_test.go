package egg_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"eggsync/internal/egg"
	"eggsync/internal/formula"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSynchronizer(store egg.Store, up *fakeUpstream, clock *fakeClock) *egg.Synchronizer {
	return egg.NewSynchronizer(store, up, nil, egg.SyncOptions{Now: clock.Now})
}

func TestRefreshRespectsMinInterval(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	up := &fakeUpstream{payloads: map[string]string{"EI1": fullPayload}}
	s := newSynchronizer(newStore(t, "u1"), up, clock)

	first, err := s.Refresh(ctx, "u1", "EI1")
	require.NoError(t, err)
	assert.True(t, first.WasFetched)
	assert.Equal(t, 1, up.Calls())
	assert.True(t, clock.Now().Equal(first.LastFetchedUtc))
	assert.True(t, clock.Now().Add(5*time.Minute).Equal(first.NextAllowedFetchUtc))

	clock.Advance(4*time.Minute + 59*time.Second)
	cached, err := s.Refresh(ctx, "u1", "EI1")
	require.NoError(t, err)
	assert.False(t, cached.WasFetched)
	assert.Equal(t, 1, up.Calls())
	assert.True(t, first.LastFetchedUtc.Equal(cached.LastFetchedUtc))
	assert.True(t, first.NextAllowedFetchUtc.Equal(cached.NextAllowedFetchUtc))

	clock.Advance(2 * time.Second)
	again, err := s.Refresh(ctx, "u1", "EI1")
	require.NoError(t, err)
	assert.True(t, again.WasFetched)
	assert.Equal(t, 2, up.Calls())
}

func TestRefreshUnknownUserTouchesNothing(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: newStore(t, "u1")}
	up := &fakeUpstream{}
	s := newSynchronizer(store, up, newClock())

	_, err := s.Refresh(ctx, "ghost", "EI1")
	require.ErrorIs(t, err, egg.ErrNotFound)

	_, err = s.Refresh(ctx, "u1", "  ")
	require.ErrorIs(t, err, egg.ErrNotFound)

	assert.Zero(t, up.Calls())
	assert.Zero(t, store.txs.Load())
}

func TestRefreshCreatesMainThenAlt(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, "u1")
	up := &fakeUpstream{payloads: map[string]string{"EI5551234": fullPayload}}
	s := newSynchronizer(store, up, newClock())

	first, err := s.Refresh(ctx, "u1", "EI5551234")
	require.NoError(t, err)
	assert.Equal(t, egg.StatusMain, first.Status)
	require.NotNil(t, first.DisplayName)
	assert.Equal(t, "Hen Solo", *first.DisplayName)
	require.NotNil(t, first.MER)
	assert.InDelta(t, 46, *first.MER, 1e-9)
	require.NotNil(t, first.EB)
	want := formula.EB(ptr(1e21), ptr(13.0), ptr(12.0), ptr(140.0), ptr(5.0))
	assert.InDelta(t, *want, *first.EB, *want*1e-12)

	second, err := s.Refresh(ctx, "u1", "EI2")
	require.NoError(t, err)
	assert.Equal(t, egg.StatusAlt, second.Status)
	assert.Nil(t, second.MER, "a payload without counters yields unknown metrics")

	acc, err := store.FindAccount(ctx, "u1", "EI5551234")
	require.NoError(t, err)
	assert.JSONEq(t, fullPayload, acc.RawPayload)
	require.NotNil(t, acc.GoldenEggsBalance)
	assert.EqualValues(t, 750, *acc.GoldenEggsBalance)
}

func TestRefreshUpdatesLinkedAccount(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, "u1")
	m := egg.NewManager(store, nil)
	created, err := m.Create(ctx, "u1", "EI5551234", "")
	require.NoError(t, err)

	up := &fakeUpstream{payloads: map[string]string{"EI5551234": fullPayload}}
	s := newSynchronizer(store, up, newClock())

	res, err := s.Refresh(ctx, "u1", "EI5551234")
	require.NoError(t, err)
	assert.True(t, res.WasFetched, "a never fetched account is fetched right away")
	assert.Equal(t, created.ID, res.AccountID)
	assert.Equal(t, egg.StatusMain, res.Status)
}

func TestRefreshUpstreamFailureKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := newStore(t, "u1")
	up := &fakeUpstream{payloads: map[string]string{"EI1": fullPayload}}
	s := newSynchronizer(store, up, clock)

	first, err := s.Refresh(ctx, "u1", "EI1")
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	up.SetErr(errors.New("connection reset"))
	_, err = s.Refresh(ctx, "u1", "EI1")
	require.ErrorIs(t, err, egg.ErrUpstream)

	acc, err := store.FindAccount(ctx, "u1", "EI1")
	require.NoError(t, err)
	require.NotNil(t, acc.LastFetchedAt)
	assert.True(t, first.LastFetchedUtc.Equal(*acc.LastFetchedAt))
	require.NotNil(t, acc.DisplayName)
	assert.Equal(t, "Hen Solo", *acc.DisplayName)

	up.SetErr(nil)
	res, err := s.Refresh(ctx, "u1", "EI1")
	require.NoError(t, err, "the failed attempt must not leave its lease behind")
	assert.True(t, res.WasFetched)
}

func TestRefreshUpstreamErrorPayload(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, "u1")
	up := &fakeUpstream{payloads: map[string]string{"EI1": `{"errorCode":2,"errorMessage":"banned"}`}}
	s := newSynchronizer(store, up, newClock())

	_, err := s.Refresh(ctx, "u1", "EI1")
	require.ErrorIs(t, err, egg.ErrUpstream)

	accounts, err := store.ListAccounts(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestConcurrentRefreshConflicts(t *testing.T) {
	ctx := context.Background()
	up := &fakeUpstream{
		payloads: map[string]string{"EI1": fullPayload},
		entered:  make(chan struct{}, 2),
		gate:     make(chan struct{}),
	}
	s := newSynchronizer(newStore(t, "u1"), up, newClock())

	type outcome struct {
		res egg.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.Refresh(ctx, "u1", "EI1")
		done <- outcome{res, err}
	}()
	<-up.entered

	_, err := s.Refresh(ctx, "u1", "EI1")
	require.ErrorIs(t, err, egg.ErrConflict)
	assert.Equal(t, 1, up.Calls(), "the loser never reaches upstream")

	close(up.gate)
	got := <-done
	require.NoError(t, got.err)
	assert.True(t, got.res.WasFetched)

	cached, err := s.Refresh(ctx, "u1", "EI1")
	require.NoError(t, err)
	assert.False(t, cached.WasFetched)
	assert.Equal(t, 1, up.Calls())
}

func TestRefreshCancelledMidFetchLeavesNoRecord(t *testing.T) {
	store := newStore(t, "u1")
	up := &fakeUpstream{
		payloads: map[string]string{"EI1": fullPayload},
		entered:  make(chan struct{}, 2),
		gate:     make(chan struct{}),
	}
	s := newSynchronizer(store, up, newClock())

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := s.Refresh(ctx, "u1", "EI1")
		errs <- err
	}()
	<-up.entered
	cancel()

	err := <-errs
	require.ErrorIs(t, err, egg.ErrUpstream)
	require.ErrorIs(t, err, context.Canceled)

	accounts, err := store.ListAccounts(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, accounts)

	close(up.gate)
	res, err := s.Refresh(context.Background(), "u1", "EI1")
	require.NoError(t, err, "the lease was released")
	assert.True(t, res.WasFetched)
	assert.Equal(t, 2, up.Calls())
}

func TestCachedRefreshRecomputesRatios(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := newStore(t, "u1")

	fetched := clock.Now().Add(-time.Minute)
	stale := 999.0
	eb := 42.0
	require.NoError(t, store.InUserTx(ctx, "u1", func(tx egg.Tx) error {
		return tx.Insert(ctx, egg.Account{
			ID: "acc-1", ExternalID: "EI1", Status: egg.StatusMain,
			SoulEggs: ptr(1e21), EggsOfProphecy: ptrInt(13),
			MER: &stale, JER: &stale, EB: &eb,
			LastFetchedAt: &fetched, CreatedAt: fetched, UpdatedAt: fetched,
		})
	}))

	up := &fakeUpstream{}
	s := newSynchronizer(store, up, clock)
	res, err := s.Refresh(ctx, "u1", "EI1")
	require.NoError(t, err)

	assert.False(t, res.WasFetched)
	assert.Zero(t, up.Calls())
	require.NotNil(t, res.MER)
	assert.InDelta(t, 46, *res.MER, 1e-9)
	require.NotNil(t, res.JER)
	assert.InDelta(t, *formula.JER(ptr(1e21), ptr(13.0)), *res.JER, 1e-9)
	require.NotNil(t, res.EB)
	assert.Equal(t, 42.0, *res.EB)
	assert.True(t, fetched.Add(5*time.Minute).Equal(res.NextAllowedFetchUtc))
}

func ptr(v float64) *float64 { return &v }

func ptrInt(v int64) *int64 { return &v }
