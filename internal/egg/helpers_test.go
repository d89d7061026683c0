package egg_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"eggsync/internal/egg"
	"eggsync/internal/gormstore"

	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, users ...string) *gormstore.Store {
	t.Helper()
	ctx := context.Background()
	store, err := gormstore.Open(ctx, gormstore.Config{
		Driver: gormstore.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "egg.sqlite3"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	for _, u := range users {
		require.NoError(t, store.EnsureUser(ctx, u, u))
	}
	return store
}

// countingStore records how often the wrapped store was asked for a transaction.
type countingStore struct {
	egg.Store
	txs atomic.Int64
}

func (c *countingStore) InUserTx(ctx context.Context, userID string, fn func(egg.Tx) error) error {
	c.txs.Add(1)
	return c.Store.InUserTx(ctx, userID, fn)
}

type fakeUpstream struct {
	mu       sync.Mutex
	calls    int
	payloads map[string]string
	err      error
	// entered receives once per call before gate is waited on.
	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeUpstream) FetchFirstContact(ctx context.Context, externalID string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	body, ok := f.payloads[externalID]
	err, entered, gate := f.err, f.entered, f.gate
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		body = fmt.Sprintf(`{"eiUserId":%q}`, externalID)
	}
	return []byte(body), nil
}

func (f *fakeUpstream) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeUpstream) SetErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func mainCount(accounts []egg.Account) int {
	n := 0
	for _, a := range accounts {
		if a.IsMain() {
			n++
		}
	}
	return n
}
