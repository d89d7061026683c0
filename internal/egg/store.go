package egg

import (
	"context"
	"time"
)

// UserDirectory answers whether a user id belongs to a registered user.
type UserDirectory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// Store is the durable collection of accounts. Reads may run outside a transaction;
// every mutation goes through InUserTx.
type Store interface {
	UserDirectory
	// EnsureUser registers userID if it is not known yet.
	EnsureUser(ctx context.Context, userID, username string) error
	// ListAccounts returns every account of userID in storage order.
	ListAccounts(ctx context.Context, userID string) ([]Account, error)
	// FindAccount returns the account keyed by (userID, externalID) or ErrNotFound.
	FindAccount(ctx context.Context, userID, externalID string) (Account, error)
	// InUserTx runs fn in one transaction that holds the user's lock. Nothing fn
	// writes is visible to other transactions until fn returns nil. Unknown users
	// yield ErrNotFound.
	InUserTx(ctx context.Context, userID string, fn func(Tx) error) error
}

// Tx is the set of writes available inside InUserTx. All methods are scoped to the
// locked user.
type Tx interface {
	Accounts(ctx context.Context) ([]Account, error)
	Insert(ctx context.Context, acc Account) error
	// SetMain demotes every other account of the user and promotes accountID.
	SetMain(ctx context.Context, accountID string) error
	Delete(ctx context.Context, accountID string) error
	// SaveSnapshot overwrites the synchronized fields of an existing account.
	SaveSnapshot(ctx context.Context, acc Account) error
	// AcquireLease takes the refresh lease for externalID unless an unexpired one
	// exists. It reports whether the lease was taken.
	AcquireLease(ctx context.Context, externalID string, now, until time.Time) (bool, error)
	ReleaseLease(ctx context.Context, externalID string) error
}

// Fetcher calls the upstream provider and returns its raw first-contact payload.
type Fetcher interface {
	FetchFirstContact(ctx context.Context, externalID string) ([]byte, error)
}

func findByExternalID(accounts []Account, externalID string) (Account, bool) {
	for _, acc := range accounts {
		if acc.ExternalID == externalID {
			return acc, true
		}
	}
	return Account{}, false
}

func findByID(accounts []Account, id string) (Account, bool) {
	for _, acc := range accounts {
		if acc.ID == id {
			return acc, true
		}
	}
	return Account{}, false
}
