package egg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Manager owns every status change of a user's accounts and keeps exactly one Main
// account per user that has any.
type Manager struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store: store,
		log:   logger,
		now:   time.Now,
	}
}

// List returns the user's accounts, Main first, then Alt accounts by display name
// (case-insensitive) and external id.
func (m *Manager) List(ctx context.Context, userID string) ([]Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return []Account{}, nil
	}
	accounts, err := m.store.ListAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	SortAccounts(accounts)
	return accounts, nil
}

// SortAccounts orders accounts the way List returns them.
func SortAccounts(accounts []Account) {
	slices.SortStableFunc(accounts, func(a, b Account) int {
		if a.IsMain() != b.IsMain() {
			if a.IsMain() {
				return -1
			}
			return 1
		}
		if c := strings.Compare(strings.ToLower(displayName(a)), strings.ToLower(displayName(b))); c != 0 {
			return c
		}
		return strings.Compare(a.ExternalID, b.ExternalID)
	})
}

// Create links externalID to the user. Linking an already linked id is idempotent,
// except that asking for Main promotes it. The first account of a user is always Main.
func (m *Manager) Create(ctx context.Context, userID, externalID string, requested Status) (Account, error) {
	userID = strings.TrimSpace(userID)
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return Account{}, fmt.Errorf("%w: external id is required", ErrValidation)
	}
	if userID == "" {
		return Account{}, fmt.Errorf("%w: user", ErrNotFound)
	}
	if requested == "" {
		requested = StatusAlt
	}
	if requested != StatusMain && requested != StatusAlt {
		return Account{}, fmt.Errorf("%w: unknown status %q", ErrValidation, requested)
	}

	var (
		out      Account
		inserted bool
		promoted bool
	)
	err := m.store.InUserTx(ctx, userID, func(tx Tx) error {
		inserted, promoted = false, false
		accounts, err := tx.Accounts(ctx)
		if err != nil {
			return err
		}
		if existing, ok := findByExternalID(accounts, externalID); ok {
			out = existing
			if requested == StatusMain && !existing.IsMain() {
				if err := m.promote(ctx, tx, existing.ID); err != nil {
					return err
				}
				out.Status = StatusMain
				promoted = true
			}
			return nil
		}

		now := m.now().UTC()
		acc := Account{
			ID:         uuid.NewString(),
			UserID:     userID,
			ExternalID: externalID,
			Status:     StatusAlt,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if len(accounts) == 0 {
			acc.Status = StatusMain
		}
		if err := tx.Insert(ctx, acc); err != nil {
			return err
		}
		inserted = true
		if requested == StatusMain && !acc.IsMain() {
			if err := m.promote(ctx, tx, acc.ID); err != nil {
				return err
			}
			acc.Status = StatusMain
		}
		out = acc
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	if inserted {
		m.log.Info("egg account linked", "user_id", userID, "account_id", out.ID, "external_id", out.ExternalID, "status", out.Status)
	}
	if promoted {
		m.logPromoted(userID, out)
	}
	return out, nil
}

// UpdateStatus changes the status of one account. Promoting demotes the previous Main
// in the same transaction. The Main account cannot be demoted directly; promote
// another account instead.
func (m *Manager) UpdateStatus(ctx context.Context, userID, accountID string, status Status) (Account, error) {
	userID = strings.TrimSpace(userID)
	accountID = strings.TrimSpace(accountID)
	if userID == "" || accountID == "" {
		return Account{}, fmt.Errorf("%w: account", ErrNotFound)
	}
	if status != StatusMain && status != StatusAlt {
		return Account{}, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}

	var (
		out    Account
		wasAlt bool
	)
	err := m.store.InUserTx(ctx, userID, func(tx Tx) error {
		accounts, err := tx.Accounts(ctx)
		if err != nil {
			return err
		}
		acc, ok := findByID(accounts, accountID)
		if !ok {
			return fmt.Errorf("%w: account %s", ErrNotFound, accountID)
		}
		out = acc
		wasAlt = !acc.IsMain()
		switch {
		case status == acc.Status:
			return nil
		case status == StatusMain:
			if err := m.promote(ctx, tx, acc.ID); err != nil {
				return err
			}
			out.Status = StatusMain
			return nil
		default:
			return fmt.Errorf("%w: the Main account cannot be demoted, promote another account instead", ErrValidation)
		}
	})
	if err != nil {
		return Account{}, err
	}
	if wasAlt && out.IsMain() {
		m.logPromoted(userID, out)
	}
	return out, nil
}

// Delete unlinks one account. Deleting the Main account promotes the remaining
// account with the smallest external id.
func (m *Manager) Delete(ctx context.Context, userID, accountID string) error {
	userID = strings.TrimSpace(userID)
	accountID = strings.TrimSpace(accountID)
	if userID == "" || accountID == "" {
		return fmt.Errorf("%w: account", ErrNotFound)
	}

	var (
		removed Account
		next    *Account
	)
	err := m.store.InUserTx(ctx, userID, func(tx Tx) error {
		next = nil
		accounts, err := tx.Accounts(ctx)
		if err != nil {
			return err
		}
		acc, ok := findByID(accounts, accountID)
		if !ok {
			return fmt.Errorf("%w: account %s", ErrNotFound, accountID)
		}
		if err := tx.Delete(ctx, acc.ID); err != nil {
			return err
		}
		removed = acc
		if !acc.IsMain() {
			return nil
		}

		remaining := slices.DeleteFunc(slices.Clone(accounts), func(a Account) bool { return a.ID == acc.ID })
		if len(remaining) == 0 {
			return nil
		}
		successor := slices.MinFunc(remaining, func(a, b Account) int {
			return strings.Compare(a.ExternalID, b.ExternalID)
		})
		if err := m.promote(ctx, tx, successor.ID); err != nil {
			return err
		}
		successor.Status = StatusMain
		next = &successor
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Info("egg account unlinked", "user_id", userID, "account_id", removed.ID, "external_id", removed.ExternalID)
	if next != nil {
		m.logPromoted(userID, *next)
	}
	return nil
}

// promote is the only place a Main status is assigned to an existing account.
func (m *Manager) promote(ctx context.Context, tx Tx, accountID string) error {
	if err := tx.SetMain(ctx, accountID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("promote account %s: %w", accountID, err)
	}
	return nil
}

// logPromoted runs after commit so retried transactions log once.
func (m *Manager) logPromoted(userID string, acc Account) {
	m.log.Info("egg account promoted", "user_id", userID, "account_id", acc.ID, "external_id", acc.ExternalID)
}

func displayName(a Account) string {
	if a.DisplayName == nil {
		return ""
	}
	return *a.DisplayName
}
