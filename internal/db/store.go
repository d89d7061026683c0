package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"eggsync/internal/egg"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const accountColumns = `id, user_id, external_id, status, display_name, boosts_used, soul_eggs,
	eggs_of_prophecy, truth_eggs, golden_eggs_earned, golden_eggs_spent, golden_eggs_balance,
	crafting_xp, mer, jer, cer, eb, last_fetched_at, raw_payload, created_at, updated_at`

// Store implements egg.Store on PostgreSQL.
type Store struct {
	db  *pgxpool.Pool
	log *slog.Logger
}

func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: pool, log: logger}
}

func (s *Store) EnsureUser(ctx context.Context, userID, username string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO eggsync.users (user_id, username)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, username)
	return err
}

func (s *Store) UserExists(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM eggsync.users WHERE user_id = $1)`, userID).Scan(&ok)
	return ok, err
}

func (s *Store) ListAccounts(ctx context.Context, userID string) ([]egg.Account, error) {
	return queryAccounts(ctx, s.db, userID)
}

func (s *Store) FindAccount(ctx context.Context, userID, externalID string) (egg.Account, error) {
	row := s.db.QueryRow(ctx, `SELECT `+accountColumns+`
		FROM eggsync.egg_accounts
		WHERE user_id = $1 AND external_id = $2
	`, userID, externalID)
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return egg.Account{}, fmt.Errorf("%w: account %s", egg.ErrNotFound, externalID)
	}
	return acc, err
}

// InUserTx locks the user row FOR UPDATE before running fn. Serialization failures
// and deadlocks are retried with a doubling delay.
func (s *Store) InUserTx(ctx context.Context, userID string, fn func(egg.Tx) error) error {
	const maxAttempts = 6
	retryDelay := 50 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return err
		}
		err = func() error {
			defer tx.Rollback(ctx)

			var locked string
			if err := tx.QueryRow(ctx, `
				SELECT user_id FROM eggsync.users
				WHERE user_id = $1
				FOR UPDATE
			`, userID).Scan(&locked); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("%w: user %s", egg.ErrNotFound, userID)
				}
				return err
			}
			if err := fn(&pgTx{tx: tx, userID: userID}); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err == nil {
			return nil
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", egg.ErrConflict, err)
		}
		if !isRetryable(err) {
			return err
		}
		s.log.Debug("account tx retry", "user_id", userID, "attempt", attempt+1, "err", err)
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < 800*time.Millisecond {
			retryDelay *= 2
		}
	}
	return fmt.Errorf("%w: user %s is busy", egg.ErrConflict, userID)
}

type pgTx struct {
	tx     pgx.Tx
	userID string
}

func (t *pgTx) Accounts(ctx context.Context) ([]egg.Account, error) {
	return queryAccounts(ctx, t.tx, t.userID)
}

func (t *pgTx) Insert(ctx context.Context, acc egg.Account) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO eggsync.egg_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`, acc.ID, t.userID, acc.ExternalID, string(acc.Status), acc.DisplayName, acc.BoostsUsed, acc.SoulEggs,
		acc.EggsOfProphecy, acc.TruthEggs, acc.GoldenEggsEarned, acc.GoldenEggsSpent, acc.GoldenEggsBalance,
		acc.CraftingXP, acc.MER, acc.JER, acc.CER, acc.EB, acc.LastFetchedAt, acc.RawPayload, acc.CreatedAt, acc.UpdatedAt)
	return err
}

func (t *pgTx) SetMain(ctx context.Context, accountID string) error {
	// Demote first so egg_accounts_one_main never sees two rows.
	if _, err := t.tx.Exec(ctx, `
		UPDATE eggsync.egg_accounts
		SET status = 'Alt', updated_at = now()
		WHERE user_id = $1 AND id <> $2 AND status = 'Main'
	`, t.userID, accountID); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE eggsync.egg_accounts
		SET status = 'Main', updated_at = now()
		WHERE user_id = $1 AND id = $2
	`, t.userID, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s", egg.ErrNotFound, accountID)
	}
	return nil
}

func (t *pgTx) Delete(ctx context.Context, accountID string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM eggsync.egg_accounts WHERE user_id = $1 AND id = $2`, t.userID, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s", egg.ErrNotFound, accountID)
	}
	return nil
}

func (t *pgTx) SaveSnapshot(ctx context.Context, acc egg.Account) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE eggsync.egg_accounts
		SET display_name = $3, boosts_used = $4, soul_eggs = $5, eggs_of_prophecy = $6,
			truth_eggs = $7, golden_eggs_earned = $8, golden_eggs_spent = $9,
			golden_eggs_balance = $10, crafting_xp = $11, mer = $12, jer = $13, cer = $14,
			eb = $15, last_fetched_at = $16, raw_payload = $17, updated_at = $18
		WHERE user_id = $1 AND id = $2
	`, t.userID, acc.ID, acc.DisplayName, acc.BoostsUsed, acc.SoulEggs, acc.EggsOfProphecy,
		acc.TruthEggs, acc.GoldenEggsEarned, acc.GoldenEggsSpent, acc.GoldenEggsBalance,
		acc.CraftingXP, acc.MER, acc.JER, acc.CER, acc.EB, acc.LastFetchedAt, acc.RawPayload, acc.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s", egg.ErrNotFound, acc.ID)
	}
	return nil
}

func (t *pgTx) AcquireLease(ctx context.Context, externalID string, now, until time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO eggsync.refresh_leases (user_id, external_id, expires_at)
		VALUES ($1, $2, $4)
		ON CONFLICT (user_id, external_id) DO UPDATE
		SET expires_at = EXCLUDED.expires_at
		WHERE eggsync.refresh_leases.expires_at <= $3
	`, t.userID, externalID, now, until)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) ReleaseLease(ctx context.Context, externalID string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM eggsync.refresh_leases WHERE user_id = $1 AND external_id = $2`, t.userID, externalID)
	return err
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryAccounts(ctx context.Context, q querier, userID string) ([]egg.Account, error) {
	rows, err := q.Query(ctx, `SELECT `+accountColumns+`
		FROM eggsync.egg_accounts
		WHERE user_id = $1
		ORDER BY external_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]egg.Account, 0, 4)
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

func scanAccount(row pgx.Row) (egg.Account, error) {
	var acc egg.Account
	var status string
	err := row.Scan(&acc.ID, &acc.UserID, &acc.ExternalID, &status, &acc.DisplayName, &acc.BoostsUsed,
		&acc.SoulEggs, &acc.EggsOfProphecy, &acc.TruthEggs, &acc.GoldenEggsEarned, &acc.GoldenEggsSpent,
		&acc.GoldenEggsBalance, &acc.CraftingXP, &acc.MER, &acc.JER, &acc.CER, &acc.EB,
		&acc.LastFetchedAt, &acc.RawPayload, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return egg.Account{}, err
	}
	acc.Status = egg.Status(status)
	if acc.LastFetchedAt != nil {
		t := acc.LastFetchedAt.UTC()
		acc.LastFetchedAt = &t
	}
	return acc, nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	// 40001 serialization_failure, 40P01 deadlock_detected.
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
