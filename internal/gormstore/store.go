// Package gormstore keeps egg accounts in SQLite or MySQL through gorm.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"eggsync/internal/egg"

	"github.com/glebarez/sqlite"
	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

type Config struct {
	Driver string
	// DSN is a file path for SQLite and a go-sql-driver DSN for MySQL.
	DSN   string
	Debug bool
}

type userRow struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:64"`
	Username    string    `gorm:"column:username;size:255"`
	LockVersion int64     `gorm:"column:lock_version;not null;default:0"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (userRow) TableName() string {
	return "users"
}

type refreshLease struct {
	UserID     string    `gorm:"column:user_id;primaryKey;size:64"`
	ExternalID string    `gorm:"column:external_id;primaryKey;size:128"`
	ExpiresAt  time.Time `gorm:"column:expires_at;not null"`
}

func (refreshLease) TableName() string {
	return "refresh_leases"
}

// Store implements egg.Store on top of a gorm handle.
type Store struct {
	db     *gorm.DB
	driver string
	log    *slog.Logger
}

// Open connects, tunes the pool and migrates the schema.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverMySQL:
		dialector = mysql.Open(cfg.DSN)
	case DriverSQLite, "":
		path := cfg.DSN
		if path == "" {
			path = "eggsync.sqlite3"
		}
		dialector = sqlite.Open(path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate")
		cfg.Driver = DriverSQLite
	default:
		return nil, fmt.Errorf("unsupported gorm driver %q", cfg.Driver)
	}

	gormCfg := &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	}
	if cfg.Debug {
		gormCfg.Logger = gormlogger.Default.LogMode(gormlogger.Info)
	}
	gdb, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	if cfg.Driver == DriverMySQL {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(10)
	} else {
		// SQLite allows a single writer; readers share the WAL.
		sqlDB.SetMaxOpenConns(8)
		sqlDB.SetMaxIdleConns(4)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: gdb, driver: cfg.Driver, log: logger}
	if err := s.migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("account store ready", "driver", cfg.Driver)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&userRow{}, &egg.Account{}, &refreshLease{}); err != nil {
		return err
	}
	if s.driver == DriverSQLite {
		// MySQL has no partial indexes; there the user lock alone keeps one Main.
		return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_egg_accounts_one_main ON egg_accounts(user_id) WHERE status = 'Main'`).Error
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) EnsureUser(ctx context.Context, userID, username string) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&userRow{UserID: userID, Username: username, CreatedAt: time.Now().UTC()}).Error
}

func (s *Store) UserExists(ctx context.Context, userID string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&userRow{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ListAccounts(ctx context.Context, userID string) ([]egg.Account, error) {
	var out []egg.Account
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("external_id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) FindAccount(ctx context.Context, userID, externalID string) (egg.Account, error) {
	var acc egg.Account
	err := s.db.WithContext(ctx).Where("user_id = ? AND external_id = ?", userID, externalID).Take(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return egg.Account{}, fmt.Errorf("%w: account %s", egg.ErrNotFound, externalID)
	}
	return acc, err
}

// InUserTx bumps the user's lock_version first. The write takes the row lock on MySQL
// and the database write lock on SQLite before fn reads anything.
func (s *Store) InUserTx(ctx context.Context, userID string, fn func(egg.Tx) error) error {
	const maxAttempts = 5
	delay := 25 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
			res := db.Model(&userRow{}).
				Where("user_id = ?", userID).
				UpdateColumn("lock_version", gorm.Expr("lock_version + 1"))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: user %s", egg.ErrNotFound, userID)
			}
			return fn(&tx{db: db, userID: userID})
		})
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: %v", egg.ErrConflict, err)
			}
			return err
		}
		s.log.Debug("account tx retry", "user_id", userID, "attempt", attempt+1, "err", err)
		if err := sleepWithContext(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
	return fmt.Errorf("%w: user %s is busy", egg.ErrConflict, userID)
}

type tx struct {
	db     *gorm.DB
	userID string
}

func (t *tx) Accounts(ctx context.Context) ([]egg.Account, error) {
	var out []egg.Account
	if err := t.db.WithContext(ctx).Where("user_id = ?", t.userID).Order("external_id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (t *tx) Insert(ctx context.Context, acc egg.Account) error {
	acc.UserID = t.userID
	return t.db.WithContext(ctx).Create(&acc).Error
}

func (t *tx) SetMain(ctx context.Context, accountID string) error {
	db := t.db.WithContext(ctx)
	var n int64
	if err := db.Model(&egg.Account{}).Where("user_id = ? AND id = ?", t.userID, accountID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: account %s", egg.ErrNotFound, accountID)
	}
	now := time.Now().UTC()
	// Demote first so the one-Main index never sees two rows.
	if err := db.Model(&egg.Account{}).
		Where("user_id = ? AND id <> ? AND status = ?", t.userID, accountID, egg.StatusMain).
		UpdateColumns(map[string]any{"status": egg.StatusAlt, "updated_at": now}).Error; err != nil {
		return err
	}
	return db.Model(&egg.Account{}).
		Where("user_id = ? AND id = ?", t.userID, accountID).
		UpdateColumns(map[string]any{"status": egg.StatusMain, "updated_at": now}).Error
}

func (t *tx) Delete(ctx context.Context, accountID string) error {
	res := t.db.WithContext(ctx).Where("user_id = ? AND id = ?", t.userID, accountID).Delete(&egg.Account{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: account %s", egg.ErrNotFound, accountID)
	}
	return nil
}

func (t *tx) SaveSnapshot(ctx context.Context, acc egg.Account) error {
	res := t.db.WithContext(ctx).Model(&egg.Account{}).
		Where("user_id = ? AND id = ?", t.userID, acc.ID).
		UpdateColumns(map[string]any{
			"display_name":        acc.DisplayName,
			"boosts_used":         acc.BoostsUsed,
			"soul_eggs":           acc.SoulEggs,
			"eggs_of_prophecy":    acc.EggsOfProphecy,
			"truth_eggs":          acc.TruthEggs,
			"golden_eggs_earned":  acc.GoldenEggsEarned,
			"golden_eggs_spent":   acc.GoldenEggsSpent,
			"golden_eggs_balance": acc.GoldenEggsBalance,
			"crafting_xp":         acc.CraftingXP,
			"mer":                 acc.MER,
			"jer":                 acc.JER,
			"cer":                 acc.CER,
			"eb":                  acc.EB,
			"last_fetched_at":     acc.LastFetchedAt,
			"raw_payload":         acc.RawPayload,
			"updated_at":          acc.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: account %s", egg.ErrNotFound, acc.ID)
	}
	return nil
}

func (t *tx) AcquireLease(ctx context.Context, externalID string, now, until time.Time) (bool, error) {
	db := t.db.WithContext(ctx)
	var lease refreshLease
	err := db.Where("user_id = ? AND external_id = ?", t.userID, externalID).Take(&lease).Error
	switch {
	case err == nil:
		if lease.ExpiresAt.After(now) {
			return false, nil
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return false, err
	}
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"expires_at"}),
	}).Create(&refreshLease{UserID: t.userID, ExternalID: externalID, ExpiresAt: until}).Error
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *tx) ReleaseLease(ctx context.Context, externalID string) error {
	return t.db.WithContext(ctx).
		Where("user_id = ? AND external_id = ?", t.userID, externalID).
		Delete(&refreshLease{}).Error
}

func isRetryable(err error) bool {
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		// 1205 lock wait timeout, 1213 deadlock.
		return myErr.Number == 1205 || myErr.Number == 1213
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
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
