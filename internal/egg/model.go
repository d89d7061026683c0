package egg

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MinFetchInterval is the default minimum time between two upstream fetches of the
// same account.
const MinFetchInterval = 5 * time.Minute

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrUpstream   = errors.New("upstream provider failed")
	ErrConflict   = errors.New("concurrent update conflict")
)

// Status marks an account as the user's canonical profile or a secondary one.
type Status string

const (
	StatusMain Status = "Main"
	StatusAlt  Status = "Alt"
)

// ParseStatus accepts "main"/"alt" in any case.
func ParseStatus(raw string) (Status, error) {
	switch {
	case strings.EqualFold(strings.TrimSpace(raw), string(StatusMain)):
		return StatusMain, nil
	case strings.EqualFold(strings.TrimSpace(raw), string(StatusAlt)):
		return StatusAlt, nil
	default:
		return "", fmt.Errorf("%w: status must be Main or Alt, got %q", ErrValidation, raw)
	}
}

// Account is one linked external game account and its last synchronized snapshot.
type Account struct {
	ID                string          `gorm:"primaryKey;size:36" json:"id"`
	UserID            string          `gorm:"column:user_id;size:64;not null;uniqueIndex:idx_egg_accounts_user_external,priority:1" json:"user_id"`
	ExternalID        string          `gorm:"column:external_id;size:128;not null;uniqueIndex:idx_egg_accounts_user_external,priority:2" json:"external_id"`
	Status            Status          `gorm:"column:status;size:8;not null" json:"status"`
	DisplayName       *string         `gorm:"column:display_name;size:255" json:"display_name"`
	BoostsUsed        *int64          `gorm:"column:boosts_used" json:"boosts_used"`
	SoulEggs          *float64        `gorm:"column:soul_eggs" json:"soul_eggs"`
	EggsOfProphecy    *int64          `gorm:"column:eggs_of_prophecy" json:"eggs_of_prophecy"`
	TruthEggs         *int64          `gorm:"column:truth_eggs" json:"truth_eggs"`
	GoldenEggsEarned  *int64          `gorm:"column:golden_eggs_earned" json:"golden_eggs_earned"`
	GoldenEggsSpent   *int64          `gorm:"column:golden_eggs_spent" json:"golden_eggs_spent"`
	GoldenEggsBalance *int64          `gorm:"column:golden_eggs_balance" json:"golden_eggs_balance"`
	CraftingXP        *float64        `gorm:"column:crafting_xp" json:"crafting_xp"`
	MER               *float64        `gorm:"column:mer" json:"mer"`
	JER               *float64        `gorm:"column:jer" json:"jer"`
	CER               *float64        `gorm:"column:cer" json:"cer"`
	EB                *float64        `gorm:"column:eb" json:"eb"`
	LastFetchedAt     *time.Time      `gorm:"column:last_fetched_at" json:"last_fetched_utc"`
	RawPayload        string          `gorm:"column:raw_payload;type:text" json:"-"`
	CreatedAt         time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (Account) TableName() string {
	return "egg_accounts"
}

// IsMain reports whether a is the user's canonical account.
func (a Account) IsMain() bool {
	return a.Status == StatusMain
}

// Result is what a refresh hands back to the caller.
type Result struct {
	AccountID           string    `json:"account_id"`
	ExternalID          string    `json:"external_id"`
	Status              Status    `json:"status"`
	DisplayName         *string   `json:"display_name"`
	SoulEggs            *float64  `json:"soul_eggs"`
	EggsOfProphecy      *int64    `json:"eggs_of_prophecy"`
	TruthEggs           *int64    `json:"truth_eggs"`
	GoldenEggsBalance   *int64    `json:"golden_eggs_balance"`
	MER                 *float64  `json:"mer"`
	JER                 *float64  `json:"jer"`
	EB                  *float64  `json:"eb"`
	LastFetchedUtc      time.Time `json:"last_fetched_utc"`
	NextAllowedFetchUtc time.Time `json:"next_allowed_fetch_utc"`
	WasFetched          bool      `json:"was_fetched"`
}
