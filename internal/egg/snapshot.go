package egg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"eggsync/internal/formula"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("eggsync/internal/egg")

// SyncOptions tunes a Synchronizer. Zero values fall back to defaults.
type SyncOptions struct {
	MinInterval time.Duration
	// LeaseTTL bounds how long a crashed refresh can block its pair.
	LeaseTTL time.Duration
	Now      func() time.Time
}

// Synchronizer serves account snapshots, fetching from upstream at most once per
// MinInterval for each (user, external id) pair.
type Synchronizer struct {
	store       Store
	upstream    Fetcher
	log         *slog.Logger
	minInterval time.Duration
	leaseTTL    time.Duration
	now         func() time.Time
}

func NewSynchronizer(store Store, upstream Fetcher, logger *slog.Logger, opts SyncOptions) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = MinFetchInterval
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Synchronizer{
		store:       store,
		upstream:    upstream,
		log:         logger,
		minInterval: opts.MinInterval,
		leaseTTL:    opts.LeaseTTL,
		now:         opts.Now,
	}
}

// Refresh returns the snapshot of externalID for userID. A snapshot younger than the
// minimum interval is served from the store without calling upstream.
func (s *Synchronizer) Refresh(ctx context.Context, userID, externalID string) (out Result, err error) {
	ctx, span := tracer.Start(ctx, "egg.Refresh")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Bool("egg.was_fetched", out.WasFetched))
		span.End()
	}()

	userID = strings.TrimSpace(userID)
	externalID = strings.TrimSpace(externalID)
	if userID == "" || externalID == "" {
		return out, fmt.Errorf("%w: user or external id is blank", ErrNotFound)
	}
	ok, err := s.store.UserExists(ctx, userID)
	if err != nil {
		return out, err
	}
	if !ok {
		return out, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}

	now := s.now().UTC().Truncate(time.Microsecond)

	var existing *Account
	acc, err := s.store.FindAccount(ctx, userID, externalID)
	switch {
	case err == nil:
		existing = &acc
	case errors.Is(err, ErrNotFound):
	default:
		return out, err
	}

	if existing != nil && existing.LastFetchedAt != nil && now.Sub(*existing.LastFetchedAt) < s.minInterval {
		s.log.Debug("egg snapshot served from cache", "user_id", userID, "external_id", externalID)
		return s.cachedResult(*existing), nil
	}

	var seen *time.Time
	if existing != nil {
		seen = existing.LastFetchedAt
	}
	if err := s.acquire(ctx, userID, externalID, seen, now); err != nil {
		return out, err
	}

	out, err = s.fetchAndSave(ctx, userID, externalID, seen, now)
	if err != nil {
		// The lease must go even when ctx was cancelled.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := s.release(releaseCtx, userID, externalID); relErr != nil {
			s.log.Warn("release refresh lease", "user_id", userID, "external_id", externalID, "err", relErr)
		}
		return out, err
	}
	return out, nil
}

// acquire takes the refresh lease if nobody refreshed the pair since seen.
func (s *Synchronizer) acquire(ctx context.Context, userID, externalID string, seen *time.Time, now time.Time) error {
	busy := false
	err := s.store.InUserTx(ctx, userID, func(tx Tx) error {
		accounts, err := tx.Accounts(ctx)
		if err != nil {
			return err
		}
		if !sameFetch(accounts, externalID, seen) {
			return fmt.Errorf("%w: %s was refreshed concurrently", ErrConflict, externalID)
		}
		taken, err := tx.AcquireLease(ctx, externalID, now, now.Add(s.leaseTTL))
		if err != nil {
			return err
		}
		busy = !taken
		if busy {
			return fmt.Errorf("%w: refresh of %s already in progress", ErrConflict, externalID)
		}
		return nil
	})
	if busy {
		s.log.Info("egg refresh already in flight", "user_id", userID, "external_id", externalID)
	}
	return err
}

func (s *Synchronizer) release(ctx context.Context, userID, externalID string) error {
	return s.store.InUserTx(ctx, userID, func(tx Tx) error {
		return tx.ReleaseLease(ctx, externalID)
	})
}

func (s *Synchronizer) fetchAndSave(ctx context.Context, userID, externalID string, seen *time.Time, now time.Time) (Result, error) {
	raw, err := s.upstream.FetchFirstContact(ctx, externalID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: fetch %s: %w", ErrUpstream, externalID, err)
	}
	payload, err := ParsePayload(raw, externalID)
	if err != nil {
		return Result{}, err
	}
	if payload.ExternalID != externalID {
		s.log.Debug("provider resolved a different external id", "requested", externalID, "resolved", payload.ExternalID)
	}
	metrics := formula.Calculate(formula.Inputs{
		SoulEggs:           payload.SoulEggs,
		EggsOfProphecy:     payload.EggsOfProphecy,
		TruthEggs:          payload.TruthEggs,
		SoulFoodLevel:      payload.SoulFoodLevel,
		ProphecyBonusLevel: payload.ProphecyBonusLevel,
	})

	var saved Account
	err = s.store.InUserTx(ctx, userID, func(tx Tx) error {
		accounts, err := tx.Accounts(ctx)
		if err != nil {
			return err
		}
		if !sameFetch(accounts, externalID, seen) {
			return fmt.Errorf("%w: %s was refreshed concurrently", ErrConflict, externalID)
		}

		acc, ok := findByExternalID(accounts, externalID)
		if !ok {
			acc = Account{
				ID:         uuid.NewString(),
				UserID:     userID,
				ExternalID: externalID,
				Status:     StatusAlt,
				CreatedAt:  now,
			}
			if len(accounts) == 0 {
				acc.Status = StatusMain
			}
		}
		applySnapshot(&acc, payload, metrics, raw, now)

		if ok {
			err = tx.SaveSnapshot(ctx, acc)
		} else {
			err = tx.Insert(ctx, acc)
		}
		if err != nil {
			return err
		}
		if err := tx.ReleaseLease(ctx, externalID); err != nil {
			return err
		}
		saved = acc
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	s.log.Info("egg snapshot fetched", "user_id", userID, "account_id", saved.ID, "external_id", externalID)
	return Result{
		AccountID:           saved.ID,
		ExternalID:          saved.ExternalID,
		Status:              saved.Status,
		DisplayName:         saved.DisplayName,
		SoulEggs:            saved.SoulEggs,
		EggsOfProphecy:      saved.EggsOfProphecy,
		TruthEggs:           saved.TruthEggs,
		GoldenEggsBalance:   saved.GoldenEggsBalance,
		MER:                 saved.MER,
		JER:                 saved.JER,
		EB:                  saved.EB,
		LastFetchedUtc:      now,
		NextAllowedFetchUtc: now.Add(s.minInterval),
		WasFetched:          true,
	}, nil
}

// cachedResult recomputes MER and JER from the stored counters. EB depends on
// research levels that are not stored, so the persisted value is returned.
func (s *Synchronizer) cachedResult(acc Account) Result {
	metrics := formula.Calculate(formula.Inputs{
		SoulEggs:       acc.SoulEggs,
		EggsOfProphecy: acc.EggsOfProphecy,
	})
	last := acc.LastFetchedAt.UTC()
	return Result{
		AccountID:           acc.ID,
		ExternalID:          acc.ExternalID,
		Status:              acc.Status,
		DisplayName:         acc.DisplayName,
		SoulEggs:            acc.SoulEggs,
		EggsOfProphecy:      acc.EggsOfProphecy,
		TruthEggs:           acc.TruthEggs,
		GoldenEggsBalance:   acc.GoldenEggsBalance,
		MER:                 metrics.MER,
		JER:                 metrics.JER,
		EB:                  acc.EB,
		LastFetchedUtc:      last,
		NextAllowedFetchUtc: last.Add(s.minInterval),
		WasFetched:          false,
	}
}

// applySnapshot overwrites every synchronized field; nothing from the previous
// snapshot survives.
func applySnapshot(acc *Account, p Payload, m formula.Metrics, raw []byte, now time.Time) {
	acc.DisplayName = p.DisplayName
	acc.BoostsUsed = p.BoostsUsed
	acc.SoulEggs = p.SoulEggs
	acc.EggsOfProphecy = p.EggsOfProphecy
	acc.TruthEggs = p.TruthEggs
	acc.GoldenEggsEarned = p.GoldenEggsEarned
	acc.GoldenEggsSpent = p.GoldenEggsSpent
	acc.GoldenEggsBalance = p.GoldenEggsBalance
	acc.CraftingXP = p.CraftingXP
	acc.MER = m.MER
	acc.JER = m.JER
	acc.CER = m.CER
	acc.EB = m.EB
	acc.RawPayload = string(raw)
	acc.LastFetchedAt = &now
	acc.UpdatedAt = now
}

// sameFetch reports whether the stored last fetch time of externalID still equals seen.
// A nil seen means the caller saw no fetch at all.
func sameFetch(accounts []Account, externalID string, seen *time.Time) bool {
	acc, ok := findByExternalID(accounts, externalID)
	var current *time.Time
	if ok {
		current = acc.LastFetchedAt
	}
	switch {
	case current == nil && seen == nil:
		return true
	case current == nil || seen == nil:
		return false
	default:
		return current.Equal(*seen)
	}
}
