// Package owner implements the ownership protocol: every in-progress
// contest is driven by exactly one instance, recorded as a leased key in
// the shared KV store. Leases are refreshed while the owner is healthy;
// when an owner dies its leases expire and a peer adopts the orphaned
// contests under a short-lived recovery lock.
package owner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nibty/agonai-sub001/internal/kv"
	"github.com/nibty/agonai-sub001/internal/logging"
	"github.com/nibty/agonai-sub001/internal/metrics"
	"github.com/nibty/agonai-sub001/internal/store"
)

// Stuck contests are ones whose heartbeat has not moved for this long.
// Used at startup to find work orphaned by a crash of this same
// instance, where the lease may not have expired yet.
const stuckAfter = 5 * time.Minute

// Recoverer resumes an adopted contest. It reports false when the
// contest turned out not to be resumable (already terminal), in which
// case the fresh lease is released again.
type Recoverer interface {
	Recover(ctx context.Context, contestID int64) (bool, error)
}

// ContestSource lists contests needing ownership checks. *store.Store
// satisfies it.
type ContestSource interface {
	ListActiveContests(ctx context.Context) ([]*store.Contest, error)
	ListStuckContests(ctx context.Context, cutoff time.Time) ([]*store.Contest, error)
}

// Config wires a Manager.
type Config struct {
	InstanceID      string
	KV              kv.Store
	Contests        ContestSource
	Recoverer       Recoverer
	TTL             time.Duration
	Refresh         time.Duration
	SweepEvery      time.Duration
	RecoveryLockTTL time.Duration
	Logger          zerolog.Logger
}

// Manager tracks the leases this instance holds and runs the refresh
// and adoption loops.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	owned map[int64]struct{}
}

// New builds a manager with no leases.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "owner").Logger(),
		owned:  make(map[int64]struct{}),
	}
}

// Claim attempts to take the contest's lease. Exactly one instance wins
// a given contest; the loser proceeds without driving it.
func (m *Manager) Claim(ctx context.Context, contestID int64) (bool, error) {
	won, err := m.cfg.KV.SetIfAbsent(ctx, kv.OwnerKey(contestID), m.cfg.InstanceID, m.cfg.TTL)
	if err != nil {
		return false, fmt.Errorf("claim contest %d: %w", contestID, err)
	}
	if !won {
		metrics.OwnershipClaims.WithLabelValues("lost").Inc()
		return false, nil
	}
	metrics.OwnershipClaims.WithLabelValues("won").Inc()

	m.mu.Lock()
	m.owned[contestID] = struct{}{}
	metrics.ContestsActive.Set(float64(len(m.owned)))
	m.mu.Unlock()

	m.logger.Info().Int64("contest_id", contestID).Msg("Ownership claimed")
	return true, nil
}

// Release gives the lease up after a contest reaches a terminal state.
// Only our own lease is deleted; a lease already adopted by a peer is
// left alone.
func (m *Manager) Release(ctx context.Context, contestID int64) {
	m.mu.Lock()
	delete(m.owned, contestID)
	metrics.ContestsActive.Set(float64(len(m.owned)))
	m.mu.Unlock()

	if _, err := m.cfg.KV.CompareAndDelete(ctx, kv.OwnerKey(contestID), m.cfg.InstanceID); err != nil {
		m.logger.Error().Err(err).Int64("contest_id", contestID).Msg("Lease release failed")
		return
	}
	m.logger.Info().Int64("contest_id", contestID).Msg("Ownership released")
}

// Owns reports whether this instance currently tracks the lease.
func (m *Manager) Owns(contestID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.owned[contestID]
	return ok
}

// Run drives the refresh and sweep loops until the context ends.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer logging.RecoverPanic(m.logger, "owner.refreshLoop")
		m.refreshLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		defer logging.RecoverPanic(m.logger, "owner.sweepLoop")
		m.sweepLoop(ctx)
	}()
	wg.Wait()
}

// Shutdown releases every lease so peers can adopt the contests
// immediately instead of waiting out the TTL.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.owned))
	for id := range m.owned {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Release(ctx, id)
	}
}

func (m *Manager) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refreshLeases(ctx)
		}
	}
}

// refreshLeases extends every held lease. A refresh that misses means
// the lease expired or was adopted; we stop tracking it so two drivers
// never believe they own the same contest.
func (m *Manager) refreshLeases(ctx context.Context) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.owned))
	for id := range m.owned {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		ok, err := m.cfg.KV.Refresh(ctx, kv.OwnerKey(id), m.cfg.InstanceID, m.cfg.TTL)
		if err != nil {
			m.logger.Error().Err(err).Int64("contest_id", id).Msg("Lease refresh failed")
			continue
		}
		if !ok {
			m.logger.Warn().Int64("contest_id", id).Msg("Lease lost, dropping local tracking")
			m.mu.Lock()
			delete(m.owned, id)
			metrics.ContestsActive.Set(float64(len(m.owned)))
			m.mu.Unlock()
		}
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.SweepUnowned(ctx); err != nil {
				m.logger.Error().Err(err).Msg("Unowned sweep failed")
			}
		}
	}
}

// SweepUnowned finds active contests with no live lease and adopts
// them. Exported so tests and the startup path can run a pass directly.
func (m *Manager) SweepUnowned(ctx context.Context) error {
	contests, err := m.cfg.Contests.ListActiveContests(ctx)
	if err != nil {
		return fmt.Errorf("list active contests: %w", err)
	}
	for _, c := range contests {
		m.maybeAdopt(ctx, c.ID, false)
	}
	return nil
}

// RecoverStartup adopts contests whose heartbeat is stale, typically
// left behind by a crash of this same instance where the lease has not
// expired yet. The force flag lets us reclaim our own stale lease.
func (m *Manager) RecoverStartup(ctx context.Context) error {
	contests, err := m.cfg.Contests.ListStuckContests(ctx, time.Now().Add(-stuckAfter))
	if err != nil {
		return fmt.Errorf("list stuck contests: %w", err)
	}
	for _, c := range contests {
		m.maybeAdopt(ctx, c.ID, true)
	}
	return nil
}

// maybeAdopt runs the adoption protocol for one contest: take the
// recovery lock, recheck the lease under it, claim, resume, unlock. The
// lock serializes competing adopters; the recheck closes the window
// where the real owner refreshed between our first look and the lock.
func (m *Manager) maybeAdopt(ctx context.Context, contestID int64, reclaimOwn bool) {
	if m.Owns(contestID) {
		return
	}

	holder, exists, err := m.cfg.KV.Get(ctx, kv.OwnerKey(contestID))
	if err != nil {
		m.logger.Error().Err(err).Int64("contest_id", contestID).Msg("Owner lookup failed")
		return
	}
	if exists && !(reclaimOwn && holder == m.cfg.InstanceID) {
		return
	}

	// The lock value names the holder so a stuck lock can be traced to
	// an instance; the uuid keeps values unique across our own retries.
	nonce := m.cfg.InstanceID + "-" + uuid.NewString()
	lockKey := kv.RecoveryLockKey(contestID)
	won, err := m.cfg.KV.SetIfAbsent(ctx, lockKey, nonce, m.cfg.RecoveryLockTTL)
	if err != nil || !won {
		return
	}
	defer m.cfg.KV.CompareAndDelete(ctx, lockKey, nonce)

	// Recheck under the lock.
	holder, exists, err = m.cfg.KV.Get(ctx, kv.OwnerKey(contestID))
	if err != nil {
		return
	}
	if exists {
		if !(reclaimOwn && holder == m.cfg.InstanceID) {
			return
		}
		// Our own stale lease from before the crash; clear it so the
		// claim below re-establishes tracking.
		m.cfg.KV.CompareAndDelete(ctx, kv.OwnerKey(contestID), m.cfg.InstanceID)
	}

	claimed, err := m.Claim(ctx, contestID)
	if err != nil || !claimed {
		return
	}

	resumed, err := m.cfg.Recoverer.Recover(ctx, contestID)
	if err != nil {
		m.logger.Error().Err(err).Int64("contest_id", contestID).Msg("Recovery failed, releasing lease")
		m.Release(ctx, contestID)
		return
	}
	if !resumed {
		// Terminal by the time we looked; nothing to drive.
		m.Release(ctx, contestID)
		return
	}

	metrics.ContestsRecovered.Inc()
	m.logger.Info().Int64("contest_id", contestID).Msg("Contest adopted")
}
