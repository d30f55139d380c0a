// Package matchmaker holds the per-instance queue of waiting bots and
// the periodic sweep that pairs compatible entries. The queue is
// instance-local: a bot is attached to exactly one instance, so its
// entry lives there too.
package matchmaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nibty/agonai-sub001/internal/logging"
	"github.com/nibty/agonai-sub001/internal/metrics"
	"github.com/nibty/agonai-sub001/internal/rating"
)

// Entry is one waiting bot.
type Entry struct {
	EntryID       string
	BotID         int64
	UserID        int64
	PresetID      string
	Rating        int
	Stake         int64
	JoinedAt      time.Time
	ExpandedRange int
}

// Creator is invoked for each accepted pair. Only on success are both
// entries removed from the queue; a failed creator leaves them eligible
// for the next sweep.
type Creator func(a, b Entry) error

// Liveness may reject a candidate whose bot is no longer attached
// anywhere. Entries failing it at pairing time are removed as a side
// effect.
type Liveness func(botID int64) bool

// Matchmaker pairs waiting entries on a fixed sweep cadence.
type Matchmaker struct {
	mu       sync.Mutex
	entries  map[string]*Entry // entryId → entry
	byBot    map[int64]string  // botId → entryId
	rating   rating.Config
	create   Creator
	liveness Liveness
	sweep    time.Duration
	logger   zerolog.Logger
	clock    func() time.Time
}

// Config wires a matchmaker.
type Config struct {
	Rating     rating.Config
	Creator    Creator
	Liveness   Liveness // optional
	SweepEvery time.Duration
	Logger     zerolog.Logger
}

// New builds an empty matchmaker.
func New(cfg Config) *Matchmaker {
	sweep := cfg.SweepEvery
	if sweep <= 0 {
		sweep = 2 * time.Second
	}
	return &Matchmaker{
		entries:  make(map[string]*Entry),
		byBot:    make(map[int64]string),
		rating:   cfg.Rating,
		create:   cfg.Creator,
		liveness: cfg.Liveness,
		sweep:    sweep,
		logger:   cfg.Logger.With().Str("component", "matchmaker").Logger(),
		clock:    time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *Matchmaker) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// Add enqueues a bot. A second join for the same bot replaces the
// first; one active entry per bot.
func (m *Matchmaker) Add(botID, userID int64, presetID string, botRating int, stake int64) Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.byBot[botID]; ok {
		delete(m.entries, prev)
	}

	e := &Entry{
		EntryID:       uuid.NewString(),
		BotID:         botID,
		UserID:        userID,
		PresetID:      presetID,
		Rating:        botRating,
		Stake:         stake,
		JoinedAt:      m.clock(),
		ExpandedRange: m.rating.RangeBase,
	}
	m.entries[e.EntryID] = e
	m.byBot[botID] = e.EntryID
	metrics.QueueSize.Set(float64(len(m.entries)))

	m.logger.Info().
		Int64("bot_id", botID).
		Str("preset_id", presetID).
		Int("rating", botRating).
		Int64("stake", stake).
		Msg("Bot joined queue")
	return *e
}

// Remove drops a bot's entry if present. Idempotent; disconnected bots
// must not be matched.
func (m *Matchmaker) Remove(botID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(botID)
}

func (m *Matchmaker) removeLocked(botID int64) {
	if entryID, ok := m.byBot[botID]; ok {
		delete(m.entries, entryID)
		delete(m.byBot, botID)
		metrics.QueueSize.Set(float64(len(m.entries)))
	}
}

// Len returns the number of waiting entries.
func (m *Matchmaker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Run sweeps until the context is cancelled.
func (m *Matchmaker) Run(ctx context.Context) {
	defer logging.RecoverPanic(m.logger, "matchmaker.Run")

	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one pairing pass. Exported so tests and recovery paths can
// drive it directly.
func (m *Matchmaker) Sweep() {
	pairs := m.collectPairs()

	for _, p := range pairs {
		if err := m.create(p[0], p[1]); err != nil {
			// Non-fatal: both entries stay queued for the next sweep.
			m.logger.Error().
				Err(err).
				Int64("pro_bot", p[0].BotID).
				Int64("con_bot", p[1].BotID).
				Msg("Contest creation failed, entries remain queued")
			continue
		}
		metrics.PairsCreated.Inc()
		m.mu.Lock()
		m.removeLocked(p[0].BotID)
		m.removeLocked(p[1].BotID)
		m.mu.Unlock()
		m.logger.Info().
			Int64("pro_bot", p[0].BotID).
			Int64("con_bot", p[1].BotID).
			Str("preset_id", p[0].PresetID).
			Msg("Pair matched")
	}
}

// collectPairs recomputes windows, sorts by wait time, and greedily
// picks the closest-rated compatible candidate for each entry.
func (m *Matchmaker) collectPairs() [][2]Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	list := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		e.ExpandedRange = m.rating.ExpandedRange(now.Sub(e.JoinedAt).Seconds())
		list = append(list, e)
	}

	// Longest-waiting first; ties by entry id for determinism.
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].JoinedAt.Before(list[j].JoinedAt)
		}
		return list[i].EntryID < list[j].EntryID
	})

	matched := make(map[string]bool)
	var stale []int64
	var pairs [][2]Entry

	for _, e := range list {
		if matched[e.EntryID] {
			continue
		}
		if m.liveness != nil && !m.liveness(e.BotID) {
			stale = append(stale, e.BotID)
			matched[e.EntryID] = true
			continue
		}

		var best *Entry
		bestDiff := 0
		for _, cand := range list {
			if cand.EntryID == e.EntryID || matched[cand.EntryID] {
				continue
			}
			if !compatible(e, cand) {
				continue
			}
			if m.liveness != nil && !m.liveness(cand.BotID) {
				stale = append(stale, cand.BotID)
				matched[cand.EntryID] = true
				continue
			}
			diff := abs(e.Rating - cand.Rating)
			if best == nil || diff < bestDiff {
				best = cand
				bestDiff = diff
			}
		}
		if best != nil {
			matched[e.EntryID] = true
			matched[best.EntryID] = true
			pairs = append(pairs, [2]Entry{*e, *best})
		}
	}

	for _, botID := range stale {
		m.logger.Warn().Int64("bot_id", botID).Msg("Removing stale queue entry, bot not attached")
		m.removeLocked(botID)
	}

	return pairs
}

// compatible applies the candidate filter: same preset, ratings within
// the wider of the two expanded windows, stakes within 20% of the
// larger stake.
func compatible(a, b *Entry) bool {
	if a.PresetID != b.PresetID {
		return false
	}
	window := a.ExpandedRange
	if b.ExpandedRange > window {
		window = b.ExpandedRange
	}
	if !rating.Balanced(a.Rating, b.Rating, window) {
		return false
	}
	maxStake := a.Stake
	if b.Stake > maxStake {
		maxStake = b.Stake
	}
	diff := a.Stake - b.Stake
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) <= 0.2*float64(maxStake)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
