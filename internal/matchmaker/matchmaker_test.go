package matchmaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nibty/agonai-sub001/internal/rating"
)

type pairRecorder struct {
	mu    sync.Mutex
	pairs [][2]Entry
	err   error
}

func (r *pairRecorder) create(a, b Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.pairs = append(r.pairs, [2]Entry{a, b})
	return nil
}

func (r *pairRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs)
}

func newTestMatchmaker(rec *pairRecorder, liveness Liveness) *Matchmaker {
	return New(Config{
		Rating:     rating.Default(),
		Creator:    rec.create,
		Liveness:   liveness,
		SweepEvery: time.Second,
		Logger:     zerolog.Nop(),
	})
}

func TestPairsCompatibleEntries(t *testing.T) {
	rec := &pairRecorder{}
	m := newTestMatchmaker(rec, nil)

	m.Add(1, 10, "classic", 1200, 10)
	m.Add(2, 20, "classic", 1250, 10)
	m.Sweep()

	require.Equal(t, 1, rec.count())
	assert.Equal(t, 0, m.Len(), "matched entries leave the queue")

	got := rec.pairs[0]
	assert.ElementsMatch(t,
		[]int64{1, 2},
		[]int64{got[0].BotID, got[1].BotID})
}

func TestRatingWindowBlocksDistantPairs(t *testing.T) {
	rec := &pairRecorder{}
	m := newTestMatchmaker(rec, nil)

	// 300 points apart: outside the base window of 100.
	m.Add(1, 10, "classic", 1200, 10)
	m.Add(2, 20, "classic", 1500, 10)
	m.Sweep()

	assert.Equal(t, 0, rec.count())
	assert.Equal(t, 2, m.Len())
}

func TestWindowExpandsWithWait(t *testing.T) {
	rec := &pairRecorder{}
	m := newTestMatchmaker(rec, nil)

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	m.Add(1, 10, "classic", 1200, 10)
	m.Add(2, 20, "classic", 1500, 10)

	// After 125s the window is 100 + 50*4 = 300: the pair fits.
	now = now.Add(125 * time.Second)
	m.Sweep()

	require.Equal(t, 1, rec.count())
	pair := rec.pairs[0]
	window := pair[0].ExpandedRange
	if pair[1].ExpandedRange > window {
		window = pair[1].ExpandedRange
	}
	diff := pair[0].Rating - pair[1].Rating
	if diff < 0 {
		diff = -diff
	}
	assert.LessOrEqual(t, diff, window)
}

func TestStakeFilter(t *testing.T) {
	rec := &pairRecorder{}
	m := newTestMatchmaker(rec, nil)

	// |100-50| = 50 > 0.2*100: no pair.
	m.Add(1, 10, "classic", 1200, 100)
	m.Add(2, 20, "classic", 1200, 50)
	m.Sweep()
	assert.Equal(t, 0, rec.count())

	// |100-85| = 15 <= 0.2*100: pair.
	m.Add(2, 20, "classic", 1200, 85)
	m.Sweep()
	assert.Equal(t, 1, rec.count())
}

func TestPresetMustMatch(t *testing.T) {
	rec := &pairRecorder{}
	m := newTestMatchmaker(rec, nil)

	m.Add(1, 10, "classic", 1200, 10)
	m.Add(2, 20, "blitz", 1200, 10)
	m.Sweep()

	assert.Equal(t, 0, rec.count())
}

func TestClosestRatingWins(t *testing.T) {
	rec := &pairRecorder{}
	m := newTestMatchmaker(rec, nil)

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	// Bot 1 waits longest and gets first pick; bot 3 is closer than bot 2.
	m.Add(1, 10, "classic", 1200, 10)
	now = now.Add(time.Second)
	m.Add(2, 20, "classic", 1290, 10)
	now = now.Add(time.Second)
	m.Add(3, 30, "classic", 1210, 10)
	m.Sweep()

	require.Equal(t, 1, rec.count())
	pair := rec.pairs[0]
	assert.Equal(t, int64(1), pair[0].BotID)
	assert.Equal(t, int64(3), pair[1].BotID)
	assert.Equal(t, 1, m.Len(), "bot 2 remains queued")
}

func TestRejoinReplacesEntry(t *testing.T) {
	rec := &pairRecorder{}
	m := newTestMatchmaker(rec, nil)

	m.Add(1, 10, "classic", 1200, 10)
	m.Add(1, 10, "blitz", 1200, 25)

	assert.Equal(t, 1, m.Len(), "one active entry per bot")

	// Only the replacement preset can match.
	m.Add(2, 20, "blitz", 1200, 25)
	m.Sweep()
	require.Equal(t, 1, rec.count())
	assert.Equal(t, "blitz", rec.pairs[0][0].PresetID)
}

func TestRemoveIsIdempotent(t *testing.T) {
	rec := &pairRecorder{}
	m := newTestMatchmaker(rec, nil)

	m.Add(1, 10, "classic", 1200, 10)
	m.Remove(1)
	m.Remove(1)
	assert.Equal(t, 0, m.Len())
}

func TestCreatorFailureKeepsEntries(t *testing.T) {
	rec := &pairRecorder{err: errors.New("db down")}
	m := newTestMatchmaker(rec, nil)

	m.Add(1, 10, "classic", 1200, 10)
	m.Add(2, 20, "classic", 1200, 10)
	m.Sweep()

	assert.Equal(t, 2, m.Len(), "failed creation leaves both entries eligible")

	// Next sweep succeeds once the creator recovers.
	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()
	m.Sweep()
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 1, rec.count())
}

func TestLivenessRemovesStaleEntries(t *testing.T) {
	rec := &pairRecorder{}
	alive := map[int64]bool{1: true, 2: false}
	m := newTestMatchmaker(rec, func(botID int64) bool { return alive[botID] })

	m.Add(1, 10, "classic", 1200, 10)
	m.Add(2, 20, "classic", 1200, 10)
	m.Sweep()

	assert.Equal(t, 0, rec.count())
	assert.Equal(t, 1, m.Len(), "stale entry is removed as a side effect")
}
