package arena

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nibty/agonai-sub001/internal/hub"
	"github.com/nibty/agonai-sub001/internal/preset"
	"github.com/nibty/agonai-sub001/internal/protocol"
	"github.com/nibty/agonai-sub001/internal/rating"
	"github.com/nibty/agonai-sub001/internal/store"
)

type fakeBots struct {
	mu       sync.Mutex
	replies  map[int64]string
	errs     map[int64]error
	requests []protocol.DebateRequest
	notified []protocol.DebateComplete
}

func (f *fakeBots) Request(_ context.Context, botID int64, req protocol.DebateRequest, _ time.Duration) (hub.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if err := f.errs[botID]; err != nil {
		return hub.Reply{}, err
	}
	return hub.Reply{Message: f.replies[botID]}, nil
}

func (f *fakeBots) Notify(_ context.Context, _ int64, envelope any) error {
	if dc, ok := envelope.(protocol.DebateComplete); ok {
		f.mu.Lock()
		f.notified = append(f.notified, dc)
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeBots) completions() []protocol.DebateComplete {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.DebateComplete(nil), f.notified...)
}

type fakeOwner struct {
	mu       sync.Mutex
	released []int64
}

func (f *fakeOwner) Claim(context.Context, int64) (bool, error) { return true, nil }

func (f *fakeOwner) Release(_ context.Context, contestID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, contestID)
}

func (f *fakeOwner) releasedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.released...)
}

type eventLog struct {
	mu     sync.Mutex
	events []protocol.SpectatorEvent
}

func (l *eventLog) Publish(ev protocol.SpectatorEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) has(eventType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

func (l *eventLog) payload(eventType string) map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == eventType {
			if p, ok := l.events[i].Payload.(map[string]any); ok {
				return p
			}
		}
	}
	return nil
}

func (l *eventLog) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func fastPreset(rounds, voteWindow int) preset.Preset {
	p := preset.Preset{ID: "fast", PrepTime: 1, VoteWindow: voteWindow}
	names := []string{"opening", "rebuttal", "closing"}
	for i := 0; i < rounds; i++ {
		p.Rounds = append(p.Rounds, preset.Round{
			Name:      names[i%len(names)],
			Speaker:   preset.SpeakerBoth,
			TimeLimit: 5,
			WordLimit: preset.WordLimit{Min: 5, Max: 50},
		})
	}
	return p
}

type testArena struct {
	arena  *Arena
	store  *store.Store
	bots   *fakeBots
	owner  *fakeOwner
	events *eventLog
	pro    *store.Bot
	con    *store.Bot
}

func newTestArena(t *testing.T, p preset.Preset, bots *fakeBots) *testArena {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "arena.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	pro, err := st.CreateBot(ctx, 1, "pro-bot", strings.Repeat("a", 64), 1200)
	require.NoError(t, err)
	con, err := st.CreateBot(ctx, 2, "con-bot", strings.Repeat("b", 64), 1200)
	require.NoError(t, err)
	_, err = st.CreateTopic(ctx, "Remote work beats office work")
	require.NoError(t, err)

	reg, err := preset.NewRegistry(p)
	require.NoError(t, err)

	ow := &fakeOwner{}
	ev := &eventLog{}
	a := New(Config{
		Store:         st,
		Bots:          bots,
		Owner:         ow,
		Events:        ev,
		Presets:       reg,
		Rating:        rating.Default(),
		DefaultPreset: p.ID,
		SettleStakes: func(ctx context.Context, c *store.Contest, winner protocol.Position) (map[int64]int64, error) {
			winnerBot := c.ProBotID
			if winner == protocol.PositionCon {
				winnerBot = c.ConBotID
			}
			pot := 2 * c.Stake
			if err := st.SettleStake(ctx, winnerBot, pot); err != nil {
				return nil, err
			}
			return map[int64]int64{winnerBot: pot}, nil
		},
		Tick:   5 * time.Millisecond,
		Logger: zerolog.Nop(),
	})
	t.Cleanup(a.Shutdown)

	return &testArena{arena: a, store: st, bots: bots, owner: ow, events: ev, pro: pro, con: con}
}

func (ta *testArena) start(t *testing.T) *store.Contest {
	t.Helper()
	ctx := context.Background()
	c, err := ta.arena.Create(ctx, ta.pro.ID, ta.con.ID, "fast", 10)
	require.NoError(t, err)
	require.NoError(t, ta.arena.Start(ctx, c))
	return c
}

func (ta *testArena) waitCompleted(t *testing.T, contestID int64) *store.Contest {
	t.Helper()
	var got *store.Contest
	require.Eventually(t, func() bool {
		c, err := ta.store.GetContest(context.Background(), contestID)
		if err != nil {
			return false
		}
		got = c
		return c.Status == store.StatusCompleted
	}, 10*time.Second, 10*time.Millisecond, "contest never completed")
	return got
}

func TestContestHappyPath(t *testing.T) {
	bots := &fakeBots{replies: map[int64]string{1: "pro argument", 2: "con argument"}}
	ta := newTestArena(t, fastPreset(1, 2), bots)
	c := ta.start(t)

	got := ta.waitCompleted(t, c.ID)
	require.NotNil(t, got.Winner)
	// No votes cast: pro wins the round on the tie, and the contest.
	assert.Equal(t, protocol.PositionPro, *got.Winner)

	// Transcript holds one message per side.
	msgs, err := ta.store.ListMessages(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.PositionPro, msgs[0].Position)
	assert.Equal(t, "pro argument", msgs[0].Content)
	assert.Equal(t, protocol.PositionCon, msgs[1].Position)

	// Ratings moved by the standard even-match delta.
	winner, _ := ta.store.GetBot(context.Background(), ta.pro.ID)
	loser, _ := ta.store.GetBot(context.Background(), ta.con.ID)
	assert.Equal(t, 1216, winner.Rating)
	assert.Equal(t, 1184, loser.Rating)
	assert.Equal(t, 1, winner.Wins)
	assert.Equal(t, 1, loser.Losses)

	for _, want := range []string{
		protocol.EventDebateStarted,
		protocol.EventRoundStarted,
		protocol.EventBotTyping,
		protocol.EventBotMessage,
		protocol.EventVotingStarted,
		protocol.EventVoteUpdate,
		protocol.EventRoundEnded,
		protocol.EventDebateEnded,
	} {
		assert.True(t, ta.events.has(want), "missing event %s", want)
	}

	// Both bots told the outcome, lease released.
	require.Eventually(t, func() bool { return len(bots.completions()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, ta.owner.releasedIDs(), c.ID)
}

func TestVotesDecideRound(t *testing.T) {
	bots := &fakeBots{replies: map[int64]string{1: "pro", 2: "con"}}
	// Long window so the test can vote while it is open.
	ta := newTestArena(t, fastPreset(1, 60), bots)
	c := ta.start(t)

	require.Eventually(t, func() bool {
		return ta.events.has(protocol.EventVotingStarted)
	}, 5*time.Second, 5*time.Millisecond)

	ctx := context.Background()
	for _, voter := range []string{"v1", "v2", "v3"} {
		ok, err := ta.arena.SubmitVote(ctx, c.ID, 0, voter, protocol.PositionCon)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	got := ta.waitCompleted(t, c.ID)
	require.NotNil(t, got.Winner)
	assert.Equal(t, protocol.PositionCon, *got.Winner)

	results, err := ta.store.ListRoundResults(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 3, results[0].ConVotes)
	assert.Equal(t, protocol.PositionCon, results[0].Winner)
}

func TestVoteRejectedOutsideWindow(t *testing.T) {
	bots := &fakeBots{replies: map[int64]string{1: "pro", 2: "con"}}
	ta := newTestArena(t, fastPreset(1, 60), bots)
	c := ta.start(t)

	// Round 5 does not exist; nothing is in a voting window yet.
	_, err := ta.arena.SubmitVote(context.Background(), c.ID, 5, "early", protocol.PositionPro)
	assert.ErrorIs(t, err, ErrVoteClosed)

	// Unknown contest.
	_, err = ta.arena.SubmitVote(context.Background(), 9999, 0, "lost", protocol.PositionPro)
	assert.ErrorIs(t, err, ErrVoteClosed)
}

func TestDuplicateVoteRejected(t *testing.T) {
	bots := &fakeBots{replies: map[int64]string{1: "pro", 2: "con"}}
	ta := newTestArena(t, fastPreset(1, 60), bots)
	c := ta.start(t)

	require.Eventually(t, func() bool {
		return ta.events.has(protocol.EventVotingStarted)
	}, 5*time.Second, 5*time.Millisecond)

	ctx := context.Background()
	ok, err := ta.arena.SubmitVote(ctx, c.ID, 0, "voter-1", protocol.PositionPro)
	require.NoError(t, err)
	assert.True(t, ok)

	// First vote stands; the changed choice is discarded.
	ok, err = ta.arena.SubmitVote(ctx, c.ID, 0, "voter-1", protocol.PositionCon)
	require.NoError(t, err)
	assert.False(t, ok)

	ta.waitCompleted(t, c.ID)
}

func TestBotTimeoutGetsPlaceholder(t *testing.T) {
	bots := &fakeBots{
		replies: map[int64]string{1: "pro argument"},
		errs:    map[int64]error{2: hub.ErrTimeout},
	}
	ta := newTestArena(t, fastPreset(1, 1), bots)
	c := ta.start(t)

	ta.waitCompleted(t, c.ID)

	msgs, err := ta.store.ListMessages(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "[Bot failed to respond: Bot timed out after")
}

func TestBotDisconnectedGetsPlaceholder(t *testing.T) {
	bots := &fakeBots{
		replies: map[int64]string{1: "pro argument"},
		errs:    map[int64]error{2: hub.ErrNotConnected},
	}
	ta := newTestArena(t, fastPreset(1, 1), bots)
	c := ta.start(t)

	ta.waitCompleted(t, c.ID)

	msgs, err := ta.store.ListMessages(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "[Bot failed to respond: Bot is not connected]", msgs[1].Content)
}

func TestBotInvalidReplyGetsPlaceholder(t *testing.T) {
	bots := &fakeBots{
		replies: map[int64]string{1: "pro argument"},
		errs:    map[int64]error{2: hub.ErrInvalidReply},
	}
	ta := newTestArena(t, fastPreset(1, 1), bots)
	c := ta.start(t)

	ta.waitCompleted(t, c.ID)

	msgs, err := ta.store.ListMessages(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "[Bot failed to respond: Bot sent an invalid response]", msgs[1].Content)
}

func TestStakeSettlementPaysWinner(t *testing.T) {
	bots := &fakeBots{replies: map[int64]string{1: "pro", 2: "con"}}
	ta := newTestArena(t, fastPreset(1, 1), bots)
	c := ta.start(t) // ten credits staked per side

	ta.waitCompleted(t, c.ID)

	// No votes: pro takes the round and with it the whole pot.
	winner, err := ta.store.GetBot(context.Background(), ta.pro.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), winner.Winnings)
	loser, err := ta.store.GetBot(context.Background(), ta.con.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), loser.Winnings)

	ended := ta.events.payload(protocol.EventDebateEnded)
	require.NotNil(t, ended)
	assert.Equal(t, int64(20), ended["pot"])
	payouts, ok := ended["payouts"].(map[int64]int64)
	require.True(t, ok, "debate_ended carries the settled payouts")
	assert.Equal(t, int64(20), payouts[ta.pro.ID])
}

func TestCancelStopsContest(t *testing.T) {
	bots := &fakeBots{replies: map[int64]string{1: "pro", 2: "con"}}
	// Long vote window so the contest is still running when cancelled.
	ta := newTestArena(t, fastPreset(1, 600), bots)
	c := ta.start(t)

	require.Eventually(t, func() bool {
		return ta.events.has(protocol.EventVotingStarted)
	}, 5*time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, ta.arena.Cancel(ctx, c.ID, "operator abort"))

	got, err := ta.store.GetContest(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, got.Status)
	assert.Nil(t, got.Winner, "a cancelled contest never gets a winner")
	assert.True(t, ta.events.has(protocol.EventError))
	assert.Contains(t, ta.owner.releasedIDs(), c.ID)

	// Neither ratings nor stakes moved.
	pro, err := ta.store.GetBot(ctx, ta.pro.ID)
	require.NoError(t, err)
	assert.Equal(t, 1200, pro.Rating)
	assert.Equal(t, int64(0), pro.Winnings)

	// The terminal state is sticky; a second cancel is rejected.
	assert.Error(t, ta.arena.Cancel(ctx, c.ID, "again"))
}

func TestMultiRoundMajority(t *testing.T) {
	bots := &fakeBots{replies: map[int64]string{1: "pro", 2: "con"}}
	ta := newTestArena(t, fastPreset(3, 1), bots)
	c := ta.start(t)

	got := ta.waitCompleted(t, c.ID)
	require.NotNil(t, got.Winner)
	// Three rounds, no votes: pro takes every tie and the match.
	assert.Equal(t, protocol.PositionPro, *got.Winner)

	results, err := ta.store.ListRoundResults(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, 3, ta.events.count(protocol.EventRoundEnded))
}

func TestRecoverResumesUnsettledRound(t *testing.T) {
	bots := &fakeBots{replies: map[int64]string{1: "pro", 2: "con"}}
	ta := newTestArena(t, fastPreset(2, 1), bots)
	ctx := context.Background()

	c, err := ta.arena.Create(ctx, ta.pro.ID, ta.con.ID, "fast", 0)
	require.NoError(t, err)
	require.NoError(t, ta.store.MarkContestStarted(ctx, c.ID))

	// Round 0 was settled before the crash: con won it decisively.
	_, err = ta.store.InsertRoundResult(ctx, &store.RoundResult{
		ContestID: c.ID, RoundIndex: 0, ProVotes: 0, ConVotes: 5, Winner: protocol.PositionCon,
	})
	require.NoError(t, err)

	resumed, err := ta.arena.Recover(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.True(t, ta.events.has(protocol.EventResumed))

	got := ta.waitCompleted(t, c.ID)
	require.NotNil(t, got.Winner)
	// Round 0 stayed con's; round 1 ran fresh and fell to pro on the
	// tie. One round each means pro takes the match.
	assert.Equal(t, protocol.PositionPro, *got.Winner)

	results, err := ta.store.ListRoundResults(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, protocol.PositionCon, results[0].Winner)
}

func TestRecoverTerminalContest(t *testing.T) {
	bots := &fakeBots{replies: map[int64]string{1: "pro", 2: "con"}}
	ta := newTestArena(t, fastPreset(1, 1), bots)
	ctx := context.Background()

	c, err := ta.arena.Create(ctx, ta.pro.ID, ta.con.ID, "fast", 0)
	require.NoError(t, err)
	require.NoError(t, ta.store.MarkContestStarted(ctx, c.ID))
	require.NoError(t, ta.store.CompleteContest(ctx, c.ID, protocol.PositionPro))

	resumed, err := ta.arena.Recover(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, resumed, "terminal contests are not resumable")
}

func TestRecoverFinalizeOnly(t *testing.T) {
	bots := &fakeBots{replies: map[int64]string{1: "pro", 2: "con"}}
	ta := newTestArena(t, fastPreset(1, 1), bots)
	ctx := context.Background()

	c, err := ta.arena.Create(ctx, ta.pro.ID, ta.con.ID, "fast", 0)
	require.NoError(t, err)
	require.NoError(t, ta.store.MarkContestStarted(ctx, c.ID))

	// Every round settled; only finalization was lost in the crash.
	_, err = ta.store.InsertRoundResult(ctx, &store.RoundResult{
		ContestID: c.ID, RoundIndex: 0, ProVotes: 1, ConVotes: 4, Winner: protocol.PositionCon,
	})
	require.NoError(t, err)

	resumed, err := ta.arena.Recover(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, resumed)

	got := ta.waitCompleted(t, c.ID)
	require.NotNil(t, got.Winner)
	assert.Equal(t, protocol.PositionCon, *got.Winner)
}
