// Package arena drives contests end to end: round sequencing, bot
// round-trips, voting windows, tallying, and finalization. Each contest
// runs on its own goroutine on the instance holding its ownership lease.
package arena

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nibty/agonai-sub001/internal/hub"
	"github.com/nibty/agonai-sub001/internal/logging"
	"github.com/nibty/agonai-sub001/internal/metrics"
	"github.com/nibty/agonai-sub001/internal/preset"
	"github.com/nibty/agonai-sub001/internal/protocol"
	"github.com/nibty/agonai-sub001/internal/rating"
	"github.com/nibty/agonai-sub001/internal/store"
)

// BotCaller is the transport seam to the hub.
type BotCaller interface {
	Request(ctx context.Context, botID int64, req protocol.DebateRequest, timeout time.Duration) (hub.Reply, error)
	Notify(ctx context.Context, botID int64, envelope any) error
}

// Ownership is the lease seam to the ownership manager.
type Ownership interface {
	Claim(ctx context.Context, contestID int64) (bool, error)
	Release(ctx context.Context, contestID int64)
}

// EventSink receives spectator events for fan-out.
type EventSink interface {
	Publish(ev protocol.SpectatorEvent)
}

// ErrVoteClosed is returned for votes outside an open voting window.
var ErrVoteClosed = errors.New("voting is not open for this round")

// Config wires an Arena.
type Config struct {
	Store         *store.Store
	Bots          BotCaller
	Owner         Ownership
	Events        EventSink
	Presets       *preset.Registry
	Rating        rating.Config
	DefaultPreset string

	// SettleStakes pays the pot out after a decisive result and returns
	// the amounts credited, keyed by bot id. Optional; deployments
	// without a wallet service leave it nil.
	SettleStakes func(ctx context.Context, c *store.Contest, winner protocol.Position) (map[int64]int64, error)

	// Tick is the unit behind every preset duration (prep, turn time
	// limits, vote window). One second in production; tests shrink it.
	Tick time.Duration

	Logger zerolog.Logger
}

type running struct {
	roundIndex  int
	roundStatus store.RoundStatus
	cancel      context.CancelFunc
}

// Arena tracks the contests this instance is driving.
type Arena struct {
	cfg    Config
	tick   time.Duration
	logger zerolog.Logger

	mu     sync.Mutex
	active map[int64]*running

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an arena with no running contests.
func New(cfg Config) *Arena {
	tick := cfg.Tick
	if tick <= 0 {
		tick = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Arena{
		cfg:    cfg,
		tick:   tick,
		logger: cfg.Logger.With().Str("component", "arena").Logger(),
		active: make(map[int64]*running),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Shutdown stops all contest goroutines mid-flight. Leases are released
// separately by the ownership manager, after which peers adopt the
// interrupted contests.
func (a *Arena) Shutdown() {
	a.cancel()
	a.wg.Wait()
}

// Create persists a fresh contest for a matched pair. The preset is
// snapshotted into the row; the topic is picked at random.
func (a *Arena) Create(ctx context.Context, proBotID, conBotID int64, presetID string, stake int64) (*store.Contest, error) {
	p, ok := a.cfg.Presets.Get(presetID)
	if !ok {
		p, ok = a.cfg.Presets.Get(a.cfg.DefaultPreset)
		if !ok {
			return nil, fmt.Errorf("unknown preset %q and no default", presetID)
		}
	}

	topic, err := a.cfg.Store.PickTopic(ctx)
	if err != nil {
		return nil, fmt.Errorf("pick topic: %w", err)
	}

	c, err := a.cfg.Store.CreateContest(ctx, proBotID, conBotID, topic.ID, p, stake)
	if err != nil {
		return nil, fmt.Errorf("create contest: %w", err)
	}

	a.logger.Info().
		Int64("contest_id", c.ID).
		Int64("pro_bot", proBotID).
		Int64("con_bot", conBotID).
		Str("preset_id", p.ID).
		Int64("stake", stake).
		Msg("Contest created")
	return c, nil
}

// Start claims the contest and launches its driver goroutine.
func (a *Arena) Start(ctx context.Context, c *store.Contest) error {
	won, err := a.cfg.Owner.Claim(ctx, c.ID)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("contest %d already owned", c.ID)
	}

	if err := a.cfg.Store.MarkContestStarted(ctx, c.ID); err != nil {
		a.cfg.Owner.Release(ctx, c.ID)
		return fmt.Errorf("mark started: %w", err)
	}

	a.launch(c, 0, false)
	return nil
}

// Recover resumes an adopted contest. The caller already holds the
// lease. Returns false when the contest is terminal and has nothing
// left to drive.
func (a *Arena) Recover(ctx context.Context, contestID int64) (bool, error) {
	c, err := a.cfg.Store.GetContest(ctx, contestID)
	if err != nil {
		return false, err
	}
	if c.Status != store.StatusInProgress && c.Status != store.StatusVoting {
		return false, nil
	}

	// Rounds with a persisted result are settled; resume at the first
	// round without one. The resumed round is replayed from its start,
	// and already-recorded votes for it still count.
	results, err := a.cfg.Store.ListRoundResults(ctx, contestID)
	if err != nil {
		return false, err
	}
	resumeFrom := len(results)
	if resumeFrom >= len(c.Preset.Rounds) {
		// Every round settled; only finalization was lost.
		a.launchFinalize(c)
		return true, nil
	}

	a.publish(c.ID, protocol.EventResumed, map[string]any{
		"roundIndex": resumeFrom,
	})
	a.logger.Info().
		Int64("contest_id", c.ID).
		Int("resume_round", resumeFrom).
		Msg("Contest resumed")

	a.launch(c, resumeFrom, true)
	return true, nil
}

func (a *Arena) launch(c *store.Contest, resumeFrom int, resumed bool) {
	runCtx, cancel := context.WithCancel(a.ctx)
	a.mu.Lock()
	a.active[c.ID] = &running{roundIndex: resumeFrom, roundStatus: store.RoundPending, cancel: cancel}
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer logging.RecoverPanic(a.logger, "arena.run")
		a.run(runCtx, c, resumeFrom, resumed)
	}()
}

func (a *Arena) launchFinalize(c *store.Contest) {
	runCtx, cancel := context.WithCancel(a.ctx)
	a.mu.Lock()
	a.active[c.ID] = &running{roundIndex: len(c.Preset.Rounds), roundStatus: store.RoundCompleted, cancel: cancel}
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer logging.RecoverPanic(a.logger, "arena.finalize")
		defer cancel()
		a.finalize(runCtx, c)
	}()
}

// Cancel aborts a contest this instance is driving. The driver
// goroutine is stopped first so it cannot race the terminal write;
// whatever round it was in is abandoned where it stood.
func (a *Arena) Cancel(ctx context.Context, contestID int64, reason string) error {
	a.mu.Lock()
	r, ok := a.active[contestID]
	a.mu.Unlock()
	if ok {
		r.cancel()
	}

	c, err := a.cfg.Store.GetContest(ctx, contestID)
	if err != nil {
		return err
	}
	if c.Status == store.StatusCompleted || c.Status == store.StatusCancelled {
		return fmt.Errorf("contest %d already %s", contestID, c.Status)
	}

	a.cancelContest(ctx, c, reason)
	return nil
}

// SubmitVote records one spectator's vote for the round currently in
// its voting window. Returns false for a duplicate (first vote stands).
func (a *Arena) SubmitVote(ctx context.Context, contestID int64, roundIndex int, voterID string, choice protocol.Position) (bool, error) {
	if !choice.Valid() {
		return false, fmt.Errorf("invalid choice %q", choice)
	}

	a.mu.Lock()
	r, local := a.active[contestID]
	open := local && r.roundIndex == roundIndex && r.roundStatus == store.RoundVoting
	a.mu.Unlock()

	if !open {
		if local {
			metrics.VotesRejected.Inc()
			return false, ErrVoteClosed
		}
		// Contest driven on a peer instance: gate against the shared row.
		c, err := a.cfg.Store.GetContest(ctx, contestID)
		if err != nil {
			metrics.VotesRejected.Inc()
			return false, ErrVoteClosed
		}
		if c.Status != store.StatusVoting || c.CurrentRound != roundIndex || c.RoundStatus != store.RoundVoting {
			metrics.VotesRejected.Inc()
			return false, ErrVoteClosed
		}
	}

	accepted, err := a.cfg.Store.InsertVote(ctx, contestID, roundIndex, voterID, choice)
	if err != nil {
		return false, err
	}
	if accepted {
		metrics.VotesAccepted.Inc()
	} else {
		metrics.VotesRejected.Inc()
	}
	return accepted, nil
}

// run drives a contest from resumeFrom to completion.
func (a *Arena) run(ctx context.Context, c *store.Contest, resumeFrom int, resumed bool) {
	defer func() {
		a.mu.Lock()
		delete(a.active, c.ID)
		a.mu.Unlock()
	}()

	topic, err := a.cfg.Store.GetTopic(ctx, c.TopicID)
	if err != nil {
		a.logger.Error().Err(err).Int64("contest_id", c.ID).Msg("Topic load failed, cancelling")
		a.cancelContest(ctx, c, "topic unavailable")
		return
	}

	pro, err := a.cfg.Store.GetBot(ctx, c.ProBotID)
	if err != nil {
		a.cancelContest(ctx, c, "pro bot record unavailable")
		return
	}
	con, err := a.cfg.Store.GetBot(ctx, c.ConBotID)
	if err != nil {
		a.cancelContest(ctx, c, "con bot record unavailable")
		return
	}

	if !resumed {
		a.publish(c.ID, protocol.EventDebateStarted, map[string]any{
			"topic":    topic.Text,
			"presetId": c.PresetID,
			"rounds":   len(c.Preset.Rounds),
			"stake":    c.Stake,
			"pro":      map[string]any{"botId": pro.ID, "name": pro.Name, "rating": pro.Rating},
			"con":      map[string]any{"botId": con.ID, "name": con.Name, "rating": con.Rating},
		})
		if !a.sleep(ctx, time.Duration(c.Preset.PrepTime)*a.tick) {
			return
		}
	}

	// Transcript so far, rehydrated on recovery so prompts include
	// pre-crash messages.
	transcript, err := a.cfg.Store.ListMessages(ctx, c.ID)
	if err != nil {
		a.logger.Error().Err(err).Int64("contest_id", c.ID).Msg("Transcript load failed")
		transcript = nil
	}

	for i := resumeFrom; i < len(c.Preset.Rounds); i++ {
		var done bool
		transcript, done = a.runRound(ctx, c, topic, i, transcript)
		if !done {
			// Interrupted; leave the contest in place for adoption.
			return
		}
	}

	a.finalize(ctx, c)
}

// runRound executes one round: exchanges, voting window, tally, result.
// Returns the grown transcript and whether the round ran to completion.
func (a *Arena) runRound(ctx context.Context, c *store.Contest, topic *store.Topic, roundIndex int, transcript []*store.Message) ([]*store.Message, bool) {
	round := c.Preset.Rounds[roundIndex]

	if err := a.cfg.Store.SetContestRound(ctx, c.ID, roundIndex, store.RoundBotResponding); err != nil {
		a.logger.Error().Err(err).Int64("contest_id", c.ID).Msg("Round transition failed")
		return transcript, false
	}
	a.setRoundState(c.ID, roundIndex, store.RoundBotResponding)

	a.publish(c.ID, protocol.EventRoundStarted, map[string]any{
		"roundIndex": roundIndex,
		"round":      round.Name,
		"speaker":    round.Speaker,
		"timeLimit":  round.TimeLimit,
	})

	for e := 0; e < round.ExchangeCount(); e++ {
		for _, pos := range speakerOrder(round.Speaker) {
			if ctx.Err() != nil {
				return transcript, false
			}
			msg := a.takeTurn(ctx, c, topic, round, roundIndex, pos, transcript)
			if msg == nil {
				return transcript, false
			}
			transcript = append(transcript, msg)
		}
	}

	if !a.voteWindow(ctx, c, roundIndex) {
		return transcript, false
	}

	pro, con, err := a.cfg.Store.CountVotes(ctx, c.ID, roundIndex)
	if err != nil {
		a.logger.Error().Err(err).Int64("contest_id", c.ID).Msg("Vote tally failed")
		return transcript, false
	}

	// Pro wins ties.
	winner := protocol.PositionPro
	if con > pro {
		winner = protocol.PositionCon
	}

	fresh, err := a.cfg.Store.InsertRoundResult(ctx, &store.RoundResult{
		ContestID: c.ID, RoundIndex: roundIndex, ProVotes: pro, ConVotes: con, Winner: winner,
	})
	if err != nil {
		a.logger.Error().Err(err).Int64("contest_id", c.ID).Msg("Round result write failed")
		return transcript, false
	}
	if !fresh {
		a.logger.Warn().
			Int64("contest_id", c.ID).
			Int("round_index", roundIndex).
			Msg("Round result already recorded, keeping original")
	}

	if err := a.cfg.Store.SetContestRound(ctx, c.ID, roundIndex, store.RoundCompleted); err != nil {
		return transcript, false
	}
	a.setRoundState(c.ID, roundIndex, store.RoundCompleted)

	proScore, conScore := a.scoreSoFar(ctx, c.ID)
	a.publish(c.ID, protocol.EventRoundEnded, map[string]any{
		"roundIndex": roundIndex,
		"proVotes":   pro,
		"conVotes":   con,
		"winner":     winner,
		"score":      map[string]int{"pro": proScore, "con": conScore},
	})
	return transcript, true
}

// takeTurn asks one bot for its turn and persists the message. A bot
// failure never stalls the contest; a placeholder message stands in.
func (a *Arena) takeTurn(ctx context.Context, c *store.Contest, topic *store.Topic, round preset.Round, roundIndex int, pos protocol.Position, transcript []*store.Message) *store.Message {
	botID := c.ProBotID
	if pos == protocol.PositionCon {
		botID = c.ConBotID
	}

	a.publish(c.ID, protocol.EventBotTyping, map[string]any{
		"roundIndex": roundIndex,
		"position":   pos,
		"botId":      botID,
	})

	timeout := time.Duration(round.TimeLimit) * a.tick
	req := protocol.DebateRequest{
		DebateID:            fmt.Sprintf("%d", c.ID),
		Round:               round.Name,
		RoundIndex:          roundIndex,
		Topic:               topic.Text,
		Position:            pos,
		OpponentLastMessage: lastMessageBy(transcript, pos.Opposite()),
		TimeLimitSeconds:    round.TimeLimit,
		WordLimit:           protocol.WordLimit{Min: round.WordLimit.Min, Max: round.WordLimit.Max},
		CharLimit:           protocol.CharLimit{Min: round.WordLimit.Min * 4, Max: round.WordLimit.Max * 7},
		MessagesSoFar:       projectTranscript(c.Preset, transcript),
	}

	content := ""
	reply, err := a.cfg.Bots.Request(ctx, botID, req, timeout)
	switch {
	case err == nil:
		content = reply.Message
	case errors.Is(err, hub.ErrTimeout):
		content = fmt.Sprintf("[Bot failed to respond: Bot timed out after %dms]", timeout.Milliseconds())
	case errors.Is(err, hub.ErrNotConnected):
		content = "[Bot failed to respond: Bot is not connected]"
	case errors.Is(err, hub.ErrInvalidReply):
		content = "[Bot failed to respond: Bot sent an invalid response]"
	case ctx.Err() != nil:
		return nil
	default:
		a.logger.Error().Err(err).Int64("bot_id", botID).Msg("Bot request failed")
		content = "[Bot failed to respond: transport error]"
	}

	msg := &store.Message{
		ContestID:  c.ID,
		RoundIndex: roundIndex,
		Position:   pos,
		BotID:      botID,
		Content:    content,
		CreatedAt:  time.Now(),
	}
	if err := a.cfg.Store.InsertMessage(ctx, msg); err != nil {
		a.logger.Error().Err(err).Int64("contest_id", c.ID).Msg("Message write failed")
		return nil
	}

	a.publish(c.ID, protocol.EventBotMessage, map[string]any{
		"round":      round.Name,
		"roundIndex": roundIndex,
		"position":   pos,
		"botId":      botID,
		"content":    content,
		"isComplete": true,
	})
	return msg
}

// voteWindow opens voting for the round and streams tally updates once
// per tick until the window closes.
func (a *Arena) voteWindow(ctx context.Context, c *store.Contest, roundIndex int) bool {
	if err := a.cfg.Store.SetContestRound(ctx, c.ID, roundIndex, store.RoundVoting); err != nil {
		return false
	}
	a.setRoundState(c.ID, roundIndex, store.RoundVoting)

	a.publish(c.ID, protocol.EventVotingStarted, map[string]any{
		"roundIndex": roundIndex,
		"timeLimit":  c.Preset.VoteWindow,
	})

	for i := 0; i < c.Preset.VoteWindow; i++ {
		if !a.sleep(ctx, a.tick) {
			return false
		}
		// Keeps a long window from looking stuck to peer sweeps.
		if err := a.cfg.Store.TouchHeartbeat(ctx, c.ID); err != nil {
			a.logger.Warn().Err(err).Int64("contest_id", c.ID).Msg("Heartbeat write failed")
		}
		pro, con, err := a.cfg.Store.CountVotes(ctx, c.ID, roundIndex)
		if err != nil {
			continue
		}
		a.publish(c.ID, protocol.EventVoteUpdate, map[string]any{
			"roundIndex": roundIndex,
			"proVotes":   pro,
			"conVotes":   con,
		})
	}
	return ctx.Err() == nil
}

// finalize settles the contest: overall winner, ratings, stakes,
// terminal status, notifications.
func (a *Arena) finalize(ctx context.Context, c *store.Contest) {
	defer func() {
		a.mu.Lock()
		delete(a.active, c.ID)
		a.mu.Unlock()
	}()

	// A cancel that landed while the last round was finishing must win:
	// no ratings or payouts on a terminal row.
	cur, err := a.cfg.Store.GetContest(ctx, c.ID)
	if err != nil {
		a.logger.Error().Err(err).Int64("contest_id", c.ID).Msg("Finalize reload failed")
		return
	}
	if cur.Status == store.StatusCompleted || cur.Status == store.StatusCancelled {
		return
	}

	results, err := a.cfg.Store.ListRoundResults(ctx, c.ID)
	if err != nil {
		a.logger.Error().Err(err).Int64("contest_id", c.ID).Msg("Finalize tally failed")
		return
	}

	proRounds, conRounds := 0, 0
	for _, r := range results {
		if r.Winner == protocol.PositionPro {
			proRounds++
		} else {
			conRounds++
		}
	}
	winner := protocol.PositionPro
	if conRounds > proRounds {
		winner = protocol.PositionCon
	}

	winnerID, loserID := c.ProBotID, c.ConBotID
	if winner == protocol.PositionCon {
		winnerID, loserID = c.ConBotID, c.ProBotID
	}

	winnerBot, err := a.cfg.Store.GetBot(ctx, winnerID)
	if err != nil {
		a.logger.Error().Err(err).Int64("contest_id", c.ID).Msg("Winner load failed")
		return
	}
	loserBot, err := a.cfg.Store.GetBot(ctx, loserID)
	if err != nil {
		a.logger.Error().Err(err).Int64("contest_id", c.ID).Msg("Loser load failed")
		return
	}

	deltas := a.cfg.Rating.MatchDeltas(winnerBot.Rating, loserBot.Rating)
	if err := a.cfg.Store.ApplyMatchResult(ctx, winnerID, deltas.Winner, loserID, deltas.Loser); err != nil {
		a.logger.Error().Err(err).Int64("contest_id", c.ID).Msg("Rating update failed")
		return
	}

	payouts := map[int64]int64{}
	if a.cfg.SettleStakes != nil {
		paid, err := a.cfg.SettleStakes(ctx, c, winner)
		if err != nil {
			// Logged, not fatal: the contest result stands and settlement
			// is reconciled out of band.
			a.logger.Error().Err(err).Int64("contest_id", c.ID).Msg("Stake settlement failed")
		} else if paid != nil {
			payouts = paid
		}
	}
	pot := int64(0)
	for _, amount := range payouts {
		pot += amount
	}

	if err := a.cfg.Store.CompleteContest(ctx, c.ID, winner); err != nil {
		a.logger.Error().Err(err).Int64("contest_id", c.ID).Msg("Complete write failed")
		return
	}
	metrics.ContestsCompleted.Inc()

	winnerGain := deltas.Winner - winnerBot.Rating
	loserLoss := deltas.Loser - loserBot.Rating
	a.publish(c.ID, protocol.EventDebateEnded, map[string]any{
		"winner":  winner,
		"pot":     pot,
		"payouts": payouts,
		"score":   map[string]int{"pro": proRounds, "con": conRounds},
		"ratings": map[string]any{
			"winner": map[string]int{"botId": int(winnerID), "rating": deltas.Winner, "change": winnerGain},
			"loser":  map[string]int{"botId": int(loserID), "rating": deltas.Loser, "change": loserLoss},
		},
	})

	wonTrue, wonFalse := true, false
	a.notifyComplete(ctx, winnerID, c.ID, &wonTrue, winnerGain)
	a.notifyComplete(ctx, loserID, c.ID, &wonFalse, loserLoss)

	a.cfg.Owner.Release(ctx, c.ID)

	a.logger.Info().
		Int64("contest_id", c.ID).
		Str("winner", string(winner)).
		Int("pro_rounds", proRounds).
		Int("con_rounds", conRounds).
		Msg("Contest completed")
}

func (a *Arena) notifyComplete(ctx context.Context, botID, contestID int64, won *bool, change int) {
	err := a.cfg.Bots.Notify(ctx, botID, protocol.DebateComplete{
		Type:      protocol.TypeDebateComplete,
		DebateID:  fmt.Sprintf("%d", contestID),
		Won:       won,
		EloChange: change,
	})
	if err != nil && !errors.Is(err, hub.ErrNotConnected) {
		a.logger.Warn().Err(err).Int64("bot_id", botID).Msg("Completion notify failed")
	}
}

// cancelContest aborts a contest that cannot proceed.
func (a *Arena) cancelContest(ctx context.Context, c *store.Contest, reason string) {
	a.mu.Lock()
	delete(a.active, c.ID)
	a.mu.Unlock()

	if err := a.cfg.Store.CancelContest(ctx, c.ID); err != nil {
		a.logger.Error().Err(err).Int64("contest_id", c.ID).Msg("Cancel write failed")
	}
	a.publish(c.ID, protocol.EventError, protocol.NewError(protocol.CodeDebateCancelled, reason))
	a.cfg.Owner.Release(ctx, c.ID)

	a.logger.Warn().
		Int64("contest_id", c.ID).
		Str("reason", reason).
		Msg("Contest cancelled")
}

func (a *Arena) scoreSoFar(ctx context.Context, contestID int64) (pro, con int) {
	results, err := a.cfg.Store.ListRoundResults(ctx, contestID)
	if err != nil {
		return 0, 0
	}
	for _, r := range results {
		if r.Winner == protocol.PositionPro {
			pro++
		} else {
			con++
		}
	}
	return pro, con
}

func (a *Arena) setRoundState(contestID int64, roundIndex int, status store.RoundStatus) {
	a.mu.Lock()
	if r, ok := a.active[contestID]; ok {
		r.roundIndex = roundIndex
		r.roundStatus = status
	}
	a.mu.Unlock()
}

func (a *Arena) publish(contestID int64, eventType string, payload any) {
	a.cfg.Events.Publish(protocol.SpectatorEvent{
		DebateID: fmt.Sprintf("%d", contestID),
		Type:     eventType,
		Payload:  payload,
	})
}

// sleep waits d, returning false if the context ended first.
func (a *Arena) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// speakerOrder expands a round's speaker setting into turn order. Pro
// always speaks first when both sides take the floor.
func speakerOrder(s preset.Speaker) []protocol.Position {
	switch s {
	case preset.SpeakerPro:
		return []protocol.Position{protocol.PositionPro}
	case preset.SpeakerCon:
		return []protocol.Position{protocol.PositionCon}
	default:
		return []protocol.Position{protocol.PositionPro, protocol.PositionCon}
	}
}

func lastMessageBy(transcript []*store.Message, pos protocol.Position) *string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Position == pos {
			content := transcript[i].Content
			return &content
		}
	}
	return nil
}

func projectTranscript(p preset.Preset, transcript []*store.Message) []protocol.PriorMessage {
	out := make([]protocol.PriorMessage, 0, len(transcript))
	for _, m := range transcript {
		name := ""
		if m.RoundIndex >= 0 && m.RoundIndex < len(p.Rounds) {
			name = p.Rounds[m.RoundIndex].Name
		}
		out = append(out, protocol.PriorMessage{
			Round:    name,
			Position: m.Position,
			Content:  m.Content,
		})
	}
	return out
}
