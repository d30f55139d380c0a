// Package broadcast fans contest events out to spectators. Events from
// locally driven contests are delivered to local watchers and published
// on the contest's bus channel so instances watching the same contest
// relay them to their own spectators.
package broadcast

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nibty/agonai-sub001/internal/bus"
	"github.com/nibty/agonai-sub001/internal/metrics"
	"github.com/nibty/agonai-sub001/internal/protocol"
)

// Sink is one spectator's outbound queue. Send must not block; it
// returns false when the spectator cannot keep up.
type Sink interface {
	Send(data []byte) bool
}

// Config wires a Broadcaster.
type Config struct {
	InstanceID string
	Bus        bus.Bus
	Workers    int
	QueueSize  int
	Logger     zerolog.Logger

	// OnCount is called with the new local watcher count after each join
	// and leave. Used to persist spectator counts.
	OnCount func(contestID int64, count int)
}

// busEnvelope wraps events on the wire so an instance can skip its own
// publications.
type busEnvelope struct {
	Source string                  `json:"source"`
	Event  protocol.SpectatorEvent `json:"event"`
}

// Broadcaster tracks which contests have local watchers and relays
// events both ways.
type Broadcaster struct {
	cfg    Config
	logger zerolog.Logger
	pool   *Pool

	mu       sync.Mutex
	watchers map[int64]map[Sink]struct{}
	subs     map[int64]bus.Subscription
	total    int

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a broadcaster; Start launches its worker pool.
func New(cfg Config) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger.With().Str("component", "broadcast").Logger()
	return &Broadcaster{
		cfg:      cfg,
		logger:   logger,
		pool:     NewPool(cfg.Workers, cfg.QueueSize, logger),
		watchers: make(map[int64]map[Sink]struct{}),
		subs:     make(map[int64]bus.Subscription),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the fan-out workers.
func (b *Broadcaster) Start() {
	b.pool.Start(b.ctx)
}

// Stop tears down subscriptions and waits for the workers.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	for id, sub := range b.subs {
		sub.Unsubscribe()
		delete(b.subs, id)
	}
	b.mu.Unlock()

	b.cancel()
	b.pool.Stop()
}

// Join registers a spectator for a contest and returns the new local
// watcher count. The first watcher of a contest opens the bus
// subscription that carries events driven on other instances.
func (b *Broadcaster) Join(contestID int64, s Sink) int {
	b.mu.Lock()
	set := b.watchers[contestID]
	if set == nil {
		set = make(map[Sink]struct{})
		b.watchers[contestID] = set
	}
	set[s] = struct{}{}
	count := len(set)
	b.total++
	needSub := b.subs[contestID] == nil
	b.mu.Unlock()

	metrics.SpectatorsConnected.Set(float64(b.totalWatchers()))

	if needSub {
		sub, err := b.cfg.Bus.Subscribe(bus.ContestChannel(contestID), b.handleBusFrame)
		if err != nil {
			b.logger.Error().Err(err).Int64("contest_id", contestID).Msg("Contest channel subscribe failed")
		} else {
			b.mu.Lock()
			if b.subs[contestID] == nil {
				b.subs[contestID] = sub
			} else {
				sub.Unsubscribe()
			}
			b.mu.Unlock()
		}
	}

	if b.cfg.OnCount != nil {
		b.cfg.OnCount(contestID, count)
	}
	b.Publish(countEvent(contestID, count))
	return count
}

// Leave removes a spectator, closing the bus subscription with the last
// local watcher.
func (b *Broadcaster) Leave(contestID int64, s Sink) int {
	b.mu.Lock()
	set := b.watchers[contestID]
	if set == nil {
		b.mu.Unlock()
		return 0
	}
	if _, ok := set[s]; !ok {
		b.mu.Unlock()
		return len(set)
	}
	delete(set, s)
	b.total--
	count := len(set)
	var sub bus.Subscription
	if count == 0 {
		delete(b.watchers, contestID)
		sub = b.subs[contestID]
		delete(b.subs, contestID)
	}
	b.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	metrics.SpectatorsConnected.Set(float64(b.totalWatchers()))

	if b.cfg.OnCount != nil {
		b.cfg.OnCount(contestID, count)
	}
	if count > 0 {
		b.Publish(countEvent(contestID, count))
	}
	return count
}

// Publish delivers an event to local watchers and relays it over the
// bus for instances watching remotely. This is the arena's event sink.
func (b *Broadcaster) Publish(ev protocol.SpectatorEvent) {
	b.deliverLocal(ev)

	contestID, err := strconv.ParseInt(ev.DebateID, 10, 64)
	if err != nil {
		b.logger.Warn().Str("debate_id", ev.DebateID).Msg("Event with non-numeric debate id dropped")
		return
	}
	frame, err := json.Marshal(busEnvelope{Source: b.cfg.InstanceID, Event: ev})
	if err != nil {
		b.logger.Error().Err(err).Msg("Event marshal failed")
		return
	}
	if err := b.cfg.Bus.Publish(bus.ContestChannel(contestID), frame); err != nil {
		b.logger.Error().Err(err).Int64("contest_id", contestID).Msg("Event publish failed")
	}
}

func (b *Broadcaster) handleBusFrame(data []byte) {
	var env busEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Warn().Err(err).Msg("Malformed contest event dropped")
		return
	}
	if env.Source == b.cfg.InstanceID {
		// Our own publication echoed back.
		return
	}
	b.deliverLocal(env.Event)
}

func (b *Broadcaster) deliverLocal(ev protocol.SpectatorEvent) {
	contestID, err := strconv.ParseInt(ev.DebateID, 10, 64)
	if err != nil {
		return
	}

	b.mu.Lock()
	set := b.watchers[contestID]
	sinks := make([]Sink, 0, len(set))
	for s := range set {
		sinks = append(sinks, s)
	}
	b.mu.Unlock()
	if len(sinks) == 0 {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error().Err(err).Msg("Event marshal failed")
		return
	}

	b.pool.Submit(func() {
		for _, s := range sinks {
			if s.Send(data) {
				metrics.Broadcasts.Inc()
			} else {
				metrics.DroppedBroadcasts.Inc()
			}
		}
	})
}

func (b *Broadcaster) totalWatchers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func countEvent(contestID int64, count int) protocol.SpectatorEvent {
	return protocol.SpectatorEvent{
		DebateID: strconv.FormatInt(contestID, 10),
		Type:     protocol.EventSpectatorCount,
		Payload:  map[string]int{"count": count},
	}
}
