// Package hub owns the persistent bot connections on one instance and
// routes debate requests to bots wherever they are attached. A bot is
// attached to exactly one instance; requests for bots attached elsewhere
// are forwarded over the bus and completed via an ephemeral response
// channel.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nibty/agonai-sub001/internal/bus"
	"github.com/nibty/agonai-sub001/internal/kv"
	"github.com/nibty/agonai-sub001/internal/logging"
	"github.com/nibty/agonai-sub001/internal/metrics"
	"github.com/nibty/agonai-sub001/internal/protocol"
	"github.com/nibty/agonai-sub001/internal/store"
)

const (
	// Time allowed to write a frame to the peer before the connection is
	// considered dead.
	writeWait = 5 * time.Second

	// Per-connection inbound rate limit: 100 burst, 10/sec sustained.
	inboundBurst  = 100
	inboundPerSec = 10

	// Outbound buffer per bot. Debate traffic is low-volume; a full
	// buffer means the bot stopped reading.
	sendBufferSize = 64
)

var (
	// ErrNotConnected is returned when the target bot has no live
	// attachment on any instance.
	ErrNotConnected = errors.New("bot not connected")

	// ErrTimeout is returned when a bot fails to answer within the
	// request deadline.
	ErrTimeout = errors.New("bot response timeout")

	// ErrInvalidReply is returned when a bot answers a request with an
	// envelope that fails reply validation. The request resolves
	// immediately; it does not wait out its deadline.
	ErrInvalidReply = errors.New("bot reply failed validation")
)

// Reply is a bot's answer to one debate request.
type Reply struct {
	Message    string
	Confidence *float64
}

// pendingResult completes one pending request: a valid reply, or the
// error an invalid reply resolved it with.
type pendingResult struct {
	reply Reply
	err   error
}

// Config wires a hub.
type Config struct {
	InstanceID    string
	KV            kv.Store
	Bus           bus.Bus
	Heartbeat     time.Duration
	AttachmentTTL time.Duration
	Logger        zerolog.Logger

	// OnQueueJoin is invoked when an attached bot asks to be matched.
	OnQueueJoin func(bot *store.Bot, presetID string, stake int64)

	// OnDetach is invoked after a bot's connection is torn down, before
	// its attachment record is deleted. Used to drop queue entries.
	OnDetach func(botID int64)
}

type botConn struct {
	bot       *store.Bot
	conn      net.Conn
	send      chan []byte
	limiter   *rate.Limiter
	closeOnce sync.Once
	lastPong  int64 // unix nanos, atomic
}

func (c *botConn) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// Hub tracks locally attached bots and pending request/reply exchanges.
type Hub struct {
	cfg    Config
	logger zerolog.Logger

	mu   sync.RWMutex
	bots map[int64]*botConn

	pendingMu sync.Mutex
	pending   map[string]chan pendingResult

	reqCounter atomic.Int64

	instanceSub bus.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a hub. Start must be called before attaching bots.
func New(cfg Config) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "hub").Logger(),
		bots:    make(map[int64]*botConn),
		pending: make(map[string]chan pendingResult),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to this instance's bus channel and starts the
// heartbeat loop.
func (h *Hub) Start() error {
	sub, err := h.cfg.Bus.Subscribe(bus.InstanceChannel(h.cfg.InstanceID), h.handleBusFrame)
	if err != nil {
		return fmt.Errorf("subscribe instance channel: %w", err)
	}
	h.instanceSub = sub

	h.wg.Add(1)
	go h.heartbeatLoop()
	return nil
}

// Shutdown closes every bot connection with a going-away frame, deletes
// their attachment records, and stops background loops.
func (h *Hub) Shutdown(ctx context.Context) {
	h.cancel()
	if h.instanceSub != nil {
		h.instanceSub.Unsubscribe()
	}

	h.mu.Lock()
	conns := make([]*botConn, 0, len(h.bots))
	for _, c := range h.bots {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.writeClose(c, ws.StatusGoingAway, "server shutting down")
		h.detach(ctx, c, "shutdown")
	}
	h.wg.Wait()
}

// Connected reports whether the bot is attached to this instance. Used
// as the matchmaker liveness predicate.
func (h *Hub) Connected(botID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.bots[botID]
	return ok
}

// Attach takes ownership of a freshly upgraded connection. An existing
// attachment for the same bot is replaced: the old socket is closed with
// a dedicated code so the bot can tell replacement from network failure.
func (h *Hub) Attach(ctx context.Context, conn net.Conn, bot *store.Bot) {
	c := &botConn{
		bot:      bot,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		limiter:  rate.NewLimiter(rate.Limit(inboundPerSec), inboundBurst),
		lastPong: time.Now().UnixNano(),
	}

	h.mu.Lock()
	if prev, ok := h.bots[bot.ID]; ok {
		h.writeClose(prev, ws.StatusCode(protocol.CloseReplaced), "replaced by new connection")
		prev.close()
	}
	h.bots[bot.ID] = c
	total := len(h.bots)
	h.mu.Unlock()

	metrics.BotsConnected.Set(float64(total))

	// Advertise the attachment so peers can route requests here. Attach
	// overwrites any stale record left by a previous instance.
	h.writeAttachment(ctx, bot.ID)

	h.logger.Info().
		Int64("bot_id", bot.ID).
		Str("bot_name", bot.Name).
		Msg("Bot attached")

	h.enqueue(c, protocol.NewConnected(bot.ID, bot.Name))

	h.wg.Add(2)
	go h.writePump(c)
	go h.readPump(c)
}

// writeAttachment claims or refreshes the bot's attachment record.
func (h *Hub) writeAttachment(ctx context.Context, botID int64) {
	key := kv.AttachmentKey(botID)
	if ok, err := h.cfg.KV.Refresh(ctx, key, h.cfg.InstanceID, h.cfg.AttachmentTTL); err != nil {
		h.logger.Error().Err(err).Int64("bot_id", botID).Msg("Attachment refresh failed")
		return
	} else if ok {
		return
	}
	// Not ours (or absent). A record held by a dead peer expires on its
	// own; SetIfAbsent wins the key once it does.
	if _, err := h.cfg.KV.SetIfAbsent(ctx, key, h.cfg.InstanceID, h.cfg.AttachmentTTL); err != nil {
		h.logger.Error().Err(err).Int64("bot_id", botID).Msg("Attachment write failed")
	}
}

// Request sends a debate request to the bot and waits for its reply.
// The request id is assigned here; local and cross-instance paths share
// the same pending-reply bookkeeping.
func (h *Hub) Request(ctx context.Context, botID int64, req protocol.DebateRequest, timeout time.Duration) (Reply, error) {
	req.Type = protocol.TypeDebateRequest
	req.RequestID = h.nextRequestID(botID)

	start := time.Now()
	reply, err := h.dispatch(ctx, botID, req, timeout)
	metrics.BotRequestDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.BotRequests.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrTimeout):
		metrics.BotRequests.WithLabelValues("timeout").Inc()
	case errors.Is(err, ErrNotConnected):
		metrics.BotRequests.WithLabelValues("not_connected").Inc()
	case errors.Is(err, ErrInvalidReply):
		metrics.BotRequests.WithLabelValues("validation").Inc()
	default:
		metrics.BotRequests.WithLabelValues("transport").Inc()
	}
	return reply, err
}

func (h *Hub) dispatch(ctx context.Context, botID int64, req protocol.DebateRequest, timeout time.Duration) (Reply, error) {
	if h.Connected(botID) {
		return h.requestLocal(ctx, botID, req, timeout)
	}

	peer, ok, err := h.cfg.KV.Get(ctx, kv.AttachmentKey(botID))
	if err != nil {
		return Reply{}, fmt.Errorf("lookup attachment: %w", err)
	}
	if !ok || peer == h.cfg.InstanceID {
		// No record, or a stale record pointing at us after a local
		// disconnect. Either way the bot is unreachable.
		return Reply{}, ErrNotConnected
	}
	return h.requestRemote(ctx, peer, botID, req, timeout)
}

// requestLocal performs the round-trip with a bot on this instance.
func (h *Hub) requestLocal(ctx context.Context, botID int64, req protocol.DebateRequest, timeout time.Duration) (Reply, error) {
	h.mu.RLock()
	c, ok := h.bots[botID]
	h.mu.RUnlock()
	if !ok {
		return Reply{}, ErrNotConnected
	}

	ch := make(chan pendingResult, 1)
	h.pendingMu.Lock()
	h.pending[req.RequestID] = ch
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, req.RequestID)
		h.pendingMu.Unlock()
	}()

	if !h.enqueue(c, req) {
		return Reply{}, fmt.Errorf("bot %d send buffer full", botID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.reply, res.err
	case <-timer.C:
		return Reply{}, ErrTimeout
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// requestRemote forwards the request to the peer holding the bot. The
// response subscription is established before publishing so the reply
// cannot race past us.
func (h *Hub) requestRemote(ctx context.Context, peer string, botID int64, req protocol.DebateRequest, timeout time.Duration) (Reply, error) {
	ch := make(chan protocol.BusBotReply, 1)
	sub, err := h.cfg.Bus.Subscribe(bus.ResponseChannel(req.RequestID), func(data []byte) {
		var reply protocol.BusBotReply
		if err := json.Unmarshal(data, &reply); err != nil {
			h.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("Malformed bus reply dropped")
			return
		}
		select {
		case ch <- reply:
		default:
		}
	})
	if err != nil {
		return Reply{}, fmt.Errorf("subscribe response channel: %w", err)
	}
	defer sub.Unsubscribe()

	frame, err := json.Marshal(protocol.BusBotRequest{
		Kind:           protocol.BusKindRequest,
		RequestID:      req.RequestID,
		BotID:          botID,
		TimeoutMS:      timeout.Milliseconds(),
		SourceInstance: h.cfg.InstanceID,
		Request:        req,
	})
	if err != nil {
		return Reply{}, err
	}
	if err := h.cfg.Bus.Publish(bus.InstanceChannel(peer), frame); err != nil {
		return Reply{}, fmt.Errorf("publish to peer %s: %w", peer, err)
	}
	metrics.CrossInstanceRequests.Inc()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if !reply.OK {
			if reply.Error == ErrNotConnected.Error() {
				return Reply{}, ErrNotConnected
			}
			if reply.Error == ErrTimeout.Error() {
				return Reply{}, ErrTimeout
			}
			if reply.Error == ErrInvalidReply.Error() {
				return Reply{}, ErrInvalidReply
			}
			return Reply{}, errors.New(reply.Error)
		}
		return Reply{Message: reply.Message, Confidence: reply.Confidence}, nil
	case <-timer.C:
		return Reply{}, ErrTimeout
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Notify sends a fire-and-forget envelope to a bot, forwarding over the
// bus when it is attached elsewhere. Errors are best-effort: a bot that
// misses a notification learns the outcome on its next request.
func (h *Hub) Notify(ctx context.Context, botID int64, envelope any) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	h.mu.RLock()
	c, ok := h.bots[botID]
	h.mu.RUnlock()
	if ok {
		if !h.enqueue(c, json.RawMessage(data)) {
			return fmt.Errorf("bot %d send buffer full", botID)
		}
		return nil
	}

	peer, found, err := h.cfg.KV.Get(ctx, kv.AttachmentKey(botID))
	if err != nil {
		return err
	}
	if !found || peer == h.cfg.InstanceID {
		return ErrNotConnected
	}

	frame, err := json.Marshal(protocol.BusBotRequest{
		Kind:           protocol.BusKindNotify,
		BotID:          botID,
		SourceInstance: h.cfg.InstanceID,
		Notify:         data,
	})
	if err != nil {
		return err
	}
	return h.cfg.Bus.Publish(bus.InstanceChannel(peer), frame)
}

// handleBusFrame services this instance's channel: requests and
// notifications forwarded by peers for bots attached here.
func (h *Hub) handleBusFrame(data []byte) {
	var frame protocol.BusBotRequest
	if err := json.Unmarshal(data, &frame); err != nil {
		h.logger.Warn().Err(err).Msg("Malformed bus frame dropped")
		return
	}

	switch frame.Kind {
	case protocol.BusKindNotify:
		h.mu.RLock()
		c, ok := h.bots[frame.BotID]
		h.mu.RUnlock()
		if ok {
			h.enqueue(c, json.RawMessage(frame.Notify))
		}

	case protocol.BusKindRequest:
		// Handlers must not block; run the round-trip on its own goroutine
		// and publish the outcome whatever it is, so the source instance
		// never waits out its full timeout on a dead bot.
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			defer logging.RecoverPanic(h.logger, "hub.forwardedRequest")
			h.serveForwardedRequest(frame)
		}()

	default:
		h.logger.Warn().Str("kind", frame.Kind).Msg("Unknown bus frame kind dropped")
	}
}

func (h *Hub) serveForwardedRequest(frame protocol.BusBotRequest) {
	timeout := time.Duration(frame.TimeoutMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(h.ctx, timeout+time.Second)
	defer cancel()

	out := protocol.BusBotReply{RequestID: frame.RequestID}

	if !h.Connected(frame.BotID) {
		out.Error = ErrNotConnected.Error()
	} else if reply, err := h.requestLocal(ctx, frame.BotID, frame.Request, timeout); err != nil {
		out.Error = err.Error()
	} else {
		out.OK = true
		out.Message = reply.Message
		out.Confidence = reply.Confidence
	}

	data, err := json.Marshal(out)
	if err != nil {
		return
	}
	if err := h.cfg.Bus.Publish(bus.ResponseChannel(frame.RequestID), data); err != nil {
		h.logger.Error().
			Err(err).
			Str("request_id", frame.RequestID).
			Str("source", frame.SourceInstance).
			Msg("Failed to publish forwarded reply")
	}
}

// completePending resolves the pending entry for requestID, reporting
// whether a request was still waiting.
func (h *Hub) completePending(requestID string, res pendingResult) bool {
	h.pendingMu.Lock()
	ch, ok := h.pending[requestID]
	h.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- res:
	default:
	}
	return true
}

// enqueue queues an envelope for the write pump without blocking.
func (h *Hub) enqueue(c *botConn, envelope any) bool {
	data, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Error().Err(err).Int64("bot_id", c.bot.ID).Msg("Failed to marshal envelope")
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (h *Hub) readPump(c *botConn) {
	defer h.wg.Done()
	defer h.detach(context.Background(), c, "read_closed")
	defer logging.RecoverPanic(h.logger, "hub.readPump")

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}

		switch op {
		case ws.OpText:
			if !c.limiter.Allow() {
				h.logger.Warn().Int64("bot_id", c.bot.ID).Msg("Bot rate limited")
				h.enqueue(c, protocol.NewError("RATE_LIMIT_EXCEEDED",
					"too many messages, please slow down"))
				continue
			}
			h.handleInbound(c, msg)
		case ws.OpClose:
			return
		}
	}
}

func (h *Hub) handleInbound(c *botConn, data []byte) {
	in, err := protocol.ParseBotInbound(data)
	if err != nil {
		if errors.Is(err, protocol.ErrInvalidReply) && in.RequestID != "" {
			// An invalid reply still resolves its pending request; the
			// caller sees a validation failure instead of a timeout.
			h.completePending(in.RequestID, pendingResult{err: ErrInvalidReply})
			h.logger.Warn().
				Err(err).
				Int64("bot_id", c.bot.ID).
				Str("request_id", in.RequestID).
				Msg("Invalid bot reply")
			return
		}
		// Other malformed frames are dropped at the boundary; a bot stuck
		// in a request still times out normally.
		metrics.BotRequests.WithLabelValues("validation").Inc()
		h.logger.Warn().Err(err).Int64("bot_id", c.bot.ID).Msg("Invalid bot frame dropped")
		return
	}

	switch in.Type {
	case protocol.TypePong:
		atomic.StoreInt64(&c.lastPong, time.Now().UnixNano())

	case protocol.TypeDebateResponse:
		if !h.completePending(in.RequestID, pendingResult{reply: Reply{Message: in.Message, Confidence: in.Confidence}}) {
			// Late reply after timeout or a replayed request id.
			h.logger.Debug().
				Int64("bot_id", c.bot.ID).
				Str("request_id", in.RequestID).
				Msg("Reply with no pending request dropped")
		}

	case protocol.TypeQueueJoin:
		if h.cfg.OnQueueJoin != nil {
			stake := int64(0)
			if in.Stake != nil {
				stake = *in.Stake
			}
			h.cfg.OnQueueJoin(c.bot, in.PresetID, stake)
		}

	case protocol.TypeQueueLeave:
		if h.cfg.OnDetach != nil {
			h.cfg.OnDetach(c.bot.ID)
		}
	}
}

func (h *Hub) writePump(c *botConn) {
	defer h.wg.Done()
	defer c.close()
	defer logging.RecoverPanic(h.logger, "hub.writePump")

	for {
		select {
		case <-h.ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, data); err != nil {
				h.logger.Debug().
					Err(err).
					Int64("bot_id", c.bot.ID).
					Msg("Bot write failed")
				return
			}
		}
	}
}

// heartbeatLoop pings every attached bot, refreshes attachment records,
// and prunes connections whose last pong is older than the attachment
// TTL.
func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	defer logging.RecoverPanic(h.logger, "hub.heartbeatLoop")

	ticker := time.NewTicker(h.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.sweepHeartbeats()
		}
	}
}

func (h *Hub) sweepHeartbeats() {
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.Heartbeat)
	defer cancel()

	h.mu.RLock()
	conns := make([]*botConn, 0, len(h.bots))
	for _, c := range h.bots {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	cutoff := time.Now().Add(-h.cfg.AttachmentTTL).UnixNano()
	for _, c := range conns {
		if atomic.LoadInt64(&c.lastPong) < cutoff {
			h.logger.Warn().
				Int64("bot_id", c.bot.ID).
				Msg("Bot missed heartbeats, detaching")
			h.writeClose(c, ws.StatusGoingAway, "heartbeat timeout")
			h.detach(ctx, c, "heartbeat_timeout")
			continue
		}
		h.enqueue(c, protocol.NewPing())
		h.writeAttachment(ctx, c.bot.ID)
	}
}

// detach tears down one connection: closes the socket, removes the local
// registration, drops the queue entry, and deletes the attachment record
// so peers stop routing here. Safe to call from multiple paths; only the
// first removal does the cleanup.
func (h *Hub) detach(ctx context.Context, c *botConn, reason string) {
	c.close()

	h.mu.Lock()
	cur, ok := h.bots[c.bot.ID]
	if !ok || cur != c {
		// Already replaced or removed; the replacement owns the records.
		h.mu.Unlock()
		return
	}
	delete(h.bots, c.bot.ID)
	total := len(h.bots)
	h.mu.Unlock()

	metrics.BotsConnected.Set(float64(total))

	if h.cfg.OnDetach != nil {
		h.cfg.OnDetach(c.bot.ID)
	}

	if _, err := h.cfg.KV.CompareAndDelete(ctx, kv.AttachmentKey(c.bot.ID), h.cfg.InstanceID); err != nil {
		h.logger.Error().Err(err).Int64("bot_id", c.bot.ID).Msg("Attachment delete failed")
	}

	h.logger.Info().
		Int64("bot_id", c.bot.ID).
		Str("reason", reason).
		Msg("Bot detached")
}

func (h *Hub) writeClose(c *botConn, code ws.StatusCode, reason string) {
	if c.conn == nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	body := ws.NewCloseFrameBody(code, reason)
	ws.WriteFrame(c.conn, ws.NewCloseFrame(body))
}

// nextRequestID builds a globally unique request id. The instance id
// prefix keeps ids unique across replicas without coordination.
func (h *Hub) nextRequestID(botID int64) string {
	return fmt.Sprintf("%s-%d-%d-%d",
		h.cfg.InstanceID, botID, time.Now().UnixNano(), h.reqCounter.Add(1))
}
