// Package protocol defines the JSON envelopes exchanged with bots and
// spectators, plus the cross-instance BUS frames. Envelopes are tagged
// with a "type" discriminator; anything that fails strict validation is
// dropped at the boundary.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidReply marks a debate_response that decoded but failed
// shape validation. ParseBotInbound returns the partially decoded
// envelope alongside it so the caller can fail the matching pending
// request instead of letting it run out its deadline.
var ErrInvalidReply = errors.New("invalid reply")

// Position identifies a side of a contest.
type Position string

const (
	PositionPro Position = "pro"
	PositionCon Position = "con"
)

// Opposite returns the other side.
func (p Position) Opposite() Position {
	if p == PositionPro {
		return PositionCon
	}
	return PositionPro
}

// Valid reports whether p is one of the two known positions.
func (p Position) Valid() bool {
	return p == PositionPro || p == PositionCon
}

// Server → bot envelope types.
const (
	TypeConnected      = "connected"
	TypePing           = "ping"
	TypeDebateRequest  = "debate_request"
	TypeDebateComplete = "debate_complete"
	TypeError          = "error"
)

// Bot → server envelope types.
const (
	TypePong           = "pong"
	TypeDebateResponse = "debate_response"
	TypeQueueJoin      = "queue_join"
	TypeQueueLeave     = "queue_leave"
)

// Spectator event types.
const (
	EventDebateStarted  = "debate_started"
	EventRoundStarted   = "round_started"
	EventBotTyping      = "bot_typing"
	EventBotMessage     = "bot_message"
	EventVotingStarted  = "voting_started"
	EventVoteUpdate     = "vote_update"
	EventRoundEnded     = "round_ended"
	EventDebateEnded    = "debate_ended"
	EventSpectatorCount = "spectator_count"
	EventResumed        = "debate_resumed"
	EventError          = "error"
)

// Stable error codes surfaced in error envelopes.
const (
	CodeDebateCancelled = "DEBATE_CANCELLED"
	CodeDuplicateVote   = "DUPLICATE_VOTE"
	CodeInvalidVote     = "INVALID_VOTE"
)

// WebSocket close codes on the bot connect path.
const (
	CloseBadURL   = 4001
	CloseBadToken = 4002
	CloseReplaced = 4003
)

// WordLimit bounds a turn in words; CharLimit is its character projection.
type WordLimit struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

type CharLimit struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// PriorMessage is a transcript entry projected for bot prompts.
type PriorMessage struct {
	Round    string   `json:"round"`
	Position Position `json:"position"`
	Content  string   `json:"content"`
}

// Connected is the welcome envelope sent after a successful attach.
type Connected struct {
	Type    string `json:"type"`
	BotID   int64  `json:"botId"`
	BotName string `json:"botName"`
}

func NewConnected(botID int64, name string) Connected {
	return Connected{Type: TypeConnected, BotID: botID, BotName: name}
}

// Ping is the transport heartbeat envelope.
type Ping struct {
	Type string `json:"type"`
}

func NewPing() Ping { return Ping{Type: TypePing} }

// DebateRequest asks a bot for its next turn.
type DebateRequest struct {
	Type                string         `json:"type"`
	RequestID           string         `json:"requestId"`
	DebateID            string         `json:"debate_id"`
	Round               string         `json:"round"`
	RoundIndex          int            `json:"roundIndex"`
	Topic               string         `json:"topic"`
	Position            Position       `json:"position"`
	OpponentLastMessage *string        `json:"opponent_last_message"`
	TimeLimitSeconds    int            `json:"time_limit_seconds"`
	WordLimit           WordLimit      `json:"word_limit"`
	CharLimit           CharLimit      `json:"char_limit"`
	MessagesSoFar       []PriorMessage `json:"messages_so_far"`
}

// DebateComplete notifies a participant that its contest finished.
// Won is nil when the bot's result could not be determined.
type DebateComplete struct {
	Type      string `json:"type"`
	DebateID  string `json:"debateId"`
	Won       *bool  `json:"won"`
	EloChange int    `json:"eloChange"`
}

// ErrorEnvelope carries a stable code and human-readable message.
type ErrorEnvelope struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewError(code, message string) ErrorEnvelope {
	return ErrorEnvelope{Type: TypeError, Code: code, Message: message}
}

// BotInbound is the decoded union of everything a bot may send.
// Exactly one payload group is meaningful depending on Type.
type BotInbound struct {
	Type string `json:"type"`

	// debate_response
	RequestID  string   `json:"requestId"`
	Message    string   `json:"message"`
	Confidence *float64 `json:"confidence"`

	// queue_join
	Stake    *int64 `json:"stake"`
	PresetID string `json:"presetId"`
}

// ParseBotInbound decodes and validates a frame from a bot connection.
// Malformed frames return an error and must be dropped by the caller,
// with one exception: a debate_response that carries a request id but
// fails reply validation comes back with the envelope and an error
// wrapping ErrInvalidReply, so the pending request can be resolved.
func ParseBotInbound(data []byte) (BotInbound, error) {
	var in BotInbound
	if err := json.Unmarshal(data, &in); err != nil {
		return BotInbound{}, fmt.Errorf("malformed bot frame: %w", err)
	}
	switch in.Type {
	case TypePong, TypeQueueLeave:
		return in, nil
	case TypeQueueJoin:
		if in.Stake != nil && *in.Stake < 0 {
			return BotInbound{}, fmt.Errorf("queue_join: negative stake %d", *in.Stake)
		}
		return in, nil
	case TypeDebateResponse:
		if in.RequestID == "" {
			return BotInbound{}, fmt.Errorf("debate_response: missing requestId")
		}
		if err := ValidateReply(in.Message, in.Confidence); err != nil {
			return in, fmt.Errorf("debate_response: %w", err)
		}
		return in, nil
	case "":
		return BotInbound{}, fmt.Errorf("bot frame missing type")
	default:
		return BotInbound{}, fmt.Errorf("unknown bot frame type %q", in.Type)
	}
}

// ValidateReply enforces the reply shape: non-empty message, optional
// confidence in [0,1]. Violations wrap ErrInvalidReply.
func ValidateReply(message string, confidence *float64) error {
	if message == "" {
		return fmt.Errorf("%w: empty message", ErrInvalidReply)
	}
	if confidence != nil && (*confidence < 0 || *confidence > 1) {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidReply, *confidence)
	}
	return nil
}

// SpectatorEvent is the envelope fanned out to contest watchers.
type SpectatorEvent struct {
	DebateID string `json:"debateId"`
	Type     string `json:"type"`
	Payload  any    `json:"payload"`
}

// SpectatorInbound is what a watcher may send upstream (vote submission).
type SpectatorInbound struct {
	Type    string `json:"type"`
	Payload struct {
		RoundIndex int      `json:"roundIndex"`
		Choice     Position `json:"choice"`
	} `json:"payload"`
}

// ParseSpectatorInbound decodes a frame from a spectator connection.
func ParseSpectatorInbound(data []byte) (SpectatorInbound, error) {
	var in SpectatorInbound
	if err := json.Unmarshal(data, &in); err != nil {
		return SpectatorInbound{}, fmt.Errorf("malformed spectator frame: %w", err)
	}
	if in.Type != "vote" {
		return SpectatorInbound{}, fmt.Errorf("unknown spectator frame type %q", in.Type)
	}
	if !in.Payload.Choice.Valid() {
		return SpectatorInbound{}, fmt.Errorf("invalid vote choice %q", in.Payload.Choice)
	}
	return in, nil
}

// BusBotRequest is the cross-instance frame carried on bot:instance:<id>
// when the target bot is attached to a peer.
type BusBotRequest struct {
	Kind           string        `json:"kind"` // "bot_request" or "bot_notify"
	RequestID      string        `json:"requestId"`
	BotID          int64         `json:"botId"`
	TimeoutMS      int64         `json:"timeoutMs"`
	SourceInstance string        `json:"sourceInstance"`
	Request        DebateRequest `json:"request"`

	// bot_notify carries a fire-and-forget server→bot envelope instead.
	Notify json.RawMessage `json:"notify,omitempty"`
}

const (
	BusKindRequest = "bot_request"
	BusKindNotify  = "bot_notify"
)

// BusBotReply is published on the ephemeral bot:response:<requestId>
// channel to complete a forwarded request.
type BusBotReply struct {
	RequestID  string   `json:"requestId"`
	OK         bool     `json:"ok"`
	Message    string   `json:"message,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Error      string   `json:"error,omitempty"`
}
