package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATS implements Bus on a core NATS connection. Core (non-JetStream)
// subjects match the best-effort delivery contract: no persistence, no
// replay, fire-and-forget publish.
type NATS struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// Connect dials NATS with the reconnect posture a long-lived service
// wants: unlimited reconnects with jittered waits.
func Connect(url string, logger zerolog.Logger) (*NATS, error) {
	busLogger := logger.With().Str("component", "bus").Logger()

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectJitter(500*time.Millisecond, 2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			busLogger.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			busLogger.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			busLogger.Error().Err(err).Msg("NATS async error")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	busLogger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
	return &NATS{conn: conn, logger: busLogger}, nil
}

// Conn exposes the underlying connection for the KV layer, which shares it.
func (b *NATS) Conn() *nats.Conn { return b.conn }

func (b *NATS) Publish(channel string, data []byte) error {
	if err := b.conn.Publish(channel, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

func (b *NATS) Subscribe(channel string, fn Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(channel, func(msg *nats.Msg) {
		fn(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	return natsSub{sub: sub}, nil
}

// Close drains the connection so in-flight messages are delivered before
// shutdown.
func (b *NATS) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn().Err(err).Msg("NATS drain failed, closing hard")
		b.conn.Close()
	}
}

type natsSub struct {
	sub *nats.Subscription
}

func (s natsSub) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
