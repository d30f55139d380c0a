package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATS implements Store on a JetStream key/value bucket.
//
// Conditional writes use the bucket's revision CAS (Create / Update with
// last revision). TTLs are stamped inside the stored value and enforced
// by readers: an expired entry is treated as absent and may be replaced
// atomically via Update at its last revision. This keeps correctness
// independent of server-side expiry timing.
type NATS struct {
	bucket jetstream.KeyValue
	logger zerolog.Logger
	clock  func() time.Time
}

type natsEntry struct {
	Value     string    `json:"v"`
	ExpiresAt time.Time `json:"exp"`
}

// NewNATS binds (creating if needed) the named bucket on an existing
// NATS connection.
func NewNATS(ctx context.Context, nc *nats.Conn, bucketName string, logger zerolog.Logger) (*NATS, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucketName,
		Description: "agond coordination keys (leases, locks, attachments)",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("bind kv bucket %q: %w", bucketName, err)
	}
	return &NATS{
		bucket: bucket,
		logger: logger.With().Str("component", "kv").Logger(),
		clock:  time.Now,
	}, nil
}

// JetStream KV keys cannot contain ':'; the coordination namespace uses
// it, so keys are mapped to '.' on the wire.
func encodeKey(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			out[i] = '.'
		} else {
			out[i] = key[i]
		}
	}
	return string(out)
}

func (s *NATS) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	k := encodeKey(key)
	payload, err := json.Marshal(natsEntry{Value: value, ExpiresAt: s.clock().Add(ttl)})
	if err != nil {
		return false, err
	}

	_, err = s.bucket.Create(ctx, k, payload)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return false, fmt.Errorf("kv create %s: %w", key, err)
	}

	// Key exists: it may still be expired. Replace it at its current
	// revision so a concurrent writer cannot also win.
	entry, err := s.bucket.Get(ctx, k)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			// Deleted between Create and Get; one retry via Create.
			if _, err := s.bucket.Create(ctx, k, payload); err != nil {
				return false, nil
			}
			return true, nil
		}
		return false, fmt.Errorf("kv get %s: %w", key, err)
	}

	var cur natsEntry
	if err := json.Unmarshal(entry.Value(), &cur); err == nil && s.clock().Before(cur.ExpiresAt) {
		return false, nil
	}

	if _, err := s.bucket.Update(ctx, k, payload, entry.Revision()); err != nil {
		// Lost the CAS race.
		return false, nil
	}
	return true, nil
}

func (s *NATS) Get(ctx context.Context, key string) (string, bool, error) {
	entry, err := s.bucket.Get(ctx, encodeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("kv get %s: %w", key, err)
	}

	var cur natsEntry
	if err := json.Unmarshal(entry.Value(), &cur); err != nil {
		s.logger.Warn().Str("key", key).Err(err).Msg("Dropping undecodable KV entry")
		return "", false, nil
	}
	if !s.clock().Before(cur.ExpiresAt) {
		// Lazy purge; failure is harmless, the entry stays invisible.
		_ = s.bucket.Delete(ctx, encodeKey(key), jetstream.LastRevision(entry.Revision()))
		return "", false, nil
	}
	return cur.Value, true, nil
}

func (s *NATS) Refresh(ctx context.Context, key, expect string, ttl time.Duration) (bool, error) {
	k := encodeKey(key)
	entry, err := s.bucket.Get(ctx, k)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("kv get %s: %w", key, err)
	}

	var cur natsEntry
	if err := json.Unmarshal(entry.Value(), &cur); err != nil {
		return false, nil
	}
	if cur.Value != expect || !s.clock().Before(cur.ExpiresAt) {
		return false, nil
	}

	payload, err := json.Marshal(natsEntry{Value: expect, ExpiresAt: s.clock().Add(ttl)})
	if err != nil {
		return false, err
	}
	if _, err := s.bucket.Update(ctx, k, payload, entry.Revision()); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *NATS) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	k := encodeKey(key)
	entry, err := s.bucket.Get(ctx, k)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("kv get %s: %w", key, err)
	}

	var cur natsEntry
	if err := json.Unmarshal(entry.Value(), &cur); err != nil {
		return false, nil
	}
	if cur.Value != expect || !s.clock().Before(cur.ExpiresAt) {
		return false, nil
	}
	if err := s.bucket.Delete(ctx, k, jetstream.LastRevision(entry.Revision())); err != nil {
		return false, nil
	}
	return true, nil
}
