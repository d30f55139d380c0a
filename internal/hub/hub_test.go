package hub

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nibty/agonai-sub001/internal/bus"
	"github.com/nibty/agonai-sub001/internal/kv"
	"github.com/nibty/agonai-sub001/internal/protocol"
	"github.com/nibty/agonai-sub001/internal/store"
)

// fakeBot drives the client side of a net.Pipe as a bot would: frames in
// on a channel, scripted replies out.
type fakeBot struct {
	conn   net.Conn
	frames chan []byte
}

func newFakeBot(conn net.Conn) *fakeBot {
	b := &fakeBot{conn: conn, frames: make(chan []byte, 16)}
	go func() {
		for {
			msg, op, err := wsutil.ReadServerData(conn)
			if err != nil {
				close(b.frames)
				return
			}
			if op == ws.OpText {
				b.frames <- msg
			}
		}
	}()
	return b
}

func (b *fakeBot) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientMessage(b.conn, ws.OpText, data))
}

// next returns the next frame of the given type, skipping pings.
func (b *fakeBot) next(t *testing.T, wantType string) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw, ok := <-b.frames:
			require.True(t, ok, "connection closed waiting for %s", wantType)
			var m map[string]any
			require.NoError(t, json.Unmarshal(raw, &m))
			if m["type"] == wantType {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for frame type %s", wantType)
		}
	}
}

func newTestHub(t *testing.T, instanceID string, b bus.Bus, k kv.Store) *Hub {
	t.Helper()
	h := New(Config{
		InstanceID:    instanceID,
		KV:            k,
		Bus:           b,
		Heartbeat:     time.Minute,
		AttachmentTTL: 2 * time.Minute,
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, h.Start())
	t.Cleanup(func() { h.Shutdown(context.Background()) })
	return h
}

func attachBot(t *testing.T, h *Hub, botID int64, name string) *fakeBot {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	bot := newFakeBot(client)
	h.Attach(context.Background(), server, &store.Bot{ID: botID, UserID: botID, Name: name, Rating: 1200})
	welcome := bot.next(t, protocol.TypeConnected)
	assert.Equal(t, name, welcome["botName"])
	return bot
}

func TestAttachWritesAttachmentRecord(t *testing.T) {
	k := kv.NewMemory()
	h := newTestHub(t, "inst-a", bus.NewMemory(), k)
	attachBot(t, h, 1, "alpha")

	owner, ok, err := k.Get(context.Background(), kv.AttachmentKey(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "inst-a", owner)
	assert.True(t, h.Connected(1))
}

func TestLocalRequestRoundTrip(t *testing.T) {
	h := newTestHub(t, "inst-a", bus.NewMemory(), kv.NewMemory())
	bot := attachBot(t, h, 1, "alpha")

	done := make(chan Reply, 1)
	errs := make(chan error, 1)
	go func() {
		reply, err := h.Request(context.Background(), 1,
			protocol.DebateRequest{Topic: "cats", Position: protocol.PositionPro},
			2*time.Second)
		if err != nil {
			errs <- err
			return
		}
		done <- reply
	}()

	req := bot.next(t, protocol.TypeDebateRequest)
	assert.Equal(t, "cats", req["topic"])
	conf := 0.9
	bot.send(t, map[string]any{
		"type":       protocol.TypeDebateResponse,
		"requestId":  req["requestId"],
		"message":    "cats are great",
		"confidence": conf,
	})

	select {
	case reply := <-done:
		assert.Equal(t, "cats are great", reply.Message)
		require.NotNil(t, reply.Confidence)
		assert.InDelta(t, conf, *reply.Confidence, 1e-9)
	case err := <-errs:
		t.Fatalf("request failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("request never completed")
	}
}

func TestRequestTimeout(t *testing.T) {
	h := newTestHub(t, "inst-a", bus.NewMemory(), kv.NewMemory())
	bot := attachBot(t, h, 1, "alpha")

	errs := make(chan error, 1)
	go func() {
		_, err := h.Request(context.Background(), 1,
			protocol.DebateRequest{Topic: "silence"}, 100*time.Millisecond)
		errs <- err
	}()

	// Drain the request but never answer.
	bot.next(t, protocol.TypeDebateRequest)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("request never timed out")
	}
}

func TestInvalidReplyFailsRequest(t *testing.T) {
	h := newTestHub(t, "inst-a", bus.NewMemory(), kv.NewMemory())
	bot := attachBot(t, h, 1, "alpha")

	errs := make(chan error, 1)
	go func() {
		_, err := h.Request(context.Background(), 1,
			protocol.DebateRequest{Topic: "cats"}, 10*time.Second)
		errs <- err
	}()

	// An empty message fails validation; the request must resolve with
	// a validation failure right away, not wait out its deadline.
	req := bot.next(t, protocol.TypeDebateRequest)
	bot.send(t, map[string]any{
		"type":      protocol.TypeDebateResponse,
		"requestId": req["requestId"],
		"message":   "",
	})

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrInvalidReply)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not resolve on the invalid reply")
	}
	assert.True(t, h.Connected(1), "an invalid reply does not cost the bot its connection")
}

func TestRequestNotConnected(t *testing.T) {
	h := newTestHub(t, "inst-a", bus.NewMemory(), kv.NewMemory())

	_, err := h.Request(context.Background(), 99,
		protocol.DebateRequest{Topic: "void"}, time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCrossInstanceRoundTrip(t *testing.T) {
	b := bus.NewMemory()
	k := kv.NewMemory()
	hubA := newTestHub(t, "inst-a", b, k)
	hubB := newTestHub(t, "inst-b", b, k)

	bot := attachBot(t, hubB, 7, "remote")

	done := make(chan Reply, 1)
	errs := make(chan error, 1)
	go func() {
		// Hub A does not hold the bot; the request crosses the bus to B.
		reply, err := hubA.Request(context.Background(), 7,
			protocol.DebateRequest{Topic: "routing"}, 2*time.Second)
		if err != nil {
			errs <- err
			return
		}
		done <- reply
	}()

	req := bot.next(t, protocol.TypeDebateRequest)
	bot.send(t, map[string]any{
		"type":      protocol.TypeDebateResponse,
		"requestId": req["requestId"],
		"message":   "answered from instance b",
	})

	select {
	case reply := <-done:
		assert.Equal(t, "answered from instance b", reply.Message)
		assert.Nil(t, reply.Confidence)
	case err := <-errs:
		t.Fatalf("cross-instance request failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("cross-instance request never completed")
	}
}

func TestCrossInstanceInvalidReply(t *testing.T) {
	b := bus.NewMemory()
	k := kv.NewMemory()
	hubA := newTestHub(t, "inst-a", b, k)
	hubB := newTestHub(t, "inst-b", b, k)

	bot := attachBot(t, hubB, 7, "remote")

	errs := make(chan error, 1)
	go func() {
		_, err := hubA.Request(context.Background(), 7,
			protocol.DebateRequest{Topic: "routing"}, 10*time.Second)
		errs <- err
	}()

	// Out-of-range confidence; the failure crosses the bus intact.
	req := bot.next(t, protocol.TypeDebateRequest)
	bot.send(t, map[string]any{
		"type":       protocol.TypeDebateResponse,
		"requestId":  req["requestId"],
		"message":    "overconfident",
		"confidence": 1.5,
	})

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrInvalidReply)
	case <-time.After(2 * time.Second):
		t.Fatal("cross-instance request did not resolve on the invalid reply")
	}
}

func TestCrossInstanceBotGone(t *testing.T) {
	b := bus.NewMemory()
	k := kv.NewMemory()
	hubA := newTestHub(t, "inst-a", b, k)
	newTestHub(t, "inst-b", b, k)

	// Attachment record claims instance b, but no bot is attached there.
	_, err := k.SetIfAbsent(context.Background(), kv.AttachmentKey(7), "inst-b", time.Minute)
	require.NoError(t, err)

	_, err = hubA.Request(context.Background(), 7,
		protocol.DebateRequest{Topic: "ghost"}, 2*time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestReplacementClosesOldConnection(t *testing.T) {
	h := newTestHub(t, "inst-a", bus.NewMemory(), kv.NewMemory())

	clientOld, serverOld := net.Pipe()
	t.Cleanup(func() { clientOld.Close() })

	closed := make(chan ws.StatusCode, 1)
	go func() {
		for {
			frame, err := ws.ReadFrame(clientOld)
			if err != nil {
				return
			}
			if frame.Header.OpCode == ws.OpClose {
				code, _ := ws.ParseCloseFrameData(frame.Payload)
				closed <- code
				return
			}
		}
	}()

	h.Attach(context.Background(), serverOld, &store.Bot{ID: 1, Name: "alpha"})
	attachBot(t, h, 1, "alpha")

	select {
	case code := <-closed:
		assert.Equal(t, ws.StatusCode(protocol.CloseReplaced), code)
	case <-time.After(2 * time.Second):
		t.Fatal("old connection never received close frame")
	}
	assert.True(t, h.Connected(1))
}

func TestQueueJoinCallback(t *testing.T) {
	type joined struct {
		botID  int64
		preset string
		stake  int64
	}
	joins := make(chan joined, 1)

	h := New(Config{
		InstanceID:    "inst-a",
		KV:            kv.NewMemory(),
		Bus:           bus.NewMemory(),
		Heartbeat:     time.Minute,
		AttachmentTTL: 2 * time.Minute,
		Logger:        zerolog.Nop(),
		OnQueueJoin: func(bot *store.Bot, presetID string, stake int64) {
			joins <- joined{botID: bot.ID, preset: presetID, stake: stake}
		},
	})
	require.NoError(t, h.Start())
	t.Cleanup(func() { h.Shutdown(context.Background()) })

	bot := attachBot(t, h, 1, "alpha")
	bot.send(t, map[string]any{
		"type":     protocol.TypeQueueJoin,
		"presetId": "blitz",
		"stake":    25,
	})

	select {
	case j := <-joins:
		assert.Equal(t, int64(1), j.botID)
		assert.Equal(t, "blitz", j.preset)
		assert.Equal(t, int64(25), j.stake)
	case <-time.After(2 * time.Second):
		t.Fatal("queue join callback never fired")
	}
}

func TestDetachDeletesAttachment(t *testing.T) {
	k := kv.NewMemory()
	detached := make(chan int64, 1)
	h := New(Config{
		InstanceID:    "inst-a",
		KV:            k,
		Bus:           bus.NewMemory(),
		Heartbeat:     time.Minute,
		AttachmentTTL: 2 * time.Minute,
		Logger:        zerolog.Nop(),
		OnDetach:      func(botID int64) { detached <- botID },
	})
	require.NoError(t, h.Start())
	t.Cleanup(func() { h.Shutdown(context.Background()) })

	client, server := net.Pipe()
	bot := newFakeBot(client)
	h.Attach(context.Background(), server, &store.Bot{ID: 1, Name: "alpha"})
	bot.next(t, protocol.TypeConnected)

	// Dropping the client side tears the read pump down.
	client.Close()

	select {
	case id := <-detached:
		assert.Equal(t, int64(1), id)
	case <-time.After(2 * time.Second):
		t.Fatal("detach callback never fired")
	}

	require.Eventually(t, func() bool {
		_, ok, err := k.Get(context.Background(), kv.AttachmentKey(1))
		return err == nil && !ok
	}, 2*time.Second, 10*time.Millisecond, "attachment record should be deleted")
	assert.False(t, h.Connected(1))
}

func TestInvalidFrameDropped(t *testing.T) {
	h := newTestHub(t, "inst-a", bus.NewMemory(), kv.NewMemory())
	bot := attachBot(t, h, 1, "alpha")

	// Empty message fails validation; connection survives.
	bot.send(t, map[string]any{
		"type":      protocol.TypeDebateResponse,
		"requestId": "req-1",
		"message":   "",
	})
	bot.send(t, map[string]any{"type": "bogus"})

	time.Sleep(50 * time.Millisecond)
	assert.True(t, h.Connected(1))
}
