package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublishSubscribe(t *testing.T) {
	b := NewMemory()

	var got [][]byte
	var mu sync.Mutex
	sub, err := b.Subscribe("bot:instance:a", func(data []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, data)
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish("bot:instance:a", []byte("one")))
	require.NoError(t, b.Publish("bot:instance:b", []byte("wrong channel")))
	require.NoError(t, b.Publish("bot:instance:a", []byte("two")))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "one", string(got[0]))
	assert.Equal(t, "two", string(got[1]))

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish("bot:instance:a", []byte("after unsub")))
	assert.Len(t, got, 2)
}

func TestMemoryMultipleSubscribers(t *testing.T) {
	b := NewMemory()

	var count int
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		_, err := b.Subscribe("debate:events:1", func([]byte) {
			mu.Lock()
			count++
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish("debate:events:1", []byte("x")))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, count)
}

func TestMemoryUnsubscribeIdempotent(t *testing.T) {
	b := NewMemory()
	sub, err := b.Subscribe("c", func([]byte) {})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
}

func TestChannelBuilders(t *testing.T) {
	assert.Equal(t, "bot:instance:inst-a", InstanceChannel("inst-a"))
	assert.Equal(t, "bot:response:req-1", ResponseChannel("req-1"))
	assert.Equal(t, "debate:events:42", ContestChannel(42))
}
