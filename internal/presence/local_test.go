package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPresence_PubSub(t *testing.T) {
	p := NewLocalPresence()
	defer p.Close()
	ctx := context.Background()

	t.Run("subscriber receives published message", func(t *testing.T) {
		received := make(chan []byte, 1)
		sub, err := p.Subscribe(ctx, "topic-a", func(payload []byte) {
			received <- payload
		})
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, p.Publish(ctx, "topic-a", []byte("hello")))

		select {
		case msg := <-received:
			assert.Equal(t, "hello", string(msg))
		case <-time.After(time.Second):
			t.Fatal("未收到發布的消息")
		}
	})

	t.Run("no delivery after subscription closed", func(t *testing.T) {
		var count atomic.Int32
		sub, err := p.Subscribe(ctx, "topic-b", func([]byte) {
			count.Add(1)
		})
		require.NoError(t, err)

		require.NoError(t, p.Publish(ctx, "topic-b", []byte("1")))
		assert.Eventually(t, func() bool {
			return count.Load() == 1
		}, time.Second, 10*time.Millisecond)

		sub.Close()
		require.NoError(t, p.Publish(ctx, "topic-b", []byte("2")))

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), count.Load())
	})

	t.Run("publish without subscribers is a no-op", func(t *testing.T) {
		assert.NoError(t, p.Publish(ctx, "nobody-listens", []byte("x")))
	})

	t.Run("multiple subscribers each receive the message", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(2)
		handler := func([]byte) { wg.Done() }

		sub1, err := p.Subscribe(ctx, "topic-c", handler)
		require.NoError(t, err)
		defer sub1.Close()
		sub2, err := p.Subscribe(ctx, "topic-c", handler)
		require.NoError(t, err)
		defer sub2.Close()

		require.NoError(t, p.Publish(ctx, "topic-c", []byte("fan-out")))

		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("不是所有訂閱者都收到消息")
		}
	})

	t.Run("unsubscribe removes all handlers of a topic", func(t *testing.T) {
		var count atomic.Int32
		_, err := p.Subscribe(ctx, "topic-e", func([]byte) { count.Add(1) })
		require.NoError(t, err)
		_, err = p.Subscribe(ctx, "topic-e", func([]byte) { count.Add(1) })
		require.NoError(t, err)

		require.NoError(t, p.Unsubscribe(ctx, "topic-e"))
		require.NoError(t, p.Publish(ctx, "topic-e", []byte("x")))

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(0), count.Load())
	})

	t.Run("subscription close is idempotent", func(t *testing.T) {
		sub, err := p.Subscribe(ctx, "topic-d", func([]byte) {})
		require.NoError(t, err)
		sub.Close()
		sub.Close()
	})
}

func TestLocalPresence_KeyValue(t *testing.T) {
	p := NewLocalPresence()
	defer p.Close()
	ctx := context.Background()

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, p.Set(ctx, "k1", "v1"))
		value, err := p.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "v1", value)
	})

	t.Run("missing key returns empty string", func(t *testing.T) {
		value, err := p.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Equal(t, "", value)
	})

	t.Run("del removes key", func(t *testing.T) {
		require.NoError(t, p.Set(ctx, "k2", "v2"))
		require.NoError(t, p.Del(ctx, "k2"))
		value, err := p.Get(ctx, "k2")
		require.NoError(t, err)
		assert.Equal(t, "", value)
	})

	t.Run("incr and decr", func(t *testing.T) {
		n, err := p.Incr(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = p.Incr(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = p.Decr(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("setex expires the key", func(t *testing.T) {
		require.NoError(t, p.SetEx(ctx, "ephemeral", "v", 30*time.Millisecond))

		value, err := p.Get(ctx, "ephemeral")
		require.NoError(t, err)
		assert.Equal(t, "v", value)

		assert.Eventually(t, func() bool {
			value, _ := p.Get(ctx, "ephemeral")
			return value == ""
		}, time.Second, 10*time.Millisecond)
	})
}

func TestLocalPresence_Hash(t *testing.T) {
	p := NewLocalPresence()
	defer p.Close()
	ctx := context.Background()

	t.Run("hset hget hgetall hdel", func(t *testing.T) {
		require.NoError(t, p.HSet(ctx, "h", "f1", "v1"))
		require.NoError(t, p.HSet(ctx, "h", "f2", "v2"))

		value, err := p.HGet(ctx, "h", "f1")
		require.NoError(t, err)
		assert.Equal(t, "v1", value)

		all, err := p.HGetAll(ctx, "h")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, all)

		require.NoError(t, p.HDel(ctx, "h", "f1"))
		value, err = p.HGet(ctx, "h", "f1")
		require.NoError(t, err)
		assert.Equal(t, "", value)
	})

	t.Run("hincrby accumulates", func(t *testing.T) {
		n, err := p.HIncrBy(ctx, "counts", "a", 2)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = p.HIncrBy(ctx, "counts", "a", -1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestLocalPresence_HIncrByEx(t *testing.T) {
	p := NewLocalPresence()
	defer p.Close()
	ctx := context.Background()

	t.Run("returns value after increment", func(t *testing.T) {
		n, err := p.HIncrByEx(ctx, "lock", "f", 1, time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = p.HIncrByEx(ctx, "lock", "f", 1, time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = p.HIncrByEx(ctx, "lock", "f", -2, time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("key expires after ttl", func(t *testing.T) {
		_, err := p.HIncrByEx(ctx, "lock-ttl", "f", 5, 30*time.Millisecond)
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			value, _ := p.HGet(ctx, "lock-ttl", "f")
			return value == ""
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("ttl refresh outlives earlier timers", func(t *testing.T) {
		// 每次刷新都換上新的定時器；被換下的舊定時器即使觸發也不得刪 key
		for i := 0; i < 5; i++ {
			_, err := p.HIncrByEx(ctx, "lock-refresh", "f", 1, 100*time.Millisecond)
			require.NoError(t, err)
			time.Sleep(60 * time.Millisecond)
		}

		value, err := p.HGet(ctx, "lock-refresh", "f")
		require.NoError(t, err)
		assert.Equal(t, "5", value)
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		const workers = 50
		var wg sync.WaitGroup
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()
				_, err := p.HIncrByEx(ctx, "lock-conc", "f", 1, time.Second)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		value, err := p.HGet(ctx, "lock-conc", "f")
		require.NoError(t, err)
		assert.Equal(t, "50", value)
	})
}

func TestLocalPresence_Sets(t *testing.T) {
	p := NewLocalPresence()
	defer p.Close()
	ctx := context.Background()

	require.NoError(t, p.SAdd(ctx, "s1", "a"))
	require.NoError(t, p.SAdd(ctx, "s1", "b"))
	require.NoError(t, p.SAdd(ctx, "s1", "b")) // 重複添加

	card, err := p.SCard(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), card)

	isMember, err := p.SIsMember(ctx, "s1", "a")
	require.NoError(t, err)
	assert.True(t, isMember)

	require.NoError(t, p.SAdd(ctx, "s2", "b"))
	require.NoError(t, p.SAdd(ctx, "s2", "c"))

	inter, err := p.SInter(ctx, "s1", "s2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b"}, inter)

	require.NoError(t, p.SRem(ctx, "s1", "a"))
	members, err := p.SMembers(ctx, "s1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b"}, members)
}

func TestLocalPresence_Channels(t *testing.T) {
	p := NewLocalPresence()
	defer p.Close()
	ctx := context.Background()

	sub1, err := p.Subscribe(ctx, "p:proc-1", func([]byte) {})
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := p.Subscribe(ctx, "p:proc-2", func([]byte) {})
	require.NoError(t, err)
	defer sub2.Close()
	sub3, err := p.Subscribe(ctx, "$room-1", func([]byte) {})
	require.NoError(t, err)

	channels, err := p.Channels(ctx, "p:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p:proc-1", "p:proc-2"}, channels)

	// 關閉最後一個訂閱後頻道從列表消失
	sub3.Close()
	channels, err = p.Channels(ctx, "*")
	require.NoError(t, err)
	assert.NotContains(t, channels, "$room-1")
}
