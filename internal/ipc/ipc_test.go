package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-matchmaker/internal/presence"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestRequestReply(t *testing.T) {
	ctx := context.Background()
	p := presence.NewLocalPresence()
	defer p.Close()

	server, err := Serve(ctx, p, "p:test", func(_ context.Context, method string, args []json.RawMessage) (any, error) {
		switch method {
		case "echo":
			var msg string
			require.NoError(t, json.Unmarshal(args[0], &msg))
			return msg, nil
		case "fail":
			return nil, errors.New("手動觸發的錯誤")
		case "add":
			var a, b int
			require.NoError(t, json.Unmarshal(args[0], &a))
			require.NoError(t, json.Unmarshal(args[1], &b))
			return a + b, nil
		default:
			return nil, fmt.Errorf("未知方法: %s", method)
		}
	}, testLogger())
	require.NoError(t, err)
	defer server.Close()

	t.Run("success round trip", func(t *testing.T) {
		raw, err := Request(ctx, p, "p:test", "echo", []any{"ping"}, time.Second)
		require.NoError(t, err)

		var result string
		require.NoError(t, json.Unmarshal(raw, &result))
		assert.Equal(t, "ping", result)
	})

	t.Run("multiple args", func(t *testing.T) {
		raw, err := Request(ctx, p, "p:test", "add", []any{2, 3}, time.Second)
		require.NoError(t, err)

		var sum int
		require.NoError(t, json.Unmarshal(raw, &sum))
		assert.Equal(t, 5, sum)
	})

	t.Run("handler error propagates as error reply", func(t *testing.T) {
		_, err := Request(ctx, p, "p:test", "fail", nil, time.Second)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrTimeout)
		assert.Contains(t, err.Error(), "手動觸發的錯誤")
	})

	t.Run("unknown method returns error not timeout", func(t *testing.T) {
		_, err := Request(ctx, p, "p:test", "nope", nil, time.Second)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrTimeout)
	})
}

func TestRequestTimeout(t *testing.T) {
	ctx := context.Background()
	p := presence.NewLocalPresence()
	defer p.Close()

	t.Run("no listener on channel", func(t *testing.T) {
		start := time.Now()
		_, err := Request(ctx, p, "p:nobody", "ping", nil, 50*time.Millisecond)
		require.ErrorIs(t, err, ErrTimeout)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("slow handler exceeds timeout", func(t *testing.T) {
		server, err := Serve(ctx, p, "p:slow", func(context.Context, string, []json.RawMessage) (any, error) {
			time.Sleep(200 * time.Millisecond)
			return "late", nil
		}, testLogger())
		require.NoError(t, err)
		defer server.Close()

		_, err = Request(ctx, p, "p:slow", "ping", nil, 50*time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("late reply after timeout is discarded", func(t *testing.T) {
		server, err := Serve(ctx, p, "p:late", func(context.Context, string, []json.RawMessage) (any, error) {
			time.Sleep(100 * time.Millisecond)
			return "late", nil
		}, testLogger())
		require.NoError(t, err)
		defer server.Close()

		_, err = Request(ctx, p, "p:late", "ping", nil, 30*time.Millisecond)
		require.ErrorIs(t, err, ErrTimeout)

		// 晚到的回覆發往已退訂的回覆頻道，不影響後續請求
		time.Sleep(150 * time.Millisecond)
	})
}

func TestConcurrentRequests(t *testing.T) {
	ctx := context.Background()
	p := presence.NewLocalPresence()
	defer p.Close()

	server, err := Serve(ctx, p, "p:conc", func(_ context.Context, _ string, args []json.RawMessage) (any, error) {
		var n int
		if err := json.Unmarshal(args[0], &n); err != nil {
			return nil, err
		}
		return n * 2, nil
	}, testLogger())
	require.NoError(t, err)
	defer server.Close()

	// 每個請求有獨立的回覆頻道，併發請求不會串線
	const requests = 20
	var wg sync.WaitGroup
	wg.Add(requests)
	for i := 0; i < requests; i++ {
		go func(n int) {
			defer wg.Done()
			raw, err := Request(ctx, p, "p:conc", "double", []any{n}, 2*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			var result int
			if assert.NoError(t, json.Unmarshal(raw, &result)) {
				assert.Equal(t, n*2, result)
			}
		}(i)
	}
	wg.Wait()
}

func TestServerClose(t *testing.T) {
	ctx := context.Background()
	p := presence.NewLocalPresence()
	defer p.Close()

	server, err := Serve(ctx, p, "p:closing", func(context.Context, string, []json.RawMessage) (any, error) {
		return "ok", nil
	}, testLogger())
	require.NoError(t, err)

	_, err = Request(ctx, p, "p:closing", "ping", nil, time.Second)
	require.NoError(t, err)

	server.Close()
	server.Close() // 重複關閉安全

	// 關閉後頻道無人監聽，請求超時
	_, err = Request(ctx, p, "p:closing", "ping", nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}
