package matchmaker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-matchmaker/internal/driver"
	"github.com/koopa0/system-design/14-matchmaker/internal/presence"
	"github.com/koopa0/system-design/14-matchmaker/internal/stats"
)

// newTestEngine 在共享的 Presence / Driver 上構建一個就緒的引擎。
// 超時參數縮短到測試友好的量級。
func newTestEngine(t *testing.T, p presence.Presence, d driver.Driver) *MatchMaker {
	t.Helper()

	mm := New(Options{
		Logger:                testLogger(),
		Presence:              p,
		Driver:                d,
		PublicAddress:         "localhost:0",
		SeatReservationWindow: time.Second,
		AutoDisposeGrace:      50 * time.Millisecond,
		PatchRate:             -1, // 測試不需要 patch 節拍
		RemoteTimeout:         100 * time.Millisecond,
		HealthCheckTimeout:    50 * time.Millisecond,
		RetryBackoffBase:      10 * time.Millisecond,
		FollowerBaseWait:      300 * time.Millisecond,
		FollowerWaitIncrement: 20 * time.Millisecond,
		LockTTL:               2 * time.Second,
		StatsPersistInterval:  10 * time.Millisecond,
	})
	require.NoError(t, mm.Accept(context.Background()))
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mm.GracefulShutdown(shutdownCtx)
	})
	return mm
}

func defineBattle(mm *MatchMaker, opts ...DefineOption) {
	mm.Define("battle", func() RoomHandler { return &hookHandler{} }, opts...)
}

// failingPersistDriver 模擬存儲故障：首次寫入一律失敗
type failingPersistDriver struct {
	driver.Driver
}

func (d *failingPersistDriver) Persist(ctx context.Context, room *driver.RoomCache, create bool) error {
	if create {
		return fmt.Errorf("存儲不可用")
	}
	return d.Driver.Persist(ctx, room, create)
}

func TestMatchMaker_JoinOrCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown room type", func(t *testing.T) {
		mm := newTestEngine(t, presence.NewLocalPresence(), driver.NewMemoryDriver())

		_, err := mm.JoinOrCreate(ctx, "nope", nil, nil)
		var mmErr *MatchmakeError
		require.ErrorAs(t, err, &mmErr)
		assert.Equal(t, ErrCodeNoHandler, mmErr.Code)
	})

	t.Run("creates then reuses the same room", func(t *testing.T) {
		mm := newTestEngine(t, presence.NewLocalPresence(), driver.NewMemoryDriver())
		defineBattle(mm)

		first, err := mm.JoinOrCreate(ctx, "battle", nil, nil)
		require.NoError(t, err)
		second, err := mm.JoinOrCreate(ctx, "battle", nil, nil)
		require.NoError(t, err)

		assert.Equal(t, first.Room.RoomID, second.Room.RoomID)
		assert.NotEqual(t, first.SessionID, second.SessionID)
		assert.Equal(t, 1, mm.LocalRoomCount())
	})

	t.Run("full room triggers a new one", func(t *testing.T) {
		mm := newTestEngine(t, presence.NewLocalPresence(), driver.NewMemoryDriver())
		defineBattle(mm, WithDefaultOptions(map[string]any{"maxClients": 1}))

		first, err := mm.JoinOrCreate(ctx, "battle", nil, nil)
		require.NoError(t, err)
		second, err := mm.JoinOrCreate(ctx, "battle", nil, nil)
		require.NoError(t, err)

		assert.NotEqual(t, first.Room.RoomID, second.Room.RoomID)
		assert.Equal(t, 2, mm.LocalRoomCount())
	})

	t.Run("filterBy separates rooms by declared keys", func(t *testing.T) {
		mm := newTestEngine(t, presence.NewLocalPresence(), driver.NewMemoryDriver())
		defineBattle(mm, WithFilterBy("mode"))

		ranked, err := mm.JoinOrCreate(ctx, "battle", map[string]any{"mode": "ranked"}, nil)
		require.NoError(t, err)
		casual, err := mm.JoinOrCreate(ctx, "battle", map[string]any{"mode": "casual"}, nil)
		require.NoError(t, err)
		rankedAgain, err := mm.JoinOrCreate(ctx, "battle", map[string]any{"mode": "ranked"}, nil)
		require.NoError(t, err)

		assert.NotEqual(t, ranked.Room.RoomID, casual.Room.RoomID)
		assert.Equal(t, ranked.Room.RoomID, rankedAgain.Room.RoomID)

		// 過濾鍵的值必須落在列表記錄上，否則同條件的查找永遠落空
		assert.Equal(t, "ranked", ranked.Room.Metadata["mode"])
		assert.Equal(t, "casual", casual.Room.Metadata["mode"])
	})

	t.Run("undeclared option keys do not affect matching", func(t *testing.T) {
		mm := newTestEngine(t, presence.NewLocalPresence(), driver.NewMemoryDriver())
		defineBattle(mm, WithFilterBy("mode"))

		first, err := mm.JoinOrCreate(ctx, "battle", map[string]any{"mode": "ranked", "nickname": "a"}, nil)
		require.NoError(t, err)
		second, err := mm.JoinOrCreate(ctx, "battle", map[string]any{"mode": "ranked", "nickname": "b"}, nil)
		require.NoError(t, err)

		assert.Equal(t, first.Room.RoomID, second.Room.RoomID)
	})

	t.Run("concurrent requests converge on one room", func(t *testing.T) {
		mm := newTestEngine(t, presence.NewLocalPresence(), driver.NewMemoryDriver())
		defineBattle(mm)

		const n = 10
		var wg sync.WaitGroup
		wg.Add(n)
		reservations := make([]*SeatReservation, n)
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			go func(i int) {
				defer wg.Done()
				reservations[i], errs[i] = mm.JoinOrCreate(ctx, "battle", nil, nil)
			}(i)
		}
		wg.Wait()

		roomIDs := make(map[string]struct{})
		for i := 0; i < n; i++ {
			require.NoError(t, errs[i])
			roomIDs[reservations[i].Room.RoomID] = struct{}{}
		}
		assert.Len(t, roomIDs, 1, "併發的 joinOrCreate 必須收斂到同一個房間")
	})

	t.Run("concurrent requests against capacity one", func(t *testing.T) {
		mm := newTestEngine(t, presence.NewLocalPresence(), driver.NewMemoryDriver())
		defineBattle(mm, WithDefaultOptions(map[string]any{"maxClients": 1}))

		const n = 4
		var wg sync.WaitGroup
		wg.Add(n)
		sessions := make(map[string]struct{})
		var mu sync.Mutex
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				res, err := mm.JoinOrCreate(ctx, "battle", nil, nil)
				if err == nil {
					mu.Lock()
					sessions[res.SessionID] = struct{}{}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		// 容量 1 的房間每間恰好承載一個預留
		assert.Len(t, sessions, n)
		assert.Equal(t, n, mm.LocalRoomCount())
	})
}

func TestMatchMaker_JoinAndCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("join fails without an existing room", func(t *testing.T) {
		mm := newTestEngine(t, presence.NewLocalPresence(), driver.NewMemoryDriver())
		defineBattle(mm)

		_, err := mm.Join(ctx, "battle", nil, nil)
		var mmErr *MatchmakeError
		require.ErrorAs(t, err, &mmErr)
		assert.Equal(t, ErrCodeInvalidCriteria, mmErr.Code)
	})

	t.Run("join finds an existing room", func(t *testing.T) {
		mm := newTestEngine(t, presence.NewLocalPresence(), driver.NewMemoryDriver())
		defineBattle(mm)

		created, err := mm.Create(ctx, "battle", nil, nil)
		require.NoError(t, err)

		joined, err := mm.Join(ctx, "battle", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, created.Room.RoomID, joined.Room.RoomID)
	})

	t.Run("create always makes a new room", func(t *testing.T) {
		mm := newTestEngine(t, presence.NewLocalPresence(), driver.NewMemoryDriver())
		defineBattle(mm)

		first, err := mm.Create(ctx, "battle", nil, nil)
		require.NoError(t, err)
		second, err := mm.Create(ctx, "battle", nil, nil)
		require.NoError(t, err)

		assert.NotEqual(t, first.Room.RoomID, second.Room.RoomID)
	})

	t.Run("failed persist disposes the half-created room", func(t *testing.T) {
		d := &failingPersistDriver{Driver: driver.NewMemoryDriver()}
		mm := newTestEngine(t, presence.NewLocalPresence(), d)

		handler := &hookHandler{
			onCreate: func(_ context.Context, room *Room, _ map[string]any) error {
				room.SetSimulationInterval(func(time.Duration) {}, 10*time.Millisecond)
				return nil
			},
		}
		mm.Define("battle", func() RoomHandler { return handler })

		_, err := mm.Create(ctx, "battle", nil, nil)
		require.Error(t, err)

		// OnCreate 武裝的模擬節拍必須隨銷毀停掉，不得洩漏
		assert.Equal(t, int32(1), handler.disposeCalls.Load())
		assert.Equal(t, 0, mm.LocalRoomCount())
	})

	t.Run("create merges default options", func(t *testing.T) {
		mm := newTestEngine(t, presence.NewLocalPresence(), driver.NewMemoryDriver())
		defineBattle(mm, WithDefaultOptions(map[string]any{"maxClients": 2}))

		res, err := mm.Create(ctx, "battle", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Room.MaxClients)

		// 客戶端選項覆蓋預設
		res, err = mm.Create(ctx, "battle", map[string]any{"maxClients": 6}, nil)
		require.NoError(t, err)
		assert.Equal(t, 6, res.Room.MaxClients)
	})
}

func TestMatchMaker_JoinByID(t *testing.T) {
	ctx := context.Background()
	mm := newTestEngine(t, presence.NewLocalPresence(), driver.NewMemoryDriver())
	defineBattle(mm)

	created, err := mm.Create(ctx, "battle", nil, nil)
	require.NoError(t, err)

	t.Run("joins an existing room by id", func(t *testing.T) {
		res, err := mm.JoinByID(ctx, created.Room.RoomID, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, created.Room.RoomID, res.Room.RoomID)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := mm.JoinByID(ctx, "ghost", nil, nil)
		var mmErr *MatchmakeError
		require.ErrorAs(t, err, &mmErr)
		assert.Equal(t, ErrCodeInvalidRoomID, mmErr.Code)
	})

	t.Run("locked room behaves like an invalid id", func(t *testing.T) {
		room, ok := mm.RoomByID(created.Room.RoomID)
		require.True(t, ok)
		room.Lock(ctx)

		_, err := mm.JoinByID(ctx, created.Room.RoomID, nil, nil)
		var mmErr *MatchmakeError
		require.ErrorAs(t, err, &mmErr)
		assert.Equal(t, ErrCodeInvalidRoomID, mmErr.Code)

		room.Unlock(ctx)
	})
}

func TestMatchMaker_Reconnect(t *testing.T) {
	ctx := context.Background()
	mm := newTestEngine(t, presence.NewLocalPresence(), driver.NewMemoryDriver())
	defineBattle(mm)

	res, err := mm.Create(ctx, "battle", nil, nil)
	require.NoError(t, err)
	room, ok := mm.RoomByID(res.Room.RoomID)
	require.True(t, ok)

	client := NewClient(res.SessionID)
	require.NoError(t, room.Join(ctx, client, ""))

	t.Run("no pending reconnection", func(t *testing.T) {
		_, err := mm.Reconnect(ctx, res.Room.RoomID, res.SessionID)
		var mmErr *MatchmakeError
		require.ErrorAs(t, err, &mmErr)
		assert.Equal(t, ErrCodeExpired, mmErr.Code)
	})

	t.Run("pending reconnection yields a reservation", func(t *testing.T) {
		room.Leave(ctx, res.SessionID, false)
		_, err := room.AllowReconnection(ctx, client, time.Minute)
		require.NoError(t, err)

		reservation, err := mm.Reconnect(ctx, res.Room.RoomID, res.SessionID)
		require.NoError(t, err)
		assert.Equal(t, res.SessionID, reservation.SessionID)
		assert.Equal(t, res.Room.RoomID, reservation.Room.RoomID)
	})

	t.Run("unknown room", func(t *testing.T) {
		_, err := mm.Reconnect(ctx, "ghost", res.SessionID)
		var mmErr *MatchmakeError
		require.ErrorAs(t, err, &mmErr)
		assert.Equal(t, ErrCodeInvalidRoomID, mmErr.Code)
	})
}

func TestMatchMaker_RoomDisposeCleansUp(t *testing.T) {
	ctx := context.Background()
	p := presence.NewLocalPresence()
	d := driver.NewMemoryDriver()
	mm := newTestEngine(t, p, d)
	defineBattle(mm)

	res, err := mm.JoinOrCreate(ctx, "battle", nil, nil)
	require.NoError(t, err)
	room, ok := mm.RoomByID(res.Room.RoomID)
	require.True(t, ok)

	client := NewClient(res.SessionID)
	require.NoError(t, room.Join(ctx, client, ""))
	assert.Equal(t, int64(1), mm.Stats().CCU())

	room.Leave(ctx, res.SessionID, true)
	assert.Equal(t, int64(0), mm.Stats().CCU())

	// 空房間在寬限期後自動銷毀：註冊表、IPC 頻道、列表記錄、計數都被拆除
	assert.Eventually(t, func() bool {
		return mm.LocalRoomCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(0), mm.Stats().RoomCount())

	stored, err := d.FindOne(ctx, map[string]any{"roomId": res.Room.RoomID}, nil)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestMatchMaker_CrossProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("reserve seat on a remote room", func(t *testing.T) {
		p := presence.NewLocalPresence()
		d := driver.NewMemoryDriver()
		owner := newTestEngine(t, p, d)
		peer := newTestEngine(t, p, d)
		defineBattle(owner)
		defineBattle(peer)

		created, err := owner.Create(ctx, "battle", nil, nil)
		require.NoError(t, err)

		// peer 沒有本地房間實例，預留必須走 IPC 到 owner
		res, err := peer.JoinByID(ctx, created.Room.RoomID, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, owner.ProcessID(), res.Room.ProcessID)

		room, ok := owner.RoomByID(created.Room.RoomID)
		require.True(t, ok)
		assert.True(t, room.HasReservation(res.SessionID))
	})

	t.Run("remote full room surfaces as room full", func(t *testing.T) {
		p := presence.NewLocalPresence()
		d := driver.NewMemoryDriver()
		owner := newTestEngine(t, p, d)
		peer := newTestEngine(t, p, d)
		defineBattle(owner, WithDefaultOptions(map[string]any{"maxClients": 2, "autoDispose": false}))
		defineBattle(peer)

		created, err := owner.Create(ctx, "battle", nil, nil)
		require.NoError(t, err)
		room, ok := owner.RoomByID(created.Room.RoomID)
		require.True(t, ok)

		// 佔掉第二個席位但不觸發鎖定檢查路徑之外的行為
		require.True(t, room.ReserveSeat(ctx, "filler", nil, 0, false))

		// 房間已滿且被隱式鎖定，按 ID 加入視同無效 ID
		_, err = peer.JoinByID(ctx, created.Room.RoomID, nil, nil)
		var mmErr *MatchmakeError
		require.ErrorAs(t, err, &mmErr)
		assert.Equal(t, ErrCodeInvalidRoomID, mmErr.Code)
	})

	t.Run("dead process is purged after health check", func(t *testing.T) {
		p := presence.NewLocalPresence()
		d := driver.NewMemoryDriver()
		mm := newTestEngine(t, p, d)
		defineBattle(mm)

		// 偽造一個崩潰進程的殘骸：負載行 + 房間記錄，但沒人聽它的頻道
		require.NoError(t, p.HSet(ctx, "roomcount", "proc-dead", "1,0"))
		require.NoError(t, d.Persist(ctx, &driver.RoomCache{
			RoomID:    "stale-room",
			Name:      "battle",
			ProcessID: "proc-dead",
			CreatedAt: time.Now(),
		}, true))

		// 第一次請求撞上死房間：IPC 超時 → 健康檢查 → 確認死亡
		_, err := mm.JoinOrCreate(ctx, "battle", nil, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrProcessUnavailable)

		// 殘骸已清除：房間記錄與負載行都不在了
		stored, err := d.FindOne(ctx, map[string]any{"roomId": "stale-room"}, nil)
		require.NoError(t, err)
		assert.Nil(t, stored)
		value, err := p.HGet(ctx, "roomcount", "proc-dead")
		require.NoError(t, err)
		assert.Equal(t, "", value)

		// 後續請求正常落在本進程
		res, err := mm.JoinOrCreate(ctx, "battle", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, mm.ProcessID(), res.Room.ProcessID)
	})
}

func TestMatchMaker_GracefulShutdown(t *testing.T) {
	ctx := context.Background()

	t.Run("waits for leave hooks and clears listings", func(t *testing.T) {
		p := presence.NewLocalPresence()
		d := driver.NewMemoryDriver()
		mm := newTestEngine(t, p, d)

		const hookDelay = 30 * time.Millisecond
		handler := &hookHandler{
			onLeave: func(context.Context, *Room, *Client, bool) error {
				time.Sleep(hookDelay)
				return nil
			},
		}
		mm.Define("battle", func() RoomHandler { return handler })

		res, err := mm.JoinOrCreate(ctx, "battle", nil, nil)
		require.NoError(t, err)
		room, ok := mm.RoomByID(res.Room.RoomID)
		require.True(t, ok)

		for i := 0; i < 3; i++ {
			sessionID := fmt.Sprintf("s%d", i)
			require.True(t, room.ReserveSeat(ctx, sessionID, nil, 0, false))
			require.NoError(t, room.Join(ctx, NewClient(sessionID), ""))
		}

		start := time.Now()
		require.NoError(t, mm.GracefulShutdown(ctx))

		assert.GreaterOrEqual(t, time.Since(start), 3*hookDelay)
		assert.Equal(t, int32(3), handler.leaveCalls.Load())
		assert.Equal(t, int32(1), handler.disposeCalls.Load())

		// 本進程的所有房間記錄與負載行都已清除
		remaining, err := d.Query(ctx, nil, nil)
		require.NoError(t, err)
		assert.Empty(t, remaining)
		value, err := p.HGet(ctx, "roomcount", mm.ProcessID())
		require.NoError(t, err)
		assert.Equal(t, "", value)
	})

	t.Run("second shutdown is rejected", func(t *testing.T) {
		mm := newTestEngine(t, presence.NewLocalPresence(), driver.NewMemoryDriver())
		require.NoError(t, mm.GracefulShutdown(ctx))
		assert.ErrorIs(t, mm.GracefulShutdown(ctx), ErrAlreadyShuttingDown)
	})

	t.Run("no new matchmaking after shutdown", func(t *testing.T) {
		mm := newTestEngine(t, presence.NewLocalPresence(), driver.NewMemoryDriver())
		defineBattle(mm)
		require.NoError(t, mm.GracefulShutdown(ctx))

		_, err := mm.JoinOrCreate(ctx, "battle", nil, nil)
		assert.ErrorIs(t, err, ErrAlreadyShuttingDown)
	})
}

func TestMatchMaker_Query(t *testing.T) {
	ctx := context.Background()
	mm := newTestEngine(t, presence.NewLocalPresence(), driver.NewMemoryDriver())
	defineBattle(mm)

	first, err := mm.Create(ctx, "battle", nil, nil)
	require.NoError(t, err)
	_, err = mm.Create(ctx, "battle", nil, nil)
	require.NoError(t, err)

	all, err := mm.Query(ctx, map[string]any{"name": "battle"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// 私有房間不出現在公開查詢中
	room, ok := mm.RoomByID(first.Room.RoomID)
	require.True(t, ok)
	require.NoError(t, room.SetPrivate(ctx, true))

	public, err := mm.Query(ctx, map[string]any{"name": "battle", "private": false})
	require.NoError(t, err)
	assert.Len(t, public, 1)
}

func TestFewestRoomsSelector(t *testing.T) {
	tests := []struct {
		name     string
		local    string
		all      []stats.ProcessStat
		expected string
	}{
		{
			name:     "empty stats falls back to local",
			local:    "proc-a",
			all:      nil,
			expected: "proc-a",
		},
		{
			name:  "picks the least loaded process",
			local: "proc-a",
			all: []stats.ProcessStat{
				{ProcessID: "proc-a", RoomCount: 5},
				{ProcessID: "proc-b", RoomCount: 2},
				{ProcessID: "proc-c", RoomCount: 9},
			},
			expected: "proc-b",
		},
		{
			name:  "tie keeps the first seen",
			local: "proc-a",
			all: []stats.ProcessStat{
				{ProcessID: "proc-b", RoomCount: 3},
				{ProcessID: "proc-c", RoomCount: 3},
			},
			expected: "proc-b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FewestRoomsSelector(tt.local, tt.all))
		})
	}
}
