// Package stats 實現每進程的負載計數器（房間數、同時在線人數）。
//
// 系統設計問題：
//
//	進程選擇策略需要知道「哪個進程最空閒」，這份數據怎麼維護？
//
// 核心挑戰：
//  1. 寫入頻率：每次加入/離開都變動計數，逐次寫入 Presence 壓力過大
//  2. 自讀陳舊：進程讀自己的行會讀到上次持久化的舊快照
//  3. 死進程殘留：崩潰進程的行必須能被剔除，否則永遠被選中
//
// 設計方案：
//
//	✅ 防抖持久化 - 突發變動合併為一次寫入
//	✅ FetchAll 用本進程的實時內存值替換自己的行
//	✅ ExcludeProcess 直接刪行（健康檢查失敗後調用）
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-matchmaker/internal/presence"
)

// roomCountKey 所有進程負載數據存放的雜湊 key
const roomCountKey = "roomcount"

// ProcessStat 一個進程的負載快照
type ProcessStat struct {
	ProcessID string
	RoomCount int64
	CCU       int64
}

// Stats 本進程的負載計數器
type Stats struct {
	presence  presence.Presence
	processID string
	logger    *slog.Logger

	mu        sync.Mutex
	roomCount int64
	ccu       int64

	persistInterval time.Duration
	persistTimer    *time.Timer
	pending         bool
	closed          bool
}

// New 創建負載計數器
//
// persistInterval 是防抖窗口：窗口內的多次變動合併為一次寫入。
func New(p presence.Presence, processID string, persistInterval time.Duration, logger *slog.Logger) *Stats {
	return &Stats{
		presence:        p,
		processID:       processID,
		persistInterval: persistInterval,
		logger:          logger,
	}
}

// ProcessID 返回本進程標識符
func (s *Stats) ProcessID() string { return s.processID }

// RoomCount 返回本進程實時房間數
func (s *Stats) RoomCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomCount
}

// CCU 返回本進程實時在線人數
func (s *Stats) CCU() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ccu
}

// IncrRoomCount 房間數 +1
func (s *Stats) IncrRoomCount() { s.add(1, 0) }

// DecrRoomCount 房間數 -1
func (s *Stats) DecrRoomCount() { s.add(-1, 0) }

// IncrCCU 在線人數 +1
func (s *Stats) IncrCCU() { s.add(0, 1) }

// DecrCCU 在線人數 -1
func (s *Stats) DecrCCU() { s.add(0, -1) }

func (s *Stats) add(rooms, ccu int64) {
	s.mu.Lock()
	s.roomCount += rooms
	s.ccu += ccu
	s.schedulePersistLocked()
	s.mu.Unlock()
}

// schedulePersistLocked 防抖：窗口內只安排一次寫入（需要持有鎖）
func (s *Stats) schedulePersistLocked() {
	if s.pending || s.closed {
		return
	}
	s.pending = true
	s.persistTimer = time.AfterFunc(s.persistInterval, func() {
		s.mu.Lock()
		s.pending = false
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Persist(ctx); err != nil {
			s.logger.Error("持久化負載數據失敗", "process_id", s.processID, "error", err)
		}
	})
}

// Persist 立即把本進程的計數寫入共享雜湊。Close 之後是空操作：
// 行已經刪除，再寫回去會讓死進程看起來像最空閒的進程。
func (s *Stats) Persist(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	value := fmt.Sprintf("%d,%d", s.roomCount, s.ccu)
	s.mu.Unlock()

	return s.presence.HSet(ctx, roomCountKey, s.processID, value)
}

// FetchAll 讀取所有進程的負載數據。
//
// 本進程的行用實時內存值替換，避免讀到自己上次持久化的舊快照。
func (s *Stats) FetchAll(ctx context.Context) ([]ProcessStat, error) {
	entries, err := s.presence.HGetAll(ctx, roomCountKey)
	if err != nil {
		return nil, err
	}

	result := make([]ProcessStat, 0, len(entries)+1)
	seenSelf := false
	for pid, raw := range entries {
		if pid == s.processID {
			seenSelf = true
			result = append(result, ProcessStat{
				ProcessID: s.processID,
				RoomCount: s.RoomCount(),
				CCU:       s.CCU(),
			})
			continue
		}
		stat, err := parseStat(pid, raw)
		if err != nil {
			s.logger.Warn("負載數據格式無效", "process_id", pid, "value", raw)
			continue
		}
		result = append(result, stat)
	}

	if !seenSelf {
		result = append(result, ProcessStat{
			ProcessID: s.processID,
			RoomCount: s.RoomCount(),
			CCU:       s.CCU(),
		})
	}
	return result, nil
}

// ExcludeProcess 剔除一個進程的負載行（健康檢查確認死亡後調用）
func (s *Stats) ExcludeProcess(ctx context.Context, processID string) error {
	return s.presence.HDel(ctx, roomCountKey, processID)
}

// GlobalCCU 返回所有進程在線人數之和
func (s *Stats) GlobalCCU(ctx context.Context) (int64, error) {
	all, err := s.FetchAll(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, stat := range all {
		total += stat.CCU
	}
	return total, nil
}

// Close 取消掛起的防抖寫入並把自己從共享雜湊中移除。
// 之後的計數變動（關閉流程中的房間拆除）不再排程寫入。
func (s *Stats) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.persistTimer != nil {
		s.persistTimer.Stop()
	}
	s.pending = false
	s.mu.Unlock()

	return s.ExcludeProcess(ctx, s.processID)
}

// parseStat 解析 "roomCount,ccu" 格式
func parseStat(pid, raw string) (ProcessStat, error) {
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return ProcessStat{}, fmt.Errorf("格式無效: %s", raw)
	}
	rooms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ProcessStat{}, err
	}
	ccu, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ProcessStat{}, err
	}
	return ProcessStat{ProcessID: pid, RoomCount: rooms, CCU: ccu}, nil
}
