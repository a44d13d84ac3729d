package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// roomcachesKey 所有房間記錄存放的雜湊 key
const roomcachesKey = "roomcaches"

// RedisDriver 多進程共享版房間快取
//
// 系統設計考量：
//
//  1. 存儲模型：
//     單一雜湊 "roomcaches"，field = roomId，value = 記錄的 JSON。
//     HGETALL 拿全表，HSET/HDEL 單筆寫刪，HDEL 批量做崩潰清理。
//
//  2. 讀放大問題：
//     問題：高峰期大量 joinOrCreate 同時查詢同一個房間類型，
//     每個查詢都 HGETALL 會把讀流量放大數百倍
//     方案：按房間名合併進行中的全表讀取——同名查詢只發一次
//     HGETALL，其餘請求等待同一份快照
//     代價：等待者可能拿到幾毫秒前的數據（配對本來就允許）
//
//  3. 過濾與排序在調用方進程內完成：
//     Redis 只負責存取，查詢語義與 MemoryDriver 完全一致
type RedisDriver struct {
	client *redis.Client

	mu       sync.Mutex
	inflight map[string][]chan fetchResult
}

type fetchResult struct {
	rooms []*RoomCache
	err   error
}

// NewRedisDriver 創建 Redis 版 Driver
func NewRedisDriver(client *redis.Client) *RedisDriver {
	return &RedisDriver{
		client:   client,
		inflight: make(map[string][]chan fetchResult),
	}
}

// Has 判斷房間記錄是否存在
func (d *RedisDriver) Has(ctx context.Context, roomID string) (bool, error) {
	return d.client.HExists(ctx, roomcachesKey, roomID).Result()
}

// Query 返回所有匹配條件的記錄
func (d *RedisDriver) Query(ctx context.Context, conditions map[string]any, sortOptions []SortOption) ([]*RoomCache, error) {
	all, err := d.fetchAll(ctx, distinguishingKey(conditions))
	if err != nil {
		return nil, err
	}
	return filterAndSort(all, conditions, sortOptions), nil
}

// FindOne 返回排序後的第一筆匹配記錄
func (d *RedisDriver) FindOne(ctx context.Context, conditions map[string]any, sortOptions []SortOption) (*RoomCache, error) {
	matches, err := d.Query(ctx, conditions, sortOptions)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	return matches[0], nil
}

// Update 對記錄做部分更新並寫回
func (d *RedisDriver) Update(ctx context.Context, room *RoomCache, set map[string]any, inc map[string]int64) error {
	applyChanges(room, set, inc)
	return d.Persist(ctx, room, false)
}

// Persist 寫回整筆記錄
func (d *RedisDriver) Persist(ctx context.Context, room *RoomCache, _ bool) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("序列化房間記錄失敗: %w", err)
	}
	return d.client.HSet(ctx, roomcachesKey, room.RoomID, data).Err()
}

// Remove 刪除房間記錄
func (d *RedisDriver) Remove(ctx context.Context, roomID string) error {
	return d.client.HDel(ctx, roomcachesKey, roomID).Err()
}

// Cleanup 批量刪除某個進程擁有的所有記錄
func (d *RedisDriver) Cleanup(ctx context.Context, processID string) error {
	all, err := d.fetchAll(ctx, "")
	if err != nil {
		return err
	}

	var fields []string
	for _, room := range all {
		if room.ProcessID == processID {
			fields = append(fields, room.RoomID)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return d.client.HDel(ctx, roomcachesKey, fields...).Err()
}

// Clear 清空所有記錄（僅供測試）
func (d *RedisDriver) Clear(ctx context.Context) error {
	return d.client.Del(ctx, roomcachesKey).Err()
}

// distinguishingKey 合併讀取的分組鍵：同名房間的查詢共享一次讀取
func distinguishingKey(conditions map[string]any) string {
	if name, ok := conditions["name"].(string); ok {
		return name
	}
	return ""
}

// fetchAll 讀取全表，並按分組鍵合併同時進行的讀取
func (d *RedisDriver) fetchAll(ctx context.Context, key string) ([]*RoomCache, error) {
	d.mu.Lock()
	if waiters, ok := d.inflight[key]; ok {
		// 已有同組讀取在進行：排隊等那一次的結果
		ch := make(chan fetchResult, 1)
		d.inflight[key] = append(waiters, ch)
		d.mu.Unlock()

		select {
		case r := <-ch:
			return r.rooms, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.inflight[key] = []chan fetchResult{}
	d.mu.Unlock()

	rooms, err := d.hgetallRooms(ctx)

	d.mu.Lock()
	waiters := d.inflight[key]
	delete(d.inflight, key)
	d.mu.Unlock()

	for _, ch := range waiters {
		ch <- fetchResult{rooms: rooms, err: err}
	}
	return rooms, err
}

func (d *RedisDriver) hgetallRooms(ctx context.Context) ([]*RoomCache, error) {
	entries, err := d.client.HGetAll(ctx, roomcachesKey).Result()
	if err != nil {
		return nil, err
	}

	rooms := make([]*RoomCache, 0, len(entries))
	for _, raw := range entries {
		var room RoomCache
		if err := json.Unmarshal([]byte(raw), &room); err != nil {
			// 壞記錄跳過，不拖垮整個查詢
			continue
		}
		rooms = append(rooms, &room)
	}
	return rooms, nil
}
