package driver

import (
	"context"
	"sync"
)

// MemoryDriver 內存版房間快取
//
// 單進程部署與測試用。所有記錄存在本進程內存中，
// 查詢語義（過濾、排序、部分更新）與 Redis 版完全一致。
type MemoryDriver struct {
	mu    sync.RWMutex
	rooms map[string]*RoomCache
	order []string // 保持插入順序，排序平局時結果穩定
}

// NewMemoryDriver 創建內存版 Driver
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		rooms: make(map[string]*RoomCache),
	}
}

// Has 判斷房間記錄是否存在
func (d *MemoryDriver) Has(_ context.Context, roomID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.rooms[roomID]
	return ok, nil
}

// Query 返回所有匹配條件的記錄
func (d *MemoryDriver) Query(_ context.Context, conditions map[string]any, sortOptions []SortOption) ([]*RoomCache, error) {
	d.mu.RLock()
	all := d.snapshot()
	d.mu.RUnlock()

	return filterAndSort(all, conditions, sortOptions), nil
}

// FindOne 返回排序後的第一筆匹配記錄
func (d *MemoryDriver) FindOne(ctx context.Context, conditions map[string]any, sortOptions []SortOption) (*RoomCache, error) {
	matches, err := d.Query(ctx, conditions, sortOptions)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	return matches[0], nil
}

// Update 對記錄做部分更新
func (d *MemoryDriver) Update(_ context.Context, room *RoomCache, set map[string]any, inc map[string]int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	applyChanges(room, set, inc)
	if stored, ok := d.rooms[room.RoomID]; ok && stored != room {
		applyChanges(stored, set, inc)
	}
	return nil
}

// Persist 寫回整筆記錄
func (d *MemoryDriver) Persist(_ context.Context, room *RoomCache, create bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.rooms[room.RoomID]; !exists {
		d.order = append(d.order, room.RoomID)
	}
	d.rooms[room.RoomID] = room
	return nil
}

// Remove 刪除房間記錄
func (d *MemoryDriver) Remove(_ context.Context, roomID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(roomID)
	return nil
}

// Cleanup 批量刪除某個進程擁有的所有記錄
func (d *MemoryDriver) Cleanup(_ context.Context, processID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var toRemove []string
	for roomID, room := range d.rooms {
		if room.ProcessID == processID {
			toRemove = append(toRemove, roomID)
		}
	}
	for _, roomID := range toRemove {
		d.removeLocked(roomID)
	}
	return nil
}

// Clear 清空所有記錄（僅供測試）
func (d *MemoryDriver) Clear(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms = make(map[string]*RoomCache)
	d.order = nil
	return nil
}

// snapshot 按插入順序返回所有記錄（需要持有讀鎖）
func (d *MemoryDriver) snapshot() []*RoomCache {
	all := make([]*RoomCache, 0, len(d.rooms))
	for _, roomID := range d.order {
		if room, ok := d.rooms[roomID]; ok {
			all = append(all, room)
		}
	}
	return all
}

// removeLocked 需要持有寫鎖
func (d *MemoryDriver) removeLocked(roomID string) {
	if _, ok := d.rooms[roomID]; !ok {
		return
	}
	delete(d.rooms, roomID)
	for i, id := range d.order {
		if id == roomID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}
