// Package driver 實現房間快取（room cache）的存儲與查詢抽象。
//
// 系統設計問題：
//
//	所有進程如何看到「目前有哪些房間、各自的負載」，從而決定加入哪個房間？
//
// 核心挑戰：
//  1. 查詢彈性：既要匹配頂層欄位（name、locked），也要匹配用戶自定義 metadata
//  2. 排序穩定：多鍵排序下平局必須保持穩定順序（否則配對結果抖動）
//  3. 讀放大：大量併發配對請求同時讀取整張表（網絡後端需要合併讀取）
//  4. 崩潰清理：進程異常退出後，它擁有的房間記錄必須能被批量清除
//
// 設計方案：
//
//	✅ 先過濾後排序 - 只對過濾後的子集排序
//	✅ 頂層欄位優先、metadata 欄位兜底的統一解析規則
//	✅ 網絡後端按房間名合併同時進行的全表讀取
package driver

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// RoomCache 房間列表記錄（與運行中的房間實例是兩回事）
//
// 不變式：
//   - RoomID 創建時生成一次，之後不可變、全局唯一
//   - 同一時刻只有 ProcessID 指向的進程可以修改這筆記錄
type RoomCache struct {
	RoomID        string         `json:"roomId"`
	Name          string         `json:"name"`
	ProcessID     string         `json:"processId"`
	Clients       int            `json:"clients"`
	MaxClients    int            `json:"maxClients"`
	Locked        bool           `json:"locked"`
	Private       bool           `json:"private"`
	Unlisted      bool           `json:"unlisted"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	PublicAddress string         `json:"publicAddress,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// FieldValue 解析欄位值：頂層欄位優先，metadata 同名欄位兜底
func (c *RoomCache) FieldValue(name string) (any, bool) {
	switch name {
	case "roomId":
		return c.RoomID, true
	case "name":
		return c.Name, true
	case "processId":
		return c.ProcessID, true
	case "clients":
		return c.Clients, true
	case "maxClients":
		return c.MaxClients, true
	case "locked":
		return c.Locked, true
	case "private":
		return c.Private, true
	case "unlisted":
		return c.Unlisted, true
	case "publicAddress":
		return c.PublicAddress, true
	case "createdAt":
		return c.CreatedAt, true
	}
	if c.Metadata != nil {
		if v, ok := c.Metadata[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// SortOption 排序鍵
type SortOption struct {
	Field      string
	Descending bool
}

// Driver 房間快取存儲契約
//
// 兩種實現：
//   - MemoryDriver：單進程內存版
//   - RedisDriver：多進程共享版（Redis 雜湊）
type Driver interface {
	// Has 判斷房間記錄是否存在
	Has(ctx context.Context, roomID string) (bool, error)

	// Query 返回所有匹配條件的記錄，按 sortOptions 排序
	Query(ctx context.Context, conditions map[string]any, sortOptions []SortOption) ([]*RoomCache, error)

	// FindOne 返回排序後的第一筆匹配記錄，無匹配時返回 nil
	FindOne(ctx context.Context, conditions map[string]any, sortOptions []SortOption) (*RoomCache, error)

	// Update 對記錄做部分更新：set 直接賦值，inc 數值遞增
	Update(ctx context.Context, room *RoomCache, set map[string]any, inc map[string]int64) error

	// Persist 寫回整筆記錄；create 為 true 表示首次寫入
	Persist(ctx context.Context, room *RoomCache, create bool) error

	// Remove 刪除房間記錄
	Remove(ctx context.Context, roomID string) error

	// Cleanup 批量刪除某個進程擁有的所有記錄（進程崩潰後的自癒）
	Cleanup(ctx context.Context, processID string) error

	// Clear 清空所有記錄（僅供測試）
	Clear(ctx context.Context) error
}

// matchConditions 判斷記錄是否匹配所有條件
//
// 匹配規則：每個條件鍵先解析為頂層欄位，再退回 metadata 同名欄位；
// 解析不到視為不匹配。
func matchConditions(room *RoomCache, conditions map[string]any) bool {
	for key, expected := range conditions {
		actual, ok := room.FieldValue(key)
		if !ok || !equalValues(actual, expected) {
			return false
		}
	}
	return true
}

// equalValues 跨類型等值比較
//
// metadata 經過 JSON 往返後數字會變成 float64，
// 必須與 int / int64 視為可比較，否則嵌套欄位匹配會失效。
func equalValues(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// compareValues 比較兩個欄位值，返回 -1/0/1
func compareValues(a, b any) int {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			switch {
			case ab == bb:
				return 0
			case bb:
				return -1
			default:
				return 1
			}
		}
	}

	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

// filterAndSort 先過濾後排序（只對過濾後的子集排序）
func filterAndSort(rooms []*RoomCache, conditions map[string]any, sortOptions []SortOption) []*RoomCache {
	var filtered []*RoomCache
	for _, room := range rooms {
		if matchConditions(room, conditions) {
			filtered = append(filtered, room)
		}
	}

	if len(sortOptions) > 0 {
		// 穩定排序：平局時保持原有順序，配對結果不抖動
		sort.SliceStable(filtered, func(i, j int) bool {
			for _, opt := range sortOptions {
				av, aok := filtered[i].FieldValue(opt.Field)
				bv, bok := filtered[j].FieldValue(opt.Field)
				if !aok || !bok {
					continue
				}
				cmp := compareValues(av, bv)
				if cmp == 0 {
					continue
				}
				if opt.Descending {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}

	return filtered
}

// applyChanges 將 set / inc 部分更新應用到記錄上
func applyChanges(room *RoomCache, set map[string]any, inc map[string]int64) {
	for key, value := range set {
		switch key {
		case "clients":
			if n, ok := toFloat(value); ok {
				room.Clients = int(n)
			}
		case "maxClients":
			if n, ok := toFloat(value); ok {
				room.MaxClients = int(n)
			}
		case "locked":
			if b, ok := value.(bool); ok {
				room.Locked = b
			}
		case "private":
			if b, ok := value.(bool); ok {
				room.Private = b
			}
		case "unlisted":
			if b, ok := value.(bool); ok {
				room.Unlisted = b
			}
		case "metadata":
			if m, ok := value.(map[string]any); ok {
				room.Metadata = m
			}
		case "publicAddress":
			if s, ok := value.(string); ok {
				room.PublicAddress = s
			}
		}
	}
	for key, delta := range inc {
		switch key {
		case "clients":
			room.Clients += int(delta)
		case "maxClients":
			room.MaxClients += int(delta)
		}
	}
}
