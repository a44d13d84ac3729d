package matchmaker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/koopa0/system-design/14-matchmaker/internal/driver"
)

// RoomHandler 用戶實現的房間邏輯鉤子
//
// 錯誤語義：
//   - OnCreate / OnAuth / OnJoin 的錯誤會包裝成配對錯誤返回調用方，中止該次加入
//   - OnLeave / OnDispose 的錯誤只記日誌、不傳播——清理流程永遠要完成
type RoomHandler interface {
	// OnCreate 房間創建時調用一次
	OnCreate(ctx context.Context, room *Room, options map[string]any) error

	// OnAuth 客戶端加入前的認證；返回的 authData 會掛在 Client 上。
	// 返回錯誤即拒絕加入。
	OnAuth(ctx context.Context, room *Room, client *Client, token string) (any, error)

	// OnJoin 客戶端通過認證後調用；返回錯誤即拒絕加入
	OnJoin(ctx context.Context, room *Room, client *Client, options map[string]any) error

	// OnLeave 客戶端離開時調用；consented 表示是否主動離開
	OnLeave(ctx context.Context, room *Room, client *Client, consented bool) error

	// OnDispose 房間銷毀時調用一次
	OnDispose(ctx context.Context, room *Room) error
}

// ShutdownHandler 可選鉤子：優雅關閉前對每個房間調用一次
type ShutdownHandler interface {
	BeforeShutdown(ctx context.Context, room *Room)
}

// BaseRoomHandler 提供全部鉤子的空實現，用戶嵌入後只覆寫需要的鉤子
type BaseRoomHandler struct{}

func (BaseRoomHandler) OnCreate(context.Context, *Room, map[string]any) error { return nil }
func (BaseRoomHandler) OnAuth(context.Context, *Room, *Client, string) (any, error) {
	return nil, nil
}
func (BaseRoomHandler) OnJoin(context.Context, *Room, *Client, map[string]any) error { return nil }
func (BaseRoomHandler) OnLeave(context.Context, *Room, *Client, bool) error          { return nil }
func (BaseRoomHandler) OnDispose(context.Context, *Room) error                       { return nil }

// RoomFactory 創建一個新的房間邏輯實例
type RoomFactory func() RoomHandler

// RegisteredHandler 房間類型註冊：綁定類型名、構造器、
// 預設選項、參與配對的過濾鍵與排序規則。
//
// 設計重點：過濾鍵是「聲明式的封閉集合」——只有 FilterBy 列出的
// 客戶端選項才參與房間匹配，其餘鍵在配對邊界被忽略，
// 不會把開放的選項包一路透傳進查詢。
type RegisteredHandler struct {
	name           string
	factory        RoomFactory
	defaultOptions map[string]any
	filterBy       []string
	sortBy         []driver.SortOption
}

// DefineOption 註冊時的配置項
type DefineOption func(*RegisteredHandler)

// WithDefaultOptions 設置創建房間時合併進去的預設選項
func WithDefaultOptions(options map[string]any) DefineOption {
	return func(h *RegisteredHandler) { h.defaultOptions = options }
}

// WithFilterBy 聲明參與配對過濾的客戶端選項鍵
func WithFilterBy(keys ...string) DefineOption {
	return func(h *RegisteredHandler) { h.filterBy = keys }
}

// WithSortBy 聲明候選房間的排序規則
func WithSortBy(options ...driver.SortOption) DefineOption {
	return func(h *RegisteredHandler) { h.sortBy = options }
}

// Name 返回房間類型名
func (h *RegisteredHandler) Name() string { return h.name }

// filterConditions 從客戶端選項提取參與配對的條件（只取聲明過的鍵）
func (h *RegisteredHandler) filterConditions(options map[string]any) map[string]any {
	conditions := make(map[string]any)
	for _, key := range h.filterBy {
		if value, ok := options[key]; ok {
			conditions[key] = value
		}
	}
	return conditions
}

// filterKey 計算併發鎖的過濾鍵：聲明鍵按字典序規範化，
// 相同過濾條件的 joinOrCreate 請求落在同一個鍵上。
func (h *RegisteredHandler) filterKey(options map[string]any) string {
	conditions := h.filterConditions(options)
	if len(conditions) == 0 {
		return "-"
	}

	keys := make([]string, 0, len(conditions))
	for key := range conditions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", key, conditions[key]))
	}
	return strings.Join(parts, "|")
}

// mergeOptions 預設選項在前、客戶端選項覆蓋
func mergeOptions(defaults, options map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(options))
	for key, value := range defaults {
		merged[key] = value
	}
	for key, value := range options {
		merged[key] = value
	}
	return merged
}
