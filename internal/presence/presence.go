// Package presence 實現跨進程協調基礎設施。
//
// 系統設計問題：
//
//	多個無共享內存的進程如何協調「誰創建房間、誰加入房間」？
//
// 核心挑戰：
//  1. 消息傳遞：進程間需要請求/回覆式通信（IPC 建立在其上）
//  2. 原子操作：併發鎖計數器必須原子遞增並帶過期時間
//  3. 可互換性：單進程部署不應被迫依賴外部服務
//  4. 契約一致：內存版與 Redis 版必須有完全相同的語義
//
// 設計方案：
//
//	✅ Pub/Sub 頻道 - at-least-once 投遞給當前訂閱者（無持久化）
//	✅ HIncrByEx - 原子「遞增 + 重設整個 key 的 TTL」（併發鎖原語）
//	✅ 契約測試 - 同一組測試跑在兩種後端上
package presence

import (
	"context"
	"time"
)

// Handler 訂閱回調，收到該頻道的一則消息時被調用。
type Handler func(payload []byte)

// Subscription 一次訂閱的句柄。
//
// 設計重點（成對的取得/釋放）：
//   - Subscribe 與 Close 必須成對出現
//   - IPC 的回覆頻道依賴它保證超時路徑也能清理訂閱
//   - 長期運行的進程若洩漏訂閱，內存與頻道表會無限增長
type Subscription struct {
	topic string
	close func()
}

// Topic 返回訂閱的頻道名。
func (s *Subscription) Topic() string { return s.topic }

// Close 取消此訂閱。可安全地重複調用。
func (s *Subscription) Close() {
	if s.close != nil {
		s.close()
		s.close = nil
	}
}

// Presence 跨進程協調基礎設施的統一契約。
//
// 所有操作都是異步的（可能阻塞在網絡上），因此都接受 context。
// 兩種實現：
//   - LocalPresence：單進程內存版（測試與單機部署）
//   - RedisPresence：多進程版（Redis pub/sub + 原子操作）
//
// 原子性假設：
//   - HIncrByEx 假定為原子（併發鎖依賴它）
//   - 單獨的 Get/Set 組合「不」假定原子，不得用於需要原子性的場合
type Presence interface {
	// Subscribe 訂閱頻道。每則發布的消息都會調用 handler 一次。
	Subscribe(ctx context.Context, topic string, handler Handler) (*Subscription, error)

	// Unsubscribe 移除該頻道的所有訂閱。
	Unsubscribe(ctx context.Context, topic string) error

	// Publish 向頻道發布消息。只投遞給「當前」訂閱者，不做持久化。
	Publish(ctx context.Context, topic string, payload []byte) error

	// 鍵值操作
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)

	// 雜湊操作
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key, field string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// HIncrByEx 原子地對雜湊欄位遞增，並（重新）設置整個 key 的過期時間。
	// 這是 joinOrCreate 併發鎖的核心原語：即使持鎖進程崩潰，
	// TTL 也保證計數器最終歸零，不會留下永久卡死的鎖。
	HIncrByEx(ctx context.Context, key, field string, delta int64, ttl time.Duration) (int64, error)

	// 集合操作
	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)
	SInter(ctx context.Context, keys ...string) ([]string, error)

	// Channels 返回當前有訂閱者的頻道，支持 glob 模式（如 "p:*"）。
	// 這是契約的一部分而非可選能力：健康檢查掃描依賴它。
	Channels(ctx context.Context, pattern string) ([]string, error)

	// Close 釋放底層資源。
	Close() error
}
