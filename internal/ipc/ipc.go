// Package ipc 實現建立在 Presence pub/sub 之上的請求/回覆協議。
//
// 系統設計問題：
//
//	只有 pub/sub 原語時，如何做跨進程的「調用並等待結果」？
//
// 核心挑戰：
//  1. 關聯：請求與回覆必須通過生成的標識符一一對應
//  2. 超時：跨進程調用不允許無界等待
//  3. 清理：成功與超時路徑都必須釋放回覆頻道的訂閱
//  4. 永遠回覆：服務端即使處理失敗也要回覆，調用端才不會白等到超時
//
// 協議格式：
//
//	請求：[method, requestId, args]  發布在 "p:<processId>" 或 "$<roomId>" 頻道
//	回覆：[code, data]               發布在 "ipc:<requestId>" 頻道
//	code：0=SUCCESS、1=ERROR、2=TIMEOUT
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-matchmaker/internal/presence"
)

// 回覆碼
const (
	CodeSuccess = 0
	CodeError   = 1
	CodeTimeout = 2
)

// ErrTimeout 跨進程調用超時的內部哨兵錯誤。
//
// 它「不是」面向用戶的錯誤：MatchMaker 收到它之後必須先做健康檢查，
// 把歧義的超時解析成確定的結果（進程死亡 / 房間已滿 / 本地兜底），
// 再轉換成對外的錯誤類型。
var ErrTimeout = errors.New("ipc 請求超時")

// replyChannel 回覆頻道名
func replyChannel(requestID string) string {
	return "ipc:" + requestID
}

// Request 發起跨進程調用並等待回覆。
//
// 設計重點：
//   - 先訂閱回覆頻道、再發布請求，避免回覆比訂閱先到
//   - 訂閱的釋放集中在 defer：成功、失敗、超時都不洩漏
//   - 超時後遲到的回覆會因為訂閱已拆除而被直接丟棄
func Request(ctx context.Context, p presence.Presence, channel, method string, args []any, timeout time.Duration) (json.RawMessage, error) {
	requestID := uuid.NewString()

	replyCh := make(chan []byte, 1)
	sub, err := p.Subscribe(ctx, replyChannel(requestID), func(payload []byte) {
		select {
		case replyCh <- payload:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("訂閱回覆頻道失敗: %w", err)
	}
	defer sub.Close()

	request, err := json.Marshal([]any{method, requestID, args})
	if err != nil {
		return nil, fmt.Errorf("序列化請求失敗: %w", err)
	}
	if err := p.Publish(ctx, channel, request); err != nil {
		return nil, fmt.Errorf("發布請求失敗: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload := <-replyCh:
		return decodeReply(payload)
	case <-timer.C:
		return nil, fmt.Errorf("%w: channel=%s method=%s", ErrTimeout, channel, method)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// decodeReply 解析 [code, data] 回覆
func decodeReply(payload []byte) (json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(payload, &parts); err != nil || len(parts) < 2 {
		return nil, fmt.Errorf("回覆格式無效: %s", payload)
	}

	var code int
	if err := json.Unmarshal(parts[0], &code); err != nil {
		return nil, fmt.Errorf("回覆碼無效: %s", parts[0])
	}

	switch code {
	case CodeSuccess:
		return parts[1], nil
	case CodeTimeout:
		return nil, ErrTimeout
	default:
		var message string
		_ = json.Unmarshal(parts[1], &message)
		return nil, errors.New(message)
	}
}

// HandlerFunc 服務端方法分發器
type HandlerFunc func(ctx context.Context, method string, args []json.RawMessage) (any, error)

// Server 一個頻道上的 IPC 服務端
type Server struct {
	channel string
	sub     *presence.Subscription
}

// Channel 返回服務的頻道名
func (s *Server) Channel() string { return s.channel }

// Close 停止接受該頻道上的請求
func (s *Server) Close() {
	s.sub.Close()
}

// Serve 在頻道上提供請求處理。
//
// 不變式：每個請求必定得到一則回覆——handler 返回錯誤時回覆 ERROR，
// 序列化失敗時也回覆 ERROR。調用端因此永遠不會等超過自己的超時。
func Serve(ctx context.Context, p presence.Presence, channel string, handler HandlerFunc, logger *slog.Logger) (*Server, error) {
	sub, err := p.Subscribe(ctx, channel, func(payload []byte) {
		handleRequest(context.Background(), p, channel, payload, handler, logger)
	})
	if err != nil {
		return nil, fmt.Errorf("訂閱 IPC 頻道失敗: %w", err)
	}
	return &Server{channel: channel, sub: sub}, nil
}

func handleRequest(ctx context.Context, p presence.Presence, channel string, payload []byte, handler HandlerFunc, logger *slog.Logger) {
	var parts []json.RawMessage
	if err := json.Unmarshal(payload, &parts); err != nil || len(parts) < 3 {
		logger.Error("IPC 請求格式無效", "channel", channel, "payload", string(payload))
		return
	}

	var method, requestID string
	if err := json.Unmarshal(parts[0], &method); err != nil {
		logger.Error("IPC 方法名無效", "channel", channel)
		return
	}
	if err := json.Unmarshal(parts[1], &requestID); err != nil {
		logger.Error("IPC 請求 ID 無效", "channel", channel)
		return
	}

	var args []json.RawMessage
	if err := json.Unmarshal(parts[2], &args); err != nil {
		reply(ctx, p, requestID, CodeError, "參數格式無效", logger)
		return
	}

	result, err := handler(ctx, method, args)
	if err != nil {
		reply(ctx, p, requestID, CodeError, err.Error(), logger)
		return
	}
	reply(ctx, p, requestID, CodeSuccess, result, logger)
}

func reply(ctx context.Context, p presence.Presence, requestID string, code int, data any, logger *slog.Logger) {
	payload, err := json.Marshal([]any{code, data})
	if err != nil {
		// 結果序列化失敗也要回覆，調用端不能白等
		payload, _ = json.Marshal([]any{CodeError, fmt.Sprintf("序列化回覆失敗: %v", err)})
	}
	if err := p.Publish(ctx, replyChannel(requestID), payload); err != nil {
		logger.Error("發布 IPC 回覆失敗", "request_id", requestID, "error", err)
	}
}
