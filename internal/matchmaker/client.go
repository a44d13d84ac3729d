package matchmaker

import "sync"

// ClientState 客戶端連接狀態
//
// 狀態轉換：
//
//	JOINING → JOINED → LEAVING
//	JOINING → RECONNECTED → LEAVING
type ClientState int

const (
	// ClientJoining 席位已預留，尚未完成加入流程
	ClientJoining ClientState = iota
	// ClientJoined 已加入房間
	ClientJoined
	// ClientReconnected 通過重連窗口重新加入
	ClientReconnected
	// ClientLeaving 正在離開（每個連接實例的終態）
	ClientLeaving
)

// Client 一個連接的客戶端
//
// SessionID 跨重連保持穩定：同一個玩家斷線重連後，
// 新的 Client 實例攜帶相同的 SessionID。
type Client struct {
	SessionID string
	AuthData  any

	mu    sync.Mutex
	state ClientState

	// Messages 房間廣播的出站消息，由 Transport 層消費
	Messages chan []byte

	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient 創建客戶端（由 Transport 層在連接建立後調用）
func NewClient(sessionID string) *Client {
	return &Client{
		SessionID: sessionID,
		state:     ClientJoining,
		Messages:  make(chan []byte, 256),
		closed:    make(chan struct{}),
	}
}

// State 返回當前狀態
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(state ClientState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// Send 非阻塞投遞消息；緩衝滿時丟棄（慢客戶端不拖累整個房間）
func (c *Client) Send(data []byte) {
	select {
	case <-c.closed:
	case c.Messages <- data:
	default:
	}
}

// Closed 連接關閉信號，Transport 層監聽它來斷開底層連接
func (c *Client) Closed() <-chan struct{} {
	return c.closed
}

// Close 標記連接關閉。可安全地重複調用。
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}
