package matchmaker

import (
	"context"
	"sync"
)

// Reconnection 重連承諾：一個可等待、帶超時的未來值。
//
// AllowReconnection 返回它；同會話的新連接在窗口內到達時兌現，
// 窗口過期或房間銷毀時拒絕。兌現與拒絕互斥且各自只生效一次。
type Reconnection struct {
	sessionID string

	once   sync.Once
	done   chan struct{}
	client *Client
	err    error
}

func newReconnection(sessionID string) *Reconnection {
	return &Reconnection{
		sessionID: sessionID,
		done:      make(chan struct{}),
	}
}

// SessionID 返回等待重連的會話標識符
func (rec *Reconnection) SessionID() string { return rec.sessionID }

// fulfill 兌現：新連接帶著相同會話 ID 到達
func (rec *Reconnection) fulfill(client *Client) {
	rec.once.Do(func() {
		rec.client = client
		close(rec.done)
	})
}

// reject 拒絕：窗口過期或房間銷毀
func (rec *Reconnection) reject(err error) {
	rec.once.Do(func() {
		rec.err = err
		close(rec.done)
	})
}

// Await 等待重連結果。
// 成功時返回新的客戶端實例；窗口過期、房間銷毀或 context
// 取消時返回錯誤。
func (rec *Reconnection) Await(ctx context.Context) (*Client, error) {
	select {
	case <-rec.done:
		return rec.client, rec.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
