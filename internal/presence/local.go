package presence

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

// LocalPresence 單進程內存版協調基礎設施
//
// 系統設計考量：
//
//  1. 為什麼單進程版也要嚴格遵守契約？
//     問題：內存版永遠不會真正跨進程競爭
//     方案：仍然實現與 Redis 版完全相同的原子性與 TTL 語義
//     效果：針對契約寫的測試在兩種後端上都能通過，
//     單機開發的行為與多進程部署一致
//
//  2. TTL 實現：
//     - time.AfterFunc 定時刪除
//     - HIncrByEx 每次調用都重置整個 key 的定時器（與 Redis EXPIRE 一致）
//
//  3. 投遞語義：
//     - Publish 對每個當前訂閱者各啟動一個 goroutine 投遞
//     - 與 Redis pub/sub 一樣：無持久化、訂閱之後才能收到
type LocalPresence struct {
	mu          sync.RWMutex
	subscribers map[string][]*localSubscriber
	keys        map[string]string
	hashes      map[string]map[string]string
	sets        map[string]map[string]struct{}
	timers      map[string]*time.Timer
	nextSubID   int64
}

type localSubscriber struct {
	id      int64
	handler Handler
}

// NewLocalPresence 創建單進程內存版 Presence
func NewLocalPresence() *LocalPresence {
	return &LocalPresence{
		subscribers: make(map[string][]*localSubscriber),
		keys:        make(map[string]string),
		hashes:      make(map[string]map[string]string),
		sets:        make(map[string]map[string]struct{}),
		timers:      make(map[string]*time.Timer),
	}
}

// Subscribe 訂閱頻道
func (p *LocalPresence) Subscribe(_ context.Context, topic string, handler Handler) (*Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextSubID++
	sub := &localSubscriber{id: p.nextSubID, handler: handler}
	p.subscribers[topic] = append(p.subscribers[topic], sub)

	id := sub.id
	return &Subscription{
		topic: topic,
		close: func() { p.removeSubscriber(topic, id) },
	}, nil
}

func (p *LocalPresence) removeSubscriber(topic string, id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[topic]
	for i, s := range subs {
		if s.id == id {
			p.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(p.subscribers[topic]) == 0 {
		delete(p.subscribers, topic)
	}
}

// Unsubscribe 移除頻道的所有訂閱
func (p *LocalPresence) Unsubscribe(_ context.Context, topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subscribers, topic)
	return nil
}

// Publish 發布消息給當前訂閱者
func (p *LocalPresence) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.RLock()
	subs := make([]*localSubscriber, len(p.subscribers[topic]))
	copy(subs, p.subscribers[topic])
	p.mu.RUnlock()

	// 異步投遞：發布者不等待訂閱者處理完成（與網絡 pub/sub 一致）
	for _, s := range subs {
		go s.handler(payload)
	}
	return nil
}

// Get 讀取鍵值，不存在時返回空字串
func (p *LocalPresence) Get(_ context.Context, key string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.keys[key], nil
}

// Set 設置鍵值
func (p *LocalPresence) Set(_ context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelExpiry(key)
	p.keys[key] = value
	return nil
}

// SetEx 設置鍵值並附帶過期時間
func (p *LocalPresence) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[key] = value
	p.resetExpiry(key, ttl)
	return nil
}

// Del 刪除鍵
func (p *LocalPresence) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelExpiry(key)
	delete(p.keys, key)
	delete(p.hashes, key)
	delete(p.sets, key)
	return nil
}

// Incr 原子遞增計數器
func (p *LocalPresence) Incr(_ context.Context, key string) (int64, error) {
	return p.incrBy(key, 1)
}

// Decr 原子遞減計數器
func (p *LocalPresence) Decr(_ context.Context, key string) (int64, error) {
	return p.incrBy(key, -1)
}

func (p *LocalPresence) incrBy(key string, delta int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, _ := strconv.ParseInt(p.keys[key], 10, 64)
	current += delta
	p.keys[key] = strconv.FormatInt(current, 10)
	return current, nil
}

// HSet 設置雜湊欄位
func (p *LocalPresence) HSet(_ context.Context, key, field, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hashes[key] == nil {
		p.hashes[key] = make(map[string]string)
	}
	p.hashes[key][field] = value
	return nil
}

// HGet 讀取雜湊欄位，不存在時返回空字串
func (p *LocalPresence) HGet(_ context.Context, key, field string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hashes[key][field], nil
}

// HGetAll 讀取整個雜湊
func (p *LocalPresence) HGetAll(_ context.Context, key string) (map[string]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make(map[string]string, len(p.hashes[key]))
	for f, v := range p.hashes[key] {
		result[f] = v
	}
	return result, nil
}

// HDel 刪除雜湊欄位
func (p *LocalPresence) HDel(_ context.Context, key, field string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.hashes[key]; ok {
		delete(h, field)
		if len(h) == 0 {
			delete(p.hashes, key)
		}
	}
	return nil
}

// HIncrBy 原子遞增雜湊欄位
func (p *LocalPresence) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hashIncr(key, field, delta), nil
}

// HIncrByEx 原子遞增雜湊欄位並重設整個 key 的過期時間
func (p *LocalPresence) HIncrByEx(_ context.Context, key, field string, delta int64, ttl time.Duration) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	value := p.hashIncr(key, field, delta)
	p.resetExpiry(key, ttl)
	return value, nil
}

// hashIncr 需要持有寫鎖
func (p *LocalPresence) hashIncr(key, field string, delta int64) int64 {
	if p.hashes[key] == nil {
		p.hashes[key] = make(map[string]string)
	}
	current, _ := strconv.ParseInt(p.hashes[key][field], 10, 64)
	current += delta
	p.hashes[key][field] = strconv.FormatInt(current, 10)
	return current
}

// SAdd 加入集合成員
func (p *LocalPresence) SAdd(_ context.Context, key, member string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sets[key] == nil {
		p.sets[key] = make(map[string]struct{})
	}
	p.sets[key][member] = struct{}{}
	return nil
}

// SRem 移除集合成員
func (p *LocalPresence) SRem(_ context.Context, key, member string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sets[key]; ok {
		delete(s, member)
		if len(s) == 0 {
			delete(p.sets, key)
		}
	}
	return nil
}

// SMembers 列出集合成員
func (p *LocalPresence) SMembers(_ context.Context, key string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	members := make([]string, 0, len(p.sets[key]))
	for m := range p.sets[key] {
		members = append(members, m)
	}
	return members, nil
}

// SIsMember 判斷是否為集合成員
func (p *LocalPresence) SIsMember(_ context.Context, key, member string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.sets[key][member]
	return ok, nil
}

// SCard 返回集合大小
func (p *LocalPresence) SCard(_ context.Context, key string) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return int64(len(p.sets[key])), nil
}

// SInter 返回多個集合的交集
func (p *LocalPresence) SInter(_ context.Context, keys ...string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(keys) == 0 {
		return nil, nil
	}

	var result []string
	for m := range p.sets[keys[0]] {
		inAll := true
		for _, k := range keys[1:] {
			if _, ok := p.sets[k][m]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			result = append(result, m)
		}
	}
	return result, nil
}

// Channels 返回當前有訂閱者、且匹配 glob 模式的頻道
func (p *LocalPresence) Channels(_ context.Context, pattern string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var channels []string
	for topic := range p.subscribers {
		matched, err := path.Match(pattern, topic)
		if err != nil {
			return nil, err
		}
		if matched {
			channels = append(channels, topic)
		}
	}
	return channels, nil
}

// Close 停止所有定時器並清空狀態
func (p *LocalPresence) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, timer := range p.timers {
		timer.Stop()
		delete(p.timers, key)
	}
	p.subscribers = make(map[string][]*localSubscriber)
	p.keys = make(map[string]string)
	p.hashes = make(map[string]map[string]string)
	p.sets = make(map[string]map[string]struct{})
	return nil
}

// resetExpiry 重設 key 的過期定時器（需要持有寫鎖）。
//
// Stop 擋不住已經觸發、正在等鎖的舊回調，所以回調裡要做代次檢查：
// 只有 p.timers[key] 仍然是自己時才刪除，被刷新過的 key 不受舊定時器影響。
func (p *LocalPresence) resetExpiry(key string, ttl time.Duration) {
	if timer, ok := p.timers[key]; ok {
		timer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(ttl, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.timers[key] != timer {
			return
		}
		delete(p.keys, key)
		delete(p.hashes, key)
		delete(p.sets, key)
		delete(p.timers, key)
	})
	p.timers[key] = timer
}

// cancelExpiry 取消 key 的過期定時器（需要持有寫鎖）
func (p *LocalPresence) cancelExpiry(key string) {
	if timer, ok := p.timers[key]; ok {
		timer.Stop()
		delete(p.timers, key)
	}
}
