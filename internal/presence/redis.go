package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPresence 多進程版協調基礎設施
//
// 系統設計考量：
//
//  1. 為什麼選擇 Redis？
//     - Pub/Sub 與原子鍵值操作在同一個服務裡（HINCRBY + EXPIRE 可以用 Lua 原子化）
//     - 所有進程共享同一份計數器與頻道表
//     - PUBSUB CHANNELS 提供頻道自省（健康檢查掃描依賴）
//
//  2. HIncrByEx 的原子性：
//     問題：HINCRBY 和 EXPIRE 是兩條命令，中間可能插入其他進程的操作
//     方案：Lua 腳本單次執行（與 04-rate-limiter 的限流腳本同一手法）
//     效果：「遞增 + 續期」對所有進程表現為單一原子操作
//
//  3. 訂閱管理：
//     - 每個頻道一個 redis.PubSub 與一個讀取 goroutine
//     - 多個 handler 共用同一個底層訂閱（計數式釋放）
//     - 最後一個 Subscription 關閉時才關閉底層訂閱
type RedisPresence struct {
	client *redis.Client

	mu     sync.Mutex
	topics map[string]*redisTopic
	nextID int64

	hincrbyexScript *redis.Script
}

type redisTopic struct {
	pubsub   *redis.PubSub
	handlers map[int64]Handler
	done     chan struct{}
}

// Lua 腳本：原子「遞增雜湊欄位 + 重設 key TTL」
//
// KEYS[1]: 雜湊 key
// ARGV[1]: 欄位名
// ARGV[2]: 增量
// ARGV[3]: TTL（秒）
var hincrbyexScript = `
local value = redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return value
`

// NewRedisPresence 創建 Redis 版 Presence
func NewRedisPresence(client *redis.Client) *RedisPresence {
	return &RedisPresence{
		client:          client,
		topics:          make(map[string]*redisTopic),
		hincrbyexScript: redis.NewScript(hincrbyexScript),
	}
}

// Subscribe 訂閱頻道
func (p *RedisPresence) Subscribe(ctx context.Context, topic string, handler Handler) (*Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.topics[topic]
	if !ok {
		pubsub := p.client.Subscribe(ctx, topic)

		// 等待訂閱確認，保證返回後發布的消息一定能收到
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			return nil, err
		}

		t = &redisTopic{
			pubsub:   pubsub,
			handlers: make(map[int64]Handler),
			done:     make(chan struct{}),
		}
		p.topics[topic] = t

		go p.dispatchLoop(topic, t)
	}

	p.nextID++
	id := p.nextID
	t.handlers[id] = handler

	return &Subscription{
		topic: topic,
		close: func() { p.removeHandler(topic, id) },
	}, nil
}

// dispatchLoop 讀取底層訂閱並分發給所有 handler
func (p *RedisPresence) dispatchLoop(topic string, t *redisTopic) {
	ch := t.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			p.mu.Lock()
			handlers := make([]Handler, 0, len(t.handlers))
			for _, h := range t.handlers {
				handlers = append(handlers, h)
			}
			p.mu.Unlock()

			for _, h := range handlers {
				go h([]byte(msg.Payload))
			}
		case <-t.done:
			return
		}
	}
}

func (p *RedisPresence) removeHandler(topic string, id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.topics[topic]
	if !ok {
		return
	}
	delete(t.handlers, id)
	if len(t.handlers) == 0 {
		p.closeTopic(topic, t)
	}
}

// closeTopic 需要持有鎖
func (p *RedisPresence) closeTopic(topic string, t *redisTopic) {
	close(t.done)
	_ = t.pubsub.Close()
	delete(p.topics, topic)
}

// Unsubscribe 移除頻道的所有訂閱
func (p *RedisPresence) Unsubscribe(_ context.Context, topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.topics[topic]; ok {
		p.closeTopic(topic, t)
	}
	return nil
}

// Publish 發布消息
func (p *RedisPresence) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.client.Publish(ctx, topic, payload).Err()
}

// Get 讀取鍵值，不存在時返回空字串
func (p *RedisPresence) Get(ctx context.Context, key string) (string, error) {
	value, err := p.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}

// Set 設置鍵值
func (p *RedisPresence) Set(ctx context.Context, key, value string) error {
	return p.client.Set(ctx, key, value, 0).Err()
}

// SetEx 設置鍵值並附帶過期時間
func (p *RedisPresence) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return p.client.Set(ctx, key, value, ttl).Err()
}

// Del 刪除鍵
func (p *RedisPresence) Del(ctx context.Context, key string) error {
	return p.client.Del(ctx, key).Err()
}

// Incr 原子遞增計數器
func (p *RedisPresence) Incr(ctx context.Context, key string) (int64, error) {
	return p.client.Incr(ctx, key).Result()
}

// Decr 原子遞減計數器
func (p *RedisPresence) Decr(ctx context.Context, key string) (int64, error) {
	return p.client.Decr(ctx, key).Result()
}

// HSet 設置雜湊欄位
func (p *RedisPresence) HSet(ctx context.Context, key, field, value string) error {
	return p.client.HSet(ctx, key, field, value).Err()
}

// HGet 讀取雜湊欄位，不存在時返回空字串
func (p *RedisPresence) HGet(ctx context.Context, key, field string) (string, error) {
	value, err := p.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}

// HGetAll 讀取整個雜湊
func (p *RedisPresence) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return p.client.HGetAll(ctx, key).Result()
}

// HDel 刪除雜湊欄位
func (p *RedisPresence) HDel(ctx context.Context, key, field string) error {
	return p.client.HDel(ctx, key, field).Err()
}

// HIncrBy 原子遞增雜湊欄位
func (p *RedisPresence) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return p.client.HIncrBy(ctx, key, field, delta).Result()
}

// HIncrByEx 原子遞增雜湊欄位並重設整個 key 的過期時間（Lua 腳本）
func (p *RedisPresence) HIncrByEx(ctx context.Context, key, field string, delta int64, ttl time.Duration) (int64, error) {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	result, err := p.hincrbyexScript.Run(ctx, p.client, []string{key}, field, delta, seconds).Result()
	if err != nil {
		return 0, err
	}
	value, _ := result.(int64)
	return value, nil
}

// SAdd 加入集合成員
func (p *RedisPresence) SAdd(ctx context.Context, key, member string) error {
	return p.client.SAdd(ctx, key, member).Err()
}

// SRem 移除集合成員
func (p *RedisPresence) SRem(ctx context.Context, key, member string) error {
	return p.client.SRem(ctx, key, member).Err()
}

// SMembers 列出集合成員
func (p *RedisPresence) SMembers(ctx context.Context, key string) ([]string, error) {
	return p.client.SMembers(ctx, key).Result()
}

// SIsMember 判斷是否為集合成員
func (p *RedisPresence) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return p.client.SIsMember(ctx, key, member).Result()
}

// SCard 返回集合大小
func (p *RedisPresence) SCard(ctx context.Context, key string) (int64, error) {
	return p.client.SCard(ctx, key).Result()
}

// SInter 返回多個集合的交集
func (p *RedisPresence) SInter(ctx context.Context, keys ...string) ([]string, error) {
	return p.client.SInter(ctx, keys...).Result()
}

// Channels 返回匹配模式的活躍頻道（PUBSUB CHANNELS）
func (p *RedisPresence) Channels(ctx context.Context, pattern string) ([]string, error) {
	return p.client.PubSubChannels(ctx, pattern).Result()
}

// Close 關閉所有訂閱與客戶端連接
func (p *RedisPresence) Close() error {
	p.mu.Lock()
	for topic, t := range p.topics {
		p.closeTopic(topic, t)
	}
	p.mu.Unlock()
	return p.client.Close()
}
