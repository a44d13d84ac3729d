// Package matchmaker 實現分散式配對與房間生命週期編排。
//
// 系統設計問題：
//
//	客戶端請求加入某類型的房間時，如何在整個進程艦隊中
//	把它放進「恰好一個」房間實例，同時均衡各進程的負載、
//	容忍進程非優雅崩潰？
//
// 核心挑戰：
//  1. create-or-join 競爭：同條件的併發請求不能催生冗餘房間
//  2. 席位原子性：容量 1 的房間面對兩個併發預留只能成功一個
//  3. 部分失敗：遠端進程超時時必須先解析死活再決定結果
//  4. 優雅關閉：等待所有房間的用戶清理鉤子跑完才退出
//
// 設計方案：
//
//	✅ HIncrByEx 併發鎖 - leader 創建、follower 等通知（提示性鎖，超時獨立重試）
//	✅ 席位預留 - 有時限的能力憑證，由房間所屬進程原子裁決
//	✅ IPC 超時 → 健康檢查 → 確定結果（死進程剔除 + 記錄清理）
//	✅ 房間數最少的進程優先創建（可替換的選擇策略）
package matchmaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-matchmaker/internal/driver"
	"github.com/koopa0/system-design/14-matchmaker/internal/ipc"
	"github.com/koopa0/system-design/14-matchmaker/internal/presence"
	"github.com/koopa0/system-design/14-matchmaker/internal/stats"
)

// State 配對引擎狀態
//
// 狀態轉換：initializing → ready → shutting_down（終態）
type State int

const (
	// StateInitializing 尚未開始接受請求
	StateInitializing State = iota
	// StateReady 正常服務中
	StateReady
	// StateShuttingDown 優雅關閉中：拒絕新房間與遠端請求
	StateShuttingDown
)

// ProcessSelector 進程選擇策略：從負載快照中挑選創建房間的目標進程
type ProcessSelector func(localProcessID string, all []stats.ProcessStat) string

// SeatReservation 席位預留：短期有效的能力憑證，
// 由 Transport 層兌換成真正的連接。不持久化。
type SeatReservation struct {
	Room      *driver.RoomCache `json:"room"`
	SessionID string            `json:"sessionId"`
}

// AuthContext 認證協作者提供的上下文。
// SessionID 非空時表示預認證的重連流程，沿用原會話標識符。
type AuthContext struct {
	Token     string
	SessionID string
}

// Options 配對引擎的依賴與策略參數
type Options struct {
	Logger   *slog.Logger
	Presence presence.Presence
	Driver   driver.Driver

	// ProcessID 進程標識符；留空則生成
	ProcessID string

	// PublicAddress 寫入房間記錄、供客戶端直連的對外地址
	PublicAddress string

	// DevRestore 開發恢復模式：健康檢查失敗時不清除死進程的房間記錄
	DevRestore bool

	// Selector 進程選擇策略；留空使用「房間數最少」策略
	Selector ProcessSelector

	// 以下為可調策略參數（角色固定、係數可調）

	// SeatReservationWindow 席位預留窗口
	SeatReservationWindow time.Duration
	// AutoDisposeGrace 空房間自動銷毀的寬限期
	AutoDisposeGrace time.Duration
	// PatchRate 狀態補丁廣播節拍
	PatchRate time.Duration
	// RemoteTimeout 跨進程 IPC 調用超時
	RemoteTimeout time.Duration
	// HealthCheckTimeout 健康檢查 ping 超時
	HealthCheckTimeout time.Duration
	// RetryCount 席位預留因房間已滿而重試的次數上限
	RetryCount int
	// RetryBackoffBase 重試退避基數（實際退避隨次數遞增並帶隨機抖動）
	RetryBackoffBase time.Duration
	// FollowerBaseWait follower 等待 leader 通知的基礎窗口
	FollowerBaseWait time.Duration
	// FollowerWaitIncrement 每多一個排隊 follower 增加的等待時間
	FollowerWaitIncrement time.Duration
	// LockTTL 併發鎖計數器的過期時間（防止崩潰進程留下卡死的鎖）
	LockTTL time.Duration
	// StatsPersistInterval 負載數據防抖持久化窗口
	StatsPersistInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ProcessID == "" {
		o.ProcessID = uuid.NewString()
	}
	if o.Selector == nil {
		o.Selector = FewestRoomsSelector
	}
	if o.SeatReservationWindow <= 0 {
		o.SeatReservationWindow = 15 * time.Second
	}
	if o.AutoDisposeGrace <= 0 {
		o.AutoDisposeGrace = time.Second
	}
	// 負值表示停用 patch 節拍
	if o.PatchRate == 0 {
		o.PatchRate = 50 * time.Millisecond
	}
	if o.RemoteTimeout <= 0 {
		o.RemoteTimeout = 2 * time.Second
	}
	if o.HealthCheckTimeout <= 0 {
		o.HealthCheckTimeout = time.Second
	}
	if o.RetryCount <= 0 {
		o.RetryCount = 3
	}
	if o.RetryBackoffBase <= 0 {
		o.RetryBackoffBase = 50 * time.Millisecond
	}
	if o.FollowerBaseWait <= 0 {
		o.FollowerBaseWait = 500 * time.Millisecond
	}
	if o.FollowerWaitIncrement <= 0 {
		o.FollowerWaitIncrement = 100 * time.Millisecond
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 5 * time.Second
	}
	if o.StatsPersistInterval <= 0 {
		o.StatsPersistInterval = time.Second
	}
}

// FewestRoomsSelector 預設策略：挑房間數最少的進程，兜底本進程
func FewestRoomsSelector(localProcessID string, all []stats.ProcessStat) string {
	selected := localProcessID
	best := int64(-1)
	for _, stat := range all {
		if best < 0 || stat.RoomCount < best {
			best = stat.RoomCount
			selected = stat.ProcessID
		}
	}
	return selected
}

// MatchMaker 配對引擎：註冊房間類型、選擇/創建房間、預留席位、
// 消解 create-vs-join 競爭、健康檢查遠端進程、驅動優雅關閉。
//
// 所有狀態都是這個對象的字段（沒有包級全局狀態），
// 由初始化調用構造、由 GracefulShutdown 拆除。
type MatchMaker struct {
	logger   *slog.Logger
	presence presence.Presence
	driver   driver.Driver
	stats    *stats.Stats
	opts     Options

	processID string

	mu            sync.RWMutex
	state         State
	handlers      map[string]*RegisteredHandler
	rooms         map[string]*Room
	roomServers   map[string]*ipc.Server
	processServer *ipc.Server
	healthChecks  map[string][]chan error
}

// New 構造配對引擎（尚未接受請求，需再調用 Accept）
func New(opts Options) *MatchMaker {
	opts.withDefaults()

	return &MatchMaker{
		logger:       opts.Logger,
		presence:     opts.Presence,
		driver:       opts.Driver,
		stats:        stats.New(opts.Presence, opts.ProcessID, opts.StatsPersistInterval, opts.Logger),
		opts:         opts,
		processID:    opts.ProcessID,
		state:        StateInitializing,
		handlers:     make(map[string]*RegisteredHandler),
		rooms:        make(map[string]*Room),
		roomServers:  make(map[string]*ipc.Server),
		healthChecks: make(map[string][]chan error),
	}
}

// ProcessID 返回本進程標識符
func (m *MatchMaker) ProcessID() string { return m.processID }

// State 返回當前狀態
func (m *MatchMaker) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Stats 返回本進程的負載計數器
func (m *MatchMaker) Stats() *stats.Stats { return m.stats }

// Define 註冊房間類型。同名重複註冊會覆蓋。
func (m *MatchMaker) Define(name string, factory RoomFactory, options ...DefineOption) *RegisteredHandler {
	handler := &RegisteredHandler{name: name, factory: factory}
	for _, opt := range options {
		opt(handler)
	}

	m.mu.Lock()
	m.handlers[name] = handler
	m.mu.Unlock()

	m.logger.Info("房間類型已註冊", "name", name, "filter_by", handler.filterBy)
	return handler
}

// Accept 開始接受請求：訂閱本進程的 IPC 頻道、
// 對殘留的負載記錄做啟動健康掃描、轉入 READY。
func (m *MatchMaker) Accept(ctx context.Context) error {
	server, err := ipc.Serve(ctx, m.presence, processChannel(m.processID), m.handleProcessRequest, m.logger)
	if err != nil {
		return fmt.Errorf("訂閱進程頻道失敗: %w", err)
	}

	m.mu.Lock()
	m.processServer = server
	m.mu.Unlock()

	if err := m.stats.Persist(ctx); err != nil {
		m.logger.Warn("初始化負載數據失敗", "error", err)
	}

	// 啟動健康掃描：清理上一輪崩潰留下的殘骸
	m.HealthCheckAllProcesses(ctx)

	m.mu.Lock()
	m.state = StateReady
	m.mu.Unlock()

	m.logger.Info("配對引擎就緒", "process_id", m.processID)
	return nil
}

// JoinOrCreate 加入符合條件的房間，沒有就創建一個。
//
// 併發競爭消解（leader / follower）：
//  1. 按 (房間類型, 過濾鍵) 原子遞增帶 TTL 的計數器
//  2. 遞增前為零的調用者是 leader：找或建房間，然後在通知頻道廣播房間 ID
//  3. 其餘是 follower：按排隊深度縮放等待窗口，收到通知後對該房間
//     重新驗證（未鎖定才用）；超時則放棄等待、獨立重試
//  4. 計數器在 finally 語義下必定遞減並續期，不留卡死的鎖
func (m *MatchMaker) JoinOrCreate(ctx context.Context, roomName string, options map[string]any, auth *AuthContext) (*SeatReservation, error) {
	handler, err := m.handlerFor(roomName)
	if err != nil {
		return nil, err
	}

	return m.reserveWithRetry(ctx, options, auth, func(attempt int) (*driver.RoomCache, error) {
		if attempt == 0 {
			return m.resolveWithRace(ctx, handler, options)
		}
		// 重試路徑：獨立找或建，不再參與競爭消解
		return m.findOrCreate(ctx, handler, options)
	})
}

// Create 無條件創建新房間並預留席位
func (m *MatchMaker) Create(ctx context.Context, roomName string, options map[string]any, auth *AuthContext) (*SeatReservation, error) {
	if _, err := m.handlerFor(roomName); err != nil {
		return nil, err
	}

	cache, err := m.createRoom(ctx, roomName, options)
	if err != nil {
		return nil, err
	}
	return m.reserveSeatFor(ctx, cache, options, auth)
}

// Join 加入已存在的房間；沒有符合條件的房間則失敗（不創建）
func (m *MatchMaker) Join(ctx context.Context, roomName string, options map[string]any, auth *AuthContext) (*SeatReservation, error) {
	handler, err := m.handlerFor(roomName)
	if err != nil {
		return nil, err
	}

	return m.reserveWithRetry(ctx, options, auth, func(int) (*driver.RoomCache, error) {
		cache, err := m.findAvailableRoom(ctx, handler, options)
		if err != nil {
			return nil, err
		}
		if cache == nil {
			return nil, newError(ErrCodeInvalidCriteria, "沒有符合條件的房間: %s", roomName)
		}
		return cache, nil
	})
}

// JoinByID 按房間 ID 加入。鎖定的房間視同無效 ID。不重試。
func (m *MatchMaker) JoinByID(ctx context.Context, roomID string, options map[string]any, auth *AuthContext) (*SeatReservation, error) {
	cache, err := m.driver.FindOne(ctx, map[string]any{"roomId": roomID}, nil)
	if err != nil {
		return nil, err
	}
	if cache == nil {
		return nil, newError(ErrCodeInvalidRoomID, "房間不存在: %s", roomID)
	}
	if cache.Locked {
		return nil, newError(ErrCodeInvalidRoomID, "房間已鎖定: %s", roomID)
	}
	return m.reserveSeatFor(ctx, cache, options, auth)
}

// Reconnect 兌現重連窗口：驗證房間仍存在、該會話的重連預留仍待定
func (m *MatchMaker) Reconnect(ctx context.Context, roomID, sessionID string) (*SeatReservation, error) {
	cache, err := m.driver.FindOne(ctx, map[string]any{"roomId": roomID}, nil)
	if err != nil {
		return nil, err
	}
	if cache == nil {
		return nil, newError(ErrCodeInvalidRoomID, "房間不存在: %s", roomID)
	}

	pending := false
	if cache.ProcessID == m.processID {
		if room, ok := m.RoomByID(roomID); ok {
			pending = room.HasPendingReconnection(sessionID)
		}
	} else {
		raw, err := ipc.Request(ctx, m.presence, roomChannel(roomID), "hasReservation",
			[]any{sessionID}, m.opts.RemoteTimeout)
		if err == nil {
			_ = json.Unmarshal(raw, &pending)
		}
	}

	if !pending {
		return nil, newError(ErrCodeExpired, "重連已過期: %s", sessionID)
	}
	return &SeatReservation{Room: cache, SessionID: sessionID}, nil
}

// Query 查詢房間列表
func (m *MatchMaker) Query(ctx context.Context, conditions map[string]any) ([]*driver.RoomCache, error) {
	return m.driver.Query(ctx, conditions, nil)
}

// RoomByID 返回本進程擁有的房間實例
func (m *MatchMaker) RoomByID(roomID string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[roomID]
	return room, ok
}

// LocalRoomCount 返回本進程擁有的房間數
func (m *MatchMaker) LocalRoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// handlerFor 查找房間類型註冊
func (m *MatchMaker) handlerFor(roomName string) (*RegisteredHandler, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state == StateShuttingDown {
		return nil, ErrAlreadyShuttingDown
	}
	handler, ok := m.handlers[roomName]
	if !ok {
		return nil, newError(ErrCodeNoHandler, "未註冊的房間類型: %s", roomName)
	}
	return handler, nil
}

// resolveWithRace joinOrCreate 的競爭消解路徑
func (m *MatchMaker) resolveWithRace(ctx context.Context, handler *RegisteredHandler, options map[string]any) (*driver.RoomCache, error) {
	filterKey := handler.filterKey(options)
	lockKey := concurrencyLockKey(handler.name)
	notifyTopic := concurrentTopic(handler.name, filterKey)

	queued, err := m.presence.HIncrByEx(ctx, lockKey, filterKey, 1, m.opts.LockTTL)
	if err != nil {
		// 協調基礎設施不可用時退化為獨立嘗試
		m.logger.Warn("併發鎖不可用，獨立嘗試", "room", handler.name, "error", err)
		return m.findOrCreate(ctx, handler, options)
	}
	defer func() {
		// 無論成敗都遞減並續期，不留卡死的鎖
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := m.presence.HIncrByEx(releaseCtx, lockKey, filterKey, -1, m.opts.LockTTL); err != nil {
			m.logger.Warn("釋放併發鎖失敗", "room", handler.name, "error", err)
		}
	}()

	if queued <= 1 {
		// leader：找或建，然後通知排隊的 follower
		cache, err := m.findOrCreate(ctx, handler, options)
		if err != nil {
			return nil, err
		}
		if perr := m.presence.Publish(ctx, notifyTopic, []byte(cache.RoomID)); perr != nil {
			m.logger.Warn("廣播競爭結果失敗", "room_id", cache.RoomID, "error", perr)
		}
		return cache, nil
	}

	// follower：等 leader 的通知，超時則獨立嘗試
	if cache := m.awaitLeader(ctx, notifyTopic, queued-1); cache != nil {
		return cache, nil
	}
	return m.findOrCreate(ctx, handler, options)
}

// awaitLeader follower 等待 leader 廣播房間 ID。
// 等待窗口 = 基礎窗口 + 每個排隊者的增量（有界）。
// 收到通知後重新驗證該房間未被鎖定。
func (m *MatchMaker) awaitLeader(ctx context.Context, notifyTopic string, queuedAhead int64) *driver.RoomCache {
	notifyCh := make(chan string, 1)
	sub, err := m.presence.Subscribe(ctx, notifyTopic, func(payload []byte) {
		select {
		case notifyCh <- string(payload):
		default:
		}
	})
	if err != nil {
		return nil
	}
	defer sub.Close()

	if queuedAhead > 10 {
		queuedAhead = 10
	}
	wait := m.opts.FollowerBaseWait + time.Duration(queuedAhead)*m.opts.FollowerWaitIncrement

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case roomID := <-notifyCh:
		cache, err := m.driver.FindOne(ctx, map[string]any{"roomId": roomID, "locked": false}, nil)
		if err != nil || cache == nil {
			return nil
		}
		return cache
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// findOrCreate 找可用房間，沒有就創建
func (m *MatchMaker) findOrCreate(ctx context.Context, handler *RegisteredHandler, options map[string]any) (*driver.RoomCache, error) {
	cache, err := m.findAvailableRoom(ctx, handler, options)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		return cache, nil
	}
	return m.createRoom(ctx, handler.name, options)
}

// findAvailableRoom 查找未鎖定且符合過濾條件的房間
func (m *MatchMaker) findAvailableRoom(ctx context.Context, handler *RegisteredHandler, options map[string]any) (*driver.RoomCache, error) {
	conditions := handler.filterConditions(options)
	conditions["name"] = handler.name
	conditions["locked"] = false
	return m.driver.FindOne(ctx, conditions, handler.sortBy)
}

// createRoom 房間放置與創建（§負載均衡）。
//
// READY 之前一律本地創建（引導路徑）。否則按選擇策略挑目標進程：
// 本進程則直接創建；遠端則通過 IPC 轉發，超時時健康檢查目標進程
// 並回退本地創建——除非所有進程都死了，調用方不會看到放置失敗。
func (m *MatchMaker) createRoom(ctx context.Context, roomName string, options map[string]any) (*driver.RoomCache, error) {
	if m.State() != StateReady {
		return m.handleCreateRoom(ctx, roomName, options)
	}

	target := m.selectProcess(ctx)
	if target == m.processID {
		return m.handleCreateRoom(ctx, roomName, options)
	}

	raw, err := ipc.Request(ctx, m.presence, processChannel(target), "createRoom",
		[]any{roomName, options}, m.opts.RemoteTimeout)
	if err != nil {
		if errors.Is(err, ipc.ErrTimeout) {
			// 超時的真相不明：先確認目標死活（死則剔除 + 清理），再本地兜底
			if herr := m.HealthCheckProcess(ctx, target); herr != nil {
				m.logger.Warn("目標進程確認死亡，本地創建",
					"target", target, "room", roomName)
			}
			return m.handleCreateRoom(ctx, roomName, options)
		}
		m.logger.Warn("遠端創建房間失敗，本地兜底",
			"target", target, "room", roomName, "error", err)
		return m.handleCreateRoom(ctx, roomName, options)
	}

	var cache driver.RoomCache
	if err := json.Unmarshal(raw, &cache); err != nil {
		return nil, fmt.Errorf("解析遠端房間記錄失敗: %w", err)
	}
	return &cache, nil
}

// selectProcess 執行進程選擇策略
func (m *MatchMaker) selectProcess(ctx context.Context) string {
	all, err := m.stats.FetchAll(ctx)
	if err != nil {
		m.logger.Warn("讀取負載數據失敗，回退本進程", "error", err)
		return m.processID
	}
	return m.opts.Selector(m.processID, all)
}

// handleCreateRoom 在本進程創建房間：實例化用戶房間邏輯、
// 分配房間 ID、跑創建鉤子、持久化記錄、接上生命週期觀察者、
// 註冊本地 IPC 分發。
func (m *MatchMaker) handleCreateRoom(ctx context.Context, roomName string, options map[string]any) (*driver.RoomCache, error) {
	m.mu.RLock()
	if m.state == StateShuttingDown {
		m.mu.RUnlock()
		return nil, ErrAlreadyShuttingDown
	}
	handler, ok := m.handlers[roomName]
	m.mu.RUnlock()
	if !ok {
		return nil, newError(ErrCodeNoHandler, "未註冊的房間類型: %s", roomName)
	}

	merged := mergeOptions(handler.defaultOptions, options)

	cache := &driver.RoomCache{
		RoomID:        uuid.NewString(),
		Name:          roomName,
		ProcessID:     m.processID,
		PublicAddress: m.opts.PublicAddress,
		CreatedAt:     time.Now(),
	}
	// 聲明的過濾鍵寫進列表記錄，後續同條件的 findAvailableRoom 才匹配得到
	if conditions := handler.filterConditions(merged); len(conditions) > 0 {
		cache.Metadata = conditions
	}

	room := newRoom(roomConfig{
		logger:           m.logger,
		handler:          handler.factory(),
		driver:           m.driver,
		cache:            cache,
		seatWindow:       m.opts.SeatReservationWindow,
		autoDisposeGrace: m.opts.AutoDisposeGrace,
		patchRate:        m.opts.PatchRate,
	})

	if err := room.create(ctx, merged); err != nil {
		return nil, err
	}
	// OnCreate 已經跑過（可能武裝了模擬節拍），之後的失敗都要走銷毀流程
	if err := m.driver.Persist(ctx, cache, true); err != nil {
		room.dispose(ctx)
		return nil, fmt.Errorf("持久化房間記錄失敗: %w", err)
	}

	server, err := ipc.Serve(ctx, m.presence, roomChannel(cache.RoomID), m.roomRequestHandler(room), m.logger)
	if err != nil {
		_ = m.driver.Remove(ctx, cache.RoomID)
		room.dispose(ctx)
		return nil, fmt.Errorf("訂閱房間頻道失敗: %w", err)
	}

	room.addObserver(m.onRoomEvent)

	m.mu.Lock()
	m.rooms[cache.RoomID] = room
	m.roomServers[cache.RoomID] = server
	m.mu.Unlock()

	m.stats.IncrRoomCount()
	room.markCreated()
	room.emit(RoomEvent{Type: EventCreate, Room: room})

	m.logger.Info("房間已創建",
		"room_id", cache.RoomID,
		"name", roomName,
		"max_clients", cache.MaxClients)

	return cache, nil
}

// reserveWithRetry 有界重試的席位預留。
//
// 只對「房間已滿」這一類錯誤重試（吸收發現與預留之間房間被填滿
// 的競爭），業務錯誤與進程不可用錯誤立即返回。退避隨次數遞增並
// 帶隨機抖動，避免重試風暴同步化。
func (m *MatchMaker) reserveWithRetry(ctx context.Context, options map[string]any, auth *AuthContext, resolve func(attempt int) (*driver.RoomCache, error)) (*SeatReservation, error) {
	var lastErr error
	for attempt := 0; attempt <= m.opts.RetryCount; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt)*m.opts.RetryBackoffBase +
				time.Duration(rand.Int63n(int64(m.opts.RetryBackoffBase)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		cache, err := resolve(attempt)
		if err != nil {
			return nil, err
		}

		reservation, err := m.reserveSeatFor(ctx, cache, options, auth)
		if err == nil {
			return reservation, nil
		}
		if !errors.Is(err, ErrRoomFull) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// reserveSeatFor 在目標房間預留席位（本地直達，遠端走 IPC）。
//
// 遠端超時的處理（§部分失敗）：超時讓遠端房間的真實狀態成疑，
// 先健康檢查其所屬進程——確認死亡則返回「進程不可用」
// （與容量耗盡的「房間已滿」嚴格區分）；進程存活則按預留失敗處理。
func (m *MatchMaker) reserveSeatFor(ctx context.Context, cache *driver.RoomCache, options map[string]any, auth *AuthContext) (*SeatReservation, error) {
	sessionID := uuid.NewString()
	if auth != nil && auth.SessionID != "" {
		sessionID = auth.SessionID
	}

	if cache.ProcessID == m.processID {
		room, ok := m.RoomByID(cache.RoomID)
		if !ok {
			return nil, newError(ErrCodeInvalidRoomID, "房間不存在: %s", cache.RoomID)
		}
		if !room.ReserveSeat(ctx, sessionID, options, 0, false) {
			return nil, fmt.Errorf("%w: %s", ErrRoomFull, cache.RoomID)
		}
		return &SeatReservation{Room: room.Cache(), SessionID: sessionID}, nil
	}

	_, err := ipc.Request(ctx, m.presence, roomChannel(cache.RoomID), "reserveSeat",
		[]any{sessionID, options}, m.opts.RemoteTimeout)
	if err != nil {
		if errors.Is(err, ipc.ErrTimeout) {
			if herr := m.HealthCheckProcess(ctx, cache.ProcessID); herr != nil {
				return nil, fmt.Errorf("%w: %s", ErrProcessUnavailable, cache.ProcessID)
			}
			return nil, fmt.Errorf("%w: %s", ErrRoomFull, cache.RoomID)
		}
		if err.Error() == ErrRoomFull.Error() {
			return nil, fmt.Errorf("%w: %s", ErrRoomFull, cache.RoomID)
		}
		return nil, err
	}

	return &SeatReservation{Room: cache, SessionID: sessionID}, nil
}

// HealthCheckProcess 健康檢查一個進程。
//
// 同一進程的併發檢查合併為一次在途請求。失敗時：從負載數據剔除
// （不再被選中），且除非處於開發恢復模式，清除它的所有房間記錄。
// 返回非 nil 表示進程確認死亡。
func (m *MatchMaker) HealthCheckProcess(ctx context.Context, processID string) error {
	if processID == m.processID {
		return nil
	}

	m.mu.Lock()
	if waiters, inflight := m.healthChecks[processID]; inflight {
		ch := make(chan error, 1)
		m.healthChecks[processID] = append(waiters, ch)
		m.mu.Unlock()

		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.healthChecks[processID] = []chan error{}
	m.mu.Unlock()

	_, err := ipc.Request(ctx, m.presence, processChannel(processID), "healthcheck",
		nil, m.opts.HealthCheckTimeout)

	var result error
	if err != nil {
		result = fmt.Errorf("%w: %s", ErrProcessUnavailable, processID)

		if serr := m.stats.ExcludeProcess(ctx, processID); serr != nil {
			m.logger.Error("剔除死進程失敗", "process_id", processID, "error", serr)
		}
		if !m.opts.DevRestore {
			if derr := m.driver.Cleanup(ctx, processID); derr != nil {
				m.logger.Error("清理死進程房間記錄失敗", "process_id", processID, "error", derr)
			}
		}
		m.logger.Warn("進程健康檢查失敗，已剔除",
			"process_id", processID,
			"dev_restore", m.opts.DevRestore)
	}

	m.mu.Lock()
	waiters := m.healthChecks[processID]
	delete(m.healthChecks, processID)
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- result
	}
	return result
}

// HealthCheckAllProcesses 啟動健康掃描：把負載數據裡的每個進程
// 與當前在聽的 IPC 頻道對比，疑似殘留的逐一健康檢查。
// 自癒「本進程離線期間別的進程崩潰」留下的殘骸。
func (m *MatchMaker) HealthCheckAllProcesses(ctx context.Context) {
	all, err := m.stats.FetchAll(ctx)
	if err != nil {
		m.logger.Warn("健康掃描讀取負載數據失敗", "error", err)
		return
	}

	channels, err := m.presence.Channels(ctx, "p:*")
	if err != nil {
		m.logger.Warn("健康掃描讀取頻道列表失敗", "error", err)
		return
	}
	listening := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		listening[ch] = struct{}{}
	}

	for _, stat := range all {
		if stat.ProcessID == m.processID {
			continue
		}
		if _, ok := listening[processChannel(stat.ProcessID)]; ok {
			continue
		}
		// 有負載記錄但沒人在聽它的頻道：疑似崩潰殘留
		if err := m.HealthCheckProcess(ctx, stat.ProcessID); err != nil {
			m.logger.Info("健康掃描清理了崩潰進程", "process_id", stat.ProcessID)
		}
	}
}

// GracefulShutdown 優雅關閉。
//
// 流程：轉入 SHUTTING_DOWN（拒絕新請求）→ 從負載數據自我剔除 →
// 逐房間：鎖定、跑 BeforeShutdown 鉤子、Disconnect（等所有離開鉤子）→
// 清除本進程的全部房間記錄 → 退訂進程頻道。
// 併發的第二次調用立即被拒絕，不會重複執行關閉序列。
func (m *MatchMaker) GracefulShutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateShuttingDown {
		m.mu.Unlock()
		return ErrAlreadyShuttingDown
	}
	m.state = StateShuttingDown

	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	processServer := m.processServer
	m.processServer = nil
	m.mu.Unlock()

	m.logger.Info("開始優雅關閉", "process_id", m.processID, "rooms", len(rooms))

	if err := m.stats.Close(ctx); err != nil {
		m.logger.Warn("自我剔除負載數據失敗", "error", err)
	}

	for _, room := range rooms {
		room.Lock(ctx)
		if sh, ok := room.handler.(ShutdownHandler); ok {
			sh.BeforeShutdown(ctx, room)
		}
		if err := room.Disconnect(ctx); err != nil {
			m.logger.Error("房間關閉失敗", "room_id", room.RoomID(), "error", err)
		}
	}

	if err := m.driver.Cleanup(ctx, m.processID); err != nil {
		m.logger.Error("清理本進程房間記錄失敗", "error", err)
	}

	if processServer != nil {
		processServer.Close()
	}

	m.logger.Info("優雅關閉完成", "process_id", m.processID)
	return nil
}

// onRoomEvent 房間生命週期事件接入引擎級記帳
func (m *MatchMaker) onRoomEvent(event RoomEvent) {
	switch event.Type {
	case EventJoin:
		m.stats.IncrCCU()
	case EventLeave:
		m.stats.DecrCCU()
	case EventDispose:
		m.removeRoom(event.Room)
	case EventCreate, EventLock, EventUnlock, EventVisibilityChange:
		m.logger.Debug("房間事件",
			"event", event.Type.String(),
			"room_id", event.Room.RoomID())
	}
}

// removeRoom 房間銷毀後拆除它的註冊：本地註冊表、IPC 頻道、
// 列表記錄、房間計數
func (m *MatchMaker) removeRoom(room *Room) {
	roomID := room.RoomID()

	m.mu.Lock()
	_, registered := m.rooms[roomID]
	delete(m.rooms, roomID)
	server := m.roomServers[roomID]
	delete(m.roomServers, roomID)
	m.mu.Unlock()

	if !registered {
		return
	}
	if server != nil {
		server.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.driver.Remove(ctx, roomID); err != nil {
		m.logger.Error("移除房間記錄失敗", "room_id", roomID, "error", err)
	}

	m.stats.DecrRoomCount()
}

// handleProcessRequest 本進程 IPC 頻道的請求分發
func (m *MatchMaker) handleProcessRequest(ctx context.Context, method string, args []json.RawMessage) (any, error) {
	switch method {
	case "healthcheck":
		return "ok", nil

	case "createRoom":
		if m.State() == StateShuttingDown {
			return nil, ErrAlreadyShuttingDown
		}
		if len(args) < 2 {
			return nil, fmt.Errorf("createRoom 參數不足")
		}
		var roomName string
		if err := json.Unmarshal(args[0], &roomName); err != nil {
			return nil, fmt.Errorf("房間類型名無效: %w", err)
		}
		var options map[string]any
		if err := json.Unmarshal(args[1], &options); err != nil {
			return nil, fmt.Errorf("房間選項無效: %w", err)
		}
		return m.handleCreateRoom(ctx, roomName, options)

	default:
		return nil, fmt.Errorf("未知的進程方法: %s", method)
	}
}

// roomRequestHandler 房間 IPC 頻道的請求分發。
// 跨進程的席位預留在這裡序列化成本地調用。
func (m *MatchMaker) roomRequestHandler(room *Room) ipc.HandlerFunc {
	return func(ctx context.Context, method string, args []json.RawMessage) (any, error) {
		switch method {
		case "reserveSeat":
			if len(args) < 2 {
				return nil, fmt.Errorf("reserveSeat 參數不足")
			}
			var sessionID string
			if err := json.Unmarshal(args[0], &sessionID); err != nil {
				return nil, fmt.Errorf("會話 ID 無效: %w", err)
			}
			var options map[string]any
			if err := json.Unmarshal(args[1], &options); err != nil {
				return nil, fmt.Errorf("加入選項無效: %w", err)
			}
			if !room.ReserveSeat(ctx, sessionID, options, 0, false) {
				return nil, ErrRoomFull
			}
			return true, nil

		case "hasReservation":
			if len(args) < 1 {
				return nil, fmt.Errorf("hasReservation 參數不足")
			}
			var sessionID string
			if err := json.Unmarshal(args[0], &sessionID); err != nil {
				return nil, fmt.Errorf("會話 ID 無效: %w", err)
			}
			return room.HasPendingReconnection(sessionID) || room.HasReservation(sessionID), nil

		default:
			return nil, fmt.Errorf("未知的房間方法: %s", method)
		}
	}
}

// Presence 鍵命名空間
func processChannel(processID string) string { return "p:" + processID }
func roomChannel(roomID string) string       { return "$" + roomID }
func concurrencyLockKey(handlerName string) string {
	return "ch:" + handlerName
}
func concurrentTopic(handlerName, filterKey string) string {
	return "concurrent:" + handlerName + ":" + filterKey
}
