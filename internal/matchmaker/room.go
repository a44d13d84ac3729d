package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-matchmaker/internal/driver"
)

// roomState 房間內部狀態
//
// 有限狀態機設計：
//
//	creating → created → disconnecting（終態）
//
// 狀態轉換規則：
//   - creating → created：OnCreate 鉤子成功且記錄已持久化
//   - 任何狀態 → disconnecting：顯式 Disconnect / 優雅關閉
//
// 為什麼需要狀態機？
//   - 防止非法操作（如銷毀中的房間接受新預留）
//   - 清晰的生命週期管理
type roomState int

const (
	roomCreating roomState = iota
	roomCreated
	roomDisconnecting
)

// Serializer 狀態編解碼協作者（內部實現不在本系統範圍內）
//
// 配合房間的 patch 節拍工作：Reset 綁定狀態根，
// GetFullState 給新加入的客戶端全量狀態，
// ApplyPatches 把累積的狀態變更編碼成一次廣播。
type Serializer interface {
	Reset(state any)
	GetFullState(client *Client) []byte
	ApplyPatches(clients []*Client) []byte
}

// Room 一個運行中房間的唯一權威
//
// 系統設計考量：
//
//  1. 所有權：房間狀態只由擁有它的進程修改。跨進程的修改請求
//     （席位預留）經由該房間的 IPC 頻道序列化成本地調用。
//
//  2. 容量與鎖：
//     hasReachedMaxClients = 活躍客戶端 + 待定席位 >= maxClients
//     容量觸發的「隱式鎖」與用戶請求的「顯式鎖」分開記帳，
//     席位釋放後隱式鎖可以自動解除而不覆蓋顯式鎖。
//
//  3. 席位預留是有時限的能力憑證：
//     預留後客戶端若未在窗口內完成加入，席位自動釋放。
//
//  4. 自動銷毀：
//     房間同時沒有活躍客戶端與待定席位時武裝一個寬限定時器，
//     期間任何新預留 / 加入都會取消它。
type Room struct {
	mu     sync.RWMutex
	logger *slog.Logger

	handler RoomHandler
	driver  driver.Driver
	cache   *driver.RoomCache

	state roomState

	clients       map[string]*Client
	reservedSeats map[string]map[string]any
	seatTimeouts  map[string]*time.Timer
	reconnections map[string]*Reconnection

	maxClients   int
	autoDispose  bool
	explicitLock bool

	seatWindow       time.Duration
	autoDisposeGrace time.Duration
	autoDisposeTimer *time.Timer

	serializer Serializer
	patchRate  time.Duration
	patchStop  chan struct{}
	simStop    chan struct{}

	observers   []EventObserver
	disposeOnce sync.Once
	wg          sync.WaitGroup
}

// roomConfig 創建房間所需的依賴與策略參數
type roomConfig struct {
	logger           *slog.Logger
	handler          RoomHandler
	driver           driver.Driver
	cache            *driver.RoomCache
	seatWindow       time.Duration
	autoDisposeGrace time.Duration
	patchRate        time.Duration
}

func newRoom(cfg roomConfig) *Room {
	return &Room{
		logger:           cfg.logger,
		handler:          cfg.handler,
		driver:           cfg.driver,
		cache:            cfg.cache,
		state:            roomCreating,
		clients:          make(map[string]*Client),
		reservedSeats:    make(map[string]map[string]any),
		seatTimeouts:     make(map[string]*time.Timer),
		reconnections:    make(map[string]*Reconnection),
		maxClients:       cfg.cache.MaxClients,
		autoDispose:      true,
		seatWindow:       cfg.seatWindow,
		autoDisposeGrace: cfg.autoDisposeGrace,
		patchRate:        cfg.patchRate,
	}
}

// RoomID 返回房間唯一標識符（創建時生成，之後不可變）
func (r *Room) RoomID() string { return r.cache.RoomID }

// Name 返回房間類型名
func (r *Room) Name() string { return r.cache.Name }

// Cache 返回房間的列表記錄（由本房間獨佔修改）
func (r *Room) Cache() *driver.RoomCache { return r.cache }

// MaxClients 返回容量上限（0 表示不限）
func (r *Room) MaxClients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxClients
}

// ClientCount 返回活躍客戶端數
func (r *Room) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// SetAutoDispose 設置房間空置後是否自動銷毀
func (r *Room) SetAutoDispose(autoDispose bool) {
	r.mu.Lock()
	r.autoDispose = autoDispose
	r.mu.Unlock()
}

// addObserver 註冊生命週期事件觀察者
func (r *Room) addObserver(observer EventObserver) {
	r.mu.Lock()
	r.observers = append(r.observers, observer)
	r.mu.Unlock()
}

// emit 發出生命週期事件（在不持有房間鎖的情況下調用觀察者）
func (r *Room) emit(event RoomEvent) {
	r.mu.RLock()
	observers := make([]EventObserver, len(r.observers))
	copy(observers, r.observers)
	r.mu.RUnlock()

	for _, observer := range observers {
		observer(event)
	}
}

// create 執行創建流程：解析選項 → 用戶 OnCreate 鉤子
func (r *Room) create(ctx context.Context, options map[string]any) error {
	if n, ok := numberOption(options, "maxClients"); ok {
		r.maxClients = n
		r.cache.MaxClients = n
	}
	if b, ok := options["autoDispose"].(bool); ok {
		r.autoDispose = b
	}

	if err := r.handler.OnCreate(ctx, r, options); err != nil {
		return newError(ErrCodeUnhandled, "房間創建鉤子失敗: %v", err)
	}
	return nil
}

// markCreated 狀態轉換 creating → created，並啟動 patch 節拍
func (r *Room) markCreated() {
	r.mu.Lock()
	r.state = roomCreated
	r.mu.Unlock()

	if r.patchRate > 0 {
		r.SetPatchRate(r.patchRate)
	}
}

// HasReachedMaxClients 容量判定：活躍客戶端 + 待定席位 >= 上限
func (r *Room) HasReachedMaxClients() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasReachedMaxClientsLocked()
}

// hasReachedMaxClientsLocked 需要持有鎖
func (r *Room) hasReachedMaxClientsLocked() bool {
	if r.maxClients <= 0 {
		return false
	}
	return len(r.clients)+len(r.reservedSeats) >= r.maxClients
}

// ReserveSeat 預留席位
//
// 返回 false 表示拒絕（容量已滿且不是重連授予）。成功時：
//   - 記錄待定席位並武裝自動釋放定時器
//   - 取消掛起的自動銷毀
//   - 若這次預留使容量達到上限，隱式鎖定房間
func (r *Room) ReserveSeat(ctx context.Context, sessionID string, options map[string]any, window time.Duration, isReconnection bool) bool {
	r.mu.Lock()

	if r.state == roomDisconnecting {
		r.mu.Unlock()
		return false
	}
	if !isReconnection && r.hasReachedMaxClientsLocked() {
		r.mu.Unlock()
		return false
	}

	if window <= 0 {
		window = r.seatWindow
	}

	if options == nil {
		options = map[string]any{}
	}
	r.reservedSeats[sessionID] = options

	if old, ok := r.seatTimeouts[sessionID]; ok {
		old.Stop()
	}
	r.seatTimeouts[sessionID] = time.AfterFunc(window, func() {
		r.releaseSeat(sessionID)
	})

	if r.autoDisposeTimer != nil {
		r.autoDisposeTimer.Stop()
		r.autoDisposeTimer = nil
	}

	shouldLock := !r.cache.Locked && r.hasReachedMaxClientsLocked()
	r.mu.Unlock()

	if shouldLock {
		r.lockRoom(ctx, false)
	}
	return true
}

// releaseSeat 釋放未兌現的席位（預留窗口過期）
func (r *Room) releaseSeat(sessionID string) {
	r.mu.Lock()
	if _, ok := r.reservedSeats[sessionID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.reservedSeats, sessionID)
	if timer, ok := r.seatTimeouts[sessionID]; ok {
		timer.Stop()
		delete(r.seatTimeouts, sessionID)
	}
	rec, hasRec := r.reconnections[sessionID]
	if hasRec {
		delete(r.reconnections, sessionID)
	}
	r.mu.Unlock()

	if hasRec {
		rec.reject(newError(ErrCodeExpired, "重連窗口已過期"))
	}

	r.logger.Debug("席位預留過期釋放",
		"room_id", r.RoomID(),
		"session_id", sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.maybeImplicitUnlock(ctx)
	r.checkAutoDispose()
}

// HasReservation 判斷會話是否持有待定席位
func (r *Room) HasReservation(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.reservedSeats[sessionID]
	return ok
}

// HasPendingReconnection 判斷會話是否有待定的重連
func (r *Room) HasPendingReconnection(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.reconnections[sessionID]
	return ok
}

// Lock 顯式鎖定房間（拒絕新的加入）
func (r *Room) Lock(ctx context.Context) {
	r.mu.Lock()
	r.explicitLock = true
	r.mu.Unlock()
	r.lockRoom(ctx, true)
}

// Unlock 顯式解鎖房間
func (r *Room) Unlock(ctx context.Context) {
	r.mu.Lock()
	r.explicitLock = false
	r.mu.Unlock()
	r.unlockRoom(ctx)
}

// lockRoom 鎖定並持久化；explicit 區分顯式鎖與容量觸發的隱式鎖
func (r *Room) lockRoom(ctx context.Context, explicit bool) {
	r.mu.Lock()
	if r.cache.Locked {
		if explicit {
			r.explicitLock = true
		}
		r.mu.Unlock()
		return
	}
	r.cache.Locked = true
	if explicit {
		r.explicitLock = true
	}
	r.mu.Unlock()

	if err := r.driver.Update(ctx, r.cache, map[string]any{"locked": true}, nil); err != nil {
		r.logger.Error("持久化房間鎖定失敗", "room_id", r.RoomID(), "error", err)
	}
	r.emit(RoomEvent{Type: EventLock, Room: r})
}

func (r *Room) unlockRoom(ctx context.Context) {
	r.mu.Lock()
	if !r.cache.Locked {
		r.mu.Unlock()
		return
	}
	r.cache.Locked = false
	r.mu.Unlock()

	if err := r.driver.Update(ctx, r.cache, map[string]any{"locked": false}, nil); err != nil {
		r.logger.Error("持久化房間解鎖失敗", "room_id", r.RoomID(), "error", err)
	}
	r.emit(RoomEvent{Type: EventUnlock, Room: r})
}

// maybeImplicitUnlock 隱式鎖在容量回落後自動解除，但不覆蓋顯式鎖
func (r *Room) maybeImplicitUnlock(ctx context.Context) {
	r.mu.RLock()
	shouldUnlock := r.cache.Locked && !r.explicitLock && !r.hasReachedMaxClientsLocked()
	r.mu.RUnlock()

	if shouldUnlock {
		r.unlockRoom(ctx)
	}
}

// Join 兌現席位預留：Transport 層在物理連接建立後調用。
//
// 流程：清除預留定時器 → 認證鉤子 → 加入鉤子 → 加入活躍列表。
// 任一鉤子失敗則客戶端不被加入，錯誤傳播給調用方。
// 若該會話有待定重連，跳過鉤子直接兌現重連承諾。
func (r *Room) Join(ctx context.Context, client *Client, token string) error {
	r.mu.Lock()
	if r.state == roomDisconnecting {
		r.mu.Unlock()
		return newError(ErrCodeInvalidRoomID, "房間正在銷毀: %s", r.RoomID())
	}

	options, reserved := r.reservedSeats[client.SessionID]
	if !reserved {
		r.mu.Unlock()
		return newError(ErrCodeExpired, "席位預留不存在或已過期: %s", client.SessionID)
	}

	if timer, ok := r.seatTimeouts[client.SessionID]; ok {
		timer.Stop()
		delete(r.seatTimeouts, client.SessionID)
	}

	rec, isReconnection := r.reconnections[client.SessionID]
	if isReconnection {
		delete(r.reconnections, client.SessionID)
	}
	r.mu.Unlock()

	if isReconnection {
		r.admit(client, ClientReconnected)
		rec.fulfill(client)
		r.emit(RoomEvent{Type: EventJoin, Room: r, Client: client})
		return nil
	}

	authData, err := r.handler.OnAuth(ctx, r, client, token)
	if err != nil {
		r.abortJoin(ctx, client.SessionID)
		return newError(ErrCodeAuthFailed, "認證失敗: %v", err)
	}
	client.AuthData = authData

	if err := r.handler.OnJoin(ctx, r, client, options); err != nil {
		r.abortJoin(ctx, client.SessionID)
		return newError(ErrCodeUnhandled, "加入鉤子失敗: %v", err)
	}

	r.admit(client, ClientJoined)

	if r.serializer != nil {
		if full := r.serializer.GetFullState(client); full != nil {
			client.Send(full)
		}
	}

	r.emit(RoomEvent{Type: EventJoin, Room: r, Client: client})
	return nil
}

// admit 把客戶端移入活躍列表並更新列表記錄
func (r *Room) admit(client *Client, state ClientState) {
	r.mu.Lock()
	delete(r.reservedSeats, client.SessionID)
	r.clients[client.SessionID] = client
	r.mu.Unlock()

	client.setState(state)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.driver.Update(ctx, r.cache, nil, map[string]int64{"clients": 1}); err != nil {
		r.logger.Error("更新房間人數失敗", "room_id", r.RoomID(), "error", err)
	}
}

// abortJoin 鉤子失敗後回收席位
func (r *Room) abortJoin(ctx context.Context, sessionID string) {
	r.mu.Lock()
	delete(r.reservedSeats, sessionID)
	r.mu.Unlock()

	r.maybeImplicitUnlock(ctx)
	r.checkAutoDispose()
}

// Leave 客戶端離開房間。
//
// OnLeave 鉤子的錯誤只記日誌不傳播——離開流程必須完成。
// 若用戶鉤子在其間調用了 AllowReconnection，重連預留會讓
// 房間保持存活，自動銷毀自然不會觸發。
func (r *Room) Leave(ctx context.Context, sessionID string, consented bool) {
	r.mu.Lock()
	client, ok := r.clients[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	client.setState(ClientLeaving)
	delete(r.clients, sessionID)
	disconnecting := r.state == roomDisconnecting
	r.mu.Unlock()

	if err := r.handler.OnLeave(ctx, r, client, consented); err != nil {
		r.logger.Error("離開鉤子失敗（已忽略）",
			"room_id", r.RoomID(),
			"session_id", sessionID,
			"error", err)
	}

	client.Close()

	if !disconnecting {
		if err := r.driver.Update(ctx, r.cache, nil, map[string]int64{"clients": -1}); err != nil {
			r.logger.Error("更新房間人數失敗", "room_id", r.RoomID(), "error", err)
		}
		r.maybeImplicitUnlock(ctx)
	}

	r.emit(RoomEvent{Type: EventLeave, Room: r, Client: client})

	if !disconnecting {
		r.checkAutoDispose()
	}
}

// AllowReconnection 為剛離開的客戶端保留重連窗口。
//
// 以「授予」方式重新預留同一個會話的席位（繞過容量檢查），
// 返回的 Reconnection 在窗口內等到同會話的新連接時兌現，
// 超時或房間銷毀時拒絕。待定期間房間即使空置也不會自動銷毀。
func (r *Room) AllowReconnection(ctx context.Context, previous *Client, window time.Duration) (*Reconnection, error) {
	r.mu.RLock()
	disconnecting := r.state == roomDisconnecting
	r.mu.RUnlock()
	if disconnecting {
		return nil, fmt.Errorf("房間正在銷毀，無法保留重連窗口")
	}

	rec := newReconnection(previous.SessionID)

	r.mu.Lock()
	r.reconnections[previous.SessionID] = rec
	r.mu.Unlock()

	if !r.ReserveSeat(ctx, previous.SessionID, nil, window, true) {
		r.mu.Lock()
		delete(r.reconnections, previous.SessionID)
		r.mu.Unlock()
		return nil, fmt.Errorf("重連席位預留失敗")
	}

	return rec, nil
}

// SetMetadata 更新房間的用戶自定義元數據並持久化
func (r *Room) SetMetadata(ctx context.Context, metadata map[string]any) error {
	r.mu.Lock()
	r.cache.Metadata = metadata
	r.mu.Unlock()
	return r.driver.Update(ctx, r.cache, map[string]any{"metadata": metadata}, nil)
}

// SetPrivate 設置房間是否私有（不出現在公開查詢中）
func (r *Room) SetPrivate(ctx context.Context, private bool) error {
	r.mu.Lock()
	r.cache.Private = private
	r.mu.Unlock()

	if err := r.driver.Update(ctx, r.cache, map[string]any{"private": private}, nil); err != nil {
		return err
	}
	r.emit(RoomEvent{Type: EventVisibilityChange, Room: r})
	return nil
}

// SetUnlisted 設置房間是否不進入大廳列表
func (r *Room) SetUnlisted(ctx context.Context, unlisted bool) error {
	r.mu.Lock()
	r.cache.Unlisted = unlisted
	r.mu.Unlock()

	if err := r.driver.Update(ctx, r.cache, map[string]any{"unlisted": unlisted}, nil); err != nil {
		return err
	}
	r.emit(RoomEvent{Type: EventVisibilityChange, Room: r})
	return nil
}

// SetMaxClients 調整容量上限並持久化
func (r *Room) SetMaxClients(ctx context.Context, maxClients int) error {
	r.mu.Lock()
	r.maxClients = maxClients
	r.cache.MaxClients = maxClients
	r.mu.Unlock()
	return r.driver.Update(ctx, r.cache, map[string]any{"maxClients": maxClients}, nil)
}

// SetState 綁定狀態根到序列化器
func (r *Room) SetState(state any) {
	r.mu.Lock()
	serializer := r.serializer
	r.mu.Unlock()

	if serializer != nil {
		serializer.Reset(state)
	}
}

// SetSerializer 設置狀態編解碼協作者
func (r *Room) SetSerializer(serializer Serializer) {
	r.mu.Lock()
	r.serializer = serializer
	r.mu.Unlock()
}

// SetSimulationInterval 設置模擬節拍（用戶自定義回調，任意頻率）。
// 傳入 nil 回調或非正間隔則停止現有節拍。
func (r *Room) SetSimulationInterval(callback func(delta time.Duration), interval time.Duration) {
	r.mu.Lock()
	if r.simStop != nil {
		close(r.simStop)
		r.simStop = nil
	}
	if callback == nil || interval <= 0 {
		r.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	r.simStop = stop
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		last := time.Now()
		for {
			select {
			case now := <-ticker.C:
				callback(now.Sub(last))
				last = now
			case <-stop:
				return
			}
		}
	}()
}

// SetPatchRate 設置狀態補丁廣播節拍（預設約 20Hz）。
// 非正間隔則停止現有節拍。
func (r *Room) SetPatchRate(rate time.Duration) {
	r.mu.Lock()
	if r.patchStop != nil {
		close(r.patchStop)
		r.patchStop = nil
	}
	if rate <= 0 {
		r.mu.Unlock()
		return
	}
	r.patchRate = rate
	stop := make(chan struct{})
	r.patchStop = stop
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(rate)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.broadcastPatch()
			case <-stop:
				return
			}
		}
	}()
}

// broadcastPatch 把累積的狀態變更廣播給所有已加入的客戶端
func (r *Room) broadcastPatch() {
	r.mu.RLock()
	serializer := r.serializer
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	r.mu.RUnlock()

	if serializer == nil || len(clients) == 0 {
		return
	}
	patch := serializer.ApplyPatches(clients)
	if patch == nil {
		return
	}
	for _, client := range clients {
		client.Send(patch)
	}
}

// Broadcast 向所有已加入的客戶端投遞消息
func (r *Room) Broadcast(data []byte) {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	r.mu.RUnlock()

	for _, client := range clients {
		client.Send(data)
	}
}

// checkAutoDispose 房間空置時武裝自動銷毀定時器
func (r *Room) checkAutoDispose() {
	r.mu.Lock()
	if !r.autoDispose || r.state == roomDisconnecting || !r.emptyLocked() {
		r.mu.Unlock()
		return
	}
	if r.autoDisposeTimer != nil {
		r.autoDisposeTimer.Stop()
	}
	r.autoDisposeTimer = time.AfterFunc(r.autoDisposeGrace, func() {
		r.mu.Lock()
		stillEmpty := r.emptyLocked() && r.state != roomDisconnecting
		r.mu.Unlock()

		if stillEmpty {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			r.dispose(ctx)
		}
	})
	r.mu.Unlock()
}

// emptyLocked 需要持有鎖：沒有活躍客戶端、待定席位與待定重連
func (r *Room) emptyLocked() bool {
	return len(r.clients) == 0 && len(r.reservedSeats) == 0 && len(r.reconnections) == 0
}

// Disconnect 顯式銷毀房間（如優雅關閉時）。
//
// 標記 disconnecting → 立即移除列表記錄 → 拒絕待定重連 →
// 逐一跑完每個客戶端的離開鉤子 → 發出銷毀事件。
// 返回時所有離開鉤子都已結束，調用方可以安全地繼續關閉流程。
func (r *Room) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	if r.state == roomDisconnecting {
		r.mu.Unlock()
		return errors.New("房間已在銷毀流程中")
	}
	r.state = roomDisconnecting

	sessionIDs := make([]string, 0, len(r.clients))
	for sessionID := range r.clients {
		sessionIDs = append(sessionIDs, sessionID)
	}
	recs := make([]*Reconnection, 0, len(r.reconnections))
	for _, rec := range r.reconnections {
		recs = append(recs, rec)
	}
	r.reconnections = make(map[string]*Reconnection)
	r.mu.Unlock()

	if err := r.driver.Remove(ctx, r.RoomID()); err != nil {
		r.logger.Error("移除房間記錄失敗", "room_id", r.RoomID(), "error", err)
	}

	for _, rec := range recs {
		rec.reject(newError(ErrCodeExpired, "房間已銷毀"))
	}

	// 等每個客戶端的離開鉤子跑完，用戶清理代碼不被打斷
	for _, sessionID := range sessionIDs {
		r.Leave(ctx, sessionID, false)
	}

	r.dispose(ctx)
	return nil
}

// dispose 執行銷毀：用戶鉤子 → 停止所有定時器 → 發出銷毀事件。
// 恰好執行一次。
func (r *Room) dispose(ctx context.Context) {
	r.disposeOnce.Do(func() {
		if err := r.handler.OnDispose(ctx, r); err != nil {
			r.logger.Error("銷毀鉤子失敗（已忽略）", "room_id", r.RoomID(), "error", err)
		}

		r.mu.Lock()
		r.state = roomDisconnecting
		if r.simStop != nil {
			close(r.simStop)
			r.simStop = nil
		}
		if r.patchStop != nil {
			close(r.patchStop)
			r.patchStop = nil
		}
		if r.autoDisposeTimer != nil {
			r.autoDisposeTimer.Stop()
			r.autoDisposeTimer = nil
		}
		for sessionID, timer := range r.seatTimeouts {
			timer.Stop()
			delete(r.seatTimeouts, sessionID)
		}
		recs := make([]*Reconnection, 0, len(r.reconnections))
		for _, rec := range r.reconnections {
			recs = append(recs, rec)
		}
		r.reconnections = make(map[string]*Reconnection)
		r.mu.Unlock()

		for _, rec := range recs {
			rec.reject(newError(ErrCodeExpired, "房間已銷毀"))
		}

		r.wg.Wait()
		r.emit(RoomEvent{Type: EventDispose, Room: r})

		r.logger.Info("房間已銷毀", "room_id", r.RoomID(), "name", r.Name())
	})
}

// numberOption 從選項包解析數值（JSON 反序列化後數字是 float64）
func numberOption(options map[string]any, key string) (int, bool) {
	switch n := options[key].(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
