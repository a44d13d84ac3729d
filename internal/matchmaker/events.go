package matchmaker

// RoomEventType 房間生命週期事件
//
// 設計重點：封閉的事件枚舉而非字串鍵的開放式 emitter——
// 可發出的事件集合是固定的，觀察者可以窮舉匹配。
type RoomEventType int

const (
	// EventCreate 房間創建完成並已註冊
	EventCreate RoomEventType = iota
	// EventJoin 客戶端成功加入
	EventJoin
	// EventLeave 客戶端離開
	EventLeave
	// EventLock 房間鎖定（顯式或容量觸發的隱式鎖）
	EventLock
	// EventUnlock 房間解鎖
	EventUnlock
	// EventVisibilityChange 房間的 private / unlisted 可見性變更
	EventVisibilityChange
	// EventDispose 房間已銷毀
	EventDispose
)

// String 返回事件名稱
func (t RoomEventType) String() string {
	switch t {
	case EventCreate:
		return "create"
	case EventJoin:
		return "join"
	case EventLeave:
		return "leave"
	case EventLock:
		return "lock"
	case EventUnlock:
		return "unlock"
	case EventVisibilityChange:
		return "visibility_change"
	case EventDispose:
		return "dispose"
	default:
		return "unknown"
	}
}

// RoomEvent 一次生命週期事件
type RoomEvent struct {
	Type   RoomEventType
	Room   *Room
	Client *Client // 僅 Join / Leave 事件攜帶
}

// EventObserver 生命週期事件觀察者回調
type EventObserver func(event RoomEvent)
