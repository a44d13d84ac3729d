// Package transport 提供配對引擎的對外表面：
// HTTP 配對端點 + WebSocket 席位兌換。
//
// 系統設計問題：
//
//	配對決策（選房間、預留席位）與實時連接（狀態同步、廣播）
//	的生命週期完全不同，如何讓兩者解耦？
//
// 設計方案：
//
//	✅ 兩階段加入 - HTTP 拿到席位預留，WebSocket 在窗口內兌換
//	✅ 預留即能力憑證 - WebSocket 握手只驗 sessionId，不重跑配對
//	✅ Ping/Pong 心跳 - 檢測死連接（54s/60s）
//	✅ 緩衝 channel - 異步發送（慢客戶端不拖累房間）
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-matchmaker/internal/matchmaker"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Server 配對服務的 HTTP/WebSocket 入口
type Server struct {
	mm       *matchmaker.MatchMaker
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer 創建傳輸層入口
func NewServer(mm *matchmaker.MatchMaker, logger *slog.Logger) *Server {
	return &Server{
		mm:     mm,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Routes 返回路由表
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /matchmake/{method}/{room_name}", s.handleMatchmake)
	mux.HandleFunc("GET /matchmake/rooms", s.handleListRooms)
	mux.HandleFunc("GET /ws/{room_id}", s.ServeWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// matchmakeRequest 配對請求體
type matchmakeRequest struct {
	Options   map[string]any `json:"options"`
	Token     string         `json:"token"`
	SessionID string         `json:"sessionId"`
}

// handleMatchmake 配對端點：POST /matchmake/{method}/{room_name}
//
// method ∈ {joinOrCreate, join, create, joinById, reconnect}。
// 成功返回席位預留（房間記錄 + sessionId），客戶端拿它去
// 房間所屬進程的 PublicAddress 建 WebSocket 連接。
func (s *Server) handleMatchmake(w http.ResponseWriter, r *http.Request) {
	method := r.PathValue("method")
	roomName := r.PathValue("room_name")

	// 空請求體等同於無選項
	var req matchmakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, matchmaker.ErrCodeInvalidCriteria, "請求體無效")
		return
	}

	auth := &matchmaker.AuthContext{Token: req.Token, SessionID: req.SessionID}
	ctx := r.Context()

	var (
		reservation *matchmaker.SeatReservation
		err         error
	)
	switch method {
	case "joinOrCreate":
		reservation, err = s.mm.JoinOrCreate(ctx, roomName, req.Options, auth)
	case "join":
		reservation, err = s.mm.Join(ctx, roomName, req.Options, auth)
	case "create":
		reservation, err = s.mm.Create(ctx, roomName, req.Options, auth)
	case "joinById":
		// 此時 room_name 位置攜帶的是房間 ID
		reservation, err = s.mm.JoinByID(ctx, roomName, req.Options, auth)
	case "reconnect":
		reservation, err = s.mm.Reconnect(ctx, roomName, req.SessionID)
	default:
		s.writeError(w, matchmaker.ErrCodeInvalidCriteria, "未知的配對方法: "+method)
		return
	}

	if err != nil {
		s.logger.Info("配對失敗",
			"method", method,
			"room", roomName,
			"error", err)
		s.writeMatchmakeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, reservation)
}

// handleListRooms 房間列表：GET /matchmake/rooms?name=<roomName>
// 只返回公開、未隱藏的房間。
func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	conditions := map[string]any{
		"private":  false,
		"unlisted": false,
	}
	if name := r.URL.Query().Get("name"); name != "" {
		conditions["name"] = name
	}

	rooms, err := s.mm.Query(r.Context(), conditions)
	if err != nil {
		s.writeError(w, matchmaker.ErrCodeUnhandled, "查詢房間失敗")
		return
	}
	s.writeJSON(w, http.StatusOK, rooms)
}

// handleHealth 健康檢查端點（供負載均衡器探活）
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.mm.State() == matchmaker.StateReady {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
}

// ServeWS 兌換席位預留：GET /ws/{room_id}?sessionId=...&token=...
//
// 流程：定位本進程的房間實例 → 升級連接 → Room.Join 兌換預留
// （認證 + 加入鉤子）→ 啟動讀寫泵。Join 失敗時以 WebSocket
// 關閉幀攜帶錯誤信息斷開。
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	sessionID := r.URL.Query().Get("sessionId")
	token := r.URL.Query().Get("token")

	if sessionID == "" {
		http.Error(w, "缺少會話 ID", http.StatusBadRequest)
		return
	}

	room, ok := s.mm.RoomByID(roomID)
	if !ok {
		http.Error(w, "房間不在本進程", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	client := matchmaker.NewClient(sessionID)
	if err := room.Join(r.Context(), client, token); err != nil {
		s.logger.Info("兌換席位失敗",
			"room_id", roomID,
			"session_id", sessionID,
			"error", err)
		s.closeWithError(conn, err)
		return
	}

	s.logger.Info("WebSocket 連接建立",
		"room_id", roomID,
		"session_id", sessionID)

	go s.writePump(conn, client)
	go s.readPump(conn, room, client)
}

// readPump 讀取客戶端消息並檢測斷線。
//
// 心跳：writePump 每 54 秒發 Ping，收到 Pong 就把讀取期限
// 往後推 60 秒；死連接最多 60 秒後被回收。
// 連接斷開時觸發離開流程——正常關閉幀視為主動離開，
// 其餘（網絡故障、崩潰）視為非自願斷線，給用戶房間邏輯
// 開重連窗口的機會。
func (s *Server) readPump(conn *websocket.Conn, room *matchmaker.Room, client *matchmaker.Client) {
	consented := false
	defer func() {
		conn.Close()
		client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		room.Leave(ctx, client.SessionID, consented)
	}()

	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Error("設置讀取期限失敗", "error", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				consented = true
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"room_id", room.RoomID(),
					"session_id", client.SessionID)
			}
			return
		}

		if messageType == websocket.TextMessage {
			s.handleClientMessage(room, client, message)
		}
	}
}

// writePump 把房間投遞給客戶端的消息寫入連接，並維持心跳
func (s *Server) writePump(conn *websocket.Conn, client *matchmaker.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message := <-client.Messages:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量發送隊列中的消息
			n := len(client.Messages)
			for i := 0; i < n; i++ {
				if err := conn.WriteMessage(websocket.TextMessage, <-client.Messages); err != nil {
					return
				}
			}

		case <-client.Closed():
			// 房間側關閉（踢出、房間銷毀），發關閉幀後斷開
			deadline := time.Now().Add(time.Second)
			if err := conn.SetWriteDeadline(deadline); err == nil {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			return

		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientMessage 處理入站消息
func (s *Server) handleClientMessage(room *matchmaker.Room, client *matchmaker.Client, message []byte) {
	var msg map[string]any
	if err := json.Unmarshal(message, &msg); err != nil {
		s.logger.Debug("解析客戶端消息失敗",
			"session_id", client.SessionID,
			"error", err)
		return
	}

	if msgType, ok := msg["type"].(string); ok {
		switch msgType {
		case "ping":
			response, _ := json.Marshal(map[string]string{"type": "pong"})
			client.Send(response)
		default:
			s.logger.Debug("收到未知消息類型",
				"type", msgType,
				"room_id", room.RoomID(),
				"session_id", client.SessionID)
		}
	}
}

// closeWithError 以關閉幀攜帶配對錯誤斷開連接
func (s *Server) closeWithError(conn *websocket.Conn, err error) {
	deadline := time.Now().Add(time.Second)
	if derr := conn.SetWriteDeadline(deadline); derr == nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
	}
	conn.Close()
}

// writeMatchmakeError 把配對錯誤映射為 HTTP 響應
func (s *Server) writeMatchmakeError(w http.ResponseWriter, err error) {
	resp := matchmaker.ToErrorResponse(err)
	s.writeJSON(w, statusFor(resp.Code), resp)
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, statusFor(code), matchmaker.ErrorResponse{Code: code, Error: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("寫入響應失敗", "error", err)
	}
}

// statusFor 配對錯誤碼到 HTTP 狀態碼的映射
func statusFor(code int) int {
	switch code {
	case matchmaker.ErrCodeNoHandler, matchmaker.ErrCodeInvalidRoomID:
		return http.StatusNotFound
	case matchmaker.ErrCodeInvalidCriteria:
		return http.StatusBadRequest
	case matchmaker.ErrCodeAuthFailed:
		return http.StatusUnauthorized
	case matchmaker.ErrCodeExpired:
		return http.StatusGone
	case matchmaker.ErrCodeProcessUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
