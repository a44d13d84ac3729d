// Package matchmaker 提供了一個跨進程的配對與房間生命週期管理引擎。
//
// 實現了一個支援多進程部署的即時遊戲配對系統，包含以下核心功能：
//
// 分散式配對系統
//
// 提供完整的配對與房間編排能力：
//   - 房間的跨進程創建與負載均衡
//   - 席位預留協議（seat reservation）
//   - joinOrCreate 並發競爭消解（leader / follower）
//   - 進程健康檢查與故障自癒
//
// # 協調基礎設施（Presence）
//
// 所有跨進程協調都建立在 Presence 抽象之上：
//   - Pub/Sub 頻道（IPC 請求 / 回覆）
//   - 原子計數器與雜湊（併發鎖原語 HIncrByEx）
//   - 可互換的實現：單進程內存版 / Redis 版
//
// 房間快取（Driver）
//
// 房間列表的存儲與查詢抽象：
//   - 頂層欄位與 metadata 嵌套欄位的等值過濾
//   - 多鍵穩定排序
//   - 可互換的實現：內存版 / Redis 版
//
// 併發安全設計
//
// 採用了多層次的併發控制策略：
//   - 房間狀態只由擁有它的進程修改
//   - 跨進程修改一律經由該進程的 IPC 通道序列化
//   - 所有跨進程呼叫強制超時，無任何無界等待
//   - 併發鎖是「提示」而非硬鎖：follower 超時後獨立重試
//
// 架構設計
//
// 系統採用分層架構設計：
//   - MatchMaker 層：配對編排、進程選擇、優雅關閉
//   - Room 層：房間生命週期狀態機與客戶端管理
//   - Driver 層：房間快取的存儲與查詢
//   - Presence / IPC 層：跨進程協調與請求回覆
//   - Transport 層：WebSocket 連接兌換席位預留
//
// 每層都有明確的職責邊界，透過介面進行交互，便於測試與擴展。
//
// 使用範例
//
// 啟動配對服務：
//
//	pres := presence.NewLocalPresence()
//	drv := driver.NewMemoryDriver()
//	mm := matchmaker.New(matchmaker.Options{
//	    Logger:   logger,
//	    Presence: pres,
//	    Driver:   drv,
//	})
//	mm.Define("lobby", func() matchmaker.RoomHandler { return &LobbyRoom{} })
//	if err := mm.Accept(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	reservation, err := mm.JoinOrCreate(ctx, "lobby", nil, nil)
//
// 配置選項
//
// 支援多種運行時配置：
//   - -config：YAML 配置文件路徑
//   - -port：服務監聽端口（覆蓋配置文件，預設 8080）
//   - -redis：Redis 地址（覆蓋配置文件）
//   - Redis 不可用時自動退回單進程內存實現
package matchmaker
