package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-matchmaker/internal/config"
	"github.com/koopa0/system-design/14-matchmaker/internal/driver"
	"github.com/koopa0/system-design/14-matchmaker/internal/matchmaker"
	"github.com/koopa0/system-design/14-matchmaker/internal/presence"
	"github.com/koopa0/system-design/14-matchmaker/internal/transport"
)

func main() {
	var (
		configPath = flag.String("config", "", "配置文件路徑 (YAML)")
		port       = flag.Int("port", 0, "服務器端口（覆蓋配置文件）")
		redisAddr  = flag.String("redis", "", "Redis 地址（覆蓋配置文件）")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "載入配置失敗:", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *redisAddr != "" {
		cfg.Redis.Addr = *redisAddr
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)

	// 基礎設施：有 Redis 走分散式，沒有就退化為進程內實現
	p, d, cleanup := setupInfra(cfg, logger)
	defer cleanup()

	mm := matchmaker.New(matchmaker.Options{
		Logger:                logger,
		Presence:              p,
		Driver:                d,
		PublicAddress:         cfg.Server.PublicAddress,
		DevRestore:            cfg.Matchmaker.DevRestore,
		SeatReservationWindow: cfg.Matchmaker.SeatReservationWindow,
		AutoDisposeGrace:      cfg.Matchmaker.AutoDisposeGrace,
		PatchRate:             cfg.Matchmaker.PatchRate,
		RemoteTimeout:         cfg.Matchmaker.RemoteTimeout,
		HealthCheckTimeout:    cfg.Matchmaker.HealthCheckTimeout,
		RetryCount:            cfg.Matchmaker.RetryCount,
		RetryBackoffBase:      cfg.Matchmaker.RetryBackoffBase,
		FollowerBaseWait:      cfg.Matchmaker.FollowerBaseWait,
		FollowerWaitIncrement: cfg.Matchmaker.FollowerWaitIncrement,
		LockTTL:               cfg.Matchmaker.LockTTL,
		StatsPersistInterval:  cfg.Matchmaker.StatsPersistInterval,
	})

	// 示例房間類型：按模式與地圖配對的戰鬥房
	mm.Define("battle", func() matchmaker.RoomHandler { return &battleRoom{} },
		matchmaker.WithDefaultOptions(map[string]any{"maxClients": 4}),
		matchmaker.WithFilterBy("mode", "map"),
		matchmaker.WithSortBy(driver.SortOption{Field: "clients", Descending: true}),
	)

	ctx := context.Background()
	if err := mm.Accept(ctx); err != nil {
		logger.Error("配對引擎啟動失敗", "error", err)
		os.Exit(1)
	}

	ts := transport.NewServer(mm, logger)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      ts.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("配對服務器啟動",
			"port", cfg.Server.Port,
			"public_address", cfg.Server.PublicAddress,
			"process_id", mm.ProcessID())

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("服務器啟動失敗", "error", err)
			os.Exit(1)
		}
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("收到關閉信號，開始優雅關閉...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 先停止接受新連接，再等所有房間跑完清理鉤子
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("服務器關閉失敗", "error", err)
	}
	if err := mm.GracefulShutdown(shutdownCtx); err != nil {
		logger.Error("配對引擎關閉失敗", "error", err)
	}

	logger.Info("服務器已關閉")
}

// setupInfra 構建 Presence 與 Driver：
// 配置了 Redis 且 ping 通過時用 Redis 後端（多進程部署），
// 否則退化為進程內實現（單進程 / 本地開發）。
func setupInfra(cfg *config.Config, logger *slog.Logger) (presence.Presence, driver.Driver, func()) {
	if cfg.Redis.Addr == "" {
		logger.Info("未配置 Redis，使用進程內實現")
		return presence.NewLocalPresence(), driver.NewMemoryDriver(), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis 不可達，退化為進程內實現",
			"addr", cfg.Redis.Addr,
			"error", err)
		_ = client.Close()
		return presence.NewLocalPresence(), driver.NewMemoryDriver(), func() {}
	}

	logger.Info("已連接 Redis", "addr", cfg.Redis.Addr)
	return presence.NewRedisPresence(client),
		driver.NewRedisDriver(client),
		func() { _ = client.Close() }
}

// setupLogger 設置日誌
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: level == "debug",
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// battleRoom 示例房間邏輯：展示鉤子、廣播與非自願斷線的重連窗口
type battleRoom struct {
	matchmaker.BaseRoomHandler
}

func (battleRoom) OnJoin(_ context.Context, room *matchmaker.Room, client *matchmaker.Client, _ map[string]any) error {
	room.Broadcast([]byte(fmt.Sprintf(`{"type":"player_joined","sessionId":%q}`, client.SessionID)))
	return nil
}

func (battleRoom) OnLeave(ctx context.Context, room *matchmaker.Room, client *matchmaker.Client, consented bool) error {
	if consented {
		room.Broadcast([]byte(fmt.Sprintf(`{"type":"player_left","sessionId":%q}`, client.SessionID)))
		return nil
	}

	// 非自願斷線：給 20 秒重連窗口
	rec, err := room.AllowReconnection(ctx, client, 20*time.Second)
	if err != nil {
		return err
	}
	go func() {
		waitCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		if _, err := rec.Await(waitCtx); err == nil {
			room.Broadcast([]byte(fmt.Sprintf(`{"type":"player_reconnected","sessionId":%q}`, client.SessionID)))
		}
	}()
	return nil
}
