// Package config 提供配對服務的配置載入。
//
// 配置來源優先級：內建預設值 < YAML 配置文件。
// 所有時間參數在 YAML 中以 Go duration 字符串表示（如 "15s"、"50ms"）。
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 服務配置
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	Matchmaker MatchmakerConfig `yaml:"matchmaker"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig HTTP/WebSocket 服務器配置
type ServerConfig struct {
	Port int `yaml:"port"`
	// PublicAddress 寫入房間記錄、供客戶端直連本進程的對外地址
	PublicAddress string        `yaml:"public_address"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

// RedisConfig Redis 連接配置。Addr 留空時退化為進程內實現
// （單進程部署、本地開發、測試都不需要 Redis）。
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MatchmakerConfig 配對引擎策略參數
type MatchmakerConfig struct {
	SeatReservationWindow time.Duration `yaml:"seat_reservation_window"`
	AutoDisposeGrace      time.Duration `yaml:"auto_dispose_grace"`
	PatchRate             time.Duration `yaml:"patch_rate"`
	RemoteTimeout         time.Duration `yaml:"remote_timeout"`
	HealthCheckTimeout    time.Duration `yaml:"health_check_timeout"`
	RetryCount            int           `yaml:"retry_count"`
	RetryBackoffBase      time.Duration `yaml:"retry_backoff_base"`
	FollowerBaseWait      time.Duration `yaml:"follower_base_wait"`
	FollowerWaitIncrement time.Duration `yaml:"follower_wait_increment"`
	LockTTL               time.Duration `yaml:"lock_ttl"`
	StatsPersistInterval  time.Duration `yaml:"stats_persist_interval"`
	// DevRestore 開發恢復模式：健康檢查失敗時保留死進程的房間記錄
	DevRestore bool `yaml:"dev_restore"`
}

// LogConfig 日誌配置
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default 返回內建預設配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          8080,
			PublicAddress: "localhost:8080",
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  15 * time.Second,
			IdleTimeout:   60 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "",
			DB:   0,
		},
		Matchmaker: MatchmakerConfig{
			SeatReservationWindow: 15 * time.Second,
			AutoDisposeGrace:      time.Second,
			PatchRate:             50 * time.Millisecond,
			RemoteTimeout:         2 * time.Second,
			HealthCheckTimeout:    time.Second,
			RetryCount:            3,
			RetryBackoffBase:      50 * time.Millisecond,
			FollowerBaseWait:      500 * time.Millisecond,
			FollowerWaitIncrement: 100 * time.Millisecond,
			LockTTL:               5 * time.Second,
			StatsPersistInterval:  time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load 從 YAML 文件載入配置，疊加在預設值之上。
// path 為空時直接返回預設配置。
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("讀取配置文件失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失敗: %w", err)
	}
	return cfg, nil
}
