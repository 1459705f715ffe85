package config

import (
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/utrading/utrading-exit-engine/pkg/logger"
)

type Engine struct {
	ReferenceSymbol  string        `toml:"reference_symbol"`
	PollInterval     time.Duration `toml:"poll_interval"`
	PriceTimeout     time.Duration `toml:"price_timeout"`
	RetryBackoff     time.Duration `toml:"retry_backoff"`
	OrderWorkers     int           `toml:"order_workers"`
	HealthServerAddr string        `toml:"health_server_addr"`
	APIServerAddr    string        `toml:"api_server_addr"`
}

type Bybit struct {
	BaseURL      string `toml:"base_url"`
	WSLinearURL  string `toml:"ws_linear_url"`
	WSSpotURL    string `toml:"ws_spot_url"`
	APIKey       string `toml:"api_key"`
	APISecret    string `toml:"api_secret"`
	RecvWindow   string `toml:"recv_window"`
	ProxyEnabled bool   `toml:"proxy_enabled"`
	ProxyAddr    string `toml:"proxy_addr"`
}

type Storage struct {
	Driver             string   `toml:"driver"` // sqlite | mysql
	DSN                string   `toml:"dsn"`
	SlaveAddr          []string `toml:"slave_addr"`
	MaxIdleConnections int      `toml:"max_idle_connections"`
	MaxOpenConnections int      `toml:"max_open_connections"`
	SetConnMaxLifetime int      `toml:"set_conn_max_lifetime"`
	SetConnMaxIdleTime int      `toml:"set_conn_max_idle_time"`
	ProxyEnabled       bool     `toml:"proxy_enabled"`
	ProxyAddr          string   `toml:"proxy_addr"`
}

type NATS struct {
	Endpoint string `toml:"endpoint"`
}

type Logger struct {
	Level      string `toml:"level"`
	Filename   string `toml:"filename"`
	MaxSize    int    `toml:"max_size"`
	MaxBackups int    `toml:"max_backups"`
	MaxAge     int    `toml:"max_age"`
	Compress   bool   `toml:"compress"`
	Console    bool   `toml:"console"`
}

type Cleaner struct {
	EventRetention time.Duration `toml:"event_retention"`
	MaxEvents      int64         `toml:"max_events"`
}

type Config struct {
	Engine  Engine  `toml:"engine"`
	Bybit   Bybit   `toml:"bybit"`
	Storage Storage `toml:"storage"`
	NATS    NATS    `toml:"nats"`
	Logger  Logger  `toml:"log"`
	Cleaner Cleaner `toml:"cleaner"`
}

var (
	cfg         *Config
	cfgPath     string
	cfgLock     sync.RWMutex
	lastModTime time.Time
	stopChan    chan struct{}
)

func Default() *Config {
	return &Config{
		Engine: Engine{
			ReferenceSymbol:  "BTCUSDT",
			PollInterval:     2 * time.Second,
			PriceTimeout:     5 * time.Second,
			RetryBackoff:     2 * time.Second,
			OrderWorkers:     8,
			HealthServerAddr: "0.0.0.0:16900",
			APIServerAddr:    "0.0.0.0:16901",
		},
		Bybit: Bybit{
			BaseURL:      "https://api.bybit.com",
			WSLinearURL:  "wss://stream.bybit.com/v5/public/linear",
			WSSpotURL:    "wss://stream.bybit.com/v5/public/spot",
			RecvWindow:   "20000",
			ProxyEnabled: false,
			ProxyAddr:    "127.0.0.1:7890",
		},
		Storage: Storage{
			Driver:             "sqlite",
			DSN:                "exit_engine.db",
			SlaveAddr:          []string{},
			MaxIdleConnections: 16,
			MaxOpenConnections: 64,
			SetConnMaxLifetime: 7200,
			SetConnMaxIdleTime: 3600,
			ProxyEnabled:       false,
			ProxyAddr:          "127.0.0.1:7890",
		},
		NATS: NATS{
			Endpoint: "", // 为空时不发布信号
		},
		Logger: Logger{
			Level:      "info",
			Filename:   "logs/exit_engine.log",
			MaxSize:    10,
			MaxBackups: 60,
			MaxAge:     7,
			Compress:   false,
			Console:    false,
		},
		Cleaner: Cleaner{
			EventRetention: 7 * 24 * time.Hour,
			MaxEvents:      500000,
		},
	}
}

func Load(path string) error {
	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	cfgLock.Lock()
	defer cfgLock.Unlock()
	cfg = c
	cfgPath = path
	lastModTime = info.ModTime()

	return nil
}

func Get() *Config {
	cfgLock.RLock()
	defer cfgLock.RUnlock()
	return cfg
}

// Init 初始化配置并启动定期重载（默认10秒）
func Init(path string) error {
	return InitWithInterval(path, 10*time.Second)
}

// InitWithInterval 初始化配置并指定重载间隔
func InitWithInterval(path string, interval time.Duration) error {
	if err := Load(path); err != nil {
		return err
	}

	stopChan = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				reloadIfNeeded()
			case <-stopChan:
				return
			}
		}
	}()

	return nil
}

// Stop 停止配置重载
func Stop() {
	if stopChan != nil {
		close(stopChan)
	}
}

// reloadIfNeeded 仅在文件修改时重载
func reloadIfNeeded() {
	cfgLock.RLock()
	path := cfgPath
	lastMod := lastModTime
	cfgLock.RUnlock()

	if path == "" {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		logger.Error().Err(err).Msg("config stat failed")
		return
	}

	if info.ModTime().After(lastMod) {
		if err = Load(path); err != nil {
			logger.Error().Err(err).Msg("config reload failed")
		} else {
			logger.Info().Msg("config reloaded")
		}
	}
}
