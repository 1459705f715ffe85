package dal

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	proxymysql "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/proxy"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/dbresolver"

	"github.com/utrading/utrading-exit-engine/config"
	"github.com/utrading/utrading-exit-engine/internal/models"
	"github.com/utrading/utrading-exit-engine/pkg/logger"
)

type GormLogger struct{}

func (l GormLogger) Printf(f string, args ...any) {
	log.Printf(f, args...)
}

var (
	db     *gorm.DB
	dbOnce sync.Once
)

// InitDB 按配置初始化数据库，sqlite 为单机默认，mysql 支持读写分离
func InitDB(cfg config.Storage) {
	dbOnce.Do(func() {
		switch cfg.Driver {
		case "mysql":
			db = connectMySQL(cfg)
		default:
			db = connectSQLite(cfg)
		}
	})
}

func newGormLogger() gormlogger.Interface {
	return gormlogger.New(
		GormLogger{}, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			Colorful:                  true,
			IgnoreRecordNotFoundError: true,
		},
	)
}

func connectSQLite(cfg config.Storage) *gorm.DB {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = "exit_engine.db"
	}

	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: newGormLogger(),
	})
	if err != nil {
		panic(fmt.Sprintf("open sqlite failed: %v", err))
	}

	// sqlite 单写者，收紧连接池避免 database is locked
	sqlDB, err := gdb.DB()
	if err != nil {
		panic(fmt.Sprintf("get sql.DB failed: %v", err))
	}
	sqlDB.SetMaxOpenConns(1)

	logger.Info().Str("dsn", dsn).Msg("sqlite connected")

	return gdb
}

// registerProxyDialer 注册 SOCKS5 代理拨号器
func registerProxyDialer(proxyAddr string) error {
	dialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, &net.Dialer{})
	if err != nil {
		return fmt.Errorf("create proxy dialer failed: %w", err)
	}

	proxymysql.RegisterDialContext("dial", func(ctx context.Context, addr string) (net.Conn, error) {
		return dialer.Dial("tcp", addr)
	})

	return nil
}

func connectMySQL(cfg config.Storage) *gorm.DB {
	if cfg.ProxyEnabled {
		if err := registerProxyDialer(cfg.ProxyAddr); err != nil {
			panic(fmt.Sprintf("register proxy failed: %v", err))
		}
		logger.Info().Str("proxy", cfg.ProxyAddr).Msg("mysql proxy enabled")
	}

	gdb, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger:      newGormLogger(),
		PrepareStmt: true,
	})
	if err != nil {
		panic(fmt.Sprintf("connect mysql master failed: %v", err))
	}

	maxIdleTime := time.Hour
	if cfg.SetConnMaxIdleTime > 0 {
		maxIdleTime = time.Duration(cfg.SetConnMaxIdleTime) * time.Second
	}

	maxLifetime := 2 * time.Hour
	if cfg.SetConnMaxLifetime > 0 {
		maxLifetime = time.Duration(cfg.SetConnMaxLifetime) * time.Second
	}

	// 配置读写分离
	if len(cfg.SlaveAddr) > 0 {
		var replicas []gorm.Dialector
		for _, addr := range cfg.SlaveAddr {
			replicas = append(replicas, mysql.Open(addr))
		}

		plugin := dbresolver.Register(dbresolver.Config{
			Replicas:          replicas,
			TraceResolverMode: true,
		}).
			SetConnMaxIdleTime(maxIdleTime).
			SetConnMaxLifetime(maxLifetime).
			SetMaxIdleConns(cfg.MaxIdleConnections).
			SetMaxOpenConns(cfg.MaxOpenConnections)
		if err = gdb.Use(plugin); err != nil {
			panic(fmt.Sprintf("register dbresolver failed: %v", err))
		}
		logger.Info().Int("slaves", len(cfg.SlaveAddr)).Msg("mysql replicas configured")
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		panic(fmt.Sprintf("get sql.DB failed: %v", err))
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConnections)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConnections)
	sqlDB.SetConnMaxIdleTime(maxIdleTime)
	sqlDB.SetConnMaxLifetime(maxLifetime)

	logger.Info().Msgf("mysql connected: max_idle=%d, max_open=%d, max_idle_time=%v, max_lifetime=%v",
		cfg.MaxIdleConnections, cfg.MaxOpenConnections, maxIdleTime, maxLifetime)

	return gdb
}

func DB() *gorm.DB {
	return db
}

func CloseDB() {
	if db == nil {
		return
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Error().Err(err)
		return
	}
	if err = sqlDB.Close(); err != nil {
		logger.Error().Err(err)
	}

	logger.Info().Msg("database closed")
}

// AutoMigrate 自动迁移数据库表结构
// 失败时记录警告日志，不中断服务启动
func AutoMigrate() {
	gdb := DB()
	if gdb == nil {
		log.Error().Msg("database not initialized, skip auto migration")
		return
	}

	modelList := []interface{}{
		&models.ExitMonitor{},
		&models.TriggerEvent{},
	}

	for _, model := range modelList {
		if err := gdb.AutoMigrate(model); err != nil {
			log.Warn().Err(err).
				Str("table", getTableName(model)).
				Msg("auto migrate failed, continuing anyway")
		} else {
			log.Info().Str("table", getTableName(model)).Msg("auto migrate success")
		}
	}
}

// getTableName 获取模型的表名
func getTableName(model interface{}) string {
	if t, ok := model.(interface{ TableName() string }); ok {
		return t.TableName()
	}
	return "unknown"
}
