package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	TimeFormat = "2006-01-02 15:04:05"

	logMu      sync.Mutex
	fileWriter *lumberjack.Logger
)

// initLogger 初始化日志系统
func initLogger(config Config) error {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	setLogLevel(config.Level)

	if config.Filename == "" {
		config.Filename = "logs/exit_engine.log"
	}

	if err := os.MkdirAll(filepath.Dir(config.Filename), 0755); err != nil {
		return err
	}

	lj := &lumberjack.Logger{
		Filename:   config.Filename,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	writers := []io.Writer{lj}
	if config.Console {
		writers = append(writers, &zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: TimeFormat,
		})
	}

	logMu.Lock()
	defer logMu.Unlock()

	if fileWriter != nil {
		fileWriter.Close()
	}
	fileWriter = lj
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Caller().Logger()

	return nil
}

// L 返回全局 logger
func L() zerolog.Logger {
	return log.Logger
}

func Info() *zerolog.Event {
	return log.Logger.Info()
}

func Debug() *zerolog.Event {
	return log.Logger.Debug()
}

func Error() *zerolog.Event {
	return log.Logger.Error()
}

func Warn() *zerolog.Event {
	return log.Logger.Warn()
}

func Fatal() *zerolog.Event {
	return log.Logger.Fatal()
}

// Err 直接记录错误
func Err(err error) *zerolog.Event {
	return log.Logger.Err(err)
}

// Close 关闭日志文件
func Close() {
	logMu.Lock()
	defer logMu.Unlock()

	if fileWriter != nil {
		fileWriter.Close()
		fileWriter = nil
	}
}
