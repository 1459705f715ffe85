package cleaner

import (
	"time"

	"github.com/utrading/utrading-exit-engine/config"
	"github.com/utrading/utrading-exit-engine/internal/dao"
	"github.com/utrading/utrading-exit-engine/pkg/goplus"
	"github.com/utrading/utrading-exit-engine/pkg/logger"
)

// Cleaner 数据清理器，定时清理历史触发事件
type Cleaner struct {
	cfg      config.Cleaner
	interval time.Duration
	done     chan struct{}
}

// NewCleaner 创建清理器
func NewCleaner(cfg config.Cleaner) *Cleaner {
	return &Cleaner{
		cfg:      cfg,
		interval: 1 * time.Hour,
		done:     make(chan struct{}),
	}
}

// Start 启动清理任务
func (c *Cleaner) Start() {
	goplus.Go(func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		logger.Info().Msg("cleaner started")

		// 启动时立即执行一次
		c.clean()

		for {
			select {
			case <-ticker.C:
				c.clean()
			case <-c.done:
				logger.Info().Msg("cleaner stopped")
				return
			}
		}
	})
}

// Stop 停止清理器
func (c *Cleaner) Stop() {
	close(c.done)
}

// clean 执行清理任务
// 策略：时间优先（超过保留期），数量兜底（上限条数）
func (c *Cleaner) clean() {
	logger.Debug().Msg("running cleanup task")

	cutoff := time.Now().Add(-c.cfg.EventRetention)
	deleted, err := dao.TriggerEvent().DeleteOld(cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("clean trigger events by time failed")
		return
	}
	if deleted > 0 {
		logger.Info().
			Int64("deleted", deleted).
			Time("cutoff", cutoff).
			Msg("cleaned old trigger events by time")
	}

	count, err := dao.TriggerEvent().Count()
	if err != nil {
		logger.Error().Err(err).Msg("count trigger events failed")
		return
	}

	if count > c.cfg.MaxEvents {
		excess := count - c.cfg.MaxEvents
		deleted, err = dao.TriggerEvent().DeleteOldest(excess)
		if err != nil {
			logger.Error().Err(err).Msg("clean trigger events by count failed")
			return
		}
		if deleted > 0 {
			logger.Info().
				Int64("deleted", deleted).
				Int64("limit", c.cfg.MaxEvents).
				Msg("cleaned oldest trigger events over limit")
		}
	}
}
