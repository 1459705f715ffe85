package engine

import (
	"context"
	"time"

	"github.com/utrading/utrading-exit-engine/config"
	"github.com/utrading/utrading-exit-engine/internal/models"
	"github.com/utrading/utrading-exit-engine/internal/monitor"
	"github.com/utrading/utrading-exit-engine/pkg/concurrent"
	"github.com/utrading/utrading-exit-engine/pkg/goplus"
	"github.com/utrading/utrading-exit-engine/pkg/logger"
)

const orderTimeout = 10 * time.Second

// PriceSource 行情接口，pricefeed.Feed 实现
type PriceSource interface {
	LastPrice(ctx context.Context, symbol, category string) (float64, error)
	Watch(symbol, category string)
	Forget(symbol, category string)
}

// Supervisor 看护每个监控对应的独立轮询循环
// 循环之间互不影响，单个循环内的周期严格串行
type Supervisor struct {
	cfg    config.Engine
	store  *Store
	exec   *Executor
	prices PriceSource

	group *goplus.WaitGroup
	stops concurrent.Map[string, chan struct{}]

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSupervisor 创建循环看护器
func NewSupervisor(cfg config.Engine, store *Store, exec *Executor, prices PriceSource) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		store:  store,
		exec:   exec,
		prices: prices,
		group:  goplus.NewWaitGroup(),
	}
}

// Start 为存储中已有的每个监控启动循环（进程重启恢复）
func (s *Supervisor) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, m := range s.store.List() {
		s.StartLoop(m.Symbol, m.Category)
	}
}

// StartLoop 启动一个 symbol 的轮询循环，已存在则不重复启动
func (s *Supervisor) StartLoop(symbol, category string) {
	if _, ok := s.stops.Load(symbol); ok {
		return
	}

	stop := make(chan struct{})
	s.stops.Store(symbol, stop)

	s.prices.Watch(s.cfg.ReferenceSymbol, models.CategoryLinear)
	s.prices.Watch(symbol, category)

	s.group.Go(func() {
		s.runLoop(symbol, category, stop)
	})

	logger.Info().Str("symbol", symbol).Str("category", category).Msg("watch loop started")
}

// StopLoop 停止一个 symbol 的循环，幂等；循环在一个轮询间隔内退出
func (s *Supervisor) StopLoop(symbol string) {
	stop, ok := s.stops.Load(symbol)
	if !ok {
		return
	}
	s.stops.Delete(symbol)
	close(stop)
}

// Stop 停止全部循环并等待退出
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.group.Wait()
}

// LoopCount 当前运行中的循环数
func (s *Supervisor) LoopCount() int {
	return int(s.stops.Len())
}

func (s *Supervisor) runLoop(symbol, category string, stop chan struct{}) {
	defer func() {
		s.stops.Delete(symbol)
		s.prices.Forget(symbol, category)
		logger.Info().Str("symbol", symbol).Msg("watch loop stopped")
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		removed := s.safeCycle(symbol)
		if removed {
			return
		}

		select {
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// safeCycle 执行一个周期并吸收 panic，避免单个监控拖垮引擎
func (s *Supervisor) safeCycle(symbol string) (removed bool) {
	defer goplus.Recover()
	return s.cycle(symbol)
}

// cycle 一个轮询周期，返回 true 表示监控已移除、循环应退出
func (s *Supervisor) cycle(symbol string) bool {
	m, ok := s.store.Get(symbol)
	if !ok {
		return true
	}

	monitor.GetMetrics().IncCycle()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PriceTimeout)
	refPrice, err := s.prices.LastPrice(ctx, s.cfg.ReferenceSymbol, models.CategoryLinear)
	if err == nil {
		var instPrice float64
		instPrice, err = s.prices.LastPrice(ctx, m.Symbol, m.Category)
		cancel()
		if err == nil {
			return s.evaluate(m, refPrice, instPrice)
		}
	} else {
		cancel()
	}

	// 价格取不到就跳过本周期，不做任何评估
	monitor.GetMetrics().IncPriceFetchError()
	logger.Warn().Err(err).Str("symbol", symbol).Msg("price fetch failed, cycle skipped")
	select {
	case <-s.ctx.Done():
	case <-time.After(s.cfg.RetryBackoff):
	}
	return false
}

func (s *Supervisor) evaluate(m *models.ExitMonitor, refPrice, instPrice float64) bool {
	// 首个样本只记录参考价，穿越检测从下一周期开始
	if m.PreviousRefPrice == 0 {
		s.store.Update(m.Symbol, func(mm *models.ExitMonitor) {
			mm.PreviousRefPrice = refPrice
		})
		return false
	}

	for _, rule := range PendingRules(m, refPrice) {
		if s.applyRule(m, rule, refPrice, instPrice) {
			return true
		}
		var ok bool
		if m, ok = s.store.Get(m.Symbol); !ok {
			return true
		}
	}

	for _, hit := range ConditionalHits(m, instPrice) {
		if s.applyConditional(m, hit, refPrice, instPrice) {
			return true
		}
		var ok bool
		if m, ok = s.store.Get(m.Symbol); !ok {
			return true
		}
	}

	s.store.Update(m.Symbol, func(mm *models.ExitMonitor) {
		mm.PreviousRefPrice = refPrice
	})
	return false
}

// applyRule 执行一条触发的规则，返回 true 表示监控已移除
// 规则触发即记为已触发，下单失败也不重试（留痕在触发事件里）
func (s *Supervisor) applyRule(m *models.ExitMonitor, rule models.Rule, refPrice, instPrice float64) bool {
	logger.Info().
		Str("symbol", m.Symbol).
		Int("rule_id", rule.ID).
		Str("type", rule.Type).
		Float64("btc_price", rule.BTCPrice).
		Float64("ref_price", refPrice).
		Msg("rule triggered")
	monitor.GetMetrics().IncRuleTriggered(rule.Type)

	ctx, cancel := context.WithTimeout(s.ctx, orderTimeout)
	defer cancel()

	ev := &models.TriggerEvent{
		Kind:         models.TriggerKindRule,
		RuleID:       rule.ID,
		RuleType:     rule.Type,
		TriggerPrice: rule.BTCPrice,
		RefPrice:     refPrice,
		Price:        instPrice,
	}

	switch rule.Type {
	case models.RuleFullClose:
		qty, _, err := s.exec.CloseMarket(ctx, m, 100)
		ev.Quantity = qty
		ev.Success = err == nil
		if err != nil {
			// 触发即终结监控，下单失败只留痕
			ev.Reason = err.Error()
			logger.Error().Err(err).Str("symbol", m.Symbol).Msg("full close order failed")
		}
		s.exec.Record(m, ev)
		s.store.Remove(m.Symbol)
		return true

	case models.RulePartialClose:
		qty, closed, err := s.exec.CloseMarket(ctx, m, rule.ClosePercent)
		ev.Quantity = qty
		ev.Success = err == nil
		if err != nil {
			ev.Reason = err.Error()
			logger.Error().Err(err).Str("symbol", m.Symbol).Msg("partial close order failed")
			s.markTriggered(m.Symbol, rule.ID)
			s.exec.Record(m, ev)
			return false
		}
		s.exec.Record(m, ev)
		return s.reduceAndMark(m.Symbol, rule.ID, closed)

	case models.RuleSetTP:
		if rule.ClosePercent == 100 {
			err := s.exec.DelegateExchangeExit(ctx, m, rule.TPPrice, 0)
			ev.Success = err == nil
			if err != nil {
				ev.Reason = err.Error()
				logger.Error().Err(err).Str("symbol", m.Symbol).Msg("set exchange tp failed")
			}
			s.markTriggered(m.Symbol, rule.ID)
			s.exec.Record(m, ev)
			return false
		}
		ev.Success = true
		s.store.Update(m.Symbol, func(mm *models.ExitMonitor) {
			mm.ActiveTP = &models.ConditionalExit{Price: rule.TPPrice, ClosePercent: rule.ClosePercent}
			mm.TriggeredRuleIDs = mm.TriggeredRuleIDs.Add(rule.ID)
		})
		s.exec.Record(m, ev)
		return false

	case models.RuleSetSL:
		if rule.ClosePercent == 100 {
			err := s.exec.DelegateExchangeExit(ctx, m, 0, rule.SLPrice)
			ev.Success = err == nil
			if err != nil {
				ev.Reason = err.Error()
				logger.Error().Err(err).Str("symbol", m.Symbol).Msg("set exchange sl failed")
			}
			s.markTriggered(m.Symbol, rule.ID)
			s.exec.Record(m, ev)
			return false
		}
		ev.Success = true
		s.store.Update(m.Symbol, func(mm *models.ExitMonitor) {
			mm.ActiveSL = &models.ConditionalExit{Price: rule.SLPrice, ClosePercent: rule.ClosePercent}
			mm.TriggeredRuleIDs = mm.TriggeredRuleIDs.Add(rule.ID)
		})
		s.exec.Record(m, ev)
		return false
	}

	s.markTriggered(m.Symbol, rule.ID)
	return false
}

// applyConditional 执行一次命中的引擎侧 TP/SL，返回 true 表示监控已移除
// 命中即清除槽位，失败不重试
func (s *Supervisor) applyConditional(m *models.ExitMonitor, hit ConditionalHit, refPrice, instPrice float64) bool {
	logger.Info().
		Str("symbol", m.Symbol).
		Str("kind", hit.Kind).
		Float64("level", hit.Exit.Price).
		Float64("price", instPrice).
		Msg("conditional exit triggered")
	monitor.GetMetrics().IncConditionalExit(hit.Kind)

	ctx, cancel := context.WithTimeout(s.ctx, orderTimeout)
	defer cancel()

	qty, closed, err := s.exec.CloseMarket(ctx, m, hit.Exit.ClosePercent)

	ev := &models.TriggerEvent{
		Kind:         hit.Kind,
		TriggerPrice: hit.Exit.Price,
		RefPrice:     refPrice,
		Price:        instPrice,
		Quantity:     qty,
		Success:      err == nil,
	}
	if err != nil {
		ev.Reason = err.Error()
		logger.Error().Err(err).Str("symbol", m.Symbol).Str("kind", hit.Kind).Msg("conditional exit order failed")
	}
	s.exec.Record(m, ev)

	var remaining float64
	s.store.Update(m.Symbol, func(mm *models.ExitMonitor) {
		if hit.Kind == models.TriggerKindTP {
			mm.ActiveTP = nil
		} else {
			mm.ActiveSL = nil
		}
		mm.RemainingSize -= closed
		if mm.RemainingSize < 0 {
			mm.RemainingSize = 0
		}
		remaining = mm.RemainingSize
	})

	if remaining <= sizeEpsilon {
		s.store.Remove(m.Symbol)
		return true
	}
	return false
}

const sizeEpsilon = 1e-9

func (s *Supervisor) markTriggered(symbol string, ruleID int) {
	s.store.Update(symbol, func(mm *models.ExitMonitor) {
		mm.TriggeredRuleIDs = mm.TriggeredRuleIDs.Add(ruleID)
	})
}

// reduceAndMark 扣减剩余仓位并记录触发，剩余归零时移除监控
func (s *Supervisor) reduceAndMark(symbol string, ruleID int, closed float64) bool {
	var remaining float64
	s.store.Update(symbol, func(mm *models.ExitMonitor) {
		mm.TriggeredRuleIDs = mm.TriggeredRuleIDs.Add(ruleID)
		mm.RemainingSize -= closed
		if mm.RemainingSize < 0 {
			mm.RemainingSize = 0
		}
		remaining = mm.RemainingSize
	})

	if remaining <= sizeEpsilon {
		s.store.Remove(symbol)
		return true
	}
	return false
}
