package engine

import (
	"context"
	"fmt"

	"github.com/utrading/utrading-exit-engine/config"
	"github.com/utrading/utrading-exit-engine/internal/models"
	"github.com/utrading/utrading-exit-engine/pkg/logger"
)

// SymbolValidator 交易对校验接口，symbol.Service 实现
type SymbolValidator interface {
	Validate(ctx context.Context, raw string) (string, bool, error)
}

// ArmRequest 创建监控的请求
type ArmRequest struct {
	Symbol   string          `json:"symbol"`
	Category string          `json:"category"`
	Side     string          `json:"side"`
	Size     float64         `json:"size"`
	Rules    models.RuleList `json:"rules"`
}

// Engine 对外门面：挂载/卸载监控，查询状态
// 由 API 层和 main 使用，内部组合 store/supervisor/executor
type Engine struct {
	cfg     config.Engine
	store   *Store
	sup     *Supervisor
	exec    *Executor
	prices  PriceSource
	symbols SymbolValidator
}

// New 组装引擎
func New(cfg config.Engine, store *Store, exec *Executor, prices PriceSource, symbols SymbolValidator) *Engine {
	return &Engine{
		cfg:     cfg,
		store:   store,
		sup:     NewSupervisor(cfg, store, exec, prices),
		exec:    exec,
		prices:  prices,
		symbols: symbols,
	}
}

// Start 恢复持久化的监控并启动它们的循环
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Load(); err != nil {
		return fmt.Errorf("load monitors: %w", err)
	}
	e.sup.Start(ctx)

	if n := e.store.Count(); n > 0 {
		logger.Info().Int("count", n).Msg("resumed persisted monitors")
	}
	return nil
}

// Stop 停止全部循环并释放执行器
func (e *Engine) Stop() {
	e.sup.Stop()
	e.exec.Close()
}

// Arm 创建监控并启动其循环
// 同一 symbol 已有监控时返回 ErrAlreadyExists，调用方需先 Disarm
func (e *Engine) Arm(ctx context.Context, req ArmRequest) (*models.ExitMonitor, error) {
	if req.Category != models.CategoryLinear && req.Category != models.CategorySpot {
		return nil, fmt.Errorf("invalid category %q", req.Category)
	}

	side := req.Side
	if req.Category == models.CategorySpot {
		side = models.SideSpot
	} else if side != models.SideBuy && side != models.SideSell {
		return nil, fmt.Errorf("invalid side %q for linear", req.Side)
	}

	if req.Size <= 0 {
		return nil, fmt.Errorf("size must be positive, got %v", req.Size)
	}

	symbol := req.Symbol
	if e.symbols != nil {
		normalized, ok, err := e.symbols.Validate(ctx, req.Symbol)
		if err != nil {
			return nil, fmt.Errorf("validate symbol: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("unknown symbol %q", req.Symbol)
		}
		symbol = normalized
	}

	rules, err := PrepareRules(req.Rules)
	if err != nil {
		return nil, err
	}

	m := &models.ExitMonitor{
		Symbol:        symbol,
		Category:      req.Category,
		Side:          side,
		OriginalSize:  req.Size,
		RemainingSize: req.Size,
		Rules:         rules,
	}

	// 当前参考价作为穿越检测的起点，取不到就留给首个周期补采
	if refPrice, err := e.prices.LastPrice(ctx, e.cfg.ReferenceSymbol, models.CategoryLinear); err == nil {
		m.PreviousRefPrice = refPrice
	} else {
		logger.Warn().Err(err).Msg("sample reference price at arm failed")
	}

	if err := e.store.Create(m); err != nil {
		return nil, err
	}

	e.sup.StartLoop(symbol, req.Category)

	logger.Info().
		Str("symbol", symbol).
		Str("category", req.Category).
		Str("side", side).
		Float64("size", req.Size).
		Int("rules", len(rules)).
		Msg("monitor armed")

	created, _ := e.store.Get(symbol)
	return created, nil
}

// Disarm 卸载监控，幂等；返回卸载前是否存在
func (e *Engine) Disarm(symbol string) bool {
	existed := e.store.Remove(symbol)
	e.sup.StopLoop(symbol)
	if existed {
		logger.Info().Str("symbol", symbol).Msg("monitor disarmed")
	}
	return existed
}

// Get 查询单个监控
func (e *Engine) Get(symbol string) (*models.ExitMonitor, bool) {
	return e.store.Get(symbol)
}

// List 查询全部监控
func (e *Engine) List() []*models.ExitMonitor {
	return e.store.List()
}

// MonitorCount 活跃监控数
func (e *Engine) MonitorCount() int {
	return e.store.Count()
}
