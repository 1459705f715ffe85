package engine

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cast"
	"github.com/utrading/utrading-exit-engine/internal/models"
	"github.com/utrading/utrading-exit-engine/internal/monitor"
	"github.com/utrading/utrading-exit-engine/pkg/logger"
)

// OrderGateway 交易所下单接口，bybit.Client 实现
type OrderGateway interface {
	PlaceMarketOrder(ctx context.Context, symbol, category, side, qty string, reduceOnly bool) error
	SetTradingStop(ctx context.Context, symbol, category string, takeProfit, stopLoss float64) error
}

// StepResolver 下单数量步长解析接口，symbol.Service 实现
type StepResolver interface {
	QtyStep(ctx context.Context, symbol string) (string, error)
}

// EventRecorder 触发事件留痕接口，dao.TriggerEventDAO 实现
type EventRecorder interface {
	Insert(e *models.TriggerEvent) error
}

// SignalPublisher 触发信号发布接口，nats.Publisher 适配后实现
type SignalPublisher interface {
	PublishTriggerEvent(ev *models.TriggerEvent) error
}

// Executor 平仓执行器
// 通过固定大小的协程池限制同时在途的交易所调用，慢请求不会堆积 goroutine
type Executor struct {
	gateway   OrderGateway
	steps     StepResolver
	pool      *ants.Pool
	recorder  EventRecorder
	publisher SignalPublisher
}

// NewExecutor 创建执行器，workers 为并发下单上限
func NewExecutor(gateway OrderGateway, steps StepResolver, workers int) (*Executor, error) {
	if workers <= 0 {
		workers = 8
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("create ants pool: %w", err)
	}

	return &Executor{
		gateway: gateway,
		steps:   steps,
		pool:    pool,
	}, nil
}

// SetRecorder 设置触发事件留痕（可选）
func (e *Executor) SetRecorder(r EventRecorder) {
	e.recorder = r
}

// SetPublisher 设置信号发布器（可选）
func (e *Executor) SetPublisher(p SignalPublisher) {
	e.publisher = p
}

// Close 释放协程池
func (e *Executor) Close() {
	e.pool.Release()
}

// CloseMarket 按 original_size 的 percent% 提交市价平仓单（上限为剩余仓位）
// 返回提交的数量串和实际平掉的数量，只有确认成功时调用方才应扣减剩余仓位
func (e *Executor) CloseMarket(ctx context.Context, m *models.ExitMonitor, percent float64) (string, float64, error) {
	size := m.OriginalSize * percent / 100
	if size > m.RemainingSize {
		size = m.RemainingSize
	}
	if size <= 0 {
		return "", 0, fmt.Errorf("nothing to close: remaining %v", m.RemainingSize)
	}

	step := ""
	if e.steps != nil {
		s, err := e.steps.QtyStep(ctx, m.Symbol)
		if err != nil {
			logger.Warn().Err(err).Str("symbol", m.Symbol).Msg("resolve qty step failed, using fallback rounding")
		} else {
			step = s
		}
	}

	qty := FormatQuantity(m.Symbol, size, step)
	closed := cast.ToFloat64(qty)
	if closed <= 0 {
		return "", 0, fmt.Errorf("close size %v rounds to zero for step %q", size, step)
	}

	side := closeSide(m.Category, m.Side)
	reduceOnly := m.Category == models.CategoryLinear

	var orderErr error
	e.withSlot(func() {
		orderErr = e.gateway.PlaceMarketOrder(ctx, m.Symbol, m.Category, side, qty, reduceOnly)
	})
	if orderErr != nil {
		monitor.GetMetrics().IncOrder("error")
		return qty, 0, orderErr
	}

	monitor.GetMetrics().IncOrder("success")
	logger.Info().
		Str("symbol", m.Symbol).
		Str("side", side).
		Str("qty", qty).
		Msg("close order filled")
	return qty, closed, nil
}

// DelegateExchangeExit 将 TP/SL 委托给交易所（仅合约支持）
func (e *Executor) DelegateExchangeExit(ctx context.Context, m *models.ExitMonitor, takeProfit, stopLoss float64) error {
	if m.Category != models.CategoryLinear {
		logger.Warn().
			Str("symbol", m.Symbol).
			Str("category", m.Category).
			Msg("exchange-side tp/sl only supported for linear, skipped")
		return nil
	}

	var err error
	e.withSlot(func() {
		err = e.gateway.SetTradingStop(ctx, m.Symbol, m.Category, takeProfit, stopLoss)
	})
	return err
}

// Record 落库并发布一条触发事件，错误只记日志
func (e *Executor) Record(m *models.ExitMonitor, ev *models.TriggerEvent) {
	ev.Symbol = m.Symbol
	ev.Category = m.Category
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	if e.recorder != nil {
		if err := e.recorder.Insert(ev); err != nil {
			logger.Error().Err(err).Str("symbol", ev.Symbol).Msg("record trigger event failed")
		}
	}
	if e.publisher != nil {
		if err := e.publisher.PublishTriggerEvent(ev); err != nil {
			logger.Error().Err(err).Str("symbol", ev.Symbol).Msg("publish trigger signal failed")
		}
	}
}

// withSlot 占用一个池槽位同步执行 fn，池不可用时退化为就地执行
func (e *Executor) withSlot(fn func()) {
	done := make(chan struct{})
	if err := e.pool.Submit(func() {
		defer close(done)
		fn()
	}); err != nil {
		fn()
		return
	}
	<-done
}

// closeSide 平仓方向：合约反向，现货卖出
func closeSide(category, side string) string {
	if category == models.CategorySpot {
		return models.SideSell
	}
	if side == models.SideBuy {
		return models.SideSell
	}
	return models.SideBuy
}

// FormatQuantity 将原始数量向下取整到合法步长并保留步长精度
// 步长未知时退化：BTC*/ETH* 保留两位小数，其余取整
func FormatQuantity(symbol string, size float64, step string) string {
	stepF := cast.ToFloat64(step)
	if stepF > 0 {
		floored := math.Floor(size/stepF+1e-9) * stepF
		return strconv.FormatFloat(floored, 'f', stepPrecision(step), 64)
	}

	if strings.HasPrefix(symbol, "BTC") || strings.HasPrefix(symbol, "ETH") {
		return strconv.FormatFloat(math.Floor(size*100)/100, 'f', 2, 64)
	}
	return strconv.FormatFloat(math.Floor(size), 'f', 0, 64)
}

// stepPrecision 步长的小数位数，"0.010" 记 2 位
func stepPrecision(step string) int {
	if i := strings.IndexByte(step, '.'); i >= 0 {
		return len(strings.TrimRight(step[i+1:], "0"))
	}
	return 0
}
