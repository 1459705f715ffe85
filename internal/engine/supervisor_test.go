package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/utrading/utrading-exit-engine/config"
	"github.com/utrading/utrading-exit-engine/internal/models"
)

// fakePrices 可编程的假行情源
type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
	err    error
}

func newFakePrices() *fakePrices {
	return &fakePrices{prices: make(map[string]float64)}
}

func (p *fakePrices) set(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

func (p *fakePrices) LastPrice(ctx context.Context, symbol, category string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	price, ok := p.prices[symbol]
	if !ok {
		return 0, errors.New("no price for " + symbol)
	}
	return price, nil
}

func (p *fakePrices) Watch(symbol, category string)  {}
func (p *fakePrices) Forget(symbol, category string) {}

func testEngineConfig() config.Engine {
	return config.Engine{
		ReferenceSymbol: "BTCUSDT",
		PollInterval:    10 * time.Millisecond,
		PriceTimeout:    time.Second,
		RetryBackoff:    time.Millisecond,
		OrderWorkers:    2,
	}
}

// newTestSupervisor 组装可手动驱动周期的看护器
func newTestSupervisor(t *testing.T, gw *fakeGateway, prices *fakePrices) (*Supervisor, *Store) {
	t.Helper()

	store := NewStore(newFakeRepo())
	exec := newTestExecutor(t, gw, &fakeSteps{steps: map[string]string{
		"ETHUSDT": "0.01",
		"SOLUSDT": "0.1",
	}})

	s := NewSupervisor(testEngineConfig(), store, exec, prices)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	t.Cleanup(s.cancel)
	return s, store
}

func TestCycle_FullCloseEndToEnd(t *testing.T) {
	gw := &fakeGateway{}
	prices := newFakePrices()
	s, store := newTestSupervisor(t, gw, prices)

	m := newTestMonitor("ETHUSDT")
	m.Rules = models.RuleList{{ID: 1, Type: models.RuleFullClose, BTCPrice: 100000}}
	m.PreviousRefPrice = 99000
	require.NoError(t, store.Create(m))

	prices.set("BTCUSDT", 100500)
	prices.set("ETHUSDT", 3500)

	removed := s.cycle("ETHUSDT")

	// 一笔全平单，监控移除
	assert.True(t, removed)
	require.Equal(t, 1, gw.orderCount())
	order := gw.lastOrder()
	assert.Equal(t, "ETHUSDT", order.Symbol)
	assert.Equal(t, models.SideSell, order.Side)
	assert.Equal(t, "10.00", order.Qty)
	assert.True(t, order.ReduceOnly)
	assert.Equal(t, 0, store.Count())
}

func TestCycle_PartialCloseFiresOnce(t *testing.T) {
	gw := &fakeGateway{}
	prices := newFakePrices()
	s, store := newTestSupervisor(t, gw, prices)

	m := newTestMonitor("ETHUSDT")
	m.OriginalSize = 8
	m.RemainingSize = 8
	m.Rules = models.RuleList{{ID: 1, Type: models.RulePartialClose, BTCPrice: 90000, ClosePercent: 50}}
	m.PreviousRefPrice = 89000
	require.NoError(t, store.Create(m))

	prices.set("ETHUSDT", 3500)

	// 89000 -> 91000 穿越触发，平掉原始仓位的一半
	prices.set("BTCUSDT", 91000)
	assert.False(t, s.cycle("ETHUSDT"))
	require.Equal(t, 1, gw.orderCount())
	assert.Equal(t, "4.00", gw.lastOrder().Qty)

	got, ok := store.Get("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, float64(4), got.RemainingSize)
	assert.True(t, got.TriggeredRuleIDs.Has(1))

	// 来回再穿越也不再触发
	for _, ref := range []float64{89000, 91000, 89000, 91000} {
		prices.set("BTCUSDT", ref)
		assert.False(t, s.cycle("ETHUSDT"))
	}
	assert.Equal(t, 1, gw.orderCount())

	got, _ = store.Get("ETHUSDT")
	assert.Equal(t, float64(4), got.RemainingSize)
}

func TestCycle_FirstSampleOnlyRecordsReference(t *testing.T) {
	gw := &fakeGateway{}
	prices := newFakePrices()
	s, store := newTestSupervisor(t, gw, prices)

	m := newTestMonitor("ETHUSDT")
	m.Rules = models.RuleList{{ID: 1, Type: models.RuleFullClose, BTCPrice: 90000}}
	m.PreviousRefPrice = 0 // arm 时没采到参考价
	require.NoError(t, store.Create(m))

	// 现价已低于触发价，但首个样本只记录不评估
	prices.set("BTCUSDT", 80000)
	prices.set("ETHUSDT", 3500)
	assert.False(t, s.cycle("ETHUSDT"))
	assert.Equal(t, 0, gw.orderCount())

	got, _ := store.Get("ETHUSDT")
	assert.Equal(t, float64(80000), got.PreviousRefPrice)
}

func TestCycle_PriceFetchFailureSkipsEvaluation(t *testing.T) {
	gw := &fakeGateway{}
	prices := newFakePrices()
	s, store := newTestSupervisor(t, gw, prices)

	m := newTestMonitor("ETHUSDT")
	m.PreviousRefPrice = 99000
	require.NoError(t, store.Create(m))

	prices.err = errors.New("timeout")
	assert.False(t, s.cycle("ETHUSDT"))
	assert.Equal(t, 0, gw.orderCount())

	// 状态原封不动
	got, _ := store.Get("ETHUSDT")
	assert.Equal(t, float64(99000), got.PreviousRefPrice)
}

func TestCycle_SetTPArmsThenInstrumentPriceFires(t *testing.T) {
	gw := &fakeGateway{}
	prices := newFakePrices()
	s, store := newTestSupervisor(t, gw, prices)

	m := newTestMonitor("ETHUSDT")
	m.OriginalSize = 10
	m.RemainingSize = 10
	m.Rules = models.RuleList{{ID: 1, Type: models.RuleSetTP, BTCPrice: 100000, TPPrice: 4000, ClosePercent: 30}}
	m.PreviousRefPrice = 99000
	require.NoError(t, store.Create(m))

	// 穿越只武装引擎侧止盈，不下单
	prices.set("BTCUSDT", 100500)
	prices.set("ETHUSDT", 3500)
	assert.False(t, s.cycle("ETHUSDT"))
	assert.Equal(t, 0, gw.orderCount())

	got, _ := store.Get("ETHUSDT")
	require.NotNil(t, got.ActiveTP)
	assert.Equal(t, float64(4000), got.ActiveTP.Price)

	// 参考价不再穿越，标的自身价格到位才触发
	prices.set("BTCUSDT", 100600)
	prices.set("ETHUSDT", 3999)
	assert.False(t, s.cycle("ETHUSDT"))
	assert.Equal(t, 0, gw.orderCount())

	prices.set("ETHUSDT", 4000)
	assert.False(t, s.cycle("ETHUSDT"))
	require.Equal(t, 1, gw.orderCount())
	assert.Equal(t, "3.00", gw.lastOrder().Qty)

	got, _ = store.Get("ETHUSDT")
	assert.Nil(t, got.ActiveTP)
	assert.Equal(t, float64(7), got.RemainingSize)
}

func TestCycle_SetTPFullPercentDelegatesToExchange(t *testing.T) {
	gw := &fakeGateway{}
	prices := newFakePrices()
	s, store := newTestSupervisor(t, gw, prices)

	m := newTestMonitor("ETHUSDT")
	m.Rules = models.RuleList{{ID: 1, Type: models.RuleSetTP, BTCPrice: 100000, TPPrice: 4000, ClosePercent: 100}}
	m.PreviousRefPrice = 99000
	require.NoError(t, store.Create(m))

	prices.set("BTCUSDT", 100500)
	prices.set("ETHUSDT", 3500)
	assert.False(t, s.cycle("ETHUSDT"))

	// 100% 止盈委托给交易所，引擎侧不武装
	require.Len(t, gw.stops, 1)
	assert.Equal(t, float64(4000), gw.stops[0].TakeProfit)

	got, _ := store.Get("ETHUSDT")
	assert.Nil(t, got.ActiveTP)
	assert.True(t, got.TriggeredRuleIDs.Has(1))
}

func TestCycle_SLRemovesMonitorWhenRemainingZero(t *testing.T) {
	gw := &fakeGateway{}
	prices := newFakePrices()
	s, store := newTestSupervisor(t, gw, prices)

	m := newTestMonitor("ETHUSDT")
	m.Side = models.SideBuy
	m.ActiveSL = &models.ConditionalExit{Price: 3000, ClosePercent: 100}
	m.PreviousRefPrice = 99000
	require.NoError(t, store.Create(m))

	prices.set("BTCUSDT", 99100)
	prices.set("ETHUSDT", 2950)

	removed := s.cycle("ETHUSDT")
	assert.True(t, removed)
	assert.Equal(t, 1, gw.orderCount())
	assert.Equal(t, 0, store.Count())
}

func TestCycle_FailedOrderStillMarksTriggered(t *testing.T) {
	gw := &fakeGateway{orderErr: errors.New("110007: insufficient balance")}
	prices := newFakePrices()
	s, store := newTestSupervisor(t, gw, prices)

	m := newTestMonitor("ETHUSDT")
	m.Rules = models.RuleList{{ID: 1, Type: models.RulePartialClose, BTCPrice: 100000, ClosePercent: 50}}
	m.PreviousRefPrice = 99000
	require.NoError(t, store.Create(m))

	prices.set("BTCUSDT", 100500)
	prices.set("ETHUSDT", 3500)

	// 下单失败：规则只触发一次，监控保留，仓位不动
	assert.False(t, s.cycle("ETHUSDT"))
	got, ok := store.Get("ETHUSDT")
	require.True(t, ok)
	assert.True(t, got.TriggeredRuleIDs.Has(1))
	assert.Equal(t, float64(10), got.RemainingSize)

	// 再穿越不重试
	prices.set("BTCUSDT", 99000)
	assert.False(t, s.cycle("ETHUSDT"))
	prices.set("BTCUSDT", 100500)
	assert.False(t, s.cycle("ETHUSDT"))
	assert.Equal(t, 0, gw.orderCount())
}

func TestCycle_FailedFullCloseStillRemovesMonitor(t *testing.T) {
	gw := &fakeGateway{orderErr: errors.New("110007: insufficient balance")}
	prices := newFakePrices()
	s, store := newTestSupervisor(t, gw, prices)

	m := newTestMonitor("ETHUSDT")
	m.Rules = models.RuleList{{ID: 1, Type: models.RuleFullClose, BTCPrice: 100000}}
	m.PreviousRefPrice = 99000
	require.NoError(t, store.Create(m))

	prices.set("BTCUSDT", 100500)
	prices.set("ETHUSDT", 3500)

	// full_close 触发即终结监控，下单失败也不保留
	assert.True(t, s.cycle("ETHUSDT"))
	assert.Equal(t, 0, store.Count())
	assert.Equal(t, 0, gw.orderCount())
}

func TestCycle_MissingMonitorTerminatesLoop(t *testing.T) {
	gw := &fakeGateway{}
	prices := newFakePrices()
	s, _ := newTestSupervisor(t, gw, prices)

	assert.True(t, s.cycle("GONEUSDT"))
}

func TestSupervisor_LoopLifecycle(t *testing.T) {
	gw := &fakeGateway{}
	prices := newFakePrices()
	prices.set("BTCUSDT", 99000)
	prices.set("ETHUSDT", 3500)

	store := NewStore(newFakeRepo())
	exec := newTestExecutor(t, gw, &fakeSteps{steps: map[string]string{"ETHUSDT": "0.01"}})
	s := NewSupervisor(testEngineConfig(), store, exec, prices)

	m := newTestMonitor("ETHUSDT")
	m.PreviousRefPrice = 99000
	require.NoError(t, store.Create(m))

	s.Start(context.Background())
	assert.Equal(t, 1, s.LoopCount())

	// 重复启动不翻倍
	s.StartLoop("ETHUSDT", models.CategoryLinear)
	assert.Equal(t, 1, s.LoopCount())

	s.StopLoop("ETHUSDT")
	assert.Eventually(t, func() bool {
		return s.LoopCount() == 0
	}, time.Second, 10*time.Millisecond)

	s.Stop()
}

func TestSupervisor_FullCloseStopsOwnLoop(t *testing.T) {
	gw := &fakeGateway{}
	prices := newFakePrices()
	prices.set("BTCUSDT", 99000)
	prices.set("ETHUSDT", 3500)

	store := NewStore(newFakeRepo())
	exec := newTestExecutor(t, gw, &fakeSteps{steps: map[string]string{"ETHUSDT": "0.01"}})
	s := NewSupervisor(testEngineConfig(), store, exec, prices)

	m := newTestMonitor("ETHUSDT")
	m.Rules = models.RuleList{{ID: 1, Type: models.RuleFullClose, BTCPrice: 100000}}
	m.PreviousRefPrice = 99000
	require.NoError(t, store.Create(m))

	s.Start(context.Background())
	defer s.Stop()

	// 参考价穿越后循环自行结束
	prices.set("BTCUSDT", 100500)
	assert.Eventually(t, func() bool {
		return store.Count() == 0 && s.LoopCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, gw.orderCount())
}
