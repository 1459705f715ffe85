package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/utrading/utrading-exit-engine/config"
	"github.com/utrading/utrading-exit-engine/internal/bybit"
	"github.com/utrading/utrading-exit-engine/internal/engine"
	"github.com/utrading/utrading-exit-engine/internal/models"
	"github.com/utrading/utrading-exit-engine/internal/symbol"
)

// fakeExchange 假交易所：行情、持仓、余额、下单一把抓
type fakeExchange struct {
	prices    map[string]float64
	positions []bybit.Position
	balances  map[string]float64
	orders    []string
}

func (f *fakeExchange) LastPrice(ctx context.Context, sym, category string) (float64, error) {
	price, ok := f.prices[sym]
	if !ok {
		return 0, errors.New("no price for " + sym)
	}
	return price, nil
}

func (f *fakeExchange) Watch(sym, category string)  {}
func (f *fakeExchange) Forget(sym, category string) {}

func (f *fakeExchange) Instruments(ctx context.Context, category string) ([]bybit.Instrument, error) {
	if category == models.CategoryLinear {
		return []bybit.Instrument{
			{Symbol: "BTCUSDT", Category: category, QtyStep: "0.001"},
			{Symbol: "ETHUSDT", Category: category, QtyStep: "0.01"},
		}, nil
	}
	return []bybit.Instrument{
		{Symbol: "SOLUSDT", Category: category, QtyStep: "0.1"},
	}, nil
}

func (f *fakeExchange) OpenPositions(ctx context.Context, category string) ([]bybit.Position, error) {
	return f.positions, nil
}

func (f *fakeExchange) PlaceMarketOrder(ctx context.Context, sym, category, side, qty string, reduceOnly bool) error {
	f.orders = append(f.orders, sym+" "+side+" "+qty)
	return nil
}

func (f *fakeExchange) SetTradingStop(ctx context.Context, sym, category string, tp, sl float64) error {
	return nil
}

func (f *fakeExchange) CoinBalance(ctx context.Context, coin string) (float64, error) {
	return f.balances[coin], nil
}

// fakeEvents 触发事件的内存查询源
type fakeEvents struct {
	events []*models.TriggerEvent
}

func (f *fakeEvents) ListBySymbol(sym string, limit int) ([]*models.TriggerEvent, error) {
	var out []*models.TriggerEvent
	for _, e := range f.events {
		if e.Symbol == sym {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newTestServer(t *testing.T, exchange *fakeExchange) *Server {
	t.Helper()

	symbols := symbol.NewService(exchange)
	exec, err := engine.NewExecutor(exchange, symbols, 2)
	require.NoError(t, err)

	cfg := config.Engine{
		ReferenceSymbol: "BTCUSDT",
		PollInterval:    50 * time.Millisecond,
		PriceTimeout:    time.Second,
		RetryBackoff:    time.Millisecond,
	}

	// 无持久层：内存存储足够覆盖 API 行为
	store := engine.NewStore(nil)
	eng := engine.New(cfg, store, exec, exchange, symbols)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	return NewServer("127.0.0.1:0", eng, symbols, exchange, exchange, &fakeEvents{})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func armBody() string {
	return `{
		"symbol": "eth",
		"category": "linear",
		"side": "Buy",
		"size": 10,
		"rules": [{"type": "full_close", "btc_price": 100000}]
	}`
}

func TestSetHandler_ArmsMonitor(t *testing.T) {
	exchange := &fakeExchange{prices: map[string]float64{"BTCUSDT": 99000, "ETHUSDT": 3500}}
	s := newTestServer(t, exchange)

	req := httptest.NewRequest(http.MethodPost, "/api/tp-sl/set", strings.NewReader(armBody()))
	rec := httptest.NewRecorder()
	s.setHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])

	data := body["data"].(map[string]any)
	assert.Equal(t, "ETHUSDT", data["symbol"])
	assert.Equal(t, float64(10), data["remaining_size"])
}

func TestSetHandler_DuplicateConflict(t *testing.T) {
	exchange := &fakeExchange{prices: map[string]float64{"BTCUSDT": 99000, "ETHUSDT": 3500}}
	s := newTestServer(t, exchange)

	req := httptest.NewRequest(http.MethodPost, "/api/tp-sl/set", strings.NewReader(armBody()))
	s.setHandler(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodPost, "/api/tp-sl/set", strings.NewReader(armBody()))
	rec := httptest.NewRecorder()
	s.setHandler(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSetHandler_InvalidInput(t *testing.T) {
	exchange := &fakeExchange{prices: map[string]float64{"BTCUSDT": 99000}}
	s := newTestServer(t, exchange)

	// 坏 JSON
	req := httptest.NewRequest(http.MethodPost, "/api/tp-sl/set", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	s.setHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 未知交易对
	req = httptest.NewRequest(http.MethodPost, "/api/tp-sl/set", strings.NewReader(
		`{"symbol":"doge","category":"linear","side":"Buy","size":1,"rules":[{"type":"full_close","btc_price":1}]}`))
	rec = httptest.NewRecorder()
	s.setHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemoveHandler_Idempotent(t *testing.T) {
	exchange := &fakeExchange{prices: map[string]float64{"BTCUSDT": 99000, "ETHUSDT": 3500}}
	s := newTestServer(t, exchange)

	req := httptest.NewRequest(http.MethodPost, "/api/tp-sl/set", strings.NewReader(armBody()))
	s.setHandler(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodDelete, "/api/tp-sl/remove/eth", nil)
	req.SetPathValue("symbol", "eth")
	rec := httptest.NewRecorder()
	s.removeHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeBody(t, rec)["data"].(map[string]any)
	assert.Equal(t, true, data["removed"])

	// 再删一次依然 200，只是 removed=false
	req = httptest.NewRequest(http.MethodDelete, "/api/tp-sl/remove/eth", nil)
	req.SetPathValue("symbol", "eth")
	rec = httptest.NewRecorder()
	s.removeHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	data = decodeBody(t, rec)["data"].(map[string]any)
	assert.Equal(t, false, data["removed"])
}

func TestMonitorHandler_NotFound(t *testing.T) {
	exchange := &fakeExchange{prices: map[string]float64{"BTCUSDT": 99000}}
	s := newTestServer(t, exchange)

	req := httptest.NewRequest(http.MethodGet, "/api/tp-sl/monitor/eth", nil)
	req.SetPathValue("symbol", "eth")
	rec := httptest.NewRecorder()
	s.monitorHandler(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPriceHandler(t *testing.T) {
	exchange := &fakeExchange{prices: map[string]float64{"ETHUSDT": 3500}}
	s := newTestServer(t, exchange)

	req := httptest.NewRequest(http.MethodGet, "/api/price/eth", nil)
	req.SetPathValue("symbol", "eth")
	rec := httptest.NewRecorder()
	s.priceHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeBody(t, rec)["data"].(map[string]any)
	assert.Equal(t, float64(3500), data["price"])
	assert.Equal(t, models.CategoryLinear, data["category"])

	// 非法品类
	req = httptest.NewRequest(http.MethodGet, "/api/price/eth?category=inverse", nil)
	req.SetPathValue("symbol", "eth")
	rec = httptest.NewRecorder()
	s.priceHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateSymbolHandler(t *testing.T) {
	exchange := &fakeExchange{}
	s := newTestServer(t, exchange)

	req := httptest.NewRequest(http.MethodPost, "/api/validate-symbol", strings.NewReader(`{"symbol":"sol"}`))
	rec := httptest.NewRecorder()
	s.validateSymbolHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeBody(t, rec)["data"].(map[string]any)
	assert.Equal(t, "SOLUSDT", data["symbol"])
	assert.Equal(t, true, data["valid"])
}

func TestClosePositionHandler(t *testing.T) {
	exchange := &fakeExchange{
		prices: map[string]float64{"BTCUSDT": 99000, "ETHUSDT": 3500},
		positions: []bybit.Position{
			{Symbol: "ETHUSDT", Side: models.SideBuy, Size: 2.5, EntryPrice: 3400},
		},
	}
	s := newTestServer(t, exchange)

	req := httptest.NewRequest(http.MethodPost, "/api/close-position", strings.NewReader(`{"symbol":"eth"}`))
	rec := httptest.NewRecorder()
	s.closePositionHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, exchange.orders, 1)
	assert.Equal(t, "ETHUSDT Sell 2.50", exchange.orders[0])

	// 没有持仓的 symbol 返回 404
	req = httptest.NewRequest(http.MethodPost, "/api/close-position", strings.NewReader(`{"symbol":"sol"}`))
	rec = httptest.NewRecorder()
	s.closePositionHandler(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClosePositionHandler_Spot(t *testing.T) {
	exchange := &fakeExchange{
		prices:   map[string]float64{"BTCUSDT": 99000, "SOLUSDT": 150},
		balances: map[string]float64{"SOL": 12.34},
	}
	s := newTestServer(t, exchange)

	// 现货卖出全部余额，按步长取整
	req := httptest.NewRequest(http.MethodPost, "/api/close-position", strings.NewReader(`{"symbol":"sol","category":"spot"}`))
	rec := httptest.NewRecorder()
	s.closePositionHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, exchange.orders, 1)
	assert.Equal(t, "SOLUSDT Sell 12.3", exchange.orders[0])

	// 没有余额的币种返回 404
	req = httptest.NewRequest(http.MethodPost, "/api/close-position", strings.NewReader(`{"symbol":"eth","category":"spot"}`))
	rec = httptest.NewRecorder()
	s.closePositionHandler(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// 非法品类返回 400
	req = httptest.NewRequest(http.MethodPost, "/api/close-position", strings.NewReader(`{"symbol":"eth","category":"inverse"}`))
	rec = httptest.NewRecorder()
	s.closePositionHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsHandler(t *testing.T) {
	exchange := &fakeExchange{}
	s := newTestServer(t, exchange)
	s.events.(*fakeEvents).events = []*models.TriggerEvent{
		{Symbol: "ETHUSDT", Kind: models.TriggerKindRule, RuleID: 1, Success: true},
		{Symbol: "SOLUSDT", Kind: models.TriggerKindTP, Success: true},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tp-sl/events/eth", nil)
	req.SetPathValue("symbol", "eth")
	rec := httptest.NewRecorder()
	s.eventsHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeBody(t, rec)["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, "ETHUSDT", data[0].(map[string]any)["symbol"])
}
