package pricefeed

import (
	"context"
	"time"

	"github.com/utrading/utrading-exit-engine/config"
	"github.com/utrading/utrading-exit-engine/internal/bybit"
	"github.com/utrading/utrading-exit-engine/internal/models"
)

// 超过该时长的 ws 样本视为过期，回退 REST
const maxSampleAge = 10 * time.Second

// Feed 价格源: ws 推送缓存优先，过期回退 REST tickers
// 首次查询某个 symbol 时自动补上 ws 订阅
type Feed struct {
	cache  *PriceCache
	rest   *bybit.Client
	linear *StreamClient
	spot   *StreamClient
}

// NewFeed 创建价格源
func NewFeed(cfg config.Bybit, rest *bybit.Client) *Feed {
	f := &Feed{
		cache: NewPriceCache(),
		rest:  rest,
	}
	f.linear = NewStreamClient(cfg.WSLinearURL, models.CategoryLinear, func(symbol string, price float64) {
		f.cache.Set(symbol, models.CategoryLinear, price)
	})
	f.spot = NewStreamClient(cfg.WSSpotURL, models.CategorySpot, func(symbol string, price float64) {
		f.cache.Set(symbol, models.CategorySpot, price)
	})
	return f
}

// Start 启动两条公共流
func (f *Feed) Start(ctx context.Context) {
	f.linear.Start(ctx)
	f.spot.Start(ctx)
}

func (f *Feed) stream(category string) *StreamClient {
	if category == models.CategorySpot {
		return f.spot
	}
	return f.linear
}

// Watch 预订阅一个 symbol 的行情
func (f *Feed) Watch(symbol, category string) {
	f.stream(category).Subscribe(symbol)
}

// Forget 取消订阅（监控移除后调用）
func (f *Feed) Forget(symbol, category string) {
	f.stream(category).Unsubscribe(symbol)
}

// LastPrice 最新价，实现 engine.PriceSource
func (f *Feed) LastPrice(ctx context.Context, symbol, category string) (float64, error) {
	if s, ok := f.cache.Get(symbol, category); ok && time.Since(s.At) <= maxSampleAge {
		return s.Price, nil
	}

	// 没有新鲜样本: 确保订阅存在，本次走 REST
	f.stream(category).Subscribe(symbol)

	price, err := f.rest.LastPrice(ctx, symbol, category)
	if err != nil {
		return 0, err
	}

	f.cache.Set(symbol, category, price)
	return price, nil
}

// IsConnected 两条流是否都在线（健康检查用）
func (f *Feed) IsConnected() bool {
	return f.linear.IsConnected() && f.spot.IsConnected()
}

// IsReconnecting 任一条流处于重连
func (f *Feed) IsReconnecting() bool {
	return f.linear.IsReconnecting() || f.spot.IsReconnecting()
}

// Stats 缓存统计
func (f *Feed) Stats() map[string]any {
	return f.cache.Stats()
}

// Close 关闭两条流
func (f *Feed) Close() {
	f.linear.Close()
	f.spot.Close()
}
