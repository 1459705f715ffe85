package bybit

import (
	"context"
	"fmt"
	"net/url"

	"github.com/spf13/cast"
)

// Instrument 交易对元信息
type Instrument struct {
	Symbol   string
	Category string
	QtyStep  string // lotSizeFilter.qtyStep，原样保留字符串精度
}

// LastPrice 最新成交价
func (c *Client) LastPrice(ctx context.Context, symbol, category string) (float64, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)

	result, err := c.GetPublic(ctx, "/market/tickers", params)
	if err != nil {
		return 0, err
	}

	last := result.Get("list.0.lastPrice")
	if !last.Exists() {
		return 0, fmt.Errorf("no ticker for %s (%s)", symbol, category)
	}

	price := cast.ToFloat64(last.String())
	if price <= 0 {
		return 0, fmt.Errorf("invalid last price %q for %s", last.String(), symbol)
	}
	return price, nil
}

// Instruments 指定品类下全部 USDT 交易对的元信息
func (c *Client) Instruments(ctx context.Context, category string) ([]Instrument, error) {
	params := url.Values{}
	params.Set("category", category)

	result, err := c.GetPublic(ctx, "/market/instruments-info", params)
	if err != nil {
		return nil, err
	}

	var instruments []Instrument
	for _, item := range result.Get("list").Array() {
		instruments = append(instruments, Instrument{
			Symbol:   item.Get("symbol").String(),
			Category: category,
			QtyStep:  item.Get("lotSizeFilter.qtyStep").String(),
		})
	}
	return instruments, nil
}

// Position 持仓及其盈亏快照
type Position struct {
	Symbol           string  `json:"symbol"`
	Side             string  `json:"side"`
	Size             float64 `json:"size"`
	EntryPrice       float64 `json:"entry_price"`
	CurrentPrice     float64 `json:"current_price"`
	Leverage         float64 `json:"leverage"`
	PositionValue    float64 `json:"position_value"`
	UnrealizedPnl    float64 `json:"unrealized_pnl"`
	PnlPercentage    float64 `json:"pnl_percentage"`
	TakeProfit       string  `json:"take_profit"`
	StopLoss         string  `json:"stop_loss"`
	LiquidationPrice string  `json:"liquidation_price"`
}

// OpenPositions 当前持仓（size > 0），现价缺失时按开仓均价估值
func (c *Client) OpenPositions(ctx context.Context, category string) ([]Position, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("settleCoin", "USDT")

	result, err := c.GetPrivate(ctx, "/position/list", params)
	if err != nil {
		return nil, err
	}

	var positions []Position
	for _, item := range result.Get("list").Array() {
		size := cast.ToFloat64(item.Get("size").String())
		if size <= 0 {
			continue
		}

		p := Position{
			Symbol:           item.Get("symbol").String(),
			Side:             item.Get("side").String(),
			Size:             size,
			EntryPrice:       cast.ToFloat64(item.Get("avgPrice").String()),
			Leverage:         cast.ToFloat64(item.Get("leverage").String()),
			TakeProfit:       item.Get("takeProfit").String(),
			StopLoss:         item.Get("stopLoss").String(),
			LiquidationPrice: item.Get("liqPrice").String(),
		}
		if p.Leverage <= 0 {
			p.Leverage = 1
		}

		current, err := c.LastPrice(ctx, p.Symbol, category)
		if err != nil || current <= 0 {
			current = p.EntryPrice
		}
		p.CurrentPrice = current
		p.PositionValue = current * size

		if p.EntryPrice > 0 {
			if p.Side == "Buy" {
				p.UnrealizedPnl = (current - p.EntryPrice) * size
				p.PnlPercentage = (current - p.EntryPrice) / p.EntryPrice * 100 * p.Leverage
			} else {
				p.UnrealizedPnl = (p.EntryPrice - current) * size
				p.PnlPercentage = (p.EntryPrice - current) / p.EntryPrice * 100 * p.Leverage
			}
		}

		positions = append(positions, p)
	}
	return positions, nil
}
