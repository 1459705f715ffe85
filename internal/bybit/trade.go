package bybit

import (
	"context"
	"strconv"

	"github.com/utrading/utrading-exit-engine/pkg/logger"
)

// PlaceMarketOrder 市价单，衍生品平仓传 reduceOnly=true
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol, category, side, qty string, reduceOnly bool) error {
	body := map[string]any{
		"category":  category,
		"symbol":    symbol,
		"side":      side,
		"orderType": "Market",
		"qty":       qty,
	}
	if reduceOnly {
		body["reduceOnly"] = true
		body["closeOnTrigger"] = false
	}

	result, err := c.PostPrivate(ctx, "/order/create", body)
	if err != nil {
		return err
	}

	logger.Info().
		Str("symbol", symbol).
		Str("side", side).
		Str("qty", qty).
		Str("order_id", result.Get("orderId").String()).
		Msg("market order placed")

	return nil
}

// SetTradingStop 在交易所侧挂 TP/SL，仅 linear 有效，价格为 0 表示不设置
func (c *Client) SetTradingStop(ctx context.Context, symbol, category string, takeProfit, stopLoss float64) error {
	body := map[string]any{
		"category": category,
		"symbol":   symbol,
	}
	if takeProfit > 0 {
		body["takeProfit"] = strconv.FormatFloat(takeProfit, 'f', -1, 64)
	}
	if stopLoss > 0 {
		body["stopLoss"] = strconv.FormatFloat(stopLoss, 'f', -1, 64)
	}

	if _, err := c.PostPrivate(ctx, "/position/trading-stop", body); err != nil {
		return err
	}

	logger.Info().
		Str("symbol", symbol).
		Float64("take_profit", takeProfit).
		Float64("stop_loss", stopLoss).
		Msg("exchange trading stop set")

	return nil
}
