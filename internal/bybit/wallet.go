package bybit

import (
	"context"
	"net/url"

	"github.com/spf13/cast"
)

// CoinBalance 统一账户中某币种的钱包余额，没有该币种时返回 0
func (c *Client) CoinBalance(ctx context.Context, coin string) (float64, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")
	params.Set("coin", coin)

	result, err := c.GetPrivate(ctx, "/account/wallet-balance", params)
	if err != nil {
		return 0, err
	}

	for _, item := range result.Get("list.0.coin").Array() {
		if item.Get("coin").String() == coin {
			return cast.ToFloat64(item.Get("walletBalance").String()), nil
		}
	}
	return 0, nil
}
