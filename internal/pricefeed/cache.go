package pricefeed

import (
	"time"

	"github.com/utrading/utrading-exit-engine/internal/models"
	"github.com/utrading/utrading-exit-engine/pkg/concurrent"
)

// Sample 一次价格观测
type Sample struct {
	Price float64
	At    time.Time
}

// PriceCache 最新价缓存（现货 + 合约分开存）
type PriceCache struct {
	linear concurrent.Map[string, Sample]
	spot   concurrent.Map[string, Sample]
}

// NewPriceCache 创建价格缓存
func NewPriceCache() *PriceCache {
	return &PriceCache{}
}

func (c *PriceCache) bucket(category string) *concurrent.Map[string, Sample] {
	if category == models.CategorySpot {
		return &c.spot
	}
	return &c.linear
}

// Get 读取缓存样本
func (c *PriceCache) Get(symbol, category string) (Sample, bool) {
	return c.bucket(category).Load(symbol)
}

// Set 写入观测值
func (c *PriceCache) Set(symbol, category string, price float64) {
	if price <= 0 {
		return
	}
	c.bucket(category).Store(symbol, Sample{Price: price, At: time.Now()})
}

// Stats 获取统计信息
func (c *PriceCache) Stats() map[string]interface{} {
	return map[string]interface{}{
		"linear_count": c.linear.Len(),
		"spot_count":   c.spot.Len(),
	}
}
