package engine

import (
	"github.com/utrading/utrading-exit-engine/internal/models"
)

// Crossed 判断价格从 prev 走到 cur 是否穿越了 threshold
// 边界相等计为穿越，方向无关：用户只表达“到达 X 时”
func Crossed(prev, cur, threshold float64) bool {
	if prev <= 0 {
		// 尚无上一次样本，本周期不评估
		return false
	}
	return (prev < threshold && cur >= threshold) ||
		(prev > threshold && cur <= threshold)
}

// PendingRules 返回本周期被参考价穿越且尚未触发过的规则
// 纯函数，不做任何 I/O
func PendingRules(m *models.ExitMonitor, refPrice float64) []models.Rule {
	var pending []models.Rule
	for _, r := range m.Rules {
		if m.TriggeredRuleIDs.Has(r.ID) {
			continue
		}
		if Crossed(m.PreviousRefPrice, refPrice, r.BTCPrice) {
			pending = append(pending, r)
		}
	}
	return pending
}

// ConditionalHit 一次命中的引擎侧条件离场
type ConditionalHit struct {
	Kind string // models.TriggerKindTP / models.TriggerKindSL
	Exit models.ConditionalExit
}

// ConditionalHits 按标的自身价格（非参考价）评估已武装的 TP/SL
func ConditionalHits(m *models.ExitMonitor, price float64) []ConditionalHit {
	var hits []ConditionalHit
	if m.ActiveTP != nil && tpHit(m.Side, price, m.ActiveTP.Price) {
		hits = append(hits, ConditionalHit{Kind: models.TriggerKindTP, Exit: *m.ActiveTP})
	}
	if m.ActiveSL != nil && slHit(m.Side, price, m.ActiveSL.Price) {
		hits = append(hits, ConditionalHit{Kind: models.TriggerKindSL, Exit: *m.ActiveSL})
	}
	return hits
}

// tpHit 多头/现货价格向上越过止盈位，空头向下
func tpHit(side string, price, level float64) bool {
	if side == models.SideSell {
		return price <= level
	}
	return price >= level
}

// slHit 多头/现货价格向下跌破止损位，空头向上
func slHit(side string, price, level float64) bool {
	if side == models.SideSell {
		return price >= level
	}
	return price <= level
}
