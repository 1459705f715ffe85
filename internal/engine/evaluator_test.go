package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/utrading/utrading-exit-engine/internal/models"
)

func TestCrossed_DirectionAgnostic(t *testing.T) {
	// 从下往上穿越
	assert.True(t, Crossed(99, 101, 100))
	// 从上往下穿越
	assert.True(t, Crossed(101, 99, 100))
	// 同侧移动不算穿越
	assert.False(t, Crossed(101, 102, 100))
	assert.False(t, Crossed(98, 99, 100))
}

func TestCrossed_BoundaryEquality(t *testing.T) {
	// 恰好落在阈值上也算穿越
	assert.True(t, Crossed(99, 100, 100))
	assert.True(t, Crossed(101, 100, 100))
	// 从阈值出发不算
	assert.False(t, Crossed(100, 101, 100))
	assert.False(t, Crossed(100, 99, 100))
}

func TestCrossed_NoPreviousSample(t *testing.T) {
	// 无上一次样本时不评估，避免启动时低于现价的规则全部误触发
	assert.False(t, Crossed(0, 101, 100))
	assert.False(t, Crossed(0, 99, 100))
}

func TestPendingRules_SkipsTriggered(t *testing.T) {
	m := &models.ExitMonitor{
		Symbol:           "ETHUSDT",
		PreviousRefPrice: 89000,
		Rules: models.RuleList{
			{ID: 1, Type: models.RuleFullClose, BTCPrice: 90000},
			{ID: 2, Type: models.RulePartialClose, BTCPrice: 90000, ClosePercent: 50},
			{ID: 3, Type: models.RuleFullClose, BTCPrice: 95000},
		},
		TriggeredRuleIDs: models.IDSet{1},
	}

	pending := PendingRules(m, 91000)

	// 规则1已触发被跳过，规则3阈值未穿越
	assert.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].ID)
}

func TestPendingRules_IdenticalFieldsDistinctIDs(t *testing.T) {
	// 触发字段完全相同的两条规则靠 ID 区分，互不吞掉
	m := &models.ExitMonitor{
		Symbol:           "ETHUSDT",
		PreviousRefPrice: 99000,
		Rules: models.RuleList{
			{ID: 1, Type: models.RulePartialClose, BTCPrice: 100000, ClosePercent: 25},
			{ID: 2, Type: models.RulePartialClose, BTCPrice: 100000, ClosePercent: 25},
		},
	}

	pending := PendingRules(m, 100500)
	assert.Len(t, pending, 2)
}

func TestConditionalHits_TPUsesInstrumentPrice(t *testing.T) {
	m := &models.ExitMonitor{
		Symbol:   "ETHUSDT",
		Side:     models.SideBuy,
		ActiveTP: &models.ConditionalExit{Price: 50000, ClosePercent: 50},
	}

	// 未到止盈位
	assert.Empty(t, ConditionalHits(m, 49999))
	// 到达即触发
	hits := ConditionalHits(m, 50000)
	assert.Len(t, hits, 1)
	assert.Equal(t, models.TriggerKindTP, hits[0].Kind)
	// 越过也触发
	assert.Len(t, ConditionalHits(m, 51000), 1)
}

func TestConditionalHits_ShortSideInverted(t *testing.T) {
	m := &models.ExitMonitor{
		Symbol:   "ETHUSDT",
		Side:     models.SideSell,
		ActiveTP: &models.ConditionalExit{Price: 1800, ClosePercent: 100},
		ActiveSL: &models.ConditionalExit{Price: 2200, ClosePercent: 100},
	}

	// 空头止盈在价格下行时触发
	hits := ConditionalHits(m, 1750)
	assert.Len(t, hits, 1)
	assert.Equal(t, models.TriggerKindTP, hits[0].Kind)

	// 空头止损在价格上行时触发
	hits = ConditionalHits(m, 2250)
	assert.Len(t, hits, 1)
	assert.Equal(t, models.TriggerKindSL, hits[0].Kind)

	// 区间内无命中
	assert.Empty(t, ConditionalHits(m, 2000))
}

func TestConditionalHits_SpotBehavesLikeLong(t *testing.T) {
	m := &models.ExitMonitor{
		Symbol:   "SOLUSDT",
		Side:     models.SideSpot,
		ActiveSL: &models.ConditionalExit{Price: 100, ClosePercent: 100},
	}

	assert.Empty(t, ConditionalHits(m, 101))
	hits := ConditionalHits(m, 99)
	assert.Len(t, hits, 1)
	assert.Equal(t, models.TriggerKindSL, hits[0].Kind)
}
