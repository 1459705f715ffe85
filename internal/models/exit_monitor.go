package models

import (
	"time"
)

// 交易品类
const (
	CategoryLinear = "linear"
	CategorySpot   = "spot"
)

// 持仓方向
const (
	SideBuy  = "Buy"
	SideSell = "Sell"
	SideSpot = "Spot"
)

// ExitMonitor 一条被监控的持仓及其规则集，每个 symbol 至多一条
type ExitMonitor struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	Symbol   string `gorm:"type:varchar(32);not null;uniqueIndex:uidx_symbol;comment:交易对" json:"symbol"`
	Category string `gorm:"type:varchar(16);not null;comment:linear/spot" json:"category"`
	Side     string `gorm:"type:varchar(8);not null;comment:Buy/Sell/Spot" json:"side"`

	OriginalSize  float64 `gorm:"not null;comment:创建时仓位" json:"original_size"`
	RemainingSize float64 `gorm:"not null;comment:剩余仓位" json:"remaining_size"`

	Rules            RuleList         `gorm:"type:text" json:"rules"`
	TriggeredRuleIDs IDSet            `gorm:"type:text" json:"triggered_rule_ids"`
	ActiveTP         *ConditionalExit `gorm:"type:text;serializer:json" json:"active_tp"`
	ActiveSL         *ConditionalExit `gorm:"type:text;serializer:json" json:"active_sl"`

	// 上一次观测到的参考价，0 表示尚无样本
	PreviousRefPrice float64 `gorm:"comment:上次参考价" json:"previous_ref_price"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"-"`
}

func (ExitMonitor) TableName() string {
	return "exit_monitors"
}

// Clone 深拷贝，store 对外只交出副本
func (m *ExitMonitor) Clone() *ExitMonitor {
	if m == nil {
		return nil
	}

	c := *m
	c.Rules = append(RuleList(nil), m.Rules...)
	c.TriggeredRuleIDs = append(IDSet(nil), m.TriggeredRuleIDs...)
	if m.ActiveTP != nil {
		tp := *m.ActiveTP
		c.ActiveTP = &tp
	}
	if m.ActiveSL != nil {
		sl := *m.ActiveSL
		c.ActiveSL = &sl
	}
	return &c
}
