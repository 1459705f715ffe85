package models

import (
	"time"
)

// 触发事件种类
const (
	TriggerKindRule = "rule"
	TriggerKindTP   = "tp"
	TriggerKindSL   = "sl"
)

// TriggerEvent 规则或条件离场的触发留痕（含下单失败的记录）
type TriggerEvent struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol   string `gorm:"type:varchar(32);not null;index:idx_symbol" json:"symbol"`
	Category string `gorm:"type:varchar(16);not null" json:"category"`
	Kind     string `gorm:"type:varchar(8);not null;comment:rule/tp/sl" json:"kind"`
	RuleID   int    `gorm:"comment:规则ID，条件离场为0" json:"rule_id"`
	RuleType string `gorm:"type:varchar(16)" json:"rule_type"`

	TriggerPrice float64 `gorm:"comment:触发价" json:"trigger_price"`
	RefPrice     float64 `gorm:"comment:触发时参考价" json:"ref_price"`
	Price        float64 `gorm:"comment:触发时标的价" json:"price"`
	Quantity     string  `gorm:"type:varchar(32);comment:下单数量" json:"quantity"`

	Success bool   `gorm:"not null" json:"success"`
	Reason  string `gorm:"type:varchar(255)" json:"reason"`

	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_created_at" json:"created_at"`
}

func (TriggerEvent) TableName() string {
	return "exit_trigger_events"
}
