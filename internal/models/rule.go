package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// 规则类型
const (
	RuleFullClose    = "full_close"
	RulePartialClose = "partial_close"
	RuleSetTP        = "set_tp"
	RuleSetSL        = "set_sl"
)

// Rule BTC 触发规则，创建后不可变
// ID 在创建监控时分配（列表中的序号），triggered 去重只认 ID，
// 避免相同触发字段的两条规则互相吞掉
type Rule struct {
	ID           int     `json:"id"`
	Type         string  `json:"type"`
	BTCPrice     float64 `json:"btc_price"`
	ClosePercent float64 `json:"close_percent,omitempty"`
	TPPrice      float64 `json:"tp_price,omitempty"`
	SLPrice      float64 `json:"sl_price,omitempty"`
}

// Validate 校验单条规则
func (r Rule) Validate() error {
	if r.BTCPrice <= 0 {
		return fmt.Errorf("rule %s: btc_price must be positive", r.Type)
	}

	switch r.Type {
	case RuleFullClose:
		return nil
	case RulePartialClose:
		if r.ClosePercent <= 0 || r.ClosePercent > 100 {
			return fmt.Errorf("rule partial_close: close_percent must be in (0,100], got %v", r.ClosePercent)
		}
	case RuleSetTP:
		if r.TPPrice <= 0 {
			return fmt.Errorf("rule set_tp: tp_price must be positive")
		}
		if r.ClosePercent <= 0 || r.ClosePercent > 100 {
			return fmt.Errorf("rule set_tp: close_percent must be in (0,100], got %v", r.ClosePercent)
		}
	case RuleSetSL:
		if r.SLPrice <= 0 {
			return fmt.Errorf("rule set_sl: sl_price must be positive")
		}
		if r.ClosePercent <= 0 || r.ClosePercent > 100 {
			return fmt.Errorf("rule set_sl: close_percent must be in (0,100], got %v", r.ClosePercent)
		}
	default:
		return fmt.Errorf("unknown rule type %q", r.Type)
	}
	return nil
}

// RuleList 规则集合，整体以 JSON 存储
type RuleList []Rule

func (l RuleList) Value() (driver.Value, error) {
	if l == nil {
		l = RuleList{}
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *RuleList) Scan(src any) error {
	return scanJSON(src, l)
}

// IDSet 已触发规则 ID 集合，以 JSON 数组存储
type IDSet []int

// Has 判断 ID 是否已记录
func (s IDSet) Has(id int) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

// Add 记录 ID（幂等）
func (s IDSet) Add(id int) IDSet {
	if s.Has(id) {
		return s
	}
	return append(s, id)
}

func (s IDSet) Value() (driver.Value, error) {
	if s == nil {
		s = IDSet{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (s *IDSet) Scan(src any) error {
	return scanJSON(src, s)
}

// ConditionalExit 引擎侧已武装的条件离场（TP 或 SL）
// 以 gorm json serializer 存储，空列还原为 nil 指针
type ConditionalExit struct {
	Price        float64 `json:"price"`
	ClosePercent float64 `json:"close_percent"`
}

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported column type %T", src)
	}
}
