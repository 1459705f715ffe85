package nats

import (
	"encoding/json"

	"github.com/utrading/utrading-exit-engine/pkg/logger"
)

const TopicExitTriggerSignal = "exit_trigger_signal"

// ExitTriggerSignal 离场触发信号消息
type ExitTriggerSignal struct {
	Symbol       string  `json:"symbol"`        // 交易对
	Category     string  `json:"category"`      // linear/spot
	Kind         string  `json:"kind"`          // rule/tp/sl
	RuleID       int     `json:"rule_id"`       // 规则ID（条件离场时为0）
	RuleType     string  `json:"rule_type"`     // full_close/partial_close/set_tp/set_sl
	TriggerPrice float64 `json:"trigger_price"` // 触发阈值
	RefPrice     float64 `json:"ref_price"`     // 触发时的参考价格
	Price        float64 `json:"price"`         // 触发时的标的价格
	Quantity     string  `json:"quantity"`      // 平仓数量（无下单动作时为空）
	Success      bool    `json:"success"`       // 执行是否成功
	Timestamp    int64   `json:"timestamp"`     // 时间戳
}

// Marshal 序列化信号
func (s *ExitTriggerSignal) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		logger.Error().Err(err).Msg("marshal signal failed")
		return nil, err
	}
	return data, nil
}
