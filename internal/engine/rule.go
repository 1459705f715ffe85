package engine

import (
	"fmt"

	"github.com/utrading/utrading-exit-engine/internal/models"
)

// PrepareRules 校验规则集并分配顺序 ID（从 1 开始）
// 返回副本，调用方传入的切片不被修改
func PrepareRules(rules models.RuleList) (models.RuleList, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("at least one rule is required")
	}

	prepared := make(models.RuleList, len(rules))
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		r.ID = i + 1
		prepared[i] = r
	}
	return prepared, nil
}
