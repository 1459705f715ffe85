package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/utrading/utrading-exit-engine/internal/models"
)

func TestPrepareRules_AssignsSequentialIDs(t *testing.T) {
	rules, err := PrepareRules(models.RuleList{
		{Type: models.RuleFullClose, BTCPrice: 100000},
		{Type: models.RulePartialClose, BTCPrice: 90000, ClosePercent: 50},
		{Type: models.RuleSetTP, BTCPrice: 95000, TPPrice: 4000, ClosePercent: 30},
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, rules[0].ID)
	assert.Equal(t, 2, rules[1].ID)
	assert.Equal(t, 3, rules[2].ID)
}

func TestPrepareRules_DoesNotMutateInput(t *testing.T) {
	input := models.RuleList{
		{Type: models.RuleFullClose, BTCPrice: 100000},
	}

	_, err := PrepareRules(input)
	assert.NoError(t, err)
	assert.Equal(t, 0, input[0].ID)
}

func TestPrepareRules_Empty(t *testing.T) {
	_, err := PrepareRules(nil)
	assert.Error(t, err)
}

func TestPrepareRules_InvalidRule(t *testing.T) {
	cases := []struct {
		name string
		rule models.Rule
	}{
		{"未知类型", models.Rule{Type: "trailing_stop", BTCPrice: 100000}},
		{"非正触发价", models.Rule{Type: models.RuleFullClose, BTCPrice: 0}},
		{"比例越界", models.Rule{Type: models.RulePartialClose, BTCPrice: 90000, ClosePercent: 150}},
		{"比例缺失", models.Rule{Type: models.RulePartialClose, BTCPrice: 90000}},
		{"止盈价缺失", models.Rule{Type: models.RuleSetTP, BTCPrice: 90000, ClosePercent: 50}},
		{"止损价缺失", models.Rule{Type: models.RuleSetSL, BTCPrice: 90000, ClosePercent: 50}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := PrepareRules(models.RuleList{tc.rule})
			assert.Error(t, err)
		})
	}
}
