package dao

import (
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/utrading/utrading-exit-engine/internal/models"
)

type MonitorDAO struct {
	db *gorm.DB
}

var (
	_monitor     *MonitorDAO
	_monitorOnce sync.Once
)

// InitMonitorDAO 初始化 MonitorDAO
func InitMonitorDAO(db *gorm.DB) {
	_monitorOnce.Do(func() {
		_monitor = &MonitorDAO{
			db: db,
		}
	})
}

// Monitor 获取 MonitorDAO 单例
func Monitor() *MonitorDAO {
	return _monitor
}

// Save 按 symbol upsert 一条监控记录
func (d *MonitorDAO) Save(m *models.ExitMonitor) error {
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"category", "side", "original_size", "remaining_size",
			"rules", "triggered_rule_ids", "active_tp", "active_sl",
			"previous_ref_price", "updated_at",
		}),
	}).Create(m).Error
}

// Delete 按 symbol 删除，记录不存在时静默成功
func (d *MonitorDAO) Delete(symbol string) error {
	return d.db.Where("symbol = ?", symbol).Delete(&models.ExitMonitor{}).Error
}

// LoadAll 加载全部监控记录（进程启动时恢复）
func (d *MonitorDAO) LoadAll() ([]*models.ExitMonitor, error) {
	var monitors []*models.ExitMonitor
	err := d.db.Order("id asc").Find(&monitors).Error
	return monitors, err
}
