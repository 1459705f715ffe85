package dao

import (
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/utrading/utrading-exit-engine/internal/models"
)

type TriggerEventDAO struct {
	db *gorm.DB
}

var (
	_triggerEvent     *TriggerEventDAO
	_triggerEventOnce sync.Once
)

// InitTriggerEventDAO 初始化 TriggerEventDAO
func InitTriggerEventDAO(db *gorm.DB) {
	_triggerEventOnce.Do(func() {
		_triggerEvent = &TriggerEventDAO{
			db: db,
		}
	})
}

// TriggerEvent 获取 TriggerEventDAO 单例
func TriggerEvent() *TriggerEventDAO {
	return _triggerEvent
}

// Insert 写入一条触发事件
func (d *TriggerEventDAO) Insert(e *models.TriggerEvent) error {
	return d.db.Create(e).Error
}

// ListBySymbol 按 symbol 查询最近的触发事件
func (d *TriggerEventDAO) ListBySymbol(symbol string, limit int) ([]*models.TriggerEvent, error) {
	var events []*models.TriggerEvent
	err := d.db.Where("symbol = ?", symbol).
		Order("id desc").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// DeleteOld 删除 cutoff 之前的事件，返回删除条数
func (d *TriggerEventDAO) DeleteOld(cutoff time.Time) (int64, error) {
	res := d.db.Where("created_at < ?", cutoff).Delete(&models.TriggerEvent{})
	return res.RowsAffected, res.Error
}

// Count 事件总数
func (d *TriggerEventDAO) Count() (int64, error) {
	var count int64
	err := d.db.Model(&models.TriggerEvent{}).Count(&count).Error
	return count, err
}

// DeleteOldest 删除最旧的 n 条事件（数量兜底清理）
func (d *TriggerEventDAO) DeleteOldest(n int64) (int64, error) {
	var ids []uint
	if err := d.db.Model(&models.TriggerEvent{}).
		Order("id asc").
		Limit(int(n)).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := d.db.Where("id IN ?", ids).Delete(&models.TriggerEvent{})
	return res.RowsAffected, res.Error
}
