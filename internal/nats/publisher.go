package nats

import (
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/utrading/utrading-exit-engine/internal/models"
	"github.com/utrading/utrading-exit-engine/internal/monitor"
	"github.com/utrading/utrading-exit-engine/pkg/logger"
)

// Publisher NATS 发布器
type Publisher struct {
	*nats.Conn
	mu     sync.RWMutex
	closed bool
}

// NewPublisher 创建 NATS 发布器
func NewPublisher(url string) (*Publisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}

	p := &Publisher{
		Conn: conn,
	}

	// 更新指标
	monitor.GetMetrics().SetNATSConnected(true)

	return p, nil
}

// PublishTriggerSignal 发布离场触发信号
func (p *Publisher) PublishTriggerSignal(signal *ExitTriggerSignal) error {
	data, err := signal.Marshal()
	if err != nil {
		return err
	}

	if err := p.Publish(TopicExitTriggerSignal, data); err != nil {
		logger.Error().Err(err).Str("symbol", signal.Symbol).Msg("publish trigger signal failed")
		return err
	}

	monitor.GetMetrics().IncSignalsPublished(signal.Kind, signal.Symbol)
	return nil
}

// PublishTriggerEvent 将触发事件转为信号发布
func (p *Publisher) PublishTriggerEvent(ev *models.TriggerEvent) error {
	return p.PublishTriggerSignal(&ExitTriggerSignal{
		Symbol:       ev.Symbol,
		Category:     ev.Category,
		Kind:         ev.Kind,
		RuleID:       ev.RuleID,
		RuleType:     ev.RuleType,
		TriggerPrice: ev.TriggerPrice,
		RefPrice:     ev.RefPrice,
		Price:        ev.Price,
		Quantity:     ev.Quantity,
		Success:      ev.Success,
		Timestamp:    ev.CreatedAt.UnixMilli(),
	})
}

// IsConnected 检查发布器是否已连接
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed && p.Conn != nil && !p.Conn.IsClosed()
}

// Close 关闭连接
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true

	// 更新指标
	monitor.GetMetrics().SetNATSConnected(false)

	if p.Conn != nil {
		p.Conn.Close()
	}
	return nil
}
