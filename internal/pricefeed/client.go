package pricefeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/utrading/utrading-exit-engine/pkg/goplus"
	"github.com/utrading/utrading-exit-engine/pkg/logger"
)

const (
	writeWait         = 10 * time.Second // 写入超时
	pongWait          = 60 * time.Second // 读取超时（应大于心跳间隔）
	pingPeriod        = 20 * time.Second // Bybit 要求 20s 内有心跳
	maxMessageSize    = 1024 * 512
	reconnectBaseWait = time.Second
	reconnectMaxWait  = 30 * time.Second
)

// StreamClient Bybit v5 公共行情 ws 客户端，订阅 tickers 并自动重连
type StreamClient struct {
	url      string
	category string
	onPrice  func(symbol string, price float64)

	mu        sync.RWMutex
	conn      *websocket.Conn
	connDone  chan struct{} // 当前连接关闭时关闭，回收该连接的看护协程
	writeMu   sync.Mutex
	topics    map[string]struct{} // 已订阅 topic，重连后恢复
	reconning bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewStreamClient 创建行情流客户端
func NewStreamClient(url, category string, onPrice func(symbol string, price float64)) *StreamClient {
	if url == "" {
		panic("pricefeed: ws URL cannot be empty")
	}
	return &StreamClient{
		url:      url,
		category: category,
		onPrice:  onPrice,
		topics:   make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// Start 启动连接维护协程
func (c *StreamClient) Start(ctx context.Context) {
	goplus.Go(func() {
		c.run(ctx)
	})
}

// run 连接 → 读取 → 断线重连
func (c *StreamClient) run(ctx context.Context) {
	wait := reconnectBaseWait

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			logger.Error().Err(err).Str("category", c.category).Msg("ws connect failed")
			c.setReconnecting(true)

			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-time.After(wait):
			}
			if wait *= 2; wait > reconnectMaxWait {
				wait = reconnectMaxWait
			}
			continue
		}

		wait = reconnectBaseWait
		c.setReconnecting(false)

		c.readPump() // 阻塞到连接断开
	}
}

func (c *StreamClient) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial error: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	connDone := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.connDone = connDone
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.Unlock()

	// 监控 Context 和 done 信号，主动关闭连接解除 ReadMessage 阻塞；
	// 连接自行断开时随 connDone 退出，不跨连接存活
	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		case <-connDone:
			return
		}
		c.internalClose()
	}()

	go c.pingPump()

	// 恢复订阅
	if len(topics) > 0 {
		if err = c.writeJSONWithDeadline(map[string]any{"op": "subscribe", "args": topics}); err != nil {
			logger.Error().Err(err).Str("category", c.category).Msg("resubscribe failed")
		}
	}

	logger.Info().Str("url", c.url).Str("category", c.category).Int("topics", len(topics)).Msg("ws connected")

	return nil
}

// Subscribe 订阅一个 symbol 的 tickers topic
func (c *StreamClient) Subscribe(symbol string) {
	topic := "tickers." + symbol

	c.mu.Lock()
	if _, ok := c.topics[topic]; ok {
		c.mu.Unlock()
		return
	}
	c.topics[topic] = struct{}{}
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected {
		return // 连上后由 connect 统一恢复
	}

	if err := c.writeJSONWithDeadline(map[string]any{"op": "subscribe", "args": []string{topic}}); err != nil {
		logger.Error().Err(err).Str("topic", topic).Msg("subscribe failed")
	}
}

// Unsubscribe 取消一个 symbol 的订阅
func (c *StreamClient) Unsubscribe(symbol string) {
	topic := "tickers." + symbol

	c.mu.Lock()
	if _, ok := c.topics[topic]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.topics, topic)
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected {
		return
	}

	if err := c.writeJSONWithDeadline(map[string]any{"op": "unsubscribe", "args": []string{topic}}); err != nil {
		logger.Error().Err(err).Str("topic", topic).Msg("unsubscribe failed")
	}
}

func (c *StreamClient) readPump() {
	defer c.internalClose()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		if conn == nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error().Err(err).Str("category", c.category).Msg("ws read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		c.handleMessage(msg)
	}
}

// handleMessage 处理 tickers 推送
// linear 的 tickers 是 snapshot/delta 混合，lastPrice 缺失的 delta 直接跳过
func (c *StreamClient) handleMessage(msg []byte) {
	parsed := gjson.ParseBytes(msg)

	topic := parsed.Get("topic").String()
	if len(topic) <= len("tickers.") || topic[:len("tickers.")] != "tickers." {
		return // 订阅确认、pong 等
	}
	symbol := topic[len("tickers."):]

	last := parsed.Get("data.lastPrice")
	if !last.Exists() {
		return
	}

	price := last.Float()
	if price <= 0 {
		return
	}

	if c.onPrice != nil {
		c.onPrice(symbol, price)
	}
}

func (c *StreamClient) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

func (c *StreamClient) ping() error {
	// Bybit 公共流要求应用层 {"op":"ping"}，标准控制帧一并发送
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("connection closed")
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		return err
	}
	return conn.WriteJSON(map[string]string{"op": "ping"})
}

func (c *StreamClient) writeJSONWithDeadline(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("connection closed")
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// internalClose 关闭底层连接，不触发整体停机
func (c *StreamClient) internalClose() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	c.mu.Unlock()
}

func (c *StreamClient) setReconnecting(v bool) {
	c.mu.Lock()
	c.reconning = v
	c.mu.Unlock()
}

// IsConnected 当前是否有活跃连接
func (c *StreamClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// IsReconnecting 是否处于重连等待
func (c *StreamClient) IsReconnecting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconning
}

// Close 停止客户端
func (c *StreamClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.internalClose()
	})
	return nil
}
