package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/net/proxy"

	"github.com/utrading/utrading-exit-engine/config"
	"github.com/utrading/utrading-exit-engine/pkg/logger"
)

const (
	apiVersion   = "/v5"
	timeSyncGap  = 5 * time.Minute
	httpTimeout  = 30 * time.Second
)

// Client Bybit REST API v5 客户端
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	recvWindow string
	httpClient *http.Client

	// 与交易所的时钟偏移，每 5 分钟校准一次
	timeMu     sync.Mutex
	timeOffset int64
	lastSync   time.Time
}

// NewClient 创建客户端，proxyAddr 非空时走 SOCKS5 代理
func NewClient(cfg config.Bybit) *Client {
	c := &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		recvWindow: cfg.RecvWindow,
	}
	if c.baseURL == "" {
		c.baseURL = "https://api.bybit.com"
	}
	if c.recvWindow == "" {
		c.recvWindow = "20000"
	}

	if cfg.ProxyEnabled && cfg.ProxyAddr != "" {
		dialer, err := proxy.SOCKS5("tcp", cfg.ProxyAddr, nil, &net.Dialer{})
		if err != nil {
			logger.Error().Err(err).Str("proxy", cfg.ProxyAddr).Msg("create socks5 dialer failed, using direct connection")
			c.httpClient = &http.Client{Timeout: httpTimeout}
		} else {
			c.httpClient = &http.Client{
				Transport: &http.Transport{
					DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
						return dialer.Dial(network, addr)
					},
					IdleConnTimeout:     90 * time.Second,
					TLSHandshakeTimeout: 10 * time.Second,
				},
				Timeout: httpTimeout,
			}
			logger.Info().Str("proxy", cfg.ProxyAddr).Msg("bybit client using socks5 proxy")
		}
	} else {
		c.httpClient = &http.Client{Timeout: httpTimeout}
	}

	return c
}

// sign v5 签名: HMAC-SHA256(timestamp + apiKey + recvWindow + payload)
func (c *Client) sign(timestamp, payload string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(timestamp + c.apiKey + c.recvWindow + payload))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Client) authHeaders(req *http.Request, signature, timestamp string) {
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", c.recvWindow)
	req.Header.Set("Content-Type", "application/json")
}

// timestamp 带偏移校正的毫秒时间戳
func (c *Client) timestamp() string {
	c.timeMu.Lock()
	offset := c.timeOffset
	c.timeMu.Unlock()
	return strconv.FormatInt(time.Now().UnixMilli()+offset, 10)
}

// syncTime 与交易所对时，距上次校准不足 5 分钟时跳过
func (c *Client) syncTime(ctx context.Context) {
	c.timeMu.Lock()
	if time.Since(c.lastSync) < timeSyncGap {
		c.timeMu.Unlock()
		return
	}
	c.timeMu.Unlock()

	result, err := c.GetPublic(ctx, "/market/time", nil)
	if err != nil {
		logger.Warn().Err(err).Msg("bybit time sync failed")
		return
	}

	serverSec := result.Get("timeSecond").Int()
	if serverSec == 0 {
		return
	}
	offset := serverSec*1000 - time.Now().UnixMilli()

	c.timeMu.Lock()
	c.timeOffset = offset
	c.lastSync = time.Now()
	c.timeMu.Unlock()

	logger.Debug().Int64("offset_ms", offset).Msg("time synced with bybit")
}

// GetPublic 公开接口 GET，返回 result 节点
func (c *Client) GetPublic(ctx context.Context, endpoint string, params url.Values) (gjson.Result, error) {
	reqURL := c.baseURL + apiVersion + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

// GetPrivate 私有接口 GET，query string 参与签名
func (c *Client) GetPrivate(ctx context.Context, endpoint string, params url.Values) (gjson.Result, error) {
	c.syncTime(ctx)

	query := ""
	if len(params) > 0 {
		query = params.Encode()
	}

	reqURL := c.baseURL + apiVersion + endpoint
	if query != "" {
		reqURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("create request failed: %w", err)
	}

	timestamp := c.timestamp()
	c.authHeaders(req, c.sign(timestamp, query), timestamp)

	return c.do(req)
}

// PostPrivate 私有接口 POST，JSON body 参与签名
func (c *Client) PostPrivate(ctx context.Context, endpoint string, body map[string]any) (gjson.Result, error) {
	c.syncTime(ctx)

	if body == nil {
		body = map[string]any{}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshal body failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiVersion+endpoint, bytes.NewReader(payload))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("create request failed: %w", err)
	}

	timestamp := c.timestamp()
	c.authHeaders(req, c.sign(timestamp, string(payload)), timestamp)

	return c.do(req)
}

// do 执行请求并校验 retCode，返回 result 节点
func (c *Client) do(req *http.Request) (gjson.Result, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read response failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(respBody))
	}

	parsed := gjson.ParseBytes(respBody)
	if code := parsed.Get("retCode").Int(); code != 0 {
		return gjson.Result{}, fmt.Errorf("bybit error %d: %s", code, parsed.Get("retMsg").String())
	}

	return parsed.Get("result"), nil
}
