package symbol

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/utrading/utrading-exit-engine/internal/bybit"
	"github.com/utrading/utrading-exit-engine/internal/models"
	"github.com/utrading/utrading-exit-engine/pkg/logger"
)

const cacheTTL = time.Hour

// InstrumentSource 交易对元信息来源
type InstrumentSource interface {
	Instruments(ctx context.Context, category string) ([]bybit.Instrument, error)
}

// Info 单个交易对的缓存条目
type Info struct {
	Category string
	QtyStep  string
}

// Service USDT 交易对校验与下单步长查询，1 小时 TTL 缓存
type Service struct {
	source InstrumentSource
	cache  *gocache.Cache

	refreshMu sync.Mutex
}

// NewService 创建 symbol 服务
func NewService(source InstrumentSource) *Service {
	return &Service{
		source: source,
		cache:  gocache.New(cacheTTL, 2*cacheTTL),
	}
}

// Normalize 规整用户输入: 去分隔符、大写、补 USDT 后缀
func Normalize(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	for _, sep := range []string{"/", "-", "_"} {
		s = strings.ReplaceAll(s, sep, "")
	}
	if strings.HasSuffix(s, "USDT") {
		return s
	}
	return s + "USDT"
}

// refresh 拉取 linear + spot 交易对并灌入缓存
func (s *Service) refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// 拿锁期间别的协程可能已经刷新过了
	if _, ok := s.cache.Get("symbols"); ok {
		return nil
	}

	var symbols []string
	for _, category := range []string{models.CategoryLinear, models.CategorySpot} {
		instruments, err := s.source.Instruments(ctx, category)
		if err != nil {
			return fmt.Errorf("load %s instruments failed: %w", category, err)
		}

		count := 0
		for _, inst := range instruments {
			if !strings.HasSuffix(inst.Symbol, "USDT") {
				continue
			}
			s.cache.Set("info:"+inst.Symbol, Info{Category: category, QtyStep: inst.QtyStep}, gocache.DefaultExpiration)
			symbols = append(symbols, inst.Symbol)
			count++
		}
		logger.Info().Str("category", category).Int("count", count).Msg("symbols loaded")
	}

	sort.Strings(symbols)
	s.cache.Set("symbols", dedup(symbols), gocache.DefaultExpiration)

	return nil
}

func dedup(sorted []string) []string {
	out := sorted[:0]
	var prev string
	for _, s := range sorted {
		if s != prev {
			out = append(out, s)
			prev = s
		}
	}
	return out
}

func (s *Service) ensureFresh(ctx context.Context) error {
	if _, ok := s.cache.Get("symbols"); ok {
		return nil
	}
	return s.refresh(ctx)
}

// Validate 校验并规整 symbol，返回规整后的名字
func (s *Service) Validate(ctx context.Context, raw string) (string, bool, error) {
	if err := s.ensureFresh(ctx); err != nil {
		return "", false, err
	}

	formatted := Normalize(raw)
	_, ok := s.cache.Get("info:" + formatted)
	return formatted, ok, nil
}

// QtyStep 下单数量步长，未知 symbol 返回错误由调用方走保守取整
func (s *Service) QtyStep(ctx context.Context, symbol string) (string, error) {
	if err := s.ensureFresh(ctx); err != nil {
		return "", err
	}

	v, ok := s.cache.Get("info:" + Normalize(symbol))
	if !ok {
		return "", fmt.Errorf("symbol %s not found in instrument cache", symbol)
	}

	info := v.(Info)
	if info.QtyStep == "" {
		return "", fmt.Errorf("symbol %s has no qty step", symbol)
	}
	return info.QtyStep, nil
}

// AllSymbols 全部已知 USDT 交易对（升序）
func (s *Service) AllSymbols(ctx context.Context) ([]string, error) {
	if err := s.ensureFresh(ctx); err != nil {
		return nil, err
	}

	v, _ := s.cache.Get("symbols")
	symbols, _ := v.([]string)
	return symbols, nil
}
