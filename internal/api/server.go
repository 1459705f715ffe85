package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/utrading/utrading-exit-engine/internal/bybit"
	"github.com/utrading/utrading-exit-engine/internal/engine"
	"github.com/utrading/utrading-exit-engine/internal/models"
	"github.com/utrading/utrading-exit-engine/internal/symbol"
	"github.com/utrading/utrading-exit-engine/pkg/goplus"
	"github.com/utrading/utrading-exit-engine/pkg/logger"
)

// PriceSource 行情查询接口
type PriceSource interface {
	LastPrice(ctx context.Context, symbol, category string) (float64, error)
}

// PositionSource 持仓与余额查询接口
type PositionSource interface {
	OpenPositions(ctx context.Context, category string) ([]bybit.Position, error)
	PlaceMarketOrder(ctx context.Context, symbol, category, side, qty string, reduceOnly bool) error
	CoinBalance(ctx context.Context, coin string) (float64, error)
}

// EventSource 触发事件查询接口
type EventSource interface {
	ListBySymbol(symbol string, limit int) ([]*models.TriggerEvent, error)
}

// Server 控制面 HTTP 服务
type Server struct {
	addr      string
	engine    *engine.Engine
	symbols   *symbol.Service
	prices    PriceSource
	positions PositionSource
	events    EventSource
	server    *http.Server
}

// NewServer 创建控制面服务
func NewServer(addr string, eng *engine.Engine, symbols *symbol.Service, prices PriceSource, positions PositionSource, events EventSource) *Server {
	return &Server{
		addr:      addr,
		engine:    eng,
		symbols:   symbols,
		prices:    prices,
		positions: positions,
		events:    events,
	}
}

// Start 启动HTTP服务器
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/tp-sl/set", s.setHandler)
	mux.HandleFunc("DELETE /api/tp-sl/remove/{symbol}", s.removeHandler)
	mux.HandleFunc("GET /api/tp-sl/monitors", s.monitorsHandler)
	mux.HandleFunc("GET /api/tp-sl/monitor/{symbol}", s.monitorHandler)
	mux.HandleFunc("GET /api/tp-sl/events/{symbol}", s.eventsHandler)
	mux.HandleFunc("GET /api/price/{symbol}", s.priceHandler)
	mux.HandleFunc("GET /api/symbols", s.symbolsHandler)
	mux.HandleFunc("POST /api/validate-symbol", s.validateSymbolHandler)
	mux.HandleFunc("GET /api/positions", s.positionsHandler)
	mux.HandleFunc("POST /api/close-position", s.closePositionHandler)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	logger.Info().Str("addr", s.addr).Msg("api server starting")

	goplus.Go(func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("api server error")
		}
	})

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// setHandler 挂载监控
func (s *Server) setHandler(w http.ResponseWriter, r *http.Request) {
	var req engine.ArmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	m, err := s.engine.Arm(r.Context(), req)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, engine.ErrAlreadyExists) {
			code = http.StatusConflict
		}
		writeError(w, code, err.Error())
		return
	}

	writeData(w, m)
}

// removeHandler 卸载监控，幂等
func (s *Server) removeHandler(w http.ResponseWriter, r *http.Request) {
	sym := symbol.Normalize(r.PathValue("symbol"))
	existed := s.engine.Disarm(sym)
	writeData(w, map[string]any{"symbol": sym, "removed": existed})
}

// monitorsHandler 列出全部监控
func (s *Server) monitorsHandler(w http.ResponseWriter, r *http.Request) {
	writeData(w, s.engine.List())
}

// monitorHandler 查询单个监控
func (s *Server) monitorHandler(w http.ResponseWriter, r *http.Request) {
	sym := symbol.Normalize(r.PathValue("symbol"))
	m, ok := s.engine.Get(sym)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no monitor for %s", sym))
		return
	}
	writeData(w, m)
}

// eventsHandler 查询某交易对最近的触发事件
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	sym := symbol.Normalize(r.PathValue("symbol"))

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	events, err := s.events.ListBySymbol(sym, limit)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeData(w, events)
}

// priceHandler 查询最新价
func (s *Server) priceHandler(w http.ResponseWriter, r *http.Request) {
	sym := symbol.Normalize(r.PathValue("symbol"))
	category := r.URL.Query().Get("category")
	if category == "" {
		category = models.CategoryLinear
	}
	if category != models.CategoryLinear && category != models.CategorySpot {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid category %q", category))
		return
	}

	price, err := s.prices.LastPrice(r.Context(), sym, category)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeData(w, map[string]any{"symbol": sym, "category": category, "price": price})
}

// symbolsHandler 列出可交易对
func (s *Server) symbolsHandler(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.symbols.AllSymbols(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeData(w, symbols)
}

// validateSymbolHandler 校验用户输入的交易对
func (s *Server) validateSymbolHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	normalized, ok, err := s.symbols.Validate(r.Context(), req.Symbol)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeData(w, map[string]any{"symbol": normalized, "valid": ok})
}

// positionsHandler 列出当前合约持仓（含盈亏）
func (s *Server) positionsHandler(w http.ResponseWriter, r *http.Request) {
	positions, err := s.positions.OpenPositions(r.Context(), models.CategoryLinear)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeData(w, positions)
}

// closePositionHandler 手动市价平仓：合约平持仓，现货卖出全部余额
func (s *Server) closePositionHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol   string `json:"symbol"`
		Category string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	sym := symbol.Normalize(req.Symbol)
	if req.Category == "" {
		req.Category = models.CategoryLinear
	}

	switch req.Category {
	case models.CategorySpot:
		s.closeSpotHolding(w, r, sym)
		return
	case models.CategoryLinear:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid category %q", req.Category))
		return
	}

	positions, err := s.positions.OpenPositions(r.Context(), models.CategoryLinear)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	for _, p := range positions {
		if p.Symbol != sym {
			continue
		}

		side := models.SideSell
		if p.Side == models.SideSell {
			side = models.SideBuy
		}

		step, err := s.symbols.QtyStep(r.Context(), sym)
		if err != nil {
			step = ""
		}
		qty := engine.FormatQuantity(sym, p.Size, step)

		if err := s.positions.PlaceMarketOrder(r.Context(), sym, models.CategoryLinear, side, qty, true); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}

		// 挂着的监控随仓位一起清掉
		s.engine.Disarm(sym)

		writeData(w, map[string]any{"symbol": sym, "qty": qty, "closed": true})
		return
	}

	writeError(w, http.StatusNotFound, fmt.Sprintf("no open position for %s", sym))
}

// closeSpotHolding 卖出现货全部可用余额
func (s *Server) closeSpotHolding(w http.ResponseWriter, r *http.Request, sym string) {
	base := strings.TrimSuffix(sym, "USDT")

	balance, err := s.positions.CoinBalance(r.Context(), base)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if balance <= 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no %s balance found", base))
		return
	}

	step, err := s.symbols.QtyStep(r.Context(), sym)
	if err != nil {
		step = ""
	}
	qty := engine.FormatQuantity(sym, balance, step)

	if err := s.positions.PlaceMarketOrder(r.Context(), sym, models.CategorySpot, models.SideSell, qty, false); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	// 挂着的监控随仓位一起清掉
	s.engine.Disarm(sym)

	writeData(w, map[string]any{"symbol": sym, "qty": qty, "closed": true})
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}
