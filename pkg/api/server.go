// Package api serves the exchange over REST and WebSocket. Handlers are
// thin: parse, call the engine, map sentinel errors to status codes.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openclearing/margincore/pkg/core"
	"github.com/openclearing/margincore/pkg/core/book"
	"github.com/openclearing/margincore/pkg/core/margin"
	"github.com/openclearing/margincore/pkg/core/position"
)

// Server handles REST and WebSocket traffic for one Exchange.
type Server struct {
	exchange *core.Exchange
	router   *mux.Router
	hub      *Hub
	log      *zap.Logger

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int

	allowedOrigins []string
}

// Config tunes the server; zero values get defaults.
type Config struct {
	AllowedOrigins []string
	RatePerSecond  float64
	RateBurst      int
}

func NewServer(exchange *core.Exchange, cfg Config, log *zap.Logger) *Server {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 100
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:3000"}
	}

	s := &Server{
		exchange:       exchange,
		router:         mux.NewRouter(),
		hub:            NewHub(log),
		log:            log,
		limiters:       make(map[string]*rate.Limiter),
		rateLimit:      rate.Limit(cfg.RatePerSecond),
		rateBurst:      cfg.RateBurst,
		allowedOrigins: cfg.AllowedOrigins,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.rateLimitMiddleware)

	// Market data
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{symbol}/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/markets/{symbol}/stats", s.handleGetStats).Methods("GET")
	api.HandleFunc("/markets/{symbol}/impact", s.handleGetImpact).Methods("GET")
	api.HandleFunc("/markets/{symbol}/settlement", s.handleGetSettlement).Methods("GET")

	// Accounts
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{address}/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/accounts/{address}/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/accounts/{address}/withdraw", s.handleWithdraw).Methods("POST")

	// Trading
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/positions/{address}/{symbol}/close", s.handleClosePosition).Methods("POST")

	// Settlement
	api.HandleFunc("/markets/{symbol}/settlement/request", s.handleRequestSettlement).Methods("POST")
	api.HandleFunc("/markets/{symbol}/settlement/propose", s.handlePropose).Methods("POST")
	api.HandleFunc("/markets/{symbol}/settlement/challenge", s.handleChallenge).Methods("POST")
	api.HandleFunc("/markets/{symbol}/settlement/resolve", s.handleResolve).Methods("POST")
	api.HandleFunc("/markets/{symbol}/settlement/finalize", s.handleFinalize).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start subscribes the hub to the event stream and serves until the
// listener fails.
func (s *Server) Start(addr string) error {
	events, cancel := s.exchange.Bus().Subscribe(1024)
	defer cancel()
	go s.hub.Run(events)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.log.Info("api server starting", zap.String("addr", addr))
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// rateLimitMiddleware enforces a per-client-IP token bucket.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		s.limitersMu.Lock()
		lim, ok := s.limiters[host]
		if !ok {
			lim = rate.NewLimiter(s.rateLimit, s.rateBurst)
			s.limiters[host] = lim
		}
		s.limitersMu.Unlock()

		if !lim.Allow() {
			respondError(w, http.StatusTooManyRequests, "rate limited", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---- market data handlers ----

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.exchange.ListMarkets()
	out := make([]MarketInfo, len(markets))
	for i, m := range markets {
		out[i] = MarketInfo{
			Symbol:               m.Symbol,
			BaseAsset:            m.BaseAsset,
			QuoteAsset:           m.QuoteAsset,
			State:                m.State.String(),
			TickSize:             m.TickSize,
			MinOrderSize:         m.MinOrderSize,
			MaxLeverage:          m.MaxLeverage,
			InitialMarginBps:     m.InitialMarginBps,
			MaintenanceMarginBps: m.MaintenanceMarginBps,
			TakerFeeBps:          m.TakerFeeBps,
			MakerFeeBps:          m.MakerFeeBps,
			MarkPrice:            m.MarkPrice,
			LastTradePrice:       m.LastTradePrice,
			TradingEndsAt:        m.TradingEndsAt,
			SettlesAt:            m.SettlesAt,
		}
	}
	respondJSON(w, out)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.exchange.GetMarket(mux.Vars(r)["symbol"])
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, MarketInfo{
		Symbol:               m.Symbol,
		BaseAsset:            m.BaseAsset,
		QuoteAsset:           m.QuoteAsset,
		State:                m.State.String(),
		TickSize:             m.TickSize,
		MinOrderSize:         m.MinOrderSize,
		MaxLeverage:          m.MaxLeverage,
		InitialMarginBps:     m.InitialMarginBps,
		MaintenanceMarginBps: m.MaintenanceMarginBps,
		TakerFeeBps:          m.TakerFeeBps,
		MakerFeeBps:          m.MakerFeeBps,
		MarkPrice:            m.MarkPrice,
		LastTradePrice:       m.LastTradePrice,
		TradingEndsAt:        m.TradingEndsAt,
		SettlesAt:            m.SettlesAt,
	})
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	bids, asks, err := s.exchange.Depth(symbol)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	toLevels := func(in []book.PriceLevel) []PriceLevel {
		out := make([]PriceLevel, len(in))
		for i, lvl := range in {
			out[i] = PriceLevel{Price: lvl.Price, Size: lvl.Qty}
		}
		return out
	}
	respondJSON(w, OrderbookSnapshot{
		Symbol:    symbol,
		Bids:      toLevels(bids),
		Asks:      toLevels(asks),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	fills, err := s.exchange.RecentTrades(symbol, limit)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	out := make([]TradeInfo, len(fills))
	for i, f := range fills {
		out[i] = tradeInfo(*f)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.exchange.MarketStats(mux.Vars(r)["symbol"])
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, StatsInfo{
		Symbol:       stats.Symbol,
		State:        stats.State.String(),
		LastPrice:    stats.LastPrice,
		MarkPrice:    stats.MarkPrice,
		BestBid:      stats.BestBid,
		BestAsk:      stats.BestAsk,
		MidPrice:     stats.MidPrice,
		OpenInterest: stats.OpenInterest,
		FundBalance:  s.exchange.InsuranceFund(),
	})
}

// handleGetImpact estimates the average execution price for a hypothetical
// market order of ?qty on ?side before it is sent.
func (s *Server) handleGetImpact(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	side, err := parseSide(r.URL.Query().Get("side"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", err.Error())
		return
	}
	qty, err := strconv.ParseInt(r.URL.Query().Get("qty"), 10, 64)
	if err != nil || qty <= 0 {
		respondError(w, http.StatusBadRequest, "invalid qty", r.URL.Query().Get("qty"))
		return
	}
	avg, fillable, err := s.exchange.PriceImpact(symbol, side, qty)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, ImpactInfo{
		Symbol:   symbol,
		Side:     side.String(),
		Qty:      qty,
		AvgPrice: avg,
		Fillable: fillable,
	})
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	rec, ok := s.exchange.GetSettlement(symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "no settlement record", symbol)
		return
	}
	info := SettlementInfo{
		Symbol:            rec.Symbol,
		Challenged:        rec.Challenged,
		ChallengeDeadline: rec.ChallengeDeadline,
		Final:             rec.Final,
	}
	if rec.HasProposal {
		info.Proposed = rec.Proposed.String()
		info.Proposer = rec.Proposer.Hex()
	}
	if rec.Challenged {
		info.Alternative = rec.Alternative.String()
	}
	if rec.Final {
		info.FinalValue = rec.FinalValue.String()
	}
	respondJSON(w, info)
}

// ---- account handlers ----

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r)
	if !ok {
		return
	}

	acc := s.exchange.GetAccount(addr)
	var unrealized int64
	for _, p := range s.exchange.GetPositions(addr) {
		if !p.Active {
			continue
		}
		if m, err := s.exchange.GetMarket(p.Symbol); err == nil {
			unrealized += p.UnrealizedPnL(m.MarkPrice)
		}
	}

	respondJSON(w, AccountInfo{
		Address:       addr.Hex(),
		Deposited:     acc.Deposited,
		Available:     acc.Available,
		Locked:        acc.Locked,
		RealizedPnL:   acc.RealizedPnL,
		UnrealizedPnL: unrealized,
		TotalEquity:   acc.Available + acc.Locked + unrealized,
		FeesPaid:      acc.FeesPaid,
		Rebates:       acc.Rebates,
	})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r)
	if !ok {
		return
	}

	out := []PositionInfo{}
	for _, p := range s.exchange.GetPositions(addr) {
		if !p.Active {
			continue
		}
		m, err := s.exchange.GetMarket(p.Symbol)
		if err != nil {
			continue
		}
		out = append(out, positionInfo(p, m.MarkPrice, margin.LiquidationPrice(&p, m)))
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r)
	if !ok {
		return
	}

	out := []OrderInfo{}
	for _, m := range s.exchange.ListMarkets() {
		orders, err := s.exchange.OpenOrders(m.Symbol, addr)
		if err != nil {
			continue
		}
		for _, o := range orders {
			out = append(out, orderInfo(o))
		}
	}
	respondJSON(w, out)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r)
	if !ok {
		return
	}
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := s.exchange.Deposit(addr, req.Amount); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r)
	if !ok {
		return
	}
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := s.exchange.Withdraw(addr, req.Amount); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

// ---- trading handlers ----

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Address) {
		respondError(w, http.StatusBadRequest, "invalid address", req.Address)
		return
	}

	o, err := orderFromRequest(&req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}

	fills, err := s.exchange.PlaceOrder(o)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	resp := SubmitOrderResponse{
		OrderID: o.ID,
		Status:  o.Status.String(),
		Filled:  o.Filled,
	}
	for _, f := range fills {
		resp.Fills = append(resp.Fills, tradeInfo(f))
	}
	respondJSON(w, resp)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Address) {
		respondError(w, http.StatusBadRequest, "invalid address", req.Address)
		return
	}

	o, err := s.exchange.CancelOrder(req.Symbol, req.OrderID, common.HexToAddress(req.Address))
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, orderInfo(*o))
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !common.IsHexAddress(vars["address"]) {
		respondError(w, http.StatusBadRequest, "invalid address", vars["address"])
		return
	}

	// Body is optional: an empty close request exits the full position at
	// whatever the book offers.
	var req ClosePositionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
	}

	realized, fills, err := s.exchange.ClosePosition(common.HexToAddress(vars["address"]), vars["symbol"], req.Qty, req.Bound)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	out := CloseResult{Realized: realized, Fills: make([]TradeInfo, len(fills))}
	for i, f := range fills {
		out.Fills[i] = tradeInfo(f)
	}
	respondJSON(w, out)
}

// ---- settlement handlers ----

func (s *Server) handleRequestSettlement(w http.ResponseWriter, r *http.Request) {
	if err := s.exchange.RequestSettlement(mux.Vars(r)["symbol"]); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "requested"})
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req ProposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	value, err := decimal.NewFromString(req.Value)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid value", req.Value)
		return
	}
	if !common.IsHexAddress(req.Address) {
		respondError(w, http.StatusBadRequest, "invalid address", req.Address)
		return
	}
	if err := s.exchange.ProposeSettlement(mux.Vars(r)["symbol"], value, common.HexToAddress(req.Address)); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "proposed"})
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	value, err := decimal.NewFromString(req.Value)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid value", req.Value)
		return
	}
	if !common.IsHexAddress(req.Address) {
		respondError(w, http.StatusBadRequest, "invalid address", req.Address)
		return
	}
	if err := s.exchange.ChallengeSettlement(mux.Vars(r)["symbol"], value, common.HexToAddress(req.Address)); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "challenged"})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	value, err := decimal.NewFromString(req.Value)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid value", req.Value)
		return
	}
	if err := s.exchange.ResolveSettlement(mux.Vars(r)["symbol"], value); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "resolved"})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	var caller common.Address
	if req.Address != "" {
		if !common.IsHexAddress(req.Address) {
			respondError(w, http.StatusBadRequest, "invalid address", req.Address)
			return
		}
		caller = common.HexToAddress(req.Address)
	}
	if err := s.exchange.Settle(mux.Vars(r)["symbol"], caller); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "settled"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ---- conversions ----

func orderFromRequest(req *SubmitOrderRequest) (*book.Order, error) {
	side, err := parseSide(req.Side)
	if err != nil {
		return nil, err
	}
	typ, err := parseType(req.Type)
	if err != nil {
		return nil, err
	}
	tif, err := parseTIF(req.TIF)
	if err != nil {
		return nil, err
	}
	return &book.Order{
		ID:         uuid.NewString(),
		Owner:      common.HexToAddress(req.Address),
		Symbol:     req.Symbol,
		Side:       side,
		Type:       typ,
		TIF:        tif,
		Price:      req.Price,
		Bound:      req.Bound,
		StopPrice:  req.StopPrice,
		Qty:        req.Size,
		DisplayQty: req.DisplayQty,
		ExpiresAt:  req.ExpiresAt,
		ReduceOnly: req.ReduceOnly,
	}, nil
}

func parseSide(s string) (book.Side, error) {
	switch strings.ToLower(s) {
	case "buy":
		return book.Buy, nil
	case "sell":
		return book.Sell, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

func parseType(s string) (book.OrderType, error) {
	switch strings.ToLower(s) {
	case "limit":
		return book.Limit, nil
	case "market":
		return book.Market, nil
	case "stop":
		return book.Stop, nil
	case "stop_limit":
		return book.StopLimit, nil
	case "iceberg":
		return book.Iceberg, nil
	}
	return 0, fmt.Errorf("unknown order type %q", s)
}

func parseTIF(s string) (book.TimeInForce, error) {
	switch strings.ToUpper(s) {
	case "GTC", "":
		return book.GTC, nil
	case "IOC":
		return book.IOC, nil
	case "FOK":
		return book.FOK, nil
	case "GTD":
		return book.GTD, nil
	}
	return 0, fmt.Errorf("unknown time in force %q", s)
}

func parseAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "invalid address", raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func tradeInfo(f book.Fill) TradeInfo {
	return TradeInfo{
		Symbol:    f.Symbol,
		Price:     f.Price,
		Size:      f.Qty,
		TakerSide: strings.ToLower(f.TakerSide.String()),
		Timestamp: f.Timestamp,
	}
}

func orderInfo(o book.Order) OrderInfo {
	return OrderInfo{
		ID:         o.ID,
		Symbol:     o.Symbol,
		Side:       strings.ToLower(o.Side.String()),
		Type:       o.Type.String(),
		TIF:        o.TIF.String(),
		Price:      o.Price,
		StopPrice:  o.StopPrice,
		Size:       o.Qty,
		Filled:     o.Filled,
		Remaining:  o.Remaining(),
		DisplayQty: o.DisplayQty,
		Status:     o.Status.String(),
		ExpiresAt:  o.ExpiresAt,
		CreatedAt:  o.CreatedAt,
	}
}

func positionInfo(p position.Position, mark, liqPrice int64) PositionInfo {
	return PositionInfo{
		ID:               p.ID,
		Symbol:           p.Symbol,
		Size:             p.Size,
		EntryPrice:       p.EntryPrice,
		MarkPrice:        mark,
		LiquidationPrice: liqPrice,
		UnrealizedPnL:    p.UnrealizedPnL(mark),
		Margin:           p.Margin,
		Leverage:         p.Leverage(mark),
	}
}

// respondEngineError maps engine sentinels to HTTP status codes.
func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrMarketNotFound),
		errors.Is(err, core.ErrOrderNotFound),
		errors.Is(err, core.ErrPositionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, core.ErrValidation),
		errors.Is(err, core.ErrInsufficientCollateral),
		errors.Is(err, core.ErrInsufficientLiquidity),
		errors.Is(err, core.ErrPriceBound):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrMarketClosed),
		errors.Is(err, core.ErrAlreadySettled),
		errors.Is(err, core.ErrAlreadyChallenged),
		errors.Is(err, core.ErrChallengeClosed),
		errors.Is(err, core.ErrNotFinalizable):
		status = http.StatusConflict
	default:
		s.log.Error("internal error", zap.Error(err))
	}
	respondError(w, status, http.StatusText(status), err.Error())
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg, Message: message})
}
