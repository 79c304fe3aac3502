package api

// Request and response shapes for the REST endpoints and WebSocket
// messages. Prices are integer quote units, sizes integer base units.

type MarketInfo struct {
	Symbol               string `json:"symbol"`
	BaseAsset            string `json:"baseAsset"`
	QuoteAsset           string `json:"quoteAsset"`
	State                string `json:"state"` // Active, TradingEnded, SettlementRequested, Settled
	TickSize             int64  `json:"tickSize"`
	MinOrderSize         int64  `json:"minOrderSize"`
	MaxLeverage          int64  `json:"maxLeverage"`
	InitialMarginBps     int64  `json:"initialMarginBps"`
	MaintenanceMarginBps int64  `json:"maintenanceMarginBps"`
	TakerFeeBps          int64  `json:"takerFeeBps"`
	MakerFeeBps          int64  `json:"makerFeeBps"`
	MarkPrice            int64  `json:"markPrice"`
	LastTradePrice       int64  `json:"lastTradePrice"`
	TradingEndsAt        int64  `json:"tradingEndsAt"`
	SettlesAt            int64  `json:"settlesAt"`
}

type OrderbookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"` // high to low
	Asks      []PriceLevel `json:"asks"` // low to high
	Timestamp int64        `json:"timestamp"`
}

type PriceLevel struct {
	Price int64 `json:"price"`
	Size  int64 `json:"size"`
}

type TradeInfo struct {
	Symbol    string `json:"symbol"`
	Price     int64  `json:"price"`
	Size      int64  `json:"size"`
	TakerSide string `json:"takerSide"`
	Timestamp int64  `json:"timestamp"`
}

type AccountInfo struct {
	Address       string `json:"address"`
	Deposited     int64  `json:"deposited"`
	Available     int64  `json:"available"`
	Locked        int64  `json:"locked"`
	RealizedPnL   int64  `json:"realizedPnl"`
	UnrealizedPnL int64  `json:"unrealizedPnl"`
	TotalEquity   int64  `json:"totalEquity"`
	FeesPaid      int64  `json:"feesPaid"`
	Rebates       int64  `json:"rebates"`
}

type PositionInfo struct {
	ID               string `json:"id"`
	Symbol           string `json:"symbol"`
	Size             int64  `json:"size"` // signed, long positive
	EntryPrice       int64  `json:"entryPrice"`
	MarkPrice        int64  `json:"markPrice"`
	LiquidationPrice int64  `json:"liquidationPrice"`
	UnrealizedPnL    int64  `json:"unrealizedPnl"`
	Margin           int64  `json:"margin"`
	Leverage         int64  `json:"leverage"`
}

type OrderInfo struct {
	ID         string `json:"id"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Type       string `json:"type"`
	TIF        string `json:"tif"`
	Price      int64  `json:"price"`
	StopPrice  int64  `json:"stopPrice,omitempty"`
	Size       int64  `json:"size"`
	Filled     int64  `json:"filled"`
	Remaining  int64  `json:"remaining"`
	DisplayQty int64  `json:"displayQty,omitempty"`
	Status     string `json:"status"`
	ExpiresAt  int64  `json:"expiresAt,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
}

type SettlementInfo struct {
	Symbol            string `json:"symbol"`
	Proposed          string `json:"proposed,omitempty"`
	Proposer          string `json:"proposer,omitempty"`
	ChallengeDeadline int64  `json:"challengeDeadline,omitempty"`
	Challenged        bool   `json:"challenged"`
	Alternative       string `json:"alternative,omitempty"`
	Final             bool   `json:"final"`
	FinalValue        string `json:"finalValue,omitempty"`
}

type StatsInfo struct {
	Symbol       string `json:"symbol"`
	State        string `json:"state"`
	LastPrice    int64  `json:"lastPrice"`
	MarkPrice    int64  `json:"markPrice"`
	BestBid      int64  `json:"bestBid"`
	BestAsk      int64  `json:"bestAsk"`
	MidPrice     int64  `json:"midPrice"`
	OpenInterest int64  `json:"openInterest"`
	FundBalance  int64  `json:"fundBalance"`
}

// ImpactInfo is the pre-trade estimate for a hypothetical market order:
// the depth-weighted average price and how much of qty the book covers.
type ImpactInfo struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Qty      int64  `json:"qty"`
	AvgPrice int64  `json:"avgPrice"`
	Fillable int64  `json:"fillable"`
}

// SubmitOrderRequest is the payload for POST /api/v1/orders.
type SubmitOrderRequest struct {
	Address    string `json:"address"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"` // "buy" | "sell"
	Type       string `json:"type"` // "limit" | "market" | "stop" | "stop_limit" | "iceberg"
	TIF        string `json:"tif"`  // "GTC" | "IOC" | "FOK" | "GTD"
	Price      int64  `json:"price,omitempty"`
	Bound      int64  `json:"bound,omitempty"`
	StopPrice  int64  `json:"stopPrice,omitempty"`
	Size       int64  `json:"size"`
	DisplayQty int64  `json:"displayQty,omitempty"`
	ExpiresAt  int64  `json:"expiresAt,omitempty"`
	ReduceOnly bool   `json:"reduceOnly,omitempty"`
}

type SubmitOrderResponse struct {
	OrderID string      `json:"orderId"`
	Status  string      `json:"status"`
	Filled  int64       `json:"filled"`
	Fills   []TradeInfo `json:"fills,omitempty"`
}

type CancelOrderRequest struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	OrderID string `json:"orderId"`
}

// ClosePositionRequest narrows a close. Zero Qty closes the whole position;
// zero Bound lets the engine derive the worst price from visible depth.
type ClosePositionRequest struct {
	Qty   int64 `json:"qty,omitempty"`
	Bound int64 `json:"bound,omitempty"`
}

// CloseResult reports a close: the PnL realized on the closed quantity and
// the fills that produced it.
type CloseResult struct {
	Realized int64       `json:"realized"`
	Fills    []TradeInfo `json:"fills"`
}

type TransferRequest struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

type ProposeRequest struct {
	Address string `json:"address"`
	Value   string `json:"value"` // decimal settlement value
}

type ChallengeRequest struct {
	Address string `json:"address"`
	Value   string `json:"value"`
}

type ResolveRequest struct {
	Value string `json:"value"`
}

type SettleRequest struct {
	Address string `json:"address"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WSSubscribeRequest subscribes or unsubscribes event channels, e.g.
// ["trades:BTC-USD", "orderbook:BTC-USD", "liquidations"].
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" | "unsubscribe"
	Channels []string `json:"channels"`
}

type WSEvent struct {
	Type      string      `json:"type"`
	Symbol    string      `json:"symbol"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}
