package models

type SubmitOrderRequest struct {
	InstrumentID string `json:"instrument_id"`
	TraderID     string `json:"trader_id"`
	Side         string `json:"side"`
	Kind         string `json:"kind"`
	Price        int64  `json:"price,omitempty"` // cents, required for LIMIT, absent for MARKET
	Quantity     int64  `json:"quantity"`
	ExpiresAt    int64  `json:"expires_at,omitempty"` // unix ms, optional
}

type SubmitOrderResponse struct {
	OrderID           string      `json:"order_id"`
	Status            string      `json:"status"`
	FilledQuantity    int64       `json:"filled_quantity"`
	RemainingQuantity int64       `json:"remaining_quantity"`
	Trades            []TradeInfo `json:"trades"`
}

type TradeInfo struct {
	TradeID    string `json:"trade_id"`
	Price      int64  `json:"price"` // cents
	Quantity   int64  `json:"quantity"`
	ExecutedAt int64  `json:"executed_at"` // unix ms
}

type CancelOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type OrderView struct {
	OrderID         string `json:"order_id"`
	InstrumentID    string `json:"instrument_id"`
	TraderID        string `json:"trader_id"`
	Side            string `json:"side"`
	Kind            string `json:"kind"`
	Price           int64  `json:"price,omitempty"`
	Quantity        int64  `json:"quantity"`
	FilledQuantity  int64  `json:"filled_quantity"`
	RemainingAmount int64  `json:"remaining_amount"`
	Status          string `json:"status"`
	CreatedAt       int64  `json:"created_at"`
	ExpiresAt       int64  `json:"expires_at,omitempty"`
}

type OrderListResponse struct {
	InstrumentID string      `json:"instrument_id"`
	TraderID     string      `json:"trader_id"`
	Orders       []OrderView `json:"orders"`
}

type PriceLevelInfo struct {
	Price       int64 `json:"price"`
	TotalAmount int64 `json:"total_amount"`
	OrderCount  int   `json:"order_count"`
}

type OrderBookResponse struct {
	InstrumentID string           `json:"instrument_id"`
	Timestamp    int64            `json:"timestamp"` // unix ms
	Bids         []PriceLevelInfo `json:"bids"`      // highest first
	Asks         []PriceLevelInfo `json:"asks"`      // lowest first
	Spread       *int64           `json:"spread"`    // null when either side is empty
	MidPrice     *int64           `json:"mid_price"`
}

type StatisticsResponse struct {
	InstrumentID string  `json:"instrument_id"`
	Volume24h    int64   `json:"volume_24h"`
	Trades24h    int64   `json:"trades_24h"`
	High24h      *int64  `json:"high_24h"`
	Low24h       *int64  `json:"low_24h"`
	Change24h    float64 `json:"change_24h"`
	LastPrice    *int64  `json:"last_price"`
	BestBid      *int64  `json:"best_bid"`
	BestAsk      *int64  `json:"best_ask"`
	Spread       *int64  `json:"spread"`
}

type CandleInfo struct {
	Start  int64 `json:"start"` // unix ms, bucket open
	Open   int64 `json:"open"`
	High   int64 `json:"high"`
	Low    int64 `json:"low"`
	Close  int64 `json:"close"`
	Volume int64 `json:"volume"`
	Trades int64 `json:"trades"`
}

type CandlesResponse struct {
	InstrumentID string       `json:"instrument_id"`
	Interval     string       `json:"interval"`
	Candles      []CandleInfo `json:"candles"`
}

type HealthResponse struct {
	Status             string   `json:"status"`
	UptimeSeconds      int64    `json:"uptime_seconds"`
	Instruments        int      `json:"instruments"`
	HaltedInstruments  []string `json:"halted_instruments,omitempty"`
	EventsAppended     uint64   `json:"events_appended"`
}

type MetricsResponse struct {
	OrdersReceived         int64   `json:"orders_received"`
	OrdersAccepted         int64   `json:"orders_accepted"`
	OrdersRejected         int64   `json:"orders_rejected"`
	OrdersCancelled        int64   `json:"orders_cancelled"`
	TradesExecuted         int64   `json:"trades_executed"`
	LatencyP50Ms           float64 `json:"latency_p50_ms"`
	LatencyP99Ms           float64 `json:"latency_p99_ms"`
	LatencyP999Ms          float64 `json:"latency_p999_ms"`
	ThroughputOrdersPerSec float64 `json:"throughput_orders_per_sec"`
}
