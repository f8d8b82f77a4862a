package handlers

import (
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"

	"propex/src/engine"
	"propex/src/models"
)

const (
	defaultDepthLevels = 20
	maxDepthLevels     = 100
)

func depthLevels(c *fiber.Ctx) int {
	levels := c.QueryInt("depth", defaultDepthLevels)
	if levels <= 0 {
		levels = defaultDepthLevels
	}
	if levels > maxDepthLevels {
		levels = maxDepthLevels
	}
	return levels
}

func levelInfos(levels []engine.DepthLevel) []models.PriceLevelInfo {
	out := make([]models.PriceLevelInfo, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, models.PriceLevelInfo{
			Price:       lvl.Price,
			TotalAmount: lvl.TotalAmount,
			OrderCount:  lvl.OrderCount,
		})
	}
	return out
}

func optional(v int64, ok bool) *int64 {
	if !ok {
		return nil
	}
	return &v
}

func (h *OrderHandler) GetOrderBook(c *fiber.Ctx) error {
	instrumentID := c.Params("id")

	view, err := h.Manager.BookSnapshot(c.UserContext(), instrumentID, depthLevels(c))
	if err != nil {
		return errorJSON(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(models.OrderBookResponse{
		InstrumentID: instrumentID,
		Timestamp:    engine.NowMs(),
		Bids:         levelInfos(view.Bids),
		Asks:         levelInfos(view.Asks),
		Spread:       optional(view.Spread, view.HasSpread),
		MidPrice:     optional(view.MidPrice, view.HasMidPrice),
	})
}

func (h *OrderHandler) GetStatistics(c *fiber.Ctx) error {
	instrumentID := c.Params("id")

	// Quote first so an unknown instrument is a 404 rather than an empty
	// statistics payload.
	quote, err := h.Manager.Quote(c.UserContext(), instrumentID)
	if err != nil {
		return errorJSON(c, err)
	}

	summary := h.Stats.Summary(instrumentID, engine.NowMs())

	resp := models.StatisticsResponse{
		InstrumentID: instrumentID,
		Volume24h:    summary.Volume24h,
		Trades24h:    summary.Trades24h,
		Change24h:    summary.Change24hPct,
		BestBid:      optional(quote.BestBid, quote.HasBestBid),
		BestAsk:      optional(quote.BestAsk, quote.HasBestAsk),
		Spread:       optional(quote.Spread, quote.HasSpread),
	}
	if summary.HasTrades {
		resp.High24h = &summary.High24h
		resp.Low24h = &summary.Low24h
	}
	// edge case: last_price survives an empty window via the pre-window
	// baseline; it is null only when the instrument has never traded
	if summary.LastPrice > 0 {
		resp.LastPrice = &summary.LastPrice
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

var candleIntervals = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

func (h *OrderHandler) GetCandles(c *fiber.Ctx) error {
	instrumentID := c.Params("id")

	if _, ok := h.Manager.Instrument(instrumentID); !ok {
		return errorJSON(c, &engine.UnknownInstrumentError{InstrumentID: instrumentID})
	}

	intervalName := c.Query("interval", "1m")
	interval, ok := candleIntervals[intervalName]
	if !ok {
		return errorJSON(c, &engine.ValidationError{
			Reason: "interval must be one of 1m, 5m, 15m, 1h, 4h, 1d",
		})
	}
	fill := c.QueryBool("fill", false)

	candles := h.Stats.Candles(instrumentID, interval, fill, engine.NowMs())

	infos := make([]models.CandleInfo, 0, len(candles))
	for _, cd := range candles {
		infos = append(infos, models.CandleInfo{
			Start:  cd.Start,
			Open:   cd.Open,
			High:   cd.High,
			Low:    cd.Low,
			Close:  cd.Close,
			Volume: cd.Volume,
			Trades: cd.Trades,
		})
	}
	return c.Status(fiber.StatusOK).JSON(models.CandlesResponse{
		InstrumentID: instrumentID,
		Interval:     intervalName,
		Candles:      infos,
	})
}

func (h *OrderHandler) HealthCheck(c *fiber.Ctx) error {
	halted := h.Manager.HaltedInstruments()
	status := "healthy"
	if len(halted) > 0 {
		status = "degraded"
	}
	return c.Status(fiber.StatusOK).JSON(models.HealthResponse{
		Status:            status,
		UptimeSeconds:     int64(time.Since(h.StartTime).Seconds()),
		Instruments:       len(h.Manager.Instruments()),
		HaltedInstruments: halted,
		EventsAppended:    h.EventLog.Len(),
	})
}

func (h *OrderHandler) GetMetrics(c *fiber.Ctx) error {
	p50, p99, p999 := h.latencyPercentiles()

	received := atomic.LoadInt64(&h.OrdersReceived)
	uptime := time.Since(h.StartTime).Seconds()
	var throughput float64
	if uptime > 0 {
		throughput = float64(received) / uptime
	}

	return c.Status(fiber.StatusOK).JSON(models.MetricsResponse{
		OrdersReceived:         received,
		OrdersAccepted:         atomic.LoadInt64(&h.OrdersAccepted),
		OrdersRejected:         atomic.LoadInt64(&h.OrdersRejected),
		OrdersCancelled:        atomic.LoadInt64(&h.OrdersCancelled),
		TradesExecuted:         atomic.LoadInt64(&h.TradesExecuted),
		LatencyP50Ms:           p50,
		LatencyP99Ms:           p99,
		LatencyP999Ms:          p999,
		ThroughputOrdersPerSec: throughput,
	})
}
