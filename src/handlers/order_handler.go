package handlers

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"propex/src/engine"
	"propex/src/ledger"
	"propex/src/market"
	"propex/src/models"
	"propex/src/stats"
	"propex/src/store"
)

type OrderHandler struct {
	Manager   *market.Manager
	Stats     *stats.Aggregator
	EventLog  *store.EventLog
	StartTime time.Time

	OrdersReceived  int64
	OrdersAccepted  int64
	OrdersRejected  int64
	OrdersCancelled int64
	TradesExecuted  int64

	latencies    []time.Duration
	latenciesMu  sync.RWMutex
	maxLatencies int
}

func NewOrderHandler(manager *market.Manager, agg *stats.Aggregator, eventLog *store.EventLog) *OrderHandler {
	return &OrderHandler{
		Manager:      manager,
		Stats:        agg,
		EventLog:     eventLog,
		StartTime:    time.Now(),
		latencies:    make([]time.Duration, 0, 10000),
		maxLatencies: 10000,
	}
}

// statusForError maps the core's typed errors onto HTTP statuses; every
// rejection carries a specific reason so clients can tell "change the price"
// from "top up the balance" from "try again later".
func statusForError(err error) int {
	var (
		validation  *engine.ValidationError
		balance     *ledger.InsufficientBalanceError
		unknownIns  *engine.UnknownInstrumentError
		notFound    *engine.NotFoundError
		forbidden   *engine.ForbiddenError
		terminal    *engine.AlreadyTerminalError
		halted      *engine.HaltedError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &balance):
		return fiber.StatusBadRequest
	case errors.As(err, &unknownIns), errors.As(err, &notFound):
		return fiber.StatusNotFound
	case errors.As(err, &forbidden):
		return fiber.StatusForbidden
	case errors.As(err, &terminal):
		return fiber.StatusConflict
	case errors.As(err, &halted):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

func errorJSON(c *fiber.Ctx, err error) error {
	code := statusForError(err)
	msg := err.Error()
	if code == fiber.StatusGatewayTimeout {
		// edge case: on timeout the command may still be processing; the
		// caller must re-query order status rather than assume an outcome
		msg = "request timed out; order state is unknown, re-query order status"
	} else if code == fiber.StatusInternalServerError {
		msg = "internal server error"
	}
	return c.Status(code).JSON(models.ErrorResponse{Error: msg})
}

func validateSubmitOrderRequest(req *models.SubmitOrderRequest) error {
	if req.InstrumentID == "" {
		return &engine.ValidationError{Reason: "instrument_id is required"}
	}
	if req.TraderID == "" {
		return &engine.ValidationError{Reason: "trader_id is required"}
	}
	if req.Side != string(engine.SideBuy) && req.Side != string(engine.SideSell) {
		return &engine.ValidationError{Reason: "side must be BUY or SELL"}
	}
	if req.Kind != string(engine.KindLimit) && req.Kind != string(engine.KindMarket) {
		return &engine.ValidationError{Reason: "kind must be LIMIT or MARKET"}
	}
	if req.Quantity <= 0 {
		return &engine.ValidationError{Reason: "quantity must be positive"}
	}
	if req.Kind == string(engine.KindLimit) && req.Price <= 0 {
		return &engine.ValidationError{Reason: "price must be positive for LIMIT orders"}
	}
	if req.Kind == string(engine.KindMarket) && req.Price != 0 {
		return &engine.ValidationError{Reason: "price must be absent for MARKET orders"}
	}
	return nil
}

func (h *OrderHandler) SubmitOrder(c *fiber.Ctx) error {
	var req models.SubmitOrderRequest
	if err := c.BodyParser(&req); err != nil {
		log.Warn().
			Err(err).
			Str("ip", c.IP()).
			Msg("Invalid request: malformed JSON")
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "invalid request: malformed JSON",
		})
	}

	atomic.AddInt64(&h.OrdersReceived, 1)

	if err := validateSubmitOrderRequest(&req); err != nil {
		atomic.AddInt64(&h.OrdersRejected, 1)
		log.Warn().
			Err(err).
			Str("instrument_id", req.InstrumentID).
			Str("trader_id", req.TraderID).
			Str("ip", c.IP()).
			Msg("Invalid order request")
		return errorJSON(c, err)
	}

	start := time.Now()
	result, err := h.Manager.Submit(c.UserContext(), market.SubmitRequest{
		InstrumentID: req.InstrumentID,
		TraderID:     req.TraderID,
		Side:         engine.OrderSide(req.Side),
		Kind:         engine.OrderKind(req.Kind),
		Price:        req.Price,
		Quantity:     req.Quantity,
		ExpiresAt:    req.ExpiresAt,
	})
	h.recordLatency(time.Since(start))

	if err != nil {
		atomic.AddInt64(&h.OrdersRejected, 1)
		log.Warn().
			Err(err).
			Str("instrument_id", req.InstrumentID).
			Str("trader_id", req.TraderID).
			Msg("Order rejected")
		return errorJSON(c, err)
	}

	atomic.AddInt64(&h.OrdersAccepted, 1)
	atomic.AddInt64(&h.TradesExecuted, int64(len(result.Trades)))

	trades := make([]models.TradeInfo, 0, len(result.Trades))
	for _, t := range result.Trades {
		trades = append(trades, models.TradeInfo{
			TradeID:    t.ID,
			Price:      t.Price,
			Quantity:   t.Quantity,
			ExecutedAt: t.ExecutedAt,
		})
	}

	response := models.SubmitOrderResponse{
		OrderID:           result.Order.ID,
		Status:            string(result.Order.Status),
		FilledQuantity:    result.Order.FilledQuantity,
		RemainingQuantity: result.Order.RemainingQuantity(),
		Trades:            trades,
	}

	switch result.Order.Status {
	case engine.StatusFilled:
		return c.Status(fiber.StatusOK).JSON(response)
	case engine.StatusPartialFill:
		return c.Status(fiber.StatusAccepted).JSON(response)
	default:
		return c.Status(fiber.StatusCreated).JSON(response)
	}
}

// requester identity comes from the X-Trader-ID header (auth is an external
// collaborator; the header is what it injects after verification).
func requesterID(c *fiber.Ctx) string {
	if id := c.Get("X-Trader-ID"); id != "" {
		return id
	}
	return c.Query("trader_id")
}

func (h *OrderHandler) CancelOrder(c *fiber.Ctx) error {
	orderID := c.Params("id")
	requester := requesterID(c)
	if requester == "" {
		return errorJSON(c, &engine.ValidationError{Reason: "X-Trader-ID header is required"})
	}

	order, err := h.Manager.Cancel(c.UserContext(), orderID, requester)
	if err != nil {
		log.Warn().
			Err(err).
			Str("order_id", orderID).
			Str("requester", requester).
			Msg("Cancel rejected")
		return errorJSON(c, err)
	}

	atomic.AddInt64(&h.OrdersCancelled, 1)
	log.Info().
		Str("order_id", orderID).
		Str("instrument_id", order.InstrumentID).
		Msg("Order cancelled")

	return c.Status(fiber.StatusOK).JSON(models.CancelOrderResponse{
		OrderID: orderID,
		Status:  string(engine.StatusCancelled),
	})
}

func orderView(o engine.Order) models.OrderView {
	return models.OrderView{
		OrderID:         o.ID,
		InstrumentID:    o.InstrumentID,
		TraderID:        o.TraderID,
		Side:            string(o.Side),
		Kind:            string(o.Kind),
		Price:           o.Price,
		Quantity:        o.Quantity,
		FilledQuantity:  o.FilledQuantity,
		RemainingAmount: o.RemainingQuantity(),
		Status:          string(o.Status),
		CreatedAt:       o.CreatedAt,
		ExpiresAt:       o.ExpiresAt,
	}
}

func (h *OrderHandler) GetOrder(c *fiber.Ctx) error {
	order, err := h.Manager.Order(c.UserContext(), c.Params("id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(orderView(order))
}

func (h *OrderHandler) ListOrders(c *fiber.Ctx) error {
	instrumentID := c.Query("instrument_id")
	traderID := c.Query("trader_id")
	if instrumentID == "" || traderID == "" {
		return errorJSON(c, &engine.ValidationError{Reason: "instrument_id and trader_id are required"})
	}

	orders, err := h.Manager.TraderOrders(c.UserContext(), instrumentID, traderID)
	if err != nil {
		return errorJSON(c, err)
	}

	views := make([]models.OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, orderView(o))
	}
	return c.Status(fiber.StatusOK).JSON(models.OrderListResponse{
		InstrumentID: instrumentID,
		TraderID:     traderID,
		Orders:       views,
	})
}

func (h *OrderHandler) recordLatency(latency time.Duration) {
	h.latenciesMu.Lock()
	defer h.latenciesMu.Unlock()

	h.latencies = append(h.latencies, latency)
	// edge case: maintain rolling window by removing oldest measurements
	if len(h.latencies) > h.maxLatencies {
		h.latencies = h.latencies[len(h.latencies)-h.maxLatencies:]
	}
}

func (h *OrderHandler) latencyPercentiles() (p50, p99, p999 float64) {
	h.latenciesMu.RLock()
	defer h.latenciesMu.RUnlock()

	if len(h.latencies) == 0 {
		return 0, 0, 0
	}

	sorted := make([]time.Duration, len(h.latencies))
	copy(sorted, h.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	at := func(q float64) float64 {
		idx := int(float64(len(sorted)) * q)
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return float64(sorted[idx].Nanoseconds()) / 1e6
	}
	return at(0.50), at(0.99), at(0.999)
}
