package stats

import (
	"sync"
	"time"

	"propex/src/events"
)

// Window is the trailing period over which volume, high/low, and change are
// reported.
const Window = 24 * time.Hour

type tradePoint struct {
	id       string
	price    int64
	quantity int64
	at       int64 // unix ms
}

type instrumentSeries struct {
	trades []tradePoint // ascending by execution time
	// last trade price seen before the retained window; baseline for change_24h
	baselinePrice int64
	hasBaseline   bool
}

// Aggregator is a read-only projection over the trade event stream: trailing
// 24h volume/count/high/low/last/change and OHLC candles. It is always
// derivable from the durable event log and never a source of truth. Reversed
// trades are dropped from the series.
type Aggregator struct {
	mu     sync.RWMutex
	series map[string]*instrumentSeries
}

func New() *Aggregator {
	return &Aggregator{series: make(map[string]*instrumentSeries)}
}

// Run consumes the event bus until the channel closes. Only trade events
// matter here; order events pass through untouched.
func (a *Aggregator) Run(ch <-chan events.Event) {
	for e := range ch {
		switch e.Type {
		case events.TypeTradeExecuted:
			if e.Trade != nil {
				a.RecordTrade(*e.Trade)
			}
		case events.TypeTradeReversed:
			if e.Trade != nil {
				a.RecordReversal(e.Trade.InstrumentID, e.Trade.ID)
			}
		}
	}
}

func (a *Aggregator) instrument(id string) *instrumentSeries {
	s, ok := a.series[id]
	if !ok {
		s = &instrumentSeries{}
		a.series[id] = s
	}
	return s
}

// RecordTrade appends one executed trade. Also used during recovery, fed
// directly from the replayed event log.
func (a *Aggregator) RecordTrade(t events.TradeRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.instrument(t.InstrumentID)
	s.trades = append(s.trades, tradePoint{
		id:       t.ID,
		price:    t.Price,
		quantity: t.Quantity,
		at:       t.ExecutedAt,
	})
}

// RecordReversal removes a permanently failed trade from the series.
func (a *Aggregator) RecordReversal(instrumentID, tradeID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.series[instrumentID]
	if !ok {
		return
	}
	for i, t := range s.trades {
		if t.id == tradeID {
			s.trades = append(s.trades[:i], s.trades[i+1:]...)
			return
		}
	}
}

// prune drops trades older than the window, remembering the last dropped price
// as the change baseline. Caller holds the write lock.
func (s *instrumentSeries) prune(nowMs int64) {
	cutoff := nowMs - Window.Milliseconds()
	i := 0
	for i < len(s.trades) && s.trades[i].at < cutoff {
		s.baselinePrice = s.trades[i].price
		s.hasBaseline = true
		i++
	}
	if i > 0 {
		s.trades = append(s.trades[:0], s.trades[i:]...)
	}
}

// Summary is the trailing-window view of one instrument's trading activity.
// Book-derived fields (best bid/ask, spread) are filled in by the caller from
// the live order book, not from trade history.
type Summary struct {
	Volume24h    int64
	Trades24h    int64
	High24h      int64
	Low24h       int64
	LastPrice    int64
	Change24hPct float64
	HasTrades    bool
}

func (a *Aggregator) Summary(instrumentID string, nowMs int64) Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.series[instrumentID]
	if !ok {
		return Summary{}
	}
	s.prune(nowMs)

	var out Summary
	for _, t := range s.trades {
		if !out.HasTrades {
			out.High24h, out.Low24h = t.price, t.price
			out.HasTrades = true
		} else {
			if t.price > out.High24h {
				out.High24h = t.price
			}
			if t.price < out.Low24h {
				out.Low24h = t.price
			}
		}
		out.Volume24h += t.quantity
		out.Trades24h++
		out.LastPrice = t.price
	}
	if !out.HasTrades {
		if s.hasBaseline {
			out.LastPrice = s.baselinePrice
		}
		return out
	}

	// change_24h against the last price before the window; if the instrument
	// has no history that old, against the first in-window trade.
	base := s.baselinePrice
	if !s.hasBaseline {
		base = s.trades[0].price
	}
	if base > 0 {
		out.Change24hPct = float64(out.LastPrice-base) / float64(base) * 100
	}
	return out
}

// Candle is one fixed-width OHLC bucket.
type Candle struct {
	Start  int64 `json:"start"` // unix ms, bucket open
	Open   int64 `json:"open"`
	High   int64 `json:"high"`
	Low    int64 `json:"low"`
	Close  int64 `json:"close"`
	Volume int64 `json:"volume"`
	Trades int64 `json:"trades"`
}

// Candles groups the retained trade history into fixed-width buckets. Buckets
// with no trades are omitted unless fill is set, in which case they carry the
// previous close with zero volume.
func (a *Aggregator) Candles(instrumentID string, interval time.Duration, fill bool, nowMs int64) []Candle {
	if interval <= 0 {
		interval = time.Minute
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.series[instrumentID]
	if !ok {
		return nil
	}
	s.prune(nowMs)
	if len(s.trades) == 0 {
		return nil
	}

	width := interval.Milliseconds()
	candles := make([]Candle, 0)
	var cur *Candle

	flushGap := func(fromStart, toStart int64, prevClose int64) {
		if !fill {
			return
		}
		for start := fromStart; start < toStart; start += width {
			candles = append(candles, Candle{
				Start: start,
				Open:  prevClose,
				High:  prevClose,
				Low:   prevClose,
				Close: prevClose,
			})
		}
	}

	for _, t := range s.trades {
		start := t.at - t.at%width
		if cur == nil || cur.Start != start {
			if cur != nil {
				prev := *cur
				candles = append(candles, prev)
				flushGap(prev.Start+width, start, prev.Close)
			}
			cur = &Candle{Start: start, Open: t.price, High: t.price, Low: t.price}
		}
		if t.price > cur.High {
			cur.High = t.price
		}
		if t.price < cur.Low {
			cur.Low = t.price
		}
		cur.Close = t.price
		cur.Volume += t.quantity
		cur.Trades++
	}
	if cur != nil {
		candles = append(candles, *cur)
	}
	return candles
}
