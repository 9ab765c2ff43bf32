package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"perpcore/internal/metrics"
)

const (
	initialReconnectWait = 1 * time.Second
	maxReconnectWait     = 32 * time.Second
	wsWriteTimeout       = 10 * time.Second
	tickBufferSize       = 256
)

// BinanceFuturesWSURL is the combined-stream endpoint for USD-M futures
const BinanceFuturesWSURL = "wss://fstream.binance.com/stream"

// BinanceFuturesTestnetWSURL is the testnet equivalent
const BinanceFuturesTestnetWSURL = "wss://stream.binancefuture.com/stream"

// TickerStream maintains one websocket connection carrying aggregated trade
// updates for all configured symbols. It reconnects with exponential backoff
// (1s doubling to a 32s cap), enforces a read deadline so silent server
// failures surface, and discards ticks whose exchange timestamp is older
// than the staleness cutoff.
type TickerStream struct {
	url          string
	symbols      []string
	stalenessMax time.Duration

	tickCh chan Tick

	mu       sync.RWMutex
	lastTick map[string]time.Time

	log zerolog.Logger
}

// NewTickerStream creates a stream for the given symbols. baseURL is the
// combined-stream endpoint; stalenessMax is the cutoff beyond which ticks
// are discarded and the symbol is reported stale.
func NewTickerStream(baseURL string, symbols []string, stalenessMax time.Duration, log zerolog.Logger) *TickerStream {
	return &TickerStream{
		url:          buildStreamURL(baseURL, symbols),
		symbols:      symbols,
		stalenessMax: stalenessMax,
		tickCh:       make(chan Tick, tickBufferSize),
		lastTick:     make(map[string]time.Time),
		log:          log.With().Str("component", "ticker_stream").Logger(),
	}
}

func buildStreamURL(baseURL string, symbols []string) string {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@aggTrade"
	}
	return baseURL + "?streams=" + strings.Join(streams, "/")
}

// Ticks returns the stream of validated price updates
func (s *TickerStream) Ticks() <-chan Tick { return s.tickCh }

// Stale reports whether the feed for symbol has gone silent
func (s *TickerStream) Stale(symbol string) bool {
	s.mu.RLock()
	last, ok := s.lastTick[symbol]
	s.mu.RUnlock()
	if !ok {
		return true
	}
	age := time.Since(last)
	metrics.WSStaleness.WithLabelValues(symbol).Set(age.Seconds())
	return age > s.stalenessMax
}

// LastTick returns the time the last tick for symbol was received
func (s *TickerStream) LastTick(symbol string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTick[symbol]
}

// Run connects and maintains the websocket with auto-reconnect. Blocks until
// ctx is cancelled.
func (s *TickerStream) Run(ctx context.Context) error {
	backoff := initialReconnectWait

	for {
		start := time.Now()
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that lived a while resets the backoff ladder.
		if time.Since(start) > time.Minute {
			backoff = initialReconnectWait
		}

		metrics.WSReconnects.Inc()
		s.log.Warn().
			Err(err).
			Dur("backoff", backoff).
			Msg("Websocket disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (s *TickerStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// The server pings periodically; refreshing the read deadline from the
	// ping handler keeps a healthy-but-quiet connection alive.
	readDeadline := 2 * s.stalenessMax
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	s.log.Info().Int("symbols", len(s.symbols)).Msg("Websocket connected")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.dispatchMessage(msg)
	}
}

// aggTradeEvent is the payload of one combined-stream trade message
type aggTradeEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

func (s *TickerStream) dispatchMessage(data []byte) {
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.log.Debug().Msg("Ignoring non-JSON websocket message")
		return
	}

	var evt aggTradeEvent
	if err := json.Unmarshal(envelope.Data, &evt); err != nil || evt.EventType != "aggTrade" {
		return
	}

	price, err := strconv.ParseFloat(evt.Price, 64)
	if err != nil || price <= 0 {
		s.log.Warn().Str("symbol", evt.Symbol).Str("price", evt.Price).Msg("Rejecting tick with invalid price")
		return
	}
	qty, _ := strconv.ParseFloat(evt.Quantity, 64)

	now := time.Now()
	exchangeTS := time.UnixMilli(evt.TradeTime)

	// A tick the exchange stamped before the staleness cutoff is useless
	// and marks the symbol stale rather than silently serving old data.
	if now.Sub(exchangeTS) > s.stalenessMax {
		s.log.Warn().
			Str("symbol", evt.Symbol).
			Time("exchange_ts", exchangeTS).
			Msg("Discarding stale tick")
		return
	}

	s.mu.Lock()
	s.lastTick[evt.Symbol] = now
	s.mu.Unlock()
	metrics.WSStaleness.WithLabelValues(evt.Symbol).Set(0)

	tick := Tick{
		Symbol:     evt.Symbol,
		Price:      price,
		Quantity:   qty,
		ExchangeTS: exchangeTS,
		ReceivedAt: now,
	}

	select {
	case s.tickCh <- tick:
	default:
		s.log.Warn().Str("symbol", evt.Symbol).Msg("Tick channel full, dropping tick")
	}
}
