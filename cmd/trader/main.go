package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"perpcore/internal/advisor"
	"perpcore/internal/alerts"
	"perpcore/internal/audit"
	"perpcore/internal/config"
	"perpcore/internal/engine"
	"perpcore/internal/events"
	"perpcore/internal/exchange"
	"perpcore/internal/marketdata"
	"perpcore/internal/metrics"
	"perpcore/internal/position"
	"perpcore/internal/risk"
	"perpcore/internal/store"
)

// orphanStopPct is the protective stop distance armed on positions the
// reconciler adopts from the exchange. Adopted positions carry no advisor
// sizing context, so a fixed distance is used.
const orphanStopPct = 0.05

func main() {
	configPath := flag.String("config", "", "path to config file (defaults to ./configs/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("trader")

	logger.Info().
		Str("environment", cfg.App.Environment).
		Bool("paper_trading", cfg.Trading.PaperTrading).
		Strs("symbols", cfg.Trading.Symbols).
		Msg("Starting trading core")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Trader exited with error")
	}
	logger.Info().Msg("Trader stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	// Background services live on bgCtx; the scheduler gets its own child
	// so shutdown can stop new cycles first while monitors keep guarding
	// open positions until everything else is torn down.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	schedCtx, schedCancel := context.WithCancel(bgCtx)
	defer schedCancel()

	symbols := cfg.Trading.Symbols
	if len(symbols) == 0 {
		return fmt.Errorf("no trading symbols configured")
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port, logger)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	initCtx, initCancel := context.WithTimeout(bgCtx, 30*time.Second)
	secrets, err := config.LoadSecrets(initCtx, cfg)
	initCancel()
	if err != nil {
		return fmt.Errorf("load secrets: %w", err)
	}
	if !cfg.Trading.PaperTrading {
		if err := secrets.ValidateForLiveTrading(); err != nil {
			return fmt.Errorf("live trading credentials: %w", err)
		}
	}

	pub, err := events.Connect(cfg.NATS, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Event bus unavailable, continuing without it")
		pub = nil
	}
	if pub != nil {
		defer pub.Close()
	}

	alerter := buildAlerter(cfg, pub, logger)

	// Auth failures are fatal for trading: stop issuing new orders and let
	// the protective monitors quiesce open positions on the way down.
	var haltOnce sync.Once
	halt := func(reason string, cause error) {
		haltOnce.Do(func() {
			logger.Error().Err(cause).Str("reason", reason).Msg("Halting new trades")
			schedCancel()
		})
	}

	var gateway exchange.Gateway
	var paper *exchange.PaperExchange
	if cfg.Trading.PaperTrading {
		paper = exchange.NewPaperExchange(cfg.Trading.InitialCapital)
		gateway = paper
		logger.Info().Float64("initial_capital", cfg.Trading.InitialCapital).Msg("Paper trading gateway active")
	} else {
		live, err := exchange.NewBinanceFutures(exchange.BinanceConfig{
			APIKey:            secrets.ExchangeAPIKey,
			SecretKey:         secrets.ExchangeSecretKey,
			Testnet:           cfg.Exchange.Testnet,
			RequestsPerMinute: cfg.Exchange.RequestsPerMinute,
			RateLimitFraction: cfg.Exchange.RateLimitFraction,
			MaxParallelREST:   cfg.Exchange.MaxParallelREST,
			RetryConfig:       exchange.DefaultRetryConfig(),
			OnAuthFailure: func(err error) {
				_ = alerter.AuthFailure(bgCtx, cfg.Exchange.Name, err)
				halt("auth_failure", err)
			},
			OnRatePressure: func(hits int, window time.Duration) {
				_ = alerter.RateLimitPressure(bgCtx, cfg.Exchange.Name, hits, window)
			},
		})
		if err != nil {
			return fmt.Errorf("create exchange gateway: %w", err)
		}
		gateway = live
	}

	wsURL := exchange.BinanceFuturesWSURL
	if cfg.Exchange.Testnet {
		wsURL = exchange.BinanceFuturesTestnetWSURL
	}
	stream := exchange.NewTickerStream(wsURL, symbols,
		time.Duration(cfg.Exchange.WSStalenessMaxSec)*time.Second, logger)
	go func() {
		if err := stream.Run(bgCtx); err != nil && bgCtx.Err() == nil {
			logger.Error().Err(err).Msg("Ticker stream stopped")
		}
	}()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}
	cache := marketdata.NewSnapshotCache(redisClient,
		time.Duration(cfg.Market.CacheTTLSeconds)*time.Second, logger)

	// Store failures degrade to monitoring-only operation: decisions and
	// counters are not persisted, but trading and protection continue.
	st := openStore(bgCtx, cfg, logger)
	if st != nil {
		defer st.Close()
	}
	var posStore position.Store
	var decisions audit.DecisionWriter
	var counters engine.CounterStore
	if st != nil {
		posStore = st
		decisions = st
		counters = st
	}

	posMgr := position.NewManager(gateway, posStore, alerter, logger)
	if st != nil {
		loadCtx, loadCancel := context.WithTimeout(bgCtx, 10*time.Second)
		saved, err := st.LoadActivePositions(loadCtx)
		loadCancel()
		if err != nil {
			logger.Error().Err(err).Msg("Loading persisted positions failed")
		} else if n := posMgr.Restore(saved); n > 0 {
			logger.Info().Int("positions", n).Msg("Restored positions from store")
		}
	}

	breaker := risk.NewDailyLossBreaker(cfg.Risk.DailyLossLimitPct, func(lossUSD, limitUSD float64) {
		_ = alerter.DailyLossBreakerTripped(bgCtx, lossUSD, limitUSD)
		pub.BreakerTripped(lossUSD, limitUSD)
	}, logger)
	riskMgr := risk.NewManager(cfg.Risk, breaker, logger)

	adv, err := advisor.New(cfg.Advisor, cfg.Risk, symbols, secrets.AdvisorAPIKey, alerter, logger)
	if err != nil {
		return fmt.Errorf("create advisor: %w", err)
	}

	market, err := marketdata.NewService(cfg.Market, gateway, stream, cache, alerter, symbols, logger)
	if err != nil {
		return fmt.Errorf("create market data service: %w", err)
	}

	warmCtx, warmCancel := context.WithTimeout(bgCtx, 2*time.Minute)
	err = market.Warmup(warmCtx)
	warmCancel()
	if err != nil {
		if !cfg.Trading.PaperTrading {
			return fmt.Errorf("market data warmup: %w", err)
		}
		// The simulator has no history to backfill from; symbols stay
		// ineligible until enough live candles accumulate.
		logger.Warn().Err(err).Msg("Warmup incomplete, symbols trade once live candles accumulate")
	}
	go func() {
		if err := market.Run(bgCtx); err != nil && bgCtx.Err() == nil {
			logger.Error().Err(err).Msg("Market data service stopped")
		}
	}()

	prices := func(symbol string) (float64, bool) {
		px := market.LastPrice(symbol)
		return px, px > 0
	}
	monitor := position.NewMonitor(posMgr, gateway, prices, alerter, cfg.Risk.EmergencyLiquidationPct, logger)
	go monitor.Run(bgCtx)

	reconciler := position.NewReconciler(posMgr, gateway, alerter, orphanStopPct, logger)
	go reconciler.Run(bgCtx)
	reconciler.RunNow()

	if paper != nil {
		go pumpPaperPrices(bgCtx, paper, market, symbols)
	}

	instCtx, instCancel := context.WithTimeout(bgCtx, 30*time.Second)
	instruments, err := gateway.FetchInstruments(instCtx, symbols)
	instCancel()
	if err != nil {
		return fmt.Errorf("fetch instruments: %w", err)
	}

	eng := engine.New(engine.Params{
		Trading:     cfg.Trading,
		Gateway:     gateway,
		Market:      market,
		Adviser:     adv,
		Risk:        riskMgr,
		Positions:   posMgr,
		Recorder:    audit.NewRecorder(decisions, logger),
		Counters:    counters,
		Events:      pub,
		Instruments: instruments,
		Log:         logger,
	})

	schedDone := make(chan error, 1)
	go func() { schedDone <- eng.Scheduler().Run(schedCtx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		schedCancel()
		<-schedDone // waits for the in-flight cycle to drain
	case err := <-schedDone:
		if err != nil && schedCtx.Err() == nil {
			logger.Error().Err(err).Msg("Scheduler stopped unexpectedly")
		}
	}

	// New cycles have stopped; now stop the monitors, feed and store.
	bgCancel()
	if metricsServer != nil {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutCtx)
		shutCancel()
	}
	return nil
}

// buildAlerter assembles the alert fan-out: always the log emitter, the
// event bus when connected, plus Telegram when enabled and a bot token
// is present in the environment.
func buildAlerter(cfg *config.Config, pub *events.Publisher, logger zerolog.Logger) *alerts.Manager {
	emitters := []alerts.Alerter{alerts.NewLogAlerter()}
	if pub != nil {
		emitters = append(emitters, pub.AlertSink())
	}
	if cfg.Alerts.TelegramEnabled {
		token := os.Getenv("PERPCORE_TELEGRAM_BOT_TOKEN")
		if token == "" {
			logger.Warn().Msg("Telegram alerts enabled but PERPCORE_TELEGRAM_BOT_TOKEN is not set")
		} else if tg, err := alerts.NewTelegramAlerter(token, cfg.Alerts.TelegramChatIDs); err != nil {
			logger.Warn().Err(err).Msg("Telegram alerter unavailable")
		} else {
			emitters = append(emitters, tg)
		}
	}
	return alerts.NewManager(emitters...)
}

// openStore connects and migrates PostgreSQL. Failures are logged and
// return nil: the core degrades to monitoring-only persistence rather
// than refusing to protect open positions.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *store.Store {
	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	st, err := store.New(connCtx, cfg.Database, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Store unavailable, degrading to monitoring-only persistence")
		return nil
	}
	if err := st.Migrate(connCtx); err != nil {
		logger.Error().Err(err).Msg("Store migration failed, degrading to monitoring-only persistence")
		st.Close()
		return nil
	}
	return st
}

// pumpPaperPrices feeds the simulator's mark prices from the live feed so
// paper fills and stop triggers track the real market.
func pumpPaperPrices(ctx context.Context, paper *exchange.PaperExchange, market *marketdata.Service, symbols []string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range symbols {
				if px := market.LastPrice(sym); px > 0 {
					paper.SetMarkPrice(sym, px)
				}
			}
		}
	}
}
