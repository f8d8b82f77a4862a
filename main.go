package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"propex/src/balance"
	"propex/src/config"
	"propex/src/engine"
	"propex/src/events"
	"propex/src/handlers"
	"propex/src/ledger"
	"propex/src/logger"
	"propex/src/market"
	"propex/src/routes"
	"propex/src/settlement"
	"propex/src/stats"
	"propex/src/store"
)

func main() {
	configFile := "config.yaml"
	if f := os.Getenv("CONFIG_FILE"); f != "" {
		configFile = f
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		logger.Init(logger.Settings{})
		bootLog := logger.Get()
		bootLog.Fatal().Err(err).Str("config_file", configFile).Msg("Failed to load config")
	}

	logger.Init(logger.Settings{
		Level:  cfg.Log.Level,
		File:   cfg.Log.File,
		Pretty: cfg.Log.Format == "pretty",
	})
	defer logger.Close()
	log := logger.Get()

	log.Info().Msg("Initializing property token exchange")

	eventLog, err := store.Open(cfg.Store.Dir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.Store.Dir).Msg("Failed to open event log")
	}
	defer eventLog.Close()

	bus := events.NewBus(1024)
	defer bus.Close()

	bookLedger := ledger.New()

	dispatcher := settlement.NewDispatcher(
		&settlement.LoggingClient{Log: log},
		log,
		settlement.Options{
			AttemptTimeout: cfg.AttemptTimeout,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
		},
	)

	manager := market.NewManager(log, bookLedger, eventLog, bus, dispatcher, market.Options{
		QueueSize:     cfg.Market.QueueSize,
		SubmitTimeout: cfg.SubmitTimeout,
		SweepInterval: cfg.SweepInterval,
	})

	for _, ic := range cfg.Instruments {
		ins := engine.Instrument{
			ID:          ic.ID,
			TotalSupply: ic.TotalSupply,
			TickSize:    ic.TickSize,
			LotSize:     ic.LotSize,
		}
		if err := manager.RegisterInstrument(ins); err != nil {
			log.Fatal().Err(err).Str("instrument_id", ic.ID).Msg("Failed to register instrument")
		}
		log.Info().
			Str("instrument_id", ic.ID).
			Int64("total_supply", ic.TotalSupply).
			Int64("tick_size", ic.TickSize).
			Int64("lot_size", ic.LotSize).
			Msg("Instrument registered")
	}

	// Opening balances come from the durable balance database when a DSN is
	// configured; the yaml file otherwise (dev deployments).
	var source balance.Source
	if cfg.Database.DSN != "" {
		sqlSource, err := balance.NewSQLSource(cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to balance database")
		}
		defer sqlSource.Close()
		source = sqlSource
		log.Info().Msg("Opening balances from database")
	} else {
		source = balance.StaticSource(cfg.OpeningBalances)
		log.Info().Int("traders", len(cfg.OpeningBalances)).Msg("Opening balances from config")
	}

	openings, err := source.OpeningBalances(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load opening balances")
	}
	if err := balance.Apply(bookLedger, openings); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply opening balances")
	}

	// Replay must happen after balances are seeded and before any new traffic;
	// replayed events warm the statistics aggregator directly.
	aggregator := stats.New()
	if err := manager.Recover(func(e events.Event) {
		switch e.Type {
		case events.TypeTradeExecuted:
			if e.Trade != nil {
				aggregator.RecordTrade(*e.Trade)
			}
		case events.TypeTradeReversed:
			if e.Trade != nil {
				aggregator.RecordReversal(e.Trade.InstrumentID, e.Trade.ID)
			}
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("Event log replay failed")
	}

	dispatcher.Start(cfg.Settlement.Workers)
	manager.Start()

	statsCh, unsubscribe := bus.Subscribe()
	go aggregator.Run(statsCh)

	orderHandler := handlers.NewOrderHandler(manager, aggregator, eventLog)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}

			log.Error().
				Str("path", c.Path()).
				Str("method", c.Method()).
				Int("status", code).
				Str("error", err.Error()).
				Msg("Request error")

			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	app.Use(recover.New())
	routes.SetupRoutes(app, cfg, orderHandler)

	port := ":" + cfg.Server.Port

	serverError := make(chan error, 1)
	go func() {
		if err := app.Listen(port); err != nil {
			// edge case: ignore shutdown errors, only report real errors
			if err.Error() != "server is shutting down" {
				serverError <- err
			}
		}
	}()

	select {
	case err := <-serverError:
		log.Fatal().
			Err(err).
			Str("port", port).
			Str("hint", "Port may be already in use. Try: PORT=3000 go run main.go").
			Msg("Server failed to start")
	default:
		log.Info().
			Str("port", port).
			Msg("Property token exchange started")

		log.Info().
			Strs("endpoints", []string{
				"POST   /api/v1/orders",
				"DELETE /api/v1/orders/:id",
				"GET    /api/v1/orders/:id",
				"GET    /api/v1/orders",
				"GET    /api/v1/orderbook/:id",
				"GET    /api/v1/statistics/:id",
				"GET    /api/v1/candles/:id",
				"GET    /health",
				"GET    /metrics",
			}).
			Msg("API endpoints registered")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-quit
	log.Info().Msg("Received shutdown signal, shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		// edge case: timeout during shutdown is acceptable
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn().
				Dur("timeout", cfg.ShutdownTimeout).
				Msg("Timeout exceeded, shutting down...")
		} else {
			log.Error().
				Err(err).
				Msg("Error during shutdown")
		}
	} else {
		log.Info().Msg("HTTP server stopped")
	}

	// Order of teardown: stop accepting commands, then stop settlement, then
	// close subscribers. The event log is synced per append, so no flush step.
	manager.Close()
	dispatcher.Close()
	unsubscribe()

	log.Info().Msg("Shutdown complete")
}
