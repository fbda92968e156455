package engine

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"marginengine/src/balance"
	"marginengine/src/connectors"
	"marginengine/src/controller"
	"marginengine/src/database"
	"marginengine/src/executors"
	"marginengine/src/funding"
	"marginengine/src/handler"
	"marginengine/src/marketdata"
	"marginengine/src/model"
	"marginengine/src/notify"
	"marginengine/src/pricing"
	"marginengine/src/repository"
	"marginengine/src/server"
	"marginengine/src/trading"
)

// Engine runs the pricing loops, the deposit countdowns, the open position sync and the
// diagnostics server in one process.
type Engine struct{}

func (e *Engine) Start() error {
	config := GetConfig()
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	// Initialize main (read/write) database
	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Error("Failed to connect to main database")
		return err
	}

	// Initialize read-only database
	if err := database.InitReadOnlyDB(); err != nil {
		logrus.WithError(err).Error("Failed to connect to read-only database")
		return err
	}

	fallbacks, err := marketdata.LoadFallbacks()
	if err != nil {
		return fmt.Errorf("fallback datasets: %w", err)
	}

	notifyConfig := notify.GetConfig()
	dispatcher := notify.NewDispatcher(notify.New(notifyConfig), notifyConfig)
	defer dispatcher.Wait()

	capturer := controller.NewCapturer(repository.NewExceptionRepository(), controller.GetConfig().ServiceName)
	connectors.SetErrorReporter(capturer.AtLevel(controller.LevelWarn))

	pool, err := newKeyPool(config, repository.NewAPIKeyRepository(), dispatcher.KeyPoolExhausted)
	if err != nil {
		return err
	}

	connectorConfig := connectors.GetConfig()
	spot := connectors.NewSpotListingsConnector(connectorConfig, pool, fallbacks)
	fx := connectors.NewFXRatesConnector(connectorConfig, pool, fallbacks)
	metals := connectors.NewMetalsConnector(connectorConfig, pool, fallbacks)
	candles := connectors.NewCandlesConnector(connectorConfig, pool, fallbacks,
		connectors.WithExchange("binance", connectors.NewBinanceKlines(connectorConfig)),
	)

	cache := marketdata.NewQuoteCache(spot, marketdata.WithSymbols(config.SpotSymbols))
	resolver := marketdata.NewResolver(cache, fx, metals)

	settings := funding.LoadSettings()
	balances := balance.NewService(database.MainDB, settings.Currency)
	ledger := trading.NewLedger(database.MainDB, balances, resolver, trading.GetConfig())

	serverConfig := server.GetConfig()
	hub := server.NewHub(serverConfig)
	pricingEngine := pricing.NewEngine(
		pricing.NewSession(resolver, marketdata.NewTimeSeededRand()),
		ledger,
		pricing.GetConfig(),
		pricing.WithPublisher(hub),
		pricing.WithErrorReporter(capturer),
	)
	defer pricingEngine.Stop()
	ledger.SetWatcher(pricingEngine)

	fundingService := funding.NewService(database.MainDB, balances, dispatcher, settings)
	defer fundingService.Stop()

	if config.ResumeOnStart {
		resumed, err := fundingService.ResumeTimers(ctx)
		if err != nil {
			capturer.Report(ctx, "funding", "ResumeTimers", err, nil)
		}
		logrus.WithField("deposits", resumed).Info("deposit countdowns resumed")
	}

	router := server.NewRouter(server.Routes{
		Quotes:    handler.QuotesDiagnosticsHandler(cache),
		Candles:   handler.CandlesHandler(candles),
		Positions: handler.DefaultSearchPositionsHandler(),
		Stream:    hub,
	})

	logrus.WithFields(map[string]interface{}{
		"services": []string{model.ServiceSpotListings, model.ServiceFXRates, model.ServiceMetals, model.ServiceCandles},
		"port":     serverConfig.Port,
	}).Info("Starting margin engine")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return executors.StartLoop(gctx, repository.NewPositionRepository(), pricingEngine, executors.GetConfig())
	})
	g.Go(func() error {
		return server.StartServer(gctx, serverConfig, router)
	})

	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("engine stopped with error")
		return err
	}
	logrus.Info("engine stopped")
	return nil
}
