// Command engine runs the trading engine runtime.
//
// It wires stores, streaming adapters, the order coordinator and the facade
// from configuration, opens the configured streams and serves until a
// shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/openquant/tradewire/config"
	"github.com/openquant/tradewire/internal/adapters"
	"github.com/openquant/tradewire/internal/adapters/bitmex"
	"github.com/openquant/tradewire/internal/adapters/fake"
	"github.com/openquant/tradewire/internal/adapters/kraken"
	"github.com/openquant/tradewire/internal/coordinator"
	"github.com/openquant/tradewire/internal/facade"
	"github.com/openquant/tradewire/internal/livestore"
	"github.com/openquant/tradewire/internal/observability"
	"github.com/openquant/tradewire/internal/position"
	"github.com/openquant/tradewire/internal/recordstore"
	"github.com/openquant/tradewire/internal/recordstore/migrations"
	"github.com/openquant/tradewire/internal/recordstore/postgres"
	"github.com/openquant/tradewire/internal/schema"
	"github.com/openquant/tradewire/internal/stream"
	"github.com/openquant/tradewire/lib/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "", "Path to the YAML configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	observability.SetLogger(observability.NewSlogLogger(
		slog.New(slog.NewJSONHandler(os.Stdout, nil))))
	log := observability.Log()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	provider, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	metrics, err := telemetry.NewMetrics(provider)
	if err != nil {
		return err
	}

	live := livestore.NewMemoryStore(cfg.Stores.TickerTTL)
	defer live.Close()

	records, closeRecords, err := openRecordStore(ctx, cfg.Stores)
	if err != nil {
		return err
	}
	defer closeRecords()

	recalc := position.NewRecalculator(records)
	upserter := stream.NewUpserter(live, records, 256)
	upserter.OnOwnTrade = func(ctx context.Context, trade schema.Trade) {
		metrics.OwnTrade(ctx)
		recalc.OnOwnTrade(ctx, trade)
	}
	upserter.Start(ctx)
	defer upserter.Stop()

	errCh := make(chan error, 64)
	go func() {
		for err := range errCh {
			metrics.StreamError(ctx)
			log.Error("stream error", observability.F("error", err.Error()))
		}
	}()

	registry := adapters.NewRegistry()
	if err := registerExchanges(cfg, registry, upserter, errCh); err != nil {
		return err
	}

	coord, err := coordinator.New(engineConfig(cfg.Engine), registry, live, records)
	if err != nil {
		return err
	}

	engine := facade.New(registry, coord, live)
	if err := openStreams(ctx, cfg, engine); err != nil {
		return err
	}

	log.Info("engine started", observability.F("exchanges", engine.Exchanges()))
	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := coord.Shutdown(shutdownCtx); err != nil {
		log.Error("coordinator shutdown", observability.F("error", err.Error()))
	}
	registry.StopAll()
	close(errCh)
	if err := telemetryShutdown(shutdownCtx); err != nil {
		log.Error("telemetry shutdown", observability.F("error", err.Error()))
	}
	return nil
}

// openRecordStore selects the durable store. A configured DSN means
// Postgres with migrations applied on boot; otherwise the in-memory store
// backs dry runs.
func openRecordStore(ctx context.Context, cfg config.StoreSettings) (recordstore.Store, func(), error) {
	if cfg.PostgresDSN == "" {
		observability.Log().Info("no postgres dsn configured, using in-memory record store")
		return recordstore.NewMemoryStore(), func() {}, nil
	}
	if err := migrations.Apply(ctx, cfg.PostgresDSN, nil); err != nil {
		return nil, nil, err
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return postgres.New(pool), pool.Close, nil
}

func registerExchanges(cfg config.Settings, registry *adapters.Registry, upserter *stream.Upserter, errCh chan<- error) error {
	for name, ex := range cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		switch name {
		case config.ExchangeKraken:
			adapter, err := kraken.New(kraken.Options{
				RESTBaseURL:          ex.RESTBaseURL,
				WSPublicURL:          ex.Websocket.PublicURL,
				WSAuthURL:            ex.Websocket.PrivateURL,
				APIKey:               ex.Credentials.APIKey,
				APISecret:            ex.Credentials.APISecret,
				RequestRate:          requestRate(ex.RequestInterval),
				TokenRefreshInterval: ex.TokenRefreshInterval,
			}, upserter.Events(), errCh)
			if err != nil {
				return fmt.Errorf("kraken adapter: %w", err)
			}
			registry.Register(adapter)
		case config.ExchangeBitmex:
			adapter, err := bitmex.New(bitmex.Options{
				RESTBaseURL: ex.RESTBaseURL,
				WSURL:       ex.Websocket.PublicURL,
				APIKey:      ex.Credentials.APIKey,
				APISecret:   ex.Credentials.APISecret,
				RequestRate: requestRate(ex.RequestInterval),
			}, upserter.Events(), errCh)
			if err != nil {
				return fmt.Errorf("bitmex adapter: %w", err)
			}
			registry.Register(adapter)
		case config.ExchangeFake:
			registry.Register(fake.New(fake.Options{AutoFill: true}, upserter.Events()))
		default:
			return fmt.Errorf("unknown exchange %q", name)
		}
	}
	return nil
}

func openStreams(ctx context.Context, cfg config.Settings, engine *facade.Facade) error {
	for name, ex := range cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		if err := engine.StartMarketStream(ctx, name, ex.Symbols); err != nil {
			return fmt.Errorf("start %s market stream: %w", name, err)
		}
		if ex.Credentials.APIKey != "" {
			if err := engine.StartPrivateStream(ctx, name); err != nil {
				return fmt.Errorf("start %s private stream: %w", name, err)
			}
		}
	}
	return nil
}

func engineConfig(cfg config.EngineSettings) coordinator.Config {
	out := coordinator.Config{
		TickerMaxAge:          cfg.TickerMaxAge,
		MarketPollInterval:    cfg.MarketPollInterval,
		MarketPollAttempts:    cfg.MarketPollAttempts,
		CancelConfirmWindow:   cfg.CancelConfirmWindow,
		CancelPollInterval:    cfg.CancelPollInterval,
		ScheduledPollInterval: cfg.ScheduledPollInterval,
		MonitorWorkers:        cfg.MonitorWorkers,
		MonitorQueue:          cfg.MonitorQueue,
	}
	if offset, err := decimal.NewFromString(cfg.SpreadOffset); err == nil {
		out.SpreadOffset = offset
	}
	return out
}

func requestRate(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return 0
	}
	return rate.Every(interval)
}
