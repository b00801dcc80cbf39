package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/polymaker/config"
	"github.com/alejandrodnm/polymaker/internal/adapters/notify"
	"github.com/alejandrodnm/polymaker/internal/adapters/polymarket"
	"github.com/alejandrodnm/polymaker/internal/adapters/storage"
	"github.com/alejandrodnm/polymaker/internal/application/maker"
	"github.com/alejandrodnm/polymaker/internal/basket"
	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/inventory"
	"github.com/alejandrodnm/polymaker/internal/marketdata"
	"github.com/alejandrodnm/polymaker/internal/quote"
	"github.com/alejandrodnm/polymaker/internal/risk"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one trading cycle and exit")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("polymaker starting",
		"config", *configPath,
		"markets", len(cfg.Markets),
		"cycle", cfg.CycleInterval(),
		"once", *once,
	)

	if len(cfg.Markets) == 0 {
		slog.Error("no markets configured")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	creds := config.LoadCredentials()
	if creds.PrivateKey == "" {
		slog.Error("POLY_PRIVATE_KEY not set")
		os.Exit(1)
	}

	signer, err := polymarket.NewSigner(creds.PrivateKey, false)
	if err != nil {
		slog.Error("failed to build signer", "err", err)
		os.Exit(1)
	}
	if creds.APIKey != "" {
		signer.SetCredentials(creds.APIKey, creds.Secret, creds.Passphrase)
	} else if err := signer.DeriveCreds(ctx, cfg.API.CLOBBase); err != nil {
		slog.Error("failed to derive API credentials", "err", err)
		os.Exit(1)
	}

	client := polymarket.NewClient(cfg.API.CLOBBase, cfg.API.WSBase, signer)

	markets, err := fetchMarkets(ctx, client, cfg.Markets)
	if err != nil {
		slog.Error("failed to fetch markets", "err", err)
		os.Exit(1)
	}

	store, err := storage.NewSQLiteStore(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	tel := notify.NewConsole()
	defer tel.Close()

	cache := marketdata.NewCache()
	feed := marketdata.NewFeed(cache, client, client, tel, marketdata.FeedConfig{
		BaseDelay:     time.Duration(cfg.Feed.BaseDelayMS) * time.Millisecond,
		MaxDelay:      time.Duration(cfg.Feed.MaxDelaySeconds) * time.Second,
		LivenessBound: time.Duration(cfg.Feed.LivenessMS) * time.Millisecond,
	})

	ledger := inventory.New(inventory.Config{
		BaseRiskAversion: cfg.Maker.BaseRiskAversion,
		AversionCap:      cfg.Maker.AversionCap,
	})

	// Equity = cash del CLOB + posiciones marcadas al micro-price del cache
	equitySrc := func(ctx context.Context) (float64, error) {
		cash, err := client.GetBalance(ctx)
		if err != nil {
			return 0, err
		}
		marked := ledger.PositionsValue(func(tokenID string) (float64, bool) {
			snap, ok := cache.Snapshot(tokenID)
			if !ok || snap.MicroPrice <= 0 {
				return 0, false
			}
			return snap.MicroPrice, true
		})
		return cash + marked, nil
	}

	riskCtrl := risk.New(risk.Config{
		MaxDrawdown:     cfg.Risk.MaxDrawdown,
		FeedTimeout:     time.Duration(cfg.Risk.FeedTimeoutSeconds) * time.Second,
		MonitorInterval: time.Duration(cfg.Risk.MonitorSeconds) * time.Second,
	}, equitySrc, cache.LastMessageAge, tel)

	executor := basket.New(cache, ledger, riskCtrl, client, tel, basket.Config{
		StaleThreshold: time.Duration(cfg.Executor.StaleMS) * time.Millisecond,
		DepthBuffer:    cfg.Executor.DepthBuffer,
		SlippageBound:  cfg.Executor.SlippageBound,
		SubmitTimeout:  time.Duration(cfg.Executor.SubmitTimeoutMS) * time.Millisecond,
		PollInterval:   time.Duration(cfg.Executor.PollIntervalMS) * time.Millisecond,
		FillDeadline:   time.Duration(cfg.Executor.FillDeadlineSeconds) * time.Second,
	})

	quotes := quote.New(cache, ledger, riskCtrl, executor, tel, quote.Config{
		StaleThreshold: time.Duration(cfg.Quote.StaleMS) * time.Millisecond,
		BaseSpread:     cfg.Quote.BaseSpread,
		MinHalfSpread:  cfg.Quote.MinHalfSpread,
		InventoryWiden: cfg.Quote.InventoryWiden,
		BoundaryBand:   cfg.Quote.BoundaryBand,
		BoundaryMult:   cfg.Quote.BoundaryMult,
		QuoteSize:      cfg.Quote.QuoteSize,
	})

	engine := maker.New(markets, cache, ledger, riskCtrl, quotes, executor,
		client, client, store, tel, maker.Config{
			CycleInterval:   cfg.CycleInterval(),
			FeeRate:         cfg.Maker.FeeRateDefault,
			BasketBudget:    cfg.Maker.BasketBudgetUSDC,
			ArbMinEdge:      cfg.Maker.ArbMinEdge,
			MarkoutHorizon:  cfg.MarkoutHorizon(),
			ImportTolerance: cfg.Maker.ImportTolerance,
		})

	// Recuperar estado del último checkpoint antes de operar. Un drift
	// inexplicable entre snapshot y balance real mata el arranque.
	if err := engine.ImportState(ctx); err != nil {
		slog.Error("state import failed", "err", err)
		os.Exit(1)
	}

	if *once {
		result, err := engine.RunOnce(ctx)
		if err != nil {
			slog.Error("cycle failed", "err", err)
			os.Exit(1)
		}
		slog.Info("cycle complete",
			"placed", result.QuotesPlaced,
			"replaced", result.QuotesReplaced,
			"kept", result.QuotesKept,
			"refused", result.QuotesRefused,
			"baskets", result.BasketsAttempted,
			"state", result.State,
		)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return feed.Run(gctx) })
	g.Go(func() error { return riskCtrl.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		slog.Error("maker exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("polymaker stopped cleanly")
}

// fetchMarkets resuelve la metadata de cada condition ID configurado.
func fetchMarkets(ctx context.Context, client *polymarket.Client, conditionIDs []string) ([]domain.Market, error) {
	markets := make([]domain.Market, 0, len(conditionIDs))
	for _, cid := range conditionIDs {
		m, err := client.FetchMarket(ctx, cid)
		if err != nil {
			return nil, err
		}
		if !m.Active || m.Closed {
			slog.Warn("skipping inactive market", "condition_id", cid)
			continue
		}
		markets = append(markets, m)
		slog.Info("market loaded",
			"condition_id", cid,
			"question", m.Question,
			"tick", m.EffectiveTick(),
			"hours_left", m.HoursToResolution(),
		)
	}
	return markets, nil
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
