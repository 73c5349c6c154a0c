package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cardmarket-tracker/config"
	"cardmarket-tracker/models"
	"cardmarket-tracker/notifier"
	"cardmarket-tracker/scraper/cardmarket"
	"cardmarket-tracker/services"
	"cardmarket-tracker/storage"
	"cardmarket-tracker/utils"
)

const usage = `usage: cardmarket-tracker <command> [args]

commands:
  scrape <product-key>            scrape one product, store it and send alerts
  scrape-all                      scrape every catalog product
  check [--dry-run]               re-run detection on stored history
  watchdog [--max-age-hours N]    alert when products stopped being scraped
  products                        list the catalog with the latest market data
`

// app bundles what every command needs.
type app struct {
	cfg     *config.Config
	logger  *utils.Logger
	catalog config.Catalog
	store   storage.HistoryStore
	closers []func()
}

func main() {
	cfg := config.Load()
	logger := utils.NewLogger(cfg.LogLevel)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg, logger, os.Args[1], os.Args[2:])
	stop()
	logger.Sync()
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config, logger *utils.Logger, cmd string, args []string) int {
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
		return 0
	case "scrape", "scrape-all", "check", "watchdog", "products":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Startup failed: %v", err)
		return 1
	}
	defer a.close()

	switch cmd {
	case "scrape":
		return a.scrape(ctx, args)
	case "scrape-all":
		return a.scrapeAll(ctx)
	case "check":
		return a.check(ctx, args)
	case "watchdog":
		return a.watchdog(ctx, args)
	default:
		return a.products(ctx)
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *utils.Logger) (*app, error) {
	catalog, err := config.LoadCatalog(cfg.ProductsFile)
	if err != nil {
		return nil, err
	}

	var store *storage.SQLStore
	switch strings.ToLower(cfg.StoreDriver) {
	case "sqlite", "":
		store, err = storage.Open(ctx, storage.SQLite, cfg.SQLitePath, logger)
	case "postgres", "postgresql":
		store, err = storage.Open(ctx, storage.Postgres, cfg.DSN(), logger)
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.SeedProducts(ctx, catalog.Products()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("seed products: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, catalog: catalog, store: store}
	a.closers = append(a.closers, func() { _ = store.Close() })
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// notifier builds the delivery chain for destination: Telegram (or stdout
// without a token), NATS fan-out when configured, redis de-dup in front.
func (a *app) notifier(ctx context.Context, destination string) notifier.Notifier {
	var chain notifier.Multi

	if a.cfg.TelegramBotToken != "" && destination != "" {
		chain = append(chain, notifier.NewRetrying("telegram",
			notifier.NewTelegram(a.cfg.TelegramBotToken, ""),
			a.cfg.NotifyRetries, a.cfg.NotifyRetryDelay, utils.Sleep, a.logger))
	} else {
		a.logger.Warn("Telegram not configured, printing alerts to stdout")
		chain = append(chain, notifier.NewRetrying("stdout",
			notifier.Stdout{W: os.Stdout}, 1, 0, utils.Sleep, a.logger))
	}

	if a.cfg.NATSURL != "" {
		pub, err := notifier.NewNATSPublisher(a.cfg.NATSURL, a.cfg.NATSSubject, a.logger)
		if err != nil {
			a.logger.Warn("NATS unavailable, alerts not published: %v", err)
		} else {
			a.closers = append(a.closers, func() { _ = pub.Close() })
			chain = append(chain, notifier.NewRetrying("nats", pub,
				a.cfg.NotifyRetries, a.cfg.NotifyRetryDelay, utils.Sleep, a.logger))
		}
	}

	var n notifier.Notifier = chain
	if a.cfg.RedisAddr != "" {
		client, err := notifier.NewRedisClient(ctx, a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB)
		if err != nil {
			a.logger.Warn("Redis unavailable, alerts are not de-duplicated: %v", err)
		} else {
			a.closers = append(a.closers, func() { _ = client.Close() })
			n = notifier.NewDeduplicating(n, client, a.cfg.NotifyDedupTTL, a.logger)
		}
	}
	return n
}

// pipeline wires scraping (nil for replay-only commands) to the store and
// the alert chain.
func (a *app) pipeline(ctx context.Context, scraper services.ListingScraper) (*services.Pipeline, error) {
	deps := services.PipelineDeps{
		Scraper:     scraper,
		Builder:     services.NewSnapshotBuilder(a.logger),
		Store:       a.store,
		Detector:    services.NewDetector(services.DefaultDetectorPolicy(), a.logger),
		Notifier:    a.notifier(ctx, a.cfg.TelegramChatID),
		Destination: a.cfg.TelegramChatID,
		Logger:      a.logger,
	}

	if a.cfg.CSVOutputPath != "" {
		w, err := storage.NewCSVWriter(a.cfg.CSVOutputPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = w.Close() })
		deps.Audit = w
	}
	return services.NewPipeline(deps), nil
}

func (a *app) scraper(ctx context.Context) *cardmarket.Scraper {
	browser := cardmarket.NewBrowser(ctx, a.cfg.ChromeBin, a.logger)
	a.closers = append(a.closers, browser.Close)

	return cardmarket.New(browser, cardmarket.Options{
		Policy:     cardmarket.DefaultPaginationPolicy(),
		MaxRetries: a.cfg.MaxRetries,
		NavTimeout: a.cfg.NavTimeout,
	}, a.logger)
}

func (a *app) scrape(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: cardmarket-tracker scrape <product-key>\nproducts: %s\n",
			strings.Join(a.catalog.Keys(), ", "))
		return 2
	}
	product, ok := a.catalog.Lookup(args[0])
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown product %q (known: %s)\n", args[0], strings.Join(a.catalog.Keys(), ", "))
		return 2
	}

	p, err := a.pipeline(ctx, a.scraper(ctx))
	if err != nil {
		a.logger.Error("Setup failed: %v", err)
		return 1
	}

	res, err := p.Run(ctx, product)
	if err != nil {
		a.logger.Error("FAILED %s: %s", product.Name, failureReason(err))
		return 1
	}
	fmt.Printf("%s: floor %s€, %d listings in %s\n", product.Name,
		res.Snapshot.FloorPrice.Decimal.StringFixed(2), res.Snapshot.TotalListings, product.RequiredLocation)
	return 0
}

func (a *app) scrapeAll(ctx context.Context) int {
	p, err := a.pipeline(ctx, a.scraper(ctx))
	if err != nil {
		a.logger.Error("Setup failed: %v", err)
		return 1
	}

	pool := utils.NewWorkerPool(a.cfg.MaxConcurrency, a.cfg.RateLimitMs)
	failed := 0
	for _, o := range p.RunAll(ctx, a.catalog.Products(), pool) {
		if o.Err != nil {
			failed++
			a.logger.Error("FAILED %s: %s", o.Product.Name, failureReason(o.Err))
			continue
		}
		a.logger.Info("%s: floor %s€, %d listings", o.Product.Name,
			o.Result.Snapshot.FloorPrice.Decimal.StringFixed(2), o.Result.Snapshot.TotalListings)
	}
	if failed > 0 {
		a.logger.Error("%d of %d products failed", failed, len(a.catalog))
		return 1
	}
	return 0
}

func (a *app) check(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "log alerts without storing or sending them")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	p, err := a.pipeline(ctx, nil)
	if err != nil {
		a.logger.Error("Setup failed: %v", err)
		return 1
	}

	results, err := p.Check(ctx, a.catalog.Products(), *dryRun)
	for _, r := range results {
		a.logger.Info("%s: %d alerts, %d suspected sales (%d new)",
			r.Product.Name, len(r.Detection.Alerts), len(r.Detection.Sales), r.NewSales)
	}
	if err != nil {
		a.logger.Error("Check failed: %v", err)
		return 1
	}
	return 0
}

func (a *app) watchdog(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watchdog", flag.ContinueOnError)
	hours := fs.Float64("max-age-hours", a.cfg.WatchdogMaxAge.Hours(), "maximum age of the newest snapshot")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	w := services.NewWatchdog(a.store, time.Duration(*hours*float64(time.Hour)), a.logger)
	stale, err := w.Check(ctx, a.catalog.Products(), time.Now().UTC())
	if err != nil {
		a.logger.Error("Watchdog failed: %v", err)
		return 1
	}
	if len(stale) == 0 {
		a.logger.Info("All %d products scraped within %s", len(a.catalog), w.MaxAge())
		return 0
	}

	dest := a.cfg.TelegramAlertChatID
	if dest == "" {
		dest = a.cfg.TelegramChatID
	}
	a.notifier(ctx, dest).Notify(ctx, notifier.Message{
		Destination: dest,
		Text:        services.FormatStale(stale, w.MaxAge()),
		Format:      notifier.FormatHTML,
	})
	return 1
}

func (a *app) products(ctx context.Context) int {
	insights := services.NewInsightService(a.logger)
	window := services.DefaultDetectorPolicy().DropWindow

	for _, p := range a.catalog.Products() {
		fmt.Printf("%-14s id=%d location=%s threshold=%s\n  %s\n",
			p.Key, p.ID, p.RequiredLocation, thresholdText(p), p.FilterURL())

		latest, err := a.store.LatestSnapshots(ctx, p.ID, 1)
		if err != nil {
			a.logger.Error("%s: %v", p.Name, err)
			return 1
		}
		var cur *models.Snapshot
		var history []*models.Snapshot
		if len(latest) > 0 {
			cur = latest[0]
			history, err = a.store.SnapshotsSince(ctx, p.ID, cur.ScrapedAt.Add(-window))
			if err != nil {
				a.logger.Error("%s: %v", p.Name, err)
				return 1
			}
		}
		insights.Print(os.Stdout, insights.Generate(p, cur, history))
	}
	return 0
}

func thresholdText(p *models.Product) string {
	if !p.AlertThreshold.Valid {
		return "-"
	}
	return p.AlertThreshold.Decimal.StringFixed(0) + "€"
}

// failureReason names the fatal cause of a failed run.
func failureReason(err error) string {
	switch {
	case errors.Is(err, cardmarket.ErrNoRowsFound):
		return "no listing rows found: " + err.Error()
	case errors.Is(err, cardmarket.ErrPageLoadTimeout):
		return "page load timed out: " + err.Error()
	case errors.Is(err, services.ErrNoCompliantListings):
		return "no compliant listings, floor price unavailable"
	case errors.Is(err, context.Canceled):
		return "interrupted"
	default:
		return err.Error()
	}
}
