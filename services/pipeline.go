package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"cardmarket-tracker/models"
	"cardmarket-tracker/notifier"
	"cardmarket-tracker/scraper/cardmarket"
	"cardmarket-tracker/storage"
	"cardmarket-tracker/utils"
)

// ErrNoCompliantListings is returned for a run without a single listing in
// the required location. Nothing is stored for such a run.
var ErrNoCompliantListings = errors.New("no compliant listings")

// ListingScraper acquires the current listings of a product.
type ListingScraper interface {
	Scrape(ctx context.Context, product *models.Product) (*cardmarket.Result, error)
}

// PipelineDeps wires a Pipeline. Audit may be nil.
type PipelineDeps struct {
	Scraper     ListingScraper
	Builder     *SnapshotBuilder
	Store       storage.HistoryStore
	Detector    *Detector
	Notifier    notifier.Notifier
	Audit       storage.SnapshotWriter
	Destination string
	Logger      *utils.Logger
}

// Pipeline runs acquisition, persistence, detection and notification for
// one product at a time.
type Pipeline struct {
	scraper     ListingScraper
	builder     *SnapshotBuilder
	store       storage.HistoryStore
	detector    *Detector
	notifier    notifier.Notifier
	audit       storage.SnapshotWriter
	destination string
	locks       *utils.KeyedMutex
	logger      *utils.Logger
}

// RunResult describes one processed product.
type RunResult struct {
	RunID     string
	Product   *models.Product
	Snapshot  *models.Snapshot
	Detection Detection
	NewSales  int
	Notified  bool
}

// NewPipeline creates a Pipeline.
func NewPipeline(deps PipelineDeps) *Pipeline {
	return &Pipeline{
		scraper:     deps.Scraper,
		builder:     deps.Builder,
		store:       deps.Store,
		detector:    deps.Detector,
		notifier:    deps.Notifier,
		audit:       deps.Audit,
		destination: deps.Destination,
		locks:       utils.NewKeyedMutex(),
		logger:      deps.Logger,
	}
}

// Run performs one full cycle for product. Acquisition failures, runs without
// compliant listings and persistence failures are returned and nothing is
// written; detection and notification problems are logged only.
func (p *Pipeline) Run(ctx context.Context, product *models.Product) (*RunResult, error) {
	runID := uuid.NewString()
	logger := p.logger.With("run_id", runID, "product", product.Key)

	scraped, err := p.scraper.Scrape(ctx, product)
	if err != nil {
		logger.Error("[pipeline] %s: acquisition failed: %v", product.Name, err)
		return nil, fmt.Errorf("scrape %s: %w", product.Key, err)
	}

	snap := p.builder.Build(product, scraped.Listings, scraped.ScrapedAt)
	if !snap.FloorPrice.Valid {
		logger.Error("[pipeline] %s: %d listings parsed, none in %s; snapshot discarded",
			product.Name, len(snap.Listings), product.RequiredLocation)
		return nil, fmt.Errorf("%s: %w", product.Key, ErrNoCompliantListings)
	}

	unlock := p.locks.Lock(product.Key)
	defer unlock()

	id, err := p.store.SaveSnapshot(ctx, snap)
	if err != nil {
		logger.Error("[pipeline] %s: persisting snapshot failed: %v", product.Name, err)
		return nil, fmt.Errorf("save snapshot %s: %w", product.Key, err)
	}
	snap.ID = id
	logger.Info("[pipeline] %s: snapshot %d stored (%d compliant of %d listings)",
		product.Name, id, snap.TotalListings, len(snap.Listings))

	if p.audit != nil {
		if err := p.audit.WriteSnapshot(product, snap); err != nil {
			logger.Warn("[pipeline] %s: audit copy failed: %v", product.Name, err)
		}
	}

	result := &RunResult{RunID: runID, Product: product, Snapshot: snap}
	if err := p.evaluate(ctx, logger, result, false); err != nil {
		logger.Error("[pipeline] %s: detection failed: %v", product.Name, err)
	}

	logger.Info("[pipeline] %s: floor %s€", product.Name, snap.FloorPrice.Decimal.StringFixed(2))
	return result, nil
}

// RunOutcome pairs a product with its run result or error.
type RunOutcome struct {
	Product *models.Product
	Result  *RunResult
	Err     error
}

// RunAll runs every product through pool and returns outcomes in input order.
func (p *Pipeline) RunAll(ctx context.Context, products []*models.Product, pool *utils.WorkerPool) []RunOutcome {
	outcomes := make([]RunOutcome, len(products))
	var mu sync.Mutex

	for i, product := range products {
		i, product := i, product
		outcomes[i] = RunOutcome{Product: product, Err: context.Canceled}
		pool.Submit(ctx, func(ctx context.Context) {
			res, err := p.Run(ctx, product)
			mu.Lock()
			outcomes[i] = RunOutcome{Product: product, Result: res, Err: err}
			mu.Unlock()
		})
	}
	pool.Wait()

	if err := ctx.Err(); err != nil {
		for i := range outcomes {
			if outcomes[i].Err == context.Canceled {
				outcomes[i].Err = err
			}
		}
	}
	return outcomes
}

// Check replays detection over stored history without scraping. With dryRun
// nothing is written and nothing is sent.
func (p *Pipeline) Check(ctx context.Context, products []*models.Product, dryRun bool) ([]*RunResult, error) {
	var (
		results []*RunResult
		errs    []error
	)
	for _, product := range products {
		logger := p.logger.With("product", product.Key)

		unlock := p.locks.Lock(product.Key)
		result := &RunResult{Product: product}
		err := p.evaluate(ctx, logger, result, dryRun)
		unlock()

		if err != nil {
			errs = append(errs, fmt.Errorf("check %s: %w", product.Key, err))
			continue
		}
		if result.Snapshot == nil {
			logger.Info("[pipeline] %s: no snapshots yet", product.Name)
			continue
		}
		results = append(results, result)
	}
	return results, errors.Join(errs...)
}

// evaluate loads the product's history, runs the detector, records suspected
// sales and sends the alert message. result.Snapshot is replaced by the
// stored current snapshot.
func (p *Pipeline) evaluate(ctx context.Context, logger *utils.Logger, result *RunResult, dryRun bool) error {
	product := result.Product

	latest, err := p.store.LatestSnapshots(ctx, product.ID, 2)
	if err != nil {
		return fmt.Errorf("load latest snapshots: %w", err)
	}
	if len(latest) == 0 {
		return nil
	}
	cur := latest[0]
	var prev *models.Snapshot
	if len(latest) > 1 {
		prev = latest[1]
	}

	window, err := p.store.SnapshotsSince(ctx, product.ID, cur.ScrapedAt.Add(-p.detector.policy.DropWindow))
	if err != nil {
		return fmt.Errorf("load window: %w", err)
	}

	det := p.detector.Detect(DetectionInput{
		Product:  product,
		Current:  cur,
		Previous: prev,
		Window:   window,
	})
	result.Snapshot = cur
	result.Detection = det

	if dryRun {
		for _, a := range det.Alerts {
			logger.Info("[pipeline] dry run: %s", FormatAlert(a))
		}
		return nil
	}

	if len(det.Sales) > 0 {
		n, err := p.store.SaveSuspectedSales(ctx, det.Sales)
		if err != nil {
			return fmt.Errorf("save suspected sales: %w", err)
		}
		result.NewSales = n
		logger.Info("[pipeline] %s: %d suspected sales, %d new", product.Name, len(det.Sales), n)
	}

	if len(det.Alerts) == 0 || p.notifier == nil {
		return nil
	}
	msg := notifier.Message{
		Destination: p.destination,
		Text:        FormatAlerts(det.Alerts, product.FilterURL(), cur.ScrapedAt),
		Format:      notifier.FormatHTML,
	}
	result.Notified = p.notifier.Notify(ctx, msg)
	if !result.Notified {
		logger.Warn("[pipeline] %s: %d alerts not delivered", product.Name, len(det.Alerts))
	}
	return nil
}
