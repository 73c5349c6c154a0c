package cardmarket

import (
	"context"
	"fmt"
	"time"

	"cardmarket-tracker/models"
	"cardmarket-tracker/utils"
)

// Result is the outcome of one acquisition.
type Result struct {
	Listings      []models.Listing
	RowsRendered  int
	AdvisoryCount int
	ScrapedAt     time.Time
}

// Scraper acquires the complete listing set of one product page.
type Scraper struct {
	opener     PageOpener
	controller *Controller
	extractor  *Extractor
	retry      *utils.RetryConfig
	navTimeout time.Duration
	logger     *utils.Logger
	now        func() time.Time
}

// Options configures a Scraper.
type Options struct {
	Policy     PaginationPolicy
	Triggers   []Trigger
	MaxRetries int
	RetryDelay time.Duration
	NavTimeout time.Duration
	Sleep      utils.SleepFunc
	Now        func() time.Time
}

// New creates a ready-to-use Scraper.
func New(opener PageOpener, opts Options, logger *utils.Logger) *Scraper {
	if opts.Triggers == nil {
		opts.Triggers = DefaultTriggers
	}
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = 60 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scraper{
		opener:     opener,
		controller: NewController(RowSelector, opts.Triggers, opts.Policy, opts.Sleep, logger),
		extractor:  NewExtractor(logger),
		retry: &utils.RetryConfig{
			MaxAttempts: opts.MaxRetries,
			BaseDelay:   opts.RetryDelay,
			Logger:      logger,
			Sleep:       opts.Sleep,
		},
		navTimeout: opts.NavTimeout,
		logger:     logger,
		now:        opts.Now,
	}
}

// Scrape loads the product page, paginates to exhaustion and extracts every
// row. It fails with ErrPageLoadTimeout or ErrNoRowsFound; it never returns an
// empty result as success.
func (s *Scraper) Scrape(ctx context.Context, product *models.Product) (*Result, error) {
	url := product.FilterURL()
	s.logger.Info("[scraper] %s: loading %s", product.Name, url)

	page, closePage, err := s.opener.OpenPage(ctx)
	if err != nil {
		return nil, err
	}
	defer closePage()

	err = s.retry.Do(ctx, "navigate-"+product.Key, func(ctx context.Context) error {
		return page.Navigate(ctx, url, s.navTimeout)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPageLoadTimeout, err)
	}

	advisory, err := s.controller.Exhaust(ctx, page)
	if err != nil {
		return nil, err
	}

	// Re-read the full row set; the controller's count may lag rendering.
	rows, err := page.Rows(ctx, RowSelector, RowFields)
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNoRowsFound
	}

	listings := s.extractor.ExtractAll(rows)
	s.logger.Info("[scraper] %s: %d rows rendered, %d listings parsed", product.Name, len(rows), len(listings))

	return &Result{
		Listings:      listings,
		RowsRendered:  len(rows),
		AdvisoryCount: advisory,
		ScrapedAt:     s.now().UTC(),
	}, nil
}
