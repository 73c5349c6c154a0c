package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"cardmarket-tracker/models"
	"cardmarket-tracker/storage"
	"cardmarket-tracker/utils"
)

// Stale is a product whose newest snapshot is too old or missing.
type Stale struct {
	Product       *models.Product
	LastScrapedAt time.Time
	Age           time.Duration
	Missing       bool
}

// Watchdog detects products that stopped being scraped.
type Watchdog struct {
	store  storage.HistoryStore
	maxAge time.Duration
	logger *utils.Logger
}

// NewWatchdog creates a Watchdog.
func NewWatchdog(store storage.HistoryStore, maxAge time.Duration, logger *utils.Logger) *Watchdog {
	return &Watchdog{store: store, maxAge: maxAge, logger: logger}
}

// MaxAge returns the staleness limit.
func (w *Watchdog) MaxAge() time.Duration { return w.maxAge }

// Check returns every product whose last snapshot is older than MaxAge at now.
func (w *Watchdog) Check(ctx context.Context, products []*models.Product, now time.Time) ([]Stale, error) {
	var stale []Stale
	for _, p := range products {
		last, err := w.store.LastScrapedAt(ctx, p.ID)
		if errors.Is(err, storage.ErrNotFound) {
			w.logger.Warn("[watchdog] %s: never scraped", p.Name)
			stale = append(stale, Stale{Product: p, Missing: true})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("watchdog %s: %w", p.Key, err)
		}

		age := now.Sub(last)
		if age > w.maxAge {
			w.logger.Warn("[watchdog] %s: last scrape %s ago", p.Name, age.Truncate(time.Minute))
			stale = append(stale, Stale{Product: p, LastScrapedAt: last, Age: age})
			continue
		}
		w.logger.Debug("[watchdog] %s: fresh (%s)", p.Name, age.Truncate(time.Second))
	}
	return stale, nil
}

// FormatStale renders the watchdog alert message.
func FormatStale(stale []Stale, maxAge time.Duration) string {
	if len(stale) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "⏰ <b>Scraper watchdog</b>: no data for more than %s\n", maxAge)
	for _, s := range stale {
		name := html.EscapeString(s.Product.Name)
		if s.Missing {
			fmt.Fprintf(&b, "\n• %s: no snapshots", name)
			continue
		}
		fmt.Fprintf(&b, "\n• %s: last scrape %s UTC (%s ago)",
			name, s.LastScrapedAt.UTC().Format("2006-01-02 15:04"), s.Age.Truncate(time.Minute))
	}
	return b.String()
}
