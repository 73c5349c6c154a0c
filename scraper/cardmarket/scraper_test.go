package cardmarket

import (
	"context"
	"errors"
	"testing"
	"time"

	"cardmarket-tracker/models"
	"cardmarket-tracker/utils"
)

var testProduct = &models.Product{
	ID:               2,
	Key:              "origins",
	Name:             "Origins Booster Box",
	URL:              "https://example.com/origins",
	Filter:           "sellerCountry=7",
	RequiredLocation: "Germany",
}

func newTestScraper(page *fakePage) (*Scraper, *fakeOpener) {
	opener := &fakeOpener{page: page}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(opener, Options{
		Policy:     DefaultPaginationPolicy(),
		MaxRetries: 3,
		Sleep:      (&recordingSleep{}).sleep,
		Now:        func() time.Time { return fixed },
	}, utils.NewNopLogger())
	return s, opener
}

func TestScrapeRereadsFullRowSet(t *testing.T) {
	page := newFakePage(1)
	// The controller saw one row; three are rendered by the time rows are read.
	page.rows = []Row{
		row("r1", "A", "10,00 €", "1", "Germany"),
		row("r2", "B", "12,00 €", "1", "Germany"),
		row("r3", "C", "9,00 €", "1", "France"),
	}

	s, opener := newTestScraper(page)
	res, err := s.Scrape(context.Background(), testProduct)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(res.Listings) != 3 {
		t.Errorf("listings: got %d, want 3", len(res.Listings))
	}
	if res.AdvisoryCount != 1 {
		t.Errorf("advisory count: got %d, want 1", res.AdvisoryCount)
	}
	if res.ScrapedAt.IsZero() {
		t.Error("ScrapedAt should be set")
	}
	if !opener.closed {
		t.Error("page should be closed after the scrape")
	}
}

func TestScrapeRetriesNavigation(t *testing.T) {
	page := newFakePage(1)
	page.navErrs = 2
	page.rows = []Row{row("r1", "A", "10,00 €", "1", "Germany")}

	s, _ := newTestScraper(page)
	if _, err := s.Scrape(context.Background(), testProduct); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.navigations != 3 {
		t.Errorf("navigations: got %d, want 3", page.navigations)
	}
}

func TestScrapePageLoadTimeout(t *testing.T) {
	page := newFakePage(1)
	page.navErrs = 10

	s, _ := newTestScraper(page)
	_, err := s.Scrape(context.Background(), testProduct)
	if !errors.Is(err, ErrPageLoadTimeout) {
		t.Fatalf("expected ErrPageLoadTimeout, got %v", err)
	}
}

func TestScrapeNoRowsIsFatal(t *testing.T) {
	page := newFakePage(0)

	s, _ := newTestScraper(page)
	_, err := s.Scrape(context.Background(), testProduct)
	if !errors.Is(err, ErrNoRowsFound) {
		t.Fatalf("expected ErrNoRowsFound, got %v", err)
	}
}
