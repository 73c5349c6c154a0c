package storage

import (
	"context"
	"errors"
	"time"

	"cardmarket-tracker/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// HistoryStore is the append-only time series of snapshots the detector reads.
type HistoryStore interface {
	// SeedProducts inserts catalog entries that are not stored yet.
	SeedProducts(ctx context.Context, products []*models.Product) error
	// SaveSnapshot writes a snapshot and all of its listings as one unit and
	// returns the new snapshot id.
	SaveSnapshot(ctx context.Context, s *models.Snapshot) (int64, error)
	// LatestSnapshots returns up to n snapshots with listings, newest first.
	LatestSnapshots(ctx context.Context, productID int64, n int) ([]*models.Snapshot, error)
	// SnapshotsSince returns snapshot headers (no listings) scraped at or
	// after since, newest first.
	SnapshotsSince(ctx context.Context, productID int64, since time.Time) ([]*models.Snapshot, error)
	// SaveSuspectedSales inserts sales, skipping ones already recorded, and
	// returns how many were new.
	SaveSuspectedSales(ctx context.Context, sales []models.SuspectedSale) (int, error)
	// LastScrapedAt returns the time of the newest snapshot of a product, or
	// ErrNotFound.
	LastScrapedAt(ctx context.Context, productID int64) (time.Time, error)
	Close() error
}

// SnapshotWriter persists an audit copy of extracted listings.
type SnapshotWriter interface {
	WriteSnapshot(product *models.Product, s *models.Snapshot) error
	Close() error
}
