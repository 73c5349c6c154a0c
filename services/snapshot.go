package services

import (
	"time"

	"github.com/shopspring/decimal"

	"cardmarket-tracker/models"
	"cardmarket-tracker/utils"
)

// SnapshotBuilder turns extracted listings into a Snapshot.
type SnapshotBuilder struct {
	logger *utils.Logger
}

// NewSnapshotBuilder creates a SnapshotBuilder with the given logger.
func NewSnapshotBuilder(logger *utils.Logger) *SnapshotBuilder {
	return &SnapshotBuilder{logger: logger}
}

// Build partitions listings by the product's required location. Every
// listing is kept for audit, but only compliant ones count towards
// TotalListings and FloorPrice.
func (b *SnapshotBuilder) Build(product *models.Product, listings []models.Listing, scrapedAt time.Time) *models.Snapshot {
	snap := &models.Snapshot{
		ProductID:      product.ID,
		ScrapedAt:      scrapedAt.UTC().Truncate(time.Second),
		FiltersApplied: product.Filter,
		Listings:       make([]models.Listing, 0, len(listings)),
	}

	var floor decimal.Decimal
	nonCompliant := 0
	for _, l := range listings {
		l.Compliant = l.Location == product.RequiredLocation
		snap.Listings = append(snap.Listings, l)

		if !l.Compliant {
			nonCompliant++
			continue
		}
		if snap.TotalListings == 0 || l.Price.LessThan(floor) {
			floor = l.Price
		}
		snap.TotalListings++
	}

	if snap.TotalListings > 0 {
		snap.FloorPrice = decimal.NewNullDecimal(floor)
	}

	if nonCompliant > 0 {
		b.logger.Warn("[snapshot] %s: %d listings outside %s stored as %s",
			product.Name, nonCompliant, product.RequiredLocation, models.NonCompliantFlag)
	}
	return snap
}
