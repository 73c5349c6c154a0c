package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnknownLocation is used when a row carries no resolvable seller country.
const UnknownLocation = "Unknown"

// NonCompliantFlag marks listings stored for audit only.
const NonCompliantFlag = "NON-COMPLIANT"

// Product is a static catalog entry. It is never mutated by the pipeline.
type Product struct {
	ID               int64
	Key              string
	Name             string
	URL              string
	Filter           string
	RequiredLocation string
	AlertThreshold   decimal.NullDecimal
}

// FilterURL returns the product URL with its query constraints applied.
func (p *Product) FilterURL() string {
	if p.Filter == "" {
		return p.URL
	}
	return p.URL + "?" + p.Filter
}

// Listing is one seller's offer within a snapshot.
type Listing struct {
	ID        int64
	RowID     string
	Seller    string
	Price     decimal.Decimal
	Quantity  int
	Location  string
	Compliant bool
}

// ComplianceFlag is the stored audit marker, empty for compliant listings.
func (l *Listing) ComplianceFlag() string {
	if l.Compliant {
		return ""
	}
	return NonCompliantFlag
}

// Snapshot is one scrape event for one product.
type Snapshot struct {
	ID             int64
	ProductID      int64
	ScrapedAt      time.Time
	TotalListings  int
	FloorPrice     decimal.NullDecimal
	FiltersApplied string
	Listings       []Listing
}

// CompliantListings returns the listings that match the product's location filter.
func (s *Snapshot) CompliantListings() []Listing {
	out := make([]Listing, 0, s.TotalListings)
	for _, l := range s.Listings {
		if l.Compliant {
			out = append(out, l)
		}
	}
	return out
}
