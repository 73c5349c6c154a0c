package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketReport summarizes the newest snapshot of a product and its recent
// floor history.
type MarketReport struct {
	Product   *Product
	ScrapedAt time.Time

	TotalListings int
	NonCompliant  int
	Floor         decimal.NullDecimal
	AveragePrice  decimal.Decimal
	MaxPrice      decimal.Decimal
	MostExpensive *Listing
	Cheapest      []Listing

	ListingsByLocation map[string]int

	// Floor statistics over the detector window.
	Samples    int
	WindowLow  decimal.NullDecimal
	WindowHigh decimal.NullDecimal
	WindowAvg  decimal.NullDecimal
}
