package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Confidence grades an inferred event.
type Confidence string

// ConfidenceMedium is the grade of a quartile-based suspected sale.
const ConfidenceMedium Confidence = "medium"

// SuspectedSale is an inferred completed sale. It is write-once and unique on
// (product, seller, detected_at, price).
type SuspectedSale struct {
	ID         int64
	ProductID  int64
	Seller     string
	Price      decimal.Decimal
	DetectedAt time.Time
	Confidence Confidence
	Reasoning  string
}

// AlertKind names the rule that produced an Alert.
type AlertKind string

const (
	AlertThreshold     AlertKind = "threshold"
	AlertDrop          AlertKind = "drop"
	AlertSpike         AlertKind = "spike"
	AlertBargain       AlertKind = "bargain"
	AlertSuspectedSale AlertKind = "suspected-sale"
)

// Severity orders alerts for delivery.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Bargain is a current compliant listing priced well below the reference floor.
type Bargain struct {
	Listing  Listing
	PctBelow decimal.Decimal
}

// Alert is an ephemeral detection result. Only the fields of its Kind are set.
type Alert struct {
	Kind        AlertKind
	ProductID   int64
	ProductName string
	Severity    Severity

	Floor     decimal.Decimal
	Threshold decimal.Decimal

	Average decimal.Decimal
	DropPct decimal.Decimal
	Samples int

	PrevListings int
	Listings     int
	SpikePct     decimal.Decimal

	Reference decimal.Decimal
	Bargains  []Bargain

	Sale *SuspectedSale
}
