package services

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"cardmarket-tracker/models"
	"cardmarket-tracker/utils"
)

// SaleReasoning is recorded on every suspected sale.
const SaleReasoning = "seller absent from current scrape; was in lowest price quartile"

var hundred = decimal.NewFromInt(100)

// DetectorPolicy holds the trigger ratios of the anomaly rules.
type DetectorPolicy struct {
	DropPct        decimal.Decimal
	DropWindow     time.Duration
	DropMinSamples int
	SpikePct       decimal.Decimal
	BargainPct     decimal.Decimal
}

// DefaultDetectorPolicy returns the production triggers: 5% drop against at
// least 3 samples of the last 24h, 25% listing spike, 5% bargain margin.
func DefaultDetectorPolicy() DetectorPolicy {
	return DetectorPolicy{
		DropPct:        decimal.RequireFromString("0.05"),
		DropWindow:     24 * time.Hour,
		DropMinSamples: 3,
		SpikePct:       decimal.RequireFromString("0.25"),
		BargainPct:     decimal.RequireFromString("0.05"),
	}
}

// DetectionInput is the history one product is judged on.
type DetectionInput struct {
	Product *models.Product
	// Current and Previous carry their listings. Previous is nil when the
	// product has a single snapshot.
	Current  *models.Snapshot
	Previous *models.Snapshot
	// Window holds snapshot headers of the drop window, current included.
	Window []*models.Snapshot
}

// Detection is everything the rules found for one product.
type Detection struct {
	Sales  []models.SuspectedSale
	Alerts []models.Alert
}

// Detector applies the deterministic anomaly rules.
type Detector struct {
	policy DetectorPolicy
	logger *utils.Logger
}

// NewDetector creates a Detector.
func NewDetector(policy DetectorPolicy, logger *utils.Logger) *Detector {
	return &Detector{policy: policy, logger: logger}
}

// Detect runs every rule; rules are independent and all of them run.
func (d *Detector) Detect(in DetectionInput) Detection {
	var out Detection
	if in.Current == nil {
		return out
	}

	out.Sales = d.SuspectedSales(in.Product, in.Previous, in.Current)
	for i := range out.Sales {
		out.Alerts = append(out.Alerts, models.Alert{
			Kind:        models.AlertSuspectedSale,
			ProductID:   in.Product.ID,
			ProductName: in.Product.Name,
			Severity:    models.SeverityInfo,
			Sale:        &out.Sales[i],
		})
	}

	if a, ok := d.Threshold(in.Product, in.Current); ok {
		out.Alerts = append(out.Alerts, a)
	}
	if a, ok := d.Drop(in.Product, in.Current, in.Window); ok {
		out.Alerts = append(out.Alerts, a)
	}
	if a, ok := d.Spike(in.Product, in.Previous, in.Current); ok {
		out.Alerts = append(out.Alerts, a)
	}
	if a, ok := d.Bargains(in.Product, in.Previous, in.Current); ok {
		out.Alerts = append(out.Alerts, a)
	}

	d.logger.Debug("[detector] %s: %d suspected sales, %d alerts",
		in.Product.Name, len(out.Sales), len(out.Alerts))
	return out
}

// SuspectedSales reports sellers of the previous snapshot's cheapest quartile
// that are missing from the current snapshot. Only compliant listings are
// considered on both sides, and a current snapshot without any yields nothing. DetectedAt is the current snapshot time so a
// replay over the same pair yields identical records.
func (d *Detector) SuspectedSales(product *models.Product, prev, cur *models.Snapshot) []models.SuspectedSale {
	if prev == nil || cur == nil {
		return nil
	}

	ranked := prev.CompliantListings()
	if len(ranked) == 0 {
		return nil
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Price.LessThan(ranked[j].Price)
	})

	current := cur.CompliantListings()
	if len(current) == 0 {
		// An empty current side reads as a failed acquisition, not a sell-out.
		return nil
	}
	present := make(map[string]struct{}, len(current))
	for _, l := range current {
		present[l.Seller] = struct{}{}
	}

	// Bucket 1 of NTILE(4): the first ceil(n/4) ranks.
	q1 := (len(ranked) + 3) / 4

	var sales []models.SuspectedSale
	seen := make(map[string]struct{})
	for _, l := range ranked[:q1] {
		if _, ok := present[l.Seller]; ok {
			continue
		}
		key := l.Seller + "|" + l.Price.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		sales = append(sales, models.SuspectedSale{
			ProductID:  product.ID,
			Seller:     l.Seller,
			Price:      l.Price,
			DetectedAt: cur.ScrapedAt,
			Confidence: models.ConfidenceMedium,
			Reasoning:  SaleReasoning,
		})
	}
	return sales
}

// Threshold fires when the current floor is below the product's absolute
// alert threshold.
func (d *Detector) Threshold(product *models.Product, cur *models.Snapshot) (models.Alert, bool) {
	if !product.AlertThreshold.Valid || !cur.FloorPrice.Valid {
		return models.Alert{}, false
	}
	if !cur.FloorPrice.Decimal.LessThan(product.AlertThreshold.Decimal) {
		return models.Alert{}, false
	}
	return models.Alert{
		Kind:        models.AlertThreshold,
		ProductID:   product.ID,
		ProductName: product.Name,
		Severity:    models.SeverityWarning,
		Floor:       cur.FloorPrice.Decimal,
		Threshold:   product.AlertThreshold.Decimal,
	}, true
}

// Drop fires when the current floor is at least DropPct below the mean floor
// of the window. The window is anchored on the current snapshot, not on the
// wall clock, and needs DropMinSamples floors.
func (d *Detector) Drop(product *models.Product, cur *models.Snapshot, window []*models.Snapshot) (models.Alert, bool) {
	if !cur.FloorPrice.Valid {
		return models.Alert{}, false
	}

	since := cur.ScrapedAt.Add(-d.policy.DropWindow)
	sum := decimal.Zero
	n := 0
	for _, s := range window {
		if !s.FloorPrice.Valid || s.ScrapedAt.Before(since) || s.ScrapedAt.After(cur.ScrapedAt) {
			continue
		}
		sum = sum.Add(s.FloorPrice.Decimal)
		n++
	}
	if n < d.policy.DropMinSamples || !sum.IsPositive() {
		return models.Alert{}, false
	}

	// (avg - cur) / avg >= pct, multiplied through by n*avg to stay exact.
	count := decimal.NewFromInt(int64(n))
	floor := cur.FloorPrice.Decimal
	if sum.Sub(floor.Mul(count)).LessThan(d.policy.DropPct.Mul(sum)) {
		return models.Alert{}, false
	}

	avg := sum.Div(count)
	return models.Alert{
		Kind:        models.AlertDrop,
		ProductID:   product.ID,
		ProductName: product.Name,
		Severity:    models.SeverityWarning,
		Floor:       floor,
		Average:     avg.Round(2),
		DropPct:     avg.Sub(floor).Div(avg).Mul(hundred).Round(1),
		Samples:     n,
	}, true
}

// Spike fires when the compliant listing count grew by at least SpikePct
// over the immediately preceding snapshot.
func (d *Detector) Spike(product *models.Product, prev, cur *models.Snapshot) (models.Alert, bool) {
	if prev == nil || prev.TotalListings <= 0 || cur.TotalListings <= 0 {
		return models.Alert{}, false
	}

	growth := decimal.NewFromInt(int64(cur.TotalListings - prev.TotalListings))
	base := decimal.NewFromInt(int64(prev.TotalListings))
	if growth.LessThan(d.policy.SpikePct.Mul(base)) {
		return models.Alert{}, false
	}

	return models.Alert{
		Kind:         models.AlertSpike,
		ProductID:    product.ID,
		ProductName:  product.Name,
		Severity:     models.SeverityInfo,
		PrevListings: prev.TotalListings,
		Listings:     cur.TotalListings,
		SpikePct:     growth.Div(base).Mul(hundred).Round(1),
	}, true
}

// Bargains reports current compliant listings priced at or below the
// reference floor minus BargainPct. The reference is the higher of the
// previous and current floor, so a falling market is still judged against
// its recent high.
func (d *Detector) Bargains(product *models.Product, prev, cur *models.Snapshot) (models.Alert, bool) {
	if !cur.FloorPrice.Valid || !cur.FloorPrice.Decimal.IsPositive() {
		return models.Alert{}, false
	}

	ref := cur.FloorPrice.Decimal
	if prev != nil && prev.FloorPrice.Valid && prev.FloorPrice.Decimal.GreaterThan(ref) {
		ref = prev.FloorPrice.Decimal
	}
	limit := ref.Mul(decimal.NewFromInt(1).Sub(d.policy.BargainPct))

	var bargains []models.Bargain
	for _, l := range cur.CompliantListings() {
		if l.Price.GreaterThan(limit) {
			continue
		}
		bargains = append(bargains, models.Bargain{
			Listing:  l,
			PctBelow: ref.Sub(l.Price).Div(ref).Mul(hundred).Round(1),
		})
	}
	if len(bargains) == 0 {
		return models.Alert{}, false
	}
	sort.SliceStable(bargains, func(i, j int) bool {
		return bargains[i].Listing.Price.LessThan(bargains[j].Listing.Price)
	})

	return models.Alert{
		Kind:        models.AlertBargain,
		ProductID:   product.ID,
		ProductName: product.Name,
		Severity:    models.SeverityCritical,
		Floor:       cur.FloorPrice.Decimal,
		Reference:   ref,
		Threshold:   limit,
		Bargains:    bargains,
	}, true
}
