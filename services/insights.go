package services

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"cardmarket-tracker/models"
	"cardmarket-tracker/utils"
)

const cheapestShown = 5

type InsightService struct {
	logger *utils.Logger
}

func NewInsightService(logger *utils.Logger) *InsightService {
	return &InsightService{logger: logger}
}

// Generate builds a report from the current snapshot (with listings) and the
// snapshot headers of the detector window.
func (s *InsightService) Generate(product *models.Product, cur *models.Snapshot, window []*models.Snapshot) *models.MarketReport {
	report := &models.MarketReport{
		Product:            product,
		ListingsByLocation: make(map[string]int),
	}
	if cur == nil {
		return report
	}

	report.ScrapedAt = cur.ScrapedAt
	report.TotalListings = cur.TotalListings
	report.Floor = cur.FloorPrice

	compliant := cur.CompliantListings()
	for _, l := range cur.Listings {
		report.ListingsByLocation[l.Location]++
		if !l.Compliant {
			report.NonCompliant++
		}
	}

	// Price stats over compliant listings only
	if len(compliant) > 0 {
		total := decimal.Zero
		for i := range compliant {
			l := compliant[i]
			total = total.Add(l.Price)
			if report.MostExpensive == nil || l.Price.GreaterThan(report.MaxPrice) {
				report.MaxPrice = l.Price
				report.MostExpensive = &compliant[i]
			}
		}
		report.AveragePrice = total.Div(decimal.NewFromInt(int64(len(compliant)))).Round(2)

		sorted := make([]models.Listing, len(compliant))
		copy(sorted, compliant)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Price.LessThan(sorted[j].Price)
		})
		if len(sorted) > cheapestShown {
			sorted = sorted[:cheapestShown]
		}
		report.Cheapest = sorted
	}

	// Floor history
	var low, high, sum decimal.Decimal
	for _, snap := range window {
		if !snap.FloorPrice.Valid {
			continue
		}
		f := snap.FloorPrice.Decimal
		if report.Samples == 0 || f.LessThan(low) {
			low = f
		}
		if report.Samples == 0 || f.GreaterThan(high) {
			high = f
		}
		sum = sum.Add(f)
		report.Samples++
	}
	if report.Samples > 0 {
		report.WindowLow = decimal.NewNullDecimal(low)
		report.WindowHigh = decimal.NewNullDecimal(high)
		report.WindowAvg = decimal.NewNullDecimal(sum.Div(decimal.NewFromInt(int64(report.Samples))).Round(2))
	}

	return report
}

func (s *InsightService) Print(w io.Writer, r *models.MarketReport) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  📊 %s\033[0m\n", strings.ToUpper(r.Product.Name))
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	if r.ScrapedAt.IsZero() {
		fmt.Fprintf(w, "  No snapshots yet\n\n")
		return
	}

	// Overview
	fmt.Fprintf(w, "\033[1;33m  Overview\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Last scrape            : \033[1m%s UTC\033[0m\n", r.ScrapedAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(w, "  %-23s: \033[1m%d\033[0m\n", "Listings in "+r.Product.RequiredLocation, r.TotalListings)
	fmt.Fprintf(w, "  Non-compliant (audit)  : \033[1m%d\033[0m\n", r.NonCompliant)
	fmt.Fprintln(w)

	// Price Stats
	fmt.Fprintf(w, "\033[1;33m  Price Statistics\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if r.Floor.Valid {
		fmt.Fprintf(w, "  Floor price   : \033[1;32m%s€\033[0m\n", r.Floor.Decimal.StringFixed(2))
		fmt.Fprintf(w, "  Average price : \033[1;32m%s€\033[0m\n", r.AveragePrice.StringFixed(2))
		fmt.Fprintf(w, "  Maximum price : \033[1;32m%s€\033[0m\n", r.MaxPrice.StringFixed(2))
	} else {
		fmt.Fprintf(w, "  No compliant listings\n")
	}
	if r.WindowAvg.Valid {
		fmt.Fprintf(w, "  24h floor     : %s€ – %s€ (avg %s€, %d samples)\n",
			r.WindowLow.Decimal.StringFixed(2), r.WindowHigh.Decimal.StringFixed(2),
			r.WindowAvg.Decimal.StringFixed(2), r.Samples)
	}
	fmt.Fprintln(w)

	if len(r.Cheapest) > 0 {
		fmt.Fprintf(w, "\033[1;33m  Cheapest Offers\033[0m\n")
		fmt.Fprintf(w, "  %s\n", thin)
		for i, l := range r.Cheapest {
			fmt.Fprintf(w, "  \033[1m%d.\033[0m %-32s \033[1;32m%9s€\033[0m x%d\n",
				i+1, truncate(l.Seller, 30), l.Price.StringFixed(2), l.Quantity)
		}
		fmt.Fprintln(w)
	}

	// Listings by Location
	fmt.Fprintf(w, "\033[1;33m  Listings by Location\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	type locCount struct {
		loc   string
		count int
	}
	var locs []locCount
	for loc, cnt := range r.ListingsByLocation {
		locs = append(locs, locCount{loc, cnt})
	}
	sort.Slice(locs, func(i, j int) bool {
		if locs[i].count != locs[j].count {
			return locs[i].count > locs[j].count
		}
		return locs[i].loc < locs[j].loc
	})
	for _, lc := range locs {
		bar := strings.Repeat("█", lc.count)
		fmt.Fprintf(w, "  %-30s %s (%d)\n", truncate(lc.loc, 28), bar, lc.count)
	}

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n\n", sep)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
