package services

import (
	"fmt"
	"html"
	"strings"
	"time"

	"cardmarket-tracker/models"
)

// FormatAlerts renders alerts as one Telegram HTML message. productURL may be
// empty.
func FormatAlerts(alerts []models.Alert, productURL string, at time.Time) string {
	if len(alerts) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🔔 <b>Cardmarket Alert</b> (%s)\n", at.Format("02.01.2006 15:04"))
	for _, a := range alerts {
		b.WriteString("\n")
		b.WriteString(FormatAlert(a))
		b.WriteString("\n")
	}
	if productURL != "" {
		fmt.Fprintf(&b, "\n🛒 <a href=\"%s\">View on Cardmarket</a>", html.EscapeString(productURL))
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatAlert renders one alert.
func FormatAlert(a models.Alert) string {
	name := html.EscapeString(a.ProductName)

	switch a.Kind {
	case models.AlertThreshold:
		return fmt.Sprintf("📉 <b>%s</b>: floor at <b>%s€</b>, below threshold (%s€)",
			name, a.Floor.StringFixed(2), a.Threshold.StringFixed(0))
	case models.AlertDrop:
		return fmt.Sprintf("⚠️ <b>%s</b>: floor %s€, <b>%s%% below 24h avg</b> (%s€, %d samples)",
			name, a.Floor.StringFixed(2), a.DropPct.StringFixed(1), a.Average.StringFixed(2), a.Samples)
	case models.AlertSpike:
		return fmt.Sprintf("📦 <b>%s</b>: listings %d → <b>%d</b> (+%s%%), possible price pressure",
			name, a.PrevListings, a.Listings, a.SpikePct.StringFixed(0))
	case models.AlertBargain:
		lines := []string{
			fmt.Sprintf("🚨 <b>PRICE ALERT: %s</b>", name),
			fmt.Sprintf("Floor: %s€ | Threshold: &lt;%s€", a.Reference.StringFixed(2), a.Threshold.StringFixed(2)),
		}
		for _, bg := range a.Bargains {
			lines = append(lines, fmt.Sprintf("🔥 %s: <b>%s€</b> (x%d), %s%% below floor",
				html.EscapeString(bg.Listing.Seller), bg.Listing.Price.StringFixed(2),
				bg.Listing.Quantity, bg.PctBelow.StringFixed(1)))
		}
		return strings.Join(lines, "\n")
	case models.AlertSuspectedSale:
		if a.Sale == nil {
			return ""
		}
		return fmt.Sprintf("💸 <b>%s</b>: suspected sale by %s @ %s€",
			name, html.EscapeString(a.Sale.Seller), a.Sale.Price.StringFixed(2))
	default:
		return fmt.Sprintf("<b>%s</b>: %s", name, a.Kind)
	}
}
