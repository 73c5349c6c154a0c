package services

import (
	"strings"
	"testing"

	"cardmarket-tracker/models"
)

func TestFormatAlertsEmpty(t *testing.T) {
	if got := FormatAlerts(nil, testProduct.URL, t0); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestFormatAlerts(t *testing.T) {
	alerts := []models.Alert{
		{
			Kind:        models.AlertThreshold,
			ProductName: "Origins <Box>",
			Floor:       d("170"),
			Threshold:   d("178"),
		},
		{
			Kind:        models.AlertBargain,
			ProductName: "Origins <Box>",
			Reference:   d("100"),
			Threshold:   d("95"),
			Bargains: []models.Bargain{
				{Listing: models.Listing{Seller: "kartenkönig", Price: d("92"), Quantity: 2}, PctBelow: d("8")},
			},
		},
	}

	got := FormatAlerts(alerts, testProduct.FilterURL(), t0)

	for _, want := range []string{
		"Cardmarket Alert</b> (01.03.2026 12:00)",
		"<b>Origins &lt;Box&gt;</b>: floor at <b>170.00€</b>, below threshold (178€)",
		"Floor: 100.00€ | Threshold: &lt;95.00€",
		"🔥 kartenkönig: <b>92.00€</b> (x2), 8.0% below floor",
		"sellerCountry=7&amp;language=1",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("message missing %q:\n%s", want, got)
		}
	}
	if strings.HasSuffix(got, "\n") {
		t.Error("message ends with a newline")
	}
}
