package config

import (
	"testing"
)

func TestDefaultCatalogLookup(t *testing.T) {
	cat := DefaultCatalog()

	p, ok := cat.Lookup(" Origins ")
	if !ok {
		t.Fatal("origins should be in the default catalog")
	}
	if p.ID != 2 {
		t.Errorf("origins id: got %d, want 2", p.ID)
	}
	if p.RequiredLocation != "Germany" {
		t.Errorf("required location: got %q, want Germany", p.RequiredLocation)
	}
	if !p.AlertThreshold.Valid || p.AlertThreshold.Decimal.String() != "178" {
		t.Errorf("threshold: got %v, want 178", p.AlertThreshold)
	}
	want := "https://www.cardmarket.com/en/Riftbound/Products/Booster-Boxes/Origins-Booster-Box?sellerCountry=7&language=1"
	if p.FilterURL() != want {
		t.Errorf("FilterURL: got %q, want %q", p.FilterURL(), want)
	}

	if _, ok := cat.Lookup("unknown"); ok {
		t.Error("unknown key should not resolve")
	}
}

func TestCatalogOrdering(t *testing.T) {
	cat := DefaultCatalog()

	keys := cat.Keys()
	if len(keys) != 3 || keys[0] != "arcane" || keys[2] != "spiritforged" {
		t.Errorf("Keys: got %v", keys)
	}

	products := cat.Products()
	for i := 1; i < len(products); i++ {
		if products[i-1].ID >= products[i].ID {
			t.Errorf("Products not ordered by id: %d before %d", products[i-1].ID, products[i].ID)
		}
	}
}

func TestParseCatalog(t *testing.T) {
	data := []byte(`
Origins:
  id: 2
  name: Origins Booster Box
  url: https://example.com/origins
  required_location: Germany
  alert_threshold: 178.5
nofilter:
  id: 4
  url: https://example.com/nofilter
  filter: ""
  required_location: France
`)

	cat, err := ParseCatalog(data)
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}

	p, ok := cat.Lookup("origins")
	if !ok {
		t.Fatal("keys should be lower-cased")
	}
	if p.Filter != defaultFilter {
		t.Errorf("filter default: got %q, want %q", p.Filter, defaultFilter)
	}
	if p.AlertThreshold.Decimal.String() != "178.5" {
		t.Errorf("threshold: got %s, want 178.5", p.AlertThreshold.Decimal)
	}

	nf, _ := cat.Lookup("nofilter")
	if nf.Filter != "" {
		t.Errorf("explicit empty filter: got %q", nf.Filter)
	}
	if nf.Name != "nofilter" {
		t.Errorf("name fallback: got %q", nf.Name)
	}
	if nf.AlertThreshold.Valid {
		t.Error("threshold should be unset when omitted")
	}
}

func TestParseCatalogRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ``},
		{"missing url", "a:\n  id: 1\n  required_location: Germany\n"},
		{"duplicate id", "a:\n  id: 1\n  url: x\n  required_location: G\nb:\n  id: 1\n  url: y\n  required_location: G\n"},
	}

	for _, tt := range tests {
		if _, err := ParseCatalog([]byte(tt.data)); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}
