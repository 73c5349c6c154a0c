package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"cardmarket-tracker/models"
)

const defaultFilter = "sellerCountry=7&language=1"

// Catalog is the per-product configuration table, keyed by CLI product key.
type Catalog map[string]*models.Product

// DefaultCatalog returns the built-in product table.
func DefaultCatalog() Catalog {
	return Catalog{
		"arcane": {
			ID:               1,
			Key:              "arcane",
			Name:             "Arcane Box Set",
			URL:              "https://www.cardmarket.com/en/Riftbound/Products/Box-Sets/Arcane-Box-Set",
			Filter:           defaultFilter,
			RequiredLocation: "Germany",
			AlertThreshold:   threshold(175),
		},
		"origins": {
			ID:               2,
			Key:              "origins",
			Name:             "Origins Booster Box",
			URL:              "https://www.cardmarket.com/en/Riftbound/Products/Booster-Boxes/Origins-Booster-Box",
			Filter:           defaultFilter,
			RequiredLocation: "Germany",
			AlertThreshold:   threshold(178),
		},
		"spiritforged": {
			ID:               3,
			Key:              "spiritforged",
			Name:             "Spiritforged Booster Box",
			URL:              "https://www.cardmarket.com/en/Riftbound/Products/Booster-Boxes/Spiritforged-Booster-Box",
			Filter:           defaultFilter,
			RequiredLocation: "Germany",
			AlertThreshold:   threshold(153),
		},
	}
}

type productEntry struct {
	ID               int64    `yaml:"id"`
	Name             string   `yaml:"name"`
	URL              string   `yaml:"url"`
	Filter           *string  `yaml:"filter"`
	RequiredLocation string   `yaml:"required_location"`
	AlertThreshold   *float64 `yaml:"alert_threshold"`
}

// LoadCatalog returns the built-in table, replaced by the YAML file at path
// when one is given. The file maps product keys to entries:
//
//	origins:
//	  id: 2
//	  name: Origins Booster Box
//	  url: https://...
//	  required_location: Germany
//	  alert_threshold: 178
func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %q: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML product table.
func ParseCatalog(data []byte) (Catalog, error) {
	var entries map[string]productEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("catalog: no products defined")
	}

	cat := make(Catalog, len(entries))
	ids := make(map[int64]string, len(entries))
	for key, e := range entries {
		key = strings.ToLower(strings.TrimSpace(key))
		if e.ID <= 0 || e.URL == "" || e.RequiredLocation == "" {
			return nil, fmt.Errorf("catalog: product %q needs id, url and required_location", key)
		}
		if other, dup := ids[e.ID]; dup {
			return nil, fmt.Errorf("catalog: products %q and %q share id %d", other, key, e.ID)
		}
		ids[e.ID] = key

		p := &models.Product{
			ID:               e.ID,
			Key:              key,
			Name:             e.Name,
			URL:              e.URL,
			Filter:           defaultFilter,
			RequiredLocation: e.RequiredLocation,
		}
		if e.Filter != nil {
			p.Filter = *e.Filter
		}
		if p.Name == "" {
			p.Name = key
		}
		if e.AlertThreshold != nil {
			p.AlertThreshold = threshold(*e.AlertThreshold)
		}
		cat[key] = p
	}
	return cat, nil
}

// Lookup returns the product for a CLI key.
func (c Catalog) Lookup(key string) (*models.Product, bool) {
	p, ok := c[strings.ToLower(strings.TrimSpace(key))]
	return p, ok
}

// Keys returns the product keys in sorted order.
func (c Catalog) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Products returns the catalog entries ordered by product ID.
func (c Catalog) Products() []*models.Product {
	out := make([]*models.Product, 0, len(c))
	for _, p := range c {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func threshold(v float64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromFloat(v))
}
