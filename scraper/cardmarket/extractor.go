package cardmarket

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"cardmarket-tracker/models"
	"cardmarket-tracker/utils"
)

// Row selectors of the Cardmarket article table.
const (
	RowSelector      = ".article-row"
	SellerSelector   = `a[href*="/Users/"]`
	PriceSelector    = ".price, .fw-bold"
	QuantitySelector = ".badge, .amount, .item-count"
	LocationSelector = `[aria-label*="Item location:"], [data-bs-original-title*="Item location:"], [title*="Item location:"]`
)

// locationAttrs are checked in order; the site renders the same country
// redundantly as accessible label and tooltip.
var locationAttrs = []string{"aria-label", "data-bs-original-title", "title"}

// RowFields is the capture schema the extractor needs for each row.
var RowFields = []Field{
	{Selector: SellerSelector},
	{Selector: PriceSelector},
	{Selector: QuantitySelector},
	{Selector: LocationSelector, Attrs: locationAttrs},
}

var (
	// priceRegexp captures the number immediately preceding the euro sign.
	priceRegexp    = regexp.MustCompile(`(\d[\d.,]*)[\s\x{00A0}\x{202F}]*€`)
	quantityRegexp = regexp.MustCompile(`\d+`)
	locationRegexp = regexp.MustCompile(`Item location:\s*(\p{L}[\p{L} '\-]*)`)
)

// Extractor maps rendered rows to listings.
type Extractor struct {
	logger *utils.Logger
}

// NewExtractor creates an Extractor with the given logger.
func NewExtractor(logger *utils.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// ExtractAll maps every row, dropping malformed ones and rows whose DOM id was
// already seen.
func (e *Extractor) ExtractAll(rows []Row) []models.Listing {
	seen := utils.NewKeySet()
	out := make([]models.Listing, 0, len(rows))

	for _, row := range rows {
		if id := row.ID(); id != "" && !seen.Add(id) {
			e.logger.Debug("[extractor] duplicate row skipped: %s", id)
			continue
		}
		l, ok := e.Extract(row)
		if !ok {
			continue
		}
		out = append(out, l)
	}

	e.logger.Info("[extractor] parsed %d of %d rows", len(out), len(rows))
	return out
}

// Extract maps one row. It returns false for rows without a seller or a
// positive price; those are placeholders or ads and are skipped silently.
func (e *Extractor) Extract(row Row) (models.Listing, bool) {
	sellerText, _ := row.Text(SellerSelector)
	seller := strings.TrimSpace(sellerText)
	if seller == "" {
		return models.Listing{}, false
	}

	priceText, _ := row.Text(PriceSelector)
	price, ok := ParsePrice(priceText)
	if !ok {
		e.logger.Debug("[extractor] row of %s has no valid price: %q", seller, priceText)
		return models.Listing{}, false
	}

	qtyText, _ := row.Text(QuantitySelector)

	return models.Listing{
		RowID:    row.ID(),
		Seller:   seller,
		Price:    price,
		Quantity: ParseQuantity(qtyText),
		Location: ParseLocation(row),
	}, true
}

// ParsePrice reads the first amount preceding a euro sign, accepting both
// "12,50" and "12.50". Zero and unparseable amounts are invalid.
func ParsePrice(raw string) (decimal.Decimal, bool) {
	m := priceRegexp.FindStringSubmatch(raw)
	if len(m) < 2 {
		return decimal.Decimal{}, false
	}

	d, err := decimal.NewFromString(normaliseAmount(m[1]))
	if err != nil || !d.IsPositive() {
		return decimal.Decimal{}, false
	}
	return d, true
}

// normaliseAmount converts a localized amount to "1234.56". When both
// separators appear the last one is the decimal mark. A lone separator is a
// decimal mark only if it occurs once and is followed by one or two digits.
func normaliseAmount(s string) string {
	s = strings.Trim(s, ".,")
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		sep := lastDot
		if lastComma > lastDot {
			sep = lastComma
		}
		intPart := strings.NewReplacer(".", "", ",", "").Replace(s[:sep])
		return intPart + "." + s[sep+1:]
	case lastDot >= 0 || lastComma >= 0:
		sep, mark := lastDot, "."
		if lastComma >= 0 {
			sep, mark = lastComma, ","
		}
		frac := len(s) - sep - 1
		if strings.Count(s, mark) == 1 && frac >= 1 && frac <= 2 {
			return strings.Replace(s, mark, ".", 1)
		}
		return strings.ReplaceAll(s, mark, "")
	default:
		return s
	}
}

// ParseQuantity returns the first integer in raw, or 1.
func ParseQuantity(raw string) int {
	m := quantityRegexp.FindString(raw)
	if m == "" {
		return 1
	}
	n, err := strconv.Atoi(m)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// ParseLocation resolves the seller country of a row, or models.UnknownLocation.
func ParseLocation(row Row) string {
	for _, attr := range locationAttrs {
		v, ok := row.Attr(LocationSelector, attr)
		if !ok {
			continue
		}
		if m := locationRegexp.FindStringSubmatch(v); len(m) == 2 {
			if loc := strings.TrimSpace(m[1]); loc != "" {
				return loc
			}
		}
	}
	return models.UnknownLocation
}
