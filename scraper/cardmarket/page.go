// Package cardmarket drives a Cardmarket product page to a complete listing
// set and turns its rows into typed listings.
package cardmarket

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoRowsFound means the listing table never rendered a single row.
	// It is a load failure, not an empty market.
	ErrNoRowsFound = errors.New("no listing rows found")
	// ErrPageLoadTimeout means the product page could not be loaded.
	ErrPageLoadTimeout = errors.New("page load timeout")
)

// Trigger is one way of locating the "load more" affordance. Selector is a CSS
// selector; when Text is set only elements whose text contains it (case
// insensitive) match.
type Trigger struct {
	Name     string
	Selector string
	Text     string
}

// DefaultTriggers are tried in order; the marketplace UI is not stable so
// several shapes of the same button are kept.
var DefaultTriggers = []Trigger{
	{Name: "zeige-mehr", Selector: "button", Text: "ZEIGE MEHR"},
	{Name: "load-more-text", Selector: "button", Text: "Load more"},
	{Name: "show-more-text", Selector: "button", Text: "Show more"},
	{Name: "load-more-class", Selector: ".load-more-articles"},
	{Name: "load-more-testid", Selector: `[data-testid="load-more"]`},
	{Name: "table-footer", Selector: ".table-footer button"},
}

// Field names one sub-element of a row and the attributes to capture from it.
type Field struct {
	Selector string   `json:"selector"`
	Attrs    []string `json:"attrs,omitempty"`
}

// Row is the captured content of one rendered listing row.
type Row interface {
	// ID is the row's DOM id, empty when it has none.
	ID() string
	// Text returns the text content of the first element matching sel.
	Text(sel string) (string, bool)
	// Attr returns attribute name of the first element matching sel.
	Attr(sel, name string) (string, bool)
}

// Page is the browser capability the scraper consumes.
type Page interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	Count(ctx context.Context, selector string) (int, error)
	// ClickTrigger activates the first element matching t. It reports false
	// with a nil error when no visible element matches; an error means the
	// interaction itself failed and may be retried.
	ClickTrigger(ctx context.Context, t Trigger) (bool, error)
	ScrollToBottom(ctx context.Context) error
	Rows(ctx context.Context, selector string, fields []Field) ([]Row, error)
}

// PageOpener hands out fresh pages, one per scrape.
type PageOpener interface {
	OpenPage(ctx context.Context) (Page, func(), error)
}

// CapturedField is the content of one sub-element of a row.
type CapturedField struct {
	Text  string            `json:"text"`
	Attrs map[string]string `json:"attrs"`
}

// CapturedRow is a Row backed by content already read from the DOM.
type CapturedRow struct {
	RowID  string                   `json:"id"`
	Fields map[string]CapturedField `json:"fields"`
}

func (r *CapturedRow) ID() string { return r.RowID }

func (r *CapturedRow) Text(sel string) (string, bool) {
	f, ok := r.Fields[sel]
	if !ok {
		return "", false
	}
	return f.Text, true
}

func (r *CapturedRow) Attr(sel, name string) (string, bool) {
	f, ok := r.Fields[sel]
	if !ok {
		return "", false
	}
	v, ok := f.Attrs[name]
	return v, ok
}
