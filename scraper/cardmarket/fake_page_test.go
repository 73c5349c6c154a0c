package cardmarket

import (
	"context"
	"errors"
	"time"
)

// fakePage simulates a listing table that grows when triggers are clicked or
// the page is scrolled.
type fakePage struct {
	navErrs int
	navErr  error
	waitErr error

	count int

	// growth per successful click, consumed in order, keyed by trigger name.
	clickGrowth map[string][]int
	// number of interaction errors returned before a trigger works.
	clickErrs map[string]int
	// triggers present on the page but not visible.
	hidden map[string]bool

	scrollGrowth []int
	rows         []Row

	// Count calls (1-based) that fail.
	countErrs  map[int]bool
	countCalls int

	navigations int
	clicks      map[string]int
	scrolls     int
}

func newFakePage(initial int) *fakePage {
	return &fakePage{
		count:       initial,
		clickGrowth: map[string][]int{},
		clickErrs:   map[string]int{},
		hidden:      map[string]bool{},
		clicks:      map[string]int{},
		countErrs:   map[int]bool{},
	}
}

func (p *fakePage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	p.navigations++
	if p.navErrs > 0 {
		p.navErrs--
		if p.navErr != nil {
			return p.navErr
		}
		return errors.New("net::ERR_TIMED_OUT")
	}
	return nil
}

func (p *fakePage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return p.waitErr
}

func (p *fakePage) Count(ctx context.Context, selector string) (int, error) {
	p.countCalls++
	if p.countErrs[p.countCalls] {
		return 0, errors.New("Runtime.evaluate: execution context was destroyed")
	}
	return p.count, nil
}

func (p *fakePage) ClickTrigger(ctx context.Context, t Trigger) (bool, error) {
	if n := p.clickErrs[t.Name]; n > 0 {
		p.clickErrs[t.Name] = n - 1
		return false, errors.New("element click intercepted")
	}
	if p.hidden[t.Name] {
		return false, nil
	}
	growth, present := p.clickGrowth[t.Name]
	if !present {
		return false, nil
	}
	p.clicks[t.Name]++
	if len(growth) > 0 {
		p.count += growth[0]
		p.clickGrowth[t.Name] = growth[1:]
	}
	return true, nil
}

func (p *fakePage) ScrollToBottom(ctx context.Context) error {
	p.scrolls++
	if len(p.scrollGrowth) > 0 {
		p.count += p.scrollGrowth[0]
		p.scrollGrowth = p.scrollGrowth[1:]
	}
	return nil
}

func (p *fakePage) Rows(ctx context.Context, selector string, fields []Field) ([]Row, error) {
	return p.rows, nil
}

type fakeOpener struct {
	page   *fakePage
	closed bool
}

func (o *fakeOpener) OpenPage(ctx context.Context) (Page, func(), error) {
	return o.page, func() { o.closed = true }, nil
}

type recordingSleep struct {
	total time.Duration
	calls int
	ds    []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.calls++
	r.total += d
	r.ds = append(r.ds, d)
	return ctx.Err()
}

// row builds a CapturedRow the way the browser capture would.
func row(id, seller, price, qty, location string) *CapturedRow {
	r := &CapturedRow{RowID: id, Fields: map[string]CapturedField{}}
	if seller != "" {
		r.Fields[SellerSelector] = CapturedField{Text: seller}
	}
	if price != "" {
		r.Fields[PriceSelector] = CapturedField{Text: price}
	}
	if qty != "" {
		r.Fields[QuantitySelector] = CapturedField{Text: qty}
	}
	if location != "" {
		r.Fields[LocationSelector] = CapturedField{Attrs: map[string]string{
			"aria-label": "Item location: " + location,
		}}
	}
	return r
}
