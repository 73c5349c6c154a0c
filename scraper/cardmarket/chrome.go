package cardmarket

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/chromedp/chromedp"

	"cardmarket-tracker/utils"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"

// spinnerSelector matches overlays that intercept clicks while content loads.
const spinnerSelector = ".spinner, .loader, .loading"

// Browser holds the headless Chrome allocator. Every OpenPage call gets its
// own browser instance, so products never share cookies or state.
type Browser struct {
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
	logger      *utils.Logger
}

// NewBrowser starts the Chrome allocator. chromeBin may be empty to search
// the usual install locations.
func NewBrowser(ctx context.Context, chromeBin string, logger *utils.Logger) *Browser {
	if chromeBin == "" {
		chromeBin = findChromeBinary()
	}
	logger.Info("[browser] Using browser binary: %s", chromeBin)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", "de-DE"),
		chromedp.WindowSize(1920, 2000),
		chromedp.UserAgent(userAgent),
	)
	if chromeBin != "" {
		opts = append(opts, chromedp.ExecPath(chromeBin))
	}

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	return &Browser{allocCtx: allocCtx, cancelAlloc: cancel, logger: logger}
}

// OpenPage starts a browser instance with one tab. The returned func closes it.
func (b *Browser) OpenPage(ctx context.Context) (Page, func(), error) {
	// Suppress chromedp log noise
	tabCtx, cancel := chromedp.NewContext(b.allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))

	// The first Run allocates the tab; doing it here keeps later per-call
	// timeouts from tearing the tab down.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("browser: open tab: %w", err)
	}

	stop := context.AfterFunc(ctx, cancel)
	closeFn := func() {
		stop()
		cancel()
	}
	return &chromePage{ctx: tabCtx}, closeFn, nil
}

// Close shuts the browser down.
func (b *Browser) Close() {
	b.cancelAlloc()
}

// chromePage implements Page on a chromedp tab. All DOM work goes through
// Evaluate so one round trip returns plain data.
type chromePage struct {
	ctx context.Context
}

// run executes actions on the tab, bounded by the caller's ctx.
func (p *chromePage) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx := p.ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if err := p.run(ctx, timeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPageLoadTimeout, url, err)
	}
	return nil
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return p.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *chromePage) Count(ctx context.Context, selector string) (int, error) {
	var n int
	err := p.run(ctx, 10*time.Second,
		chromedp.Evaluate(fmt.Sprintf(`document.querySelectorAll(%s).length`, jsString(selector)), &n))
	return n, err
}

func (p *chromePage) ClickTrigger(ctx context.Context, t Trigger) (bool, error) {
	// Best effort: a spinner that never disappears is not an error, the click
	// below does not go through hit testing anyway.
	var idle bool
	_ = p.run(ctx, 6*time.Second, chromedp.Poll(
		fmt.Sprintf(`(function(){
			var s = document.querySelectorAll(%s);
			for (var i = 0; i < s.length; i++) {
				if (s[i].offsetParent !== null) return false;
			}
			return true;
		})()`, jsString(spinnerSelector)),
		&idle, chromedp.WithPollingTimeout(5*time.Second)))

	var state string
	err := p.run(ctx, 10*time.Second, chromedp.Evaluate(fmt.Sprintf(`
		(function(sel, text) {
			var nodes = document.querySelectorAll(sel);
			var needle = text.toUpperCase();
			for (var i = 0; i < nodes.length; i++) {
				var n = nodes[i];
				if (needle && (n.innerText || n.textContent || '').toUpperCase().indexOf(needle) < 0) {
					continue;
				}
				var r = n.getBoundingClientRect();
				var st = window.getComputedStyle(n);
				if (r.width === 0 || r.height === 0 || st.visibility === 'hidden' || st.display === 'none') {
					return 'hidden';
				}
				n.scrollIntoView({block: 'center'});
				n.click();
				return 'clicked';
			}
			return 'missing';
		})(%s, %s)`, jsString(t.Selector), jsString(t.Text)), &state))
	if err != nil {
		return false, err
	}
	return state == "clicked", nil
}

func (p *chromePage) ScrollToBottom(ctx context.Context) error {
	return p.run(ctx, 10*time.Second,
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil))
}

func (p *chromePage) Rows(ctx context.Context, selector string, fields []Field) ([]Row, error) {
	schema, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode row schema: %w", err)
	}

	var captured []*CapturedRow
	err = p.run(ctx, 30*time.Second, chromedp.Evaluate(fmt.Sprintf(`
		(function(sel, fields) {
			var out = [];
			var rows = document.querySelectorAll(sel);
			for (var i = 0; i < rows.length; i++) {
				var row = rows[i];
				var rec = {id: row.id || '', fields: {}};
				for (var f = 0; f < fields.length; f++) {
					var el = row.querySelector(fields[f].selector);
					if (!el) continue;
					var attrs = {};
					var names = fields[f].attrs || [];
					for (var a = 0; a < names.length; a++) {
						var v = el.getAttribute(names[a]);
						if (v !== null) attrs[names[a]] = v;
					}
					rec.fields[fields[f].selector] = {text: (el.textContent || '').trim(), attrs: attrs};
				}
				out.push(rec);
			}
			return out;
		})(%s, %s)`, jsString(selector), string(schema)), &captured))
	if err != nil {
		return nil, fmt.Errorf("capture rows: %w", err)
	}

	rows := make([]Row, len(captured))
	for i, r := range captured {
		rows[i] = r
	}
	return rows, nil
}

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// findChromeBinary locates Chrome/Chromium binary.
func findChromeBinary() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
