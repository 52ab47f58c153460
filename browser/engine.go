package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pw "github.com/playwright-community/playwright-go"
)

// ErrNavigationTimeout means the page did not finish loading in time. A
// partial snapshot usually still accompanies it.
var ErrNavigationTimeout = errors.New("navigation timed out")

// ErrNavigationFailed means the navigation could not complete at all.
var ErrNavigationFailed = errors.New("navigation failed")

// PageSnapshot is what a navigation yields: rendered content plus whatever
// structure the extractor could discover.
type PageSnapshot struct {
	URL        string      `json:"url"`
	Title      string      `json:"title"`
	Text       string      `json:"text"`
	Images     []string    `json:"images,omitempty"`
	Links      []Link      `json:"links,omitempty"`
	FormFields []FormField `json:"form_fields,omitempty"`
	Partial    bool        `json:"partial"`
	CapturedAt time.Time   `json:"captured_at"`
}

// Link pairs anchor text with its href.
type Link struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

// FormField describes one fillable input discovered on the page.
type FormField struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Placeholder string `json:"placeholder,omitempty"`
}

// Engine launches fresh browsing sessions. One Engine is shared across tasks;
// each sub-task gets its own Session so cookies never leak between tasks.
type Engine struct {
	navTimeout time.Duration

	pwOnce sync.Once
	pwErr  error
}

func NewEngine(navTimeout time.Duration) *Engine {
	if navTimeout <= 0 {
		navTimeout = 30 * time.Second
	}
	return &Engine{navTimeout: navTimeout}
}

// installDriver runs the one-time Playwright driver setup.
func (e *Engine) installDriver() error {
	e.pwOnce.Do(func() {
		log.Println("🔧 [BROWSER] Installing Playwright driver (one-time setup)...")
		e.pwErr = pw.Install(&pw.RunOptions{
			SkipInstallBrowsers: true,
			Verbose:             false,
		})
		if e.pwErr != nil {
			log.Printf("⚠️ [BROWSER] Playwright driver installation warning: %v", e.pwErr)
			e.pwErr = nil // a pre-installed driver still works
		}
	})
	return e.pwErr
}

// Session is a single browsing context: one browser, one page, no state
// shared with any other session. Lives for the duration of one web sub-task.
type Session struct {
	ID         string
	CurrentURL string

	engine  *Engine
	pwInst  *pw.Playwright
	browser pw.Browser
	page    pw.Page
}

// NewSession starts an isolated browsing session.
func (e *Engine) NewSession(ctx context.Context) (*Session, error) {
	if err := e.installDriver(); err != nil {
		return nil, err
	}

	pwInst, err := pw.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start Playwright: %w", err)
	}

	launchOptions := pw.BrowserTypeLaunchOptions{Headless: pw.Bool(true)}
	if path := chromiumPath(); path != "" {
		launchOptions.ExecutablePath = pw.String(path)
		log.Printf("🚀 [BROWSER] Using browser executable: %s", path)
	}

	browser, err := pwInst.Chromium.Launch(launchOptions)
	if err != nil {
		pwInst.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	page, err := browser.NewPage()
	if err != nil {
		browser.Close()
		pwInst.Stop()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(float64(e.navTimeout.Milliseconds()))

	return &Session{
		ID:      uuid.New().String(),
		engine:  e,
		pwInst:  pwInst,
		browser: browser,
		page:    page,
	}, nil
}

// Fetch is the one-shot form used for a single browsing sub-task: fresh
// session, navigate, snapshot, close. Session isolation comes for free since
// nothing survives the call. A timeout still yields the partial snapshot
// alongside ErrNavigationTimeout.
func (e *Engine) Fetch(ctx context.Context, url string) (*PageSnapshot, error) {
	session, err := e.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()
	return session.Navigate(ctx, url)
}

// chromiumPath resolves the browser binary, preferring the env override and
// falling back through common install locations.
func chromiumPath() string {
	if p := os.Getenv("PLAYWRIGHT_EXECUTABLE_PATH"); p != "" {
		return p
	}
	for _, p := range []string{
		"/usr/bin/chromium",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Close releases the browser and the Playwright runtime.
func (s *Session) Close() {
	if s.page != nil {
		_ = s.page.Close()
	}
	if s.browser != nil {
		_ = s.browser.Close()
	}
	if s.pwInst != nil {
		_ = s.pwInst.Stop()
	}
}

// Navigate loads a URL with JS rendering, retrying once on transient network
// failure. A timeout returns whatever partial content rendered so far rather
// than failing the whole task.
func (s *Session) Navigate(ctx context.Context, url string) (*PageSnapshot, error) {
	var gotoErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, gotoErr = s.page.Goto(url, pw.PageGotoOptions{
			WaitUntil: pw.WaitUntilStateLoad,
			Timeout:   pw.Float(float64(s.engine.navTimeout.Milliseconds())),
		})
		if gotoErr == nil {
			break
		}
		if isTimeout(gotoErr) {
			// The page may be half-rendered; salvage what we have.
			log.Printf("⏱️ [BROWSER] Navigation to %s timed out, capturing partial content", url)
			snap := s.snapshot()
			snap.Partial = true
			return snap, ErrNavigationTimeout
		}
		log.Printf("⚠️ [BROWSER] Navigation attempt %d failed: %v", attempt+1, gotoErr)
	}
	if gotoErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNavigationFailed, gotoErr)
	}

	s.CurrentURL = s.page.URL()
	return s.snapshot(), nil
}

// FollowLink clicks a selector and snapshots the resulting page.
func (s *Session) FollowLink(ctx context.Context, selector string) (*PageSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	err := s.page.Locator(selector).First().Click(pw.LocatorClickOptions{
		Timeout: pw.Float(float64(s.engine.navTimeout.Milliseconds())),
	})
	if err != nil {
		return nil, clickError(selector, err)
	}
	// Give client-side navigation a moment to settle.
	time.Sleep(500 * time.Millisecond)
	s.CurrentURL = s.page.URL()
	return s.snapshot(), nil
}

// FillForm fills visible inputs in document order with the given values and
// applies select values by option value or text. Returns how many fields
// were actually filled.
func (s *Session) FillForm(ctx context.Context, fillValues []string, selectValues []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if fillValues == nil {
		fillValues = []string{}
	}
	if selectValues == nil {
		selectValues = []string{}
	}

	result, err := s.page.Evaluate(`(values, selectValues) => {
		if (!Array.isArray(values)) values = [];
		if (!Array.isArray(selectValues)) selectValues = [];

		const isVisible = (el) => {
			const style = window.getComputedStyle(el);
			return style && style.display !== 'none' && style.visibility !== 'hidden' && el.offsetParent !== null;
		};

		const inputs = Array.from(document.querySelectorAll('input, textarea')).filter((el) => {
			if (!isVisible(el)) return false;
			const type = (el.getAttribute('type') || '').toLowerCase();
			if (['hidden', 'submit', 'button', 'checkbox', 'radio', 'file'].includes(type)) return false;
			if (el.disabled || el.readOnly) return false;
			return true;
		});

		let filled = 0;
		for (let i = 0; i < inputs.length && filled < values.length; i++) {
			const el = inputs[i];
			const v = values[filled];
			if (typeof v !== 'string' || v.trim() === '') continue;
			el.focus();
			el.value = v;
			el.dispatchEvent(new Event('input', { bubbles: true }));
			el.dispatchEvent(new Event('change', { bubbles: true }));
			filled++;
		}

		const selects = Array.from(document.querySelectorAll('select')).filter((el) => isVisible(el) && !el.disabled);
		let selected = 0;
		for (let i = 0; i < selects.length && selected < selectValues.length; i++) {
			const sel = selects[i];
			const target = selectValues[selected];
			const opt = Array.from(sel.options || []).find((o) => o.value === target || (o.textContent || '').trim() === target);
			if (opt) {
				sel.value = opt.value;
				sel.dispatchEvent(new Event('change', { bubbles: true }));
				selected++;
			}
		}

		return { filled: filled + selected };
	}`, fillValues, selectValues)
	if err != nil {
		return 0, fmt.Errorf("form fill evaluate failed: %w", err)
	}
	return filledCount(result), nil
}

// clickError maps a locator click failure onto the navigation error
// sentinels, keeping the selector in the message.
func clickError(selector string, err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: click %s", ErrNavigationTimeout, selector)
	}
	return fmt.Errorf("%w: click %s: %v", ErrNavigationFailed, selector, err)
}

// filledCount decodes the counter object the fill script returns. Anything
// unexpected counts as zero fields filled.
func filledCount(result interface{}) int {
	if m, ok := result.(map[string]interface{}); ok {
		return asInt(m["filled"])
	}
	return 0
}

// snapshot captures the current page: title, readable text, images, links,
// and discoverable form fields. Extraction failures degrade to whatever the
// HTML cleaner can salvage.
func (s *Session) snapshot() *PageSnapshot {
	snap := &PageSnapshot{
		URL:        s.page.URL(),
		CapturedAt: time.Now(),
	}
	if title, err := s.page.Title(); err == nil {
		snap.Title = title
	}

	html, err := s.page.Content()
	if err != nil {
		log.Printf("⚠️ [BROWSER] Failed to read page content: %v", err)
		return snap
	}
	snap.Text = ExtractReadableText(html)

	result, err := s.page.Evaluate(`() => {
		const images = Array.from(document.querySelectorAll('img[src]'))
			.map((i) => i.src)
			.filter((src) => src && src.startsWith('http'))
			.slice(0, 20);
		const links = Array.from(document.querySelectorAll('a[href]'))
			.map((a) => ({ text: (a.textContent || '').trim().slice(0, 120), href: a.href }))
			.filter((l) => l.text && l.href.startsWith('http'))
			.slice(0, 50);
		const fields = Array.from(document.querySelectorAll('input, textarea, select'))
			.map((el) => ({
				name: el.name || el.id || '',
				type: (el.tagName === 'SELECT') ? 'select' : (el.getAttribute('type') || 'text'),
				placeholder: el.placeholder || '',
			}))
			.filter((f) => f.name && f.type !== 'hidden')
			.slice(0, 30);
		return { images, links, fields };
	}`)
	if err != nil {
		log.Printf("⚠️ [BROWSER] Structure extraction failed: %v", err)
		return snap
	}

	if m, ok := result.(map[string]interface{}); ok {
		if imgs, ok := m["images"].([]interface{}); ok {
			for _, v := range imgs {
				if src, ok := v.(string); ok {
					snap.Images = append(snap.Images, src)
				}
			}
		}
		if links, ok := m["links"].([]interface{}); ok {
			for _, v := range links {
				if lm, ok := v.(map[string]interface{}); ok {
					snap.Links = append(snap.Links, Link{
						Text: asString(lm["text"]),
						Href: asString(lm["href"]),
					})
				}
			}
		}
		if fields, ok := m["fields"].([]interface{}); ok {
			for _, v := range fields {
				if fm, ok := v.(map[string]interface{}); ok {
					snap.FormFields = append(snap.FormFields, FormField{
						Name:        asString(fm["name"]),
						Type:        asString(fm["type"]),
						Placeholder: asString(fm["placeholder"]),
					})
				}
			}
		}
	}
	return snap
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
