package browser

import (
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
)

// playwrightDriver runs one chromium process and mints one context plus
// one page per lease.
type playwrightDriver struct {
	config  Config
	pw      *playwright.Playwright
	browser playwright.Browser
}

func newPlaywrightDriver(config Config) *playwrightDriver {
	return &playwrightDriver{config: config}
}

func (d *playwrightDriver) Start() error {
	if err := playwright.Install(&playwright.RunOptions{Verbose: false}); err != nil {
		return fmt.Errorf("install playwright: %w", err)
	}
	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("start playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(d.config.Headless),
	})
	if err != nil {
		pw.Stop()
		return fmt.Errorf("launch chromium: %w", err)
	}
	d.pw = pw
	d.browser = browser
	return nil
}

func (d *playwrightDriver) NewPage() (*pageContext, error) {
	if d.browser == nil {
		return nil, fmt.Errorf("browser driver not started")
	}
	opts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  d.config.ViewportWidth,
			Height: d.config.ViewportHeight,
		},
		AcceptDownloads:   playwright.Bool(true),
		IgnoreHttpsErrors: playwright.Bool(true),
	}
	if d.config.UserAgent != "" {
		opts.UserAgent = playwright.String(d.config.UserAgent)
	}
	bctx, err := d.browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}
	page.SetDefaultTimeout(float64(d.config.SelectorTimeout.Milliseconds()))

	return &pageContext{
		page: &playwrightPage{page: page, config: d.config},
		reset: func() error {
			if err := bctx.ClearCookies(); err != nil {
				return err
			}
			_, err := page.Goto("about:blank")
			return err
		},
		close: func() error {
			page.Close()
			return bctx.Close()
		},
	}, nil
}

func (d *playwrightDriver) Stop() error {
	if d.browser != nil {
		if err := d.browser.Close(); err != nil {
			return fmt.Errorf("close browser: %w", err)
		}
		d.browser = nil
	}
	if d.pw != nil {
		if err := d.pw.Stop(); err != nil {
			return fmt.Errorf("stop playwright: %w", err)
		}
		d.pw = nil
	}
	return nil
}

// playwrightPage adapts a playwright page to the Page surface.
type playwrightPage struct {
	page   playwright.Page
	config Config
}

func (p *playwrightPage) Goto(url string) error {
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(p.config.NavigationTimeout.Milliseconds())),
	})
	return err
}

func (p *playwrightPage) Click(selector string) error {
	return p.page.Click(selector, playwright.PageClickOptions{
		Timeout: playwright.Float(float64(p.config.SelectorTimeout.Milliseconds())),
	})
}

func (p *playwrightPage) Fill(selector, text string) error {
	return p.page.Fill(selector, text, playwright.PageFillOptions{
		Timeout: playwright.Float(float64(p.config.SelectorTimeout.Milliseconds())),
	})
}

func (p *playwrightPage) WaitForSelector(selector string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = p.config.SelectorTimeout
	}
	_, err := p.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	return err
}

func (p *playwrightPage) WaitForIdle(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = p.config.NavigationTimeout
	}
	return p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
}

func (p *playwrightPage) TextContent(selector string) (string, error) {
	return p.page.TextContent(selector)
}

func (p *playwrightPage) Title() (string, error) {
	return p.page.Title()
}

func (p *playwrightPage) URL() string {
	return p.page.URL()
}

func (p *playwrightPage) Screenshot(fullPage bool) ([]byte, error) {
	return p.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(fullPage),
		Type:     playwright.ScreenshotTypePng,
	})
}

func (p *playwrightPage) ScrollTo(selector string) error {
	_, err := p.page.Evaluate("sel => document.querySelector(sel).scrollIntoView()", selector)
	return err
}
