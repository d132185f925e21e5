// Package browser owns the playwright runtime shared by login strategies
// and the publish executor. One chromium process serves the whole worker;
// each task gets its own browser context with a fresh fingerprint.
package browser

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/topnlabs/pressline/internal/config"
)

type Runtime struct {
	logger  *zap.Logger
	cfg     *config.BrowserConfig
	pw      *playwright.Playwright
	browser playwright.Browser
	mutex   sync.Mutex

	NavigationWait time.Duration
	ElementWait    time.Duration
	QRScanWait     time.Duration
}

func NewRuntime(cfg *config.BrowserConfig, logger *zap.Logger) (*Runtime, error) {
	navWait, err := time.ParseDuration(cfg.NavigationWait)
	if err != nil {
		return nil, fmt.Errorf("invalid navigation_wait: %w", err)
	}
	elemWait, err := time.ParseDuration(cfg.ElementWait)
	if err != nil {
		return nil, fmt.Errorf("invalid element_wait: %w", err)
	}
	qrWait, err := time.ParseDuration(cfg.QRScanWait)
	if err != nil {
		return nil, fmt.Errorf("invalid qr_scan_wait: %w", err)
	}

	return &Runtime{
		logger:         logger,
		cfg:            cfg,
		NavigationWait: navWait,
		ElementWait:    elemWait,
		QRScanWait:     qrWait,
	}, nil
}

// ensureBrowser launches playwright and chromium lazily so processes that
// never touch a browser (the HTTP server without QR flows) pay nothing.
func (r *Runtime) ensureBrowser() (playwright.Browser, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.browser != nil && r.browser.IsConnected() {
		return r.browser, nil
	}

	if r.pw == nil {
		pw, err := playwright.Run()
		if err != nil {
			return nil, fmt.Errorf("failed to start playwright: %w", err)
		}
		r.pw = pw
	}

	opts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(r.cfg.Headless),
		Args: []string{
			"--no-sandbox",
			"--disable-dev-shm-usage",
			"--disable-gpu",
			"--disable-blink-features=AutomationControlled",
		},
	}
	if r.cfg.ExecutablePath != "" {
		opts.ExecutablePath = playwright.String(r.cfg.ExecutablePath)
	}

	browser, err := r.pw.Chromium.Launch(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch chromium: %w", err)
	}

	r.logger.Info("Chromium launched", zap.Bool("headless", r.cfg.Headless))
	r.browser = browser
	return browser, nil
}

// NewContext opens a fresh browser context with a randomized fingerprint
// and optionally preloads a cookie bundle into it.
func (r *Runtime) NewContext(cookies Bundle) (playwright.BrowserContext, playwright.Page, error) {
	browser, err := r.ensureBrowser()
	if err != nil {
		return nil, nil, err
	}

	fp := randomFingerprint()
	context, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:         playwright.String(fp.userAgent),
		Viewport:          &playwright.Size{Width: fp.width, Height: fp.height},
		Locale:            playwright.String("zh-CN"),
		TimezoneId:        playwright.String("Asia/Shanghai"),
		ExtraHttpHeaders:  fp.headers,
		IgnoreHttpsErrors: playwright.Bool(false),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	if len(cookies) > 0 {
		if err := ApplyBundle(context, cookies); err != nil {
			_ = context.Close()
			return nil, nil, fmt.Errorf("failed to apply cookies: %w", err)
		}
	}

	page, err := context.NewPage()
	if err != nil {
		_ = context.Close()
		return nil, nil, fmt.Errorf("failed to open page: %w", err)
	}

	page.SetDefaultTimeout(float64(r.ElementWait.Milliseconds()))
	page.SetDefaultNavigationTimeout(float64(r.NavigationWait.Milliseconds()))
	return context, page, nil
}

// SlowInputDelay is the per-character delay used by the executor's slow
// retry path.
func (r *Runtime) SlowInputDelay() time.Duration {
	return time.Duration(r.cfg.SlowInputDelayMs) * time.Millisecond
}

func (r *Runtime) Close() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.browser != nil {
		if err := r.browser.Close(); err != nil {
			r.logger.Warn("Failed to close browser", zap.Error(err))
		}
		r.browser = nil
	}
	if r.pw != nil {
		if err := r.pw.Stop(); err != nil {
			r.logger.Warn("Failed to stop playwright", zap.Error(err))
		}
		r.pw = nil
	}
}

type fingerprint struct {
	userAgent string
	width     int
	height    int
	headers   map[string]string
}

// randomFingerprint mildly varies the context so repeated sessions don't
// look identical to the target site.
func randomFingerprint() fingerprint {
	chromeVersions := []string{"120", "121", "122", "123", "124", "125"}
	version := chromeVersions[rand.Intn(len(chromeVersions))]

	return fingerprint{
		userAgent: fmt.Sprintf(
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s.0.0.0 Safari/537.36",
			version,
		),
		width:  1920 + rand.Intn(100) - 50,
		height: 1080 + rand.Intn(100) - 50,
		headers: map[string]string{
			"Accept-Language":    "zh-CN,zh;q=0.9,en;q=0.8",
			"Sec-Ch-Ua":          fmt.Sprintf(`"Not_A Brand";v="8", "Chromium";v="%s", "Google Chrome";v="%s"`, version, version),
			"Sec-Ch-Ua-Mobile":   "?0",
			"Sec-Ch-Ua-Platform": `"Windows"`,
		},
	}
}
