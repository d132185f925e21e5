package zhihu

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/playwright-community/playwright-go"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/topnlabs/pressline/internal/browser"
	"github.com/topnlabs/pressline/internal/platform/login"
)

// scan_info statuses on the QR polling endpoint.
const (
	scanStatusScanned = 1
	scanStatusExpired = 5
)

// QRStrategy renders the signin QR code, registers it for out-of-band
// polling, and reports NeedsHuman. The browser context stays alive in a
// background watcher: when the human confirms on their phone the watcher
// saves the fresh cookie bundle and resolves the registry session, then
// tears the context down. The caller resumes through the cookie path.
type QRStrategy struct {
	runtime  *browser.Runtime
	cookies  *browser.CookieStore
	registry *login.Registry
	http     *req.Client
	logger   *zap.Logger
}

func NewQRStrategy(runtime *browser.Runtime, cookies *browser.CookieStore, registry *login.Registry, logger *zap.Logger) *QRStrategy {
	return &QRStrategy{
		runtime:  runtime,
		cookies:  cookies,
		registry: registry,
		http: req.C().
			SetTimeout(10 * time.Second).
			SetUserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"),
		logger: logger,
	}
}

func (s *QRStrategy) Name() string { return "qr" }

func (s *QRStrategy) Attempt(ctx context.Context, creds login.Credentials) (*login.Result, error) {
	browserCtx, page, err := s.runtime.NewContext(nil)
	if err != nil {
		return nil, err
	}

	qrBase64, err := s.renderQR(page)
	if err != nil {
		_ = browserCtx.Close()
		return &login.Result{Outcome: login.Failed, Detail: err.Error()}, nil
	}

	session := s.registry.Create(creds.UserID, creds.Platform, qrBase64, s.runtime.QRScanWait)

	// Zhihu's frontend polls a scan_info endpoint; mirroring those
	// responses gives the UI a "scanned, confirm on phone" intermediate
	// state without touching the endpoint ourselves.
	page.OnResponse(func(response playwright.Response) {
		if !strings.Contains(response.URL(), "scan_info") {
			return
		}
		body, err := response.Body()
		if err != nil {
			return
		}
		switch gjson.GetBytes(body, "status").Int() {
		case scanStatusScanned:
			s.registry.Update(session.ID, login.ScanScanned, "scanned, waiting for confirmation")
		case scanStatusExpired:
			s.registry.Update(session.ID, login.ScanExpired, "QR code expired, please retry")
		}
	})

	go s.watch(browserCtx, page, creds, session.ID)

	s.logger.Info("QR code rendered, waiting for scan",
		zap.String("qr_session_id", session.ID),
		zap.Uint("user_id", creds.UserID))

	return &login.Result{
		Outcome:     login.NeedsHuman,
		Detail:      "scan the QR code to continue",
		QRSessionID: session.ID,
	}, nil
}

// renderQR navigates to the signin page, switches to the QR tab and
// extracts the code as base64 PNG. Extraction falls back through data
// URI, remote image URL, canvas and element screenshot.
func (s *QRStrategy) renderQR(page playwright.Page) (string, error) {
	if _, err := page.Goto(signinURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return "", fmt.Errorf("failed to load signin page: %w", err)
	}
	page.WaitForTimeout(2000)

	if tab := firstVisible(page, qrTabSelectors); tab != nil {
		_ = tab.Click()
		page.WaitForTimeout(1000)
	}

	qr := firstVisible(page, qrImageSelectors)
	if qr == nil {
		return "", fmt.Errorf("QR code element not found on signin page")
	}

	if src, err := qr.GetAttribute("src"); err == nil && src != "" {
		if strings.HasPrefix(src, "data:image") {
			if _, payload, found := strings.Cut(src, ","); found {
				return payload, nil
			}
		}
		if strings.HasPrefix(src, "http") {
			return s.fetchQRImage(src)
		}
	}

	// Canvas-rendered QR has no src at all
	if data, err := qr.Evaluate(`el => el.tagName === "CANVAS" ? el.toDataURL("image/png") : ""`, nil); err == nil {
		if dataURL, ok := data.(string); ok && dataURL != "" {
			if _, payload, found := strings.Cut(dataURL, ","); found {
				return payload, nil
			}
		}
	}

	shot, err := qr.Screenshot()
	if err != nil {
		return "", fmt.Errorf("failed to capture QR code: %w", err)
	}
	return base64Encode(shot), nil
}

func (s *QRStrategy) fetchQRImage(url string) (string, error) {
	resp, err := s.http.R().Get(url)
	if err != nil {
		return "", fmt.Errorf("failed to download QR image: %w", err)
	}
	if resp.IsErrorState() {
		return "", fmt.Errorf("QR image download returned %s", resp.Status)
	}
	return base64Encode(resp.Bytes()), nil
}

// watch owns the QR browser context after Attempt returns. It polls the
// page until the scan confirms, the code expires, or the wait window
// closes, then resolves the registry session and closes the context.
func (s *QRStrategy) watch(browserCtx playwright.BrowserContext, page playwright.Page, creds login.Credentials, sessionID string) {
	defer browserCtx.Close()

	deadline := time.Now().Add(s.runtime.QRScanWait)
	for time.Now().Before(deadline) {
		html, err := page.Content()
		if err != nil {
			// Context torn down underneath the watcher
			s.registry.Update(sessionID, login.ScanExpired, "browser session lost")
			return
		}

		if LoginVerdict(page.URL(), html) == SignedIn {
			if bundle, err := browser.CollectBundle(browserCtx); err == nil {
				if err := s.cookies.Save(creds.Platform, creds.Username, bundle); err != nil {
					s.logger.Error("Failed to persist cookies after QR login",
						zap.String("username", creds.Username), zap.Error(err))
				}
			}
			s.registry.Update(sessionID, login.ScanConfirmed, "login confirmed")
			s.logger.Info("QR login confirmed", zap.String("qr_session_id", sessionID))
			return
		}

		time.Sleep(2 * time.Second)
	}

	s.registry.Update(sessionID, login.ScanExpired, "QR scan timed out")
	s.logger.Info("QR scan window closed without confirmation", zap.String("qr_session_id", sessionID))
}
