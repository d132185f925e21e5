package zhihu

import (
	"context"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/topnlabs/pressline/internal/browser"
	"github.com/topnlabs/pressline/internal/platform/login"
)

// PasswordStrategy drives the account/password form on the signin page.
// A security challenge (slider, captcha) is reported as NeedsHuman so
// the chain can fall through to the QR flow instead of burning retries
// against something a bot cannot solve.
type PasswordStrategy struct {
	runtime *browser.Runtime
	cookies *browser.CookieStore
	logger  *zap.Logger
}

func NewPasswordStrategy(runtime *browser.Runtime, cookies *browser.CookieStore, logger *zap.Logger) *PasswordStrategy {
	return &PasswordStrategy{runtime: runtime, cookies: cookies, logger: logger}
}

func (s *PasswordStrategy) Name() string { return "password" }

func (s *PasswordStrategy) Attempt(ctx context.Context, creds login.Credentials) (*login.Result, error) {
	if creds.Password == "" {
		return &login.Result{Outcome: login.NotApplicable, Detail: "no password on file"}, nil
	}

	browserCtx, page, err := s.runtime.NewContext(nil)
	if err != nil {
		return nil, err
	}
	session := &login.Session{Context: browserCtx, Page: page}

	result, err := s.fillAndSubmit(ctx, page, creds)
	if err != nil {
		session.Close()
		return nil, err
	}
	if result.Outcome != login.Success {
		session.Close()
		return result, nil
	}

	// Persist the fresh session so the next task takes the cookie path
	if bundle, err := browser.CollectBundle(browserCtx); err == nil {
		if err := s.cookies.Save(creds.Platform, creds.Username, bundle); err != nil {
			s.logger.Warn("Failed to save cookie bundle", zap.String("username", creds.Username), zap.Error(err))
		}
	}

	result.Session = session
	return result, nil
}

func (s *PasswordStrategy) fillAndSubmit(ctx context.Context, page playwright.Page, creds login.Credentials) (*login.Result, error) {
	if _, err := page.Goto(signinURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return nil, fmt.Errorf("failed to load signin page: %w", err)
	}
	page.WaitForTimeout(2000)

	// The signin page may open on the SMS tab; switching is best-effort
	if tab := firstVisible(page, passwordTabSelectors); tab != nil {
		_ = tab.Click()
		page.WaitForTimeout(1000)
	}

	usernameInput := firstVisible(page, usernameInputSelectors)
	if usernameInput == nil {
		return &login.Result{Outcome: login.Failed, Detail: "username input not found"}, nil
	}
	if err := usernameInput.Fill(creds.Username); err != nil {
		return nil, fmt.Errorf("failed to fill username: %w", err)
	}

	passwordInput := firstVisible(page, passwordInputSelectors)
	if passwordInput == nil {
		return &login.Result{Outcome: login.Failed, Detail: "password input not found"}, nil
	}
	if err := passwordInput.Fill(creds.Password); err != nil {
		return nil, fmt.Errorf("failed to fill password: %w", err)
	}

	submit := firstVisible(page, loginButtonSelectors)
	if submit == nil {
		return &login.Result{Outcome: login.Failed, Detail: "login button not found"}, nil
	}
	if err := submit.Click(); err != nil {
		return nil, fmt.Errorf("failed to click login button: %w", err)
	}

	// Let the server round-trip land before the first snapshot; polling
	// immediately would only see the still-rendered form.
	page.WaitForTimeout(5000)

	return s.awaitVerdict(ctx, page)
}

// awaitVerdict polls URL + DOM after submit until the page settles into
// a signed-in, rejected, or challenged state.
func (s *PasswordStrategy) awaitVerdict(ctx context.Context, page playwright.Page) (*login.Result, error) {
	deadline := time.Now().Add(s.runtime.NavigationWait)
	for {
		if err := ctx.Err(); err != nil {
			return &login.Result{Outcome: login.Failed, Detail: "login cancelled"}, nil
		}

		html, err := page.Content()
		if err == nil {
			switch LoginVerdict(page.URL(), html) {
			case SignedIn:
				s.logger.Info("Password login succeeded")
				return &login.Result{Outcome: login.Success}, nil
			case Challenged:
				return &login.Result{
					Outcome: login.NeedsHuman,
					Detail:  "security challenge shown, password login blocked",
				}, nil
			case SignedOut:
				return &login.Result{Outcome: login.Failed, Detail: "credentials rejected"}, nil
			}
		}

		if time.Now().After(deadline) {
			return &login.Result{Outcome: login.Failed, Detail: "login did not complete within wait window"}, nil
		}
		page.WaitForTimeout(2000)
	}
}

// firstVisible walks a selector fallback list and returns the first
// locator that resolves to an attached element.
func firstVisible(page playwright.Page, selectors []string) playwright.Locator {
	for _, selector := range selectors {
		locator := page.Locator(selector).First()
		if err := locator.WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(2000),
		}); err == nil {
			return locator
		}
	}
	return nil
}
