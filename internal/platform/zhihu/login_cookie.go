package zhihu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/topnlabs/pressline/internal/browser"
	"github.com/topnlabs/pressline/internal/platform/login"
)

// CookieStrategy replays a previously saved cookie bundle. It is the
// cheapest strategy and always runs first; a rejected bundle is deleted
// so the next attempt falls straight through to password login.
type CookieStrategy struct {
	runtime *browser.Runtime
	cookies *browser.CookieStore
	logger  *zap.Logger
}

func NewCookieStrategy(runtime *browser.Runtime, cookies *browser.CookieStore, logger *zap.Logger) *CookieStrategy {
	return &CookieStrategy{runtime: runtime, cookies: cookies, logger: logger}
}

func (s *CookieStrategy) Name() string { return "cookie" }

func (s *CookieStrategy) Attempt(ctx context.Context, creds login.Credentials) (*login.Result, error) {
	bundle, err := s.cookies.Load(creds.Platform, creds.Username)
	if errors.Is(err, browser.ErrNoCookies) {
		return &login.Result{Outcome: login.NotApplicable, Detail: "no saved cookies"}, nil
	}
	if err != nil {
		// Corrupt bundle: treat it like a rejected one
		s.logger.Warn("Discarding unreadable cookie bundle", zap.String("username", creds.Username), zap.Error(err))
		_ = s.cookies.Invalidate(creds.Platform, creds.Username)
		return &login.Result{Outcome: login.NotApplicable, Detail: "cookie bundle unreadable"}, nil
	}

	browserCtx, page, err := s.runtime.NewContext(bundle)
	if err != nil {
		return nil, err
	}

	session := &login.Session{Context: browserCtx, Page: page}
	ok, detail := s.verify(ctx, page)
	if !ok {
		// A stale bundle is the same as no bundle: invalidate it and
		// let the chain move on to the credential strategies
		session.Close()
		_ = s.cookies.Invalidate(creds.Platform, creds.Username)
		return &login.Result{Outcome: login.NotApplicable, Detail: detail}, nil
	}

	s.logger.Info("Cookie login succeeded", zap.String("username", creds.Username))
	return &login.Result{Outcome: login.Success, Session: session}, nil
}

// verify loads the homepage with the bundle applied and reads the login
// verdict off the rendered page.
func (s *CookieStrategy) verify(ctx context.Context, page playwright.Page) (bool, string) {
	if _, err := page.Goto(homeURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return false, fmt.Sprintf("failed to load homepage: %v", err)
	}

	deadline := time.Now().Add(s.runtime.ElementWait)
	for {
		if err := ctx.Err(); err != nil {
			return false, "login cancelled"
		}

		html, err := page.Content()
		if err == nil {
			switch LoginVerdict(page.URL(), html) {
			case SignedIn:
				return true, ""
			case SignedOut:
				return false, "saved cookies rejected"
			case Challenged:
				return false, "security challenge on cookie session"
			}
		}

		if time.Now().After(deadline) {
			return false, "could not confirm session within wait window"
		}
		page.WaitForTimeout(1000)
	}
}
