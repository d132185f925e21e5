// Package login defines how an authenticated browser session is obtained:
// an ordered chain of strategies (cookie replay, password form, QR code)
// tried until one succeeds or a human has to step in.
package login

import (
	"context"

	"github.com/playwright-community/playwright-go"
)

// Outcome classifies a strategy attempt. NeedsHuman is not a failure;
// it is a different control path (surface the QR code instead of failing
// the task).
type Outcome string

const (
	Success       Outcome = "success"
	NotApplicable Outcome = "not_applicable"
	NeedsHuman    Outcome = "needs_human"
	Failed        Outcome = "failed"
)

// Session is a live authenticated browser session. The owner must call
// Close when done with it.
type Session struct {
	Context playwright.BrowserContext
	Page    playwright.Page
}

func (s *Session) Close() {
	if s == nil || s.Context == nil {
		return
	}
	_ = s.Context.Close()
}

// Credentials are resolved once per task and handed to every strategy.
// Password is plaintext for the duration of the attempt only; strategies
// must never log it.
type Credentials struct {
	UserID   uint
	Platform string
	Username string
	Password string
}

// Result is what a strategy reports back. Session is non-nil only on
// Success. QRSessionID is set by strategies that opened a human-required
// flow before returning NeedsHuman.
type Result struct {
	Outcome     Outcome
	Session     *Session
	Detail      string
	QRSessionID string
}

// Strategy is one way of producing an authenticated session.
// Implementations return structured results for expected failure modes
// and reserve the error return for infrastructure problems (browser
// crash, runtime unavailable).
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, creds Credentials) (*Result, error)
}
