package login

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubStrategy struct {
	name    string
	result  *Result
	err     error
	invoked int
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Attempt(context.Context, Credentials) (*Result, error) {
	s.invoked++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func TestChainStopsAtFirstSuccess(t *testing.T) {
	a := &stubStrategy{name: "cookie", result: &Result{Outcome: NotApplicable}}
	b := &stubStrategy{name: "password", result: &Result{Outcome: Success, Session: &Session{}}}
	c := &stubStrategy{name: "qr", result: &Result{Outcome: Success}}

	chain := NewChain(zap.NewNop(), a, b, c)
	result := chain.Resolve(context.Background(), Credentials{Platform: "zhihu"})

	assert.Equal(t, Success, result.Outcome)
	assert.Equal(t, 1, a.invoked)
	assert.Equal(t, 1, b.invoked)
	assert.Equal(t, 0, c.invoked, "later strategies must not run after a success")
}

func TestChainSurfacesNeedsHuman(t *testing.T) {
	a := &stubStrategy{name: "cookie", result: &Result{Outcome: NotApplicable}}
	b := &stubStrategy{name: "password", result: &Result{Outcome: NeedsHuman, Detail: "slider challenge"}}
	c := &stubStrategy{name: "qr", result: &Result{Outcome: Success}}

	chain := NewChain(zap.NewNop(), a, b, c)
	result := chain.Resolve(context.Background(), Credentials{})

	assert.Equal(t, NeedsHuman, result.Outcome)
	assert.Equal(t, "slider challenge", result.Detail)
	assert.Equal(t, 0, c.invoked, "NeedsHuman must not silently fall through")
}

func TestChainExhaustionKeepsLastDetail(t *testing.T) {
	a := &stubStrategy{name: "cookie", result: &Result{Outcome: NotApplicable}}
	b := &stubStrategy{name: "password", result: &Result{Outcome: Failed, Detail: "wrong credentials"}}
	c := &stubStrategy{name: "qr", result: &Result{Outcome: Failed, Detail: "QR expired"}}

	chain := NewChain(zap.NewNop(), a, b, c)
	result := chain.Resolve(context.Background(), Credentials{})

	assert.Equal(t, Failed, result.Outcome)
	assert.Contains(t, result.Detail, "QR expired")
}

func TestChainStaleStateDoesNotMaskRealFailure(t *testing.T) {
	// A strategy whose stored state turned out stale (an invalidated
	// cookie bundle) reports NotApplicable; the chain's failure detail
	// must come from a strategy that genuinely tried and failed
	a := &stubStrategy{name: "cookie", result: &Result{Outcome: NotApplicable, Detail: "cookie bundle rejected"}}
	b := &stubStrategy{name: "password", result: &Result{Outcome: Failed, Detail: "credentials rejected"}}

	chain := NewChain(zap.NewNop(), a, b)
	result := chain.Resolve(context.Background(), Credentials{})

	assert.Equal(t, Failed, result.Outcome)
	assert.Contains(t, result.Detail, "credentials rejected")
	assert.NotContains(t, result.Detail, "cookie")
}

func TestChainConvertsStrategyErrorsToFailure(t *testing.T) {
	a := &stubStrategy{name: "cookie", err: errors.New("browser crashed")}
	b := &stubStrategy{name: "password", result: &Result{Outcome: Success}}

	chain := NewChain(zap.NewNop(), a, b)
	result := chain.Resolve(context.Background(), Credentials{})

	// An infrastructure error in one strategy does not doom the chain
	assert.Equal(t, Success, result.Outcome)
	assert.Equal(t, 1, b.invoked)
}

func TestChainAllErrors(t *testing.T) {
	a := &stubStrategy{name: "cookie", err: errors.New("browser crashed")}
	chain := NewChain(zap.NewNop(), a)
	result := chain.Resolve(context.Background(), Credentials{})

	require.Equal(t, Failed, result.Outcome)
	assert.Contains(t, result.Detail, "browser crashed")
}

func TestChainHonoursCancellation(t *testing.T) {
	a := &stubStrategy{name: "cookie", result: &Result{Outcome: Success}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chain := NewChain(zap.NewNop(), a)
	result := chain.Resolve(ctx, Credentials{})

	assert.Equal(t, Failed, result.Outcome)
	assert.Equal(t, 0, a.invoked)
}
