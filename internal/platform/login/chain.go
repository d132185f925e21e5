package login

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Chain tries strategies in order: stop at the first Success, surface
// NeedsHuman immediately without consulting later strategies, skip past
// NotApplicable, and when everything has failed report the last
// strategy's detail. A strategy is never retried; retry policy lives with
// the caller, not here.
type Chain struct {
	strategies []Strategy
	logger     *zap.Logger
}

func NewChain(logger *zap.Logger, strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies, logger: logger}
}

func (c *Chain) Resolve(ctx context.Context, creds Credentials) *Result {
	lastDetail := "no login strategy applicable"

	for _, strategy := range c.strategies {
		if err := ctx.Err(); err != nil {
			return &Result{Outcome: Failed, Detail: fmt.Sprintf("login cancelled: %v", err)}
		}

		log := c.logger.With(
			zap.String("strategy", strategy.Name()),
			zap.String("platform", creds.Platform),
			zap.Uint("user_id", creds.UserID),
		)
		log.Info("Attempting login strategy")

		result, err := strategy.Attempt(ctx, creds)
		if err != nil {
			// Infrastructure error: count it as this strategy failing and
			// let the next one try with a fresh browser context.
			log.Error("Login strategy errored", zap.Error(err))
			lastDetail = fmt.Sprintf("%s: %v", strategy.Name(), err)
			continue
		}

		switch result.Outcome {
		case Success:
			log.Info("Login strategy succeeded")
			return result
		case NeedsHuman:
			log.Info("Login requires human step", zap.String("detail", result.Detail))
			return result
		case NotApplicable:
			log.Info("Login strategy not applicable", zap.String("detail", result.Detail))
			continue
		case Failed:
			log.Warn("Login strategy failed", zap.String("detail", result.Detail))
			if result.Detail != "" {
				lastDetail = fmt.Sprintf("%s: %s", strategy.Name(), result.Detail)
			}
		default:
			log.Error("Login strategy returned unknown outcome", zap.String("outcome", string(result.Outcome)))
			lastDetail = fmt.Sprintf("%s: unknown outcome %q", strategy.Name(), result.Outcome)
		}
	}

	return &Result{Outcome: Failed, Detail: lastDetail}
}
