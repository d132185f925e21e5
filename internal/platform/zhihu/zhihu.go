// Package zhihu implements the zhihu.com platform: a three-step login
// chain (saved cookies, password form, QR code) and a publisher for the
// zhuanlan column editor.
package zhihu

import (
	"context"
	"encoding/base64"

	"go.uber.org/zap"

	"github.com/topnlabs/pressline/internal/browser"
	"github.com/topnlabs/pressline/internal/platform"
	"github.com/topnlabs/pressline/internal/platform/login"
)

const PlatformName = "zhihu"

type Zhihu struct {
	chain     *login.Chain
	publisher *Publisher
	logger    *zap.Logger
}

// New wires the login strategies in their fixed order and the editor
// driver against a shared browser runtime.
func New(runtime *browser.Runtime, cookies *browser.CookieStore, registry *login.Registry, logger *zap.Logger) *Zhihu {
	log := logger.With(zap.String("platform", PlatformName))
	chain := login.NewChain(log,
		NewCookieStrategy(runtime, cookies, log),
		NewPasswordStrategy(runtime, cookies, log),
		NewQRStrategy(runtime, cookies, registry, log),
	)
	return &Zhihu{
		chain:     chain,
		publisher: NewPublisher(runtime, log),
		logger:    log,
	}
}

func (z *Zhihu) Name() string { return PlatformName }

func (z *Zhihu) Login(ctx context.Context, creds login.Credentials) *login.Result {
	return z.chain.Resolve(ctx, creds)
}

func (z *Zhihu) Publish(ctx context.Context, session *login.Session, article platform.Article, progress func(int)) (*platform.PublishResult, error) {
	return z.publisher.Publish(ctx, session, article, progress)
}

func base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
