// Package platform defines the contract every target site implements:
// obtain an authenticated browser session, then drive its editor to
// publish an article.
package platform

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/topnlabs/pressline/internal/platform/login"
)

// Article is the platform-neutral publish payload.
type Article struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Topics  []string `json:"topics,omitempty"`
	Draft   bool     `json:"draft"`
}

// PublishResult reports where a published article ended up.
type PublishResult struct {
	URL   string `json:"url"`
	Draft bool   `json:"draft"`
}

// Platform is the unified interface for one target site.
type Platform interface {
	Name() string

	// Login resolves an authenticated session via the platform's
	// strategy chain. NeedsHuman outcomes carry a QR session ID.
	Login(ctx context.Context, creds login.Credentials) *login.Result

	// Publish posts one article through a session obtained from Login.
	// progress receives coarse milestones and may be nil.
	Publish(ctx context.Context, session *login.Session, article Article, progress func(int)) (*PublishResult, error)
}

// Registry holds the registered platforms by name.
type Registry struct {
	platforms map[string]Platform
	logger    *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		platforms: make(map[string]Platform),
		logger:    logger,
	}
}

func (r *Registry) Register(platform Platform) error {
	name := platform.Name()
	if _, exists := r.platforms[name]; exists {
		return fmt.Errorf("platform %s already registered", name)
	}
	r.platforms[name] = platform
	r.logger.Info("Platform registered", zap.String("platform", name))
	return nil
}

func (r *Registry) Get(name string) (Platform, error) {
	platform, exists := r.platforms[name]
	if !exists {
		return nil, fmt.Errorf("platform %s not found", name)
	}
	return platform, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.platforms))
	for name := range r.platforms {
		names = append(names, name)
	}
	return names
}
