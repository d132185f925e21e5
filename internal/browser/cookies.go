package browser

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/playwright-community/playwright-go"
)

// ErrNoCookies means no bundle has ever been saved for this account.
var ErrNoCookies = errors.New("no cookie bundle")

// Cookie is one serialized browser cookie. Only the fields needed to
// resume a session are persisted.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

// Bundle is the full cookie set for one (platform, username) pair.
type Bundle []Cookie

// CookieStore keeps one JSON file per (platform, username). Bundles are
// written only after a login strategy confirms success and deleted the
// first time a strategy finds them rejected. Concurrent writers for the
// same account are an accepted race; last writer wins.
type CookieStore struct {
	dir string
}

func NewCookieStore(dir string) (*CookieStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cookies dir: %w", err)
	}
	return &CookieStore{dir: dir}, nil
}

func (s *CookieStore) path(platform, username string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.json", platform, username))
}

func (s *CookieStore) Load(platform, username string) (Bundle, error) {
	data, err := os.ReadFile(s.path(platform, username))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCookies
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cookie bundle: %w", err)
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("corrupt cookie bundle: %w", err)
	}
	if len(bundle) == 0 {
		return nil, ErrNoCookies
	}
	return bundle, nil
}

func (s *CookieStore) Save(platform, username string, bundle Bundle) error {
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cookie bundle: %w", err)
	}
	if err := os.WriteFile(s.path(platform, username), data, 0o600); err != nil {
		return fmt.Errorf("failed to write cookie bundle: %w", err)
	}
	return nil
}

// Invalidate discards a stale bundle. Missing files are fine; two
// strategies may race to invalidate the same bundle.
func (s *CookieStore) Invalidate(platform, username string) error {
	err := os.Remove(s.path(platform, username))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cookie bundle: %w", err)
	}
	return nil
}

// ApplyBundle loads saved cookies into a live browser context.
func ApplyBundle(context playwright.BrowserContext, bundle Bundle) error {
	cookies := make([]playwright.OptionalCookie, 0, len(bundle))
	for _, c := range bundle {
		cookie := playwright.OptionalCookie{
			Name:  c.Name,
			Value: c.Value,
		}
		if c.Domain != "" {
			cookie.Domain = playwright.String(c.Domain)
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		cookie.Path = playwright.String(path)
		cookies = append(cookies, cookie)
	}
	return context.AddCookies(cookies)
}

// CollectBundle snapshots the context's current cookies for persistence.
func CollectBundle(context playwright.BrowserContext) (Bundle, error) {
	cookies, err := context.Cookies()
	if err != nil {
		return nil, fmt.Errorf("failed to read context cookies: %w", err)
	}
	bundle := make(Bundle, 0, len(cookies))
	for _, c := range cookies {
		bundle = append(bundle, Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
		})
	}
	return bundle, nil
}
