package zhihu

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/topnlabs/pressline/internal/browser"
	"github.com/topnlabs/pressline/internal/platform"
	"github.com/topnlabs/pressline/internal/platform/login"
)

// similarityThreshold is the minimum ratio of rendered to intended
// content below which an injection attempt counts as truncated.
const similarityThreshold = 0.7

// slowChunkSize is how many characters the retry path types per burst.
const slowChunkSize = 200

// ErrContentTruncated means both injection attempts left the editor with
// less content than intended. Publishing anyway would post a mangled
// article, so the task fails instead.
var ErrContentTruncated = errors.New("editor accepted less content than intended")

// ErrPublishUnverified means the publish click went through but the page
// never left the editor. The article may be sitting in drafts; the task
// is failed rather than guessed successful.
var ErrPublishUnverified = errors.New("could not verify article left the editor")

// Publisher drives the zhuanlan editor end to end: open, write, verify
// the write, publish, verify the publish.
type Publisher struct {
	runtime *browser.Runtime
	logger  *zap.Logger
}

func NewPublisher(runtime *browser.Runtime, logger *zap.Logger) *Publisher {
	return &Publisher{runtime: runtime, logger: logger}
}

// Publish posts one article through an authenticated session. progress
// is invoked with coarse milestones for task status reporting; it may be
// nil.
func (p *Publisher) Publish(ctx context.Context, session *login.Session, article platform.Article, progress func(int)) (*platform.PublishResult, error) {
	report := func(pct int) {
		if progress != nil {
			progress(pct)
		}
	}
	page := session.Page

	if _, err := page.Goto(writeURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return nil, fmt.Errorf("failed to open editor: %w", err)
	}
	page.WaitForTimeout(3000)
	report(20)

	if err := p.writeTitle(page, article.Title); err != nil {
		return nil, err
	}

	if err := p.writeContent(ctx, page, article.Content); err != nil {
		return nil, err
	}
	report(50)

	// Topics are decoration; failing to attach them never fails the task
	p.addTopics(page, article.Topics)

	if article.Draft {
		if err := p.saveDraft(page); err != nil {
			return nil, err
		}
		report(90)
		return &platform.PublishResult{URL: page.URL(), Draft: true}, nil
	}

	if err := p.clickPublish(ctx, page); err != nil {
		return nil, err
	}
	report(90)

	url, err := p.verifyPublished(ctx, page)
	if err != nil {
		return nil, err
	}
	return &platform.PublishResult{URL: url}, nil
}

func (p *Publisher) writeTitle(page playwright.Page, title string) error {
	input := firstVisible(page, titleInputSelectors)
	if input == nil {
		return fmt.Errorf("title input not found in editor")
	}
	if err := input.Fill(title); err != nil {
		return fmt.Errorf("failed to write title: %w", err)
	}
	page.WaitForTimeout(500)
	return nil
}

// writeContent sets the editor body. The first attempt replaces the
// editor's content in one DOM operation; incremental keystrokes against
// the draft.js editor drop characters under load. The read-back is then
// compared against the intent, and one slower chunked retry runs before
// giving up.
func (p *Publisher) writeContent(ctx context.Context, page playwright.Page, content string) error {
	editor := firstVisible(page, editorSelectors)
	if editor == nil {
		return fmt.Errorf("content editor not found")
	}
	if err := editor.Click(); err != nil {
		return fmt.Errorf("failed to focus editor: %w", err)
	}
	page.WaitForTimeout(500)

	return p.runInjection(ctx, &editorInjector{pub: p, page: page, editor: editor}, content)
}

// contentInjector is the seam between the injection decision loop and
// the live editor, so the retry policy is testable on its own.
type contentInjector interface {
	injectAtomic(content string) error
	typeChunked(content string) error
	similarity(intended string) float64
}

// runInjection drives the attempt/verify/retry sequence: one atomic
// injection verified by read-back, then exactly one chunked retry below
// the similarity threshold; a read-back still below threshold after the
// retry is never reported as success.
func (p *Publisher) runInjection(ctx context.Context, inj contentInjector, content string) error {
	if err := inj.injectAtomic(content); err != nil {
		p.logger.Warn("Atomic content injection failed", zap.Error(err))
	} else if sim := inj.similarity(content); sim >= similarityThreshold {
		p.logger.Info("Content written", zap.Float64("similarity", sim))
		return nil
	} else {
		p.logger.Warn("Content truncated on first attempt, retrying slowly",
			zap.Float64("similarity", sim))
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish cancelled: %w", err)
	}

	if err := inj.typeChunked(content); err != nil {
		return fmt.Errorf("chunked retry failed: %w", err)
	}
	if sim := inj.similarity(content); sim < similarityThreshold {
		return fmt.Errorf("%w after retry (similarity %.2f)", ErrContentTruncated, sim)
	}
	p.logger.Info("Content written on chunked retry")
	return nil
}

// editorInjector binds the injection primitives to a live editor locator.
type editorInjector struct {
	pub    *Publisher
	page   playwright.Page
	editor playwright.Locator
}

func (e *editorInjector) injectAtomic(content string) error {
	return e.pub.injectAtomic(e.page, e.editor, content)
}

func (e *editorInjector) typeChunked(content string) error {
	return e.pub.typeChunked(e.page, e.editor, content)
}

func (e *editorInjector) similarity(intended string) float64 {
	return e.pub.readBackSimilarity(e.editor, intended)
}

// injectAtomic replaces the editor content in a single evaluate call and
// fires the input event so react picks the change up.
func (p *Publisher) injectAtomic(page playwright.Page, editor playwright.Locator, content string) error {
	_, err := editor.Evaluate(`(el, text) => {
		el.focus();
		const selection = window.getSelection();
		const range = document.createRange();
		range.selectNodeContents(el);
		selection.removeAllRanges();
		selection.addRange(range);
		document.execCommand("insertText", false, text);
	}`, content)
	if err != nil {
		return err
	}
	page.WaitForTimeout(1000)
	return nil
}

// typeChunked clears the editor and types the content in bursts with the
// configured per-character delay.
func (p *Publisher) typeChunked(page playwright.Page, editor playwright.Locator, content string) error {
	if _, err := editor.Evaluate(`el => {
		const selection = window.getSelection();
		const range = document.createRange();
		range.selectNodeContents(el);
		selection.removeAllRanges();
		selection.addRange(range);
		document.execCommand("delete");
	}`, nil); err != nil {
		return fmt.Errorf("failed to clear editor: %w", err)
	}

	delay := float64(p.runtime.SlowInputDelay().Milliseconds())
	runes := []rune(content)
	for start := 0; start < len(runes); start += slowChunkSize {
		end := start + slowChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		if err := editor.PressSequentially(string(runes[start:end]), playwright.LocatorPressSequentiallyOptions{
			Delay: playwright.Float(delay),
		}); err != nil {
			return err
		}
		page.WaitForTimeout(300)
	}
	page.WaitForTimeout(1000)
	return nil
}

func (p *Publisher) readBackSimilarity(editor playwright.Locator, intended string) float64 {
	rendered, err := editor.InnerText()
	if err != nil {
		return 0
	}
	return ContentSimilarity(intended, rendered)
}

func (p *Publisher) addTopics(page playwright.Page, topics []string) {
	if len(topics) == 0 {
		return
	}
	input := firstVisible(page, topicInputSelectors)
	if input == nil {
		p.logger.Warn("Topic input not found, publishing without topics")
		return
	}
	for _, topic := range topics {
		if err := input.Fill(topic); err != nil {
			continue
		}
		page.WaitForTimeout(500)
		_ = input.Press("Enter")
		page.WaitForTimeout(500)
	}
}

func (p *Publisher) saveDraft(page playwright.Page) error {
	btn := firstVisible(page, draftButtonSelectors)
	if btn == nil {
		return fmt.Errorf("save-draft button not found")
	}
	if err := p.clickChecked(btn); err != nil {
		return fmt.Errorf("failed to save draft: %w", err)
	}
	page.WaitForTimeout(2000)
	return nil
}

// clickPublish presses the main publish button and then handles the
// publish-settings panel zhihu opens on top: the article is not live
// until the panel's own publish button is pressed too.
func (p *Publisher) clickPublish(ctx context.Context, page playwright.Page) error {
	btn := firstVisible(page, publishButtonSelectors)
	if btn == nil {
		return fmt.Errorf("publish button not found")
	}
	if err := p.clickChecked(btn); err != nil {
		return fmt.Errorf("failed to click publish: %w", err)
	}
	page.WaitForTimeout(5000)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish cancelled: %w", err)
	}

	for _, selector := range modalPublishSelectors {
		locator := page.Locator(selector).First()
		if err := locator.WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(2000),
		}); err != nil {
			continue
		}
		text, err := locator.TextContent()
		if err != nil || !strings.Contains(text, "发布") {
			continue
		}
		if err := p.clickChecked(locator); err != nil {
			p.logger.Warn("Panel publish button rejected click", zap.Error(err))
			continue
		}
		p.logger.Info("Confirmed publish-settings panel")
		page.WaitForTimeout(5000)
		return nil
	}

	// No panel can also mean the old single-click flow; verification
	// decides either way.
	p.logger.Info("No publish-settings panel detected")
	return nil
}

// clickChecked hovers first and refuses to click an element the page is
// rendering as inert, which is how zhihu disables buttons mid-save.
func (p *Publisher) clickChecked(locator playwright.Locator) error {
	_ = locator.Hover()
	inert, err := locator.Evaluate(`el => {
		const style = window.getComputedStyle(el);
		return el.disabled === true ||
			style.pointerEvents === "none" ||
			style.visibility === "hidden" ||
			style.display === "none";
	}`, nil)
	if err == nil {
		if blocked, ok := inert.(bool); ok && blocked {
			return fmt.Errorf("element is not actionable")
		}
	}
	return locator.Click()
}

// verifyPublished polls after the publish clicks until the URL leaves
// the editor. The /edit check is the authoritative signal: a URL still
// containing /edit means the article never went live regardless of any
// toast on screen.
func (p *Publisher) verifyPublished(ctx context.Context, page playwright.Page) (string, error) {
	const attempts = 3
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("publish cancelled: %w", err)
		}

		url := page.URL()
		if PublishVerified(url) {
			p.logger.Info("Publish verified", zap.String("url", url), zap.Int("attempt", attempt))
			return url, nil
		}

		p.logger.Warn("Publish not yet verified",
			zap.String("url", url), zap.Int("attempt", attempt))
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("publish cancelled: %w", ctx.Err())
			case <-time.After(6 * time.Second):
			}
		}
	}
	return "", fmt.Errorf("%w: still at %s", ErrPublishUnverified, page.URL())
}
