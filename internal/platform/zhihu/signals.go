package zhihu

import (
	"strings"
	"unicode/utf8"
)

// Verdict is what a snapshot of the browser (URL + rendered HTML) says
// about the session. Undecided means keep polling; a false positive here
// turns into a publish against a logged-out session, so the signed-in
// verdict requires corroboration.
type Verdict int

const (
	Undecided Verdict = iota
	SignedIn
	SignedOut
	Challenged
)

var signedInMarkers = []string{"我的主页", "退出登录", "个人中心"}

var challengeMarkers = []string{
	"安全验证",
	"验证码",
	"异常登录",
	"拖动滑块",
	"captcha",
}

// rejectionMarkers are the error toasts the signin form renders on bad
// credentials. The form itself always contains "登录", so the mere
// presence of the form never counts as a rejection.
var rejectionMarkers = []string{
	"账号或密码错误",
	"帐号或密码错误",
	"用户名或密码错误",
	"密码错误",
	"该账号不存在",
	"登录失败",
	"错误次数过多",
}

// LoginVerdict classifies a page snapshot. Leaving the signin URL is the
// strongest signal; DOM markers corroborate it or stand alone when the
// URL is ambiguous. Challenge markers win over everything else because a
// bot cannot pass them. SignedOut requires an explicit rejection toast:
// right after submit the page still shows the signin form while the
// server round-trip is in flight, and that snapshot must stay Undecided
// so the caller keeps polling.
func LoginVerdict(url, html string) Verdict {
	for _, marker := range challengeMarkers {
		if strings.Contains(html, marker) {
			return Challenged
		}
	}

	awayFromSignin := strings.Contains(url, "zhihu.com") && !strings.Contains(url, "/signin")

	markers := 0
	for _, marker := range signedInMarkers {
		if strings.Contains(html, marker) {
			markers++
		}
	}

	switch {
	case awayFromSignin && markers >= 1:
		return SignedIn
	case markers >= 2:
		// Strong DOM evidence even while the URL has not settled yet
		return SignedIn
	case strings.Contains(url, "/signin") && markers == 0:
		for _, marker := range rejectionMarkers {
			if strings.Contains(html, marker) {
				return SignedOut
			}
		}
	}
	return Undecided
}

// PublishVerified is the key acceptance check after clicking publish:
// the editor URL always contains /edit or /write, the published article
// page never does.
func PublishVerified(url string) bool {
	return !strings.Contains(url, "/edit") && !strings.Contains(url, "/write")
}

// ContentSimilarity compares what the editor rendered against what we
// meant to write, as a length ratio of normalized rune counts. Rich-text
// editors mangle whitespace, so only non-space characters count.
func ContentSimilarity(intended, rendered string) float64 {
	want := utf8.RuneCountInString(stripSpace(intended))
	if want == 0 {
		return 1.0
	}
	got := utf8.RuneCountInString(stripSpace(rendered))
	ratio := float64(got) / float64(want)
	if ratio > 1.0 {
		ratio = 1.0
	}
	return ratio
}

func stripSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', ' ', '​':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
