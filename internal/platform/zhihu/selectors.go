package zhihu

// Zhihu's frontend changes often; every element lookup walks a fallback
// list instead of trusting one selector.

const (
	homeURL   = "https://www.zhihu.com"
	signinURL = "https://www.zhihu.com/signin"
	writeURL  = "https://zhuanlan.zhihu.com/write"
)

var (
	passwordTabSelectors = []string{
		"text=密码登录",
		"text=账号密码登录",
		".SignFlow-accountTab",
	}

	usernameInputSelectors = []string{
		`input[name="username"]`,
		`input[placeholder*="手机号"]`,
		`input[placeholder*="邮箱"]`,
		".SignFlow-account input",
	}

	passwordInputSelectors = []string{
		`input[type="password"]`,
		`input[name="password"]`,
		".SignFlow-password input",
	}

	loginButtonSelectors = []string{
		`button[type="submit"]`,
		".SignFlow-submitButton",
		`button:has-text("登录")`,
	}

	qrTabSelectors = []string{
		"text=二维码登录",
		".SignFlow-qrcodeTab",
	}

	qrImageSelectors = []string{
		".qrcode-img img",
		".SignFlow-qrcode img",
		`img[alt*="二维码"]`,
		".qrcode img",
		".SignFlow-qrcode canvas",
	}

	titleInputSelectors = []string{
		".WriteIndex-titleInput textarea",
		".WriteIndex-titleInput",
		`textarea[placeholder*="标题"]`,
	}

	editorSelectors = []string{
		".public-DraftEditor-content",
		`[contenteditable="true"]`,
		".notranslate",
		`[data-text="true"]`,
	}

	topicInputSelectors = []string{
		`input[placeholder*="话题"]`,
	}

	draftButtonSelectors = []string{
		"text=保存草稿",
	}

	publishButtonSelectors = []string{
		"text=发布文章",
		"button.PublishButton",
		`button:has-text("发布")`,
		`button[type="submit"]`,
	}

	// The publish-settings panel that pops up after the first publish
	// click; its primary button finishes the publish.
	modalPublishSelectors = []string{
		"button.Button--primary.Button--blue",
		".css-1ppjin3 button.Button--primary",
		"text=发布文章",
		".Modal button.Button--primary",
		`div[role="dialog"] button:has-text("发布")`,
		".PublishPanel button.Button--primary",
	}
)
