package plugin

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

var (
	imgTagRe   = regexp.MustCompile(`(?is)<img\b[^>]*>`)
	altAttrRe  = regexp.MustCompile(`(?is)\balt\s*=`)
	headingRe  = regexp.MustCompile(`(?is)<h([1-6])\b`)
	onClickRe  = regexp.MustCompile(`(?is)<(div|span)\b[^>]*\bonclick\s*=`)
	autoplayRe = regexp.MustCompile(`(?is)<(video|audio)\b[^>]*\bautoplay\b`)
)

// AccessibilityValidator flags common accessibility problems in markup
// files. Warn-only: markup that a human should look at, never a block.
type AccessibilityValidator struct {
	Base
}

func NewAccessibilityValidator() *AccessibilityValidator {
	return &AccessibilityValidator{
		Base: NewBase("accessibility-validator", KindAnalyzer,
			[]Stage{StagePreSync}, []string{`\.(html?|jsx|tsx)$`}),
	}
}

func (v *AccessibilityValidator) Execute(ctx context.Context, pc *Context) Result {
	var warnings []string

	for _, tag := range imgTagRe.FindAllString(pc.Content, -1) {
		if !altAttrRe.MatchString(tag) {
			warnings = append(warnings, "img element without alt attribute")
			break
		}
	}

	// Heading levels must not skip: h1 followed by h3 is a jump a
	// screen reader user cannot anticipate.
	prev := 0
	for _, m := range headingRe.FindAllStringSubmatch(pc.Content, -1) {
		level, _ := strconv.Atoi(m[1])
		if prev != 0 && level > prev+1 {
			warnings = append(warnings, fmt.Sprintf("heading level jumps from h%d to h%d", prev, level))
		}
		prev = level
	}

	if onClickRe.MatchString(pc.Content) {
		warnings = append(warnings, "click handler on non-interactive element (div/span)")
	}
	if autoplayRe.MatchString(pc.Content) {
		warnings = append(warnings, "autoplaying media element")
	}

	return Result{Success: true, Warnings: warnings}
}
