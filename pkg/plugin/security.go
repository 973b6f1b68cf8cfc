package plugin

import (
	"context"
	"fmt"
	"regexp"
)

// securityPatterns are pattern-based checks for credentials and
// injection-prone constructs. Hits produce warnings only; the
// validator never fails a change, operators decide.
var securityPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"AWS access key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"private key block", regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`)},
	{"hardcoded password", regexp.MustCompile(`(?i)\bpassword["']?\s*[:=]\s*["'][^"']{4,}["']`)},
	{"hardcoded API key", regexp.MustCompile(`(?i)\bapi[_-]?key["']?\s*[:=]\s*["'][^"']{8,}["']`)},
	{"bearer token", regexp.MustCompile(`(?i)\bauthorization:\s*bearer\s+[A-Za-z0-9._\-]{16,}`)},
	{"eval call", regexp.MustCompile(`\beval\s*\(`)},
	{"shell exec", regexp.MustCompile(`\b(?:os\.system|subprocess\.(?:call|run|Popen)|child_process)\s*[.(]`)},
	{"SQL string concatenation", regexp.MustCompile(`(?i)(?:SELECT|INSERT|UPDATE|DELETE)\b[^\n]*["']\s*\+`)},
	{"recursive delete", regexp.MustCompile(`\brm\s+-rf\s+/`)},
}

// SecurityValidator scans proposed content for credential leaks and
// injection patterns.
type SecurityValidator struct {
	Base
}

func NewSecurityValidator() *SecurityValidator {
	return &SecurityValidator{
		Base: NewBase("security-validator", KindValidator,
			[]Stage{StagePreSync, StageDuringSync}, nil),
	}
}

func (v *SecurityValidator) Execute(ctx context.Context, pc *Context) Result {
	var warnings []string
	for _, p := range securityPatterns {
		if loc := p.re.FindStringIndex(pc.Content); loc != nil {
			line := 1 + countNewlines(pc.Content[:loc[0]])
			warnings = append(warnings, fmt.Sprintf("%s detected at line %d", p.name, line))
		}
	}
	return Result{Success: true, Warnings: warnings}
}

func countNewlines(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			n++
		}
	}
	return n
}
