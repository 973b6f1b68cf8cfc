package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// SyntaxValidator performs language-dispatched syntax checks keyed by
// file extension. JSON is parsed strictly; brace-delimited languages
// get a delimiter balance check. Unknown extensions pass.
type SyntaxValidator struct {
	Base
}

// NewSyntaxValidator builds the validator, enabled for PreSync and
// DuringSync on all paths.
func NewSyntaxValidator() *SyntaxValidator {
	return &SyntaxValidator{
		Base: NewBase("syntax-validator", KindValidator,
			[]Stage{StagePreSync, StageDuringSync}, nil),
	}
}

func (v *SyntaxValidator) Execute(ctx context.Context, pc *Context) Result {
	ext := strings.ToLower(path.Ext(pc.Path))
	switch ext {
	case ".json":
		if !json.Valid([]byte(pc.Content)) {
			return Result{Success: false, Err: "invalid JSON syntax"}
		}
	case ".js", ".jsx", ".ts", ".tsx", ".go", ".java", ".c", ".cpp", ".h", ".css":
		if err := checkBalance(pc.Content); err != nil {
			return Result{Success: false, Err: err.Error()}
		}
	case ".py":
		if err := checkPythonIndent(pc.Content); err != nil {
			return Result{Success: false, Err: err.Error()}
		}
	}
	return Result{Success: true}
}

// checkBalance verifies that braces, brackets, and parentheses pair up
// outside of string literals and line comments. It is a pattern check,
// not a parser; it catches truncated files and mangled merges.
func checkBalance(content string) error {
	var stack []byte
	pairs := map[byte]byte{'}': '{', ']': '[', ')': '('}
	inString := byte(0)
	escaped := false
	lineComment := false
	blockComment := false

	for i := 0; i < len(content); i++ {
		c := content[i]
		if lineComment {
			if c == '\n' {
				lineComment = false
			}
			continue
		}
		if blockComment {
			if c == '/' && i > 0 && content[i-1] == '*' {
				blockComment = false
			}
			continue
		}
		if inString != 0 {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == inString {
				inString = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			inString = c
		case '/':
			if i+1 < len(content) {
				if content[i+1] == '/' {
					lineComment = true
				} else if content[i+1] == '*' {
					blockComment = true
				}
			}
		case '{', '[', '(':
			stack = append(stack, c)
		case '}', ']', ')':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[c] {
				return fmt.Errorf("unbalanced %q", string(c))
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return fmt.Errorf("unclosed %q", string(stack[len(stack)-1]))
	}
	return nil
}

// checkPythonIndent rejects tab/space indentation mixed within one
// file, the most common machine-generated Python corruption.
func checkPythonIndent(content string) error {
	sawTabs, sawSpaces := false, false
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "\t") {
			sawTabs = true
		} else if strings.HasPrefix(line, " ") {
			sawSpaces = true
		}
	}
	if sawTabs && sawSpaces {
		return fmt.Errorf("mixed tab and space indentation")
	}
	return nil
}
