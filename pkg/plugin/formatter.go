package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"path"
	"strings"
)

// CodeFormatter normalizes JSON files to two-space indentation with a
// trailing newline. Other file types pass through untouched. Content
// that does not parse is also passed through; rejection belongs to the
// syntax validator.
type CodeFormatter struct {
	Base
}

func NewCodeFormatter() *CodeFormatter {
	return &CodeFormatter{
		Base: NewBase("code-formatter", KindFormatter,
			[]Stage{StagePreSync}, []string{`\.json$`}),
	}
}

func (f *CodeFormatter) Execute(ctx context.Context, pc *Context) Result {
	if strings.ToLower(path.Ext(pc.Path)) != ".json" {
		return Result{Success: true}
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(strings.TrimSpace(pc.Content)), "", "  "); err != nil {
		return Result{Success: true}
	}
	formatted := buf.String()
	if !strings.HasSuffix(formatted, "\n") {
		formatted += "\n"
	}
	if formatted == pc.Content {
		return Result{Success: true}
	}
	return Result{Success: true, Content: &formatted}
}
