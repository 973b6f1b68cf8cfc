// Package diff creates and applies unified diffs for change records.
// Hunks are produced from go-difflib's SequenceMatcher; the emitted
// format is the standard unified patch, including the
// "\ No newline at end of file" marker, so that applying a created
// patch to its original reproduces the modified content byte for byte.
package diff

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// DefaultContextLines is the hunk context used when callers pass a
// negative count.
const DefaultContextLines = 3

// ErrPatchFailed reports that a patch's hunks no longer apply cleanly
// to the given original. The change manager surfaces this as drift.
var ErrPatchFailed = errors.New("patch failed")

// Summary describes the magnitude of a change. PercentChanged is
// 100 x (1 - similarity ratio) over the two line sequences.
type Summary struct {
	AddedLines     int     `json:"added_lines"`
	RemovedLines   int     `json:"removed_lines"`
	PercentChanged float64 `json:"percent_changed"`
}

// Create builds a unified patch turning original into modified. The
// patch header names the basename of p. Identical inputs yield an
// empty patch.
func Create(p, original, modified string, contextLines int) string {
	if contextLines < 0 {
		contextLines = DefaultContextLines
	}
	if original == modified {
		return ""
	}
	a := splitLines(original)
	b := splitLines(modified)
	m := difflib.NewMatcher(a, b)
	groups := m.GetGroupedOpCodes(contextLines)
	if len(groups) == 0 {
		return ""
	}

	base := path.Base(strings.ReplaceAll(p, "\\", "/"))
	var sb strings.Builder
	fmt.Fprintf(&sb, "--- %s\n+++ %s\n", base, base)
	for _, group := range groups {
		first, last := group[0], group[len(group)-1]
		fmt.Fprintf(&sb, "@@ -%s +%s @@\n",
			formatRange(first.I1, last.I2), formatRange(first.J1, last.J2))
		for _, op := range group {
			switch op.Tag {
			case 'e':
				for _, line := range a[op.I1:op.I2] {
					writeLine(&sb, ' ', line)
				}
			case 'r':
				for _, line := range a[op.I1:op.I2] {
					writeLine(&sb, '-', line)
				}
				for _, line := range b[op.J1:op.J2] {
					writeLine(&sb, '+', line)
				}
			case 'd':
				for _, line := range a[op.I1:op.I2] {
					writeLine(&sb, '-', line)
				}
			case 'i':
				for _, line := range b[op.J1:op.J2] {
					writeLine(&sb, '+', line)
				}
			}
		}
	}
	return sb.String()
}

// Apply replays patch over original. It fails with ErrPatchFailed when
// any context or removed line disagrees with the original, which is
// how stale patches are detected after the underlying file moved on.
func Apply(patch, original string) (string, error) {
	if strings.TrimSpace(patch) == "" {
		return original, nil
	}
	src := splitLines(original)
	lines := strings.Split(patch, "\n")

	var out []string
	cursor := 0
	seenHunk := false
	i := 0
	for i < len(lines) {
		line := lines[i]
		if strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "+++ ") {
			i++
			continue
		}
		m := hunkRe.FindStringSubmatch(line)
		if m == nil {
			// Tolerate preamble before the first hunk and the blank
			// tail left by the final newline.
			if !seenHunk || line == "" {
				i++
				continue
			}
			return "", fmt.Errorf("%w: unexpected line %q", ErrPatchFailed, line)
		}
		seenHunk = true

		start, _ := strconv.Atoi(m[1])
		count := 1
		if m[2] != "" {
			count, _ = strconv.Atoi(m[2])
		}
		target := start - 1
		if count == 0 {
			// Zero-length source range: start names the line before
			// the insertion point.
			target = start
		}
		if target < cursor || target > len(src) {
			return "", fmt.Errorf("%w: hunk out of range at line %d", ErrPatchFailed, start)
		}
		out = append(out, src[cursor:target]...)
		cursor = target
		i++

		for i < len(lines) {
			body := lines[i]
			if hunkRe.MatchString(body) {
				break
			}
			if body == "" && i == len(lines)-1 {
				i++
				break
			}
			if strings.HasPrefix(body, "\\") {
				// Newline marker; already folded into the previous line.
				i++
				continue
			}
			prefix := byte(' ')
			text := ""
			if len(body) > 0 {
				prefix = body[0]
				text = body[1:]
			}
			full := text
			if !noNewlineFollows(lines, i) {
				full += "\n"
			}
			switch prefix {
			case ' ':
				if cursor >= len(src) || src[cursor] != full {
					return "", fmt.Errorf("%w: context mismatch at source line %d", ErrPatchFailed, cursor+1)
				}
				out = append(out, full)
				cursor++
			case '-':
				if cursor >= len(src) || src[cursor] != full {
					return "", fmt.Errorf("%w: removed line mismatch at source line %d", ErrPatchFailed, cursor+1)
				}
				cursor++
			case '+':
				out = append(out, full)
			default:
				return "", fmt.Errorf("%w: bad hunk line %q", ErrPatchFailed, body)
			}
			i++
		}
	}
	if !seenHunk {
		return original, nil
	}
	out = append(out, src[cursor:]...)
	return strings.Join(out, ""), nil
}

// CanApply reports whether patch applies cleanly to current.
func CanApply(patch, current string) bool {
	_, err := Apply(patch, current)
	return err == nil
}

// Summarize counts added and removed lines between two contents.
func Summarize(original, modified string) Summary {
	a := splitLines(original)
	b := splitLines(modified)
	m := difflib.NewMatcher(a, b)

	var s Summary
	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'd':
			s.RemovedLines += op.I2 - op.I1
		case 'i':
			s.AddedLines += op.J2 - op.J1
		case 'r':
			s.RemovedLines += op.I2 - op.I1
			s.AddedLines += op.J2 - op.J1
		}
	}
	s.PercentChanged = (1 - m.Ratio()) * 100
	return s
}

var hunkRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// splitLines splits content into lines that keep their trailing
// newline. A final line without a newline is kept as-is, so the split
// is lossless.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func writeLine(sb *strings.Builder, prefix byte, line string) {
	sb.WriteByte(prefix)
	if strings.HasSuffix(line, "\n") {
		sb.WriteString(line)
		return
	}
	sb.WriteString(line)
	sb.WriteString("\n\\ No newline at end of file\n")
}

func noNewlineFollows(lines []string, i int) bool {
	return i+1 < len(lines) && strings.HasPrefix(lines[i+1], "\\")
}

// formatRange renders a unified hunk range the way difflib does: a
// bare line number for single-line ranges, "start,length" otherwise,
// with zero-length ranges anchored on the preceding line.
func formatRange(start, stop int) string {
	length := stop - start
	beginning := start + 1
	if length == 1 {
		return strconv.Itoa(beginning)
	}
	if length == 0 {
		beginning--
	}
	return fmt.Sprintf("%d,%d", beginning, length)
}
