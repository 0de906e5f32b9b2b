package gpu

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	wgslLineComment  = regexp.MustCompile(`//[^\n]*`)
	wgslBlockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	wgslFunction     = regexp.MustCompile(`((?:@[A-Za-z_]\w*(?:\s*\([^)]*\))?\s*)+)fn\s+([A-Za-z_]\w*)\s*\(`)
)

// ScanWGSL returns the @compute entry points declared in a WGSL source, and a
// diagnostic log for the structural errors it can detect without a full compiler
// (unbalanced delimiters, no entry point). An empty log means the scan succeeded.
func ScanWGSL(source string) (entries []string, log string) {
	code := wgslBlockComment.ReplaceAllStringFunc(source, func(c string) string {
		// Keep line numbers stable.
		return strings.Repeat("\n", strings.Count(c, "\n"))
	})
	code = wgslLineComment.ReplaceAllString(code, "")

	var diags []string
	type open struct {
		r    rune
		line int
	}
	var stack []open
	pairs := map[rune]rune{')': '(', '}': '{', ']': '['}
	line := 1
	for _, r := range code {
		switch r {
		case '\n':
			line++
		case '(', '{', '[':
			stack = append(stack, open{r, line})
		case ')', '}', ']':
			if len(stack) == 0 || stack[len(stack)-1].r != pairs[r] {
				diags = append(diags, fmt.Sprintf("line %d: unexpected %q", line, r))
				continue
			}
			stack = stack[:len(stack)-1]
		}
	}
	for _, o := range stack {
		diags = append(diags, fmt.Sprintf("line %d: unclosed %q", o.line, o.r))
	}

	for _, m := range wgslFunction.FindAllStringSubmatch(code, -1) {
		if strings.Contains(m[1], "@compute") {
			entries = append(entries, m[2])
		}
	}
	if len(entries) == 0 {
		diags = append(diags, "no @compute entry point")
	}
	return entries, strings.Join(diags, "\n")
}
