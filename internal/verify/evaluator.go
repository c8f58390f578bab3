// Package verify applies verification checks against captured device output.
package verify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/MarkusPolo/consoled/internal/model"
)

// evidenceLines is how many lines of context surround a regex match.
const evidenceLines = 3

// failEvidenceTail caps the output tail attached to a failed check.
const failEvidenceTail = 500

// Result is the structured outcome of one check. A bad pattern degrades to
// Status error instead of an error return so callers always get a result.
type Result struct {
	Status     model.CheckStatus
	Evidence   string
	Message    string
	FullOutput string
}

// Evaluate runs one check of the given type against output.
func Evaluate(checkType model.CheckType, pattern, output string) Result {
	switch checkType {
	case model.CheckRegexMatch:
		return regexMatch(pattern, output, false)
	case model.CheckRegexNotPresent:
		return regexMatch(pattern, output, true)
	case model.CheckContains:
		return contains(pattern, output)
	default:
		return Result{
			Status:     model.CheckError,
			Message:    fmt.Sprintf("unknown check type: %s", checkType),
			FullOutput: output,
		}
	}
}

func regexMatch(pattern, output string, wantAbsent bool) Result {
	re, err := regexp.Compile("(?m)" + pattern)
	if err != nil {
		return Result{
			Status:     model.CheckError,
			Message:    fmt.Sprintf("invalid pattern: %v", err),
			FullOutput: output,
		}
	}
	loc := re.FindStringIndex(output)

	if wantAbsent {
		if loc == nil {
			return Result{
				Status:     model.CheckPass,
				Message:    fmt.Sprintf("Pattern correctly absent: %s", pattern),
				FullOutput: output,
			}
		}
		return Result{
			Status:     model.CheckFail,
			Evidence:   surroundingLines(output, loc[0]),
			Message:    fmt.Sprintf("Unwanted pattern found: %s", pattern),
			FullOutput: output,
		}
	}

	if loc == nil {
		return Result{
			Status:     model.CheckFail,
			Evidence:   tail(output, failEvidenceTail),
			Message:    fmt.Sprintf("Pattern not found: %s", pattern),
			FullOutput: output,
		}
	}
	return Result{
		Status:     model.CheckPass,
		Evidence:   surroundingLines(output, loc[0]),
		Message:    fmt.Sprintf("Pattern matched: %s", pattern),
		FullOutput: output,
	}
}

func contains(pattern, output string) Result {
	idx := strings.Index(output, pattern)
	if idx < 0 {
		return Result{
			Status:     model.CheckFail,
			Evidence:   tail(output, failEvidenceTail),
			Message:    fmt.Sprintf("Text not found: %s", pattern),
			FullOutput: output,
		}
	}
	start := idx - 100
	if start < 0 {
		start = 0
	}
	end := idx + len(pattern) + 100
	if end > len(output) {
		end = len(output)
	}
	return Result{
		Status:     model.CheckPass,
		Evidence:   output[start:end],
		Message:    fmt.Sprintf("Text found: %s", pattern),
		FullOutput: output,
	}
}

// surroundingLines returns the matched line plus evidenceLines of context on
// each side.
func surroundingLines(output string, matchStart int) string {
	lines := strings.Split(output, "\n")
	matchLine := strings.Count(output[:matchStart], "\n")
	start := matchLine - evidenceLines
	if start < 0 {
		start = 0
	}
	end := matchLine + evidenceLines + 1
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[start:end], "\n")
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
