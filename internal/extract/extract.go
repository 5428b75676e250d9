// Package extract recovers structured JSON payloads from raw LLM output.
// Model responses routinely wrap the payload in markdown fences, surround it
// with prose, or get cut off by an output-token cap; each function here
// handles exactly one of those failure modes so callers can chain them.
package extract

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// StripFences removes a single leading/trailing fenced code block wrapper
// (``` or ~~~, with an optional language tag) and surrounding whitespace.
// Input without a fence wrapper is returned unchanged apart from trimming.
func StripFences(s string) string {
	s = trimBOM(strings.TrimSpace(s))
	for _, fence := range []string{"```", "~~~"} {
		if !strings.HasPrefix(s, fence) {
			continue
		}
		rest := s[len(fence):]
		// Skip the optional language tag up to the first newline.
		nl := strings.IndexByte(rest, '\n')
		if nl == -1 {
			return s
		}
		rest = rest[nl+1:]
		end := strings.LastIndex(rest, fence)
		if end == -1 {
			return s
		}
		return strings.TrimSpace(rest[:end])
	}
	return s
}

// ExtractJSONObject scans s left to right and returns the longest substring
// that is a balanced, valid JSON object. Brace characters inside quoted
// strings are ignored via an in-string flag with backslash-escape tracking,
// so commentary containing braces does not produce false spans. Returns
// ("", false) when no span parses.
func ExtractJSONObject(s string) (string, bool) {
	s = trimBOM(s)
	best := ""
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		span, ok := balancedSpan(s, i)
		if !ok {
			continue
		}
		if !json.Valid([]byte(span)) {
			// The balanced candidate did not parse; abandon this opening
			// brace and keep scanning from the next one.
			continue
		}
		if len(span) > len(best) {
			best = span
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}

// RepairTruncatedJSON attempts to close a JSON document that was cut short
// by an output-length limit. It tries progressively more aggressive
// truncation candidates and returns the first repaired text that parses.
func RepairTruncatedJSON(s string) (string, bool) {
	s = strings.TrimSpace(trimBOM(s))
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return "", false
	}
	for _, candidate := range truncationCandidates(s) {
		if repaired, ok := closeUnbalanced(candidate); ok {
			if json.Valid([]byte(repaired)) {
				return repaired, true
			}
		}
	}
	return "", false
}

// truncationCandidates produces repair candidates in order of increasing
// aggressiveness: the text as-is, with a trailing incomplete string removed,
// with a trailing partial key/value pair removed, and truncated back to the
// last complete closing brace or bracket.
func truncationCandidates(s string) []string {
	out := []string{s}
	if cut, ok := dropOpenString(s); ok {
		out = append(out, cut)
		if cut2, ok := dropTrailingPartialMember(cut); ok {
			out = append(out, cut2)
		}
	} else if cut2, ok := dropTrailingPartialMember(s); ok {
		out = append(out, cut2)
	}
	if i := strings.LastIndexAny(s, "}]"); i > 0 {
		out = append(out, s[:i+1])
	}
	return out
}

// dropOpenString removes a trailing unterminated quoted string, if any.
func dropOpenString(s string) (string, bool) {
	inString := false
	escape := false
	stringStart := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escape {
				escape = false
				continue
			}
			switch c {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			stringStart = i
		}
	}
	if !inString || stringStart < 0 {
		return "", false
	}
	return strings.TrimRight(s[:stringStart], " \t\r\n"), true
}

// dropTrailingPartialMember removes a dangling key or partial value after the
// last comma or opening brace/bracket, e.g. `{"a":1,"b` or `{"a":1,"b":`.
func dropTrailingPartialMember(s string) (string, bool) {
	i := lastStructuralIndex(s, ",{[")
	if i < 0 {
		return "", false
	}
	tail := strings.TrimSpace(s[i+1:])
	if tail == "" {
		// Already ends on a structural character; just drop a trailing comma.
		if s[i] == ',' {
			return strings.TrimRight(s[:i], " \t\r\n"), true
		}
		return "", false
	}
	if s[i] == ',' {
		return strings.TrimRight(s[:i], " \t\r\n"), true
	}
	return strings.TrimRight(s[:i+1], " \t\r\n"), true
}

// lastStructuralIndex returns the index of the last occurrence of any byte in
// chars that sits outside a quoted string.
func lastStructuralIndex(s, chars string) int {
	inString := false
	escape := false
	last := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escape {
				escape = false
				continue
			}
			switch c {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			continue
		}
		if strings.IndexByte(chars, c) >= 0 {
			last = i
		}
	}
	return last
}

// closeUnbalanced walks s tracking a stack of unclosed braces/brackets
// (ignoring content inside strings) and appends the missing closers in
// reverse order. A candidate that ends mid-string is unusable.
func closeUnbalanced(s string) (string, bool) {
	var stack []byte
	inString := false
	escape := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escape {
				escape = false
				continue
			}
			switch c {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) == 0 || stack[len(stack)-1] != '{' {
				return "", false
			}
			stack = stack[:len(stack)-1]
		case ']':
			if len(stack) == 0 || stack[len(stack)-1] != '[' {
				return "", false
			}
			stack = stack[:len(stack)-1]
		}
	}
	if inString {
		return "", false
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(s, " \t\r\n,"))
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String(), true
}

// balancedSpan finds the matching close for the opener at startIdx, handling
// strings and escape sequences.
func balancedSpan(s string, startIdx int) (string, bool) {
	depth := 0
	inString := false
	escape := false
	for i := startIdx; i < len(s); i++ {
		c := s[i]
		if inString {
			if escape {
				escape = false
				continue
			}
			switch c {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[startIdx : i+1], true
			}
			if depth < 0 {
				return "", false
			}
		}
	}
	return "", false
}

// trimBOM removes an optional UTF-8 BOM.
func trimBOM(s string) string {
	if strings.HasPrefix(s, "\uFEFF") {
		return strings.TrimPrefix(s, "\uFEFF")
	}
	if len(s) >= 3 && s[0] == 0xEF && s[1] == 0xBB && s[2] == 0xBF && utf8.ValidString(s[3:]) {
		return s[3:]
	}
	return s
}
