package reconcile

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// ExtractJSON pulls the first JSON object out of free-form model output.
// It understands markdown code fences, ignores prose around the object and
// repairs output that was cut off mid-object (unterminated string, trailing
// comma, missing closing brackets).
func ExtractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", eris.Wrap(ErrParse, "empty response")
	}
	s = stripFence(s)

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", eris.Wrap(ErrParse, "no JSON object in response")
	}
	s = s[start:]

	if end, ok := balancedEnd(s); ok {
		return s[:end], nil
	}

	// Truncated: repair, and if the tail is still broken (for example a
	// half-written key) drop the last member and try again.
	for tries := 0; tries < 8; tries++ {
		fixed := repairTruncated(s)
		if json.Valid([]byte(fixed)) {
			return fixed, nil
		}
		cut := lastTopComma(s)
		if cut <= 0 {
			break
		}
		s = s[:cut]
	}
	return "", eris.Wrap(ErrParse, "truncated JSON could not be repaired")
}

// lastTopComma returns the index of the last comma outside string literals.
func lastTopComma(s string) int {
	last := -1
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case ',':
			last = i
		}
	}
	return last
}

// stripFence returns the body of the first ```json (or bare ```) block, or s
// unchanged when there is no fence.
func stripFence(s string) string {
	open := "```json"
	i := strings.Index(s, open)
	if i < 0 {
		open = "```"
		i = strings.Index(s, open)
	}
	if i < 0 {
		return s
	}
	body := s[i+len(open):]
	if j := strings.Index(body, "```"); j >= 0 {
		body = body[:j]
	}
	return strings.TrimSpace(body)
}

// balancedEnd returns the index just past the '}' closing the object that
// starts at s[0], skipping braces inside string literals.
func balancedEnd(s string) (int, bool) {
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// repairTruncated closes whatever the model left open.
func repairTruncated(s string) string {
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var sb strings.Builder
	sb.WriteString(s)
	if inString {
		if escaped {
			// Drop a dangling backslash so the closing quote is not escaped.
			out := strings.TrimSuffix(sb.String(), "\\")
			sb.Reset()
			sb.WriteString(out)
		}
		sb.WriteByte('"')
	}

	out := strings.TrimRight(sb.String(), " \t\r\n")
	out = strings.TrimSuffix(out, ",")
	if strings.HasSuffix(out, ":") {
		out += "null"
	}

	sb.Reset()
	sb.WriteString(out)
	for i := len(stack) - 1; i >= 0; i-- {
		sb.WriteByte(stack[i])
	}
	return sb.String()
}
