package validation

import (
	"fmt"
	"unicode/utf8"
)

// ValidateFrame performs the byte-level checks that must happen before any
// JSON decoding is attempted (§4.2, property #1): size, UTF-8 validity, and
// brace/bracket nesting depth.
func ValidateFrame(raw []byte) error {
	if len(raw) > MaxFrameBytes {
		return NewValidationError(ErrCodeParseError, "frame too large")
	}
	if !utf8.Valid(raw) {
		return NewValidationError(ErrCodeParseError, "invalid UTF-8")
	}
	if depth := jsonNestingDepth(raw); depth > MaxNestingDepth {
		return NewValidationError(ErrCodeParseError, fmt.Sprintf("nesting depth %d exceeds limit", depth))
	}
	return nil
}

// jsonNestingDepth returns the maximum object/array nesting depth found in
// raw, ignoring braces/brackets that appear inside string literals.
func jsonNestingDepth(raw []byte) int {
	var depth, maxDepth int
	inString := false
	escaped := false

	for _, b := range raw {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case '}', ']':
			depth--
		}
	}
	return maxDepth
}
