package recovery

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// ResponseHealth classifies a model node
type ResponseHealth int

const (
	Healthy ResponseHealth = iota
	Empty
	Truncated
)

func (h ResponseHealth) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Empty:
		return "empty"
	case Truncated:
		return "truncated"
	default:
		return "unknown"
	}
}

// DefaultMinTruncationLength is the shortest text checked for a mid-word ending
const DefaultMinTruncationLength = 20

// Detector spots empty and truncated responses
type Detector struct {
	MinTruncationLength int
}

// NewDetector returns a detector with default thresholds
func NewDetector() *Detector {
	return &Detector{MinTruncationLength: DefaultMinTruncationLength}
}

// Classify reports the health of a node. A node that carries tool calls is always
// healthy.
func (d *Detector) Classify(text string, hasCalls bool) ResponseHealth {
	if hasCalls {
		return Healthy
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Empty
	}
	if d.IsTruncated(trimmed) {
		return Truncated
	}
	return Healthy
}

// IsTruncated reports whether text looks cut off: an unclosed code fence, unclosed
// brackets outside quoted strings, or longer text ending on a comma, an operator
// or a connective word. A missing final period alone is not truncation.
func (d *Detector) IsTruncated(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	if strings.Count(text, "```")%2 == 1 {
		return true
	}
	if unclosedBrackets(text) {
		return true
	}

	minLen := d.MinTruncationLength
	if minLen <= 0 {
		minLen = DefaultMinTruncationLength
	}
	if utf8.RuneCountInString(text) < minLen {
		return false
	}

	last, _ := utf8.DecodeLastRuneInString(text)
	if strings.ContainsRune(",([{-=+&/\\", last) {
		return true
	}
	return danglingWord(text)
}

// connectives never end a finished sentence
var connectives = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"to": true, "of": true, "for": true, "with": true, "from": true, "into": true,
	"by": true, "when": true, "if": true,
}

// danglingWord reports whether text stops right after a connective, e.g. "open the
// file and". Text ending in any other word or digit is taken as finished.
func danglingWord(text string) bool {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	if len(fields) == 0 {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(text)
	if !unicode.IsLetter(last) {
		return false
	}
	return connectives[strings.ToLower(fields[len(fields)-1])]
}

// unclosedBrackets tracks (), [] and {} depth, skipping double-quoted strings and
// fenced code. Only openers left unclosed count; stray closers are common in
// enumerations like "1)".
func unclosedBrackets(text string) bool {
	var paren, square, curly int
	inString := false
	escaped := false
	inFence := false

	for i := 0; i < len(text); i++ {
		if strings.HasPrefix(text[i:], "```") {
			inFence = !inFence
			i += 2
			continue
		}
		if inFence {
			continue
		}

		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"', c == '\n':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '(':
			paren++
		case ')':
			if paren > 0 {
				paren--
			}
		case '[':
			square++
		case ']':
			if square > 0 {
				square--
			}
		case '{':
			curly++
		case '}':
			if curly > 0 {
				curly--
			}
		}
	}
	return paren > 0 || square > 0 || curly > 0
}
