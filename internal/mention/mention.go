// Package mention extracts @name mentions from message bodies so the
// fan-out layer can annotate message_received frames and clients can
// highlight or notify without re-parsing on every device.
package mention

import (
	"strings"
	"unicode"
)

// MaxMentions caps the number of distinct mentions extracted from a single
// message. Anything past the cap is ignored rather than rejected.
const MaxMentions = 25

// maxNameLen bounds a single mention token.
const maxNameLen = 64

// Parse returns the distinct names mentioned in text, in order of first
// appearance. A mention is an @ followed by a name made of letters, digits,
// dots, hyphens, or underscores, where the @ starts the text or follows a
// non-name rune (so a@b.com is not a mention). Trailing dots are trimmed:
// "ping @dana." mentions dana.
func Parse(text string) []string {
	var (
		names []string
		seen  map[string]struct{}
	)

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '@' {
			continue
		}
		if i > 0 && isNameRune(runes[i-1]) {
			continue // embedded @, e.g. an email address
		}

		j := i + 1
		for j < len(runes) && j-i-1 < maxNameLen && isNameRune(runes[j]) {
			j++
		}
		name := strings.TrimRight(string(runes[i+1:j]), ".")
		i = j - 1
		if name == "" {
			continue
		}

		if seen == nil {
			seen = make(map[string]struct{})
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
		if len(names) == MaxMentions {
			break
		}
	}
	return names
}

func isNameRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) ||
		r == '.' || r == '-' || r == '_'
}
