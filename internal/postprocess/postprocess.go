package postprocess

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// rolePrefixes are speaker labels models sometimes echo at the start of a
// reply. Order matters: the first match is the one removed.
var rolePrefixes = []string{
	"Assistant:",
	"Bot:",
	"System:",
	"AI:",
	"Asistente:",  // es
	"Assistente:", // pt, it
	"Assistant :", // fr spacing
	"Assistent:",  // de, nl
	"Asisten:",    // id
	"Ассистент:",  // ru
	"助手:",
	"アシスタント:",
}

// Clean trims the reply and removes one leaked role prefix
func Clean(text string) string {
	text = strings.TrimSpace(text)
	for _, prefix := range rolePrefixes {
		if rest, ok := cutPrefixFold(text, prefix); ok {
			return strings.TrimSpace(rest)
		}
	}
	return text
}

// cutPrefixFold is strings.CutPrefix under Unicode case folding. It walks
// runes since folded pairs may differ in encoded length.
func cutPrefixFold(s, prefix string) (string, bool) {
	for prefix != "" {
		if s == "" {
			return "", false
		}
		pr, pn := utf8.DecodeRuneInString(prefix)
		sr, sn := utf8.DecodeRuneInString(s)
		if !equalFoldRune(pr, sr) {
			return "", false
		}
		prefix, s = prefix[pn:], s[sn:]
	}
	return s, true
}

func equalFoldRune(a, b rune) bool {
	if a == b {
		return true
	}
	for r := unicode.SimpleFold(a); r != a; r = unicode.SimpleFold(r) {
		if r == b {
			return true
		}
	}
	return false
}
