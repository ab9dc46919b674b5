package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// MaxTitleLen bounds sanitized titles used in file names.
const MaxTitleLen = 100

// MaxTitleBytes bounds the encoded length of a sanitized title. Names are
// built from a title plus a short prefix and extension, and the temporary
// file adds tempPrefix and a random suffix, all within the usual 255-byte
// file name limit.
const MaxTitleBytes = 160

// SanitizeTitle keeps letters, digits, spaces, '-' and '_', trims trailing
// spaces, turns spaces into underscores and truncates to max runes and to
// MaxTitleBytes bytes, always on a rune boundary.
func SanitizeTitle(title string, max int) string {
	var b strings.Builder
	for _, r := range title {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}

	s := strings.TrimRight(b.String(), " ")
	s = strings.ReplaceAll(s, " ", "_")

	if max > 0 {
		runes := []rune(s)
		if len(runes) > max {
			s = string(runes[:max])
		}
	}
	if len(s) > MaxTitleBytes {
		cut := 0
		for i := range s {
			if i > MaxTitleBytes {
				break
			}
			cut = i
		}
		s = strings.TrimRight(s[:cut], "_")
	}
	if s == "" {
		return "untitled"
	}
	return s
}

// LinkKey derives a stable short key from an item's link.
func LinkKey(link string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(link)))
	return hex.EncodeToString(sum[:])[:12]
}
