package ranking

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// normalizeTitle folds a title for comparison: diacritics removed,
// lowercased, punctuation that commonly differs between trackers stripped,
// whitespace collapsed. "Shōgun" and "shogun", or "Bob's Burgers" and
// "Bobs Burgers", compare equal after folding.
func normalizeTitle(s string) string {
	s = foldUnicode(s)
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		switch {
		case r == '\'' || r == '’' || r == ':' || r == ',' || r == '!' || r == '?' || r == '.':
			// dropped outright
		case r == '&':
			b.WriteString("and")
			lastSpace = false
		case r == '-' || r == '_' || unicode.IsSpace(r):
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
				lastSpace = true
			}
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

// foldUnicode decomposes accented characters and strips combining marks.
// Letters that NFKD leaves alone get explicit ASCII spellings first.
func foldUnicode(s string) string {
	replacer := strings.NewReplacer(
		"æ", "ae", "Æ", "AE",
		"œ", "oe", "Œ", "OE",
		"ø", "o", "Ø", "O",
		"ß", "ss",
		"ð", "d", "Ð", "D",
		"þ", "th", "Þ", "TH",
	)
	s = replacer.Replace(s)

	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// titlesMatch reports whether a parsed release title refers to the wanted
// title. Exact folded equality always passes; otherwise one title must
// contain the other, which tolerates tracker suffixes like alternate
// spellings or appended AKA titles.
func titlesMatch(parsedTitle, wantTitle string) bool {
	a := normalizeTitle(parsedTitle)
	b := normalizeTitle(wantTitle)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}
