package parse

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

var unicodeReplacer = strings.NewReplacer(
	" ", " ", // non-breaking space
	"–", "-", // en dash
	"—", "-", // em dash
	"‘", "'",
	"’", "'",
	"“", `"`,
	"”", `"`,
)

// NormalizeText fixes common unicode artifacts and collapses whitespace so
// trivial formatting drift does not register as a content change.
func NormalizeText(text string) string {
	text = unicodeReplacer.Replace(text)
	return strings.Join(strings.Fields(text), " ")
}

// normalizeKey lowercases and collapses text for identity purposes: title
// pairing in the differ and the fingerprint input.
func normalizeKey(text string) string {
	return strings.ToLower(NormalizeText(text))
}

// Fingerprint derives the stable item id: a pure function of normalized
// content, so identical content fetched twice yields the same id and any
// content edit yields a new one.
func Fingerprint(sourceID, title, meetingDate, text string) string {
	input := sourceID + "|" + normalizeKey(title) + "|" + meetingDate + "|" + normalizeKey(text)
	sum := sha256.Sum256([]byte(input))
	return fmt.Sprintf("%x", sum[:8])
}

// TitleKey returns the pairing key the differ uses to recognize a modified
// item: same source, same normalized title.
func TitleKey(title string) string {
	return normalizeKey(title)
}

// stripHTML removes tags and decodes the entities that matter for summaries.
func stripHTML(text string) string {
	var result strings.Builder
	inTag := false
	for _, r := range text {
		if r == '<' {
			inTag = true
			result.WriteRune(' ')
			continue
		}
		if r == '>' {
			inTag = false
			continue
		}
		if !inTag {
			result.WriteRune(r)
		}
	}

	s := result.String()
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&#39;", "'")

	return NormalizeText(s)
}

// truncate caps text without splitting the final word.
func truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}
