// Package textnorm canonicalizes captured document text so that
// semantically equal observations hash equally. The hash of the
// normalized form is the content identity used by artifact and
// snapshot dedupe.
package textnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	isoTimestampRe = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}(?:[Tt][0-9:.+\-]+)?[Zz]?\b`)
	whitespaceRe   = regexp.MustCompile(`\s+`)

	cookiePhrases = []string{
		"this website uses cookies",
		"this site uses cookies",
		"we use cookies",
		"accept all cookies",
		"accept cookies",
		"cookie settings",
		"cookie preferences",
		"cookie policy",
		"manage cookies",
	}

	edgarHeaderRe     = regexp.MustCompile(`(?i)united states securities and exchange commission`)
	edgarFormLineRe   = regexp.MustCompile(`(?i)\bform\s+[0-9]{1,3}-[a-z0-9]+(?:/a)?\b`)
	edgarFileNumberRe = regexp.MustCompile(`(?i)\bsec file number\s*[:#]?\s*[0-9\-]*`)
)

// Normalize strips time-varying and source-specific boilerplate and returns
// the lowercase canonical string. When rawHTML is non-empty it wins over
// rawText. Normalize is idempotent: Normalize(st, Normalize(st, s, ""), "")
// equals Normalize(st, s, "").
func Normalize(sourceType, rawText, rawHTML string) string {
	text := rawText
	if strings.TrimSpace(rawHTML) != "" {
		text = ExtractHTMLText(rawHTML)
	}

	text = isoTimestampRe.ReplaceAllString(text, " ")
	for _, phrase := range cookiePhrases {
		text = removePhraseFold(text, phrase)
	}

	switch strings.ToUpper(strings.TrimSpace(sourceType)) {
	case "EDGAR", "FINANCE":
		text = edgarHeaderRe.ReplaceAllString(text, " ")
		text = edgarFormLineRe.ReplaceAllString(text, " ")
		text = edgarFileNumberRe.ReplaceAllString(text, " ")
	}

	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.ToLower(strings.TrimSpace(text))
}

// Hash returns the lowercase SHA-256 hex of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// NormalizeAndHash is the common two-step used by ingest and snapshots.
func NormalizeAndHash(sourceType, rawText, rawHTML string) (normalized, contentHash string) {
	normalized = Normalize(sourceType, rawText, rawHTML)
	return normalized, Hash(normalized)
}

// ExtractHTMLText walks the parsed document and keeps inner text only,
// skipping script/style/noscript subtrees. Malformed markup degrades to
// whatever the tolerant parser recovers rather than failing.
func ExtractHTMLText(rawHTML string) string {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return rawHTML
	}
	var sb strings.Builder
	collectText(doc, &sb, 0)
	return sb.String()
}

func collectText(n *html.Node, sb *strings.Builder, depth int) {
	if depth > 200 {
		return
	}
	switch n.Type {
	case html.TextNode:
		t := strings.TrimSpace(n.Data)
		if t != "" {
			sb.WriteString(t)
			sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript":
			return
		}
	case html.CommentNode:
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb, depth+1)
	}
}

func removePhraseFold(text, phrase string) string {
	lower := strings.ToLower(text)
	phrase = strings.ToLower(phrase)
	for {
		i := strings.Index(lower, phrase)
		if i < 0 {
			return text
		}
		text = text[:i] + " " + text[i+len(phrase):]
		lower = lower[:i] + " " + lower[i+len(phrase):]
	}
}
