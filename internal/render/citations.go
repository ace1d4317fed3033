// Package render turns raw answer text and tagged citations into the
// platform's message blocks, and implements the open/close toggle state
// machine for citation detail blocks.
package render

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"epsam-assistant/internal/domain"
)

// relevanceThreshold is the minimum score a citation must carry to be
// rendered.
const relevanceThreshold = 0.6

const (
	defaultTitle   = "Source"
	defaultExcerpt = "No document excerpt available."
)

var (
	// [cit_3] and bare [3] marker forms.
	citMarkerPattern  = regexp.MustCompile(`\[cit_(\d+)\]`)
	bareMarkerPattern = regexp.MustCompile(`\[(\d+)\]`)

	// Markdown emphasis and links, rewritten to the platform dialect.
	boldPattern     = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicPattern   = regexp.MustCompile(`__([^_]+)__`)
	mdLinkPattern   = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^)\s]+)\)`)
	bareLinkPattern = regexp.MustCompile(`(^|[\s(])(https?://[^\s<>|)]+)`)

	// Bullet glyphs that documents render inconsistently.
	bulletPattern = regexp.MustCompile(`(?m)^[\s]*(?:•|▪|‣|◦|–|—|-(?:\s*))\s*`)
)

// mojibakeReplacer repairs the usual UTF-8-decoded-as-Latin-1 artifacts seen
// in retrieved document excerpts.
var mojibakeReplacer = strings.NewReplacer(
	"â¢", "•",
	"â¢", "•",
	"â", "'",
	"â", "\"",
	"â", "\"",
	"â", "-",
	"â", "-",
	"Â»", "",
	"»", "",
	"Â", "",
)

// FilterCitations drops citations below the relevance threshold and returns
// the survivors in their original order together with their new display
// numbers (1-based, contiguous). A citation whose score cannot be parsed is
// kept: dropping content over a malformed score is worse than showing it.
func FilterCitations(citations []domain.Citation) []domain.Citation {
	kept := make([]domain.Citation, 0, len(citations))
	for _, c := range citations {
		if score, err := strconv.ParseFloat(strings.TrimSpace(c.RelevanceScore), 64); err == nil && score < relevanceThreshold {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// NormalizeMarkers rewrites inline citation markers in the answer body:
// [cit_N] collapses to [N], markers for surviving citations are renumbered to
// their display number, and markers referencing discarded citations are
// removed.
func NormalizeMarkers(text string, kept []domain.Citation) string {
	renumber := make(map[string]int, len(kept))
	for i, c := range kept {
		renumber[c.SourceNumber] = i + 1
	}

	text = citMarkerPattern.ReplaceAllString(text, "[$1]")
	return bareMarkerPattern.ReplaceAllStringFunc(text, func(marker string) string {
		source := bareMarkerPattern.FindStringSubmatch(marker)[1]
		display, ok := renumber[source]
		if !ok {
			return ""
		}
		return fmt.Sprintf("[%d]", display)
	})
}

// SanitizeBody prepares answer or excerpt text for display: repairs encoding
// artifacts, converts markdown emphasis and links to the platform dialect,
// and collapses the zoo of bullet glyphs into a single "- " list style.
func SanitizeBody(text string) string {
	text = mojibakeReplacer.Replace(text)
	text = strings.ReplaceAll(text, `\n`, "\n")

	text = boldPattern.ReplaceAllString(text, "*$1*")
	text = italicPattern.ReplaceAllString(text, "_${1}_")
	text = mdLinkPattern.ReplaceAllString(text, "<$2|$1>")

	text = bulletPattern.ReplaceAllString(text, "- ")
	return strings.TrimSpace(text)
}

// RewriteBareLinks wraps naked URLs in the platform's link syntax. Markdown
// links must already have been converted; their targets no longer match the
// bare pattern because of the leading "<".
func RewriteBareLinks(text string) string {
	return bareLinkPattern.ReplaceAllString(text, "$1<$2>")
}

// titleOrDefault returns the citation title or the safe placeholder.
func titleOrDefault(c domain.Citation) string {
	if strings.TrimSpace(c.Title) == "" {
		return defaultTitle
	}
	return strings.TrimSpace(c.Title)
}

// excerptOrDefault returns the sanitized excerpt or the safe placeholder.
func excerptOrDefault(c domain.Citation) string {
	body := SanitizeBody(c.Body)
	if body == "" {
		return defaultExcerpt
	}
	return body
}
