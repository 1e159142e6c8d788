// Package textutil holds the small text-normalization helpers the record
// transformer (C2) needs: whitespace collapsing, list/heading marker
// stripping, reference-token extraction and timestamp normalization.
//
// These are adapted from the teacher's apoc/text and apoc/date Cypher
// procedure helpers (apoc.text.clean, apoc.date.fromISO8601, ...) into
// plain functions — the regex-driven, stdlib-only style is identical, only
// the call surface changed from a Cypher procedure registry to direct Go
// calls from the transformer.
package textutil

import (
	"regexp"
	"strings"
	"time"
)

var (
	whitespaceRe   = regexp.MustCompile(`\s+`)
	listMarkerRe   = regexp.MustCompile(`^[\s]*[-*+]\s+`)
	headingRe      = regexp.MustCompile(`^[\s]*#+\s*`)
	bracketRefRe   = regexp.MustCompile(`\[\[([^\]]+)\]\]`)
	hashTagRe      = regexp.MustCompile(`#([A-Za-z0-9_-]+)`)
	atMentionRe    = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)
	nodeIDValueRe  = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)
)

// CollapseWhitespace collapses interior runs of whitespace to a single
// space and trims the result.
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// StripLeadingMarkup removes one leading Markdown list marker (-, *, +) or
// heading prefix (#+), applied in that order, then collapses whitespace.
func StripLeadingMarkup(s string) string {
	s = listMarkerRe.ReplaceAllString(s, "")
	s = headingRe.ReplaceAllString(s, "")
	return CollapseWhitespace(s)
}

// ExtractBracketRefs returns the inner text of every [[...]] span.
func ExtractBracketRefs(s string) []string {
	return submatches(bracketRefRe, s)
}

// ExtractHashTags returns every #token (without the leading #).
func ExtractHashTags(s string) []string {
	return submatches(hashTagRe, s)
}

// ExtractAtMentions returns every @token (without the leading @).
func ExtractAtMentions(s string) []string {
	return submatches(atMentionRe, s)
}

func submatches(re *regexp.Regexp, s string) []string {
	matches := re.FindAllStringSubmatch(s, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// LooksLikeNodeID reports whether s matches the node-id pattern used to
// detect implicit references inside arbitrary property values.
func LooksLikeNodeID(s string) bool {
	return nodeIDValueRe.MatchString(s)
}

// NormalizeTimestamp applies the C2 created-timestamp rule: values above
// 10^12 are treated as milliseconds, otherwise seconds.
func NormalizeTimestamp(raw int64) time.Time {
	if raw > 1_000_000_000_000 {
		return time.UnixMilli(raw).UTC()
	}
	return time.Unix(raw, 0).UTC()
}

// FormatISO8601 renders t the way the spec's scenario fixtures expect:
// millisecond precision, trailing 'Z'.
func FormatISO8601(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// Dedupe returns values with duplicates removed, preserving first-seen order.
func Dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
