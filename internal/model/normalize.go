package model

import (
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText trims s and converts it to Unicode NFC so visually identical
// names compare and deduplicate equally regardless of input method.
func NormalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// NormalizeTags returns the tag set in canonical form: NFC, trimmed,
// empty entries dropped, deduplicated and sorted. Never returns nil.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = NormalizeText(t); t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
