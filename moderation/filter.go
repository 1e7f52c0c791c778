// Package moderation censors configured terms in chat content and tags
// each message with its detected language.
package moderation

import (
	"strings"
	"unicode"

	"github.com/abadojack/whatlanggo"
	goahocorasick "github.com/anknown/ahocorasick"
)

const censorRune = '*'

// Filter runs chat content through term censoring and language detection.
// A Filter built with no terms only tags languages. The zero check makes
// the handler path nil-safe in both modes.
type Filter struct {
	matcher    *goahocorasick.Machine
	censorChar rune
}

// textMapping tracks where each normalized rune came from in the original
// string, so censoring can star the original characters including the
// separators an evader stuffed in.
type textMapping struct {
	normalized []rune
	origIdx    []int
}

// NewFilter builds the Aho-Corasick automaton over the normalized terms.
// Terms is the raw comma-separated config value.
func NewFilter(terms string) (*Filter, error) {
	var patterns [][]rune
	for _, term := range strings.Split(terms, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		patterns = append(patterns, normalizeRunes([]rune(term)))
	}
	if len(patterns) == 0 {
		return &Filter{censorChar: censorRune}, nil
	}

	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, err
	}
	return &Filter{matcher: m, censorChar: censorRune}, nil
}

// Apply censors matched spans and reports the content's language as an
// ISO 639-1 code. Detector trouble returns the content untouched; chat
// never fails on moderation.
func (f *Filter) Apply(content string) (out string, censored bool, lang string) {
	lang = detectLang(content)
	if f == nil || f.matcher == nil {
		return content, false, lang
	}

	out, censored = f.censor(content)
	return out, censored, lang
}

// censor identifies forbidden patterns and replaces the original
// characters with the censor rune while preserving spacing.
func (f *Filter) censor(original string) (string, bool) {
	mapping := normalize(original)
	if len(mapping.normalized) == 0 {
		return original, false
	}

	spans := f.matcher.MultiPatternSearch(mapping.normalized, false)
	if len(spans) == 0 {
		return original, false
	}

	origRunes := []rune(original)
	for _, span := range spans {
		normStart := span.Pos
		normEnd := normStart + len(span.Word)

		if normStart < 0 || normEnd > len(mapping.origIdx) {
			continue
		}

		origStart := mapping.origIdx[normStart]
		lastCharOrigIdx := mapping.origIdx[normEnd-1]
		origEnd := lastCharOrigIdx + 1

		for i := origStart; i < origEnd; i++ {
			origRunes[i] = f.censorChar
		}
	}
	return string(origRunes), true
}

func detectLang(content string) string {
	info := whatlanggo.Detect(content)
	return info.Lang.Iso6391()
}

// normalize transforms the input string into a searchable format and
// tracks original rune positions.
func normalize(input string) textMapping {
	origRunes := []rune(input)
	norm := make([]rune, 0, len(origRunes))
	origIdx := make([]int, 0, len(origRunes))

	for i, r := range origRunes {
		clean := simplifyRune(r)
		if isNoise(clean) {
			continue
		}
		norm = append(norm, unicode.ToLower(clean))
		origIdx = append(origIdx, i)
	}
	return textMapping{normalized: norm, origIdx: origIdx}
}

// normalizeRunes applies simplification and noise removal to a slice of
// runes.
func normalizeRunes(input []rune) []rune {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		clean := simplifyRune(r)
		if isNoise(clean) {
			continue
		}
		out = append(out, unicode.ToLower(clean))
	}
	return out
}

// simplifyRune maps common leet speak characters back to their standard
// alphabet counterparts.
func simplifyRune(r rune) rune {
	switch r {
	case '4', '@':
		return 'a'
	case '3', '€':
		return 'e'
	case '1', '!', '|':
		return 'i'
	case '0':
		return 'o'
	case '5', '$':
		return 's'
	default:
		return r
	}
}

// isNoise identifies characters ignored during the pattern matching phase.
func isNoise(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r)
}
