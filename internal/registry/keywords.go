package registry

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
	"github.com/samber/lo"
)

// KeywordIndex finds whole-word occurrences of a fixed keyword set.
type KeywordIndex struct {
	machine *goahocorasick.Machine
}

// NewKeywordIndex builds an index over words. Words are lower-cased and
// deduplicated; an empty set yields an index that never matches.
func NewKeywordIndex(words []string) (*KeywordIndex, error) {
	clean := lo.Uniq(lo.FilterMap(words, func(w string, _ int) (string, bool) {
		w = strings.ToLower(strings.TrimSpace(w))
		return w, w != ""
	}))
	if len(clean) == 0 {
		return &KeywordIndex{}, nil
	}
	sort.Strings(clean)

	m := new(goahocorasick.Machine)
	if err := m.Build(lo.Map(clean, func(w string, _ int) []rune { return []rune(w) })); err != nil {
		return nil, fmt.Errorf("build keyword index: %w", err)
	}
	return &KeywordIndex{machine: m}, nil
}

// Find returns the distinct keywords present in normalized text as whole
// words, in order of first appearance.
func (k *KeywordIndex) Find(normalized string) []string {
	if k == nil || k.machine == nil || normalized == "" {
		return nil
	}
	runes := []rune(normalized)
	var out []string
	for _, term := range k.machine.MultiPatternSearch(runes, false) {
		if !wordBoundary(runes, term.Pos, term.Pos+len(term.Word)) {
			continue
		}
		w := string(term.Word)
		if !lo.Contains(out, w) {
			out = append(out, w)
		}
	}
	return out
}

func wordBoundary(runes []rune, start, end int) bool {
	if start > 0 && isWordRune(runes[start-1]) {
		return false
	}
	if end < len(runes) && isWordRune(runes[end]) {
		return false
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
