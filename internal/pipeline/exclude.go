// Package pipeline runs the five-stage lead pipeline: directory discovery
// followed by four enrichment stages, each gated by an operator pass.
package pipeline

import (
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/leadgen-cli/internal/config"
)

// Denylist filters out businesses whose names match configured exclusion
// rules. Matching is diacritic-, case-, spacing- and punctuation-insensitive,
// so "Mc Donald's" and "MCDONALDS" both hit the "McDonald's" rule.
type Denylist struct {
	rules []denyRule
}

type denyRule struct {
	raw             string
	compact         string
	caseInsensitive bool
}

// NewDenylist compiles exclusion rules into their normalized forms.
func NewDenylist(rules []config.ExclusionRule) (*Denylist, error) {
	d := &Denylist{rules: make([]denyRule, 0, len(rules))}
	for _, r := range rules {
		compact := compactName(r.Pattern, r.CaseInsensitive)
		if compact == "" {
			return nil, eris.Errorf("exclusion pattern reduces to nothing: %q", r.Pattern)
		}
		d.rules = append(d.rules, denyRule{raw: r.Pattern, compact: compact, caseInsensitive: r.CaseInsensitive})
	}
	return d, nil
}

// Match reports whether name hits a rule, and returns the raw pattern that
// matched.
func (d *Denylist) Match(name string) (string, bool) {
	folded := compactName(name, true)
	exact := compactName(name, false)
	for _, r := range d.rules {
		compact := exact
		if r.caseInsensitive {
			compact = folded
		}
		if strings.Contains(compact, r.compact) {
			return r.raw, true
		}
	}
	return "", false
}

var foldTransform = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// compactName folds diacritics and strips everything that is not a letter
// or digit, leaving the bare brand string for comparison.
func compactName(s string, caseInsensitive bool) string {
	folded, _, err := transform.String(foldTransform, s)
	if err != nil {
		folded = s
	}
	if caseInsensitive {
		folded = strings.ToLower(folded)
	}
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
