// Package normal turns names into comparable forms.
package normal

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// disambiguation matches trailing DBLP homonym numbers, e.g. "Wei Wang 0002".
var disambiguation = regexp.MustCompile(`\s+\d{4}$`)

type Pipeline struct {
	Normalizer []Normalizer
}

func (p *Pipeline) Normalize(s string) string {
	for _, n := range p.Normalizer {
		s = n.Normalize(s)
	}
	return s
}

type Normalizer interface {
	Normalize(string) string
}

// Func adapts a plain function to the Normalizer interface.
type Func func(string) string

func (f Func) Normalize(v string) string {
	return f(v)
}

type SimpleNormalizer struct{}

func (s *SimpleNormalizer) Normalize(v string) string {
	return strings.ToLower(v)
}

// CollapseWSNormalizer trims and reduces all whitespace runs to a single space.
type CollapseWSNormalizer struct{}

func (s *CollapseWSNormalizer) Normalize(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

// FoldDiacriticsNormalizer maps "Jürgen Müller" to "Jurgen Muller".
type FoldDiacriticsNormalizer struct{}

func (s *FoldDiacriticsNormalizer) Normalize(v string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, err := transform.String(t, v)
	if err != nil {
		return v
	}
	return result
}

// DisambiguationNormalizer drops a trailing DBLP homonym number.
type DisambiguationNormalizer struct{}

func (s *DisambiguationNormalizer) Normalize(v string) string {
	return disambiguation.ReplaceAllString(v, "")
}

// PunctuationNormalizer removes periods and turns hyphens into spaces.
type PunctuationNormalizer struct{}

func (s *PunctuationNormalizer) Normalize(v string) string {
	v = strings.ReplaceAll(v, ".", "")
	return strings.ReplaceAll(v, "-", " ")
}

// LettersOnlyNormalizer keeps letters only, which also drops all whitespace.
type LettersOnlyNormalizer struct{}

func (s *LettersOnlyNormalizer) Normalize(v string) string {
	var b strings.Builder
	for _, c := range v {
		if unicode.IsLetter(c) {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// PersonName is the pipeline used to compare author names across sources.
var PersonName = &Pipeline{
	Normalizer: []Normalizer{
		&DisambiguationNormalizer{},
		&FoldDiacriticsNormalizer{},
		&PunctuationNormalizer{},
		&CollapseWSNormalizer{},
		&SimpleNormalizer{},
	},
}

// Named normalizers, e.g. for command line selection.
var Named = map[string]Normalizer{
	"simple":  &SimpleNormalizer{},
	"ws":      &CollapseWSNormalizer{},
	"fold":    &FoldDiacriticsNormalizer{},
	"lo":      &LettersOnlyNormalizer{},
	"person":  PersonName,
	"compact": &Pipeline{Normalizer: []Normalizer{&FoldDiacriticsNormalizer{}, &SimpleNormalizer{}, &LettersOnlyNormalizer{}}},
}

// SameName reports whether two author names are equal after normalization.
func SameName(a, b string) bool {
	return PersonName.Normalize(a) == PersonName.Normalize(b)
}

func ReplaceNewlineAndTab(s string) string {
	var sb strings.Builder
	for _, c := range s {
		if c == '\n' || c == '\t' {
			sb.WriteString(" ")
		} else {
			sb.WriteRune(c)
		}
	}
	return sb.String()
}
