// Package matcher evaluates declarative element criteria against detected elements.
package matcher

import (
	"strings"

	"github.com/xkilldash9x/benchpilot/api/schemas"
)

// Anchor is the synthetic zero-area element returned when an empty set of
// required criteria trivially matches.
var Anchor = schemas.UIElement{Type: schemas.AnyType, Confidence: 1}

// Matches reports whether a single element satisfies the criterion.
func Matches(c schemas.ElementCriterion, e schemas.UIElement) bool {
	if !c.MatchesType(e.Type) {
		return false
	}
	if e.Confidence < c.Threshold() {
		return false
	}
	return matchText(c, e.Text)
}

func matchText(c schemas.ElementCriterion, text string) bool {
	if c.Text == "" {
		return true
	}
	if text == "" {
		return false
	}
	want := strings.ToLower(c.Text)
	have := strings.ToLower(text)

	switch c.Strategy() {
	case schemas.TextExact:
		return have == want
	case schemas.TextStartsWith:
		return strings.HasPrefix(have, want)
	case schemas.TextEndsWith:
		return strings.HasSuffix(have, want)
	default:
		return strings.Contains(have, want)
	}
}

// Find returns the first element satisfying the criterion.
func Find(c schemas.ElementCriterion, elements []schemas.UIElement) (schemas.UIElement, bool) {
	for _, e := range elements {
		if Matches(c, e) {
			return e, true
		}
	}
	return schemas.UIElement{}, false
}

// Any reports whether at least one element matches any of the criteria.
func Any(criteria []schemas.ElementCriterion, elements []schemas.UIElement) bool {
	for _, c := range criteria {
		if _, ok := Find(c, elements); ok {
			return true
		}
	}
	return false
}

// MatchAll evaluates a required/excluded criterion set. Exclusions are checked
// first and disqualify the set outright. Otherwise every required criterion
// must be satisfied; the returned element is the match of the first one. An
// empty required set matches with Anchor.
func MatchAll(required, excluded []schemas.ElementCriterion, elements []schemas.UIElement) (schemas.UIElement, bool) {
	if Any(excluded, elements) {
		return schemas.UIElement{}, false
	}
	if len(required) == 0 {
		return Anchor, true
	}

	var first schemas.UIElement
	for i, c := range required {
		e, ok := Find(c, elements)
		if !ok {
			return schemas.UIElement{}, false
		}
		if i == 0 {
			first = e
		}
	}
	return first, true
}

// Missing returns the required criteria that no element satisfies.
func Missing(required []schemas.ElementCriterion, elements []schemas.UIElement) []schemas.ElementCriterion {
	var out []schemas.ElementCriterion
	for _, c := range required {
		if _, ok := Find(c, elements); !ok {
			out = append(out, c)
		}
	}
	return out
}
