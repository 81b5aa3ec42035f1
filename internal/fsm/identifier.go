package fsm

import (
	"strings"

	"github.com/xkilldash9x/benchpilot/api/schemas"
	"github.com/xkilldash9x/benchpilot/internal/matcher"
	"github.com/xkilldash9x/benchpilot/internal/profile"
)

// Rules by which an Identification was reached.
const (
	RuleNone       = "none"
	RuleKeyword    = "keyword"
	RuleSingle     = "single"
	RuleTransition = "transition"
	RulePair       = "pair"
	RuleFirst      = "first"
)

// Identification is the result of classifying one frame.
type Identification struct {
	State      string
	Candidates []string
	Ambiguous  bool
	Rule       string
}

// Identifier classifies frames against a profile's state definitions. It
// never mutates the EngineContext it reads.
type Identifier struct {
	p *profile.Profile
}

// NewIdentifier creates an identifier for p.
func NewIdentifier(p *profile.Profile) *Identifier {
	return &Identifier{p: p}
}

// Identify returns the state the frame shows, or profile.StateUnknown.
//
// A keyword rule whose predecessor is the current state is consulted first.
// Otherwise every recognizable state is matched and several candidates are
// narrowed, in order, to those reachable from the current state, then by
// flag-driven pair rules, and finally to the first candidate, which is
// reported as ambiguous.
func (id *Identifier) Identify(elements []schemas.UIElement, ec *EngineContext) Identification {
	previous := ""
	if ec != nil {
		previous = ec.Current
	}

	for _, r := range id.p.KeywordRules {
		if r.After == previous && containsKeyword(elements, r.Keywords) {
			return Identification{State: r.State, Candidates: []string{r.State}, Rule: RuleKeyword}
		}
	}

	var candidates []string
	for _, s := range id.p.States {
		if !s.Recognizable() {
			continue
		}
		if _, ok := matcher.MatchAll(s.Required, s.Excluded, elements); ok {
			candidates = append(candidates, s.Name)
		}
	}

	switch len(candidates) {
	case 0:
		return Identification{State: profile.StateUnknown, Rule: RuleNone}
	case 1:
		return Identification{State: candidates[0], Candidates: candidates, Rule: RuleSingle}
	}

	narrowed := candidates
	if previous != "" {
		var reachable []string
		for _, c := range candidates {
			if id.p.HasTransition(previous, c) {
				reachable = append(reachable, c)
			}
		}
		if len(reachable) == 1 {
			return Identification{State: reachable[0], Candidates: candidates, Rule: RuleTransition}
		}
		if len(reachable) > 1 {
			narrowed = reachable
		}
	}

	for _, r := range id.p.Disambiguation {
		if !r.Applies(narrowed) {
			continue
		}
		state := r.Otherwise
		if ec != nil && ec.Flags[r.Flag] {
			state = r.WhenSet
		}
		return Identification{State: state, Candidates: candidates, Rule: RulePair}
	}

	return Identification{State: narrowed[0], Candidates: candidates, Ambiguous: true, Rule: RuleFirst}
}

func containsKeyword(elements []schemas.UIElement, keywords []string) bool {
	for _, e := range elements {
		if e.Text == "" {
			continue
		}
		text := strings.ToLower(e.Text)
		for _, k := range keywords {
			if k != "" && strings.Contains(text, strings.ToLower(k)) {
				return true
			}
		}
	}
	return false
}
