// Package fallback decides what to do when a state or step stalls.
package fallback

import (
	"time"

	"github.com/xkilldash9x/benchpilot/api/schemas"
)

// GeneralKey names the fallback used when no specific one is declared.
const GeneralKey = "general"

// DefaultAction is issued when a profile declares no fallbacks at all.
var DefaultAction schemas.Action = schemas.Key{Name: "escape"}

// Policy resolves recovery actions. The zero value always yields DefaultAction.
type Policy struct {
	actions map[string]schemas.Action
}

// NewPolicy builds a policy from fallbacks keyed by state name, step index or
// GeneralKey. Nil actions are ignored.
func NewPolicy(actions map[string]schemas.Action) Policy {
	p := Policy{actions: make(map[string]schemas.Action, len(actions))}
	for k, a := range actions {
		if a != nil {
			p.actions[k] = a
		}
	}
	return p
}

// For returns the fallback declared for key, else the general fallback, else DefaultAction.
func (p Policy) For(key string) schemas.Action {
	if a, ok := p.actions[key]; ok {
		return a
	}
	if a, ok := p.actions[GeneralKey]; ok {
		return a
	}
	return DefaultAction
}

// Declared reports whether a fallback exists specifically for key.
func (p Policy) Declared(key string) bool {
	_, ok := p.actions[key]
	return ok
}

// Expired reports whether more than timeout has passed since entered. A
// non-positive timeout never expires.
func Expired(entered, now time.Time, timeout time.Duration) bool {
	if timeout <= 0 || entered.IsZero() {
		return false
	}
	return now.Sub(entered) > timeout
}
