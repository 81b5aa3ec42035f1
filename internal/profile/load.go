package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/benchpilot/api/schemas"
	"github.com/xkilldash9x/benchpilot/internal/calibration"
)

func configErr(section, format string, args ...any) error {
	return &schemas.ConfigurationError{Section: section, Msg: fmt.Sprintf(format, args...)}
}

// entry is one key/value pair of a mapping node, in document order.
type entry struct {
	key   string
	value *yaml.Node
}

func entries(section string, n *yaml.Node) ([]entry, error) {
	if n.Kind != yaml.MappingNode {
		return nil, configErr(section, "must be a mapping (line %d)", n.Line)
	}
	seen := make(map[string]bool, len(n.Content)/2)
	out := make([]entry, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k := n.Content[i].Value
		if seen[k] {
			return nil, configErr(section, "duplicate key '%s' (line %d)", k, n.Content[i].Line)
		}
		seen[k] = true
		out = append(out, entry{key: k, value: n.Content[i+1]})
	}
	return out, nil
}

// Load reads and validates the profile at path.
func Load(path string, logger *zap.Logger) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile '%s': %w", path, err)
	}
	p, err := Parse(data, logger)
	if err != nil {
		return nil, err
	}
	p.Path = path
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, nil
}

// Parse validates a profile document. Problems that make the profile unusable
// are returned as *schemas.ConfigurationError; dubious but usable declarations
// are logged as warnings.
func Parse(data []byte, logger *zap.Logger) (*Profile, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("profile")

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, configErr("", "invalid YAML: %v", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, configErr("", "profile is empty")
	}
	top, err := entries("", doc.Content[0])
	if err != nil {
		return nil, err
	}
	sections := make(map[string]*yaml.Node, len(top))
	for _, e := range top {
		sections[e.key] = e.value
	}

	p := &Profile{Fallbacks: make(map[string]schemas.Action)}
	if err := parseMetadata(p, sections["metadata"]); err != nil {
		return nil, err
	}
	if p.Metadata.GameName == "" {
		log.Warn("No game_name specified in metadata.")
	}
	p.Name = p.Metadata.GameName

	if n, ok := sections["fallbacks"]; ok {
		if err := parseFallbacks(p, n); err != nil {
			return nil, err
		}
	}

	switch {
	case sections["steps"] != nil:
		p.Strategy = schemas.StrategySteps
		err = parseLinear(p, sections)
	case sections["states"] != nil || sections["transitions"] != nil:
		p.Strategy = schemas.StrategyFSM
		err = parseGraph(p, sections, log)
	default:
		err = configErr("", "profile declares neither 'states' nor 'steps'")
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// -- Metadata & Fallbacks --

type rawMetadata struct {
	GameName          string   `yaml:"game_name"`
	Resolution        string   `yaml:"resolution"`
	StartupWait       *float64 `yaml:"startup_wait"`
	BenchmarkDuration float64  `yaml:"benchmark_duration"`
	StepTimeout       float64  `yaml:"step_timeout"`
}

func parseMetadata(p *Profile, n *yaml.Node) error {
	if n == nil {
		return nil
	}
	var raw rawMetadata
	if err := n.Decode(&raw); err != nil {
		return configErr("metadata", "%v", err)
	}
	p.Metadata = Metadata{
		GameName:          raw.GameName,
		Resolution:        raw.Resolution,
		BenchmarkDuration: seconds(raw.BenchmarkDuration),
		StepTimeout:       seconds(raw.StepTimeout),
	}
	if raw.StartupWait != nil {
		d := seconds(*raw.StartupWait)
		p.Metadata.StartupWait = &d
	}
	return nil
}

func parseFallbacks(p *Profile, n *yaml.Node) error {
	items, err := entries("fallbacks", n)
	if err != nil {
		return err
	}
	for _, e := range items {
		a, err := DecodeAction(e.value)
		if err != nil {
			return configErr("fallbacks", "'%s': %v", e.key, err)
		}
		p.Fallbacks[e.key] = a
	}
	return nil
}

// -- State Graph --

type rawState struct {
	Required []schemas.ElementCriterion `yaml:"required_elements"`
	Excluded []schemas.ElementCriterion `yaml:"excluded_elements"`
	Timeout  float64                    `yaml:"timeout"`
}

type rawTransition struct {
	Action         string                    `yaml:"action"`
	Target         *schemas.ElementCriterion `yaml:"target"`
	Hardcoded      *schemas.Point            `yaml:"hardcoded_coords"`
	FallbackCoords *schemas.Point            `yaml:"fallback_coords"`
	Key            string                    `yaml:"key"`
	Duration       *float64                  `yaml:"duration"`
	ExpectedDelay  *float64                  `yaml:"expected_delay"`
	SetsFlag       string                    `yaml:"sets_flag"`
}

type rawPairRule struct {
	States    []string `yaml:"states"`
	Flag      string   `yaml:"flag"`
	WhenSet   string   `yaml:"when_set"`
	Otherwise string   `yaml:"otherwise"`
}

type rawCalibration struct {
	Enabled    *bool                   `yaml:"enabled"`
	References []calibration.Reference `yaml:"references"`
	Samples    int                     `yaml:"samples"`
}

func scalar(section string, n *yaml.Node) (string, error) {
	if n == nil {
		return "", configErr(section, "missing required section")
	}
	if n.Kind != yaml.ScalarNode || n.Value == "" {
		return "", configErr(section, "must be a state name")
	}
	return n.Value, nil
}

func parseGraph(p *Profile, sections map[string]*yaml.Node, log *zap.Logger) error {
	for _, name := range []string{"states", "transitions", "initial_state", "target_state"} {
		if sections[name] == nil {
			return configErr(name, "missing required section")
		}
	}

	var err error
	if p.InitialState, err = scalar("initial_state", sections["initial_state"]); err != nil {
		return err
	}
	if p.TargetState, err = scalar("target_state", sections["target_state"]); err != nil {
		return err
	}

	states, err := entries("states", sections["states"])
	if err != nil {
		return err
	}
	if len(states) == 0 {
		return configErr("states", "must declare at least one state")
	}
	declared := map[string]bool{StateInitial: true, StateCompleted: true}
	for _, e := range states {
		var raw rawState
		if err := e.value.Decode(&raw); err != nil {
			return configErr("states", "'%s': %v", e.key, err)
		}
		for _, c := range append(append([]schemas.ElementCriterion{}, raw.Required...), raw.Excluded...) {
			if err := checkCriterion(c); err != nil {
				return configErr("states", "'%s': %v", e.key, err)
			}
		}
		if len(raw.Required) == 0 {
			log.Warn("State declares no required elements and can never be identified.", zap.String("state", e.key))
		}
		p.States = append(p.States, StateDefinition{
			Name:     e.key,
			Required: raw.Required,
			Excluded: raw.Excluded,
			Timeout:  seconds(raw.Timeout),
		})
		declared[e.key] = true
	}

	transitions, err := entries("transitions", sections["transitions"])
	if err != nil {
		return err
	}
	if len(transitions) == 0 {
		return configErr("transitions", "must declare at least one transition")
	}
	for _, e := range transitions {
		t, err := parseTransition(e)
		if err != nil {
			return err
		}
		if _, dup := p.Transition(t.Key); dup {
			return configErr("transitions", "duplicate transition '%s'", t.Key)
		}
		if !declared[t.Key.From] {
			log.Warn("Transition references undefined from_state.", zap.String("transition", t.Key.String()))
		}
		if !declared[t.Key.To] {
			log.Warn("Transition references undefined to_state.", zap.String("transition", t.Key.String()))
		}
		p.Transitions = append(p.Transitions, t)
	}

	if !declared[p.InitialState] {
		log.Warn("Initial state not defined in states section.", zap.String("state", p.InitialState))
	}
	if !declared[p.TargetState] {
		log.Warn("Target state not defined in states section.", zap.String("state", p.TargetState))
	}

	if n := sections["disambiguation"]; n != nil {
		var raw []rawPairRule
		if err := n.Decode(&raw); err != nil {
			return configErr("disambiguation", "%v", err)
		}
		for i, r := range raw {
			if len(r.States) != 2 || r.Flag == "" {
				return configErr("disambiguation", "rule %d needs exactly two states and a flag", i+1)
			}
			rule := PairRule{States: [2]string{r.States[0], r.States[1]}, Flag: r.Flag, WhenSet: r.WhenSet, Otherwise: r.Otherwise}
			if rule.WhenSet == "" {
				rule.WhenSet = r.States[1]
			}
			if rule.Otherwise == "" {
				rule.Otherwise = r.States[0]
			}
			p.Disambiguation = append(p.Disambiguation, rule)
		}
	}

	if n := sections["keyword_rules"]; n != nil {
		if err := n.Decode(&p.KeywordRules); err != nil {
			return configErr("keyword_rules", "%v", err)
		}
		for i := range p.KeywordRules {
			r := &p.KeywordRules[i]
			if r.After == "" || r.State == "" {
				return configErr("keyword_rules", "rule %d needs 'after' and 'state'", i+1)
			}
			if len(r.Keywords) == 0 {
				r.Keywords = DefaultKeywords
			}
		}
	}

	if n := sections["timers"]; n != nil {
		if err := n.Decode(&p.Timers); err != nil {
			return configErr("timers", "%v", err)
		}
		for i, tm := range p.Timers {
			if tm.Name == "" || tm.Start == "" || tm.End == "" {
				return configErr("timers", "timer %d needs 'name', 'start' and 'end'", i+1)
			}
		}
	}

	if n := sections["calibration"]; n != nil {
		var raw rawCalibration
		if err := n.Decode(&raw); err != nil {
			return configErr("calibration", "%v", err)
		}
		p.Calibration = CalibrationSpec{Enabled: true, References: raw.References, Samples: raw.Samples}
		if raw.Enabled != nil {
			p.Calibration.Enabled = *raw.Enabled
		}
	}
	return nil
}

func parseTransition(e entry) (Transition, error) {
	from, to, ok := strings.Cut(e.key, "->")
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if !ok || from == "" || to == "" || strings.Contains(to, "->") {
		return Transition{}, configErr("transitions", "invalid transition key '%s', must be 'from_state->to_state'", e.key)
	}

	var raw rawTransition
	if err := e.value.Decode(&raw); err != nil {
		return Transition{}, configErr("transitions", "'%s': %v", e.key, err)
	}
	t := Transition{
		Key:            TransitionKey{From: from, To: to},
		Action:         TransitionAction(strings.ToLower(raw.Action)),
		Target:         raw.Target,
		Hardcoded:      raw.Hardcoded,
		FallbackCoords: raw.FallbackCoords,
		KeyName:        raw.Key,
		Duration:       secondsOr(raw.Duration, 0),
		ExpectedDelay:  secondsOr(raw.ExpectedDelay, DefaultExpectedDelay),
		SetsFlag:       raw.SetsFlag,
	}
	if t.Action == "" && t.Hardcoded != nil {
		t.Action = ActionClick
	}

	switch t.Action {
	case ActionClick:
		if t.Target == nil && t.Hardcoded == nil && t.FallbackCoords == nil {
			return Transition{}, configErr("transitions", "'%s': click needs a target or coordinates", e.key)
		}
		if t.Target != nil {
			if err := checkCriterion(*t.Target); err != nil {
				return Transition{}, configErr("transitions", "'%s': %v", e.key, err)
			}
		}
	case ActionKey:
		if t.KeyName == "" {
			return Transition{}, configErr("transitions", "'%s': key action declares no key", e.key)
		}
	case ActionWait:
		if t.Duration <= 0 {
			t.Duration = DefaultExpectedDelay
		}
	default:
		return Transition{}, configErr("transitions", "'%s': unknown action '%s'", e.key, raw.Action)
	}
	return t, nil
}

// -- Linear Steps --

type rawStep struct {
	Description   string                     `yaml:"description"`
	Find          *schemas.ElementCriterion  `yaml:"find"`
	Action        *yaml.Node                 `yaml:"action"`
	Verify        []schemas.ElementCriterion `yaml:"verify"`
	VerifySuccess []schemas.ElementCriterion `yaml:"verify_success"`
	ExpectedDelay *float64                   `yaml:"expected_delay"`
}

type rawOptional struct {
	Trigger schemas.ElementCriterion `yaml:"trigger"`
	Action  *yaml.Node               `yaml:"action"`
}

func parseLinear(p *Profile, sections map[string]*yaml.Node) error {
	items, err := entries("steps", sections["steps"])
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return configErr("steps", "no steps defined")
	}

	for _, e := range items {
		idx, err := strconv.Atoi(strings.TrimSpace(e.key))
		if err != nil || idx < 1 {
			return configErr("steps", "step key '%s' is not a positive integer", e.key)
		}
		var raw rawStep
		if err := e.value.Decode(&raw); err != nil {
			return configErr("steps", "step %d: %v", idx, err)
		}
		if raw.Action == nil {
			return configErr("steps", "no action specified in step %d", idx)
		}
		action, err := DecodeAction(raw.Action)
		if err != nil {
			return configErr("steps", "step %d: %v", idx, err)
		}
		verify := raw.Verify
		if len(verify) == 0 {
			verify = raw.VerifySuccess
		}
		criteria := append([]schemas.ElementCriterion{}, verify...)
		if raw.Find != nil {
			criteria = append(criteria, *raw.Find)
		}
		for _, c := range criteria {
			if err := checkCriterion(c); err != nil {
				return configErr("steps", "step %d: %v", idx, err)
			}
		}
		p.Steps = append(p.Steps, Step{
			Index:         idx,
			Description:   raw.Description,
			Find:          raw.Find,
			Action:        action,
			Verify:        verify,
			ExpectedDelay: secondsOr(raw.ExpectedDelay, DefaultExpectedDelay),
		})
	}

	sort.SliceStable(p.Steps, func(i, j int) bool { return p.Steps[i].Index < p.Steps[j].Index })
	for i, s := range p.Steps {
		if s.Index != i+1 {
			return configErr("steps", "step %d not found", i+1)
		}
	}

	if n := sections["optional_steps"]; n != nil {
		opts, err := entries("optional_steps", n)
		if err != nil {
			return err
		}
		for _, e := range opts {
			var raw rawOptional
			if err := e.value.Decode(&raw); err != nil {
				return configErr("optional_steps", "'%s': %v", e.key, err)
			}
			if raw.Action == nil {
				return configErr("optional_steps", "'%s' declares no action", e.key)
			}
			action, err := DecodeAction(raw.Action)
			if err != nil {
				return configErr("optional_steps", "'%s': %v", e.key, err)
			}
			if raw.Trigger.Text == "" && raw.Trigger.Type == "" {
				return configErr("optional_steps", "'%s' declares no trigger", e.key)
			}
			if err := checkCriterion(raw.Trigger); err != nil {
				return configErr("optional_steps", "'%s': %v", e.key, err)
			}
			p.OptionalSteps = append(p.OptionalSteps, OptionalStep{Name: e.key, Trigger: raw.Trigger, Action: action})
		}
	}
	return nil
}
