package profile

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/benchpilot/api/schemas"
)

// bareWaitDuration is the pause of an action written as the plain string "wait".
const bareWaitDuration = 10 * time.Second

// rawAction mirrors every key an action mapping may carry.
type rawAction struct {
	Type   string `yaml:"type"`
	Action string `yaml:"action"`

	X       *int   `yaml:"x"`
	Y       *int   `yaml:"y"`
	OffsetX int    `yaml:"offset_x"`
	OffsetY int    `yaml:"offset_y"`
	Button  string `yaml:"button"`

	MoveDuration *float64 `yaml:"move_duration"`
	ClickDelay   *float64 `yaml:"click_delay"`

	StartX   *int     `yaml:"start_x"`
	StartY   *int     `yaml:"start_y"`
	EndX     *int     `yaml:"end_x"`
	EndY     *int     `yaml:"end_y"`
	Duration *float64 `yaml:"duration"`

	Direction string `yaml:"direction"`
	Clicks    *int   `yaml:"clicks"`

	Key  string   `yaml:"key"`
	Keys []string `yaml:"keys"`

	Text       string   `yaml:"text"`
	ClearFirst bool     `yaml:"clear_first"`
	CharDelay  *float64 `yaml:"char_delay"`

	Condition     *schemas.ElementCriterion `yaml:"condition"`
	MaxWait       *float64                  `yaml:"max_wait"`
	CheckInterval *float64                  `yaml:"check_interval"`

	IfTrue  *yaml.Node  `yaml:"if_true"`
	IfFalse *yaml.Node  `yaml:"if_false"`
	Actions []yaml.Node `yaml:"actions"`

	DelayBetween *float64 `yaml:"delay_between"`
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func secondsOr(v *float64, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	return seconds(*v)
}

func button(s string, def schemas.MouseButton) (schemas.MouseButton, error) {
	switch schemas.MouseButton(strings.ToLower(s)) {
	case "":
		return def, nil
	case schemas.ButtonLeft:
		return schemas.ButtonLeft, nil
	case schemas.ButtonRight:
		return schemas.ButtonRight, nil
	case schemas.ButtonMiddle:
		return schemas.ButtonMiddle, nil
	}
	return "", fmt.Errorf("unknown mouse button '%s'", s)
}

// DecodeAction converts an action node into the Action union. It accepts the
// aliases used across existing profiles (keypress, type, input, drag_drop,
// right_click, middle_click, double_click, triple_click).
func DecodeAction(node *yaml.Node) (schemas.Action, error) {
	if node == nil || node.Kind == 0 {
		return nil, fmt.Errorf("action is empty")
	}
	if node.Kind == yaml.ScalarNode {
		if strings.EqualFold(node.Value, "wait") {
			return schemas.Wait{Duration: bareWaitDuration}, nil
		}
		return nil, fmt.Errorf("unknown simple action '%s'", node.Value)
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("action must be a mapping (line %d)", node.Line)
	}

	var raw rawAction
	if err := node.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid action (line %d): %w", node.Line, err)
	}
	kind := raw.Type
	if kind == "" {
		kind = raw.Action
	}
	kind = strings.ToLower(kind)

	switch kind {
	case "click", "right_click", "middle_click":
		def := schemas.ButtonLeft
		switch kind {
		case "right_click":
			def = schemas.ButtonRight
		case "middle_click":
			def = schemas.ButtonMiddle
		}
		b, err := button(raw.Button, def)
		if err != nil {
			return nil, err
		}
		c := schemas.Click{
			OffsetX:      raw.OffsetX,
			OffsetY:      raw.OffsetY,
			Button:       b,
			MoveDuration: secondsOr(raw.MoveDuration, schemas.DefaultMoveDuration),
			ClickDelay:   secondsOr(raw.ClickDelay, schemas.DefaultClickDelay),
		}
		c.X, c.Y, c.FromTarget = coords(raw.X, raw.Y)
		return c, nil

	case "double_click", "triple_click":
		b, err := button(raw.Button, schemas.ButtonLeft)
		if err != nil {
			return nil, err
		}
		m := schemas.MultiClick{Count: 2, Button: b}
		if kind == "triple_click" {
			m.Count = 3
		}
		m.X, m.Y, m.FromTarget = coords(raw.X, raw.Y)
		return m, nil

	case "drag", "drag_drop":
		b, err := button(raw.Button, schemas.ButtonLeft)
		if err != nil {
			return nil, err
		}
		d := schemas.Drag{
			Button:   b,
			Duration: secondsOr(raw.Duration, schemas.DefaultDragDuration),
		}
		sx, sy := raw.StartX, raw.StartY
		if sx == nil && sy == nil {
			sx, sy = raw.X, raw.Y
		}
		d.Start.X, d.Start.Y, d.FromTarget = coords(sx, sy)
		if raw.EndX != nil || raw.EndY != nil {
			end := schemas.Point{}
			if raw.EndX != nil {
				end.X = *raw.EndX
			}
			if raw.EndY != nil {
				end.Y = *raw.EndY
			}
			d.End = &end
		}
		return d, nil

	case "scroll":
		s := schemas.Scroll{Direction: schemas.ScrollUp, Clicks: schemas.DefaultScrollClicks}
		switch schemas.ScrollDirection(strings.ToLower(raw.Direction)) {
		case "", schemas.ScrollUp:
		case schemas.ScrollDown:
			s.Direction = schemas.ScrollDown
		default:
			return nil, fmt.Errorf("unknown scroll direction '%s'", raw.Direction)
		}
		if raw.Clicks != nil {
			s.Clicks = *raw.Clicks
		}
		s.X, s.Y, s.FromTarget = coords(raw.X, raw.Y)
		return s, nil

	case "key", "keypress":
		if raw.Key == "" {
			return nil, fmt.Errorf("key action declares no key")
		}
		return schemas.Key{Name: raw.Key}, nil

	case "hotkey":
		if len(raw.Keys) == 0 {
			return nil, fmt.Errorf("hotkey action declares no keys")
		}
		return schemas.Hotkey{Keys: raw.Keys}, nil

	case "text", "type", "input":
		if raw.Text == "" {
			return nil, fmt.Errorf("text action declares no text")
		}
		return schemas.Text{
			Value:      raw.Text,
			ClearFirst: raw.ClearFirst,
			CharDelay:  secondsOr(raw.CharDelay, schemas.DefaultCharDelay),
		}, nil

	case "wait":
		w := schemas.Wait{Duration: secondsOr(raw.Duration, time.Second)}
		if raw.Condition != nil {
			if err := checkCriterion(*raw.Condition); err != nil {
				return nil, err
			}
			w.Until = raw.Condition
			w.MaxWait = secondsOr(raw.MaxWait, schemas.DefaultWaitMax)
			w.CheckInterval = secondsOr(raw.CheckInterval, schemas.DefaultCheckInterval)
		}
		return w, nil

	case "conditional":
		c := schemas.Conditional{}
		if raw.Condition != nil && (raw.Condition.Text != "" || raw.Condition.Type != "") {
			if err := checkCriterion(*raw.Condition); err != nil {
				return nil, err
			}
			c.If = raw.Condition
		}
		var err error
		if raw.IfTrue != nil {
			if c.Then, err = DecodeAction(raw.IfTrue); err != nil {
				return nil, fmt.Errorf("if_true: %w", err)
			}
		}
		if raw.IfFalse != nil {
			if c.Else, err = DecodeAction(raw.IfFalse); err != nil {
				return nil, fmt.Errorf("if_false: %w", err)
			}
		}
		return c, nil

	case "sequence":
		if len(raw.Actions) == 0 {
			return nil, fmt.Errorf("sequence declares no actions")
		}
		s := schemas.Sequence{DelayBetween: secondsOr(raw.DelayBetween, schemas.DefaultDelayBetween)}
		for i := range raw.Actions {
			a, err := DecodeAction(&raw.Actions[i])
			if err != nil {
				return nil, fmt.Errorf("sequence action %d: %w", i+1, err)
			}
			s.Actions = append(s.Actions, a)
		}
		return s, nil

	case "":
		return nil, fmt.Errorf("action type is missing (line %d)", node.Line)
	}
	return nil, fmt.Errorf("unknown action type '%s'", kind)
}

// coords returns explicit coordinates when both are declared, and marks the
// action as target-relative otherwise.
func coords(x, y *int) (int, int, bool) {
	if x != nil && y != nil {
		return *x, *y, false
	}
	return 0, 0, true
}

func checkCriterion(c schemas.ElementCriterion) error {
	if !c.TextMatch.Valid() {
		return fmt.Errorf("unknown text_match '%s'", c.TextMatch)
	}
	if c.MinConfidence != nil && (*c.MinConfidence < 0 || *c.MinConfidence > 1) {
		return fmt.Errorf("min_confidence %.2f is outside [0, 1]", *c.MinConfidence)
	}
	return nil
}
