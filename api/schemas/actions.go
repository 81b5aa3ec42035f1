package schemas

import (
	"fmt"
	"strings"
	"time"
)

// -- Action Schemas --

// ActionKind names a variant of the Action union.
type ActionKind string

const (
	KindClick       ActionKind = "click"
	KindMultiClick  ActionKind = "multi_click"
	KindDrag        ActionKind = "drag"
	KindScroll      ActionKind = "scroll"
	KindKey         ActionKind = "key"
	KindHotkey      ActionKind = "hotkey"
	KindText        ActionKind = "text"
	KindWait        ActionKind = "wait"
	KindConditional ActionKind = "conditional"
	KindSequence    ActionKind = "sequence"
)

// Action is a closed union of input actions. Only the types in this file
// implement it.
type Action interface {
	Kind() ActionKind
	isAction()
}

// MouseButton identifies a pointer button.
type MouseButton string

const (
	ButtonLeft   MouseButton = "left"
	ButtonRight  MouseButton = "right"
	ButtonMiddle MouseButton = "middle"
)

// ScrollDirection is the wheel direction of a Scroll.
type ScrollDirection string

const (
	ScrollUp   ScrollDirection = "up"
	ScrollDown ScrollDirection = "down"
)

// Defaults used by profile decoding and by the constructors below.
const (
	DefaultMoveDuration  = 500 * time.Millisecond
	DefaultClickDelay    = 100 * time.Millisecond
	DefaultDragDuration  = time.Second
	DefaultScrollClicks  = 3
	DefaultCharDelay     = 50 * time.Millisecond
	DefaultDelayBetween  = 500 * time.Millisecond
	DefaultWaitMax       = 30 * time.Second
	DefaultCheckInterval = time.Second
	DefaultDragDistance  = 100
)

// Point is a screen position in pixels.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Click presses a button once. When FromTarget is set, X and Y are ignored and
// the center of the current target element is used instead; the offsets are
// applied in both cases.
type Click struct {
	X            int
	Y            int
	FromTarget   bool
	OffsetX      int
	OffsetY      int
	Button       MouseButton
	MoveDuration time.Duration
	ClickDelay   time.Duration
}

// NewClick returns a left click at (x, y) with default timings.
func NewClick(x, y int) Click {
	return Click{X: x, Y: y, Button: ButtonLeft, MoveDuration: DefaultMoveDuration, ClickDelay: DefaultClickDelay}
}

// MultiClick is a double (Count 2) or triple (Count 3) click.
type MultiClick struct {
	X          int
	Y          int
	FromTarget bool
	Count      int
	Button     MouseButton
}

// Drag moves the pointer with a button held. A nil End means DefaultDragDistance to the right of Start.
type Drag struct {
	Start      Point
	End        *Point
	FromTarget bool
	Duration   time.Duration
	Button     MouseButton
}

// Destination returns the resolved end point.
func (d Drag) Destination() Point {
	if d.End != nil {
		return *d.End
	}
	return Point{X: d.Start.X + DefaultDragDistance, Y: d.Start.Y}
}

// Scroll turns the wheel at a position.
type Scroll struct {
	X          int
	Y          int
	FromTarget bool
	Direction  ScrollDirection
	Clicks     int
}

// Key presses a single named key.
type Key struct {
	Name string
}

// Hotkey presses keys together, in order.
type Hotkey struct {
	Keys []string
}

// Text types a string one character at a time.
type Text struct {
	Value      string
	ClearFirst bool
	CharDelay  time.Duration
}

// Wait pauses for Duration, or, when Until is set, polls until the criterion
// is present or MaxWait elapses.
type Wait struct {
	Duration      time.Duration
	Until         *ElementCriterion
	MaxWait       time.Duration
	CheckInterval time.Duration
}

// Conditional runs Then when its condition holds and Else otherwise. A nil If
// tests for the presence of the current target element.
type Conditional struct {
	If   *ElementCriterion
	Then Action
	Else Action
}

// Sequence runs nested actions in order.
type Sequence struct {
	Actions      []Action
	DelayBetween time.Duration
}

func (Click) Kind() ActionKind       { return KindClick }
func (MultiClick) Kind() ActionKind  { return KindMultiClick }
func (Drag) Kind() ActionKind        { return KindDrag }
func (Scroll) Kind() ActionKind      { return KindScroll }
func (Key) Kind() ActionKind         { return KindKey }
func (Hotkey) Kind() ActionKind      { return KindHotkey }
func (Text) Kind() ActionKind        { return KindText }
func (Wait) Kind() ActionKind        { return KindWait }
func (Conditional) Kind() ActionKind { return KindConditional }
func (Sequence) Kind() ActionKind    { return KindSequence }

func (Click) isAction()       {}
func (MultiClick) isAction()  {}
func (Drag) isAction()        {}
func (Scroll) isAction()      {}
func (Key) isAction()         {}
func (Hotkey) isAction()      {}
func (Text) isAction()        {}
func (Wait) isAction()        {}
func (Conditional) isAction() {}
func (Sequence) isAction()    {}

// Describe renders an action for logs. A nil action is "none".
func Describe(a Action) string {
	switch v := a.(type) {
	case nil:
		return "none"
	case Click:
		if v.FromTarget {
			return fmt.Sprintf("%s click on target", v.Button)
		}
		return fmt.Sprintf("%s click at (%d, %d)", v.Button, v.X+v.OffsetX, v.Y+v.OffsetY)
	case MultiClick:
		return fmt.Sprintf("%dx %s click at (%d, %d)", v.Count, v.Button, v.X, v.Y)
	case Drag:
		end := v.Destination()
		return fmt.Sprintf("drag (%d, %d) -> (%d, %d)", v.Start.X, v.Start.Y, end.X, end.Y)
	case Scroll:
		return fmt.Sprintf("scroll %s %d at (%d, %d)", v.Direction, v.Clicks, v.X, v.Y)
	case Key:
		return "key " + v.Name
	case Hotkey:
		return "hotkey " + strings.Join(v.Keys, "+")
	case Text:
		s := v.Value
		if r := []rune(s); len(r) > 50 {
			s = string(r[:50]) + "..."
		}
		return fmt.Sprintf("text %q", s)
	case Wait:
		if v.Until != nil {
			return fmt.Sprintf("wait up to %s for %s", v.MaxWait, v.Until)
		}
		return "wait " + v.Duration.String()
	case Conditional:
		return fmt.Sprintf("if (%s) then %s else %s", describeCond(v.If), Describe(v.Then), Describe(v.Else))
	case Sequence:
		return fmt.Sprintf("sequence of %d", len(v.Actions))
	default:
		return string(a.Kind())
	}
}

func describeCond(c *ElementCriterion) string {
	if c == nil {
		return "target present"
	}
	return c.String()
}
