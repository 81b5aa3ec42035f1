package sut

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/benchpilot/api/schemas"
)

// wireAction is the JSON body of POST /action. Fields not used by a type are omitted.
type wireAction struct {
	Type string `json:"type"`

	X *int `json:"x,omitempty"`
	Y *int `json:"y,omitempty"`

	StartX *int `json:"start_x,omitempty"`
	StartY *int `json:"start_y,omitempty"`
	EndX   *int `json:"end_x,omitempty"`
	EndY   *int `json:"end_y,omitempty"`

	Button       string   `json:"button,omitempty"`
	MoveDuration *float64 `json:"move_duration,omitempty"`
	ClickDelay   *float64 `json:"click_delay,omitempty"`
	Duration     *float64 `json:"duration,omitempty"`

	Direction string `json:"direction,omitempty"`
	Clicks    int    `json:"clicks,omitempty"`

	Key  string   `json:"key,omitempty"`
	Keys []string `json:"keys,omitempty"`
}

const terminateType = "terminate_game"

// agentKeys maps X11 keysyms to the names the agent's input layer accepts.
var agentKeys = map[string]string{
	"Return":    "enter",
	"space":     "space",
	"Tab":       "tab",
	"Escape":    "escape",
	"Delete":    "delete",
	"BackSpace": "backspace",
	"Shift_L":   "shift",
	"Control_L": "ctrl",
	"Alt_L":     "alt",
	"Super_L":   "win",
	"Up":        "up",
	"Down":      "down",
	"Left":      "left",
	"Right":     "right",
	"Home":      "home",
	"End":       "end",
	"Page_Up":   "pageup",
	"Page_Down": "pagedown",
	"Insert":    "insert",
}

func init() {
	for i := 1; i <= 12; i++ {
		agentKeys[fmt.Sprintf("F%d", i)] = fmt.Sprintf("f%d", i)
	}
}

// agentKey returns the agent's name for a keysym. Printable characters and
// names the agent already understands pass through.
func agentKey(name string) string {
	if k, ok := agentKeys[name]; ok {
		return k
	}
	return name
}

func intp(v int) *int { return &v }

func secs(d time.Duration) *float64 {
	s := d.Seconds()
	return &s
}

func buttonOr(b schemas.MouseButton) string {
	if b == "" {
		return string(schemas.ButtonLeft)
	}
	return string(b)
}

// encodeAction converts a primitive action into its wire form. Element
// relative coordinates must be resolved by the caller.
func encodeAction(a schemas.Action) (wireAction, error) {
	switch v := a.(type) {
	case schemas.Click:
		if v.FromTarget {
			return wireAction{}, fmt.Errorf("click has unresolved target coordinates")
		}
		return wireAction{
			Type:         "click",
			X:            intp(v.X + v.OffsetX),
			Y:            intp(v.Y + v.OffsetY),
			Button:       buttonOr(v.Button),
			MoveDuration: secs(v.MoveDuration),
			ClickDelay:   secs(v.ClickDelay),
		}, nil

	case schemas.MultiClick:
		if v.FromTarget {
			return wireAction{}, fmt.Errorf("multi click has unresolved target coordinates")
		}
		typ := "double_click"
		if v.Count >= 3 {
			typ = "triple_click"
		}
		return wireAction{Type: typ, X: intp(v.X), Y: intp(v.Y), Button: buttonOr(v.Button)}, nil

	case schemas.Drag:
		if v.FromTarget {
			return wireAction{}, fmt.Errorf("drag has unresolved target coordinates")
		}
		end := v.Destination()
		d := v.Duration
		if d <= 0 {
			d = schemas.DefaultDragDuration
		}
		return wireAction{
			Type:     "drag",
			StartX:   intp(v.Start.X),
			StartY:   intp(v.Start.Y),
			EndX:     intp(end.X),
			EndY:     intp(end.Y),
			Duration: secs(d),
			Button:   buttonOr(v.Button),
		}, nil

	case schemas.Scroll:
		if v.FromTarget {
			return wireAction{}, fmt.Errorf("scroll has unresolved target coordinates")
		}
		dir := v.Direction
		if dir == "" {
			dir = schemas.ScrollUp
		}
		clicks := v.Clicks
		if clicks <= 0 {
			clicks = schemas.DefaultScrollClicks
		}
		return wireAction{Type: "scroll", X: intp(v.X), Y: intp(v.Y), Direction: string(dir), Clicks: clicks}, nil

	case schemas.Key:
		return wireAction{Type: "key", Key: agentKey(v.Name)}, nil

	case schemas.Hotkey:
		keys := make([]string, len(v.Keys))
		for i, k := range v.Keys {
			keys[i] = agentKey(k)
		}
		return wireAction{Type: "hotkey", Keys: keys}, nil

	case schemas.Wait:
		if v.Until != nil {
			break
		}
		return wireAction{Type: "wait", Duration: secs(v.Duration)}, nil
	}
	return wireAction{}, fmt.Errorf("%w: %s cannot be sent to the agent", schemas.ErrUnsupportedAction, a.Kind())
}
