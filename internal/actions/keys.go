package actions

import (
	"strconv"
	"strings"
)

// keyNames maps the friendly names accepted in profiles to the X11 keysym
// names the input backends expect.
var keyNames = map[string]string{
	"enter":     "Return",
	"return":    "Return",
	"space":     "space",
	"tab":       "Tab",
	"escape":    "Escape",
	"esc":       "Escape",
	"delete":    "Delete",
	"del":       "Delete",
	"backspace": "BackSpace",
	"shift":     "Shift_L",
	"ctrl":      "Control_L",
	"control":   "Control_L",
	"alt":       "Alt_L",
	"win":       "Super_L",
	"super":     "Super_L",
	"up":        "Up",
	"down":      "Down",
	"left":      "Left",
	"right":     "Right",
	"home":      "Home",
	"end":       "End",
	"pageup":    "Page_Up",
	"pagedown":  "Page_Down",
	"insert":    "Insert",
}

func init() {
	for i := 1; i <= 12; i++ {
		n := strconv.Itoa(i)
		keyNames["f"+n] = "F" + n
	}
}

// NormalizeKey maps a profile key name to its keysym. Unknown names are
// lower-cased and passed through, so single characters work as-is.
func NormalizeKey(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	if k, ok := keyNames[lower]; ok {
		return k
	}
	return lower
}

// charKey returns the key that types r.
func charKey(r rune) string {
	switch r {
	case ' ':
		return "space"
	case '\n':
		return "Return"
	case '\t':
		return "Tab"
	}
	return string(r)
}
