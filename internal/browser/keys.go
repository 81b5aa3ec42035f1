package browser

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/chromedp/cdproto/input"
)

// keyDef describes a key the way the DevTools protocol expects it.
type keyDef struct {
	key     string
	code    string
	keyCode int64
	text    string
	// modifier is set for keys that act as modifiers.
	modifier input.Modifier
}

// namedKeys maps X11 keysym names, as produced by actions.NormalizeKey, to DOM key values.
var namedKeys = map[string]keyDef{
	"Return":    {key: "Enter", code: "Enter", keyCode: 13, text: "\r"},
	"Tab":       {key: "Tab", code: "Tab", keyCode: 9},
	"Escape":    {key: "Escape", code: "Escape", keyCode: 27},
	"BackSpace": {key: "Backspace", code: "Backspace", keyCode: 8},
	"Delete":    {key: "Delete", code: "Delete", keyCode: 46},
	"Insert":    {key: "Insert", code: "Insert", keyCode: 45},
	"Home":      {key: "Home", code: "Home", keyCode: 36},
	"End":       {key: "End", code: "End", keyCode: 35},
	"Page_Up":   {key: "PageUp", code: "PageUp", keyCode: 33},
	"Page_Down": {key: "PageDown", code: "PageDown", keyCode: 34},
	"Left":      {key: "ArrowLeft", code: "ArrowLeft", keyCode: 37},
	"Up":        {key: "ArrowUp", code: "ArrowUp", keyCode: 38},
	"Right":     {key: "ArrowRight", code: "ArrowRight", keyCode: 39},
	"Down":      {key: "ArrowDown", code: "ArrowDown", keyCode: 40},
	"space":     {key: " ", code: "Space", keyCode: 32, text: " "},
	"Shift_L":   {key: "Shift", code: "ShiftLeft", keyCode: 16, modifier: input.ModifierShift},
	"Control_L": {key: "Control", code: "ControlLeft", keyCode: 17, modifier: input.ModifierCtrl},
	"Alt_L":     {key: "Alt", code: "AltLeft", keyCode: 18, modifier: input.ModifierAlt},
	"Super_L":   {key: "Meta", code: "MetaLeft", keyCode: 91, modifier: input.ModifierMeta},
}

func init() {
	for i := 1; i <= 12; i++ {
		name := "F" + strconv.Itoa(i)
		namedKeys[name] = keyDef{key: name, code: name, keyCode: int64(111 + i)}
	}
}

// lookupKey resolves a key name. Single characters type themselves; unknown
// multi-character names are passed through as DOM key values.
func lookupKey(name string) keyDef {
	if def, ok := namedKeys[name]; ok {
		return def
	}
	if utf8.RuneCountInString(name) == 1 {
		r, _ := utf8.DecodeRuneInString(name)
		def := keyDef{key: name, text: name}
		switch {
		case r >= 'a' && r <= 'z':
			def.code = "Key" + strings.ToUpper(name)
			def.keyCode = int64(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z':
			def.code = "Key" + name
			def.keyCode = int64(r)
		case r >= '0' && r <= '9':
			def.code = "Digit" + name
			def.keyCode = int64(r)
		}
		return def
	}
	return keyDef{key: name}
}
