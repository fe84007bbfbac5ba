package keys

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Key is a key symbol in the same notation key bindings use: "esc", "space",
// "ctrl+c", or the lower-cased character for printable keys.
type Key string

const (
	KeyUnknown   Key = "unknown"
	KeyEscape    Key = "esc"
	KeySpace     Key = "space"
	KeyEnter     Key = "enter"
	KeyTab       Key = "tab"
	KeyBackspace Key = "backspace"
	KeyCtrlC     Key = "ctrl+c"
	KeyUp        Key = "up"
	KeyDown      Key = "down"
	KeyRight     Key = "right"
	KeyLeft      Key = "left"
	KeyY         Key = "y"
	KeyN         Key = "n"
)

func (k Key) String() string {
	return string(k)
}

var aliases = map[string]Key{
	"escape":    KeyEscape,
	" ":         KeySpace,
	"spacebar":  KeySpace,
	"return":    KeyEnter,
	"ctrl-c":    KeyCtrlC,
	"backspace": KeyBackspace,
}

// Parse normalizes a configured key name.
func Parse(name string) Key {
	if name == " " {
		return KeySpace
	}
	n := strings.ToLower(strings.TrimSpace(name))
	if k, ok := aliases[n]; ok {
		return k
	}
	if n == "" {
		return KeyUnknown
	}
	return Key(n)
}

var csiKeys = map[byte]Key{
	'A': KeyUp,
	'B': KeyDown,
	'C': KeyRight,
	'D': KeyLeft,
}

// Decode splits a chunk of raw terminal input into key symbols. A lone ESC
// byte is the escape key; ESC followed by '[' or 'O' starts a cursor
// sequence.
func Decode(p []byte) []Key {
	var out []Key
	for i := 0; i < len(p); {
		b := p[i]
		switch {
		case b == 0x1b:
			if i+2 < len(p) && (p[i+1] == '[' || p[i+1] == 'O') {
				j := i + 2
				for j < len(p) && (p[j] < 0x40 || p[j] > 0x7e) {
					j++
				}
				if j < len(p) {
					if k, ok := csiKeys[p[j]]; ok {
						out = append(out, k)
					} else {
						out = append(out, KeyUnknown)
					}
					i = j + 1
					continue
				}
			}
			out = append(out, KeyEscape)
			i++
		case b == ' ':
			out = append(out, KeySpace)
			i++
		case b == '\r' || b == '\n':
			out = append(out, KeyEnter)
			i++
		case b == '\t':
			out = append(out, KeyTab)
			i++
		case b == 0x7f || b == 0x08:
			out = append(out, KeyBackspace)
			i++
		case b < 0x20:
			out = append(out, ctrlKey(b))
			i++
		default:
			r, size := utf8.DecodeRune(p[i:])
			if r == utf8.RuneError {
				out = append(out, KeyUnknown)
			} else {
				out = append(out, Key(string(unicode.ToLower(r))))
			}
			i += size
		}
	}
	return out
}

func ctrlKey(b byte) Key {
	if b == 0 {
		return Key("ctrl+@")
	}
	return Key("ctrl+" + string(rune('a'+b-1)))
}
