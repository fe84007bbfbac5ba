package keys

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []Key
	}{
		{name: "escape alone", in: "\x1b", want: []Key{KeyEscape}},
		{name: "space", in: " ", want: []Key{KeySpace}},
		{name: "upper case letter", in: "Y", want: []Key{KeyY}},
		{name: "letters", in: "yn", want: []Key{KeyY, KeyN}},
		{name: "ctrl+c", in: "\x03", want: []Key{KeyCtrlC}},
		{name: "enter", in: "\r", want: []Key{KeyEnter}},
		{name: "arrow sequence", in: "\x1b[A", want: []Key{KeyUp}},
		{name: "application cursor", in: "\x1bOD", want: []Key{KeyLeft}},
		{name: "unknown csi", in: "\x1b[3~", want: []Key{KeyUnknown}},
		{name: "escape then letter", in: "\x1bq", want: []Key{KeyEscape, Key("q")}},
		{name: "utf8 rune", in: "é", want: []Key{Key("é")}},
		{name: "backspace", in: "\x7f", want: []Key{KeyBackspace}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decode([]byte(tt.in)); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Decode(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	tests := map[string]Key{
		"esc":      KeyEscape,
		"Escape":   KeyEscape,
		"space":    KeySpace,
		" ":        KeySpace,
		"Y":        KeyY,
		"ctrl+c":   KeyCtrlC,
		"":         KeyUnknown,
		"spacebar": KeySpace,
	}
	for in, want := range tests {
		if got := Parse(in); got != want {
			t.Errorf("Parse(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestReaderSource(t *testing.T) {
	src := NewReaderSource(strings.NewReader("y\nn\n"))

	var got []Key
	for {
		ks, err := src.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("Read() error = %v", err)
			}
			break
		}
		got = append(got, ks...)
	}
	if want := []Key{KeyY, KeyN}; !reflect.DeepEqual(got, want) {
		t.Errorf("keys = %v, want %v", got, want)
	}
}

func TestCRLFWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &crlfWriter{w: &buf}

	n, err := w.Write([]byte("a\nb\r\nc"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Errorf("n = %d, want 6", n)
	}
	if got := buf.String(); got != "a\r\nb\r\nc" {
		t.Errorf("output = %q", got)
	}
}
