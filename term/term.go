// Package term colours command output when it goes to a terminal.
package term

import (
	"os"

	"github.com/mgutz/ansi"
	"golang.org/x/term"
)

var (
	codeGood  = ansi.ColorCode("green+b")
	codeWarn  = ansi.ColorCode("yellow+b")
	codeBad   = ansi.ColorCode("red+b")
	codeLabel = ansi.ColorCode("default+b")
)

func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Palette paints strings, or leaves them alone when disabled.
type Palette struct {
	enabled bool
}

func NewPalette(enabled bool) Palette {
	return Palette{enabled: enabled}
}

// For returns a palette enabled only when f is a terminal.
func For(f *os.File) Palette {
	return NewPalette(IsTerminal(f))
}

func (p Palette) paint(code, s string) string {
	if !p.enabled {
		return s
	}

	return code + s + ansi.Reset
}

func (p Palette) Good(s string) string  { return p.paint(codeGood, s) }
func (p Palette) Warn(s string) string  { return p.paint(codeWarn, s) }
func (p Palette) Bad(s string) string   { return p.paint(codeBad, s) }
func (p Palette) Label(s string) string { return p.paint(codeLabel, s) }
