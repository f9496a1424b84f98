package sym

import (
	"testing"
	"unicode/utf8"
)

func TestEveryComponentHasSingleRuneGlyph(t *testing.T) {
	for _, c := range Components() {
		g := ForComponent(c)
		if utf8.RuneCountInString(g) != 1 {
			t.Errorf("component %q glyph %q is not a single rune", c, g)
		}
	}
}

func TestGlyphsAreUnique(t *testing.T) {
	seen := map[string]string{}
	for _, c := range Components() {
		g := ForComponent(c)
		if prev, ok := seen[g]; ok {
			t.Errorf("glyph %q shared by %q and %q", g, prev, c)
		}
		seen[g] = c
	}
}

func TestUnknownComponentFallsBackToPulse(t *testing.T) {
	if got := ForComponent("nope"); got != Pulse {
		t.Errorf("ForComponent(nope) = %q, want %q", got, Pulse)
	}
}
