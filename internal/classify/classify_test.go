package classify

import (
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		visible   string
		note      string
		escalated bool
	}{
		{
			name:    "no marker",
			raw:     "Thanks for reaching out.",
			visible: "Thanks for reaching out.",
		},
		{
			name:      "marker with note",
			raw:       "I'll look into it.[INTERNAL NOTE: needs pricing info]",
			visible:   "I'll look into it.",
			note:      "needs pricing info",
			escalated: true,
		},
		{
			name:      "marker with surrounding whitespace",
			raw:       "  I'll check.  [INTERNAL NOTE:   ask billing team  ]  ",
			visible:   "I'll check.",
			note:      "ask billing team",
			escalated: true,
		},
		{
			name:    "unterminated marker fails open",
			raw:     "Sure thing.[INTERNAL NOTE: never closed",
			visible: "Sure thing.[INTERNAL NOTE: never closed",
		},
		{
			name:      "text after terminator stays visible",
			raw:       "Before.[INTERNAL NOTE: check stock] After.",
			visible:   "Before. After.",
			note:      "check stock",
			escalated: true,
		},
		{
			name:    "empty note carries no signal",
			raw:     "All good.[INTERNAL NOTE: ]",
			visible: "All good.",
		},
		{
			name:    "empty input",
			raw:     "",
			visible: "",
		},
		{
			name:      "marker at start",
			raw:       "[INTERNAL NOTE: whole thing is internal]",
			visible:   "",
			note:      "whole thing is internal",
			escalated: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.raw)
			if got.Visible != tt.visible {
				t.Errorf("Visible = %q, want %q", got.Visible, tt.visible)
			}
			if got.Note != tt.note {
				t.Errorf("Note = %q, want %q", got.Note, tt.note)
			}
			if got.Escalated != tt.escalated {
				t.Errorf("Escalated = %v, want %v", got.Escalated, tt.escalated)
			}
		})
	}
}

// TestClassifyRoundTrip verifies that composing visible + marker + note +
// terminator and classifying recovers both parts exactly (modulo trim).
func TestClassifyRoundTrip(t *testing.T) {
	visibles := []string{"Thanks!", "We'll be in touch shortly.", ""}
	notes := []string{"needs pricing info", "novel question about SSO"}

	for _, v := range visibles {
		for _, n := range notes {
			raw := v + Marker + " " + n + Terminator
			got := Classify(raw)
			if !got.Escalated {
				t.Errorf("Classify(%q): not escalated", raw)
				continue
			}
			if got.Visible != strings.TrimSpace(v) {
				t.Errorf("Classify(%q): Visible = %q, want %q", raw, got.Visible, strings.TrimSpace(v))
			}
			if got.Note != n {
				t.Errorf("Classify(%q): Note = %q, want %q", raw, got.Note, n)
			}
		}
	}
}

func FuzzClassify(f *testing.F) {
	f.Add("Thanks for reaching out.")
	f.Add("I'll look into it.[INTERNAL NOTE: needs pricing info]")
	f.Add("Sure.[INTERNAL NOTE: unclosed")
	f.Add("[INTERNAL NOTE: a][INTERNAL NOTE: b]")
	f.Add("")

	f.Fuzz(func(t *testing.T, raw string) {
		got := Classify(raw)

		// The visible text never contains the full marker/terminator pair
		// that was classified out, unless we failed open.
		if got.Escalated && got.Note == "" {
			t.Errorf("Classify(%q): escalated with empty note", raw)
		}
		if got.Visible != strings.TrimSpace(got.Visible) {
			t.Errorf("Classify(%q): Visible not trimmed: %q", raw, got.Visible)
		}
		if got.Note != strings.TrimSpace(got.Note) {
			t.Errorf("Classify(%q): Note not trimmed: %q", raw, got.Note)
		}
		if !got.Escalated && !strings.Contains(raw, Marker) && strings.TrimSpace(raw) != got.Visible {
			t.Errorf("Classify(%q): altered marker-free text: %q", raw, got.Visible)
		}
	})
}
