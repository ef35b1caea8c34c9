// Package classify splits raw generated text into the customer-visible
// portion and an optional hidden escalation note.
//
// The grammar is a textual convention between the prompt layer and the model:
//
//	visible-text "[INTERNAL NOTE:" note-text "]" trailing-text?
//
// The marker token and its "]" terminator bound the hidden note. Text without
// the marker is entirely visible. A marker that is never terminated fails open
// to fully visible: a malformed model output must not swallow the customer's
// answer.
package classify

import "strings"

// Marker opens a hidden escalation note in generated text.
const Marker = "[INTERNAL NOTE:"

// Terminator closes a hidden escalation note.
const Terminator = "]"

// Result is the outcome of classifying one raw generation.
type Result struct {
	Visible   string // customer-visible text, whitespace-trimmed
	Note      string // hidden escalation note, empty unless Escalated
	Escalated bool
}

// Classify splits raw into visible text and an optional hidden note. The
// visible text is never altered beyond marker stripping and whitespace
// trimming.
func Classify(raw string) Result {
	start := strings.Index(raw, Marker)
	if start < 0 {
		return Result{Visible: strings.TrimSpace(raw)}
	}

	rest := raw[start+len(Marker):]
	end := strings.Index(rest, Terminator)
	if end < 0 {
		// Unterminated marker: fail open, the whole text stays visible.
		return Result{Visible: strings.TrimSpace(raw)}
	}

	visible := strings.TrimSpace(raw[:start] + rest[end+len(Terminator):])
	note := strings.TrimSpace(rest[:end])
	if note == "" {
		// A marker with nothing in it carries no routing signal; strip it
		// and keep the answer customer-visible.
		return Result{Visible: visible}
	}
	return Result{Visible: visible, Note: note, Escalated: true}
}
