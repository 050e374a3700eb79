package session

import "strings"

// transcriptBuffer accumulates final recognition fragments.
type transcriptBuffer struct {
	text string
}

// append adds a fragment separated by exactly one space.
func (b *transcriptBuffer) append(fragment string) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return
	}
	if b.text == "" {
		b.text = fragment
		return
	}
	b.text = strings.TrimRight(b.text, " ") + " " + fragment
}

func (b *transcriptBuffer) set(text string) {
	b.text = text
}

func (b *transcriptBuffer) reset() {
	b.text = ""
}

func (b *transcriptBuffer) String() string {
	return b.text
}
