package ui

import (
	"strings"
	"unicode/utf8"
)

// Truncate shortens text to maxLen runes with a "..." suffix. Newlines are
// folded to spaces so table rows stay on one line.
func Truncate(text string, maxLen int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return "..."
	}
	runes := []rune(text)
	return string(runes[:maxLen-3]) + "..."
}

// Wrap breaks text at word boundaries to fit maxWidth columns. Existing line
// breaks are kept.
func Wrap(text string, maxWidth int) string {
	if maxWidth <= 0 {
		maxWidth = DefaultWidth
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = wrapLine(line, maxWidth)
	}
	return strings.Join(lines, "\n")
}

func wrapLine(line string, maxWidth int) string {
	words := strings.Fields(line)
	if len(words) == 0 {
		return line
	}
	var b strings.Builder
	width := 0
	for _, w := range words {
		n := utf8.RuneCountInString(w)
		if width > 0 && width+1+n > maxWidth {
			b.WriteByte('\n')
			width = 0
		} else if width > 0 {
			b.WriteByte(' ')
			width++
		}
		b.WriteString(w)
		width += n
	}
	return b.String()
}
