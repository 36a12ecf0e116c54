package session

import "strings"

// DefaultTitle is the title of a session without messages.
const DefaultTitle = "New Chat"

const (
	titleWords  = 4
	titleMaxLen = 30
)

// DeriveTitle builds a session title from the first human message: its first
// four words, cut to 30 characters with a trailing ellipsis.
func DeriveTitle(text string) string {
	words := strings.Fields(text)
	if len(words) > titleWords {
		words = words[:titleWords]
	}
	title := strings.Join(words, " ")
	if title == "" {
		return DefaultTitle
	}
	if r := []rune(title); len(r) > titleMaxLen {
		return string(r[:titleMaxLen]) + "..."
	}
	return title
}
