package markdown

import "strings"

// FenceMarker returns the opening fence run (``` or ~~~, possibly longer) when
// line starts a fenced code block, or "" otherwise. Leading indentation must
// already be stripped.
func FenceMarker(line string) string {
	for _, marker := range []string{"```", "~~~"} {
		if strings.HasPrefix(line, marker) {
			n := len(line) - len(strings.TrimLeft(line, marker[:1]))
			return strings.Repeat(marker[:1], n)
		}
	}
	return ""
}

// ClosesFence reports whether line closes a block opened with fence.
func ClosesFence(line, fence string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, fence) && strings.Trim(trimmed, fence[:1]) == ""
}
