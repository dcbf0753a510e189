// Package tableio holds the small parsing helpers shared by every
// line-oriented table file reader (iftable, linktable, comtreetable,
// routetable), per spec.md §6's common text format: a leading count,
// blank lines ignored, '#' starts a whole-line or trailing comment.
package tableio

import "strings"

// StripComment trims line, blanking it out entirely if it is empty or
// starts with '#', and truncating at the first '#' otherwise.
func StripComment(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	return line
}
