package hg

import (
	"regexp"
	"strconv"
)

var bugPattern = regexp.MustCompile(`[Bb](?:ug)?\s*([0-9]{5,7})`)

// ExtractBugID returns the first bug number mentioned in a commit description.
func ExtractBugID(description string) (int, bool) {
	m := bugPattern.FindStringSubmatch(description)
	if m == nil {
		return 0, false
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return id, true
}
