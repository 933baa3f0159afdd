package codec

import "regexp"

var spaceRuns = regexp.MustCompile(`[ \t\n\r\f\v]+`)

// CollapseSpaces replaces every run of whitespace with a single space.
// Template output is dominated by indentation; collapsing it before
// encoding shrinks entries without changing how browsers render them.
func CollapseSpaces(s string) string {
	return spaceRuns.ReplaceAllString(s, " ")
}
