package normalize

import "strings"

// Key returns the deterministic identity key for a job posting.
// Same role at the same company from any source yields the same key:
// lowercased, whitespace-collapsed, punctuation stripped, company|title.
func Key(company, title string) string {
	return normToken(company) + "|" + normToken(title)
}

// normToken lowercases and collapses all non-alphanumeric runs to a single space.
func normToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	prevSpace := true
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			prevSpace = false
		} else if !prevSpace {
			b.WriteByte(' ')
			prevSpace = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}
