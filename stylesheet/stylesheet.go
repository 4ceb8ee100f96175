// Package stylesheet merges machine-generated CSS with user-authored CSS and
// validates generated selectors against the portal class grammar.
//
// The page's injected stylesheet is split at a literal marker comment:
// everything before the marker is user-owned and preserved verbatim on every
// merge, everything after is the machine-generated block and is replaced
// wholesale. Re-applying identical generated CSS is a no-op.
package stylesheet

import "strings"

// Marker separates user-owned CSS from the machine-generated block.
const Marker = "/* portal-generated */"

// ElementID is the id of the injected <style> element on the page.
const ElementID = "portal-generated-styles"

// Merge combines existing page CSS with a newly generated block. The user
// prefix (text before Marker) survives verbatim; the previous generated block
// is discarded. An empty generated block removes the machine-generated
// portion entirely.
func Merge(existing, generated string) string {
	user := existing
	if i := strings.Index(existing, Marker); i >= 0 {
		user = existing[:i]
	}
	user = strings.TrimRight(user, " \t\r\n")

	gen := strings.TrimSpace(generated)
	if gen == "" {
		return user
	}
	if user == "" {
		return Marker + "\n" + gen
	}
	return user + "\n\n" + Marker + "\n" + gen
}

// UserPart returns the user-owned portion of a merged stylesheet.
func UserPart(css string) string {
	if i := strings.Index(css, Marker); i >= 0 {
		return strings.TrimRight(css[:i], " \t\r\n")
	}
	return strings.TrimRight(css, " \t\r\n")
}

// GeneratedPart returns the machine-generated portion of a merged stylesheet,
// without the marker line. Empty when no generated block is present.
func GeneratedPart(css string) string {
	i := strings.Index(css, Marker)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(css[i+len(Marker):])
}

// stripComments removes /* ... */ comments. Unterminated comments swallow the
// rest of the input, matching browser behaviour.
func stripComments(css string) string {
	var b strings.Builder
	for {
		i := strings.Index(css, "/*")
		if i < 0 {
			b.WriteString(css)
			return b.String()
		}
		b.WriteString(css[:i])
		rest := css[i+2:]
		j := strings.Index(rest, "*/")
		if j < 0 {
			return b.String()
		}
		css = rest[j+2:]
	}
}
