package stylesheet

import (
	"fmt"
	"strings"

	"github.com/rahul-biswakarma/portal-chrome-sub002/classtree"
)

// SelectorError reports a selector that violates the portal grammar. The
// convergence loop treats it as invalid model output, never letting the CSS
// reach the page.
type SelectorError struct {
	Selector string
	Reason   string
}

func (e *SelectorError) Error() string {
	return fmt.Sprintf("stylesheet: disallowed selector %q: %s", e.Selector, e.Reason)
}

// Validate checks that every selector in css conforms to the portal grammar:
// the universal selector, class selectors carrying the reserved prefix,
// pseudo-classes, and whitespace descendant combinators. Element types, IDs,
// attribute selectors, pseudo-elements, and child/sibling combinators are
// rejected.
func Validate(css string) error {
	rules, err := splitRules(stripComments(css))
	if err != nil {
		return err
	}
	for _, r := range rules {
		for _, sel := range strings.Split(r.selector, ",") {
			sel = strings.TrimSpace(sel)
			if sel == "" {
				return &SelectorError{Selector: r.selector, Reason: "empty selector in list"}
			}
			if err := validateSelector(sel); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateSelector(sel string) error {
	compounds, err := splitCompounds(sel)
	if err != nil {
		return err
	}
	for _, compound := range compounds {
		if err := validateCompound(sel, compound); err != nil {
			return err
		}
	}
	return nil
}

// splitCompounds splits a selector at whitespace (the descendant combinator),
// ignoring whitespace inside pseudo-class arguments. Child/sibling
// combinators outside parentheses are rejected here, so `:nth-child(2n+1)`
// stays legal while `.portal-a > .portal-b` is not.
func splitCompounds(sel string) ([]string, error) {
	var compounds []string
	var cur strings.Builder
	depth := 0
	flush := func() {
		if cur.Len() > 0 {
			compounds = append(compounds, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(sel); i++ {
		c := sel[i]
		switch {
		case c == '(':
			depth++
			cur.WriteByte(c)
		case c == ')':
			depth--
			cur.WriteByte(c)
		case depth == 0 && (c == '>' || c == '+' || c == '~'):
			return nil, &SelectorError{Selector: sel, Reason: "combinator " + string(c) + " not allowed"}
		case depth == 0 && (c == ' ' || c == '\t' || c == '\n' || c == '\r'):
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return compounds, nil
}

// validateCompound checks one compound selector: an optional leading `*`,
// then any number of `.portal-*` class selectors and `:pseudo` classes.
func validateCompound(full, compound string) error {
	s := compound
	if strings.HasPrefix(s, "*") {
		s = s[1:]
	}
	if s == "" {
		return nil
	}

	sawTarget := strings.HasPrefix(compound, "*")
	for len(s) > 0 {
		switch s[0] {
		case '.':
			name, rest := takeIdent(s[1:])
			if name == "" {
				return &SelectorError{Selector: full, Reason: "malformed class selector"}
			}
			if !strings.HasPrefix(name, classtree.Prefix) {
				return &SelectorError{Selector: full, Reason: "class " + name + " lacks the " + classtree.Prefix + " prefix"}
			}
			sawTarget = true
			s = rest
		case ':':
			if strings.HasPrefix(s, "::") {
				return &SelectorError{Selector: full, Reason: "pseudo-elements not allowed"}
			}
			rest, err := takePseudoClass(full, s[1:])
			if err != nil {
				return err
			}
			s = rest
		case '#':
			return &SelectorError{Selector: full, Reason: "ID selectors not allowed"}
		case '[':
			return &SelectorError{Selector: full, Reason: "attribute selectors not allowed"}
		default:
			return &SelectorError{Selector: full, Reason: "element type selectors not allowed"}
		}
	}

	if !sawTarget {
		return &SelectorError{Selector: full, Reason: "bare pseudo-class without a portal class target"}
	}
	return nil
}

// takeIdent consumes a CSS identifier and returns it plus the remainder.
func takeIdent(s string) (ident, rest string) {
	i := 0
	for i < len(s) {
		c := s[i]
		if c == '.' || c == ':' || c == '#' || c == '[' || c == '(' || c == ')' {
			break
		}
		i++
	}
	return s[:i], s[i:]
}

// takePseudoClass consumes a pseudo-class name and an optional balanced
// parenthesised argument (e.g. :nth-child(2n+1), :not(.portal-x)).
func takePseudoClass(full, s string) (rest string, err error) {
	name, rest := takeIdent(s)
	if name == "" {
		return "", &SelectorError{Selector: full, Reason: "malformed pseudo-class"}
	}
	if !strings.HasPrefix(rest, "(") {
		return rest, nil
	}
	depth := 0
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return rest[i+1:], nil
			}
		}
	}
	return "", &SelectorError{Selector: full, Reason: "unbalanced pseudo-class arguments"}
}
