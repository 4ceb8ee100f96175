package stylesheet

import (
	"fmt"
	"strings"
)

// Declaration is a single property: value pair.
type Declaration struct {
	Property string `json:"property"`
	Value    string `json:"value"`
}

// Fragment is one logical unit of generated styling: a selector and its
// ordered declarations.
type Fragment struct {
	Selector     string        `json:"selector"`
	Declarations []Declaration `json:"declarations"`
}

// rule is an intermediate parse product: a selector with its raw body.
// Rules nested under @media/@supports are flattened out.
type rule struct {
	selector string
	body     string
}

// ParseFragments parses CSS text into ordered fragments. The parser is
// deliberately tolerant: it understands plain rules and @media/@supports
// nesting, which is the whole surface the generation prompt permits. Other
// at-rules are an error.
func ParseFragments(css string) ([]Fragment, error) {
	rules, err := splitRules(stripComments(css))
	if err != nil {
		return nil, err
	}

	frags := make([]Fragment, 0, len(rules))
	for _, r := range rules {
		frags = append(frags, Fragment{
			Selector:     r.selector,
			Declarations: parseDeclarations(r.body),
		})
	}
	return frags, nil
}

// splitRules walks one nesting level of CSS, recursing into conditional
// group rules.
func splitRules(css string) ([]rule, error) {
	var rules []rule
	rest := css
	for {
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return rules, nil
		}

		open := strings.IndexByte(rest, '{')
		if open < 0 {
			// Trailing garbage without a block; stop rather than guess.
			return rules, nil
		}
		prelude := strings.TrimSpace(rest[:open])
		body, tail, err := matchBrace(rest[open:])
		if err != nil {
			return nil, err
		}

		if strings.HasPrefix(prelude, "@") {
			name := prelude
			if i := strings.IndexAny(prelude, " \t("); i > 0 {
				name = prelude[:i]
			}
			switch name {
			case "@media", "@supports":
				inner, err := splitRules(body)
				if err != nil {
					return nil, err
				}
				rules = append(rules, inner...)
			default:
				return nil, fmt.Errorf("stylesheet: disallowed at-rule %q", name)
			}
		} else {
			rules = append(rules, rule{selector: prelude, body: body})
		}
		rest = tail
	}
}

// matchBrace takes input starting at '{' and returns the balanced body and
// the remainder after the closing brace.
func matchBrace(s string) (body, tail string, err error) {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[1:i], s[i+1:], nil
			}
		}
	}
	return "", "", fmt.Errorf("stylesheet: unbalanced braces")
}

func parseDeclarations(body string) []Declaration {
	var decls []Declaration
	for _, part := range strings.Split(body, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i := strings.IndexByte(part, ':')
		if i <= 0 {
			continue
		}
		prop := strings.TrimSpace(part[:i])
		val := strings.TrimSpace(part[i+1:])
		if prop == "" || val == "" {
			continue
		}
		decls = append(decls, Declaration{Property: prop, Value: val})
	}
	return decls
}
