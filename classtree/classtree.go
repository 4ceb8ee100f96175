// Package classtree builds a tree of styleable page elements from raw HTML.
//
// Only elements carrying a class with the reserved "portal-" prefix (or with
// a descendant carrying one) are materialised. Everything else is pruned, so
// the tree handed to the model stays small even on class-heavy pages.
package classtree

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Prefix marks a CSS class as an allowed styling target. Classes without it
// are treated as opaque utility classes, never as selector targets.
const Prefix = "portal-"

// Node is one DOM element of interest. Children are in DOM order.
type Node struct {
	TagName        string  `json:"tagName"`
	PortalClasses  []string `json:"portalClasses"`
	UtilityClasses []string `json:"utilityClasses,omitempty"`
	Children       []*Node  `json:"children,omitempty"`
}

// HasPortalClasses reports whether the node itself carries a reserved class.
func (n *Node) HasPortalClasses() bool {
	return len(n.PortalClasses) > 0
}

// Parse builds the class tree from an HTML document. It returns nil when the
// page contains no reserved classes at all.
func Parse(pageHTML string) (*Node, error) {
	doc, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return nil, fmt.Errorf("classtree: parse html: %w", err)
	}

	body := findBody(doc)
	if body == nil {
		body = doc
	}

	root := build(body)
	return root, nil
}

// build returns the materialised node for el, or nil when el and its whole
// subtree carry no reserved classes.
func build(el *html.Node) *Node {
	portal, utility := splitClasses(el)

	var children []*Node
	for c := el.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if child := build(c); child != nil {
			children = append(children, child)
		}
	}

	if len(portal) == 0 && len(children) == 0 {
		return nil
	}

	tag := "fragment"
	if el.Type == html.ElementNode {
		tag = el.Data
	}

	return &Node{
		TagName:        tag,
		PortalClasses:  portal,
		UtilityClasses: utility,
		Children:       children,
	}
}

// splitClasses partitions an element's class tokens into reserved and utility
// sets, deduplicated, preserving attribute order.
func splitClasses(el *html.Node) (portal, utility []string) {
	if el.Type != html.ElementNode {
		return nil, nil
	}
	seen := make(map[string]bool)
	for _, attr := range el.Attr {
		if attr.Key != "class" {
			continue
		}
		for _, tok := range strings.Fields(attr.Val) {
			if seen[tok] {
				continue
			}
			seen[tok] = true
			if strings.HasPrefix(tok, Prefix) {
				portal = append(portal, tok)
			} else {
				utility = append(utility, tok)
			}
		}
	}
	return portal, utility
}

func findBody(doc *html.Node) *html.Node {
	var body *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if body != nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == "body" {
			body = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return body
}
