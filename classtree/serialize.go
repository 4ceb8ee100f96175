package classtree

import (
	"strings"
)

// Serialize renders the tree depth-first, pre-order, one element per line.
// The output is deterministic for a given tree: same input HTML always
// produces the same text, which keeps prompts cache-friendly.
//
// Format per line:
//
//	<indent><tag> .portal-a .portal-b [utils: flex p-4]
func Serialize(root *Node) string {
	if root == nil {
		return ""
	}
	var b strings.Builder
	writeNode(&b, root, 0)
	return b.String()
}

func writeNode(b *strings.Builder, n *Node, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(n.TagName)
	for _, c := range n.PortalClasses {
		b.WriteString(" .")
		b.WriteString(c)
	}
	if len(n.UtilityClasses) > 0 {
		b.WriteString(" [utils: ")
		b.WriteString(strings.Join(n.UtilityClasses, " "))
		b.WriteString("]")
	}
	b.WriteString("\n")
	for _, c := range n.Children {
		writeNode(b, c, depth+1)
	}
}
