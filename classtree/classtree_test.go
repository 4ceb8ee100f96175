package classtree

import (
	"strings"
	"testing"
)

func TestParse_SplitsReservedAndUtilityClasses(t *testing.T) {
	tree, err := Parse(`<html><body>
		<div class="portal-header flex p-4">
			<span class="portal-title text-xl"></span>
		</div>
	</body></html>`)
	if err != nil {
		t.Fatal(err)
	}
	if tree == nil {
		t.Fatal("expected a tree")
	}

	// body → div → span
	div := tree.Children[0]
	if div.TagName != "div" {
		t.Fatalf("tag = %q, want div", div.TagName)
	}
	if len(div.PortalClasses) != 1 || div.PortalClasses[0] != "portal-header" {
		t.Fatalf("portal classes = %v", div.PortalClasses)
	}
	if len(div.UtilityClasses) != 2 || div.UtilityClasses[0] != "flex" || div.UtilityClasses[1] != "p-4" {
		t.Fatalf("utility classes = %v", div.UtilityClasses)
	}

	span := div.Children[0]
	if span.TagName != "span" || span.PortalClasses[0] != "portal-title" {
		t.Fatalf("span = %+v", span)
	}
}

func TestParse_PrunesSubtreesWithoutReservedClasses(t *testing.T) {
	tree, err := Parse(`<html><body>
		<div class="sidebar">
			<ul class="menu"><li class="item"></li></ul>
		</div>
		<div class="portal-main"></div>
	</body></html>`)
	if err != nil {
		t.Fatal(err)
	}
	if tree == nil {
		t.Fatal("expected a tree")
	}
	if len(tree.Children) != 1 {
		t.Fatalf("children = %d, want 1 (sidebar pruned)", len(tree.Children))
	}
	if tree.Children[0].PortalClasses[0] != "portal-main" {
		t.Fatalf("kept = %v", tree.Children[0].PortalClasses)
	}
}

func TestParse_KeepsBareAncestorsOfReservedNodes(t *testing.T) {
	tree, err := Parse(`<html><body>
		<div class="wrapper">
			<section><p class="portal-note"></p></section>
		</div>
	</body></html>`)
	if err != nil {
		t.Fatal(err)
	}
	div := tree.Children[0]
	if div.HasPortalClasses() {
		t.Fatal("wrapper should have no portal classes")
	}
	sec := div.Children[0]
	if sec.TagName != "section" {
		t.Fatalf("tag = %q", sec.TagName)
	}
	if sec.Children[0].PortalClasses[0] != "portal-note" {
		t.Fatalf("leaf = %v", sec.Children[0].PortalClasses)
	}
}

func TestParse_NoReservedClasses(t *testing.T) {
	tree, err := Parse(`<html><body><div class="a"><span class="b"></span></div></body></html>`)
	if err != nil {
		t.Fatal(err)
	}
	if tree != nil {
		t.Fatalf("expected nil tree, got %+v", tree)
	}
}

func TestParse_DeduplicatesClassTokens(t *testing.T) {
	tree, err := Parse(`<html><body><div class="portal-card portal-card flex flex"></div></body></html>`)
	if err != nil {
		t.Fatal(err)
	}
	div := tree.Children[0]
	if len(div.PortalClasses) != 1 {
		t.Fatalf("portal classes = %v, want deduped", div.PortalClasses)
	}
	if len(div.UtilityClasses) != 1 {
		t.Fatalf("utility classes = %v, want deduped", div.UtilityClasses)
	}
}

func TestSerialize_DepthFirstPreOrder(t *testing.T) {
	tree, err := Parse(`<html><body>
		<div class="portal-a">
			<span class="portal-b x"></span>
			<span class="portal-c"></span>
		</div>
	</body></html>`)
	if err != nil {
		t.Fatal(err)
	}

	out := Serialize(tree)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	want := []string{
		"body",
		"  div .portal-a",
		"    span .portal-b [utils: x]",
		"    span .portal-c",
	}
	if len(lines) != len(want) {
		t.Fatalf("lines = %d, want %d:\n%s", len(lines), len(want), out)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestSerialize_Deterministic(t *testing.T) {
	src := `<html><body><div class="portal-x u1 u2"><i class="portal-y"></i></div></body></html>`
	a, _ := Parse(src)
	b, _ := Parse(src)
	if Serialize(a) != Serialize(b) {
		t.Fatal("serialization not deterministic")
	}
}

func TestSerialize_Nil(t *testing.T) {
	if Serialize(nil) != "" {
		t.Fatal("nil tree should serialize to empty string")
	}
}
