package prompt

import (
	"strings"
	"testing"

	"github.com/rahul-biswakarma/portal-chrome-sub002/classtree"
	"github.com/rahul-biswakarma/portal-chrome-sub002/session"
)

func testTree(t *testing.T) *classtree.Node {
	t.Helper()
	tree, err := classtree.Parse(`<html><body><div class="portal-card flex"></div></body></html>`)
	if err != nil {
		t.Fatal(err)
	}
	return tree
}

func TestBuildGeneration_Sections(t *testing.T) {
	parts := BuildGeneration(GenerationInput{
		Intent:   "make the card darker",
		Tree:     testTree(t),
		PriorCSS: ".portal-card { color: red; }",
	})

	if len(parts) != 1 {
		t.Fatalf("parts = %d, want 1 (text only)", len(parts))
	}
	text := parts[0].Text
	for _, want := range []string{
		"make the card darker",
		".portal-card",
		"[utils: flex]",
		".portal-card { color: red; }",
		"portal-",
		"COMPLETE CSS file",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q", want)
		}
	}
}

func TestBuildGeneration_EmptyCSSUsesSentinel(t *testing.T) {
	parts := BuildGeneration(GenerationInput{Intent: "x", Tree: testTree(t)})
	if !strings.Contains(parts[0].Text, NoExistingCSS) {
		t.Fatalf("sentinel missing:\n%s", parts[0].Text)
	}
}

func TestBuildGeneration_FeedbackAccumulates(t *testing.T) {
	parts := BuildGeneration(GenerationInput{
		Intent:   "match the reference",
		Feedback: []string{"header too light", "spacing too tight"},
		Tree:     testTree(t),
	})
	text := parts[0].Text
	i1 := strings.Index(text, "1. header too light")
	i2 := strings.Index(text, "2. spacing too tight")
	if i1 < 0 || i2 < 0 || i2 < i1 {
		t.Fatalf("feedback not rendered in order:\n%s", text)
	}
}

func TestBuildGeneration_ImagesAreSeparateParts(t *testing.T) {
	ref := session.ImagePart("cmVm", "image/png")
	shot := session.ImagePart("c2hvdA==", "image/png")
	parts := BuildGeneration(GenerationInput{
		Intent:         "x",
		Tree:           testTree(t),
		ReferenceImage: &ref,
		Screenshot:     &shot,
	})

	if len(parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(parts))
	}
	if strings.Contains(parts[0].Text, "cmVm") {
		t.Fatal("image data inlined into the text section")
	}
	if parts[1].ImageData != "cmVm" || parts[2].ImageData != "c2hvdA==" {
		t.Fatalf("image parts out of order: %+v", parts[1:])
	}
}

func TestBuildGeneration_Deterministic(t *testing.T) {
	in := GenerationInput{
		Intent:   "same",
		Feedback: []string{"a", "b"},
		Tree:     testTree(t),
		PriorCSS: ".portal-x { margin: 0; }",
	}
	a := BuildGeneration(in)
	b := BuildGeneration(in)
	if a[0].Text != b[0].Text {
		t.Fatal("generation prompt not deterministic")
	}
}

func TestBuildJudge_PartOrder(t *testing.T) {
	parts := BuildJudge(JudgeInput{
		ReferenceImage: session.ImagePart("cmVm", "image/png"),
		Screenshot:     session.ImagePart("c2hvdA==", "image/png"),
		AppliedCSS:     ".portal-a { color: red; }",
	})

	if len(parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(parts))
	}
	if !strings.Contains(parts[0].Text, ".portal-a { color: red; }") {
		t.Fatal("applied CSS missing from judge prompt")
	}
	if !strings.Contains(parts[0].Text, "matched") {
		t.Fatal("verdict sentinel instruction missing")
	}
	if parts[1].ImageData != "cmVm" || parts[2].ImageData != "c2hvdA==" {
		t.Fatal("reference must precede screenshot")
	}
}

func TestDigester_Bounds(t *testing.T) {
	d := NewDigester(64)
	long := "<p>" + strings.Repeat("lorem ipsum ", 50) + "</p>"
	md, err := d.Digest(long)
	if err != nil {
		t.Fatal(err)
	}
	if len(md) > 64+len("\n…(truncated)") {
		t.Fatalf("digest too long: %d bytes", len(md))
	}
	if !strings.HasSuffix(md, "(truncated)") {
		t.Fatalf("missing truncation marker: %q", md)
	}
}

func TestDigester_Short(t *testing.T) {
	d := NewDigester(0)
	md, err := d.Digest("<h1>Title</h1><p>Body text</p>")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(md, "Title") || !strings.Contains(md, "Body text") {
		t.Fatalf("digest = %q", md)
	}
	if strings.Contains(md, "<p>") {
		t.Fatalf("html leaked into digest: %q", md)
	}
}
