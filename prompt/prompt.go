// Package prompt assembles model-consumable payloads for CSS generation and
// match judging.
//
// Text sections are rendered deterministically (same inputs, same bytes) so
// iteration history stays coherent and provider-side caching has a chance.
// Images travel as separate structured parts, never inlined as base64 inside
// the text section, which multimodal parsers require.
package prompt

import (
	"strconv"
	"strings"

	"github.com/rahul-biswakarma/portal-chrome-sub002/classtree"
	"github.com/rahul-biswakarma/portal-chrome-sub002/session"
)

// NoExistingCSS is the sentinel used when the page has no generated CSS yet.
const NoExistingCSS = "(no existing CSS)"

// selectorRules is the fixed constraint block included in every generation
// prompt. The stylesheet validator enforces the same grammar on the way back,
// so this is a hard contract, not a style suggestion.
const selectorRules = `Selector rules (hard constraints, output violating them is rejected):
- Use ONLY class selectors whose class name starts with "portal-".
- The universal selector (*) and pseudo-classes (:hover, :focus, :nth-child(...)) are allowed.
- Descendant combinators (whitespace) between portal- class selectors are allowed.
- NEVER use element type selectors (div, span, ...), ID selectors (#...),
  attribute selectors ([...]), pseudo-elements (::before, ::after),
  or child/sibling combinators (>, +, ~).
- Output the COMPLETE CSS file, not an incremental diff. Your output fully
  replaces the previously generated CSS.`

// GenerationInput carries everything the generation prompt needs.
type GenerationInput struct {
	// Intent is the user's request. Used on the first iteration.
	Intent string
	// Feedback is accumulated judge critique from prior iterations. When
	// non-empty it is rendered after the intent, oldest first.
	Feedback []string
	// Tree is the page's class tree. May be nil.
	Tree *classtree.Node
	// PriorCSS is the currently applied merged stylesheet text.
	PriorCSS string
	// ContentDigest is an optional markdown digest of the page content.
	ContentDigest string
	// ReferenceImage and Screenshot are optional inline images.
	ReferenceImage *session.Part
	Screenshot     *session.Part
}

// BuildGeneration renders the generation payload: one deterministic text
// part followed by the relevant image parts.
func BuildGeneration(in GenerationInput) []session.Part {
	var b strings.Builder

	b.WriteString("You are restyling a web page by writing CSS for its portal- classes.\n\n")

	b.WriteString("## Request\n")
	b.WriteString(strings.TrimSpace(in.Intent))
	b.WriteString("\n")

	if len(in.Feedback) > 0 {
		b.WriteString("\n## Feedback from previous attempts (fix all of it)\n")
		for i, fb := range in.Feedback {
			b.WriteString(strconv.Itoa(i+1) + ". " + strings.TrimSpace(fb) + "\n")
		}
	}

	b.WriteString("\n## Page class tree\n")
	tree := classtree.Serialize(in.Tree)
	if tree == "" {
		tree = "(no portal- classes found on the page)\n"
	}
	b.WriteString(tree)

	b.WriteString("\n## Current CSS\n")
	css := strings.TrimSpace(in.PriorCSS)
	if css == "" {
		css = NoExistingCSS
	}
	b.WriteString(css)
	b.WriteString("\n")

	if in.ContentDigest != "" {
		b.WriteString("\n## Page content (for context only)\n")
		b.WriteString(strings.TrimSpace(in.ContentDigest))
		b.WriteString("\n")
	}

	b.WriteString("\n## Rules\n")
	b.WriteString(selectorRules)
	b.WriteString("\n")

	if in.ReferenceImage != nil {
		b.WriteString("\nThe first attached image is the reference design to reproduce.")
	}
	if in.Screenshot != nil {
		b.WriteString("\nThe last attached image is the page as it currently renders.")
	}
	b.WriteString("\n")

	parts := []session.Part{session.TextPart(b.String())}
	if in.ReferenceImage != nil {
		parts = append(parts, *in.ReferenceImage)
	}
	if in.Screenshot != nil {
		parts = append(parts, *in.Screenshot)
	}
	return parts
}

// JudgeInput carries the inputs of the evaluation step.
type JudgeInput struct {
	ReferenceImage session.Part
	Screenshot     session.Part
	AppliedCSS     string
}

// BuildJudge renders the evaluation payload: instruction text, the applied
// CSS, then reference and post-apply screenshot as image parts.
func BuildJudge(in JudgeInput) []session.Part {
	var b strings.Builder
	b.WriteString("Compare the two attached images. The first is the reference design, ")
	b.WriteString("the second is the page after applying the CSS below.\n\n")
	b.WriteString("## Applied CSS\n")
	css := strings.TrimSpace(in.AppliedCSS)
	if css == "" {
		css = NoExistingCSS
	}
	b.WriteString(css)
	b.WriteString("\n\n")
	b.WriteString("Respond with isMatch=true and feedback=\"matched\" only when the page ")
	b.WriteString("visually matches the reference in layout, colors, spacing, and typography. ")
	b.WriteString("Otherwise set isMatch=false and give specific, actionable feedback on what ")
	b.WriteString("differs and how the CSS should change.\n")

	return []session.Part{
		session.TextPart(b.String()),
		in.ReferenceImage,
		in.Screenshot,
	}
}
