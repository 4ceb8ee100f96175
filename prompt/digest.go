package prompt

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
)

// DefaultDigestLimit bounds the page content digest in bytes.
const DefaultDigestLimit = 4096

// Digester converts page HTML into a bounded markdown digest, giving the
// model semantic context beyond the bare class tree.
type Digester struct {
	conv  *converter.Converter
	limit int
}

// NewDigester creates a Digester. limit <= 0 selects DefaultDigestLimit.
func NewDigester(limit int) *Digester {
	if limit <= 0 {
		limit = DefaultDigestLimit
	}
	return &Digester{
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
		limit: limit,
	}
}

// Digest converts HTML to markdown and truncates at the limit on a rune
// boundary, appending an ellipsis marker when cut.
func (d *Digester) Digest(pageHTML string) (string, error) {
	md, err := d.conv.ConvertString(pageHTML)
	if err != nil {
		return "", fmt.Errorf("prompt: convert digest: %w", err)
	}
	md = strings.TrimSpace(md)
	if len(md) <= d.limit {
		return md, nil
	}
	cut := md[:d.limit]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "\n…(truncated)", nil
}
