// ABOUTME: Markdown rendering for stored messages using goldmark
// ABOUTME: Converts MARKDOWN content to HTML and extracts plain text for titles

package render

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"github.com/2389/coven-chat/internal/store"
)

// md is safe for concurrent use. Raw HTML in the source is not passed through.
var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// HTML converts markdown source to HTML.
func HTML(source string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("converting markdown: %w", err)
	}
	return buf.String(), nil
}

// Message is a stored message with its rendered HTML, when it has any.
type Message struct {
	*store.Message
	HTML string `json:"html,omitempty"`
}

// Messages renders the MARKDOWN messages of msgs. Other formats are passed
// through without HTML. A message that fails to render keeps its raw content.
func Messages(msgs []*store.Message) []*Message {
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		out[i] = &Message{Message: m}
		if m.Format != store.FormatMarkdown {
			continue
		}
		if html, err := HTML(m.Content); err == nil {
			out[i].HTML = html
		}
	}
	return out
}

// PlainText returns the visible text of markdown source with formatting
// removed, one space between blocks.
func PlainText(source string) string {
	src := []byte(source)
	doc := md.Parser().Parse(text.NewReader(src))

	var parts []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.Text:
			parts = append(parts, string(v.Segment.Value(src)))
			if v.SoftLineBreak() || v.HardLineBreak() {
				parts = append(parts, " ")
			}
		case *ast.String:
			parts = append(parts, string(v.Value))
		case *ast.CodeSpan:
			parts = append(parts, string(v.Text(src)))
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				parts = append(parts, string(seg.Value(src)))
			}
			return ast.WalkSkipChildren, nil
		default:
			if n.Type() == ast.TypeBlock && n.PreviousSibling() != nil {
				parts = append(parts, " ")
			}
		}
		return ast.WalkContinue, nil
	})

	return strings.Join(strings.Fields(strings.Join(parts, "")), " ")
}
