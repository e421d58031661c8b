// ABOUTME: Tests for markdown rendering of stored messages
// ABOUTME: Covers HTML output, raw HTML suppression, per-format rendering and plain text extraction

package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/store"
)

func TestHTML(t *testing.T) {
	html, err := HTML("Revenue grew **12%**")
	require.NoError(t, err)
	assert.Equal(t, "<p>Revenue grew <strong>12%</strong></p>\n", html)
}

func TestHTML_Tables(t *testing.T) {
	html, err := HTML("| a | b |\n|---|---|\n| 1 | 2 |\n")
	require.NoError(t, err)
	assert.Contains(t, html, "<table>")
	assert.Contains(t, html, "<td>1</td>")
}

func TestHTML_DropsRawHTML(t *testing.T) {
	html, err := HTML("hi <script>alert(1)</script>")
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>")
}

func TestMessages(t *testing.T) {
	msgs := []*store.Message{
		{ID: "1", Format: store.FormatText, Content: "*not rendered*"},
		{ID: "2", Format: store.FormatMarkdown, Content: "*rendered*"},
		{ID: "3", Format: store.FormatJSON, Content: `{"a":1}`},
	}

	out := Messages(msgs)
	require.Len(t, out, 3)
	assert.Empty(t, out[0].HTML)
	assert.Equal(t, "<p><em>rendered</em></p>\n", out[1].HTML)
	assert.Empty(t, out[2].HTML)
	assert.Same(t, msgs[1], out[1].Message)
}

func TestPlainText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "just words", "just words"},
		{"emphasis", "a **bold** and _soft_ word", "a bold and soft word"},
		{"heading and paragraph", "# Title\n\nBody text", "Title Body text"},
		{"list", "- one\n- two", "one two"},
		{"code span", "run `make test` now", "run make test now"},
		{"link", "see [the docs](https://example.com)", "see the docs"},
		{"fenced code", "```\nfmt.Println()\n```", "fmt.Println()"},
		{"soft break", "line one\nline two", "line one line two"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PlainText(tt.in))
		})
	}
}
