// ABOUTME: Markdown rendering of message bodies for the feed page.
// ABOUTME: Raw HTML in message text is stripped by goldmark's defaults.

package web

import (
	"bytes"
	"html/template"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
)

// renderMarkdown converts message text to HTML for display. On a
// conversion failure the text is shown escaped instead of dropped.
func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return template.HTML("<p>" + template.HTMLEscapeString(text) + "</p>")
	}
	return template.HTML(buf.String())
}
