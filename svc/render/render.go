// Package render turns raw paste content into an HTML fragment.
package render

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// MarkdownPreview renders markdown as a document instead of highlighting it.
const MarkdownPreview = "markdown-preview"

// Chroma highlights content with chroma lexers. The zero value is not
// usable, build one with New.
type Chroma struct {
	style     *chroma.Style
	formatter *html.Formatter
	md        goldmark.Markdown

	namesOnce sync.Once
	names     []string
}

func New(style string) *Chroma {
	return &Chroma{
		style: styles.Get(style),
		formatter: html.New(
			html.WithClasses(true),
			html.WithLineNumbers(true),
			html.LineNumbersInTable(false),
		),
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		),
	}
}

// Render formats content using lexer. Unknown lexers fall back to plain
// text, so the result is always usable.
func (c *Chroma) Render(ctx context.Context, content, lexer string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if strings.EqualFold(lexer, MarkdownPreview) {
		if err := c.md.Convert([]byte(content), &buf); err != nil {
			return "", errors.Wrap(err, "convert markdown")
		}
		return buf.String(), nil
	}
	l := lexers.Get(lexer)
	if l == nil {
		l = lexers.Fallback
	}
	l = chroma.Coalesce(l)
	it, err := l.Tokenise(nil, content)
	if err != nil {
		return "", errors.Wrapf(err, "tokenise %s", lexer)
	}
	if err := c.formatter.Format(&buf, c.style, it); err != nil {
		return "", errors.Wrap(err, "format html")
	}
	return buf.String(), nil
}

// CSS returns the stylesheet matching the class names Render emits.
func (c *Chroma) CSS() (string, error) {
	var buf bytes.Buffer
	if err := c.formatter.WriteCSS(&buf, c.style); err != nil {
		return "", errors.Wrap(err, "write css")
	}
	return buf.String(), nil
}

func (c *Chroma) IsValid(name string) bool {
	if name == "" {
		return false
	}
	if strings.EqualFold(name, MarkdownPreview) {
		return true
	}
	return lexers.Get(name) != nil
}

// Names lists every lexer name plus MarkdownPreview, sorted.
func (c *Chroma) Names() []string {
	c.namesOnce.Do(func() {
		names := append(lexers.Names(false), MarkdownPreview)
		sort.Strings(names)
		c.names = names
	})
	return c.names
}
