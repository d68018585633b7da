package render

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// PreviewContainerID is the id of the element that holds the document.
const PreviewContainerID = "final-document-preview"

// BreakRules keeps headings with their content and keeps blocks on one page.
const BreakRules = `
h1, h2, h3 { page-break-after: avoid; break-after: avoid; }
p, ul, ol, div { page-break-inside: avoid; break-inside: avoid; }
`

const pageStyle = `
html, body { margin: 0; padding: 0; background: #fff; }
body { font-family: "Times New Roman", Times, serif; color: #111; font-size: 12pt; line-height: 1.45; }
#` + PreviewContainerID + ` { box-sizing: border-box; }
`

// PrintDocument clones fragment into a standalone printable page. The
// preview container receives the page-break rules; the input is not modified.
func PrintDocument(fragment, title string) (string, error) {
	bodyCtx := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), bodyCtx)
	if err != nil {
		return "", fmt.Errorf("parse document fragment: %w", err)
	}

	doc := &html.Node{Type: html.DocumentNode}
	doc.AppendChild(&html.Node{Type: html.DoctypeNode, Data: "html"})

	root := element(atom.Html)
	doc.AppendChild(root)

	head := element(atom.Head)
	root.AppendChild(head)
	head.AppendChild(element(atom.Meta, html.Attribute{Key: "charset", Val: "utf-8"}))
	titleEl := element(atom.Title)
	titleEl.AppendChild(&html.Node{Type: html.TextNode, Data: title})
	head.AppendChild(titleEl)
	head.AppendChild(styleNode(pageStyle))

	body := element(atom.Body)
	root.AppendChild(body)

	container := element(atom.Div, html.Attribute{Key: "id", Val: PreviewContainerID})
	body.AppendChild(container)
	for _, n := range nodes {
		container.AppendChild(n)
	}
	container.AppendChild(styleNode(BreakRules))

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", fmt.Errorf("render printable document: %w", err)
	}
	return buf.String(), nil
}

func element(a atom.Atom, attrs ...html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, Data: a.String(), DataAtom: a, Attr: attrs}
}

func styleNode(css string) *html.Node {
	n := element(atom.Style)
	n.AppendChild(&html.Node{Type: html.TextNode, Data: css})
	return n
}
