package parser

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// removedTags never contribute content.
const removedTags = "script, style, nav, header, footer, aside"

// removedClasses are LaTeXML page furniture: bibliography, navigation,
// table of contents, author block (already in listing metadata), dates,
// and footnotes.
const removedClasses = ".ltx_bibliography, .ltx_page_navbar, .ltx_TOC, .ltx_authors, .ltx_dates, .ltx_note"

var inlineTags = map[string]bool{
	"span": true, "em": true, "strong": true, "i": true, "b": true, "code": true,
}

var blockTags = map[string]bool{
	"section": true, "div": true, "article": true,
}

var (
	spaceRuns     = regexp.MustCompile(` +`)
	blankRuns     = regexp.MustCompile(`\n{3,}`)
	headingNumber = regexp.MustCompile(`^(#{1,6})\s*(\d+)([A-Z])`)
)

// Extractor converts a raw LaTeXML paper page into a bounded-length plain
// text rendition that keeps document structure: headings, paragraphs,
// lists, tables, inline math, and citations.
type Extractor struct {
	maxChars int
	log      *slog.Logger
}

// NewExtractor builds an extractor with the given character budget;
// maxChars <= 0 means unbounded.
func NewExtractor(maxChars int, log *slog.Logger) *Extractor {
	return &Extractor{maxChars: maxChars, log: log}
}

// Extract converts raw hypertext into structure-preserving plain text,
// silently truncated at the character budget.
func (e *Extractor) Extract(rawHTML string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return "", fmt.Errorf("parse document: %w", err)
	}

	doc.Find(removedTags).Remove()
	doc.Find(removedClasses).Remove()

	root := doc.Find("article").First()
	if root.Length() == 0 {
		root = doc.Find("div.ltx_page_content").First()
	}
	if root.Length() == 0 {
		root = doc.Selection
	}

	var parts []string
	for _, node := range root.Nodes {
		if text := e.extractChildren(node); text != "" {
			parts = append(parts, text)
		}
	}

	text := normalizeWhitespace(strings.Join(parts, " "))

	if e.maxChars > 0 {
		if runes := []rune(text); len(runes) > e.maxChars {
			text = string(runes[:e.maxChars])
			e.log.Debug("extracted text truncated", "max_chars", e.maxChars)
		}
	}

	return text, nil
}

// extractChildren walks a node's children depth-first, dispatching per
// element type and joining the produced fragments.
func (e *Extractor) extractChildren(n *html.Node) string {
	var parts []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			if text := strings.TrimSpace(c.Data); text != "" {
				parts = append(parts, text)
			}
		case html.ElementNode:
			if text := e.handleElement(c); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, " ")
}

func (e *Extractor) handleElement(n *html.Node) string {
	switch n.Data {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return e.handleHeading(n)
	case "p":
		return e.handleParagraph(n)
	case "ul", "ol":
		return e.handleList(n)
	case "table":
		// LaTeXML lays out display equations as tables.
		if hasClassContaining(n, "ltx_equationgroup") || hasClassContaining(n, "ltx_eqn") {
			return e.handleEquationTable(n)
		}
		return e.handleTable(n)
	case "figure":
		return e.handleFigure(n)
	case "math":
		if latex := mathSource(n); latex != "" {
			return " " + latex + " "
		}
		return ""
	case "cite":
		if text := citationText(n); text != "" {
			return "[" + text + "]"
		}
		return ""
	case "a":
		return e.handleLink(n)
	default:
		if inlineTags[n.Data] {
			return e.inlineText(n)
		}
		if blockTags[n.Data] {
			return e.extractChildren(n)
		}
		return e.extractChildren(n)
	}
}

// handleHeading renders markdown-style markers: levels 1-2 share one
// weight, deeper levels another.
func (e *Extractor) handleHeading(n *html.Node) string {
	text := e.inlineText(n)
	if text == "" {
		return ""
	}
	level := int(n.Data[1] - '0')
	if level <= 2 {
		return "\n\n## " + text + "\n"
	}
	return "\n\n### " + text + "\n"
}

func (e *Extractor) handleParagraph(n *html.Node) string {
	text := e.inlineText(n)
	if text == "" {
		return ""
	}
	return "\n" + text + "\n"
}

func (e *Extractor) handleList(n *html.Node) string {
	var items []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "li" {
			if text := e.inlineText(c); text != "" {
				items = append(items, "- "+text)
			}
		}
	}
	if len(items) == 0 {
		return ""
	}
	return "\n" + strings.Join(items, "\n") + "\n"
}

// handleEquationTable flattens an equation-layout table into inline math,
// preserving the equation number when one is tagged.
func (e *Extractor) handleEquationTable(n *html.Node) string {
	var eqNumberNode *html.Node
	eqNumber := ""
	walkNodes(n, func(c *html.Node) {
		if eqNumberNode == nil && c.Data == "span" && hasClassContaining(c, "ltx_tag_equation") {
			eqNumberNode = c
			eqNumber = textContent(c)
		}
	})

	var parts []string
	walkNodes(n, func(cell *html.Node) {
		if cell.Data != "td" {
			return
		}
		if hasClassToken(cell, "ltx_eqn_center_padleft") || hasClassToken(cell, "ltx_eqn_center_padright") {
			return
		}

		found := false
		walkNodes(cell, func(m *html.Node) {
			if m.Data == "math" {
				if latex := mathSource(m); latex != "" {
					parts = append(parts, latex)
				}
				found = true
			}
		})
		if found {
			return
		}
		if eqNumberNode != nil && containsNode(cell, eqNumberNode) {
			return
		}
		if text := textContent(cell); text != "" && text != eqNumber {
			parts = append(parts, text)
		}
	})

	if len(parts) == 0 {
		return ""
	}
	equation := strings.Join(parts, " ")
	if eqNumber != "" {
		return "\n" + equation + " " + eqNumber + "\n"
	}
	return "\n" + equation + "\n"
}

func (e *Extractor) handleTable(n *html.Node) string {
	caption := ""
	walkNodes(n, func(c *html.Node) {
		if caption == "" && (c.Data == "caption" || c.Data == "figcaption") {
			caption = e.inlineText(c)
		}
	})

	var rows []string
	walkNodes(n, func(tr *html.Node) {
		if tr.Data != "tr" {
			return
		}
		var cells []string
		walkNodes(tr, func(cell *html.Node) {
			if cell.Data != "td" && cell.Data != "th" {
				return
			}
			if text := e.inlineText(cell); text != "" {
				cells = append(cells, text)
			}
		})
		if len(cells) > 0 {
			rows = append(rows, strings.Join(cells, " | "))
		}
	})

	if len(rows) == 0 {
		return ""
	}

	label := "[Table]"
	if caption != "" {
		if strings.HasPrefix(caption, "Table") || strings.HasPrefix(caption, "Figure") {
			label = "[" + caption + "]"
		} else {
			label = "[Table: " + caption + "]"
		}
	}
	return "\n" + label + "\n" + strings.Join(rows, "\n") + "\n"
}

// handleFigure renders the caption as a bracketed label, prefixing
// "Figure:" unless the caption already states its kind.
func (e *Extractor) handleFigure(n *html.Node) string {
	var caption string
	walkNodes(n, func(c *html.Node) {
		if caption == "" && c.Data == "figcaption" {
			caption = e.inlineText(c)
		}
	})
	if caption == "" {
		return ""
	}
	if strings.HasPrefix(caption, "Figure") || strings.HasPrefix(caption, "Table") {
		return "\n[" + caption + "]\n"
	}
	return "\n[Figure: " + caption + "]\n"
}

// handleLink keeps a cross-reference's visible label and drops the link
// itself; ordinary links contribute their text.
func (e *Extractor) handleLink(n *html.Node) string {
	if hasClassContaining(n, "ltx_ref") {
		return textContent(n)
	}
	return e.inlineText(n)
}

// inlineText flattens an element's content, replacing embedded math with
// its dollar-delimited source, citations with bracketed author/year text,
// and cross-reference links with their labels.
func (e *Extractor) inlineText(n *html.Node) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(parent *html.Node) {
		for c := parent.FirstChild; c != nil; c = c.NextSibling {
			switch c.Type {
			case html.TextNode:
				if text := strings.TrimSpace(c.Data); text != "" {
					parts = append(parts, text)
				}
			case html.ElementNode:
				switch {
				case c.Data == "math":
					if latex := mathSource(c); latex != "" {
						parts = append(parts, latex)
					}
				case c.Data == "cite":
					if text := citationText(c); text != "" {
						parts = append(parts, "["+text+"]")
					}
				case c.Data == "a" && hasClassContaining(c, "ltx_ref"):
					if text := textContent(c); text != "" {
						parts = append(parts, text)
					}
				default:
					walk(c)
				}
			}
		}
	}
	walk(n)
	return strings.Join(parts, " ")
}

// mathSource returns the dollar-delimited LaTeX source of a math element,
// taken from its machine-readable annotation; math without an annotation
// is dropped.
func mathSource(mathNode *html.Node) string {
	var latex string
	walkNodes(mathNode, func(c *html.Node) {
		if latex == "" && c.Data == "annotation" && attrValue(c, "encoding") == "application/x-tex" {
			latex = textContent(c)
		}
	})
	if latex == "" {
		return ""
	}
	return "$" + latex + "$"
}

// citationText keeps the author/year fragments of a citation and discards
// hyperlink targets.
func citationText(cite *html.Node) string {
	var parts []string
	for c := cite.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			if text := strings.TrimSpace(c.Data); text != "" {
				parts = append(parts, text)
			}
		case html.ElementNode:
			if text := textContent(c); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, " ")
}

func normalizeWhitespace(text string) string {
	text = spaceRuns.ReplaceAllString(text, " ")
	text = blankRuns.ReplaceAllString(text, "\n\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			// Repair "## 1Introduction" into "## 1 Introduction".
			line = headingNumber.ReplaceAllString(line, "$1 $2 $3")
		}
		lines[i] = line
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// walkNodes visits every element node under root in document order.
func walkNodes(root *html.Node, visit func(*html.Node)) {
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			visit(c)
			walkNodes(c, visit)
		}
	}
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(parent *html.Node) {
		for c := parent.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				sb.WriteString(c.Data)
			} else if c.Type == html.ElementNode {
				walk(c)
			}
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func classTokens(n *html.Node) []string {
	return strings.Fields(attrValue(n, "class"))
}

func hasClassToken(n *html.Node, token string) bool {
	for _, c := range classTokens(n) {
		if c == token {
			return true
		}
	}
	return false
}

func hasClassContaining(n *html.Node, fragment string) bool {
	for _, c := range classTokens(n) {
		if strings.Contains(c, fragment) {
			return true
		}
	}
	return false
}

func containsNode(root, target *html.Node) bool {
	found := false
	walkNodes(root, func(c *html.Node) {
		if c == target {
			found = true
		}
	})
	return found
}
