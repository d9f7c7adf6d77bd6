package scraper

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// clickableTags are the elements FindByText will consider as click targets.
var clickableTags = map[string]bool{
	"a":       true,
	"button":  true,
	"input":   true,
	"label":   true,
	"li":      true,
	"option":  true,
	"span":    true,
	"summary": true,
	"td":      true,
}

var clickableRoles = map[string]bool{
	"button":   true,
	"link":     true,
	"menuitem": true,
	"option":   true,
	"tab":      true,
	"checkbox": true,
	"radio":    true,
}

var hiddenTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"head":     true,
}

// FindByText walks the document for the innermost interactive element whose
// visible text contains text, case-insensitively and with whitespace
// collapsed. When scope is set only descendants of elements matching it are
// considered. It returns a nth-child selector path to the element.
func FindByText(page, text, scope string) (string, bool, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return "", false, fmt.Errorf("parse page: %w", err)
	}

	roots := doc.Selection
	if scope != "" {
		m, err := cascadia.Compile(scope)
		if err != nil {
			return "", false, fmt.Errorf("invalid scope %q: %w", scope, err)
		}
		roots = doc.FindMatcher(m)
	}

	needle := strings.ToLower(normalizeSpace(text))
	if needle == "" {
		return "", false, errors.New("empty text")
	}

	var match *html.Node
	for _, root := range roots.Nodes {
		if match = findInnermost(root, needle); match != nil {
			break
		}
	}
	if match == nil {
		return "", false, nil
	}
	return cssPath(match), true, nil
}

// findInnermost returns the first element in document order that matches
// needle and has no matching descendant.
func findInnermost(n *html.Node, needle string) *html.Node {
	if n.Type == html.ElementNode && hiddenTags[n.Data] {
		return nil
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if m := findInnermost(c, needle); m != nil {
			return m
		}
	}
	if n.Type == html.ElementNode && isClickable(n) &&
		strings.Contains(strings.ToLower(elementText(n)), needle) {
		return n
	}
	return nil
}

func isClickable(n *html.Node) bool {
	if clickableTags[n.Data] {
		if n.Data == "input" {
			switch strings.ToLower(attr(n, "type")) {
			case "submit", "button", "reset":
				return true
			}
			return false
		}
		return true
	}
	return clickableRoles[strings.ToLower(attr(n, "role"))]
}

func elementText(n *html.Node) string {
	if n.Data == "input" {
		return normalizeSpace(attr(n, "value"))
	}
	var b strings.Builder
	writeText(&b, n)
	return normalizeSpace(b.String())
}

func writeText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		if hiddenTags[n.Data] {
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(b, c)
	}
}

// VisibleText returns the document's text with script and style content
// removed and whitespace collapsed.
func VisibleText(page string) string {
	root, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return ""
	}
	var b strings.Builder
	writeText(&b, root)
	return normalizeSpace(b.String())
}

// cssPath builds "html:nth-child(1) > body:nth-child(2) > ..." for n.
func cssPath(n *html.Node) string {
	var parts []string
	for ; n != nil && n.Type == html.ElementNode; n = n.Parent {
		idx := 1
		for s := n.PrevSibling; s != nil; s = s.PrevSibling {
			if s.Type == html.ElementNode {
				idx++
			}
		}
		parts = append(parts, fmt.Sprintf("%s:nth-child(%d)", n.Data, idx))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

// optionValueByText finds the value of the <option> under selector whose
// trimmed text equals text.
func optionValueByText(page, selector, text string) (string, bool, error) {
	m, err := cascadia.Compile(selector)
	if err != nil {
		return "", false, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return "", false, fmt.Errorf("parse page: %w", err)
	}

	want := normalizeSpace(text)
	var value string
	var found bool
	doc.FindMatcher(m).First().Find("option").EachWithBreak(func(_ int, opt *goquery.Selection) bool {
		if normalizeSpace(opt.Text()) != want {
			return true
		}
		v, ok := opt.Attr("value")
		if !ok {
			v = normalizeSpace(opt.Text())
		}
		value, found = v, true
		return false
	})
	return value, found, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
