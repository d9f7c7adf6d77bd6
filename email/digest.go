package email

import (
	"fmt"
	"strings"
)

// formatDigest renders one paragraph per listing: broker, title, optional
// price and location, then the link.
func formatDigest(items []Item) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; }\n")
	b.WriteString("p { margin: 0 0 16px; }\n")
	b.WriteString("a { color: #1a5fb4; }\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	for _, it := range items {
		title := it.Title
		if title == "" {
			title = it.URL
		}
		b.WriteString(fmt.Sprintf("<p><strong>%s</strong> &mdash; %s", escapeHTML(it.Broker), escapeHTML(title)))
		if it.Price != "" {
			b.WriteString(fmt.Sprintf(" &middot; <em>%s</em>", escapeHTML(it.Price)))
		}
		if it.Location != "" {
			b.WriteString(fmt.Sprintf(" &middot; %s", escapeHTML(it.Location)))
		}
		b.WriteString(fmt.Sprintf("<br><a href=\"%s\">%s</a></p>\n", escapeHTML(it.URL), escapeHTML(it.URL)))
	}

	b.WriteString("</body>\n</html>")
	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
