package whatsapp

import (
	"regexp"
	"strings"
)

// markupRules rewrite the markdown models tend to produce into WhatsApp
// markup (*bold*, _italic_, ~strike~, ```code```). Rules apply in order.
var markupRules = []struct {
	pattern *regexp.Regexp
	replace string
}{
	// ![alt](url) -> url, before the link rule
	{regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`), "$2"},
	// [text](url) -> text (url)
	{regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`), "$1 ($2)"},
	// ## title -> *title*
	{regexp.MustCompile(`(?m)^#{1,6}[ \t]+(.+)$`), "*$1*"},
	{regexp.MustCompile(`\*\*(.+?)\*\*`), "*$1*"},
	{regexp.MustCompile(`__(.+?)__`), "*$1*"},
	{regexp.MustCompile(`~~(.+?)~~`), "~$1~"},
	// list bullets
	{regexp.MustCompile(`(?m)^([ \t]*)[-*][ \t]+`), "${1}• "},
	{regexp.MustCompile(`<[^>]+>`), ""},
}

// FormatMessage converts a model reply to WhatsApp-compatible formatting.
func FormatMessage(markdown string) string {
	if markdown == "" {
		return ""
	}

	text := strings.ReplaceAll(markdown, "\r\n", "\n")
	for _, r := range markupRules {
		text = r.pattern.ReplaceAllString(text, r.replace)
	}

	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}
