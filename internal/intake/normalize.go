package intake

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// itemFromBody builds a pending intake item from a decoded capture request.
// Both camelCase and snake_case field names are accepted: the browser
// extension sends the former, connector scripts the latter. Content in
// extraction mode "text" is reduced from HTML before the size cap applies.
func itemFromBody(body map[string]any, maxContent int) (*types.IntakeItem, error) {
	sourceType := types.IntakeSource(field(body, "sourceType", "source_type"))
	if !sourceType.Valid() {
		return nil, fmt.Errorf("sourceType must be one of web, gmail, gtasks, manual")
	}
	externalID := field(body, "externalId", "external_id")
	if externalID == "" {
		return nil, fmt.Errorf("externalId is required")
	}
	content := field(body, "content")
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("content is required")
	}

	mode := field(body, "extractionMode", "extraction_mode")
	if mode == "text" {
		content = extractText(content)
	}
	if len(content) > maxContent {
		cut := maxContent
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
	}

	item := &types.IntakeItem{
		SourceType:     sourceType,
		ExternalID:     externalID,
		SourceURL:      field(body, "sourceUrl", "source_url"),
		Title:          field(body, "title"),
		Content:        content,
		ExtractionMode: mode,
		Status:         types.IntakePending,
	}
	if meta, ok := body["metadata"]; ok && meta != nil {
		raw, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("metadata is not serializable")
		}
		item.Metadata = raw
	}
	return item, nil
}

// field returns the first non-empty string value among the given keys.
func field(body map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := body[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// maxExtractDepth caps recursion into pathological DOM trees.
const maxExtractDepth = 50

// skipElements are containers whose text never belongs in captured content.
// The page title is skipped too; captures carry it as a separate field.
var skipElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"iframe":   true,
	"svg":      true,
	"nav":      true,
	"header":   true,
	"footer":   true,
	"title":    true,
}

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]{2,}`)
)

// extractText reduces an HTML document to readable text. Headings keep a
// markdown prefix so downstream classification still sees the document
// structure. Input that fails to parse comes back unchanged.
func extractText(raw string) string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return raw
	}

	var sb strings.Builder
	walkText(doc, &sb, 0)

	text := sb.String()
	text = multiNewlinePattern.ReplaceAllString(text, "\n\n")
	text = multiSpacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

func walkText(n *html.Node, sb *strings.Builder, depth int) {
	if depth > maxExtractDepth {
		return
	}
	if n.Type == html.ElementNode && skipElements[n.Data] {
		return
	}

	if n.Type == html.TextNode {
		if t := strings.TrimSpace(n.Data); t != "" {
			sb.WriteString(t)
			sb.WriteString(" ")
		}
	}

	if n.Type == html.ElementNode {
		switch n.Data {
		case "h1":
			sb.WriteString("\n\n# ")
		case "h2":
			sb.WriteString("\n\n## ")
		case "h3":
			sb.WriteString("\n\n### ")
		case "h4", "h5", "h6":
			sb.WriteString("\n\n#### ")
		case "p", "div", "section", "article", "li", "tr", "blockquote", "br":
			sb.WriteString("\n")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkText(c, sb, depth+1)
	}
}
