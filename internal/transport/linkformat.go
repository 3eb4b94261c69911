package transport

import (
	"strings"

	"github.com/ashureev/cloudcoap/internal/domain"
)

// ParseLinkFormat parses an application/link-format payload (RFC 6690).
// Malformed links are skipped.
func ParseLinkFormat(payload string) []domain.WebLink {
	var links []domain.WebLink
	for _, part := range splitUnquoted(payload, ',') {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "<") {
			continue
		}
		end := strings.IndexByte(part, '>')
		if end < 0 {
			continue
		}
		link := domain.WebLink{URI: part[1:end]}
		for _, attr := range splitUnquoted(part[end+1:], ';') {
			attr = strings.TrimSpace(attr)
			if attr == "" {
				continue
			}
			if link.Attributes == nil {
				link.Attributes = make(map[string][]string)
			}
			name, value, found := strings.Cut(attr, "=")
			if !found {
				link.Attributes[name] = append(link.Attributes[name], "")
				continue
			}
			value = strings.Trim(value, `"`)
			link.Attributes[name] = append(link.Attributes[name], value)
		}
		links = append(links, link)
	}
	return links
}

func splitUnquoted(s string, sep byte) []string {
	var parts []string
	quoted := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case sep:
			if !quoted {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}
