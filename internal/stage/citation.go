package stage

import (
	"net/url"
	"strings"

	"github.com/mohammad-safakhou/researcher/internal/store"
)

// citation renders a paper as a one-line reference:
// [id] Authors. Title (host, date) <url>
func citation(p store.Paper) string {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = "paper"
	}
	parts := []string{"[" + id + "]"}
	if authors := citedAuthors(p.Authors); authors != "" {
		parts = append(parts, authors+".")
	}
	if title := strings.TrimSpace(p.Title); title != "" {
		parts = append(parts, title)
	}
	meta := hostOf(p.URL)
	if d := strings.TrimSpace(p.PublishedDate); d != "" {
		if meta != "" {
			meta += ", "
		}
		meta += d
	}
	if meta != "" {
		parts = append(parts, "("+meta+")")
	}
	if link := strings.TrimSpace(p.URL); link != "" {
		parts = append(parts, "<"+link+">")
	}
	return strings.Join(parts, " ")
}

func citedAuthors(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1, 2:
		return strings.Join(names, " and ")
	default:
		return names[0] + " et al"
	}
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Host)
	host = strings.TrimSuffix(host, ":80")
	return strings.TrimSuffix(host, ":443")
}

// bibliography lists citations for papers in order.
func bibliography(papers []store.Paper) string {
	lines := make([]string, 0, len(papers))
	for _, p := range papers {
		lines = append(lines, "- "+citation(p))
	}
	return strings.Join(lines, "\n")
}
