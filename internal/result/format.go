package result

import (
	"fmt"
	"strings"
)

// FormatSources renders sources as a numbered block matching the [n]
// markers an answer may carry. It returns "" for no sources.
func FormatSources(sources []Source) string {
	if len(sources) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Sources:")
	for i, s := range sources {
		title := s.Title
		if title == "" {
			title = s.URL
		}
		fmt.Fprintf(&b, "\n[%d] %s - %s", i+1, title, s.URL)
	}
	return b.String()
}
