// Package search finds web sources for a query through a search-capable
// model and fills in page titles and descriptions.
package search

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/aide/internal/llm"
	"github.com/kalambet/aide/internal/result"
)

const (
	DefaultMaxResults  = 5
	DefaultPageTimeout = 4 * time.Second
	maxPageBytes       = 120 << 10
	snippetLimit       = 320
	titleLimit         = 140
	userAgent          = "aide/1.0 (+web-search)"
)

// Completer is the completion call the searcher needs.
type Completer interface {
	Complete(ctx context.Context, model string, messages []llm.Message) (llm.Completion, error)
}

// Searcher returns sources for queries.
type Searcher struct {
	llm        Completer
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Searcher. A nil httpClient gets DefaultPageTimeout.
func New(c Completer, model string, httpClient *http.Client) *Searcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultPageTimeout}
	}
	return &Searcher{llm: c, model: model, httpClient: httpClient, logger: slog.Default()}
}

// Search asks the search model for citations and returns up to max
// deduplicated http(s) sources. Sources lacking a title or snippet are
// enriched from the page itself; a page that cannot be fetched keeps its URL
// as the title.
func (s *Searcher) Search(ctx context.Context, query string, max int) ([]result.Source, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if max <= 0 {
		max = DefaultMaxResults
	}
	start := time.Now()
	c, err := s.llm.Complete(ctx, s.model, []llm.Message{{
		Role:    "user",
		Content: "Find reliable web sources for the query and return citations. Query: " + query,
	}})
	if err != nil {
		return nil, fmt.Errorf("search completion: %w", err)
	}

	sources := normalize(c.Sources, max)
	s.enrich(ctx, sources)
	s.logger.Info("web search", "query_len", len(query), "sources", len(sources), "latency", time.Since(start))
	return sources, nil
}

func normalize(in []result.Source, max int) []result.Source {
	seen := make(map[string]bool)
	var out []result.Source
	for _, src := range in {
		raw := strings.TrimSpace(src.URL)
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || seen[raw] {
			continue
		}
		seen[raw] = true
		src.URL = raw
		out = append(out, src)
		if len(out) >= max {
			break
		}
	}
	return out
}

func (s *Searcher) enrich(ctx context.Context, sources []result.Source) {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range sources {
		if sources[i].Title != "" && sources[i].Snippet != "" {
			continue
		}
		g.Go(func() error {
			title, desc, err := s.pageMeta(gCtx, sources[i].URL)
			if err != nil {
				s.logger.Debug("source metadata fetch failed", "url", sources[i].URL, "error", err)
			}
			if sources[i].Title == "" {
				sources[i].Title = trim(firstNonEmpty(title, sources[i].URL), titleLimit)
			}
			if sources[i].Snippet == "" {
				sources[i].Snippet = trim(desc, snippetLimit)
			}
			// A failed page never fails the search.
			return nil
		})
	}
	g.Wait()
}

func (s *Searcher) pageMeta(ctx context.Context, pageURL string) (title, desc string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", "", fmt.Errorf("status %d", resp.StatusCode)
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(ct, "text/html") && !strings.Contains(ct, "application/xhtml+xml") {
		return "", "", fmt.Errorf("content type %q", ct)
	}
	title, desc = ParseMeta(io.LimitReader(resp.Body, maxPageBytes))
	return title, desc, nil
}

// ParseMeta returns the document title and its description meta tag
// (description, og:description or twitter:description, first wins).
func ParseMeta(r io.Reader) (title, desc string) {
	z := html.NewTokenizer(r)
	inTitle := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(title), strings.TrimSpace(desc)
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "title":
				inTitle = title == ""
			case "meta":
				if desc != "" {
					continue
				}
				var name, content string
				for _, a := range tok.Attr {
					switch strings.ToLower(a.Key) {
					case "name", "property":
						name = strings.ToLower(a.Val)
					case "content":
						content = a.Val
					}
				}
				if name == "description" || name == "og:description" || name == "twitter:description" {
					desc = content
				}
			}
		case html.EndTagToken:
			if tok := z.Token(); tok.Data == "title" {
				inTitle = false
			}
		case html.TextToken:
			if inTitle {
				title += string(z.Text())
			}
		}
	}
}

func trim(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return strings.TrimSpace(string(r[:limit-1])) + "…"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
