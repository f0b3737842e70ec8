package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/aide/internal/llm"
	"github.com/kalambet/aide/internal/result"
)

type fakeCompleter struct {
	sources []result.Source
	err     error
	model   string
	prompt  string
}

func (f *fakeCompleter) Complete(_ context.Context, model string, msgs []llm.Message) (llm.Completion, error) {
	f.model = model
	f.prompt = msgs[len(msgs)-1].Content
	if f.err != nil {
		return llm.Completion{}, f.err
	}
	return llm.Completion{Text: "answer", Sources: f.sources}, nil
}

func TestSearch_EnrichesAndFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/article":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, `<html><head><title> Go 1.25
				Release Notes </title><meta property="og:description" content="What changed in Go 1.25."></head><body>x</body></html>`)
		case "/binary":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write([]byte{1, 2, 3})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	fc := &fakeCompleter{sources: []result.Source{
		{URL: srv.URL + "/article"},
		{URL: srv.URL + "/article"},
		{URL: "ftp://example.com/file"},
		{URL: srv.URL + "/missing"},
		{URL: srv.URL + "/binary", Title: "Given title"},
		{URL: "https://example.com/also-kept"},
	}}
	s := New(fc, "sonar", srv.Client())

	got, err := s.Search(context.Background(), "  go release  ", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if fc.model != "sonar" || !strings.HasSuffix(fc.prompt, "Query: go release") {
		t.Errorf("model = %q, prompt = %q", fc.model, fc.prompt)
	}
	if len(got) != 3 {
		t.Fatalf("sources = %+v, want 3", got)
	}
	if got[0].Title != "Go 1.25 Release Notes" || got[0].Snippet != "What changed in Go 1.25." {
		t.Errorf("enriched = %+v", got[0])
	}
	if got[1].Title != srv.URL+"/missing" || got[1].Snippet != "" {
		t.Errorf("unreachable page = %+v, want URL as title", got[1])
	}
	if got[2].Title != "Given title" {
		t.Errorf("given title overwritten: %+v", got[2])
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	fc := &fakeCompleter{}
	got, err := New(fc, "m", nil).Search(context.Background(), "   ", 5)
	if err != nil || got != nil {
		t.Errorf("got %v, %v", got, err)
	}
	if fc.model != "" {
		t.Error("completion called for empty query")
	}
}

func TestSearch_CompletionError(t *testing.T) {
	boom := errors.New("upstream down")
	_, err := New(&fakeCompleter{err: boom}, "m", nil).Search(context.Background(), "q", 5)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped upstream error", err)
	}
}

func TestParseMeta(t *testing.T) {
	tests := []struct {
		name      string
		doc       string
		wantTitle string
		wantDesc  string
	}{
		{"name description", `<title>A</title><meta name="Description" content="first"><meta name="og:description" content="second">`, "A", "first"},
		{"twitter", `<head><meta name="twitter:description" content="tw"/></head>`, "", "tw"},
		{"entities", `<title>Q&amp;A</title>`, "Q&A", ""},
		{"none", `<p>plain</p>`, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title, desc := ParseMeta(strings.NewReader(tt.doc))
			if title != tt.wantTitle || desc != tt.wantDesc {
				t.Errorf("got (%q, %q), want (%q, %q)", title, desc, tt.wantTitle, tt.wantDesc)
			}
		})
	}
}
