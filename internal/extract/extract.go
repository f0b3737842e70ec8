// Package extract turns uploaded documents into plain text for document
// questions.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

const (
	// MaxDocumentBytes bounds accepted uploads.
	MaxDocumentBytes = 10 << 20
	// MaxTextRunes bounds the text handed to the model.
	MaxTextRunes = 12000
)

var (
	ErrUnsupported = errors.New("unsupported document type")
	ErrTooLarge    = errors.New("document too large")
	ErrNoText      = errors.New("document contains no extractable text")
)

// Document is extracted text plus whether it was cut to MaxTextRunes.
type Document struct {
	Name      string
	Text      string
	Truncated bool
}

var textExts = map[string]bool{
	".txt": true, ".md": true, ".csv": true, ".json": true, ".log": true, ".yaml": true, ".yml": true,
}

// Extract reads the text of a PDF or plain-text document.
func Extract(name, mime string, data []byte) (Document, error) {
	if len(data) > MaxDocumentBytes {
		return Document{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	ext := strings.ToLower(path.Ext(name))
	mime = strings.ToLower(strings.TrimSpace(mime))

	var (
		text string
		err  error
	)
	switch {
	case mime == "application/pdf" || ext == ".pdf":
		text, err = pdfText(data)
	case strings.HasPrefix(mime, "text/") || textExts[ext]:
		if !utf8.Valid(data) {
			return Document{}, fmt.Errorf("%w: text is not UTF-8", ErrUnsupported)
		}
		text = string(data)
	default:
		return Document{}, fmt.Errorf("%w: %s", ErrUnsupported, firstNonEmpty(mime, ext, "unknown"))
	}
	if err != nil {
		return Document{}, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return Document{}, ErrNoText
	}
	doc := Document{Name: name, Text: text}
	if r := []rune(text); len(r) > MaxTextRunes {
		doc.Text = string(r[:MaxTextRunes])
		doc.Truncated = true
	}
	return doc, nil
}

func pdfText(data []byte) (text string, err error) {
	// The reader panics on some malformed content streams.
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reading pdf: %v", p)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	b, err := io.ReadAll(io.LimitReader(plain, MaxDocumentBytes))
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return string(b), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
