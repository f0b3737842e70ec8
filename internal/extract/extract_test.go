package extract

import (
	"errors"
	"strings"
	"testing"
)

func TestExtract_PlainText(t *testing.T) {
	tests := []struct {
		name string
		file string
		mime string
	}{
		{"by mime", "notes", "text/plain; charset=utf-8"},
		{"by extension", "notes.MD", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Extract(tt.file, tt.mime, []byte("  quarterly plan\n"))
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if doc.Text != "quarterly plan" || doc.Truncated {
				t.Errorf("doc = %+v", doc)
			}
		})
	}
}

func TestExtract_Truncates(t *testing.T) {
	doc, err := Extract("big.txt", "", []byte(strings.Repeat("ж", MaxTextRunes+10)))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !doc.Truncated || len([]rune(doc.Text)) != MaxTextRunes {
		t.Errorf("truncated = %v, runes = %d", doc.Truncated, len([]rune(doc.Text)))
	}
}

func TestExtract_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		mime string
		data []byte
		want error
	}{
		{"image", "photo.jpg", "image/jpeg", []byte{0xff, 0xd8}, ErrUnsupported},
		{"invalid utf8", "a.txt", "", []byte{0xff, 0xfe, 0x00}, ErrUnsupported},
		{"blank", "a.txt", "", []byte("   \n"), ErrNoText},
		{"too large", "a.txt", "", make([]byte, MaxDocumentBytes+1), ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Extract(tt.file, tt.mime, tt.data); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestExtract_BrokenPDF(t *testing.T) {
	if _, err := Extract("doc.pdf", "application/pdf", []byte("not a pdf at all")); err == nil {
		t.Error("expected error for malformed pdf")
	}
}
