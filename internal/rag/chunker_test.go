package rag_test

import (
	"archive/zip"
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/flowdesk/flowdesk/internal/rag"
)

func TestChunkText(t *testing.T) {
	tests := []struct {
		name string
		text string
		size int
		want []string
	}{
		{"empty", "", 4, nil},
		{"short", "abc", 4, []string{"abc"}},
		{"exact", "abcdefgh", 4, []string{"abcd", "efgh"}},
		{"trailing kept", "abcdefghi", 4, []string{"abcd", "efgh", "i"}},
		{"blank trailing dropped", "abcd   ", 4, []string{"abcd"}},
		{"trimmed", "ab c de", 3, []string{"ab", "c d", "e"}},
		{"runes", "ééééé", 2, []string{"éé", "éé", "é"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := rag.ChunkText(tt.text, tt.size)
			var got []string
			for i, c := range chunks {
				if c.Index != i {
					t.Errorf("chunk %d has index %d", i, c.Index)
				}
				got = append(got, c.Text)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("ChunkText(%q, %d) = %q, want %q", tt.text, tt.size, got, tt.want)
			}
		})
	}
}

func TestChunkText_DefaultSize(t *testing.T) {
	chunks := rag.ChunkText(strings.Repeat("a", 2500), 0)
	if len(chunks) != 3 || len(chunks[0].Text) != rag.DefaultChunkSize {
		t.Errorf("ChunkText(2500, default) = %d chunks", len(chunks))
	}
}

func TestChunkText_LargeInputLinear(t *testing.T) {
	text := strings.Repeat("é", 8_000_000)

	start := time.Now()
	chunks := rag.ChunkText(text, 1000)
	elapsed := time.Since(start)

	if len(chunks) != 8000 {
		t.Fatalf("ChunkText() = %d chunks, want 8000", len(chunks))
	}
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
	}
	if b.String() != text {
		t.Error("chunks do not reassemble the input")
	}
	if elapsed > 5*time.Second {
		t.Errorf("ChunkText() took %s on 8M runes", elapsed)
	}
}

func BenchmarkChunkText(b *testing.B) {
	text := strings.Repeat("lorem ipsum dolor sit amet ", 40_000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rag.ChunkText(text, rag.DefaultChunkSize)
	}
}

func TestCollapseWhitespace(t *testing.T) {
	if got := rag.CollapseWhitespace("  a \n\n b\t\tc  "); got != "a b c" {
		t.Errorf("CollapseWhitespace() = %q", got)
	}
}

func TestDOCXExtractor(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("word/document.xml")
	w.Write([]byte(`<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>Hello</w:t></w:r><w:r><w:tab/><w:t>world</w:t></w:r></w:p>
<w:p><w:r><w:t>Second</w:t></w:r></w:p>
</w:body>
</w:document>`))
	zw.Close()

	text, err := rag.DOCXExtractor{}.Extract(context.Background(), buf.Bytes())
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got := rag.CollapseWhitespace(text); got != "Hello world Second" {
		t.Errorf("Extract() = %q", got)
	}
}

func TestDOCXExtractor_Invalid(t *testing.T) {
	if _, err := (rag.DOCXExtractor{}).Extract(context.Background(), []byte("not a zip")); err == nil {
		t.Error("Extract(not a zip) error = nil")
	}
}

func TestPDFExtractor_Invalid(t *testing.T) {
	if _, err := (rag.PDFExtractor{}).Extract(context.Background(), []byte("%PDF-garbage")); err == nil {
		t.Error("Extract(garbage) error = nil")
	}
}
