package rag

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/flowdesk/flowdesk/pkg/contracts"
)

// MaxPDFPages limits the number of pages read from one PDF.
const MaxPDFPages = 500

// DefaultExtractors maps supported file extensions to their extractors.
func DefaultExtractors() map[string]contracts.TextExtractor {
	return map[string]contracts.TextExtractor{
		".pdf":  PDFExtractor{},
		".docx": DOCXExtractor{},
	}
}

// SupportedExtension reports whether name has an extension the pipeline reads.
func SupportedExtension(name string, extractors map[string]contracts.TextExtractor) bool {
	_, ok := extractors[strings.ToLower(filepath.Ext(name))]
	return ok
}

// PDFExtractor reads the plain text of every page.
type PDFExtractor struct{}

func (PDFExtractor) Extract(ctx context.Context, data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	pages := r.NumPage()
	if pages > MaxPDFPages {
		pages = MaxPDFPages
	}

	var sb strings.Builder
	for n := 1; n <= pages; n++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		p := r.Page(n)
		if p.V.IsNull() {
			continue
		}
		// Pages that fail to decode are skipped.
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(text)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// DOCXExtractor reads paragraph text from word/document.xml.
type DOCXExtractor struct{}

func (DOCXExtractor) Extract(_ context.Context, data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open document.xml: %w", err)
		}
		defer rc.Close()
		return docxText(rc)
	}
	return "", fmt.Errorf("docx: missing word/document.xml")
}

// docxText collects the <w:t> runs, separating paragraphs with newlines and
// honouring tabs and breaks.
func docxText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var sb strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br", "cr":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
}
