package extract

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor parses PDF chat transcripts by extracting the plain text
// stream and feeding it through the role-heading transcript parser, the
// same path DOCX transcripts take.
type PDFExtractor struct{}

// NewPDFExtractor creates a PDF transcript extractor.
func NewPDFExtractor() *PDFExtractor { return &PDFExtractor{} }

var _ FileExtractor = (*PDFExtractor)(nil)

func (e *PDFExtractor) Metadata() Metadata {
	return Metadata{
		Name:       FormatPDF,
		Version:    "1.0.0",
		Extensions: []string{"pdf"},
		FileBased:  true,
		FormatSpec: "PDF whose text alternates speaker headings and message bodies",
	}
}

// Detect always reports false: PDFs are routed by extension.
func (e *PDFExtractor) Detect(map[string]any) bool { return false }

// Extract is unsupported for file-based formats.
func (e *PDFExtractor) Extract(map[string]any) (Conversation, error) {
	return Conversation{}, fmt.Errorf("pdf: use ExtractFile for file-based input")
}

// ExtractFile parses the raw PDF bytes into a transcript conversation.
func (e *PDFExtractor) ExtractFile(data []byte, filename string) (Conversation, error) {
	text, err := pdfText(data)
	if err != nil {
		return Conversation{}, fmt.Errorf("pdf %s: %w", filename, err)
	}
	return parseTranscript(text, filename, FormatPDF), nil
}

// pdfText extracts the plain text of every page. Text extraction loses
// explicit line structure in some PDFs; the transcript parser only needs
// heading lines to survive, which GetPlainText preserves per text row.
func pdfText(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty document")
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var buf bytes.Buffer
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			continue
		}
		for _, row := range rows {
			var line bytes.Buffer
			for _, word := range row.Content {
				line.WriteString(word.S)
			}
			if line.Len() == 0 {
				continue
			}
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
			io.Copy(&buf, &line)
		}
	}
	if buf.Len() == 0 {
		return "", fmt.Errorf("no extractable text")
	}
	return buf.String(), nil
}
