package extract

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"

	chatvault "github.com/chatvault/chatvault"
)

func TestParseTranscript(t *testing.T) {
	text := strings.Join([]string{
		"Exported on January 5, 2024",
		"You said:",
		"How do I tune a guitar?",
		"ChatGPT said:",
		"Start with the low E string.",
		"Then match the others to it.",
		"System:",
		"internal note",
		"You said:",
		"Thanks!",
	}, "\n")

	conv := parseTranscript(text, "guitar_lesson-1.docx", FormatDOCX)
	if conv.Title != "guitar lesson 1" {
		t.Fatalf("title = %q", conv.Title)
	}
	if conv.OriginID != "file:guitar_lesson-1.docx" {
		t.Fatalf("origin = %q", conv.OriginID)
	}
	if len(conv.Timestamps) == 0 {
		t.Fatal("no dates scanned")
	}
	want := []struct {
		role    string
		content string
	}{
		{chatvault.RoleUser, "How do I tune a guitar?"},
		{chatvault.RoleAssistant, "Start with the low E string.\nThen match the others to it."},
		{chatvault.RoleUser, "Thanks!"},
	}
	if len(conv.Messages) != len(want) {
		t.Fatalf("messages = %d, want %d: %+v", len(conv.Messages), len(want), conv.Messages)
	}
	for i, w := range want {
		if conv.Messages[i].Role != w.role || conv.Messages[i].Content != w.content {
			t.Fatalf("message %d = %+v, want %+v", i, conv.Messages[i], w)
		}
	}
}

func TestParseTranscriptHeadingVariants(t *testing.T) {
	text := "User\nhi\nAssistant:\nhello\nClaude said:\nstill me"
	conv := parseTranscript(text, "x.docx", FormatDOCX)
	if len(conv.Messages) != 3 {
		t.Fatalf("messages = %+v", conv.Messages)
	}
	if conv.Messages[0].Role != chatvault.RoleUser ||
		conv.Messages[1].Role != chatvault.RoleAssistant ||
		conv.Messages[2].Role != chatvault.RoleAssistant {
		t.Fatalf("roles wrong: %+v", conv.Messages)
	}
}

// buildDOCX assembles a minimal OOXML container whose document.xml holds one
// paragraph per line.
func buildDOCX(t *testing.T, lines []string) []byte {
	t.Helper()
	var doc strings.Builder
	doc.WriteString(`<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, line := range lines {
		doc.WriteString(`<w:p><w:r><w:t>`)
		if err := xmlEscapeTo(&doc, line); err != nil {
			t.Fatalf("escape: %v", err)
		}
		doc.WriteString(`</w:t></w:r></w:p>`)
	}
	doc.WriteString(`</w:body></w:document>`)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	if _, err := f.Write([]byte(doc.String())); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func xmlEscapeTo(w *strings.Builder, s string) error {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	_, err := w.WriteString(r.Replace(s))
	return err
}

func TestDOCXExtractFile(t *testing.T) {
	data := buildDOCX(t, []string{
		"You said:",
		"What is a monad?",
		"ChatGPT said:",
		"A monoid in the category of endofunctors.",
	})
	conv, format, err := NewRegistry().ExtractFile(data, "monads.docx")
	if err != nil {
		t.Fatalf("ExtractFile: %v", err)
	}
	if format != FormatDOCX {
		t.Fatalf("format = %q", format)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %+v", conv.Messages)
	}
	if conv.Messages[1].Content != "A monoid in the category of endofunctors." {
		t.Fatalf("content = %q", conv.Messages[1].Content)
	}
	if conv.Title != "monads" {
		t.Fatalf("title = %q", conv.Title)
	}
}

func TestDOCXExtractFileCorrupt(t *testing.T) {
	if _, _, err := NewRegistry().ExtractFile([]byte("not a zip"), "x.docx"); err == nil {
		t.Fatal("want error for corrupt docx")
	}
}

func TestPDFExtractFileCorrupt(t *testing.T) {
	if _, _, err := NewRegistry().ExtractFile([]byte("not a pdf"), "x.pdf"); err == nil {
		t.Fatal("want error for corrupt pdf")
	}
}
