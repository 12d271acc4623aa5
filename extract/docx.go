package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// DOCXExtractor parses DOCX chat transcripts: the ZIP-based OOXML container
// is opened in memory and word/document.xml is streamed token by token into
// paragraphs, which the role-heading transcript parser then groups into
// messages. Pure Go, no CGO.
type DOCXExtractor struct{}

// NewDOCXExtractor creates a DOCX transcript extractor.
func NewDOCXExtractor() *DOCXExtractor { return &DOCXExtractor{} }

var _ FileExtractor = (*DOCXExtractor)(nil)

func (e *DOCXExtractor) Metadata() Metadata {
	return Metadata{
		Name:       FormatDOCX,
		Version:    "1.0.2",
		Extensions: []string{"docx"},
		FileBased:  true,
		FormatSpec: "OOXML document whose paragraphs alternate speaker headings and message bodies",
	}
}

// Detect always reports false: DOCX archives are routed by extension, not
// by JSON signature.
func (e *DOCXExtractor) Detect(map[string]any) bool { return false }

// Extract is unsupported for file-based formats.
func (e *DOCXExtractor) Extract(map[string]any) (Conversation, error) {
	return Conversation{}, fmt.Errorf("docx: use ExtractFile for file-based input")
}

// ExtractFile parses the raw DOCX bytes into a transcript conversation.
func (e *DOCXExtractor) ExtractFile(data []byte, filename string) (Conversation, error) {
	text, err := docxText(data)
	if err != nil {
		return Conversation{}, fmt.Errorf("docx %s: %w", filename, err)
	}
	return parseTranscript(text, filename, FormatDOCX), nil
}

// docxText extracts newline-joined paragraph text from a DOCX container.
func docxText(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty document")
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open zip: %w", err)
	}

	var docFile *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", fmt.Errorf("missing word/document.xml")
	}
	rc, err := docFile.Open()
	if err != nil {
		return "", fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()

	return docxParagraphs(rc)
}

// docxParagraphs streams the OOXML tokens of document.xml, emitting one line
// per paragraph and honoring explicit line breaks inside runs.
func docxParagraphs(r io.Reader) (string, error) {
	decoder := xml.NewDecoder(r)
	var out strings.Builder
	var para strings.Builder
	inParagraph := false
	inRun := false

	endParagraph := func() {
		inParagraph = false
		text := strings.TrimSpace(para.String())
		para.Reset()
		if text == "" {
			return
		}
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString(text)
	}

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inParagraph = true
			case "r":
				inRun = true
			case "br", "cr":
				// Manual line break inside a run starts a new transcript line.
				if inParagraph {
					endParagraph()
					inParagraph = true
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "r":
				inRun = false
			case "p":
				endParagraph()
			}
		case xml.CharData:
			if inParagraph && inRun {
				para.Write(t)
			}
		}
	}
	endParagraph()
	return out.String(), nil
}
