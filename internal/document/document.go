// Package document validates and reads uploaded PDF artifacts.
package document

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
)

// pdfMagic is the canonical signature at the start of every well-formed PDF.
var pdfMagic = []byte("%PDF-")

// Validate reports whether the file at path exists, is readable, and begins
// with the PDF magic signature. It never returns an error: an unreadable or
// malformed file is a normal negative result, not a fault.
func Validate(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	header := make([]byte, len(pdfMagic))
	n, err := f.Read(header)
	if err != nil || n < len(pdfMagic) {
		return false
	}
	return bytes.Equal(header, pdfMagic)
}

// Info holds format metadata read alongside the text.
type Info struct {
	Pages   int
	Version string
}

// ReadText extracts the plain text of every page along with format metadata.
// Pages that fail to decode are skipped; an error is returned only when the
// document itself cannot be opened.
func ReadText(path string) (string, Info, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", Info{}, fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	info := Info{Pages: r.NumPage(), Version: readVersion(path)}

	var buf bytes.Buffer
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		buf.WriteString(text)
		buf.WriteString("\n")
	}

	return buf.String(), info, nil
}

// readVersion returns the PDF version from the header line, e.g. "1.7".
// Empty on any read problem; version is informational metadata only.
func readVersion(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	header := make([]byte, 16)
	n, err := f.Read(header)
	if err != nil || n == 0 {
		return ""
	}
	line := string(header[:n])
	if !strings.HasPrefix(line, "%PDF-") {
		return ""
	}
	line = strings.TrimPrefix(line, "%PDF-")
	if idx := strings.IndexAny(line, "\r\n %"); idx >= 0 {
		line = line[:idx]
	}
	return line
}
