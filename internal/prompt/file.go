package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// MaxFileBytes caps how much of a prompt file is read.
const MaxFileBytes = 1 << 20

// LoadFile reads a prompt from path. PDFs contribute the plain text of
// each page, separated by blank lines; other files are read as text.
func LoadFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("prompt: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("prompt: %s is a directory", path)
	}

	var text string
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		text, err = pdfPages(path)
	} else {
		var data []byte
		data, err = os.ReadFile(path)
		text = string(data)
	}
	if err != nil {
		return "", fmt.Errorf("prompt: load %s: %w", path, err)
	}
	if len(text) > MaxFileBytes {
		return "", fmt.Errorf("prompt: %s has %d bytes of text, limit is %d", path, len(text), MaxFileBytes)
	}
	return text, nil
}

func pdfPages(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	pages := make([]string, 0, r.NumPage())
	for n := 1; n <= r.NumPage(); n++ {
		page := r.Page(n)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", n, err)
		}
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}
