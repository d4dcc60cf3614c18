package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrUnsupportedType is returned for file types the extractor cannot parse.
var ErrUnsupportedType = errors.New("unsupported file type")

// PDFExtractor turns PDF bytes into {"pages": n, "text": "...", "pageTexts": [...]}.
// Library used: github.com/ledongthuc/pdf.
type PDFExtractor struct {
	// MaxPages caps how many pages are read; zero means no cap.
	MaxPages int
}

// Extract parses data according to fileType. Only "pdf" is supported.
func (e PDFExtractor) Extract(ctx context.Context, data []byte, fileType string) (out map[string]any, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.EqualFold(fileType, "pdf") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, fileType)
	}
	if len(data) == 0 {
		return nil, errors.New("empty pdf data")
	}

	// The pdf package panics on some malformed inputs.
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = fmt.Errorf("malformed pdf: %v", rec)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	total := reader.NumPage()
	limit := total
	if e.MaxPages > 0 && limit > e.MaxPages {
		limit = e.MaxPages
	}

	pageTexts := make([]string, 0, limit)
	for i := 1; i <= limit; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			pageTexts = append(pageTexts, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("read page %d: %w", i, err)
		}
		pageTexts = append(pageTexts, cleanText(text))
	}

	return map[string]any{
		"pages":     total,
		"text":      strings.TrimSpace(strings.Join(pageTexts, "\n\n")),
		"pageTexts": pageTexts,
		"truncated": limit < total,
	}, nil
}

// cleanText drops NUL bytes and invalid UTF-8, neither of which a JSONB column
// accepts, and trims surrounding space.
func cleanText(text string) string {
	text = strings.ReplaceAll(text, "\x00", "")
	return strings.TrimSpace(strings.ToValidUTF8(text, ""))
}
