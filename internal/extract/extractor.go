// Package extract converts an uploaded blob into plain text. Format handling
// is strict: a fixed allow-list, a size cap, and an error taxonomy that lets
// callers tell a broken file from a readable file with no text in it.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"

	pdf "github.com/ledongthuc/pdf"
)

var (
	// ErrUnsupportedFormat rejects anything outside the allow-list before
	// any processing happens.
	ErrUnsupportedFormat = errors.New("unsupported document format")
	// ErrPayloadTooLarge rejects oversized input fast.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrExtractionFailed means the underlying decoder errored: a bad file.
	ErrExtractionFailed = errors.New("extraction failed")
	// ErrNoTextFound means decoding succeeded but yielded no usable text,
	// e.g. an image-only PDF. Distinct from ErrExtractionFailed so the user
	// can be told to re-submit a scan as JPEG/PNG instead of "file broken".
	ErrNoTextFound = errors.New("no text found in document")
)

// minTextRunes is the threshold below which extracted output counts as empty.
const minTextRunes = 20

// OCR recognizes text in an image at its native resolution.
type OCR interface {
	Recognize(ctx context.Context, data []byte, mimeType string) (string, error)
}

// Extractor selects a format-specific strategy per upload. It is purely
// functional over the input bytes; storage lifecycle belongs elsewhere.
type Extractor struct {
	ocr        OCR
	maxBytes   int64
	allowed    map[string]bool
	ocrTimeout time.Duration
}

// New constructs an Extractor. allowedTypes is the MIME allow-list from
// config, typically pdf/jpeg/png. ocrTimeout bounds the recognition call so a
// hung vision endpoint cannot stall the request indefinitely.
func New(ocr OCR, maxBytes int64, allowedTypes []string, ocrTimeout time.Duration) *Extractor {
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return &Extractor{ocr: ocr, maxBytes: maxBytes, allowed: allowed, ocrTimeout: ocrTimeout}
}

// Extract returns the plain text of the document. The format decision trusts
// sniffed content over the declared MIME; a mismatch between the two is
// rejected rather than guessed around.
func (e *Extractor) Extract(ctx context.Context, data []byte, declaredMIME string) (string, error) {
	if e.maxBytes > 0 && int64(len(data)) > e.maxBytes {
		return "", fmt.Errorf("%w: %d bytes over the %d byte limit", ErrPayloadTooLarge, len(data), e.maxBytes)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty upload", ErrExtractionFailed)
	}
	sniffed := sniffMIME(data)
	if !e.allowed[sniffed] {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, sniffed)
	}
	if declared := normalizeMIME(declaredMIME); declared != "" && declared != sniffed {
		return "", fmt.Errorf("%w: declared %s but content is %s", ErrUnsupportedFormat, declared, sniffed)
	}

	var (
		text string
		err  error
	)
	switch sniffed {
	case "application/pdf":
		text, err = extractPDF(data)
	case "image/jpeg", "image/png":
		ocrCtx, cancel := context.WithTimeout(ctx, e.ocrTimeout)
		text, err = e.ocr.Recognize(ocrCtx, data, sniffed)
		cancel()
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, sniffed)
	}
	if err != nil {
		return "", err
	}
	if countPrintable(text) < minTextRunes {
		return "", ErrNoTextFound
	}
	return strings.TrimSpace(text), nil
}

// extractPDF walks the text layer page by page, concatenating in page order.
// There is no rasterization fallback for image-only PDFs; those surface as
// ErrNoTextFound and the caller is told to resubmit as an image.
func extractPDF(data []byte) (string, error) {
	reader := bytes.NewReader(data)
	doc, err := pdf.NewReader(reader, int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	var builder strings.Builder
	total := doc.NumPage()
	for page := 1; page <= total; page++ {
		p := doc.Page(page)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("%w: page %d: %v", ErrExtractionFailed, page, err)
		}
		builder.WriteString(content)
		builder.WriteString("\n")
	}
	return builder.String(), nil
}

func sniffMIME(data []byte) string {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	return normalizeMIME(http.DetectContentType(head))
}

func normalizeMIME(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if mime == "image/jpg" {
		mime = "image/jpeg"
	}
	return mime
}

func countPrintable(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
