package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	pngHeader  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}
	jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0}
)

type fakeOCR struct {
	text  string
	err   error
	calls int
	mime  string
}

func (f *fakeOCR) Recognize(ctx context.Context, data []byte, mimeType string) (string, error) {
	f.calls++
	f.mime = mimeType
	return f.text, f.err
}

func newExtractor(ocr OCR) *Extractor {
	return New(ocr, 1<<20, []string{"application/pdf", "image/jpeg", "image/png"}, time.Second)
}

func TestExtractRejectsUnsupportedFormat(t *testing.T) {
	ocr := &fakeOCR{}
	e := newExtractor(ocr)
	_, err := e.Extract(context.Background(), []byte("GIF89a lots of bytes here"), "image/gif")
	require.ErrorIs(t, err, ErrUnsupportedFormat)
	require.Zero(t, ocr.calls)
}

func TestExtractRejectsDeclaredContentMismatch(t *testing.T) {
	e := newExtractor(&fakeOCR{})
	// PNG bytes declared as PDF must not be processed under either strategy.
	_, err := e.Extract(context.Background(), pngHeader, "application/pdf")
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestExtractRejectsOversizedPayload(t *testing.T) {
	e := New(&fakeOCR{}, 16, []string{"application/pdf"}, time.Second)
	_, err := e.Extract(context.Background(), make([]byte, 64), "application/pdf")
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestExtractImageRunsOCR(t *testing.T) {
	ocr := &fakeOCR{text: "PATIENT NAME John Doe TOTAL DUE 123.45"}
	e := newExtractor(ocr)
	text, err := e.Extract(context.Background(), jpegHeader, "image/jpeg")
	require.NoError(t, err)
	require.Contains(t, text, "John Doe")
	require.Equal(t, 1, ocr.calls)
	require.Equal(t, "image/jpeg", ocr.mime)
}

func TestExtractDistinguishesEmptyTextFromDecoderError(t *testing.T) {
	// Decoder succeeds but there is nothing to read: NoTextFound.
	ocr := &fakeOCR{text: "   \n  "}
	e := newExtractor(ocr)
	_, err := e.Extract(context.Background(), pngHeader, "image/png")
	require.ErrorIs(t, err, ErrNoTextFound)
	require.NotErrorIs(t, err, ErrExtractionFailed)

	// Decoder fails outright: ExtractionFailed. "%PDF-" followed by garbage
	// sniffs as a PDF but has no parsable structure.
	_, err = e.Extract(context.Background(), []byte("%PDF-1.7 garbage with no xref"), "application/pdf")
	require.ErrorIs(t, err, ErrExtractionFailed)
	require.NotErrorIs(t, err, ErrNoTextFound)
}

// stalledOCR never answers on its own; it only returns once its context is
// cancelled, the way a hung remote endpoint behaves.
type stalledOCR struct{}

func (stalledOCR) Recognize(ctx context.Context, data []byte, mimeType string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestExtractBoundsOCRCall(t *testing.T) {
	e := New(stalledOCR{}, 1<<20, []string{"image/png"}, 50*time.Millisecond)
	start := time.Now()
	_, err := e.Extract(context.Background(), pngHeader, "image/png")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestExtractPropagatesOCRFailure(t *testing.T) {
	upstream := errors.New("model endpoint unavailable")
	ocr := &fakeOCR{err: upstream}
	e := newExtractor(ocr)
	_, err := e.Extract(context.Background(), pngHeader, "image/png")
	require.ErrorIs(t, err, upstream)
}

func TestExtractTrimsShortNoise(t *testing.T) {
	ocr := &fakeOCR{text: "ab 12"}
	e := newExtractor(ocr)
	_, err := e.Extract(context.Background(), pngHeader, "")
	require.ErrorIs(t, err, ErrNoTextFound)
}

func TestNormalizeMIME(t *testing.T) {
	require.Equal(t, "application/pdf", normalizeMIME("application/pdf; charset=binary"))
	require.Equal(t, "image/jpeg", normalizeMIME("image/jpg"))
	require.Equal(t, "image/png", normalizeMIME(" IMAGE/PNG "))
	require.Equal(t, "", normalizeMIME(""))
}

func TestCountPrintable(t *testing.T) {
	require.Equal(t, 0, countPrintable(" \n\t--"))
	require.Equal(t, len("abc123"), countPrintable("abc 123!"))
	require.True(t, countPrintable(strings.Repeat("x", minTextRunes)) >= minTextRunes)
}
