package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/clarimed/billscan/internal/admission"
	"github.com/clarimed/billscan/internal/analysis"
	"github.com/clarimed/billscan/internal/extract"
	"github.com/clarimed/billscan/internal/ledger"
	"github.com/clarimed/billscan/internal/payments"
)

// Stable machine-readable error codes for the response body.
const (
	codeNotAuthenticated    = "not_authenticated"
	codeNoEntitlement       = "no_entitlement"
	codeUnsupportedFormat   = "unsupported_format"
	codePayloadTooLarge     = "payload_too_large"
	codeExtractionFailed    = "extraction_failed"
	codeNoTextFound         = "no_text_found"
	codeNotABill            = "not_a_bill"
	codeUpstreamUnavailable = "upstream_unavailable"
	codeBadRequest          = "bad_request"
	codeInternal            = "internal"
)

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
	// CreditConsumed tells the user why a retry will cost another credit:
	// the entitlement is spent on the attempt, not on the outcome.
	CreditConsumed bool   `json:"creditConsumed"`
	DocumentKind   string `json:"documentKind,omitempty"`
}

func respondError(w http.ResponseWriter, status int, code, msg string, creditConsumed bool) {
	respondJSON(w, status, errorResponse{Code: code, Error: msg, CreditConsumed: creditConsumed})
}

type creditInfo struct {
	Used             ledger.Entitlement `json:"used"`
	RemainingBalance int                `json:"remainingBalance"`
}

type scanResponse struct {
	Result *analysis.Result `json:"result"`
	Credit creditInfo       `json:"credit"`
}

// handleScan is the whole metered path: admission, ephemeral storage,
// extraction, pipeline. The entitlement is consumed before any expensive
// work; nothing downstream refunds it.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	principalID := principalFrom(ctx)

	// The transport cap only backstops readFilePart's exact byte count; the
	// slack covers multipart boundaries and part headers, which can run long
	// with client-supplied filenames.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+maxMultipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, "expecting multipart form", false)
		return
	}
	part, err := nextFilePart(mr)
	if err != nil {
		if isTooLarge(err) {
			s.respondTooLarge(w)
			return
		}
		respondError(w, http.StatusBadRequest, codeBadRequest, "missing file field", false)
		return
	}
	defer part.Close()
	data, declaredMIME, err := readFilePart(part, s.cfg.MaxUploadBytes)
	if err != nil {
		if isTooLarge(err) {
			s.respondTooLarge(w)
			return
		}
		respondError(w, http.StatusBadRequest, codeBadRequest, "could not read upload", false)
		return
	}

	decision, err := s.admitter.TryConsume(ctx, principalID)
	if err != nil {
		s.log.Error("admission failed", "principal", principalID, "error", err)
		respondError(w, http.StatusInternalServerError, codeInternal, "temporary failure, please retry", false)
		return
	}
	if !decision.Granted {
		switch decision.Reason {
		case admission.ReasonNotAuthenticated:
			respondError(w, http.StatusUnauthorized, codeNotAuthenticated, "sign in to analyze documents", false)
		default:
			respondError(w, http.StatusPaymentRequired, codeNoEntitlement,
				"no scan credits remaining; purchase credits to continue", false)
		}
		return
	}

	// The blob must be gone by the end of this request on every path, even
	// if the client has disconnected, hence the detached release context.
	handle, err := s.blobs.Hold(ctx, data, declaredMIME)
	if err != nil {
		s.log.Error("hold intake blob failed", "error", err)
		respondError(w, http.StatusInternalServerError, codeInternal, "temporary failure, your credit was consumed", true)
		return
	}
	defer handle.Release(context.WithoutCancel(ctx))

	text, err := s.extractor.Extract(ctx, data, declaredMIME)
	if err != nil {
		s.respondExtractionError(w, err)
		return
	}

	result, err := s.analyzer.Analyze(ctx, text)
	if err != nil {
		s.respondAnalysisError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, scanResponse{
		Result: result,
		Credit: creditInfo{Used: decision.Used, RemainingBalance: decision.RemainingBalance},
	})
}

// isTooLarge catches both our own cap during part reads and the
// MaxBytesReader tripping inside the multipart machinery.
func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.Is(err, extract.ErrPayloadTooLarge) || errors.As(err, &maxErr)
}

func (s *Server) respondTooLarge(w http.ResponseWriter) {
	respondError(w, http.StatusRequestEntityTooLarge, codePayloadTooLarge,
		fmt.Sprintf("file exceeds the %d byte limit", s.cfg.MaxUploadBytes), false)
}

// respondExtractionError maps the extractor taxonomy. All of these happen
// after admission, so the credit is already spent and the body says so.
func (s *Server) respondExtractionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, extract.ErrUnsupportedFormat):
		respondError(w, http.StatusUnsupportedMediaType, codeUnsupportedFormat,
			"only PDF, JPEG and PNG files are supported", true)
	case errors.Is(err, extract.ErrPayloadTooLarge):
		respondError(w, http.StatusRequestEntityTooLarge, codePayloadTooLarge, "file too large", true)
	case errors.Is(err, extract.ErrNoTextFound):
		respondError(w, http.StatusUnprocessableEntity, codeNoTextFound,
			"no readable text in the document; if this is a scan, upload it as a JPEG or PNG photo", true)
	case errors.Is(err, extract.ErrExtractionFailed):
		respondError(w, http.StatusUnprocessableEntity, codeExtractionFailed,
			"the file could not be read; it may be corrupted", true)
	case errors.Is(err, analysis.ErrUpstreamUnavailable):
		respondError(w, http.StatusBadGateway, codeUpstreamUnavailable,
			"text recognition is temporarily unavailable; your credit was consumed", true)
	default:
		s.log.Error("extraction failed", "error", err)
		respondError(w, http.StatusInternalServerError, codeInternal, "temporary failure, your credit was consumed", true)
	}
}

func (s *Server) respondAnalysisError(w http.ResponseWriter, err error) {
	var notABill *analysis.NotABillError
	switch {
	case errors.As(err, &notABill):
		respondJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Code:           codeNotABill,
			Error:          "this does not appear to be a medical bill; the credit for this attempt was consumed",
			CreditConsumed: true,
			DocumentKind:   notABill.Guess,
		})
	case errors.Is(err, analysis.ErrSchemaViolation), errors.Is(err, analysis.ErrUpstreamUnavailable):
		s.log.Warn("pipeline failed", "error", err)
		respondError(w, http.StatusBadGateway, codeUpstreamUnavailable,
			"analysis is temporarily unavailable; your credit was consumed", true)
	default:
		s.log.Error("pipeline failed", "error", err)
		respondError(w, http.StatusInternalServerError, codeInternal, "temporary failure, your credit was consumed", true)
	}
}

// handleBalance returns the caller's own account. Read-only; all writes go
// through admission or reconciliation.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	acc, err := s.accounts.Get(r.Context(), principalFrom(r.Context()))
	if err != nil {
		s.log.Error("balance read failed", "error", err)
		respondError(w, http.StatusInternalServerError, codeInternal, "temporary failure, please retry", false)
		return
	}
	respondJSON(w, http.StatusOK, acc)
}

const (
	headerPaymentTimestamp = "X-Payment-Timestamp"
	headerPaymentSignature = "X-Payment-Signature"
	maxWebhookBody         = 64 << 10
	maxMultipartOverhead   = 64 << 10
)

// handlePaymentWebhook verifies the provider signature, then reconciles.
// Applied and AlreadyApplied both answer 200 so the provider stops retrying
// once the transaction is durably recorded.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, "could not read body", false)
		return
	}
	if !s.verifier.Verify(r.Header.Get(headerPaymentTimestamp), body, r.Header.Get(headerPaymentSignature)) {
		respondError(w, http.StatusUnauthorized, codeNotAuthenticated, "invalid notification signature", false)
		return
	}
	var n payments.Notification
	if err := jsonUnmarshalStrict(body, &n); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, "malformed notification payload", false)
		return
	}
	outcome, err := s.reconciler.Reconcile(r.Context(), n)
	if err != nil {
		if errors.Is(err, payments.ErrMalformedNotification) {
			respondError(w, http.StatusBadRequest, codeBadRequest, err.Error(), false)
			return
		}
		// Storage details stay in the logs; a 5xx makes the provider retry.
		s.log.Error("reconcile failed", "transaction", n.TransactionID, "error", err)
		respondError(w, http.StatusInternalServerError, codeInternal, "temporary failure", false)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

func jsonUnmarshalStrict(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		return errors.New("trailing content after JSON document")
	}
	return nil
}

// nextFilePart walks the multipart stream to the "file" field.
func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}

// readFilePart buffers the upload, enforcing the size cap while reading so an
// oversized body fails before it is fully consumed.
func readFilePart(part *multipart.Part, maxBytes int64) ([]byte, string, error) {
	var data []byte
	buf := make([]byte, 32*1024)
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			if int64(len(data)) > maxBytes {
				return nil, "", fmt.Errorf("%w: over %d bytes", extract.ErrPayloadTooLarge, maxBytes)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return nil, "", fmt.Errorf("read file part: %w", readErr)
		}
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty file")
	}
	return data, part.Header.Get("Content-Type"), nil
}
