// Package api exposes the HTTP surface: metered document analysis, balance
// reads and payment notifications.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/clarimed/billscan/internal/admission"
	"github.com/clarimed/billscan/internal/analysis"
	"github.com/clarimed/billscan/internal/auth"
	"github.com/clarimed/billscan/internal/config"
	"github.com/clarimed/billscan/internal/ephemeral"
	"github.com/clarimed/billscan/internal/ledger"
	"github.com/clarimed/billscan/internal/payments"
	"github.com/clarimed/billscan/internal/signing"
)

// Admitter gatekeeps analysis attempts.
type Admitter interface {
	TryConsume(ctx context.Context, principalID string) (admission.Decision, error)
}

// AccountStore is the read side of the ledger plus implicit account creation.
type AccountStore interface {
	EnsureAccount(ctx context.Context, principalID string) error
	Get(ctx context.Context, principalID string) (*ledger.Account, error)
}

// Reconciler applies payment notifications.
type Reconciler interface {
	Reconcile(ctx context.Context, n payments.Notification) (payments.Outcome, error)
}

// Extractor turns uploaded bytes into text.
type Extractor interface {
	Extract(ctx context.Context, data []byte, declaredMIME string) (string, error)
}

// Analyzer runs the generative pipeline.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (*analysis.Result, error)
}

// BlobHandle is one held intake blob.
type BlobHandle interface {
	Release(ctx context.Context)
}

// BlobStore holds uploads for the duration of one request.
type BlobStore interface {
	Hold(ctx context.Context, data []byte, contentType string) (BlobHandle, error)
}

// Blobs adapts the ephemeral store to BlobStore.
func Blobs(store *ephemeral.Store) BlobStore { return blobAdapter{store} }

type blobAdapter struct {
	store *ephemeral.Store
}

func (a blobAdapter) Hold(ctx context.Context, data []byte, contentType string) (BlobHandle, error) {
	h, err := a.store.Hold(ctx, data, contentType)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Server exposes HTTP endpoints for analysis, balance and payments.
type Server struct {
	cfg        *config.Config
	admitter   Admitter
	accounts   AccountStore
	reconciler Reconciler
	extractor  Extractor
	analyzer   Analyzer
	blobs      BlobStore
	verifier   *signing.Verifier
	log        *slog.Logger
	server     *http.Server
	once       sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, admitter Admitter, accounts AccountStore, reconciler Reconciler,
	extractor Extractor, analyzer Analyzer, blobs BlobStore, verifier *signing.Verifier, log *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		admitter:   admitter,
		accounts:   accounts,
		reconciler: reconciler,
		extractor:  extractor,
		analyzer:   analyzer,
		blobs:      blobs,
		verifier:   verifier,
		log:        log,
	}
}

// Handler builds the route table. Split out from Run so tests can drive the
// mux through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/scans", s.requireAuth(http.HandlerFunc(s.handleScan)))
	mux.Handle("/balance", s.requireAuth(http.HandlerFunc(s.handleBalance)))
	mux.HandleFunc("/webhooks/payment", s.handlePaymentWebhook)
	return corsMiddleware(s.loggingMiddleware(mux))
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.Handler(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info("api listening", "address", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type principalKey struct{}

// requireAuth verifies the bearer token and stashes the principal id in the
// request context. A missing account row is created lazily here so the
// ledger path never has to special-case first contact.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principalID, err := auth.PrincipalFromAuthHeader(r.Header.Get("Authorization"), s.cfg.TokenSecret)
		if err != nil {
			respondError(w, http.StatusUnauthorized, codeNotAuthenticated, "sign in to analyze documents", false)
			return
		}
		if err := s.accounts.EnsureAccount(r.Context(), principalID); err != nil {
			s.log.Error("ensure account failed", "principal", principalID, "error", err)
			respondError(w, http.StatusInternalServerError, codeInternal, "temporary failure, please retry", false)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principalID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(ctx context.Context) string {
	id, _ := ctx.Value(principalKey{}).(string)
	return id
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("encode response failed", "error", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}
