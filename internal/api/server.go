// Package api exposes the submission pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"proofmint/internal/domain"
	"proofmint/internal/pipeline"
	"proofmint/internal/storage"
)

// Submitter runs one submission.
type Submitter interface {
	Submit(ctx context.Context, sub domain.Submission) (*pipeline.Result, error)
}

// HistoryReader lists a wallet's ledger records.
type HistoryReader interface {
	ListByWallet(ctx context.Context, wallet string) ([]*domain.SubmissionRecord, error)
}

var _ HistoryReader = (storage.LedgerStore)(nil)

// multipartOverhead allows for form fields and boundaries on top of the proof.
const multipartOverhead = 1 << 20

// Server serves the HTTP API.
type Server struct {
	submitter     Submitter
	history       HistoryReader
	feed          http.Handler
	metrics       http.Handler
	maxProofBytes int64
	log           logrus.FieldLogger
}

// Option configures a Server.
type Option func(*Server)

// WithFeed mounts the live feed at /v1/feed.
func WithFeed(h http.Handler) Option {
	return func(s *Server) { s.feed = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithMaxProofBytes bounds uploaded proof files.
func WithMaxProofBytes(n int64) Option {
	return func(s *Server) { s.maxProofBytes = n }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) { s.log = log }
}

// NewServer creates a Server.
func NewServer(submitter Submitter, history HistoryReader, opts ...Option) *Server {
	s := &Server{
		submitter:     submitter,
		history:       history,
		maxProofBytes: 10 << 20,
		log:           logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/v1", func(api chi.Router) {
		api.Post("/submissions", s.handleSubmit)
		api.Get("/wallets/{wallet}/submissions", s.handleHistory)
		if s.feed != nil {
			api.Handle("/feed", s.feed)
		}
	})

	// Route used by existing frontends.
	r.Post("/api/verify", s.handleSubmit)

	return r
}

type submitResponse struct {
	RequestID    string `json:"request_id,omitempty"`
	SubmissionID string `json:"submission_id"`
	Fingerprint  string `json:"fingerprint"`
	TxRef        string `json:"tx_ref"`
	TokensMinted string `json:"tokens_minted"`
	ValueUSD     string `json:"value_usd"`
}

type errorResponse struct {
	RequestID         string `json:"request_id,omitempty"`
	Error             string `json:"error"`
	Reason            string `json:"reason"`
	SubmissionID      string `json:"submission_id,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxProofBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, reqID, pipeline.KindInputError, "request body too large")
			return
		}
		writeError(w, reqID, pipeline.KindInputError, "expected a multipart form with walletAddress, description and proof")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("proof")
	if err != nil {
		writeError(w, reqID, pipeline.KindInputError, "proof file is required")
		return
	}
	defer file.Close()

	proof, err := io.ReadAll(io.LimitReader(file, s.maxProofBytes+1))
	if err != nil {
		writeError(w, reqID, pipeline.KindInputError, "failed to read proof file")
		return
	}
	if int64(len(proof)) > s.maxProofBytes {
		writeError(w, reqID, pipeline.KindInputError, "proof file too large")
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(proof)
	}

	res, err := s.submitter.Submit(r.Context(), domain.Submission{
		WalletAddress: r.FormValue("walletAddress"),
		Description:   r.FormValue("description"),
		Proof:         proof,
		ProofMIME:     mimeType,
	})
	if err != nil {
		s.writeRejection(w, reqID, err)
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{
		RequestID:    reqID,
		SubmissionID: res.SubmissionID,
		Fingerprint:  res.Fingerprint,
		TxRef:        res.TxRef,
		TokensMinted: res.TokensMinted.String(),
		ValueUSD:     res.ValueUSD.String(),
	})
}

func (s *Server) writeRejection(w http.ResponseWriter, reqID string, err error) {
	var rej *pipeline.Rejection
	if !errors.As(err, &rej) {
		s.log.WithError(err).WithField("request_id", reqID).Error("Unexpected submission error")
		writeError(w, reqID, pipeline.KindStorageError, "internal error")
		return
	}

	resp := errorResponse{
		RequestID:    reqID,
		Error:        rej.Code(),
		Reason:       rej.Message,
		SubmissionID: rej.SubmissionID,
	}
	if rej.Kind == pipeline.KindCooldown {
		resp.RetryAfterSeconds = rej.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.FormatInt(resp.RetryAfterSeconds, 10))
	}
	writeJSON(w, rej.Kind.HTTPStatus(), resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	wallet := chi.URLParam(r, "wallet")
	if !strings.HasPrefix(wallet, "0x") || !common.IsHexAddress(wallet) {
		writeError(w, reqID, pipeline.KindInputError, "wallet must be a 0x-prefixed EVM address")
		return
	}
	wallet = common.HexToAddress(wallet).Hex()

	records, err := s.history.ListByWallet(r.Context(), wallet)
	if err != nil {
		s.log.WithError(err).WithField("wallet", wallet).Error("Failed to list submissions")
		writeError(w, reqID, pipeline.KindStorageError, "failed to read ledger")
		return
	}
	if records == nil {
		records = []*domain.SubmissionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":  reqID,
		"wallet":      wallet,
		"submissions": records,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, reqID string, kind pipeline.Kind, message string) {
	writeJSON(w, kind.HTTPStatus(), errorResponse{
		RequestID: reqID,
		Error:     string(kind),
		Reason:    message,
	})
}
