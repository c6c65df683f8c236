package royaltyd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"revshare/core/merkle"
	"revshare/core/settlement"
	"revshare/core/types"
	"revshare/observability"
	"revshare/storage/archive"
)

// ErrBadRequest marks malformed client input.
var ErrBadRequest = errors.New("royaltyd: bad request")

// ErrNoRunner is returned when settlements are requested from a read-only server.
var ErrNoRunner = errors.New("royaltyd: settlement runs not enabled")

// Runner computes a settlement window.
type Runner interface {
	ComputeWindow(ctx context.Context) (*settlement.Result, error)
}

// Server exposes archived windows and their proofs over HTTP.
type Server struct {
	store      archive.Store
	runner     Runner
	logger     *slog.Logger
	metrics    *observability.SettlementMetrics
	api        *observability.APIMetrics
	now        func() time.Time
	runTimeout time.Duration
	flight     singleflight.Group

	router http.Handler
}

// ServerOption customises the server.
type ServerOption func(*Server)

// WithServerLogger overrides the structured logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithServerMetrics sets the collectors updated by handlers.
func WithServerMetrics(settlementMetrics *observability.SettlementMetrics, apiMetrics *observability.APIMetrics) ServerOption {
	return func(s *Server) {
		s.metrics = settlementMetrics
		s.api = apiMetrics
	}
}

// WithServerClock overrides the clock stamped on archived windows.
func WithServerClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

// WithRunTimeout bounds a triggered settlement run.
func WithRunTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) { s.runTimeout = timeout }
}

// NewServer constructs the proof API. A nil runner serves archived windows only.
func NewServer(store archive.Store, runner Runner, opts ...ServerOption) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("royaltyd: archive store required")
	}
	srv := &Server{
		store:      store,
		runner:     runner,
		logger:     slog.Default(),
		now:        time.Now,
		runTimeout: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(srv)
	}
	if srv.logger == nil {
		srv.logger = slog.Default()
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/windows", func(windows chi.Router) {
		windows.Get("/latest", s.handleWindow)
		windows.Get("/{root}", s.handleWindow)
		windows.Get("/{root}/proofs/{account}", s.handleProof)
	})
	r.Post("/verify", s.handleVerify)
	r.Post("/settlements", s.handleSettle)

	return otelhttp.NewHandler(r, "royaltyd")
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		s.api.Observe(route, recorder.status, time.Since(start))
	})
}

func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	rec, err := s.lookup(r.Context(), chi.URLParam(r, "root"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Summarize(rec, true))
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	rawAccount := chi.URLParam(r, "account")
	if !common.IsHexAddress(rawAccount) {
		s.metrics.RecordProof("generate", false)
		s.writeError(w, fmt.Errorf("%w: invalid account %q", ErrBadRequest, rawAccount))
		return
	}
	rec, err := s.lookup(r.Context(), chi.URLParam(r, "root"))
	if err != nil {
		s.metrics.RecordProof("generate", false)
		s.writeError(w, err)
		return
	}
	balance, proof, err := rec.Proof(common.HexToAddress(rawAccount))
	s.metrics.RecordProof("generate", err == nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProofResponse{
		Root:       rec.Root.Hex(),
		Account:    balance.Account.Hex(),
		Allocation: decimal(balance.Allocation),
		Proof:      proof,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.metrics.RecordProof("verify", false)
		s.writeError(w, fmt.Errorf("%w: decode request: %w", ErrBadRequest, err))
		return
	}
	valid, err := Verify(req)
	if err != nil {
		s.metrics.RecordProof("verify", false)
		s.writeError(w, err)
		return
	}
	s.metrics.RecordProof("verify", valid)
	writeJSON(w, http.StatusOK, VerifyResponse{Valid: valid})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		s.writeError(w, ErrNoRunner)
		return
	}
	v, err, shared := s.flight.Do("settle", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.runTimeout)
		defer cancel()
		return s.Settle(ctx)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if shared {
		w.Header().Set("X-Settlement-Shared", "true")
	}
	writeJSON(w, http.StatusOK, Summarize(v.(*archive.Record), false))
}

// Settle runs one settlement and archives the result. Archiving a root that
// already exists returns the original run.
func (s *Server) Settle(ctx context.Context) (*archive.Record, error) {
	if s.runner == nil {
		return nil, ErrNoRunner
	}
	res, err := s.runner.ComputeWindow(ctx)
	if err != nil {
		s.logger.Error("settlement run failed", slog.Any("error", err))
		return nil, err
	}
	rec := archive.NewRecord(res, s.now())
	if err := s.store.Save(ctx, rec); err != nil {
		s.logger.Error("archive settlement failed", slog.String("root", rec.Root.Hex()), slog.Any("error", err))
		return nil, fmt.Errorf("royaltyd: archive window: %w", err)
	}
	s.logger.Info("settlement archived",
		slog.String("run_id", rec.RunID),
		slog.String("root", rec.Root.Hex()),
		slog.Uint64("start_block", rec.StartBlock),
		slog.Int("balances", len(rec.Balances)))
	return rec, nil
}

func (s *Server) lookup(ctx context.Context, rawRoot string) (*archive.Record, error) {
	if rawRoot == "" || rawRoot == "latest" {
		return s.store.Latest(ctx)
	}
	root, err := parseRoot(rawRoot)
	if err != nil {
		return nil, err
	}
	return s.store.ByRoot(ctx, root)
}

// Verify checks a claim offline. Malformed input is reported as ErrBadRequest;
// a well formed claim that is not committed by the root returns false.
func Verify(req VerifyRequest) (bool, error) {
	root, err := parseRoot(req.Root)
	if err != nil {
		return false, err
	}
	if !common.IsHexAddress(req.Account) {
		return false, fmt.Errorf("%w: invalid account %q", ErrBadRequest, req.Account)
	}
	allocation, err := uint256.FromDecimal(strings.TrimSpace(req.Allocation))
	if err != nil {
		return false, fmt.Errorf("%w: invalid allocation %q: %w", ErrBadRequest, req.Allocation, err)
	}
	if _, err := merkle.DecodeHexProof(req.Proof); err != nil {
		return false, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	balance := types.Balance{Account: common.HexToAddress(req.Account), Allocation: allocation}
	return merkle.VerifyBalance(balance, root.Bytes(), req.Proof), nil
}

func parseRoot(raw string) (common.Hash, error) {
	decoded, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil || len(decoded) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: invalid root %q", ErrBadRequest, raw)
	}
	return common.BytesToHash(decoded), nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, archive.ErrNotFound), errors.Is(err, settlement.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNoRunner):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", slog.Int("status", status), slog.Any("error", err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
