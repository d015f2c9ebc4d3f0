package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rentflow/admin"
	"rentflow/agreement"
	"rentflow/auth"
	"rentflow/dispute"
	"rentflow/errcode"
	"rentflow/escrow"
	"rentflow/metrics"
	"rentflow/registry"
	"rentflow/token"
)

type contextKey string

const (
	ctxKeyCaller    contextKey = "caller"
	ctxKeyRequestID contextKey = "request_id"

	cosignHeader = "X-Cosign-Token"
)

// Server wires the HTTP surface to the domain services.
type Server struct {
	authService      *auth.Service
	agreementService *agreement.Service
	escrowEngine     *escrow.Engine
	disputeService   *dispute.Service
	adminService     *admin.Service
	bank             *token.Bank
	agentService     *registry.Service
	metrics          *metrics.Metrics
	limiter          *rateLimiter
	log              *logrus.Entry
	ping             func(context.Context) error
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Use(s.authenticate)

		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Route("/agreements", func(r chi.Router) {
			r.Post("/", s.handleCreateAgreement)
			r.Get("/count", s.handleAgreementCount)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetAgreement)
				r.Post("/submit", s.handleAgreementAction)
				r.Post("/sign", s.handleAgreementAction)
				r.Post("/cancel", s.handleAgreementAction)
				r.Post("/complete", s.handleAgreementAction)

				r.Post("/payments", s.handlePayRent)
				r.Get("/payments", s.handlePaymentSummary)
				r.Get("/payments/{cycle}", s.handleGetPayment)

				r.Post("/dispute", s.handleRaiseDispute)
				r.Get("/dispute", s.handleGetDispute)
				r.Get("/dispute/history", s.handleDisputeHistory)
				r.Post("/dispute/votes", s.handleCastVote)
				r.Get("/dispute/votes/{arbiter}", s.handleHasVoted)
				r.Post("/dispute/resolve", s.handleResolveDispute)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/initialize", s.handleInitialize)
			r.Get("/state", s.handleAdminState)
			r.Put("/config", s.handleUpdateConfig)
			r.Get("/arbiters", s.handleArbiterCount)
			r.Post("/arbiters", s.handleAddArbiter)
			r.Get("/arbiters/{address}", s.handleIsArbiter)
			r.Get("/fee-collector", s.handleGetFeeCollector)
			r.Put("/fee-collector", s.handleSetFeeCollector)
			r.Post("/mint", s.handleMint)
		})

		r.Get("/balances/{address}", s.handleBalance)

		r.Get("/agents", s.handleListAgents)
		r.Get("/agents/{address}", s.handleGetAgent)
		r.Post("/agents/{address}/ratings", s.handleRateAgent)
	})
	return r
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		id, _ := r.Context().Value(ctxKeyRequestID).(string)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"request_id": id,
			"elapsed_ms": time.Since(start).Milliseconds(),
		}).Info("http request")
	})
}

// authenticate turns the bearer token into the request caller and every
// co-sign token into an additional principal. Requests without a token pass
// through; operations that need a signature reject them.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || s.authService == nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid authorization header"})
			return
		}
		caller, err := s.authService.VerifyToken(strings.TrimSpace(tokenString))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token"})
			return
		}

		principals := []auth.Address{caller}
		for _, raw := range r.Header.Values(cosignHeader) {
			for _, tok := range strings.Split(raw, ",") {
				tok = strings.TrimSpace(tok)
				if tok == "" {
					continue
				}
				addr, err := s.authService.VerifyToken(tok)
				if err != nil {
					writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid co-sign token"})
					return
				}
				principals = append(principals, addr)
			}
		}

		ctx := context.WithValue(r.Context(), ctxKeyCaller, caller)
		ctx = auth.WithPrincipals(ctx, principals...)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFrom(ctx context.Context) (auth.Address, bool) {
	addr, ok := ctx.Value(ctxKeyCaller).(auth.Address)
	return addr, ok && addr != ""
}

// requireCaller writes a 401 and returns false when the request carries no
// verified bearer token.
func requireCaller(w http.ResponseWriter, r *http.Request) (auth.Address, bool) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
		return "", false
	}
	return caller, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  uint32 `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrDuplicateAddress):
		return http.StatusConflict
	case errors.Is(err, auth.ErrAccountNotFound):
		return http.StatusNotFound
	}
	switch errcode.KindOf(err) {
	case errcode.KindNotFound:
		return http.StatusNotFound
	case errcode.KindUnauthorized:
		return http.StatusForbidden
	case errcode.KindInvalidInput:
		return http.StatusBadRequest
	case errcode.KindConflict:
		return http.StatusConflict
	case errcode.KindTiming:
		return http.StatusTooEarly
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	// a missing signature is unauthenticated, not forbidden
	if errors.Is(err, auth.ErrUnauthorized) {
		if _, ok := callerFrom(r.Context()); !ok {
			status = http.StatusUnauthorized
		}
	}
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: errcode.CodeOf(err)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
