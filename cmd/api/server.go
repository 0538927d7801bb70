package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"github.com/mcclellann/loansyncro/pkg/accounting"
	"github.com/mcclellann/loansyncro/pkg/auth"
	"github.com/mcclellann/loansyncro/pkg/ledger"
	"github.com/mcclellann/loansyncro/pkg/metrics"
	"github.com/mcclellann/loansyncro/pkg/models"
	"github.com/mcclellann/loansyncro/pkg/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Options tunes the HTTP surface.
type Options struct {
	AllowedOrigin string
	Metrics       bool
}

// Server holds the ledger and identity provider behind the REST API.
type Server struct {
	ledger   *ledger.Ledger
	identity auth.Identity
	logger   *zap.Logger
	opts     Options
}

func NewServer(l *ledger.Ledger, identity auth.Identity, logger *zap.Logger, opts Options) *Server {
	return &Server{
		ledger:   l,
		identity: identity,
		logger:   logger,
		opts:     opts,
	}
}

// Router builds the API routes and middleware chain.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.RequestID, middleware.RealIP, s.logRequests, middleware.Recoverer, s.cors, s.observe)

	router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	router.HandleFunc("/health", s.healthHandler).Methods("GET")
	if s.opts.Metrics {
		router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	router.HandleFunc("/auth/register", s.registerHandler).Methods("POST")
	router.HandleFunc("/auth/confirm", s.confirmHandler).Methods("POST")
	router.HandleFunc("/auth/resend", s.resendHandler).Methods("POST")
	router.HandleFunc("/auth/login", s.loginHandler).Methods("POST")

	private := router.NewRoute().Subrouter()
	private.Use(s.authenticate)

	private.HandleFunc("/auth/logout", s.logoutHandler).Methods("POST")
	private.HandleFunc("/users/me", s.meHandler).Methods("GET")

	private.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	private.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	private.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	private.HandleFunc("/loans/{id}", s.updateLoanHandler).Methods("PUT")
	private.HandleFunc("/loans/{id}", s.deleteLoanHandler).Methods("DELETE")
	private.HandleFunc("/loans/{id}/progress", s.loanProgressHandler).Methods("GET")
	private.HandleFunc("/loans/{id}/schedule", s.loanScheduleHandler).Methods("GET")
	private.HandleFunc("/loans/{id}/default", s.markDefaultedHandler).Methods("POST")

	private.HandleFunc("/repayments", s.listRepaymentsHandler).Methods("GET")
	private.HandleFunc("/repayments", s.createRepaymentHandler).Methods("POST")
	private.HandleFunc("/repayments/summary", s.summaryHandler).Methods("GET")
	private.HandleFunc("/repayments/loan/{id}", s.loanRepaymentsHandler).Methods("GET")

	return router
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AllowedOrigin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", s.opts.AllowedOrigin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		next.ServeHTTP(w, r)
	})
}

// observe records request counts and latency by route template so ids in
// paths do not explode label cardinality.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// authenticate resolves the bearer token to a user and stores it in the
// request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		user, err := s.identity.CurrentUser(r.Context(), token)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
	})
}

// currentUser is only called behind authenticate.
func currentUser(r *http.Request) *models.User {
	u, _ := auth.UserFromContext(r.Context())
	return u
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput),
		errors.Is(err, accounting.ErrInvalidLoanTerms),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrNameRequired),
		errors.Is(err, auth.ErrInvalidCode):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrForbidden),
		errors.Is(err, auth.ErrNotConfirmed):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrLoanClosed),
		errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, auth.ErrEmailTaken),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
