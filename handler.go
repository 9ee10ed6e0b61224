package broker

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/meetkit/zoom-token-broker/instrumentation"
	"github.com/meetkit/zoom-token-broker/security"
)

// Handler is a thin HTTP adapter for the credential Manager.
// It parses requests and delegates to the Manager for all lifecycle
// logic.
type Handler struct {
	manager *Manager
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *instrumentation.Metrics
	limiter *security.RateLimiter

	trustProxy bool
}

// NewHandler creates an HTTP handler for the manager. The rate limiter
// is created from cfg.RateLimit; callers that shut the broker down
// should call Close to stop its cleanup goroutine.
func NewHandler(manager *Manager, cfg Config) *Handler {
	cfg = cfg.withDefaults()

	return &Handler{
		manager:    manager,
		logger:     cfg.Logger,
		tracer:     cfg.Instrumentation.Tracer("http"),
		metrics:    cfg.Instrumentation.Metrics(),
		limiter:    security.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, cfg.Logger),
		trustProxy: cfg.RateLimit.TrustProxy,
	}
}

// Close stops background goroutines owned by the handler.
func (h *Handler) Close() {
	h.limiter.Stop()
}

// Routes returns the broker's HTTP mux with all middleware applied.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", h.ServeRoot)
	mux.HandleFunc("GET /users", h.ServeUserList)
	mux.HandleFunc("GET /users/{userID}/token", h.ServeToken)
	mux.HandleFunc("POST /users/{userID}/refresh", h.ServeRefresh)
	mux.HandleFunc("POST /users/{userID}/revoke", h.ServeRevoke)
	mux.HandleFunc("GET /healthz", h.ServeHealth)

	return h.withMiddleware(mux)
}

// withMiddleware wraps a handler with request ID propagation, security
// headers, CORS, rate limiting, and request logging (outermost first).
func (h *Handler) withMiddleware(next http.Handler) http.Handler {
	return h.requestIDMiddleware(h.securityHeadersMiddleware(h.corsMiddleware(h.rateLimitMiddleware(h.loggingMiddleware(next)))))
}

// corsMiddleware allows browser-based callers from any origin. The
// broker carries no cookies or ambient credentials, so a permissive
// policy is safe here.
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+security.RequestIDHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(security.RequestIDHeader)
		if !security.ValidRequestID(requestID) {
			requestID = security.GenerateRequestID()
		}

		w.Header().Set(security.RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(security.WithRequestID(r.Context(), requestID)))
	})
}

func (h *Handler) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w)
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := security.ClientIP(r, h.trustProxy)
		if !h.limiter.Allow(clientIP) {
			h.metrics.RateLimitExceeded.Add(r.Context(), 1)
			h.logger.Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
			w.Header().Set("Retry-After", "60")
			h.writeError(w, NewError(ErrorCodeRateLimited, "too many requests", http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		h.metrics.HTTPRequestsTotal.Add(r.Context(), 1, metric.WithAttributes(
			attribute.String(instrumentation.AttrHTTPMethod, r.Method),
			attribute.String(instrumentation.AttrHTTPEndpoint, r.URL.Path),
			attribute.Int(instrumentation.AttrHTTPStatusCode, rec.status),
		))
		h.metrics.HTTPRequestDuration.Record(r.Context(), float64(duration.Milliseconds()),
			metric.WithAttributes(attribute.String(instrumentation.AttrHTTPMethod, r.Method)))

		h.logger.Info("Handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", duration.Milliseconds(),
			"request_id", security.GetRequestID(r.Context()))
	})
}

// ServeRoot handles the OAuth entry point. Without a code query
// parameter it redirects the browser to the upstream authorization
// page; with one (the redirect back from the authorization server) it
// completes registration and returns the new credential.
func (h *Handler) ServeRoot(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "broker.http.root")
	defer span.End()

	code := r.URL.Query().Get("code")
	if code == "" {
		state := r.URL.Query().Get("state")
		http.Redirect(w, r, h.manager.AuthorizationURL(state), http.StatusFound)
		instrumentation.SetSpanSuccess(span)
		return
	}

	token, err := h.manager.Register(ctx, code)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeManagerError(w, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, token)
}

// ServeUserList returns all registered users.
func (h *Handler) ServeUserList(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "broker.http.user_list")
	defer span.End()

	users, err := h.manager.ListUsers(ctx)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeManagerError(w, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, UserListResponse{Users: users, Total: len(users)})
}

// ServeToken returns a usable access token for the user, refreshing
// upstream first if the stored one has gone stale.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "broker.http.token")
	defer span.End()

	token, err := h.manager.Authorize(ctx, r.PathValue("userID"))
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeManagerError(w, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, token)
}

// ServeRefresh forces an upstream refresh for the user.
func (h *Handler) ServeRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "broker.http.refresh")
	defer span.End()

	token, err := h.manager.Refresh(ctx, r.PathValue("userID"))
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeManagerError(w, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, token)
}

// ServeRevoke revokes the user's credential upstream and deletes it.
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "broker.http.revoke")
	defer span.End()

	if err := h.manager.Revoke(ctx, r.PathValue("userID")); err != nil {
		instrumentation.RecordError(span, err)
		h.writeManagerError(w, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, StatusResponse{Status: "revoked"})
}

// ServeHealth reports liveness and store reachability.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Store: "ok"}
	status := http.StatusOK

	if err := h.manager.Ping(r.Context()); err != nil {
		h.logger.Error("Health check: store unreachable", "error", err)
		resp.Status = "degraded"
		resp.Store = "unreachable"
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, resp)
}

// writeManagerError maps a manager error onto the HTTP response.
// Unknown errors are masked as internal failures so store and cipher
// details never leak to clients.
func (h *Handler) writeManagerError(w http.ResponseWriter, err error) {
	var brokerErr *Error
	if !errors.As(err, &brokerErr) {
		h.logger.Error("Unexpected error", "error", err)
		brokerErr = NewError(ErrorCodeStoreError, "internal error", http.StatusInternalServerError)
	}
	h.writeError(w, brokerErr)
}

func (h *Handler) writeError(w http.ResponseWriter, brokerErr *Error) {
	h.writeJSON(w, brokerErr.Status, ErrorResponse{
		Error:        brokerErr.Code,
		ErrorMessage: brokerErr.Message,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}
