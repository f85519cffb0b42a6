package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/metrics"
)

type ErrorResponse struct {
	Detail string `json:"detail"`
}

type Routes interface {
	Register(r *mux.Router)
}

// NewRouter mounts the given routes next to /health and /metrics.
func NewRouter(logger logrus.FieldLogger, health *HealthHandler, m *metrics.Registry, routes ...Routes) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger(logger))
	r.HandleFunc("/health", health.HealthCheck).Methods(http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	for _, route := range routes {
		route.Register(r)
	}
	return r
}

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

type HealthHandler struct {
	service string
	checks  map[string]Check
}

func NewHealthHandler(service string, checks map[string]Check) *HealthHandler {
	return &HealthHandler{service: service, checks: checks}
}

func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := map[string]string{
		"service":   h.service,
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp[name] = "unhealthy: " + err.Error()
			resp["status"] = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		resp[name] = "healthy"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Detail: message})
}

// writeDomainError maps an error from the core to its HTTP status.
func writeDomainError(w http.ResponseWriter, logger logrus.FieldLogger, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, message = http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrInsufficientStock):
		status, message = http.StatusConflict, insufficientStockMessage(err)
	case errors.Is(err, domain.ErrInvalidStatus), errors.Is(err, domain.ErrInvalidQuantity), errors.Is(err, domain.ErrInvalidProduct):
		status, message = http.StatusBadRequest, rootMessage(err)
	case errors.Is(err, domain.ErrUnavailable):
		status, message = http.StatusServiceUnavailable, "inventory service unavailable"
	case errors.Is(err, domain.ErrServiceError):
		status, message = http.StatusBadGateway, "inventory service error"
	}

	if status >= http.StatusInternalServerError {
		logger.WithError(err).Error("request failed")
	}
	writeError(w, status, message)
}

func insufficientStockMessage(err error) string {
	var stockErr *domain.InsufficientStockError
	if errors.As(err, &stockErr) {
		return stockErr.Error()
	}
	return domain.ErrInsufficientStock.Error()
}

// rootMessage returns the innermost typed error's text, dropping wrap context.
func rootMessage(err error) string {
	var transition *domain.TransitionError
	if errors.As(err, &transition) {
		return transition.Error()
	}
	var invalid *domain.InvalidStatusError
	if errors.As(err, &invalid) {
		return invalid.Error()
	}
	if errors.Is(err, domain.ErrInvalidProduct) {
		return err.Error()
	}
	return errors.Cause(err).Error()
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestLogger(logger logrus.FieldLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start).String(),
			}).Debug("http request")
		})
	}
}
