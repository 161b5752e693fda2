package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/registrar/internal/registration"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type ServerConfig struct {
	Revision        registration.SchemaRevision
	EventName       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	AllowedOrigins  []string
	Logger          registration.Logger
}

// Server is the intake surface. It validates submissions, hands them to
// the pipeline and answers before anything is written to the ledger.
type Server struct {
	pipeline    *registration.Pipeline
	cfg         ServerConfig
	logger      registration.Logger
	schemas     *intakeSchemas
	rateLimiter *rateLimiter
	router      chi.Router
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(pipeline *registration.Pipeline) *Server {
	return NewServerWithConfig(pipeline, ServerConfig{})
}

func NewServerWithConfig(pipeline *registration.Pipeline, cfg ServerConfig) *Server {
	cfg.Revision = cfg.Revision.Normalize()
	if strings.TrimSpace(cfg.EventName) == "" {
		cfg.EventName = "Event"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		pipeline:    pipeline,
		cfg:         cfg,
		logger:      loggerOrNop(cfg.Logger),
		schemas:     mustCompileIntakeSchemas(cfg.Revision),
		rateLimiter: limiter,
		now:         time.Now,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recovery)
	r.Use(s.accessLog)
	r.Use(s.cors)

	r.Get("/", s.handleHome)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Group(func(r chi.Router) {
		r.Use(s.limit)
		r.Post("/register/internal", s.handleRegister(registration.KindInternal))
		r.Post("/register/external", s.handleRegister(registration.KindExternal))
	})
	r.Get("/queue/status", s.handleQueueStatus)
	r.Get("/queue/events", s.handleQueueEvents)
	r.Get("/registrations/{id}", s.handleRegistration)
	r.Get("/dashboard", s.handleDashboard)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "method not allowed")
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleRegister(kind registration.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := s.readRequestBody(w, r)
		if !ok {
			return
		}
		sub, fields, err := s.schemas.decode(kind, body)
		if err != nil {
			writeValidationError(w, err.Error(), fields)
			return
		}
		if err := sub.Validate(s.cfg.Revision); err != nil {
			writeValidationError(w, err.Error(), nil)
			return
		}

		sub.QueuedAt = s.now()
		logger := s.logger
		queued, err := s.pipeline.Submit(sub, func(result registration.Result) {
			if result.Success {
				logger.Info("registration processed", "id", result.SubmissionID, "kind", result.Kind, "email_sent", result.EmailSent)
				return
			}
			logger.Warn("registration not saved", "id", result.SubmissionID, "kind", result.Kind, "error_code", result.ErrorCode, "message", result.Message)
		})
		if errors.Is(err, registration.ErrQueueClosed) {
			writeError(w, http.StatusServiceUnavailable, "Service unavailable", "registrations are no longer accepted")
			return
		}
		if err != nil {
			s.logger.Error("enqueue failed", "kind", kind, "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error", err.Error())
			return
		}
		s.logger.Info("registration received", "id", queued.ID, "kind", kind, "name", queued.Name)

		data := map[string]any{
			"id":        queued.ID,
			"name":      queued.Name,
			"reg_no":    queued.RegNo,
			"type":      kind,
			"queued_at": queued.QueuedAt.Format(registration.TimestampLayout),
		}
		if kind == registration.KindExternal {
			data["college_name"] = queued.CollegeName
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success": true,
			"message": kind.Title() + " registration queued successfully",
			"status":  "processing",
			"data":    data,
		})
	}
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status := s.pipeline.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"queue_size":    status.QueueSize,
		"worker_active": status.WorkerActive,
		"timestamp":     s.now().Format(registration.TimestampLayout),
	})
}

func (s *Server) handleRegistration(w http.ResponseWriter, r *http.Request) {
	outcomes := s.pipeline.Outcomes()
	if outcomes == nil {
		writeError(w, http.StatusNotFound, "Not found", "registration outcomes are not tracked")
		return
	}
	outcome, ok := outcomes.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Not found", "registration not found")
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	internalFields := map[string]string{
		"name":          "Student name (required)",
		"reg_no":        "Registration number (required)",
		"division":      "Division (required)",
		"year_of_study": "Year of study (required)",
		"recipt_no":     "recipt_no (required)",
	}
	externalFields := map[string]string{
		"name":          "Student name (required)",
		"reg_no":        "Registration number (required)",
		"dept_name":     "Department name (required)",
		"year_of_study": "Year of study (required)",
		"college_name":  "College name (required)",
		"recipt_no":     "recipt_no (required)",
	}
	if s.cfg.Revision == registration.RevisionV2 {
		for _, fields := range []map[string]string{internalFields, externalFields} {
			fields["email"] = "Email address for the confirmation (required)"
			fields["phone_number"] = "Phone number (required)"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":         s.cfg.EventName + " Registration API - Asynchronous Student Registration System",
		"version":         "1.0.0",
		"schema_revision": int(s.cfg.Revision),
		"features": []string{
			"Asynchronous processing",
			"Separate endpoints for internal and external students",
			"Automatic duplicate detection",
			"Registration outcome lookup",
		},
		"endpoints": map[string]string{
			"/":                  "GET - API information",
			"/health":            "GET - Liveness check",
			"/register/internal": "POST - Register internal student",
			"/register/external": "POST - Register external student",
			"/queue/status":      "GET - Check registration queue status",
			"/queue/events":      "GET - Websocket stream of processed registrations",
			"/registrations/:id": "GET - Outcome of one registration",
			"/dashboard":         "GET - Queue dashboard",
		},
		"internal_registration": map[string]any{
			"method":   http.MethodPost,
			"endpoint": "/register/internal",
			"fields":   internalFields,
		},
		"external_registration": map[string]any{
			"method":   http.MethodPost,
			"endpoint": "/register/external",
			"fields":   externalFields,
		},
		"notes": []string{
			"All registrations are processed asynchronously",
			"A 202 response means the registration was queued, not saved",
			"Duplicate registrations are detected when the queue reaches them",
			"Timestamps are added when the registration is saved",
		},
	})
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "Payload too large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "Bad request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) limit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimiter.allow(clientKey(r), s.now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "Rate limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, label, message string) {
	writeJSON(w, status, map[string]any{
		"error":   label,
		"message": message,
	})
}

func writeValidationError(w http.ResponseWriter, message string, fields []fieldError) {
	if fields == nil {
		fields = []fieldError{}
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":   "Validation error",
		"message": message,
		"fields":  fields,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, entry := range r.entries {
		if now.After(entry.resetAt) {
			delete(r.entries, k)
		}
	}
	entry, ok := r.entries[key]
	if !ok {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func loggerOrNop(logger registration.Logger) registration.Logger {
	if logger == nil {
		return nopLogger{}
	}
	return logger
}
