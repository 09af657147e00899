package router

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/windermere-labs/clinician-deprescriber/internal/middleware"
	"github.com/windermere-labs/clinician-deprescriber/internal/model"
	"github.com/windermere-labs/clinician-deprescriber/internal/service"
)

// DBPinger abstracts the database health check. Satisfied by *pgxpool.Pool.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// Dependencies holds everything the router needs to wire its one real
// endpoint plus health/metrics. This is glue, not the deliverable — the
// pipeline logic it calls into lives entirely in internal/service.
type Dependencies struct {
	DB                 DBPinger
	Version            string
	FrontendURL        string
	Metrics            *middleware.Metrics
	MetricsReg         *prometheus.Registry
	Pipeline           *service.PipelineService
	InternalAuthSecret string
	RateLimiter        *middleware.RateLimiter
}

// New creates and configures the Chi router.
func New(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(deps.FrontendURL))
	if deps.Metrics != nil {
		r.Use(middleware.Monitoring(deps.Metrics))
	}

	r.Get("/api/health", health(deps.DB, deps.Version))
	if deps.MetricsReg != nil {
		r.Handle("/metrics", middleware.MetricsHandler(deps.MetricsReg))
	}

	store := newConversationStore()

	r.Group(func(r chi.Router) {
		r.Use(internalAuthOnly(deps.InternalAuthSecret))
		if deps.RateLimiter != nil {
			r.Use(middleware.RateLimit(deps.RateLimiter))
		}
		r.With(middleware.Timeout(60 * time.Second)).Post("/api/turn", turnHandler(deps.Pipeline, store))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"success": false,
			"error":   "route not found",
		})
	})

	return r
}

// internalAuthOnly requires the X-Internal-Auth header to match secret.
// An empty secret disables the check — used for local development only;
// config.Load fails outside the development environment unless it is set.
func internalAuthOnly(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && r.Header.Get("X-Internal-Auth") != secret {
				writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
					"success": false,
					"error":   "unauthorized",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func health(db DBPinger, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		if db != nil {
			if err := db.Ping(r.Context()); err != nil {
				status = "db_down"
				code = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, map[string]interface{}{
			"status":  status,
			"version": version,
		})
	}
}

// turnRequest is the request body for POST /api/turn.
type turnRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

// turnResponse is the response body for POST /api/turn.
type turnResponse struct {
	ConversationID string `json:"conversationId"`
	State          string `json:"state"`
	Answer         string `json:"answer"`
}

// turnHandler wires one HTTP call onto PipelineService.HandleTurn,
// keeping conversations in an in-process store keyed by conversationId.
// A client that omits conversationId starts a fresh one.
func turnHandler(pipeline *service.PipelineService, store *conversationStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req turnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"success": false,
				"error":   "invalid request body",
			})
			return
		}
		if req.Message == "" {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"success": false,
				"error":   "message is required",
			})
			return
		}

		conv := store.getOrCreate(req.ConversationID)

		answer, err := pipeline.HandleTurn(r.Context(), req.Message, conv)
		if err != nil {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"success": false,
				"error":   err.Error(),
			})
			return
		}

		writeJSON(w, http.StatusOK, turnResponse{
			ConversationID: conv.ID,
			State:          string(conv.State),
			Answer:         answer,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// conversationStore is an in-process, mutex-guarded map of in-flight
// conversations. Production deployments of this core would back it with
// a real store; cmd/server exists only to exercise the pipeline manually.
type conversationStore struct {
	mu    sync.Mutex
	convs map[string]*model.Conversation
	next  int
}

func newConversationStore() *conversationStore {
	return &conversationStore{convs: make(map[string]*model.Conversation)}
}

func (s *conversationStore) getOrCreate(id string) *model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if conv, ok := s.convs[id]; ok {
			return conv
		}
	}
	if id == "" {
		s.next++
		id = generateConversationID(s.next)
	}
	conv := &model.Conversation{ID: id, State: model.StateCollecting}
	s.convs[id] = conv
	return conv
}

func generateConversationID(n int) string {
	return "conv_" + strconv.Itoa(n)
}
