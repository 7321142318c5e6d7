package main

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/forumkit/automation/bus"
	"github.com/forumkit/automation/cron"
	"github.com/forumkit/automation/engine"
	"github.com/forumkit/automation/events"
)

// Server is the administrative HTTP surface: rule CRUD with cron-schedule
// propagation, execution-log inspection, an event emit endpoint for
// producers that live outside this process, and health.
type Server struct {
	rules  engine.RuleStore
	logs   engine.ExecutionLogStore
	engine *engine.Engine
	cron   *cron.Manager
	bus    bus.EventBus
	db     *sql.DB
	log    *slog.Logger
	router *chi.Mux
}

func newServer(rules engine.RuleStore, logs engine.ExecutionLogStore, eng *engine.Engine,
	cronMgr *cron.Manager, eventBus bus.EventBus, db *sql.DB, log *slog.Logger,
) *Server {
	s := &Server{
		rules:  rules,
		logs:   logs,
		engine: eng,
		cron:   cronMgr,
		bus:    eventBus,
		db:     db,
		log:    log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)

	r.Post("/api/v1/events", s.handleEmitEvent)

	r.Route("/api/v1/rules", func(r chi.Router) {
		r.Post("/", s.handleCreateRule)
		r.Route("/{ruleId}", func(r chi.Router) {
			r.Get("/", s.handleGetRule)
			r.Put("/", s.handleUpdateRule)
			r.Delete("/", s.handleDeleteRule)
			r.Get("/executions", s.handleListExecutions)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"scheduledTasks": s.cron.TaskCount(),
	})
}

// handleEmitEvent lets business features outside this process publish to
// the bus. The response only confirms enqueueing; rule outcomes are
// discoverable through the execution logs.
func (s *Server) handleEmitEvent(w http.ResponseWriter, r *http.Request) {
	var req EmitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if _, ok := events.TriggerFor(req.Type); !ok {
		respondError(w, http.StatusBadRequest, "unknown event type", nil)
		return
	}
	if err := s.bus.Emit(r.Context(), req.Type, req.Payload); err != nil {
		respondError(w, http.StatusBadGateway, "failed to enqueue event", err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "enqueued"})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req SaveRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	rule, err := req.toRule()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}
	if rule.ID == 0 {
		rule.ID = time.Now().UnixNano()
	}

	if err := s.rules.Create(r.Context(), rule); err != nil {
		respondError(w, http.StatusConflict, "failed to create rule", err)
		return
	}

	// Keep the live schedule in sync with the stored configuration.
	if rule.TriggerType == engine.TriggerCron && rule.Enabled {
		if err := s.cron.AddTask(rule); err != nil {
			s.log.Warn("created cron rule left unscheduled", "ruleId", rule.ID, "error", err)
		}
	}

	respondJSON(w, http.StatusCreated, toRuleResponse(rule))
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, err := ruleIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule id", err)
		return
	}
	rule, err := s.rules.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}
	respondJSON(w, http.StatusOK, toRuleResponse(rule))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := ruleIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule id", err)
		return
	}
	var req SaveRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	rule, err := req.toRule()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}
	rule.ID = id

	if err := s.rules.Update(r.Context(), rule); err != nil {
		respondError(w, http.StatusNotFound, "failed to update rule", err)
		return
	}
	s.engine.InvalidateExpression(id)

	if rule.TriggerType == engine.TriggerCron {
		if err := s.cron.UpdateTask(rule); err != nil {
			s.log.Warn("updated cron rule left unscheduled", "ruleId", id, "error", err)
		}
	} else {
		// Trigger type may have changed away from CRON.
		s.cron.RemoveTask(id)
	}

	respondJSON(w, http.StatusOK, toRuleResponse(rule))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := ruleIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule id", err)
		return
	}
	if err := s.rules.SoftDelete(r.Context(), id); err != nil {
		respondError(w, http.StatusNotFound, "failed to delete rule", err)
		return
	}
	s.cron.RemoveTask(id)
	s.engine.InvalidateExpression(id)

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id, err := ruleIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule id", err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	logs, err := s.logs.ListByRule(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list executions", err)
		return
	}
	respondJSON(w, http.StatusOK, toExecutionListResponse(logs))
}

func ruleIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "ruleId"), 10, 64)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	body := map[string]string{"error": message}
	if err != nil {
		body["detail"] = err.Error()
	}
	respondJSON(w, status, body)
}
