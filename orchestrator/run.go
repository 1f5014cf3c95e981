// Copyright 2025 FlowGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"flowgate/platform/orchestrator/llm"
	"flowgate/platform/shared/logger"
)

// Service holds the orchestrator's wired components and HTTP surface.
type Service struct {
	db              *sql.DB
	schedulerSecret string
	executor        *Executor
	orchestrator    *Orchestrator
	engine          *WorkflowEngine
	log             *logger.Logger
}

// Run boots the orchestrator service: storage, Redis cache, LLM
// provider, internal endpoints, graceful shutdown.
func Run() {
	appLog := logger.New("orchestrator")
	port := getEnv("PORT", "8081")

	var db *sql.DB
	if dsn := getEnv("DATABASE_URL", ""); dsn != "" {
		var err error
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("[Orchestrator] invalid DATABASE_URL: %v", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	} else {
		log.Printf("[Orchestrator] DATABASE_URL not set; storage-backed requests will fail")
	}

	var cache *redis.Client
	if redisURL := getEnv("REDIS_URL", ""); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Printf("[Orchestrator] invalid REDIS_URL, embedding cache disabled: %v", err)
		} else {
			cache = redis.NewClient(opts)
		}
	}

	provider := getEnv("LLM_PROVIDER", llm.ProviderAnthropic)
	client, err := llm.NewClientFromEnv(context.Background())
	if err != nil {
		log.Printf("[Orchestrator] LLM provider unavailable at boot: %v", err)
		client = nil
	}

	embeddings := NewEmbeddingClient(
		getEnv("EMBEDDING_API_KEY", ""),
		getEnv("EMBEDDING_API_URL", ""),
		getEnv("EMBEDDING_MODEL", ""),
		cache, appLog)
	memory := NewMemoryService(db, embeddings, appLog)
	tools := NewToolCatalog(db, getEnv("TOOL_CATALOG_PATH", ""), appLog)
	commands := NewCommandStore(db)
	poller := NewPoller(commands)
	dispatcher := NewGatewayDispatcher(getEnv("GATEWAY_URL", ""), getEnv("SCHEDULER_SECRET", ""))

	executor := NewExecutor(db, client, provider, tools, memory, commands, dispatcher, appLog)
	orchestrator := NewOrchestrator(db, executor, appLog)
	engine := NewWorkflowEngine(NewSQLWorkflowStore(db), executor, orchestrator, commands, poller, db, appLog)

	svc := &Service{
		db:              db,
		schedulerSecret: getEnv("SCHEDULER_SECRET", ""),
		executor:        executor,
		orchestrator:    orchestrator,
		engine:          engine,
		log:             appLog,
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", svc.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/internal/agent-execute", svc.internalOnly(svc.handleAgentExecute)).Methods(http.MethodPost)
	router.HandleFunc("/internal/orchestrate", svc.internalOnly(svc.handleOrchestrate)).Methods(http.MethodPost)
	router.HandleFunc("/internal/run-workflow", svc.internalOnly(svc.handleRunWorkflow)).Methods(http.MethodPost)

	corsLayer := cors.New(cors.Options{
		AllowedOrigins:       []string{getEnv("ALLOWED_ORIGIN", "*")},
		AllowedMethods:       []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders:       []string{"authorization", "content-type", "x-scheduler-secret", "x-correlation-id"},
		OptionsSuccessStatus: http.StatusNoContent,
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      corsLayer.Handler(router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("[Orchestrator] listening on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Orchestrator] server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("[Orchestrator] shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("[Orchestrator] shutdown error: %v", err)
	}
	if db != nil {
		db.Close()
	}
}

// internalOnly guards an endpoint with the shared scheduler secret.
func (s *Service) internalOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secret := r.Header.Get("X-Scheduler-Secret")
		if s.schedulerSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(s.schedulerSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid scheduler secret")
			return
		}
		next(w, r)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbState := "not_configured"
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			dbState = "unreachable"
		} else {
			dbState = "ok"
		}
	}
	writeResponse(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"service":  "orchestrator",
		"database": dbState,
	})
}

// handleAgentExecute runs one command through the tool-use loop.
func (s *Service) handleAgentExecute(w http.ResponseWriter, r *http.Request) {
	correlationID := requestCorrelationID(r)
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Command == "" || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "command and agent_id are required")
		return
	}

	result, err := s.executor.Execute(r.Context(), req, correlationID)
	if err != nil {
		s.log.Error(req.AgentID, correlationID, "agent execution failed", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "agent execution failed")
		return
	}
	writeResponse(w, http.StatusOK, result)
}

// handleOrchestrate fans one command out to several agents.
func (s *Service) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	correlationID := requestCorrelationID(r)
	var req OrchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Command == "" || len(req.AgentIDs) == 0 {
		writeError(w, http.StatusBadRequest, "command and agent_ids are required")
		return
	}

	result, err := s.orchestrator.Orchestrate(r.Context(), req, correlationID)
	if err != nil {
		s.log.Error("", correlationID, "orchestration failed", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "orchestration failed")
		return
	}
	writeResponse(w, http.StatusOK, result)
}

// runWorkflowRequest is the internal workflow trigger body.
type runWorkflowRequest struct {
	WorkflowID  string                 `json:"workflow_id"`
	TriggerType string                 `json:"trigger_type"`
	TriggerData map[string]interface{} `json:"trigger_data"`
}

// handleRunWorkflow starts a workflow run and reports its terminal
// state. Scheduled triggers can only arrive here because every caller
// already presented the scheduler secret.
func (s *Service) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	correlationID := requestCorrelationID(r)
	var req runWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkflowID == "" {
		writeError(w, http.StatusBadRequest, "workflow_id is required")
		return
	}

	run, err := s.engine.Run(r.Context(), req.WorkflowID, req.TriggerType, req.TriggerData, correlationID)
	if err != nil {
		var verr *ValidationError
		switch {
		case errors.Is(err, ErrWorkflowNotFound):
			writeError(w, http.StatusNotFound, "workflow not found")
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Error())
		default:
			s.log.Error("", correlationID, "workflow run failed", map[string]interface{}{"error": err.Error()})
			writeError(w, http.StatusInternalServerError, "workflow run failed")
		}
		return
	}

	writeResponse(w, http.StatusOK, map[string]interface{}{
		"run_id":       run.ID,
		"workflow_id":  run.WorkflowID,
		"status":       run.Status,
		"step_results": run.StepResults,
		"error":        run.Error,
	})
}

func requestCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return uuid.New().String()
}

func writeResponse(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeResponse(w, status, map[string]interface{}{"error": message})
}
