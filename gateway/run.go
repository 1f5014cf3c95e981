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

package gateway

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"flowgate/platform/shared/crypto"
	"flowgate/platform/shared/logger"
)

// getEnv reads an environment variable with a default.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Run starts the gateway service and blocks until shutdown.
func Run() {
	port := getEnv("PORT", "8080")
	slog := logger.New("gateway")

	cfg := Config{
		SchedulerSecret:    os.Getenv("SCHEDULER_SECRET"),
		ProvisioningSecret: os.Getenv("PROVISIONING_SECRET"),
		AdminJWTSecret:     os.Getenv("ADMIN_JWT_SECRET"),
		OrchestratorURL:    getEnv("ORCHESTRATOR_URL", "http://localhost:8081"),
		InternalBaseURL:    os.Getenv("INTERNAL_BASE_URL"),
		AllowedOrigin:      getEnv("ALLOWED_ORIGIN", "*"),
		AuditFallbackPath:  getEnv("AUDIT_FALLBACK_PATH", "/tmp/flowgate-audit-fallback.jsonl"),
	}

	// sql.Open does not dial; a missing DATABASE_URL fails the first
	// request that needs storage, never the boot.
	var db *sql.DB
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		var err error
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			log.Printf("[Gateway] Database configuration invalid: %v", err)
		} else {
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)
		}
	} else {
		log.Printf("[Gateway] DATABASE_URL not set; storage-backed requests will fail")
	}

	codec := crypto.NewCodec(crypto.NewKeySourceFromEnv(context.Background()))
	gw := NewGateway(db, codec, cfg, slog)

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		status := map[string]interface{}{"status": "healthy", "service": "gateway"}
		if db != nil {
			if err := db.Ping(); err != nil {
				status["database"] = "unreachable"
			} else {
				status["database"] = "ok"
			}
		} else {
			status["database"] = "unconfigured"
		}
		writeJSON(w, http.StatusOK, status)
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/api/gateway", gw.HandleGateway).Methods(http.MethodPost)
	router.HandleFunc("/api/webhooks/{integration}", gw.HandleWebhook).Methods(http.MethodPost)
	router.HandleFunc("/api/oauth/callback", gw.HandleOAuthCallback).Methods(http.MethodGet)
	router.HandleFunc("/api/admin/provision", gw.HandleProvision).Methods(http.MethodPost)
	router.HandleFunc("/api/admin/confirmations", gw.HandleConfirmationList).Methods(http.MethodGet)
	router.HandleFunc("/api/admin/confirmations/{id}", gw.HandleConfirmationDecision).Methods(http.MethodPost)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{cfg.AllowedOrigin},
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"authorization", "content-type", "x-agent-key",
			"x-scheduler-secret", "x-signature", "x-correlation-id",
		},
		OptionsSuccessStatus: http.StatusNoContent,
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      corsHandler.Handler(router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("[Gateway] Listening on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Gateway] Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("[Gateway] Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("[Gateway] Server shutdown: %v", err)
	}
	if err := gw.Audit().Shutdown(ctx); err != nil {
		log.Printf("[Gateway] Audit queue shutdown: %v", err)
	}
	if db != nil {
		_ = db.Close()
	}
}

// muxVar extracts a path variable from the request route.
func muxVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}
