package main

import (
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

type snapshotRequest struct {
	ResourceID string `json:"resource_id"`
	At         string `json:"at"`
}

type actionRequest struct {
	ExecutionID string            `json:"execution_id"`
	PlanID      string            `json:"plan_id"`
	ResourceID  string            `json:"resource_id"`
	Action      string            `json:"action"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

type actionResponse struct {
	Success      bool              `json:"success"`
	Message      string            `json:"message"`
	RollbackInfo map[string]string `json:"rollback_info"`
}

type rollbackRequest struct {
	ExecutionID  string            `json:"execution_id"`
	ResourceID   string            `json:"resource_id"`
	Action       string            `json:"action"`
	Step         string            `json:"step"`
	RollbackInfo map[string]string `json:"rollback_info"`
}

// runbook remembers applied actions so rollbacks can be checked by hand.
type runbook struct {
	mu      sync.Mutex
	applied map[string]actionRequest
}

func main() {
	book := &runbook{applied: make(map[string]actionRequest)}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/heal/metrics/snapshot", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req snapshotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{
			"metrics": map[string]float64{
				"cpu_usage":     40 + rand.Float64()*20,
				"memory_usage":  55 + rand.Float64()*10,
				"error_rate":    rand.Float64() * 0.02,
				"response_time": 120 + rand.Float64()*40,
			},
		})
	})

	mux.HandleFunc("/actions/", book.handle)

	logger := log.New(log.Writer(), "heal-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8080",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8080")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

// handle serves /actions/<kind>[/rollback] and /actions/custom/<id>[/rollback].
func (b *runbook) handle(w http.ResponseWriter, r *http.Request) {
	if !enforcePost(w, r) {
		return
	}
	if strings.HasSuffix(r.URL.Path, "/rollback") {
		var req rollbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		_, ok := b.applied[req.ExecutionID]
		delete(b.applied, req.ExecutionID)
		b.mu.Unlock()
		if !ok {
			http.Error(w, "unknown execution", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"rolled_back": true})
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.applied[req.ExecutionID] = req
	b.mu.Unlock()
	writeJSON(w, actionResponse{
		Success: true,
		Message: req.Action + " applied to " + req.ResourceID,
		RollbackInfo: map[string]string{
			"resource_id": req.ResourceID,
			"applied_at":  time.Now().UTC().Format(time.RFC3339),
		},
	})
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
