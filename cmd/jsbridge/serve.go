package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/jsbridge/config"
	"github.com/caffeineduck/jsbridge/engine"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP server managing bridge instances",
		Long: `Start an HTTP server that creates instances and drives them over REST.

Endpoints:
  POST   /instances              Create instance, returns {"id":"..."}
  POST   /instances/{id}/load    Evaluate a script {"code","url"}
  POST   /instances/{id}/call    Call a callable module {"module","method","args"}
  GET    /instances/{id}         Instance status
  DELETE /instances/{id}         Destroy instance
  GET    /health                 Health check`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	cmd.Flags().Duration("timeout", 30*time.Second, "Default per-request timeout")
	cmd.Flags().Duration("ttl", 15*time.Minute, "Destroy instances idle for this long")
	return cmd
}

type instanceManager struct {
	cfg     config.Config
	log     *zap.Logger
	timeout time.Duration
	ttl     time.Duration

	mu        sync.RWMutex
	instances map[string]*serverInstance
}

type serverInstance struct {
	h        *host
	engine   string
	created  time.Time
	lastUsed time.Time
}

func newInstanceManager(cfg config.Config, log *zap.Logger, timeout, ttl time.Duration) *instanceManager {
	return &instanceManager{
		cfg:       cfg,
		log:       log,
		timeout:   timeout,
		ttl:       ttl,
		instances: make(map[string]*serverInstance),
	}
}

func (m *instanceManager) create(ctx context.Context, engineName string) (string, error) {
	cfg := m.cfg
	if engineName != "" {
		cfg.Engine = engineName
	}
	id := uuid.NewString()
	h, err := startHost(ctx, cfg, m.log.With(zap.String("instance", id)))
	if err != nil {
		return "", err
	}

	now := time.Now()
	m.mu.Lock()
	m.instances[id] = &serverInstance{h: h, engine: cfg.Engine, created: now, lastUsed: now}
	m.mu.Unlock()
	return id, nil
}

func (m *instanceManager) get(id string) (*serverInstance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	si, ok := m.instances[id]
	if ok {
		si.lastUsed = time.Now()
	}
	return si, ok
}

func (m *instanceManager) destroy(id string) bool {
	m.mu.Lock()
	si, ok := m.instances[id]
	delete(m.instances, id)
	m.mu.Unlock()
	if ok {
		si.h.close()
	}
	return ok
}

// reap destroys instances idle longer than the ttl.
func (m *instanceManager) reap(now time.Time) int {
	var stale []*serverInstance
	m.mu.Lock()
	for id, si := range m.instances {
		if now.Sub(si.lastUsed) > m.ttl {
			stale = append(stale, si)
			delete(m.instances, id)
		}
	}
	m.mu.Unlock()
	for _, si := range stale {
		si.h.close()
	}
	return len(stale)
}

func (m *instanceManager) cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.reap(now); n > 0 {
				m.log.Info("reaped idle instances", zap.Int("count", n))
			}
		}
	}
}

func (m *instanceManager) closeAll() {
	m.mu.Lock()
	all := m.instances
	m.instances = make(map[string]*serverInstance)
	m.mu.Unlock()
	for _, si := range all {
		si.h.close()
	}
}

type createRequest struct {
	Engine string `json:"engine,omitempty"`
}

type createResponse struct {
	ID string `json:"id"`
}

type loadRequest struct {
	Code    string `json:"code"`
	URL     string `json:"url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type callRequest struct {
	Module  string `json:"module"`
	Method  string `json:"method"`
	Args    []any  `json:"args,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type resultResponse struct {
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type statusResponse struct {
	ID          string `json:"id"`
	Engine      string `json:"engine"`
	State       string `json:"state"`
	SourceURL   string `json:"source_url,omitempty"`
	Pending     int64  `json:"pending"`
	BatchActive bool   `json:"batch_active"`
	PeakMemory  string `json:"peak_memory"`
	Batches     int    `json:"batches"`
	Created     string `json:"created"`
	Error       string `json:"error,omitempty"`
}

func (m *instanceManager) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /instances", func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Engine != "" {
			if _, err := engine.Lookup(req.Engine); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		ctx, cancel := context.WithTimeout(r.Context(), m.timeout)
		defer cancel()
		id, err := m.create(ctx, req.Engine)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to create instance: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, createResponse{ID: id})
	})

	mux.HandleFunc("GET /instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		si, ok := m.get(id)
		if !ok {
			http.Error(w, "instance not found", http.StatusNotFound)
			return
		}
		inst := si.h.inst
		resp := statusResponse{
			ID:          id,
			Engine:      si.engine,
			State:       inst.State().String(),
			SourceURL:   inst.SourceURL(),
			Pending:     inst.PendingCalls(),
			BatchActive: inst.IsBatchActive(),
			PeakMemory:  humanize.IBytes(uint64(inst.PeakMemoryUsage())),
			Batches:     si.h.Batches(),
			Created:     humanize.Time(si.created),
		}
		if err := si.h.Err(); err != nil {
			resp.Error = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("DELETE /instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !m.destroy(r.PathValue("id")) {
			http.Error(w, "instance not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /instances/{id}/load", func(w http.ResponseWriter, r *http.Request) {
		si, ok := m.get(r.PathValue("id"))
		if !ok {
			http.Error(w, "instance not found", http.StatusNotFound)
			return
		}
		var req loadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Code == "" {
			http.Error(w, "code required", http.StatusBadRequest)
			return
		}
		if req.URL == "" {
			req.URL = "request.js"
		}

		ctx, cancel := m.requestContext(r, req.Timeout)
		defer cancel()
		m.respond(w, si, func() error {
			if err := si.h.eval(ctx, req.Code, req.URL); err != nil {
				return err
			}
			return si.h.settle(ctx)
		})
	})

	mux.HandleFunc("POST /instances/{id}/call", func(w http.ResponseWriter, r *http.Request) {
		si, ok := m.get(r.PathValue("id"))
		if !ok {
			http.Error(w, "instance not found", http.StatusNotFound)
			return
		}
		var req callRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Module == "" || req.Method == "" {
			http.Error(w, "module and method required", http.StatusBadRequest)
			return
		}

		ctx, cancel := m.requestContext(r, req.Timeout)
		defer cancel()
		m.respond(w, si, func() error {
			if err := si.h.inst.CallJSFunction(req.Module, req.Method, req.Args); err != nil {
				return err
			}
			return si.h.settle(ctx)
		})
	})

	return mux
}

func (m *instanceManager) requestContext(r *http.Request, timeout string) (context.Context, context.CancelFunc) {
	d := m.timeout
	if timeout != "" {
		if parsed, err := time.ParseDuration(timeout); err == nil {
			d = parsed
		}
	}
	return context.WithTimeout(r.Context(), d)
}

// respond runs fn and reports its outcome. A destroyed instance is a
// conflict; script failures are reported in the body.
func (m *instanceManager) respond(w http.ResponseWriter, si *serverInstance, fn func() error) {
	if err := si.h.alive(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	start := time.Now()
	err := fn()
	resp := resultResponse{DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger(cmd)
	defer log.Sync()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	m := newInstanceManager(cfg, log, timeout, ttl)
	defer m.closeAll()
	go m.cleanup(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           m.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("jsbridge server listening", zap.String("addr", srv.Addr), zap.String("engine", cfg.Engine))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
