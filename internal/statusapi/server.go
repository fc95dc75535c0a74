package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"k8s-bluegreen/internal/config"
	"k8s-bluegreen/internal/k8s"
	"k8s-bluegreen/internal/store"
)

// Server exposes live deployment state for the demo frontend: health,
// build info, view stats, pod inventory and the active service color.
// Cluster or redis being unreachable degrades to demo-mode responses
// instead of errors, matching the original backend's behavior.
type Server struct {
	cfg       config.StatusConfig
	redisCfg  config.RedisConfig
	namespace string
	k8s       *k8s.Client       // may be nil (demo mode)
	redis     *store.RedisStore // may be nil
	mongo     *store.MongoStore // may be nil
	hostname  string
}

func NewServer(cfg config.StatusConfig, redisCfg config.RedisConfig, namespace string, k8sClient *k8s.Client, redis *store.RedisStore, mongo *store.MongoStore) *Server {
	hostname, _ := os.Hostname()
	return &Server{
		cfg:       cfg,
		redisCfg:  redisCfg,
		namespace: namespace,
		k8s:       k8sClient,
		redis:     redis,
		mongo:     mongo,
		hostname:  hostname,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/info", s.handleInfo)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/pods", s.handlePods)
	mux.HandleFunc("/api/service", s.handleService)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/run", s.handleRun)
	return mux
}

// ListenAndServe blocks until ctx is cancelled, then drains.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("status server listening on %s", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Warnf("failed to encode response: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	redisState := "disconnected"
	if s.redis != nil {
		redisState = "connected"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "status-api",
		"redis":   redisState,
	})
}

type redisInfo struct {
	Connected          bool   `json:"connected"`
	Version            string `json:"version,omitempty"`
	UptimeDays         int64  `json:"uptime_days,omitempty"`
	PasswordConfigured bool   `json:"passwordConfigured"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := redisInfo{
		Connected:          s.redis != nil,
		PasswordConfigured: s.redisCfg.Password != "",
	}
	if s.redis != nil {
		info.Version, info.UptimeDays = s.redis.ServerInfo(r.Context())
		if err := s.redis.IncrViews(r.Context(), s.hostname); err != nil {
			logrus.Warnf("failed to increment view counters: %v", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"environment":     s.cfg.Environment,
		"buildNumber":     s.cfg.BuildNumber,
		"deploymentColor": s.cfg.Color,
		"hostname":        s.hostname,
		"namespace":       s.namespace,
		"redis":           info,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.redis == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"error":         "redis not connected",
			"total_views":   0,
			"backend_views": map[string]int64{},
		})
		return
	}
	total, perHost, err := s.redis.Views(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":         err.Error(),
			"total_views":   0,
			"backend_views": map[string]int64{},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_views":   total,
		"backend_views": perHost,
		"last_updated":  time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handlePods(w http.ResponseWriter, r *http.Request) {
	if s.k8s != nil {
		pods, err := s.k8s.ListAppPods(r.Context(), s.namespace, s.cfg.AppLabel)
		if err == nil {
			blue, green := k8s.CountVersions(pods)
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"pods": pods,
				"summary": map[string]int{
					"total": len(pods),
					"blue":  blue,
					"green": green,
				},
			})
			return
		}
		logrus.Warnf("failed to list pods: %v", err)
	}

	// Demo mode: fabricate one pod of our own color.
	blue, green := 0, 0
	if s.cfg.Color == "green" {
		green = 1
	} else {
		blue = 1
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pods": []k8s.PodInfo{{
			Name:    "nginx-" + s.cfg.Color + "-demo-1",
			Version: s.cfg.Color,
			Status:  "Running",
			Ready:   true,
			IP:      "10.244.0.1",
			Node:    "node-1",
		}},
		"summary": map[string]int{"total": 1, "blue": blue, "green": green},
		"note":    "Demo mode - not connected to real cluster",
	})
}

// handleRuns serves recent pipeline run history from the durable
// store.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.mongo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "run history store not connected",
		})
		return
	}
	runs, err := s.mongo.RecentRuns(r.Context(), 20)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// handleRun serves the live stage of one run, published by the
// pipeline as it progresses.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("id")
	if runID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id parameter required"})
		return
	}
	if s.redis == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "redis not connected"})
		return
	}
	status, err := s.redis.RunStatus(r.Context(), runID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"run_id": runID,
			"error":  "run not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": status})
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	if s.k8s != nil {
		routing, err := s.k8s.GetServiceRouting(r.Context(), s.namespace, s.cfg.ServiceName)
		if err == nil {
			writeJSON(w, http.StatusOK, routing)
			return
		}
		logrus.Warnf("failed to get service routing: %v", err)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"activeVersion": s.cfg.Color,
		"selector":      map[string]string{"app": s.cfg.AppLabel, "version": s.cfg.Color},
		"note":          "Demo mode - not connected to real cluster",
	})
}
