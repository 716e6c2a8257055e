package worker

import (
	"encoding/json"
	"net/http"
	"time"
)

// Health is the liveness snapshot served on the worker's side port.
type Health struct {
	Status          string `json:"status"`
	WorkerID        string `json:"worker_id"`
	Processing      bool   `json:"processing"`
	ImagesProcessed int64  `json:"images_processed"`
	ImagesFailed    int64  `json:"images_failed"`
	UptimeSeconds   int64  `json:"uptime_s"`
}

func (w *Worker) Health() Health {
	return Health{
		Status:          "ok",
		WorkerID:        w.id,
		Processing:      w.processing.Load(),
		ImagesProcessed: w.imagesProcessed.Load(),
		ImagesFailed:    w.imagesFailed.Load(),
		UptimeSeconds:   int64(time.Since(w.startedAt).Seconds()),
	}
}

// HealthHandler serves GET /health for orchestrator probes.
func (w *Worker) HealthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(w.Health())
	})
	return mux
}

// NewHealthServer wraps handler in an http.Server bound to addr.
func NewHealthServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
