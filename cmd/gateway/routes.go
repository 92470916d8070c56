package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/casafone/voicegate/internal/admission"
	"github.com/casafone/voicegate/internal/history"
	"github.com/casafone/voicegate/internal/pipeline"
)

const (
	// defaultSessionLimit is how many sessions are returned when the caller
	// omits the ?limit= query parameter.
	defaultSessionLimit = 20

	// defaultAlertLimit caps the alert listing.
	defaultAlertLimit = 50
)

type deps struct {
	transcriber *pipeline.TranscriberRouter
	interpreter *pipeline.InterpreterRouter
	synthesizer *pipeline.SynthesizerRouter
	admitter    *admission.Controller
	store       *history.Store
	wsHandler   http.Handler
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/voice", d.wsHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("GET /api/engines", d.handleEngines)
	mux.HandleFunc("GET /api/tenants", d.handleTenants)
	mux.HandleFunc("GET /api/quotas/{tenant}", d.handleQuotaGet)
	mux.HandleFunc("PUT /api/quotas/{tenant}", d.handleQuotaPut)
	mux.HandleFunc("GET /api/sessions", d.handleSessions)
	mux.HandleFunc("GET /api/alerts", d.handleAlerts)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (d deps) handleEngines(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"asr":    map[string]interface{}{"engines": d.transcriber.Engines()},
		"intent": map[string]interface{}{"engines": d.interpreter.Engines()},
		"tts":    map[string]interface{}{"engines": d.synthesizer.Engines()},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (d deps) handleTenants(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"concurrent": d.admitter.Snapshot()})
}

func (d deps) handleQuotaGet(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	resp := map[string]interface{}{
		"tenant_id":  tenant,
		"limits":     d.admitter.GetLimits(tenant),
		"concurrent": d.admitter.Concurrent(tenant),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (d deps) handleQuotaPut(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	var limits admission.Limits
	if err := json.NewDecoder(r.Body).Decode(&limits); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	d.admitter.SetLimits(tenant, limits)
	slog.Info("quota updated", "tenant_id", tenant,
		"max_concurrent", limits.MaxConcurrent, "max_per_window", limits.MaxPerWindow)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (d deps) handleSessions(w http.ResponseWriter, r *http.Request) {
	if d.store == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	limit := queryInt(r, "limit", defaultSessionLimit)
	offset := queryInt(r, "offset", 0)
	sessions, total, err := d.store.ListSessions(limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"sessions": sessions, "total": total})
}

func (d deps) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if d.store == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	limit := queryInt(r, "limit", defaultAlertLimit)
	alerts, err := d.store.ListAlerts(r.URL.Query().Get("tenant_id"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"alerts": alerts})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
