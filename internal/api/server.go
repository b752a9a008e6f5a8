// Package api is the operator HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"newsguard/internal/config"
	"newsguard/internal/dispatch"
	"newsguard/internal/entity"
	"newsguard/internal/model"
	"newsguard/internal/pipeline"
	"newsguard/internal/storage"
)

type Deps struct {
	Config     *config.Manager
	Registry   *entity.Registry
	Pipeline   *pipeline.Pipeline
	Store      storage.Store
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
	Version    string
}

type Server struct {
	cfg        *config.Manager
	registry   *entity.Registry
	pipeline   *pipeline.Pipeline
	store      storage.Store
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	version    string
	started    time.Time
}

type statusResponse struct {
	Status           string         `json:"status"`
	Time             string         `json:"time"`
	Uptime           string         `json:"uptime"`
	Version          string         `json:"version"`
	ConfigPath       string         `json:"config_path"`
	Ingest           ingestStatus   `json:"ingest"`
	Storage          string         `json:"storage"`
	WebhookReady     bool           `json:"webhook_configured"`
	Entities         int            `json:"entities"`
	AdmissionTerms   int            `json:"admission_terms"`
	BlockedTerms     int            `json:"blocked_terms"`
	SilenceWindow    string         `json:"silence_window"`
	CorroborationTTL string         `json:"corroboration_ttl"`
	PendingSummary   map[string]int `json:"pending_summary"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

func New(d Deps) *Server {
	return &Server{
		cfg:        d.Config,
		registry:   d.Registry,
		pipeline:   d.Pipeline,
		store:      d.Store,
		dispatcher: d.Dispatcher,
		logger:     d.Logger,
		version:    d.Version,
		started:    time.Now().UTC(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/", s.handleMetrics)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/entities", s.handleEntities)
	mux.HandleFunc("/entities/", s.handleEntity)
	mux.HandleFunc("/keywords", s.handleKeywords)
	mux.HandleFunc("/deliveries", s.handleDeliveries)
	mux.HandleFunc("/deliveries/stats", s.handleDeliveryStats)
	mux.HandleFunc("/corroboration", s.handleCorroboration)
	mux.HandleFunc("/research", s.handleResearch)
	mux.HandleFunc("/dispatch/test", s.handleTestDispatch)
	mux.HandleFunc("/sweep", s.handleSweep)
	mux.HandleFunc("/admin/clear", s.handleClear)
	return mux
}

func Start(ctx context.Context, d Deps) *http.Server {
	if d.Config == nil {
		return nil
	}
	current := d.Config.Get().API
	if !current.Enabled {
		if d.Logger != nil {
			d.Logger.Info("api disabled")
		}
		return nil
	}
	if d.Logger != nil {
		d.Logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{Addr: current.Addr, Handler: New(d).Handler()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if d.Logger != nil {
				d.Logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	snap := s.registry.Snapshot()
	now := time.Now().UTC()
	resp := statusResponse{
		Status:     "ok",
		Time:       now.Format(time.RFC3339Nano),
		Uptime:     now.Sub(s.started).Truncate(time.Second).String(),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		Storage:          cfg.Storage.Driver,
		WebhookReady:     s.dispatcher.Configured(),
		Entities:         snap.Len(),
		AdmissionTerms:   len(snap.GateTerms()),
		BlockedTerms:     len(snap.BlockTerms()),
		SilenceWindow:    s.pipeline.Throttle().Window().String(),
		CorroborationTTL: cfg.Corroboration.TTL.String(),
		PendingSummary:   s.pipeline.Throttle().Aggregator().Pending(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	m := s.pipeline.Metrics()
	source := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/metrics"), "/")
	if source != "" {
		counters, ok := m.Get(source)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, counters)
		return
	}
	all := m.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": all,
		"totals":  m.Totals(),
		"count":   len(all),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	store := s.pipeline.Alerts()
	var list []model.AlertEvent
	if failed, ok := r.URL.Query()["failed"]; ok {
		// empty value lists failures of every severity
		list = store.Failures(model.Severity(failed[0]))
	} else if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		list = store.Since(ts)
	} else {
		list = store.List(queryInt(r, "limit", 0))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	list, err := s.store.ListDeliveries(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deliveries": list,
		"count":      len(list),
	})
}

// handleDeliveryStats defaults to the current UTC day.
func (s *Server) handleDeliveryStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	since := time.Now().UTC().Truncate(24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		since = ts
	}
	stats, err := s.store.DeliveryStats(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"since":              since.Format(time.RFC3339),
		"stats":              stats,
		"webhook_configured": s.dispatcher.Configured(),
	})
}

func (s *Server) handleCorroboration(w http.ResponseWriter, r *http.Request) {
	cache := s.pipeline.Corroboration()
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, cache.Status())
	case http.MethodDelete:
		cache.Clear()
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type researchRequest struct {
	Title       string `json:"title"`
	Analyst     string `json:"analyst"`
	Publisher   string `json:"publisher"`
	URL         string `json:"url"`
	PublishTime string `json:"publish_time"`
}

func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req researchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, errors.New("title required"))
		return
	}
	doc := model.ResearchDoc{Title: req.Title, Analyst: req.Analyst, Publisher: req.Publisher, URL: req.URL}
	if req.PublishTime != "" {
		ts, err := time.Parse(time.RFC3339, req.PublishTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		doc.PublishTime = ts.UTC()
	}
	created, err := s.pipeline.Admitter().AdmitResearch(r.Context(), doc)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	reason := "new"
	if !created {
		reason = "duplicate"
	}
	writeJSON(w, http.StatusOK, map[string]any{"reason": reason})
}

func (s *Server) handleTestDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Severity model.Severity `json:"severity"`
		DryRun   bool           `json:"dry_run"`
	}
	_ = decodeBody(w, r, &req)
	if req.Severity == "" {
		req.Severity = model.SeverityDanger
	}
	if !req.Severity.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("severity must be danger, success or primary"))
		return
	}
	if req.DryRun {
		payload, err := s.dispatcher.Payload(dispatch.TestAlert(req.Severity))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"delivered": false, "payload": payload})
		return
	}
	res := s.dispatcher.SendTest(r.Context(), req.Severity)
	status := http.StatusOK
	if !res.Delivered {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{
		"delivered":   res.Delivered,
		"external_id": res.ExternalID,
		"payload":     res.Payload,
		"error":       res.ErrorText(),
	})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	results, err := s.pipeline.Sweep(r.Context())
	resp := map[string]any{"results": results, "count": len(results)}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Target string `json:"target"`
	}
	_ = decodeBody(w, r, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.pipeline.Metrics().Clear()
		s.pipeline.Alerts().Clear()
		s.pipeline.Corroboration().Clear()
	case "alerts":
		s.pipeline.Alerts().Clear()
	case "metrics":
		s.pipeline.Metrics().Clear()
	case "corroboration":
		s.pipeline.Corroboration().Clear()
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	return json.Unmarshal(body, dst)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
