package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"newsguard/internal/config"
	"newsguard/internal/model"
	"newsguard/internal/normalize"
	"newsguard/internal/pipeline"
)

// Submitter runs one item through the pipeline and reports its outcome.
type Submitter interface {
	Ingest(ctx context.Context, it model.Item) (pipeline.Outcome, error)
}

// RESTServer accepts items over HTTP and processes them synchronously so
// producers see duplicate and retryable outcomes per item.
type RESTServer struct {
	cfg    *config.Manager
	sink   Submitter
	logger *slog.Logger
}

func NewRESTServer(cfg *config.Manager, sink Submitter, logger *slog.Logger) *RESTServer {
	return &RESTServer{cfg: cfg, sink: sink, logger: logger}
}

func (s *RESTServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/items", s.handleItems)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func StartREST(ctx context.Context, cfg *config.Manager, sink Submitter, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{Addr: current.Addr, Handler: NewRESTServer(cfg, sink, logger).Handler()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

type itemResult struct {
	Outcome   pipeline.Outcome `json:"outcome"`
	Error     string           `json:"error,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`
}

type itemsResponse struct {
	Accepted  int          `json:"accepted"`
	Duplicate int          `json:"duplicate"`
	Gated     int          `json:"gated"`
	Failed    int          `json:"failed"`
	Results   []itemResult `json:"results"`
}

func (s *RESTServer) handleItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var list []map[string]interface{}
	if trim[0] == '[' {
		if err := json.Unmarshal(trim, &list); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	} else {
		var obj map[string]interface{}
		if err := json.Unmarshal(trim, &obj); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = append(list, obj)
	}

	cfg := s.cfg.Get()
	resp := itemsResponse{Results: make([]itemResult, 0, len(list))}
	retry := false
	for _, obj := range list {
		res := s.processMap(r.Context(), obj, cfg)
		switch {
		case res.Error != "":
			resp.Failed++
			retry = retry || res.Retryable
		case res.Outcome.Stage == pipeline.StageDuplicate:
			resp.Duplicate++
		case res.Outcome.Stage == pipeline.StageGated:
			resp.Gated++
		default:
			resp.Accepted++
		}
		resp.Results = append(resp.Results, res)
	}

	w.Header().Set("Content-Type", "application/json")
	if retry {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *RESTServer) processMap(ctx context.Context, obj map[string]interface{}, cfg *config.Config) itemResult {
	fields := ParseJSONMap(obj)
	fields.Raw = "rest"
	it, err := normalize.Normalize(*fields, cfg)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("rest normalize error", "err", err)
		}
		return itemResult{Error: err.Error()}
	}
	out, err := s.sink.Ingest(ctx, it)
	if err != nil {
		return itemResult{Outcome: out, Error: err.Error(), Retryable: errors.Is(err, pipeline.ErrRetryable)}
	}
	return itemResult{Outcome: out}
}
