// Package server exposes the pipeline and the module store over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentstation/gestalt"
	"github.com/agentstation/gestalt/internal/app"
	"github.com/agentstation/gestalt/internal/render"
	"github.com/agentstation/gestalt/pipeline"
	"github.com/agentstation/gestalt/storage"
)

const maxBodyBytes = 1 << 20

// Service generates modules.
type Service interface {
	Generate(ctx context.Context, problem pipeline.Problem, key string) (app.Outcome, error)
	GenerateBatch(ctx context.Context, problems []pipeline.Problem) []app.Outcome
	CollaboratorStatus() app.CollaboratorStatus
}

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Service Service
	// Repository may be nil, in which case the module listing endpoints
	// answer 503.
	Repository *storage.Repository
	Graph      *gestalt.Graph
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
}

type handler struct {
	Deps
}

// GenerateRequest is the body of POST /v1/modules.
type GenerateRequest struct {
	pipeline.Problem
	ResumptionKey string `json:"resumption_key,omitempty"`
}

// BatchResponse is the body returned by POST /v1/modules/batch.
type BatchResponse struct {
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Outcomes  []app.Outcome `json:"outcomes"`
}

// NewHandler returns the routed HTTP handler.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	h := &handler{Deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/graph", h.graph)
		r.Get("/collaborators", h.collaborators)
		r.Route("/modules", func(r chi.Router) {
			r.Post("/", h.generate)
			r.Post("/batch", h.generateBatch)
			r.Get("/", h.listModules)
			r.Get("/{id}", h.getModule)
			r.Get("/{id}/files/{name}", h.getFile)
		})
	})
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) collaborators(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.Service.CollaboratorStatus())
}

func (h *handler) graph(w http.ResponseWriter, r *http.Request) {
	if h.Graph == nil {
		h.writeError(w, http.StatusServiceUnavailable, "no graph configured")
		return
	}
	expand, _ := strconv.ParseBool(r.URL.Query().Get("expand"))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, render.Mermaid(h.Graph, render.Options{Expand: expand}))
}

func (h *handler) generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	out, err := h.Service.Generate(r.Context(), req.Problem, req.ResumptionKey)
	if err != nil {
		h.Logger.Warn("generation failed", "err", err, "request_id", middleware.GetReqID(r.Context()))
		h.writeJSON(w, statusFor(err), out)
		return
	}
	h.writeJSON(w, http.StatusCreated, out)
}

func (h *handler) generateBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	problems, err := app.ParseProblems(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcomes := h.Service.GenerateBatch(r.Context(), problems)
	resp := BatchResponse{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Error == "" {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handler) listModules(w http.ResponseWriter, r *http.Request) {
	if !h.requireStorage(w) {
		return
	}
	records, err := h.Repository.List(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []storage.Record{}
	}
	h.writeJSON(w, http.StatusOK, records)
}

func (h *handler) getModule(w http.ResponseWriter, r *http.Request) {
	if !h.requireStorage(w) {
		return
	}
	rec, err := h.Repository.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, storageStatus(err), err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *handler) getFile(w http.ResponseWriter, r *http.Request) {
	if !h.requireStorage(w) {
		return
	}
	name := chi.URLParam(r, "name")
	data, err := h.Repository.ReadFile(r.Context(), chi.URLParam(r, "id"), name)
	if err != nil {
		h.writeError(w, storageStatus(err), err.Error())
		return
	}
	ct := mime.TypeByExtension(path.Ext(name))
	if ct == "" {
		ct = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", ct)
	_, _ = w.Write(data)
}

func (h *handler) requireStorage(w http.ResponseWriter) bool {
	if h.Repository == nil {
		h.writeError(w, http.StatusServiceUnavailable, "storage is disabled")
		return false
	}
	return true
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Error("response encode failed", "err", err)
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.Logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func statusFor(err error) int {
	var ce *pipeline.ClassificationError
	switch {
	case errors.As(err, &ce):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, storage.ErrNoClassification):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func storageStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidName):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
