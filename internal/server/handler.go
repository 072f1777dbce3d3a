// Package server exposes the query façade over a JSON HTTP API.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/168iroha/tag-search-engine/internal/engine"
	"github.com/168iroha/tag-search-engine/internal/query"
	"github.com/168iroha/tag-search-engine/pkg/errors"
	"github.com/168iroha/tag-search-engine/pkg/logger"
)

// Handler serves the search and article-write endpoints.
type Handler struct {
	engine *engine.Engine
	logger *slog.Logger
}

// New creates a Handler over eng.
func New(eng *engine.Engine) *Handler {
	return &Handler{
		engine: eng,
		logger: slog.Default().With("component", "http-handler"),
	}
}

// Register attaches all API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/search", h.Search)
	mux.HandleFunc("PUT /api/v1/articles/{id}", h.UpsertArticle)
	mux.HandleFunc("DELETE /api/v1/articles/{id}", h.DeleteArticle)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.InvalidateTag)
	mux.HandleFunc("POST /api/v1/cache/sweep", h.Sweep)
}

// Search handles GET /api/v1/search?q=&page=&order=. An empty q matches all
// articles; order defaults to DESC_POSTDATE.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	page := 1
	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		parsed, err := strconv.Atoi(pageStr)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "page must be a positive integer")
			return
		}
		page = parsed
	}

	order := query.OrderDescPostDate
	if orderStr := r.URL.Query().Get("order"); orderStr != "" {
		parsed, err := query.ParseOrder(orderStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "unknown order "+orderStr)
			return
		}
		order = parsed
	}

	res, err := h.engine.Search(ctx, r.URL.Query().Get("q"), page, order)
	if err != nil {
		log.Error("search failed", "error", err)
		h.writeError(w, errors.HTTPStatusCode(err), "search failed")
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type upsertArticleRequest struct {
	PostDate    string   `json:"post_date"`
	UpdateDate  string   `json:"update_date"`
	Tags        []string `json:"tags"`
	UpdateCache *bool    `json:"update_cache"`
}

// UpsertArticle handles PUT /api/v1/articles/{id}.
func (h *Handler) UpsertArticle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "article id is required")
		return
	}
	var req upsertArticleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.PostDate == "" || req.UpdateDate == "" {
		h.writeError(w, http.StatusBadRequest, "post_date and update_date are required")
		return
	}
	updateCache := req.UpdateCache == nil || *req.UpdateCache

	if err := h.engine.InsertOrUpdateArticle(r.Context(), id, req.PostDate, req.UpdateDate, req.Tags, updateCache); err != nil {
		logger.FromContext(r.Context()).Error("article upsert failed", "article_id", id, "error", err)
		h.writeError(w, errors.HTTPStatusCode(err), "article upsert failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "article_id": id})
}

// DeleteArticle handles DELETE /api/v1/articles/{id}.
func (h *Handler) DeleteArticle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "article id is required")
		return
	}
	if err := h.engine.DeleteArticle(r.Context(), id); err != nil {
		status := errors.HTTPStatusCode(err)
		if status >= http.StatusInternalServerError {
			logger.FromContext(r.Context()).Error("article delete failed", "article_id", id, "error", err)
		}
		h.writeError(w, status, "article delete failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "article_id": id})
}

// InvalidateTag handles POST /api/v1/cache/invalidate?tag=.
func (h *Handler) InvalidateTag(w http.ResponseWriter, r *http.Request) {
	tag := query.Normalize(r.URL.Query().Get("tag"))
	if tag == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'tag' is required")
		return
	}
	if err := h.engine.InvalidateByTag(r.Context(), tag); err != nil {
		logger.FromContext(r.Context()).Error("cache invalidation failed", "tag", tag, "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated", "tag": tag})
}

// Sweep handles POST /api/v1/cache/sweep: expired entries are invalidated,
// then renamed-away directories are removed.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.InvalidateByTime(r.Context(), time.Now()); err != nil {
		logger.FromContext(r.Context()).Error("time invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	if err := h.engine.SweepFilesystem(); err != nil {
		logger.FromContext(r.Context()).Error("file sweep failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "swept"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
