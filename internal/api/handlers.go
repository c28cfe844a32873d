package api

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/docservice"
	"github.com/starford/ansuz/internal/rag"
	"github.com/starford/ansuz/internal/sse"
)

const maxBodyBytes = 1 << 20

// Handler holds API route handlers.
type Handler struct {
	svc            *docservice.Service
	events         *sse.Broker
	graphThreshold float64
}

// NewHandler creates a new Handler. events may be nil.
func NewHandler(svc *docservice.Service, events *sse.Broker, graphThreshold float64) *Handler {
	return &Handler{svc: svc, events: events, graphThreshold: graphThreshold}
}

// Chat handles POST /api/chat.
//
//	@Summary		Answer the latest question from the saved pages
//	@Description	Streams source-url events for every cited passage, then text-delta events, then finish.
//	@Tags			chat
//	@Accept			json
//	@Produce		text/event-stream
//	@Param			body	body		ChatRequest	true	"Conversation so far"
//	@Success		200		{string}	string		"event stream"
//	@Failure		400		{object}	errResponse
//	@Failure		401		{object}	errResponse
//	@Failure		500		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/chat [post]
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("messages are required"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody("streaming unsupported"))
		return
	}

	events, err := h.svc.Chat(r.Context(), OwnerFromContext(r.Context()), req.Messages)
	if err != nil {
		status := apperr.Status(err)
		if status >= http.StatusInternalServerError {
			slog.Error("chat failed", slog.String("error", err.Error()))
			// Nothing has been streamed yet; every server-side failure is a 500.
			writeJSON(w, http.StatusInternalServerError, errorBody(apperr.Message(err)))
			return
		}
		writeJSON(w, status, errorBody(apperr.Message(err)))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for ev := range events {
		var werr error
		switch ev.Kind {
		case rag.EventSource:
			werr = writeEvent(w, rag.EventSource, ev.Source)
		case rag.EventText:
			werr = writeEvent(w, rag.EventText, TextDelta{Delta: ev.Text})
		case rag.EventError:
			slog.Error("chat stream failed", slog.String("error", ev.Err.Error()))
			werr = writeEvent(w, rag.EventError, errorBody(apperr.Message(ev.Err)))
		}
		if werr != nil {
			// Client went away; the request context cancels generation.
			return
		}
		flusher.Flush()
	}
	if r.Context().Err() != nil {
		return
	}
	_ = writeEvent(w, "finish", struct{}{})
	flusher.Flush()
}

// Ingest handles POST /api/ingest.
//
//	@Summary		Scrape a URL and add it to the knowledge base
//	@Tags			documents
//	@Accept			json
//	@Produce		json
//	@Param			body	body		IngestRequest	true	"Page to ingest"
//	@Success		201		{object}	IngestResponse
//	@Failure		400		{object}	errResponse
//	@Failure		401		{object}	errResponse
//	@Failure		502		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/ingest [post]
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	doc, err := h.svc.Ingest(r.Context(), OwnerFromContext(r.Context()), req.URL)
	if err != nil {
		writeError(w, "ingest", err)
		return
	}
	writeJSON(w, http.StatusCreated, IngestResponse{Success: true, Document: doc})
}

// ListDocuments handles GET /api/documents.
//
//	@Summary		List saved pages, newest first
//	@Tags			documents
//	@Produce		json
//	@Success		200	{object}	DocumentListResponse
//	@Security		BearerAuth
//	@Router			/documents [get]
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.svc.List(r.Context(), OwnerFromContext(r.Context()))
	if err != nil {
		writeError(w, "list documents", err)
		return
	}
	writeJSON(w, http.StatusOK, DocumentListResponse{Documents: docs})
}

// GetDocument handles GET /api/documents/{id}.
//
//	@Summary		Get one saved page with its content
//	@Tags			documents
//	@Produce		json
//	@Param			id	path		string	true	"Document id"
//	@Success		200	{object}	models.Document
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{id} [get]
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.Get(r.Context(), OwnerFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get document", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// DeleteDocument handles DELETE /api/documents/{id}.
//
//	@Summary		Delete a saved page and its chunks
//	@Tags			documents
//	@Produce		json
//	@Param			id	path		string	true	"Document id"
//	@Success		200	{object}	SuccessResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{id} [delete]
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), OwnerFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, "delete document", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// Graph handles GET /api/graph.
//
//	@Summary		Get the document similarity graph
//	@Tags			graph
//	@Produce		json
//	@Param			threshold	query		number	false	"Minimum similarity for a link (exclusive)"	default(0.6)
//	@Success		200			{object}	GraphResponse
//	@Failure		400			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/graph [get]
func (h *Handler) Graph(w http.ResponseWriter, r *http.Request) {
	threshold := h.graphThreshold
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			writeJSON(w, http.StatusBadRequest, errorBody("threshold must be a number"))
			return
		}
		threshold = v
	}

	g, err := h.svc.Graph(r.Context(), OwnerFromContext(r.Context()), threshold)
	if err != nil {
		writeError(w, "graph", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// Events handles GET /api/events.
//
//	@Summary		Subscribe to document and graph change notifications
//	@Tags			events
//	@Produce		text/event-stream
//	@Success		200	{string}	string	"event stream"
//	@Security		BearerAuth
//	@Router			/events [get]
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	h.events.Serve(w, r, OwnerFromContext(r.Context()))
}
