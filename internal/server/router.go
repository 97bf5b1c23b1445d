// Package server is the inference backend the chat widget posts to.
package server

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/h2non/filetype"

	"github.com/comigor/chatwidget-go/internal/llm"
	"github.com/comigor/chatwidget-go/internal/logger"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

const maxFormBytes = 32 << 20

// Answerer produces the reply text for one query.
type Answerer interface {
	Answer(ctx context.Context, query string, images []llm.Attachment) (string, error)
}

type chatResponse struct {
	Message   string   `json:"message"`
	Sources   []string `json:"sources"`
	MessageID string   `json:"message_id"`
	Timestamp string   `json:"timestamp"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// NewRouter wires the HTTP routes.
func NewRouter(answerer Answerer) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	h := &handler{answerer: answerer}
	r.Get("/health", h.handleHealth)
	r.Route("/api", func(api chi.Router) {
		api.Post("/chat", h.handleChat)
	})
	return r
}

type handler struct {
	answerer Answerer
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Message:   "chat backend is running",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   Version,
	})
}

func (h *handler) handleChat(w http.ResponseWriter, r *http.Request) {
	req, status, err := parseChatRequest(r)
	if err != nil {
		logger.L.Warn("bad chat request", "error", err, "request_id", middleware.GetReqID(r.Context()))
		respondError(w, status, err.Error())
		return
	}
	if req.Query == "" && len(req.Images) == 0 {
		respondError(w, http.StatusBadRequest, "Empty message received")
		return
	}

	logger.L.Info("inference request", "session_id", req.SessionID, "query", req.Query, "images", len(req.Images))

	answer, err := h.answerer.Answer(r.Context(), req.Query, req.Images)
	if err != nil {
		logger.L.Error("process error", "err", err, "session_id", req.SessionID)
		respondError(w, http.StatusInternalServerError, "failed to process request")
		return
	}

	respondJSON(w, http.StatusOK, chatResponse{
		Message:   answer,
		Sources:   []string{},
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

type chatRequest struct {
	Query     string
	SessionID string
	Images    []llm.Attachment
}

type httpError string

func (e httpError) Error() string { return string(e) }

// parseChatRequest accepts the multipart form sent by the widget, or a JSON
// body with query and session_id fields.
func parseChatRequest(r *http.Request) (chatRequest, int, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var body struct {
			Query     string `json:"query"`
			SessionID string `json:"session_id"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxFormBytes)).Decode(&body); err != nil && err != io.EOF {
			return chatRequest{}, http.StatusBadRequest, httpError("invalid request body")
		}
		return chatRequest{Query: sanitizeQuery(body.Query), SessionID: body.SessionID}, 0, nil
	}

	if err := r.ParseMultipartForm(maxFormBytes); err != nil {
		return chatRequest{}, http.StatusBadRequest, httpError("invalid multipart form")
	}
	req := chatRequest{
		Query:     sanitizeQuery(r.FormValue("query")),
		SessionID: r.FormValue("session_id"),
	}
	for _, fh := range r.MultipartForm.File["image"] {
		f, err := fh.Open()
		if err != nil {
			return chatRequest{}, http.StatusBadRequest, httpError("unreadable image")
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return chatRequest{}, http.StatusBadRequest, httpError("unreadable image")
		}
		if !filetype.IsImage(data) {
			return chatRequest{}, http.StatusUnsupportedMediaType, httpError("attachment " + fh.Filename + " is not an image")
		}
		kind, _ := filetype.Match(data)
		req.Images = append(req.Images, llm.Attachment{ContentType: kind.MIME.Value, Data: data})
	}
	return req, 0, nil
}

// sanitizeQuery drops emoji and collapses runs of whitespace.
func sanitizeQuery(q string) string {
	q = strings.Map(func(r rune) rune {
		if isEmoji(r) {
			return -1
		}
		return r
	}, q)
	return strings.Join(strings.Fields(q), " ")
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF, // emoji blocks
		r >= 0x2600 && r <= 0x27BF, // misc symbols and dingbats
		r == 0x200D, r == 0xFE0F, r == 0x3030:
		return true
	}
	return false
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
