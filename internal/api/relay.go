package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/lmdesk/internal/chat"
	"github.com/kalambet/lmdesk/internal/inference"
	"github.com/kalambet/lmdesk/internal/sse"
)

// Request bodies carry base64 images, so the limit is generous.
const maxRequestBodySize = 32 << 20

// RelayDeps holds dependencies for the relay routes.
type RelayDeps struct {
	Client   *inference.Client
	Endpoint inference.Endpoint // used when a request carries no provider
	// Temperature applies to chat requests that do not set one.
	Temperature float64
	Logger      *slog.Logger
}

func (d RelayDeps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d RelayDeps) endpoint(override *inference.Endpoint) inference.Endpoint {
	if override != nil && override.BaseURL != "" {
		return *override
	}
	return d.Endpoint
}

// NewRelayHandler returns an http.Handler with the health probe and the
// /api routes that browser-style clients use to reach the inference server.
func NewRelayHandler(deps RelayDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/models", handleModels(deps))
		r.Post("/chat", handleChat(deps))
		r.Post("/ocr", handleOCR(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleModels(deps RelayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := deps.Client.ListModels(r.Context(), deps.Endpoint)
		if err != nil {
			deps.logger().Error("listing models", "error", err)
			httpError(w, http.StatusInternalServerError, "Failed to fetch models")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": models})
	}
}

func handleChat(deps RelayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req chat.StreamRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if len(req.Messages) == 0 {
			httpError(w, http.StatusBadRequest, "messages is required and must not be empty")
			return
		}
		if req.Temperature == nil {
			req.Temperature = inference.Float(deps.Temperature)
		}

		if _, ok := w.(http.Flusher); !ok {
			httpError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		enc := sse.NewEncoder(w)
		if err := chat.Relay(r.Context(), deps.Client, deps.Endpoint, req, enc); err != nil {
			if r.Context().Err() != nil {
				return
			}
			deps.logger().Error("streaming chat", "model", req.Model, "error", err)
			enc.Error("Streaming failed")
			return
		}
		enc.Done()
	}
}

type ocrRequest struct {
	Model    string              `json:"model"`
	Images   []string            `json:"images"`
	Prompt   string              `json:"prompt"`
	Provider *inference.Endpoint `json:"provider,omitempty"`
}

type ocrImageResult struct {
	Index int    `json:"index"`
	Data  string `json:"data"`
	Error string `json:"error,omitempty"`
}

type ocrResponse struct {
	Success     bool             `json:"success"`
	Results     []ocrImageResult `json:"results"`
	TotalImages int              `json:"totalImages"`
}

// handleOCR sends each image in its own upstream call so one failure never
// discards another image's result.
func handleOCR(deps RelayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ocrRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if req.Model == "" {
			httpError(w, http.StatusBadRequest, "Model is required")
			return
		}
		if len(req.Images) == 0 {
			httpError(w, http.StatusBadRequest, "Images array is required and must not be empty")
			return
		}

		ep := deps.endpoint(req.Provider)
		results := make([]ocrImageResult, 0, len(req.Images))
		for i, img := range req.Images {
			data, err := deps.Client.OCRExtraction(r.Context(), ep, req.Model, []string{img}, req.Prompt)
			res := ocrImageResult{Index: i, Data: data}
			if err != nil {
				deps.logger().Warn("ocr extraction failed", "index", i, "error", err)
				res.Error = err.Error()
			}
			results = append(results, res)
		}

		writeJSON(w, http.StatusOK, ocrResponse{
			Success:     true,
			Results:     results,
			TotalImages: len(req.Images),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}
