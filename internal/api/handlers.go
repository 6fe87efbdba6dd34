// Package api exposes the knowledge engine over HTTP and MCP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/19paoletto10-hub/twilio-sub000/internal/knowledge"
	"github.com/19paoletto10-hub/twilio-sub000/internal/persist"
	"github.com/19paoletto10-hub/twilio-sub000/internal/retrieval"
	"github.com/19paoletto10-hub/twilio-sub000/internal/synthesis"
)

const maxRequestBodySize = 1 << 20 // 1MB

// AppDeps holds dependencies for the HTTP API.
type AppDeps struct {
	Engine     *knowledge.Engine
	HTTPClient *http.Client
}

// NewAppHandler returns the HTTP API router.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}

	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Get("/status", handleStatus(deps))
	r.Post("/ingest", handleIngest(deps))
	r.Post("/search", handleSearch(deps))
	r.Post("/answer", handleAnswer(deps))
	r.Post("/save", handleSave(deps))
	r.Post("/backup/export", handleExport(deps))
	r.Post("/backup/import", handleImport(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deps.Engine.Status())
	}
}

type searchRequest struct {
	Query         string `json:"query"`
	TopK          int    `json:"top_k"`
	AllCategories bool   `json:"all_categories"`
}

type searchResponse struct {
	Results  []retrieval.ScoredDocument  `json:"results,omitempty"`
	Sections []retrieval.CategorySection `json:"sections,omitempty"`
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.AllCategories {
			sections, err := deps.Engine.SearchAllCategories(r.Context(), req.Query)
			if err != nil {
				searchError(w, err)
				return
			}
			writeJSON(w, searchResponse{Sections: sections})
			return
		}

		results, err := deps.Engine.Search(r.Context(), req.Query, req.TopK)
		if err != nil {
			searchError(w, err)
			return
		}
		if results == nil {
			results = []retrieval.ScoredDocument{}
		}
		writeJSON(w, searchResponse{Results: results})
	}
}

func handleAnswer(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		var (
			answer synthesis.Answer
			err    error
		)
		if req.AllCategories {
			answer, err = deps.Engine.AnswerAllCategories(r.Context(), req.Query)
		} else {
			answer, err = deps.Engine.Answer(r.Context(), req.Query)
		}
		if err != nil {
			// A synthesis failure still carries the retrieved fragments so
			// the client can show sources without prose.
			var synthErr *synthesis.Error
			if errors.As(err, &synthErr) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadGateway)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{
						"message": synthErr.Error(),
						"type":    "api_error",
					},
					"fragments": synthErr.Fragments,
					"sections":  synthErr.Sections,
				})
				return
			}
			searchError(w, err)
			return
		}
		writeJSON(w, answer)
	}
}

func handleSave(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Engine.Save(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "save failed: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "saved"})
	}
}

func handleExport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Stage the bundle before touching the response so a failed export
		// returns a clean JSON error instead of a truncated gzip body.
		tmp, err := os.CreateTemp("", "sub000-export-*.tar.gz")
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "staging export: %v", err)
			return
		}
		tmp.Close()
		defer os.Remove(tmp.Name())

		if _, err := deps.Engine.ExportFile(tmp.Name()); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "export failed: %v", err)
			return
		}

		f, err := os.Open(tmp.Name())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading staged export: %v", err)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading staged export: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/gzip")
		w.Header().Set("Content-Disposition", `attachment; filename="sub000-backup.tar.gz"`)
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
		io.Copy(w, f)
	}
}

func handleImport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := deps.Engine.Config().Storage.BundleMaxBytes
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		defer r.Body.Close()

		tmp, err := os.CreateTemp("", "sub000-upload-*.tar.gz")
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "staging upload: %v", err)
			return
		}
		defer os.Remove(tmp.Name())

		if _, err := tmp.ReadFrom(r.Body); err != nil {
			tmp.Close()
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
			return
		}
		if err := tmp.Close(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "staging upload: %v", err)
			return
		}

		manifest, err := deps.Engine.Import(tmp.Name())
		if errors.Is(err, persist.ErrImportRejected) {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "import failed: %v", err)
			return
		}
		writeJSON(w, map[string]any{
			"status":    "imported",
			"bundle_id": manifest.BundleID,
			"documents": manifest.DocumentCount,
		})
	}
}

// searchError maps engine errors onto HTTP statuses.
func searchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, knowledge.ErrEmptyQuery):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, retrieval.ErrEmptyIndex):
		httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
