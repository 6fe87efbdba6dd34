package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/19paoletto10-hub/twilio-sub000/internal/knowledge"
	"github.com/19paoletto10-hub/twilio-sub000/internal/retrieval"
)

const maxIngestBodySize = 10 << 20 // 10MB
const maxURLFetchSize = 5 << 20    // 5MB

// ingestRequest accepts inline text, a URL to fetch, or a base64-encoded
// file, all resolved to plain text before ingestion.
type ingestRequest struct {
	Type     string `json:"type"` // "text" (default), "url", or "file"
	Content  string `json:"content"`
	URL      string `json:"url"`
	Category string `json:"category"`
}

func handleIngest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.Content == "" && req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of content or url is required")
			return
		}
		if req.Type == "" {
			req.Type = "text"
		}

		var resolvedContent, sourceURL string
		switch {
		case req.Type == "url" && req.URL != "":
			text, err := fetchURLText(r.Context(), deps.HTTPClient, req.URL)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "failed to fetch url: %v", err)
				return
			}
			resolvedContent = text
			sourceURL = req.URL

		case req.Type == "file" && req.Content != "":
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			resolvedContent = string(decoded)

		default:
			resolvedContent = req.Content
		}

		doc, created, err := deps.Engine.Ingest(r.Context(), knowledge.IngestRequest{
			Text:      resolvedContent,
			Category:  req.Category,
			SourceURL: sourceURL,
		})
		switch {
		case errors.Is(err, knowledge.ErrEmptyText),
			errors.Is(err, retrieval.ErrUnknownCategory):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "ingest failed: %v", err)
			return
		}

		status := "created"
		if !created {
			status = "duplicate"
		}
		writeJSON(w, map[string]string{
			"id":     doc.ID,
			"status": status,
		})
	}
}

// fetchURLText downloads the URL with a bounded timeout and size and strips
// any HTML markup down to its text content.
func fetchURLText(ctx context.Context, client *http.Client, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.New(resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize))
	if err != nil {
		return "", err
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/html") {
		return extractText(string(body)), nil
	}
	return string(body), nil
}

// extractText walks an HTML document and collects its visible text, skipping
// script and style subtrees. Malformed markup is tolerated; the html parser
// never fails on text input.
func extractText(src string) string {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return src
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return b.String()
}
