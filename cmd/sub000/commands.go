package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/19paoletto10-hub/twilio-sub000/internal/config"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a document into the knowledge base",
	Long: `Ingest a document into the knowledge base.

Examples:
  sub000 ingest --text "Cap rates compressed across the metro market" --category RealEstate
  sub000 ingest --url https://example.com/article --category Technology
  sub000 ingest --file ./notes.md --category Business`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		url, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		category, _ := cmd.Flags().GetString("category")

		if text == "" && url == "" && file == "" {
			return fmt.Errorf("one of --text, --url, or --file is required")
		}
		if category == "" {
			return fmt.Errorf("--category is required")
		}

		req := map[string]any{"category": category}
		switch {
		case text != "":
			req["type"] = "text"
			req["content"] = text
		case url != "":
			req["type"] = "url"
			req["url"] = url
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			req["type"] = "text"
			req["content"] = string(data)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/ingest", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result["status"] == "duplicate" {
			printWarning("Already stored as %s", result["id"])
			return nil
		}
		printSuccess("Stored document %s", result["id"])
		return nil
	},
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		allCategories, _ := cmd.Flags().GetBool("all-categories")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/search", map[string]any{
			"query":          query,
			"top_k":          limit,
			"all_categories": allCategories,
		})
		if err != nil {
			return err
		}

		var result any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question from the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		allCategories, _ := cmd.Flags().GetBool("all-categories")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/answer", map[string]any{
			"query":          query,
			"all_categories": allCategories,
		})
		if err != nil {
			return err
		}

		var answer struct {
			Text           string `json:"text"`
			CharacterCount int    `json:"character_count"`
		}
		if err := decodeJSON(resp, &answer); err != nil {
			return err
		}

		fmt.Fprintln(os.Stdout, answer.Text)
		printField("Characters", "%d", answer.CharacterCount)
		return nil
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show knowledge base status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/status")
		if err != nil {
			printField("Server", "stopped")
			printField("Data dir", "%s", cfg.Storage.DataDir)
			return nil
		}

		var status struct {
			Loaded         bool     `json:"loaded"`
			DocumentCount  int      `json:"document_count"`
			VectorCount    int      `json:"vector_count"`
			Strategy       string   `json:"strategy"`
			EmbedModel     string   `json:"embed_model"`
			Taxonomy       []string `json:"taxonomy"`
			BackupComplete bool     `json:"backup_complete"`
			Cache          struct {
				Hits    int64 `json:"hits"`
				Misses  int64 `json:"misses"`
				Entries int   `json:"entries"`
			} `json:"cache"`
		}
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}

		printField("Server", "running on port %d", cfg.Server.Port)
		printFlag("Index", status.Loaded, "loaded", "empty")
		printField("Documents", "%d", status.DocumentCount)
		printField("Vectors", "%d", status.VectorCount)
		printField("Strategy", "%s", status.Strategy)
		printField("Embed model", "%s", status.EmbedModel)
		printField("Taxonomy", "%s", strings.Join(status.Taxonomy, ", "))
		printField("Cache", "%d entries, %s hit rate (%d hits, %d misses)",
			status.Cache.Entries, hitRate(status.Cache.Hits, status.Cache.Misses),
			status.Cache.Hits, status.Cache.Misses)
		printFlag("Backup", status.BackupComplete, "complete", "incomplete")
		printField("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	},
}

// --- save ---

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Persist the in-memory index to disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/save", map[string]any{})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Index saved")
		return nil
	},
}

// --- export / import ---

var exportCmd = &cobra.Command{
	Use:   "export <path>",
	Short: "Export the knowledge base as a portable bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/backup/export", nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
		}

		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating bundle file: %w", err)
		}
		defer f.Close()

		n, err := io.Copy(f, resp.Body)
		if err != nil {
			os.Remove(path)
			return fmt.Errorf("writing bundle: %w", err)
		}

		printSuccess("Exported %d bytes to %s", n, path)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <path>",
	Short: "Import a knowledge base bundle, replacing the current index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening bundle: %w", err)
		}
		defer f.Close()

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(cmd.Context(), "POST", client.baseURL+"/backup/import", f)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/gzip")

		resp, err := client.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("server not reachable — is sub000 serving? (%w)", err)
		}

		var result struct {
			Status    string `json:"status"`
			BundleID  string `json:"bundle_id"`
			Documents int    `json:"documents"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Imported bundle %s (%d documents)", result.BundleID, result.Documents)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest")
	ingestCmd.Flags().String("file", "", "file path to ingest")
	ingestCmd.Flags().String("category", "", "taxonomy category for the document")

	searchCmd.Flags().Int("limit", 5, "maximum number of results")
	searchCmd.Flags().Bool("all-categories", false, "return one ranked section per category")

	askCmd.Flags().Bool("all-categories", false, "answer per category instead of one focused answer")
}
