package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/resolv/internal/api"
	"github.com/kalambet/resolv/internal/cache"
	"github.com/kalambet/resolv/internal/config"
	"github.com/kalambet/resolv/internal/ingest"
	"github.com/kalambet/resolv/internal/source"
	"github.com/kalambet/resolv/internal/suggest"
)

// --- suggest ---

var suggestCmd = &cobra.Command{
	Use:   "suggest <incident text>",
	Short: "Suggest solutions for an incident",
	Long: `Suggest solutions for an incident.

Examples:
  resolv suggest "VPN connection timeout after password reset"
  resolv suggest --systems jira,confluence --user alice "database deadlock on checkout"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := suggestRequestFromFlags(cmd, strings.Join(args, " "))
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/suggestions", req)
		if err != nil {
			return err
		}
		var result suggest.Response
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if asJSON {
			return printJSON(result)
		}
		printSuggestions(result)
		return nil
	},
}

func init() {
	addSuggestFlags(suggestCmd)
}

func addSuggestFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("systems", nil, "connected systems (default: all)")
	cmd.Flags().String("user", "", "user the suggestions are personalized for")
	cmd.Flags().String("team", "", "team of the user")
	cmd.Flags().String("incident-id", "", "incident identifier, used as the cache key")
	cmd.Flags().String("type", "", "incident type (network, database, application, ...)")
	cmd.Flags().String("urgency", "", "urgency level (critical, high, medium, low)")
	cmd.Flags().Int("max", 0, "maximum number of suggestions")
	cmd.Flags().Bool("json", false, "print the raw response")
}

func suggestRequestFromFlags(cmd *cobra.Command, text string) (suggest.Request, error) {
	if strings.TrimSpace(text) == "" {
		return suggest.Request{}, fmt.Errorf("incident text is required")
	}
	systems, _ := cmd.Flags().GetStringSlice("systems")
	if len(systems) == 0 {
		for _, s := range source.AllSystems() {
			systems = append(systems, s.String())
		}
	} else if _, err := source.ParseSystems(systems); err != nil {
		return suggest.Request{}, err
	}

	req := suggest.Request{IncidentText: text, ConnectedSystems: systems}
	req.UserID, _ = cmd.Flags().GetString("user")
	req.Team, _ = cmd.Flags().GetString("team")
	req.IncidentID, _ = cmd.Flags().GetString("incident-id")
	req.IncidentType, _ = cmd.Flags().GetString("type")
	req.Urgency, _ = cmd.Flags().GetString("urgency")
	req.MaxResults, _ = cmd.Flags().GetInt("max")
	return req, nil
}

func printSuggestions(r suggest.Response) {
	if r.Message != "" {
		printWarning("%s", r.Message)
	}
	if len(r.Suggestions) == 0 {
		fmt.Println("No suggestions found.")
		return
	}

	cached := ""
	if r.Cached {
		cached = ", cached"
	}
	fmt.Printf("%d of %d suggestions (%d ms%s)\n", len(r.Suggestions), r.TotalFound, r.SearchTimeMs, cached)
	for i, s := range r.Suggestions {
		score := colorize(scoreColor(s.Score), fmt.Sprintf("%.2f", s.Score))
		fmt.Printf("\n%s [%s] %s  %s\n", colorize(colorBold, fmt.Sprintf("%d.", i+1)), s.System, truncate(s.Title, 80), score)
		if s.Snippet != "" {
			fmt.Printf("   %s\n", truncate(s.Snippet, 200))
		}
		if s.Link != "" {
			fmt.Printf("   %s\n", colorize(colorCyan, s.Link))
		}
	}
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Record how a suggestion was used",
	Long: `Record how a suggestion was used.

Examples:
  resolv feedback --user alice --system jira --id OPS-42 --action linked --rating 5
  resolv feedback --user bob --system github --id acme/api#17 --action dismissed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := feedbackRequestFromFlags(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/feedback", req)
		if err != nil {
			return err
		}
		var result struct {
			Status         string   `json:"status"`
			ProfileUpdated bool     `json:"profile_updated"`
			Confidence     *float64 `json:"confidence_score"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.ProfileUpdated && result.Confidence != nil {
			printSuccess("Feedback recorded (profile confidence %.2f)", *result.Confidence)
		} else {
			printSuccess("Feedback recorded")
		}
		return nil
	},
}

func init() {
	addFeedbackFlags(feedbackCmd)
}

func addFeedbackFlags(cmd *cobra.Command) {
	cmd.Flags().String("user", "", "user giving the feedback")
	cmd.Flags().String("team", "", "team of the user")
	cmd.Flags().String("system", "", "system of the suggestion (required)")
	cmd.Flags().String("id", "", "external id of the suggestion (required)")
	cmd.Flags().String("title", "", "title of the suggestion")
	cmd.Flags().String("action", "viewed", "linked, viewed or dismissed")
	cmd.Flags().Int("rating", 0, "rating from 1 to 5")
	cmd.Flags().String("incident", "", "incident identifier")
	cmd.Flags().String("incident-text", "", "incident text, used to derive keywords")
	cmd.Flags().StringSlice("keywords", nil, "keywords of the incident")
}

func feedbackRequestFromFlags(cmd *cobra.Command) (api.FeedbackRequest, error) {
	var req api.FeedbackRequest
	req.System, _ = cmd.Flags().GetString("system")
	req.ExternalID, _ = cmd.Flags().GetString("id")
	if req.System == "" || req.ExternalID == "" {
		return req, fmt.Errorf("--system and --id are required")
	}
	if _, err := source.ParseSystem(req.System); err != nil {
		return req, err
	}
	req.UserID, _ = cmd.Flags().GetString("user")
	req.Team, _ = cmd.Flags().GetString("team")
	req.Title, _ = cmd.Flags().GetString("title")
	req.Action, _ = cmd.Flags().GetString("action")
	req.Rating, _ = cmd.Flags().GetInt("rating")
	req.IncidentID, _ = cmd.Flags().GetString("incident")
	req.IncidentText, _ = cmd.Flags().GetString("incident-text")
	req.Keywords, _ = cmd.Flags().GetStringSlice("keywords")
	return req, nil
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Add a document to the knowledge base",
	Long: `Add a document to the knowledge base.

Examples:
  resolv ingest --file ./runbooks/vpn.md
  resolv ingest --file ./kb/db-failover.pdf --system confluence --id DB-7
  resolv ingest --url https://wiki.example.com/dns --system confluence
  resolv ingest --text "Restart the gateway to clear VPN timeouts" --title "VPN timeouts"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		rawURL, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		system, _ := cmd.Flags().GetString("system")
		title, _ := cmd.Flags().GetString("title")
		id, _ := cmd.Flags().GetString("id")

		req, err := buildDocumentRequest(text, rawURL, file, system, title, id)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/documents", req)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued document %s", result["id"])
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to add")
	ingestCmd.Flags().String("url", "", "URL to fetch and add")
	ingestCmd.Flags().String("file", "", "file to add (.md, .txt, .html or .pdf)")
	ingestCmd.Flags().String("system", source.KnowledgeBase.String(), "system the document belongs to")
	ingestCmd.Flags().String("title", "", "title of the document")
	ingestCmd.Flags().String("id", "", "external id of the document")
}

// buildDocumentRequest turns ingest flags into a request. Files are read
// locally: PDFs travel base64 encoded, HTML is reduced to text.
func buildDocumentRequest(text, rawURL, file, system, title, id string) (api.DocumentRequest, error) {
	if text == "" && rawURL == "" && file == "" {
		return api.DocumentRequest{}, fmt.Errorf("one of --text, --url, or --file is required")
	}
	if _, err := source.ParseSystem(system); err != nil {
		return api.DocumentRequest{}, err
	}

	req := api.DocumentRequest{System: system, Title: title, ExternalID: id}
	switch {
	case text != "":
		req.Content = text
	case rawURL != "":
		if _, err := url.ParseRequestURI(rawURL); err != nil {
			return api.DocumentRequest{}, fmt.Errorf("invalid --url: %w", err)
		}
		req.URL = rawURL
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return api.DocumentRequest{}, fmt.Errorf("reading file: %w", err)
		}
		format := ingest.FormatFor(file)
		switch format {
		case ingest.FormatPDF:
			req.PDF = base64.StdEncoding.EncodeToString(data)
		case "":
			return api.DocumentRequest{}, fmt.Errorf("%w: %s", ingest.ErrUnsupportedFormat, filepath.Ext(file))
		default:
			docTitle, content, err := ingest.ExtractText(format, data)
			if err != nil {
				return api.DocumentRequest{}, err
			}
			req.Content = content
			if req.Title == "" {
				req.Title = docTitle
			}
		}
		if req.Title == "" {
			req.Title = filepath.Base(file)
		}
		if req.ExternalID == "" {
			req.ExternalID = filepath.Base(file)
		}
	}
	return req, nil
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "List or remove knowledge base documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		system, _ := cmd.Flags().GetString("system")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		if system != "" {
			q.Set("system", system)
		}
		resp, err := client.get(cmd.Context(), "/v1/documents?"+q.Encode())
		if err != nil {
			return err
		}
		var docs []struct {
			ID         string  `json:"id"`
			System     string  `json:"system"`
			ExternalID string  `json:"external_id"`
			Title      string  `json:"title"`
			Size       int     `json:"size"`
			IndexedAt  *string `json:"indexed_at"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}
		for _, d := range docs {
			state := colorize(colorYellow, "pending")
			if d.IndexedAt != nil {
				state = colorize(colorGreen, "indexed")
			}
			fmt.Printf("%s  %-14s %-24s %s  %s\n",
				colorize(colorCyan, shortID(d.ID)),
				d.System,
				truncate(d.ExternalID, 24),
				state,
				truncate(d.Title, 60),
			)
		}
		return nil
	},
}

var documentsRemoveCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a document and its index entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/documents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Removed document %s", args[0])
		return nil
	},
}

func init() {
	documentsListCmd.Flags().String("system", "", "only list documents of this system")
	documentsListCmd.Flags().Int("limit", 50, "maximum number of documents to list")
	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsRemoveCmd)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or sweep the suggestion cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/cache/stats")
		if err != nil {
			return err
		}
		var st cache.Stats
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printStatus("Entries", "%d", st.Total)
		printStatus("Valid", "%d", st.Valid)
		printStatus("Expired", "%d", st.Expired)
		printStatus("Avg compute", "%.1f ms", st.AvgComputeMs)
		return nil
	},
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/cache/sweep", struct{}{})
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Removed %d entries", result["removed"])
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheSweepCmd)
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile <user>",
	Short: "Show a user's learned profile as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/profiles/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var p any
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		return printJSON(p)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
