package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/eyemem/internal/api"
	"github.com/kalambet/eyemem/internal/audit"
	"github.com/kalambet/eyemem/internal/config"
	"github.com/kalambet/eyemem/internal/jobs"
	"github.com/kalambet/eyemem/internal/memory"
)

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <image>",
	Short: "Upload an image and queue it for processing",
	Long: `Upload an image and queue it for processing.

Examples:
  eyemem upload ./beach.jpg --tags beach,family
  eyemem upload ./receipt.png --private --notes "March expenses" --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tags, _ := cmd.Flags().GetString("tags")
		notes, _ := cmd.Flags().GetString("notes")
		private, _ := cmd.Flags().GetBool("private")
		wait, _ := cmd.Flags().GetDuration("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		resp, err := client.upload(ctx, args[0], map[string]string{
			"user_tags":  tags,
			"user_notes": notes,
			"is_private": strconv.FormatBool(private),
		})
		if err != nil {
			return err
		}
		var res memory.UploadResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Uploaded memory %s (job %s)", res.MemoryID, res.JobID)

		if wait <= 0 {
			return nil
		}
		st, err := waitForJob(ctx, client, res.JobID, wait, 500*time.Millisecond)
		if err != nil {
			return err
		}
		if st.Status == "failed" {
			return fmt.Errorf("processing failed: %s", st.Error)
		}
		printSuccess("Processed memory %s", res.MemoryID)
		return nil
	},
}

func init() {
	uploadCmd.Flags().String("tags", "", "comma-separated tags")
	uploadCmd.Flags().String("notes", "", "free-form notes")
	uploadCmd.Flags().Bool("private", false, "hide from searches unless private results are requested")
	uploadCmd.Flags().Duration("wait", 0, "wait up to this long for processing to finish")
}

// waitForJob polls the memory job endpoint until the job finishes or timeout elapses.
func waitForJob(ctx context.Context, client *apiClient, jobID string, timeout, every time.Duration) (memory.JobStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		var st memory.JobStatus
		if err := client.getJSON(ctx, "/v1/memory/jobs/"+jobID, &st); err != nil {
			return st, err
		}
		if st.Status == "completed" || st.Status == "failed" {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, fmt.Errorf("job %s still %s after %s", jobID, st.Status, timeout)
		case <-ticker.C:
		}
	}
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memories by description",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		tags, _ := cmd.Flags().GetStringSlice("tags")
		private, _ := cmd.Flags().GetBool("private")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/memory/search", api.SearchRequest{
			Query:          strings.Join(args, " "),
			Limit:          limit,
			IncludePrivate: private,
			FilterTags:     tags,
		})
		if err != nil {
			return err
		}
		var res api.SearchResponse
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if asJSON {
			return printJSON(res)
		}

		if len(res.Memories) == 0 {
			fmt.Println("No results found.")
			return nil
		}
		for i, m := range res.Memories {
			score := float32(0)
			if m.SimilarityScore != nil {
				score = *m.SimilarityScore
			}
			fmt.Printf("\n%s [score: %.3f] %s\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), score, m.ID)
			if len(m.UserTags) > 0 {
				fmt.Printf("  Tags: %s\n", strings.Join(m.UserTags, ", "))
			}
			fmt.Printf("  %s\n", truncate(m.AIDescription, 500))
			fmt.Printf("  %s\n", colorize(colorCyan, m.ImageURL))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
	searchCmd.Flags().StringSlice("tags", nil, "only memories carrying any of these tags")
	searchCmd.Flags().Bool("private", false, "include private memories")
	searchCmd.Flags().Bool("json", false, "print the raw JSON response")
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect queued and finished jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var list api.JobList
		if err := client.getJSON(cmd.Context(), fmt.Sprintf("/v1/jobs?limit=%d&offset=%d", limit, offset), &list); err != nil {
			return err
		}

		if len(list.Jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}
		for _, j := range list.Jobs {
			fmt.Printf("%s  %-9s  %-18s  %s  attempts=%d\n",
				colorize(colorCyan, j.ID),
				statusColor(string(j.Status)),
				j.Type,
				j.CreatedAt.Local().Format(time.DateTime),
				j.Attempts,
			)
		}
		fmt.Printf("\n%d of %d jobs\n", len(list.Jobs), list.Total)
		return nil
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a single job record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var rec jobs.Record
		if err := client.getJSON(cmd.Context(), "/v1/jobs/"+args[0], &rec); err != nil {
			return err
		}
		return printJSON(rec)
	},
}

func init() {
	jobsListCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	jobsListCmd.Flags().Int("offset", 0, "number of newest jobs to skip")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsGetCmd)
}

// --- enqueue ---

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <type> [payload-json]",
	Short: "Enqueue a raw job",
	Long: `Enqueue a raw job. The payload is passed to the handler unchanged.

Examples:
  eyemem enqueue memory_processing '{"memory_id":"..."}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.EnqueueRequest{Type: args[0]}
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("payload is not valid JSON")
			}
			req.Payload = json.RawMessage(args[1])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/jobs", req)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued job %s", result["id"])
		return nil
	},
}

// --- audit ---

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check the index and stores for orphaned vectors and stuck work",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var rep audit.Report
		if err := client.getJSON(cmd.Context(), "/v1/audit", &rep); err != nil {
			return err
		}
		if asJSON {
			return printJSON(rep)
		}

		printStatus("Index size", "%d", rep.IndexSize)
		printStatus("Referenced", "%d", rep.ReferencedVectors)
		printStatus("Orphaned vectors", "%d", rep.OrphanedVectors)
		printStatus("Dangling refs", "%d", len(rep.DanglingRefs))
		printStatus("Stuck jobs", "%d", len(rep.StuckJobs))
		printStatus("Stuck memories", "%d", len(rep.StuckMemories))
		if rep.Healthy() {
			printSuccess("No consistency problems found")
		} else {
			printWarning("Consistency problems found; rerun with --json for details")
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().Bool("json", false, "print the full report as JSON")
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
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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

		if err := config.SetKey(configPath, key, value); err != nil {
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
