package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"meshline/internal/app"
	"meshline/internal/db"
	"meshline/internal/domain"
	"meshline/internal/engine"
	"meshline/internal/repo"
	"meshline/internal/server"
	"meshline/internal/verdict"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Meshline CLI",
	Long: `Meshline tracks remediation issues through a nine-stage pipeline.
Core concepts:
- Workspace: the .meshline directory holding the database; settings live in meshline.yml.
- Issue: a remediation work item addressable by UUID, short public id, or canonical id.
- Stages: draft -> spec_ready -> queued -> in_progress -> verifying -> review_ready -> done,
  with failed and canceled as exits. Transitions follow a closed table; no skipping.
- Verdict: the fail-closed GREEN/RED outcome of a verification run, linked to its evidence.
- Merge outcome: marks review_ready work done in one transaction when its PR merges.
- Timeline: the append-only event log per issue, view with 'ml timeline'.
- Publish ledger: batches recording what each publish session did per issue.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MESHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(verdictCmd())
	rootCmd.AddCommand(mergeApplyCmd())
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var pipelineID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path, err := app.InitWorkspace(workspace, pipelineID)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(map[string]any{"workspace": path, "pipeline": e.Config.Pipeline.ID})
				}
				fmt.Printf("Initialized workspace %s (pipeline %s)\n", path, e.Config.Pipeline.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pipelineID, "pipeline", "mesh", "pipeline id")
	return cmd
}

func issueCmd() *cobra.Command {
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Manage issues",
		Long:  "Issues are the remediation work items. They move through the pipeline one stage at a time; terminal stages (done, failed, canceled) never move again.",
	}
	issue.AddCommand(issueCreateCmd())
	issue.AddCommand(issueGetCmd())
	issue.AddCommand(issueListCmd())
	issue.AddCommand(issueSetStatusCmd())
	issue.AddCommand(issueLinkPRCmd())
	return issue
}

func issueCreateCmd() *cobra.Command {
	var opts engine.IssueCreateOptions
	var prNumber int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("pr-number") {
				opts.PRNumber = &prNumber
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				is, err := e.CreateIssue(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(is)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.CanonicalID, "canonical-id", "", "canonical id (defaults to <pipeline>-<public id>)")
	cmd.Flags().StringVar(&opts.Repo, "repo", "", "repository (org/name)")
	cmd.Flags().IntVar(&prNumber, "pr-number", 0, "pull request number")
	cmd.Flags().StringVar(&opts.PRURL, "pr-url", "", "pull request URL")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func issueGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <identifier>",
		Short: "Get an issue by UUID, public id, or canonical id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				is, err := e.Repo.GetIssue(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(is)
			})
		},
	}
	return cmd
}

func issueListCmd() *cobra.Command {
	var f repo.IssueFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Status != "" && !domain.ValidState(domain.IssueState(f.Status)) {
				return fmt.Errorf("unknown status %q", f.Status)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issues, err := e.Repo.ListIssues(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(issues)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Public ID", "Canonical ID", "Title", "Status", "PR"})
				for _, is := range issues {
					pr := ""
					if is.PRNumber != nil {
						pr = fmt.Sprintf("%s#%d", is.Repo, *is.PRNumber)
					}
					tw.AppendRow(table.Row{is.PublicID, is.CanonicalID, is.Title, is.Status, pr})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Repo, "repo", "", "repository filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max issues to return")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "offset for pagination")
	return cmd
}

func issueSetStatusCmd() *cobra.Command {
	var status, reason string
	cmd := &cobra.Command{
		Use:   "set-status <identifier>",
		Short: "Move an issue to a new stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			to := domain.IssueState(status)
			if !domain.ValidState(to) {
				return fmt.Errorf("unknown status %q", status)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				is, err := e.ApplyTransition(ctx, args[0], to, viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(is)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "target status")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the timeline")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func issueLinkPRCmd() *cobra.Command {
	var repoName, prURL string
	var prNumber int
	cmd := &cobra.Command{
		Use:   "link-pr <identifier>",
		Short: "Link a pull request to an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				is, err := e.LinkPR(ctx, args[0], repoName, prNumber, prURL, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(is)
			})
		},
	}
	cmd.Flags().StringVar(&repoName, "repo", "", "repository (org/name)")
	cmd.Flags().IntVar(&prNumber, "pr-number", 0, "pull request number")
	cmd.Flags().StringVar(&prURL, "pr-url", "", "pull request URL")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("pr-number")
	return cmd
}

func verifyCmd() *cobra.Command {
	var ev verdict.Evidence
	var checks []string
	var checksJSON, requestID string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Submit verification evidence and store the verdict",
		Long:  "Evaluates check results against the configured rule set (fail-closed: a missing or non-pass required check means RED). Resubmitting the same run with identical evidence replays the stored verdict.",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseChecks(checks, checksJSON)
			if err != nil {
				return err
			}
			ev.Checks = parsed
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.StoreVerdict(ctx, ev, viper.GetString("actor-id"), requestID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"verdict": out.Verdict, "replayed": out.Replayed})
				}
				fmt.Printf("Verdict: %s", out.Verdict.Verdict)
				if out.Replayed {
					fmt.Print(" (replayed)")
				}
				fmt.Println()
				if len(out.Verdict.FailedChecks) > 0 {
					fmt.Printf("Failed checks: %s\n", strings.Join(out.Verdict.FailedChecks, ", "))
				}
				fmt.Println(out.Verdict.Rationale)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&ev.IssueID, "issue", "", "issue identifier")
	cmd.Flags().StringVar(&ev.RunID, "run", "", "verification run id")
	cmd.Flags().StringVar(&ev.RuleSet, "rule-set", "", "rule set name (defaults to config default)")
	cmd.Flags().StringArrayVar(&checks, "check", []string{}, "check result as name=status (repeatable)")
	cmd.Flags().StringVar(&checksJSON, "checks-json", "", "check results as a JSON object")
	cmd.Flags().StringVar(&requestID, "request-id", "", "request id recorded with the evidence")
	_ = cmd.MarkFlagRequired("issue")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func verdictCmd() *cobra.Command {
	v := &cobra.Command{Use: "verdict", Short: "Inspect stored verdicts"}
	v.AddCommand(verdictListCmd())
	v.AddCommand(verdictGetCmd())
	return v
}

func verdictListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <identifier>",
		Short: "List verdicts for an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				is, err := e.Repo.GetIssue(ctx, args[0])
				if err != nil {
					return err
				}
				verdicts, err := e.Repo.ListVerdictsByIssue(ctx, is.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(verdicts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Run", "Verdict", "Failed", "Evaluated"})
				for _, vd := range verdicts {
					tw.AppendRow(table.Row{vd.ID, vd.RunID, vd.Verdict, strings.Join(vd.FailedChecks, ","), vd.EvaluatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func verdictGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				vd, err := e.Repo.GetVerdict(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(vd)
			})
		},
	}
	return cmd
}

func mergeApplyCmd() *cobra.Command {
	var opts engine.MergeOutcomeOptions
	cmd := &cobra.Command{
		Use:   "merge-apply",
		Short: "Apply a merge outcome",
		Long:  "Marks the issue done after its PR merged. Resolves by issue identifier or by repo and PR number; applying twice is a no-op.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.IssueID == "" && (opts.Repo == "" || opts.PRNumber == 0) {
				return fmt.Errorf("--issue or --repo with --pr-number required")
			}
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ApplyMergeOutcome(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.AlreadyDone {
					fmt.Printf("Issue %s already done, nothing applied\n", res.Issue.CanonicalID)
					return nil
				}
				fmt.Printf("Issue %s is done\n", res.Issue.CanonicalID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.IssueID, "issue", "", "issue identifier")
	cmd.Flags().StringVar(&opts.Repo, "repo", "", "repository (org/name)")
	cmd.Flags().IntVar(&opts.PRNumber, "pr-number", 0, "pull request number")
	cmd.Flags().StringVar(&opts.PRURL, "pr-url", "", "pull request URL")
	cmd.Flags().StringVar(&opts.MergeCommit, "merge-commit", "", "merge commit SHA")
	cmd.Flags().StringVar(&opts.MergedAt, "merged-at", "", "when the PR merged (RFC3339, defaults to now)")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id that produced the merge")
	cmd.Flags().StringVar(&opts.RequestID, "request-id", "", "delivery request id for tracing")
	cmd.Flags().StringVar(&opts.Source, "source", "", "who reported the outcome (ci, webhook, operator)")
	return cmd
}

func timelineCmd() *cobra.Command {
	var eventType string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "timeline <identifier>",
		Short: "Show an issue's timeline",
		Long:  "The append-only diary of everything that happened to an issue, oldest first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				page, err := e.Timeline(ctx, args[0], eventType, limit, offset)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Occurred", "Type", "Actor", "Data"})
				for _, evt := range page.Events {
					tw.AppendRow(table.Row{evt.ID, evt.OccurredAt, evt.EventType, evt.Actor, evt.EventData})
				}
				tw.Render()
				fmt.Printf("Total: %d\n", page.Total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "event type filter")
	cmd.Flags().IntVar(&limit, "limit", 100, "max events to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "offset for pagination")
	return cmd
}

func publishCmd() *cobra.Command {
	pub := &cobra.Command{
		Use:   "publish",
		Short: "Publish ledger",
		Long:  "Each publish session records a batch of per-issue outcomes (create, update, skip). Oversized results are truncated at write time, never rejected.",
	}
	pub.AddCommand(publishRecordCmd())
	pub.AddCommand(publishListCmd())
	pub.AddCommand(publishShowCmd())
	return pub
}

func publishRecordCmd() *cobra.Command {
	var sessionID, itemsJSON string
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a publish batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []engine.PublishItemInput
			if err := json.Unmarshal([]byte(itemsJSON), &items); err != nil {
				return fmt.Errorf("parse --items-json: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.AppendPublishBatch(ctx, sessionID, items)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "publish session id")
	cmd.Flags().StringVar(&itemsJSON, "items-json", "", `items as a JSON array of {"issue_id","action","reason","result_json"}`)
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("items-json")
	return cmd
}

func publishListCmd() *cobra.Command {
	var f repo.PublishBatchFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List publish batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				batches, err := e.Repo.ListPublishBatches(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(batches)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Session", "Items", "Created"})
				for _, b := range batches {
					tw.AppendRow(table.Row{b.ID, b.SessionID, b.ItemCount, b.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.SessionID, "session", "", "session filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max batches to return")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "offset for pagination")
	return cmd
}

func publishShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Show a publish batch with its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Repo.GetPublishBatch(ctx, args[0])
				if err != nil {
					return err
				}
				items, err := e.Repo.ListPublishItems(ctx, b.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"batch": b, "items": items})
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		Long:  "Prints the raw key once; only its hash is stored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			key, rawKey, err := repo.MintAPIKey(actorID, name)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": rawKey})
				}
				fmt.Printf("API key %s for %s\n", key.ID, key.ActorID)
				fmt.Printf("Key (save it, shown once): %s\n", rawKey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook (meshline.yml): pipeline id, verification rule sets, and webhook endpoints.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status",
		Long:  "See the scoreboard: issue counts per stage for this workspace.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts := map[string]int{}
				for _, st := range domain.AllStates() {
					issues, err := e.Repo.ListIssues(ctx, repo.IssueFilters{Status: string(st)})
					if err != nil {
						return err
					}
					if len(issues) > 0 {
						counts[string(st)] = len(issues)
					}
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"pipeline": e.Config.Pipeline.ID, "issue_counts": counts})
				}
				fmt.Printf("Pipeline: %s\n", e.Config.Pipeline.ID)
				fmt.Println("Issues:")
				for _, st := range domain.AllStates() {
					if c, ok := counts[string(st)]; ok {
						fmt.Printf("  %s: %d\n", st, c)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, conn, err := app.Bootstrap(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("MESHLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" && !allowLegacyActor {
				return fmt.Errorf("MESHLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Meshline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor-header", false, "accept unauthenticated X-Actor-Id (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	e, conn, err := app.Bootstrap(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func parseChecks(pairs []string, checksJSON string) (map[string]string, error) {
	checks := map[string]string{}
	if checksJSON != "" {
		if err := json.Unmarshal([]byte(checksJSON), &checks); err != nil {
			return nil, fmt.Errorf("parse --checks-json: %w", err)
		}
	}
	for _, pair := range pairs {
		name, status, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("check %q must be name=status", pair)
		}
		checks[name] = status
	}
	return checks, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
