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

	"guilthub/internal/app"
	"guilthub/internal/config"
	"guilthub/internal/db"
	"guilthub/internal/derive"
	"guilthub/internal/domain"
	"guilthub/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ghb",
	Short: "GUILTHUB CLI",
	Long: `GUILTHUB is the operating system for your conscience.
Core concepts:
- Commit: a self-reported lapse. The oracle scores it 1-4, files it under a
  category, and hands back a roast plus a penance.
- Issue: a recurring bad habit tracked as a ticket, open until you close it.
- Pull request: an atonement proposal against one commit. The oracle reviews
  it and either merges it or leaves it open.
- Kernel status: a one-line system readout refreshed after every commit.
- Sentinel: the chat interface for debugging your life.
State lives in .guilthub/guilthub.db inside the workspace.`,
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
	viper.SetEnvPrefix("GUILTHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("api-key", "", "oracle API key (or ANTHROPIC_API_KEY)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(commitCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(prCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default guilthub.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "The dashboard readout: kernel status, system health, open issues, pending pull requests, and average severity.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				a.Controller.WaitKernelStatus()
				state := a.Controller.Snapshot()
				open := derive.CountIssues(state.Issues, domain.IssueOpen)
				out := map[string]any{
					"kernelStatus": a.Controller.KernelStatus(),
					"systemHealth": derive.Health(open),
					"openIssues":   open,
					"pendingPulls": derive.CountPulls(state.PullRequests, domain.PROpen),
					"avgSeverity":  derive.AverageSeverity(state.Commits),
					"totalCommits": len(state.Commits),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Kernel: %s\n", out["kernelStatus"])
				fmt.Printf("Health: %s\n", out["systemHealth"])
				fmt.Printf("Commits: %d (avg severity %.1f)\n", out["totalCommits"], out["avgSeverity"])
				fmt.Printf("Open issues: %d, pending pull requests: %d\n", out["openIssues"], out["pendingPulls"])
				return nil
			})
		},
	}
	return cmd
}

func commitCmd() *cobra.Command {
	var issueID string
	cmd := &cobra.Command{
		Use:   "commit <message>",
		Short: "Log a deviation",
		Long:  "Confess a lapse. The oracle scores it, and the kernel status line refreshes in the background.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.TrimSpace(args[0])
			if message == "" {
				return fmt.Errorf("message is required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				commit, err := a.Controller.CreateCommit(ctx, message, nil, issueID)
				if err != nil {
					return err
				}
				a.Controller.WaitKernelStatus()
				if viper.GetBool("json") {
					return printJSON(commit)
				}
				fmt.Printf("[%s] severity %d (%s)\n", commit.ID[:8], commit.Analysis.Severity, commit.Analysis.Category)
				fmt.Printf("Roast:   %s\n", commit.Analysis.Roast)
				fmt.Printf("Penance: %s\n", commit.Analysis.Penance)
				if len(commit.Analysis.Tags) > 0 {
					fmt.Printf("Tags:    %s\n", strings.Join(commit.Analysis.Tags, ", "))
				}
				fmt.Printf("Kernel:  %s\n", a.Controller.KernelStatus())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&issueID, "issue", "", "link the commit to an issue id")
	return cmd
}

func analyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <message>",
		Short: "Score a deviation without recording it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				analysis := a.Controller.AnalyzeMessage(ctx, args[0])
				return printJSONOrTable(analysis)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Commit history",
	}
	log.AddCommand(logListCmd())
	log.AddCommand(logActivityCmd())
	log.AddCommand(logTailCmd())
	return log
}

func logListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List commits, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				commits := a.Controller.Snapshot().Commits
				if viper.GetBool("json") {
					return printJSON(commits)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Date", "Severity", "Category", "Message"})
				for _, c := range commits {
					tw.AppendRow(table.Row{c.ID[:8], c.Date, c.Analysis.Severity, c.Analysis.Category, c.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logActivityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Commits grouped by calendar date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				groups := derive.GroupByDate(a.Controller.Snapshot().Commits)
				if viper.GetBool("json") {
					return printJSON(groups)
				}
				for _, g := range groups {
					fmt.Println(g.Date)
					for _, c := range g.Commits {
						fmt.Printf("  [%d] %s\n", c.Analysis.Severity, c.Message)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				query := `SELECT id, ts, type, entity_kind, COALESCE(entity_id,''), payload_json
					FROM events`
				params := []any{}
				if evtType != "" {
					query += ` WHERE type = ?`
					params = append(params, evtType)
				}
				query += ` ORDER BY id DESC LIMIT ?`
				params = append(params, n)
				rows, err := a.DB.QueryContext(ctx, query, params...)
				if err != nil {
					return err
				}
				defer rows.Close()
				type event struct {
					ID         int64  `json:"id"`
					TS         string `json:"ts"`
					Type       string `json:"type"`
					EntityKind string `json:"entityKind"`
					EntityID   string `json:"entityId"`
					Payload    string `json:"payload"`
				}
				var events []event
				for rows.Next() {
					var e event
					if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
						return err
					}
					events = append(events, e)
				}
				if err := rows.Err(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func issueCmd() *cobra.Command {
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Manage issues",
		Long:  "Issues track recurring bad habits. They get sequential numbers, default labels, and stay until closed.",
	}
	issue.AddCommand(issueCreateCmd())
	issue.AddCommand(issueListCmd())
	issue.AddCommand(issueCloseCmd())
	return issue
}

func issueCreateCmd() *cobra.Command {
	var title, description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open an issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				issue, err := a.Controller.CreateIssue(ctx, title, description)
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "issue title")
	cmd.Flags().StringVar(&description, "description", "", "issue description")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func issueListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				issues := a.Controller.Snapshot().Issues
				if status != "" {
					filtered := issues[:0:0]
					for _, i := range issues {
						if i.Status == status {
							filtered = append(filtered, i)
						}
					}
					issues = filtered
				}
				if viper.GetBool("json") {
					return printJSON(issues)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Title", "Status", "Labels", "Created"})
				for _, i := range issues {
					tw.AppendRow(table.Row{i.Number, i.Title, i.Status, strings.Join(i.Labels, ","), i.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (open, closed)")
	return cmd
}

func issueCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				issue, err := a.Controller.CloseIssue(ctx, args[0])
				if err != nil {
					return err
				}
				if issue.ID == "" {
					fmt.Printf("issue %s not found; nothing to close\n", args[0])
					return nil
				}
				return printJSONOrTable(issue)
			})
		},
	}
	return cmd
}

func prCmd() *cobra.Command {
	pr := &cobra.Command{
		Use:   "pr",
		Short: "Manage pull requests",
		Long:  "A pull request pitches atonement for one commit. The oracle reviews it on the spot; the verdict is final.",
	}
	pr.AddCommand(prOpenCmd())
	pr.AddCommand(prListCmd())
	return pr
}

func prOpenCmd() *cobra.Command {
	var commitID, title, description string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a pull request against a commit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if commitID == "" || title == "" {
				return fmt.Errorf("--commit and --title required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				pr, err := a.Controller.OpenPullRequest(ctx, commitID, title, description)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pr)
				}
				fmt.Printf("PR #%d %s [%s]\n", pr.Number, pr.Title, pr.Status)
				if pr.Review != nil {
					fmt.Printf("Review (%s): %s\n", pr.Review.Label, pr.Review.Comment)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&commitID, "commit", "", "commit id to atone for")
	cmd.Flags().StringVar(&title, "title", "", "pull request title")
	cmd.Flags().StringVar(&description, "description", "", "what you did to atone")
	_ = cmd.MarkFlagRequired("commit")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func prListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pull requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				prs := a.Controller.Snapshot().PullRequests
				if viper.GetBool("json") {
					return printJSON(prs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Title", "Status", "Commit", "Label"})
				for _, p := range prs {
					label := ""
					if p.Review != nil {
						label = p.Review.Label
					}
					commit := p.CommitID
					if len(commit) > 8 {
						commit = commit[:8]
					}
					tw.AppendRow(table.Row{p.Number, p.Title, p.Status, commit, label})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Talk to the Sentinel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				reply, err := a.Controller.SendChat(ctx, args[0], func(chunk string) {
					fmt.Print(chunk)
				})
				if err != nil {
					return err
				}
				fmt.Println()
				if viper.GetBool("json") {
					return printJSON(map[string]string{"reply": reply})
				}
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{Controller: a.Controller, BasePath: basePath})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving GUILTHUB API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		APIKey:    viper.GetString("api-key"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
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
