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

	"civicplan/internal/config"
	"civicplan/internal/db"
	"civicplan/internal/engine"
	"civicplan/internal/migrate"
	"civicplan/internal/repo"
	"civicplan/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "civicplan",
	Short: "Civicplan CLI",
	Long: `Civicplan turns a backlog of reported civic issues into a feasible
quarterly execution plan: issues are risk-scored into project candidates,
candidates are selected under the quarterly budget, and approved projects
are placed onto a capacity-limited weekly crew calendar, subject to
outdoor-work weather feasibility.`,
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
	viper.SetEnvPrefix("CIVICPLAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the workspace with the sample backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) || force {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Init(ctx); err != nil {
					return err
				}
				summary, err := e.Summary(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Seeded %d open issues for %s (budget $%.0f, %d-week horizon)\n",
					summary.OpenIssues, e.Config.City.Name, e.Config.QuarterlyBudget, e.Config.PlanningHorizonWeeks)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func runCmd() *cobra.Command {
	var budget float64
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full planning pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b := budget
				if b == 0 {
					b = e.Config.QuarterlyBudget
				}
				res, err := e.RunPipeline(ctx, b)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printRunSummary(res)
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&budget, "budget", 0, "quarterly budget override")
	return cmd
}

func printRunSummary(res engine.RunResult) {
	fmt.Printf("Pipeline run %s\n\n", res.RunID)
	fmt.Printf("Candidates created:  %d (skipped %d below threshold)\n",
		len(res.Formation.Created), res.Formation.Skipped)
	fmt.Printf("Approved:            %d ($%.0f of $%.0f)\n",
		len(res.Allocation.Approved), res.Allocation.TotalAllocated, res.Budget)
	fmt.Printf("Rejected:            %d\n", len(res.Allocation.Rejected))
	fmt.Printf("Scheduled:           %d (infeasible %d)\n\n",
		len(res.Schedule.Placed), len(res.Schedule.Infeasible))

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Priority", "Project", "Cost", "Crew", "Weeks"})
	for _, d := range res.Projects {
		if d.DisplayPriority == nil {
			continue
		}
		window := "unscheduled"
		if d.StartWeek != nil && d.EndWeek != nil {
			window = fmt.Sprintf("%d-%d", *d.StartWeek, *d.EndWeek)
		}
		tw.AppendRow(table.Row{*d.DisplayPriority, d.Title,
			fmt.Sprintf("$%.0f", d.EstimatedCost), d.RequiredCrewType, window})
	}
	tw.Render()

	if len(res.Schedule.Violations) > 0 {
		fmt.Printf("\nWARNING: %d calendar violations detected\n", len(res.Schedule.Violations))
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Run consistency checks over pipeline outputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Validate(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Print(report.Format())
				return nil
			})
		},
	}
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "report", Short: "Read-only views of the current plan"}
	cmd.AddCommand(reportPortfolioCmd())
	cmd.AddCommand(reportScheduleCmd())
	cmd.AddCommand(reportCalendarCmd())
	cmd.AddCommand(reportAuditCmd())
	return cmd
}

func reportPortfolioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "portfolio",
		Short: "Portfolio decisions per project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				details, err := e.ProjectDetails(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(details)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Project", "Risk", "Cost", "Decision", "Rank"})
				for _, d := range details {
					decision, rank := "-", "-"
					if d.Decision != nil {
						decision = *d.Decision
					}
					if d.PriorityRank != nil {
						rank = fmt.Sprint(*d.PriorityRank)
					}
					tw.AppendRow(table.Row{d.ProjectID, d.Title, d.RiskScore,
						fmt.Sprintf("$%.0f", d.EstimatedCost), decision, rank})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func reportScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Project", "Weeks", "Crew", "Size", "Status"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.TaskID, t.Title,
						fmt.Sprintf("%d-%d", t.StartWeek, t.EndWeek), t.ResourceType, t.CrewAssigned, t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func reportCalendarCmd() *cobra.Command {
	var resourceType string
	cmd := &cobra.Command{
		Use:   "calendar",
		Short: "Weekly crew capacity and allocation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListCalendar(ctx, repo.CalendarFilters{ResourceType: resourceType})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Crew", "Week", "Capacity", "Allocated"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.ResourceType, entry.WeekNumber, entry.Capacity, entry.Allocated})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&resourceType, "crew", "", "filter by crew type")
	return cmd
}

func reportAuditCmd() *cobra.Command {
	var stage, eventType string
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListAudit(ctx, repo.AuditFilters{Stage: stage, EventType: eventType, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Stage", "Event", "Payload"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.ID, entry.TS, entry.Stage, entry.EventType, entry.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "filter by pipeline stage")
	cmd.Flags().StringVar(&eventType, "event-type", "", "filter by event type")
	cmd.Flags().IntVar(&limit, "limit", 0, "max entries")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
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
			fmt.Printf("Serving Civicplan API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
