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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowline/internal/app"
	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/notify"
	"flowline/internal/repo"
	"flowline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Flowline CLI",
	Long: `Flowline dispatches project status changes through a guarded workflow.
- Workspace: the .flowline directory holding the database; flowline.yml holds the config.
- Project: an engagement moving draft -> onboarding -> active -> delivered -> closed, with on_hold and cancelled as detours.
- Transitions: every accepted status change is appended to an immutable ledger; history is never rewritten.
- Notifications: accepted changes are delivered to the configured automation endpoint with bounded retries; every attempt lands in the audit log.
- Roles: cancellation is restricted by the role policy in flowline.yml (admin by default).`,
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
	viper.SetEnvPrefix("FLOWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-role", domain.RoleAdmin, "actor role (admin, client)")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-role", rootCmd.PersistentFlags().Lookup("actor-role"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(attemptsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project in draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.InitProject(ctx, id, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if path, err := app.WriteDefaultConfig(rt.Workspace, id); err == nil {
					fmt.Fprintf(os.Stderr, "config: %s\n", path)
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "project name (defaults to id)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Version", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.Version, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := app.ResolveProject(ctx, viper.GetString("project"), rt.Config, rt.Engine.Repo)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show flowline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			// reads the file directly: show reports what is on disk, and a
			// missing flowline.yml is an error here rather than defaults
			loaded, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(loaded)
		},
	})
	var filePath string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into flowline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			dest := config.Path(viper.GetString("workspace"))
			if err := os.WriteFile(dest, data, 0o644); err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	importCmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = importCmd.MarkFlagRequired("file")
	cfg.AddCommand(importCmd)
	return cfg
}

func transitionCmd() *cobra.Command {
	var expect, key string
	cmd := &cobra.Command{
		Use:   "transition <to_status>",
		Short: "Request a status change",
		Long:  "Validates the change against the workflow and the role policy, appends it to the ledger, and delivers it to the automation endpoint before returning.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toStatus := domain.ProjectStatus(strings.TrimSpace(args[0]))
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := app.ResolveProject(ctx, viper.GetString("project"), rt.Config, rt.Engine.Repo)
				if err != nil {
					return err
				}
				res, err := rt.Engine.RequestTransition(ctx, engine.TransitionOptions{
					ProjectID:      p.ID,
					ToStatus:       toStatus,
					ActorID:        viper.GetString("actor-id"),
					ActorRole:      viper.GetString("actor-role"),
					ExpectedStatus: domain.ProjectStatus(expect),
					IdempotencyKey: key,
				})
				if err != nil {
					return err
				}
				if !res.Replayed {
					// Deliver in the foreground so the process can exit with
					// the attempt log already written.
					n := notify.New(rt.Engine.Repo, rt.Config.Automation, notify.Options{Workers: 1})
					outcome := n.Notify(ctx, res.Transition, p.Name)
					n.Close()
					fmt.Fprintf(os.Stderr, "delivery: %s\n", outcome)
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&expect, "expect", "", "expected current status; rejects when stale")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := app.ResolveProject(ctx, viper.GetString("project"), rt.Config, rt.Engine.Repo)
				if err != nil {
					return err
				}
				status, version, err := rt.Engine.LatestStatus(ctx, p.ID)
				if err != nil {
					return err
				}
				next := domain.AllowedNext(status)
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"project_id": p.ID,
						"status":     status,
						"version":    version,
						"next":       next,
					})
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Name)
				fmt.Printf("Status:  %s (version %d)\n", status, version)
				if len(next) == 0 {
					fmt.Println("Next:    none (terminal)")
				} else {
					parts := make([]string, 0, len(next))
					for _, s := range next {
						parts = append(parts, string(s))
					}
					fmt.Printf("Next:    %s\n", strings.Join(parts, ", "))
				}
				return nil
			})
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Show the status history ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := app.ResolveProject(ctx, viper.GetString("project"), rt.Config, rt.Engine.Repo)
				if err != nil {
					return err
				}
				items, err := rt.Engine.History(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "From", "To", "Actor", "Occurred"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.FromStatus, t.ToStatus, t.ActorID, t.OccurredAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func attemptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attempts <transition-id>",
		Short: "Show delivery attempts for a transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Attempts(ctx, strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Outcome", "Detail", "Sent"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.AttemptNumber, a.Outcome, a.ResponseDetail, a.SentAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	var n int
	var follow bool
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				projectID := viper.GetString("project")
				if projectID == "" {
					if p, err := app.ResolveProject(ctx, "", rt.Config, rt.Engine.Repo); err == nil {
						projectID = p.ID
					}
				}
				events, err := rt.Engine.Repo.LatestEvents(ctx, n, projectID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(events); err != nil {
					return err
				}
				if !follow {
					return nil
				}
				return followEvents(ctx, rt, projectID)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().BoolVarP(&follow, "follow", "f", false, "poll for new events until interrupted")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	log.AddCommand(tail)
	return log
}

// followEvents polls forward from the current end of the event log and
// prints each new event until the context is cancelled.
func followEvents(ctx context.Context, rt *app.Runtime, projectID string) error {
	cursor, err := rt.Engine.Repo.LatestEventID(ctx, projectID)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		batch, err := rt.Engine.Repo.EventsAfter(ctx, 100, cursor, projectID)
		if err != nil {
			return err
		}
		for _, e := range batch {
			if err := printJSONOrTable(e); err != nil {
				return err
			}
			cursor = e.ID
		}
	}
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Role:      role,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := rt.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": actor, "role": role, "key": secret})
				}
				fmt.Printf("API key for %s (%s): %s\n", actor, role, secret)
				fmt.Println("Store it now; only the hash is kept.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&role, "role", domain.RoleClient, "role bound to the key (admin, client)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				keys, err := rt.Engine.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.Repo.DeleteAPIKey(ctx, strings.TrimSpace(args[0]))
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			rt, err := app.Open(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer rt.Close()

			notifier := notify.New(rt.Engine.Repo, rt.Config.Automation, notify.Options{})
			defer notifier.Close()
			rt.Engine.Notifier = notifier
			if err := notifier.Reconcile(cmd.Context()); err != nil {
				return err
			}

			authCfg := server.AuthConfig{JWTSecret: os.Getenv("FLOWLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FLOWLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Flowline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
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
