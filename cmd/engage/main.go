package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"engageline/internal/app"
	"engageline/internal/config"
	"engageline/internal/db"
	"engageline/internal/domain"
	"engageline/internal/notify"
	"engageline/internal/server"
	"engageline/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "engage",
	Short: "Engageline CLI",
	Long: `Engageline runs client engagements from request to delivery.
- Projects: a client submits a request, an admin prices it and assigns a contractor.
- Contracts: generated from the pricing, signed by the client and the contractor.
- Payments: provider webhooks mark the project paid; a signed and paid project is in progress.
- Tasks and deliverables: tracked while the work runs; the project completes when no task is open.
- Reconciliation: verified payment events that could not be applied wait here for an admin.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ENGAGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor the command runs as")
	rootCmd.PersistentFlags().String("actor-role", string(domain.RoleAdmin), "role of --actor-id (admin, client, contractor)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-role", rootCmd.PersistentFlags().Lookup("actor-role"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(paymentsCmd())
	rootCmd.AddCommand(tokenCmd())
}

func currentActor() (domain.Actor, error) {
	a := domain.Actor{
		ID:   domain.ActorID(strings.TrimSpace(viper.GetString("actor-id"))),
		Role: domain.Role(viper.GetString("actor-role")),
	}
	if a.ID == "" || !a.Role.Valid() {
		return a, fmt.Errorf("--actor-id and a valid --actor-role are required")
	}
	return a, nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				if cmd.Flags().Changed("addr") {
					a.Config.Server.Addr = addr
				}
				if cmd.Flags().Changed("base-path") {
					a.Config.Server.BasePath = basePath
				}
				shutdownTracing, err := telemetry.Setup(ctx, a.Config.Telemetry.ServiceName, a.Config.Telemetry.OTLPEndpoint)
				if err != nil {
					return fmt.Errorf("telemetry: %w", err)
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdown)
					defer cancel()
					_ = shutdownTracing(sctx)
				}()
				handler, err := a.Handler()
				if err != nil {
					return err
				}
				go a.Dispatcher.Run(ctx, notify.DefaultInterval)

				srv := &http.Server{
					Addr:              a.Config.Server.Addr,
					Handler:           handler,
					ReadHeaderTimeout: config.DefaultReadHeader,
				}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdown)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Engageline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
					a.Config.Server.Addr, a.Config.Server.BasePath, a.Config.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path (overrides config)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage engage.yml",
		Long:  "engage.yml holds server, auth, payments, documents and notification settings. ENGAGE_* environment variables override it.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default engage.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.Auth.JWTSecret != "" {
				redacted.Auth.JWTSecret = "<redacted>"
			}
			if redacted.Payments.WebhookSecret != "" {
				redacted.Payments.WebhookSecret = "<redacted>"
			}
			return printJSON(redacted)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate engage.yml and the environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func actorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "actor", Short: "Manage actors and their API keys"}
	cmd.AddCommand(actorAddCmd())
	cmd.AddCommand(actorListCmd())
	cmd.AddCommand(actorKeyCmd())
	return cmd
}

func actorAddCmd() *cobra.Command {
	var id, role, name string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, err := currentActor()
				if err != nil {
					return err
				}
				p, err := a.Engine.RegisterActor(ctx, actor, domain.ActorProfile{
					ID:          domain.ActorID(id),
					Role:        domain.Role(role),
					DisplayName: name,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "admin, client or contractor")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func actorListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, err := currentActor()
				if err != nil {
					return err
				}
				items, err := a.Engine.ListActors(ctx, actor, domain.Role(role))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Role", "Name", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Role, p.DisplayName, p.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "only actors with this role")
	return cmd
}

func actorKeyCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Issue an API key for an actor (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, err := currentActor()
				if err != nil {
					return err
				}
				key, plaintext, err := a.Engine.IssueAPIKey(ctx, actor, domain.ActorID(id), name)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plaintext})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "project", Short: "Inspect projects"}
	cmd.AddCommand(projectListCmd())
	cmd.AddCommand(projectShowCmd())
	cmd.AddCommand(projectEventsCmd())
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects visible to the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, err := currentActor()
				if err != nil {
					return err
				}
				items, err := a.Engine.ListProjects(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Payment", "Client", "Contractor"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.Status, p.PaymentStatus, p.ClientID, p.ContractorID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, err := currentActor()
				if err != nil {
					return err
				}
				p, err := a.Engine.GetProject(ctx, actor, domain.ProjectID(args[0]))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <project-id>",
		Short: "Show the event history of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, err := currentActor()
				if err != nil {
					return err
				}
				items, err := a.Engine.ProjectEvents(ctx, actor, domain.ProjectID(args[0]))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func paymentsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "payments", Short: "Work the payment reconciliation queue"}
	cmd.AddCommand(paymentsQueueCmd())
	cmd.AddCommand(paymentsReplayCmd())
	return cmd
}

func paymentsQueueCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List payment events awaiting reconciliation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, err := currentActor()
				if err != nil {
					return err
				}
				items, err := a.Reconciler.Queue(ctx, actor, !all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Project", "Token", "Outcome", "Reason", "Resolved"})
				for _, it := range items {
					resolved := ""
					if it.ResolvedAt != nil {
						resolved = it.ResolvedAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{it.ID, it.ProjectID, it.Token, it.Outcome, it.Reason, resolved})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved items")
	return cmd
}

func paymentsReplayCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "replay <item-id>",
		Short: "Re-apply a queued payment event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid item id %q", args[0])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, err := currentActor()
				if err != nil {
					return err
				}
				item, err := a.Reconciler.Replay(ctx, actor, id, domain.ProjectID(projectID))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "apply to this project instead of the one the event named")
	return cmd
}

func tokenCmd() *cobra.Command {
	var id, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			token, err := server.SignToken(cfg.Auth.JWTSecret, domain.Actor{ID: domain.ActorID(id), Role: domain.Role(role)}, ttl, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "actor id (token subject)")
	cmd.Flags().StringVar(&role, "role", "", "admin, client or contractor")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"))
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

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
