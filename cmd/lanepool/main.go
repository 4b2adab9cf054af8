package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"lanepool/internal/app"
	"lanepool/internal/config"
	"lanepool/internal/domain"
	"lanepool/internal/engine"
	"lanepool/internal/repo"
	"lanepool/internal/webhook"
)

var rootCmd = &cobra.Command{
	Use:   "lanepool",
	Short: "Lanepool consolidation engine",
	Long: `Lanepool groups small shipments travelling the same lane into shared pools.
- Lane: origin port, destination port, transport mode and booking cutoff.
- Pool: one container per lane; it closes at 90% fill or at the cutoff and is then booked.
- Events: every pool change is journaled and pushed to webhook subscribers.
The workspace directory holds lanepool.yml and the .lanepool ledger.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LANEPOOL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (defaults to <workspace>/lanepool.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "override log.level")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(poolCmd())
	rootCmd.AddCommand(subscriptionCmd())
	rootCmd.AddCommand(deliveryCmd())
}

// loadConfig reads the config file and applies flag and LANEPOOL_* overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString("admin-jwt-secret"); v != "" {
		cfg.Server.AdminJWTSecret = v
	}
	if v := viper.GetString("addr"); v != "" {
		cfg.Server.Addr = v
	}
	if v := viper.GetString("base-path"); v != "" {
		cfg.Server.BasePath = v
	}
	if v := viper.GetString("booking-endpoint"); v != "" {
		cfg.Booking.Endpoint = v
	}
	return cfg, cfg.Validate()
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// --- serve ---

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Config.Server.AdminJWTSecret == "" {
					a.Logger.Warn("admin_jwt_secret not set; /admin routes will reject every request")
				}
				handler, err := a.Handler()
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: a.Config.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				if err := a.Scheduler.Start(ctx); err != nil {
					return err
				}
				errCh := make(chan error, 1)
				go func() {
					a.Logger.Info("serving lanepool api",
						zap.String("addr", a.Config.Server.Addr),
						zap.String("base_path", a.Config.Server.BasePath))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						errCh <- err
					}
					close(errCh)
				}()

				var serveErr error
				select {
				case <-ctx.Done():
				case serveErr = <-errCh:
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					a.Logger.Warn("http shutdown", zap.Error(err))
				}
				if err := a.Scheduler.Shutdown(shutdownCtx); err != nil {
					a.Logger.Warn("scheduler shutdown", zap.Error(err))
				}
				return serveErr
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("base-path", "", "API base path (overrides server.base_path)")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("base-path", cmd.Flags().Lookup("base-path"))
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage lanepool.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.DefaultTemplate), 0o644); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"path": path})
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
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.Server.AdminJWTSecret != "" {
				shown.Server.AdminJWTSecret = "********"
			}
			if viper.GetBool("json") {
				return printJSON(shown)
			}
			out, err := yaml.Marshal(shown)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

// --- items ---

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Submit and inspect items"}
	item.AddCommand(itemSubmitCmd())
	item.AddCommand(itemShowCmd())
	return item
}

func itemSubmitCmd() *cobra.Command {
	var in engine.SubmitItemInput
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an item and try to place it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.SubmitItem(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Item", "Volume m³", "Status", "Pool", "New"})
				tw.AppendRow(table.Row{res.ItemID, res.VolumeM3, res.Status, res.PoolID, res.Created})
				tw.Render()
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.OwnerID, "owner", "", "owner id")
	f.StringVar(&in.Lane.Origin, "origin", "", "origin port (UN/LOCODE)")
	f.StringVar(&in.Lane.Destination, "destination", "", "destination port (UN/LOCODE)")
	f.StringVar(&in.Lane.Mode, "mode", domain.ModeSea, "transport mode: sea or air")
	f.StringVar(&in.Lane.Cutoff, "cutoff", "", "cutoff: RFC3339, YYYY-MM-DD or YYYY-Www")
	f.Float64Var(&in.WeightKG, "weight", 0, "weight in kg")
	f.Float64Var(&in.Dimensions.LengthCM, "length", 0, "length in cm")
	f.Float64Var(&in.Dimensions.WidthCM, "width", 0, "width in cm")
	f.Float64Var(&in.Dimensions.HeightCM, "height", 0, "height in cm")
	f.StringVar(&in.IdempotencyKey, "idempotency-key", "", "deduplication key")
	for _, name := range []string{"owner", "origin", "destination", "cutoff", "length", "width", "height"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <item-id>",
		Short: "Show an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := a.Engine.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(it, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Item", "Lane", "Volume m³", "Status", "Pool"})
					tw.AppendRow(table.Row{it.ID, it.LaneKey, it.VolumeM3, it.Status, stringOrEmpty(it.PoolID)})
				})
			})
		},
	}
}

// --- background tasks, run once ---

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Place pending items once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				placed, err := a.Engine.AssignPendingItems(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"placed": placed})
				}
				fmt.Printf("placed %d item(s)\n", placed)
				return nil
			})
		},
	}
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one lifecycle clock tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Clock.Tick(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Transition", "Pools"})
					tw.AppendRow(table.Row{"open → closing", strings.Join(res.Closing, ", ")})
					tw.AppendRow(table.Row{"closing → booked", strings.Join(res.Booked, ", ")})
					tw.AppendRow(table.Row{"confirmed", strings.Join(res.Confirmed, ", ")})
				})
			})
		},
	}
}

// --- pools ---

func poolCmd() *cobra.Command {
	pool := &cobra.Command{Use: "pool", Short: "Inspect and operate pools"}
	pool.AddCommand(poolListCmd())
	pool.AddCommand(poolShowCmd())
	pool.AddCommand(poolRecomputeCmd())
	pool.AddCommand(poolBookCmd())
	return pool
}

func poolListCmd() *cobra.Command {
	var f repo.PoolFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pools, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				pools, err := a.Engine.ListPools(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(pools, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Pool", "Lane", "Used m³", "Capacity m³", "Fill", "Status", "Booking"})
					for _, p := range pools {
						tw.AppendRow(poolRow(p))
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "filter by status")
	cmd.Flags().StringVar(&f.LaneKey, "lane", "", "filter by canonical lane key")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func poolShowCmd() *cobra.Command {
	var withEvents bool
	cmd := &cobra.Command{
		Use:   "show <pool-id>",
		Short: "Show a pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.GetPool(ctx, args[0])
				if err != nil {
					return err
				}
				var evts []domain.PoolEvent
				if withEvents {
					if evts, err = a.Engine.ListPoolEvents(ctx, p.ID, 0, 0); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"pool": p, "events": evts})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Pool", "Lane", "Used m³", "Capacity m³", "Fill", "Status", "Booking"})
				tw.AppendRow(poolRow(p))
				tw.Render()
				if withEvents {
					ew := newTable()
					ew.AppendHeader(table.Row{"#", "Type", "At", "Payload"})
					for _, e := range evts {
						ew.AppendRow(table.Row{e.ID, e.Type, e.CreatedAt.Format(time.RFC3339), e.Payload})
					}
					ew.Render()
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&withEvents, "events", false, "include the event journal")
	return cmd
}

func poolRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <pool-id>",
		Short: "Rebuild pool fill from its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.RecomputeFill(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Pool", "Used m³", "Capacity m³", "Fill", "Corrected"})
					tw.AppendRow(table.Row{res.PoolID, res.UsedM3, res.CapacityM3, percent(res.Fill), res.Corrected})
				})
			})
		},
	}
}

func poolBookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "book <pool-id>",
		Short: "Book a pool with the configured provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.BookPool(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Pool", "Lane", "Used m³", "Capacity m³", "Fill", "Status", "Booking"})
					tw.AppendRow(poolRow(p))
				})
			})
		},
	}
}

// --- webhooks ---

func subscriptionCmd() *cobra.Command {
	sub := &cobra.Command{Use: "subscription", Short: "Manage webhook subscriptions"}
	sub.AddCommand(subscriptionAddCmd())
	sub.AddCommand(subscriptionListCmd())
	sub.AddCommand(subscriptionDeactivateCmd())
	return sub
}

func subscriptionAddCmd() *cobra.Command {
	var in webhook.SubscriptionInput
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a webhook endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Webhooks.CreateSubscription(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"subscription": s, "secret": s.Secret})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Subscription", "URL", "Events", "Secret"})
				tw.AppendRow(table.Row{s.ID, s.URL, s.Events, s.Secret})
				tw.Render()
				fmt.Println("store the secret now; it is not shown again")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.URL, "url", "", "endpoint URL")
	cmd.Flags().StringVar(&in.Events, "events", "*", "comma separated event types, or *")
	cmd.Flags().StringVar(&in.Secret, "secret", "", "signing secret (generated when empty)")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func subscriptionListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List webhook subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				subs, err := a.Webhooks.ListSubscriptions(ctx, activeOnly)
				if err != nil {
					return err
				}
				return printJSONOrTable(subs, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Subscription", "URL", "Events", "Active", "Created"})
					for _, s := range subs {
						tw.AppendRow(table.Row{s.ID, s.URL, s.Events, s.Active, s.CreatedAt.Format(time.RFC3339)})
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active subscriptions")
	return cmd
}

func subscriptionDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <subscription-id>",
		Short: "Stop delivering to a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Webhooks.DeactivateSubscription(ctx, args[0]); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": args[0], "active": false})
				}
				fmt.Println("deactivated", args[0])
				return nil
			})
		},
	}
}

func deliveryCmd() *cobra.Command {
	dlv := &cobra.Command{Use: "delivery", Short: "Inspect and drive webhook deliveries"}
	dlv.AddCommand(deliveryListCmd())
	dlv.AddCommand(deliveryShowCmd())
	dlv.AddCommand(deliveryRetryCmd())
	dlv.AddCommand(deliveryDispatchCmd())
	return dlv
}

func deliveryListCmd() *cobra.Command {
	var f repo.DeliveryFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				list, err := a.Webhooks.ListDeliveries(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(list, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Delivery", "Event", "Type", "Status", "Attempts", "Next attempt", "Last error"})
					for _, d := range list {
						tw.AppendRow(table.Row{d.ID, d.EventID, d.EventType, d.Status, d.AttemptCount,
							d.NextAttemptAt.Format(time.RFC3339), stringOrEmpty(d.LastError)})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "pending, success or failed")
	cmd.Flags().StringVar(&f.SubscriptionID, "subscription", "", "filter by subscription id")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func deliveryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <delivery-id>",
		Short: "Show one delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Webhooks.GetDelivery(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Delivery", "Subscription", "Type", "Status", "Attempts", "Next attempt", "Last error"})
					tw.AppendRow(table.Row{d.ID, d.SubscriptionID, d.EventType, d.Status, d.AttemptCount,
						d.NextAttemptAt.Format(time.RFC3339), stringOrEmpty(d.LastError)})
				})
			})
		},
	}
}

func deliveryRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <delivery-id>",
		Short: "Reset a delivery for immediate retry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Webhooks.RetryDelivery(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Delivery", "Status", "Attempts", "Next attempt"})
					tw.AppendRow(table.Row{d.ID, d.Status, d.AttemptCount, d.NextAttemptAt.Format(time.RFC3339)})
				})
			})
		},
	}
}

func deliveryDispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatch cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Dispatcher.DispatchOnce(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Claimed", "Succeeded", "Retried", "Failed", "Lost"})
					tw.AppendRow(table.Row{res.Claimed, res.Succeeded, res.Retried, res.Failed, res.Lost})
				})
			})
		},
	}
}

// --- helpers ---

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSONOrTable(v any, rows func(table.Writer)) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := newTable()
	rows(tw)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func poolRow(p domain.Pool) table.Row {
	return table.Row{p.ID, p.LaneKey, p.UsedM3, p.CapacityM3, percent(p.Fill()), p.Status, stringOrEmpty(p.BookingRef)}
}

func percent(f float64) string {
	return fmt.Sprintf("%.1f%%", f*100)
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
