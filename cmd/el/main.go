package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"escrowline/internal/app"
	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/repo"
	"escrowline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "el",
	Short: "Escrowline CLI",
	Long: `Escrowline escrows payment for freelance missions.
A creator adds a mission and funds it; a freelancer accepts, delivers, and is
paid on approval. Deadlines, rejection loops, disputes with an arbiter, and
refunds cover the unhappy paths. Every change is a recorded transition and
every unit of value in custody is traceable to exactly one mission.`,
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
	viper.SetEnvPrefix("ESCROWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "caller identity")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, _, e, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid mission id %q", arg)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtUnix(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func fmtFreelancer(f *string) string {
	if f == nil {
		return "-"
	}
	return *f
}

func printMission(m domain.Mission) error {
	if viper.GetBool("json") {
		return printJSON(m)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendRows([]table.Row{
		{"ID", m.ID},
		{"Title", m.Title},
		{"Status", m.Status},
		{"Creator", m.Creator},
		{"Freelancer", fmtFreelancer(m.Freelancer)},
		{"Payment", m.PaymentAmount},
		{"Escrowed", m.EscrowedAmount},
		{"Delivery deadline", fmtUnix(m.DeliveryDeadline)},
		{"Validation deadline", fmtUnix(m.ValidationDeadline)},
		{"Arbiter enabled", m.ArbiterEnabled},
	})
	if m.RejectionMessage != "" {
		t.AppendRow(table.Row{"Rejection", m.RejectionMessage})
	}
	t.Render()
	return nil
}

func printMissions(items []domain.Mission) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Title", "Status", "Payment", "Escrowed", "Creator", "Freelancer", "Deadline"})
	for _, m := range items {
		t.AppendRow(table.Row{m.ID, m.Title, m.Status, m.PaymentAmount, m.EscrowedAmount, m.Creator, fmtFreelancer(m.Freelancer), fmtUnix(m.DeliveryDeadline)})
	}
	t.Render()
	return nil
}

func missionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mission", Short: "Manage missions"}
	cmd.AddCommand(missionAddCmd())
	cmd.AddCommand(missionListCmd())
	cmd.AddCommand(missionShowCmd())
	cmd.AddCommand(missionLogCmd())
	cmd.AddCommand(missionFundCmd())
	cmd.AddCommand(missionAcceptCmd())
	cmd.AddCommand(missionDeliverCmd())
	cmd.AddCommand(missionApproveCmd())
	cmd.AddCommand(missionRejectCmd())
	cmd.AddCommand(missionAutoApproveCmd())
	cmd.AddCommand(missionDisputeCmd())
	cmd.AddCommand(missionResolveCmd())
	cmd.AddCommand(missionRefundCmd())
	cmd.AddCommand(missionCancelCmd())
	cmd.AddCommand(missionDeadlineCmd())
	return cmd
}

func missionAddCmd() *cobra.Command {
	var (
		title, desc      string
		amount           int64
		deadlineIn       time.Duration
		validationPeriod time.Duration
		arbiter          bool
		cancellationType bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AddMission(ctx, engine.MissionCreateOptions{
					Creator:          actorID(),
					Title:            title,
					Description:      desc,
					PaymentAmount:    amount,
					DeliveryDeadline: e.Now().Add(deadlineIn).Unix(),
					ValidationPeriod: int64(validationPeriod / time.Second),
					ArbiterEnabled:   arbiter,
					CancellationType: cancellationType,
				})
				if err != nil {
					return err
				}
				return printMission(m)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "mission title")
	cmd.Flags().StringVar(&desc, "description", "", "mission description")
	cmd.Flags().Int64Var(&amount, "amount", 0, "payment amount in minor units")
	cmd.Flags().DurationVar(&deadlineIn, "deadline-in", 7*24*time.Hour, "delivery deadline relative to now")
	cmd.Flags().DurationVar(&validationPeriod, "validation-period", 0, "validation window after delivery (default from config)")
	cmd.Flags().BoolVar(&arbiter, "arbiter", false, "allow administrator dispute resolution")
	cmd.Flags().BoolVar(&cancellationType, "cancellation-type", false, "reserved cancellation policy flag")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func missionListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMissions(ctx, domain.Status(status), limit, 0)
				if err != nil {
					return err
				}
				return printMissions(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 0, "limit results")
	return cmd
}

func missionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Repo.GetMission(ctx, id)
				if err != nil {
					return err
				}
				return printMission(m)
			})
		},
	}
	return cmd
}

func missionLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log <id>",
		Short: "Show a mission's transition log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTransitions(ctx, id)
				if err != nil {
					return err
				}
				return printTransitions(items)
			})
		},
	}
	return cmd
}

func printTransitions(items []domain.Transition) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "TS", "Mission", "Action", "From", "To", "Actor", "Moved"})
	for _, tr := range items {
		t.AppendRow(table.Row{tr.ID, tr.TS, tr.MissionID, tr.Action, tr.FromStatus, tr.ToStatus, tr.ActorID, tr.AmountMoved})
	}
	t.Render()
	return nil
}

// missionActionCmd builds the common shape of single-argument transitions.
func missionActionCmd(use, short string, fn func(context.Context, engine.Engine, int64) (domain.Mission, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := fn(ctx, e, id)
				if err != nil {
					return err
				}
				return printMission(m)
			})
		},
	}
}

func missionFundCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "fund <id>",
		Short: "Fund a mission's escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.FundMission(ctx, id, actorID(), amount)
				if err != nil {
					return err
				}
				return printMission(m)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "deposited amount; must equal the payment amount")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func missionAcceptCmd() *cobra.Command {
	return missionActionCmd("accept", "Accept a mission as freelancer", func(ctx context.Context, e engine.Engine, id int64) (domain.Mission, error) {
		return e.AcceptMission(ctx, id, actorID())
	})
}

func missionDeliverCmd() *cobra.Command {
	return missionActionCmd("deliver", "Deliver mission work", func(ctx context.Context, e engine.Engine, id int64) (domain.Mission, error) {
		return e.DeliverMission(ctx, id, actorID())
	})
}

func missionApproveCmd() *cobra.Command {
	return missionActionCmd("approve", "Approve delivery and release escrow", func(ctx context.Context, e engine.Engine, id int64) (domain.Mission, error) {
		return e.ApproveMission(ctx, id, actorID())
	})
}

func missionAutoApproveCmd() *cobra.Command {
	return missionActionCmd("auto-approve", "Release escrow after the validation deadline", func(ctx context.Context, e engine.Engine, id int64) (domain.Mission, error) {
		return e.AutoApprove(ctx, id, actorID())
	})
}

func missionRefundCmd() *cobra.Command {
	return missionActionCmd("refund", "Refund escrow to creator", func(ctx context.Context, e engine.Engine, id int64) (domain.Mission, error) {
		return e.RefundMission(ctx, id, actorID())
	})
}

func missionCancelCmd() *cobra.Command {
	return missionActionCmd("cancel", "Cancel an unassigned mission", func(ctx context.Context, e engine.Engine, id int64) (domain.Mission, error) {
		return e.CancelMission(ctx, id, actorID())
	})
}

func missionRejectCmd() *cobra.Command {
	var extra time.Duration
	var message string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject delivery with extra time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RejectMission(ctx, id, actorID(), int64(extra/time.Second), message)
				if err != nil {
					return err
				}
				return printMission(m)
			})
		},
	}
	cmd.Flags().DurationVar(&extra, "extra", 72*time.Hour, "extra delivery time, anchored to now")
	cmd.Flags().StringVar(&message, "message", "", "rejection rationale")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func missionDisputeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "dispute <id>",
		Short: "Open a dispute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.DisputeMission(ctx, id, actorID(), reason)
				if err != nil {
					return err
				}
				return printMission(m)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "dispute reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func missionResolveCmd() *cobra.Command {
	var payFreelancer bool
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a dispute as administrator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.ResolveDispute(ctx, id, actorID(), payFreelancer)
				if err != nil {
					return err
				}
				return printMission(m)
			})
		},
	}
	cmd.Flags().BoolVar(&payFreelancer, "pay-freelancer", false, "pay the freelancer instead of refunding the creator")
	return cmd
}

func missionDeadlineCmd() *cobra.Command {
	var in time.Duration
	cmd := &cobra.Command{
		Use:   "deadline <id>",
		Short: "Move the delivery deadline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.UpdateDeliveryDeadline(ctx, id, actorID(), e.Now().Add(in).Unix())
				if err != nil {
					return err
				}
				return printMission(m)
			})
		},
	}
	cmd.Flags().DurationVar(&in, "in", 7*24*time.Hour, "new deadline relative to now")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Store status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				count, err := e.Repo.CountMissions(ctx)
				if err != nil {
					return err
				}
				escrowed, err := e.Repo.SumEscrowed(ctx)
				if err != nil {
					return err
				}
				held, err := e.Custody.Held(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"missions_count": count,
						"escrowed_total": escrowed,
						"custody_held":   held,
						"administrator":  e.Administrator,
					})
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendRows([]table.Row{
					{"Missions", count},
					{"Escrowed total", escrowed},
					{"Custody held", held},
					{"Administrator", e.Administrator},
				})
				t.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Transition log"}
	var after int64
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.TransitionsAfter(ctx, limit, after)
				if err != nil {
					return err
				}
				return printTransitions(items)
			})
		},
	}
	tail.Flags().Int64Var(&after, "after", 0, "only transitions with id greater than this")
	tail.Flags().IntVar(&limit, "limit", 50, "limit results")
	cmd.AddCommand(tail)
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// The secret is shown once; only the hash is stored.
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": secret})
				}
				fmt.Printf("api key for %s: %s\n", key.ActorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (default --actor-id)")
	create.Flags().StringVar(&name, "name", "", "key label")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					t.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.AddCommand(create)
	cmd.AddCommand(list)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default escrowline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, cfg, e, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:        cfg.Server.JWTSecret,
					AllowActorHeader: cfg.Server.AllowActorHeader,
				},
			})
			if err != nil {
				return err
			}
			server.StartWebhooks(e, cfg)
			fmt.Println("listening on", addr)
			return http.ListenAndServe(addr, handler)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	return cmd
}
