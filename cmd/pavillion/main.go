package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"pavillion/internal/app"
	"pavillion/internal/config"
	"pavillion/internal/db"
	"pavillion/internal/domain"
	"pavillion/internal/migrate"
	"pavillion/internal/netguard"
	"pavillion/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pavillion",
	Short: "Pavillion federation node",
	Long: `Pavillion federates calendars between instances over ActivityPub.
- Actors: every local account and calendar owns an RSA keypair published at its actor URI.
- Editors: granting a remote actor edit rights sends it a signed Add; revoking sends a Remove.
- Inbox: signed Add/Remove activities from remote calendars grant or revoke local accounts.
- Outbox: activities are persisted first, then delivered to recipient inboxes with retries.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureDataDir(viper.GetString("data-dir"))
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
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PAVILLION")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("data-dir", "d", ".", "directory holding pavillion.yml and the database")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text or json")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	for _, name := range []string{"data-dir", "json", "log-format", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(calendarCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(editorsCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(checkURLCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve federation endpoints and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("PAVILLION_JWT_SECRET is required for the admin API")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					App:      a,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, Logger: a.Logger},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					a.Logger.Info("serving", "addr", addr, "domain", a.Config.Federation.Domain, "base_path", basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				if a.Config.DeliveryEnabled() {
					g.Go(func() error {
						err := a.Delivery.Run(ctx)
						if errors.Is(err, context.Canceled) {
							return nil
						}
						return err
					})
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "admin API base path (defaults to server.base_path or /v0)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{DataDir: viper.GetString("data-dir")})
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.MigrateContext(cmd.Context(), conn)
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{"schema_version": version, "path": db.Path(viper.GetString("data-dir"))})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage pavillion.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var domainName string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default pavillion.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("data-dir"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if _, err := config.FromYAML([]byte(config.GenerateDefault(domainName))); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(domainName)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&domainName, "domain", "", "public host of this instance")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("data-dir"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate pavillion.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("data-dir"))
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
}

func accountCmd() *cobra.Command {
	acct := &cobra.Command{Use: "account", Short: "Manage local accounts"}
	var id, username, email string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a local account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if id == "" {
					id = username
				}
				acc := domain.Account{ID: id, Username: username, Email: email, CreatedAt: time.Now().UTC().Format(time.RFC3339)}
				if err := a.Repo.InsertAccount(ctx, acc); err != nil {
					return err
				}
				return printJSONOrTable(acc)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "account id (defaults to username)")
	create.Flags().StringVar(&username, "username", "", "username")
	create.Flags().StringVar(&email, "email", "", "email")
	_ = create.MarkFlagRequired("username")
	acct.AddCommand(create)
	return acct
}

func calendarCmd() *cobra.Command {
	cal := &cobra.Command{Use: "calendar", Short: "Manage local calendars"}
	var id, urlName, accountID string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a local calendar",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if id == "" {
					id = urlName
				}
				c := domain.Calendar{ID: id, URLName: urlName, AccountID: accountID, CreatedAt: time.Now().UTC().Format(time.RFC3339)}
				if err := a.Repo.InsertCalendar(ctx, c); err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "calendar id (defaults to url name)")
	create.Flags().StringVar(&urlName, "url-name", "", "url name")
	create.Flags().StringVar(&accountID, "account", "", "owning account id")
	_ = create.MarkFlagRequired("url-name")
	cal.AddCommand(create)
	return cal
}

func actorCmd() *cobra.Command {
	actor := &cobra.Command{Use: "actor", Short: "Manage federation actors"}
	actor.AddCommand(actorCreateCmd())
	actor.AddCommand(actorShowCmd())
	actor.AddCommand(actorListCmd())
	return actor
}

func actorCreateCmd() *cobra.Command {
	var accountID, calendarID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create the actor of an account or calendar",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (accountID == "") == (calendarID == "") {
				return fmt.Errorf("exactly one of --account or --calendar is required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var actor domain.Actor
				if accountID != "" {
					acc, err := a.Repo.GetAccount(ctx, accountID)
					if err != nil {
						return err
					}
					if actor, err = a.Keys.CreateActor(ctx, acc); err != nil {
						return err
					}
				} else {
					cal, err := a.Repo.GetCalendar(ctx, calendarID)
					if err != nil {
						return err
					}
					if actor, err = a.Keys.CreateCalendarActor(ctx, cal); err != nil {
						return err
					}
				}
				return printJSONOrTable(actor)
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	cmd.Flags().StringVar(&calendarID, "calendar", "", "calendar id")
	return cmd
}

func actorShowCmd() *cobra.Command {
	var uri, username string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an actor by URI or local username",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					actor *domain.Actor
					err   error
				)
				switch {
				case uri != "":
					actor, err = a.Keys.GetActorByURI(ctx, uri)
				case username != "":
					actor, err = a.Keys.GetActorByUsername(ctx, username)
				default:
					return fmt.Errorf("--uri or --username required")
				}
				if err != nil {
					return err
				}
				if actor == nil {
					return fmt.Errorf("actor not found")
				}
				return printJSONOrTable(actor)
			})
		},
	}
	cmd.Flags().StringVar(&uri, "uri", "", "actor uri")
	cmd.Flags().StringVar(&username, "username", "", "local username")
	return cmd
}

func actorListCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actors, err := a.Repo.ListActors(ctx, domain.ActorKind(kind))
				if err != nil {
					return err
				}
				for i := range actors {
					actors[i].PrivateKeyPEM = ""
				}
				if viper.GetBool("json") {
					return printJSON(actors)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Actor URI", "Owner", "Inbox"})
				for _, actor := range actors {
					owner := actor.AccountID
					if actor.CalendarID != "" {
						owner = "calendar:" + actor.CalendarID
					}
					tw.AppendRow(table.Row{actor.ID, actor.Kind, actor.ActorURI, owner, actor.InboxURL})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "local or remote")
	return cmd
}

func editorsCmd() *cobra.Command {
	ed := &cobra.Command{Use: "editors", Short: "Manage calendar editors"}
	ed.AddCommand(editorsGrantCmd())
	ed.AddCommand(editorsRevokeCmd())
	ed.AddCommand(editorsListCmd())
	return ed
}

func editorsGrantCmd() *cobra.Command {
	var calendarID, handle, grantedBy string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant edit rights to user@host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				edge, err := a.Editors.Grant(ctx, calendarID, handle, grantedBy)
				if err != nil {
					return err
				}
				return printJSONOrTable(edge)
			})
		},
	}
	cmd.Flags().StringVar(&calendarID, "calendar", "", "calendar id")
	cmd.Flags().StringVar(&handle, "handle", "", "user@host")
	cmd.Flags().StringVar(&grantedBy, "granted-by", "cli", "subject recorded on the grant")
	_ = cmd.MarkFlagRequired("calendar")
	_ = cmd.MarkFlagRequired("handle")
	return cmd
}

func editorsRevokeCmd() *cobra.Command {
	var calendarID, actorID string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke edit rights",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Editors.Revoke(ctx, calendarID, actorID); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"revoked": actorID, "calendar_id": calendarID})
			})
		},
	}
	cmd.Flags().StringVar(&calendarID, "calendar", "", "calendar id")
	cmd.Flags().StringVar(&actorID, "actor", "", "grantee actor id")
	_ = cmd.MarkFlagRequired("calendar")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func editorsListCmd() *cobra.Command {
	var calendarID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List calendar editors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Editors.List(ctx, calendarID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Actor ID", "Actor URI", "Account", "Granted By", "Granted At"})
				for _, e := range items {
					actorID, actorURI := e.Edge.ActorID, ""
					if e.Actor != nil {
						actorID, actorURI = e.Actor.ID, e.Actor.ActorURI
					}
					tw.AppendRow(table.Row{actorID, actorURI, e.Edge.AccountID, e.Edge.GrantedBy, e.Edge.GrantedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&calendarID, "calendar", "", "calendar id")
	_ = cmd.MarkFlagRequired("calendar")
	return cmd
}

func outboxCmd() *cobra.Command {
	out := &cobra.Command{Use: "outbox", Short: "Inspect the outbox"}
	var calendarID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List outbox messages and delivery state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				msgs, err := a.Repo.ListOutboxMessages(ctx, calendarID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Calendar", "Time", "Deliveries"})
				for _, m := range msgs {
					ds, err := a.Repo.DeliveriesForMessage(ctx, m.ID)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{m.ID, m.Type, m.CalendarID, m.MessageTime, deliverySummary(ds)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&calendarID, "calendar", "", "calendar id filter")
	list.Flags().IntVar(&limit, "limit", 20, "number of messages")
	out.AddCommand(list)
	return out
}

func checkURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-url <url>",
		Short: "Report whether a URL is safe to fetch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("data-dir"))
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default("localhost")
			}
			guard := netguard.New(newLogger(), cfg.Netguard.DNSTimeout, cfg.Netguard.FailureAlertThreshold)
			err = guard.ValidateURLNotPrivate(cmd.Context(), args[0])
			var unsafe *netguard.UnsafeURLError
			result := map[string]any{"url": args[0], "safe": err == nil}
			if errors.As(err, &unsafe) {
				result["reason"] = unsafe.Reason
			} else if err != nil {
				return err
			}
			if perr := printJSONOrTable(result); perr != nil {
				return perr
			}
			return err
		},
	}
}

func signCmd() *cobra.Command {
	var actorURI, target, method, bodyFile string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print signature headers for a request as a local actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			if bodyFile != "" {
				data, err := os.ReadFile(bodyFile)
				if err != nil {
					return err
				}
				body = data
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), target, bytes.NewReader(body))
				if err != nil {
					return err
				}
				if _, err := a.Signer.SignRequest(ctx, actorURI, req, body); err != nil {
					return err
				}
				headers := map[string]string{"Host": req.URL.Host}
				for _, name := range []string{"Date", "Digest", "Signature"} {
					if v := req.Header.Get(name); v != "" {
						headers[name] = v
					}
				}
				if viper.GetBool("json") {
					return printJSON(headers)
				}
				for _, name := range []string{"Host", "Date", "Digest", "Signature"} {
					if v, ok := headers[name]; ok {
						fmt.Printf("%s: %s\n", name, v)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorURI, "actor", "", "local actor uri")
	cmd.Flags().StringVar(&target, "target", "", "target url")
	cmd.Flags().StringVar(&method, "method", http.MethodPost, "http method")
	cmd.Flags().StringVar(&bodyFile, "body", "", "file holding the request body; adds a Digest")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), subject, nil, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, recorded as granted_by")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 never expires")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(viper.GetString("log-format"), "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	dataDir := viper.GetString("data-dir")
	cfg, err := config.Load(dataDir)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{DataDir: dataDir})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, app.New(cfg, conn, newLogger()))
}

func deliverySummary(ds []domain.OutboxDelivery) string {
	if len(ds) == 0 {
		return "-"
	}
	counts := map[domain.DeliveryStatus]int{}
	for _, d := range ds {
		counts[d.Status]++
	}
	var parts []string
	for _, s := range []domain.DeliveryStatus{domain.DeliveryDelivered, domain.DeliveryPending, domain.DeliveryDead} {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", s, counts[s]))
		}
	}
	return strings.Join(parts, " ")
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
