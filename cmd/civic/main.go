package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"civicsense/internal/app"
	"civicsense/internal/config"
	"civicsense/internal/db"
	"civicsense/internal/domain"
	"civicsense/internal/identity"
	"civicsense/internal/lifecycle"
	"civicsense/internal/repo"
	"civicsense/internal/server"
	"civicsense/internal/telemetry"
	civicsdk "civicsense/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "civic",
	Short: "civicsense CLI",
	Long: `civicsense tracks municipal issue reports from submission to resolution.
- Citizens report issues (category, priority, location, up to 3 photos) and follow their own reports.
- Officers see every issue, assign it to a worker or officer and watch SLA deadlines.
- Workers move the issues assigned to them between pending, in_progress and resolved.
- Everyone can leave notes on the issues they can see; notes are append-only.
- Dashboards stay live: 'civic watch' follows the change feed of your view.
- Workspace: the directory holding civicsense.yml, .civic/civic.db and uploaded images.`,
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
	viper.SetEnvPrefix("CIVIC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.SetDefault("token-ttl", 24*time.Hour)
	viper.SetDefault("addr", "127.0.0.1:8080")

	// The workspace .env remembers the session written by 'user login'.
	env := viper.New()
	env.SetConfigFile(workspaceEnv())
	env.SetConfigType("env")
	if err := env.ReadInConfig(); err == nil {
		for _, key := range []string{"token", "server"} {
			if v := env.GetString("civic_" + key); v != "" {
				viper.SetDefault(key, v)
			}
		}
	}
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("server", "", "API server url; commands run against the workspace database when empty")
	flags.String("token", "", "session token")
	flags.BoolP("verbose", "v", false, "debug logging on stderr")
	for _, name := range []string{"workspace", "json", "server", "token", "verbose"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(noteCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(categoriesCmd())
	rootCmd.AddCommand(profilesCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if viper.GetString("jwt-secret") == "" {
				return fmt.Errorf("CIVIC_JWT_SECRET is required for bearer auth")
			}
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := telemetry.Init(ctx, viper.GetDuration("otel-interval")); err != nil {
				return err
			}
			defer telemetry.Shutdown(context.Background())
			a.Start(ctx)

			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Identity: a.Identity,
				Feed:     a.Hub,
				Uploads:  a.Uploads,
				BasePath: basePath,
				Logger:   a.Logger,
			})
			if err != nil {
				return err
			}
			addr := viper.GetString("addr")
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				// Feed streams end with the hub, so shutdown does not wait on them.
				a.Hub.Close()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving civicsense API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Accounts and sessions"}
	cmd.AddCommand(userSignupCmd())
	cmd.AddCommand(userLoginCmd())
	cmd.AddCommand(userLogoutCmd())
	cmd.AddCommand(userWhoamiCmd())
	return cmd
}

func userSignupCmd() *cobra.Command {
	var name, email, password, role string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if addr := viper.GetString("server"); addr != "" {
				p, err := civicsdk.New(addr, "").Signup(ctx, name, email, password, role)
				if err != nil {
					return err
				}
				return printJSON(p)
			}
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				p, err := a.Identity.Signup(ctx, identity.SignupRequest{FullName: name, Email: email, Password: password, Role: role})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "full name")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&password, "password", "", "password (at least 8 characters)")
	cmd.Flags().StringVar(&role, "role", "citizen", "citizen, worker or officer")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userLoginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and remember the session in the workspace .env",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var (
				token string
				p     domain.Profile
				err   error
			)
			addr := viper.GetString("server")
			env := &envSession{path: workspaceEnv(), server: addr}
			if addr != "" {
				c := civicsdk.New(addr, "")
				defer env.track(c.Session)()
				token, p, err = c.Login(ctx, email, password)
			} else {
				err = withApp(ctx, func(ctx context.Context, a *app.App) error {
					var lerr error
					token, p, lerr = a.Identity.Login(ctx, email, password)
					if lerr != nil {
						return lerr
					}
					sess := identity.NewSession()
					defer env.track(sess)()
					sess.SignIn(token, identity.IdentityOf(p))
					return nil
				})
			}
			if err != nil {
				return err
			}
			if env.err != nil {
				return env.err
			}
			out := map[string]any{
				"profile":  p,
				"redirect": identity.DashboardPath(p.Role),
			}
			if viper.GetBool("json") {
				out["token"] = token
				return printJSON(out)
			}
			fmt.Printf("Signed in as %s (%s). Session saved to %s\n", p.FullName, p.Role, env.path)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&password, "password", "", "password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := &envSession{path: workspaceEnv()}
			err := withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				defer env.track(s.auth)()
				s.signOut()
				return nil
			})
			if err != nil {
				// The saved token no longer resolves; forget it anyway.
				return setEnvValue(env.path, "CIVIC_TOKEN", "")
			}
			return env.err
		},
	}
}

func userWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				return printJSON(map[string]any{
					"id":       s.actor.ID,
					"name":     s.actor.Name,
					"role":     s.actor.Role,
					"view":     lifecycle.ViewFor(s.actor.Role),
					"redirect": identity.DashboardPath(s.actor.Role),
				})
			})
		},
	}
}

func issueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "issue", Short: "Report and work issues"}
	cmd.AddCommand(issueReportCmd())
	cmd.AddCommand(issueListCmd())
	cmd.AddCommand(issueShowCmd())
	cmd.AddCommand(issueStatusCmd())
	cmd.AddCommand(issueAssignCmd())
	cmd.AddCommand(issueDeleteCmd())
	return cmd
}

func issueReportCmd() *cobra.Command {
	var sub lifecycle.Submission
	var lat, lng float64
	var images []string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report a new issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
					sub.Coordinates = &domain.Coordinates{Lat: lat, Lng: lng}
				}
				if len(images) > 0 {
					urls, errs := s.backend.Upload(ctx, images)
					for _, err := range errs {
						fmt.Fprintln(os.Stderr, "warning: image not uploaded:", err)
					}
					sub.Images = urls
				}
				is, err := s.backend.SubmitIssue(ctx, s.actor, sub)
				if err != nil {
					return err
				}
				return printIssue(is)
			})
		},
	}
	cmd.Flags().StringVar(&sub.Title, "title", "", "short title")
	cmd.Flags().StringVar(&sub.Description, "description", "", "what is wrong")
	cmd.Flags().StringVar(&sub.Category, "category", "", "category (see 'civic categories')")
	cmd.Flags().StringVar(&sub.Priority, "priority", "medium", "low, medium, high or critical")
	cmd.Flags().StringVar(&sub.Location, "location", "", "address or landmark")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	cmd.Flags().StringArrayVar(&images, "image", nil, "image file to attach (repeatable, at most 3)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func issueListCmd() *cobra.Command {
	var view, status, category, order string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the issues of your dashboard view",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				if _, ok := domain.ParseStatus(status); !ok {
					return &lifecycle.ValidationError{Field: "status", Reason: "must be pending, in_progress or resolved"}
				}
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				items, err := s.backend.ListIssues(ctx, s.actor, lifecycle.View(view), enginePage(limit, status, category, order))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderIssues(os.Stdout, items, time.Now())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&view, "view", "", "reports, assignments or all (defaults to your role's dashboard)")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	cmd.Flags().StringVar(&order, "order", "recent", "recent or sla")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func issueShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an issue with its notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				is, err := s.backend.GetIssue(ctx, s.actor, args[0])
				if err != nil {
					return err
				}
				notes, err := s.backend.ListUpdates(ctx, s.actor, is.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"issue": is, "updates": notes})
				}
				renderIssueDetail(os.Stdout, is, notes, time.Now())
				return nil
			})
		},
	}
}

func issueStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <pending|in_progress|resolved>",
		Short: "Move an issue to another status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				is, err := s.backend.TransitionIssue(ctx, s.actor, args[0], args[1])
				if err != nil {
					return err
				}
				return printIssue(is)
			})
		},
	}
}

func issueAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <id> <profile-id>",
		Short: "Assign an issue to a worker or officer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				is, err := s.backend.AssignIssue(ctx, s.actor, args[0], args[1])
				if err != nil {
					return err
				}
				return printIssue(is)
			})
		},
	}
}

func issueDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove an issue and its notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				if err := s.backend.DeleteIssue(ctx, s.actor, args[0]); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deleted": args[0]})
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func noteCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "note", Short: "Issue notes"}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <issue-id> <message>",
		Short: "Add a note to an issue",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				u, err := s.backend.AddUpdate(ctx, s.actor, args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list <issue-id>",
		Short: "List the notes of an issue, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				notes, err := s.backend.ListUpdates(ctx, s.actor, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(notes)
				}
				renderUpdates(os.Stdout, notes)
				return nil
			})
		},
	})
	return cmd
}

func statsCmd() *cobra.Command {
	var view string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count issues by status and overdue deadlines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				st, err := s.backend.Stats(ctx, s.actor, lifecycle.View(view))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				renderStats(os.Stdout, st)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&view, "view", "", "reports, assignments or all")
	return cmd
}

func categoriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List issue categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetString("server") == "" {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					return printCategories(a.Config.Categories)
				})
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				cats, err := s.backend.Categories(ctx)
				if err != nil {
					return err
				}
				return printCategories(cats)
			})
		},
	}
}

func profilesCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List workers and officers that issues can be assigned to",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				items, err := s.backend.Profiles(ctx, s.actor, domain.Role(role))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderProfiles(os.Stdout, items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "worker or officer")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Change log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Limit = n
			if viper.GetString("server") != "" {
				return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
					events, err := s.backend.ChangeLog(ctx, f)
					if err != nil {
						return err
					}
					return printJSON(events)
				})
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Topic, "topic", "", "issues or issue_updates")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "insert, update or delete")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "issue or note id")
	cmd.Flags().StringVar(&f.ActorID, "actor-id", "", "acting profile id")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	cmd.AddCommand(configInitCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if viper.GetBool("json") {
					return printJSON(a.Config)
				}
				out, err := a.Config.YAML()
				if err != nil {
					return err
				}
				fmt.Print(out)
				return nil
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.LoadOptional(viper.GetString("workspace"))
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

func configInitCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default civicsense.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !viper.GetBool("force") {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "Civic Sense", "municipality name")
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	_ = viper.BindPFlag("force", cmd.Flags().Lookup("force"))
	return cmd
}
