package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"makerspace/internal/app"
	"makerspace/internal/auth"
	"makerspace/internal/config"
	"makerspace/internal/db"
	"makerspace/internal/events"
	"makerspace/internal/logging"
	"makerspace/internal/migrate"
	makerspacesdk "makerspace/sdk/go"
)

const (
	keyJSON     = "json"
	keyEnvFile  = "env-file"
	keyAPIURL   = "api-url"
	keyAPIToken = "api-token"
)

var rootCmd = &cobra.Command{
	Use:   "makerspace",
	Short: "MakerSpace maintenance request service",
	Long: `Members file maintenance requests for shared equipment; managers triage them.
- serve: run the HTTP API (POST /api/requests/create, POST /api/requests/delete, GET /api/requests).
- requests: call a running API with a bearer token.
- token mint: sign a development JWT accepted when JWT_SECRET is configured.
- log tail: show the request journal kept by the SQLite store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	envFile := viper.GetString(keyEnvFile)
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: load %s: %v\n", envFile, err)
	}
	config.SetDefaults(viper.GetViper())
	config.BindEnv(viper.GetViper())
	viper.SetDefault(keyAPIURL, "http://127.0.0.1:8080")
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String(keyEnvFile, ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().String(config.KeyDataDir, ".", "data directory holding .makerspace/makerspace.db")
	rootCmd.PersistentFlags().Bool(keyJSON, false, "output JSON")
	rootCmd.PersistentFlags().String(config.KeyLogLevel, "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String(config.KeyLogFormat, "json", "log format (json or text)")
	for _, key := range []string{keyEnvFile, config.KeyDataDir, keyJSON, config.KeyLogLevel, config.KeyLogFormat} {
		_ = viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(requestsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Runs until SIGINT or SIGTERM, then drains in-flight requests and exits 0.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromViper(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			a, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ln, err := net.Listen("tcp", cfg.ListenAddr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", cfg.ListenAddr, err)
			}
			srv := &http.Server{Handler: a.Handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("shutdown", zap.Error(err))
				}
			}()
			logger.Info("serving MakerSpace API",
				zap.String("addr", ln.Addr().String()),
				zap.String("openapi", "/openapi.json"),
				zap.String("docs", "/docs"),
			)
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			logger.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().String(config.KeyListenAddr, "", "host:port to bind (LISTEN_ADDR)")
	cmd.Flags().String(config.KeyTokenVerifierURL, "", "identity provider verification endpoint (TOKEN_VERIFIER_URL)")
	cmd.Flags().String(config.KeyStoreDriver, config.StoreSQLite, "request store: sqlite or memory (STORE_DRIVER)")
	cmd.Flags().String(config.KeyTokensFile, "", "YAML file of static tokens (TOKENS_FILE)")
	cmd.Flags().Int(config.KeyDeadlineMS, 5000, "per-request deadline in milliseconds (REQUEST_DEADLINE_MS)")
	for _, key := range []string{config.KeyListenAddr, config.KeyTokenVerifierURL, config.KeyStoreDriver, config.KeyTokensFile, config.KeyDeadlineMS} {
		_ = viper.BindPFlag(key, cmd.Flags().Lookup(key))
	}
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{DataDir: viper.GetString(config.KeyDataDir)})
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.Apply(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Printf("Schema of %s is at version %d\n", db.Path(viper.GetString(config.KeyDataDir)), version)
			return nil
		},
	}
}

func requestsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "Call the maintenance request API",
	}
	cmd.PersistentFlags().String(keyAPIURL, "http://127.0.0.1:8080", "API base URL (API_URL)")
	cmd.PersistentFlags().String(keyAPIToken, "", "bearer token (API_TOKEN)")
	_ = viper.BindPFlag(keyAPIURL, cmd.PersistentFlags().Lookup(keyAPIURL))
	_ = viper.BindPFlag(keyAPIToken, cmd.PersistentFlags().Lookup(keyAPIToken))
	cmd.AddCommand(requestsCreateCmd())
	cmd.AddCommand(requestsListCmd())
	cmd.AddCommand(requestsDeleteCmd())
	return cmd
}

func newClient() *makerspacesdk.Client {
	return makerspacesdk.New(viper.GetString(keyAPIURL), viper.GetString(keyAPIToken))
}

func requestsCreateCmd() *cobra.Command {
	var title, body string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "File a maintenance request",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := newClient().CreateRequest(cmd.Context(), title, body)
			if err != nil {
				return err
			}
			if viper.GetBool(keyJSON) {
				return printJSON(map[string]string{"id": id})
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "short summary")
	cmd.Flags().StringVar(&body, "body", "", "description")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func requestsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List requests visible to the token's principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().ListRequests(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool(keyJSON) {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Owner", "Created", "Status", "Title"})
			for _, r := range items {
				tw.AppendRow(table.Row{r.ID, r.OwnerID, r.CreatedAt.Format(time.RFC3339), r.Status, r.Title})
			}
			tw.Render()
			return nil
		},
	}
}

func requestsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <request-id>",
		Short: "Delete a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().DeleteRequest(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Development tokens",
	}
	cmd.AddCommand(tokenMintCmd())
	return cmd
}

func tokenMintCmd() *cobra.Command {
	var (
		user  string
		roles []string
		ttl   time.Duration
		jti   string
	)
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "DEV ONLY: sign a JWT with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString(config.KeyJWTSecret)
			if strings.TrimSpace(secret) == "" {
				return errors.New("JWT_SECRET is required to mint tokens")
			}
			for i, r := range roles {
				roles[i] = strings.ToUpper(strings.TrimSpace(r))
			}
			token, err := auth.MintToken(auth.MintOptions{
				Secret: secret,
				Issuer: viper.GetString(config.KeyJWTIssuer),
				UserID: user,
				Roles:  roles,
				TTL:    ttl,
				ID:     jti,
			})
			if err != nil {
				return err
			}
			if viper.GetBool(keyJSON) {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (sub claim)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to grant, e.g. MANAGER (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&jti, "id", "", "token id (jti), used for revocation")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Request journal",
		Long:  "Every create and delete accepted by the SQLite store, oldest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := app.OpenStore(cmd.Context(), viper.GetString(config.KeyDataDir))
			if err != nil {
				return err
			}
			defer conn.Close()
			entries, err := events.Writer{DB: conn}.Tail(cmd.Context(), n)
			if err != nil {
				return err
			}
			if viper.GetBool(keyJSON) {
				return printJSON(entries)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"#", "TS", "Type", "Request", "Actor"})
			for _, e := range entries {
				tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityID, e.ActorID})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

// --- helpers ---

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
