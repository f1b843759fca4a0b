// Package app assembles the store, verifier, service and HTTP handler from a
// validated configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"makerspace/internal/auth"
	"makerspace/internal/config"
	"makerspace/internal/db"
	"makerspace/internal/events"
	"makerspace/internal/logging"
	"makerspace/internal/migrate"
	"makerspace/internal/repo"
	"makerspace/internal/server"
	"makerspace/internal/service"
)

// App is a fully wired service instance.
type App struct {
	Config  config.Config
	Logger  *zap.Logger
	Service *service.Service
	Handler http.Handler
	DB      *sql.DB
}

// Close releases the database handle, if any.
func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

// Build wires an App. With the sqlite driver the database is opened and
// migrated before the handler is returned.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	logger = logging.Or(logger)
	verifier, err := NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger}
	svcCfg := service.Config{
		Verifier: verifier,
		Limits:   service.Limits{TitleMax: cfg.TitleMax, BodyMax: cfg.BodyMax},
		Logger:   logger,
	}
	switch cfg.StoreDriver {
	case config.StoreMemory:
		svcCfg.Repo = repo.NewMemoryRepo()
	case config.StoreSQLite, "":
		conn, err := OpenStore(ctx, cfg.DataDir)
		if err != nil {
			return nil, err
		}
		a.DB = conn
		svcCfg.Repo = repo.SQLRepo{DB: conn}
		svcCfg.Events = events.Writer{DB: conn}
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	a.Service = service.New(svcCfg)
	handler, err := server.New(server.Config{
		Service:         a.Service,
		Logger:          logger,
		RequestDeadline: cfg.RequestDeadline,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Handler = handler
	logger.Info("service assembled",
		zap.String("store", cfg.StoreDriver),
		zap.String("verifier", cfg.VerifierMode()),
		zap.Int("title_max", cfg.TitleMax),
		zap.Int("body_max", cfg.BodyMax),
		zap.Duration("deadline", cfg.RequestDeadline),
	)
	return a, nil
}

// OpenStore opens the SQLite database under dataDir and applies pending
// migrations.
func OpenStore(ctx context.Context, dataDir string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{DataDir: dataDir})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := migrate.Apply(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return conn, nil
}

// NewVerifier builds the token verifier selected by cfg.VerifierMode.
func NewVerifier(cfg config.Config) (auth.Verifier, error) {
	switch cfg.VerifierMode() {
	case config.VerifierRemote:
		return auth.NewRemoteVerifier(auth.RemoteOptions{
			URL:       cfg.TokenVerifierURL,
			CacheSize: cfg.VerifierCacheSize,
			CacheTTL:  cfg.VerifierCacheTTL,
		}), nil
	case config.VerifierJWT:
		return auth.JWTVerifier{
			Secret:  cfg.JWTSecret,
			Issuer:  cfg.JWTIssuer,
			Revoked: auth.RevokedSet(cfg.JWTRevokedIDs),
		}, nil
	case config.VerifierStatic:
		v, err := auth.LoadTokenFile(cfg.TokensFile)
		if err != nil {
			return nil, fmt.Errorf("load tokens file: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("no token verifier configured: set TOKEN_VERIFIER_URL, JWT_SECRET or TOKENS_FILE")
	}
}
