// Package wiring assembles adapters and services from configuration. Both
// the server and the operator CLI start from it.
package wiring

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ericfisherdev/mydatapanel/internal/adapter/driven/analytics"
	"github.com/ericfisherdev/mydatapanel/internal/adapter/driven/clientcache"
	"github.com/ericfisherdev/mydatapanel/internal/adapter/driven/insights"
	"github.com/ericfisherdev/mydatapanel/internal/adapter/driven/microblog"
	"github.com/ericfisherdev/mydatapanel/internal/adapter/driven/postgres"
	"github.com/ericfisherdev/mydatapanel/internal/adapter/driven/providerhttp"
	"github.com/ericfisherdev/mydatapanel/internal/adapter/driven/secretbox"
	sqliteadapter "github.com/ericfisherdev/mydatapanel/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/mydatapanel/internal/application"
	"github.com/ericfisherdev/mydatapanel/internal/config"
	"github.com/ericfisherdev/mydatapanel/internal/domain/port/driven"
	"github.com/ericfisherdev/mydatapanel/internal/metrics"
)

// App holds the wired services and the resources they own.
type App struct {
	DB          *sqliteadapter.DB
	Pools       *postgres.Manager
	Clients     *clientcache.Cache
	Accounts    *application.AccountService
	Credentials *application.CredentialService
	Reconciler  *application.Reconciler
	Enabled     []string

	logger *slog.Logger
}

// Build opens the database, runs migrations and wires every enabled
// provider. recorder may be nil.
func Build(ctx context.Context, cfg *config.Config, recorder metrics.Recorder, logger *slog.Logger) (*App, error) {
	key, err := secretbox.ParseKey(cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("secret key: %w", err)
	}
	box, err := secretbox.New(key)
	if err != nil {
		return nil, fmt.Errorf("secret key: %w", err)
	}

	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	version, err := sqliteadapter.RunMigrations(db.Writer)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debug("migrations complete", "path", db.Path(), "version", version)
	store := sqliteadapter.NewAccountRepo(db)

	clients := clientcache.New(cfg.ClientTTL)
	httpClient := providerhttp.NewClient(nil, cfg.ProviderTimeout)

	var (
		adapters []driven.ProviderAdapter
		enabled  []string
	)
	if cfg.Google.Enabled() {
		adapters = append(adapters, analytics.New(analytics.Config{
			ClientID:     cfg.Google.ID,
			ClientSecret: cfg.Google.Secret,
			RedirectURL:  cfg.Google.CallbackURL,
		}, httpClient, clients, logger))
		enabled = append(enabled, "analytics")
	}
	if cfg.Facebook.Enabled() {
		adapters = append(adapters, insights.New(insights.Config{
			ClientID:     cfg.Facebook.ID,
			ClientSecret: cfg.Facebook.Secret,
			RedirectURL:  cfg.Facebook.CallbackURL,
		}, httpClient, clients, logger))
		enabled = append(enabled, "insights")
	}
	if cfg.Twitter.Enabled() {
		adapters = append(adapters, microblog.New(microblog.Config{
			ConsumerKey:    cfg.Twitter.ID,
			ConsumerSecret: cfg.Twitter.Secret,
			CallbackURL:    cfg.Twitter.CallbackURL,
		}, httpClient, clients, logger))
		enabled = append(enabled, "microblog")
	}

	pools := postgres.NewManager(postgres.Settings{
		MaxConns:       cfg.DBPoolMaxConns,
		IdleTimeout:    cfg.DBPoolIdleTimeout,
		ConnectTimeout: cfg.ProviderTimeout,
	}, nil, logger)
	database := postgres.New(pools, box, logger)
	adapters = append(adapters, database)
	enabled = append(enabled, "database")

	providers := application.NewProviders(adapters...)

	return &App{
		DB:       db,
		Pools:    pools,
		Clients:  clients,
		Accounts: application.NewAccountService(store, logger),
		Credentials: application.NewCredentialService(
			providers, database, store, box, clients, cfg.ProviderTimeout, recorder, logger,
		),
		Reconciler: application.NewReconciler(providers, store, cfg.ProviderTimeout, recorder, logger),
		Enabled:    enabled,
		logger:     logger,
	}, nil
}

// Close releases the database pools and the account store.
func (a *App) Close() {
	a.Pools.Close()
	if err := a.DB.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}
