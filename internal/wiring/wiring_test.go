package wiring_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/mydatapanel/internal/adapter/driven/secretbox"
	"github.com/ericfisherdev/mydatapanel/internal/config"
	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
	"github.com/ericfisherdev/mydatapanel/internal/wiring"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	key, err := secretbox.GenerateKey()
	require.NoError(t, err)
	return &config.Config{
		DBPath:            filepath.Join(t.TempDir(), "test.db"),
		SecretKey:         key,
		ProviderTimeout:   time.Second,
		ClientTTL:         time.Minute,
		DBPoolMaxConns:    2,
		DBPoolIdleTimeout: time.Second,
	}
}

func build(t *testing.T, cfg *config.Config) *wiring.App {
	t.Helper()
	app, err := wiring.Build(context.Background(), cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app
}

func TestBuildEnablesOnlyConfiguredProviders(t *testing.T) {
	cfg := testConfig(t)
	app := build(t, cfg)
	assert.Equal(t, []string{"database"}, app.Enabled)

	cfg = testConfig(t)
	cfg.Google = config.OAuthClient{ID: "id", Secret: "secret", CallbackURL: "http://localhost/auth/analytics/callback"}
	cfg.Twitter = config.OAuthClient{ID: "key", Secret: "secret"}
	app = build(t, cfg)
	assert.Equal(t, []string{"analytics", "microblog", "database"}, app.Enabled)
}

func TestBuildRejectsBadKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.SecretKey = "too-short"

	_, err := wiring.Build(context.Background(), cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.Error(t, err)
}

func TestFreshAccountReconcilesToNotLinked(t *testing.T) {
	app := build(t, testConfig(t))
	ctx := context.Background()

	acct, err := app.Accounts.Register(ctx, "ana@example.com", "long enough")
	require.NoError(t, err)

	results, err := app.Reconciler.ReconcileAll(ctx, &acct)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateNotLinked, results[model.ProviderDatabase].State)
	assert.Empty(t, results.Usable())
	assert.Zero(t, app.Pools.Len())
}
