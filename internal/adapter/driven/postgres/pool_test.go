package postgres_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/mydatapanel/internal/adapter/driven/postgres"
	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
)

func testCred() model.DatabaseCredential {
	return model.DatabaseCredential{
		Hostname:      "db.internal",
		Port:          5433,
		Database:      "sales",
		Username:      "report_ro",
		PasswordEnc:   "sealed-1",
		DefaultSchema: "public",
	}
}

func newManager(d *recordingDialer) *postgres.Manager {
	return postgres.NewManager(postgres.Settings{MaxConns: 4, IdleTimeout: 30 * time.Second}, d.dial, slog.Default())
}

func TestManager_AcquireReusesPool(t *testing.T) {
	d := &recordingDialer{}
	m := newManager(d)
	ctx := context.Background()

	p1, err := m.Acquire(ctx, "acct-1", testCred(), "pw")
	require.NoError(t, err)
	p2, err := m.Acquire(ctx, "acct-1", testCred(), "pw")
	require.NoError(t, err)

	assert.Same(t, p1, p2)
	assert.Equal(t, 1, d.count())
	assert.Equal(t, 1, m.Len())
	assert.Zero(t, d.pool(0).resets.Load())
}

func TestManager_ConfigFromCredential(t *testing.T) {
	d := &recordingDialer{}
	m := newManager(d)

	_, err := m.Acquire(context.Background(), "acct-1", testCred(), `it's a \secret`)
	require.NoError(t, err)

	cfg := d.config(0)
	assert.Equal(t, "db.internal", cfg.ConnConfig.Host)
	assert.Equal(t, uint16(5433), cfg.ConnConfig.Port)
	assert.Equal(t, "sales", cfg.ConnConfig.Database)
	assert.Equal(t, "report_ro", cfg.ConnConfig.User)
	assert.Equal(t, `it's a \secret`, cfg.ConnConfig.Password)
	assert.Equal(t, int32(4), cfg.MaxConns)
	assert.Equal(t, 30*time.Second, cfg.MaxConnIdleTime)
	assert.NotNil(t, cfg.AfterConnect)
}

func TestManager_ConcurrentFirstUseCreatesOnePool(t *testing.T) {
	d := &recordingDialer{}
	m := newManager(d)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Acquire(context.Background(), "acct-1", testCred(), "pw")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, d.count())
}

func TestManager_PoolsAreNotSharedAcrossAccounts(t *testing.T) {
	d := &recordingDialer{}
	m := newManager(d)
	ctx := context.Background()

	p1, err := m.Acquire(ctx, "acct-1", testCred(), "pw")
	require.NoError(t, err)
	p2, err := m.Acquire(ctx, "acct-2", testCred(), "pw")
	require.NoError(t, err)

	assert.NotSame(t, p1, p2)
	assert.Equal(t, 2, m.Len())
}

func TestManager_SchemaChangeResetsConnections(t *testing.T) {
	d := &recordingDialer{}
	m := newManager(d)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "acct-1", testCred(), "pw")
	require.NoError(t, err)

	cred := testCred()
	cred.DefaultSchema = "analytics"
	_, err = m.Acquire(ctx, "acct-1", cred, "pw")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "acct-1", cred, "pw")
	require.NoError(t, err)

	assert.Equal(t, 1, d.count())
	assert.Equal(t, int32(1), d.pool(0).resets.Load())
}

func TestManager_ChangedTargetReplacesPool(t *testing.T) {
	d := &recordingDialer{}
	m := newManager(d)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "acct-1", testCred(), "pw")
	require.NoError(t, err)

	cred := testCred()
	cred.PasswordEnc = "sealed-2"
	_, err = m.Acquire(ctx, "acct-1", cred, "pw2")
	require.NoError(t, err)

	assert.Equal(t, 2, d.count())
	assert.Equal(t, int32(1), d.pool(0).closes.Load())
	assert.Equal(t, 1, m.Len())
}

func TestManager_OpenEphemeralIsUntracked(t *testing.T) {
	d := &recordingDialer{}
	m := newManager(d)

	pool, err := m.OpenEphemeral(context.Background(), testCred(), "pw")
	require.NoError(t, err)
	pool.Close()

	assert.Zero(t, m.Len())
	assert.Equal(t, int32(1), d.config(0).MaxConns)
}

func TestManager_EvictAndClose(t *testing.T) {
	d := &recordingDialer{}
	m := newManager(d)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "acct-1", testCred(), "pw")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "acct-2", testCred(), "pw")
	require.NoError(t, err)

	m.Evict("acct-1")
	m.Evict("acct-unknown")
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, int32(1), d.pool(0).closes.Load())

	m.Close()
	assert.Zero(t, m.Len())
	assert.Equal(t, int32(1), d.pool(1).closes.Load())
}
