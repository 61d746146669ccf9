package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"

	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
)

const defaultPort = 5432

// Pool is the subset of *pgxpool.Pool the adapter uses.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Reset()
	Close()
}

// Dialer builds a pool from a parsed configuration.
type Dialer func(ctx context.Context, cfg *pgxpool.Config) (Pool, error)

// DialPgx is the production Dialer.
func DialPgx(ctx context.Context, cfg *pgxpool.Config) (Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// Settings bound every pool the manager creates.
type Settings struct {
	MaxConns       int32
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
}

// Manager owns one pool per account. Pools are created lazily; concurrent
// first uses for the same account collapse into one creation.
type Manager struct {
	settings Settings
	dial     Dialer
	logger   *slog.Logger

	sf    singleflight.Group
	mu    sync.Mutex
	pools map[string]*accountPool
}

type accountPool struct {
	pool   Pool
	target model.DatabaseCredential
	schema atomic.Pointer[string]
}

func (p *accountPool) currentSchema() string {
	if s := p.schema.Load(); s != nil {
		return *s
	}
	return ""
}

// NewManager creates a Manager. A nil dial uses DialPgx.
func NewManager(settings Settings, dial Dialer, logger *slog.Logger) *Manager {
	if dial == nil {
		dial = DialPgx
	}
	if settings.MaxConns <= 0 {
		settings.MaxConns = 10
	}
	return &Manager{
		settings: settings,
		dial:     dial,
		logger:   logger,
		pools:    make(map[string]*accountPool),
	}
}

// Acquire returns the account's pool, creating it on first use and replacing
// it when the connection target changed. The credential's default schema is
// applied to the pool's search path.
func (m *Manager) Acquire(ctx context.Context, accountID string, cred model.DatabaseCredential, password string) (Pool, error) {
	if p := m.lookup(accountID, &cred); p != nil {
		m.applySchema(p, cred.DefaultSchema)
		return p.pool, nil
	}

	key := accountID + "|" + hashTarget(cred)
	v, err, _ := m.sf.Do(key, func() (any, error) {
		if p := m.lookup(accountID, &cred); p != nil {
			return p, nil
		}

		p := &accountPool{target: cred}
		p.target.DefaultSchema = ""
		schema := cred.DefaultSchema
		p.schema.Store(&schema)

		cfg, err := m.config(cred, password, p.currentSchema)
		if err != nil {
			return nil, err
		}
		pool, err := m.dial(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create pool: %w", err)
		}
		p.pool = pool

		m.mu.Lock()
		old := m.pools[accountID]
		m.pools[accountID] = p
		m.mu.Unlock()

		if old != nil {
			old.pool.Close()
			m.logger.Info("replaced database pool after credential change", "account_id", accountID)
		} else {
			m.logger.Debug("created database pool", "account_id", accountID, "db_target", safeTarget(cred))
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	p := v.(*accountPool)
	m.applySchema(p, cred.DefaultSchema)
	return p.pool, nil
}

// OpenEphemeral opens a pool that the manager does not track. The caller
// must close it.
func (m *Manager) OpenEphemeral(ctx context.Context, cred model.DatabaseCredential, password string) (Pool, error) {
	schema := cred.DefaultSchema
	cfg, err := m.config(cred, password, func() string { return schema })
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 1
	pool, err := m.dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	return pool, nil
}

// Evict closes and forgets the account's pool.
func (m *Manager) Evict(accountID string) {
	m.mu.Lock()
	p := m.pools[accountID]
	delete(m.pools, accountID)
	m.mu.Unlock()

	if p != nil {
		p.pool.Close()
		m.logger.Debug("evicted database pool", "account_id", accountID)
	}
}

// Len returns the number of live pools.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pools)
}

// Close closes every pool.
func (m *Manager) Close() {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*accountPool)
	m.mu.Unlock()

	for _, p := range pools {
		p.pool.Close()
	}
}

func (m *Manager) lookup(accountID string, cred *model.DatabaseCredential) *accountPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pools[accountID]
	if p == nil || !p.target.SameTarget(cred) {
		return nil
	}
	return p
}

// applySchema records the schema and recycles the pool's connections when it
// changed, so every connection handed out afterwards carries the new path.
func (m *Manager) applySchema(p *accountPool, schema string) {
	old := p.schema.Swap(&schema)
	if old != nil && *old == schema {
		return
	}
	p.pool.Reset()
}

func (m *Manager) config(cred model.DatabaseCredential, password string, schema func() string) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(connString(cred, password))
	if err != nil {
		return nil, fmt.Errorf("parse connection settings: %w", err)
	}
	cfg.MaxConns = m.settings.MaxConns
	if m.settings.IdleTimeout > 0 {
		cfg.MaxConnIdleTime = m.settings.IdleTimeout
	}
	if m.settings.ConnectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = m.settings.ConnectTimeout
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		s := schema()
		if s == "" {
			return nil
		}
		_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{s}.Sanitize())
		return err
	}
	return cfg, nil
}

// connString renders a keyword/value connection string with every value
// quoted.
func connString(cred model.DatabaseCredential, password string) string {
	port := cred.Port
	if port == 0 {
		port = defaultPort
	}
	parts := []string{
		"host=" + quoteValue(cred.Hostname),
		"port=" + strconv.Itoa(port),
		"dbname=" + quoteValue(cred.Database),
		"user=" + quoteValue(cred.Username),
		"password=" + quoteValue(password),
	}
	return strings.Join(parts, " ")
}

var valueEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func quoteValue(v string) string {
	return "'" + valueEscaper.Replace(v) + "'"
}

func hashTarget(cred model.DatabaseCredential) string {
	h := sha256.Sum256([]byte(strings.Join([]string{
		cred.Hostname, strconv.Itoa(cred.Port), cred.Database, cred.Username, cred.PasswordEnc,
	}, "\x00")))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

func safeTarget(cred model.DatabaseCredential) string {
	return fmt.Sprintf("%s@%s:%d/%s", cred.Username, cred.Hostname, cred.Port, cred.Database)
}
