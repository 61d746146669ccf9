// Package postgres implements the DatabaseProvider port over a
// user-supplied PostgreSQL server. Pools are held per account by Manager.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
	"github.com/ericfisherdev/mydatapanel/internal/domain/port/driven"
)

const provider = model.ProviderDatabase

// SQLSTATE codes that prove the stored login is no longer accepted.
const (
	sqlstateInvalidPassword      = "28P01"
	sqlstateInvalidAuthorization = "28000"
)

const schemasQuery = "SELECT schema_name FROM information_schema.schemata ORDER BY schema_name"

var _ driven.DatabaseProvider = (*Adapter)(nil)

// Adapter runs the database provider's operations.
type Adapter struct {
	pools  *Manager
	box    driven.SecretBox
	logger *slog.Logger
}

// New creates an Adapter.
func New(pools *Manager, box driven.SecretBox, logger *slog.Logger) *Adapter {
	return &Adapter{pools: pools, box: box, logger: logger}
}

// Provider returns model.ProviderDatabase.
func (a *Adapter) Provider() model.Provider { return provider }

// AuthorizationURL is not supported; database credentials are entered
// directly.
func (a *Adapter) AuthorizationURL(context.Context, string) (string, error) {
	return "", model.ErrNotSupported
}

// ExchangeCode is not supported; see TestCredentials.
func (a *Adapter) ExchangeCode(context.Context, *model.Account, model.Grant) error {
	return model.ErrNotSupported
}

// CheckSession opens or reuses the account's pool and lists schemas. A
// successful listing proves the login works.
func (a *Adapter) CheckSession(ctx context.Context, acct *model.Account) (bool, error) {
	if !acct.Credentials.Database.Linked() {
		return false, nil
	}
	pool, err := a.acquire(ctx, acct)
	if err != nil {
		return false, err
	}
	if _, err := listSchemas(ctx, pool); err != nil {
		return false, classify(err)
	}
	return true, nil
}

// Revoke is local only: it closes the account's pool.
func (a *Adapter) Revoke(_ context.Context, acct *model.Account) error {
	a.pools.Evict(acct.ID)
	return nil
}

// Probe returns the role the server authenticated.
func (a *Adapter) Probe(ctx context.Context, acct *model.Account) (model.Identity, error) {
	pool, err := a.acquire(ctx, acct)
	if err != nil {
		return model.Identity{}, err
	}
	rows, err := pool.Query(ctx, "SELECT current_user")
	if err != nil {
		return model.Identity{}, classify(err)
	}
	user, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[string])
	if err != nil {
		return model.Identity{}, classify(err)
	}
	cred := acct.Credentials.Database
	return model.Identity{ID: user, DisplayName: safeTarget(*cred)}, nil
}

// ListResources returns the schemas visible to the login.
func (a *Adapter) ListResources(ctx context.Context, acct *model.Account) ([]model.Resource, error) {
	pool, err := a.acquire(ctx, acct)
	if err != nil {
		return nil, err
	}
	schemas, err := listSchemas(ctx, pool)
	if err != nil {
		return nil, classify(err)
	}
	resources := make([]model.Resource, 0, len(schemas))
	for _, s := range schemas {
		resources = append(resources, model.Resource{ID: s, Name: s})
	}
	return resources, nil
}

// Query runs sql on the account's pool and returns every row.
func (a *Adapter) Query(ctx context.Context, acct *model.Account, sql string) (model.QueryResult, error) {
	pool, err := a.acquire(ctx, acct)
	if err != nil {
		return model.QueryResult{}, err
	}
	rows, err := pool.Query(ctx, sql)
	if err != nil {
		return model.QueryResult{}, classify(err)
	}
	defer rows.Close()

	result := model.QueryResult{Rows: [][]any{}}
	for _, fd := range rows.FieldDescriptions() {
		result.Columns = append(result.Columns, fd.Name)
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return model.QueryResult{}, classify(err)
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return model.QueryResult{}, classify(err)
	}
	return result, nil
}

// TestCredentials connects with a candidate on a pool of its own and returns
// the visible schemas. The account's pool is never touched and every
// failure is a configuration error.
func (a *Adapter) TestCredentials(ctx context.Context, candidate model.DatabaseCredential) ([]string, error) {
	if !candidate.Linked() {
		return nil, model.ConfigError(provider, errors.New("hostname, database and username are required"))
	}
	password, err := a.password(&candidate)
	if err != nil {
		return nil, model.ConfigError(provider, err)
	}

	pool, err := a.pools.OpenEphemeral(ctx, candidate, password)
	if err != nil {
		return nil, model.ConfigError(provider, err)
	}
	defer pool.Close()

	schemas, err := listSchemas(ctx, pool)
	if err != nil {
		return nil, model.ConfigError(provider, describe(err))
	}
	return schemas, nil
}

// EnsureSchema points the account's pool at schema.
func (a *Adapter) EnsureSchema(ctx context.Context, acct *model.Account, schema string) error {
	if !acct.Credentials.Database.Linked() {
		return model.ErrNotLinked
	}
	cred := *acct.Credentials.Database
	cred.DefaultSchema = schema
	password, err := a.password(&cred)
	if err != nil {
		return model.Transient(provider, err)
	}
	if _, err := a.pools.Acquire(ctx, acct.ID, cred, password); err != nil {
		return classify(err)
	}
	return nil
}

func (a *Adapter) acquire(ctx context.Context, acct *model.Account) (Pool, error) {
	cred := acct.Credentials.Database
	if !cred.Linked() {
		return nil, model.ErrNotLinked
	}
	password, err := a.password(cred)
	if err != nil {
		// A key mismatch is an operator problem, not proof the login is dead.
		a.logger.Error("cannot decrypt stored database password", "account_id", acct.ID, "error", err)
		return nil, model.Transient(provider, err)
	}
	pool, err := a.pools.Acquire(ctx, acct.ID, *cred, password)
	if err != nil {
		return nil, classify(err)
	}
	return pool, nil
}

func (a *Adapter) password(cred *model.DatabaseCredential) (string, error) {
	if cred.PasswordEnc == "" {
		return "", nil
	}
	password, err := a.box.Decrypt(cred.PasswordEnc)
	if err != nil {
		return "", fmt.Errorf("decrypt password: %w", err)
	}
	return password, nil
}

func listSchemas(ctx context.Context, pool Pool) ([]string, error) {
	rows, err := pool.Query(ctx, schemasQuery)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// classify tags a database failure. Only an authentication rejection is
// fatal.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == sqlstateInvalidPassword || pgErr.Code == sqlstateInvalidAuthorization {
			return model.Fatal(provider, fmt.Errorf("login rejected: %w", err))
		}
	}
	return model.Transient(provider, err)
}

// describe keeps the server's message for a candidate the user is editing.
func describe(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s (SQLSTATE %s): %w", pgErr.Message, pgErr.Code, err)
	}
	return err
}
