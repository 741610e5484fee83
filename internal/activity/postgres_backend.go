package activity

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/jmoiron/sqlx"
)

//go:embed migrations/*.sql
var activityMigrations embed.FS

// PostgresBackend persists activity records in a single table, for
// multi-replica orchestrator deployments that already run Postgres for
// other components and want activity state visible to SQL tooling.
type PostgresBackend struct {
	db *sqlx.DB
}

type activityRow struct {
	Key  string `db:"key"`
	Data []byte `db:"data"`
}

// NewPostgresBackend opens dsn, runs pending migrations, and returns a
// ready Backend.
func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect activity store postgres: %w", err)
	}
	if err := migrateActivitySchema(db.DB, dsn); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresBackend{db: db}, nil
}

// newPostgresBackendFromDB wraps an already-connected sqlx.DB without
// running migrations, used by unit tests against a sqlmock connection
// where schema migration has no meaning.
func newPostgresBackendFromDB(db *sqlx.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func migrateActivitySchema(db *sql.DB, dsn string) error {
	srcDriver, err := iofs.New(activityMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("load activity migrations: %w", err)
	}
	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("init activity migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("init activity migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply activity migrations: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Save(ctx context.Context, key string, data []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO oneiric_activity (key, data) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data
	`, key, data)
	return err
}

func (p *PostgresBackend) Load(ctx context.Context, key string) ([]byte, error) {
	var row activityRow
	err := p.db.GetContext(ctx, &row, `SELECT key, data FROM oneiric_activity WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.Data, nil
}

func (p *PostgresBackend) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM oneiric_activity WHERE key = $1`, key)
	return err
}

func (p *PostgresBackend) List(ctx context.Context) ([]string, error) {
	var keys []string
	if err := p.db.SelectContext(ctx, &keys, `SELECT key FROM oneiric_activity`); err != nil {
		return nil, err
	}
	return keys, nil
}

// Close releases the underlying database connection pool.
func (p *PostgresBackend) Close() error {
	return p.db.Close()
}
