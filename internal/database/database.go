package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"crash/internal/config"
	"crash/internal/logger"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Service represents a service that interacts with a database.
type Service interface {
	Pool() *pgxpool.Pool
	// Health returns a map of health status information.
	Health() map[string]string
	Close() error
}

type service struct {
	pool *pgxpool.Pool
	name string
}

// DSN builds a postgres url for cfg.
func DSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, cfg.Schema)
}

func New(ctx context.Context, cfg config.DatabaseConfig) (Service, error) {
	poolCfg, err := pgxpool.ParseConfig(DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolCfg.MaxConns = 20
	poolCfg.MinConns = 2
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database %s:%s: %w", cfg.Host, cfg.Port, err)
	}

	logger.Info(ctx).Str("host", cfg.Host).Str("database", cfg.Name).Msg("[DB] Connected")
	return &service{pool: pool, name: cfg.Name}, nil
}

func (s *service) Pool() *pgxpool.Pool {
	return s.pool
}

// Health checks the health of the database connection by pinging the database.
// It returns a map with keys indicating various health statistics.
func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	st := s.pool.Stat()
	stats["open_connections"] = strconv.Itoa(int(st.TotalConns()))
	stats["in_use"] = strconv.Itoa(int(st.AcquiredConns()))
	stats["idle"] = strconv.Itoa(int(st.IdleConns()))
	stats["wait_count"] = strconv.FormatInt(st.EmptyAcquireCount(), 10)
	stats["wait_duration"] = st.AcquireDuration().String()
	stats["max_idle_closed"] = strconv.FormatInt(st.MaxIdleDestroyCount(), 10)
	stats["max_lifetime_closed"] = strconv.FormatInt(st.MaxLifetimeDestroyCount(), 10)

	if st.TotalConns() > 16 {
		stats["message"] = "The database is experiencing heavy load."
	}
	if st.EmptyAcquireCount() > 1000 {
		stats["message"] = "The database has a high number of wait events, indicating potential bottlenecks."
	}

	return stats
}

// Close closes the database connection pool.
func (s *service) Close() error {
	logger.Info(context.Background()).Str("database", s.name).Msg("[DB] Disconnected")
	s.pool.Close()
	return nil
}

// OpenSQL opens a database/sql handle over the pgx stdlib driver, which is
// what the migration driver needs.
func OpenSQL(cfg config.DatabaseConfig) (*sql.DB, error) {
	return sql.Open("pgx", DSN(cfg))
}

// newMigrator reads migrations from path, or from the embedded set when path
// is empty. The migrator holds a connection from db until db is closed.
func newMigrator(db *sql.DB, path string) (*migrate.Migrate, error) {
	var fsys fs.FS = embeddedMigrations
	dir := "migrations"
	if path != "" {
		fsys, dir = os.DirFS(path), "."
	}

	src, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", src, "pgx5", driver)
}

// RunMigrations applies every pending migration.
func RunMigrations(db *sql.DB, path string) error {
	m, err := newMigrator(db, path)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// RollbackMigration reverts the most recent migration.
func RollbackMigration(db *sql.DB, path string) error {
	m, err := newMigrator(db, path)
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// GetMigrationVersion reports 0 when no migration has been applied.
func GetMigrationVersion(db *sql.DB, path string) (uint, bool, error) {
	m, err := newMigrator(db, path)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migrate version: %w", err)
	}
	return version, dirty, nil
}
