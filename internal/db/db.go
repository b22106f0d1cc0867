package db

import (
	"fmt"

	"github.com/0xA1M/dashpro/internal/db/migrations"
	"github.com/0xA1M/dashpro/internal/logging"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options describes how to reach the device store
type Options struct {
	Driver   string
	Path     string // sqlite file, ":memory:" for tests
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	TimeZone string
	LogLevel string
}

// DSN renders the postgres connection string.
func (o Options) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
		o.Host, o.User, o.Password, o.Name, o.Port, o.SSLMode, o.TimeZone)
}

// Connect opens the database and runs migrations.
func Connect(opts Options, log *zap.Logger) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: logging.GormLogger(log, opts.LogLevel),
	}

	var (
		database *gorm.DB
		err      error
	)
	switch opts.Driver {
	case DriverPostgres:
		database, err = gorm.Open(postgres.Open(opts.DSN()), cfg)
	case DriverSQLite, "":
		database, err = OpenSQLite(opts.Path, cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrations.Migrate(database); err != nil {
		return nil, err
	}

	log.Info("Database ready", zap.String("driver", opts.Driver))
	return database, nil
}

// OpenSQLite opens a SQLite database with a single connection. SQLite
// serializes writers anyway, and an in-memory database only lives as long as
// its one connection.
func OpenSQLite(path string, cfg *gorm.Config) (*gorm.DB, error) {
	if path == "" {
		path = "dashpro.db"
	}
	if cfg == nil {
		cfg = &gorm.Config{}
	}

	database, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), cfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	return database, nil
}

// Close releases the underlying connection pool.
func Close(database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
