package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/CIRISAI/CIRISAgent-sub005/internal/logger"
	"github.com/CIRISAI/CIRISAgent-sub005/internal/telemetry"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/clock"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/services"
)

// Driver selects the database backend.
type Driver string

const (
	// DriverSQLite is the single-node default.
	DriverSQLite Driver = "sqlite"

	// DriverPostgres is the HA-capable backend.
	DriverPostgres Driver = "postgres"
)

// SQLiteConfig contains SQLite-specific configuration.
type SQLiteConfig struct {
	// Path is the database file. Defaults to
	// $XDG_CONFIG_HOME/ciris/tasks.db.
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// PostgresConfig contains PostgreSQL-specific configuration.
type PostgresConfig struct {
	Host         string `mapstructure:"host" yaml:"host,omitempty"`
	Port         int    `mapstructure:"port" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Database     string `mapstructure:"database" yaml:"database,omitempty"`
	User         string `mapstructure:"user" yaml:"user,omitempty"`
	Password     string `mapstructure:"password" yaml:"password,omitempty"`
	SSLMode      string `mapstructure:"ssl_mode" yaml:"ssl_mode,omitempty"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns,omitempty"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" yaml:"max_idle_conns,omitempty"`
}

// DSN returns the PostgreSQL connection string.
func (c *PostgresConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		c.Host, c.Port, c.User, c.Password, c.Database)
	if c.SSLMode != "" {
		dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
	}
	return dsn
}

// Config contains task store configuration.
type Config struct {
	Driver   Driver         `mapstructure:"driver" yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite" yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres,omitempty"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}

	if c.Driver == DriverSQLite && c.SQLite.Path == "" {
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			homeDir, _ := os.UserHomeDir()
			configDir = filepath.Join(homeDir, ".config")
		}
		c.SQLite.Path = filepath.Join(configDir, "ciris", "tasks.db")
	}

	if c.Driver == DriverPostgres {
		if c.Postgres.Port == 0 {
			c.Postgres.Port = 5432
		}
		if c.Postgres.SSLMode == "" {
			c.Postgres.SSLMode = "disable"
		}
		if c.Postgres.MaxOpenConns == 0 {
			c.Postgres.MaxOpenConns = 25
		}
		if c.Postgres.MaxIdleConns == 0 {
			c.Postgres.MaxIdleConns = 5
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case DriverPostgres:
		if c.Postgres.Host == "" {
			return fmt.Errorf("postgres host is required")
		}
		if c.Postgres.Database == "" {
			return fmt.Errorf("postgres database is required")
		}
		if c.Postgres.User == "" {
			return fmt.Errorf("postgres user is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Driver)
	}
	return nil
}

// Store is the GORM-backed task store. It serves both drivers through
// the same codebase and registers itself as a persistence service in
// the core shutdown bucket: adapters stop before it, infrastructure
// after.
type Store struct {
	db     *gorm.DB
	clk    clock.Clock
	config *Config
	closed atomic.Bool
}

// New opens the task store. SQLite schemas are created in place via
// AutoMigrate; PostgreSQL schemas are applied through the embedded
// versioned migrations before GORM connects.
func New(ctx context.Context, config *Config, clk clock.Clock) (*Store, error) {
	if config == nil {
		config = &Config{}
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task store configuration: %w", err)
	}

	var dialector gorm.Dialector
	switch config.Driver {
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(config.SQLite.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		// WAL for concurrent readers, busy_timeout to ride out the
		// single-writer lock.
		dsn := config.SQLite.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		dialector = sqlite.Open(dsn)

	case DriverPostgres:
		if err := runMigrations(ctx, config.Postgres.DSN()); err != nil {
			return nil, fmt.Errorf("failed to migrate task schema: %w", err)
		}
		dialector = postgres.Open(config.Postgres.DSN())

	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if config.Driver == DriverPostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying database: %w", err)
		}
		sqlDB.SetMaxOpenConns(config.Postgres.MaxOpenConns)
		sqlDB.SetMaxIdleConns(config.Postgres.MaxIdleConns)
	}

	if config.Driver == DriverSQLite {
		if err := db.AutoMigrate(&Task{}); err != nil {
			return nil, fmt.Errorf("failed to run database migration: %w", err)
		}
	}

	logger.Info("Task store opened",
		logger.KeyComponent, "persistence",
		logger.KeyType, string(config.Driver))

	return &Store{db: db, clk: clk, config: config}, nil
}

// DB returns the underlying GORM connection, for advanced queries and
// testing.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// CreateTask inserts a task and returns its id. An empty id is
// assigned a UUID; timestamps are stamped from the runtime clock.
func (s *Store) CreateTask(ctx context.Context, task *Task) (string, error) {
	if s.closed.Load() {
		return "", ErrStoreClosed
	}
	if err := task.Validate(); err != nil {
		return "", err
	}

	ctx, span := telemetry.StartTaskSpan(ctx, "create",
		telemetry.TaskState(string(task.Status)))
	defer span.End()

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := s.clk.NowISO()
	task.CreatedAt = now
	task.UpdatedAt = now

	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		telemetry.RecordError(ctx, err)
		return "", fmt.Errorf("failed to create task: %w", err)
	}
	span.SetAttributes(telemetry.TaskID(task.ID))
	return task.ID, nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	var task Task
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&task).Error; err != nil {
		return nil, convertNotFound(err)
	}
	return &task, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter Filter) ([]*Task, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	q := s.db.WithContext(ctx).Model(&Task{}).Order("created_at DESC")
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.ChannelID != "" {
		q = q.Where("channel_id = ?", filter.ChannelID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var tasks []*Task
	if err := q.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTaskStatus moves a task to a new status, restamping UpdatedAt.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if !status.IsValid() {
		return fmt.Errorf("unknown task status %q", status)
	}

	ctx, span := telemetry.StartTaskSpan(ctx, "update_status",
		telemetry.TaskID(id),
		telemetry.TaskState(string(status)))
	defer span.End()

	result := s.db.WithContext(ctx).
		Model(&Task{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     status,
			"updated_at": s.clk.NowISO(),
		})
	if result.Error != nil {
		telemetry.RecordError(ctx, result.Error)
		return fmt.Errorf("failed to update task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ActiveTask returns the most recently updated active task, or
// ErrTaskNotFound when the agent is idle.
func (s *Store) ActiveTask(ctx context.Context) (*Task, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	var task Task
	err := s.db.WithContext(ctx).
		Where("status = ?", TaskActive).
		Order("updated_at DESC").
		First(&task).Error
	if err != nil {
		return nil, convertNotFound(err)
	}
	return &task, nil
}

// CountDeferred reports how many tasks are deferred and awaiting an
// external decision. This is the slice of the store the shutdown
// evaluator consumes.
func (s *Store) CountDeferred(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Task{}).
		Where("status = ?", TaskDeferred).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count deferred tasks: %w", err)
	}
	return int(count), nil
}

// CountByStatus returns the number of tasks in each status. Statuses
// with no tasks are absent from the map.
func (s *Store) CountByStatus(ctx context.Context) (map[TaskStatus]int64, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	var rows []struct {
		Status TaskStatus
		N      int64
	}
	err := s.db.WithContext(ctx).
		Model(&Task{}).
		Select("status, count(*) as n").
		Group("status").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}

	counts := make(map[TaskStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.N
	}
	return counts, nil
}

// Name identifies the store as a service provider.
func (s *Store) Name() string {
	return "store:" + string(s.config.Driver)
}

// IsHealthy reports whether the database answers a ping.
func (s *Store) IsHealthy(ctx context.Context) bool {
	if s.closed.Load() {
		return false
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.PingContext(ctx) == nil
}

// Stop closes the database. Idempotent; every later operation returns
// ErrStoreClosed.
func (s *Store) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying database: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close task store: %w", err)
	}
	logger.Info("Task store closed",
		logger.KeyComponent, "persistence",
		logger.KeyType, string(s.config.Driver))
	return nil
}

// Spec declares the store's service registration: a persistence
// provider in the core bucket with the query_tasks capability.
func (s *Store) Spec() services.Spec {
	return services.Spec{
		Type:         services.TypePersistence,
		Provider:     s,
		Priority:     services.PriorityNormal,
		Capabilities: []string{services.CapabilityQueryTasks},
		Bucket:       services.BucketCore,
	}
}

func convertNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrTaskNotFound
	}
	return err
}
