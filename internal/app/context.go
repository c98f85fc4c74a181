package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"contactline/internal/config"
	"contactline/internal/db"
	"contactline/internal/engine"
	"contactline/internal/logger"
	"contactline/internal/migrate"
)

// Options selects the workspace and overrides config values.
type Options struct {
	Workspace  string
	ConfigPath string
	DBPath     string
	LogLevel   string
	LogFormat  string
	LogOutput  io.Writer
	// RequireConfig fails when contactline.yml is missing instead of using
	// the defaults.
	RequireConfig bool
}

// Runtime bundles the opened database, config, logger and engine.
type Runtime struct {
	Config *config.Config
	DB     *sql.DB
	Logger *logrus.Logger
	Engine engine.Engine
}

// LoadConfig resolves the config from an explicit path or the workspace.
func LoadConfig(opts Options) (*config.Config, error) {
	switch {
	case opts.ConfigPath != "":
		return config.FromFile(opts.ConfigPath)
	case opts.RequireConfig:
		return config.Load(opts.Workspace)
	default:
		return config.LoadOptional(opts.Workspace)
	}
}

// Open loads config, opens and migrates the database and builds the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	format := cfg.Logging.Format
	if opts.LogFormat != "" {
		format = opts.LogFormat
	}
	log, err := logger.New(logger.Config{Level: level, Format: format, Output: opts.LogOutput})
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng, err := engine.New(conn, cfg, logrus.NewEntry(log))
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Runtime{Config: cfg, DB: conn, Logger: log, Engine: eng}, nil
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}
