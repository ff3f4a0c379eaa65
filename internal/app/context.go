package app

import (
	"database/sql"
	"fmt"
	"os"

	"meshline/internal/config"
	"meshline/internal/db"
	"meshline/internal/engine"
	"meshline/internal/migrate"
)

// Bootstrap opens the workspace database, runs migrations and loads config.
// Every entry point (CLI, server, tests that want the full stack) goes
// through here so they agree on workspace layout.
func Bootstrap(workspace string) (engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	if cfg == nil {
		cfg = config.Default("mesh")
	}
	return engine.New(conn, cfg), conn, nil
}

// InitWorkspace creates the workspace directory and writes a starter config
// if none exists. Idempotent.
func InitWorkspace(workspace, pipelineID string) (string, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return "", err
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	data, err := config.Default(pipelineID).YAML()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}
