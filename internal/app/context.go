package app

import (
	"database/sql"
	"fmt"

	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/engine"
	"escrowline/internal/migrate"
)

// Open prepares a workspace: ensures the directory, opens the database, runs
// migrations, loads config and builds the engine. The caller owns the
// returned connection.
func Open(workspace string) (*sql.DB, *config.Config, engine.Engine, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, nil, engine.Engine{}, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, engine.Engine{}, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, engine.Engine{}, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, engine.Engine{}, err
	}
	return conn, cfg, engine.New(conn, cfg), nil
}
