package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/migrate"
	"flowline/internal/repo"
)

// Runtime bundles the open database, the loaded config, and the engine for
// one workspace. CLI commands and the server share it.
type Runtime struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open prepares a workspace: database opened, migrations applied, config
// loaded from flowline.yml when present.
func Open(ctx context.Context, workspace string) (*Runtime, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("")
	}
	return &Runtime{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg),
	}, nil
}

func (rt *Runtime) Close() {
	if rt != nil && rt.DB != nil {
		rt.DB.Close()
	}
}

// ResolveProject picks the active project: the explicit override when given,
// the config's project when set, otherwise the single project in the
// workspace.
func ResolveProject(ctx context.Context, projectOverride string, cfg *config.Config, r repo.Repo) (domain.Project, error) {
	projectID := projectOverride
	if projectID == "" && cfg != nil {
		projectID = cfg.Project.ID
	}
	if projectID == "" {
		p, err := r.SingleProject(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Project{}, fmt.Errorf("no project in workspace; run fl project create")
			}
			return domain.Project{}, err
		}
		return p, nil
	}
	return r.GetProject(ctx, projectID)
}

// WriteDefaultConfig seeds flowline.yml unless one already exists.
func WriteDefaultConfig(workspace, projectID string) (string, error) {
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
