// Package repositories wires the local SQLite database used by the upload
// queue: it opens the connection, runs embedded migrations, and constructs
// the concrete repositories.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/medvoice/internal/logging"
	"github.com/dmitrijs2005/medvoice/internal/migrations"
	queuerepo "github.com/dmitrijs2005/medvoice/internal/repositories/queue"
	"github.com/pressly/goose/v3"
)

type Repositories struct {
	Queue queuerepo.Repository
	DB    *sql.DB
}

func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

func InitDatabase(ctx context.Context, dsn string, log logging.Logger) (*Repositories, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repositories{
		Queue: queuerepo.NewSQLiteRepository(db, log),
		DB:    db,
	}, nil
}
