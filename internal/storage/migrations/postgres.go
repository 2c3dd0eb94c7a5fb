package migrations

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"univ3-pool-states/internal/storage/postgres"
)

// RunPostgresMigrations applies every embedded PostgreSQL migration, each in
// its own transaction. Migrations are idempotent.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool, logger logrus.FieldLogger) error {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	files, err := readSQLFiles(PostgresFS, "postgres")
	if err != nil {
		return err
	}

	for _, f := range files {
		if strings.TrimSpace(f.body) == "" {
			continue
		}
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, f.body)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", f.name, err)
		}
		logger.WithFields(logrus.Fields{"store": "postgres", "file": f.name}).Info("applied migration")
	}

	return nil
}
