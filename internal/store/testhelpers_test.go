package store

import (
	"context"
	"database/sql"
)

// resetPublicSchema drops and recreates the public schema, matching the reset
// done inline in TestMigrationsRoundTripPostgres.
func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}
