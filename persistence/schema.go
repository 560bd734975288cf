package persistence

import (
	"context"
	_ "embed"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the schema to the database pool points at. It is
// idempotent: every statement uses CREATE ... IF NOT EXISTS.
func Migrate(ctx context.Context, g *PgGateway) error {
	_, err := g.pool.Exec(ctx, schemaSQL)
	return err
}
