package persistence

import (
	"context"
	"fmt"
	"strings"
)

// Open dials a Gateway for the given DSN, dispatching on its scheme
// ("postgres://...", "postgresql://...", or "memory://" for the
// in-process gateway used in tests and local development).
func Open(ctx context.Context, dsn string) (Gateway, error) {
	switch schemeOf(dsn) {
	case "memory":
		return NewMemGateway(), nil
	case "postgres", "postgresql":
		return OpenPgGateway(ctx, dsn)
	default:
		return nil, fmt.Errorf("persistence: no gateway registered for scheme %q", schemeOf(dsn))
	}
}

func schemeOf(dsn string) string {
	if idx := strings.Index(dsn, "://"); idx >= 0 {
		return dsn[:idx]
	}
	return dsn
}
