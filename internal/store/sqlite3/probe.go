package sqlite3

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// ProbeResult is cached on the configuration as externalDbValid plus an
// optional error message (spec §4.2).
type ProbeResult struct {
	Valid bool
	Error string
}

// Probe validates an externally supplied datasource before a configuration
// is allowed to use it as its storage backend: connection reachability,
// presence of the json1 extension (our stand-in for "vector-extension
// capability" — modernc.org/sqlite ships it compiled in, unlike some distro
// sqlite3 builds). It runs no migrations, and the table lookups at the end
// do not affect the result.
func Probe(ctx context.Context, datasource string) ProbeResult {
	if datasource == "" {
		return ProbeResult{Valid: false, Error: "datasource is empty"}
	}

	db, err := sql.Open("sqlite", datasource)
	if err != nil {
		return ProbeResult{Valid: false, Error: fmt.Sprintf("open: %v", err)}
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return ProbeResult{Valid: false, Error: fmt.Sprintf("unreachable: %v", err)}
	}

	var probe string
	if err := db.QueryRowContext(ctx, "SELECT json_extract('[1,2,3]', '$[0]')").Scan(&probe); err != nil {
		return ProbeResult{Valid: false, Error: fmt.Sprintf("json1 extension unavailable: %v", err)}
	}

	for _, table := range []string{"items", "summaries", "cursor"} {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("SELECT 1 FROM %s%s LIMIT 0", DefaultTablePrefix, table))
	}

	return ProbeResult{Valid: true}
}
