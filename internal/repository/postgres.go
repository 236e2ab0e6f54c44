package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Postgres serves alert writes from the worker and operator reads from the
// API. Connections are recycled so failovers are picked up.
var postgresPool = pool{
	maxOpen:  20,
	maxIdle:  5,
	lifetime: 30 * time.Minute,
}

// openPostgres opens the alert and rule database on PostgreSQL.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, pool, error) {
	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, pool{}, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if err := ping(db); err != nil {
		db.Close()
		return nil, pool{}, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return db, postgresPool, nil
}

// postgresDSN renders cfg as a lib/pq keyword/value string. Empty fields
// fall back to a local kestrel database.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "kestrel"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	params := []string{
		"host=" + quoteDSN(host),
		fmt.Sprintf("port=%d", port),
		"dbname=" + quoteDSN(dbname),
		"sslmode=" + quoteDSN(sslmode),
		"application_name=kestrel",
		fmt.Sprintf("connect_timeout=%d", int(pingTimeout.Seconds())),
	}
	if cfg.PostgresUser != "" {
		params = append(params, "user="+quoteDSN(cfg.PostgresUser))
	}
	if cfg.PostgresPassword != "" {
		params = append(params, "password="+quoteDSN(cfg.PostgresPassword))
	}
	return strings.Join(params, " ")
}

// quoteDSN quotes a value that lib/pq would otherwise split or misread.
func quoteDSN(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
