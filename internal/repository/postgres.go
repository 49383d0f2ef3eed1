package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/opensource-finance/harrier/internal/domain"
)

// openPostgres opens the pro tier Case Store connection.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	dsn, err := postgresDSN(cfg)
	if err != nil {
		return nil, err
	}

	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	db := sql.OpenDB(connector)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return db, nil
}

// postgresDSN renders a lib/pq key/value connection string. A postgres:// URL
// wins over the discrete fields.
func postgresDSN(cfg domain.RepositoryConfig) (string, error) {
	if cfg.PostgresURL != "" {
		dsn, err := pq.ParseURL(cfg.PostgresURL)
		if err != nil {
			return "", fmt.Errorf("%w: postgres url: %v", domain.ErrValidation, err)
		}
		if !strings.Contains(dsn, "application_name=") {
			dsn += " application_name='harrier'"
		}
		return dsn, nil
	}

	params := map[string]string{
		"host":             orDefault(cfg.PostgresHost, "localhost"),
		"port":             strconv.Itoa(cfg.PostgresPort),
		"user":             cfg.PostgresUser,
		"password":         cfg.PostgresPassword,
		"dbname":           orDefault(cfg.PostgresDB, "harrier"),
		"sslmode":          orDefault(cfg.PostgresSSLMode, "disable"),
		"application_name": "harrier",
		"connect_timeout":  "10",
	}
	if cfg.PostgresPort == 0 {
		params["port"] = "5432"
	}

	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	quote := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "='" + quote.Replace(params[k]) + "'"
	}
	return strings.Join(parts, " "), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
