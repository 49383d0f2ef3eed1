package repository

import (
	"errors"
	"strings"
	"testing"

	"github.com/opensource-finance/harrier/internal/domain"
)

func TestPostgresDSN(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		dsn, err := postgresDSN(domain.RepositoryConfig{PostgresUser: "harrier"})
		if err != nil {
			t.Fatalf("postgresDSN failed: %v", err)
		}
		for _, want := range []string{"host='localhost'", "port='5432'", "dbname='harrier'", "sslmode='disable'", "user='harrier'"} {
			if !strings.Contains(dsn, want) {
				t.Errorf("expected %s in %q", want, dsn)
			}
		}
		if strings.Contains(dsn, "password=") {
			t.Errorf("expected empty password to be omitted, got %q", dsn)
		}
	})

	t.Run("QuotesValues", func(t *testing.T) {
		dsn, err := postgresDSN(domain.RepositoryConfig{PostgresPassword: `it's a secret`})
		if err != nil {
			t.Fatalf("postgresDSN failed: %v", err)
		}
		if !strings.Contains(dsn, `password='it\'s a secret'`) {
			t.Errorf("expected escaped password, got %q", dsn)
		}
	})

	t.Run("URLWins", func(t *testing.T) {
		dsn, err := postgresDSN(domain.RepositoryConfig{
			PostgresURL:  "postgres://auditor:pw@db.internal:6543/ledger?sslmode=require",
			PostgresHost: "ignored",
		})
		if err != nil {
			t.Fatalf("postgresDSN failed: %v", err)
		}
		for _, want := range []string{"host='db.internal'", "port='6543'", "dbname='ledger'", "application_name='harrier'"} {
			if !strings.Contains(dsn, want) {
				t.Errorf("expected %s in %q", want, dsn)
			}
		}
		if strings.Contains(dsn, "ignored") {
			t.Errorf("expected discrete host to be ignored, got %q", dsn)
		}
	})

	t.Run("BadURL", func(t *testing.T) {
		_, err := postgresDSN(domain.RepositoryConfig{PostgresURL: "mysql://db/ledger"})
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})
}
