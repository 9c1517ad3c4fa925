package db

import (
	"context"
	"testing"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		driver string
		query  string
		want   string
	}{
		{DriverPostgres, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{DriverPostgres, "SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1"},
		{DriverMySQL, "SELECT * FROM t WHERE a = ?", "SELECT * FROM t WHERE a = ?"},
		{DriverSQLite, "DELETE FROM t WHERE a = ?", "DELETE FROM t WHERE a = ?"},
	}
	for _, tt := range tests {
		if got := Rebind(tt.driver, tt.query); got != tt.want {
			t.Errorf("Rebind(%s, %q) = %q, want %q", tt.driver, tt.query, got, tt.want)
		}
	}
}

func TestExtractDuplicateKeyName(t *testing.T) {
	msg := "Duplicate entry 'alice-7' for key 'instance_records.uk_principal_challenge'"
	if got := ExtractDuplicateKeyName(msg); got != "instance_records.uk_principal_challenge" {
		t.Fatalf("unexpected key name: %q", got)
	}
	if got := ExtractDuplicateKeyName("no marker"); got != "" {
		t.Fatalf("expected empty key name, got %q", got)
	}
}

func TestSQLiteUniqueViolationAndNoRows(t *testing.T) {
	database, err := NewDatabase(&Config{Driver: DriverSQLite, DSN: "file:uvtest?mode=memory&cache=shared&_pragma=busy_timeout(5000)"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	if _, err := database.Exec(ctx, "CREATE TABLE IF NOT EXISTS uv (k TEXT PRIMARY KEY, port INTEGER UNIQUE)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := database.Exec(ctx, "INSERT INTO uv (k, port) VALUES (?, ?)", "a", 1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err = database.Exec(ctx, "INSERT INTO uv (k, port) VALUES (?, ?)", "b", 1)
	key, ok := UniqueViolation(err)
	if !ok {
		t.Fatalf("expected unique violation, got %v", err)
	}
	if key != "uv.port" {
		t.Fatalf("unexpected constraint columns: %q", key)
	}

	var port int
	err = database.QueryRow(ctx, "SELECT port FROM uv WHERE k = ?", "missing").Scan(&port)
	if !IsNoRows(err) {
		t.Fatalf("expected no rows, got %v", err)
	}

	if _, ok := UniqueViolation(nil); ok {
		t.Fatalf("nil must not be a unique violation")
	}
}

func TestTransactionRollback(t *testing.T) {
	database, err := NewDatabase(&Config{Driver: DriverSQLite, DSN: "file:txtest?mode=memory&cache=shared"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	if _, err := database.Exec(ctx, "CREATE TABLE tx (v INTEGER)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	err = database.Transaction(ctx, func(tx Transaction) error {
		if _, err := tx.Exec(ctx, "INSERT INTO tx (v) VALUES (?)", 1); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "INSERT INTO missing (v) VALUES (?)", 2)
		return err
	})
	if err == nil {
		t.Fatalf("expected transaction error")
	}
	var count int
	if err := database.QueryRow(ctx, "SELECT COUNT(*) FROM tx").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback, found %d rows", count)
	}
}
