package db

import (
	"os"
	"testing"
)

func TestDatabase_AutoMigrate(t *testing.T) {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		t.Skip("DB_DSN not set; skipping Postgres integration test")
	}

	database, err := NewDatabase(dsn)
	if err != nil {
		t.Fatalf("NewDatabase() error = %v", err)
	}
	defer database.Close()

	// Running twice must be harmless.
	for i := 0; i < 2; i++ {
		if err := database.AutoMigrate(); err != nil {
			t.Fatalf("AutoMigrate() run %d error = %v", i+1, err)
		}
	}

	for _, table := range []string{"users", "messages"} {
		var exists bool
		err := database.Conn.QueryRow(
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)", table,
		).Scan(&exists)
		if err != nil || !exists {
			t.Errorf("table %s missing (err = %v)", table, err)
		}
	}
}

func TestNewDatabase_BadDSN(t *testing.T) {
	if _, err := NewDatabase("postgres://nobody@127.0.0.1:1/none?connect_timeout=1"); err == nil {
		t.Fatal("expected connection error")
	}
}
