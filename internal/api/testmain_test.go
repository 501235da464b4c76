package api

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/banshee-data/tagconsensus/internal/db"
)

// templatePath is a migrated database copied into each test, so the
// migrations run once per package instead of once per test.
var templatePath string

func TestMain(m *testing.M) {
	os.Exit(runTestMain(m))
}

func runTestMain(m *testing.M) int {
	tmpDir, err := os.MkdirTemp("", "tagging-api-template-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create template directory: %v\n", err)
		return 1
	}
	defer os.RemoveAll(tmpDir)

	templatePath = filepath.Join(tmpDir, "template.db")
	templateDB, err := db.NewDB(templatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise template DB: %v\n", err)
		return 1
	}
	if _, err := templateDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to checkpoint template DB: %v\n", err)
		templateDB.Close()
		return 1
	}
	if err := templateDB.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close template DB: %v\n", err)
		return 1
	}

	return m.Run()
}

func cloneTestDB(t *testing.T) string {
	t.Helper()
	if templatePath == "" {
		t.Fatal("template DB not initialised")
	}
	dbPath := filepath.Join(t.TempDir(), "test.db")
	if err := copyFile(templatePath, dbPath); err != nil {
		t.Fatalf("failed to clone template DB: %v", err)
	}
	return dbPath
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
