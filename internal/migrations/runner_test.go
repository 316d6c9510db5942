package migrations

import (
	"errors"
	"sort"
	"strings"
	"testing"
)

func TestLoadEntries_Ordered(t *testing.T) {
	entries, err := loadEntries()
	if err != nil {
		t.Fatalf("loadEntries: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no embedded migrations found")
	}
	if entries[0].version != "000_migrations_table.sql" {
		t.Errorf("first migration = %q, want 000_migrations_table.sql", entries[0].version)
	}

	versions := make([]string, len(entries))
	for i, e := range entries {
		versions[i] = e.version
		if strings.TrimSpace(e.sql) == "" {
			t.Errorf("migration %q is empty", e.version)
		}
	}
	if !sort.StringsAreSorted(versions) {
		t.Errorf("migrations not in lexicographic order: %v", versions)
	}
}

func TestRequiredTablesAreCreated(t *testing.T) {
	entries, err := loadEntries()
	if err != nil {
		t.Fatalf("loadEntries: %v", err)
	}

	var all strings.Builder
	for _, e := range entries {
		all.WriteString(e.sql)
	}
	sql := all.String()

	for _, table := range RequiredTables {
		if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Errorf("table %q is required by CheckSchema but no migration creates it", table)
		}
	}
}

func TestLoadEntries_Checksums(t *testing.T) {
	entries, err := loadEntries()
	if err != nil {
		t.Fatalf("loadEntries: %v", err)
	}
	seen := map[string]string{}
	for _, e := range entries {
		if len(e.checksum) != 64 {
			t.Errorf("%s: checksum %q is not a hex SHA-256", e.version, e.checksum)
		}
		if other, dup := seen[e.checksum]; dup {
			t.Errorf("%s and %s have identical content", e.version, other)
		}
		seen[e.checksum] = e.version
	}
}

func TestPending(t *testing.T) {
	entries := []entry{
		{version: "000_a.sql", checksum: "aa"},
		{version: "001_b.sql", checksum: "bb"},
		{version: "002_c.sql", checksum: "cc"},
	}

	todo, err := pending(entries, map[string]string{"000_a.sql": "aa"})
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(todo) != 2 || todo[0].version != "001_b.sql" || todo[1].version != "002_c.sql" {
		t.Errorf("pending = %+v, want 001 and 002 in order", todo)
	}

	todo, err = pending(entries, map[string]string{"000_a.sql": "aa", "001_b.sql": "bb", "002_c.sql": "cc"})
	if err != nil || len(todo) != 0 {
		t.Errorf("all applied: pending = %+v, %v", todo, err)
	}
}

func TestPending_Drift(t *testing.T) {
	entries := []entry{{version: "000_a.sql", checksum: "aa"}, {version: "001_b.sql", checksum: "bb"}}

	_, err := pending(entries, map[string]string{"000_a.sql": "aa", "001_b.sql": "changed"})
	var drift *DriftError
	if !errors.As(err, &drift) {
		t.Fatalf("err = %v, want *DriftError", err)
	}
	if drift.Version != "001_b.sql" {
		t.Errorf("drift version = %q", drift.Version)
	}
}
