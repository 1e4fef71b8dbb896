package db

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"nexus/cli/internal/logging"
)

func TestOpen_CreatesTablesAndIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "nexus.db")
	gdb, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for _, name := range []string{"missions", "mission_events"} {
		var got string
		if err := gdb.Raw(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&got).Error; err != nil || got != name {
			t.Fatalf("missing table %s: %v", name, err)
		}
	}
	var timeout int
	if err := gdb.Raw(`PRAGMA busy_timeout;`).Scan(&timeout).Error; err != nil {
		t.Fatalf("query busy_timeout failed: %v", err)
	}
	if timeout < 5000 {
		t.Fatalf("expected busy_timeout >= 5000, got %d", timeout)
	}
	if err := Close(gdb); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	gdb, err = Open(dbPath, nil)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	defer Close(gdb)
}

func TestMigrateUp_FailsInterruptedMissions(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nexus.db")
	gdb, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	rows := []Mission{
		{MissionID: "a", Status: "executing", CreatedAt: 1},
		{MissionID: "b", Status: "completed", CreatedAt: 2, FinishedAt: 3},
	}
	if err := gdb.Create(&rows).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	var logs bytes.Buffer
	if err := MigrateUp(gdb, logging.NewLogger(logging.Options{Writer: &logs})); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	if !strings.Contains(logs.String(), `"msg":"failed interrupted missions"`) || !strings.Contains(logs.String(), `"count":1`) {
		t.Fatalf("expected interrupted count in migration log, got %s", logs.String())
	}
	var a, b Mission
	if err := gdb.First(&a, "mission_id = ?", "a").Error; err != nil {
		t.Fatalf("load a: %v", err)
	}
	if err := gdb.First(&b, "mission_id = ?", "b").Error; err != nil {
		t.Fatalf("load b: %v", err)
	}
	if a.Status != "failed" || a.LastError != "interrupted" || a.FinishedAt == 0 {
		t.Fatalf("interrupted mission not closed: %+v", a)
	}
	if b.Status != "completed" || b.FinishedAt != 3 {
		t.Fatalf("terminal mission must be untouched: %+v", b)
	}
	_ = Close(gdb)
}
