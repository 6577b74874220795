package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func resetLogging() {
	CloseAll()
	CloseAudit()
	loggers = make(map[Category]*Logger)
	opts = Options{}
	auditLogger = nil
}

func TestAllCategoriesLog(t *testing.T) {
	resetLogging()
	dir := filepath.Join(t.TempDir(), "logs")

	if err := Initialize(Options{Dir: dir, DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if !IsDebugMode() {
		t.Error("expected debug mode to be enabled")
	}

	categories := []Category{
		CategoryBoot,
		CategoryStore,
		CategoryGuard,
		CategoryVector,
		CategoryEmbedding,
		CategoryProvider,
		CategoryLibrarian,
		CategoryAPI,
	}

	for _, cat := range categories {
		if !IsCategoryEnabled(cat) {
			t.Errorf("category %s should be enabled", cat)
		}
		logger := Get(cat)
		logger.Info("info message for %s", cat)
		logger.Debug("debug message for %s", cat)
		logger.Warn("warn message for %s", cat)
		logger.Error("error message for %s", cat)
	}

	Store("convenience store log")
	StoreDebug("convenience store debug")
	Guard("convenience guard log")
	Librarian("convenience librarian log")
	Provider("convenience provider log")
	Embedding("convenience embedding log")

	CloseAll()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read logs dir: %v", err)
	}
	for _, cat := range categories {
		found := false
		for _, entry := range entries {
			if strings.Contains(entry.Name(), string(cat)+".log") {
				found = true
				content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
				if err != nil {
					t.Errorf("failed to read log file for %s: %v", cat, err)
					continue
				}
				if len(content) == 0 {
					t.Errorf("log file for %s is empty", cat)
				}
				break
			}
		}
		if !found {
			t.Errorf("no log file found for category: %s", cat)
		}
	}
}

func TestDebugModeDisabled(t *testing.T) {
	resetLogging()
	dir := filepath.Join(t.TempDir(), "logs")

	if err := Initialize(Options{Dir: dir, DebugMode: false, Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if IsDebugMode() {
		t.Error("expected debug mode to be disabled")
	}
	for _, cat := range []Category{CategoryBoot, CategoryStore, CategoryGuard} {
		if IsCategoryEnabled(cat) {
			t.Errorf("category %s should be disabled when debug mode is off", cat)
		}
	}

	Store("this should NOT be logged")
	Get(CategoryGuard).Error("this should NOT be logged")
	CloseAll()

	if _, err := os.Stat(dir); err == nil {
		entries, _ := os.ReadDir(dir)
		if len(entries) > 0 {
			t.Errorf("expected no log files, found %d", len(entries))
		}
	}
}

func TestCategoryToggle(t *testing.T) {
	resetLogging()
	dir := filepath.Join(t.TempDir(), "logs")

	err := Initialize(Options{
		Dir:       dir,
		DebugMode: true,
		Level:     "debug",
		Categories: map[string]bool{
			"store": true,
			"guard": false,
		},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if !IsCategoryEnabled(CategoryStore) {
		t.Error("store should be enabled")
	}
	if IsCategoryEnabled(CategoryGuard) {
		t.Error("guard should be disabled")
	}
	// Unlisted categories default to enabled in debug mode.
	if !IsCategoryEnabled(CategoryLibrarian) {
		t.Error("librarian (not in config) should default to enabled")
	}

	Store("this SHOULD be logged")
	Guard("this should NOT be logged")
	CloseAll()

	entries, _ := os.ReadDir(dir)
	hasStore, hasGuard := false, false
	for _, e := range entries {
		if strings.Contains(e.Name(), "store") {
			hasStore = true
		}
		if strings.Contains(e.Name(), "guard") {
			hasGuard = true
		}
	}
	if !hasStore {
		t.Error("expected store log file")
	}
	if hasGuard {
		t.Error("should not have guard log file (disabled)")
	}
}

func TestTimerLogging(t *testing.T) {
	resetLogging()
	dir := filepath.Join(t.TempDir(), "logs")
	if err := Initialize(Options{Dir: dir, DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	timer := StartTimer(CategoryStore, "TestOperation")
	time.Sleep(time.Millisecond)
	elapsed := timer.Stop()
	if elapsed <= 0 {
		t.Error("timer should have recorded non-zero duration")
	}
	CloseAll()
}

func TestAuditLog(t *testing.T) {
	resetLogging()
	dir := filepath.Join(t.TempDir(), "logs")
	if err := Initialize(Options{Dir: dir, DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := InitAudit(); err != nil {
		t.Fatalf("InitAudit failed: %v", err)
	}

	audit := AuditWithSession("session-1")
	audit.QueryExecuted("SELECT id FROM traces", 3, 12, nil)
	audit.QueryRejected("DELETE FROM traces", "only SELECT statements are allowed")
	audit.ToolCall("run_sql_query", 1, true, "")
	audit.TurnEnd("answered", 250, true)

	CloseAll()
	CloseAudit()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read logs dir: %v", err)
	}
	var auditContent string
	for _, e := range entries {
		if strings.Contains(e.Name(), "audit") {
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				t.Fatalf("failed to read audit log: %v", err)
			}
			auditContent = string(data)
		}
	}
	if auditContent == "" {
		t.Fatal("expected audit log file with content")
	}
	if !strings.Contains(auditContent, "query_reject") {
		t.Error("expected query_reject event in audit log")
	}
	if !strings.Contains(auditContent, "session-1") {
		t.Error("expected session id in audit log")
	}
	lines := strings.Split(strings.TrimSpace(auditContent), "\n")
	if len(lines) != 4 {
		t.Errorf("expected 4 audit lines, got %d", len(lines))
	}
}
