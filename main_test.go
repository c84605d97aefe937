package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/choraleia/concierge/pkg/db"
)

// writeConfig writes a sqlite config into a temp dir and returns its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	path := filepath.Join(dir, "config.yaml")
	content := "database:\n" +
		"  driver: sqlite\n" +
		"  dsn: " + filepath.Join(dir, "data", "concierge.db") + "\n" +
		"vector_store:\n" +
		"  enabled: false\n" +
		"log:\n" +
		"  level: error\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "concierge dev") || !strings.Contains(out, "commit: none") {
		t.Errorf("unexpected version output: %s", out)
	}
}

func TestMigrateCmd(t *testing.T) {
	cfgPath := writeConfig(t)
	out, err := runCmd(t, "migrate", "--config", cfgPath, "--env-file", filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("migrate failed: %v (%s)", err, out)
	}
	if !strings.Contains(out, "Migrated sqlite database") {
		t.Errorf("unexpected output: %s", out)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(cfgPath), "data", "concierge.db")); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestMigrateCmdRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("database:\n  driver: oracle\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := runCmd(t, "migrate", "--config", path); err == nil {
		t.Fatal("migrate accepted an unsupported driver")
	}
}

func TestCompactCmd(t *testing.T) {
	cfgPath := writeConfig(t)
	if _, err := runCmd(t, "compact", "missing-conversation", "--config", cfgPath); err == nil {
		t.Error("compact of an unknown conversation succeeded")
	}
	out, err := runCmd(t, "compact", "--config", cfgPath)
	if err != nil {
		t.Fatalf("compact sweep failed: %v", err)
	}
	if !strings.Contains(out, "Compacted 0 idle conversations") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestIndexCmdWithTenant(t *testing.T) {
	cfgPath := writeConfig(t)
	out, err := runCmd(t, "index", "--config", cfgPath, "--tenant", "t1")
	if err != nil {
		t.Fatalf("index failed: %v (%s)", err, out)
	}
	for _, want := range []string{"Indexed 0 documents from configured sources", "Indexed 0 domain records for tenant t1"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestServerRoutes(t *testing.T) {
	cfgPath := writeConfig(t)
	cfg, err := loadConfig(cfgPath, "")
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	app, err := newApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	t.Cleanup(func() {
		_ = app.Assistant.Shutdown(context.Background())
		_ = app.Close()
	})
	if app.Relay != nil {
		t.Error("relay created without a redis address")
	}
	var count int64
	if err := app.DB.Model(&db.Conversation{}).Count(&count).Error; err != nil {
		t.Fatalf("tables not migrated: %v", err)
	}

	server := NewServer(app)
	for _, path := range []string{"/healthz", "/metrics"} {
		w := httptest.NewRecorder()
		server.ginEngine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("GET %s = %d", path, w.Code)
		}
	}
	w := httptest.NewRecorder()
	server.ginEngine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/conversations/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("GET unknown conversation = %d", w.Code)
	}
}
