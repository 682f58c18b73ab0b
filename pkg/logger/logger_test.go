package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestInitWritesJSONToFileOutputs(t *testing.T) {
	dir := t.TempDir()
	appPath := filepath.Join(dir, "app.log")
	auditPath := filepath.Join(dir, "audit", "trust.log")

	err := Init(Config{
		Level:       "debug",
		Format:      "json",
		OutputPaths: []string{appPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = Sync()
		Use(Discard())
	})

	Named("resolver").Info("plan ready", "steps", 2)
	Audit().Warn("descriptor verification", "trusted", false)
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	app := readLines(t, appPath)
	if len(app) != 1 || app[0]["component"] != "resolver" || app[0]["msg"] != "plan ready" {
		t.Fatalf("unexpected application log %v", app)
	}
	audit := readLines(t, auditPath)
	if len(audit) != 1 || audit[0]["trusted"] != false {
		t.Fatalf("unexpected audit log %v", audit)
	}
}

func TestAuditFallsBackToApplicationLogger(t *testing.T) {
	l := Discard()
	Use(l)
	t.Cleanup(func() { Use(Discard()) })
	if Audit() != l || L() != l {
		t.Fatal("Use must install the logger for both streams")
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("WARNING").String() != "WARN" || parseLevel("bogus").String() != "INFO" {
		t.Fatal("unexpected level parsing")
	}
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		out = append(out, rec)
	}
	return out
}
