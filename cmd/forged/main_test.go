package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"Forged-Core/pkg/integrity"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile = ""
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, dir string, trusted ...string) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"trust":   map[string]any{"keys": trusted},
		"logger":  map[string]any{"output_paths": []string{filepath.Join(dir, "forged.log")}},
		"journal": map[string]any{"driver": "none"},
		"runtime": map[string]any{"data_dir": filepath.Join(dir, "data")},
	})
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(dir, "forged.json")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const manifest = `runes:
  - name: forged.audit
    version: 1.0.0
    payload:
      kind: native
      ref: forged.audit
    events:
      - name: start
  - name: forged.audit.extra
    version: 0.2.0
    payload:
      kind: native
      ref: forged.audit
    dependencies:
      - name: forged.audit
        range: ^1.0.0
`

func TestSignVerifyPlanRun(t *testing.T) {
	dir := t.TempDir()
	priv, err := integrity.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	unsigned := filepath.Join(dir, "unsigned.yaml")
	if err := os.WriteFile(unsigned, []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	signedDir := filepath.Join(dir, "signed")
	if err := os.MkdirAll(signedDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	bundle := filepath.Join(signedDir, "bundle.yaml")
	if _, err := execute(t, "sign", "-k", integrity.EncodePrivateKey(priv), "-o", bundle, unsigned); err != nil {
		t.Fatalf("sign: %v", err)
	}

	cfg := writeConfig(t, dir, integrity.EncodePublicKey(&priv.PublicKey))

	out, err := execute(t, "--config", cfg, "verify", signedDir)
	if err != nil {
		t.Fatalf("verify: %v\n%s", err, out)
	}
	if strings.Count(out, "true") != 2 {
		t.Fatalf("expected both descriptors trusted:\n%s", out)
	}

	out, err = execute(t, "--config", cfg, "plan", signedDir)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	first, second := strings.Index(out, "forged.audit\n"), strings.Index(out, "forged.audit.extra")
	if first < 0 || second < 0 || first > second {
		t.Fatalf("unexpected plan output:\n%s", out)
	}

	if out, err := execute(t, "--config", cfg, "run", "--once", signedDir); err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if _, err := os.Stat(filepath.Join(dir, "data", "load-reports.log")); err != nil {
		t.Fatalf("expected a persisted load report: %v", err)
	}
}

func TestVerifyFailsForUntrustedDescriptors(t *testing.T) {
	dir := t.TempDir()
	unsigned := filepath.Join(dir, "manifests")
	if err := os.MkdirAll(unsigned, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(unsigned, "m.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	cfg := writeConfig(t, dir)

	out, err := execute(t, "--config", cfg, "verify", unsigned)
	if err == nil {
		t.Fatalf("expected verification failure:\n%s", out)
	}
	if !strings.Contains(out, "false") {
		t.Fatalf("expected untrusted rows:\n%s", out)
	}
}

func TestKeygenPrintsKeyPair(t *testing.T) {
	out, err := execute(t, "keygen")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	var private string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "private:") {
			private = strings.TrimSpace(strings.TrimPrefix(line, "private:"))
		}
	}
	if _, err := integrity.DecodePrivateKey(private); err != nil {
		t.Fatalf("keygen output not decodable: %v\n%s", err, out)
	}
}
