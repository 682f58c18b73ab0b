package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/internal/transport"
	"Forged-Core/pkg/descriptor"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func names(specs []descriptor.Spec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Name
	}
	return out
}

func TestDirectoryReadsManifestsInPathOrder(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.yaml"), "name: beta\nversion: 1.0.0\npayload:\n  ref: beta\n")
	writeFile(t, filepath.Join(root, "a.yml"), "runes:\n  - name: alpha\n    version: 1.0.0\n    payload:\n      ref: alpha\n  - name: alpha.extra\n    version: 0.1.0\n    payload:\n      ref: extra\n")
	writeFile(t, filepath.Join(root, "nested", "c.yaml"), "name: gamma\nversion: 2.0.0\npayload:\n  ref: gamma\n---\nname: delta\nversion: 1.0.0\npayload:\n  ref: delta\n")
	writeFile(t, filepath.Join(root, "README.md"), "ignored")
	writeFile(t, filepath.Join(root, ".hidden", "x.yaml"), "name: hidden\nversion: 1.0.0\n")

	specs, err := NewDirectory(root).Specs(context.Background())
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	want := []string{"alpha", "alpha.extra", "beta", "gamma", "delta"}
	if diff := cmp.Diff(want, names(specs)); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestDirectoryErrors(t *testing.T) {
	if _, err := NewDirectory(filepath.Join(t.TempDir(), "missing")).Specs(context.Background()); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "bad.yaml"), "name: [unterminated\n")
	if _, err := NewDirectory(root).Specs(context.Background()); !xerrors.HasCode(err, xerrors.CodeMalformedDescriptor) {
		t.Fatalf("expected malformed descriptor, got %v", err)
	}
}

func TestHTTPFetchesManifestBundle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/manifests.yaml" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("runes:\n  - name: remote.one\n    version: 1.0.0\n    payload:\n      kind: remote\n      ref: http://example/one\n"))
	}))
	defer srv.Close()

	client := transport.New(transport.WithHTTPClient(srv.Client()), transport.WithBaseDelay(time.Millisecond))
	specs, err := Open(srv.URL+"/manifests.yaml", client).Specs(context.Background())
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	if len(specs) != 1 || specs[0].Name != "remote.one" || specs[0].Payload.Kind != descriptor.PayloadRemote {
		t.Fatalf("unexpected specs %+v", specs)
	}

	if _, err := NewHTTP(srv.URL+"/missing.yaml", client).Specs(context.Background()); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMultiConcatenatesSources(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(first, "one.yaml"), "name: one\nversion: 1.0.0\npayload:\n  ref: one\n")
	writeFile(t, filepath.Join(second, "two.yaml"), "name: two\nversion: 1.0.0\npayload:\n  ref: two\n")

	specs, err := Multi{Open(first, nil), Open(second, nil)}.Specs(context.Background())
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	if diff := cmp.Diff([]string{"one", "two"}, names(specs)); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
}
