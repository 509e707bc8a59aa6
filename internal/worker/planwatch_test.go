package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validPlanJSON = `{
	"name": "bootstrap",
	"requiredPaths": ["/workspace/README.md"],
	"steps": [
		{"kind": "git.clone", "args": {"url": "https://example.invalid/repo.git"}},
		{"kind": "tar.extract", "args": {"src": "/tmp/seed.tar"}}
	]
}`

func TestLoadRestorePlan_Valid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstrap.json")
	if err := os.WriteFile(path, []byte(validPlanJSON), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	plan, err := LoadRestorePlan(path)
	if err != nil {
		t.Fatalf("LoadRestorePlan: %v", err)
	}
	if plan.Name != "bootstrap" {
		t.Fatalf("expected name bootstrap, got %s", plan.Name)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(plan.Steps))
	}
	if len(plan.Fingerprint) != 32 {
		t.Fatalf("expected a 32-byte sha256 fingerprint, got %d bytes", len(plan.Fingerprint))
	}
	if len(plan.RequiredPaths) != 1 {
		t.Fatalf("expected 1 required path, got %v", plan.RequiredPaths)
	}
}

func TestLoadRestorePlan_FingerprintChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstrap.json")
	os.WriteFile(path, []byte(validPlanJSON), 0o644)
	plan1, err := LoadRestorePlan(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	modified := `{"name": "bootstrap", "steps": [{"kind": "git.clone"}]}`
	os.WriteFile(path, []byte(modified), 0o644)
	plan2, err := LoadRestorePlan(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if string(plan1.Fingerprint) == string(plan2.Fingerprint) {
		t.Fatal("expected fingerprint to change when file content changes")
	}
}

func TestLoadRestorePlan_RejectsMissingKind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte(`{"name": "x", "steps": [{"args": {}}]}`), 0o644)

	if _, err := LoadRestorePlan(path); err == nil {
		t.Fatal("expected schema validation to reject a step missing kind")
	}
}

func TestPlanSource_InitialLoadAndWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstrap.json")
	os.WriteFile(path, []byte(validPlanJSON), 0o644)

	src, err := NewPlanSource(dir, nil)
	if err != nil {
		t.Fatalf("NewPlanSource: %v", err)
	}
	plan, ok := src.Get("bootstrap")
	if !ok {
		t.Fatal("expected bootstrap plan to be loaded initially")
	}
	firstFingerprint := append([]byte(nil), plan.Fingerprint...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := src.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	updated := `{"name": "bootstrap", "steps": [{"kind": "git.clone"}]}`
	os.WriteFile(path, []byte(updated), 0o644)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		plan, _ := src.Get("bootstrap")
		if string(plan.Fingerprint) != string(firstFingerprint) {
			return // reload observed
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected plan source to reload after file change")
}
