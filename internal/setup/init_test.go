package setup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/msageha/specsync/internal/config"
)

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	projectDir := filepath.Join(t.TempDir(), "myproject")
	if err := os.Mkdir(projectDir, 0755); err != nil {
		t.Fatalf("create project dir: %v", err)
	}

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	expectedDirs := []string{
		".specsync/state",
		".specsync/logs",
		".specsync/backups",
		".specsync/quarantine",
		".specsync/locks",
		"docs",
	}
	for _, d := range expectedDirs {
		info, err := os.Stat(filepath.Join(projectDir, d))
		if err != nil {
			t.Errorf("directory %s does not exist: %v", d, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
}

func TestRun_ConfigNamesProject(t *testing.T) {
	projectDir := filepath.Join(t.TempDir(), "myproject")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cfg, err := config.Load(projectDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Project.Name != "myproject" {
		t.Errorf("project.name = %q, want myproject", cfg.Project.Name)
	}
	if cfg.Consistency.AutoRepairThreshold != 0.75 {
		t.Errorf("auto_repair_threshold = %v, want 0.75", cfg.Consistency.AutoRepairThreshold)
	}
}

func TestRun_ExplicitNameAndCommentsKept(t *testing.T) {
	projectDir := filepath.Join(t.TempDir(), "dir")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir, "checkout"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(projectDir, ".specsync", "config.yaml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "name: checkout") {
		t.Errorf("config does not name the project:\n%s", content)
	}
	if !strings.Contains(content, "# Verdicts at or above this confidence") {
		t.Error("template comments were dropped")
	}
}

func TestRun_AlreadyInitialized(t *testing.T) {
	projectDir := t.TempDir()

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	err := Run(projectDir, "")
	if err == nil {
		t.Fatal("expected error on second Run")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("unexpected error: %v", err)
	}
}
