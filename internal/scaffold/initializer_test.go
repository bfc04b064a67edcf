package scaffold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mirqtio/LeadFactory-v1-sub006/internal/config"
)

// chdirTemp moves the test into a fresh temp directory and restores the
// original working directory on cleanup.
func chdirTemp(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()
	originalDir, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(originalDir) })

	if err := os.Chdir(tmpDir); err != nil {
		t.Fatal(err)
	}
	return tmpDir
}

func TestInitialize(t *testing.T) {
	tests := []struct {
		name      string
		force     bool
		setupFunc func(string)
		wantErr   bool
	}{
		{
			name:  "fresh initialization",
			force: false,
			setupFunc: func(dir string) {
				// No setup needed - clean directory
			},
			wantErr: false,
		},
		{
			name:  "force initialization removes existing files",
			force: true,
			setupFunc: func(dir string) {
				os.WriteFile(filepath.Join(dir, "factory.yml"), []byte("old content"), 0644)
				os.MkdirAll(filepath.Join(dir, "tasks"), 0755)
				os.WriteFile(filepath.Join(dir, "tasks", "old.sh"), []byte("old"), 0755)
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := chdirTemp(t)
			tt.setupFunc(tmpDir)

			err := Initialize(tt.force)

			if (err != nil) != tt.wantErr {
				t.Errorf("Initialize() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}

			expectedFiles := []struct {
				path       string
				executable bool
			}{
				{"factory.yml", false},
				{filepath.Join("tasks", "dev.sh"), true},
				{filepath.Join("tasks", "validate.sh"), true},
			}

			for _, ef := range expectedFiles {
				fullPath := filepath.Join(tmpDir, ef.path)
				info, err := os.Stat(fullPath)
				if err != nil {
					t.Errorf("Expected file %s to exist, but got error: %v", ef.path, err)
					continue
				}

				if ef.executable {
					mode := info.Mode()
					if mode&0111 == 0 {
						t.Errorf("File %s should be executable, but mode is %v", ef.path, mode)
					}
				}
			}

			// The scaffolded config must load and validate end to end
			cfg, err := config.Load(filepath.Join(tmpDir, "factory.yml"))
			if err != nil {
				t.Fatalf("scaffolded factory.yml does not load: %v", err)
			}
			if len(cfg.Stages) != 2 {
				t.Errorf("scaffolded config has %d stages, want 2", len(cfg.Stages))
			}

			// If force was true, verify old files were removed
			if tt.force {
				oldTask := filepath.Join(tmpDir, "tasks", "old.sh")
				if _, err := os.Stat(oldTask); err == nil {
					t.Errorf("Expected old task script to be removed, but it still exists")
				}
			}
		})
	}
}

func TestInitialize_OverwritesInPlace(t *testing.T) {
	tmpDir := chdirTemp(t)

	// Refusing to clobber existing projects is the command's job via
	// CheckExisting; Initialize itself just writes.
	os.WriteFile(filepath.Join(tmpDir, "factory.yml"), []byte("not yaml: ["), 0644)

	if err := Initialize(false); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if _, err := config.Load(filepath.Join(tmpDir, "factory.yml")); err != nil {
		t.Fatalf("factory.yml was not overwritten with a valid config: %v", err)
	}
}

func TestHandleForce(t *testing.T) {
	tests := []struct {
		name      string
		setupFunc func(string)
	}{
		{
			name: "removes existing factory.yml",
			setupFunc: func(dir string) {
				os.WriteFile(filepath.Join(dir, "factory.yml"), []byte("content"), 0644)
			},
		},
		{
			name: "removes existing tasks directory",
			setupFunc: func(dir string) {
				os.MkdirAll(filepath.Join(dir, "tasks"), 0755)
				os.WriteFile(filepath.Join(dir, "tasks", "file.sh"), []byte("test"), 0755)
			},
		},
		{
			name: "handles when files don't exist",
			setupFunc: func(dir string) {
				// No files to remove
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := chdirTemp(t)
			tt.setupFunc(tmpDir)

			if err := handleForce(); err != nil {
				t.Errorf("handleForce() error = %v", err)
				return
			}

			if _, err := os.Stat(filepath.Join(tmpDir, "factory.yml")); err == nil {
				t.Errorf("factory.yml should have been removed")
			}
			if _, err := os.Stat(filepath.Join(tmpDir, "tasks")); err == nil {
				t.Errorf("tasks/ should have been removed")
			}
		})
	}
}

func TestGetTemplateFiles(t *testing.T) {
	files, err := getTemplateFiles()
	if err != nil {
		t.Fatalf("getTemplateFiles() error = %v", err)
	}

	expectedFiles := map[string]struct {
		permissions os.FileMode
	}{
		"factory.yml": {0644},
		filepath.Join("tasks", "dev.sh"):      {0755},
		filepath.Join("tasks", "validate.sh"): {0755},
	}

	if len(files) != len(expectedFiles) {
		t.Errorf("getTemplateFiles() returned %d files, want %d", len(files), len(expectedFiles))
	}

	for _, file := range files {
		expected, ok := expectedFiles[file.Path]
		if !ok {
			t.Errorf("Unexpected file in template: %s", file.Path)
			continue
		}

		if file.Permissions != expected.permissions {
			t.Errorf("File %s has permissions %v, want %v", file.Path, file.Permissions, expected.permissions)
		}

		if len(file.Content) == 0 {
			t.Errorf("File %s has empty content", file.Path)
		}
	}
}
