// Package scaffold creates the starter project layout for `factory init`:
// a working two-stage factory.yml plus stub task scripts that speak the
// stdin/stdout JSON contract.
package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mirqtio/LeadFactory-v1-sub006/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize creates the factory project structure.
// If force is true, it will remove an existing factory.yml and tasks/ directory.
func Initialize(force bool) error {
	if force {
		if err := handleForce(); err != nil {
			return err
		}
	}

	files, err := getTemplateFiles()
	if err != nil {
		return err
	}

	if err := os.MkdirAll("tasks", 0755); err != nil {
		return fmt.Errorf("failed to create tasks directory: %w", err)
	}

	if err := writeFiles(files); err != nil {
		return err
	}

	// The scaffolded config must survive the same validation the supervisor
	// applies, including the task command existence checks.
	if _, err := config.Load("factory.yml"); err != nil {
		return fmt.Errorf("created factory.yml failed validation: %w", err)
	}

	return nil
}

// handleForce removes existing files if --force was specified
func handleForce() error {
	if _, err := os.Stat("factory.yml"); err == nil {
		fmt.Println("⚠️  Removing existing factory.yml...")
		if err := os.Remove("factory.yml"); err != nil {
			return fmt.Errorf("failed to remove factory.yml: %w", err)
		}
	}

	if info, err := os.Stat("tasks"); err == nil && info.IsDir() {
		fmt.Println("⚠️  Removing existing tasks/ directory...")
		if err := os.RemoveAll("tasks"); err != nil {
			return fmt.Errorf("failed to remove tasks/ directory: %w", err)
		}
	}

	return nil
}

// getTemplateFiles reads and processes all template files
func getTemplateFiles() ([]FileInfo, error) {
	specs := []struct {
		template    string
		path        string
		permissions os.FileMode
	}{
		{"templates/factory.yml.tmpl", "factory.yml", 0644},
		{"templates/dev.sh.tmpl", filepath.Join("tasks", "dev.sh"), 0755},
		{"templates/validate.sh.tmpl", filepath.Join("tasks", "validate.sh"), 0755},
	}

	files := make([]FileInfo, 0, len(specs))
	for _, spec := range specs {
		content, err := templatesFS.ReadFile(spec.template)
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", spec.template, err)
		}
		files = append(files, FileInfo{
			Path:        spec.path,
			Content:     content,
			Permissions: spec.permissions,
		})
	}

	return files, nil
}

// writeFiles writes all template files to disk
func writeFiles(files []FileInfo) error {
	for _, file := range files {
		if err := os.WriteFile(file.Path, file.Content, file.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
	}

	return nil
}

// PrintSuccess prints the success message with created files
func PrintSuccess() {
	fmt.Println("\n✅ Successfully initialized factory project!")
	fmt.Println("\nCreated:")
	fmt.Println("  ✓ factory.yml")
	fmt.Println("  ✓ tasks/dev.sh")
	fmt.Println("  ✓ tasks/validate.sh")
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Replace the stub task scripts with your real build and validation commands")
	fmt.Println("  2. Adjust the stages, evidence fields, and gates in factory.yml")
	fmt.Println("  3. Run 'factory up' to start a Redis instance")
	fmt.Println("  4. Run 'factory enqueue --title \"first item\"' to queue work")
}
