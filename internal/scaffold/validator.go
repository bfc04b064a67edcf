package scaffold

import (
	"fmt"
	"os"
)

// CheckExisting checks if factory.yml or the tasks/ directory already exist
// Returns an error if they do, nil otherwise
func CheckExisting() error {
	var existingFiles []string

	// Check for factory.yml
	if _, err := os.Stat("factory.yml"); err == nil {
		existingFiles = append(existingFiles, "factory.yml")
	}

	// Check for tasks/ directory
	if info, err := os.Stat("tasks"); err == nil && info.IsDir() {
		existingFiles = append(existingFiles, "tasks/")
	}

	if len(existingFiles) > 0 {
		errMsg := "project already initialized\n\nFound existing"
		if len(existingFiles) == 1 {
			errMsg += fmt.Sprintf(": %s", existingFiles[0])
		} else {
			errMsg += " files:\n"
			for _, file := range existingFiles {
				errMsg += fmt.Sprintf("  - %s\n", file)
			}
		}
		errMsg += "\nUse 'factory init --force' to reinitialize (this will overwrite existing configuration)"

		return fmt.Errorf("%s", errMsg)
	}

	return nil
}
