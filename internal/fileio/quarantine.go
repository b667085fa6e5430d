package fileio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a corrupted file into <stateDir>/quarantine and returns
// its new location.
func Quarantine(stateDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(stateDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	timestamp := time.Now().Format("20060102T150405.000")
	quarantinePath := filepath.Join(quarantineDir,
		fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), timestamp))

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return quarantinePath, nil
}

// RestoreFromBackup replaces filePath with its .bak copy if the backup passes
// validate.
func RestoreFromBackup(filePath string, validate ValidateFunc) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	if validate != nil {
		if err := validate(content); err != nil {
			return fmt.Errorf("backup is also corrupted: %w", err)
		}
	}

	return AtomicWriteRaw(filePath, content, validate)
}
