// Package fileio provides atomic file I/O, backup and quarantine utilities.
package fileio

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrValidation wraps failures reported by a ValidateFunc.
var ErrValidation = errors.New("validation failed")

// ValidateFunc checks staged content before it replaces the original.
type ValidateFunc func(content []byte) error

// ValidateJSON reports whether content is a well-formed JSON value.
func ValidateJSON(content []byte) error {
	if !json.Valid(content) {
		return errors.New("invalid JSON")
	}
	return nil
}

func AtomicWriteJSON(path string, data any) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	content = append(content, '\n')
	return AtomicWriteRaw(path, content, ValidateJSON)
}

// AtomicWriteRaw stages content in a temp file next to path, validates the
// staged bytes, keeps a .bak of the previous content and renames into place.
func AtomicWriteRaw(path string, content []byte, validate ValidateFunc) error {
	tmpName, err := Stage(path, content, validate)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := os.Stat(path); err == nil {
		if err := CopyFile(path, path+".bak"); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// Stage writes content to a synced temp file in path's directory and
// validates it by re-reading. The caller owns the returned file and must
// rename or remove it.
func Stage(path string, content []byte, validate ValidateFunc) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".specsync-tmp-*"+filepath.Ext(path))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}

	if validate != nil {
		written, err := os.ReadFile(tmpName)
		if err != nil {
			return "", fmt.Errorf("read temp file for validation: %w", err)
		}
		if err := validate(written); err != nil {
			return "", fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}

	ok = true
	return tmpName, nil
}

// ReadJSON decodes path into v. A missing file is reported with an error
// satisfying errors.Is(err, os.ErrNotExist).
func ReadJSON(path string, v any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadOptional returns the file content, or nil with exists=false when the
// file is absent.
func ReadOptional(path string) (content []byte, exists bool, err error) {
	content, err = os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return content, true, nil
}

func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
