package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/schaermu/ddworktree/internal/errs"
)

// FileNames are looked up, in order, when discovering the registry file
var FileNames = []string{".ddconfig", ".ddconfig.toml", ".ddconfig.yaml", ".ddconfig.yml"}

// Discover walks up from dir looking for a registry file. When none exists
// the default name in dir is returned.
func Discover(dir string) string {
	for cur := dir; ; {
		for _, name := range FileNames {
			candidate := filepath.Join(cur, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate
			}
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	return filepath.Join(dir, FileNames[0])
}

// Load reads and parses the registry file. A missing file yields an empty
// registry with defaults.
func Load(path string) (*File, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(path), nil
	}
	if err != nil {
		return nil, &errs.ConfigError{Path: path, Err: fmt.Errorf("failed to read registry file: %w", err)}
	}

	format := FormatFor(path)
	f, err := Decode(data, format)
	if err != nil && filepath.Ext(path) == "" {
		// extension-less files written by older tools may be YAML
		if yf, yerr := Decode(data, FormatYAML); yerr == nil {
			f, err = yf, nil
		}
	}
	if err != nil {
		return nil, &errs.ConfigError{Path: path, Err: fmt.Errorf("failed to parse registry file: %w", err)}
	}
	f.Path = path

	f.applyDefaults()

	if err := f.Validate(); err != nil {
		return nil, &errs.ConfigError{Path: path, Err: fmt.Errorf("invalid registry: %w", err)}
	}

	return f, nil
}

// Save validates and atomically replaces the registry file
func Save(f *File) error {
	if err := f.Validate(); err != nil {
		return &errs.ConfigError{Path: f.Path, Err: fmt.Errorf("invalid registry: %w", err)}
	}
	data, err := Encode(f)
	if err != nil {
		return &errs.ConfigError{Path: f.Path, Err: fmt.Errorf("failed to encode registry: %w", err)}
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		return fmt.Errorf("failed to replace registry file: %w", err)
	}
	return nil
}
