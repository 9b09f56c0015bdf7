package scope

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultLocalFile is the root-level file holding local-only patterns
const DefaultLocalFile = ".gitignore-local"

const localHeader = "# Local files that should not be committed globally"

// DefaultLocalPatterns seed a freshly generated local ignore file
var DefaultLocalPatterns = []string{
	"*.local",
	"*.env.local",
	"*.secrets",
	"config/local/",
	"logs/",
	"tmp/",
	".env",
	".env.local",
	".env.development.local",
	".env.test.local",
	".env.production.local",
}

// RenderLocalFile produces the content of a local ignore file
func RenderLocalFile(patterns []string) []byte {
	var b strings.Builder
	b.WriteString(localHeader)
	b.WriteByte('\n')
	for _, p := range patterns {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// WriteLocalFile writes the local ignore file into root via a temp file and
// rename. An existing file is left alone unless overwrite is set.
func WriteLocalFile(root, name string, patterns []string, overwrite bool) (bool, error) {
	dest := filepath.Join(root, name)
	if !overwrite {
		if _, err := os.Stat(dest); err == nil {
			return false, nil
		}
	}

	tmp, err := os.CreateTemp(root, "."+name+".tmp-*")
	if err != nil {
		return false, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(RenderLocalFile(patterns)); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return false, fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return false, fmt.Errorf("failed to move %s into place: %w", name, err)
	}
	return true, nil
}
