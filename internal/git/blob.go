package git

import (
	"errors"
	"io/fs"
	"os"

	"github.com/go-git/go-git/v5/plumbing"
)

// WorkingBlobID returns the git blob id a file on disk would get if it were
// staged, or "" when nothing file-like exists at path. Symlinks hash their
// target string the way git stores them.
func WorkingBlobID(path string) (string, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}

	var data []byte
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return "", err
		}
		data = []byte(target)
	case info.Mode().IsRegular():
		data, err = os.ReadFile(path)
		if err != nil {
			return "", err
		}
	default:
		return "", nil
	}

	return plumbing.ComputeHash(plumbing.BlobObject, data).String(), nil
}
