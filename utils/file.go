package utils

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// RemoveFileNoError will remove the file at the given path if it exists. Any
// errors will be suppressed.
func RemoveFileNoError(path string) {
	utils.UncheckedErrorFunc(func() error {
		if _, err := os.Stat(path); err == nil {
			return os.Remove(path)
		}
		return nil
	})
}

// WriteFileAtomic writes a file by streaming into a temporary file next to path and
// renaming it into place once write succeeds. A failed write leaves any existing file
// at path untouched and no temporary file behind.
func WriteFileAtomic(path string, perm os.FileMode, write func(w io.Writer) error) (err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "error creating temporary file")
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			utils.UncheckedError(tmp.Close())
			RemoveFileNoError(tmpName)
		}
	}()

	if err = write(tmp); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return errors.Wrap(err, "error syncing temporary file")
	}
	if err = tmp.Chmod(perm); err != nil {
		return errors.Wrap(err, "error setting file mode")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "error closing temporary file")
	}
	if err = os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "error moving file into place at %q", path)
	}
	return nil
}
