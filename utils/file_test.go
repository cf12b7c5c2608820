package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yml")

	err := WriteFileAtomic(path, 0o644, func(w io.Writer) error {
		_, err := fmt.Fprint(w, "first")
		return err
	})
	test.That(t, err, test.ShouldBeNil)
	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "first")

	t.Run("failed write keeps previous contents", func(t *testing.T) {
		err := WriteFileAtomic(path, 0o644, func(w io.Writer) error {
			if _, err := fmt.Fprint(w, "partial"); err != nil {
				return err
			}
			return errors.New("encoder failed")
		})
		test.That(t, err, test.ShouldBeError, errors.New("encoder failed"))

		data, err := os.ReadFile(path)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, string(data), test.ShouldEqual, "first")

		entries, err := os.ReadDir(dir)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, entries, test.ShouldHaveLength, 1)
	})

	t.Run("missing directory", func(t *testing.T) {
		err := WriteFileAtomic(filepath.Join(dir, "nope", "out.yml"), 0o644, func(w io.Writer) error { return nil })
		test.That(t, err, test.ShouldNotBeNil)
	})
}
