package extract

import (
	"fmt"
	"os"
	"path/filepath"
)

// replaceFunc is swapped out by tests to simulate a failed replacement.
var replaceFunc = replaceFile

// materialize writes data to a new private executable file in dir.
func materialize(dir string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, "exepack-*")
	if err != nil {
		return "", fmt.Errorf("creating temporary program: %w", err)
	}
	path := f.Name()

	if err := writeSynced(f, data); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("writing temporary program: %w", err)
	}
	if err := os.Chmod(path, 0o700); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("making temporary program executable: %w", err)
	}
	return path, nil
}

// replaceFile atomically swaps the file at path for data, keeping its
// permission bits. The new content is written to a sibling file and
// renamed over path, so a concurrent reader sees either the old container
// or the complete program, never a mix.
func replaceFile(path string, data []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".exepack-*")
	if err != nil {
		return fmt.Errorf("creating sibling file: %w", err)
	}
	temporaryPath := f.Name()

	if err := writeSynced(f, data); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("writing sibling file: %w", err)
	}
	if err := os.Chmod(temporaryPath, info.Mode().Perm()); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("setting sibling mode: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// writeSynced writes data, flushes it to stable storage and closes f.
func writeSynced(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
