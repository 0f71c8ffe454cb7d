package storage

import (
	"os"
	"path/filepath"
)

func joinPath(dir, name string) string {
	return filepath.Join(dir, filepath.FromSlash(name))
}

func mkdirAllFor(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
