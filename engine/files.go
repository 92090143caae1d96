package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// fileUnit is one unit of per-file work within a job. A zero fileUnit is
// the package-scoped unit.
type fileUnit struct {
	id   string // relative path within the working directory
	name string
	path string
}

// listFiles enumerates regular files under the working directory,
// optionally restricted to a subdirectory, ordered by file ID. A missing
// subdirectory yields no units rather than an error: a filtered link over
// an absent tree simply has nothing to do.
func listFiles(dir, subdir string) ([]fileUnit, error) {
	root := dir
	if subdir != "" {
		root = filepath.Join(dir, subdir)
		if _, err := os.Stat(root); os.IsNotExist(err) {
			return nil, nil
		}
	}
	var units []fileUnit
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		units = append(units, fileUnit{id: rel, name: info.Name(), path: path})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(units, func(i, j int) bool { return units[i].id < units[j].id })
	return units, nil
}

// stageTree copies the submission source (a file or a directory tree) into
// a fresh working directory.
func stageTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("reading source: %w", err)
	}
	if err = os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, filepath.Join(dst, info.Name()), info.Mode())
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
