// Package security keeps file access inside the directories donorscan owns.
package security

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

var (
	ErrPathTraversal   = errors.New("path traversal detected")
	ErrPathOutsideRoot = errors.New("path escapes root directory")
	ErrSymlinkEscape   = errors.New("symlink escape detected")
	ErrInvalidPath     = errors.New("invalid path")
)

var traversalPatterns = []string{
	"..",
	"%2e%2e",
	"%252e%252e",
	"..%2f",
	"%2f..",
	"..\\",
}

// ResolveInside returns the cleaned absolute form of path, which may be
// relative to root, or an error when it or any symlink along it leads
// outside root.
func ResolveInside(root, path string) (string, error) {
	if containsTraversal(path) {
		return "", ErrPathTraversal
	}

	rootPath, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return "", ErrInvalidPath
	}
	if resolved, err := filepath.EvalSymlinks(rootPath); err == nil {
		rootPath = resolved
	}

	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(rootPath, target)
	}
	target = filepath.Clean(target)
	if dir, err := filepath.EvalSymlinks(filepath.Dir(target)); err == nil {
		target = filepath.Join(dir, filepath.Base(target))
	}

	if !within(target, rootPath) {
		return "", ErrPathOutsideRoot
	}
	if err := checkSymlinks(target, rootPath); err != nil {
		return "", err
	}
	return target, nil
}

// IsInside reports whether ResolveInside accepts path.
func IsInside(root, path string) bool {
	_, err := ResolveInside(root, path)
	return err == nil
}

func within(target, root string) bool {
	return target == root || strings.HasPrefix(target, root+string(os.PathSeparator))
}

func containsTraversal(path string) bool {
	lower := strings.ToLower(path)
	for _, pattern := range traversalPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// checkSymlinks walks target below root and rejects any link that
// resolves outside root.
func checkSymlinks(target, root string) error {
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." {
		return nil
	}

	current := root
	for _, part := range strings.Split(rel, string(os.PathSeparator)) {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return ErrInvalidPath
		}
		if info.Mode()&os.ModeSymlink == 0 {
			continue
		}
		resolved, err := filepath.EvalSymlinks(current)
		if err != nil {
			return ErrSymlinkEscape
		}
		if !within(filepath.Clean(resolved), root) {
			return ErrSymlinkEscape
		}
	}
	return nil
}

// CleanFileName reduces a client-supplied name to a bare file name with
// no directory parts or control characters. An unusable name becomes
// "upload".
func CleanFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "upload"
	}
	return name
}
