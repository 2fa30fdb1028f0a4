package safety

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// CleanRelativePath validates and normalizes a relative path.
// It rejects absolute paths and parent traversal segments.
func CleanRelativePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is empty")
	}

	clean := filepath.Clean(filepath.FromSlash(p))
	if clean == "." {
		return "", fmt.Errorf("path resolves to current directory")
	}
	if filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" {
		return "", fmt.Errorf("absolute paths are not allowed: %q", p)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("parent traversal is not allowed: %q", p)
	}
	return clean, nil
}

// CleanMemberName normalizes an archive member name to a slash-separated
// relative path. Backslashes are treated as separators, and names that are
// absolute, carry a drive letter, or climb above the archive root are
// rejected.
func CleanMemberName(name string) (string, error) {
	n := strings.ReplaceAll(name, `\`, "/")
	if n == "" {
		return "", fmt.Errorf("member name is empty")
	}
	if strings.HasPrefix(n, "/") {
		return "", fmt.Errorf("absolute member name: %q", name)
	}
	if len(n) >= 2 && n[1] == ':' {
		return "", fmt.Errorf("member name has a drive letter: %q", name)
	}
	clean := path.Clean(n)
	if clean == "." {
		return "", fmt.Errorf("member name resolves to archive root: %q", name)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("parent traversal is not allowed: %q", name)
	}
	return clean, nil
}

// SafeJoinUnder joins a validated relative path under root and verifies
// the final path remains inside root.
func SafeJoinUnder(root, rel string) (string, error) {
	cleanRel, err := CleanRelativePath(rel)
	if err != nil {
		return "", err
	}
	return EnsureUnderRoot(root, filepath.Join(root, cleanRel))
}

// MemberPath resolves an archive member name to a path under root.
func MemberPath(root, name string) (string, error) {
	clean, err := CleanMemberName(name)
	if err != nil {
		return "", err
	}
	return SafeJoinUnder(root, clean)
}

// EnsureUnderRoot verifies candidate resolves under root and returns
// an absolute normalized path.
func EnsureUnderRoot(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %q", candidate)
	}
	return candAbs, nil
}
