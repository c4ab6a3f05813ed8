package kb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// allowedExtensions is the KB write allow-list. Anything else is rejected
// before touching the filesystem.
var allowedExtensions = map[string]bool{
	".md":   true,
	".mdx":  true,
	".json": true,
	".txt":  true,
	".yaml": true,
	".yml":  true,
}

// ResolveSafePath validates rel against the KB root and returns the
// absolute target path. It rejects NUL bytes, absolute paths, extensions
// outside the allow-list, any lexical escape of the root, and symlink
// hops whose resolution lands outside the root. The returned path may not
// exist yet; symlink resolution walks the closest existing ancestor.
func ResolveSafePath(kbRoot, rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", ErrNullBytes
	}
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathEscape)
	}

	rel = filepath.FromSlash(rel)
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute path %q", ErrPathEscape, rel)
	}

	if !allowedExtensions[strings.ToLower(filepath.Ext(rel))] {
		return "", fmt.Errorf("%w: %q", ErrExtension, filepath.Ext(rel))
	}

	root, err := filepath.Abs(kbRoot)
	if err != nil {
		return "", fmt.Errorf("resolve KB root: %w", err)
	}
	target := filepath.Join(root, rel)

	// Lexical containment first: Join cleans .. segments, so a target
	// outside the root means the path climbed out.
	if !within(root, target) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}

	// Physical containment second: resolve symlinks on the deepest
	// existing ancestor and re-check. A symlinked subdirectory pointing
	// elsewhere must not smuggle writes out of the root.
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve KB root: %w", err)
	}
	existing, remainder := deepestExisting(target)
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", existing, err)
	}
	final := filepath.Join(resolved, remainder)
	if !within(resolvedRoot, final) {
		return "", fmt.Errorf("%w: %q resolves outside the root", ErrPathEscape, rel)
	}

	return target, nil
}

// within reports whether path is root or beneath it.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}

// deepestExisting walks target upward to the closest existing ancestor
// and returns it with the non-existing remainder.
func deepestExisting(target string) (string, string) {
	dir := target
	var parts []string
	for {
		if _, err := os.Lstat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		parts = append([]string{filepath.Base(dir)}, parts...)
		dir = parent
	}
	return dir, filepath.Join(parts...)
}
